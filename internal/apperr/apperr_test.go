package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	errConflict := New(KindConflict, "key_in_use", "stream key in use")

	t.Run("wrapped_sentinel", func(t *testing.T) {
		err := fmt.Errorf("publish live/a: %w", errConflict)
		if got := KindOf(err); got != KindConflict {
			t.Errorf("KindOf = %v, want %v", got, KindConflict)
		}
		if !errors.Is(err, errConflict) {
			t.Error("errors.Is should match the wrapped sentinel")
		}
	})

	t.Run("plain_error", func(t *testing.T) {
		if got := KindOf(errors.New("boom")); got != KindUnknown {
			t.Errorf("KindOf = %v, want unknown", got)
		}
	})

	t.Run("same_code_matches", func(t *testing.T) {
		a := New(KindProtocol, "malformed_chunk", "a")
		b := New(KindProtocol, "malformed_chunk", "b")
		if !errors.Is(a, b) {
			t.Error("errors with the same code should match")
		}
	})
}

func TestKind_String(t *testing.T) {
	if KindSlowConsumer.String() != "slow_consumer" {
		t.Errorf("got %q", KindSlowConsumer.String())
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("got %q", Kind(99).String())
	}
}
