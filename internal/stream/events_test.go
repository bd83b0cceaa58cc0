package stream

import (
	"testing"
	"time"
)

func TestBus_Emit(t *testing.T) {
	bus := NewBus(testLogger())
	a := bus.Subscribe(1)
	b := bus.Subscribe(0)

	bus.Emit(PublishStarted{Key: "live/x", At: time.Now()})
	bus.Emit(PublishStopped{Key: "live/x", At: time.Now()})

	select {
	case e := <-a:
		if e.EventName() != "publish_started" {
			t.Errorf("got %s, want publish_started", e.EventName())
		}
	default:
		t.Fatal("expected buffered event")
	}
	select {
	case e := <-a:
		t.Errorf("second event should have been dropped, got %s", e.EventName())
	default:
	}
	select {
	case <-b:
		t.Error("unbuffered consumer should not receive")
	default:
	}

	bus.Close()
	if _, ok := <-a; ok {
		t.Error("channel should be closed")
	}
	bus.Emit(ConnectionClosed{ConnID: "c"})
	if _, ok := <-bus.Subscribe(1); ok {
		t.Error("subscribe after close returns a closed channel")
	}
}

func TestBus_nil_receiver(t *testing.T) {
	var bus *Bus
	bus.Emit(PlayStarted{})
}

func TestBus_SubscribeAll_never_drops(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()
	lossy := bus.Subscribe(256)
	all := bus.SubscribeAll()

	for i := 0; i < 256; i++ {
		bus.Emit(ConnectionOpened{ConnID: "c"})
	}
	bus.Emit(PublishStarted{Key: "live/cam", At: time.Now()})

	if got := len(lossy); got != 256 {
		t.Fatalf("lossy consumer holds %d events, want 256", got)
	}
	var last Event
	for i := 0; i < 257; i++ {
		select {
		case last = <-all:
		case <-time.After(time.Second):
			t.Fatalf("only %d events delivered", i)
		}
	}
	ps, ok := last.(PublishStarted)
	if !ok || ps.Key != "live/cam" {
		t.Fatalf("last event = %#v, want PublishStarted for live/cam", last)
	}
}

func TestBus_SubscribeAll_close(t *testing.T) {
	bus := NewBus(testLogger())
	all := bus.SubscribeAll()
	bus.Emit(PlayStarted{Key: "live/a"})
	bus.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-all:
			if !ok {
				if _, ok := <-bus.SubscribeAll(); ok {
					t.Error("SubscribeAll after close returns a closed channel")
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Close")
		}
	}
}
