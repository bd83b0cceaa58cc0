package hls

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandlerFixture(t *testing.T) (*chi.Mux, *ManifestRepository, *InMemoryStore) {
	t.Helper()
	repo, store := newTestRepo(RetentionPolicy{MaxCount: 3})
	_, _, err := repo.Open("live/cam")
	require.NoError(t, err)
	appendSegment(t, repo, store, "live/cam", 0, time.Now())
	appendSegment(t, repo, store, "live/cam", 1, time.Now())

	r := chi.NewRouter()
	NewHandler(repo, testLogger()).Routes(r)
	return r, repo, store
}

func TestHandler_playlist(t *testing.T) {
	r, _, _ := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live/cam/index.m3u8", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, playlistContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "#EXTM3U"))
	assert.Contains(t, body, "0.ts")
	assert.Contains(t, body, "1.ts")

	t.Run("unknown_stream", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live/nope/index.m3u8", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_segment(t *testing.T) {
	r, repo, store := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live/cam/1.ts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, segmentContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{1}, rec.Body.Bytes())

	for _, path := range []string{"/live/cam/9.ts", "/live/cam/x.ts", "/live/cam/other.txt"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	t.Run("evicted_segment_not_served", func(t *testing.T) {
		for seq := int64(2); seq < 5; seq++ {
			appendSegment(t, repo, store, "live/cam", seq, time.Now())
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live/cam/0.ts", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_preflight(t *testing.T) {
	r, _, _ := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/live/cam/index.m3u8", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}
