package hls

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"live-ingest/internal/stream"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// Handler serves playlists and segments from manifest snapshots.
type Handler struct {
	repo Repository
	log  *slog.Logger
}

// NewHandler returns a Handler reading from repo.
func NewHandler(repo Repository, log *slog.Logger) *Handler {
	return &Handler{repo: repo, log: log}
}

// Routes mounts GET /{app}/{name}/{file} where file is index.m3u8 or <seq>.ts.
func (h *Handler) Routes(r chi.Router) {
	r.With(CORS).Get("/{app}/{name}/{file}", h.ServeFile)
	r.With(CORS).Options("/{app}/{name}/{file}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// ServeFile handles GET /{app}/{name}/{file}.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	key, err := stream.Key(chi.URLParam(r, "app"), chi.URLParam(r, "name"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	file := chi.URLParam(r, "file")

	if file == PlaylistName {
		h.servePlaylist(w, key)
		return
	}
	seqStr, ok := strings.CutSuffix(file, ".ts")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq < 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.serveSegment(w, key, seq)
}

func (h *Handler) servePlaylist(w http.ResponseWriter, key string) {
	lease, err := h.repo.Snapshot(key)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer lease.Release()

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, lease.Playlist())
}

func (h *Handler) serveSegment(w http.ResponseWriter, key string, seq int64) {
	lease, err := h.repo.Snapshot(key)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer lease.Release()

	rc, err := lease.Open(seq)
	if err != nil {
		if !errors.Is(err, ErrSegmentNotFound) {
			h.log.Error("open segment", slog.String("stream", key), slog.Int64("sequence", seq), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", segmentContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Debug("segment copy aborted", slog.String("stream", key), slog.Int64("sequence", seq), slog.String("error", err.Error()))
	}
}

// CORS allows browser players on other origins to fetch media.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Range, Origin, Accept")
		next.ServeHTTP(w, r)
	})
}
