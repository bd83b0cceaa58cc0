package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"live-ingest/internal/media"
	"live-ingest/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const flvContentType = "video/x-flv"

// ServerInfo describes the listening ports and public host for /api/info.
type ServerInfo struct {
	PublicHost    string
	RTMPPort      int
	HTTPMediaPort int
}

// Handler exposes stream status and HTTP-FLV playback using go-chi.
type Handler struct {
	registry *Registry
	counter  SegmentCounter
	bus      *Bus
	info     ServerInfo
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler. counter, bus and m may be nil.
func NewHandler(registry *Registry, counter SegmentCounter, bus *Bus, info ServerInfo, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{registry: registry, counter: counter, bus: bus, info: info, log: log, metrics: m}
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Status(h.counter))
}

// GetStream handles GET /api/streams/{app}/{name}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	key, err := Key(chi.URLParam(r, "app"), chi.URLParam(r, "name"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	st, ok := h.registry.StatusOf(key, h.counter)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Info handles GET /api/info.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	rtmpBase := fmt.Sprintf("rtmp://%s:%d/live", h.info.PublicHost, h.info.RTMPPort)
	httpBase := fmt.Sprintf("http://%s:%d/live", h.info.PublicHost, h.info.HTTPMediaPort)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "running",
		"public_host":    h.info.PublicHost,
		"rtmp_port":      h.info.RTMPPort,
		"media_port":     h.info.HTTPMediaPort,
		"active_streams": h.registry.ActiveCount(),
		"urls": map[string]string{
			"rtmp":     rtmpBase,
			"view_flv": httpBase + "/{stream}.flv",
			"view_hls": httpBase + "/{stream}/index.m3u8",
		},
	})
}

// PlayFLV handles GET /{app}/{name}.flv by attaching an HTTP subscriber and
// streaming FLV until the client leaves or the publisher stops.
func (h *Handler) PlayFLV(w http.ResponseWriter, r *http.Request) {
	key, err := Key(chi.URLParam(r, "app"), chi.URLParam(r, "name"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id := "http-" + uuid.NewString()
	sub, _, err := h.registry.AttachSubscriber(key, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("attach flv subscriber failed", slog.String("stream_key", key), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer h.registry.DetachSubscriber(key, sub)

	h.bus.Emit(PlayStarted{ConnID: id, Key: key, At: time.Now()})
	var playErr error
	defer func() {
		h.bus.Emit(PlayStopped{ConnID: id, Key: key, Err: playErr, At: time.Now()})
	}()

	w.Header().Set("Content-Type", flvContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	fw := media.NewFLVWriter(w)
	defer fw.Close()
	for {
		select {
		case <-r.Context().Done():
			return
		case m, ok := <-sub.C():
			if !ok {
				playErr = sub.Err()
				return
			}
			if err := fw.WriteMessage(m); err != nil {
				playErr = err
				h.log.Debug("flv write failed", slog.String("stream_key", key), slog.String("error", err.Error()))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
