package main

import (
	"context"
	"log/slog"

	"live-ingest/internal/stream"
)

// logEvents writes one structured line per lifecycle event.
func logEvents(ctx context.Context, events <-chan stream.Event, log *slog.Logger) {
	log = log.With("component", "lifecycle")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{"event", e.EventName()}
			switch ev := e.(type) {
			case stream.ConnectionOpened:
				attrs = append(attrs, "conn_id", ev.ConnID, "remote_addr", ev.RemoteAddr)
			case stream.ConnectionClosed:
				attrs = append(attrs, "conn_id", ev.ConnID)
				if ev.Err != nil {
					attrs = append(attrs, "error", ev.Err.Error())
				}
			case stream.PublishStarted:
				attrs = append(attrs, "conn_id", ev.ConnID, "stream_key", ev.Key)
			case stream.PublishStopped:
				attrs = append(attrs, "conn_id", ev.ConnID, "stream_key", ev.Key)
				if ev.Err != nil {
					attrs = append(attrs, "error", ev.Err.Error())
				}
			case stream.PlayStarted:
				attrs = append(attrs, "conn_id", ev.ConnID, "stream_key", ev.Key)
			case stream.PlayStopped:
				attrs = append(attrs, "conn_id", ev.ConnID, "stream_key", ev.Key)
			}
			log.Debug("lifecycle event", attrs...)
		}
	}
}
