package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"live-ingest/internal/hls"
	"live-ingest/internal/platform/config"
	"live-ingest/internal/platform/logger"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/rtmp"
	"live-ingest/internal/stream"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	bus := stream.NewBus(log)
	registry := stream.NewRegistry(stream.Options{
		GOPCache:         cfg.GOPCache,
		SubscriberBuffer: cfg.SubscriberBuffer,
		OnSlowConsumer:   func(string) { met.IncSlowConsumers() },
	}, log)

	store, err := hls.NewDiskStore(cfg.MediaRoot)
	if err != nil {
		log.Error("media root unusable", "path", cfg.MediaRoot, "error", err)
		os.Exit(1)
	}
	target := int(cfg.SegmentDuration / time.Second)
	repo := hls.NewManifestRepository(store, target, hls.RetentionPolicy{
		MaxCount: cfg.SegmentRetention,
		MaxAge:   cfg.SegmentMaxAge,
	})
	manager := hls.NewManager(registry, repo, store, cfg.SegmentDuration, log, met)
	sweeper := hls.NewSweeper(repo, cfg.SweepInterval, cfg.SegmentMaxAge, log, met)

	rtmpSrv := rtmp.NewServer(":"+strconv.Itoa(cfg.RTMPPort), rtmp.SessionConfig{
		ChunkSize:        uint32(cfg.ChunkSize),
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		PingTimeout:      cfg.PingTimeout,
		PlayWaitTimeout:  cfg.PlayWaitTimeout,
		Allow:            cfg.AllowPublish(),
	}, registry, bus, log, met)

	streams := stream.NewHandler(registry, repo, bus, stream.ServerInfo{
		PublicHost:    cfg.PublicHost,
		RTMPPort:      cfg.RTMPPort,
		HTTPMediaPort: cfg.HTTPMediaPort,
	}, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(registry.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(hls.CORS)
		r.Get("/info", streams.Info)
		r.Get("/streams", streams.ListStreams)
		r.Get("/streams/{app}/{name}", streams.GetStream)
	})
	r.With(hls.CORS).Get("/{app}/{name}.flv", streams.PlayFLV)
	hls.NewHandler(repo, log).Routes(r)

	httpSrv := &http.Server{Addr: ":" + strconv.Itoa(cfg.HTTPMediaPort), Handler: r}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var background workers
	background.Go(func() { logEvents(ctx, bus.Subscribe(256), log) })
	background.Go(func() { manager.Run(ctx, bus.SubscribeAll()) })
	background.Go(func() { sweeper.Run(ctx) })

	if err := rtmpSrv.Listen(); err != nil {
		log.Error("rtmp server error", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := rtmpSrv.Serve(ctx); err != nil && !errors.Is(err, rtmp.ErrServerClosed) {
			log.Error("rtmp server error", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"rtmp_port", cfg.RTMPPort,
		"http_media_port", cfg.HTTPMediaPort,
		"media_root", cfg.MediaRoot,
		"segment_duration", cfg.SegmentDuration.String(),
		"segment_retention", cfg.SegmentRetention,
		"gop_cache", cfg.GOPCache,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := rtmpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("rtmp: %w", err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	// With every publisher gone each muxer flushes its open segment and
	// ends the manifest. Cancel only after that so no segment is dropped.
	muxersDone := make(chan struct{})
	go func() {
		manager.Wait()
		close(muxersDone)
	}()
	select {
	case <-muxersDone:
	case <-shutdownCtx.Done():
		errs = append(errs, errors.New("hls muxers did not finish in time"))
	}
	stop()
	if err := background.Wait(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("background loops: %w", err))
	}
	bus.Close()

	if err := errors.Join(errs...); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
