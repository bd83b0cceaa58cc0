package rtmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/stream"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("rtmp: server closed")

// Server accepts RTMP connections and runs one Session per connection.
type Server struct {
	addr     string
	cfg      SessionConfig
	registry *stream.Registry
	bus      *stream.Bus
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer returns a server that will listen on addr (e.g. ":1935").
func NewServer(addr string, cfg SessionConfig, registry *stream.Registry, bus *stream.Bus, log *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		addr:     addr,
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		log:      log.With(slog.String("component", "rtmp-server")),
		metrics:  m,
		sessions: make(map[*Session]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rtmp listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rtmp: Serve called before Listen")
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info("rtmp server listening", slog.String("addr", ln.Addr().String()))
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed, retrying", slog.String("error", err.Error()), slog.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("rtmp accept: %w", err)
		}
		backoff = 0
		s.handle(ctx, conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	sess := NewSession(conn, s.cfg, s.registry, s.bus, s.log, s.metrics)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.ConnectionClosed()
			}
		}()
		_ = sess.Serve(ctx)
	}()
}

// Connections returns the number of open sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting, closes every session and waits for them to
// finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for sess := range s.sessions {
		sess.Close(ErrServerClosed)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
