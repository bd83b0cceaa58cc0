package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"live-ingest/internal/message"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/stream"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of one connection.
type SessionState int

const (
	StateHandshaking SessionState = iota
	StateConnected
	StatePublishing
	StatePlaying
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionConfig holds the per-connection protocol settings.
type SessionConfig struct {
	// ChunkSize is announced to the peer after connect.
	ChunkSize        uint32
	WindowAckSize    uint32
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	// PlayWaitTimeout bounds how long play waits for a publisher; zero fails at once.
	PlayWaitTimeout time.Duration
	// Allow reports whether a key may be published. Nil allows every key.
	Allow func(key string) bool
}

// Session drives one RTMP connection from handshake to close.
type Session struct {
	id       string
	conn     net.Conn
	cfg      SessionConfig
	registry *stream.Registry
	bus      *stream.Bus
	log      *slog.Logger
	metrics  *metrics.Metrics

	reader  *MessageReader
	writer  *ChunkWriter
	started time.Time

	lastActivity atomic.Int64
	opened       atomic.Bool
	peerWindow   uint32
	lastAck      uint64

	mu           sync.Mutex
	state        SessionState
	cancel       context.CancelFunc
	closeReason  error
	app          string
	key          string
	nextStreamID uint32
	pub          *stream.Session
	sub          *stream.Subscriber
	relayDone    chan struct{}

	teardownOnce sync.Once
}

// NewSession wraps conn. The session does nothing until Serve is called.
func NewSession(conn net.Conn, cfg SessionConfig, registry *stream.Registry, bus *stream.Bus, log *slog.Logger, m *metrics.Metrics) *Session {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.WindowAckSize == 0 {
		cfg.WindowAckSize = DefaultWindowAckSize
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		log:      log.With(slog.String("conn_id", id), slog.String("remote_addr", conn.RemoteAddr().String())),
		metrics:  m,
		reader:   NewMessageReader(conn),
		writer:   NewChunkWriter(conn),
		started:  time.Now(),
	}
}

// ID implements stream.Publisher.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Key returns the stream key being published or played, if any.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Close implements stream.Publisher. It closes the socket, which unblocks
// Serve; the first non-nil err is reported as the close reason.
func (s *Session) Close(err error) {
	s.mu.Lock()
	if s.closeReason == nil && err != nil {
		s.closeReason = err
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.conn.Close()
}

// Serve runs the connection until the peer leaves, a protocol error occurs
// or ctx is cancelled. It always leaves the session Closed with every
// registry resource released. A clean disconnect returns nil.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	err := s.serve(ctx)
	err = s.exitReason(ctx, err)
	s.teardown(err)
	return err
}

func (s *Session) serve(ctx context.Context) error {
	hs := NewHandshake(s.conn, s.cfg.HandshakeTimeout)
	if err := hs.Run(); err != nil {
		return err
	}
	s.touch()
	s.log.Debug("handshake complete", slog.Bool("digest", hs.Digest()))
	s.opened.Store(true)
	s.bus.Emit(stream.ConnectionOpened{ConnID: s.id, RemoteAddr: s.conn.RemoteAddr().String(), At: time.Now()})

	go s.keepalive(ctx)

	for {
		m, err := s.reader.ReadMessage()
		if err != nil {
			return err
		}
		s.touch()
		if err := s.acknowledge(); err != nil {
			return err
		}
		if err := s.handle(ctx, m); err != nil {
			return err
		}
	}
}

// exitReason prefers the reason given to Close over the read error it caused.
func (s *Session) exitReason(ctx context.Context, err error) error {
	s.mu.Lock()
	reason := s.closeReason
	s.mu.Unlock()
	switch {
	case reason != nil:
		return reason
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return nil
	}
	return err
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// keepalive sends periodic ping requests and closes a silent peer.
func (s *Session) keepalive(ctx context.Context) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, s.lastActivity.Load()))
		if s.cfg.PingTimeout > 0 && idle > s.cfg.PingTimeout {
			s.Close(fmt.Errorf("%w: idle for %s", ErrPingTimeout, idle.Round(time.Millisecond)))
			return
		}
		ping := newUserControl(eventPingRequest, uint32(time.Since(s.started).Milliseconds()))
		if err := s.writer.WriteMessage(ping); err != nil {
			s.Close(err)
			return
		}
	}
}

// acknowledge sends an Acknowledgement once the peer window has been read.
// Only the read loop calls it.
func (s *Session) acknowledge() error {
	if s.peerWindow == 0 {
		return nil
	}
	n := s.reader.BytesRead()
	if n-s.lastAck < uint64(s.peerWindow) {
		return nil
	}
	s.lastAck = n
	return s.writer.WriteMessage(newAck(uint32(n)))
}

func (s *Session) handle(ctx context.Context, m *message.Message) error {
	switch {
	case m.TypeID.IsControl():
		return s.handleControl(m)
	case m.TypeID.IsCommand():
		payload := m.Payload
		if m.TypeID == message.TypeIDCommandMessageAMF3 && len(payload) > 0 {
			payload = payload[1:]
		}
		cmd, err := DecodeCommand(payload)
		if err != nil {
			return err
		}
		return s.handleCommand(ctx, m.StreamID, cmd)
	case m.TypeID.IsData():
		s.handleData(m)
	case m.TypeID.IsMedia():
		if pub := s.publishing(); pub != nil {
			pub.Publish(m)
		}
	default:
		s.log.Debug("ignoring message", slog.Int("type_id", int(m.TypeID)))
	}
	return nil
}

func (s *Session) handleControl(m *message.Message) error {
	switch m.TypeID {
	case message.TypeIDSetChunkSize:
		size, err := parseSetChunkSize(m)
		if err != nil {
			return err
		}
		return s.reader.SetChunkSize(size)
	case message.TypeIDAbortMessage:
		csid, err := parseUint32(m)
		if err != nil {
			return err
		}
		s.reader.Abort(csid)
	case message.TypeIDWinAckSize:
		size, err := parseUint32(m)
		if err != nil {
			return err
		}
		s.peerWindow = size
	case message.TypeIDUserCtrl:
		event, arg, err := parseUserControl(m)
		if err != nil {
			return err
		}
		if event == eventPingRequest {
			return s.writer.WriteMessage(newUserControl(eventPingResponse, arg))
		}
	}
	return nil
}

func (s *Session) handleData(m *message.Message) {
	pub := s.publishing()
	if pub == nil {
		return
	}
	switch DataName(m.Payload) {
	case setDataFrame, "onMetaData":
		meta := *m
		meta.Payload = StripSetDataFrame(m.Payload)
		pub.SetMetadata(&meta)
	}
}

func (s *Session) handleCommand(ctx context.Context, streamID uint32, cmd *Command) error {
	if cmd.Name != "connect" && s.State() == StateHandshaking {
		return fmt.Errorf("%w: %q before connect", ErrMalformedCommand, cmd.Name)
	}
	switch cmd.Name {
	case "connect":
		return s.onConnect(cmd)
	case "createStream":
		return s.onCreateStream(cmd)
	case "publish":
		return s.onPublish(streamID, cmd)
	case "play":
		return s.onPlay(ctx, streamID, cmd)
	case "deleteStream", "closeStream", "FCUnpublish":
		s.stop(nil)
		return nil
	case "releaseStream", "FCPublish", "getStreamLength", "_checkbw", "FCSubscribe":
		return nil
	default:
		s.log.Debug("ignoring command", slog.String("command", cmd.Name))
		return nil
	}
}

func (s *Session) onConnect(cmd *Command) error {
	if s.State() != StateHandshaking {
		return fmt.Errorf("%w: duplicate connect", ErrMalformedCommand)
	}
	cc, err := DecodeConnect(cmd.Object)
	if err != nil {
		return err
	}

	if err := s.writer.WriteMessage(newWindowAckSize(s.cfg.WindowAckSize)); err != nil {
		return err
	}
	if err := s.writer.WriteMessage(newSetPeerBandwidth(s.cfg.WindowAckSize, bandwidthLimitDynamic)); err != nil {
		return err
	}
	if err := s.writer.WriteSetChunkSize(s.cfg.ChunkSize); err != nil {
		return err
	}
	res, err := newCommandMessage(0, "_result", cmd.TransactionID,
		map[string]interface{}{"fmsVer": "FMS/3,0,1,123", "capabilities": float64(31)},
		map[string]interface{}{
			"level":          "status",
			"code":           "NetConnection.Connect.Success",
			"description":    "Connection succeeded.",
			"objectEncoding": cc.ObjectEncoding,
		})
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessage(res); err != nil {
		return err
	}

	s.mu.Lock()
	s.app = cc.App
	s.state = StateConnected
	s.mu.Unlock()
	s.log.Info("rtmp connect", slog.String("app", cc.App), slog.String("flash_ver", cc.FlashVer), slog.String("tc_url", cc.TCURL))
	return nil
}

func (s *Session) onCreateStream(cmd *Command) error {
	s.mu.Lock()
	s.nextStreamID++
	id := s.nextStreamID
	s.mu.Unlock()
	res, err := newCommandMessage(0, "_result", cmd.TransactionID, nil, float64(id))
	if err != nil {
		return err
	}
	return s.writer.WriteMessage(res)
}

func (s *Session) onPublish(streamID uint32, cmd *Command) error {
	if st := s.State(); st != StateConnected {
		return fmt.Errorf("%w: publish in state %s", ErrMalformedCommand, st)
	}
	name, _ := cmd.StringArg(0)
	key, err := stream.Key(s.appName(), StreamName(name))
	if err != nil {
		_ = s.sendStatus(streamID, "error", "NetStream.Publish.BadName", "Invalid stream name.")
		return err
	}

	if s.cfg.Allow != nil && !s.cfg.Allow(key) {
		s.rejectPublish("unauthorized")
		_ = s.sendStatus(streamID, "error", "NetStream.Publish.Unauthorized", "Stream key not allowed.")
		return fmt.Errorf("%w: %s", ErrUnauthorized, key)
	}

	pub, err := s.registry.RegisterPublisher(key, s)
	if err != nil {
		s.rejectPublish("conflict")
		_ = s.sendStatus(streamID, "error", "NetStream.Publish.BadName", "Stream already publishing.")
		return fmt.Errorf("%w: %w", ErrPublishConflict, err)
	}

	s.mu.Lock()
	s.key = key
	s.pub = pub
	s.state = StatePublishing
	s.mu.Unlock()

	if err := s.writer.WriteMessage(newUserControl(eventStreamBegin, streamID)); err != nil {
		return err
	}
	if err := s.sendStatus(streamID, "status", "NetStream.Publish.Start", key+" is now published."); err != nil {
		return err
	}
	s.log.Info("publish started", slog.String("stream_key", key))
	s.bus.Emit(stream.PublishStarted{ConnID: s.id, Key: key, Session: pub, At: time.Now()})
	return nil
}

func (s *Session) rejectPublish(reason string) {
	if s.metrics != nil {
		s.metrics.IncPublishRejected(reason)
	}
}

func (s *Session) onPlay(ctx context.Context, streamID uint32, cmd *Command) error {
	if st := s.State(); st != StateConnected {
		return fmt.Errorf("%w: play in state %s", ErrMalformedCommand, st)
	}
	name, _ := cmd.StringArg(0)
	key, err := stream.Key(s.appName(), StreamName(name))
	if err != nil {
		_ = s.sendStatus(streamID, "error", "NetStream.Play.StreamNotFound", "Invalid stream name.")
		return err
	}

	sub, err := s.attach(ctx, key)
	if err != nil {
		_ = s.sendStatus(streamID, "error", "NetStream.Play.StreamNotFound", "No such stream.")
		return fmt.Errorf("%w: %w", ErrStreamNotFound, err)
	}

	if err := s.writer.WriteMessage(newUserControl(eventStreamBegin, streamID)); err != nil {
		s.registry.DetachSubscriber(key, sub)
		return err
	}
	if err := s.sendStatus(streamID, "status", "NetStream.Play.Reset", "Playing and resetting "+key+"."); err != nil {
		s.registry.DetachSubscriber(key, sub)
		return err
	}
	if err := s.sendStatus(streamID, "status", "NetStream.Play.Start", "Started playing "+key+"."); err != nil {
		s.registry.DetachSubscriber(key, sub)
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.key = key
	s.sub = sub
	s.relayDone = done
	s.state = StatePlaying
	s.mu.Unlock()

	go s.relay(sub, streamID, done)
	s.log.Info("play started", slog.String("stream_key", key))
	s.bus.Emit(stream.PlayStarted{ConnID: s.id, Key: key, At: time.Now()})
	return nil
}

// attach waits, within the play wait policy, for a publisher of key and
// subscribes to it. The wait loops in case the publisher leaves between
// the wakeup and the attach.
func (s *Session) attach(ctx context.Context, key string) (*stream.Subscriber, error) {
	deadline := time.Now().Add(s.cfg.PlayWaitTimeout)
	for {
		if _, err := s.registry.WaitForPublisher(ctx, key, time.Until(deadline)); err != nil {
			return nil, err
		}
		sub, _, err := s.registry.AttachSubscriber(key, s.id)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, stream.ErrNotFound) || time.Until(deadline) <= 0 {
			return nil, err
		}
	}
}

// relay writes the subscription to the peer on the play stream id.
func (s *Session) relay(sub *stream.Subscriber, streamID uint32, done chan struct{}) {
	defer close(done)
	for m := range sub.C() {
		out := *m
		out.StreamID = streamID
		if err := s.writer.WriteMessage(&out); err != nil {
			s.Close(err)
			return
		}
	}
	err := sub.Err()
	if err == nil {
		// Detached by this session.
		return
	}
	if errors.Is(err, stream.ErrPublisherClosed) {
		_ = s.writer.WriteMessage(newUserControl(eventStreamEOF, streamID))
		_ = s.sendStatus(streamID, "status", "NetStream.Play.UnpublishNotify", "Stream unpublished.")
	}
	s.Close(err)
}

// stop ends a publish or play and returns the session to Connected.
func (s *Session) stop(reason error) {
	s.mu.Lock()
	state, key, pub, sub, done := s.state, s.key, s.pub, s.sub, s.relayDone
	if state == StatePublishing || state == StatePlaying {
		s.state = StateConnected
	}
	s.pub, s.sub, s.relayDone = nil, nil, nil
	s.mu.Unlock()

	switch state {
	case StatePublishing:
		if pub != nil && s.registry.Unregister(key, s) {
			s.log.Info("publish stopped", slog.String("stream_key", key))
			s.bus.Emit(stream.PublishStopped{ConnID: s.id, Key: key, Err: reason, At: time.Now()})
		}
	case StatePlaying:
		if sub != nil {
			s.registry.DetachSubscriber(key, sub)
			if reason != nil && done != nil {
				<-done
			}
			s.log.Info("play stopped", slog.String("stream_key", key))
			s.bus.Emit(stream.PlayStopped{ConnID: s.id, Key: key, Err: reason, At: time.Now()})
		}
	}
}

// teardown releases everything the session owns. The socket is closed
// first so a relay blocked on write returns promptly.
func (s *Session) teardown(err error) {
	s.teardownOnce.Do(func() {
		s.conn.Close()
		s.stop(err)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("connection closed", slog.String("error", err.Error()))
		} else {
			s.log.Debug("connection closed")
		}
		if s.opened.Load() {
			s.bus.Emit(stream.ConnectionClosed{ConnID: s.id, Err: err, At: time.Now()})
		}
	})
}

func (s *Session) publishing() *stream.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePublishing {
		return nil
	}
	return s.pub
}

func (s *Session) appName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app
}

func (s *Session) sendStatus(streamID uint32, level, code, description string) error {
	m, err := newCommandMessage(streamID, "onStatus", 0, nil, map[string]interface{}{
		"level":       level,
		"code":        code,
		"description": description,
	})
	if err != nil {
		return err
	}
	return s.writer.WriteMessage(m)
}
