package rtmp

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"live-ingest/internal/media/mediatest"
	"live-ingest/internal/message"
	"live-ingest/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testClient is the peer side of a session over net.Pipe.
type testClient struct {
	t    *testing.T
	conn net.Conn
	w    *ChunkWriter
	msgs chan *message.Message
	tid  float64
}

type served struct {
	sess *Session
	err  chan error
}

func newTestEnv(t *testing.T) (*stream.Registry, *stream.Bus) {
	t.Helper()
	registry := stream.NewRegistry(stream.Options{GOPCache: true, SubscriberBuffer: 256}, testLogger())
	bus := stream.NewBus(testLogger())
	t.Cleanup(bus.Close)
	return registry, bus
}

func dial(t *testing.T, cfg SessionConfig, registry *stream.Registry, bus *stream.Bus) (*testClient, served) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = time.Second
	}
	sess := NewSession(serverConn, cfg, registry, bus, testLogger(), nil)
	srv := served{sess: sess, err: make(chan error, 1)}
	go func() { srv.err <- sess.Serve(context.Background()) }()

	require.NoError(t, ClientHandshake(clientConn, time.Second))
	c := &testClient{
		t:    t,
		conn: clientConn,
		w:    NewChunkWriter(clientConn),
		msgs: make(chan *message.Message, 1024),
	}
	go c.readLoop()
	t.Cleanup(func() { clientConn.Close() })
	return c, srv
}

func (c *testClient) readLoop() {
	defer close(c.msgs)
	mr := NewMessageReader(c.conn)
	for {
		m, err := mr.ReadMessage()
		if err != nil {
			return
		}
		if m.TypeID == message.TypeIDSetChunkSize {
			if size, err := parseSetChunkSize(m); err == nil {
				_ = mr.SetChunkSize(size)
			}
		}
		c.msgs <- m
	}
}

func (c *testClient) command(streamID uint32, name string, values ...interface{}) {
	c.t.Helper()
	c.tid++
	m, err := newCommandMessage(streamID, name, c.tid, values...)
	require.NoError(c.t, err)
	require.NoError(c.t, c.w.WriteMessage(m))
}

func (c *testClient) send(m *message.Message) {
	c.t.Helper()
	require.NoError(c.t, c.w.WriteMessage(m))
}

// next returns the next message accepted by match, skipping the rest.
func (c *testClient) next(match func(*message.Message) bool) *message.Message {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				c.t.Fatal("connection closed while waiting for message")
			}
			if match(m) {
				return m
			}
		case <-timeout:
			c.t.Fatal("timed out waiting for message")
		}
	}
}

func (c *testClient) expectCommand(name string) *Command {
	c.t.Helper()
	var cmd *Command
	c.next(func(m *message.Message) bool {
		if !m.TypeID.IsCommand() {
			return false
		}
		decoded, err := DecodeCommand(m.Payload)
		if err != nil || decoded.Name != name {
			return false
		}
		cmd = decoded
		return true
	})
	return cmd
}

// expectStatus waits for onStatus and returns its code.
func (c *testClient) expectStatus() string {
	c.t.Helper()
	cmd := c.expectCommand("onStatus")
	require.NotEmpty(c.t, cmd.Args)
	info, ok := cmd.Args[0].(map[string]interface{})
	require.True(c.t, ok, "onStatus info is %T", cmd.Args[0])
	code, _ := info["code"].(string)
	return code
}

func (c *testClient) connect(app string) {
	c.t.Helper()
	c.command(0, "connect", map[string]interface{}{
		"app":            app,
		"flashVer":       "FMLE/3.0",
		"tcUrl":          "rtmp://localhost/" + app,
		"objectEncoding": float64(0),
	})
	res := c.expectCommand("_result")
	require.NotEmpty(c.t, res.Args)
	info, ok := res.Args[0].(map[string]interface{})
	require.True(c.t, ok)
	assert.Equal(c.t, "NetConnection.Connect.Success", info["code"])
}

func (c *testClient) createStream() uint32 {
	c.t.Helper()
	c.command(0, "createStream", nil)
	res := c.expectCommand("_result")
	id, ok := res.NumberArg(0)
	require.True(c.t, ok)
	return uint32(id)
}

func (c *testClient) publish(app, name string) (uint32, string) {
	c.t.Helper()
	c.connect(app)
	id := c.createStream()
	c.command(id, "publish", nil, name, "live")
	return id, c.expectStatus()
}

func (c *testClient) play(app, name string) (uint32, string) {
	c.t.Helper()
	c.connect(app)
	id := c.createStream()
	c.command(id, "play", nil, name)
	return id, c.expectStatus()
}

func waitErr(t *testing.T, srv served) error {
	t.Helper()
	select {
	case err := <-srv.err:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

func isMedia(m *message.Message) bool {
	return m.TypeID.IsMedia() || m.TypeID.IsData()
}

func TestSession_publish_and_play(t *testing.T) {
	registry, bus := newTestEnv(t)

	pub, pubSrv := dial(t, SessionConfig{}, registry, bus)
	streamID, code := pub.publish("live", "cam?token=abc")
	require.Equal(t, "NetStream.Publish.Start", code)
	assert.Equal(t, StatePublishing, pubSrv.sess.State())
	assert.Equal(t, "live/cam", pubSrv.sess.Key())

	withStream := func(m *message.Message) *message.Message {
		m.StreamID = streamID
		return m
	}
	pub.send(withStream(mediatest.Metadata(0)))
	pub.send(withStream(mediatest.VideoConfig(0)))
	pub.send(withStream(mediatest.AudioConfig(0)))
	for _, m := range mediatest.GOP(0, 3, 30) {
		pub.send(withStream(m))
	}

	require.Eventually(t, func() bool {
		s, ok := registry.Lookup("live/cam")
		return ok && len(s.GOP()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	player, playerSrv := dial(t, SessionConfig{}, registry, bus)
	playID, code := player.play("live", "cam")
	require.Equal(t, "NetStream.Play.Reset", code)
	assert.Equal(t, "NetStream.Play.Start", player.expectStatus())

	first := player.next(isMedia)
	assert.Equal(t, message.TypeIDDataMessageAMF0, first.TypeID)
	assert.Equal(t, "onMetaData", DataName(first.Payload))
	assert.Equal(t, playID, first.StreamID)

	vcfg := player.next(isMedia)
	assert.Equal(t, message.TypeIDVideoMessage, vcfg.TypeID)
	assert.Equal(t, mediatest.VideoConfig(0).Payload, vcfg.Payload)

	acfg := player.next(isMedia)
	assert.Equal(t, message.TypeIDAudioMessage, acfg.TypeID)
	assert.Equal(t, mediatest.AudioConfig(0).Payload, acfg.Payload)

	key := player.next(isMedia)
	assert.Equal(t, mediatest.VideoFrame(0, true).Payload, key.Payload)
	for i := 0; i < 2; i++ {
		m := player.next(isMedia)
		assert.Equal(t, message.TypeIDVideoMessage, m.TypeID)
	}

	// live frames follow the prefix
	pub.send(withStream(mediatest.VideoFrame(100, false)))
	live := player.next(isMedia)
	assert.Equal(t, uint32(100), live.Timestamp)

	// unpublish ends the player
	require.NoError(t, pub.conn.Close())
	assert.NoError(t, waitErr(t, pubSrv))
	assert.Equal(t, "NetStream.Play.UnpublishNotify", player.expectStatus())
	assert.ErrorIs(t, waitErr(t, playerSrv), stream.ErrPublisherClosed)
	assert.Equal(t, StateClosed, playerSrv.sess.State())

	_, ok := registry.Lookup("live/cam")
	assert.False(t, ok)
}

func TestSession_publish_conflict(t *testing.T) {
	registry, bus := newTestEnv(t)

	first, firstSrv := dial(t, SessionConfig{}, registry, bus)
	_, code := first.publish("live", "cam")
	require.Equal(t, "NetStream.Publish.Start", code)

	second, secondSrv := dial(t, SessionConfig{}, registry, bus)
	_, code = second.publish("live", "cam")
	assert.Equal(t, "NetStream.Publish.BadName", code)

	err := waitErr(t, secondSrv)
	assert.ErrorIs(t, err, ErrPublishConflict)
	assert.ErrorIs(t, err, stream.ErrKeyInUse)

	s, ok := registry.Lookup("live/cam")
	require.True(t, ok)
	assert.Equal(t, firstSrv.sess.ID(), s.Publisher().ID())
	assert.Equal(t, StatePublishing, firstSrv.sess.State())
}

func TestSession_play_stream_not_found(t *testing.T) {
	registry, bus := newTestEnv(t)

	player, srv := dial(t, SessionConfig{PlayWaitTimeout: 50 * time.Millisecond}, registry, bus)
	_, code := player.play("live", "missing")
	assert.Equal(t, "NetStream.Play.StreamNotFound", code)
	assert.ErrorIs(t, waitErr(t, srv), ErrStreamNotFound)
}

func TestSession_play_waits_for_publisher(t *testing.T) {
	registry, bus := newTestEnv(t)

	player, _ := dial(t, SessionConfig{PlayWaitTimeout: 2 * time.Second}, registry, bus)
	player.connect("live")
	id := player.createStream()
	player.command(id, "play", nil, "cam")

	pub, _ := dial(t, SessionConfig{}, registry, bus)
	_, code := pub.publish("live", "cam")
	require.Equal(t, "NetStream.Publish.Start", code)

	assert.Equal(t, "NetStream.Play.Reset", player.expectStatus())
	assert.Equal(t, "NetStream.Play.Start", player.expectStatus())
}

func TestSession_unpublish_on_disconnect(t *testing.T) {
	registry, bus := newTestEnv(t)
	events := bus.Subscribe(16)

	pub, srv := dial(t, SessionConfig{}, registry, bus)
	_, code := pub.publish("live", "cam")
	require.Equal(t, "NetStream.Publish.Start", code)
	require.NoError(t, pub.conn.Close())
	assert.NoError(t, waitErr(t, srv))

	_, ok := registry.Lookup("live/cam")
	assert.False(t, ok)

	var names []string
	timeout := time.After(time.Second)
	for len(names) < 4 {
		select {
		case e := <-events:
			names = append(names, e.EventName())
		case <-timeout:
			t.Fatalf("missing events, got %v", names)
		}
	}
	assert.Equal(t, []string{"connection_opened", "publish_started", "publish_stopped", "connection_closed"}, names)
}

func TestSession_delete_stream_returns_to_connected(t *testing.T) {
	registry, bus := newTestEnv(t)

	pub, srv := dial(t, SessionConfig{}, registry, bus)
	id, code := pub.publish("live", "cam")
	require.Equal(t, "NetStream.Publish.Start", code)

	pub.command(0, "deleteStream", nil, float64(id))
	require.Eventually(t, func() bool {
		return srv.sess.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	_, ok := registry.Lookup("live/cam")
	assert.False(t, ok)

	// the key can be published again on the same connection
	id = pub.createStream()
	pub.command(id, "publish", nil, "cam", "live")
	assert.Equal(t, "NetStream.Publish.Start", pub.expectStatus())
}

func TestSession_ping_timeout(t *testing.T) {
	registry, bus := newTestEnv(t)

	cfg := SessionConfig{PingInterval: 20 * time.Millisecond, PingTimeout: 50 * time.Millisecond}
	c, srv := dial(t, cfg, registry, bus)
	c.connect("live")

	ping := c.next(func(m *message.Message) bool {
		if m.TypeID != message.TypeIDUserCtrl {
			return false
		}
		event, _, err := parseUserControl(m)
		return err == nil && event == eventPingRequest
	})
	require.NotNil(t, ping)

	assert.ErrorIs(t, waitErr(t, srv), ErrPingTimeout)
}

func TestSession_ping_response(t *testing.T) {
	registry, bus := newTestEnv(t)

	c, _ := dial(t, SessionConfig{}, registry, bus)
	c.connect("live")
	c.send(newUserControl(eventPingRequest, 4242))

	c.next(func(m *message.Message) bool {
		if m.TypeID != message.TypeIDUserCtrl {
			return false
		}
		event, arg, err := parseUserControl(m)
		return err == nil && event == eventPingResponse && arg == 4242
	})
}

func TestSession_unauthorized(t *testing.T) {
	registry, bus := newTestEnv(t)

	cfg := SessionConfig{Allow: func(key string) bool { return key == "live/ok" }}
	c, srv := dial(t, cfg, registry, bus)
	_, code := c.publish("live", "nope")
	assert.Equal(t, "NetStream.Publish.Unauthorized", code)
	assert.ErrorIs(t, waitErr(t, srv), ErrUnauthorized)

	_, ok := registry.Lookup("live/nope")
	assert.False(t, ok)
}

func TestSession_command_before_connect(t *testing.T) {
	registry, bus := newTestEnv(t)

	c, srv := dial(t, SessionConfig{}, registry, bus)
	c.command(0, "createStream", nil)
	assert.ErrorIs(t, waitErr(t, srv), ErrMalformedCommand)
	assert.Equal(t, StateClosed, srv.sess.State())
}

func TestSession_close_with_reason(t *testing.T) {
	registry, bus := newTestEnv(t)

	pub, srv := dial(t, SessionConfig{}, registry, bus)
	_, code := pub.publish("live", "cam")
	require.Equal(t, "NetStream.Publish.Start", code)

	assert.True(t, registry.ClosePublisher("live/cam", ErrPingTimeout))
	assert.ErrorIs(t, waitErr(t, srv), ErrPingTimeout)
	_, ok := registry.Lookup("live/cam")
	assert.False(t, ok)
}
