package rtmp

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/nareix/joy4/utils/bits/pio"
)

// HandshakeState tracks progress through the C0/C1/C2 exchange.
type HandshakeState int

const (
	HandshakeUninitialized HandshakeState = iota
	HandshakeVersionSent
	HandshakeAckSent
	HandshakeDone
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeUninitialized:
		return "uninitialized"
	case HandshakeVersionSent:
		return "version_sent"
	case HandshakeAckSent:
		return "ack_sent"
	case HandshakeDone:
		return "done"
	default:
		return fmt.Sprintf("handshake_state(%d)", int(s))
	}
}

const (
	handshakeVersion    = 3
	handshakePacketSize = 1536
	serverVersion       = 0x0d0e0a0d

	// DefaultHandshakeTimeout bounds the whole exchange.
	DefaultHandshakeTimeout = 5 * time.Second
)

// deadlineConn is the part of net.Conn the handshake needs.
type deadlineConn interface {
	io.ReadWriter
	SetDeadline(t time.Time) error
}

// Handshake runs the server side of the handshake on a connection.
type Handshake struct {
	conn    deadlineConn
	timeout time.Duration
	state   HandshakeState
	digest  bool
}

// NewHandshake returns a server handshake; a zero timeout disables the deadline.
func NewHandshake(conn deadlineConn, timeout time.Duration) *Handshake {
	return &Handshake{conn: conn, timeout: timeout}
}

// State returns the current state.
func (h *Handshake) State() HandshakeState {
	return h.state
}

// Digest reports whether the peer used the digest (Flash Player) variant.
func (h *Handshake) Digest() bool {
	return h.digest
}

// Run performs C0C1 -> S0S1S2 -> C2. C2 is read but not verified; encoders
// in the wild do not echo S1 reliably.
func (h *Handshake) Run() error {
	if h.timeout > 0 {
		if err := h.conn.SetDeadline(time.Now().Add(h.timeout)); err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		defer h.conn.SetDeadline(time.Time{})
	}

	c0c1 := make([]byte, 1+handshakePacketSize)
	if _, err := io.ReadFull(h.conn, c0c1); err != nil {
		return h.fail(err)
	}
	if c0c1[0] != handshakeVersion {
		return fmt.Errorf("%w: got %d", ErrHandshakeVersion, c0c1[0])
	}
	c1 := c0c1[1:]

	s0s1s2 := make([]byte, 1+2*handshakePacketSize)
	s0s1 := s0s1s2[:1+handshakePacketSize]
	s2 := s0s1s2[1+handshakePacketSize:]

	if pio.U32BE(c1[4:8]) != 0 {
		if ok, digest := parseClientDigest(c1); ok {
			createServerS0S1(s0s1, pio.U32BE(c1[0:4]))
			createServerS2(s2, digest)
			h.digest = true
		}
	}
	if !h.digest {
		s0s1[0] = handshakeVersion
		pio.PutU32BE(s0s1[1:5], uint32(time.Now().Unix()))
		rand.Read(s0s1[9:])
		copy(s2, c1)
	}

	if _, err := h.conn.Write(s0s1); err != nil {
		return h.fail(err)
	}
	h.state = HandshakeVersionSent
	if _, err := h.conn.Write(s2); err != nil {
		return h.fail(err)
	}
	h.state = HandshakeAckSent

	c2 := make([]byte, handshakePacketSize)
	if _, err := io.ReadFull(h.conn, c2); err != nil {
		return h.fail(err)
	}
	h.state = HandshakeDone
	return nil
}

func (h *Handshake) fail(err error) error {
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w in state %s: %w", ErrHandshakeTimeout, h.state, err)
	}
	return fmt.Errorf("%w in state %s: %w", ErrHandshake, h.state, err)
}

// ClientHandshake runs the simple client side of the exchange. It is used
// by tests and by tooling that pushes into the server.
func ClientHandshake(conn deadlineConn, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetDeadline(time.Time{})
	}
	c0c1 := make([]byte, 1+handshakePacketSize)
	c0c1[0] = handshakeVersion
	rand.Read(c0c1[9:])
	if _, err := conn.Write(c0c1); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	s0s1s2 := make([]byte, 1+2*handshakePacketSize)
	if _, err := io.ReadFull(conn, s0s1s2); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if s0s1s2[0] != handshakeVersion {
		return fmt.Errorf("%w: got %d", ErrHandshakeVersion, s0s1s2[0])
	}
	if !bytes.Equal(s0s1s2[1+handshakePacketSize:], c0c1[1:]) {
		return fmt.Errorf("%w: S2 does not echo C1", ErrHandshake)
	}
	if _, err := conn.Write(s0s1s2[1 : 1+handshakePacketSize]); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return nil
}

var (
	clientFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'P', 'l', 'a', 'y', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	serverFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'M', 'e', 'd', 'i', 'a', ' ',
		'S', 'e', 'r', 'v', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	clientPartialKey = clientFullKey[:30]
	serverPartialKey = serverFullKey[:36]
)

// hmacDigest signs p with key, skipping the 32 digest bytes at gap when gap > 0.
func hmacDigest(key, p []byte, gap int) []byte {
	mac := hmac.New(sha256.New, key)
	if gap <= 0 {
		mac.Write(p)
	} else {
		mac.Write(p[:gap])
		mac.Write(p[gap+32:])
	}
	return mac.Sum(nil)
}

func digestOffset(p []byte, base int) int {
	off := 0
	for i := 0; i < 4; i++ {
		off += int(p[base+i])
	}
	return off%728 + base + 4
}

func findDigest(p, key []byte, base int) int {
	gap := digestOffset(p, base)
	if !hmac.Equal(p[gap:gap+32], hmacDigest(key, p, gap)) {
		return -1
	}
	return gap
}

// parseClientDigest locates the C1 digest (schema 1 first, then schema 0)
// and derives the key used to sign S2.
func parseClientDigest(c1 []byte) (bool, []byte) {
	pos := findDigest(c1, clientPartialKey, 772)
	if pos == -1 {
		if pos = findDigest(c1, clientPartialKey, 8); pos == -1 {
			return false, nil
		}
	}
	return true, hmacDigest(serverFullKey, c1[pos:pos+32], -1)
}

func createServerS0S1(p []byte, epoch uint32) {
	p[0] = handshakeVersion
	s1 := p[1:]
	rand.Read(s1[8:])
	pio.PutU32BE(s1[0:4], epoch)
	pio.PutU32BE(s1[4:8], serverVersion)
	gap := digestOffset(s1, 8)
	copy(s1[gap:], hmacDigest(serverPartialKey, s1, gap))
}

func createServerS2(p, key []byte) {
	rand.Read(p)
	gap := len(p) - 32
	copy(p[gap:], hmacDigest(key, p, gap))
}
