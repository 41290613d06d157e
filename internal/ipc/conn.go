package ipc

import (
	"bufio"
	"net"
	"sync"
	"time"

	"kiln/internal/protocol"
)

const defaultWriteTimeout = 30 * time.Second

// Peer identifies the process on the other end of a connection. Verified is
// false when the platform cannot report peer credentials.
type Peer struct {
	PID      int
	UID      int
	GID      int
	Verified bool
}

// Conn is a framed connection. Send is safe for concurrent use; Receive must
// only be called from one goroutine at a time.
type Conn struct {
	raw          net.Conn
	reader       *bufio.Reader
	peer         Peer
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewConn wraps raw as a framed connection.
func NewConn(raw net.Conn, peer Peer) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReader(raw),
		peer:         peer,
		writeTimeout: defaultWriteTimeout,
	}
}

// Send encodes payload under kind and writes it as one frame.
func (c *Conn) Send(kind protocol.Kind, payload any) error {
	env, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

// SendEnvelope writes a pre-built envelope.
func (c *Conn) SendEnvelope(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return WriteFrame(c.raw, env)
}

// Receive reads the next envelope.
func (c *Conn) Receive() (protocol.Envelope, error) {
	return ReadFrame(c.reader)
}

// SetReadDeadline bounds the next Receive calls. A zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// Peer returns the credentials captured when the connection was accepted.
func (c *Conn) Peer() Peer {
	return c.peer
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
