package ipc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"kiln/internal/protocol"
)

// DefaultDialTimeout bounds connection attempts made by Dial.
const DefaultDialTimeout = 2 * time.Second

const requestTimeout = 10 * time.Second

// ErrUnavailable matches errors returned when a daemon declines a request.
var ErrUnavailable = errors.New("daemon unavailable")

// UnavailableError carries the daemon's reason for declining a request.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return "daemon unavailable: " + e.Reason
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Client is a connection to a daemon socket.
type Client struct {
	conn *Conn
}

// Dial connects to the daemon socket at path.
func Dial(path string) (*Client, error) {
	return DialTimeout(path, DefaultDialTimeout)
}

// DialTimeout connects to the daemon socket at path within timeout.
func DialTimeout(path string, timeout time.Duration) (*Client, error) {
	raw, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: NewConn(raw, Peer{})}, nil
}

// Conn exposes the framed connection for streaming exchanges.
func (c *Client) Conn() *Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Status asks the daemon for its status.
func (c *Client) Status() (*protocol.StatusReply, error) {
	var reply protocol.StatusReply
	if err := c.call(protocol.KindStatus, protocol.KindStatusReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Stop asks the daemon to stop, canceling any running build.
func (c *Client) Stop() (*protocol.StopAck, error) {
	var ack protocol.StopAck
	if err := c.call(protocol.KindStop, protocol.KindStopAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// StopWhenIdle asks the daemon to stop once its current build finishes.
func (c *Client) StopWhenIdle() (*protocol.StopAck, error) {
	var ack protocol.StopAck
	if err := c.call(protocol.KindStopWhenIdle, protocol.KindStopAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) call(kind, want protocol.Kind, dst any) error {
	if err := c.conn.Send(kind, nil); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(requestTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	env, err := c.conn.Receive()
	if err != nil {
		return fmt.Errorf("receive %s reply: %w", kind, err)
	}
	return ExpectKind(env, want, dst)
}

// ExpectKind decodes env into dst when it has the wanted kind and converts
// unavailable and failure replies into errors.
func ExpectKind(env protocol.Envelope, want protocol.Kind, dst any) error {
	switch env.Kind {
	case want:
		if dst == nil {
			return nil
		}
		return protocol.Decode(env, dst)
	case protocol.KindUnavailable:
		var u protocol.Unavailable
		if err := protocol.Decode(env, &u); err != nil {
			return err
		}
		return &UnavailableError{Reason: u.Reason}
	case protocol.KindFailure:
		var f protocol.Failure
		if err := protocol.Decode(env, &f); err != nil {
			return err
		}
		return f
	default:
		return fmt.Errorf("unexpected %s reply, want %s", env.Kind, want)
	}
}
