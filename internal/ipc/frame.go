package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"kiln/internal/codec"
	"kiln/internal/protocol"
)

// MaxFrameSize bounds a single encoded envelope.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize on either end.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")

// WriteFrame encodes env and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, env protocol.Envelope) error {
	body, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean close before the header returns io.EOF;
// a frame cut short returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (protocol.Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return protocol.Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return protocol.Envelope{}, errors.New("ipc: empty frame")
	}
	if size > MaxFrameSize {
		return protocol.Envelope{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return protocol.Envelope{}, err
	}
	var env protocol.Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return protocol.Envelope{}, errors.New("ipc: envelope missing kind")
	}
	return env, nil
}
