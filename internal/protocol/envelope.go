package protocol

import (
	"fmt"

	"kiln/internal/codec"
)

// Kind names the payload carried by an Envelope.
type Kind string

// Client to daemon kinds.
const (
	KindBuild        Kind = "build"
	KindCancel       Kind = "cancel"
	KindInput        Kind = "input"
	KindCloseInput   Kind = "close_input"
	KindStatus       Kind = "status"
	KindStop         Kind = "stop"
	KindStopWhenIdle Kind = "stop_when_idle"
	KindFinished     Kind = "finished"
)

// Daemon to client kinds.
const (
	KindBuildStarted Kind = "build_started"
	KindOutput       Kind = "output"
	KindResult       Kind = "result"
	KindFailure      Kind = "failure"
	KindUnavailable  Kind = "unavailable"
	KindStatusReply  Kind = "status_reply"
	KindStopAck      Kind = "stop_ack"
)

// Envelope is the unit written to and read from the daemon socket.
type Envelope struct {
	Kind    Kind             `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Encode wraps payload into an envelope of the given kind. A nil payload
// produces an envelope without a body.
func Encode(kind Kind, payload any) (Envelope, error) {
	env := Envelope{Kind: kind}
	if payload == nil {
		return env, nil
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the envelope payload into dst.
func Decode(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty payload", env.Kind)
	}
	if err := codec.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return nil
}
