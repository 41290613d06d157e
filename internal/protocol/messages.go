package protocol

import "time"

// Build asks a daemon to run one build invocation.
type Build struct {
	InvocationID string            `cbor:"invocation_id"`
	Args         []string          `cbor:"args"`
	WorkDir      string            `cbor:"work_dir"`
	Env          map[string]string `cbor:"env,omitempty"`
	ClientPID    int               `cbor:"client_pid"`
	Interactive  bool              `cbor:"interactive"`
	StartedAt    time.Time         `cbor:"started_at"`
	Context      DaemonContext     `cbor:"context"`
}

// BuildStarted acknowledges that the daemon accepted a build.
type BuildStarted struct {
	InvocationID string `cbor:"invocation_id"`
	SessionID    string `cbor:"session_id"`
	DaemonID     string `cbor:"daemon_id"`
}

// Input forwards a chunk of the client's standard input.
type Input struct {
	Data []byte `cbor:"data"`
}

// Outcome classifies how a build ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Result reports the end of a build.
type Result struct {
	InvocationID string        `cbor:"invocation_id"`
	ExitCode     int           `cbor:"exit_code"`
	Outcome      Outcome       `cbor:"outcome"`
	Duration     time.Duration `cbor:"duration"`
	Error        string        `cbor:"error,omitempty"`
}

// FailureKind classifies a Failure.
type FailureKind string

const (
	FailureProtocol FailureKind = "protocol"
	FailureInternal FailureKind = "internal"
	FailureBuild    FailureKind = "build"
)

// Failure reports that the daemon could not process a command.
type Failure struct {
	Kind    FailureKind `cbor:"kind"`
	Message string      `cbor:"message"`
}

func (f Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// Unavailable tells the client this daemon cannot take the request and it
// should try another daemon.
type Unavailable struct {
	Reason string `cbor:"reason"`
}

// StopAck acknowledges a stop or stop-when-idle request.
type StopAck struct {
	Accepted bool   `cbor:"accepted"`
	Message  string `cbor:"message,omitempty"`
}

// SessionInfo describes a connected client session.
type SessionInfo struct {
	ID           string    `cbor:"id" json:"id" yaml:"id"`
	PID          int       `cbor:"pid" json:"pid" yaml:"pid"`
	UID          int       `cbor:"uid" json:"uid" yaml:"uid"`
	ConnectedAt  time.Time `cbor:"connected_at" json:"connected_at" yaml:"connected_at"`
	InvocationID string    `cbor:"invocation_id,omitempty" json:"invocation_id,omitempty" yaml:"invocation_id,omitempty"`
	Args         []string  `cbor:"args,omitempty" json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir      string    `cbor:"work_dir,omitempty" json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// StatusReply is the daemon's answer to a status request.
type StatusReply struct {
	DaemonID     string        `cbor:"daemon_id" json:"daemon_id" yaml:"daemon_id"`
	PID          int           `cbor:"pid" json:"pid" yaml:"pid"`
	State        string        `cbor:"state" json:"state" yaml:"state"`
	Version      string        `cbor:"version" json:"version" yaml:"version"`
	Fingerprint  string        `cbor:"fingerprint" json:"fingerprint" yaml:"fingerprint"`
	Context      DaemonContext `cbor:"context" json:"context" yaml:"context"`
	StartedAt    time.Time     `cbor:"started_at" json:"started_at" yaml:"started_at"`
	IdleSince    time.Time     `cbor:"idle_since,omitempty" json:"idle_since,omitzero" yaml:"idle_since,omitempty"`
	IdleTimeout  time.Duration `cbor:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout"`
	StopReason   string        `cbor:"stop_reason,omitempty" json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	Sessions     []SessionInfo `cbor:"sessions,omitempty" json:"sessions,omitempty" yaml:"sessions,omitempty"`
	BuildsServed int64         `cbor:"builds_served" json:"builds_served" yaml:"builds_served"`
}
