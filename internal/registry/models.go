package registry

import (
	"time"

	"kiln/internal/lifecycle"
	"kiln/internal/protocol"
)

// Daemon is a registered daemon process.
type Daemon struct {
	ID          string
	PID         int
	SocketPath  string
	Fingerprint string
	Context     protocol.DaemonContext
	State       lifecycle.State
	Version     string
	StartedAt   time.Time
	LastBusyAt  time.Time
	UpdatedAt   time.Time
	// APIAddr is the bound HTTP API address, empty when the API is off.
	APIAddr string
}

// StopEvent records why a daemon went away.
type StopEvent struct {
	ID       int64
	DaemonID string
	PID      int
	Reason   string
	Status   string
	At       time.Time
}

// Stop event statuses.
const (
	StopStatusStopped = "stopped"
	StopStatusBroken  = "broken"
	StopStatusCrashed = "crashed"
	StopStatusKilled  = "killed"
)

// InvocationStatus is the lifecycle of a recorded build invocation.
type InvocationStatus string

const (
	InvocationRunning     InvocationStatus = "running"
	InvocationSucceeded   InvocationStatus = "succeeded"
	InvocationFailed      InvocationStatus = "failed"
	InvocationCanceled    InvocationStatus = "canceled"
	InvocationInterrupted InvocationStatus = "interrupted"
)

// Invocation is one recorded build.
type Invocation struct {
	ID         string
	DaemonID   string
	SessionID  string
	Args       []string
	WorkDir    string
	Status     InvocationStatus
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}
