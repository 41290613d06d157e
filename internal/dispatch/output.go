package dispatch

import (
	"log/slog"
	"sync"

	"kiln/internal/ipc"
	"kiln/internal/logging"
	"kiln/internal/protocol"
)

// outputWriter forwards build output to the client as output frames. After
// the first send failure it discards output so the build is not disturbed by
// a vanished client.
type outputWriter struct {
	conn      *ipc.Conn
	stream    protocol.Stream
	threshold int
	logger    *slog.Logger

	mu     sync.Mutex
	failed bool
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return len(p), nil
	}
	if err := w.conn.Send(protocol.KindOutput, protocol.NewOutput(w.stream, p, w.threshold)); err != nil {
		w.failed = true
		w.logger.Debug("client stopped receiving output",
			logging.String("stream", string(w.stream)),
			logging.Error(err))
	}
	return len(p), nil
}
