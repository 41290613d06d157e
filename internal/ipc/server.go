package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"kiln/internal/logging"
	"kiln/internal/protocol"
)

// Reject reasons reported to clients and to the reject hook.
const (
	RejectPeerUID     = "peer uid does not match daemon owner"
	RejectRateLimited = "connection rate limit exceeded"
	RejectPeerUnknown = "peer credentials unavailable"
)

// Handler serves one accepted connection. The server closes conn after
// Handle returns.
type Handler interface {
	Handle(ctx context.Context, conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn)

func (f HandlerFunc) Handle(ctx context.Context, conn *Conn) { f(ctx, conn) }

// Option customizes a Server.
type Option func(*Server)

// WithRateLimit limits accepted connections per peer uid.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.limiter = newUIDLimiter(perSecond, burst) }
}

// WithAllowedUID overrides the uid permitted to connect (defaults to the
// daemon's own uid).
func WithAllowedUID(uid int) Option {
	return func(s *Server) { s.allowedUID = uid }
}

// WithRejectHook registers a callback invoked with the reason for every
// rejected connection.
func WithRejectHook(hook func(reason string)) Option {
	return func(s *Server) { s.onReject = hook }
}

// Server accepts framed connections on a unix socket.
type Server struct {
	path       string
	handler    Handler
	logger     *slog.Logger
	listener   net.Listener
	limiter    *uidLimiter
	allowedUID int
	onReject   func(string)
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewServer removes any stale socket at path, listens, and restricts the
// socket to its owner. Call Serve to start accepting.
func NewServer(ctx context.Context, path string, handler Handler, logger *slog.Logger, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, errors.New("ipc server requires a handler")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		path:       path,
		handler:    handler,
		logger:     logger,
		listener:   listener,
		allowedUID: os.Getuid(),
		now:        time.Now,
		ctx:        serverCtx,
		cancel:     cancel,
		conns:      make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// ActiveConnections reports the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve accepts connections in the background until Close is called or the
// server context ends.
func (s *Server) Serve() {
	s.logger.Debug("ipc server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			raw, err := s.listener.Accept()
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(raw)
			}()
		}
	}()
	go func() {
		<-s.ctx.Done()
		_ = s.listener.Close()
	}()
}

func (s *Server) serveConn(raw net.Conn) {
	peer, err := peerCredentials(raw)
	if err != nil {
		s.logger.Debug("peer credentials unavailable", logging.Error(err))
		s.reject(NewConn(raw, Peer{}), RejectPeerUnknown)
		return
	}
	conn := NewConn(raw, peer)
	if peer.Verified && peer.UID != s.allowedUID {
		s.reject(conn, RejectPeerUID)
		return
	}
	if !s.limiter.Allow(peer.UID, s.now()) {
		s.reject(conn, RejectRateLimited)
		return
	}
	if !s.track(conn) {
		s.reject(conn, "daemon is shutting down")
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	s.handler.Handle(s.ctx, conn)
}

func (s *Server) reject(conn *Conn, reason string) {
	defer conn.Close()
	s.logger.Info("connection rejected",
		logging.String("reason", reason),
		logging.Int("peer_pid", conn.Peer().PID),
		logging.Int("peer_uid", conn.Peer().UID),
		logging.String(logging.FieldEventType, "ipc_connection_rejected"))
	if s.onReject != nil {
		s.onReject(reason)
	}
	if err := conn.Send(protocol.KindUnavailable, protocol.Unavailable{Reason: reason}); err != nil {
		s.logger.Debug("failed to notify rejected client", logging.Error(err))
	}
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops accepting, closes live connections, waits for handlers to
// return, and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	live := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		live = append(live, conn)
	}
	s.mu.Unlock()

	s.cancel()
	_ = s.listener.Close()
	for _, conn := range live {
		_ = conn.Close()
	}
	s.wg.Wait()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale socket may confuse clients until the next start"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun kiln stop"))
	}
}
