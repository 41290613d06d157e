// Package session tracks the clients connected to a daemon and the build
// invocation each one is running.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/logging"
)

var (
	// ErrTooManySessions is returned by Open when the registry is full.
	ErrTooManySessions = errors.New("too many client sessions")
	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyAttached is returned when a session already runs an invocation.
	ErrAlreadyAttached = errors.New("session already has an invocation attached")
)

// Peer identifies the client process behind a session.
type Peer struct {
	PID int
	UID int
	GID int
}

// InvocationRef describes the build invocation attached to a session.
type InvocationRef struct {
	ID        string
	Args      []string
	WorkDir   string
	StartedAt time.Time
}

// Session is a snapshot of one connected client.
type Session struct {
	ID          string
	Peer        Peer
	ConnectedAt time.Time
	Invocation  *InvocationRef
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Invocation != nil {
		inv := *s.Invocation
		inv.Args = append([]string(nil), s.Invocation.Args...)
		cp.Invocation = &inv
	}
	return &cp
}

// Registry is a bounded, concurrency-safe set of sessions.
type Registry struct {
	maxSessions int
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	sessions    map[string]*Session
	subscribers map[int]chan struct{}
	nextSub     int
}

// NewRegistry creates a registry admitting at most maxSessions sessions. A
// non-positive maxSessions means unbounded.
func NewRegistry(maxSessions int, logger *slog.Logger) *Registry {
	return &Registry{
		maxSessions: maxSessions,
		logger:      logging.NewComponentLogger(logger, "session"),
		now:         time.Now,
		sessions:    make(map[string]*Session),
		subscribers: make(map[int]chan struct{}),
	}
}

// Open registers a new session for peer.
func (r *Registry) Open(peer Peer) (*Session, error) {
	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManySessions, r.maxSessions)
	}
	sess := &Session{
		ID:          uuid.NewString(),
		Peer:        peer,
		ConnectedAt: r.now().UTC(),
	}
	r.sessions[sess.ID] = sess
	snapshot := sess.clone()
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Debug("session opened",
		logging.String(logging.FieldSessionID, sess.ID),
		logging.Int("peer_pid", peer.PID))
	return snapshot, nil
}

// Attach records ref as the invocation running in session id.
func (r *Registry) Attach(id string, ref InvocationRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.Invocation != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, sess.Invocation.ID)
	}
	ref.Args = append([]string(nil), ref.Args...)
	sess.Invocation = &ref
	r.notifyLocked()
	return nil
}

// Detach clears the invocation attached to session id.
func (r *Registry) Detach(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.Invocation != nil {
		sess.Invocation = nil
		r.notifyLocked()
	}
	return nil
}

// Close removes session id. Closing an unknown session is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.notifyLocked()
	}
	r.mu.Unlock()
	if ok {
		r.logger.Debug("session closed", logging.String(logging.FieldSessionID, id))
	}
}

// Get returns a snapshot of session id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// List returns snapshots of all sessions ordered by connection time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveInvocations returns the invocations currently attached to sessions.
func (r *Registry) ActiveInvocations() []InvocationRef {
	var refs []InvocationRef
	for _, sess := range r.List() {
		if sess.Invocation != nil {
			refs = append(refs, *sess.Invocation)
		}
	}
	return refs
}

// Subscribe returns a channel that receives a value after registry changes.
// Notifications coalesce: a slow reader sees one pending signal however many
// changes happened. Call the returned func to unsubscribe.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) notifyLocked() {
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
