package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/protocol"
	"kiln/internal/registry"
)

// HistoryEntry is one invocation in the /api/history response.
type HistoryEntry struct {
	ID         string    `json:"id"`
	DaemonID   string    `json:"daemon_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Args       []string  `json:"args"`
	WorkDir    string    `json:"work_dir"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	DurationMS int64     `json:"duration_ms"`
}

// HistoryResponse is the /api/history payload.
type HistoryResponse struct {
	Invocations []HistoryEntry `json:"invocations"`
	Stats       map[string]int `json:"stats"`
}

// SessionsResponse is the /api/sessions payload.
type SessionsResponse struct {
	Sessions []protocol.SessionInfo `json:"sessions"`
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Status
	HeapInUse uint64 `json:"heap_in_use"`
}

// LogStreamResponse is the /api/logs payload.
type LogStreamResponse struct {
	Events []logging.LogEvent `json:"events"`
	Next   uint64             `json:"next"`
}

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		token:  cfg.API.Token,
		logger: logger,
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", authMiddleware(s.token, s.handleStatus))
	mux.HandleFunc("/api/sessions", authMiddleware(s.token, s.handleSessions))
	mux.HandleFunc("/api/history", authMiddleware(s.token, s.handleHistory))
	mux.HandleFunc("/api/logs", authMiddleware(s.token, s.handleLogs))
	mux.HandleFunc("/metrics", authMiddleware(s.token, s.daemon.metrics.Handler().ServeHTTP))
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if errors.Is(err, syscall.EADDRINUSE) {
		// Another daemon holds the configured port.
		listener, err = listenEphemeral(s.bind)
	}
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// listenEphemeral listens on the host of bind with a kernel-chosen port.
func listenEphemeral(bind string) (net.Listener, error) {
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		return nil, err
	}
	return net.Listen("tcp", net.JoinHostPort(host, "0"))
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr returns the bound listener address, or "" before start.
func (s *apiServer) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:    s.daemon.Status(r.Context()),
		HeapInUse: heapInUse(),
	})
}

func (s *apiServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var resp SessionsResponse
	if s.daemon.dispatcher != nil {
		resp.Sessions = s.daemon.dispatcher.Status().Sessions
	}
	if resp.Sessions == nil {
		resp.Sessions = []protocol.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if value := strings.TrimSpace(r.URL.Query().Get("limit")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	store := s.daemon.store
	history, err := store.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := HistoryResponse{
		Invocations: make([]HistoryEntry, 0, len(history)),
		Stats:       make(map[string]int, len(stats)),
	}
	for _, inv := range history {
		resp.Invocations = append(resp.Invocations, historyEntry(inv))
	}
	for status, count := range stats {
		resp.Stats[string(status)] = count
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func historyEntry(inv registry.Invocation) HistoryEntry {
	args := inv.Args
	if args == nil {
		args = []string{}
	}
	return HistoryEntry{
		ID:         inv.ID,
		DaemonID:   inv.DaemonID,
		SessionID:  inv.SessionID,
		Args:       args,
		WorkDir:    inv.WorkDir,
		Status:     string(inv.Status),
		ExitCode:   inv.ExitCode,
		Error:      inv.Error,
		StartedAt:  inv.StartedAt,
		FinishedAt: inv.FinishedAt,
		DurationMS: inv.Duration.Milliseconds(),
	}
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	hub := s.daemon.LogStream()
	archive := s.daemon.LogArchive()
	if hub == nil && archive == nil {
		s.writeJSON(w, http.StatusOK, LogStreamResponse{Events: []logging.LogEvent{}})
		return
	}

	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")
	tail := query.Get("tail") == "1" || strings.EqualFold(query.Get("tail"), "true")
	invocation := strings.TrimSpace(query.Get("invocation"))
	component := strings.TrimSpace(query.Get("component"))

	var (
		events []logging.LogEvent
		next   uint64
	)

	// A build's full log stays in the archive after the hub evicts it.
	if invocation != "" && archive != nil && since == 0 && !follow {
		archived, err := archive.ReadInvocation(invocation, limit)
		if err != nil {
			s.log().Warn("log archive read failed", logging.Error(err))
		} else if len(archived) > 0 {
			events = archived
			next = archived[len(archived)-1].Sequence
			if hub != nil {
				_, next = hub.Tail(1)
			}
		}
	}

	if len(events) == 0 && archive != nil && since > 0 {
		firstSeq := uint64(0)
		if hub != nil {
			firstSeq = hub.FirstSequence()
		}
		if hub == nil || (firstSeq > 0 && since < firstSeq) {
			archived, cursor, err := archive.ReadSince(since, limit)
			if err != nil {
				s.log().Warn("log archive read failed", logging.Error(err))
			} else if len(archived) > 0 {
				events = archived
				next = cursor
			}
		}
	}
	switch {
	case len(events) > 0:
	case tail && since == 0 && !follow && hub != nil:
		events, next = hub.Tail(limit)
	case len(events) == 0 && hub != nil:
		fetched, cursor, err := hub.Fetch(r.Context(), since, limit, follow)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		events = fetched
		next = cursor
	}

	filtered := make([]logging.LogEvent, 0, len(events))
	for _, evt := range events {
		if invocation != "" && evt.InvocationID != invocation {
			continue
		}
		if component != "" && !strings.EqualFold(component, evt.Component) {
			continue
		}
		filtered = append(filtered, evt)
	}

	s.writeJSON(w, http.StatusOK, LogStreamResponse{
		Events: filtered,
		Next:   next,
	})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}
