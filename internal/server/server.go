// Package server exposes the development backend over HTTP and streams
// execution changes to monitors over a WebSocket push channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
	"hivewatch/internal/policy"
	"hivewatch/internal/runner"
	"hivewatch/internal/store/sqlite"
)

const RevisionHeader = "X-Snapshot-Revision"

type Store interface {
	ListExecutions(ctx context.Context) ([]domain.ExecutionRecord, uint64, error)
	GetExecution(ctx context.Context, id string) (domain.ExecutionRecord, error)
	GetTree(ctx context.Context, id string) (domain.ExecutionTree, error)
	GetLog(ctx context.Context, id string) (domain.ExecutionLog, error)
	ListToolCalls(ctx context.Context, executionID string) ([]domain.ToolCall, error)
	ListAgents(ctx context.Context) ([]domain.AgentDetail, error)
	GetAgent(ctx context.Context, name string) (domain.AgentDetail, error)
	CreateAgent(ctx context.Context, agent domain.AgentDetail) error
	UpdateAgent(ctx context.Context, agent domain.AgentDetail) error
	DeleteAgent(ctx context.Context, name string) error
	ListTools(ctx context.Context) ([]domain.ToolInfo, error)
}

type Runner interface {
	Start(ctx context.Context, agentName, message string) (domain.StartResponse, error)
	Stop(ctx context.Context, rootID string) (domain.StopResult, error)
	StopAll(ctx context.Context) (domain.StopResult, error)
}

// Policy validates agent definitions before they are written.
type Policy interface {
	CheckAgent(ctx context.Context, agent domain.AgentDetail) error
}

type Bus interface {
	Register(subscriberID string) <-chan domain.ChangeEvent
	Unregister(subscriberID string)
}

type Config struct {
	Addr         string
	PushInterval time.Duration
	// ConfigPath and ConfigRaw are echoed by GET /config.
	ConfigPath string
	ConfigRaw  map[string]any
	// Policy is optional; without it agent writes are not validated.
	Policy Policy
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8095"
	}
	if c.PushInterval <= 0 {
		c.PushInterval = 2 * time.Second
	}
	return c
}

type Server struct {
	cfg    Config
	store  Store
	runner Runner
	bus    Bus
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	sessions  sync.WaitGroup
}

func New(cfg Config, store Store, run Runner, bus Bus) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:    cfg,
		store:  store,
		runner: run,
		bus:    bus,
		logger: logging.OrDefault(cfg.Logger),
		done:   make(chan struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/executions", s.handleExecutions)
	mux.HandleFunc("/executions/", s.handleExecutionByID)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByName)
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/ws", s.handlePush)
	return s.loggingMiddleware(mux)
}

// Serve listens on the configured address until ctx is done, then shuts
// the HTTP server down and ends every push session.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("backend listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close ends all push sessions and waits for them.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.sessions.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": s.cfg.ConfigPath,
		"raw":  s.cfg.ConfigRaw,
	})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, rev, err := s.store.ListExecutions(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.Header().Set(RevisionHeader, fmt.Sprintf("%d", rev))
		writeJSON(w, http.StatusOK, records)
	case http.MethodPost:
		var req domain.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.AgentName) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agent_name is required"))
			return
		}
		resp, err := s.runner.Start(r.Context(), strings.TrimSpace(req.AgentName), req.Message)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/executions/")
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("execution id is required"))
		return
	}

	if id == "stop-all" && len(parts) == 1 {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		res, err := s.runner.StopAll(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.store.GetExecution(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	action := parts[1]
	switch action {
	case "tree":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tree, err := s.store.GetTree(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, tree)
	case "log":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		log, err := s.store.GetLog(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, log)
	case "tools":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		calls, err := s.store.ListToolCalls(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, calls)
	case "stop":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		res, err := s.runner.Stop(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.store.ListAgents(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var agent domain.AgentDetail
		if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		agent.Name = strings.TrimSpace(agent.Name)
		if agent.Name == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
			return
		}
		if err := s.checkAgent(r.Context(), agent); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if err := s.store.CreateAgent(r.Context(), agent); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.writeAgent(w, r, agent.Name, http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/agents/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent name is required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeAgent(w, r, name, http.StatusOK)
	case http.MethodPut:
		var agent domain.AgentDetail
		if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if agent.Name != "" && agent.Name != name {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agent name %q does not match path", agent.Name))
			return
		}
		agent.Name = name
		if err := s.checkAgent(r.Context(), agent); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.writeAgent(w, r, name, http.StatusOK)
	case http.MethodDelete:
		if err := s.store.DeleteAgent(r.Context(), name); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) checkAgent(ctx context.Context, agent domain.AgentDetail) error {
	if s.cfg.Policy == nil {
		return nil
	}
	return s.cfg.Policy.CheckAgent(ctx, agent)
}

func (s *Server) writeAgent(w http.ResponseWriter, r *http.Request, name string, code int) {
	agent, err := s.store.GetAgent(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, code, agent)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tools, err := s.store.ListTools(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sqlite.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, policy.ErrInvalidReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runner.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
