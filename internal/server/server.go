// Package server exposes the sandbox service over HTTP: a small JSON API
// for session lifecycle, a websocket terminal endpoint, and an admin
// surface for rate-limit records.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/coordinator"
	"github.com/sandboxd/sandboxd/internal/logger"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/session"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 64 * 1024

// Server is the HTTP front of the sandbox service.
type Server struct {
	cfg     *config.Config
	coord   *coordinator.Coordinator
	limiter *ratelimit.Limiter
	auth    *Authenticator

	mu       sync.Mutex
	running  bool
	listener net.Listener
	httpSrv  *http.Server
}

// New builds a Server around an already-wired coordinator.
func New(cfg *config.Config, coord *coordinator.Coordinator, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		coord:   coord,
		limiter: limiter,
		auth:    NewAuthenticator(cfg.JWTSecret, cfg.APIKeys, cfg.TrustProxyHeaders),
	}
}

// Start begins listening on the configured address. It returns once the
// listener is bound; request serving continues in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains live terminal bridges and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.coord.Drain()
	err := s.httpSrv.Shutdown(ctx)
	logger.Info().Msg("server stopped")
	return err
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/environments", s.handleEnvironments)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDestroySession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/ws", s.handleTerminal)

	mux.HandleFunc("GET /api/v1/admin/ratelimits", s.admin(s.handleListRateLimits))
	mux.HandleFunc("GET /api/v1/admin/ratelimits/{key}", s.admin(s.handleGetRateLimit))
	mux.HandleFunc("DELETE /api/v1/admin/ratelimits/{key}", s.admin(s.handleRemoveRateLimit))
	mux.HandleFunc("POST /api/v1/admin/ratelimits/{key}/reset", s.admin(s.handleResetRateLimit))
	mux.HandleFunc("POST /api/v1/admin/ratelimits/{key}/adjust", s.admin(s.handleAdjustRateLimit))

	return mux
}

// admin wraps a handler with api-key enforcement.
func (s *Server) admin(next func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Identify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if !id.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	}
}

type healthResponse struct {
	Status   string         `json:"status"`
	Sessions map[string]int `json:"sessions"`
	Total    int            `json:"totalSessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.Stats()
	byState := make(map[string]int, len(stats.ByState))
	for state, n := range stats.ByState {
		byState[string(state)] = n
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: byState,
		Total:    stats.Total,
	})
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environments": s.coord.Environments(),
	})
}

// sessionResponse is the client-facing view of a session. The container
// id and owner key stay internal; expiry is derived from activity plus
// the idle timeout.
type sessionResponse struct {
	ID             string        `json:"id"`
	ToolPair       string        `json:"toolPair"`
	Environment    string        `json:"environment"`
	State          session.State `json:"state"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	WSURL          string        `json:"wsUrl"`
}

func toSessionResponse(s session.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		ToolPair:       s.ToolPair,
		Environment:    s.Environment,
		State:          s.State,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.LastActivityAt.Add(s.Timeout),
		WSURL:          "/api/v1/sessions/" + s.ID + "/ws",
	}
}

type createSessionRequest struct {
	ToolPair    string `json:"toolPair"`
	Environment string `json:"environment"`
	// TimeoutSeconds optionally overrides the environment's idle timeout.
	TimeoutSeconds int `json:"timeoutSeconds"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolPair == "" {
		writeError(w, http.StatusBadRequest, "toolPair is required")
		return
	}

	sess, err := s.coord.CreateSession(r.Context(), coordinator.CreateRequest{
		ToolPair:    req.ToolPair,
		Environment: req.Environment,
		OwnerKey:    id.OwnerKey,
		Tier:        id.Tier,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, err := s.coord.GetSession(r.PathValue("id"))
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	// Sessions are visible to their owner and to admins only. Hide the
	// rest behind not-found so ids cannot be probed.
	if sess.OwnerKey != id.OwnerKey && !id.IsAdmin() {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.coord.DestroySession(r.Context(), r.PathValue("id"), id.OwnerKey, id.Tier); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"records": s.limiter.GetAll(),
	})
}

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	view, err := s.limiter.Get(r.PathValue("key"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveRateLimit(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.Remove(r.PathValue("key")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.ResetLimit(r.PathValue("key")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adjustRateLimitRequest struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxSessions   int `json:"maxSessions"`
}

func (s *Server) handleAdjustRateLimit(w http.ResponseWriter, r *http.Request) {
	var req adjustRateLimitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	window := time.Duration(req.WindowSeconds) * time.Second
	if err := s.limiter.AdjustLimit(r.PathValue("key"), window, req.MaxSessions); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the canonical error body: a stable machine-readable
// code, a human message, and an optional retry hint in seconds.
type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeCoordinatorError translates a coordinator failure into a response.
// Classified errors carry their own status and client-safe message;
// anything else is a plain 500.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	var ce *coordinator.Error
	if errors.As(err, &ce) {
		resp := errorResponse{Error: string(ce.Cause), Message: ce.Message}
		if ce.RetryAfter > 0 {
			secs := int(ce.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			resp.RetryAfter = secs
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
		if ce.Err != nil {
			logger.Error().Err(ce.Err).Str("cause", string(ce.Cause)).Msg("request failed")
		}
		writeJSON(w, ce.HTTPStatus(), resp)
		return
	}

	logger.Error().Err(err).Msg("unclassified request failure")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeAdminError(w http.ResponseWriter, err error) {
	var ae *ratelimit.AdminError
	if errors.As(err, &ae) {
		status := http.StatusInternalServerError
		switch ae.Cause {
		case ratelimit.CauseNotFound:
			status = http.StatusNotFound
		case ratelimit.CauseInvalidRequest:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: string(ae.Cause), Message: ae.Message})
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
