// Package httpchannel serves the gateway's HTTP side channel: the public
// agent card document, a health probe, and the bearer-exchange endpoint that
// mints the session id the duplex socket's authenticate method binds to a
// connection.
package httpchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/auth"
	"github.com/manno23/a2agateway/internal/obslog"
	"github.com/manno23/a2agateway/internal/session"
	"github.com/manno23/a2agateway/internal/taskstore"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 60 * time.Second
	defaultIdleTimeout       = 120 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithReadTimeout overrides the default 30s request read timeout.
func WithReadTimeout(d time.Duration) Option { return func(s *Server) { s.readTimeout = d } }

// WithWriteTimeout overrides the default 60s response write timeout.
func WithWriteTimeout(d time.Duration) Option { return func(s *Server) { s.writeTimeout = d } }

// WithIdleTimeout overrides the default 120s keep-alive idle timeout.
func WithIdleTimeout(d time.Duration) Option { return func(s *Server) { s.idleTimeout = d } }

// Server serves /.well-known/agent.json, /health, and the POST /a2a/auth
// bearer-exchange endpoint over plain HTTP. It holds no socket state; a
// minted session id is redeemed against the same session.Registry on the
// socket side via the authenticate method.
type Server struct {
	card      a2a.AgentCard
	validator *auth.Validator
	sessions  *session.Registry
	tasks     *taskstore.Store
	startedAt time.Time

	port         int
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpSrvMu sync.Mutex
	httpSrv   *http.Server
}

// NewServer creates a Server. port is the TCP port ListenAndServe binds to.
func NewServer(card a2a.AgentCard, validator *auth.Validator, sessions *session.Registry, tasks *taskstore.Store, port int, opts ...Option) *Server {
	s := &Server{
		card:         card,
		validator:    validator,
		sessions:     sessions,
		tasks:        tasks,
		startedAt:    time.Now(),
		port:         port,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler implementing the side channel, wrapped
// with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /a2a/auth", s.handleAuth)
	return otelhttp.NewHandler(mux, "a2agateway-http")
}

// ListenAndServe starts the HTTP server on the configured port. It blocks.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	return srv.ListenAndServe()
}

// Shutdown gracefully drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.httpSrvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Tasks     int       `json:"tasks"`
	Sessions  int       `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Uptime:    now.Sub(s.startedAt).String(),
		Timestamp: now,
		Tasks:     s.tasks.Count(),
		Sessions:  s.sessions.Count(),
	})
}

type authResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleAuth exchanges a bearer credential (JWT or API key, in the
// Authorization header) for a session id. The session id is what the
// socket's authenticate method subsequently validates and binds to a
// connection; this endpoint never touches a connection itself.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	credential := bearerCredential(r)
	if credential == "" {
		writeUnauthorized(w, "missing bearer credential")
		return
	}

	principal, err := s.validator.Validate(credential)
	if err != nil {
		obslog.Warn("httpchannel: credential validation failed", "error", err)
		writeUnauthorized(w, "invalid credential")
		return
	}

	sess, err := s.sessions.CreateSession(principal.UserID, principal.Permissions)
	if err != nil {
		obslog.Error("httpchannel: session creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
}

func bearerCredential(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obslog.Error("httpchannel: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeUnauthorized writes a 401 carrying the WWW-Authenticate challenge
// header RFC 6750 requires alongside a bearer-auth failure.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="a2a"`)
	writeError(w, http.StatusUnauthorized, message)
}
