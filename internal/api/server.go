// Package api is the REST configuration surface consumed by the management UI,
// plus the mount point for the tool endpoint and Prometheus metrics.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysqlgate/mysqlgate/internal/audit"
	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/config"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/health"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/query"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// envelope is the uniform REST wire shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server is the combined HTTP server: REST API, tool endpoint, metrics.
type Server struct {
	cfg           *config.Config
	store         *catalog.Store
	pools         *pool.Manager
	sessions      *session.Manager
	executor      *query.Executor
	authenticator *auth.Authenticator
	issuer        TokenIssuer
	auditor       *audit.Logger
	healthCheck   *health.Checker
	metrics       *metrics.Collector
	mcpHandler    http.Handler
	limiter       atomic.Pointer[rateLimiter]

	httpServer *http.Server
	startTime  time.Time

	// console is the ephemeral session backing the UI's query editor in
	// HTTP mode; stdio mode reuses the process-local context instead.
	consoleMu sync.Mutex
	console   *session.Context
}

// TokenIssuer is the subset of the JWT issuer the server needs.
type TokenIssuer interface {
	Issue(userID, username string) (string, error)
}

// NewServer wires the REST surface.
func NewServer(cfg *config.Config, store *catalog.Store, pools *pool.Manager, sessions *session.Manager,
	executor *query.Executor, authenticator *auth.Authenticator, issuer TokenIssuer,
	auditor *audit.Logger, hc *health.Checker, m *metrics.Collector, mcpHandler http.Handler) *Server {
	s := &Server{
		cfg:           cfg,
		store:         store,
		pools:         pools,
		sessions:      sessions,
		executor:      executor,
		authenticator: authenticator,
		issuer:        issuer,
		auditor:       auditor,
		healthCheck:   hc,
		metrics:       m,
		mcpHandler:    mcpHandler,
		startTime:     time.Now(),
	}
	s.ApplyRateLimit(cfg.RateLimit)
	return s
}

// ApplyRateLimit swaps the limiter. Called at construction and on config
// reload; a disabled config clears it.
func (s *Server) ApplyRateLimit(rl config.RateLimitConfig) {
	if !rl.Enabled {
		s.limiter.Store(nil)
		return
	}
	s.limiter.Store(newRateLimiter(rl.Window, rl.MaxRequests))
}

// Handler builds the full route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	// Auth
	r.HandleFunc("/api/auth/login", s.login).Methods("POST")
	r.HandleFunc("/api/auth/logout", s.logout).Methods("POST")
	r.HandleFunc("/api/auth/change-password", s.changePassword).Methods("POST")
	r.HandleFunc("/api/auth/me", s.me).Methods("GET")

	// Connections
	r.HandleFunc("/api/connections", s.listConnections).Methods("GET")
	r.HandleFunc("/api/connections", s.createConnection).Methods("POST")
	r.HandleFunc("/api/connections/{id}", s.updateConnection).Methods("PUT")
	r.HandleFunc("/api/connections/{id}", s.deleteConnection).Methods("DELETE")
	r.HandleFunc("/api/connections/{id}/test", s.testConnection).Methods("POST")
	r.HandleFunc("/api/connections/{id}/discover", s.discoverDatabases).Methods("POST")
	r.HandleFunc("/api/connections/{id}/databases", s.listConnectionDatabases).Methods("GET")

	// Per-database configuration, addressed by real name within a connection
	r.HandleFunc("/api/connections/{id}/databases/{name}/permissions", s.updatePermissions).Methods("PUT")
	r.HandleFunc("/api/connections/{id}/databases/{name}/alias", s.renameAlias).Methods("PUT")
	r.HandleFunc("/api/connections/{id}/databases/{name}/enable", s.enableDatabase).Methods("PUT")
	r.HandleFunc("/api/connections/{id}/databases/{name}/disable", s.disableDatabase).Methods("PUT")

	// Query console and schema browsing
	r.HandleFunc("/api/query", s.runQuery).Methods("POST")
	r.HandleFunc("/api/databases/{alias}/tables", s.listTables).Methods("GET")
	r.HandleFunc("/api/databases/{alias}/tables/{table}/columns", s.listColumns).Methods("GET")

	// API keys
	r.HandleFunc("/api/keys", s.listKeys).Methods("GET")
	r.HandleFunc("/api/keys", s.createKey).Methods("POST")
	r.HandleFunc("/api/keys/{id}", s.deleteKey).Methods("DELETE")
	r.HandleFunc("/api/keys/{id}/revoke", s.revokeKey).Methods("POST")

	// Request log
	r.HandleFunc("/api/logs", s.listLogs).Methods("GET")
	r.HandleFunc("/api/logs", s.purgeLogs).Methods("DELETE")
	r.HandleFunc("/api/logs/stats", s.logStats).Methods("GET")

	// Settings
	r.HandleFunc("/api/settings", s.getSettings).Methods("GET")
	r.HandleFunc("/api/settings", s.putSettings).Methods("PUT")

	// Tool endpoint
	if s.mcpHandler != nil {
		r.PathPrefix("/mcp").Handler(s.mcpHandler)
	}

	// Health, readiness, metrics
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return s.securityHeaders(s.rateLimit(s.authMiddleware(r)))
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams on /mcp stay open
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server listening", "addr", addr, "https", s.cfg.TLS.Enabled)

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Middleware ---

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.limiter.Load()
		if limiter == nil || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if retryAfter, ok := limiter.Allow(clientAddr(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeErrMsg(w, http.StatusTooManyRequests, gateway.ErrRateLimited.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller identity and attaches it to the request
// context. Probes and login are public.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.URL.Path == "/api/auth/login" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := s.authenticator.Authenticate(w, r)
		if err != nil {
			if s.metrics != nil {
				s.metrics.AuthFailure()
			}
			if isMCPPath(r.URL.Path) {
				// The tool surface speaks JSON-RPC even for auth failures.
				writeJSON(w, http.StatusOK, map[string]any{
					"jsonrpc": "2.0",
					"id":      nil,
					"error":   map[string]any{"code": gateway.RPCCode(err), "message": err.Error()},
				})
				return
			}
			writeErrMsg(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// instrument runs inside the mux so the matched route template is available.
// It feeds the request counter and, for API routes, the audit log.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || isMCPPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		var reqBody []byte
		if r.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
			r.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(cw, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.HTTPRequest(route, cw.status)
			if s.auditor != nil {
				s.metrics.SetAuditDropped(s.auditor.Dropped())
			}
		}
		if s.auditor != nil {
			var reqPayload any
			if len(reqBody) > 0 {
				reqPayload = json.RawMessage(reqBody)
			}
			s.auditor.Record(auth.FromContext(r.Context()), route, r.Method,
				reqPayload, json.RawMessage(cw.body.Bytes()), cw.status, elapsed)
		}
	})
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

// isMCPPath matches the whole subtree the tool endpoint is mounted on, so
// /mcp/ gets JSON-RPC error shapes and skips REST instrumentation too.
func isMCPPath(path string) bool {
	return path == "/mcp" || strings.HasPrefix(path, "/mcp/")
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// captureWriter records the status and up to 64 KiB of the response body for
// the audit trail.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

const captureLimit = 64 * 1024

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.body.Len() < captureLimit {
		room := captureLimit - c.body.Len()
		if room > len(b) {
			room = len(b)
		}
		c.body.Write(b[:room])
	}
	return c.ResponseWriter.Write(b)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeErrMsg(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}

func writeErr(w http.ResponseWriter, err error) {
	writeErrMsg(w, gateway.HTTPStatus(err), err.Error())
}

// consoleContext returns the session context backing REST queries: the
// process-local context in stdio mode, or a server-owned session otherwise.
func (s *Server) consoleContext() *session.Context {
	if pc := s.sessions.ProcessContext(); pc != nil {
		return pc
	}

	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	if s.console != nil {
		if _, err := s.sessions.GetSession(s.console.ID()); err == nil {
			return s.console
		}
	}
	s.console = s.sessions.GetOrCreateSession("")
	return s.console
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready means the catalog answers.
	if _, err := s.store.CountUsers(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "catalog unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
