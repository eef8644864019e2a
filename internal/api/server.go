// Package api implements the hub's HTTP surface: the admin API, the
// agent-facing config pull and tunnel endpoints, and the forwarding
// entry points callers use to reach agent-backed and forwarded leaf
// MCPs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mception/mception/internal/admin"
	"github.com/mception/mception/internal/agentcfg"
	"github.com/mception/mception/internal/buildinfo"
	"github.com/mception/mception/internal/creds"
	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/relay"
	"github.com/mception/mception/internal/tunnel"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config carries the server's listen address and backing services.
type Config struct {
	Address string
	Port    int

	Admin   *admin.Service
	Tunnels *tunnel.Manager
	Relay   *relay.Forwarder
	Configs *agentcfg.Materializer
	Issuer  *creds.Issuer
	Logger  *slog.Logger
}

// Server is the hub HTTP server.
type Server struct {
	address string
	port    int

	admin   *admin.Service
	tunnels *tunnel.Manager
	relay   *relay.Forwarder
	configs *agentcfg.Materializer
	issuer  *creds.Issuer
	logger  *slog.Logger

	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer wires the hub API over its backing services.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		admin:   cfg.Admin,
		tunnels: cfg.Tunnels,
		relay:   cfg.Relay,
		configs: cfg.Configs,
		issuer:  cfg.Issuer,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the full route table. Start wraps it with logging;
// tests mount it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Admin surface
	mux.HandleFunc("POST /admin/leaf", s.handleLeafCreate)
	mux.HandleFunc("GET /admin/leaf", s.handleLeafList)
	mux.HandleFunc("GET /admin/leaf/{id}/config", s.handleLeafConfigGet)
	mux.HandleFunc("PUT /admin/leaf/{id}/config", s.handleLeafConfigPut)
	mux.HandleFunc("DELETE /admin/leaf/{id}", s.handleLeafDelete)
	mux.HandleFunc("GET /admin/leaf/{id}/tools", s.handleLeafTools)
	mux.HandleFunc("POST /admin/agent", s.handleAgentCreate)
	mux.HandleFunc("GET /admin/agent", s.handleAgentList)
	mux.HandleFunc("GET /admin/agent/{id}/config", s.handleAgentConfigGet)
	mux.HandleFunc("PUT /admin/agent/{id}/config", s.handleAgentConfigPut)
	mux.HandleFunc("DELETE /admin/agent/{id}", s.handleAgentDelete)
	mux.HandleFunc("GET /admin/agent/{id}/tools", s.handleAgentTools)
	mux.HandleFunc("POST /admin/agent/{id}/allowed_mcps", s.handleAllowedAdd)
	mux.HandleFunc("DELETE /admin/agent/{id}/allowed_mcps", s.handleAllowedRemove)
	mux.HandleFunc("GET /admin/config", s.handleConfigExport)
	mux.HandleFunc("POST /admin/config/backup", s.handleConfigBackup)
	mux.HandleFunc("GET /admin/audit", s.handleAuditRead)

	// Agent-facing surface
	mux.HandleFunc("GET /agent/{id}/config", s.handleAgentRemoteConfig)
	mux.HandleFunc("GET /agent/{id}/tunnel", s.handleTunnelOpen)
	mux.HandleFunc("POST /agent/{id}/forwarding", s.handleAgentForwarding)

	// Leaf forwarding entry
	mux.HandleFunc("POST /leaf/{id}/forwarding", s.handleLeafForwarding)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	return mux
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // tunnel sends hold a request open
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting hub API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// fail writes err as a structured error response with the HTTP status
// for its kind.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeError(w, errs.HTTPStatus(err), string(errs.KindOf(err)), err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// bearerToken extracts the Authorization bearer credential, or "".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "mception",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":           "healthy",
		"connected_agents": len(s.tunnels.ConnectedIDs()),
	}, s.logger)
}
