package api

import (
	"io"
	"net/http"

	"github.com/mception/mception/internal/wire"
)

// maxForwardBody bounds a single forwarded request body. Tool payloads
// are JSON-RPC envelopes, not file transfers.
const maxForwardBody = 10 << 20

// authorizeAgent checks the bearer token on an agent-facing endpoint
// and confirms it was minted for agentID. It writes the error response
// itself and reports whether the caller may proceed.
func (s *Server) authorizeAgent(w http.ResponseWriter, r *http.Request, agentID string) bool {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	sub, err := s.issuer.VerifyTunnel(token)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return false
	}
	if sub != agentID {
		s.writeError(w, http.StatusForbidden, "forbidden", "token is not valid for this agent")
		return false
	}
	return true
}

// handleAgentRemoteConfig serves the materialized backend config an
// agent pulls on startup. The document embeds scoped forwarding
// credentials, so the pull itself requires the agent's tunnel token.
func (s *Server) handleAgentRemoteConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeAgent(w, r, id) {
		return
	}

	doc, err := s.configs.Materialize(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, doc, s.logger)
}

// handleTunnelOpen upgrades the connection and hands the socket to the
// tunnel manager, which owns it from then on.
func (s *Server) handleTunnelOpen(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeAgent(w, r, id) {
		return
	}
	if _, err := s.admin.Agent(id); err != nil {
		s.fail(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.logger.Warn("tunnel upgrade failed", "agent", id, "error", err)
		return
	}
	s.tunnels.Attach(id, ws)
}

// handleAgentForwarding relays one request to a connected agent over
// its tunnel and maps the enveloped response back onto HTTP.
func (s *Server) handleAgentForwarding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "failed to read request body")
		return
	}

	resp, err := s.tunnels.Send(r.Context(), id, wire.Request{
		URLParams: queryString(r),
		Headers:   forwardHeaders(r),
		Body:      body,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeWireResponse(w, resp)
}

// handleLeafForwarding relays one request to a registered leaf backend.
// The caller presents a forwarding token scoped to exactly this leaf.
func (s *Server) handleLeafForwarding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	token := bearerToken(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	agentID, err := s.issuer.VerifyForward(token, id)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "failed to read request body")
		return
	}

	s.logger.Debug("forwarding to leaf", "leaf", id, "agent", agentID)
	resp, err := s.relay.Forward(r.Context(), id, wire.Request{
		URLParams: queryString(r),
		Headers:   forwardHeaders(r),
		Body:      body,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeWireResponse(w, resp)
}

// queryString preserves the incoming query for the envelope, keeping
// the leading "?" so the agent side can splice it onto a URL directly.
func queryString(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

// forwardHeaders copies the forwardable request headers into envelope
// form. Authorization carries the forwarding token and must not leak
// to the backend; the rest of the dropped set is hop-by-hop.
func forwardHeaders(r *http.Request) map[string]string {
	drop := map[string]bool{
		"Authorization":       true,
		"Proxy-Authorization": true,
		"Connection":          true,
		"Keep-Alive":          true,
		"Proxy-Connection":    true,
		"Te":                  true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
		"Content-Length":      true,
	}
	out := make(map[string]string)
	for name, vals := range r.Header {
		if drop[name] || len(vals) == 0 {
			continue
		}
		out[name] = vals[0]
	}
	return out
}

// writeWireResponse maps an envelope response onto the HTTP response.
func writeWireResponse(w http.ResponseWriter, resp wire.Response) {
	for name, val := range resp.Headers {
		w.Header().Set(name, val)
	}
	code := resp.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}
