package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mception/mception/internal/admin"
	"github.com/mception/mception/internal/audit"
	"github.com/mception/mception/internal/registry"
)

// mutationFrom derives the audit intent for an API mutation. The HTTP
// binding carries no confirmation parameters: issuing the request is
// the explicit intent signal, so confirmation is supplied here. Actor
// and reason may be set with the X-Mception-Actor and X-Mception-Reason
// headers; the reason falls back to the request line so the audit
// trail is never empty.
func mutationFrom(r *http.Request) admin.Mutation {
	reason := r.Header.Get("X-Mception-Reason")
	if reason == "" {
		reason = r.Method + " " + r.URL.Path
	}
	return admin.Mutation{
		Actor:   r.Header.Get("X-Mception-Actor"),
		Reason:  reason,
		Confirm: true,
	}
}

type leafCreateRequest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Transport   string         `json:"transport"`
	IsLocal     bool           `json:"is_local"`
	Config      map[string]any `json:"config"`
}

func (s *Server) handleLeafCreate(w http.ResponseWriter, r *http.Request) {
	var req leafCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	leaf := registry.Leaf{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Transport:   registry.Transport(req.Transport),
		IsLocal:     req.IsLocal,
		Config:      req.Config,
	}
	created, err := s.admin.CreateLeaf(mutationFrom(r), leaf)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created, s.logger)
}

func (s *Server) handleLeafList(w http.ResponseWriter, r *http.Request) {
	leaves := s.admin.Leaves()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"leaf_mcps": leaves,
		"count":     len(leaves),
	}, s.logger)
}

func (s *Server) handleLeafConfigGet(w http.ResponseWriter, r *http.Request) {
	leaf, err := s.admin.Leaf(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, leaf.Config, s.logger)
}

func (s *Server) handleLeafConfigPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if req.Config == nil {
		s.writeError(w, http.StatusBadRequest, "validation", "config is required")
		return
	}

	updated, err := s.admin.UpdateLeaf(mutationFrom(r), r.PathValue("id"), req.Config)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

func (s *Server) handleLeafDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteLeaf(mutationFrom(r), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeafTools(w http.ResponseWriter, r *http.Request) {
	defs, err := s.admin.LeafTools(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": defs,
		"count": len(defs),
	}, s.logger)
}

type agentCreateRequest struct {
	AgentID       string         `json:"agent_id"`
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	AllowedMCPIDs []string       `json:"allowed_mcp_ids,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req agentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	a := registry.Agent{
		ID:            req.AgentID,
		Name:          req.Name,
		Description:   req.Description,
		AllowedMCPIDs: req.AllowedMCPIDs,
		Config:        req.Config,
	}
	created, err := s.admin.CreateAgent(mutationFrom(r), a)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created, s.logger)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents := s.admin.Agents()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"agents": agents,
		"count":  len(agents),
	}, s.logger)
}

func (s *Server) handleAgentConfigGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.admin.Agent(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, a, s.logger)
}

func (s *Server) handleAgentConfigPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if req.Config == nil {
		s.writeError(w, http.StatusBadRequest, "validation", "config is required")
		return
	}

	updated, err := s.admin.UpdateAgent(mutationFrom(r), r.PathValue("id"), req.Config)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteAgent(mutationFrom(r), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentTools(w http.ResponseWriter, r *http.Request) {
	defs, err := s.admin.AgentTools(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": defs,
		"count": len(defs),
	}, s.logger)
}

type allowedMCPRequest struct {
	MCPID string `json:"mcp_id"`
}

func (s *Server) handleAllowedAdd(w http.ResponseWriter, r *http.Request) {
	var req allowedMCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if req.MCPID == "" {
		s.writeError(w, http.StatusBadRequest, "validation", "mcp_id is required")
		return
	}

	updated, err := s.admin.AddAllowed(mutationFrom(r), r.PathValue("id"), req.MCPID)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

func (s *Server) handleAllowedRemove(w http.ResponseWriter, r *http.Request) {
	var req allowedMCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if req.MCPID == "" {
		s.writeError(w, http.StatusBadRequest, "validation", "mcp_id is required")
		return
	}

	updated, err := s.admin.RemoveAllowed(mutationFrom(r), r.PathValue("id"), req.MCPID)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

func (s *Server) handleConfigExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.admin.Export(), s.logger)
}

func (s *Server) handleConfigBackup(w http.ResponseWriter, r *http.Request) {
	path, err := s.admin.Backup()
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status": "ok",
		"path":   path,
	}, s.logger)
}

func (s *Server) handleAuditRead(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		Action: r.URL.Query().Get("action"),
		Target: r.URL.Query().Get("target"),
		Actor:  r.URL.Query().Get("actor"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			q.Limit = n
		}
	}

	entries, err := s.admin.Audit(q)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	}, s.logger)
}
