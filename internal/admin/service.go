// Package admin is the guarded mutation layer over the registry. Every
// destructive operation must arrive with an affirmative confirmation
// flag and a non-empty reason; it then applies exactly one registry
// mutation and appends exactly one audit entry. Read operations bypass
// both requirements and leave no audit trace.
//
// Two callers share this surface: the in-process tool binding in
// tooldefs.go and the HTTP admin API. Both converge here so the
// confirmation contract cannot be sidestepped by picking the other
// door.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/mception/mception/internal/audit"
	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/events"
	"github.com/mception/mception/internal/mcp"
	"github.com/mception/mception/internal/registry"
	"github.com/mception/mception/internal/wire"
)

// LeafForwarder is the forwarder surface the admin layer needs: tool
// discovery over a leaf's real transport, plus bridge invalidation when
// a leaf's config changes or the leaf is deleted. Implemented by
// relay.Forwarder.
type LeafForwarder interface {
	Tools(ctx context.Context, id string) ([]mcp.ToolDefinition, error)
	Invalidate(id string)
}

// AgentTunnel ships one request over an agent's live tunnel and waits
// for the correlated response. Implemented by tunnel.Manager.
type AgentTunnel interface {
	Send(ctx context.Context, agentID string, req wire.Request) (wire.Response, error)
}

// Mutation carries the intent metadata every destructive operation must
// present: who is acting, why, and an explicit confirmation that the
// action is deliberate rather than a stray automated call.
type Mutation struct {
	Actor   string
	Reason  string
	Confirm bool
}

// check rejects unconfirmed or unexplained mutations before any side
// effect. flag names the confirmation parameter so the error tells the
// caller exactly what to set.
func (m Mutation) check(flag string) error {
	if !m.Confirm {
		return errs.Validation("refusing unconfirmed mutation: set %s to true", flag)
	}
	if strings.TrimSpace(m.Reason) == "" {
		return errs.Validation("a non-empty reason is required")
	}
	return nil
}

// actor returns the audit actor, defaulting to "admin" when the caller
// did not identify itself.
func (m Mutation) actor() string {
	if m.Actor == "" {
		return "admin"
	}
	return m.Actor
}

// Service applies administrative operations against the registry and
// records each mutation in the audit log.
type Service struct {
	reg    *registry.Store
	trail  *audit.Store
	leaves LeafForwarder
	agents AgentTunnel
	bus    *events.Bus
	logger *slog.Logger

	// mu serializes mutation+audit pairs so each audit sequence number
	// reflects the order its mutation was actually applied, and so a
	// read-modify-write like UpdateLeaf never interleaves with another
	// admin mutation.
	mu sync.Mutex
}

// New wires the admin service. leaves and agents may be nil in tests
// that never touch tool discovery or tunnels; bus may be nil when no
// one listens for registry events.
func New(reg *registry.Store, trail *audit.Store, leaves LeafForwarder, agents AgentTunnel, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{reg: reg, trail: trail, leaves: leaves, agents: agents, bus: bus, logger: logger}
}

// record appends the audit entry paired with a mutation that has
// already been applied, then announces both on the event bus. A failed
// append is surfaced as an internal error: the mutation stands, and the
// gap in the trail must be loud rather than silent.
func (s *Service) record(m Mutation, action, target string, before, after json.RawMessage) error {
	e := audit.Entry{
		Actor:  m.actor(),
		Action: action,
		Target: target,
		Reason: m.Reason,
		Before: before,
		After:  after,
	}
	if err := s.trail.Append(&e); err != nil {
		s.logger.Error("audit append failed after mutation was applied",
			"action", action, "target", target, "error", err)
		return errs.Internal(err, "record audit entry for %s %s", action, target)
	}
	s.bus.Publish(events.Event{
		Timestamp: e.Time,
		Source:    events.SourceAdmin,
		Kind:      events.KindRegistryUpdated,
		Data:      map[string]any{"action": action, "target": target, "actor": e.Actor},
	})
	s.bus.Publish(events.Event{
		Timestamp: e.Time,
		Source:    events.SourceAdmin,
		Kind:      events.KindAuditAppended,
		Data:      map[string]any{"seq": e.Seq, "action": action, "target": target},
	})
	return nil
}

// jsonOf renders a registry record for an audit snapshot. Registry
// records always marshal; on the impossible failure the snapshot is
// omitted rather than blocking the mutation.
func jsonOf(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// mergeConfig overlays updates onto base one top-level key at a time.
// Keys absent from updates keep their stored value; a key present with
// a nil value is stored as nil, not removed.
func mergeConfig(base, updates map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}

// CreateLeaf registers a new leaf MCP. Unlike the store's PutLeaf this
// is strictly a create: an id already in use by any record is rejected.
func (s *Service) CreateLeaf(m Mutation, leaf registry.Leaf) (registry.Leaf, error) {
	if err := m.check("should_create"); err != nil {
		return registry.Leaf{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reg.GetLeaf(leaf.ID); err == nil {
		return registry.Leaf{}, errs.Validation("leaf mcp %q already exists", leaf.ID)
	}
	if err := s.reg.PutLeaf(leaf); err != nil {
		return registry.Leaf{}, err
	}
	created, err := s.reg.GetLeaf(leaf.ID)
	if err != nil {
		return registry.Leaf{}, err
	}
	if err := s.record(m, audit.ActionCreate, audit.LeafTarget(leaf.ID), nil, jsonOf(created)); err != nil {
		return registry.Leaf{}, err
	}
	return created, nil
}

// UpdateLeaf merges the provided keys into a leaf's config document and
// discards any live bridge to the old config.
func (s *Service) UpdateLeaf(m Mutation, id string, updates map[string]any) (registry.Leaf, error) {
	if err := m.check("should_update"); err != nil {
		return registry.Leaf{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.reg.GetLeaf(id)
	if err != nil {
		return registry.Leaf{}, err
	}
	after, err := s.reg.PatchLeaf(id, registry.LeafPatch{Config: mergeConfig(before.Config, updates)})
	if err != nil {
		return registry.Leaf{}, err
	}
	if s.leaves != nil {
		s.leaves.Invalidate(id)
	}
	if err := s.record(m, audit.ActionUpdate, audit.LeafTarget(id), jsonOf(before), jsonOf(after)); err != nil {
		return registry.Leaf{}, err
	}
	return after, nil
}

// DeleteLeaf removes a leaf MCP, purges it from every agent allow-list,
// and discards any live bridge to it.
func (s *Service) DeleteLeaf(m Mutation, id string) error {
	if err := m.check("should_delete_mcp"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.reg.GetLeaf(id)
	if err != nil {
		return err
	}
	if err := s.reg.DeleteLeaf(id); err != nil {
		return err
	}
	if s.leaves != nil {
		s.leaves.Invalidate(id)
	}
	return s.record(m, audit.ActionDelete, audit.LeafTarget(id), jsonOf(before), nil)
}

// CreateAgent registers a new agent. Strictly a create; the id must be
// unused and every allow-list entry must already exist.
func (s *Service) CreateAgent(m Mutation, a registry.Agent) (registry.Agent, error) {
	if err := m.check("should_create"); err != nil {
		return registry.Agent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reg.GetAgent(a.ID); err == nil {
		return registry.Agent{}, errs.Validation("agent %q already exists", a.ID)
	}
	if err := s.reg.PutAgent(a); err != nil {
		return registry.Agent{}, err
	}
	created, err := s.reg.GetAgent(a.ID)
	if err != nil {
		return registry.Agent{}, err
	}
	if err := s.record(m, audit.ActionCreate, audit.AgentTarget(a.ID), nil, jsonOf(created)); err != nil {
		return registry.Agent{}, err
	}
	return created, nil
}

// UpdateAgent merges the provided keys into an agent's config document.
func (s *Service) UpdateAgent(m Mutation, id string, updates map[string]any) (registry.Agent, error) {
	if err := m.check("should_update"); err != nil {
		return registry.Agent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.reg.GetAgent(id)
	if err != nil {
		return registry.Agent{}, err
	}
	after, err := s.reg.PatchAgent(id, registry.AgentPatch{Config: mergeConfig(before.Config, updates)})
	if err != nil {
		return registry.Agent{}, err
	}
	if err := s.record(m, audit.ActionUpdate, audit.AgentTarget(id), jsonOf(before), jsonOf(after)); err != nil {
		return registry.Agent{}, err
	}
	return after, nil
}

// DeleteAgent removes an agent and purges its id from every other
// agent's allow-list.
func (s *Service) DeleteAgent(m Mutation, id string) error {
	if err := m.check("should_delete_mcp"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.reg.GetAgent(id)
	if err != nil {
		return err
	}
	if err := s.reg.DeleteAgent(id); err != nil {
		return err
	}
	return s.record(m, audit.ActionDelete, audit.AgentTarget(id), jsonOf(before), nil)
}

// AddAllowed grants an agent access to one MCP id.
func (s *Service) AddAllowed(m Mutation, agentID, mcpID string) (registry.Agent, error) {
	if err := m.check("should_add_mcp_id"); err != nil {
		return registry.Agent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.reg.GetAgent(agentID)
	if err != nil {
		return registry.Agent{}, err
	}
	after, err := s.reg.AddAllowed(agentID, mcpID)
	if err != nil {
		return registry.Agent{}, err
	}
	if err := s.record(m, audit.ActionAddAllowed, audit.AgentTarget(agentID), jsonOf(before), jsonOf(after)); err != nil {
		return registry.Agent{}, err
	}
	return after, nil
}

// RemoveAllowed revokes an agent's access to one MCP id.
func (s *Service) RemoveAllowed(m Mutation, agentID, mcpID string) (registry.Agent, error) {
	if err := m.check("should_remove_mcp_id"); err != nil {
		return registry.Agent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.reg.GetAgent(agentID)
	if err != nil {
		return registry.Agent{}, err
	}
	after, err := s.reg.RemoveAllowed(agentID, mcpID)
	if err != nil {
		return registry.Agent{}, err
	}
	if err := s.record(m, audit.ActionRemoveAllowed, audit.AgentTarget(agentID), jsonOf(before), jsonOf(after)); err != nil {
		return registry.Agent{}, err
	}
	return after, nil
}

// Leaf returns one leaf record.
func (s *Service) Leaf(id string) (registry.Leaf, error) { return s.reg.GetLeaf(id) }

// Leaves returns all leaf records ordered by id.
func (s *Service) Leaves() []registry.Leaf { return s.reg.ListLeaves() }

// Agent returns one agent record.
func (s *Service) Agent(id string) (registry.Agent, error) { return s.reg.GetAgent(id) }

// Agents returns all agent records ordered by id.
func (s *Service) Agents() []registry.Agent { return s.reg.ListAgents() }

// Export returns a deep copy of the full registry document.
func (s *Service) Export() *registry.Snapshot { return s.reg.Export() }

// Backup writes a backup of the registry document and returns its
// location. Not an audited mutation: it changes no record.
func (s *Service) Backup() (string, error) { return s.reg.Backup() }

// Audit returns audit entries matching q, newest first.
func (s *Service) Audit(q audit.Query) ([]audit.Entry, error) { return s.trail.Entries(q) }

// LeafTools fetches the live tool catalog of a leaf backend over its
// real transport. Tool lists are never persisted; this is always a
// fresh round trip.
func (s *Service) LeafTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	return s.leaves.Tools(ctx, id)
}

// toolsListRequest is the JSON-RPC call shipped to an agent to
// enumerate the tools it serves.
var toolsListRequest = []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

// AgentTools asks a connected agent for its tool catalog through the
// tunnel, travelling the same path as any forwarded invocation.
func (s *Service) AgentTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	if _, err := s.reg.GetAgent(id); err != nil {
		return nil, err
	}
	resp, err := s.agents.Send(ctx, id, wire.Request{
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    toolsListRequest,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Backend(nil, "agent %q answered tools/list with status %d", id, resp.StatusCode)
	}
	var rpc mcp.Response
	if err := json.Unmarshal(resp.Body, &rpc); err != nil {
		return nil, errs.Backend(err, "agent %q returned a malformed tools/list reply", id)
	}
	if rpc.Error != nil {
		return nil, errs.Backend(rpc.Error, "agent %q rejected tools/list", id)
	}
	var result struct {
		Tools []mcp.ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		return nil, errs.Backend(err, "agent %q returned a malformed tool list", id)
	}
	return result.Tools, nil
}
