package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mception/mception/internal/errs"
)

// Provider is the persistence boundary for the registry: whole-snapshot
// load and save, assumed crash-consistent at the granularity of one
// call.
type Provider interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
	Exists() bool
	Backup() (string, error)
}

// Store is the single registry authority. Reads take a shared lock and
// return deep copies; every mutation clones the current snapshot,
// applies to the clone, persists it, and only then swaps it in, so a
// failed write leaves the registry untouched and a reader never
// observes a record mid-update.
type Store struct {
	prov   Provider
	logger *slog.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// Open loads the registry from prov, creating an empty document on
// first run. Agent connection flags are cleared at open: no tunnel can
// predate the process.
func Open(prov Provider, logger *slog.Logger) (*Store, error) {
	s := &Store{prov: prov, logger: logger}

	if !prov.Exists() {
		s.snap = NewSnapshot()
		if err := prov.Save(s.snap); err != nil {
			return nil, fmt.Errorf("initialize registry: %w", err)
		}
		logger.Info("registry created")
		return s, nil
	}

	snap, err := prov.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	if snap.Leaves == nil {
		snap.Leaves = make(map[string]Leaf)
	}
	if snap.Agents == nil {
		snap.Agents = make(map[string]Agent)
	}

	stale := false
	for id, a := range snap.Agents {
		if a.Connected {
			a.Connected = false
			snap.Agents[id] = a
			stale = true
		}
	}
	if stale {
		if err := prov.Save(snap); err != nil {
			return nil, fmt.Errorf("clear stale connection flags: %w", err)
		}
	}

	s.snap = snap
	logger.Info("registry loaded", "leaves", len(snap.Leaves), "agents", len(snap.Agents))
	return s, nil
}

// mutate runs fn against a clone of the snapshot, persists the result,
// and swaps it in. The whole sequence holds the write lock, so a
// compound mutation (delete plus referential cleanup) is atomic to
// every reader.
func (s *Store) mutate(fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.Meta.LastModified = time.Now().UTC()
	if err := s.prov.Save(next); err != nil {
		return errs.Internal(err, "persist registry")
	}
	s.snap = next
	return nil
}

// GetLeaf returns the leaf record for id.
func (s *Store) GetLeaf(id string) (Leaf, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.snap.Leaves[id]
	if !ok {
		return Leaf{}, errs.NotFound("leaf mcp %q not found", id)
	}
	return copyLeaf(l), nil
}

// GetAgent returns the agent record for id.
func (s *Store) GetAgent(id string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.snap.Agents[id]
	if !ok {
		return Agent{}, errs.NotFound("agent %q not found", id)
	}
	return copyAgent(a), nil
}

// Resolve returns whichever record owns id. This is the single dispatch
// point between the two variants.
func (s *Store) Resolve(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.snap.Leaves[id]; ok {
		return copyLeaf(l), nil
	}
	if a, ok := s.snap.Agents[id]; ok {
		return copyAgent(a), nil
	}
	return nil, errs.NotFound("mcp %q not found", id)
}

// ListLeaves returns all leaf records ordered by id.
func (s *Store) ListLeaves() []Leaf {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Leaf, 0, len(s.snap.Leaves))
	for _, l := range s.snap.Leaves {
		out = append(out, copyLeaf(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAgents returns all agent records ordered by id.
func (s *Store) ListAgents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.snap.Agents))
	for _, a := range s.snap.Agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Export returns a deep copy of the full registry document.
func (s *Store) Export() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Meta returns the document metadata.
func (s *Store) Meta() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Meta
}

// Backup asks the provider to write a backup of the last persisted
// snapshot, returning its location.
func (s *Store) Backup() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prov.Backup()
}

// PutLeaf creates or fully replaces a leaf record. The id must not be
// in use by an agent: agents are addressable as MCPs, so the id space
// is shared.
func (s *Store) PutLeaf(l Leaf) error {
	if err := l.Validate(); err != nil {
		return err
	}
	return s.mutate(func(snap *Snapshot) error {
		if _, clash := snap.Agents[l.ID]; clash {
			return errs.Validation("id %q is already in use by an agent", l.ID)
		}
		snap.Leaves[l.ID] = copyLeaf(l)
		return nil
	})
}

// LeafPatch carries the fields a partial leaf update may change. Nil
// fields are left untouched.
type LeafPatch struct {
	Name        *string
	Description *string
	Transport   *Transport
	IsLocal     *bool
	Config      map[string]any
}

// PatchLeaf merges the provided fields into an existing leaf record and
// returns the updated record.
func (s *Store) PatchLeaf(id string, p LeafPatch) (Leaf, error) {
	var out Leaf
	err := s.mutate(func(snap *Snapshot) error {
		l, ok := snap.Leaves[id]
		if !ok {
			return errs.NotFound("leaf mcp %q not found", id)
		}
		if p.Name != nil {
			l.Name = *p.Name
		}
		if p.Description != nil {
			l.Description = *p.Description
		}
		if p.Transport != nil {
			l.Transport = *p.Transport
		}
		if p.IsLocal != nil {
			l.IsLocal = *p.IsLocal
		}
		if p.Config != nil {
			l.Config = copyConfig(p.Config)
		}
		if err := l.Validate(); err != nil {
			return err
		}
		snap.Leaves[id] = l
		out = copyLeaf(l)
		return nil
	})
	return out, err
}

// DeleteLeaf removes a leaf record and purges its id from every agent's
// allow-list in the same atomic step.
func (s *Store) DeleteLeaf(id string) error {
	return s.mutate(func(snap *Snapshot) error {
		if _, ok := snap.Leaves[id]; !ok {
			return errs.NotFound("leaf mcp %q not found", id)
		}
		delete(snap.Leaves, id)
		purgeAllowed(snap, id)
		return nil
	})
}

// PutAgent creates or fully replaces an agent record. Every id on its
// allow-list must exist at the time of the write; the id must not be in
// use by a leaf.
func (s *Store) PutAgent(a Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return s.mutate(func(snap *Snapshot) error {
		if _, clash := snap.Leaves[a.ID]; clash {
			return errs.Validation("id %q is already in use by a leaf mcp", a.ID)
		}
		for _, id := range a.AllowedMCPIDs {
			if !exists(snap, id) && id != a.ID {
				return errs.Validation("allowed mcp %q does not exist", id)
			}
		}
		snap.Agents[a.ID] = copyAgent(a)
		return nil
	})
}

// AgentPatch carries the fields a partial agent update may change.
// Allow-list membership changes go through AddAllowed and
// RemoveAllowed, never whole-set replacement.
type AgentPatch struct {
	Name        *string
	Description *string
	Config      map[string]any
}

// PatchAgent merges the provided fields into an existing agent record
// and returns the updated record.
func (s *Store) PatchAgent(id string, p AgentPatch) (Agent, error) {
	var out Agent
	err := s.mutate(func(snap *Snapshot) error {
		a, ok := snap.Agents[id]
		if !ok {
			return errs.NotFound("agent %q not found", id)
		}
		if p.Name != nil {
			a.Name = *p.Name
		}
		if p.Description != nil {
			a.Description = *p.Description
		}
		if p.Config != nil {
			a.Config = copyConfig(p.Config)
		}
		snap.Agents[id] = a
		out = copyAgent(a)
		return nil
	})
	return out, err
}

// DeleteAgent removes an agent record and purges its id from every
// other agent's allow-list: agents are addressable as MCPs and may
// appear on each other's lists.
func (s *Store) DeleteAgent(id string) error {
	return s.mutate(func(snap *Snapshot) error {
		if _, ok := snap.Agents[id]; !ok {
			return errs.NotFound("agent %q not found", id)
		}
		delete(snap.Agents, id)
		purgeAllowed(snap, id)
		return nil
	})
}

// AddAllowed grants an agent access to one MCP id and returns the
// updated record. The id must exist and must not already be granted.
func (s *Store) AddAllowed(agentID, mcpID string) (Agent, error) {
	var out Agent
	err := s.mutate(func(snap *Snapshot) error {
		a, ok := snap.Agents[agentID]
		if !ok {
			return errs.NotFound("agent %q not found", agentID)
		}
		if !exists(snap, mcpID) {
			return errs.NotFound("mcp %q not found", mcpID)
		}
		if a.Allows(mcpID) {
			return errs.Validation("mcp %q is already allowed for agent %q", mcpID, agentID)
		}
		a.AllowedMCPIDs = append(a.AllowedMCPIDs, mcpID)
		snap.Agents[agentID] = a
		out = copyAgent(a)
		return nil
	})
	return out, err
}

// RemoveAllowed revokes an agent's access to one MCP id and returns the
// updated record.
func (s *Store) RemoveAllowed(agentID, mcpID string) (Agent, error) {
	var out Agent
	err := s.mutate(func(snap *Snapshot) error {
		a, ok := snap.Agents[agentID]
		if !ok {
			return errs.NotFound("agent %q not found", agentID)
		}
		if !a.Allows(mcpID) {
			return errs.Validation("mcp %q is not on agent %q's allow-list", mcpID, agentID)
		}
		kept := a.AllowedMCPIDs[:0]
		for _, id := range a.AllowedMCPIDs {
			if id != mcpID {
				kept = append(kept, id)
			}
		}
		a.AllowedMCPIDs = kept
		snap.Agents[agentID] = a
		out = copyAgent(a)
		return nil
	})
	return out, err
}

// SetConnection records an agent connect or disconnect transition.
// Driven by the tunnel manager, not the admin layer; it stamps LastSeen
// and persists, but is not an audited administrative operation.
func (s *Store) SetConnection(agentID string, connected bool) (Agent, error) {
	var out Agent
	err := s.mutate(func(snap *Snapshot) error {
		a, ok := snap.Agents[agentID]
		if !ok {
			return errs.NotFound("agent %q not found", agentID)
		}
		now := time.Now().UTC()
		a.Connected = connected
		a.LastSeen = &now
		snap.Agents[agentID] = a
		out = copyAgent(a)
		return nil
	})
	return out, err
}

// purgeAllowed removes id from every agent's allow-list in snap.
func purgeAllowed(snap *Snapshot, id string) {
	for agentID, a := range snap.Agents {
		if !a.Allows(id) {
			continue
		}
		kept := make([]string, 0, len(a.AllowedMCPIDs)-1)
		for _, allowed := range a.AllowedMCPIDs {
			if allowed != id {
				kept = append(kept, allowed)
			}
		}
		a.AllowedMCPIDs = kept
		snap.Agents[agentID] = a
	}
}

func exists(snap *Snapshot, id string) bool {
	if _, ok := snap.Leaves[id]; ok {
		return true
	}
	_, ok := snap.Agents[id]
	return ok
}
