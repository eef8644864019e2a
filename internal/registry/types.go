// Package registry owns the MCP records: leaf backends, agents, and
// the referential integrity between them. The Store is the single
// mutable authority; everything else reads materialized copies.
package registry

import (
	"strings"
	"time"

	"github.com/mception/mception/internal/errs"
)

// Transport identifies how a leaf backend is invoked.
type Transport string

const (
	// TransportStdio is a subprocess speaking line-delimited JSON on
	// stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportHTTPS is a remote backend invoked by direct HTTP calls.
	TransportHTTPS Transport = "https"
)

// Kind distinguishes the two record variants sharing the id namespace.
type Kind string

const (
	KindLeaf  Kind = "leaf"
	KindAgent Kind = "agent"
)

// Leaf config keys addressed to the worker rather than the backend.
// The hub treats leaf config as opaque except where materialization
// must carry these across a forwarding rewrite.
const (
	ConfigToolInclude = "tool_include"
	ConfigToolExclude = "tool_exclude"
)

// Record is the common face of both variants. Resolve returns one of
// these so callers dispatch on Kind at a single point instead of
// probing both maps.
type Record interface {
	RecordID() string
	RecordKind() Kind
}

// Leaf is a tool backend that is not itself an agent.
type Leaf struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Transport   Transport      `json:"transport"`
	IsLocal     bool           `json:"is_local"`
	Config      map[string]any `json:"config,omitempty"`
}

func (l Leaf) RecordID() string { return l.ID }
func (l Leaf) RecordKind() Kind { return KindLeaf }

// ReachableByAgent reports whether an agent can reach this backend
// without hub forwarding. Local backends are spawned on the agent's own
// host, so they are reachable by definition; everything else must be
// forwarded. Derived, never stored.
func (l Leaf) ReachableByAgent() bool { return l.IsLocal }

// Validate checks structural requirements before any mutation is
// applied.
func (l Leaf) Validate() error {
	if err := validateID(l.ID); err != nil {
		return err
	}
	switch l.Transport {
	case TransportStdio, TransportHTTPS:
	default:
		return errs.Validation("leaf %q: unknown transport %q (expected stdio or https)", l.ID, l.Transport)
	}
	return nil
}

// Agent is a distributed worker. It consumes MCPs per its allow-list
// and is itself addressable as an MCP.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	AllowedMCPIDs []string       `json:"allowed_mcp_ids"`
	Connected     bool           `json:"is_connected"`
	LastSeen      *time.Time     `json:"last_seen,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

func (a Agent) RecordID() string { return a.ID }
func (a Agent) RecordKind() Kind { return KindAgent }

// Allows reports whether id is in the agent's allow-list.
func (a Agent) Allows(id string) bool {
	for _, allowed := range a.AllowedMCPIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// Validate checks structural requirements. Allow-list referents are
// checked against the snapshot by the Store, not here.
func (a Agent) Validate() error {
	if err := validateID(a.ID); err != nil {
		return err
	}
	for _, id := range a.AllowedMCPIDs {
		if err := validateID(id); err != nil {
			return errs.Validation("agent %q: bad allowed mcp id %q", a.ID, id)
		}
	}
	return nil
}

// Metadata describes the registry document itself.
type Metadata struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// Snapshot is the full registry state: the unit of persistence at the
// storage boundary and the unit of atomic replacement inside the Store.
type Snapshot struct {
	Leaves map[string]Leaf  `json:"leaf_mcps"`
	Agents map[string]Agent `json:"agents"`
	Meta   Metadata         `json:"metadata"`
}

// NewSnapshot returns an empty registry document stamped now.
func NewSnapshot() *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{
		Leaves: make(map[string]Leaf),
		Agents: make(map[string]Agent),
		Meta: Metadata{
			Version:      "1",
			CreatedAt:    now,
			LastModified: now,
		},
	}
}

// Clone deep-copies the snapshot so mutations never alias state that
// readers hold.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Leaves: make(map[string]Leaf, len(s.Leaves)),
		Agents: make(map[string]Agent, len(s.Agents)),
		Meta:   s.Meta,
	}
	for id, l := range s.Leaves {
		out.Leaves[id] = copyLeaf(l)
	}
	for id, a := range s.Agents {
		out.Agents[id] = copyAgent(a)
	}
	return out
}

func copyLeaf(l Leaf) Leaf {
	l.Config = copyConfig(l.Config)
	return l
}

func copyAgent(a Agent) Agent {
	a.AllowedMCPIDs = append([]string(nil), a.AllowedMCPIDs...)
	a.Config = copyConfig(a.Config)
	if a.LastSeen != nil {
		t := *a.LastSeen
		a.LastSeen = &t
	}
	return a
}

// copyConfig deep-copies an opaque config document. Only the JSON value
// shapes (maps, slices, scalars) appear here since configs arrive via
// JSON or YAML decoding.
func copyConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func validateID(id string) error {
	if id == "" {
		return errs.Validation("id must not be empty")
	}
	if strings.ContainsAny(id, " \t\n/") {
		return errs.Validation("id %q must not contain whitespace or '/'", id)
	}
	return nil
}
