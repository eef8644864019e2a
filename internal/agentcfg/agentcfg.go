// Package agentcfg materializes the MCP configuration an agent pulls
// from the hub. Each entry on the agent's allow-list becomes one
// config entry: leaves the agent can reach directly keep their stored
// config, everything else is rewritten to go through the hub's
// forwarding endpoints with a freshly minted scoped credential.
package agentcfg

import (
	"log/slog"
	"strings"
	"time"

	"github.com/mception/mception/internal/creds"
	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/registry"
)

// Entry is one materialized MCP. Leaf entries always state
// reachable_by_agent; agent entries carry the forwarding marker
// instead, never a direct address.
type Entry struct {
	Kind             registry.Kind      `json:"kind"`
	Transport        registry.Transport `json:"transport,omitempty"`
	ReachableByAgent *bool              `json:"reachable_by_agent,omitempty"`
	Forwarding       bool               `json:"forwarding,omitempty"`
	ForwardURL       string             `json:"forward_url,omitempty"`
	Config           map[string]any     `json:"config,omitempty"`
}

// Meta tells the agent which registry state its document reflects.
type Meta struct {
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// Document is the full configuration for one agent.
type Document struct {
	AgentID     string           `json:"agent_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	MCPs        map[string]Entry `json:"mcps"`
	Meta        Meta             `json:"metadata"`
}

// Materializer builds Documents from live registry state.
type Materializer struct {
	store  *registry.Store
	issuer *creds.Issuer
	base   string
	logger *slog.Logger
}

// New returns a materializer that writes forwarding URLs under
// baseURL, the address agents use to reach the hub.
func New(store *registry.Store, issuer *creds.Issuer, baseURL string, logger *slog.Logger) *Materializer {
	return &Materializer{
		store:  store,
		issuer: issuer,
		base:   strings.TrimRight(baseURL, "/"),
		logger: logger,
	}
}

// Materialize builds the configuration for agentID. Allow-list ids
// that no longer resolve are dropped without error: the agent catches
// up on its next pull. Every call mints fresh forward credentials,
// and previously issued ones stay valid until their own expiry.
func (m *Materializer) Materialize(agentID string) (*Document, error) {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	meta := m.store.Meta()
	doc := &Document{
		AgentID:     agentID,
		GeneratedAt: time.Now().UTC(),
		MCPs:        make(map[string]Entry, len(agent.AllowedMCPIDs)),
		Meta:        Meta{Version: meta.Version, LastUpdated: meta.LastModified},
	}
	for _, id := range agent.AllowedMCPIDs {
		rec, err := m.store.Resolve(id)
		if err != nil {
			m.logger.Debug("dropping stale allow-list reference", "agent", agentID, "mcp", id)
			continue
		}
		switch r := rec.(type) {
		case registry.Leaf:
			entry, err := m.leafEntry(agentID, r)
			if err != nil {
				return nil, err
			}
			doc.MCPs[id] = entry
		case registry.Agent:
			doc.MCPs[id] = Entry{
				Kind:       registry.KindAgent,
				Forwarding: true,
				ForwardURL: m.base + "/agent/" + id + "/forwarding",
			}
		}
	}
	return doc, nil
}

// leafEntry renders one leaf. Reachable leaves pass their config
// through unchanged. For the rest, the network-facing fields (url and
// headers) are replaced with the hub's forwarding endpoint and a
// bearer token bound to this agent and leaf, so raw backend
// credentials never reach the agent.
func (m *Materializer) leafEntry(agentID string, l registry.Leaf) (Entry, error) {
	reachable := l.ReachableByAgent()
	if reachable {
		return Entry{
			Kind:             registry.KindLeaf,
			Transport:        l.Transport,
			ReachableByAgent: &reachable,
			Config:           l.Config,
		}, nil
	}

	token, err := m.issuer.MintForward(agentID, l.ID)
	if err != nil {
		return Entry{}, errs.Internal(err, "mint forward credential for %s", l.ID)
	}

	cfg := make(map[string]any)
	if l.Transport == registry.TransportHTTPS {
		for k, v := range l.Config {
			if k == "url" || k == "headers" {
				continue
			}
			cfg[k] = v
		}
	} else {
		// A stdio leaf's command and environment stay on the hub; only
		// the worker-facing filter keys travel with the rewrite.
		for _, k := range []string{registry.ConfigToolInclude, registry.ConfigToolExclude} {
			if v, ok := l.Config[k]; ok {
				cfg[k] = v
			}
		}
	}
	cfg["url"] = m.base + "/leaf/" + l.ID + "/forwarding"
	cfg["headers"] = map[string]any{"Authorization": "Bearer " + token}

	return Entry{
		Kind:             registry.KindLeaf,
		Transport:        registry.TransportHTTPS,
		ReachableByAgent: &reachable,
		Config:           cfg,
	}, nil
}
