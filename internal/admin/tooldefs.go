package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mception/mception/internal/audit"
	"github.com/mception/mception/internal/registry"
	"github.com/mception/mception/internal/tools"
)

// RegisterTools exposes the admin surface as in-process tools. The
// operations mirror the HTTP admin API one for one; the tool binding
// additionally carries the reason and should_* confirmation parameters
// that bind each mutation to an explicit, checkable intent signal.
func RegisterTools(r *tools.Registry, svc *Service) {
	registerLeafAdminTools(r, svc)
	registerAgentAdminTools(r, svc)
	registerAuditTools(r, svc)
}

// mutationFrom extracts the shared intent parameters. flag names the
// per-verb confirmation parameter, e.g. should_create.
func mutationFrom(args map[string]any, flag string) Mutation {
	reason, _ := args["reason"].(string)
	confirm, _ := args[flag].(bool)
	return Mutation{Actor: "tool", Reason: reason, Confirm: confirm}
}

// jsonText renders a read result as indented JSON.
func jsonText(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

// idList converts a JSON array argument to a string slice, dropping
// non-string elements.
func idList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// reasonParam and the should parameters appear on every mutating tool.
var reasonParam = map[string]any{
	"type":        "string",
	"description": "Why this change is being made; recorded verbatim in the audit log",
}

func confirmParam(verb string) map[string]any {
	return map[string]any{
		"type":        "boolean",
		"description": fmt.Sprintf("Must be true to confirm the %s; the call is rejected otherwise", verb),
	}
}

func registerLeafAdminTools(r *tools.Registry, svc *Service) {
	r.Register(&tools.Tool{
		Name:        "create_leaf_mcp",
		Description: "Register a new leaf MCP backend. The id must not be in use by any backend or agent. Requires a reason and should_create=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Unique id for the backend; immutable after creation",
				},
				"name": map[string]any{
					"type":        "string",
					"description": "Human-readable name",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "What this backend provides",
				},
				"transport": map[string]any{
					"type":        "string",
					"enum":        []string{"stdio", "https"},
					"description": "stdio for a local subprocess backend, https for a remote one",
				},
				"is_local": map[string]any{
					"type":        "boolean",
					"description": "True when the backend runs on the agent's own host and agents reach it directly",
				},
				"config": map[string]any{
					"type":        "object",
					"description": "Backend config: command/args/env for stdio, url/headers for https",
				},
				"reason":        reasonParam,
				"should_create": confirmParam("creation"),
			},
			"required": []string{"id", "transport", "reason", "should_create"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			transport, _ := args["transport"].(string)
			name, _ := args["name"].(string)
			desc, _ := args["description"].(string)
			isLocal, _ := args["is_local"].(bool)
			cfg, _ := args["config"].(map[string]any)
			leaf := registry.Leaf{
				ID:          id,
				Name:        name,
				Description: desc,
				Transport:   registry.Transport(transport),
				IsLocal:     isLocal,
				Config:      cfg,
			}
			created, err := svc.CreateLeaf(mutationFrom(args, "should_create"), leaf)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("leaf mcp %q created", created.ID), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "read_leaf_mcp",
		Description: "Read one leaf MCP backend record, including its stored config.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "description": "Backend id"},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			leaf, err := svc.Leaf(id)
			if err != nil {
				return "", err
			}
			return jsonText(leaf)
		},
	})

	r.Register(&tools.Tool{
		Name:        "update_leaf_mcp",
		Description: "Merge the given keys into a leaf MCP's config document. Keys not listed keep their stored value. Requires a reason and should_update=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "description": "Backend id"},
				"config": map[string]any{
					"type":        "object",
					"description": "Top-level config keys to replace",
				},
				"reason":        reasonParam,
				"should_update": confirmParam("update"),
			},
			"required": []string{"id", "config", "reason", "should_update"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			cfg, ok := args["config"].(map[string]any)
			if !ok {
				return "", fmt.Errorf("config must be an object")
			}
			updated, err := svc.UpdateLeaf(mutationFrom(args, "should_update"), id, cfg)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("leaf mcp %q updated", updated.ID), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "delete_leaf_mcp",
		Description: "Delete a leaf MCP backend and remove its id from every agent's allow-list. Requires a reason and should_delete_mcp=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":                map[string]any{"type": "string", "description": "Backend id"},
				"reason":            reasonParam,
				"should_delete_mcp": confirmParam("deletion"),
			},
			"required": []string{"id", "reason", "should_delete_mcp"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			if err := svc.DeleteLeaf(mutationFrom(args, "should_delete_mcp"), id); err != nil {
				return "", err
			}
			return fmt.Sprintf("leaf mcp %q deleted", id), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "read_leaf_mcp_tools",
		Description: "List the tools a leaf MCP backend currently serves, fetched live over its transport.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "description": "Backend id"},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			defs, err := svc.LeafTools(ctx, id)
			if err != nil {
				return "", err
			}
			return jsonText(defs)
		},
	})

	r.Register(&tools.Tool{
		Name:        "list_leaf_mcps",
		Description: "List all registered leaf MCP backends.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return jsonText(svc.Leaves())
		},
	})
}

func registerAgentAdminTools(r *tools.Registry, svc *Service) {
	r.Register(&tools.Tool{
		Name:        "create_agent",
		Description: "Register a new agent. Every id on its allow-list must already exist. Requires a reason and should_create=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Unique id for the agent; immutable after creation",
				},
				"name": map[string]any{
					"type":        "string",
					"description": "Human-readable name",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "What this agent does",
				},
				"allowed_mcp_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "MCP ids this agent may use; may include other agent ids",
				},
				"reason":        reasonParam,
				"should_create": confirmParam("creation"),
			},
			"required": []string{"agent_id", "reason", "should_create"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["agent_id"].(string)
			name, _ := args["name"].(string)
			desc, _ := args["description"].(string)
			cfg, _ := args["config"].(map[string]any)
			a := registry.Agent{
				ID:            id,
				Name:          name,
				Description:   desc,
				AllowedMCPIDs: idList(args["allowed_mcp_ids"]),
				Config:        cfg,
			}
			created, err := svc.CreateAgent(mutationFrom(args, "should_create"), a)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("agent %q created", created.ID), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "read_agent",
		Description: "Read one agent record, including its allow-list and connection state.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{"type": "string", "description": "Agent id"},
			},
			"required": []string{"agent_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["agent_id"].(string)
			a, err := svc.Agent(id)
			if err != nil {
				return "", err
			}
			return jsonText(a)
		},
	})

	r.Register(&tools.Tool{
		Name:        "update_agent",
		Description: "Merge the given keys into an agent's config document. Allow-list changes go through add_agent_allowed_mcp and remove_agent_allowed_mcp instead. Requires a reason and should_update=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{"type": "string", "description": "Agent id"},
				"config": map[string]any{
					"type":        "object",
					"description": "Top-level config keys to replace",
				},
				"reason":        reasonParam,
				"should_update": confirmParam("update"),
			},
			"required": []string{"agent_id", "config", "reason", "should_update"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["agent_id"].(string)
			cfg, ok := args["config"].(map[string]any)
			if !ok {
				return "", fmt.Errorf("config must be an object")
			}
			updated, err := svc.UpdateAgent(mutationFrom(args, "should_update"), id, cfg)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("agent %q updated", updated.ID), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "delete_agent",
		Description: "Delete an agent and remove its id from every other agent's allow-list. Requires a reason and should_delete_mcp=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id":          map[string]any{"type": "string", "description": "Agent id"},
				"reason":            reasonParam,
				"should_delete_mcp": confirmParam("deletion"),
			},
			"required": []string{"agent_id", "reason", "should_delete_mcp"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["agent_id"].(string)
			if err := svc.DeleteAgent(mutationFrom(args, "should_delete_mcp"), id); err != nil {
				return "", err
			}
			return fmt.Sprintf("agent %q deleted", id), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "read_agent_tools",
		Description: "List the tools a connected agent currently serves, fetched live over its tunnel.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{"type": "string", "description": "Agent id"},
			},
			"required": []string{"agent_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["agent_id"].(string)
			defs, err := svc.AgentTools(ctx, id)
			if err != nil {
				return "", err
			}
			return jsonText(defs)
		},
	})

	r.Register(&tools.Tool{
		Name:        "add_agent_allowed_mcp",
		Description: "Grant an agent access to one MCP id. The id must exist and must not already be granted. Requires a reason and should_add_mcp_id=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id":          map[string]any{"type": "string", "description": "Agent id"},
				"mcp_id":            map[string]any{"type": "string", "description": "MCP id to grant"},
				"reason":            reasonParam,
				"should_add_mcp_id": confirmParam("grant"),
			},
			"required": []string{"agent_id", "mcp_id", "reason", "should_add_mcp_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			agentID, _ := args["agent_id"].(string)
			mcpID, _ := args["mcp_id"].(string)
			updated, err := svc.AddAllowed(mutationFrom(args, "should_add_mcp_id"), agentID, mcpID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("mcp %q allowed for agent %q", mcpID, updated.ID), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "remove_agent_allowed_mcp",
		Description: "Revoke an agent's access to one MCP id. Requires a reason and should_remove_mcp_id=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id":             map[string]any{"type": "string", "description": "Agent id"},
				"mcp_id":               map[string]any{"type": "string", "description": "MCP id to revoke"},
				"reason":               reasonParam,
				"should_remove_mcp_id": confirmParam("revocation"),
			},
			"required": []string{"agent_id", "mcp_id", "reason", "should_remove_mcp_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			agentID, _ := args["agent_id"].(string)
			mcpID, _ := args["mcp_id"].(string)
			updated, err := svc.RemoveAllowed(mutationFrom(args, "should_remove_mcp_id"), agentID, mcpID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("mcp %q no longer allowed for agent %q", mcpID, updated.ID), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "list_agents",
		Description: "List all registered agents with their connection state.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return jsonText(svc.Agents())
		},
	})
}

func registerAuditTools(r *tools.Registry, svc *Service) {
	r.Register(&tools.Tool{
		Name:        "read_audit_log",
		Description: "Read audit entries, newest first. Each entry records who changed what, why, and the before/after snapshots.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "Filter by action: create, update, delete, add_allowed_mcp, remove_allowed_mcp",
				},
				"target": map[string]any{
					"type":        "string",
					"description": "Filter by target, e.g. leaf_mcp:<id> or agent:<id>",
				},
				"actor": map[string]any{
					"type":        "string",
					"description": "Filter by actor",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum entries to return (default 100)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			q := audit.Query{}
			q.Action, _ = args["action"].(string)
			q.Target, _ = args["target"].(string)
			q.Actor, _ = args["actor"].(string)
			if n, ok := args["limit"].(float64); ok {
				q.Limit = int(n)
			}
			entries, err := svc.Audit(q)
			if err != nil {
				return "", err
			}
			return jsonText(entries)
		},
	})
}
