package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mception/mception/internal/buildinfo"
	"github.com/mception/mception/internal/mcp"
	"github.com/mception/mception/internal/tools"
	"github.com/mception/mception/internal/wire"
)

// surface is the MCP server face a worker presents to its callers: the
// union of its backends' tools under namespaced names. A surface is
// immutable once built; refreshes swap in a whole new one.
type surface struct {
	name     string
	registry *tools.Registry
	defs     []mcp.ToolDefinition
}

func newSurface(name string, reg *tools.Registry) *surface {
	names := reg.Names()
	defs := make([]mcp.ToolDefinition, 0, len(names))
	for _, n := range names {
		t := reg.Get(n)
		defs = append(defs, mcp.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return &surface{name: name, registry: reg, defs: defs}
}

// rpcMessage is one inbound JSON-RPC message. The id is kept raw and
// echoed verbatim: callers may use numbers or strings.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// serve answers one JSON-RPC message against the surface. Notifications
// are acknowledged with 202 and no body; JSON-RPC level errors still
// ride a 200, carried by the protocol itself.
func (s *surface) serve(ctx context.Context, body []byte) wire.Response {
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return rpcError(nil, mcp.CodeParseError, "parse error")
	}
	if msg.JSONRPC != "2.0" || msg.Method == "" {
		return rpcError(msg.ID, mcp.CodeInvalidRequest, "invalid request")
	}

	if len(msg.ID) == 0 || string(msg.ID) == "null" {
		// A notification; notifications/initialized is the only one
		// expected. All are acknowledged without effect.
		return wire.Response{StatusCode: http.StatusAccepted}
	}

	switch msg.Method {
	case "initialize":
		return rpcResult(msg.ID, map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    s.name,
				"version": buildinfo.Version,
			},
		})
	case "ping":
		return rpcResult(msg.ID, map[string]any{})
	case "tools/list":
		return rpcResult(msg.ID, map[string]any{"tools": s.defs})
	case "tools/call":
		return s.callTool(ctx, msg)
	default:
		return rpcError(msg.ID, mcp.CodeMethodNotFound, fmt.Sprintf("method %q not found", msg.Method))
	}
}

// callTool dispatches tools/call to the owning backend through the
// bridged handler. Tool execution failures travel as isError results;
// only malformed requests become protocol errors.
func (s *surface) callTool(ctx context.Context, msg rpcMessage) wire.Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return rpcError(msg.ID, mcp.CodeInvalidParams, "tools/call requires a tool name")
	}

	tool := s.registry.Get(params.Name)
	if tool == nil {
		return rpcError(msg.ID, mcp.CodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}

	out, err := tool.Handler(ctx, params.Arguments)
	if err != nil {
		return rpcResult(msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		})
	}
	return rpcResult(msg.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": out}},
	})
}

func rpcResult(id json.RawMessage, result any) wire.Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	return wire.Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func rpcError(id json.RawMessage, code int, message string) wire.Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   &mcp.RPCError{Code: code, Message: message},
	})
	return wire.Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}
