package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/registry"
	"github.com/mception/mception/internal/wire"
)

func TestForwardHTTPSVerbatimRelay(t *testing.T) {
	rpcBody := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer real-secret" {
			t.Errorf("Authorization = %q, want stored credential", got)
		}
		if r.URL.Query().Has("target") {
			t.Error("routing param 'target' leaked to the backend")
		}
		if got := r.URL.Query().Get("v"); got != "2" {
			t.Errorf("query v = %q, want 2", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != rpcBody {
			t.Errorf("body = %q, want %q", body, rpcBody)
		}
		w.Header().Set("X-Backend", "on")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("teapot says no"))
	}))
	defer backend.Close()

	f := New(StaticResolver{
		"docs": {
			ID:        "docs",
			Transport: registry.TransportHTTPS,
			URL:       backend.URL,
			Headers:   map[string]string{"Authorization": "Bearer real-secret"},
		},
	}, slog.Default())
	defer f.Close()

	resp, err := f.Forward(context.Background(), "docs", wire.Request{
		URLParams: "?target=docs&v=2",
		Headers:   map[string]string{"Authorization": "Bearer forwarded-token"},
		Body:      []byte(rpcBody),
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	if resp.Headers["X-Backend"] != "on" {
		t.Errorf("X-Backend header = %q, want on", resp.Headers["X-Backend"])
	}
	if _, ok := resp.Headers["Content-Length"]; ok {
		t.Error("stale Content-Length relayed")
	}
	if got := string(resp.Body); got != "teapot says no" {
		t.Errorf("body = %q, want teapot says no", got)
	}
}

func TestForwardHTTPSBackendDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	f := New(StaticResolver{
		"docs": {ID: "docs", Transport: registry.TransportHTTPS, URL: url},
	}, slog.Default())
	defer f.Close()

	_, err := f.Forward(context.Background(), "docs", wire.Request{Body: []byte("{}")})
	if !errs.Is(err, errs.KindBackend) {
		t.Errorf("error kind = %v, want backend_error", errs.KindOf(err))
	}
}

func TestForwardStdioExchange(t *testing.T) {
	f := New(StaticResolver{
		"local": {ID: "local", Transport: registry.TransportStdio, Command: "cat"},
	}, slog.Default())
	defer f.Close()

	body := []byte(`{"jsonrpc":"2.0","id":44,"method":"tools/list"}`)
	resp, err := f.Forward(context.Background(), "local", wire.Request{Body: body})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Headers["Content-Type"]; ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if string(resp.Body) != string(body) {
		t.Errorf("body = %q, want the echoed request", resp.Body)
	}
}

func TestForwardStdioNotification(t *testing.T) {
	f := New(StaticResolver{
		"local": {ID: "local", Transport: registry.TransportStdio, Command: "cat"},
	}, slog.Default())
	defer f.Close()

	resp, err := f.Forward(context.Background(), "local", wire.Request{
		Body: []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`),
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if resp.Body != nil {
		t.Errorf("body = %q, want none", resp.Body)
	}
}

func TestForwardStdioReusesBridge(t *testing.T) {
	f := New(StaticResolver{
		"local": {ID: "local", Transport: registry.TransportStdio, Command: "cat"},
	}, slog.Default())
	defer f.Close()

	for i := 1; i <= 2; i++ {
		req := wire.Request{Body: []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i))}
		if _, err := f.Forward(context.Background(), "local", req); err != nil {
			t.Fatalf("Forward %d: %v", i, err)
		}
	}

	f.mu.Lock()
	n := len(f.bridges)
	f.mu.Unlock()
	if n != 1 {
		t.Errorf("bridge count = %d, want 1", n)
	}
}

func TestForwardStdioTimeout(t *testing.T) {
	f := New(StaticResolver{
		"slow": {ID: "slow", Transport: registry.TransportStdio, Command: "sh", Args: []string{"-c", "read -r line; sleep 10"}},
	}, slog.Default())
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.Forward(ctx, "slow", wire.Request{Body: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)})
	if !errs.Is(err, errs.KindTimeout) {
		t.Errorf("error kind = %v, want timeout", errs.KindOf(err))
	}
}

func TestForwardUnknownBackend(t *testing.T) {
	f := New(StaticResolver{}, slog.Default())
	defer f.Close()

	_, err := f.Forward(context.Background(), "ghost", wire.Request{})
	if !errs.Is(err, errs.KindNotFound) {
		t.Errorf("error kind = %v, want not_found", errs.KindOf(err))
	}
}

func TestForwardStdioMissingCommand(t *testing.T) {
	f := New(StaticResolver{
		"broken": {ID: "broken", Transport: registry.TransportStdio},
	}, slog.Default())
	defer f.Close()

	_, err := f.Forward(context.Background(), "broken", wire.Request{})
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("error kind = %v, want validation_error", errs.KindOf(err))
	}
}

func TestInvalidateDiscardsBridge(t *testing.T) {
	f := New(StaticResolver{
		"local": {ID: "local", Transport: registry.TransportStdio, Command: "cat"},
	}, slog.Default())
	defer f.Close()

	req := wire.Request{Body: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)}
	if _, err := f.Forward(context.Background(), "local", req); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	f.mu.Lock()
	first := f.bridges["local"]
	f.mu.Unlock()

	f.Invalidate("local")

	f.mu.Lock()
	n := len(f.bridges)
	f.mu.Unlock()
	if n != 0 {
		t.Fatalf("bridge count after Invalidate = %d, want 0", n)
	}

	// A later forward spawns a fresh bridge.
	if _, err := f.Forward(context.Background(), "local", req); err != nil {
		t.Fatalf("Forward after Invalidate: %v", err)
	}
	f.mu.Lock()
	second := f.bridges["local"]
	f.mu.Unlock()
	if first == second {
		t.Error("bridge was not replaced after Invalidate")
	}
}

func writeRPCResult(w http.ResponseWriter, id int64, result any) {
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func TestToolsHTTPS(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		json.Unmarshal(body, &req)

		switch req.Method {
		case "initialize":
			writeRPCResult(w, req.ID, map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "fake-leaf", "version": "0.1"},
				"capabilities":    map[string]any{},
			})
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			writeRPCResult(w, req.ID, map[string]any{
				"tools": []map[string]any{
					{"name": "search_docs", "description": "Search", "inputSchema": map[string]any{"type": "object"}},
					{"name": "read_page", "description": "Read", "inputSchema": map[string]any{"type": "object"}},
				},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer backend.Close()

	f := New(StaticResolver{
		"docs": {ID: "docs", Transport: registry.TransportHTTPS, URL: backend.URL},
	}, slog.Default())
	defer f.Close()

	tools, err := f.Tools(context.Background(), "docs")
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "search_docs" {
		t.Errorf("tools[0] = %q, want search_docs", tools[0].Name)
	}
}

func TestToolsStdio(t *testing.T) {
	script := `while read -r line; do
  case "$line" in
    *notifications/initialized*) : ;;
    *initialize*) echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"s","version":"1"},"capabilities":{}}}' ;;
    *tools/list*) echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"run_query","description":"d","inputSchema":{"type":"object"}}]}}' ;;
  esac
done`

	f := New(StaticResolver{
		"db": {ID: "db", Transport: registry.TransportStdio, Command: "sh", Args: []string{"-c", script}},
	}, slog.Default())
	defer f.Close()

	tools, err := f.Tools(context.Background(), "db")
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "run_query" {
		t.Errorf("tools = %+v, want one tool run_query", tools)
	}
}

func TestBackendFromConfig(t *testing.T) {
	cfg := map[string]any{
		"command": "npx",
		"args":    []any{"-y", "some-mcp"},
		"env":     []any{"TOKEN=abc"},
		"url":     "https://mcp.example/rpc",
		"headers": map[string]any{"Authorization": "Bearer xyz"},
		"timeout": 30,
	}

	b := BackendFromConfig("x", registry.TransportStdio, cfg)
	if b.Command != "npx" {
		t.Errorf("Command = %q, want npx", b.Command)
	}
	if len(b.Args) != 2 || b.Args[1] != "some-mcp" {
		t.Errorf("Args = %v", b.Args)
	}
	if len(b.Env) != 1 || b.Env[0] != "TOKEN=abc" {
		t.Errorf("Env = %v", b.Env)
	}
	if b.URL != "https://mcp.example/rpc" {
		t.Errorf("URL = %q", b.URL)
	}
	if b.Headers["Authorization"] != "Bearer xyz" {
		t.Errorf("Headers = %v", b.Headers)
	}
}
