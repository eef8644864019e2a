package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mception/mception/internal/admin"
	"github.com/mception/mception/internal/agentcfg"
	"github.com/mception/mception/internal/audit"
	"github.com/mception/mception/internal/creds"
	"github.com/mception/mception/internal/mcp"
	"github.com/mception/mception/internal/registry"
	"github.com/mception/mception/internal/relay"
	"github.com/mception/mception/internal/tunnel"
	"github.com/mception/mception/internal/wire"
)

// memProvider keeps registry snapshots in memory.
type memProvider struct {
	mu   sync.Mutex
	snap *registry.Snapshot
}

func (m *memProvider) Load() (*registry.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone(), nil
}

func (m *memProvider) Save(s *registry.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s.Clone()
	return nil
}

func (m *memProvider) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap != nil
}

func (m *memProvider) Backup() (string, error) { return "mem-backup", nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHub is a fully wired hub served over httptest.
type testHub struct {
	ts      *httptest.Server
	svc     *admin.Service
	issuer  *creds.Issuer
	tunnels *tunnel.Manager
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	logger := discardLogger()

	reg, err := registry.Open(&memProvider{}, logger)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	trail, err := audit.NewStore(db)
	if err != nil {
		t.Fatalf("new audit store: %v", err)
	}

	issuer, err := creds.NewIssuer([]byte("test-secret-test-secret-test-sec"), time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	tunnels := tunnel.NewManager(tunnel.ManagerConfig{
		RequestTimeout: 2 * time.Second,
		Logger:         logger,
	})
	fwd := relay.New(relay.StoreResolver{Store: reg}, logger)
	svc := admin.New(reg, trail, fwd, tunnels, nil, logger)
	configs := agentcfg.New(reg, issuer, "http://hub.local", logger)

	srv := NewServer(Config{
		Admin:   svc,
		Tunnels: tunnels,
		Relay:   fwd,
		Configs: configs,
		Issuer:  issuer,
		Logger:  logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		tunnels.CloseAll("test over")
		fwd.Close()
	})

	return &testHub{ts: ts, svc: svc, issuer: issuer, tunnels: tunnels}
}

// do sends one request against the hub and returns the response with
// its body drained.
func (h *testHub) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode response %s: %v", data, err)
	}
}

func errorKind(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	decodeInto(t, data, &body)
	return body.Error.Kind
}

func mustCreateLeaf(t *testing.T, h *testHub, leaf registry.Leaf) {
	t.Helper()
	if _, err := h.svc.CreateLeaf(testMutation(), leaf); err != nil {
		t.Fatalf("create leaf %s: %v", leaf.ID, err)
	}
}

func mustCreateAgent(t *testing.T, h *testHub, a registry.Agent) {
	t.Helper()
	if _, err := h.svc.CreateAgent(testMutation(), a); err != nil {
		t.Fatalf("create agent %s: %v", a.ID, err)
	}
}

func testMutation() admin.Mutation {
	return admin.Mutation{Actor: "test", Reason: "test setup", Confirm: true}
}

func TestLeafLifecycleOverHTTP(t *testing.T) {
	h := newTestHub(t)

	resp, data := h.do(t, http.MethodPost, "/admin/leaf", map[string]any{
		"id":        "db-tools",
		"name":      "Database tools",
		"transport": "stdio",
		"is_local":  true,
		"config":    map[string]any{"command": "db-mcp", "args": []string{"--readonly"}},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, data)
	}
	var created registry.Leaf
	decodeInto(t, data, &created)
	if created.ID != "db-tools" || created.Transport != registry.TransportStdio {
		t.Errorf("created leaf = %+v", created)
	}

	resp, data = h.do(t, http.MethodGet, "/admin/leaf", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Leaves []registry.Leaf `json:"leaf_mcps"`
		Count  int             `json:"count"`
	}
	decodeInto(t, data, &list)
	if list.Count != 1 || len(list.Leaves) != 1 {
		t.Fatalf("list = %+v", list)
	}

	resp, data = h.do(t, http.MethodGet, "/admin/leaf/db-tools/config", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config get status = %d", resp.StatusCode)
	}
	var cfg map[string]any
	decodeInto(t, data, &cfg)
	if cfg["command"] != "db-mcp" {
		t.Errorf("config = %v", cfg)
	}

	resp, data = h.do(t, http.MethodPut, "/admin/leaf/db-tools/config", map[string]any{
		"config": map[string]any{"command": "db-mcp-v2"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config put status = %d, body %s", resp.StatusCode, data)
	}
	var updated registry.Leaf
	decodeInto(t, data, &updated)
	if updated.Config["command"] != "db-mcp-v2" {
		t.Errorf("updated command = %v", updated.Config["command"])
	}
	if _, ok := updated.Config["args"]; !ok {
		t.Errorf("update dropped untouched config keys: %v", updated.Config)
	}

	resp, _ = h.do(t, http.MethodDelete, "/admin/leaf/db-tools", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, data = h.do(t, http.MethodGet, "/admin/leaf/db-tools/config", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
	if kind := errorKind(t, data); kind != "not_found" {
		t.Errorf("error kind = %q", kind)
	}
}

func TestMutationHeadersFlowIntoAuditTrail(t *testing.T) {
	h := newTestHub(t)

	resp, data := h.do(t, http.MethodPost, "/admin/leaf", map[string]any{
		"id":        "kb",
		"transport": "https",
		"config":    map[string]any{"url": "https://kb.internal/mcp"},
	}, map[string]string{
		"X-Mception-Actor":  "carol",
		"X-Mception-Reason": "rolling out the knowledge base",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, data)
	}

	// A mutation without intent headers still audits: the request line
	// stands in for the reason and the actor defaults.
	resp, data = h.do(t, http.MethodPost, "/admin/agent", map[string]any{
		"agent_id": "worker",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("agent create status = %d, body %s", resp.StatusCode, data)
	}

	resp, data = h.do(t, http.MethodGet, "/admin/audit", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", resp.StatusCode)
	}
	var trail struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	decodeInto(t, data, &trail)
	if trail.Count != 2 {
		t.Fatalf("audit count = %d, entries %+v", trail.Count, trail.Entries)
	}

	byTarget := map[string]audit.Entry{}
	for _, e := range trail.Entries {
		byTarget[e.Target] = e
	}
	leaf := byTarget["kb"]
	if leaf.Actor != "carol" || leaf.Reason != "rolling out the knowledge base" {
		t.Errorf("leaf entry = %+v", leaf)
	}
	agent := byTarget["agent:worker"]
	if agent.Actor != "admin" {
		t.Errorf("default actor = %q", agent.Actor)
	}
	if agent.Reason != "POST /admin/agent" {
		t.Errorf("fallback reason = %q", agent.Reason)
	}

	resp, data = h.do(t, http.MethodGet, "/admin/audit?actor=carol", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered audit status = %d", resp.StatusCode)
	}
	decodeInto(t, data, &trail)
	if trail.Count != 1 || trail.Entries[0].Target != "kb" {
		t.Errorf("actor filter returned %+v", trail.Entries)
	}
}

func TestValidationErrorsMapToBadRequest(t *testing.T) {
	h := newTestHub(t)

	resp, data := h.do(t, http.MethodPost, "/admin/leaf", map[string]any{
		"id":        "bad",
		"transport": "carrier-pigeon",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid transport status = %d, body %s", resp.StatusCode, data)
	}
	if kind := errorKind(t, data); kind != "validation_error" {
		t.Errorf("error kind = %q", kind)
	}

	resp, _ = h.do(t, http.MethodPut, "/admin/leaf/ghost/config", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing config status = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/admin/agent/ghost/allowed_mcps", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing mcp_id status = %d", resp.StatusCode)
	}
}

func TestAgentAllowListOverHTTP(t *testing.T) {
	h := newTestHub(t)
	mustCreateLeaf(t, h, registry.Leaf{
		ID:        "kb",
		Transport: registry.TransportHTTPS,
		Config:    map[string]any{"url": "https://kb.internal/mcp"},
	})

	resp, data := h.do(t, http.MethodPost, "/admin/agent", map[string]any{
		"agent_id": "worker",
		"name":     "Worker",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status = %d, body %s", resp.StatusCode, data)
	}

	resp, data = h.do(t, http.MethodPost, "/admin/agent/worker/allowed_mcps", map[string]any{
		"mcp_id": "kb",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allow status = %d, body %s", resp.StatusCode, data)
	}
	var a registry.Agent
	decodeInto(t, data, &a)
	if !a.Allows("kb") {
		t.Fatalf("allow-list after add = %v", a.AllowedMCPIDs)
	}

	resp, data = h.do(t, http.MethodDelete, "/admin/agent/worker/allowed_mcps", map[string]any{
		"mcp_id": "kb",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &a)
	if a.Allows("kb") {
		t.Fatalf("allow-list after remove = %v", a.AllowedMCPIDs)
	}
}

func TestAgentConfigPullRequiresTunnelToken(t *testing.T) {
	h := newTestHub(t)
	mustCreateLeaf(t, h, registry.Leaf{
		ID:        "remote-kb",
		Transport: registry.TransportHTTPS,
		Config:    map[string]any{"url": "https://kb.internal/mcp"},
	})
	mustCreateAgent(t, h, registry.Agent{ID: "w1", AllowedMCPIDs: []string{"remote-kb"}})

	resp, _ := h.do(t, http.MethodGet, "/agent/w1/config", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}

	other, err := h.issuer.MintTunnel("w2", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	resp, _ = h.do(t, http.MethodGet, "/agent/w1/config", nil, map[string]string{
		"Authorization": "Bearer " + other,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong agent token status = %d", resp.StatusCode)
	}

	tok, err := h.issuer.MintTunnel("w1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	resp, data := h.do(t, http.MethodGet, "/agent/w1/config", nil, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config pull status = %d, body %s", resp.StatusCode, data)
	}

	var doc agentcfg.Document
	decodeInto(t, data, &doc)
	if doc.AgentID != "w1" {
		t.Errorf("agent id = %q", doc.AgentID)
	}
	entry, ok := doc.MCPs["remote-kb"]
	if !ok {
		t.Fatalf("document mcps = %v", doc.MCPs)
	}
	if url, _ := entry.Config["url"].(string); url != "http://hub.local/leaf/remote-kb/forwarding" {
		t.Errorf("forward url = %q", url)
	}
}

func TestLeafForwardingRoundTrip(t *testing.T) {
	h := newTestHub(t)

	var backendSaw http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendSaw = r.Header.Clone()
		if r.Method != http.MethodPost {
			t.Errorf("backend got method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer backend.Close()

	mustCreateLeaf(t, h, registry.Leaf{
		ID:        "remote-kb",
		Transport: registry.TransportHTTPS,
		Config:    map[string]any{"url": backend.URL},
	})

	rpc := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}

	resp, data := h.do(t, http.MethodPost, "/leaf/remote-kb/forwarding", rpc, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, body %s", resp.StatusCode, data)
	}

	wrongLeaf, err := h.issuer.MintForward("w1", "another-leaf")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	resp, _ = h.do(t, http.MethodPost, "/leaf/remote-kb/forwarding", rpc, map[string]string{
		"Authorization": "Bearer " + wrongLeaf,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong leaf token status = %d", resp.StatusCode)
	}

	tok, err := h.issuer.MintForward("w1", "remote-kb")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	resp, data = h.do(t, http.MethodPost, "/leaf/remote-kb/forwarding", rpc, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forward status = %d, body %s", resp.StatusCode, data)
	}
	var out mcp.Response
	decodeInto(t, data, &out)
	if out.Error != nil || len(out.Result) == 0 {
		t.Errorf("forwarded response = %s", data)
	}
	if got := backendSaw.Get("Authorization"); got != "" {
		t.Errorf("forwarding token leaked to backend: %q", got)
	}
}

func TestAgentForwardingWithoutTunnelIsUnreachable(t *testing.T) {
	h := newTestHub(t)

	resp, data := h.do(t, http.MethodPost, "/agent/offline/forwarding", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	}, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	if kind := errorKind(t, data); kind != "unreachable" {
		t.Errorf("error kind = %q", kind)
	}
}

func TestTunnelOpenAuthAndAgentCheck(t *testing.T) {
	h := newTestHub(t)
	mustCreateAgent(t, h, registry.Agent{ID: "w1"})

	resp, _ := h.do(t, http.MethodGet, "/agent/w1/tunnel", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}

	ghost, err := h.issuer.MintTunnel("ghost", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	resp, _ = h.do(t, http.MethodGet, "/agent/ghost/tunnel", nil, map[string]string{
		"Authorization": "Bearer " + ghost,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unregistered agent status = %d", resp.StatusCode)
	}
}

// TestTunnelRoundTrip drives the full path: a tunnel client attaches
// with its token, the hub forwards an HTTP request over the socket,
// and the admin tools listing for the agent travels the same way.
func TestTunnelRoundTrip(t *testing.T) {
	h := newTestHub(t)
	mustCreateAgent(t, h, registry.Agent{ID: "w1"})

	tok, err := h.issuer.MintTunnel("w1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	handler := func(ctx context.Context, req wire.Request) wire.Response {
		var rpc mcp.Request
		if err := json.Unmarshal(req.Body, &rpc); err == nil && rpc.Method == "tools/list" {
			body, _ := json.Marshal(mcp.Response{
				JSONRPC: "2.0",
				ID:      rpc.ID,
				Result:  json.RawMessage(`{"tools":[{"name":"echo","description":"echoes text","inputSchema":{"type":"object"}}]}`),
			})
			return wire.Response{
				StatusCode: http.StatusOK,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       body,
			}
		}
		return wire.Response{StatusCode: http.StatusOK, Body: req.Body}
	}

	client, err := tunnel.NewClient(tunnel.ClientConfig{
		HubURL:  h.ts.URL,
		AgentID: "w1",
		Token:   tok,
		Handler: handler,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	waitConnected(t, h.tunnels, "w1")

	payload := map[string]any{"jsonrpc": "2.0", "id": 7, "method": "ping"}
	resp, data := h.do(t, http.MethodPost, "/agent/w1/forwarding", payload, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forward status = %d, body %s", resp.StatusCode, data)
	}
	var echoed map[string]any
	decodeInto(t, data, &echoed)
	if echoed["method"] != "ping" {
		t.Errorf("echoed body = %s", data)
	}

	resp, data = h.do(t, http.MethodGet, "/admin/agent/w1/tools", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agent tools status = %d, body %s", resp.StatusCode, data)
	}
	var tools struct {
		Tools []mcp.ToolDefinition `json:"tools"`
		Count int                  `json:"count"`
	}
	decodeInto(t, data, &tools)
	if tools.Count != 1 || tools.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools)
	}

	resp, data = h.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health struct {
		Status    string `json:"status"`
		Connected int    `json:"connected_agents"`
	}
	decodeInto(t, data, &health)
	if health.Status != "healthy" || health.Connected != 1 {
		t.Errorf("health = %+v", health)
	}
}

func waitConnected(t *testing.T, m *tunnel.Manager, agentID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Connected(agentID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent %q never attached its tunnel", agentID)
}

func TestConfigExportAndBackup(t *testing.T) {
	h := newTestHub(t)
	mustCreateLeaf(t, h, registry.Leaf{
		ID:        "kb",
		Transport: registry.TransportHTTPS,
		Config:    map[string]any{"url": "https://kb.internal/mcp"},
	})

	resp, data := h.do(t, http.MethodGet, "/admin/config", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	var snap registry.Snapshot
	decodeInto(t, data, &snap)
	if _, ok := snap.Leaves["kb"]; !ok {
		t.Errorf("export leaves = %v", snap.Leaves)
	}

	resp, data = h.do(t, http.MethodPost, "/admin/config/backup", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("backup status = %d, body %s", resp.StatusCode, data)
	}
	var backup map[string]string
	decodeInto(t, data, &backup)
	if backup["status"] != "ok" || backup["path"] != "mem-backup" {
		t.Errorf("backup = %v", backup)
	}
}

func TestRootAndVersion(t *testing.T) {
	h := newTestHub(t)

	resp, data := h.do(t, http.MethodGet, "/", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("root status = %d", resp.StatusCode)
	}
	var root map[string]string
	decodeInto(t, data, &root)
	if root["name"] != "mception" {
		t.Errorf("root = %v", root)
	}

	resp, data = h.do(t, http.MethodGet, "/version", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("version status = %d", resp.StatusCode)
	}
	var info map[string]string
	decodeInto(t, data, &info)
	if info["version"] == "" {
		t.Errorf("version info = %v", info)
	}
}
