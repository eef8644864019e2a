// Package agent runs the worker daemon that fronts a set of MCP
// backends behind one tunnel to the hub. On startup it pulls its
// materialized configuration, connects each leaf backend through an
// MCP client, and serves the aggregated tool surface to whoever calls
// it through the hub. The configuration is re-pulled periodically so
// registry changes reach running workers without a restart.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mception/mception/internal/agentcfg"
	"github.com/mception/mception/internal/buildinfo"
	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/httpkit"
	"github.com/mception/mception/internal/mcp"
	"github.com/mception/mception/internal/registry"
	"github.com/mception/mception/internal/relay"
	"github.com/mception/mception/internal/tools"
	"github.com/mception/mception/internal/tunnel"
	"github.com/mception/mception/internal/wire"
)

const (
	// DefaultRefreshInterval spaces configuration re-pulls.
	DefaultRefreshInterval = 5 * time.Minute

	// DefaultRequestTimeout bounds backend calls and config pulls.
	DefaultRequestTimeout = 30 * time.Second
)

// Config configures a Worker.
type Config struct {
	// HubURL is the hub's public base address.
	HubURL string

	// AgentID names this worker's registry record.
	AgentID string

	// Token is the tunnel credential presented to the hub.
	Token string

	// RefreshInterval spaces configuration re-pulls. Zero means
	// DefaultRefreshInterval.
	RefreshInterval time.Duration

	// RequestTimeout bounds individual backend calls and config pulls.
	// Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Worker keeps one agent's tunnel, backends, and tool surface alive.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Client
	tunnel *tunnel.Client

	mu       sync.Mutex
	backends map[string]*backend
	surface  *surface
}

// backend is one connected MCP from the pulled configuration.
type backend struct {
	id     string
	fp     string // entry fingerprint, for change detection across pulls
	client *mcp.Client
	err    error // last connect failure; retried on the next refresh
}

// New builds a Worker from cfg. The tunnel is not dialed until Run.
func New(cfg Config) (*Worker, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With("agent", cfg.AgentID),
		http: httpkit.NewClient(
			httpkit.WithLogger(cfg.Logger),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithUserAgent("mception-agent/"+buildinfo.Version),
		),
		backends: make(map[string]*backend),
	}

	tc, err := tunnel.NewClient(tunnel.ClientConfig{
		HubURL:         cfg.HubURL,
		AgentID:        cfg.AgentID,
		Token:          cfg.Token,
		Handler:        w.handleInbound,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	w.tunnel = tc
	return w, nil
}

// Run pulls the initial configuration, then serves the tunnel until
// ctx is canceled, re-pulling on the refresh interval. Backends are
// torn down on return.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeBackends()

	doc, err := w.pullUntil(ctx)
	if err != nil {
		return err
	}
	w.apply(ctx, doc)

	go w.refreshLoop(ctx)
	return w.tunnel.Run(ctx)
}

// Connected reports whether the tunnel to the hub is up.
func (w *Worker) Connected() bool { return w.tunnel.Connected() }

// Send forwards one request up the tunnel to another MCP on this
// worker's allow-list. The hub resolves the target and enforces the
// allow-list; peer agents are reached this way rather than through the
// local surface.
func (w *Worker) Send(ctx context.Context, target string, body []byte) (wire.Response, error) {
	return w.tunnel.Send(ctx, wire.Request{
		URLParams: "target=" + url.QueryEscape(target),
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      body,
	})
}

// pullUntil retries the configuration pull until it succeeds or ctx
// ends. The hub may simply not be up yet; the worker outwaits it on
// the tunnel's redial schedule.
func (w *Worker) pullUntil(ctx context.Context) (*agentcfg.Document, error) {
	backoff := tunnel.DefaultBackoff()
	var delay time.Duration
	for {
		doc, err := w.pull(ctx)
		if err == nil {
			return doc, nil
		}
		delay = backoff.Next(delay)
		w.logger.Warn("config pull failed", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// pull fetches this worker's materialized configuration from the hub.
func (w *Worker) pull(ctx context.Context) (*agentcfg.Document, error) {
	endpoint := strings.TrimRight(w.cfg.HubURL, "/") + "/agent/" + w.cfg.AgentID + "/config"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull config: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("hub returned %s: %s", resp.Status, msg)
	}
	defer resp.Body.Close()

	var doc agentcfg.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode config document: %w", err)
	}
	return &doc, nil
}

// refreshLoop re-pulls configuration until ctx ends. A failed pull
// keeps the previous configuration running untouched.
func (w *Worker) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			doc, err := w.pull(ctx)
			if err != nil {
				w.logger.Warn("config refresh failed", "error", err)
				continue
			}
			w.apply(ctx, doc)
		}
	}
}

// apply connects the backends doc names and swaps in a rebuilt tool
// surface. Unchanged healthy backends carry over; changed ones are
// reconnected and their old clients closed after the swap so in-flight
// calls drain against the old surface. Peer agents on the allow-list
// are not connected here: they are called on demand through the hub,
// and surfacing their tools would let two agents that allow each other
// list forever.
func (w *Worker) apply(ctx context.Context, doc *agentcfg.Document) {
	w.mu.Lock()
	old := w.backends
	w.mu.Unlock()

	next := make(map[string]*backend, len(doc.MCPs))
	for id, entry := range doc.MCPs {
		if entry.Kind == registry.KindAgent {
			continue
		}
		fp := fingerprint(entry)
		if b, ok := old[id]; ok && b.fp == fp && b.err == nil && w.alive(ctx, b) {
			next[id] = b
			continue
		}
		next[id] = w.connect(ctx, id, entry, fp)
	}

	reg := tools.NewEmptyRegistry()
	healthy := 0
	for _, id := range sortedIDs(next) {
		b := next[id]
		if b.err != nil {
			continue
		}
		include, exclude := toolFilters(doc.MCPs[id].Config)
		if _, err := mcp.BridgeTools(ctx, b.client, id, reg, include, exclude, w.logger); err != nil {
			w.logger.Warn("list backend tools", "mcp", id, "error", err)
			b.err = err
			continue
		}
		healthy++
	}
	s := newSurface(w.cfg.AgentID, reg)

	w.mu.Lock()
	w.backends = next
	w.surface = s
	w.mu.Unlock()

	for id, b := range old {
		if next[id] != b && b.client != nil {
			b.client.Close()
		}
	}

	w.logger.Info("configuration applied",
		"version", doc.Meta.Version,
		"backends", len(next),
		"healthy", healthy,
		"tools", len(s.defs),
	)
}

// alive pings a backend held over from the previous refresh. A died
// subprocess or unreachable server fails the ping and the backend is
// reconnected instead of reused.
func (w *Worker) alive(ctx context.Context, b *backend) bool {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.client.Ping(pctx); err != nil {
		w.logger.Warn("backend ping failed", "mcp", b.id, "error", err)
		return false
	}
	return true
}

// connect builds and initializes the MCP client for one entry.
func (w *Worker) connect(ctx context.Context, id string, e agentcfg.Entry, fp string) *backend {
	tr, err := w.transportFor(id, e)
	if err != nil {
		w.logger.Warn("backend not connectable", "mcp", id, "error", err)
		return &backend{id: id, fp: fp, err: err}
	}

	client := mcp.NewClient(id, tr, w.logger)
	cctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	if err := client.Initialize(cctx); err != nil {
		client.Close()
		w.logger.Warn("backend initialize failed", "mcp", id, "error", err)
		return &backend{id: id, fp: fp, err: err}
	}
	return &backend{id: id, fp: fp, client: client}
}

// transportFor picks the transport for a materialized entry. Entries
// the hub rewrote for forwarding arrive as plain https configs pointing
// at the hub, so they need no special case.
func (w *Worker) transportFor(id string, e agentcfg.Entry) (mcp.Transport, error) {
	b := relay.BackendFromConfig(id, e.Transport, e.Config)
	logger := w.logger.With("mcp", id)
	switch e.Transport {
	case registry.TransportStdio:
		if b.Command == "" {
			return nil, fmt.Errorf("no command configured")
		}
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: b.Command,
			Args:    b.Args,
			Env:     b.Env,
			Logger:  logger,
		}), nil
	case registry.TransportHTTPS:
		if b.URL == "" {
			return nil, fmt.Errorf("no url configured")
		}
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     b.URL,
			Headers: b.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", e.Transport)
	}
}

// handleInbound serves one request arriving over the tunnel. Everything
// addressed to this worker is answered by its own tool surface; the hub
// routes by target before a request ever reaches us, so a foreign
// target here is a routing fault, not something to forward onward.
func (w *Worker) handleInbound(ctx context.Context, req wire.Request) wire.Response {
	if t := req.Target(); t != "" && t != w.cfg.AgentID {
		return wire.ErrorResponse(http.StatusNotFound, string(errs.KindNotFound),
			fmt.Sprintf("request for %q reached agent %q", t, w.cfg.AgentID))
	}

	w.mu.Lock()
	s := w.surface
	w.mu.Unlock()
	if s == nil {
		return wire.ErrorResponse(http.StatusServiceUnavailable, string(errs.KindUnreachable),
			"configuration not yet loaded")
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	return s.serve(ctx, req.Body)
}

func (w *Worker) closeBackends() {
	w.mu.Lock()
	backends := w.backends
	w.backends = make(map[string]*backend)
	w.surface = nil
	w.mu.Unlock()

	for _, b := range backends {
		if b.client != nil {
			b.client.Close()
		}
	}
}

// toolFilters extracts the optional tool_include and tool_exclude
// lists from an entry's config. The hub passes backend config through
// opaquely; only the worker reads these keys.
func toolFilters(cfg map[string]any) (include, exclude []string) {
	return stringList(cfg[registry.ConfigToolInclude]), stringList(cfg[registry.ConfigToolExclude])
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// fingerprint derives a stable identity for an entry so refreshes only
// reconnect backends whose configuration actually changed.
func fingerprint(e agentcfg.Entry) string {
	b, _ := json.Marshal(e)
	return string(b)
}

func sortedIDs(m map[string]*backend) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
