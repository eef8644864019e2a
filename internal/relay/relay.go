// Package relay bridges forwarded tool traffic to the transport each
// backend actually speaks: a reused subprocess bridge for stdio
// backends, a direct HTTP call with the stored credentials for https
// backends. One call in, one response out; correlation belongs to the
// caller's own protocol and passes through untouched.
package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/httpkit"
	"github.com/mception/mception/internal/mcp"
	"github.com/mception/mception/internal/registry"
	"github.com/mception/mception/internal/wire"
)

// maxRelayBody caps how much of a backend response is read.
const maxRelayBody = 10 << 20

// Backend describes how to reach one tool backend.
type Backend struct {
	ID        string
	Transport registry.Transport

	// stdio
	Command string
	Args    []string
	Env     []string

	// https
	URL     string
	Headers map[string]string
}

// BackendFromConfig extracts transport details from a stored config
// document. Unknown keys are ignored; missing keys surface later as
// validation errors at forward time.
func BackendFromConfig(id string, transport registry.Transport, cfg map[string]any) Backend {
	b := Backend{ID: id, Transport: transport}
	b.Command, _ = cfg["command"].(string)
	b.Args = stringSlice(cfg["args"])
	b.Env = stringSlice(cfg["env"])
	b.URL, _ = cfg["url"].(string)
	b.Headers = stringMap(cfg["headers"])
	return b
}

// Resolver yields the transport details for a backend id.
type Resolver interface {
	ResolveBackend(id string) (Backend, error)
}

// StoreResolver resolves backends from the registry's leaf records.
type StoreResolver struct {
	Store *registry.Store
}

func (r StoreResolver) ResolveBackend(id string) (Backend, error) {
	leaf, err := r.Store.GetLeaf(id)
	if err != nil {
		return Backend{}, err
	}
	return BackendFromConfig(leaf.ID, leaf.Transport, leaf.Config), nil
}

// StaticResolver serves backends from a fixed map, keyed by id. Agents
// build one from their pulled configuration document.
type StaticResolver map[string]Backend

func (r StaticResolver) ResolveBackend(id string) (Backend, error) {
	b, ok := r[id]
	if !ok {
		return Backend{}, errs.NotFound("no backend %q", id)
	}
	return b, nil
}

// Forwarder carries forwarded requests to leaf backends. Stdio
// backends get one long-lived subprocess bridge each, reused across
// calls; https backends get a pooled HTTP client.
type Forwarder struct {
	resolver Resolver
	logger   *slog.Logger
	client   *http.Client

	mu      sync.Mutex
	bridges map[string]*mcp.StdioTransport
}

// New creates a Forwarder resolving backends through resolver.
func New(resolver Resolver, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		resolver: resolver,
		logger:   logger,
		// Forwarded requests pass through verbatim: no injected
		// User-Agent. The client timeout is a backstop only; the
		// per-request deadline arrives via ctx.
		client: httpkit.NewClient(
			httpkit.WithLogger(logger),
			httpkit.WithoutUserAgent(),
			httpkit.WithTimeout(2*time.Minute),
		),
		bridges: make(map[string]*mcp.StdioTransport),
	}
}

// Forward carries one request to the backend named by id and returns
// its response. Backend-level failures (an HTTP error status, a
// JSON-RPC error payload) travel inside the response verbatim; only
// transport-level failures become errors here.
func (f *Forwarder) Forward(ctx context.Context, id string, req wire.Request) (wire.Response, error) {
	backend, err := f.resolver.ResolveBackend(id)
	if err != nil {
		return wire.Response{}, err
	}

	switch backend.Transport {
	case registry.TransportStdio:
		return f.forwardStdio(ctx, backend, req)
	case registry.TransportHTTPS:
		return f.forwardHTTP(ctx, backend, req)
	default:
		return wire.Response{}, errs.Internal(nil, "leaf %q has unsupported transport %q", id, backend.Transport)
	}
}

func (f *Forwarder) forwardStdio(ctx context.Context, b Backend, req wire.Request) (wire.Response, error) {
	if b.Command == "" {
		return wire.Response{}, errs.Validation("leaf %q has no command configured", b.ID)
	}

	out, err := f.bridge(b).Exchange(ctx, req.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return wire.Response{}, errs.Timeout("leaf %q did not respond within the deadline", b.ID)
		}
		return wire.Response{}, errs.Backend(err, "forward to leaf %q", b.ID)
	}

	// A notification produces no response line.
	if out == nil {
		return wire.Response{StatusCode: http.StatusAccepted}, nil
	}
	return wire.Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       out,
	}, nil
}

// bridge returns the subprocess bridge for b, spawning one on first
// use. The bridge survives across calls; Invalidate discards it when
// the backend's configuration changes.
func (f *Forwarder) bridge(b Backend) *mcp.StdioTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if tr, ok := f.bridges[b.ID]; ok {
		return tr
	}
	tr := mcp.NewStdioTransport(mcp.StdioConfig{
		Command: b.Command,
		Args:    b.Args,
		Env:     b.Env,
		Logger:  f.logger.With("leaf", b.ID),
	})
	f.bridges[b.ID] = tr
	return tr
}

func (f *Forwarder) forwardHTTP(ctx context.Context, b Backend, req wire.Request) (wire.Response, error) {
	if b.URL == "" {
		return wire.Response{}, errs.Validation("leaf %q has no url configured", b.ID)
	}

	target := b.URL
	params := req.Params()
	params.Del("target")
	if enc := params.Encode(); enc != "" {
		target += "?" + enc
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return wire.Response{}, errs.Internal(err, "build request for leaf %q", b.ID)
	}

	// Caller headers first, then the stored credentials on top so a
	// forwarded Authorization can never displace the real one.
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range b.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return wire.Response{}, errs.Timeout("leaf %q did not respond within the deadline", b.ID)
		}
		return wire.Response{}, errs.Backend(err, "forward to leaf %q", b.ID)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxRelayBody))
	if err != nil {
		return wire.Response{}, errs.Backend(err, "read response from leaf %q", b.ID)
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		// Framing headers describe the original hop, not this one.
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		headers[k] = httpResp.Header.Get(k)
	}

	return wire.Response{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}

// Tools lists the tools a leaf backend advertises. A fresh short-lived
// client performs the MCP handshake so the relay bridge's in-flight
// session is never disturbed.
func (f *Forwarder) Tools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	backend, err := f.resolver.ResolveBackend(id)
	if err != nil {
		return nil, err
	}

	var tr mcp.Transport
	switch backend.Transport {
	case registry.TransportStdio:
		if backend.Command == "" {
			return nil, errs.Validation("leaf %q has no command configured", id)
		}
		tr = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: backend.Command,
			Args:    backend.Args,
			Env:     backend.Env,
			Logger:  f.logger.With("leaf", id),
		})
	case registry.TransportHTTPS:
		if backend.URL == "" {
			return nil, errs.Validation("leaf %q has no url configured", id)
		}
		tr = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     backend.URL,
			Headers: backend.Headers,
			Logger:  f.logger.With("leaf", id),
		})
	default:
		return nil, errs.Internal(nil, "leaf %q has unsupported transport %q", id, backend.Transport)
	}

	client := mcp.NewClient(id, tr, f.logger)
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		return nil, errs.Backend(err, "initialize leaf %q", id)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, errs.Backend(err, "list tools of leaf %q", id)
	}
	return tools, nil
}

// Invalidate discards the subprocess bridge for id, if any. Called
// when a backend's configuration changes or the backend is deleted.
func (f *Forwarder) Invalidate(id string) {
	f.mu.Lock()
	tr, ok := f.bridges[id]
	if ok {
		delete(f.bridges, id)
	}
	f.mu.Unlock()

	if ok {
		f.logger.Info("discarding stale leaf bridge", "leaf", id)
		if err := tr.Close(); err != nil {
			f.logger.Warn("close leaf bridge", "leaf", id, "error", err)
		}
	}
}

// Close terminates every subprocess bridge. Used at shutdown.
func (f *Forwarder) Close() {
	f.mu.Lock()
	bridges := f.bridges
	f.bridges = make(map[string]*mcp.StdioTransport)
	f.mu.Unlock()

	for id, tr := range bridges {
		if err := tr.Close(); err != nil {
			f.logger.Warn("close leaf bridge", "leaf", id, "error", err)
		}
	}
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringMap(v any) map[string]string {
	switch t := v.(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, e := range t {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
