package tunnel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/wire"
)

// InboundHandler serves a request an agent initiated through its own
// tunnel, typically a call to another MCP routed via the hub.
type InboundHandler func(ctx context.Context, agentID string, req wire.Request) wire.Response

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// RequestTimeout bounds each forwarded request. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// OnConnectionChange is called whenever an agent's slot gains or
	// loses its live connection. May be nil.
	OnConnectionChange func(agentID string, connected bool)

	Logger *slog.Logger
}

// Manager owns at most one live connection slot per agent id. A newer
// connection for the same agent always preempts the older one, whose
// in-flight requests fail immediately rather than being retried.
type Manager struct {
	timeout time.Duration
	onState func(agentID string, connected bool)
	logger  *slog.Logger

	handlerMu sync.RWMutex
	handler   InboundHandler

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timeout: timeout,
		onState: cfg.OnConnectionChange,
		logger:  logger,
		conns:   make(map[string]*Conn),
	}
}

// SetInboundHandler installs the handler for agent-initiated requests.
// It is a setter rather than a config field because the dispatcher
// that serves those requests is itself built on top of the manager.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

func (m *Manager) serveInbound(agentID string) Handler {
	return func(ctx context.Context, req wire.Request) wire.Response {
		m.handlerMu.RLock()
		h := m.handler
		m.handlerMu.RUnlock()
		if h == nil {
			return wire.Response{StatusCode: 501}
		}
		return h(ctx, agentID, req)
	}
}

// Attach takes ownership of a freshly upgraded WebSocket for agentID
// and starts serving it. Any previous connection for the same agent is
// torn down first, failing its in-flight requests. The returned Conn
// is owned by the manager; callers must not close it directly.
func (m *Manager) Attach(agentID string, ws *websocket.Conn) *Conn {
	logger := m.logger.With("agent", agentID)
	conn := newConn(ws, m.serveInbound(agentID), m.timeout, logger)

	m.mu.Lock()
	old := m.conns[agentID]
	m.conns[agentID] = conn
	m.mu.Unlock()

	if old != nil {
		logger.Info("preempting older tunnel connection")
		old.Close("replaced by newer connection")
	}
	logger.Info("tunnel attached")
	if m.onState != nil {
		m.onState(agentID, true)
	}

	go func() {
		conn.run()
		m.detach(agentID, conn)
	}()
	return conn
}

// detach clears the slot, but only if conn still occupies it: a
// preempted connection must not evict its replacement.
func (m *Manager) detach(agentID string, conn *Conn) {
	m.mu.Lock()
	current := m.conns[agentID] == conn
	if current {
		delete(m.conns, agentID)
	}
	m.mu.Unlock()

	if current {
		m.logger.Info("tunnel detached", "agent", agentID)
		if m.onState != nil {
			m.onState(agentID, false)
		}
	}
}

// Send forwards one request over agentID's live tunnel and waits for
// the correlated response.
func (m *Manager) Send(ctx context.Context, agentID string, req wire.Request) (wire.Response, error) {
	m.mu.Lock()
	conn := m.conns[agentID]
	m.mu.Unlock()

	if conn == nil {
		return wire.Response{}, errs.Unreachable("agent %q has no live tunnel", agentID)
	}
	return conn.Send(ctx, req)
}

// Connected reports whether agentID currently holds a live connection.
func (m *Manager) Connected(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[agentID] != nil
}

// ConnectedIDs returns the agents with live tunnels, sorted.
func (m *Manager) ConnectedIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CloseAll tears down every live connection, failing their in-flight
// requests. Used at shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close(reason)
	}
}
