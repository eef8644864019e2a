package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/wire"
)

// Backoff is the redial schedule after a failed or dropped tunnel.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff retries quickly at first and settles at one attempt
// per minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Next returns the delay to wait after a failure that followed a wait
// of current. Zero current starts the schedule.
func (b Backoff) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.InitialDelay
	}
	next := time.Duration(float64(current) * b.Multiplier)
	if next > b.MaxDelay {
		return b.MaxDelay
	}
	return next
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// HubURL is the hub's base address (http or https scheme).
	HubURL string

	// AgentID names this agent's slot on the hub.
	AgentID string

	// Token is the tunnel credential presented at attach.
	Token string

	// Handler serves requests arriving from the hub.
	Handler Handler

	// RequestTimeout bounds requests this client sends toward the hub.
	// Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	Backoff Backoff
	Logger  *slog.Logger
}

// Client keeps an agent's tunnel to the hub alive, redialing with
// backoff whenever the connection drops. It is also the agent's path
// for its own outbound requests: calls to other MCPs travel up the
// same tunnel with the target named in url_params.
type Client struct {
	url     string
	token   string
	handler Handler
	timeout time.Duration
	backoff Backoff
	logger  *slog.Logger

	mu   sync.Mutex
	conn *Conn
}

// NewClient builds a client for cfg. The tunnel endpoint is derived
// from the hub base URL.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("hub url is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	backoff := cfg.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = DefaultBackoff()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     tunnelURL(cfg.HubURL, cfg.AgentID),
		token:   cfg.Token,
		handler: cfg.Handler,
		timeout: cfg.RequestTimeout,
		backoff: backoff,
		logger:  logger.With("agent", cfg.AgentID),
	}, nil
}

// tunnelURL rewrites the hub's http(s) base into the ws(s) tunnel
// endpoint for agentID.
func tunnelURL(base, agentID string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/agent/" + agentID + "/tunnel"
}

// Run dials the hub and serves the tunnel until ctx is canceled,
// redialing on every failure. A successful attach resets the backoff.
func (c *Client) Run(ctx context.Context) error {
	var delay time.Duration
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			delay = c.backoff.Next(delay)
			c.logger.Warn("tunnel dial failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		delay = 0
		c.setConn(conn)
		c.logger.Info("tunnel established")

		go func() {
			select {
			case <-ctx.Done():
				conn.Close("shutting down")
			case <-conn.Done():
			}
		}()

		conn.run()
		c.setConn(nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay = c.backoff.Next(delay)
		c.logger.Warn("tunnel dropped", "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial tunnel: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial tunnel: %w", err)
	}
	return newConn(ws, c.handler, c.timeout, c.logger), nil
}

func (c *Client) setConn(conn *Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connected reports whether the tunnel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send ships one request to the hub over the live tunnel.
func (c *Client) Send(ctx context.Context, req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return wire.Response{}, errs.Unreachable("tunnel is down")
	}
	return conn.Send(ctx, req)
}
