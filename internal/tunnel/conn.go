// Package tunnel carries multiplexed request/response envelopes over
// one persistent WebSocket per agent. The hub side owns a connection
// slot per agent id; the agent side keeps a single tunnel to the hub
// alive with backoff. Both ends run the same Conn: either may send
// requests, either may answer them.
package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/wire"
)

// Handler answers one inbound request from the peer. The context is
// canceled when the connection dies.
type Handler func(ctx context.Context, req wire.Request) wire.Response

const (
	// pongWait is how long a silent peer is tolerated; pingPeriod must
	// stay well below it.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// DefaultRequestTimeout bounds a Send awaiting its response.
const DefaultRequestTimeout = 30 * time.Second

// Conn multiplexes envelopes over one WebSocket. In-flight requests
// live in a pending map keyed by request id; responses resolve their
// slot regardless of arrival order. When the connection closes, every
// pending request fails at once and the map is reconstructed empty on
// the next connection, never carried over.
type Conn struct {
	ws      *websocket.Conn
	handler Handler
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Response

	closed    chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(ws *websocket.Conn, handler Handler, timeout time.Duration, logger *slog.Logger) *Conn {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if handler == nil {
		handler = func(context.Context, wire.Request) wire.Response {
			return wire.Response{StatusCode: http.StatusNotImplemented}
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:      ws,
		handler: handler,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]chan wire.Response),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Send ships one request to the peer and blocks until the matching
// response arrives, the deadline passes, the connection dies, or ctx
// is canceled. The request id is assigned here, never by the caller,
// so ids are unique for the lifetime of the connection. The result is
// delivered exactly once.
func (c *Conn) Send(ctx context.Context, req wire.Request) (wire.Response, error) {
	req.RequestID = uuid.NewString()

	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return wire.Response{}, errs.Unreachable("tunnel is closed")
	default:
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(wire.RequestFrame(req)); err != nil {
		c.remove(req.RequestID)
		return wire.Response{}, errs.ConnectionLost("write request: %v", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.remove(req.RequestID)
		// The response may have landed between the deadline firing and
		// slot removal; prefer it over a spurious timeout.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return wire.Response{}, errs.Timeout("no response within %s", c.timeout)
	case <-c.closed:
		c.remove(req.RequestID)
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return wire.Response{}, errs.ConnectionLost("tunnel closed with request in flight")
	case <-ctx.Done():
		c.remove(req.RequestID)
		return wire.Response{}, ctx.Err()
	}
}

func (c *Conn) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) pendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// run owns the read side until the connection dies. It dispatches
// responses to their pending slots, serves inbound requests on their
// own goroutines (no cross-request ordering), and keeps the link
// alive with pings. The connection is closed by the time run returns.
func (c *Conn) run() {
	defer c.Close("connection lost")

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.ws.SetPingHandler(func(appData string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go c.pingLoop(pingStop)

	for {
		var frame wire.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("tunnel read failed", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := frame.Validate(); err != nil {
			c.logger.Warn("dropping invalid frame", "error", err)
			continue
		}
		c.logger.Log(c.ctx, slog.Level(-8), "frame received", // config.LevelTrace
			"type", frame.Type, "request_id", frame.RequestID, "body_bytes", len(frame.Body))
		switch frame.Type {
		case wire.FrameResponse:
			c.dispatch(frame.AsResponse())
		case wire.FrameRequest:
			go c.serveRequest(frame.AsRequest())
		}
	}
}

func (c *Conn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// dispatch resolves the pending slot for a response. The slot is
// removed before delivery, so a duplicate or late response finds
// nothing and is discarded: whoever was waiting already got a result.
func (c *Conn) dispatch(resp wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("discarding response with no pending slot", "request_id", resp.RequestID)
		return
	}
	ch <- resp
}

func (c *Conn) serveRequest(req wire.Request) {
	resp := c.handler(c.ctx, req)
	resp.RequestID = req.RequestID
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if err := c.writeFrame(wire.ResponseFrame(resp)); err != nil {
		c.logger.Warn("write response failed", "request_id", req.RequestID, "error", err)
	}
}

func (c *Conn) writeFrame(f wire.Frame) error {
	c.logger.Log(c.ctx, slog.Level(-8), "frame sent", // config.LevelTrace
		"type", f.Type, "request_id", f.RequestID, "body_bytes", len(f.Body))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

// Close tears the connection down. Every request still in flight
// fails immediately; nothing is retried on a later connection.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.ws.Close()

		c.mu.Lock()
		n := len(c.pending)
		c.pending = make(map[string]chan wire.Response)
		c.mu.Unlock()

		if n > 0 {
			c.logger.Info("tunnel closed with requests in flight", "reason", reason, "failed", n)
		} else {
			c.logger.Debug("tunnel closed", "reason", reason)
		}
	})
}

// Done is closed when the connection is fully torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }
