// Package wire defines the forwarding envelope carried over agent
// tunnels and the leaf forwarding path. The same Request/Response pair
// is used in both directions; only the ownership of the underlying
// connection is asymmetric. Correlation is by request_id alone, never
// by arrival order.
package wire

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Request is one forwarded tool invocation. Body is opaque to the hub:
// it is whatever protocol the target backend speaks.
type Request struct {
	RequestID string            `json:"request_id"`
	URLParams string            `json:"url_params,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
}

// Response is the paired result for a Request, correlated solely by
// RequestID.
type Response struct {
	RequestID  string            `json:"request_id"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// Frame types carried over a tunnel.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
)

// Frame is one tunnel message: a type tag plus the union of request
// and response fields, flat. Body is absent when the envelope carried
// none.
type Frame struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"request_id"`
	URLParams  string            `json:"url_params,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// RequestFrame wraps a request for the wire.
func RequestFrame(r Request) Frame {
	return Frame{
		Type:      FrameRequest,
		RequestID: r.RequestID,
		URLParams: r.URLParams,
		Headers:   r.Headers,
		Body:      r.Body,
	}
}

// ResponseFrame wraps a response for the wire.
func ResponseFrame(r Response) Frame {
	return Frame{
		Type:       FrameResponse,
		RequestID:  r.RequestID,
		StatusCode: r.StatusCode,
		Headers:    r.Headers,
		Body:       r.Body,
	}
}

// AsRequest extracts the request fields. Meaningful only when Type is
// FrameRequest.
func (f *Frame) AsRequest() Request {
	return Request{
		RequestID: f.RequestID,
		URLParams: f.URLParams,
		Headers:   f.Headers,
		Body:      f.Body,
	}
}

// AsResponse extracts the response fields. Meaningful only when Type
// is FrameResponse.
func (f *Frame) AsResponse() Response {
	return Response{
		RequestID:  f.RequestID,
		StatusCode: f.StatusCode,
		Headers:    f.Headers,
		Body:       f.Body,
	}
}

// Validate checks structural consistency of a received frame.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameRequest, FrameResponse:
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	if f.RequestID == "" {
		return fmt.Errorf("%s frame missing request_id", f.Type)
	}
	if f.Type == FrameResponse && f.StatusCode == 0 {
		return fmt.Errorf("response frame missing status_code")
	}
	return nil
}

// ErrorResponse shapes an error as an envelope response. The body
// mirrors the structured error the HTTP binding writes, so callers see
// one error format whether a failure happened at the hub or behind a
// tunnel.
func ErrorResponse(code int, kind, message string) Response {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": message,
			"code":    code,
		},
	})
	return Response{
		StatusCode: code,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// Params parses the URLParams string ("?a=1&b=2" or "a=1&b=2") into
// query values. A malformed string yields empty values, never an error:
// params are advisory routing hints, not part of the opaque body.
func (r *Request) Params() url.Values {
	raw := strings.TrimPrefix(r.URLParams, "?")
	if raw == "" {
		return url.Values{}
	}
	v, err := url.ParseQuery(raw)
	if err != nil {
		return url.Values{}
	}
	return v
}

// Target returns the target MCP id named in URLParams, if any. Used on
// the hub side to route agent-initiated requests to a leaf backend.
func (r *Request) Target() string {
	return r.Params().Get("target")
}

// Header returns the named header with case-insensitive matching, since
// envelopes assembled from HTTP requests may carry canonicalized keys.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
