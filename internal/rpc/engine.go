package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Version is the protocol version every envelope carries.
const Version = "2.0"

// DefaultMaxRequestBytes caps a single inbound frame.
const DefaultMaxRequestBytes = 256 << 10

// Request is the inbound envelope. A nil ID marks a notification.
type Request struct {
	Version string          `json:"version"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Notification reports whether the request expects no response.
func (r *Request) Notification() bool { return len(r.ID) == 0 }

// Response is the outbound envelope. Exactly one of Result and Error is set.
type Response struct {
	Version string          `json:"version"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HandlerFunc executes one method call. Returning a non-nil *Error produces
// an error response; any other error is masked as INTERNAL.
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, *Error)

// Engine parses frames, validates envelopes, and dispatches to registered
// method handlers. It carries no per-connection state; the session layer
// wraps handlers with authorization and flow control.
type Engine struct {
	methods  map[string]HandlerFunc
	maxBytes int
	logger   zerolog.Logger
}

func NewEngine(maxBytes int, logger zerolog.Logger) *Engine {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	return &Engine{
		methods:  make(map[string]HandlerFunc),
		maxBytes: maxBytes,
		logger:   logger.With().Str("component", "rpc").Logger(),
	}
}

// Register binds a method name to its handler. Later registrations replace
// earlier ones.
func (e *Engine) Register(method string, h HandlerFunc) {
	e.methods[method] = h
}

// Methods returns the registered method names.
func (e *Engine) Methods() []string {
	out := make([]string, 0, len(e.methods))
	for m := range e.methods {
		out = append(out, m)
	}
	return out
}

// MaxRequestBytes exposes the frame cap for the transport layer.
func (e *Engine) MaxRequestBytes() int { return e.maxBytes }

// HandleFrame processes one inbound frame, single request or batch, and
// returns the serialized reply. A nil reply means nothing is to be sent
// (all-notification input).
func (e *Engine) HandleFrame(ctx context.Context, frame []byte) []byte {
	// Oversized frames are refused before parsing, so they have no side
	// effects.
	if len(frame) > e.maxBytes {
		return marshalResponse(errorResponse(nil,
			Errorf(CodeParseError, "request exceeds %d bytes", e.maxBytes)))
	}

	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return e.handleBatch(ctx, frame)
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return marshalResponse(errorResponse(nil, NewError(CodeParseError, "invalid JSON")))
	}
	resp := e.dispatch(ctx, &req)
	if resp == nil {
		return nil
	}
	return marshalResponse(*resp)
}

func (e *Engine) handleBatch(ctx context.Context, frame []byte) []byte {
	var raws []json.RawMessage
	if err := json.Unmarshal(frame, &raws); err != nil {
		return marshalResponse(errorResponse(nil, NewError(CodeParseError, "invalid JSON")))
	}
	if len(raws) == 0 {
		return marshalResponse(errorResponse(nil, NewError(CodeInvalidRequest, "empty batch")))
	}

	responses := make([]Response, 0, len(raws))
	for _, raw := range raws {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			responses = append(responses, errorResponse(nil, NewError(CodeInvalidRequest, "invalid request")))
			continue
		}
		if resp := e.dispatch(ctx, &req); resp != nil {
			responses = append(responses, *resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	data, err := json.Marshal(responses)
	if err != nil {
		e.logger.Error().Err(err).Msg("batch response marshal failed")
		return marshalResponse(errorResponse(nil, NewError(CodeInternal, "internal error")))
	}
	return data
}

// dispatch validates the envelope and runs the handler. Nil return means
// notification: no response element.
func (e *Engine) dispatch(ctx context.Context, req *Request) *Response {
	if rpcErr := validate(req); rpcErr != nil {
		if req.Notification() {
			return nil
		}
		resp := errorResponse(req.ID, rpcErr)
		return &resp
	}

	h, ok := e.methods[req.Method]
	if !ok {
		if req.Notification() {
			return nil
		}
		resp := errorResponse(req.ID, Errorf(CodeMethodNotFound, "unknown method %q", req.Method))
		return &resp
	}

	result, rpcErr := e.safeCall(ctx, h, req)
	if req.Notification() {
		return nil
	}
	if rpcErr != nil {
		resp := errorResponse(req.ID, rpcErr)
		return &resp
	}
	resp := Response{Version: Version, ID: req.ID, Result: result}
	return &resp
}

// safeCall contains handler panics so one bad request cannot take down the
// connection's reader.
func (e *Engine) safeCall(ctx context.Context, h HandlerFunc, req *Request) (result interface{}, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("method", req.Method).Interface("panic", r).Msg("handler panicked")
			result, rpcErr = nil, NewError(CodeInternal, "internal error")
		}
	}()
	return h(ctx, req)
}

func validate(req *Request) *Error {
	if req.Version != Version {
		return Errorf(CodeInvalidRequest, "unsupported version %q", req.Version)
	}
	if req.Method == "" {
		return NewError(CodeInvalidRequest, "missing method")
	}
	if len(req.ID) > 0 {
		if bytes.Equal(req.ID, []byte("null")) {
			return NewError(CodeInvalidRequest, "id must not be null")
		}
		switch req.ID[0] {
		case '"':
		case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		default:
			return NewError(CodeInvalidRequest, "id must be a string or a number")
		}
	}
	return nil
}

func errorResponse(id json.RawMessage, rpcErr *Error) Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return Response{Version: Version, ID: id, Error: rpcErr}
}

func marshalResponse(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// Result values are service-built; a marshal failure is a bug.
		data, _ = json.Marshal(errorResponse(resp.ID, NewError(CodeInternal, "internal error")))
	}
	return data
}

// NewNotification builds a server→client notification frame.
func NewNotification(method string, params interface{}) ([]byte, error) {
	env := struct {
		Version string      `json:"version"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{Version: Version, Method: method, Params: params}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}
