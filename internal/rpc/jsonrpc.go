// Package rpc terminates client connections: a JSON-RPC 2.0 request/response
// endpoint plus an independent server-push stream per session. It tracks
// sessions, routes calls into the execution engine, and forwards event-bus
// traffic and elicitation round-trips to the correct session.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/beam-tools/beam/internal/engine"
	"github.com/beam-tools/beam/internal/instance"
)

// Request is one JSON-RPC 2.0 request object. Notifications carry no id.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server-to-client push message (no id).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Standard JSON-RPC codes plus the daemon's application range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound      = -32001 // unknown module/method/instance/run/elicitation
	CodeNotConfigured = -32002 // module missing required setup
	CodeRunComplete   = -32003 // resume of a completed run
	CodeRunInFlight   = -32004 // resume of a run with a live goroutine
	CodeTimeout       = -32005 // elicitation timed out
)

func newResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func newError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func newNotification(method string, params any) Notification {
	return Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// errorResponse maps the engine/instance error taxonomy onto wire codes.
// Per-request failures never take down the session, let alone the daemon.
func errorResponse(id json.RawMessage, err error) Response {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}

	code := CodeInternalError
	switch {
	case errors.Is(err, engine.ErrModuleNotFound),
		errors.Is(err, engine.ErrMethodNotFound),
		errors.Is(err, engine.ErrRunNotFound),
		errors.Is(err, engine.ErrElicitationNotFound),
		errors.Is(err, instance.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, engine.ErrNotConfigured):
		code = CodeNotConfigured
	case errors.Is(err, engine.ErrRunComplete):
		code = CodeRunComplete
	case errors.Is(err, engine.ErrRunInFlight):
		code = CodeRunInFlight
	case errors.Is(err, engine.ErrElicitationTimeout):
		code = CodeTimeout
	}
	return newError(id, code, err.Error())
}
