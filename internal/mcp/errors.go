package mcp

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of
// these, or is an *RPCError returned by the worker.
var (
	// ErrProtocol: malformed or unframeable JSON, ID mismatch, bad envelope.
	ErrProtocol = errors.New("protocol error")
	// ErrTransport: process not started, pipe closed, process crashed.
	ErrTransport = errors.New("transport error")
	// ErrConnectionClosed is the transport error delivered to pending callers on disconnect.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrTransport)
	// ErrNotConnected: the handshake has not completed.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)
	// ErrTimeout: no response within the call bound.
	ErrTimeout = errors.New("request timed out")
	// ErrLifecycle: already running, not cleaned up, script missing, unknown worker type.
	ErrLifecycle = errors.New("lifecycle error")
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes.
const (
	CodeServerError      = -32000
	CodeRequestTimeout   = -32001
	CodeConnectionClosed = -32002
	CodeToolFailed       = -32003
)

// RPCError is a structured error returned by a worker. It is the
// application-level error kind.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *Value `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil && !e.Data.IsNull() {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data.String())
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError without data.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// IsTransient reports whether err is a transport or timeout failure, the
// kinds that a retry can plausibly fix.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// IsApplication reports whether err carries a worker-returned RPCError.
func IsApplication(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// ErrorKind names the error kind of err for logs and status output.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsApplication(err):
		return "application"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrLifecycle):
		return "lifecycle"
	default:
		return "unknown"
	}
}
