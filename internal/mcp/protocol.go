package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JSONRPCVersion is the only envelope version accepted.
const JSONRPCVersion = "2.0"

// Method is a JSON-RPC method name.
type Method string

const (
	MethodInitialize          Method = "initialize"
	MethodInitialized         Method = "notifications/initialized"
	MethodPing                Method = "ping"
	MethodToolsList           Method = "tools/list"
	MethodToolsCall           Method = "tools/call"
	MethodFinancialAnalyze    Method = "financial/analyze"
	MethodFinancialCategorize Method = "financial/categorize"
	MethodDocumentProcess     Method = "document/process"
)

// DefaultTimeout is the per-call timeout hint for the method.
func (m Method) DefaultTimeout() time.Duration {
	switch m {
	case MethodInitialize:
		return 10 * time.Second
	case MethodPing, MethodToolsList:
		return 5 * time.Second
	case MethodToolsCall:
		return 120 * time.Second
	case MethodFinancialAnalyze, MethodFinancialCategorize:
		return 60 * time.Second
	case MethodDocumentProcess:
		return 300 * time.Second
	default:
		return 30 * time.Second
	}
}

// Message is one of *Request, *Notification or *Response.
type Message interface {
	message()
}

// Request expects a Response with the same ID.
type Request struct {
	ID     string
	Method Method
	Params Value
}

// Notification is fire-and-forget.
type Notification struct {
	Method Method
	Params Value
}

// Response carries either a result or an error, never both. Build one with
// NewResultResponse or NewErrorResponse.
type Response struct {
	id     string
	result Value
	err    *RPCError
}

func (*Request) message()      {}
func (*Notification) message() {}
func (*Response) message()     {}

// NewRequest builds a request.
func NewRequest(id string, method Method, params Value) *Request {
	return &Request{ID: id, Method: method, Params: params}
}

// NewNotification builds a notification.
func NewNotification(method Method, params Value) *Notification {
	return &Notification{Method: method, Params: params}
}

// NewResultResponse builds a successful response.
func NewResultResponse(id string, result Value) *Response {
	return &Response{id: id, result: result}
}

// NewErrorResponse builds a failed response. A nil err is replaced by an
// internal error so the response still reports failure.
func NewErrorResponse(id string, err *RPCError) *Response {
	if err == nil {
		err = NewRPCError(CodeInternalError, "unspecified error")
	}
	return &Response{id: id, err: err}
}

func (r *Response) ID() string { return r.id }

// Success reports whether the response carries a result.
func (r *Response) Success() bool { return r.err == nil }

// Result returns the result value (Null on failure).
func (r *Response) Result() Value { return r.result }

// Err returns the worker error, or nil on success.
func (r *Response) Err() *RPCError { return r.err }

type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  Method `json:"method"`
	Params  Value  `json:"params"`
}

type wireNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  Method `json:"method"`
	Params  Value  `json:"params"`
}

type wireResult struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  Value  `json:"result"`
}

type wireError struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Error   *RPCError `json:"error"`
}

// EncodeMessage serializes m as a single JSON object without a trailing newline.
func EncodeMessage(m Message) ([]byte, error) {
	var w interface{}
	switch t := m.(type) {
	case *Request:
		if t.ID == "" {
			return nil, fmt.Errorf("%w: request without id", ErrProtocol)
		}
		w = wireRequest{JSONRPC: JSONRPCVersion, ID: t.ID, Method: t.Method, Params: t.Params}
	case *Notification:
		w = wireNotification{JSONRPC: JSONRPCVersion, Method: t.Method, Params: t.Params}
	case *Response:
		// Only one of result and error goes on the wire.
		if t.err != nil {
			w = wireError{JSONRPC: JSONRPCVersion, ID: t.id, Error: t.err}
		} else {
			w = wireResult{JSONRPC: JSONRPCVersion, ID: t.id, Result: t.result}
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %T", ErrProtocol, m)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return data, nil
}

type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DecodeMessage parses one JSON-RPC message. Numeric IDs are normalized to
// their decimal text so they match the string IDs this side generates.
func DecodeMessage(data []byte) (Message, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if in.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrProtocol, in.JSONRPC)
	}

	id, err := decodeID(in.ID)
	if err != nil {
		return nil, err
	}

	var params Value
	if !absent(in.Params) {
		if err := params.UnmarshalJSON(in.Params); err != nil {
			return nil, fmt.Errorf("params: %w", err)
		}
	}

	switch {
	case in.Method != "" && !absent(in.ID):
		return &Request{ID: id, Method: Method(in.Method), Params: params}, nil
	case in.Method != "":
		return &Notification{Method: Method(in.Method), Params: params}, nil
	case !absent(in.Error):
		var rpcErr RPCError
		if err := json.Unmarshal(in.Error, &rpcErr); err != nil {
			return nil, fmt.Errorf("%w: error object: %v", ErrProtocol, err)
		}
		return NewErrorResponse(id, &rpcErr), nil
	case in.ID != nil || in.Result != nil:
		var result Value
		if !absent(in.Result) {
			if err := result.UnmarshalJSON(in.Result); err != nil {
				return nil, fmt.Errorf("result: %w", err)
			}
		}
		return NewResultResponse(id, result), nil
	default:
		return nil, fmt.Errorf("%w: message has neither method nor id", ErrProtocol)
	}
}

func decodeID(raw json.RawMessage) (string, error) {
	if absent(raw) {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: id: %v", ErrProtocol, err)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return strings.TrimSpace(t.String()), nil
	default:
		return "", fmt.Errorf("%w: id must be a string or number, got %s", ErrProtocol, string(raw))
	}
}
