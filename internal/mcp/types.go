// Package mcp implements the JSON-RPC 2.0 stdio protocol spoken by LedgerPro
// workers: the message model, the framed wire connection with request
// correlation and handshake, and the Worker that adds a state machine,
// retries, heartbeat and metrics on top of one connection.
package mcp

import "encoding/json"

// ProtocolVersion is sent in the initialize request.
const ProtocolVersion = "2024-11-05"

// ClientInfo identifies this side in the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultClientInfo is used when no client info is configured.
var DefaultClientInfo = ClientInfo{Name: "ledgerbridge", Version: "0.3.0"}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// ServerInfo identifies a worker.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities is the subset of advertised capabilities we inspect.
type ServerCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
	Logging   *struct{} `json:"logging,omitempty"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// Tool is one entry of a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the tools/list response payload.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams is the tools/call request payload.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the tools/call response payload. Workers put their JSON
// output in the first text block.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates the text blocks.
func (r ToolCallResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			out += c.Text
		}
	}
	return out
}

// ConnectionState is a Worker's position in its connection state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// validTransitions lists the allowed edges. Re-entering connecting from
// connected is not an edge: Connect on a connected worker is a no-op.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
