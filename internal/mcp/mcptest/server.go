// Package mcptest provides a scriptable stdio JSON-RPC worker for tests and
// for cmd/mockworker.
package mcptest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"ledgerbridge/internal/mcp"
)

// HandlerFunc answers one request. Returning a non-nil *mcp.RPCError sends an
// error response. ctx is cancelled when the server stops.
type HandlerFunc func(ctx context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError)

// Server is a fake worker. The zero value is not usable; use NewServer.
type Server struct {
	name  string
	tools []mcp.Tool

	mu            sync.Mutex
	handlers      map[mcp.Method]HandlerFunc
	counts        map[mcp.Method]int
	notifications []mcp.Method
	silent        bool
}

// NewServer creates a server that answers initialize, ping, tools/list and
// tools/call (echoing its arguments).
func NewServer(name string, tools ...mcp.Tool) *Server {
	if len(tools) == 0 {
		tools = []mcp.Tool{
			{Name: "echo", Description: "Echo the arguments back"},
			{Name: "health_check", Description: "Report worker health"},
		}
	}
	s := &Server{
		name:     name,
		tools:    tools,
		handlers: make(map[mcp.Method]HandlerFunc),
		counts:   make(map[mcp.Method]int),
	}
	s.handlers[mcp.MethodInitialize] = s.initialize
	s.handlers[mcp.MethodPing] = func(context.Context, *mcp.Request) (mcp.Value, *mcp.RPCError) {
		return mcp.Map(nil), nil
	}
	s.handlers[mcp.MethodToolsList] = s.toolsList
	s.handlers[mcp.MethodToolsCall] = s.toolsCall
	return s
}

// Name returns the server name reported in serverInfo.
func (s *Server) Name() string { return s.name }

// Handle installs or replaces the handler for method.
func (s *Server) Handle(method mcp.Method, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// SetSilent makes the server read requests without ever answering.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Count returns how many requests for method were received.
func (s *Server) Count(method mcp.Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

// Notifications returns the notification methods received, in order.
func (s *Server) Notifications() []mcp.Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mcp.Method, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// InitializeHandler returns the default initialize handler, for restoring it
// after a test replaced it.
func (s *Server) InitializeHandler() HandlerFunc { return s.initialize }

// ToolsListHandler returns the default tools/list handler, for wrapping it.
func (s *Server) ToolsListHandler() HandlerFunc { return s.toolsList }

func (s *Server) initialize(_ context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
	v, err := mcp.ToValue(mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      mcp.ServerInfo{Name: s.name, Version: "1.0.0"},
		Capabilities:    mcp.ServerCapabilities{Tools: &struct{}{}},
	})
	if err != nil {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeInternalError, err.Error())
	}
	return v, nil
}

func (s *Server) toolsList(context.Context, *mcp.Request) (mcp.Value, *mcp.RPCError) {
	v, err := mcp.ToValue(mcp.ToolsListResult{Tools: s.tools})
	if err != nil {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeInternalError, err.Error())
	}
	return v, nil
}

func (s *Server) toolsCall(_ context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
	name, _ := req.Params.Get("name").AsString()
	known := false
	for _, t := range s.tools {
		if t.Name == name {
			known = true
			break
		}
	}
	if !known {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeInvalidParams, "unknown tool: "+name)
	}
	text := req.Params.Get("arguments").String()
	v, err := mcp.ToValue(mcp.ToolCallResult{Content: []mcp.Content{{Type: "text", Text: text}}})
	if err != nil {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeInternalError, err.Error())
	}
	return v, nil
}

// Serve reads newline-delimited requests from r and writes responses to w
// until r is exhausted or ctx is cancelled. Each request is handled on its
// own goroutine, so responses may be written out of order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	write := func(m mcp.Message) {
		data, err := mcp.EncodeMessage(m)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = w.Write(append(data, '\n'))
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), mcp.DefaultMaxFrameBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := mcp.DecodeMessage([]byte(line))
		if err != nil {
			write(mcp.NewErrorResponse("", mcp.NewRPCError(mcp.CodeParseError, err.Error())))
			continue
		}
		switch m := msg.(type) {
		case *mcp.Notification:
			s.mu.Lock()
			s.notifications = append(s.notifications, m.Method)
			s.mu.Unlock()
		case *mcp.Request:
			s.mu.Lock()
			s.counts[m.Method]++
			h, ok := s.handlers[m.Method]
			silent := s.silent
			s.mu.Unlock()
			if silent {
				continue
			}
			wg.Add(1)
			go func(req *mcp.Request) {
				defer wg.Done()
				if !ok {
					write(mcp.NewErrorResponse(req.ID, mcp.NewRPCError(mcp.CodeMethodNotFound, "method not found: "+string(req.Method))))
					return
				}
				result, rpcErr := h(ctx, req)
				if ctx.Err() != nil {
					return
				}
				if rpcErr != nil {
					write(mcp.NewErrorResponse(req.ID, rpcErr))
					return
				}
				write(mcp.NewResultResponse(req.ID, result))
			}(m)
		}
	}
	cancel()
	wg.Wait()
	return scanner.Err()
}

// Slow returns a handler that waits d (or until ctx ends) before delegating.
func Slow(d time.Duration, next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return mcp.Value{}, mcp.NewRPCError(mcp.CodeConnectionClosed, "server stopping")
		}
		return next(ctx, req)
	}
}

// FailTimes returns a handler that answers with an error the first n calls.
func FailTimes(n int, code int, next HandlerFunc) HandlerFunc {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
		mu.Lock()
		calls++
		c := calls
		mu.Unlock()
		if c <= n {
			return mcp.Value{}, mcp.NewRPCError(code, fmt.Sprintf("induced failure %d", c))
		}
		return next(ctx, req)
	}
}

// Result returns a handler that always answers v.
func Result(v mcp.Value) HandlerFunc {
	return func(context.Context, *mcp.Request) (mcp.Value, *mcp.RPCError) { return v, nil }
}
