package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgerbridge/internal/logging"

	"github.com/google/uuid"
)

// NotificationHandler receives notifications sent by the worker. It runs on
// the reader goroutine and must not block.
type NotificationHandler func(n *Notification)

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithClientInfo sets the clientInfo sent in the handshake.
func WithClientInfo(info ClientInfo) ConnectionOption {
	return func(c *Connection) { c.clientInfo = info }
}

// WithMaxFrameBuffer sets the framing buffer cap.
func WithMaxFrameBuffer(n int) ConnectionOption {
	return func(c *Connection) { c.maxBuffer = n }
}

// WithNotificationHandler routes worker notifications to h.
func WithNotificationHandler(h NotificationHandler) ConnectionOption {
	return func(c *Connection) { c.onNotify = h }
}

// WithIDGenerator replaces the request ID source.
func WithIDGenerator(gen func() string) ConnectionOption {
	return func(c *Connection) { c.newID = gen }
}

// Connection turns one process's stdin/stdout into a request/response
// channel. It is usable only after Connect has completed the handshake.
type Connection struct {
	name       string
	starter    Starter
	clientInfo ClientInfo
	maxBuffer  int
	onNotify   NotificationHandler
	newID      func() string

	connectMu sync.Mutex // serializes Connect and Disconnect

	mu          sync.Mutex
	sess        *session
	attached    Process
	initialized bool
	serverInfo  *InitializeResult
	handshakes  int
}

// session is the state of one started process. A new session is created on
// every Connect so a stale reader can never touch a newer session's waiters.
type session struct {
	proc Process

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response

	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
	readerDone chan struct{}
}

// NewConnection creates a connection that starts its process with starter.
func NewConnection(name string, starter Starter, opts ...ConnectionOption) *Connection {
	c := &Connection{
		name:       name,
		starter:    starter,
		clientInfo: DefaultClientInfo,
		maxBuffer:  DefaultMaxFrameBuffer,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach hands an already started process to the next Connect, which uses it
// instead of calling the starter.
func (c *Connection) Attach(p Process) {
	c.mu.Lock()
	old := c.attached
	c.attached = p
	c.mu.Unlock()
	if old != nil && old != p {
		_ = old.Close()
	}
}

// Connect starts the process (or adopts the attached one), starts the reader
// and performs the initialize handshake. It is a no-op on a connection whose
// handshake already completed and whose process is still attached.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	log := logging.Get(logging.CategoryTransport).With("worker", c.name)

	c.mu.Lock()
	if c.initialized && c.sess != nil && !c.sess.isClosed() {
		c.mu.Unlock()
		return nil
	}
	stale := c.sess
	c.sess = nil
	c.initialized = false
	c.serverInfo = nil
	proc := c.attached
	c.attached = nil
	c.mu.Unlock()

	if stale != nil {
		log.Debug("Discarding closed session before reconnect")
		c.teardown(stale)
	}

	if proc == nil {
		if c.starter == nil {
			return fmt.Errorf("%w: no process starter for %s", ErrTransport, c.name)
		}
		p, err := c.starter(ctx)
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", c.name, err)
		}
		proc = p
	}

	s := &session{
		proc:       proc,
		pending:    make(map[string]chan *Response),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.readLoop(s)
	go func() {
		select {
		case <-proc.Done():
			s.close(fmt.Errorf("%w: process %d exited", ErrConnectionClosed, proc.Pid()))
		case <-s.closed:
		}
	}()

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	params, err := ToValue(InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      c.clientInfo,
	})
	if err != nil {
		c.abort(s)
		return err
	}

	resp, err := c.call(ctx, s, NewRequest(c.newID(), MethodInitialize, params), MethodInitialize.DefaultTimeout())
	if err != nil {
		c.abort(s)
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}
	if !resp.Success() {
		c.abort(s)
		return fmt.Errorf("initialize %s: %w", c.name, resp.Err())
	}

	var info InitializeResult
	if err := resp.Result().Decode(&info); err != nil {
		log.Warn("Unrecognized initialize result: %v", err)
	}

	if err := c.notify(s, NewNotification(MethodInitialized, Null())); err != nil {
		c.abort(s)
		return fmt.Errorf("initialized notification to %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = &info
	c.handshakes++
	c.mu.Unlock()

	log.Info("Handshake complete: server=%s %s protocol=%s pid=%d",
		info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion, proc.Pid())
	return nil
}

// abort tears down a session whose handshake failed.
func (c *Connection) abort(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	c.teardown(s)
}

// Disconnect closes stdin, detaches the reader, terminates the process and
// fails every pending call with ErrConnectionClosed. The next Connect
// performs a fresh handshake.
func (c *Connection) Disconnect() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.initialized = false
	c.serverInfo = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	err := c.teardown(s)
	logging.Get(logging.CategoryTransport).Info("%s: stdio connection closed", c.name)
	return err
}

func (c *Connection) teardown(s *session) error {
	s.close(ErrConnectionClosed)
	_ = s.proc.Stdin().Close()
	err := s.proc.Close()

	select {
	case <-s.readerDone:
	case <-time.After(time.Second):
		logging.Get(logging.CategoryTransport).Warn("%s: timeout waiting for reader to exit", c.name)
	}
	return err
}

// IsConnected reports whether the handshake completed and the process is
// still attached.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.sess != nil && !c.sess.isClosed()
}

// ServerInfo returns the initialize result of the current session.
func (c *Connection) ServerInfo() (InitializeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverInfo == nil {
		return InitializeResult{}, false
	}
	return *c.serverInfo, true
}

// Handshakes returns how many initialize exchanges have completed.
func (c *Connection) Handshakes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakes
}

// Pid returns the pid of the attached process, or 0.
func (c *Connection) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.proc.Pid()
}

// Pending returns the number of calls awaiting a response.
func (c *Connection) Pending() int {
	s := c.active()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (c *Connection) active() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	return c.sess
}

// Send issues a request with a fresh ID. timeout <= 0 selects the method's
// default timeout.
func (c *Connection) Send(ctx context.Context, method Method, params Value, timeout time.Duration) (*Response, error) {
	return c.Call(ctx, NewRequest(c.newID(), method, params), timeout)
}

// Call issues req and waits for the response with the same ID. A worker error
// is returned as a failed Response, not as an error.
func (c *Connection) Call(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	s := c.active()
	if s == nil {
		return nil, fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}
	if timeout <= 0 {
		timeout = req.Method.DefaultTimeout()
	}
	return c.call(ctx, s, req, timeout)
}

// Notify sends a fire-and-forget notification.
func (c *Connection) Notify(method Method, params Value) error {
	s := c.active()
	if s == nil {
		return fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}
	return c.notify(s, NewNotification(method, params))
}

func (c *Connection) call(ctx context.Context, s *session, req *Request, timeout time.Duration) (*Response, error) {
	data, err := EncodeMessage(req)
	if err != nil {
		return nil, err
	}

	// Register before writing so a fast reply cannot miss its waiter.
	ch, err := s.register(req.ID)
	if err != nil {
		return nil, err
	}

	if err := s.write(data); err != nil {
		s.remove(req.ID)
		return nil, s.writeErr(fmt.Sprintf("write %s to %s", req.Method, c.name), err)
	}
	logging.WithRequestID(logging.CategoryTransport, req.ID).Debug("-> %s %s", c.name, req.Method)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		s.remove(req.ID)
		return nil, fmt.Errorf("%w: %s on %s after %v", ErrTimeout, req.Method, c.name, timeout)
	case <-ctx.Done():
		s.remove(req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s on %s: %v", ErrTimeout, req.Method, c.name, ctx.Err())
		}
		return nil, fmt.Errorf("%s on %s: %w", req.Method, c.name, ctx.Err())
	case <-s.closed:
		// A response may have raced the close.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, s.closeErr
	}
}

func (c *Connection) notify(s *session, n *Notification) error {
	data, err := EncodeMessage(n)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return s.writeErr(fmt.Sprintf("write %s", n.Method), err)
	}
	return nil
}

func (c *Connection) readLoop(s *session) {
	defer close(s.readerDone)

	log := logging.Get(logging.CategoryTransport).With("worker", c.name)
	framer := NewFramer(c.maxBuffer)
	buf := make([]byte, 64*1024)
	stdout := s.proc.Stdout()

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, frame := range framer.Feed(buf[:n]) {
				c.dispatch(s, frame)
			}
		}
		if err != nil {
			if !s.isClosed() {
				log.Warn("stdout closed: %v", err)
			}
			s.close(fmt.Errorf("%w: stdout: %v", ErrConnectionClosed, err))
			return
		}
	}
}

func (c *Connection) dispatch(s *session, frame []byte) {
	log := logging.Get(logging.CategoryTransport).With("worker", c.name)

	msg, err := DecodeMessage(frame)
	if err != nil {
		log.Warn("Dropping undecodable message: %v", err)
		return
	}

	switch m := msg.(type) {
	case *Response:
		s.mu.Lock()
		ch, ok := s.pending[m.ID()]
		if ok {
			delete(s.pending, m.ID())
		}
		s.mu.Unlock()
		if !ok {
			log.Warn("Received response for unknown ID: %q", m.ID())
			return
		}
		ch <- m
	case *Notification:
		if c.onNotify != nil {
			c.onNotify(m)
			return
		}
		log.Debug("Received notification: %s", m.Method)
	case *Request:
		// Workers may ping us; anything else is unsupported.
		var reply *Response
		if m.Method == MethodPing {
			reply = NewResultResponse(m.ID, Map(nil))
		} else {
			reply = NewErrorResponse(m.ID, NewRPCError(CodeMethodNotFound, "method not found: "+string(m.Method)))
		}
		data, err := EncodeMessage(reply)
		if err == nil {
			err = s.write(data)
		}
		if err != nil {
			log.Warn("Failed to answer worker request %s: %v", m.Method, err)
		}
	}
}

func (s *session) register(id string) (chan *Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil, s.closeErr
	}
	if _, dup := s.pending[id]; dup {
		return nil, fmt.Errorf("%w: request id %q already in flight", ErrProtocol, id)
	}
	ch := make(chan *Response, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *session) remove(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) write(data []byte) error {
	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return s.closeErr
	}
	_, err := s.proc.Stdin().Write(line)
	return err
}

// writeErr reports a failed write. A write cut short by a close gets the
// close error so callers see the same error as every other waiter.
func (s *session) writeErr(op string, err error) error {
	if s.isClosed() {
		return s.closeErr
	}
	if errors.Is(err, ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		s.pending = make(map[string]chan *Response)
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
