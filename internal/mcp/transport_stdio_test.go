package mcp_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/mcp/mcptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T, srv *mcptest.Server, opts ...mcp.ConnectionOption) (*mcp.Connection, chan *mcptest.Pipe) {
	t.Helper()
	started := make(chan *mcptest.Pipe, 8)
	c := mcp.NewConnection(srv.Name(), srv.Starter(started), opts...)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, started
}

func TestConnect_HandshakeOnce(t *testing.T) {
	srv := mcptest.NewServer("pdf-processor")
	c, started := newConn(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))

	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, srv.Count(mcp.MethodInitialize))
	assert.Equal(t, 1, c.Handshakes())
	assert.Len(t, started, 1, "second connect must not start another process")

	require.Eventually(t, func() bool {
		return len(srv.Notifications()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []mcp.Method{mcp.MethodInitialized}, srv.Notifications())

	info, ok := c.ServerInfo()
	require.True(t, ok)
	assert.Equal(t, "pdf-processor", info.ServerInfo.Name)
	assert.Equal(t, mcp.ProtocolVersion, info.ProtocolVersion)
}

func TestConnect_AfterDisconnectHandshakesAgain(t *testing.T) {
	srv := mcptest.NewServer("financial-analyzer")
	c, started := newConn(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	first := <-started
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	_, ok := c.ServerInfo()
	assert.False(t, ok)
	assert.True(t, first.Exited())

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 2, srv.Count(mcp.MethodInitialize))
	assert.Equal(t, 2, c.Handshakes())
}

func TestConnect_InitializeErrorFails(t *testing.T) {
	srv := mcptest.NewServer("openai-service")
	srv.Handle(mcp.MethodInitialize, func(context.Context, *mcp.Request) (mcp.Value, *mcp.RPCError) {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeServerError, "OPENAI_API_KEY not set")
	})
	c, started := newConn(t, srv)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, mcp.IsApplication(err))
	assert.False(t, c.IsConnected())

	p := <-started
	assert.True(t, p.Exited(), "failed handshake tears the process down")
}

func TestSend_NotConnected(t *testing.T) {
	c, _ := newConn(t, mcptest.NewServer("idle"))
	_, err := c.Send(context.Background(), mcp.MethodPing, mcp.Null(), 0)
	assert.True(t, errors.Is(err, mcp.ErrNotConnected))
	assert.True(t, mcp.IsTransient(err))
}

func TestSend_ConcurrentRequestsCorrelate(t *testing.T) {
	srv := mcptest.NewServer("echoer")
	// Earlier requests answer later so responses arrive out of order.
	srv.Handle("test/echo", func(ctx context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
		n, _ := req.Params.Get("n").AsInt()
		select {
		case <-time.After(time.Duration(20-n) * 5 * time.Millisecond):
		case <-ctx.Done():
		}
		return req.Params, nil
	})
	c, _ := newConn(t, srv)
	require.NoError(t, c.Connect(context.Background()))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			params, _ := mcp.Object("n", n)
			resp, err := c.Send(context.Background(), "test/echo", params, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			got, _ := resp.Result().Get("n").AsInt()
			if got != int64(n) {
				errs <- fmt.Errorf("request %d got response for %d", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestDispatch_UnknownIDDoesNotDisturbPending(t *testing.T) {
	srv := mcptest.NewServer("noisy")
	release := make(chan struct{})
	srv.Handle("test/wait", func(ctx context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return mcp.Str("done"), nil
	})
	c, started := newConn(t, srv)
	require.NoError(t, c.Connect(context.Background()))
	p := <-started

	result := make(chan *mcp.Response, 1)
	go func() {
		resp, err := c.Send(context.Background(), "test/wait", mcp.Null(), 5*time.Second)
		if err == nil {
			result <- resp
		}
		close(result)
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Emit([]byte(`{"jsonrpc":"2.0","id":"nobody-asked","result":42}`+"\n")))
	require.NoError(t, p.Emit([]byte("garbage that is not json\n")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.Pending(), "stray response leaves the real waiter registered")

	close(release)
	resp, ok := <-result
	require.True(t, ok)
	s, _ := resp.Result().AsString()
	assert.Equal(t, "done", s)
}

func TestCall_DuplicateIDRejected(t *testing.T) {
	srv := mcptest.NewServer("dup")
	block := make(chan struct{})
	defer close(block)
	srv.Handle("test/block", func(ctx context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return mcp.Null(), nil
	})
	c, _ := newConn(t, srv)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = c.Call(ctx, mcp.NewRequest("fixed-id", "test/block", mcp.Null()), 5*time.Second) }()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Call(context.Background(), mcp.NewRequest("fixed-id", "test/block", mcp.Null()), time.Second)
	assert.True(t, errors.Is(err, mcp.ErrProtocol))
	assert.Equal(t, 1, c.Pending())
}

func TestSend_TimeoutIsDistinguishable(t *testing.T) {
	srv := mcptest.NewServer("slow")
	c, _ := newConn(t, srv)
	require.NoError(t, c.Connect(context.Background()))
	srv.SetSilent(true)

	start := time.Now()
	_, err := c.Send(context.Background(), mcp.MethodToolsList, mcp.Null(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcp.ErrTimeout))
	assert.False(t, mcp.IsApplication(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, c.Pending(), "timed out waiter is removed")
}

func TestSend_ContextCancel(t *testing.T) {
	srv := mcptest.NewServer("slow")
	c, _ := newConn(t, srv)
	require.NoError(t, c.Connect(context.Background()))
	srv.SetSilent(true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Send(ctx, mcp.MethodPing, mcp.Null(), 5*time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, mcp.ErrTimeout))
}

func TestDisconnect_FailsPendingWaiters(t *testing.T) {
	srv := mcptest.NewServer("hang")
	c, _ := newConn(t, srv)
	require.NoError(t, c.Connect(context.Background()))
	srv.SetSilent(true)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Send(context.Background(), mcp.MethodToolsCall, mcp.Null(), 10*time.Second)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, mcp.ErrConnectionClosed), "got %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call not failed by disconnect")
		}
	}
}

// stallingProcess wraps a pipe whose stdin writes block once stalled, until
// stdin is closed.
type stallingProcess struct {
	*mcptest.Pipe
	stalled atomic.Bool
	release chan struct{}
	once    sync.Once
}

func (p *stallingProcess) Stdin() io.WriteCloser { return stallingStdin{p} }

func (p *stallingProcess) Close() error {
	p.unblock()
	return p.Pipe.Close()
}

func (p *stallingProcess) unblock() { p.once.Do(func() { close(p.release) }) }

type stallingStdin struct{ p *stallingProcess }

func (w stallingStdin) Write(b []byte) (int, error) {
	if w.p.stalled.Load() {
		<-w.p.release
		return 0, io.ErrClosedPipe
	}
	return w.p.Pipe.Stdin().Write(b)
}

func (w stallingStdin) Close() error {
	w.p.unblock()
	return w.p.Pipe.Stdin().Close()
}

func TestDisconnect_FailsCallerStuckInWrite(t *testing.T) {
	srv := mcptest.NewServer("stall")
	proc := &stallingProcess{Pipe: srv.Start(), release: make(chan struct{})}
	c := mcp.NewConnection("stall", func(ctx context.Context) (mcp.Process, error) { return proc, nil })
	t.Cleanup(func() { _ = c.Disconnect() })
	require.NoError(t, c.Connect(context.Background()))

	proc.stalled.Store(true)
	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), mcp.MethodToolsCall, mcp.Null(), 10*time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, mcp.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("caller blocked in write was not released by disconnect")
	}
}

func TestCrash_ObservedAsDisconnected(t *testing.T) {
	srv := mcptest.NewServer("crashy")
	c, started := newConn(t, srv)
	require.NoError(t, c.Connect(context.Background()))
	p := <-started

	p.Crash()
	require.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)

	_, err := c.Send(context.Background(), mcp.MethodPing, mcp.Null(), time.Second)
	assert.True(t, mcp.IsTransient(err))

	// A fresh Connect replaces the dead session.
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, 2, srv.Count(mcp.MethodInitialize))
}

func TestNotificationsRouted(t *testing.T) {
	got := make(chan *mcp.Notification, 1)
	srv := mcptest.NewServer("progress")
	c, started := newConn(t, srv, mcp.WithNotificationHandler(func(n *mcp.Notification) { got <- n }))
	require.NoError(t, c.Connect(context.Background()))
	p := <-started

	require.NoError(t, p.Emit([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"pct":30}}`+"\n")))
	select {
	case n := <-got:
		assert.Equal(t, mcp.Method("notifications/progress"), n.Method)
	case <-time.After(time.Second):
		t.Fatal("notification not routed")
	}
}

func TestAttach_UsesProvidedProcess(t *testing.T) {
	srv := mcptest.NewServer("supervised")
	started := make(chan *mcptest.Pipe, 1)
	c := mcp.NewConnection("supervised", srv.Starter(started))
	defer c.Disconnect()

	p := srv.Start()
	c.Attach(p)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, p.Pid(), c.Pid())
	assert.Len(t, started, 0, "starter is not used when a process is attached")
}
