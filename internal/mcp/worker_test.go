package mcp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/mcp/mcptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

type stateLog struct {
	mu      sync.Mutex
	changes []mcp.StateChange
}

func (l *stateLog) record(c mcp.StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *stateLog) path() []mcp.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []mcp.ConnectionState
	for _, c := range l.changes {
		out = append(out, c.To)
	}
	return out
}

func newWorker(t *testing.T, srv *mcptest.Server, opts ...mcp.WorkerOption) (*mcp.Worker, chan *mcptest.Pipe) {
	t.Helper()
	started := make(chan *mcptest.Pipe, 8)
	spec := mcp.WorkerSpec{
		ID:           srv.Name(),
		DisplayName:  srv.Name(),
		Capabilities: []mcp.Method{mcp.MethodToolsList, mcp.MethodToolsCall},
	}
	w := mcp.NewWorker(spec, srv.Starter(started), opts...)
	t.Cleanup(func() { _ = w.Disconnect() })
	return w, started
}

func TestWorker_ConnectTransitions(t *testing.T) {
	log := &stateLog{}
	w, _ := newWorker(t, mcptest.NewServer("financial-analyzer"), mcp.WithStateListener(log.record))

	assert.Equal(t, mcp.StateDisconnected, w.State())
	require.NoError(t, w.Connect(context.Background()))
	assert.Equal(t, mcp.StateConnected, w.State())
	assert.True(t, w.IsConnected())

	require.NoError(t, w.Disconnect())
	assert.Equal(t, mcp.StateDisconnected, w.State())
	assert.Equal(t, []mcp.ConnectionState{mcp.StateConnecting, mcp.StateConnected, mcp.StateDisconnected}, log.path())
}

func TestWorker_FailedConnectMovesToError(t *testing.T) {
	srv := mcptest.NewServer("pdf-processor")
	srv.Handle(mcp.MethodInitialize, func(context.Context, *mcp.Request) (mcp.Value, *mcp.RPCError) {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeServerError, "missing dependency")
	})
	w, _ := newWorker(t, srv)

	require.Error(t, w.Connect(context.Background()))
	assert.Equal(t, mcp.StateError, w.State())
	assert.Error(t, w.LastError())

	// error requires an explicit connect to leave.
	srv.Handle(mcp.MethodInitialize, mcptest.NewServer("pdf-processor").InitializeHandler())
	require.NoError(t, w.Connect(context.Background()))
	assert.Equal(t, mcp.StateConnected, w.State())
}

func TestWorker_RetryBackoff(t *testing.T) {
	srv := mcptest.NewServer("openai-service")
	srv.Handle(mcp.MethodFinancialCategorize, mcptest.FailTimes(2, mcp.CodeServerError, mcptest.Result(mcp.Str("Groceries"))))
	rec := &sleepRecorder{}
	w, _ := newWorker(t, srv,
		mcp.WithRetryPolicy(mcp.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, RetryApplicationErrors: true}),
		mcp.WithSleeper(rec.sleep),
	)
	require.NoError(t, w.Connect(context.Background()))

	v, err := w.SendRequestWithRetry(context.Background(), mcp.MethodFinancialCategorize, mcp.Null())
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "Groceries", s)

	// base × 2^attempt for attempts 0 and 1.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.recorded())

	m := w.Metrics()
	assert.Equal(t, int64(3), m.RequestCount)
	assert.Equal(t, int64(1), m.SuccessCount)
	assert.Equal(t, int64(2), m.ErrorCount)
	assert.InDelta(t, 1.0/3.0, m.SuccessRate(), 1e-9)
}

func TestWorker_ApplicationErrorsNotRetriedByDefault(t *testing.T) {
	srv := mcptest.NewServer("financial-analyzer")
	srv.Handle(mcp.MethodFinancialAnalyze, mcptest.FailTimes(5, mcp.CodeInvalidParams, mcptest.Result(mcp.Null())))
	rec := &sleepRecorder{}
	w, _ := newWorker(t, srv, mcp.WithSleeper(rec.sleep))
	require.NoError(t, w.Connect(context.Background()))

	_, err := w.SendRequestWithRetry(context.Background(), mcp.MethodFinancialAnalyze, mcp.Null())
	var rpcErr *mcp.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, mcp.CodeInvalidParams, rpcErr.Code)
	assert.Empty(t, rec.recorded())
	assert.Equal(t, 1, srv.Count(mcp.MethodFinancialAnalyze))
}

func TestWorker_TransportFailuresAreRetried(t *testing.T) {
	srv := mcptest.NewServer("pdf-processor")
	rec := &sleepRecorder{}
	w, started := newWorker(t, srv,
		mcp.WithRetryPolicy(mcp.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
		mcp.WithSleeper(rec.sleep),
	)
	require.NoError(t, w.Connect(context.Background()))
	(<-started).Crash()
	require.Eventually(t, func() bool { return !w.Conn().IsConnected() }, time.Second, 5*time.Millisecond)

	_, err := w.SendRequestWithRetry(context.Background(), mcp.MethodPing, mcp.Null())
	require.Error(t, err)
	assert.True(t, mcp.IsTransient(err))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, rec.recorded())
	assert.Equal(t, int64(3), w.Metrics().ErrorCount)
}

func TestWorker_SendWhileDisconnected(t *testing.T) {
	w, _ := newWorker(t, mcptest.NewServer("idle"))
	_, err := w.SendRequest(context.Background(), mcp.MethodPing, mcp.Null())
	assert.True(t, errors.Is(err, mcp.ErrNotConnected))
	assert.Equal(t, int64(0), w.Metrics().RequestCount)
}

func TestWorker_HeartbeatReconnectsAfterCrash(t *testing.T) {
	log := &stateLog{}
	srv := mcptest.NewServer("financial-analyzer")
	w, started := newWorker(t, srv,
		mcp.WithHeartbeat(20*time.Millisecond, 0),
		mcp.WithStateListener(log.record),
	)
	require.NoError(t, w.Connect(context.Background()))
	first := <-started

	first.Crash()
	require.Eventually(t, func() bool {
		return srv.Count(mcp.MethodInitialize) == 2 && w.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []mcp.ConnectionState{
		mcp.StateConnecting, mcp.StateConnected,
		mcp.StateReconnecting, mcp.StateConnected,
	}, log.path())
}

func TestWorker_ProbeFailuresAloneDoNotReconnect(t *testing.T) {
	srv := mcptest.NewServer("openai-service")
	srv.Handle(mcp.MethodPing, func(context.Context, *mcp.Request) (mcp.Value, *mcp.RPCError) {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeServerError, "busy")
	})
	w, _ := newWorker(t, srv, mcp.WithHeartbeat(10*time.Millisecond, 0))
	require.NoError(t, w.Connect(context.Background()))

	require.Eventually(t, func() bool { return w.ProbeFailures() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, mcp.StateConnected, w.State())
	assert.Equal(t, 1, srv.Count(mcp.MethodInitialize))
	assert.False(t, w.LastProbe().IsZero())
}

func TestWorker_ProbeThresholdForcesReconnect(t *testing.T) {
	srv := mcptest.NewServer("openai-service")
	srv.Handle(mcp.MethodPing, func(context.Context, *mcp.Request) (mcp.Value, *mcp.RPCError) {
		return mcp.Value{}, mcp.NewRPCError(mcp.CodeServerError, "busy")
	})
	w, _ := newWorker(t, srv, mcp.WithHeartbeat(10*time.Millisecond, 2))
	require.NoError(t, w.Connect(context.Background()))

	require.Eventually(t, func() bool { return srv.Count(mcp.MethodInitialize) >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_BindUsesSupervisedProcess(t *testing.T) {
	srv := mcptest.NewServer("pdf-processor")
	w, started := newWorker(t, srv)
	require.NoError(t, w.Connect(context.Background()))
	own := <-started

	supervised := srv.Start()
	require.NoError(t, w.Bind(context.Background(), supervised))
	assert.True(t, w.IsConnected())
	assert.Equal(t, supervised.Pid(), w.Conn().Pid())
	assert.True(t, own.Exited(), "previous process is released on bind")
}

func TestMetrics_EMA(t *testing.T) {
	var r mcp.MetricsRecorder
	now := time.Now()
	r.Record(100*time.Millisecond, true, now)
	assert.Equal(t, 100*time.Millisecond, r.Snapshot().AvgResponseTime)

	r.Record(200*time.Millisecond, false, now)
	// 0.1*200 + 0.9*100 = 110
	assert.Equal(t, 110*time.Millisecond, r.Snapshot().AvgResponseTime)
	assert.Equal(t, 0.5, r.Snapshot().SuccessRate())

	r.Reset()
	assert.Equal(t, 0.0, r.Snapshot().SuccessRate())
}

func TestRetryPolicy(t *testing.T) {
	p := mcp.DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))

	assert.True(t, p.ShouldRetry(mcp.ErrConnectionClosed))
	assert.True(t, p.ShouldRetry(mcp.ErrTimeout))
	assert.False(t, p.ShouldRetry(mcp.ErrProtocol))
	assert.False(t, p.ShouldRetry(context.Canceled))
	assert.False(t, p.ShouldRetry(mcp.NewRPCError(mcp.CodeServerError, "x")))

	p.RetryApplicationErrors = true
	assert.True(t, p.ShouldRetry(mcp.NewRPCError(mcp.CodeServerError, "x")))
}
