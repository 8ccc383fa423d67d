package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal", "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpen_InMemory(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, ":memory:", j.Path())

	states, err := j.ListWorkerStates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestWorkerStateUpsert(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	missing, err := j.GetWorkerState(ctx, "pdf-processor")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, j.SaveWorkerState(ctx, WorkerState{WorkerID: "pdf-processor", State: "connecting", Pid: 4242}))
	require.NoError(t, j.SaveWorkerState(ctx, WorkerState{WorkerID: "pdf-processor", State: "error", LastError: "handshake failed", Pid: 4242}))
	require.NoError(t, j.SaveWorkerState(ctx, WorkerState{WorkerID: "financial-analyzer", State: "connected"}))

	got, err := j.GetWorkerState(ctx, "pdf-processor")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "error", got.State)
	assert.Equal(t, "handshake failed", got.LastError)
	assert.Equal(t, 4242, got.Pid)
	assert.False(t, got.UpdatedAt.IsZero())

	all, err := j.ListWorkerStates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "financial-analyzer", all[0].WorkerID)
	assert.Equal(t, "pdf-processor", all[1].WorkerID)
}

func TestRequestSummary(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	empty, err := j.RequestSummary(ctx, "openai-service")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Requests)
	assert.Equal(t, 0.0, empty.SuccessRate())

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, j.RecordRequest(ctx, RequestStat{WorkerID: "openai-service", Method: "tools/call", Success: true, Latency: 100 * time.Millisecond, At: at}))
	require.NoError(t, j.RecordRequest(ctx, RequestStat{WorkerID: "openai-service", Method: "tools/call", Success: false, ErrorKind: "timeout", Latency: 300 * time.Millisecond, At: at.Add(time.Second)}))
	require.NoError(t, j.RecordRequest(ctx, RequestStat{WorkerID: "pdf-processor", Method: "ping", Success: true, Latency: time.Millisecond}))

	sum, err := j.RequestSummary(ctx, "openai-service")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Requests)
	assert.Equal(t, int64(1), sum.Successes)
	assert.Equal(t, int64(1), sum.Failures)
	assert.Equal(t, 200*time.Millisecond, sum.AvgLatency)
	assert.Equal(t, 0.5, sum.SuccessRate())
	assert.Equal(t, at.Add(time.Second).UnixMilli(), sum.LastRequest.UnixMilli())
}

func TestRecentLaunches(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i := 1; i <= 3; i++ {
		errText := "startup timeout"
		if i == 3 {
			errText = ""
		}
		require.NoError(t, j.RecordLaunch(ctx, LaunchRecord{
			WorkerType: "pdf-processor",
			Attempt:    i,
			Success:    i == 3,
			Error:      errText,
			Duration:   time.Duration(i) * time.Second,
			At:         base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, j.RecordLaunch(ctx, LaunchRecord{WorkerType: "financial-analyzer", Attempt: 1, Success: true, Pid: 99, At: base}))

	got, err := j.RecentLaunches(ctx, "pdf-processor", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Attempt)
	assert.True(t, got[0].Success)
	assert.Equal(t, 3*time.Second, got[0].Duration)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, "startup timeout", got[1].Error)

	all, err := j.RecentLaunches(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, j.RecordRequest(ctx, RequestStat{WorkerID: "a", Method: "ping", Success: true, At: old}))
	require.NoError(t, j.RecordLaunch(ctx, LaunchRecord{WorkerType: "a", Attempt: 1, At: old}))
	require.NoError(t, j.RecordRequest(ctx, RequestStat{WorkerID: "a", Method: "ping", Success: true}))

	n, err := j.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sum, err := j.RequestSummary(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Requests)
}
