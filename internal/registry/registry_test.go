package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/execution-tracker/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []*model.ExecutionRecord
	err     error
}

func (a *recordingArchiver) Archive(ctx context.Context, records []*model.ExecutionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, records...)
	return a.err
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := New(DefaultConfig(), zaptest.NewLogger(t))
	r.now = clock.Now
	return r, clock
}

func TestRegistry_RegisterExecution(t *testing.T) {
	r, _ := newTestRegistry(t)

	ctx := map[string]interface{}{"dataset": "sales"}
	record, err := r.RegisterExecution("run-1", "triage", ctx)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatePending, record.State)
	require.Contains(t, record.ExecutionID, "triage_run-1_")

	got := r.GetExecution(record.ExecutionID)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "triage", got.AgentName)
	assert.Equal(t, ctx, got.Context)
	assert.Equal(t, model.ExecutionStatePending, got.State)

	// Mutating the caller's map must not leak into the record
	ctx["dataset"] = "changed"
	assert.Equal(t, "sales", r.GetExecution(record.ExecutionID).Context["dataset"])
}

func TestRegistry_RegisterExecutionValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.RegisterExecution("", "triage", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = r.RegisterExecution("run-1", " ", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Equal(t, 0, r.GetMetrics().TotalExecutions)
}

func TestRegistry_UpdateExecutionState(t *testing.T) {
	r, clock := newTestRegistry(t)

	record, err := r.RegisterExecution("run-1", "triage", nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	ok, err := r.UpdateExecutionState(record.ExecutionID, model.ExecutionStateRunning, model.UpdateMetadata{
		Progress:  &model.Progress{Stage: "load", Percentage: 120},
		Heartbeat: true,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.UpdateExecutionState(record.ExecutionID, model.ExecutionStatePending, model.UpdateMetadata{})
	require.Error(t, err)
	require.False(t, ok)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	assert.Equal(t, model.ErrCodeInvalidTransition, model.ErrorCode(err))

	got := r.GetExecution(record.ExecutionID)
	assert.Equal(t, model.ExecutionStateRunning, got.State)
	assert.Equal(t, 100.0, got.Progress.Percentage)
	require.NotNil(t, got.HeartbeatAt)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestRegistry_UpdateUnknownExecution(t *testing.T) {
	r, _ := newTestRegistry(t)

	ok, err := r.UpdateExecutionState("missing", model.ExecutionStateRunning, model.UpdateMetadata{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistry_UpdatedAtIsMonotonic(t *testing.T) {
	r, clock := newTestRegistry(t)

	record, err := r.RegisterExecution("run-1", "triage", nil)
	require.NoError(t, err)

	clock.Advance(-time.Minute)
	ok, err := r.UpdateExecutionState(record.ExecutionID, model.ExecutionStateRunning, model.UpdateMetadata{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.UpdatedAt, r.GetExecution(record.ExecutionID).UpdatedAt)
}

func TestRegistry_MergesRecoveryMetadata(t *testing.T) {
	r, _ := newTestRegistry(t)

	record, err := r.RegisterExecution("run-1", "analysis_agent", nil)
	require.NoError(t, err)

	_, err = r.UpdateExecutionState(record.ExecutionID, model.ExecutionStateFailed, model.UpdateMetadata{Error: "boom"})
	require.NoError(t, err)

	retries := 1
	_, err = r.UpdateExecutionState(record.ExecutionID, model.ExecutionStateRecovering, model.UpdateMetadata{
		RecoveryAction: "retry",
		RetryCount:     &retries,
	})
	require.NoError(t, err)

	got := r.GetExecution(record.ExecutionID)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, got.RecoveryActions, 1)
	assert.Equal(t, "retry", got.RecoveryActions[0].Action)
	assert.Equal(t, model.ExecutionStateRecovering, got.RecoveryActions[0].State)
	require.NotNil(t, got.CompletedAt)
}

func TestRegistry_Queries(t *testing.T) {
	r, clock := newTestRegistry(t)

	a, err := r.RegisterExecution("run-1", "triage", nil)
	require.NoError(t, err)
	b, err := r.RegisterExecution("run-1", "analysis", nil)
	require.NoError(t, err)
	c, err := r.RegisterExecution("run-2", "triage", nil)
	require.NoError(t, err)

	_, err = r.UpdateExecutionState(c.ExecutionID, model.ExecutionStateAborted, model.UpdateMetadata{})
	require.NoError(t, err)

	assert.Len(t, r.GetExecutionsByRunID("run-1"), 2)
	assert.Len(t, r.GetExecutionsByAgent("triage"), 2)
	assert.Len(t, r.GetActiveExecutions(), 2)

	past := clock.Now().Add(-time.Second)
	require.True(t, r.SetTimeoutAt(a.ExecutionID, past))
	require.False(t, r.SetTimeoutAt("missing", past))

	timedOut := r.GetTimedOutExecutions()
	require.Len(t, timedOut, 1)
	assert.Equal(t, a.ExecutionID, timedOut[0].ExecutionID)

	clock.Advance(10 * time.Minute)
	_, err = r.UpdateExecutionState(b.ExecutionID, model.ExecutionStateRunning, model.UpdateMetadata{})
	require.NoError(t, err)

	stale := r.GetStaleExecutions(5 * time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, a.ExecutionID, stale[0].ExecutionID)
}

func TestRegistry_Metrics(t *testing.T) {
	r, clock := newTestRegistry(t)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		rec, err := r.RegisterExecution(fmt.Sprintf("run-%d", i), "triage", nil)
		require.NoError(t, err)
		ids = append(ids, rec.ExecutionID)
	}

	for _, id := range ids {
		ok, err := r.UpdateExecutionState(id, model.ExecutionStateRunning, model.UpdateMetadata{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	clock.Advance(10 * time.Second)
	for _, id := range ids[:2] {
		ok, err := r.UpdateExecutionState(id, model.ExecutionStateSuccess, model.UpdateMetadata{})
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := r.UpdateExecutionState(ids[2], model.ExecutionStateFailed, model.UpdateMetadata{})
	require.NoError(t, err)
	require.True(t, ok)

	m := r.GetMetrics()
	assert.Equal(t, 4, m.TotalExecutions)
	assert.Equal(t, 1, m.ActiveExecutions)
	assert.Equal(t, 2, m.SuccessfulExecutions)
	assert.Equal(t, 1, m.FailedExecutions)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 0.0001)
	assert.InDelta(t, float64(10*time.Second), float64(m.AverageDuration), float64(time.Millisecond))

	// Recovery reactivates a failed execution
	_, err = r.UpdateExecutionState(ids[2], model.ExecutionStateRecovering, model.UpdateMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.GetMetrics().ActiveExecutions)
}

func TestRegistry_CleanupExpiredExecutions(t *testing.T) {
	r, clock := newTestRegistry(t)

	archiver := &recordingArchiver{}
	r.SetArchiver(archiver)

	var purged []string
	r.AddCleanupListener(func(records []*model.ExecutionRecord) {
		for _, rec := range records {
			purged = append(purged, rec.ExecutionID)
		}
	})
	r.AddCleanupListener(func(records []*model.ExecutionRecord) {
		panic("listener failure")
	})

	done, err := r.RegisterExecution("run-1", "triage", nil)
	require.NoError(t, err)
	running, err := r.RegisterExecution("run-2", "triage", nil)
	require.NoError(t, err)

	for _, state := range []model.ExecutionState{model.ExecutionStateRunning, model.ExecutionStateSuccess} {
		ok, err := r.UpdateExecutionState(done.ExecutionID, state, model.UpdateMetadata{})
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := r.UpdateExecutionState(running.ExecutionID, model.ExecutionStateRunning, model.UpdateMetadata{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 0, r.CleanupExpiredExecutions(context.Background(), time.Hour))

	clock.Advance(2 * time.Hour)
	require.Equal(t, 1, r.CleanupExpiredExecutions(context.Background(), time.Hour))

	assert.Nil(t, r.GetExecution(done.ExecutionID))
	assert.NotNil(t, r.GetExecution(running.ExecutionID))
	assert.Equal(t, []string{done.ExecutionID}, purged)
	require.Len(t, archiver.records, 1)
	assert.Equal(t, done.ExecutionID, archiver.records[0].ExecutionID)

	ok, err = r.UpdateExecutionState(done.ExecutionID, model.ExecutionStateRecovering, model.UpdateMetadata{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	r := New(DefaultConfig(), zaptest.NewLogger(t))

	const n = 1000
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := r.RegisterExecution(fmt.Sprintf("run-%d", i), "triage", nil)
			if err == nil {
				ids[i] = rec.ExecutionID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Len(t, r.GetActiveExecutions(), n)
	assert.Equal(t, n, r.GetMetrics().ActiveExecutions)
}

func TestRegistry_ConcurrentTransitionsSameID(t *testing.T) {
	r := New(DefaultConfig(), zaptest.NewLogger(t))

	rec, err := r.RegisterExecution("run-1", "triage", nil)
	require.NoError(t, err)
	_, err = r.UpdateExecutionState(rec.ExecutionID, model.ExecutionStateRunning, model.UpdateMetadata{})
	require.NoError(t, err)

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.UpdateExecutionState(rec.ExecutionID, model.ExecutionStateSuccess, model.UpdateMetadata{}); ok {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	assert.Equal(t, 1, r.GetMetrics().SuccessfulExecutions)
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	r := New(Config{CleanupInterval: time.Second, Retention: time.Hour}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistry_MetricsCountRecoveredExecutionOnce(t *testing.T) {
	r, clock := newTestRegistry(t)

	rec, err := r.RegisterExecution("run-1", "triage", nil)
	require.NoError(t, err)
	id := rec.ExecutionID

	steps := []model.ExecutionState{
		model.ExecutionStateRunning,
		model.ExecutionStateFailed,
		model.ExecutionStateRecovering,
		model.ExecutionStateFailed,
	}
	for _, state := range steps {
		clock.Advance(10 * time.Second)
		ok, err := r.UpdateExecutionState(id, state, model.UpdateMetadata{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	m := r.GetMetrics()
	assert.Equal(t, 1, m.FailedExecutions)
	assert.Equal(t, 0, m.ActiveExecutions)
	assert.InDelta(t, 0.0, m.SuccessRate, 0.0001)
	// Duration is taken when the execution first settled
	assert.InDelta(t, float64(20*time.Second), float64(m.AverageDuration), float64(time.Millisecond))

	for _, state := range []model.ExecutionState{
		model.ExecutionStateRecovering,
		model.ExecutionStateRunning,
		model.ExecutionStateSuccess,
	} {
		ok, err := r.UpdateExecutionState(id, state, model.UpdateMetadata{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	m = r.GetMetrics()
	assert.Equal(t, 0, m.FailedExecutions)
	assert.Equal(t, 1, m.SuccessfulExecutions)
	assert.InDelta(t, 1.0, m.SuccessRate, 0.0001)
	assert.InDelta(t, float64(20*time.Second), float64(m.AverageDuration), float64(time.Millisecond))
}
