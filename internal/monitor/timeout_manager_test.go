package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/execution-tracker/internal/model"
)

func newTestTimeoutManager(t *testing.T, cfg TimeoutConfig) (*TimeoutManager, *fakeClock) {
	clock := newFakeClock()
	m := NewTimeoutManager(cfg, zaptest.NewLogger(t))
	m.now = clock.Now
	return m, clock
}

func TestAgentPrefix(t *testing.T) {
	assert.Equal(t, "triage", AgentPrefix("triage_agent"))
	assert.Equal(t, "analysis", AgentPrefix("Analysis_Deep_Dive"))
	assert.Equal(t, "triage", AgentPrefix("triage"))
	assert.Equal(t, "", AgentPrefix("_hidden"))
}

func TestTimeoutManager_ResolveTimeout(t *testing.T) {
	m, _ := newTestTimeoutManager(t, TimeoutConfig{
		DefaultTimeout: 15 * time.Minute,
		AgentTimeouts:  map[string]time.Duration{"Triage": 5 * time.Minute},
	})

	assert.Equal(t, 5*time.Minute, m.ResolveTimeout("triage_agent"))
	assert.Equal(t, 5*time.Minute, m.ResolveTimeout("TRIAGE"))
	assert.Equal(t, 15*time.Minute, m.ResolveTimeout("reporting_agent"))
}

func TestTimeoutManager_SetTimeout(t *testing.T) {
	m, clock := newTestTimeoutManager(t, DefaultTimeoutConfig())

	info, err := m.SetTimeout("exec-1", 0, "analysis_agent")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, info.Timeout)
	assert.Equal(t, clock.Now(), info.StartedAt)
	assert.Equal(t, clock.Now().Add(30*time.Minute), info.TimeoutAt)
	assert.False(t, info.HasTimedOut)

	info, err = m.SetTimeout("exec-2", 2*time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, info.Timeout)

	_, err = m.SetTimeout("", time.Second, "")
	assert.True(t, errors.Is(err, model.ErrValidation))
	_, err = m.SetTimeout("exec-3", -time.Second, "")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestTimeoutManager_ExtendTimeout(t *testing.T) {
	m, clock := newTestTimeoutManager(t, DefaultTimeoutConfig())
	ctx := context.Background()

	_, err := m.SetTimeout("exec-1", time.Second, "")
	require.NoError(t, err)

	require.True(t, m.ExtendTimeout("exec-1", 5*time.Second, "slow dataset"))
	remaining, ok := m.GetRemainingTime("exec-1")
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, remaining)
	assert.Equal(t, 1, m.GetTimeoutInfo("exec-1").Extensions)

	assert.False(t, m.ExtendTimeout("exec-1", 0, "no-op"))
	assert.False(t, m.ExtendTimeout("unknown", time.Second, "missing"))

	clock.Advance(7 * time.Second)
	assert.Equal(t, []string{"exec-1"}, m.CheckTimeouts(ctx))
	assert.False(t, m.ExtendTimeout("exec-1", 5*time.Second, "too late"))
}

func TestTimeoutManager_ExtendAfterDeadlineBeforeCheck(t *testing.T) {
	m, clock := newTestTimeoutManager(t, DefaultTimeoutConfig())

	_, err := m.SetTimeout("exec-1", time.Second, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	assert.False(t, m.ExtendTimeout("exec-1", 5*time.Second, "too late"))
}

func TestTimeoutManager_CheckTimeoutsOnce(t *testing.T) {
	m, clock := newTestTimeoutManager(t, DefaultTimeoutConfig())
	ctx := context.Background()

	var calls int32
	m.AddTimeoutCallback(func(ctx context.Context, executionID string, info model.TimeoutInfo) {
		atomic.AddInt32(&calls, 1)
		assert.True(t, info.HasTimedOut)
		assert.NotEmpty(t, info.TimeoutReason)
	})
	m.AddTimeoutCallback(func(ctx context.Context, executionID string, info model.TimeoutInfo) {
		panic("bad listener")
	})

	_, err := m.SetTimeout("exec-1", 10*time.Second, "")
	require.NoError(t, err)
	_, err = m.SetTimeout("exec-2", time.Minute, "")
	require.NoError(t, err)

	clock.Advance(10*time.Second - time.Millisecond)
	assert.Empty(t, m.CheckTimeouts(ctx))

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"exec-1"}, m.CheckTimeouts(ctx))
	assert.Empty(t, m.CheckTimeouts(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"exec-1"}, m.GetExpiredTimeouts())
	assert.Equal(t, int64(1), m.TimeoutsDetected())

	tracked, expired := m.Stats()
	assert.Equal(t, 2, tracked)
	assert.Equal(t, 1, expired)
}

func TestTimeoutManager_RemainingTime(t *testing.T) {
	m, clock := newTestTimeoutManager(t, DefaultTimeoutConfig())

	_, err := m.SetTimeout("exec-1", time.Second, "")
	require.NoError(t, err)

	clock.Advance(1500 * time.Millisecond)

	// Past the deadline but not yet checked
	remaining, ok := m.GetRemainingTime("exec-1")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), remaining)

	info := m.GetTimeoutInfo("exec-1")
	require.NotNil(t, info)
	assert.Equal(t, -500*time.Millisecond, info.Remaining)
	assert.False(t, info.HasTimedOut)

	_, ok = m.GetRemainingTime("unknown")
	assert.False(t, ok)
	assert.Nil(t, m.GetTimeoutInfo("unknown"))
}

func TestTimeoutManager_ClearTimeoutTwice(t *testing.T) {
	m, clock := newTestTimeoutManager(t, DefaultTimeoutConfig())

	var calls int32
	m.AddTimeoutCallback(func(ctx context.Context, executionID string, info model.TimeoutInfo) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := m.SetTimeout("exec-1", time.Second, "")
	require.NoError(t, err)
	assert.True(t, m.ClearTimeout("exec-1"))
	assert.False(t, m.ClearTimeout("exec-1"))

	clock.Advance(time.Minute)
	assert.Empty(t, m.CheckTimeouts(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestTimeoutManager_RunDetectsExpiry(t *testing.T) {
	m := NewTimeoutManager(TimeoutConfig{CheckInterval: 100 * time.Millisecond}, zaptest.NewLogger(t))

	fired := make(chan string, 1)
	m.AddTimeoutCallback(func(ctx context.Context, executionID string, info model.TimeoutInfo) {
		fired <- executionID
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	start := time.Now()
	_, err := m.SetTimeout("exec-1", 300*time.Millisecond, "")
	require.NoError(t, err)

	select {
	case id := <-fired:
		assert.Equal(t, "exec-1", id)
		assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not detected")
	}
}
