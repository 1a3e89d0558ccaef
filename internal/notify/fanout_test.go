package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/execution-tracker/internal/model"
)

func TestFanout_IsolatesFailures(t *testing.T) {
	var delivered []string
	record := func(name string) Listener {
		return ListenerFunc(func(ctx context.Context, event model.ExecutionEvent) error {
			delivered = append(delivered, name)
			return nil
		})
	}

	boom := errors.New("sink down")
	fanout := NewFanout(zaptest.NewLogger(t),
		record("first"),
		ListenerFunc(func(ctx context.Context, event model.ExecutionEvent) error {
			return boom
		}),
		ListenerFunc(func(ctx context.Context, event model.ExecutionEvent) error {
			panic("bad listener")
		}),
	)
	fanout.Add(record("last"))
	require.Equal(t, 4, fanout.Len())

	err := fanout.OnExecutionEvent(context.Background(), model.ExecutionEvent{Kind: model.EventStarted})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, errors.Is(err, model.ErrCallbackFailed))
	assert.Equal(t, []string{"first", "last"}, delivered)
}

func TestFanout_Empty(t *testing.T) {
	fanout := NewFanout(zap.NewNop())
	assert.NoError(t, fanout.OnExecutionEvent(context.Background(), model.ExecutionEvent{Kind: model.EventProgress}))
}

func TestLogNotifier_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	notifier := NewLogNotifier(zap.New(core))

	ctx := context.Background()
	require.NoError(t, notifier.OnExecutionEvent(ctx, model.ExecutionEvent{Kind: model.EventAgentDeath, ExecutionID: "exec-1"}))
	require.NoError(t, notifier.OnExecutionEvent(ctx, model.ExecutionEvent{Kind: model.EventCompleted, ExecutionID: "exec-1"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "exec-1", entries[0].ContextMap()["execution_id"])
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
}
