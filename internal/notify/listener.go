package notify

import (
	"context"

	"github.com/t77yq/execution-tracker/internal/model"
)

// Listener receives execution lifecycle events. Delivery is best effort: the
// tracker logs and counts returned errors and never retries.
type Listener interface {
	OnExecutionEvent(ctx context.Context, event model.ExecutionEvent) error
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, event model.ExecutionEvent) error

// OnExecutionEvent implements Listener
func (f ListenerFunc) OnExecutionEvent(ctx context.Context, event model.ExecutionEvent) error {
	return f(ctx, event)
}
