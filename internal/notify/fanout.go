package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

// Fanout delivers each event to every registered listener in order. A failing
// or panicking listener does not stop delivery to the rest.
type Fanout struct {
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewFanout creates a new fan-out listener
func NewFanout(logger *zap.Logger, listeners ...Listener) *Fanout {
	return &Fanout{
		logger:    logger.Named("fanout"),
		listeners: listeners,
	}
}

// Add registers a listener
func (f *Fanout) Add(l Listener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// Len returns the number of registered listeners
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

// OnExecutionEvent implements Listener. It returns the joined errors of all
// listeners that failed.
func (f *Fanout) OnExecutionEvent(ctx context.Context, event model.ExecutionEvent) error {
	f.mu.RLock()
	listeners := make([]Listener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.RUnlock()

	var errs []error
	for _, l := range listeners {
		if err := deliver(ctx, l, event); err != nil {
			f.logger.Warn("Listener failed",
				zap.String("kind", string(event.Kind)),
				zap.String("execution_id", event.ExecutionID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, l Listener, event model.ExecutionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: listener panicked: %v", model.ErrCallbackFailed, r)
		}
	}()
	return l.OnExecutionEvent(ctx, event)
}
