package adapters

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/beamline/trove/pkg/observability"
)

// Offloader runs blocking storage calls on a bounded pool so request
// handlers never stall the accept loop on file or adapter I/O.
type Offloader struct {
	slots  chan struct{}
	logger *observability.Logger
}

// NewOffloader creates an offloader with the given concurrency bound.
func NewOffloader(workers int, logger *observability.Logger) *Offloader {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Offloader{
		slots:  make(chan struct{}, workers),
		logger: logger,
	}
}

// Do runs fn on the pool and waits for it. The wait respects ctx: a
// cancelled caller unblocks immediately while the work finishes (and is
// discarded) in the background. Panics inside fn are recovered and
// surfaced as errors.
func (o *Offloader) Do(ctx context.Context, taskName string, fn func(context.Context) error) error {
	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-o.slots }()
		defer func() {
			if r := recover(); r != nil {
				o.logger.WithField("task", taskName).
					Errorf("panic in offloaded call: %v\n%s", r, debug.Stack())
				done <- fmt.Errorf("panic in %s: %v", taskName, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, o *Offloader, taskName string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := o.Do(ctx, taskName, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
