package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/anxiangsir/kbretrieval/pkg/errors"
)

// WithTimeout runs fn with a context cancelled after timeout. A deadline
// miss is reported as both apperrors.ErrTimeout and
// context.DeadlineExceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return deadlineError(name, timeout)
		}
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return deadlineError(name, timeout)
	}
}

func deadlineError(name string, timeout time.Duration) error {
	return fmt.Errorf("%s: %w: %w (limit: %v)", name, apperrors.ErrTimeout, context.DeadlineExceeded, timeout)
}
