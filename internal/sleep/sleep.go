// Package sleep provides a context-aware sleep used by polling loops.
package sleep

import (
	"context"
	"time"
)

// Func is the signature of a cancellable sleep. Pollers hold one so tests
// can substitute a recording implementation.
type Func func(ctx context.Context, d time.Duration) error

// Context blocks for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the sleep was interrupted.
func Context(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
