package schedule

import (
	"context"
	"time"
)

// Clock abstracts time for the dispatch loop. The controller's only
// suspension points (inter-send pacing and the out-of-window pause) go
// through Sleep, so tests can fast-forward them.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled, returning ctx's
	// error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// System returns a Clock backed by the wall clock.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
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
