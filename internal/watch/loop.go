package watch

import (
	"context"
	"errors"
	"time"
)

// ErrInactive is returned when no rebuild happened within the inactivity timeout.
var ErrInactive = errors.New("inactivity timeout reached")

// Options configure the continuous loop.
type Options struct {
	Interval   time.Duration // poll interval
	Inactivity time.Duration // zero waits forever
	// OnError receives step errors; the loop goes on after a failed build.
	OnError func(error)
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

// Step runs one build to its fixpoint and reports whether any rule ran.
type Step func(ctx context.Context) (ran bool, err error)

// Loop runs step once, then again on every poll tick or wake-up, until ctx is
// cancelled (a nil return) or the inactivity timeout expires (ErrInactive).
func Loop(ctx context.Context, opts Options, wake <-chan string, step Step) error {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	lastActivity := now()
	run := func() {
		ran, err := step(ctx)
		if err != nil && opts.OnError != nil && ctx.Err() == nil {
			opts.OnError(err)
		}
		if ran {
			lastActivity = now()
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		run()
		if opts.Inactivity > 0 && now().Sub(lastActivity) >= opts.Inactivity {
			return ErrInactive
		}
	}
}
