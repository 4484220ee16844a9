package writer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Throttle enforces a minimum interval between the end of one successful
// write and the start of the next. One Throttle is shared by every request
// in the process.
//
// The timestamp is read and updated under a mutex but the wait happens
// outside it, so two writers that start at the same time may both pass.
// Spacing is strict only for writes that observe each other's completion.
type Throttle struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	interval time.Duration
	last     time.Time
}

// NewThrottle creates a Throttle. A nil clock uses the real clock.
func NewThrottle(interval time.Duration, clock clockwork.Clock) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{clock: clock, interval: interval}
}

// Wait blocks until at least the configured interval has passed since the
// last recorded write. It returns how long it waited.
func (t *Throttle) Wait(ctx context.Context) (time.Duration, error) {
	t.mu.Lock()
	var wait time.Duration
	if !t.last.IsZero() {
		wait = t.interval - t.clock.Since(t.last)
	}
	t.mu.Unlock()

	if wait <= 0 {
		return 0, nil
	}
	return wait, sleep(ctx, t.clock, wait)
}

// MarkWrite records the completion of a successful write.
func (t *Throttle) MarkWrite() {
	now := t.clock.Now()
	t.mu.Lock()
	t.last = now
	t.mu.Unlock()
}

// LastWrite returns the time of the last recorded write, zero if none.
func (t *Throttle) LastWrite() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// sleep waits for d on clock or until ctx is done.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
