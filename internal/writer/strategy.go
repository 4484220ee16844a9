package writer

import (
	"errors"
	"time"

	"github.com/listingbox/listingbox/internal/storage"
)

// Strategy decides how long to wait before the next attempt.
type Strategy interface {
	// Delay returns the wait after the given failed attempt (1-based).
	Delay(attempt int, err error) time.Duration
}

// RetryAfterStrategy waits as long as the storage API asked, one second when
// it did not say.
type RetryAfterStrategy struct{}

// Delay implements Strategy.
func (RetryAfterStrategy) Delay(attempt int, err error) time.Duration {
	var apiErr *storage.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Backoff()
	}
	return storage.DefaultRetryAfter
}

// LinearStrategy waits attempt x Unit.
type LinearStrategy struct {
	Unit time.Duration
}

// Delay implements Strategy.
func (s LinearStrategy) Delay(attempt int, err error) time.Duration {
	return time.Duration(attempt) * s.Unit
}
