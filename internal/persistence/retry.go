package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Backoff is an exponential retry schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff starts at 100ms and doubles up to 30s.
var DefaultBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 30 * time.Second}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, returns a Permanent error, or ctx is
// cancelled. A permanent error is returned unwrapped. onRetry, if set, is
// called before every wait.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	backoff := b.Initial
	if backoff <= 0 {
		backoff = DefaultBackoff.Initial
	}
	maxBackoff := b.Max
	if maxBackoff < backoff {
		maxBackoff = backoff
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: succeeded after %d retries", attempt)
			}
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}

		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		log.Printf("WARN: retry attempt %d (backoff=%v): %v", attempt+1, backoff, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
