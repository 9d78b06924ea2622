// Package retry provides bounded polling with a terminal-error
// predicate, shared by capture-state polling, carrier-connect waiting
// and bridge-membership verification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is matched by errors.Is when all attempts were used.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	// Interval is the wait between attempts.
	Interval time.Duration
	// MaxAttempts is the total number of calls. Values below 1 mean 1.
	MaxAttempts int
	// Multiplier grows the interval after each attempt; 0 or 1 keeps it fixed.
	Multiplier float64
	// MaxInterval caps a growing interval.
	MaxInterval time.Duration
	// Terminal reports errors that must stop the loop immediately.
	Terminal func(error) bool
}

// ExhaustedError carries the last error seen before giving up.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("gave up after %d attempts", e.Attempts)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrExhausted}
	}
	return []error{ErrExhausted, e.Last}
}

// Func is one attempt. done=true with a nil error ends the loop with
// success; a non-nil error with done=true ends it with that error.
type Func func(ctx context.Context) (done bool, err error)

// Poll calls fn until it reports done, a terminal error occurs, the
// attempts run out, or ctx ends.
func Poll(ctx context.Context, p Policy, fn Func) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	interval := p.Interval

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx)
		if done {
			return err
		}
		if err != nil {
			if p.Terminal != nil && p.Terminal(err) {
				return err
			}
			last = err
		}

		if attempt == attempts {
			break
		}
		if interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		interval = p.next(interval)
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	d = time.Duration(float64(d) * p.Multiplier)
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Do retries fn until it returns nil.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return Poll(ctx, p, func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Attempts derives an attempt count from a total wait and an interval,
// e.g. 30s at 500ms gives 60.
func Attempts(total, interval time.Duration) int {
	if interval <= 0 || total <= 0 {
		return 1
	}
	n := int(total / interval)
	if n < 1 {
		return 1
	}
	return n
}
