// Package clock abstracts time so control loops can be driven in tests.
package clock

import (
	"context"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// Sleep waits for d on the given clock, returning early with false when
// ctx is cancelled. Used for retry delays and restart gaps.
func Sleep(ctx context.Context, c Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-c.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
