package engine

import (
	"context"
	"time"
)

// BackoffPolicy computes the delay before retry attempt n (zero-based).
// The policy is injected into the Runner so tests asserting exact retry
// counts can run with no delay at all.
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// NoBackoff retries immediately. This is the default.
type NoBackoff struct{}

func (NoBackoff) Delay(int) time.Duration { return 0 }

// ConstantBackoff waits the same interval before every retry.
type ConstantBackoff struct {
	Interval time.Duration
}

func (b ConstantBackoff) Delay(int) time.Duration { return b.Interval }

// LinearBackoff waits Base * (attempt + 1).
type LinearBackoff struct {
	Base time.Duration
}

func (b LinearBackoff) Delay(attempt int) time.Duration {
	return b.Base * time.Duration(attempt+1)
}

// ExponentialBackoff waits Base * 2^attempt, capped at Max when Max > 0.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// waitBackoff sleeps for the given delay or returns early if the context is
// cancelled during the wait.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
