package orchestrator

import (
	"context"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// RetryPolicy is an exponential backoff schedule.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries transient failures twice: after 1s, then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Factor: 2, Cap: time.Minute, MaxAttempts: 3}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Backoff returns the delay before retry n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	p = p.normalized()
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			return p.Cap
		}
	}
	if d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, fails permanently, or the attempts run
// out. Only core.IsTransient errors are retried. fn receives the 1-based
// attempt number.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	p = p.normalized()
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil || !core.IsTransient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.WrapError(core.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
