package executor

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy bounds how often a step is submitted within one session and
// how long to wait between transient failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return errors.New("backoff must be >= 0")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return errors.New("initial backoff must not exceed max backoff")
	}
	if p.Multiplier < 1 {
		return errors.New("backoff multiplier must be >= 1")
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based):
// initial * multiplier^(attempt-1), capped at MaxBackoff when set.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if backoff > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(backoff)
}
