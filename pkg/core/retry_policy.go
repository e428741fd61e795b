package core

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

const fallbackRetryDelay = 50 * time.Millisecond

// RetryPolicy defines exponential backoff settings for retryable DynamoDB operations.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts before giving up.
	MaxRetries int `yaml:"max_retries"`
	// InitialDelay is the base delay between attempts.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// BackoffFactor controls how quickly the delay grows between attempts.
	BackoffFactor float64 `yaml:"backoff_factor"`
	// Jitter adds randomness (as a fraction between 0 and 1) to each delay.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy returns a conservative retry policy suitable for most batch operations.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

// NoRetry returns a policy that never retries.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{}
}

// Clone returns a copy of the policy so callers can modify it without affecting the original.
func (p *RetryPolicy) Clone() *RetryPolicy {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Retries returns the number of retries allowed; a nil policy allows none.
func (p *RetryPolicy) Retries() int {
	if p == nil || p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

// Delay returns the backoff before retry number attempt (zero based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil {
		return 0
	}

	delay := p.InitialDelay
	if delay <= 0 {
		delay = fallbackRetryDelay
	}

	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	if attempt > 0 {
		delay = time.Duration(float64(delay) * math.Pow(factor, float64(attempt)))
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		if r, err := cryptoFloat64(); err == nil {
			offset := (r*2 - 1) * p.Jitter * float64(delay)
			delay += time.Duration(offset)
		}
		if delay < 0 {
			delay = p.InitialDelay
			if delay <= 0 {
				delay = fallbackRetryDelay
			}
		}
	}

	return delay
}

func cryptoFloat64() (float64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	// top 53 bits give a uniform [0,1) fraction
	u := binary.BigEndian.Uint64(b[:]) >> 11
	return float64(u) / (1 << 53), nil
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
