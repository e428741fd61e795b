// Package protection throttles bulk requests so batch work stays within the
// capacity a table can absorb.
package protection

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
)

// Limiter is a token bucket shared by every batch request of a DB.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows requestsPerSecond requests on average with bursts of up to
// burst requests. A burst below one becomes the rate rounded up.
func NewLimiter(requestsPerSecond float64, burst int) (*Limiter, error) {
	if requestsPerSecond <= 0 || math.IsInf(requestsPerSecond, 0) || math.IsNaN(requestsPerSecond) {
		return nil, fmt.Errorf("%w: request rate must be a positive number", customerrors.ErrInvalidConfig)
	}
	if burst < 1 {
		burst = int(math.Ceil(requestsPerSecond))
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}, nil
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether a request may be sent now without waiting.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Burst returns the bucket size.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.limiter.Burst()
}
