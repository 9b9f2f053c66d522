package amocrm

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond is amoCRM's documented per-integration ceiling.
const DefaultRequestsPerSecond = 7

// NewLimiter returns a limiter that never admits more than perSecond
// requests in any rolling one-second window. Burst is 1 and each interval
// carries a 1ms margin, so perSecond+1 admissions always span more than a
// second.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = DefaultRequestsPerSecond
	}
	interval := time.Second/time.Duration(perSecond) + time.Millisecond
	return rate.NewLimiter(rate.Every(interval), 1)
}
