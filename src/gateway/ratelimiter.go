package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// SendBurst is the number of gateway frames that may be sent back to back
// before the limiter starts throttling. A higher burst recovers slower.
var SendBurst = 5

// NewSendLimiter returns the token bucket guarding outbound frames on one
// gateway connection. The platform allows 120 frames per minute per
// connection; the burst is carved out of that budget.
func NewSendLimiter() *rate.Limiter {
	const perMinute = 120
	return rate.NewLimiter(
		rate.Every(time.Minute/(perMinute-time.Duration(SendBurst))),
		SendBurst,
	)
}
