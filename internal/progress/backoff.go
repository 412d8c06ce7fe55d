package progress

import (
	"time"

	"github.com/jpillora/backoff"
)

// reconnectDelay returns the wait before reconnect attempt n (1-based):
// initial * 2^(n-1), capped at max.
func reconnectDelay(opts Options, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := &backoff.Backoff{
		Min:    opts.InitialBackoff,
		Max:    opts.MaxBackoff,
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(n - 1))
}
