// Package global holds process-wide default instances.
package global

import (
	"sync"
	"sync/atomic"

	"github.com/toolink/floodgate/limiter"
)

var (
	globalRateLimiter  atomic.Value
	defaultRateLimiter sync.Once
)

// SetRateLimiter sets the global rate limiter instance.
func SetRateLimiter(rl *limiter.RateLimiter) {
	globalRateLimiter.Store(rl)
}

// GetRateLimiter retrieves the current global rate limiter instance.
// Until SetRateLimiter is called it returns a limiter without rules, which
// allows every request. That default is built on first use.
func GetRateLimiter() *limiter.RateLimiter {
	if rl, ok := globalRateLimiter.Load().(*limiter.RateLimiter); ok {
		return rl
	}
	defaultRateLimiter.Do(func() {
		rl, err := limiter.NewRateLimiter(&limiter.Config{})
		if err != nil {
			panic("failed to initialize default global rate limiter: " + err.Error())
		}
		// a concurrent SetRateLimiter wins
		globalRateLimiter.CompareAndSwap(nil, rl)
	})
	return globalRateLimiter.Load().(*limiter.RateLimiter)
}
