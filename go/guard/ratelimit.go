// Package guard gates every driver invocation behind the fail-closed
// chain the orchestrator requires: payload redaction, binary
// verification, rate limiting, circuit breaking, and approval-nonce
// consumption, in that order. Only the driver call itself counts
// against the circuit.
package guard

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
)

// limiterPair holds the minute- and hour-window limiters of one
// (driver, action_type) key. Either may be nil when that window is
// unconfigured.
type limiterPair struct {
	minute *rate.Limiter
	hour   *rate.Limiter
}

// RateLimiter enforces per-(driver, action_type) token buckets with
// continuous refill. Unconfigured keys fall back to driver-level then
// global defaults through config.RateLimits.Lookup.
type RateLimiter struct {
	mu    sync.Mutex
	cfg   config.RateLimits
	pairs map[string]*limiterPair
}

func NewRateLimiter(cfg config.RateLimits) *RateLimiter {
	return &RateLimiter{cfg: cfg, pairs: make(map[string]*limiterPair)}
}

// Consume takes one token from both windows of the key, or neither.
// When either bucket is empty it returns ErrThrottled and leaves both
// buckets untouched, so a throttled call cannot starve a later one.
func (r *RateLimiter) Consume(driver, actionType string) error {
	r.mu.Lock()
	var pair = r.pairLocked(driver, actionType)
	r.mu.Unlock()

	var now = time.Now()
	var minute, hour *rate.Reservation

	if pair.minute != nil {
		minute = pair.minute.ReserveN(now, 1)
		if !minute.OK() || minute.DelayFrom(now) > 0 {
			minute.CancelAt(now)
			return fmt.Errorf("driver %s action %s over per-minute budget: %w",
				driver, actionType, fault.ErrThrottled)
		}
	}
	if pair.hour != nil {
		hour = pair.hour.ReserveN(now, 1)
		if !hour.OK() || hour.DelayFrom(now) > 0 {
			hour.CancelAt(now)
			if minute != nil {
				minute.CancelAt(now)
			}
			return fmt.Errorf("driver %s action %s over per-hour budget: %w",
				driver, actionType, fault.ErrThrottled)
		}
	}
	return nil
}

func (r *RateLimiter) pairLocked(driver, actionType string) *limiterPair {
	var key = driver + "\x00" + actionType
	if pair, ok := r.pairs[key]; ok {
		return pair
	}
	var limits = r.cfg.Lookup(driver, actionType)
	var pair = &limiterPair{}
	if limits.PerMinute > 0 {
		pair.minute = rate.NewLimiter(rate.Limit(float64(limits.PerMinute)/60.0), limits.PerMinute)
	}
	if limits.PerHour > 0 {
		pair.hour = rate.NewLimiter(rate.Limit(float64(limits.PerHour)/3600.0), limits.PerHour)
	}
	r.pairs[key] = pair
	return pair
}
