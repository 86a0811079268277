package guard

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
)

// StateHook observes breaker state transitions, for metrics.
type StateHook func(driver string, from, to gobreaker.State)

// BreakerSet holds one circuit breaker per driver, created lazily from
// the shared circuit configuration. Breaker state is in-memory only; a
// restart starts every circuit closed.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      config.Circuit
	auditor  *audit.Log
	hook     StateHook
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerSet(cfg config.Circuit, auditor *audit.Log, hook StateHook) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		auditor:  auditor,
		hook:     hook,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs |fn| under the driver's breaker. A rejection because the
// circuit is open, or because the half-open probe quota is exhausted,
// maps to ErrCircuitOpen; any other error is |fn|'s own.
func (b *BreakerSet) Execute(driver string, fn func() error) error {
	var _, err = b.breaker(driver).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("driver %s: %v: %w", driver, err, fault.ErrCircuitOpen)
	}
	return err
}

// State returns the current breaker state for |driver|.
func (b *BreakerSet) State(driver string) gobreaker.State {
	return b.breaker(driver).State()
}

// States snapshots the state of every breaker instantiated so far.
func (b *BreakerSet) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out = make(map[string]string, len(b.breakers))
	for driver, cb := range b.breakers {
		out[driver] = cb.State().String()
	}
	return out
}

// Reset discards the driver's breaker so the next call starts from a
// closed circuit. This is the operator override for a known-fixed
// downstream.
func (b *BreakerSet) Reset(driver string) {
	b.mu.Lock()
	var cb, ok = b.breakers[driver]
	if ok {
		delete(b.breakers, driver)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	log.WithFields(log.Fields{"driver": driver, "was": cb.State().String()}).
		Info("circuit breaker manually reset")
	if b.auditor != nil {
		b.auditor.Append(audit.Event{
			EventType: audit.TypeCircuitState,
			Driver:    driver,
			Actor:     "operator",
			Outcome:   audit.OutcomeOK,
			Context:   map[string]string{"from": cb.State().String(), "to": "closed", "reason": "manual reset"},
		})
	}
}

func (b *BreakerSet) breaker(driver string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[driver]; ok {
		return cb
	}
	var cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        driver,
		MaxRequests: uint32(b.cfg.HalfOpenMaxCalls),
		Interval:    b.cfg.FailureWindow.Std(),
		Timeout:     b.cfg.OpenTimeout.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(b.cfg.FailureThreshold)
		},
		OnStateChange: b.stateChanged,
	})
	b.breakers[driver] = cb
	return cb
}

func (b *BreakerSet) stateChanged(driver string, from, to gobreaker.State) {
	var entry = log.WithFields(log.Fields{
		"driver": driver,
		"from":   from.String(),
		"to":     to.String(),
	})
	var level = audit.LevelInfo
	if to == gobreaker.StateOpen {
		entry.Warn("circuit breaker opened")
		level = audit.LevelWarn
	} else {
		entry.Info("circuit breaker state changed")
	}

	if b.auditor != nil {
		b.auditor.Append(audit.Event{
			Level:     level,
			EventType: audit.TypeCircuitState,
			Driver:    driver,
			Actor:     "breaker",
			Outcome:   audit.OutcomeOK,
			Context:   map[string]string{"from": from.String(), "to": to.String()},
		})
	}
	if b.hook != nil {
		b.hook(driver, from, to)
	}
}
