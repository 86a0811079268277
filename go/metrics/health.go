package metrics

import (
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is the /healthz document.
type Health struct {
	Status         Status     `json:"status"`
	Reasons        []string   `json:"reasons,omitempty"`
	OpenCircuits   []string   `json:"open_circuits,omitempty"`
	ErrorRate      float64    `json:"error_rate"`
	LastCompletion *time.Time `json:"last_completion,omitempty"`
	CheckpointOK   bool       `json:"checkpoint_ok"`
	AuditDegraded  bool       `json:"audit_degraded"`
}

// Tracker accumulates the runtime signals that health evaluation needs
// and Prometheus counters cannot answer: the failure fraction over the
// trailing hour, the freshness of the last completion, and whether
// checkpoint saves are going through.
type Tracker struct {
	mu             sync.Mutex
	window         time.Duration
	maxStaleness   time.Duration
	outcomes       []taskOutcome
	lastCompletion time.Time
	checkpointErr  error
	now            func() time.Time
}

type taskOutcome struct {
	at     time.Time
	failed bool
}

func NewTracker() *Tracker {
	return &Tracker{
		window:       time.Hour,
		maxStaleness: time.Hour,
		now:          time.Now,
	}
}

// TaskCompleted records a task reaching Done.
func (t *Tracker) TaskCompleted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCompletion = t.now()
	t.record(false)
}

// TaskFailed records a task reaching Failed.
func (t *Tracker) TaskFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(true)
}

// CheckpointResult records the outcome of the most recent checkpoint
// save. A nil error clears a previous failure.
func (t *Tracker) CheckpointResult(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpointErr = err
}

func (t *Tracker) record(failed bool) {
	t.outcomes = append(t.outcomes, taskOutcome{at: t.now(), failed: failed})
	t.prune()
}

func (t *Tracker) prune() {
	var cutoff = t.now().Add(-t.window)
	var keep = t.outcomes[:0]
	for _, o := range t.outcomes {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	t.outcomes = keep
}

// ErrorRate returns the failed fraction of task outcomes in the
// trailing window, or 0 when the window is empty.
func (t *Tracker) ErrorRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorRateLocked()
}

func (t *Tracker) errorRateLocked() float64 {
	t.prune()
	if len(t.outcomes) == 0 {
		return 0
	}
	var failed int
	for _, o := range t.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(t.outcomes))
}

// Evaluate folds the tracker's signals together with the current open
// circuits and the audit log's state into one health document. A failing
// checkpoint save is unhealthy: the scheduler cannot survive a restart
// without it. Everything else only degrades, the process is still doing
// useful work.
func (t *Tracker) Evaluate(openCircuits []string, auditDegraded bool) Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	var h = Health{
		Status:        StatusHealthy,
		OpenCircuits:  openCircuits,
		ErrorRate:     t.errorRateLocked(),
		CheckpointOK:  t.checkpointErr == nil,
		AuditDegraded: auditDegraded,
	}
	if !t.lastCompletion.IsZero() {
		var at = t.lastCompletion
		h.LastCompletion = &at
	}

	var degrade = func(reason string) {
		if h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
		h.Reasons = append(h.Reasons, reason)
	}

	if len(openCircuits) > 0 {
		degrade(fmt.Sprintf("%d circuit(s) open", len(openCircuits)))
	}
	if h.ErrorRate >= 0.10 {
		degrade(fmt.Sprintf("task error rate %.0f%% over the last hour", 100*h.ErrorRate))
	}
	// A vault that has never completed a task is merely idle; staleness
	// applies once there is a completion to be stale against.
	if !t.lastCompletion.IsZero() && t.now().Sub(t.lastCompletion) > t.maxStaleness {
		degrade(fmt.Sprintf("no task completed since %s", t.lastCompletion.UTC().Format(time.RFC3339)))
	}
	if auditDegraded {
		degrade("audit log degraded to stderr")
	}
	if t.checkpointErr != nil {
		h.Status = StatusUnhealthy
		h.Reasons = append(h.Reasons, fmt.Sprintf("checkpoint save failing: %v", t.checkpointErr))
	}
	return h
}
