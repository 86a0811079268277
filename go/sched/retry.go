package sched

import (
	"context"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/task"
	"github.com/assadsharif/fte/go/vault"
)

// Retrier parks failed tasks: retryable failures go to Error_Queue with
// backoff bookkeeping, permanent failures and exhausted budgets go to
// Failed. Re-running a parked task is safe because the guard's nonce
// registry refuses duplicate execution of approved actions.
type Retrier struct {
	cfg     *config.Config
	vault   *vault.Vault
	auditor *audit.Log
	now     func() time.Time
}

func NewRetrier(cfg *config.Config, v *vault.Vault, auditor *audit.Log) *Retrier {
	return &Retrier{cfg: cfg, vault: v, auditor: auditor, now: time.Now}
}

// Route inspects |cause| and moves |t| accordingly. It returns the
// folder the task landed in.
func (r *Retrier) Route(ctx context.Context, t *task.Task, cause error) (string, error) {
	var class = fault.Class(cause)

	if !fault.Retryable(cause) {
		return r.fail(ctx, t, class, cause, false)
	}

	var attempt = t.Frontmatter.RetryCount + 1
	if attempt > r.cfg.Retry.MaxAttempts {
		return r.fail(ctx, t, class, cause, true)
	}

	var delay = r.cfg.Retry.Delay(attempt)
	var next = r.now().UTC().Add(delay).Truncate(time.Second)
	t.Frontmatter.RetryCount = attempt
	t.Frontmatter.LastError = class
	t.Frontmatter.NextRetryAt = &next

	if err := r.vault.Transition(ctx, t, labels.ErrorQueue, class, "scheduler"); err != nil {
		return "", err
	}
	r.audit(ctx, audit.Event{
		EventType: audit.TypeRetryScheduled,
		TaskID:    t.ID(),
		Outcome:   audit.OutcomeOK,
		Context: map[string]string{
			"class":         class,
			"attempt":       strconv.Itoa(attempt),
			"delay":         delay.String(),
			"next_retry_at": next.Format(time.RFC3339),
		},
	})
	return labels.ErrorQueue, nil
}

// fail moves |t| to Failed. A permanent error consumes the whole
// attempt budget at once, so every task in Failed satisfies
// retry_count >= max_attempts regardless of how it got there.
func (r *Retrier) fail(ctx context.Context, t *task.Task, class string, cause error, exhausted bool) (string, error) {
	if t.Frontmatter.RetryCount < r.cfg.Retry.MaxAttempts {
		t.Frontmatter.RetryCount = r.cfg.Retry.MaxAttempts
	}
	t.Frontmatter.LastError = class
	t.Frontmatter.NextRetryAt = nil

	var reason = "permanent: " + class
	if exhausted {
		reason = "retries exhausted: " + class
	}
	if err := r.vault.Transition(ctx, t, labels.Failed, reason, "scheduler"); err != nil {
		return "", err
	}
	if exhausted {
		r.audit(ctx, audit.Event{
			Level:     audit.LevelCritical,
			EventType: audit.TypeRetriesExhausted,
			TaskID:    t.ID(),
			Outcome:   audit.OutcomeErr,
			Context: map[string]string{
				"class":    class,
				"attempts": strconv.Itoa(t.Frontmatter.RetryCount),
				"error":    cause.Error(),
			},
		})
	}
	return labels.Failed, nil
}

// Requeue returns due Error_Queue tasks to Needs_Action and reports how
// many moved. A parked task with no next_retry_at is treated as due.
func (r *Retrier) Requeue(ctx context.Context) (int, error) {
	names, err := r.vault.List(labels.ErrorQueue)
	if err != nil {
		return 0, err
	}
	var moved int
	for _, name := range names {
		t, err := task.Load(r.vault.PathOf(labels.ErrorQueue, name))
		if err != nil {
			log.WithFields(log.Fields{"task": name, "error": err}).
				Warn("unreadable task in Error_Queue")
			continue
		}
		if t.Frontmatter.NextRetryAt != nil && r.now().Before(*t.Frontmatter.NextRetryAt) {
			continue
		}
		t.Frontmatter.NextRetryAt = nil
		if err := r.vault.Transition(ctx, t, labels.NeedsAction, "retry due", "scheduler"); err != nil {
			log.WithFields(log.Fields{"task": name, "error": err}).
				Warn("could not requeue task for retry")
			continue
		}
		moved++
	}
	return moved, nil
}

func (r *Retrier) audit(ctx context.Context, e audit.Event) {
	if r.auditor == nil {
		return
	}
	e.TraceID = ops.Trace(ctx)
	e.Actor = "scheduler"
	r.auditor.Append(e)
}
