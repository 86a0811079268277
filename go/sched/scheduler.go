package sched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/assadsharif/fte/go/approval"
	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/guard"
	"github.com/assadsharif/fte/go/invoke"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/metrics"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/score"
	"github.com/assadsharif/fte/go/task"
	"github.com/assadsharif/fte/go/vault"
)

// Reasoner produces plans and approval requests for a claimed task.
// *invoke.Invoker is the production implementation.
type Reasoner interface {
	Invoke(ctx context.Context, t *task.Task) (*invoke.Result, error)
}

// Executor runs one plan action through the action guard. *guard.Guard
// is the production implementation.
type Executor interface {
	Execute(ctx context.Context, taskID string, action task.PlanAction, approvalID string) (guard.Result, error)
}

// Deps are the collaborators a Scheduler drives. Breakers and Metrics
// may be nil (operator reset and collection are then skipped), the rest
// are required.
type Deps struct {
	Config    *config.Config
	Vault     *vault.Vault
	Auditor   *audit.Log
	Scorer    *score.Scorer
	Reasoner  Reasoner
	Approvals *approval.Store
	Executor  Executor
	Retrier   *Retrier
	Store     *CheckpointStore
	Breakers  *guard.BreakerSet
	Metrics   *metrics.Set
	Tracker   *metrics.Tracker
}

// Scheduler is the persistence loop: it discovers tasks, prioritizes
// them, hands them to workers, and drives every one to a terminal
// folder or a logged retry. It is the single writer of the checkpoint.
type Scheduler struct {
	Deps

	mu     sync.Mutex
	cp     *Checkpoint
	active map[string]int // task name → worker id, for tasks owned by a live goroutine

	nextWorker int
	stopped    bool // last observed stop-hook state, to log edges once
}

func New(deps Deps) *Scheduler {
	return &Scheduler{Deps: deps, active: map[string]int{}}
}

// Run executes the main loop until |ctx| is cancelled or the configured
// iteration cap is reached. It recovers crashed state first, then ticks
// on discovery events and the poll interval. Workers are drained before
// Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	cp, err := s.Store.Load()
	if err != nil {
		return err
	}
	s.cp = cp
	s.Auditor.RestoreSeq(cp.AuditSeq)

	if err = s.recover(ctx); err != nil {
		return err
	}

	s.Auditor.Append(audit.Event{
		EventType: audit.TypeSchedulerStarted,
		Actor:     "scheduler",
		Outcome:   audit.OutcomeOK,
		Context: map[string]string{
			"max_concurrent_tasks": strconv.Itoa(s.Config.MaxConcurrentTasks),
			"poll_interval":        s.Config.PollInterval.Std().String(),
		},
	})

	var nudge = make(chan struct{}, 1)
	watcher, err := s.watch(nudge)
	if err != nil {
		log.WithField("error", err).Warn("directory watcher unavailable, relying on polling")
	} else {
		defer watcher.Close()
	}

	group, workCtx := errgroup.WithContext(ctx)
	var slots = make(chan struct{}, s.Config.MaxConcurrentTasks)

	var ticker = time.NewTicker(s.Config.PollInterval.Std())
	defer ticker.Stop()

	var iterations int
	var cause = "cancelled"
	for {
		s.tick(workCtx, group, slots)

		iterations++
		if s.Config.MaxIterations > 0 && iterations >= s.Config.MaxIterations {
			cause = "max iterations reached"
			break
		}

		select {
		case <-ctx.Done():
		case <-nudge:
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	var waitErr = group.Wait()
	s.checkpoint(func(cp *Checkpoint) {})
	s.Auditor.Append(audit.Event{
		EventType: audit.TypeSchedulerStopped,
		Actor:     "scheduler",
		Outcome:   audit.OutcomeOK,
		Context:   map[string]string{"cause": cause},
	})
	return waitErr
}

// tick runs one pass of the main loop: control files, sweeps, Inbox
// promotion, and dispatch in priority order.
func (s *Scheduler) tick(ctx context.Context, group *errgroup.Group, slots chan struct{}) {
	s.consumeBreakerReset()

	var stopped = s.stopHookPresent()
	if stopped != s.stopped {
		s.stopped = stopped
		if stopped {
			log.Info("stop hook present, idling after in-flight workers finish")
		} else {
			log.Info("stop hook removed, resuming")
		}
		s.checkpoint(func(cp *Checkpoint) { cp.StopRequested = stopped })
	}

	// Approvals keep expiring while paused unless configured otherwise;
	// time advances regardless of orchestration.
	if !stopped || s.Config.Approvals.ExpireWhileStopped {
		if _, err := s.Approvals.Sweep(ctx); err != nil {
			log.WithField("error", err).Warn("approval sweep failed")
		}
	}
	if stopped {
		s.checkpoint(func(cp *Checkpoint) {})
		return
	}

	if moved, err := s.Retrier.Requeue(ctx); err != nil {
		log.WithField("error", err).Warn("error-queue requeue failed")
	} else if moved > 0 {
		log.WithField("count", moved).Info("requeued tasks due for retry")
	}

	s.promoteInbox(ctx)

	// Resume tasks parked in Pending_Approval with no live waiter, then
	// dispatch Needs_Action by descending score.
	for _, name := range s.unclaimed(labels.PendingApproval) {
		s.dispatch(ctx, group, slots, name, labels.PendingApproval)
	}
	for _, name := range s.ready() {
		s.dispatch(ctx, group, slots, name, labels.NeedsAction)
	}

	s.checkpoint(func(cp *Checkpoint) {})
}

// promoteInbox validates every Inbox file and moves it to Needs_Action.
// Files that fail validation, and names already present elsewhere in
// the vault, are rejected rather than processed.
func (s *Scheduler) promoteInbox(ctx context.Context) {
	entries, err := os.ReadDir(s.Vault.Dir(labels.Inbox))
	if err != nil {
		log.WithField("error", err).Warn("cannot read Inbox")
		return
	}
	for _, e := range entries {
		var name = e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		var path = s.Vault.PathOf(labels.Inbox, name)

		t, err := task.Load(path)
		if err != nil {
			log.WithFields(log.Fields{"file": name, "error": err}).
				Warn("rejecting malformed Inbox file")
			if err = s.Vault.Reject(ctx, path, fault.Class(err), "scheduler"); err != nil {
				log.WithFields(log.Fields{"file": name, "error": err}).
					Warn("could not reject Inbox file")
			}
			continue
		}

		// A second deposit under an already-known name loses: the vault
		// holds one task per name, so the duplicate is rejected.
		if folder, ok := s.duplicateOf(name); ok {
			s.Auditor.Append(audit.Event{
				Level:     audit.LevelWarn,
				EventType: audit.TypeTaskDuplicate,
				TaskID:    t.ID(),
				Actor:     "scheduler",
				Outcome:   audit.OutcomeErr,
				Context:   map[string]string{"existing_folder": folder},
			})
			if err = s.Vault.Reject(ctx, path, "duplicate of "+folder, "scheduler"); err != nil {
				log.WithFields(log.Fields{"file": name, "error": err}).
					Warn("could not reject duplicate Inbox file")
			}
			continue
		}

		if err = s.Vault.Transition(ctx, t, labels.NeedsAction, "validated", "scheduler"); err != nil {
			log.WithFields(log.Fields{"task": t.ID(), "error": err}).
				Warn("could not promote Inbox task")
			continue
		}
		s.Auditor.Append(audit.Event{
			EventType: audit.TypeTaskDiscovered,
			TaskID:    t.ID(),
			Actor:     "scheduler",
			Outcome:   audit.OutcomeOK,
			Context:   map[string]string{"source": t.Frontmatter.Source},
		})
		if s.Metrics != nil {
			s.Metrics.TasksDiscovered.Inc()
		}
		s.checkpoint(func(cp *Checkpoint) { cp.Counters.Discovered++ })
	}
}

func (s *Scheduler) duplicateOf(name string) (string, bool) {
	for _, folder := range labels.TaskFolders() {
		if folder == labels.Inbox {
			continue
		}
		if _, err := os.Lstat(s.Vault.PathOf(folder, name)); err == nil {
			return folder, true
		}
	}
	return "", false
}

// ready returns the Needs_Action tasks with no live worker, in
// descending priority order. Claim-time scoring: a task's score is
// fixed once a worker takes it.
func (s *Scheduler) ready() []string {
	var names = s.unclaimed(labels.NeedsAction)
	type scored struct {
		name  string
		score float64
	}
	var now = time.Now()
	var ranked = make([]scored, 0, len(names))
	for _, name := range names {
		t, err := task.Load(s.Vault.PathOf(labels.NeedsAction, name))
		if err != nil {
			continue // promoted files are valid; a racing move reads as missing
		}
		ranked = append(ranked, scored{name: name, score: s.Scorer.Score(t.Frontmatter, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var out = make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.name
	}
	return out
}

func (s *Scheduler) unclaimed(folder string) []string {
	names, err := s.Vault.List(folder)
	if err != nil {
		log.WithFields(log.Fields{"folder": folder, "error": err}).Warn("cannot list folder")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range names {
		if _, owned := s.active[name]; !owned {
			out = append(out, name)
		}
	}
	return out
}

// dispatch hands |name| to a worker goroutine if a slot is free. It
// never blocks: a full pool means the task stays where it is until a
// later tick.
func (s *Scheduler) dispatch(ctx context.Context, group *errgroup.Group, slots chan struct{}, name, folder string) {
	select {
	case slots <- struct{}{}:
	default:
		return
	}

	s.mu.Lock()
	if _, owned := s.active[name]; owned {
		s.mu.Unlock()
		<-slots
		return
	}
	s.nextWorker++
	var worker = s.nextWorker
	s.active[name] = worker
	s.mu.Unlock()

	group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.active, name)
			s.mu.Unlock()
			<-slots
		}()
		s.runTask(ops.WithTrace(ctx, ops.NewTraceID()), worker, name, folder)
		return nil // worker failures are task-state transitions, never process aborts
	})
}

// runTask drives one task as far as it can go in this pass. Errors are
// routed to the retrier; only a cancellation releases the task back to
// Needs_Action for the next run.
func (s *Scheduler) runTask(ctx context.Context, worker int, name, folder string) {
	var logger = log.WithFields(log.Fields{
		"task": strings.TrimSuffix(name, ".md"), "worker": worker, ops.TraceIDField: ops.Trace(ctx),
	})

	if folder == labels.PendingApproval {
		s.resumeTask(ctx, worker, name, logger)
		return
	}

	// Claim: the rename into Plans is exactly-once. A concurrent claim
	// surfaces as a missing source file, and this worker yields.
	t, err := task.Load(s.Vault.PathOf(labels.NeedsAction, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithField("error", err).Warn("claim failed")
		}
		return
	}
	if err = s.Vault.Transition(ctx, t, labels.Plans, "claimed", s.workerActor(worker)); err != nil {
		logger.WithField("error", err).Warn("claim rename lost")
		return
	}
	var claimed = time.Now()
	s.setInFlight(t, worker)
	if s.Metrics != nil {
		s.Metrics.TasksInFlight.Inc()
		defer s.Metrics.TasksInFlight.Dec()
	}
	logger.Info("claimed task")

	res, err := s.Reasoner.Invoke(ctx, t)
	if res != nil && s.Metrics != nil {
		s.Metrics.ReasoningDuration.Observe(res.Duration.Seconds())
	}
	if ctx.Err() != nil {
		s.release(ctx, t, logger)
		return
	}
	if err != nil {
		s.park(ctx, t, err, logger)
		return
	}

	if s.Metrics != nil {
		for _, a := range res.Approvals {
			if a.Frontmatter.Status == approval.StatusPending {
				s.Metrics.ApprovalsCreated.Inc()
			}
		}
	}
	s.finish(ctx, worker, t, claimed, res.Plans, res.Approvals, logger)
}

// resumeTask re-attaches a worker to a task that was already waiting in
// Pending_Approval when the scheduler started.
func (s *Scheduler) resumeTask(ctx context.Context, worker int, name string, logger *log.Entry) {
	t, err := task.Load(s.Vault.PathOf(labels.PendingApproval, name))
	if err != nil {
		return
	}
	plans, err := task.FindPlans(s.Vault.Dir(labels.Plans), t.ID())
	if err != nil {
		logger.WithField("error", err).Warn("cannot load plans for resumed task")
		return
	}
	approvals, err := s.Approvals.ForTask(t.ID())
	if err != nil {
		logger.WithField("error", err).Warn("cannot load approvals for resumed task")
		return
	}
	s.setInFlight(t, worker)
	logger.Info("resuming task awaiting approval")
	s.finish(ctx, worker, t, time.Now(), plans, approvals, logger)
}

// finish takes a task from the end of reasoning to a terminal folder:
// await approvals if any were requested, execute the plans through the
// guard, and land in Done.
func (s *Scheduler) finish(ctx context.Context, worker int, t *task.Task, claimed time.Time, plans []*task.Plan, approvals []*approval.Approval, logger *log.Entry) {
	var actor = s.workerActor(worker)

	var pending []*approval.Approval
	for _, a := range approvals {
		if a.Frontmatter.Status == approval.StatusPending {
			pending = append(pending, a)
		}
	}

	if len(pending) > 0 {
		if err := s.Vault.Transition(ctx, t, labels.PendingApproval, "awaiting approval", actor); err != nil {
			s.park(ctx, t, err, logger)
			return
		}
		s.setState(t, worker)

		for _, a := range pending {
			status, err := s.Approvals.Wait(ctx, a.Frontmatter.ApprovalID)
			if ctx.Err() != nil {
				// Leave the task in Pending_Approval; the next run resumes it.
				s.checkpoint(func(cp *Checkpoint) {})
				return
			}
			if err != nil {
				s.escalateUndecidable(ctx, t, a, err, actor, logger)
				return
			}
			if s.Metrics != nil && status != approval.StatusTimeout {
				s.observeApprovalWait(a.Frontmatter.ApprovalID)
			}
			switch status {
			case approval.StatusApproved:
				if s.Metrics != nil {
					s.Metrics.ApprovalsApproved.Inc()
				}
			case approval.StatusRejected:
				if s.Metrics != nil {
					s.Metrics.ApprovalsRejected.Inc()
				}
				if err = s.Vault.Transition(ctx, t, labels.Rejected, "approval rejected", actor); err != nil {
					logger.WithField("error", err).Warn("could not move rejected task")
				}
				s.clearInFlight(t.ID())
				return
			case approval.StatusTimeout:
				// Expire already escalated the task to Needs_Human_Review.
				if s.Metrics != nil {
					s.Metrics.ApprovalsTimedOut.Inc()
				}
				s.clearInFlight(t.ID())
				return
			}
		}
	}

	if err := s.Vault.Transition(ctx, t, labels.Approved, s.approvedReason(pending), actor); err != nil {
		s.park(ctx, t, err, logger)
		return
	}
	s.setState(t, worker)

	for _, p := range plans {
		for _, action := range p.Frontmatter.Actions {
			var approvalID string
			if s.Config.Approvals.RequiresApproval(action.ActionType) {
				a, err := s.Approvals.FindForAction(t.ID(), action.ActionType, action.Payload)
				if err != nil {
					s.park(ctx, t, err, logger)
					return
				}
				approvalID = a.Frontmatter.ApprovalID
			}
			if _, err := s.Executor.Execute(ctx, t.ID(), action, approvalID); err != nil {
				if ctx.Err() != nil {
					s.checkpoint(func(cp *Checkpoint) {})
					return
				}
				s.park(ctx, t, err, logger)
				return
			}
		}
	}

	if err := s.Vault.Transition(ctx, t, labels.Done, "all actions executed", actor); err != nil {
		s.park(ctx, t, err, logger)
		return
	}
	s.clearInFlight(t.ID())
	s.checkpoint(func(cp *Checkpoint) { cp.Counters.Completed++ })
	if s.Tracker != nil {
		s.Tracker.TaskCompleted()
	}
	if s.Metrics != nil {
		s.Metrics.TasksCompleted.Inc()
		s.Metrics.EndToEnd.Observe(time.Since(claimed).Seconds())
	}
	logger.Info("task done")
}

func (s *Scheduler) approvedReason(pending []*approval.Approval) string {
	if len(pending) == 0 {
		return "auto-approved for non-sensitive actions"
	}
	return "all approvals granted"
}

// park routes |cause| through the retrier and records the outcome.
func (s *Scheduler) park(ctx context.Context, t *task.Task, cause error, logger *log.Entry) {
	folder, err := s.Retrier.Route(ctx, t, cause)
	if err != nil {
		logger.WithFields(log.Fields{"cause": cause, "error": err}).
			Error("could not park failed task")
		s.clearInFlight(t.ID())
		return
	}
	logger.WithFields(log.Fields{"cause": fault.Class(cause), "folder": folder}).
		Warn("task parked after failure")

	s.clearInFlight(t.ID())
	switch folder {
	case labels.ErrorQueue:
		s.checkpoint(func(cp *Checkpoint) { cp.Counters.Retries++ })
		if s.Metrics != nil {
			s.Metrics.Retries.Inc()
		}
	case labels.Failed:
		s.checkpoint(func(cp *Checkpoint) { cp.Counters.Failed++ })
		if s.Tracker != nil {
			s.Tracker.TaskFailed()
		}
		if s.Metrics != nil {
			s.Metrics.TasksFailed.Inc()
		}
	}
}

// release returns a cancelled worker's claim so the task is ready again
// on restart.
func (s *Scheduler) release(ctx context.Context, t *task.Task, logger *log.Entry) {
	// Transition with a fresh context: the worker's own is cancelled.
	var detached = ops.WithTrace(context.Background(), ops.Trace(ctx))
	if err := s.Vault.Transition(detached, t, labels.NeedsAction, "scheduler shutdown", "scheduler"); err != nil {
		logger.WithField("error", err).Warn("could not release claimed task, checkpoint will recover it")
		s.checkpoint(func(cp *Checkpoint) {})
		return
	}
	s.clearInFlight(t.ID())
}

// escalateUndecidable handles an approval whose Wait failed outright
// (unreadable file, bad frontmatter): the task cannot proceed and a
// human has to look at it.
func (s *Scheduler) escalateUndecidable(ctx context.Context, t *task.Task, a *approval.Approval, cause error, actor string, logger *log.Entry) {
	logger.WithFields(log.Fields{
		"approval": a.Frontmatter.ApprovalID, "error": cause,
	}).Error("approval wait failed, escalating task")
	if err := s.Vault.Transition(ctx, t, labels.NeedsHumanReview, "approval undecidable: "+fault.Class(cause), actor); err != nil {
		logger.WithField("error", err).Warn("could not escalate task")
	}
	s.clearInFlight(t.ID())
}

func (s *Scheduler) observeApprovalWait(id string) {
	a, err := s.Approvals.Load(id)
	if err != nil || a.Frontmatter.DecisionAt == nil {
		return
	}
	s.Metrics.ApprovalWait.Observe(a.Frontmatter.DecisionAt.Sub(a.Frontmatter.CreatedAt).Seconds())
}

// recover converts the previous run's leftovers back into ready work:
// interrupted renames are healed, and checkpointed claims whose files
// still sit in Plans/ go back to Needs_Action. Pending_Approval claims
// stay put; the first tick resumes them.
func (s *Scheduler) recover(ctx context.Context) error {
	healed, err := s.Vault.Heal(ctx)
	if err != nil {
		return err
	}
	if len(healed) > 0 {
		log.WithField("count", len(healed)).Info("healed interrupted transitions")
	}

	for id, entry := range s.cp.TasksInFlight {
		var name = id + ".md"
		folder, ok := s.Vault.Locate(name)
		if !ok {
			delete(s.cp.TasksInFlight, id)
			continue
		}
		switch folder {
		case labels.Plans:
			t, err := task.Load(s.Vault.PathOf(folder, name))
			if err != nil {
				log.WithFields(log.Fields{"task": id, "error": err}).
					Warn("unreadable claimed task, leaving for inspection")
				delete(s.cp.TasksInFlight, id)
				continue
			}
			if err = s.Vault.Transition(ctx, t, labels.NeedsAction, "crash recovery", "scheduler"); err != nil {
				return fmt.Errorf("recovering claimed task %s: %w", id, err)
			}
			log.WithFields(log.Fields{"task": id, "worker": entry.WorkerID}).
				Info("returned crashed worker's task to Needs_Action")
			delete(s.cp.TasksInFlight, id)
		case labels.PendingApproval:
			// Keep the entry; resumeTask picks the file up on the first tick.
		default:
			delete(s.cp.TasksInFlight, id)
		}
	}
	return s.saveCheckpoint()
}

// watch subscribes to the discovery folders. Events collapse into a
// single nudge; the poll ticker remains the safety net.
func (s *Scheduler) watch(nudge chan<- struct{}) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, folder := range []string{labels.Inbox, labels.NeedsAction, labels.ErrorQueue} {
		if err = watcher.Add(s.Vault.Dir(folder)); err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case nudge <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithField("error", err).Warn("directory watcher error")
			}
		}
	}()
	return watcher, nil
}

func (s *Scheduler) stopHookPresent() bool {
	var name = s.Config.StopHookFilename
	if name == "" {
		name = labels.StopHook
	}
	_, err := os.Lstat(filepath.Join(s.Vault.Root(), name))
	return err == nil
}

// consumeBreakerReset honors `ftectl breaker reset`: the control file
// names one driver, or * for all, and is removed once applied.
func (s *Scheduler) consumeBreakerReset() {
	if s.Breakers == nil {
		return
	}
	var path = filepath.Join(s.Vault.Root(), labels.BreakerResetFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = os.Remove(path)

	var driver = strings.TrimSpace(string(raw))
	if driver == "" || driver == "*" {
		for name := range s.Breakers.States() {
			s.Breakers.Reset(name)
		}
	} else {
		s.Breakers.Reset(driver)
	}
	log.WithField("driver", driver).Info("circuit breaker reset by operator")
}

func (s *Scheduler) workerActor(worker int) string {
	return "worker-" + strconv.Itoa(worker)
}

func (s *Scheduler) setInFlight(t *task.Task, worker int) {
	s.checkpoint(func(cp *Checkpoint) {
		cp.TasksInFlight[t.ID()] = InFlight{
			State:     t.State(),
			Attempts:  t.Frontmatter.RetryCount,
			WorkerID:  worker,
			StartedAt: time.Now().UTC(),
		}
	})
}

func (s *Scheduler) setState(t *task.Task, worker int) {
	s.checkpoint(func(cp *Checkpoint) {
		var entry = cp.TasksInFlight[t.ID()]
		entry.State = t.State()
		entry.WorkerID = worker
		cp.TasksInFlight[t.ID()] = entry
	})
}

func (s *Scheduler) clearInFlight(id string) {
	s.checkpoint(func(cp *Checkpoint) { delete(cp.TasksInFlight, id) })
}

// checkpoint applies |update| and persists. Workers call this after
// every transition; the mutex serializes them onto one writer.
func (s *Scheduler) checkpoint(update func(*Checkpoint)) {
	s.mu.Lock()
	update(s.cp)
	s.mu.Unlock()
	if err := s.saveCheckpoint(); err != nil {
		log.WithField("error", err).Error("checkpoint save failed")
	}
}

func (s *Scheduler) saveCheckpoint() error {
	s.mu.Lock()
	s.cp.LastPoll = time.Now().UTC()
	s.cp.AuditSeq = s.Auditor.Seq()
	var err = s.Store.Save(s.cp)
	s.mu.Unlock()
	if s.Tracker != nil {
		s.Tracker.CheckpointResult(err)
	}
	return err
}
