package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/assadsharif/fte/go/approval"
	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/guard"
	"github.com/assadsharif/fte/go/invoke"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/metrics"
	"github.com/assadsharif/fte/go/score"
	"github.com/assadsharif/fte/go/secrets"
	"github.com/assadsharif/fte/go/task"
	"github.com/assadsharif/fte/go/vault"
)

type stubReasoner struct {
	fn func(ctx context.Context, t *task.Task) (*invoke.Result, error)
}

func (s *stubReasoner) Invoke(ctx context.Context, t *task.Task) (*invoke.Result, error) {
	return s.fn(ctx, t)
}

type execCall struct {
	TaskID     string
	Action     task.PlanAction
	ApprovalID string
}

type stubExecutor struct {
	mu    sync.Mutex
	calls []execCall
	fn    func(ctx context.Context, call execCall) (guard.Result, error)
}

func (s *stubExecutor) Execute(ctx context.Context, taskID string, action task.PlanAction, approvalID string) (guard.Result, error) {
	var call = execCall{TaskID: taskID, Action: action, ApprovalID: approvalID}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, call)
	}
	return guard.Result{OK: true}, nil
}

func (s *stubExecutor) snapshot() []execCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execCall{}, s.calls...)
}

type fixture struct {
	sched     *Scheduler
	cfg       *config.Config
	vault     *vault.Vault
	auditor   *audit.Log
	approvals *approval.Store
	store     *CheckpointStore
	reasoner  *stubReasoner
	executor  *stubExecutor
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	var root = t.TempDir()
	require.NoError(t, vault.Init(root))

	auditor, err := audit.Open(filepath.Join(root, labels.Logs), secrets.NewScanner())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	v, err := vault.Open(root, auditor)
	require.NoError(t, err)

	var cfg = config.Default()
	cfg.VaultPath = root
	cfg.MaxIterations = 1
	cfg.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.AuthorizedApprovers = map[string][]string{
		"payment": {"cfo@corp.example"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	approvals, err := approval.NewStore(v, &cfg, auditor)
	require.NoError(t, err)

	var fx = &fixture{
		cfg:       &cfg,
		vault:     v,
		auditor:   auditor,
		approvals: approvals,
		store:     NewCheckpointStore(root),
		executor:  &stubExecutor{},
	}
	fx.reasoner = &stubReasoner{fn: func(ctx context.Context, tk *task.Task) (*invoke.Result, error) {
		return &invoke.Result{
			Duration: time.Millisecond,
			Plans: []*task.Plan{task.NewPlan(tk.ID(), []task.PlanAction{{
				Driver:     "mail-sender",
				ActionType: "message",
				Payload:    map[string]interface{}{"to": "client-a@example.com"},
			}})},
		}, nil
	}}

	fx.sched = New(Deps{
		Config:    &cfg,
		Vault:     v,
		Auditor:   auditor,
		Scorer:    score.NewScorer(cfg.PriorityWeights, cfg.VIPSenders, cfg.ClientSenders, cfg.InternalDomains),
		Reasoner:  fx.reasoner,
		Approvals: approvals,
		Executor:  fx.executor,
		Retrier:   NewRetrier(&cfg, v, auditor),
		Store:     fx.store,
		Metrics:   metrics.NewSet(),
		Tracker:   metrics.NewTracker(),
	})
	return fx
}

func (fx *fixture) run(t *testing.T) {
	t.Helper()
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, fx.sched.Run(ctx))
}

// waitFor polls |cond| until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	var deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunHappyPathNonSensitive(t *testing.T) {
	var fx = newFixture(t, nil)
	var tk = seedTask(t, fx.vault, labels.Inbox, "client a invoice")

	fx.run(t)

	require.FileExists(t, fx.vault.PathOf(labels.Done, tk.ID()+".md"))

	var calls = fx.executor.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, tk.ID(), calls[0].TaskID)
	require.Equal(t, "mail-sender", calls[0].Action.Driver)
	require.Empty(t, calls[0].ApprovalID, "non-sensitive actions need no approval")

	// The audit trail covers the whole path: discovery, claim,
	// auto-approval, completion.
	events, err := fx.auditor.Query(audit.Filter{TaskID: tk.ID(), EventType: audit.TypeTransition})
	require.NoError(t, err)
	var hops []string
	for _, e := range events {
		require.Equal(t, audit.OutcomeOK, e.Outcome)
		hops = append(hops, e.Context["from"]+">"+e.Context["to"])
	}
	require.Equal(t, []string{
		"Inbox>Needs_Action",
		"Needs_Action>Plans",
		"Plans>Approved",
		"Approved>Done",
	}, hops)

	cp, err := fx.store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), cp.Counters.Discovered)
	require.Equal(t, uint64(1), cp.Counters.Completed)
	require.Empty(t, cp.TasksInFlight)
}

func TestRunRejectsMalformedInboxFile(t *testing.T) {
	var fx = newFixture(t, nil)
	var name = "mail_no-frontmatter_2026-01-28T10-00.md"
	require.NoError(t, os.WriteFile(
		fx.vault.PathOf(labels.Inbox, name), []byte("just text\n"), 0644))

	fx.run(t)

	require.FileExists(t, fx.vault.PathOf(labels.Rejected, name))
	require.Empty(t, fx.executor.snapshot())
}

func TestRunRejectsDuplicateDeposit(t *testing.T) {
	var fx = newFixture(t, nil)
	var done = seedTask(t, fx.vault, labels.Done, "already handled")

	// A second watcher deposits the same name into Inbox.
	var dup = seedTask(t, fx.vault, labels.Inbox, "already handled")
	require.Equal(t, done.ID(), dup.ID())

	fx.run(t)

	require.FileExists(t, fx.vault.PathOf(labels.Done, done.ID()+".md"))
	require.FileExists(t, fx.vault.PathOf(labels.Rejected, dup.ID()+".md"))

	events, err := fx.auditor.Query(audit.Filter{EventType: audit.TypeTaskDuplicate})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, labels.Done, events[0].Context["existing_folder"])
}

func TestRunParksReasoningCrash(t *testing.T) {
	var fx = newFixture(t, nil)
	fx.reasoner.fn = func(ctx context.Context, tk *task.Task) (*invoke.Result, error) {
		return &invoke.Result{ExitCode: 137, Duration: time.Millisecond},
			fmt.Errorf("reasoning for %s exited 137: %w", tk.ID(), fault.ErrReasoningCrashed)
	}
	var tk = seedTask(t, fx.vault, labels.Inbox, "crashy")

	fx.run(t)

	parked, err := task.Load(fx.vault.PathOf(labels.ErrorQueue, tk.ID()+".md"))
	require.NoError(t, err)
	require.Equal(t, 1, parked.Frontmatter.RetryCount)
	require.Equal(t, "reasoning_crashed", parked.Frontmatter.LastError)
	require.NotNil(t, parked.Frontmatter.NextRetryAt)

	cp, err := fx.store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), cp.Counters.Retries)
	require.Empty(t, cp.TasksInFlight)
}

func TestRunApprovalApprovedFlow(t *testing.T) {
	var fx = newFixture(t, nil)
	var payload = map[string]interface{}{"amount": 5000, "currency": "EUR"}

	fx.reasoner.fn = func(ctx context.Context, tk *task.Task) (*invoke.Result, error) {
		a, err := fx.approvals.Create(ctx, tk.ID(), "payment", approval.RiskHigh, payload)
		if err != nil {
			return nil, err
		}
		return &invoke.Result{
			Duration: time.Millisecond,
			Plans: []*task.Plan{task.NewPlan(tk.ID(), []task.PlanAction{{
				Driver:     "payment-driver",
				ActionType: "payment",
				Payload:    payload,
			}})},
			Approvals: []*approval.Approval{a},
		}, nil
	}
	// The guard consumes the nonce right before executing; the stub
	// mirrors that so replay behavior is observable.
	fx.executor.fn = func(ctx context.Context, call execCall) (guard.Result, error) {
		if err := fx.approvals.ConsumeNonce(ctx, call.ApprovalID); err != nil {
			return guard.Result{}, err
		}
		return guard.Result{OK: true}, nil
	}

	var tk = seedTask(t, fx.vault, labels.Inbox, "wire transfer")

	var done = make(chan error, 1)
	go func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		done <- fx.sched.Run(ctx)
	}()

	var approvalID string
	waitFor(t, func() bool {
		pending, err := fx.approvals.List(approval.StatusPending)
		if err != nil || len(pending) == 0 {
			return false
		}
		approvalID = pending[0].Frontmatter.ApprovalID
		return true
	}, "pending approval")

	waitFor(t, func() bool {
		folder, ok := fx.vault.Locate(tk.ID() + ".md")
		return ok && folder == labels.PendingApproval
	}, "task in Pending_Approval")

	require.NoError(t, fx.approvals.Approve(context.Background(), approvalID, "cfo@corp.example"))
	require.NoError(t, <-done)

	require.FileExists(t, fx.vault.PathOf(labels.Done, tk.ID()+".md"))

	var calls = fx.executor.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, approvalID, calls[0].ApprovalID)

	// The nonce burned with the execution; a replay is refused.
	err := fx.approvals.ConsumeNonce(context.Background(), approvalID)
	require.ErrorIs(t, err, fault.ErrNonceReused)
}

func TestRunApprovalRejectedMovesTaskToRejected(t *testing.T) {
	var fx = newFixture(t, nil)
	var payload = map[string]interface{}{"amount": 5000}

	fx.reasoner.fn = func(ctx context.Context, tk *task.Task) (*invoke.Result, error) {
		a, err := fx.approvals.Create(ctx, tk.ID(), "payment", approval.RiskHigh, payload)
		if err != nil {
			return nil, err
		}
		return &invoke.Result{Approvals: []*approval.Approval{a}}, nil
	}
	var tk = seedTask(t, fx.vault, labels.Inbox, "suspicious transfer")

	var done = make(chan error, 1)
	go func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		done <- fx.sched.Run(ctx)
	}()

	var approvalID string
	waitFor(t, func() bool {
		pending, err := fx.approvals.List(approval.StatusPending)
		if err != nil || len(pending) == 0 {
			return false
		}
		approvalID = pending[0].Frontmatter.ApprovalID
		return true
	}, "pending approval")

	require.NoError(t, fx.approvals.Reject(
		context.Background(), approvalID, "cfo@corp.example", "amount too high"))
	require.NoError(t, <-done)

	require.FileExists(t, fx.vault.PathOf(labels.Rejected, tk.ID()+".md"))
	require.Empty(t, fx.executor.snapshot())
}

func TestRunApprovalTimeoutEscalates(t *testing.T) {
	var fx = newFixture(t, func(cfg *config.Config) {
		cfg.Approvals.Timeouts["payment"] = config.Duration(time.Second)
	})
	var payload = map[string]interface{}{"amount": 100}

	fx.reasoner.fn = func(ctx context.Context, tk *task.Task) (*invoke.Result, error) {
		a, err := fx.approvals.Create(ctx, tk.ID(), "payment", approval.RiskMedium, payload)
		if err != nil {
			return nil, err
		}
		return &invoke.Result{Approvals: []*approval.Approval{a}}, nil
	}
	var tk = seedTask(t, fx.vault, labels.Inbox, "slow decision")

	fx.run(t)

	require.FileExists(t, fx.vault.PathOf(labels.NeedsHumanReview, tk.ID()+".md"))

	timedOut, err := fx.approvals.List(approval.StatusTimeout)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)

	events, err := fx.auditor.Query(audit.Filter{EventType: audit.TypeApprovalTimeout})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRunStopHookIdles(t *testing.T) {
	var fx = newFixture(t, func(cfg *config.Config) {
		cfg.MaxIterations = 3
		cfg.PollInterval = config.Duration(10 * time.Millisecond)
	})
	require.NoError(t, os.WriteFile(
		filepath.Join(fx.vault.Root(), labels.StopHook), nil, 0644))
	var tk = seedTask(t, fx.vault, labels.Inbox, "paused work")

	fx.run(t)

	// Nothing moved while the stop hook was present.
	require.FileExists(t, fx.vault.PathOf(labels.Inbox, tk.ID()+".md"))
	require.Empty(t, fx.executor.snapshot())

	cp, err := fx.store.Load()
	require.NoError(t, err)
	require.True(t, cp.StopRequested)
}

func TestRunRecoversCrashedClaim(t *testing.T) {
	var fx = newFixture(t, func(cfg *config.Config) {
		cfg.MaxIterations = 1
	})
	// Simulate a prior run that died mid-task: the file sits in Plans
	// and the checkpoint still carries the claim.
	var tk = seedTask(t, fx.vault, labels.Plans, "orphaned claim")
	var cp = NewCheckpoint()
	cp.TasksInFlight[tk.ID()] = InFlight{State: labels.Plans, WorkerID: 1, StartedAt: time.Now()}
	require.NoError(t, fx.store.Save(cp))

	// Stop hook on: recovery runs, dispatch does not, so the recovered
	// state is observable.
	require.NoError(t, os.WriteFile(
		filepath.Join(fx.vault.Root(), labels.StopHook), nil, 0644))

	fx.run(t)

	require.FileExists(t, fx.vault.PathOf(labels.NeedsAction, tk.ID()+".md"))
	loaded, err := fx.store.Load()
	require.NoError(t, err)
	require.Empty(t, loaded.TasksInFlight)
}

func TestRunReleasesClaimOnShutdown(t *testing.T) {
	var fx = newFixture(t, func(cfg *config.Config) {
		cfg.MaxIterations = 0 // run until cancelled
	})
	var started = make(chan struct{})
	fx.reasoner.fn = func(ctx context.Context, tk *task.Task) (*invoke.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var tk = seedTask(t, fx.vault, labels.Inbox, "long reasoning")

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- fx.sched.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	// The claim was released; the task is ready for the next run.
	require.FileExists(t, fx.vault.PathOf(labels.NeedsAction, tk.ID()+".md"))
}

func TestRunConsumesBreakerResetFile(t *testing.T) {
	var fx = newFixture(t, nil)
	fx.sched.Breakers = guard.NewBreakerSet(fx.cfg.Circuit, fx.auditor, nil)

	var path = filepath.Join(fx.vault.Root(), labels.BreakerResetFile)
	require.NoError(t, os.WriteFile(path, []byte("mail-sender\n"), 0644))

	fx.run(t)

	_, err := os.Lstat(path)
	require.True(t, os.IsNotExist(err), "reset request is consumed once applied")
}
