package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/assadsharif/fte/go/approval"
	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/secrets"
	"github.com/assadsharif/fte/go/task"
	"github.com/assadsharif/fte/go/trust"
)

// ActionHook observes the outcome class and duration of every Execute,
// for metrics. An empty class is success.
type ActionHook func(driver, actionType, class string, duration time.Duration)

// Guard is the only path through which driver actions run.
type Guard struct {
	cfg       *config.Config
	trust     *trust.Registry
	approvals *approval.Store
	scanner   *secrets.Scanner
	limiter   *RateLimiter
	breakers  *BreakerSet
	auditor   *audit.Log
	logger    ops.Logger

	// Observer, when set, sees every Execute outcome.
	Observer ActionHook
}

func NewGuard(
	cfg *config.Config,
	reg *trust.Registry,
	approvals *approval.Store,
	scanner *secrets.Scanner,
	limiter *RateLimiter,
	breakers *BreakerSet,
	auditor *audit.Log,
) *Guard {
	return &Guard{
		cfg:       cfg,
		trust:     reg,
		approvals: approvals,
		scanner:   scanner,
		limiter:   limiter,
		breakers:  breakers,
		auditor:   auditor,
		logger:    ops.StdLogger(),
	}
}

// Breakers exposes the circuit breakers for operator reset and health.
func (g *Guard) Breakers() *BreakerSet { return g.breakers }

// Execute runs one plan action through the gate chain: redact, verify
// the driver binary, reserve rate tokens, consult the circuit, check
// and consume the approval nonce, then invoke the driver. Every gate
// fails closed. |approvalID| is empty for action types that need no
// sign-off.
func (g *Guard) Execute(ctx context.Context, taskID string, action task.PlanAction, approvalID string) (res Result, err error) {
	var started = time.Now()
	defer func() {
		if g.Observer != nil {
			var class string
			if err != nil {
				class = fault.Class(err)
			}
			g.Observer(action.Driver, action.ActionType, class, time.Since(started))
		}
	}()

	// The full-fidelity payload exists only in memory; everything that
	// is logged or audited sees the redacted form.
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("encoding payload for driver %s: %v: %w",
			action.Driver, err, fault.ErrValidation)
	}
	var redacted = g.scanner.Redact(string(payload))

	dcfg, ok := g.cfg.Drivers[action.Driver]
	if !ok {
		g.securityEvent(ctx, taskID, action, approvalID, audit.TypeVerificationFailed,
			audit.LevelCritical, "driver has no configured binary")
		return Result{}, fmt.Errorf("driver %s has no configured binary: %w",
			action.Driver, fault.ErrVerification)
	}
	// Verified on every invocation; trust records its own failures.
	if err = g.trust.Verify(action.Driver, dcfg.Path); err != nil {
		return Result{}, err
	}

	if err = g.limiter.Consume(action.Driver, action.ActionType); err != nil {
		g.securityEvent(ctx, taskID, action, approvalID, audit.TypeRateLimited,
			audit.LevelWarn, err.Error())
		return Result{}, err
	}

	// Consult the circuit before the nonce is burned, so an open
	// circuit cannot consume a single-use approval.
	if g.breakers.State(action.Driver) == gobreaker.StateOpen {
		g.circuitOpenEvent(ctx, taskID, action)
		return Result{}, fmt.Errorf("driver %s circuit is open: %w",
			action.Driver, fault.ErrCircuitOpen)
	}

	if err = g.checkApproval(ctx, taskID, action, approvalID); err != nil {
		return Result{}, err
	}

	// Only the driver call itself counts against the circuit.
	var invoked = time.Now()
	err = g.breakers.Execute(action.Driver, func() error {
		var e error
		res, e = runDriver(ctx, g.cfg, action.Driver, dcfg.Path, payload, g.logger)
		return e
	})
	if errors.Is(err, fault.ErrCircuitOpen) {
		g.circuitOpenEvent(ctx, taskID, action)
		return Result{}, err
	}
	g.executedEvent(ctx, taskID, action, approvalID, redacted, res, err, time.Since(invoked))
	return res, err
}

// checkApproval enforces step five of the chain. A provided approval is
// always validated and consumed, required or not; consuming precedes
// the driver call so a crash mid-action cannot double-execute.
func (g *Guard) checkApproval(ctx context.Context, taskID string, action task.PlanAction, approvalID string) error {
	if approvalID == "" {
		if !g.cfg.Approvals.RequiresApproval(action.ActionType) {
			return nil
		}
		return fmt.Errorf("action type %s requires an approval and none was provided: %w",
			action.ActionType, fault.ErrApprovalInvalid)
	}

	a, err := g.approvals.Load(approvalID)
	if err != nil {
		return err
	}
	digest, err := approval.CanonicalDigest(action.Payload)
	if err != nil {
		return err
	}

	var fm = a.Frontmatter
	switch {
	case fm.TaskID != taskID:
		err = fmt.Errorf("approval %s belongs to task %s", approvalID, fm.TaskID)
	case fm.ActionType != action.ActionType:
		err = fmt.Errorf("approval %s covers action type %s", approvalID, fm.ActionType)
	case fm.ContentDigest != digest:
		err = fmt.Errorf("approval %s does not cover this payload", approvalID)
	case fm.Status != approval.StatusApproved:
		err = fmt.Errorf("approval %s is %s, not approved", approvalID, fm.Status)
	}
	if err != nil {
		return fmt.Errorf("%v: %w", err, fault.ErrApprovalInvalid)
	}
	return g.approvals.ConsumeNonce(ctx, approvalID)
}

func (g *Guard) securityEvent(ctx context.Context, taskID string, action task.PlanAction, approvalID, eventType, level, reason string) {
	if g.auditor == nil {
		return
	}
	g.auditor.Security(audit.Event{
		Level:      level,
		EventType:  eventType,
		TraceID:    ops.Trace(ctx),
		TaskID:     taskID,
		ApprovalID: approvalID,
		Driver:     action.Driver,
		ActionType: action.ActionType,
		Actor:      "guard",
		Outcome:    audit.OutcomeErr,
		Context:    map[string]string{"reason": reason},
	})
}

func (g *Guard) circuitOpenEvent(ctx context.Context, taskID string, action task.PlanAction) {
	if g.auditor == nil {
		return
	}
	g.auditor.Append(audit.Event{
		Level:      audit.LevelWarn,
		EventType:  audit.TypeCircuitOpen,
		TraceID:    ops.Trace(ctx),
		TaskID:     taskID,
		Driver:     action.Driver,
		ActionType: action.ActionType,
		Actor:      "guard",
		Outcome:    audit.OutcomeErr,
	})
}

func (g *Guard) executedEvent(ctx context.Context, taskID string, action task.PlanAction, approvalID, redacted string, res Result, err error, d time.Duration) {
	if g.auditor == nil {
		return
	}
	var e = audit.Event{
		EventType:  audit.TypeActionExecuted,
		TraceID:    ops.Trace(ctx),
		TaskID:     taskID,
		ApprovalID: approvalID,
		Driver:     action.Driver,
		ActionType: action.ActionType,
		Actor:      "guard",
		Outcome:    audit.OutcomeOK,
		DurationMS: d.Milliseconds(),
		Context:    map[string]string{"payload": redacted},
	}
	if err != nil {
		e.Level = audit.LevelWarn
		e.Outcome = audit.OutcomeErr
		e.Context["error_class"] = fault.Class(err)
		e.Context["error"] = err.Error()
	} else if res.Detail != "" {
		e.Context["detail"] = res.Detail
	}
	g.auditor.Append(e)
}
