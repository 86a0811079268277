// Package invoke runs the external reasoning subprocess for one task:
// minimal environment, per-task log capture, graceful-then-forced
// termination, and discovery of the plan and approval files the
// subprocess produced. The invoker performs no state transitions.
package invoke

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/assadsharif/fte/go/approval"
	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/task"
	"github.com/assadsharif/fte/go/vault"
)

// Result is what one reasoning invocation came to: the subprocess exit,
// the per-task log it streamed into, and the files it produced.
type Result struct {
	ExitCode  int
	Duration  time.Duration
	LogPath   string
	Plans     []*task.Plan
	Approvals []*approval.Approval
}

// Invoker launches the configured reasoning command.
type Invoker struct {
	cfg     *config.Config
	vault   *vault.Vault
	store   *approval.Store
	auditor *audit.Log
	logger  ops.Logger
}

func New(cfg *config.Config, v *vault.Vault, store *approval.Store, auditor *audit.Log) *Invoker {
	return &Invoker{cfg: cfg, vault: v, store: store, auditor: auditor, logger: ops.StdLogger()}
}

// Invoke runs the reasoning command against |t| and waits for it to
// finish, time out, or be cancelled. stdout and stderr stream into
// Logs/reasoning/<task>.<trace>.log and the process logger as they
// arrive. On success the Plans/ and Approvals/ folders are scanned for
// files referencing the task.
func (i *Invoker) Invoke(ctx context.Context, t *task.Task) (*Result, error) {
	var trace = ops.Trace(ctx)
	if trace == "" {
		trace = ops.NewTraceID()
		ctx = ops.WithTrace(ctx, trace)
	}

	var logPath = filepath.Join(i.vault.Root(), labels.Logs, "reasoning",
		fmt.Sprintf("%s.%s.log", t.ID(), trace))
	fileLog, err := ops.NewFileLogger(logPath, ops.NewLoggerWithFields(i.logger, log.Fields{
		"task":           t.ID(),
		ops.TraceIDField: trace,
	}))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, fault.ErrFileSystem)
	}
	defer fileLog.Close()

	var argv = append(append([]string{}, i.cfg.Reasoning.Command...), t.Path)
	var cmd = exec.Command(argv[0], argv[1:]...)
	// The subprocess sees only the vault root, its trace id, and enough
	// environment to start an interpreter.
	cmd.Env = []string{
		labels.EnvVault + "=" + i.vault.Root(),
		labels.EnvTraceID + "=" + trace,
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	// Own process group, so termination reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("reasoning stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("reasoning stderr pipe: %w", err)
	}

	i.audit(ctx, t, audit.Event{
		EventType: audit.TypeReasoningStarted,
		Outcome:   audit.OutcomeOK,
		Context:   map[string]string{"command": argv[0], "log": logPath},
	})

	var started = time.Now()
	if err = cmd.Start(); err != nil {
		i.audit(ctx, t, audit.Event{
			Level:     audit.LevelWarn,
			EventType: audit.TypeReasoningFailed,
			Outcome:   audit.OutcomeErr,
			Context:   map[string]string{"reason": "start failed"},
		})
		return nil, fmt.Errorf("starting reasoning command %s: %v: %w",
			argv[0], err, fault.ErrReasoningCrashed)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		ops.ForwardLogs("reasoning stdout", log.InfoLevel, stdout, fileLog)
	}()
	go func() {
		defer readers.Done()
		ops.ForwardLogs("reasoning stderr", log.InfoLevel, stderr, fileLog)
	}()

	var done = make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	var timer = time.NewTimer(i.cfg.Reasoning.Timeout.Std())
	defer timer.Stop()

	var waitErr error
	var timedOut bool
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = i.terminate(cmd, done)
	case <-ctx.Done():
		_ = i.terminate(cmd, done)
		i.audit(ctx, t, audit.Event{
			Level:      audit.LevelWarn,
			EventType:  audit.TypeReasoningFailed,
			Outcome:    audit.OutcomeErr,
			DurationMS: time.Since(started).Milliseconds(),
			Context:    map[string]string{"reason": "cancelled"},
		})
		return nil, ctx.Err()
	}

	var duration = time.Since(started)
	var exitCode = 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	var result = &Result{ExitCode: exitCode, Duration: duration, LogPath: logPath}

	if timedOut {
		i.audit(ctx, t, audit.Event{
			Level:      audit.LevelWarn,
			EventType:  audit.TypeReasoningFailed,
			Outcome:    audit.OutcomeErr,
			DurationMS: duration.Milliseconds(),
			Context:    map[string]string{"reason": "timeout"},
		})
		return result, fmt.Errorf("reasoning for %s exceeded %s: %w",
			t.ID(), i.cfg.Reasoning.Timeout.Std(), fault.ErrReasoningTimeout)
	}
	if waitErr != nil || exitCode != 0 {
		i.audit(ctx, t, audit.Event{
			Level:      audit.LevelWarn,
			EventType:  audit.TypeReasoningFailed,
			Outcome:    audit.OutcomeErr,
			DurationMS: duration.Milliseconds(),
			Context:    map[string]string{"reason": "crashed", "exit_code": strconv.Itoa(exitCode)},
		})
		return result, fmt.Errorf("reasoning for %s exited %d: %w",
			t.ID(), exitCode, fault.ErrReasoningCrashed)
	}

	if result.Plans, err = task.FindPlans(i.vault.Dir(labels.Plans), t.ID()); err != nil {
		return result, err
	}
	if result.Approvals, err = i.store.ForTask(t.ID()); err != nil {
		return result, err
	}

	i.audit(ctx, t, audit.Event{
		EventType:  audit.TypeReasoningSucceeded,
		Outcome:    audit.OutcomeOK,
		DurationMS: duration.Milliseconds(),
		Context: map[string]string{
			"plans":     strconv.Itoa(len(result.Plans)),
			"approvals": strconv.Itoa(len(result.Approvals)),
		},
	})
	return result, nil
}

// terminate signals the subprocess group with SIGTERM and escalates to
// SIGKILL when it outlives the grace period.
func (i *Invoker) terminate(cmd *exec.Cmd, done <-chan error) error {
	var pgid = -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(i.cfg.Reasoning.GracePeriod.Std()):
		log.WithField("pid", cmd.Process.Pid).
			Warn("reasoning subprocess survived SIGTERM, killing process group")
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return <-done
	}
}

func (i *Invoker) audit(ctx context.Context, t *task.Task, e audit.Event) {
	if i.auditor == nil {
		return
	}
	e.TraceID = ops.Trace(ctx)
	e.TaskID = t.ID()
	e.Actor = "invoker"
	i.auditor.Append(e)
}
