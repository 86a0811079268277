// Package vault implements the folder-encoded task state machine. A
// task's state is the workflow folder that holds its file, and the only
// way a task changes state is an atomic rename between folders.
package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/task"
)

// transitions is the allowed state matrix. Any move not listed here is
// rejected.
var transitions = map[string][]string{
	labels.Inbox:            {labels.NeedsAction, labels.Rejected},
	labels.NeedsAction:      {labels.Plans, labels.Inbox, labels.Rejected},
	labels.Plans:            {labels.PendingApproval, labels.Approved, labels.NeedsAction, labels.ErrorQueue, labels.Rejected, labels.Failed},
	labels.PendingApproval:  {labels.Approved, labels.Rejected, labels.NeedsHumanReview},
	labels.Approved:         {labels.Done, labels.ErrorQueue, labels.Rejected, labels.Failed},
	labels.ErrorQueue:       {labels.NeedsAction, labels.Failed},
	labels.NeedsHumanReview: {labels.NeedsAction, labels.Rejected},
}

// Allowed reports whether the matrix permits |from| → |to|.
func Allowed(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Vault is a rooted workflow directory tree.
type Vault struct {
	root    string
	auditor *audit.Log
}

// Open returns a Vault over |root| after verifying the layout exists.
func Open(root string, auditor *audit.Log) (*Vault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	for _, folder := range labels.AllFolders() {
		info, err := os.Stat(filepath.Join(abs, folder))
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("vault at %s is missing folder %s (run init): %w",
				abs, folder, fault.ErrValidation)
		}
	}
	return &Vault{root: abs, auditor: auditor}, nil
}

// Init creates the vault layout under |root|. It is idempotent and
// never touches existing task files.
func Init(root string) error {
	for _, folder := range labels.AllFolders() {
		if err := os.MkdirAll(filepath.Join(root, folder), 0755); err != nil {
			return fmt.Errorf("creating %s: %v: %w", folder, err, fault.ErrFileSystem)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, labels.Logs, "reasoning"), 0755); err != nil {
		return fmt.Errorf("creating reasoning log dir: %v: %w", err, fault.ErrFileSystem)
	}
	return nil
}

// Root returns the absolute vault root.
func (v *Vault) Root() string { return v.root }

// Dir returns the absolute path of |folder|.
func (v *Vault) Dir(folder string) string { return filepath.Join(v.root, folder) }

// PathOf returns the absolute path a task named |name| has in |folder|.
func (v *Vault) PathOf(folder, name string) string {
	return filepath.Join(v.root, folder, name)
}

// Transition moves |t| into |target| by rewriting its frontmatter and
// renaming the file. The rename is the commit point: a crash at any
// earlier step leaves the task in its source folder. Filesystem errors
// are retried 3 times (100, 200, 400 ms) before surfacing as permanent.
// On success |t| is updated to its new path and state.
func (v *Vault) Transition(ctx context.Context, t *task.Task, target, reason, actor string) error {
	var name = filepath.Base(t.Path)
	var from = t.State()

	if from == target {
		return nil // already there; a retry of a completed move
	}
	if !Allowed(from, target) {
		v.auditTransition(ctx, t.Frontmatter.TaskID, from, target, reason, actor, audit.OutcomeErr)
		return fmt.Errorf("transition %s → %s for %s: %w", from, target, name, fault.ErrInvalidTransition)
	}

	src, err := v.contained(from, name)
	if err != nil {
		return err
	}
	dst, err := v.contained(target, name)
	if err != nil {
		return err
	}

	if info, err := os.Lstat(src); err == nil && !info.Mode().IsRegular() {
		return fmt.Errorf("task file %s is not a regular file: %w", src, fault.ErrValidation)
	}

	// A retry of an already-completed move succeeds without a second
	// audit event.
	if alreadyAt(src, dst) {
		t.Path = dst
		t.Frontmatter.State = target
		return nil
	}

	t.Frontmatter.State = target
	var content = t.Render()
	var tmp = filepath.Join(v.root, target, ".tmp-"+name)
	var moved bool

	err = retry.Do(ctx, retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond)),
		func(ctx context.Context) error {
			if alreadyAt(src, dst) {
				return nil
			}
			if err := writeFileSync(tmp, content); err != nil {
				return retry.RetryableError(err)
			}
			// First land the new frontmatter at the source path, then
			// commit with the folder move.
			if err := os.Rename(tmp, src); err != nil {
				return retry.RetryableError(err)
			}
			if err := os.Rename(src, dst); err != nil {
				return retry.RetryableError(err)
			}
			moved = true
			return nil
		})
	if err != nil {
		_ = os.Remove(tmp)
		t.Frontmatter.State = from
		return fmt.Errorf("moving %s from %s to %s: %v: %w", name, from, target, err, fault.ErrFileSystem)
	}

	t.Path = dst
	if moved {
		v.auditTransition(ctx, t.Frontmatter.TaskID, from, target, reason, actor, audit.OutcomeOK)
	}
	return nil
}

// alreadyAt reports that |src| is gone and |dst| exists, meaning the
// move committed in a prior attempt.
func alreadyAt(src, dst string) bool {
	if _, err := os.Lstat(src); !os.IsNotExist(err) {
		return false
	}
	_, err := os.Lstat(dst)
	return err == nil
}

// Reject moves an unparseable or ill-named file straight into Rejected
// without rewriting it. Used for files that fail validation, where no
// frontmatter can be trusted.
func (v *Vault) Reject(ctx context.Context, path, reason, actor string) error {
	var name = filepath.Base(path)
	var dst = filepath.Join(v.root, labels.Rejected, name)
	if !strings.HasPrefix(filepath.Clean(path), v.root+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes vault root: %w", path, fault.ErrValidation)
	}
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("rejecting %s: %v: %w", name, err, fault.ErrFileSystem)
	}
	if v.auditor != nil {
		v.auditor.Append(audit.Event{
			Level:     audit.LevelWarn,
			EventType: audit.TypeTransition,
			TraceID:   ops.Trace(ctx),
			TaskID:    strings.TrimSuffix(name, ".md"),
			Actor:     actor,
			Outcome:   audit.OutcomeErr,
			Context:   map[string]string{"to": labels.Rejected, "reason": reason},
		})
	}
	return nil
}

// Locate scans the task folders for a file named |name| and returns the
// folder holding it.
func (v *Vault) Locate(name string) (string, bool) {
	for _, folder := range labels.TaskFolders() {
		if _, err := os.Lstat(v.PathOf(folder, name)); err == nil {
			return folder, true
		}
	}
	return "", false
}

// List returns the canonically named task files currently in |folder|,
// sorted by name. Dotfiles and foreign files are ignored.
func (v *Vault) List(folder string) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(folder))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %v: %w", folder, err, fault.ErrFileSystem)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && task.ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Heal completes transitions that crashed between the frontmatter
// rewrite and the folder rename: a file whose frontmatter state names a
// legal successor of its folder is moved there with a bare rename. It
// returns the names of healed tasks.
func (v *Vault) Heal(ctx context.Context) ([]string, error) {
	var healed []string
	for _, folder := range labels.TaskFolders() {
		names, err := v.List(folder)
		if err != nil {
			return healed, err
		}
		for _, name := range names {
			var path = v.PathOf(folder, name)
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			block, _, err := task.SplitFrontmatter(raw)
			if err != nil {
				continue
			}
			var fm = task.PeekState(block)
			if fm == "" || fm == folder || !Allowed(folder, fm) {
				continue
			}
			if err = os.Rename(path, v.PathOf(fm, name)); err != nil {
				return healed, fmt.Errorf("healing %s: %v: %w", name, err, fault.ErrFileSystem)
			}
			log.WithFields(log.Fields{"task": name, "from": folder, "to": fm}).
				Warn("completed interrupted transition")
			v.auditTransition(ctx, strings.TrimSuffix(name, ".md"), folder, fm, "crash recovery", "scheduler", audit.OutcomeOK)
			healed = append(healed, name)
		}
	}
	return healed, nil
}

func (v *Vault) contained(folder, name string) (string, error) {
	if !task.ValidName(name) {
		return "", fmt.Errorf("task name %q violates naming rules: %w", name, fault.ErrValidation)
	}
	var p = filepath.Clean(filepath.Join(v.root, folder, name))
	if !strings.HasPrefix(p, v.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes vault root: %w", p, fault.ErrValidation)
	}
	return p, nil
}

func (v *Vault) auditTransition(ctx context.Context, taskID, from, to, reason, actor, outcome string) {
	if v.auditor == nil {
		return
	}
	var level = audit.LevelInfo
	if outcome != audit.OutcomeOK {
		level = audit.LevelWarn
	}
	v.auditor.Append(audit.Event{
		Level:     level,
		EventType: audit.TypeTransition,
		TraceID:   ops.Trace(ctx),
		TaskID:    taskID,
		Actor:     actor,
		Outcome:   outcome,
		Context:   map[string]string{"from": from, "to": to, "reason": reason},
	})
	if v.auditor.Degraded() {
		log.WithFields(log.Fields{
			"task": taskID, "from": from, "to": to, "outcome": audit.OutcomeUnlogged,
		}).Warn("transition applied but audit event was not persisted")
	}
}

func writeFileSync(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err = f.Write(content); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return err
}
