package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/secrets"
	"github.com/assadsharif/fte/go/task"
)

var testCreated = time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)

func newVault(t *testing.T) (*Vault, *audit.Log) {
	t.Helper()
	var root = t.TempDir()
	require.NoError(t, Init(root))

	auditor, err := audit.Open(filepath.Join(root, labels.Logs), secrets.NewScanner())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	v, err := Open(root, auditor)
	require.NoError(t, err)
	return v, auditor
}

func seedTask(t *testing.T, v *Vault, folder string) *task.Task {
	t.Helper()
	var name = task.Name(task.SourceMail, "overdue invoice", testCreated)
	var seeded = &task.Task{
		Path: v.PathOf(folder, name),
		Frontmatter: task.Frontmatter{
			TaskID:    strings.TrimSuffix(name, ".md"),
			Source:    task.SourceMail,
			Sender:    "client-a@example.com",
			Subject:   "overdue invoice",
			Priority:  task.PriorityMedium,
			CreatedAt: testCreated,
			State:     folder,
		},
		Body: "Pay invoice #42.\n",
	}
	require.NoError(t, os.WriteFile(seeded.Path, seeded.Render(), 0644))

	loaded, err := task.Load(seeded.Path)
	require.NoError(t, err)
	return loaded
}

func TestTransitionMatrix(t *testing.T) {
	var legal = []struct{ from, to string }{
		{labels.Inbox, labels.NeedsAction},
		{labels.Inbox, labels.Rejected},
		{labels.NeedsAction, labels.Plans},
		{labels.NeedsAction, labels.Inbox},
		{labels.Plans, labels.PendingApproval},
		{labels.Plans, labels.Approved},
		{labels.Plans, labels.NeedsAction},
		{labels.Plans, labels.ErrorQueue},
		{labels.Plans, labels.Failed},
		{labels.PendingApproval, labels.Approved},
		{labels.PendingApproval, labels.Rejected},
		{labels.PendingApproval, labels.NeedsHumanReview},
		{labels.Approved, labels.Done},
		{labels.Approved, labels.ErrorQueue},
		{labels.Approved, labels.Failed},
		{labels.ErrorQueue, labels.NeedsAction},
		{labels.ErrorQueue, labels.Failed},
		{labels.NeedsHumanReview, labels.NeedsAction},
		{labels.NeedsHumanReview, labels.Rejected},
	}
	for _, e := range legal {
		require.True(t, Allowed(e.from, e.to), "%s -> %s", e.from, e.to)
	}

	var illegal = []struct{ from, to string }{
		{labels.Inbox, labels.Plans},
		{labels.Inbox, labels.Done},
		{labels.NeedsAction, labels.Approved},
		{labels.PendingApproval, labels.NeedsAction},
		{labels.Done, labels.Inbox},
		{labels.Done, labels.NeedsAction},
		{labels.Failed, labels.NeedsAction},
		{labels.Rejected, labels.Inbox},
		{labels.ErrorQueue, labels.Plans},
	}
	for _, e := range illegal {
		require.False(t, Allowed(e.from, e.to), "%s -> %s", e.from, e.to)
	}
}

func TestTransitionMovesFile(t *testing.T) {
	var v, auditor = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)
	var oldPath = tk.Path

	require.NoError(t, v.Transition(context.Background(), tk, labels.NeedsAction, "discovered", "scheduler"))

	require.NoFileExists(t, oldPath)
	require.Equal(t, v.PathOf(labels.NeedsAction, filepath.Base(oldPath)), tk.Path)
	require.Equal(t, labels.NeedsAction, tk.Frontmatter.State)

	// The file on disk re-validates: frontmatter state matches folder.
	reloaded, err := task.Load(tk.Path)
	require.NoError(t, err)
	require.Equal(t, labels.NeedsAction, reloaded.Frontmatter.State)
	require.Equal(t, "Pay invoice #42.\n", reloaded.Body)

	events, err := auditor.Query(audit.Filter{EventType: audit.TypeTransition})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, tk.ID(), events[0].TaskID)
	require.Equal(t, labels.Inbox, events[0].Context["from"])
	require.Equal(t, labels.NeedsAction, events[0].Context["to"])
	require.Equal(t, "discovered", events[0].Context["reason"])
	require.Equal(t, audit.OutcomeOK, events[0].Outcome)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	var v, auditor = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)

	var err = v.Transition(context.Background(), tk, labels.Done, "", "scheduler")
	require.ErrorIs(t, err, fault.ErrInvalidTransition)

	// Task not moved, state untouched.
	require.FileExists(t, v.PathOf(labels.Inbox, filepath.Base(tk.Path)))
	require.Equal(t, labels.Inbox, tk.Frontmatter.State)

	events, qerr := auditor.Query(audit.Filter{EventType: audit.TypeTransition})
	require.NoError(t, qerr)
	require.Len(t, events, 1)
	require.Equal(t, audit.OutcomeErr, events[0].Outcome)
}

func TestTransitionIdempotentRetry(t *testing.T) {
	var v, auditor = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)

	// Keep a stale handle, as a crashed-and-retried caller would.
	var stale = *tk
	require.NoError(t, v.Transition(context.Background(), tk, labels.NeedsAction, "discovered", "scheduler"))
	require.NoError(t, v.Transition(context.Background(), &stale, labels.NeedsAction, "discovered", "scheduler"))
	require.Equal(t, tk.Path, stale.Path)

	// Exactly one audit event despite two calls.
	events, err := auditor.Query(audit.Filter{EventType: audit.TypeTransition})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// A third call with the task already loaded from the target is also
	// a no-op.
	reloaded, err := task.Load(tk.Path)
	require.NoError(t, err)
	require.NoError(t, v.Transition(context.Background(), reloaded, labels.NeedsAction, "", "scheduler"))
	events, err = auditor.Query(audit.Filter{EventType: audit.TypeTransition})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestTransitionChain(t *testing.T) {
	var v, auditor = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)
	var ctx = context.Background()

	for _, step := range []string{
		labels.NeedsAction, labels.Plans, labels.PendingApproval, labels.Approved, labels.Done,
	} {
		require.NoError(t, v.Transition(ctx, tk, step, "advance", "scheduler"))
		require.Equal(t, step, tk.State())
	}

	require.FileExists(t, v.PathOf(labels.Done, filepath.Base(tk.Path)))
	events, err := auditor.Query(audit.Filter{EventType: audit.TypeTransition})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestHealCompletesInterruptedMove(t *testing.T) {
	var v, auditor = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)
	var name = filepath.Base(tk.Path)

	// Simulate a crash after the frontmatter rewrite but before the
	// rename: the file sits in Inbox claiming Needs_Action.
	tk.Frontmatter.State = labels.NeedsAction
	require.NoError(t, os.WriteFile(tk.Path, tk.Render(), 0644))

	healed, err := v.Heal(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{name}, healed)
	require.NoFileExists(t, v.PathOf(labels.Inbox, name))
	require.FileExists(t, v.PathOf(labels.NeedsAction, name))

	events, err := auditor.Query(audit.Filter{EventType: audit.TypeTransition})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "crash recovery", events[0].Context["reason"])

	// A healthy vault heals nothing.
	healed, err = v.Heal(context.Background())
	require.NoError(t, err)
	require.Empty(t, healed)
}

func TestHealIgnoresIllegalClaims(t *testing.T) {
	var v, _ = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)
	var name = filepath.Base(tk.Path)

	// Frontmatter claims a state the matrix does not allow from Inbox.
	tk.Frontmatter.State = labels.Done
	require.NoError(t, os.WriteFile(tk.Path, tk.Render(), 0644))

	healed, err := v.Heal(context.Background())
	require.NoError(t, err)
	require.Empty(t, healed)
	require.FileExists(t, v.PathOf(labels.Inbox, name))
}

func TestRejectMovesRawFile(t *testing.T) {
	var v, auditor = newVault(t)

	// An ill-named file cannot go through Transition at all.
	var path = v.PathOf(labels.Inbox, "NOT-A-TASK.md")
	require.NoError(t, os.WriteFile(path, []byte("no frontmatter"), 0644))

	require.NoError(t, v.Reject(context.Background(), path, "invalid task name", "scheduler"))
	require.NoFileExists(t, path)

	moved, err := os.ReadFile(v.PathOf(labels.Rejected, "NOT-A-TASK.md"))
	require.NoError(t, err)
	require.Equal(t, "no frontmatter", string(moved))

	events, err := auditor.Query(audit.Filter{EventType: audit.TypeTransition})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, audit.OutcomeErr, events[0].Outcome)
	require.Equal(t, "invalid task name", events[0].Context["reason"])
}

func TestListSkipsForeignFiles(t *testing.T) {
	var v, _ = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)

	require.NoError(t, os.WriteFile(v.PathOf(labels.Inbox, ".tmp-something"), nil, 0644))
	require.NoError(t, os.WriteFile(v.PathOf(labels.Inbox, "README.txt"), nil, 0644))
	require.NoError(t, os.WriteFile(v.PathOf(labels.Inbox, "Bad_Name.md"), nil, 0644))
	require.NoError(t, os.Mkdir(v.PathOf(labels.Inbox, "subdir"), 0755))

	names, err := v.List(labels.Inbox)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Base(tk.Path)}, names)
}

func TestLocate(t *testing.T) {
	var v, _ = newVault(t)
	var tk = seedTask(t, v, labels.Plans)

	folder, ok := v.Locate(filepath.Base(tk.Path))
	require.True(t, ok)
	require.Equal(t, labels.Plans, folder)

	_, ok = v.Locate("mail_missing_2026-01-01T00-00.md")
	require.False(t, ok)
}

func TestOpenRequiresLayout(t *testing.T) {
	var root = t.TempDir()
	var _, err = Open(root, nil)
	require.ErrorIs(t, err, fault.ErrValidation)

	require.NoError(t, Init(root))
	require.NoError(t, Init(root)) // idempotent

	v, err := Open(root, nil)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(v.Root(), labels.Logs, "reasoning"))
}

func TestTransitionRejectsSymlink(t *testing.T) {
	var v, _ = newVault(t)
	var tk = seedTask(t, v, labels.Inbox)

	// Swap the task file for a symlink to content elsewhere.
	var outside = filepath.Join(t.TempDir(), "outside.md")
	require.NoError(t, os.Rename(tk.Path, outside))
	require.NoError(t, os.Symlink(outside, tk.Path))

	var err = v.Transition(context.Background(), tk, labels.NeedsAction, "", "scheduler")
	require.ErrorIs(t, err, fault.ErrValidation)
}
