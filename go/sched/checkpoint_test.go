package sched

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/assadsharif/fte/go/fault"
)

func TestCheckpointLoadMissingReturnsEmpty(t *testing.T) {
	var store = NewCheckpointStore(t.TempDir())

	cp, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, cp.TasksInFlight)
	require.Empty(t, cp.TasksInFlight)
	require.False(t, cp.StopRequested)
}

func TestCheckpointRoundTrip(t *testing.T) {
	var store = NewCheckpointStore(t.TempDir())

	var cp = NewCheckpoint()
	cp.LastPoll = time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	cp.StopRequested = true
	cp.AuditSeq = 42
	cp.Counters = Counters{Discovered: 7, Completed: 5, Failed: 1, Retries: 3}
	cp.TasksInFlight["mail_invoice_2026-01-28T10-00"] = InFlight{
		State:     "Plans",
		Attempts:  1,
		WorkerID:  2,
		StartedAt: cp.LastPoll,
	}
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, cp, loaded)

	// The write is atomic: no tempfile lingers next to the checkpoint.
	_, err = os.Lstat(store.Path() + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestCheckpointLoadRejectsCorruptFile(t *testing.T) {
	var store = NewCheckpointStore(t.TempDir())
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0600))

	_, err := store.Load()
	require.ErrorIs(t, err, fault.ErrValidation)
}
