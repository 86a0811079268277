// Package sched drives tasks from Inbox to a terminal folder: the
// discovery watcher, the priority queue, the worker pool, the retry
// loop, and the durable checkpoint behind crash recovery.
package sched

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
)

// InFlight records one claimed task in the checkpoint.
type InFlight struct {
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	WorkerID  int       `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// Counters are the checkpoint's lifetime tallies. They survive restarts
// where Prometheus counters do not.
type Counters struct {
	Discovered uint64 `json:"discovered"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Retries    uint64 `json:"retries"`
}

// Checkpoint is the scheduler's durable snapshot: which tasks were
// claimed, the audit sequence high-water, whether a stop was honored,
// and the lifetime counters.
type Checkpoint struct {
	LastPoll      time.Time           `json:"last_poll"`
	TasksInFlight map[string]InFlight `json:"tasks_in_flight"`
	StopRequested bool                `json:"stop_requested"`
	Counters      Counters            `json:"counters"`
	AuditSeq      uint64              `json:"audit_seq"`
}

// NewCheckpoint returns an empty checkpoint with its map allocated.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{TasksInFlight: map[string]InFlight{}}
}

// CheckpointStore reads and writes the vault's checkpoint file. The
// scheduler main loop is the single writer; the mutex only protects
// against an operator CLI reading concurrently.
type CheckpointStore struct {
	mu   sync.Mutex
	path string
}

func NewCheckpointStore(vaultRoot string) *CheckpointStore {
	return &CheckpointStore{path: filepath.Join(vaultRoot, labels.CheckpointFile)}
}

// Load returns the stored checkpoint, or an empty one when none exists
// yet.
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cp = NewCheckpoint()
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return cp, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %v: %w", err, fault.ErrFileSystem)
	}
	if err = json.Unmarshal(raw, cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %v: %w", s.path, err, fault.ErrValidation)
	}
	if cp.TasksInFlight == nil {
		cp.TasksInFlight = map[string]InFlight{}
	}
	return cp, nil
}

// Save writes |cp| atomically: tempfile, fsync, rename.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	var tmp = s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating checkpoint tempfile: %v: %w", err, fault.ErrFileSystem)
	}
	if _, err = f.Write(raw); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing checkpoint: %v: %w", err, fault.ErrFileSystem)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing checkpoint: %v: %w", err, fault.ErrFileSystem)
	}
	return nil
}

// Path returns the checkpoint file location, for operator tooling.
func (s *CheckpointStore) Path() string { return s.path }
