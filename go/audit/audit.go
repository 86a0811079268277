// Package audit owns the append-only event log under <vault>/Logs: one
// JSON object per line, day files with size-based gzip rotation, and a
// separate security channel for credential, verification, and
// rate-limit events. Every string that enters an event passes through
// the secrets redactor, so a caller cannot accidentally log a
// credential.
package audit

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/assadsharif/fte/go/secrets"
	log "github.com/sirupsen/logrus"
)

// Event levels.
const (
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Event types emitted across the runtime. Components reference these
// rather than repeating literals so that queries stay reliable.
const (
	TypeTransition         = "transition"
	TypeTaskDiscovered     = "task.discovered"
	TypeTaskDuplicate      = "task.duplicate"
	TypeReasoningStarted   = "reasoning.started"
	TypeReasoningSucceeded = "reasoning.succeeded"
	TypeReasoningFailed    = "reasoning.failed"
	TypeApprovalCreated    = "approval.created"
	TypeApprovalApproved   = "approval.approved"
	TypeApprovalRejected   = "approval.rejected"
	TypeApprovalTimeout    = "approval.timeout"
	TypeActionExecuted     = "action.executed"
	TypeVerificationFailed = "driver.verification_failed"
	TypeRateLimited        = "rate_limited"
	TypeCircuitOpen        = "circuit_open"
	TypeCircuitState       = "circuit.state_changed"
	TypeNonceReused        = "nonce.reused"
	TypeCredentialOp       = "credential.op"
	TypeRedactionFailed    = "scan.redaction_failed"
	TypeSchedulerStarted   = "scheduler.started"
	TypeSchedulerStopped   = "scheduler.stopped"
	TypeRetryScheduled     = "retry.scheduled"
	TypeRetriesExhausted   = "retry.exhausted"
)

// Outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeErr      = "err"
	OutcomeUnlogged = "unlogged"
)

// Event is one audit record. Seq is assigned by the log at append time
// and is monotonic for the life of the process (restored from the
// checkpoint across restarts), which preserves order during rotation
// overlap.
type Event struct {
	Seq        uint64            `json:"seq"`
	TS         time.Time         `json:"ts"`
	TraceID    string            `json:"trace_id,omitempty"`
	Level      string            `json:"level"`
	EventType  string            `json:"event_type"`
	Actor      string            `json:"actor"`
	TaskID     string            `json:"task_id,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Driver     string            `json:"driver,omitempty"`
	ActionType string            `json:"action_type,omitempty"`
	Outcome    string            `json:"outcome"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// Log is the single writer for both channels. Appends serialize through
// one mutex; the write itself is a single O_APPEND syscall so lines are
// never interleaved.
type Log struct {
	dir      string
	scanner  *secrets.Scanner
	maxBytes int64

	mu   sync.Mutex
	seq  uint64
	main channel
	sec  channel

	degraded bool
}

type channel struct {
	prefix string // "" for the main channel, "security-" for security
	day    string
	f      *os.File
	size   int64
}

// Option tunes an opened Log.
type Option func(*Log)

// WithMaxBytes overrides the size at which a day file is rotated and
// gzipped. The default is 32 MiB.
func WithMaxBytes(n int64) Option {
	return func(l *Log) { l.maxBytes = n }
}

// Open prepares an audit log rooted at |dir| (usually <vault>/Logs),
// creating the directory if needed.
func Open(dir string, scanner *secrets.Scanner, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	var l = &Log{
		dir:      dir,
		scanner:  scanner,
		maxBytes: 32 << 20,
		main:     channel{prefix: ""},
		sec:      channel{prefix: "security-"},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// RestoreSeq advances the sequence high-water, typically from the
// scheduler checkpoint at startup. It never moves backwards.
func (l *Log) RestoreSeq(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
	}
}

// Degraded reports whether an append has failed since the last
// successful write. Health evaluation consumes this.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Append writes |e| to the main channel. It assigns Seq and TS, redacts
// every string field, and never fails the caller: a write error is
// retried once, then the event goes to stderr and the log is marked
// degraded.
func (l *Log) Append(e Event) uint64 {
	return l.append(&l.main, e)
}

// Security writes |e| to the security channel, used for credential
// operations, driver verification failures, rate limiting, and nonce
// replays.
func (l *Log) Security(e Event) uint64 {
	return l.append(&l.sec, e)
}

func (l *Log) append(ch *channel, e Event) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	l.redactLocked(&e)

	var line, err = json.Marshal(e)
	if err != nil {
		// Context values are plain strings, so this is unreachable in
		// practice; drop to stderr if it ever happens.
		log.WithFields(log.Fields{"error": err, "eventType": e.EventType}).
			Error("failed to encode audit event")
		l.degraded = true
		return e.Seq
	}
	line = append(line, '\n')

	if err = l.writeLocked(ch, e.TS, line); err != nil {
		if err = l.writeLocked(ch, e.TS, line); err != nil {
			log.WithFields(log.Fields{"error": err, "event": string(line)}).
				Error("audit write failed, event not persisted")
			l.degraded = true
			return e.Seq
		}
	}
	l.degraded = false
	return e.Seq
}

// redactLocked cleans every string field. A redaction failure is itself
// recorded on the security channel, built only from constants so it
// cannot recurse.
func (l *Log) redactLocked(e *Event) {
	var failed bool
	var clean = func(s string) string {
		var out = l.scanner.Redact(s)
		if out == secrets.RedactionFailed {
			failed = true
		}
		return out
	}

	e.Actor = clean(e.Actor)
	e.Outcome = clean(e.Outcome)
	for k, v := range e.Context {
		e.Context[k] = clean(v)
	}
	if failed {
		l.seq++
		var n, _ = json.Marshal(Event{
			Seq:       l.seq,
			TS:        time.Now().UTC(),
			Level:     LevelError,
			EventType: TypeRedactionFailed,
			Actor:     "audit",
			Outcome:   OutcomeErr,
		})
		_ = l.writeLocked(&l.sec, time.Now().UTC(), append(n, '\n'))
	}
}

func (l *Log) writeLocked(ch *channel, ts time.Time, line []byte) error {
	var day = ts.UTC().Format("2006-01-02")

	if ch.f != nil && ch.day != day {
		_ = ch.f.Sync()
		_ = ch.f.Close()
		ch.f = nil
	}
	if ch.f != nil && ch.size+int64(len(line)) > l.maxBytes {
		if err := l.rotateLocked(ch); err != nil {
			return err
		}
	}
	if ch.f == nil {
		var path = filepath.Join(l.dir, ch.prefix+day+".log")
		var f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening audit file %s: %w", path, err)
		}
		var st, serr = f.Stat()
		if serr != nil {
			_ = f.Close()
			return fmt.Errorf("statting audit file %s: %w", path, serr)
		}
		ch.f, ch.day, ch.size = f, day, st.Size()
	}

	var n, err = ch.f.Write(line)
	ch.size += int64(n)
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// rotateLocked gzips the current day file into the next free
// <day>.N.log.gz segment and starts a fresh day file.
func (l *Log) rotateLocked(ch *channel) error {
	var current = filepath.Join(l.dir, ch.prefix+ch.day+".log")
	if err := ch.f.Sync(); err != nil {
		return fmt.Errorf("syncing before rotation: %w", err)
	}
	if err := ch.f.Close(); err != nil {
		return fmt.Errorf("closing before rotation: %w", err)
	}
	ch.f = nil

	var target string
	for n := 1; ; n++ {
		target = filepath.Join(l.dir, fmt.Sprintf("%s%s.%d.log.gz", ch.prefix, ch.day, n))
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
	}

	if err := gzipFile(current, target); err != nil {
		return err
	}
	if err := os.Remove(current); err != nil {
		return fmt.Errorf("removing rotated segment: %w", err)
	}
	ch.size = 0
	return nil
}

func gzipFile(src, dst string) error {
	var in, err = os.Open(src)
	if err != nil {
		return fmt.Errorf("opening segment for compression: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating compressed segment: %w", err)
	}
	var gz = gzip.NewWriter(out)
	if _, err = io.Copy(gz, in); err == nil {
		err = gz.Close()
	} else {
		_ = gz.Close()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("compressing rotated segment: %w", err)
	}
	return nil
}

// Close syncs and closes both channels.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for _, ch := range []*channel{&l.main, &l.sec} {
		if ch.f == nil {
			continue
		}
		if serr := ch.f.Sync(); serr != nil && err == nil {
			err = serr
		}
		if cerr := ch.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		ch.f = nil
	}
	return err
}

// Filter selects events for Query. Zero values match everything.
type Filter struct {
	TaskID     string
	ApprovalID string
	EventType  string
	Security   bool // query the security channel instead of the main one
	Since      time.Time
	Until      time.Time
}

// Query scans the day files (and gzipped segments) of the selected
// channel and returns matching events ordered by sequence number.
func (l *Log) Query(filter Filter) ([]Event, error) {
	l.mu.Lock()
	// Flush pending data so readers observe every appended event.
	for _, ch := range []*channel{&l.main, &l.sec} {
		if ch.f != nil {
			_ = ch.f.Sync()
		}
	}
	var dir = l.dir
	l.mu.Unlock()

	var prefix = ""
	if filter.Security {
		prefix = "security-"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing audit directory: %w", err)
	}

	var events []Event
	for _, entry := range entries {
		var name = entry.Name()
		if entry.IsDir() || !matchesChannel(name, prefix) {
			continue
		}
		evs, err := readEventFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, e := range evs {
			if filter.matches(e) {
				events = append(events, e)
			}
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func (f Filter) matches(e Event) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.ApprovalID != "" && e.ApprovalID != f.ApprovalID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.TS.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.TS.After(f.Until) {
		return false
	}
	return true
}

// matchesChannel pairs file names with the channel prefix: the main
// channel must not pick up security files, which share the directory.
func matchesChannel(name, prefix string) bool {
	if !dayFile(name) {
		return false
	}
	var isSecurity = len(name) > 9 && name[:9] == "security-"
	return (prefix == "security-") == isSecurity
}

func dayFile(name string) bool {
	if filepath.Ext(name) == ".gz" {
		return true
	}
	return filepath.Ext(name) == ".log"
}

func readEventFile(path string) ([]Event, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit file %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("reading compressed audit file %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var events []Event
	var dec = json.NewDecoder(r)
	for {
		var e Event
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			// A torn final line from a crash is expected; everything
			// decoded so far is still good.
			break
		}
		events = append(events, e)
	}
	return events, nil
}
