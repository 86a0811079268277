// Package task models the on-disk task file: markdown with a YAML
// frontmatter block whose `state` field mirrors the workflow folder the
// file lives in. Parsing is strict about the frontmatter delimiters and
// the canonical filename; serialization writes keys in a fixed order so
// that files round-trip byte-identically.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"gopkg.in/yaml.v3"
)

// Sources a task may originate from.
const (
	SourceMail       = "mail"
	SourceChat       = "chat"
	SourceFilesystem = "filesystem"
	SourceManual     = "manual"
)

// Priorities a task frontmatter may carry.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// nameRe is the canonical task filename: <source>_<subject-slug>_<ISO-minute>.md
var nameRe = regexp.MustCompile(`^[a-z]+_[a-z0-9-]+_\d{4}-\d{2}-\d{2}T\d{2}-\d{2}\.md$`)

// Frontmatter is the fixed schema of a task file's YAML header. Optional
// fields are pointers; absent means YAML null on disk.
type Frontmatter struct {
	TaskID      string     `yaml:"task_id"`
	Source      string     `yaml:"source"`
	Sender      string     `yaml:"sender"`
	Subject     string     `yaml:"subject"`
	Priority    string     `yaml:"priority"`
	Deadline    *time.Time `yaml:"deadline"`
	CreatedAt   time.Time  `yaml:"created_at"`
	State       string     `yaml:"state"`
	RetryCount  int        `yaml:"retry_count"`
	LastError   string     `yaml:"last_error"`
	NextRetryAt *time.Time `yaml:"next_retry_at"`
}

// Task is one loaded task file.
type Task struct {
	// Path the task was loaded from. The parent folder encodes the state.
	Path        string
	Frontmatter Frontmatter
	Body        string
}

// Load reads and parses the task file at |path|. Malformed frontmatter
// or an invalid filename yields fault.ErrValidation.
func Load(path string) (*Task, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes |data| as a task file. |path| is retained and its base
// name validated against the canonical naming rule.
func Parse(path string, data []byte) (*Task, error) {
	var name = filepath.Base(path)
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("task filename %q is not canonical: %w", name, fault.ErrValidation)
	}

	var block, body, err = SplitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", name, err)
	}

	var fm Frontmatter
	if err = yaml.Unmarshal(block, &fm); err != nil {
		return nil, fmt.Errorf("task %s frontmatter: %v: %w", name, err, fault.ErrValidation)
	}
	var t = &Task{Path: path, Frontmatter: fm, Body: body}
	if err = t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ID returns the task id derived from the filename (the base name with
// the .md suffix removed).
func (t *Task) ID() string {
	return strings.TrimSuffix(filepath.Base(t.Path), ".md")
}

// State returns the name of the folder the task currently lives in.
func (t *Task) State() string {
	return filepath.Base(filepath.Dir(t.Path))
}

// Validate checks the frontmatter schema and its agreement with the
// file's name and location. All violations map to fault.ErrValidation.
func (t *Task) Validate() error {
	var fm = &t.Frontmatter
	var fail = func(format string, args ...interface{}) error {
		return fmt.Errorf("task %s: %s: %w", t.ID(), fmt.Sprintf(format, args...), fault.ErrValidation)
	}

	switch fm.Source {
	case SourceMail, SourceChat, SourceFilesystem, SourceManual:
	default:
		return fail("unknown source %q", fm.Source)
	}
	switch fm.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fail("unknown priority %q", fm.Priority)
	}
	if fm.TaskID == "" {
		return fail("missing task_id")
	}
	if fm.TaskID != t.ID() {
		return fail("task_id %q does not match filename", fm.TaskID)
	}
	if !strings.HasPrefix(t.ID(), fm.Source+"_") {
		return fail("filename source prefix does not match source %q", fm.Source)
	}
	if fm.CreatedAt.IsZero() {
		return fail("missing created_at")
	}
	if !labels.IsTaskFolder(fm.State) {
		return fail("unknown state %q", fm.State)
	}
	if fm.RetryCount < 0 {
		return fail("negative retry_count %d", fm.RetryCount)
	}
	if state := t.State(); labels.IsTaskFolder(state) && state != fm.State {
		return fail("state %q does not match folder %q", fm.State, state)
	}
	return nil
}

// Render serializes the task back to its on-disk form: frontmatter keys
// in fixed order, then the body, with a guaranteed trailing newline.
func (t *Task) Render() []byte {
	var fm = &t.Frontmatter
	var b strings.Builder
	b.WriteString("---\n")
	writeScalar(&b, "task_id", fm.TaskID)
	writeScalar(&b, "source", fm.Source)
	writeNullable(&b, "sender", fm.Sender)
	writeScalar(&b, "subject", fm.Subject)
	writeScalar(&b, "priority", fm.Priority)
	writeTime(&b, "deadline", fm.Deadline)
	writeScalar(&b, "created_at", fm.CreatedAt.UTC().Format(time.RFC3339))
	writeScalar(&b, "state", fm.State)
	fmt.Fprintf(&b, "retry_count: %d\n", fm.RetryCount)
	writeNullable(&b, "last_error", fm.LastError)
	writeTime(&b, "next_retry_at", fm.NextRetryAt)
	b.WriteString("---\n")

	var body = t.Body
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	b.WriteString(body)
	return []byte(b.String())
}

// Name builds the canonical filename for a new task.
func Name(source, subject string, createdAt time.Time) string {
	return fmt.Sprintf("%s_%s_%s.md", source, Slug(subject), createdAt.UTC().Format("2006-01-02T15-04"))
}

// ValidName reports whether |name| matches the canonical filename rule.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// Slug lowercases |s| and collapses every non-alphanumeric run into a
// single dash, bounded at 48 characters.
func Slug(s string) string {
	var b strings.Builder
	var dash bool
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
		if b.Len() >= 48 {
			break
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return strings.TrimRight(b.String(), "-")
}

func writeScalar(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(yamlScalar(value))
	b.WriteByte('\n')
}

func writeNullable(b *strings.Builder, key, value string) {
	if value == "" {
		b.WriteString(key)
		b.WriteString(": null\n")
		return
	}
	writeScalar(b, key, value)
}

func writeTime(b *strings.Builder, key string, t *time.Time) {
	if t == nil {
		b.WriteString(key)
		b.WriteString(": null\n")
		return
	}
	writeScalar(b, key, t.UTC().Format(time.RFC3339))
}

// yamlScalar encodes one string value, quoting only when YAML requires
// it so that files stay human-readable. Values the YAML emitter would
// fold or break across lines take the JSON form instead, which YAML
// reads as a single-line double-quoted scalar.
func yamlScalar(s string) string {
	if out, err := yaml.Marshal(s); err == nil {
		var trimmed = strings.TrimRight(string(out), "\n")
		if !strings.Contains(trimmed, "\n") {
			return trimmed
		}
	}
	var b, _ = json.Marshal(s)
	return string(b)
}
