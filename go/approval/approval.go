// Package approval implements the human sign-off workflow: approval
// files in Approvals/, their pending → approved | rejected | timeout
// state machine, and the single-use nonce registry that makes an
// approved action executable at most once.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/task"
	"github.com/assadsharif/fte/go/vault"
)

// Approval statuses. pending is the only non-terminal status.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusTimeout  = "timeout"
)

// Risk levels an approval may carry.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var idRe = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// Frontmatter is the YAML header of an approval file. Field order is
// the on-disk key order.
type Frontmatter struct {
	ApprovalID      string                 `yaml:"approval_id"`
	TaskID          string                 `yaml:"task_id"`
	ActionType      string                 `yaml:"action_type"`
	RiskLevel       string                 `yaml:"risk_level"`
	Status          string                 `yaml:"status"`
	Nonce           string                 `yaml:"nonce"`
	ContentDigest   string                 `yaml:"content_digest"`
	CreatedAt       time.Time              `yaml:"created_at"`
	ExpiresAt       time.Time              `yaml:"expires_at"`
	Approver        string                 `yaml:"approver"`
	DecisionAt      *time.Time             `yaml:"decision_at"`
	RejectionReason string                 `yaml:"rejection_reason"`
	ActionPayload   map[string]interface{} `yaml:"action_payload"`
}

// Approval is one loaded approval file.
type Approval struct {
	Path        string
	Frontmatter Frontmatter
	Body        string
}

func (a *Approval) render() ([]byte, error) {
	var block, err = yaml.Marshal(a.Frontmatter)
	if err != nil {
		return nil, fmt.Errorf("encoding approval frontmatter: %w", err)
	}
	return task.JoinFrontmatter(block, a.Body), nil
}

// Parse decodes an approval file.
func Parse(path string, data []byte) (*Approval, error) {
	block, body, err := task.SplitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("approval %s: %w", filepath.Base(path), err)
	}
	var fm Frontmatter
	if err = yaml.Unmarshal(block, &fm); err != nil {
		return nil, fmt.Errorf("approval %s: %v: %w", filepath.Base(path), err, fault.ErrValidation)
	}
	switch {
	case fm.ApprovalID == "":
		err = fmt.Errorf("missing approval_id")
	case fm.TaskID == "":
		err = fmt.Errorf("missing task_id")
	case fm.Nonce == "":
		err = fmt.Errorf("missing nonce")
	case fm.Status != StatusPending && fm.Status != StatusApproved &&
		fm.Status != StatusRejected && fm.Status != StatusTimeout:
		err = fmt.Errorf("unknown status %q", fm.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("approval %s: %v: %w", filepath.Base(path), err, fault.ErrValidation)
	}
	return &Approval{Path: path, Frontmatter: fm, Body: body}, nil
}

// CanonicalDigest hashes an action payload's canonical serialization:
// compact JSON with keys sorted at every nesting level. The digest is
// stable across YAML reformatting of the approval file.
func CanonicalDigest(payload map[string]interface{}) (string, error) {
	var raw, err = json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	var sum = sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Store mediates all approval-state mutation. The reasoning stage may
// create approvals; everything after that goes through Approve, Reject,
// the expiry sweep, and ConsumeNonce.
type Store struct {
	vault     *vault.Vault
	cfg       *config.Config
	auditor   *audit.Log
	nonces    *NonceRegistry
	approvers map[string][]glob.Glob
}

// NewStore compiles the authorized-approver patterns and returns a
// Store over |v|.
func NewStore(v *vault.Vault, cfg *config.Config, auditor *audit.Log) (*Store, error) {
	var approvers = map[string][]glob.Glob{}
	for actionType, patterns := range cfg.AuthorizedApprovers {
		for _, p := range patterns {
			g, err := glob.Compile(strings.ToLower(p))
			if err != nil {
				return nil, fmt.Errorf("approver pattern %q for %s: %v: %w",
					p, actionType, err, fault.ErrValidation)
			}
			approvers[actionType] = append(approvers[actionType], g)
		}
	}
	return &Store{
		vault:     v,
		cfg:       cfg,
		auditor:   auditor,
		nonces:    OpenNonces(v.Root()),
		approvers: approvers,
	}, nil
}

// Nonces exposes the registry for health checks.
func (s *Store) Nonces() *NonceRegistry { return s.nonces }

// Create writes a new pending approval for |taskID| into Approvals/ and
// returns it. The expiry TTL is the configured timeout for
// |actionType|.
func (s *Store) Create(ctx context.Context, taskID, actionType, risk string, payload map[string]interface{}) (*Approval, error) {
	switch risk {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return nil, fmt.Errorf("unknown risk level %q: %w", risk, fault.ErrValidation)
	}
	if taskID == "" || actionType == "" {
		return nil, fmt.Errorf("approval needs task_id and action_type: %w", fault.ErrValidation)
	}

	digest, err := CanonicalDigest(payload)
	if err != nil {
		return nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	var now = time.Now().UTC().Truncate(time.Second)
	var a = &Approval{
		Frontmatter: Frontmatter{
			ApprovalID:    uuid.NewString(),
			TaskID:        taskID,
			ActionType:    actionType,
			RiskLevel:     risk,
			Status:        StatusPending,
			Nonce:         nonce,
			ContentDigest: digest,
			CreatedAt:     now,
			ExpiresAt:     now.Add(s.cfg.Approvals.Timeout(actionType)),
			ActionPayload: payload,
		},
		Body: fmt.Sprintf("Approval requested for task %s: %s action, risk %s.\n",
			taskID, actionType, risk),
	}
	a.Path = filepath.Join(s.vault.Dir(labels.Approvals), a.Frontmatter.ApprovalID+".md")

	if err = s.write(a); err != nil {
		return nil, err
	}
	s.audit(ctx, audit.Event{
		EventType:  audit.TypeApprovalCreated,
		TaskID:     taskID,
		ApprovalID: a.Frontmatter.ApprovalID,
		ActionType: actionType,
		Actor:      "reasoning",
		Outcome:    audit.OutcomeOK,
		Context: map[string]string{
			"risk":       risk,
			"expires_at": a.Frontmatter.ExpiresAt.Format(time.RFC3339),
		},
	})
	return a, nil
}

// Load reads the approval |id| from Approvals/.
func (s *Store) Load(id string) (*Approval, error) {
	if !idRe.MatchString(id) {
		return nil, fmt.Errorf("malformed approval id %q: %w", id, fault.ErrApprovalInvalid)
	}
	var path = filepath.Join(s.vault.Dir(labels.Approvals), id+".md")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("approval %s not found: %w", id, fault.ErrApprovalInvalid)
	} else if err != nil {
		return nil, fmt.Errorf("reading approval %s: %v: %w", id, err, fault.ErrFileSystem)
	}
	return Parse(path, raw)
}

// Approve marks a pending approval approved. Every precondition failure
// is an ErrApprovalInvalid carrying the specific reason: digest drift,
// unauthorized approver, non-pending status, or expiry.
func (s *Store) Approve(ctx context.Context, id, approver string) error {
	return s.decide(ctx, id, approver, StatusApproved, "")
}

// Reject marks a pending approval rejected with |reason|. The same
// preconditions as Approve apply.
func (s *Store) Reject(ctx context.Context, id, approver, reason string) error {
	return s.decide(ctx, id, approver, StatusRejected, reason)
}

func (s *Store) decide(ctx context.Context, id, approver, verdict, reason string) error {
	var eventType = audit.TypeApprovalApproved
	if verdict == StatusRejected {
		eventType = audit.TypeApprovalRejected
	}

	a, err := s.Load(id)
	if err != nil {
		return err
	}
	var fail = func(why string) error {
		s.audit(ctx, audit.Event{
			Level:      audit.LevelWarn,
			EventType:  eventType,
			TaskID:     a.Frontmatter.TaskID,
			ApprovalID: id,
			ActionType: a.Frontmatter.ActionType,
			Actor:      approver,
			Outcome:    audit.OutcomeErr,
			Context:    map[string]string{"reason": why},
		})
		return fmt.Errorf("%s %s: %s: %w", verdict, id, why, fault.ErrApprovalInvalid)
	}

	digest, err := CanonicalDigest(a.Frontmatter.ActionPayload)
	if err != nil {
		return err
	}
	if digest != a.Frontmatter.ContentDigest {
		return fail("payload does not match content digest")
	}
	if !s.authorized(a.Frontmatter.ActionType, approver) {
		return fail(fmt.Sprintf("approver %s not authorized for %s", approver, a.Frontmatter.ActionType))
	}
	if a.Frontmatter.Status != StatusPending {
		return fail(fmt.Sprintf("status is %s, not pending", a.Frontmatter.Status))
	}
	var now = time.Now().UTC().Truncate(time.Second)
	if !now.Before(a.Frontmatter.ExpiresAt) {
		return fail(fmt.Sprintf("expired at %s", a.Frontmatter.ExpiresAt.Format(time.RFC3339)))
	}

	a.Frontmatter.Status = verdict
	a.Frontmatter.Approver = approver
	a.Frontmatter.DecisionAt = &now
	a.Frontmatter.RejectionReason = reason
	if err = s.write(a); err != nil {
		return err
	}

	var context map[string]string
	if reason != "" {
		context = map[string]string{"reason": reason}
	}
	s.audit(ctx, audit.Event{
		EventType:  eventType,
		TaskID:     a.Frontmatter.TaskID,
		ApprovalID: id,
		ActionType: a.Frontmatter.ActionType,
		Actor:      approver,
		Outcome:    audit.OutcomeOK,
		Context:    context,
	})
	return nil
}

// Expire transitions a pending approval past its expires_at to timeout
// and escalates the task to Needs_Human_Review. It reports whether it
// acted.
func (s *Store) Expire(ctx context.Context, id string) (bool, error) {
	a, err := s.Load(id)
	if err != nil {
		return false, err
	}
	if a.Frontmatter.Status != StatusPending || time.Now().Before(a.Frontmatter.ExpiresAt) {
		return false, nil
	}

	var now = time.Now().UTC().Truncate(time.Second)
	a.Frontmatter.Status = StatusTimeout
	a.Frontmatter.DecisionAt = &now
	if err = s.write(a); err != nil {
		return false, err
	}
	s.audit(ctx, audit.Event{
		Level:      audit.LevelWarn,
		EventType:  audit.TypeApprovalTimeout,
		TaskID:     a.Frontmatter.TaskID,
		ApprovalID: id,
		ActionType: a.Frontmatter.ActionType,
		Actor:      "approval-store",
		Outcome:    audit.OutcomeOK,
		Context:    map[string]string{"expired_at": a.Frontmatter.ExpiresAt.Format(time.RFC3339)},
	})
	s.escalate(ctx, a)
	return true, nil
}

// Sweep expires every overdue pending approval and returns how many it
// expired. The scheduler runs this periodically for approvals nobody is
// waiting on.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	ids, err := s.ids()
	if err != nil {
		return 0, err
	}
	var expired int
	for _, id := range ids {
		acted, err := s.Expire(ctx, id)
		if err != nil {
			log.WithFields(log.Fields{"approval": id, "error": err}).
				Warn("skipping unexpirable approval")
			continue
		}
		if acted {
			expired++
		}
	}
	return expired, nil
}

// Wait blocks until the approval reaches a terminal status and returns
// it. It watches Approvals/ for changes with a 2 s poll as fallback,
// and performs the expiry transition itself if the deadline passes
// while waiting.
func (s *Store) Wait(ctx context.Context, id string) (string, error) {
	var check = func() (string, bool, error) {
		a, err := s.Load(id)
		if err != nil {
			return "", false, err
		}
		if a.Frontmatter.Status != StatusPending {
			return a.Frontmatter.Status, true, nil
		}
		if !time.Now().Before(a.Frontmatter.ExpiresAt) {
			if _, err = s.Expire(ctx, id); err != nil {
				return "", false, err
			}
			return StatusTimeout, true, nil
		}
		return "", false, nil
	}

	if status, done, err := check(); err != nil || done {
		return status, err
	}

	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err = watcher.Add(s.vault.Dir(labels.Approvals)); err == nil {
			events = watcher.Events
		}
	}

	var ticker = time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-events:
		case <-ticker.C:
		}
		if status, done, err := check(); err != nil || done {
			return status, err
		}
	}
}

// ConsumeNonce burns the nonce of an approved approval. It must be
// called before the guarded action runs; a reused nonce is refused and
// recorded on the security channel.
func (s *Store) ConsumeNonce(ctx context.Context, id string) error {
	a, err := s.Load(id)
	if err != nil {
		return err
	}
	if a.Frontmatter.Status != StatusApproved {
		return fmt.Errorf("approval %s is %s, only approved approvals execute: %w",
			id, a.Frontmatter.Status, fault.ErrApprovalInvalid)
	}
	if err = s.nonces.Consume(a.Frontmatter.Nonce); err != nil {
		if errors.Is(err, fault.ErrNonceReused) {
			s.auditor.Security(audit.Event{
				Level:      audit.LevelCritical,
				EventType:  audit.TypeNonceReused,
				TraceID:    ops.Trace(ctx),
				TaskID:     a.Frontmatter.TaskID,
				ApprovalID: id,
				ActionType: a.Frontmatter.ActionType,
				Actor:      "guard",
				Outcome:    audit.OutcomeErr,
			})
		}
		return fmt.Errorf("approval %s: %w", id, err)
	}
	return nil
}

// List returns approvals filtered by |status| ("" for all), ordered by
// creation time.
func (s *Store) List(status string) ([]*Approval, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	var out []*Approval
	for _, id := range ids {
		a, err := s.Load(id)
		if err != nil {
			log.WithFields(log.Fields{"approval": id, "error": err}).
				Warn("skipping unreadable approval file")
			continue
		}
		if status == "" || a.Frontmatter.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Frontmatter.CreatedAt.Before(out[j].Frontmatter.CreatedAt)
	})
	return out, nil
}

// ForTask returns every approval referencing |taskID|.
func (s *Store) ForTask(taskID string) ([]*Approval, error) {
	all, err := s.List("")
	if err != nil {
		return nil, err
	}
	var out []*Approval
	for _, a := range all {
		if a.Frontmatter.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindForAction locates the approval covering one concrete action:
// matching task, action type, and payload digest. When several match,
// the most recently created wins.
func (s *Store) FindForAction(taskID, actionType string, payload map[string]interface{}) (*Approval, error) {
	digest, err := CanonicalDigest(payload)
	if err != nil {
		return nil, err
	}
	candidates, err := s.ForTask(taskID)
	if err != nil {
		return nil, err
	}
	var found *Approval
	for _, a := range candidates {
		if a.Frontmatter.ActionType == actionType && a.Frontmatter.ContentDigest == digest {
			found = a
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no approval for task %s action %s with matching payload: %w",
			taskID, actionType, fault.ErrApprovalInvalid)
	}
	return found, nil
}

func (s *Store) authorized(actionType, approver string) bool {
	var globs = s.approvers[actionType]
	if len(globs) == 0 {
		globs = s.approvers["*"]
	}
	if len(globs) == 0 {
		return false // nobody configured, nobody authorized
	}
	approver = strings.ToLower(strings.TrimSpace(approver))
	for _, g := range globs {
		if g.Match(approver) {
			return true
		}
	}
	return false
}

func (s *Store) escalate(ctx context.Context, a *Approval) {
	var name = a.Frontmatter.TaskID + ".md"
	folder, ok := s.vault.Locate(name)
	if !ok || folder != labels.PendingApproval {
		return
	}
	tk, err := task.Load(s.vault.PathOf(folder, name))
	if err == nil {
		err = s.vault.Transition(ctx, tk, labels.NeedsHumanReview, "approval timed out", "approval-store")
	}
	if err != nil {
		log.WithFields(log.Fields{"task": a.Frontmatter.TaskID, "error": err}).
			Warn("could not escalate task after approval timeout")
	}
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.vault.Dir(labels.Approvals))
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %v: %w", err, fault.ErrFileSystem)
	}
	var ids []string
	for _, e := range entries {
		var name = e.Name()
		if e.Type().IsRegular() && filepath.Ext(name) == ".md" && !strings.HasPrefix(name, ".") {
			ids = append(ids, strings.TrimSuffix(name, ".md"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) write(a *Approval) error {
	content, err := a.render()
	if err != nil {
		return err
	}
	var dir = filepath.Dir(a.Path)
	var tmp = filepath.Join(dir, "."+filepath.Base(a.Path)+".tmp")

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating approval tempfile: %v: %w", err, fault.ErrFileSystem)
	}
	if _, err = f.Write(content); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing approval %s: %v: %w", a.Frontmatter.ApprovalID, err, fault.ErrFileSystem)
	}
	if err = os.Rename(tmp, a.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing approval %s: %v: %w", a.Frontmatter.ApprovalID, err, fault.ErrFileSystem)
	}
	return nil
}

func (s *Store) audit(ctx context.Context, e audit.Event) {
	if s.auditor == nil {
		return
	}
	e.TraceID = ops.Trace(ctx)
	s.auditor.Append(e)
}

func newNonce() (string, error) {
	var b = make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
