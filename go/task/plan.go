package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/assadsharif/fte/go/fault"
)

// PlanAction is one step of a plan: which driver to invoke, the action
// type the driver must perform, and the free-form payload handed to it.
type PlanAction struct {
	Driver     string                 `yaml:"driver"`
	ActionType string                 `yaml:"action_type"`
	Payload    map[string]interface{} `yaml:"payload"`
}

// PlanFrontmatter is the YAML header of a plan file.
type PlanFrontmatter struct {
	PlanID    string       `yaml:"plan_id"`
	TaskID    string       `yaml:"task_id"`
	CreatedAt time.Time    `yaml:"created_at"`
	Actions   []PlanAction `yaml:"actions"`
}

// Plan is a reasoning-stage output in Plans/: an ordered list of actions
// to carry out on behalf of one task. Plans are produced by the
// reasoning subprocess and only read by the orchestrator.
type Plan struct {
	Path        string
	Frontmatter PlanFrontmatter
	Body        string
}

// NewPlan builds an in-memory plan for |taskID|. Production plans come
// from the reasoning subprocess; this constructor serves manual task
// injection and tests.
func NewPlan(taskID string, actions []PlanAction) *Plan {
	return &Plan{
		Frontmatter: PlanFrontmatter{
			PlanID:    uuid.NewString(),
			TaskID:    taskID,
			CreatedAt: time.Now().UTC().Truncate(time.Second),
			Actions:   actions,
		},
	}
}

// LoadPlan reads and parses the plan file at |path|.
func LoadPlan(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %v: %w", filepath.Base(path), err, fault.ErrFileSystem)
	}
	return ParsePlan(path, raw)
}

// ParsePlan decodes |data| as a plan file. A file without a plan_id is
// not a plan (task files also live in Plans/ while claimed).
func ParsePlan(path string, data []byte) (*Plan, error) {
	block, body, err := SplitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", filepath.Base(path), err)
	}
	var fm PlanFrontmatter
	if err = yaml.Unmarshal(block, &fm); err != nil {
		return nil, fmt.Errorf("plan %s: %v: %w", filepath.Base(path), err, fault.ErrValidation)
	}
	switch {
	case fm.PlanID == "":
		err = fmt.Errorf("missing plan_id")
	case fm.TaskID == "":
		err = fmt.Errorf("missing task_id")
	}
	for i, action := range fm.Actions {
		if err != nil {
			break
		}
		if action.Driver == "" || action.ActionType == "" {
			err = fmt.Errorf("action %d is missing driver or action_type", i)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("plan %s: %v: %w", filepath.Base(path), err, fault.ErrValidation)
	}
	return &Plan{Path: path, Frontmatter: fm, Body: body}, nil
}

// Render serializes the plan for writing.
func (p *Plan) Render() []byte {
	block, err := yaml.Marshal(p.Frontmatter)
	if err != nil {
		panic(err) // Marshalling of plain scalars, maps and slices cannot fail.
	}
	return JoinFrontmatter(block, p.Body)
}

// FindPlans scans |dir| for plan files referencing |taskID|, ordered by
// filename. Files that are not parseable plans (task files, foreign
// files) are skipped.
func FindPlans(dir, taskID string) ([]*Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s for plans: %v: %w", dir, err, fault.ErrFileSystem)
	}
	var plans []*Plan
	for _, e := range entries {
		var name = e.Name()
		if !e.Type().IsRegular() || filepath.Ext(name) != ".md" || strings.HasPrefix(name, ".") {
			continue
		}
		p, err := LoadPlan(filepath.Join(dir, name))
		if err != nil || p.Frontmatter.TaskID != taskID {
			continue
		}
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Path < plans[j].Path })
	return plans, nil
}
