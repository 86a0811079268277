// Package score ranks tasks for scheduling. Scoring is a pure function
// of a task's frontmatter, the configuration, and the clock, so two
// schedulers looking at the same vault agree on the ordering.
package score

import (
	"regexp"
	"strings"
	"time"

	"github.com/assadsharif/fte/go/task"
)

// Weights blend the three scored dimensions. They sum to 1.0 so the
// weighted part of a score stays within [1, 5] and the age boost adds
// at most 2 on top.
type Weights struct {
	Urgency  float64 `yaml:"urgency"`
	Deadline float64 `yaml:"deadline"`
	Sender   float64 `yaml:"sender"`
}

var DefaultWeights = Weights{Urgency: 0.4, Deadline: 0.3, Sender: 0.3}

// subjectKeywords in precedence order. The first keyword present in the
// subject decides the urgency band, regardless of position.
var subjectKeywords = []struct {
	re    *regexp.Regexp
	level int
}{
	{regexp.MustCompile(`(?i)\burgent\b`), 5},
	{regexp.MustCompile(`(?i)\basap\b`), 4},
	{regexp.MustCompile(`(?i)\bhigh\b`), 4},
	{regexp.MustCompile(`(?i)\bnormal\b`), 3},
	{regexp.MustCompile(`(?i)\blow\b`), 2},
	{regexp.MustCompile(`(?i)\bwhenever\b`), 1},
}

// Scorer holds the configured weights and sender classifications.
type Scorer struct {
	weights         Weights
	vip             map[string]bool
	clients         map[string]bool
	internalDomains map[string]bool
}

// NewScorer builds a Scorer. Sender and domain lists are matched
// case-insensitively. Zero |weights| fall back to DefaultWeights.
func NewScorer(weights Weights, vip, clients, internalDomains []string) *Scorer {
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	var lower = func(in []string) map[string]bool {
		var m = make(map[string]bool, len(in))
		for _, s := range in {
			m[strings.ToLower(strings.TrimSpace(s))] = true
		}
		return m
	}
	return &Scorer{
		weights:         weights,
		vip:             lower(vip),
		clients:         lower(clients),
		internalDomains: lower(internalDomains),
	}
}

// Score computes the task's priority at |now|:
//
//	weights.Urgency×urgency + weights.Deadline×deadline + weights.Sender×sender + ageBoost
//
// Each dimension is a band in {1..5}; ageBoost grows linearly with task
// age and caps at 2 so an old low-priority task eventually outranks any
// fresh medium one.
func (s *Scorer) Score(fm task.Frontmatter, now time.Time) float64 {
	return s.weights.Urgency*float64(Urgency(fm)) +
		s.weights.Deadline*float64(DeadlineBand(fm.Deadline, now)) +
		s.weights.Sender*float64(s.SenderBand(fm.Sender)) +
		AgeBoost(fm.CreatedAt, now)
}

// Urgency maps subject keywords, then the frontmatter priority, to a
// band in {1..5}. Keywords win over the priority field; among keywords
// the precedence is URGENT, ASAP, high, normal, low, whenever.
func Urgency(fm task.Frontmatter) int {
	for _, kw := range subjectKeywords {
		if kw.re.MatchString(fm.Subject) {
			return kw.level
		}
	}
	switch fm.Priority {
	case task.PriorityHigh:
		return 4
	case task.PriorityLow:
		return 2
	default:
		return 3
	}
}

// DeadlineBand maps time remaining until |deadline| to {1..5}. Overdue
// deadlines land in the tightest band; a missing deadline is 1.
func DeadlineBand(deadline *time.Time, now time.Time) int {
	if deadline == nil {
		return 1
	}
	var remaining = deadline.Sub(now)
	switch {
	case remaining < 2*time.Hour:
		return 5
	case remaining < 24*time.Hour:
		return 4
	case remaining < 72*time.Hour:
		return 3
	case remaining < 7*24*time.Hour:
		return 2
	default:
		return 1
	}
}

// SenderBand classifies the sender: VIP 5, client 4, internal domain 3,
// any other address 2, absent sender 1.
func (s *Scorer) SenderBand(sender string) int {
	sender = strings.ToLower(strings.TrimSpace(sender))
	switch {
	case sender == "":
		return 1
	case s.vip[sender]:
		return 5
	case s.clients[sender]:
		return 4
	case s.internalDomains[senderDomain(sender)]:
		return 3
	default:
		return 2
	}
}

// AgeBoost is min(age_in_hours/24, 2), floored at 0 for clocks that
// disagree about task creation time.
func AgeBoost(createdAt, now time.Time) float64 {
	var age = now.Sub(createdAt)
	if age <= 0 {
		return 0
	}
	var boost = age.Hours() / 24
	if boost > 2 {
		return 2
	}
	return boost
}

func senderDomain(sender string) string {
	var at = strings.LastIndexByte(sender, '@')
	if at < 0 {
		return ""
	}
	return sender[at+1:]
}
