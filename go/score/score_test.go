package score

import (
	"testing"
	"time"

	"github.com/assadsharif/fte/go/task"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 1, 28, 12, 0, 0, 0, time.UTC)

func fm(priority, subject, sender string, createdAt time.Time, deadline *time.Time) task.Frontmatter {
	return task.Frontmatter{
		Priority:  priority,
		Subject:   subject,
		Sender:    sender,
		CreatedAt: createdAt,
		Deadline:  deadline,
	}
}

func deadlineIn(d time.Duration) *time.Time {
	var t = testNow.Add(d)
	return &t
}

func TestUrgencyBands(t *testing.T) {
	var cases = []struct {
		priority, subject string
		expect            int
	}{
		{task.PriorityMedium, "URGENT: server down", 5},
		{task.PriorityLow, "please reply asap", 4},
		{task.PriorityLow, "high season planning", 4},
		{task.PriorityHigh, "normal housekeeping", 3},
		{task.PriorityHigh, "low stakes question", 2},
		{task.PriorityHigh, "whenever you get to it", 1},
		// No keyword: the priority field supplies the band.
		{task.PriorityHigh, "quarterly report", 4},
		{task.PriorityMedium, "quarterly report", 3},
		{task.PriorityLow, "quarterly report", 2},
		// Keywords match whole words only.
		{task.PriorityMedium, "highway expansion", 3},
		{task.PriorityMedium, "urgently needed", 3},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, Urgency(fm(tc.priority, tc.subject, "", testNow, nil)),
			"priority=%s subject=%q", tc.priority, tc.subject)
	}
}

func TestUrgencyKeywordPrecedence(t *testing.T) {
	// URGENT outranks every other keyword no matter where it appears.
	require.Equal(t, 5, Urgency(fm(task.PriorityLow, "low priority but URGENT", "", testNow, nil)))
	require.Equal(t, 4, Urgency(fm(task.PriorityLow, "low, but asap please", "", testNow, nil)))
	require.Equal(t, 3, Urgency(fm(task.PriorityHigh, "normal or low?", "", testNow, nil)))
}

func TestDeadlineBands(t *testing.T) {
	require.Equal(t, 1, DeadlineBand(nil, testNow))
	require.Equal(t, 5, DeadlineBand(deadlineIn(30*time.Minute), testNow))
	require.Equal(t, 5, DeadlineBand(deadlineIn(-3*time.Hour), testNow)) // overdue
	require.Equal(t, 4, DeadlineBand(deadlineIn(2*time.Hour), testNow))  // exactly 2h is outside <2h
	require.Equal(t, 4, DeadlineBand(deadlineIn(23*time.Hour), testNow))
	require.Equal(t, 3, DeadlineBand(deadlineIn(48*time.Hour), testNow))
	require.Equal(t, 2, DeadlineBand(deadlineIn(6*24*time.Hour), testNow))
	require.Equal(t, 1, DeadlineBand(deadlineIn(30*24*time.Hour), testNow))
}

func TestSenderBands(t *testing.T) {
	var s = NewScorer(DefaultWeights,
		[]string{"CEO@Company.com"},
		[]string{"client-a@example.com"},
		[]string{"company.com"})

	require.Equal(t, 5, s.SenderBand("ceo@company.com"))
	require.Equal(t, 5, s.SenderBand("CEO@COMPANY.COM"))
	require.Equal(t, 4, s.SenderBand("client-a@example.com"))
	require.Equal(t, 3, s.SenderBand("random-colleague@company.com"))
	require.Equal(t, 2, s.SenderBand("stranger@elsewhere.net"))
	require.Equal(t, 2, s.SenderBand("chat-handle-without-domain"))
	require.Equal(t, 1, s.SenderBand(""))
}

func TestAgeBoost(t *testing.T) {
	require.Equal(t, 0.0, AgeBoost(testNow, testNow))
	require.Equal(t, 0.0, AgeBoost(testNow.Add(time.Hour), testNow)) // future creation clamps
	require.InDelta(t, 0.5, AgeBoost(testNow.Add(-12*time.Hour), testNow), 1e-9)
	require.InDelta(t, 1.0, AgeBoost(testNow.Add(-24*time.Hour), testNow), 1e-9)
	require.Equal(t, 2.0, AgeBoost(testNow.Add(-48*time.Hour), testNow))
	require.Equal(t, 2.0, AgeBoost(testNow.Add(-30*24*time.Hour), testNow))
}

func TestScoreFormula(t *testing.T) {
	var s = NewScorer(DefaultWeights, nil, []string{"client-a@example.com"}, nil)
	var f = fm(task.PriorityMedium, "overdue invoice", "client-a@example.com",
		testNow.Add(-6*time.Hour), deadlineIn(12*time.Hour))

	// 0.4×3 + 0.3×4 + 0.3×4 + 0.25
	require.InDelta(t, 3.85, s.Score(f, testNow), 1e-9)
}

func TestScoreIsPure(t *testing.T) {
	var s = NewScorer(DefaultWeights, []string{"v@x.com"}, nil, nil)
	var f = fm(task.PriorityHigh, "URGENT thing", "v@x.com", testNow.Add(-3*time.Hour), deadlineIn(time.Hour))
	require.Equal(t, s.Score(f, testNow), s.Score(f, testNow))
}

func TestStarvationBound(t *testing.T) {
	var s = NewScorer(DefaultWeights, nil, nil, nil)

	// A two-day-old bottom-priority task outscores a fresh medium one.
	var stale = fm(task.PriorityLow, "whenever", "", testNow.Add(-49*time.Hour), nil)
	var fresh = fm(task.PriorityMedium, "", "stranger@elsewhere.net", testNow, nil)

	require.GreaterOrEqual(t, AgeBoost(stale.CreatedAt, testNow), 2.0)
	require.Greater(t, s.Score(stale, testNow), s.Score(fresh, testNow))
}

func TestZeroWeightsFallBack(t *testing.T) {
	var s = NewScorer(Weights{}, nil, nil, nil)
	var f = fm(task.PriorityMedium, "", "", testNow, nil)
	// 0.4×3 + 0.3×1 + 0.3×1 = 1.8 under the default weights.
	require.InDelta(t, 1.8, s.Score(f, testNow), 1e-9)
}
