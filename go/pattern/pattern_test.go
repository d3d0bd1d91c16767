package pattern

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattepiu/drift/go/store"
)

func newPatternStore(t *testing.T) *Store {
	t.Helper()
	var st, err = store.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewStore(st)
}

func TestFeedbackBayesianUpdate(t *testing.T) {
	var ctx = context.Background()
	var s = newPatternStore(t)

	var p, err = s.Record(ctx, Pattern{Category: "error-handling", Name: "wrap-errors"})
	require.NoError(t, err)
	require.InDelta(t, 0.5, p.Confidence(), 1e-9, "uniform prior starts at 0.5")

	v, err := s.RecordViolation(ctx, Violation{PatternID: p.ID, File: "a.js", Line: 3, Severity: "warning"})
	require.NoError(t, err)
	require.InDelta(t, 0.5, v.ConfidenceAtDetection, 1e-9)

	// Two fixes and one dismissal: alpha=3, beta=2, confidence 0.6.
	_, err = s.Feedback(ctx, v.ID, FeedbackFix)
	require.NoError(t, err)
	_, err = s.Feedback(ctx, v.ID, FeedbackFix)
	require.NoError(t, err)
	p, err = s.Feedback(ctx, v.ID, FeedbackDismiss)
	require.NoError(t, err)

	require.InDelta(t, 3, p.Alpha, 1e-9)
	require.InDelta(t, 2, p.Beta, 1e-9)
	require.InDelta(t, 0.6, p.Confidence(), 1e-9)
}

func TestFeedbackSuppressIsHalfWeight(t *testing.T) {
	var ctx = context.Background()
	var s = newPatternStore(t)

	var p, err = s.Record(ctx, Pattern{Category: "naming", Name: "camel-case"})
	require.NoError(t, err)
	v, err := s.RecordViolation(ctx, Violation{PatternID: p.ID, File: "b.js", Line: 9, Severity: "info"})
	require.NoError(t, err)

	p, err = s.Feedback(ctx, v.ID, FeedbackSuppress)
	require.NoError(t, err)
	require.InDelta(t, 1, p.Alpha, 1e-9)
	require.InDelta(t, 1.5, p.Beta, 1e-9)
}

func TestFeedbackUnknownAction(t *testing.T) {
	var ctx = context.Background()
	var s = newPatternStore(t)
	var _, err = s.Feedback(ctx, "nope", FeedbackAction("explode"))
	require.Error(t, err)
}

func TestAutoApprovalGate(t *testing.T) {
	var locations = []Location{
		{File: "a.js", Line: 1}, {File: "b.js", Line: 2},
		{File: "c.js", Line: 3}, {File: "d.js", Line: 4}, {File: "e.js", Line: 5},
	}

	// Confidence 0.92 via alpha=23, beta=2.
	var p = Pattern{Alpha: 23, Beta: 2, Locations: locations}
	require.InDelta(t, 0.92, p.Confidence(), 1e-9)

	require.Equal(t, AutoApproved, Classify(p, GateInput{OutlierRatio: 0.40}))
	require.Equal(t, NeedsReview, Classify(p, GateInput{OutlierRatio: 0.60}))
	require.Equal(t, NeedsReview, Classify(p, GateInput{OutlierRatio: 0.40, HasErrorSeverity: true}))

	var few = Pattern{Alpha: 23, Beta: 2, Locations: locations[:2]}
	require.Equal(t, NeedsReview, Classify(few, GateInput{OutlierRatio: 0.40}))

	var weak = Pattern{Alpha: 1, Beta: 4}
	require.Equal(t, LikelyFP, Classify(weak, GateInput{}))
}

func TestAutoApprovePersistsAndIsStable(t *testing.T) {
	var ctx = context.Background()
	var s = newPatternStore(t)

	var p, err = s.Record(ctx, Pattern{
		Category: "orm", Name: "repo-wrapper",
		Alpha: 23, Beta: 2,
		Locations: []Location{
			{File: "a.js", Line: 1}, {File: "b.js", Line: 2}, {File: "c.js", Line: 3},
			{File: "d.js", Line: 4}, {File: "e.js", Line: 5},
		},
	})
	require.NoError(t, err)

	var inputs = map[string]GateInput{p.ID: {OutlierRatio: 0.40}}
	verdicts, err := s.AutoApprove(ctx, inputs)
	require.NoError(t, err)
	require.Equal(t, AutoApproved, verdicts[p.ID])

	p, err = s.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, p.Status)

	// A second run leaves it approved.
	_, err = s.AutoApprove(ctx, inputs)
	require.NoError(t, err)
	p, err = s.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, p.Status)
}

func TestAutoApproveNeverOverridesUserDecision(t *testing.T) {
	var ctx = context.Background()
	var s = newPatternStore(t)

	var p, err = s.Record(ctx, Pattern{
		Category: "orm", Name: "repo-wrapper",
		Alpha: 23, Beta: 2,
		Locations: []Location{
			{File: "a.js", Line: 1}, {File: "b.js", Line: 2}, {File: "c.js", Line: 3},
		},
	})
	require.NoError(t, err)

	// The user ignores the pattern before the gate runs.
	require.NoError(t, s.Approve(ctx, p.ID, StatusIgnored, "user-1"))

	_, err = s.AutoApprove(ctx, map[string]GateInput{p.ID: {OutlierRatio: 0.1}})
	require.NoError(t, err)

	p, err = s.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusIgnored, p.Status, "user decisions are authoritative")
}

func TestApproveTransitions(t *testing.T) {
	var ctx = context.Background()
	var s = newPatternStore(t)

	var p, err = s.Record(ctx, Pattern{Category: "x", Name: "y"})
	require.NoError(t, err)

	require.NoError(t, s.Approve(ctx, p.ID, StatusApproved, "user-1"))
	require.NoError(t, s.Approve(ctx, p.ID, StatusIgnored, "user-1"))

	// Ignored is terminal with respect to approval.
	require.Error(t, s.Approve(ctx, p.ID, StatusApproved, "user-1"))
	require.Error(t, s.Approve(ctx, p.ID, StatusDiscovered, "user-1"))
}
