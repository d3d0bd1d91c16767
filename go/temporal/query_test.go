package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsOfMatchesLiveProjection(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var _, err = es.Append(ctx, created(t, "m1", t0, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, confidenceEvent(t, "m1", t0.Add(time.Minute), 0.8))
	require.NoError(t, err)

	var now = t0.Add(time.Hour)
	mems, err := es.AsOf(ctx, now, now, Filter{})
	require.NoError(t, err)
	require.Len(t, mems, 1)

	live, err := es.Projection(ctx, "m1")
	require.NoError(t, err)
	require.True(t, StatesEqual(mems[0], live), "as-of now equals the live projection")
}

func TestAsOfExcludesNotYetValidAndExpired(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var until = t0.Add(2 * time.Hour)
	var ev = created(t, "m1", t0, 0.5)
	ev.Delta = mustDelta(t, createdDelta{
		Type: "insight", Content: []byte(`{}`), Summary: "s",
		Confidence: 0.5, Importance: "low",
		ValidTime: t0.Add(time.Hour), ValidUntil: &until,
	})
	var _, err = es.Append(ctx, ev)
	require.NoError(t, err)

	var system = t0.Add(3 * time.Hour)

	// Valid-time before the validity window opens.
	mems, err := es.AsOf(ctx, system, t0.Add(30*time.Minute), Filter{})
	require.NoError(t, err)
	require.Empty(t, mems)

	// Inside the window.
	mems, err = es.AsOf(ctx, system, t0.Add(90*time.Minute), Filter{})
	require.NoError(t, err)
	require.Len(t, mems, 1)

	// valid_until is exclusive: at exactly the boundary the memory is gone.
	mems, err = es.AsOf(ctx, system, until, Filter{})
	require.NoError(t, err)
	require.Empty(t, mems)
}

func TestAsOfFilterAndArchived(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var _, err = es.Append(ctx, created(t, "m1", t0, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, created(t, "m2", t0, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, Event{
		MemoryID: "m2", RecordedAt: t0.Add(time.Minute), ActorID: "agent-a",
		Type: EventArchived, SchemaVersion: CurrentSchemaVersion,
	})
	require.NoError(t, err)

	var now = t0.Add(time.Hour)
	mems, err := es.AsOf(ctx, now, now, Filter{})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	require.Equal(t, "m1", mems[0].ID)

	mems, err = es.AsOf(ctx, now, now, Filter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, mems, 2)
}

func TestRangeModes(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	// m1 valid [t0+1h, t0+2h); m2 valid [t0+3h, open).
	var until = t0.Add(2 * time.Hour)
	var e1 = created(t, "m1", t0, 0.5)
	e1.Delta = mustDelta(t, createdDelta{
		Type: "insight", Content: []byte(`{}`), Confidence: 0.5, Importance: "low",
		ValidTime: t0.Add(time.Hour), ValidUntil: &until,
	})
	var _, err = es.Append(ctx, e1)
	require.NoError(t, err)

	var e2 = created(t, "m2", t0, 0.5)
	e2.Delta = mustDelta(t, createdDelta{
		Type: "insight", Content: []byte(`{}`), Confidence: 0.5, Importance: "low",
		ValidTime: t0.Add(3 * time.Hour),
	})
	_, err = es.Append(ctx, e2)
	require.NoError(t, err)

	var idsOf = func(mems []*Memory) []string {
		var out []string
		for _, m := range mems {
			out = append(out, m.ID)
		}
		return out
	}

	mems, err := es.Range(ctx, t0, t0.Add(90*time.Minute), RangeOverlaps)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, idsOf(mems))

	mems, err = es.Range(ctx, t0, t0.Add(4*time.Hour), RangeContains)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, idsOf(mems), "open-ended intervals are never contained")

	mems, err = es.Range(ctx, t0.Add(2*time.Hour), t0.Add(4*time.Hour), RangeStartedDuring)
	require.NoError(t, err)
	require.Equal(t, []string{"m2"}, idsOf(mems))

	mems, err = es.Range(ctx, t0, t0.Add(4*time.Hour), RangeEndedDuring)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, idsOf(mems))

	_, err = es.Range(ctx, t0, t0.Add(time.Hour), RangeMode("sideways"))
	require.Error(t, err)
}

func TestDiffIdentityAndSymmetry(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var t1 = t0
	var t2 = t0.Add(time.Hour)

	var _, err = es.Append(ctx, created(t, "m1", t1, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, confidenceEvent(t, "m1", t2, 0.8))
	require.NoError(t, err)

	// Identity: diff(t, t) is empty.
	var same, err2 = es.Diff(ctx, t1, t1, Filter{})
	require.NoError(t, err2)
	require.Empty(t, same.Created)
	require.Empty(t, same.Archived)
	require.Empty(t, same.Modified)
	require.Empty(t, same.ConfidenceShifts)

	forward, err := es.Diff(ctx, t1, t2, Filter{})
	require.NoError(t, err)
	require.Len(t, forward.ConfidenceShifts, 1)
	require.Equal(t, "m1", forward.ConfidenceShifts[0].MemoryID)
	require.InDelta(t, 0.3, forward.ConfidenceShifts[0].Delta, 1e-9)

	backward, err := es.Diff(ctx, t2, t1, Filter{})
	require.NoError(t, err)
	require.Len(t, backward.ConfidenceShifts, 1)
	require.InDelta(t, -0.3, backward.ConfidenceShifts[0].Delta, 1e-9)

	// Created and archived swap under reversal.
	require.Equal(t, forward.Created, backward.Archived)
	require.Equal(t, forward.Archived, backward.Created)
}

func TestDiffCreatedAndArchived(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var t1 = t0.Add(30 * time.Minute)
	var t2 = t0.Add(2 * time.Hour)

	// m1 exists throughout; m2 appears between t1 and t2; m3 is archived
	// between t1 and t2.
	var _, err = es.Append(ctx, created(t, "m1", t0, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, created(t, "m3", t0, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, created(t, "m2", t0.Add(time.Hour), 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, Event{
		MemoryID: "m3", RecordedAt: t0.Add(time.Hour), ActorID: "agent-a",
		Type: EventArchived, SchemaVersion: CurrentSchemaVersion,
	})
	require.NoError(t, err)

	var diff, err2 = es.Diff(ctx, t1, t2, Filter{})
	require.NoError(t, err2)
	require.Equal(t, []string{"m2"}, diff.Created)
	require.Equal(t, []string{"m3"}, diff.Archived)
	require.Empty(t, diff.Modified)
}

func TestDiffModifiedAndReclassified(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var t1 = t0.Add(time.Minute)
	var t2 = t0.Add(time.Hour)

	var _, err = es.Append(ctx, created(t, "m1", t0, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, Event{
		MemoryID: "m1", RecordedAt: t0.Add(30 * time.Minute), ActorID: "agent-a",
		Type: EventContentUpdated, SchemaVersion: CurrentSchemaVersion,
		Delta: mustDelta(t, contentUpdatedDelta{Patch: []byte(`{"text":"rewritten"}`)}),
	})
	require.NoError(t, err)
	_, err = es.Append(ctx, Event{
		MemoryID: "m1", RecordedAt: t0.Add(45 * time.Minute), ActorID: "agent-a",
		Type: EventReclassified, SchemaVersion: CurrentSchemaVersion,
		Delta: mustDelta(t, reclassifiedDelta{Type: "decision"}),
	})
	require.NoError(t, err)

	var diff, err2 = es.Diff(ctx, t1, t2, Filter{})
	require.NoError(t, err2)
	require.Equal(t, []string{"m1"}, diff.Modified)
	require.Len(t, diff.Reclassifications, 1)
	require.Equal(t, "insight", diff.Reclassifications[0].FromType)
	require.Equal(t, "decision", diff.Reclassifications[0].ToType)
}

func TestReplayDecisionBundle(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var _, err = es.Append(ctx, created(t, "pred", t0, 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, created(t, "subject", t0.Add(time.Hour), 0.5))
	require.NoError(t, err)
	_, err = es.Append(ctx, created(t, "later", t0.Add(2*time.Hour), 0.5))
	require.NoError(t, err)

	bundle, err := es.ReplayDecision(ctx, "subject", 0)
	require.NoError(t, err)
	require.Equal(t, "subject", bundle.Memory.ID)
	require.True(t, bundle.CreatedAt.Equal(t0.Add(time.Hour)))

	require.Len(t, bundle.Predecessors, 1)
	require.Equal(t, "pred", bundle.Predecessors[0].ID)
	require.Len(t, bundle.Hindsight, 1)
	require.Equal(t, "later", bundle.Hindsight[0].ID)
	require.False(t, bundle.Truncated)

	// A tiny budget keeps the subject state but truncates context.
	small, err := es.ReplayDecision(ctx, "subject", 60)
	require.NoError(t, err)
	require.True(t, small.Truncated)
	require.Empty(t, small.Predecessors)
}

func TestConfidenceTrajectoryReplaysPerPoint(t *testing.T) {
	var ctx = context.Background()
	var es = newEventStore(t)

	var _, err = es.Append(ctx, created(t, "m1", t0, 0.2))
	require.NoError(t, err)
	_, err = es.Append(ctx, confidenceEvent(t, "m1", t0.Add(time.Hour), 0.9))
	require.NoError(t, err)

	points, err := es.ConfidenceTrajectory(ctx, "m1", t0.Add(2*time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.InDelta(t, 0.2, points[0].Confidence, 1e-9)
	require.InDelta(t, 0.9, points[1].Confidence, 1e-9)
	require.InDelta(t, 0.9, points[2].Confidence, 1e-9)
}
