package tmsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattepiu/drift/go/store"
	"github.com/mattepiu/drift/go/temporal"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newAgent(t *testing.T, id string) *Agent {
	t.Helper()
	var st, err = store.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agent, err := NewAgent(context.Background(), id, st)
	require.NoError(t, err)
	agent.Events.SnapshotInterval = 0
	return agent
}

func createdEvent(t *testing.T, memoryID string, at time.Time) temporal.Event {
	t.Helper()
	var delta, err = json.Marshal(map[string]interface{}{
		"type":       "insight",
		"content":    map[string]string{"text": "from " + memoryID},
		"summary":    "s",
		"confidence": 0.5,
		"importance": "medium",
		"valid_time": at,
	})
	require.NoError(t, err)
	return temporal.Event{
		MemoryID: memoryID, RecordedAt: at,
		Type: temporal.EventCreated, SchemaVersion: temporal.CurrentSchemaVersion,
		Delta: delta,
	}
}

func confidenceEvent(t *testing.T, memoryID string, at time.Time, c float64) temporal.Event {
	t.Helper()
	var delta, err = json.Marshal(map[string]float64{"confidence": c})
	require.NoError(t, err)
	return temporal.Event{
		MemoryID: memoryID, RecordedAt: at,
		Type: temporal.EventConfidenceChanged, SchemaVersion: temporal.CurrentSchemaVersion,
		Delta: delta,
	}
}

func TestVectorClockBasics(t *testing.T) {
	var c = VectorClock{}
	c.Tick("a")
	c.Tick("a")
	c.Tick("b")
	require.EqualValues(t, 2, c["a"])
	require.EqualValues(t, 1, c["b"])

	var other = VectorClock{"a": 1, "c": 4}
	c.Merge(other)
	require.EqualValues(t, 2, c["a"])
	require.EqualValues(t, 4, c["c"])

	require.True(t, c.Dominates(other))
	require.False(t, other.Dominates(c))
}

func TestApplicability(t *testing.T) {
	var local = VectorClock{"a": 1}

	require.True(t, Applicable(local, VectorClock{"a": 2}, "a"), "next-in-sequence applies")
	require.False(t, Applicable(local, VectorClock{"a": 3}, "a"), "a gap buffers")
	require.False(t, Applicable(local, VectorClock{"a": 2, "b": 1}, "a"), "unseen third-party history buffers")
	require.True(t, Applicable(local, VectorClock{"a": 1}, "a"), "already-seen clock is applicable (idempotent)")
}

func TestOutOfOrderBufferAndDrain(t *testing.T) {
	var ctx = context.Background()
	var a = newAgent(t, "a")
	var b = newAgent(t, "b")

	// Agent A records three events on one memory.
	var _, err = a.Record(ctx, createdEvent(t, "m1", t0))
	require.NoError(t, err)
	_, err = a.Record(ctx, confidenceEvent(t, "m1", t0.Add(time.Minute), 0.6))
	require.NoError(t, err)
	_, err = a.Record(ctx, confidenceEvent(t, "m1", t0.Add(2*time.Minute), 0.9))
	require.NoError(t, err)

	resp, err := a.HandleRequest(ctx, SyncRequest{ReceiverID: "b", ReceiverClock: b.Clock()})
	require.NoError(t, err)
	require.Len(t, resp.Deltas, 3)

	// B receives {3} first: missing predecessors, so it buffers.
	applied, err := b.Receive(ctx, resp.Deltas[2])
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 1, b.BufferedCount())

	// {1} then {2} land; draining applies the buffered {3}.
	applied, err = b.Receive(ctx, resp.Deltas[0])
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = b.Receive(ctx, resp.Deltas[1])
	require.NoError(t, err)
	require.True(t, applied)
	require.Zero(t, b.BufferedCount(), "drain applies buffered deltas once predecessors land")

	// Clocks converge to the componentwise maximum.
	require.EqualValues(t, 3, b.Clock()["a"])

	// Both projections are byte-identical.
	var memA, err2 = a.Events.Projection(ctx, "m1")
	require.NoError(t, err2)
	memB, err := b.Events.Projection(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, memB)
	require.True(t, temporal.StatesEqual(memA, memB))
}

func TestSyncConvergesBothDirections(t *testing.T) {
	var ctx = context.Background()
	var a = newAgent(t, "a")
	var b = newAgent(t, "b")

	var _, err = a.Record(ctx, createdEvent(t, "alpha", t0))
	require.NoError(t, err)
	_, err = a.Record(ctx, confidenceEvent(t, "alpha", t0.Add(time.Minute), 0.7))
	require.NoError(t, err)
	_, err = b.Record(ctx, createdEvent(t, "beta", t0.Add(time.Second)))
	require.NoError(t, err)

	// Exchange in both directions.
	result, err := Sync(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, 2, result.Applied)
	result, err = Sync(ctx, b, a)
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)

	for _, id := range []string{"alpha", "beta"} {
		var memA, err = a.Events.Projection(ctx, id)
		require.NoError(t, err)
		memB, err := b.Events.Projection(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, memA, id)
		require.NotNil(t, memB, id)
		require.True(t, temporal.StatesEqual(memA, memB), "projections of %s converge", id)
	}

	// A re-sync moves nothing new.
	result, err = Sync(ctx, a, b)
	require.NoError(t, err)
	require.Zero(t, result.Applied)
}

func TestSyncIsIdempotentOnRedelivery(t *testing.T) {
	var ctx = context.Background()
	var a = newAgent(t, "a")
	var b = newAgent(t, "b")

	var _, err = a.Record(ctx, createdEvent(t, "m1", t0))
	require.NoError(t, err)

	resp, err := a.HandleRequest(ctx, SyncRequest{ReceiverID: "b", ReceiverClock: b.Clock()})
	require.NoError(t, err)
	require.Len(t, resp.Deltas, 1)

	for i := 0; i < 3; i++ {
		var _, err = b.Receive(ctx, resp.Deltas[0])
		require.NoError(t, err)
	}

	events, err := b.Events.Events(ctx, "m1", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1, "redelivered deltas are applied once")
}

func TestTrustFormula(t *testing.T) {
	// Zero evidence computes to 0 through the formula.
	require.Zero(t, TrustScore{}.Overall())

	var score = TrustScore{Validated: 2, Useful: 1, Contradicted: 1, Total: 4}
	require.InDelta(t, 0.48, score.Overall(), 1e-9) // 3/5 × (1 − 1/5).

	var hostile = TrustScore{Contradicted: 5, Total: 5}
	require.GreaterOrEqual(t, hostile.Overall(), 0.0)
	require.LessOrEqual(t, hostile.Overall(), 1.0)
}

func TestTrustLedgerBootstrapAndObserve(t *testing.T) {
	var ctx = context.Background()
	var st, err = store.OpenInMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	var ledger = NewTrustLedger(st)

	// Never-seen peers read as the bootstrap value, not the formula.
	_, overall, err := ledger.Get(ctx, "a", "b")
	require.NoError(t, err)
	require.InDelta(t, BootstrapTrust, overall, 1e-9)

	require.NoError(t, ledger.Observe(ctx, "a", "b", SignalValidated))
	require.NoError(t, ledger.Observe(ctx, "a", "b", SignalUseful))
	require.NoError(t, ledger.Observe(ctx, "a", "b", SignalContradicted))

	score, overall, err := ledger.Get(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, 3, score.Total)
	require.InDelta(t, (2.0/4.0)*(1.0-1.0/4.0), overall, 1e-9)
}

func TestDampeningPropagation(t *testing.T) {
	var chain = []ProvenanceHop{
		{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}, {AgentID: "d"}, {AgentID: "e"},
	}

	var applied = DefaultDampening().Propagate(1.0, chain)
	require.Len(t, applied, 5)
	require.InDelta(t, 1.0, applied[0].Strength, 1e-9)
	require.InDelta(t, 0.7, applied[1].Strength, 1e-9)
	require.InDelta(t, 0.49, applied[2].Strength, 1e-9)
	require.InDelta(t, 0.343, applied[3].Strength, 1e-9)

	// A weak correction dies at the cutoff.
	applied = DefaultDampening().Propagate(0.1, chain)
	require.Len(t, applied, 2)
}

func TestChainConfidenceClamped(t *testing.T) {
	// The raw product exceeds 1 before clamping.
	var boosted = []ProvenanceHop{
		{ConfidenceDelta: 0.5}, {ConfidenceDelta: 0.5},
	}
	require.InDelta(t, 1.0, ChainConfidence(boosted), 1e-9)

	var degraded = []ProvenanceHop{
		{ConfidenceDelta: -0.5}, {ConfidenceDelta: -0.5},
	}
	require.InDelta(t, 0.25, ChainConfidence(degraded), 1e-9)

	var wrecked = []ProvenanceHop{{ConfidenceDelta: -2}}
	require.Zero(t, ChainConfidence(wrecked))
}

func TestProvenancePersistence(t *testing.T) {
	var ctx = context.Background()
	var st, err = store.OpenInMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	var prov = NewProvenance(st)
	require.NoError(t, prov.Append(ctx, ProvenanceHop{
		MemoryID: "m1", AgentID: "a", Action: "created", Timestamp: t0, ConfidenceDelta: 0.1,
	}))
	require.NoError(t, prov.Append(ctx, ProvenanceHop{
		MemoryID: "m1", AgentID: "b", Action: "validated", Timestamp: t0.Add(time.Minute), ConfidenceDelta: 0.2,
	}))

	chain, err := prov.Chain(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, "a", chain[0].AgentID)
	require.Equal(t, "b", chain[1].AgentID)
	// 1.1 × 1.2 = 1.32 before clamping; the chain confidence caps at 1.
	require.InDelta(t, 1.0, ChainConfidence(chain), 1e-9)
}
