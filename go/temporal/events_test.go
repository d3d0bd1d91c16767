package temporal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustDelta(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	var b, err = json.Marshal(v)
	require.NoError(t, err)
	return b
}

func created(t *testing.T, id string, at time.Time, confidence float64) Event {
	return Event{
		MemoryID:      id,
		RecordedAt:    at,
		ActorID:       "agent-a",
		Type:          EventCreated,
		SchemaVersion: CurrentSchemaVersion,
		Delta: mustDelta(t, createdDelta{
			Type:       "insight",
			Content:    json.RawMessage(`{"text":"hello"}`),
			Summary:    "an insight",
			Confidence: confidence,
			Importance: "high",
			ValidTime:  at,
		}),
	}
}

func TestApplyCreated(t *testing.T) {
	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mem Memory
	require.NoError(t, Apply(&mem, created(t, "m1", at, 0.5)))

	require.Equal(t, "m1", mem.ID)
	require.Equal(t, "insight", mem.Type)
	require.Equal(t, "an insight", mem.Summary)
	require.InDelta(t, 0.5, mem.Confidence, 1e-9)
	require.Equal(t, at, mem.TransactionTime)
	require.Equal(t, at, mem.ValidTime)
	require.NotEmpty(t, mem.ContentHash)
}

func TestApplyTagsSetSemantics(t *testing.T) {
	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mem Memory
	require.NoError(t, Apply(&mem, created(t, "m1", at, 0.5)))

	var tagEvent = func(add, remove []string) Event {
		return Event{
			MemoryID: "m1", RecordedAt: at.Add(time.Minute), ActorID: "agent-a",
			Type: EventTagsModified, SchemaVersion: CurrentSchemaVersion,
			Delta: mustDelta(t, tagsModifiedDelta{Add: add, Remove: remove}),
		}
	}

	require.NoError(t, Apply(&mem, tagEvent([]string{"b", "a"}, nil)))
	require.Equal(t, []string{"a", "b"}, mem.Tags)

	// Adding an existing tag is a no-op; removing a missing one too.
	require.NoError(t, Apply(&mem, tagEvent([]string{"a"}, []string{"zz"})))
	require.Equal(t, []string{"a", "b"}, mem.Tags)

	require.NoError(t, Apply(&mem, tagEvent(nil, []string{"a"})))
	require.Equal(t, []string{"b"}, mem.Tags)
}

func TestApplyContentMergePatch(t *testing.T) {
	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mem Memory
	require.NoError(t, Apply(&mem, created(t, "m1", at, 0.5)))

	require.NoError(t, Apply(&mem, Event{
		MemoryID: "m1", RecordedAt: at.Add(time.Minute), ActorID: "agent-a",
		Type: EventContentUpdated, SchemaVersion: CurrentSchemaVersion,
		Delta: mustDelta(t, contentUpdatedDelta{
			Patch: json.RawMessage(`{"text":"updated","extra":1}`),
		}),
	}))

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(mem.Content, &content))
	require.Equal(t, "updated", content["text"])
	require.EqualValues(t, 1, content["extra"])
}

func TestApplyArchiveRestoreSupersede(t *testing.T) {
	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mem Memory
	require.NoError(t, Apply(&mem, created(t, "m1", at, 0.5)))

	var ev = func(typ EventType, delta interface{}) Event {
		return Event{
			MemoryID: "m1", RecordedAt: at.Add(time.Minute), ActorID: "agent-a",
			Type: typ, SchemaVersion: CurrentSchemaVersion, Delta: mustDelta(t, delta),
		}
	}

	require.NoError(t, Apply(&mem, ev(EventArchived, struct{}{})))
	require.True(t, mem.Archived)
	require.NoError(t, Apply(&mem, ev(EventRestored, struct{}{})))
	require.False(t, mem.Archived)

	require.NoError(t, Apply(&mem, ev(EventSuperseded, supersededDelta{By: "m2"})))
	require.Equal(t, "m2", mem.SupersededBy)
}

func TestApplyUnknownEventFailsLoudly(t *testing.T) {
	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mem Memory
	require.NoError(t, Apply(&mem, created(t, "m1", at, 0.5)))

	var err = Apply(&mem, Event{
		MemoryID: "m1", RecordedAt: at.Add(time.Minute), ActorID: "agent-a",
		Type: EventType("Teleported"), Seq: 42, SchemaVersion: CurrentSchemaVersion,
		Delta: json.RawMessage(`{}`),
	})
	require.Error(t, err)

	var unknown *UnknownEventTypeError
	require.ErrorAs(t, err, &unknown)
	require.Contains(t, err.Error(), "Teleported")
}

func TestApplyNewerSchemaFails(t *testing.T) {
	var mem Memory
	var err = Apply(&mem, Event{
		MemoryID: "m1", Type: EventArchived, Seq: 7,
		SchemaVersion: CurrentSchemaVersion + 1,
		Delta:         json.RawMessage(`{}`),
	})
	var mismatch *SchemaVersionError
	require.ErrorAs(t, err, &mismatch)
}

func TestUpcastV1Confidence(t *testing.T) {
	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mem Memory
	require.NoError(t, Apply(&mem, created(t, "m1", at, 0.5)))

	// A v1 event spelled the field "value"; the upcaster rewrites it at
	// read time.
	require.NoError(t, Apply(&mem, Event{
		MemoryID: "m1", RecordedAt: at.Add(time.Minute), ActorID: "agent-a",
		Type: EventConfidenceChanged, SchemaVersion: 1,
		Delta: json.RawMessage(`{"value": 0.8}`),
	}))
	require.InDelta(t, 0.8, mem.Confidence, 1e-9)
}

func TestStateHashTracksContent(t *testing.T) {
	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var a, b Memory
	require.NoError(t, Apply(&a, created(t, "m1", at, 0.5)))
	require.NoError(t, Apply(&b, created(t, "m1", at, 0.5)))
	require.Equal(t, a.ContentHash, b.ContentHash)
	require.True(t, StatesEqual(&a, &b))

	require.NoError(t, Apply(&b, Event{
		MemoryID: "m1", RecordedAt: at.Add(time.Minute), ActorID: "agent-a",
		Type: EventConfidenceChanged, SchemaVersion: CurrentSchemaVersion,
		Delta: mustDelta(t, confidenceChangedDelta{Confidence: 0.9}),
	}))
	require.NotEqual(t, a.ContentHash, b.ContentHash)
}

func TestFreshnessDecay(t *testing.T) {
	require.InDelta(t, 1.0, FreshnessDecay(0), 1e-9)
	require.InDelta(t, 0.5, FreshnessDecay(90*24*time.Hour), 1e-6)
	require.InDelta(t, 0.25, FreshnessDecay(180*24*time.Hour), 1e-6)
}
