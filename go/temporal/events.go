// Package temporal is the memory core: an append-only event log over typed
// memories with snapshots, point-in-time reconstruction, diff, and replay.
package temporal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/minio/highwayhash"
)

// EventType enumerates the mutations a memory's log may carry.
type EventType string

const (
	EventCreated           EventType = "Created"
	EventContentUpdated    EventType = "ContentUpdated"
	EventConfidenceChanged EventType = "ConfidenceChanged"
	EventTagsModified      EventType = "TagsModified"
	EventImportanceChanged EventType = "ImportanceChanged"
	EventReclassified      EventType = "Reclassified"
	EventConsolidated      EventType = "Consolidated"
	EventArchived          EventType = "Archived"
	EventRestored          EventType = "Restored"
	EventSuperseded        EventType = "Superseded"
)

// CurrentSchemaVersion is the newest event schema this build writes and the
// newest it can read. Older events are upcast at read time; the stored form
// is never rewritten.
const CurrentSchemaVersion = 2

// Event is one immutable, seq-ordered record in a memory's log.
type Event struct {
	Seq           int64             `json:"seq"`
	MemoryID      string            `json:"memory_id"`
	RecordedAt    time.Time         `json:"recorded_at"`
	ActorID       string            `json:"actor_id"`
	Type          EventType         `json:"type"`
	Delta         json.RawMessage   `json:"delta"`
	Clock         map[string]uint64 `json:"clock,omitempty"`
	SchemaVersion int               `json:"schema_version"`
}

// Memory is the projection of a memory's event log.
type Memory struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Content         json.RawMessage `json:"content"`
	Summary         string          `json:"summary"`
	Confidence      float64         `json:"confidence"`
	Importance      string          `json:"importance"`
	TransactionTime time.Time       `json:"transaction_time"`
	ValidTime       time.Time       `json:"valid_time"`
	ValidUntil      *time.Time      `json:"valid_until,omitempty"`
	Tags            []string        `json:"tags"`
	LinkedFiles     []string        `json:"linked_files"`
	Archived        bool            `json:"archived"`
	SupersededBy    string          `json:"superseded_by,omitempty"`
	ContentHash     string          `json:"content_hash"`
	SchemaVersion   int             `json:"schema_version"`
}

// UnknownEventTypeError fails a replay which encounters an event type this
// build does not know. Replays never skip silently.
type UnknownEventTypeError struct {
	Type EventType
	Seq  int64
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q at seq %d", e.Type, e.Seq)
}

// SchemaVersionError fails a replay of an event written by a newer build.
type SchemaVersionError struct {
	Version int
	Seq     int64
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("event at seq %d has schema version %d; this build supports up to %d",
		e.Seq, e.Version, CurrentSchemaVersion)
}

// Delta payload shapes, one per event type.

type createdDelta struct {
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	Summary     string          `json:"summary"`
	Confidence  float64         `json:"confidence"`
	Importance  string          `json:"importance"`
	ValidTime   time.Time       `json:"valid_time"`
	ValidUntil  *time.Time      `json:"valid_until,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	LinkedFiles []string        `json:"linked_files,omitempty"`
}

type contentUpdatedDelta struct {
	Patch   json.RawMessage `json:"patch"`
	Summary *string         `json:"summary,omitempty"`
}

type confidenceChangedDelta struct {
	Confidence float64 `json:"confidence"`
}

type tagsModifiedDelta struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type importanceChangedDelta struct {
	Importance string `json:"importance"`
}

type reclassifiedDelta struct {
	Type string `json:"type"`
}

type consolidatedDelta struct {
	MergedFrom []string        `json:"merged_from,omitempty"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	Summary    *string         `json:"summary,omitempty"`
}

type supersededDelta struct {
	By string `json:"by"`
}

// Apply folds one event into the projection. Apply is deterministic: the
// same memory state and event always produce the same next state, which is
// what makes snapshot-bounded replay and cross-agent convergence sound.
func Apply(mem *Memory, ev Event) error {
	if ev.SchemaVersion > CurrentSchemaVersion {
		return &SchemaVersionError{Version: ev.SchemaVersion, Seq: ev.Seq}
	}
	var delta, err = upcast(ev)
	if err != nil {
		return err
	}

	switch ev.Type {
	case EventCreated:
		var d createdDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding Created delta at seq %d: %w", ev.Seq, err)
		}
		*mem = Memory{
			ID:              ev.MemoryID,
			Type:            d.Type,
			Content:         compactJSON(d.Content),
			Summary:         d.Summary,
			Confidence:      d.Confidence,
			Importance:      d.Importance,
			TransactionTime: ev.RecordedAt,
			ValidTime:       d.ValidTime,
			ValidUntil:      d.ValidUntil,
			Tags:            sortedSet(d.Tags),
			LinkedFiles:     sortedSet(d.LinkedFiles),
			SchemaVersion:   CurrentSchemaVersion,
		}
		if mem.ValidTime.IsZero() {
			mem.ValidTime = ev.RecordedAt
		}
		if mem.Importance == "" {
			mem.Importance = "medium"
		}
		if len(mem.Content) == 0 {
			mem.Content = json.RawMessage(`{}`)
		}

	case EventContentUpdated:
		var d contentUpdatedDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding ContentUpdated delta at seq %d: %w", ev.Seq, err)
		}
		merged, err := jsonpatch.MergePatch(mem.Content, d.Patch)
		if err != nil {
			return fmt.Errorf("applying content patch at seq %d: %w", ev.Seq, err)
		}
		mem.Content = compactJSON(merged)
		if d.Summary != nil {
			mem.Summary = *d.Summary
		}

	case EventConfidenceChanged:
		var d confidenceChangedDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding ConfidenceChanged delta at seq %d: %w", ev.Seq, err)
		}
		mem.Confidence = clamp01(d.Confidence)

	case EventTagsModified:
		var d tagsModifiedDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding TagsModified delta at seq %d: %w", ev.Seq, err)
		}
		// Set semantics: adding a present tag and removing an absent one
		// are both no-ops, and order within the event does not matter.
		var set = map[string]bool{}
		for _, t := range mem.Tags {
			set[t] = true
		}
		for _, t := range d.Add {
			set[t] = true
		}
		for _, t := range d.Remove {
			delete(set, t)
		}
		mem.Tags = mem.Tags[:0]
		for t := range set {
			mem.Tags = append(mem.Tags, t)
		}
		sort.Strings(mem.Tags)

	case EventImportanceChanged:
		var d importanceChangedDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding ImportanceChanged delta at seq %d: %w", ev.Seq, err)
		}
		mem.Importance = d.Importance

	case EventReclassified:
		var d reclassifiedDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding Reclassified delta at seq %d: %w", ev.Seq, err)
		}
		mem.Type = d.Type

	case EventConsolidated:
		var d consolidatedDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding Consolidated delta at seq %d: %w", ev.Seq, err)
		}
		if len(d.Patch) > 0 {
			merged, err := jsonpatch.MergePatch(mem.Content, d.Patch)
			if err != nil {
				return fmt.Errorf("applying consolidation patch at seq %d: %w", ev.Seq, err)
			}
			mem.Content = compactJSON(merged)
		}
		if d.Summary != nil {
			mem.Summary = *d.Summary
		}

	case EventArchived:
		mem.Archived = true

	case EventRestored:
		mem.Archived = false

	case EventSuperseded:
		var d supersededDelta
		if err := json.Unmarshal(delta, &d); err != nil {
			return fmt.Errorf("decoding Superseded delta at seq %d: %w", ev.Seq, err)
		}
		mem.SupersededBy = d.By

	default:
		return &UnknownEventTypeError{Type: ev.Type, Seq: ev.Seq}
	}

	mem.ContentHash = StateHash(mem)
	return nil
}

// upcast runs the upcaster chain on an event's delta, returning the
// current-schema form. Version 1 ConfidenceChanged events carried the new
// value under "value"; version 2 renamed it "confidence".
func upcast(ev Event) (json.RawMessage, error) {
	var delta = ev.Delta
	if ev.SchemaVersion >= CurrentSchemaVersion {
		return delta, nil
	}

	if ev.Type == EventConfidenceChanged {
		var v1 struct {
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(delta, &v1); err != nil {
			return nil, fmt.Errorf("upcasting seq %d: %w", ev.Seq, err)
		}
		if v1.Value != nil {
			var up, err = json.Marshal(confidenceChangedDelta{Confidence: *v1.Value})
			if err != nil {
				return nil, err
			}
			return up, nil
		}
	}
	return delta, nil
}

// stateHashKey is the fixed highwayhash key for projection hashing. It is a
// format constant: changing it invalidates every stored content_hash.
var stateHashKey = []byte("drift-temporal-projection-hash-k")

// StateHash hashes the canonical serialization of a projection, excluding
// the hash field itself. Two byte-identical projections hash equal, which
// backs both snapshot verification and sync convergence checks.
func StateHash(mem *Memory) string {
	var clone = *mem
	clone.ContentHash = ""
	var canonical, err = json.Marshal(&clone)
	if err != nil {
		return ""
	}
	var sum = highwayhash.Sum64(canonical, stateHashKey)
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * i))
	}
	return hex.EncodeToString(b[:])
}

// CanonicalState is the byte form snapshots store and convergence compares.
func CanonicalState(mem *Memory) ([]byte, error) {
	return json.Marshal(mem)
}

func sortedSet(in []string) []string {
	var set = map[string]bool{}
	for _, s := range in {
		set[s] = true
	}
	var out = make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	var out, err = json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
