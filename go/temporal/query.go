package temporal

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nsf/jsondiff"
)

// Reconstruct rebuilds a memory's state as of |at|: newest snapshot taken
// at or before |at| or covering only events recorded by then, then every
// event with recorded_at <= at and seq beyond the snapshot. A time at or after an event's recorded_at includes that event;
// a time before the first event returns nil.
func (es *EventStore) Reconstruct(ctx context.Context, memoryID string, at time.Time) (*Memory, error) {
	var snap, err = es.newestSnapshotBefore(ctx, memoryID, at)
	if err != nil {
		return nil, err
	}

	var mem *Memory
	var afterSeq int64
	if snap != nil {
		var clone = *snap.State
		mem = &clone
		afterSeq = snap.SeqAt
	}

	events, err := es.Events(ctx, memoryID, afterSeq, at)
	if err != nil {
		return nil, err
	}
	if mem == nil && len(events) == 0 {
		return nil, nil
	}
	if mem == nil {
		mem = &Memory{ID: memoryID}
	}
	for _, ev := range events {
		if err = Apply(mem, ev); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

// Filter narrows temporal query results.
type Filter struct {
	Type            string
	Tag             string
	IncludeArchived bool
}

func (f Filter) admits(mem *Memory) bool {
	if mem == nil {
		return false
	}
	if !f.IncludeArchived && mem.Archived {
		return false
	}
	if f.Type != "" && mem.Type != f.Type {
		return false
	}
	if f.Tag != "" {
		var found = false
		for _, t := range mem.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AsOf returns every memory as it stood at |systemTime|, restricted to
// those valid at |validTime| under half-open [valid_time, valid_until)
// semantics. A zero-duration interval (valid_until == valid_time) is
// visible at exactly valid_time.
func (es *EventStore) AsOf(ctx context.Context, systemTime, validTime time.Time, filter Filter) ([]*Memory, error) {
	var ids, err = es.MemoryIDs(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Memory
	for _, id := range ids {
		mem, err := es.Reconstruct(ctx, id, systemTime)
		if err != nil {
			return nil, err
		}
		if mem == nil || !filter.admits(mem) {
			continue
		}
		if mem.ValidTime.After(validTime) {
			continue
		}
		var instant = mem.ValidUntil != nil && mem.ValidUntil.Equal(mem.ValidTime) &&
			validTime.Equal(mem.ValidTime)
		if mem.ValidUntil != nil && !mem.ValidUntil.After(validTime) && !instant {
			continue
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RangeMode selects how a memory's validity interval must relate to the
// queried [from, to) window.
type RangeMode string

const (
	RangeOverlaps      RangeMode = "overlaps"
	RangeContains      RangeMode = "contains"
	RangeStartedDuring RangeMode = "started_during"
	RangeEndedDuring   RangeMode = "ended_during"
)

// Range returns live memories whose validity interval [valid_time,
// valid_until) satisfies |mode| against [from, to).
func (es *EventStore) Range(ctx context.Context, from, to time.Time, mode RangeMode) ([]*Memory, error) {
	switch mode {
	case RangeOverlaps, RangeContains, RangeStartedDuring, RangeEndedDuring:
	default:
		return nil, fmt.Errorf("unknown range mode %q", mode)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("range end %s precedes start %s", to, from)
	}

	var all, err = es.Projections(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Memory
	for _, mem := range all {
		var start = mem.ValidTime
		var end *time.Time = mem.ValidUntil // Open-ended when nil.

		var include bool
		switch mode {
		case RangeOverlaps:
			// start < to AND (end == nil OR end > from).
			include = start.Before(to) && (end == nil || end.After(from))
		case RangeContains:
			// from <= start AND end != nil AND end <= to.
			include = !start.Before(from) && end != nil && !end.After(to)
		case RangeStartedDuring:
			include = !start.Before(from) && start.Before(to)
		case RangeEndedDuring:
			include = end != nil && end.After(from) && !end.After(to)
		}
		if include {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConfidenceShift is one memory whose confidence moved more than 0.2
// between the diffed times.
type ConfidenceShift struct {
	MemoryID string  `json:"memory_id"`
	Delta    float64 `json:"delta"`
}

// Reclassification is one memory whose type changed.
type Reclassification struct {
	MemoryID string `json:"memory_id"`
	FromType string `json:"from_type"`
	ToType   string `json:"to_type"`
}

// TemporalDiff classifies how the memory set changed between two times.
type TemporalDiff struct {
	TimeA             time.Time
	TimeB             time.Time
	Created           []string
	Archived          []string
	Modified          []string
	ConfidenceShifts  []ConfidenceShift
	Reclassifications []Reclassification
}

// Diff reconstructs the memory set at both times — never reading the live
// projection — and classifies the differences. diff(a, b) and diff(b, a)
// swap created with archived and negate every confidence delta.
func (es *EventStore) Diff(ctx context.Context, timeA, timeB time.Time, scope Filter) (*TemporalDiff, error) {
	var ids, err = es.MemoryIDs(ctx)
	if err != nil {
		return nil, err
	}

	var diff = &TemporalDiff{TimeA: timeA, TimeB: timeB}
	var opts = jsondiff.DefaultConsoleOptions()

	for _, id := range ids {
		memA, err := es.Reconstruct(ctx, id, timeA)
		if err != nil {
			return nil, err
		}
		memB, err := es.Reconstruct(ctx, id, timeB)
		if err != nil {
			return nil, err
		}

		var visibleA = memA != nil && !memA.Archived && scope.admits(memA)
		var visibleB = memB != nil && !memB.Archived && scope.admits(memB)

		switch {
		case !visibleA && visibleB:
			diff.Created = append(diff.Created, id)
		case visibleA && !visibleB:
			diff.Archived = append(diff.Archived, id)
		case visibleA && visibleB:
			if delta := memB.Confidence - memA.Confidence; delta > 0.2 || delta < -0.2 {
				diff.ConfidenceShifts = append(diff.ConfidenceShifts, ConfidenceShift{MemoryID: id, Delta: delta})
			}
			if memA.Type != memB.Type {
				diff.Reclassifications = append(diff.Reclassifications,
					Reclassification{MemoryID: id, FromType: memA.Type, ToType: memB.Type})
			}
			if modified(memA, memB, &opts) {
				diff.Modified = append(diff.Modified, id)
			}
		}
	}

	sort.Strings(diff.Created)
	sort.Strings(diff.Archived)
	sort.Strings(diff.Modified)
	sort.Slice(diff.ConfidenceShifts, func(i, j int) bool {
		return diff.ConfidenceShifts[i].MemoryID < diff.ConfidenceShifts[j].MemoryID
	})
	sort.Slice(diff.Reclassifications, func(i, j int) bool {
		return diff.Reclassifications[i].MemoryID < diff.Reclassifications[j].MemoryID
	})
	return diff, nil
}

// modified reports whether the substance of a memory changed: content (per
// jsondiff), summary, tags, or importance.
func modified(a, b *Memory, opts *jsondiff.Options) bool {
	if d, _ := jsondiff.Compare(a.Content, b.Content, opts); d != jsondiff.FullMatch {
		return true
	}
	if a.Summary != b.Summary || a.Importance != b.Importance {
		return true
	}
	if len(a.Tags) != len(b.Tags) {
		return true
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return true
		}
	}
	return false
}

// StatesEqual reports byte-identical projections; sync convergence checks
// use it.
func StatesEqual(a, b *Memory) bool {
	var ca, errA = CanonicalState(a)
	var cb, errB = CanonicalState(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
