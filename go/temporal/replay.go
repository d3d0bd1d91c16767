package temporal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// ReplayBundle reconstructs the world as it looked when a memory was
// created: the memory itself at creation, the memories that already existed
// then (causal context), and hindsight memories recorded afterwards. The
// bundle is capped by a token budget.
type ReplayBundle struct {
	Memory       *Memory
	CreatedAt    time.Time
	Predecessors []*Memory
	Hindsight    []*Memory
	TokensUsed   int
	Truncated    bool
}

// DefaultReplayBudget caps a bundle when the caller passes no budget.
const DefaultReplayBudget = 8000

// ReplayDecision rebuilds the decision context of |memoryID|. Predecessors
// are ordered newest-first (the freshest context first), hindsight
// oldest-first; each is admitted while the budget lasts.
func (es *EventStore) ReplayDecision(ctx context.Context, memoryID string, budget int) (*ReplayBundle, error) {
	if budget <= 0 {
		budget = DefaultReplayBudget
	}

	var events, err = es.Events(ctx, memoryID, 0, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("memory %q has no events", memoryID)
	}
	var createdAt = events[0].RecordedAt

	state, err := es.Reconstruct(ctx, memoryID, createdAt)
	if err != nil {
		return nil, err
	}

	var bundle = &ReplayBundle{Memory: state, CreatedAt: createdAt}
	bundle.TokensUsed += tokenCost(state)

	ids, err := es.MemoryIDs(ctx)
	if err != nil {
		return nil, err
	}

	var predecessors, hindsight []*Memory
	for _, id := range ids {
		if id == memoryID {
			continue
		}
		// A memory is a predecessor if it existed at creation time, and
		// hindsight if it was created after.
		var at, err = es.Reconstruct(ctx, id, createdAt)
		if err != nil {
			return nil, err
		}
		if at != nil {
			if !at.Archived {
				predecessors = append(predecessors, at)
			}
			continue
		}
		live, err := es.Projection(ctx, id)
		if err != nil {
			return nil, err
		}
		if live != nil && !live.Archived {
			hindsight = append(hindsight, live)
		}
	}

	sort.Slice(predecessors, func(i, j int) bool {
		return predecessors[i].TransactionTime.After(predecessors[j].TransactionTime)
	})
	sort.Slice(hindsight, func(i, j int) bool {
		return hindsight[i].TransactionTime.Before(hindsight[j].TransactionTime)
	})

	for _, mem := range predecessors {
		var cost = tokenCost(mem)
		if bundle.TokensUsed+cost > budget {
			bundle.Truncated = true
			break
		}
		bundle.Predecessors = append(bundle.Predecessors, mem)
		bundle.TokensUsed += cost
	}
	for _, mem := range hindsight {
		var cost = tokenCost(mem)
		if bundle.TokensUsed+cost > budget {
			bundle.Truncated = true
			break
		}
		bundle.Hindsight = append(bundle.Hindsight, mem)
		bundle.TokensUsed += cost
	}
	return bundle, nil
}

// tokenCost approximates the token footprint of a memory at four bytes per
// token over its canonical serialization.
func tokenCost(mem *Memory) int {
	var b, err = CanonicalState(mem)
	if err != nil {
		return 0
	}
	return len(b)/4 + 1
}

// TrajectoryPoint is one sampled confidence value.
type TrajectoryPoint struct {
	At         time.Time
	Confidence float64
}

// ConfidenceTrajectory samples a memory's confidence at |points| evenly
// spaced times between its creation and |until|, reconstructing each point
// from the log rather than reading the live column.
func (es *EventStore) ConfidenceTrajectory(ctx context.Context, memoryID string, until time.Time, points int) ([]TrajectoryPoint, error) {
	if points < 2 {
		return nil, fmt.Errorf("trajectory needs at least 2 points, got %d", points)
	}

	var events, err = es.Events(ctx, memoryID, 0, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("memory %q has no events", memoryID)
	}
	var start = events[0].RecordedAt
	if until.Before(start) {
		return nil, fmt.Errorf("until %s precedes creation %s", until, start)
	}

	var step = until.Sub(start) / time.Duration(points-1)
	var out = make([]TrajectoryPoint, 0, points)
	for i := 0; i < points; i++ {
		var at = start.Add(step * time.Duration(i))
		mem, err := es.Reconstruct(ctx, memoryID, at)
		if err != nil {
			return nil, err
		}
		var confidence float64
		if mem != nil {
			confidence = mem.Confidence
		}
		out = append(out, TrajectoryPoint{At: at, Confidence: confidence})
	}
	return out, nil
}

// FreshnessDecay is the evidence-freshness multiplier for evidence last
// validated |age| ago: a 90-day half-life.
func FreshnessDecay(age time.Duration) float64 {
	var days = age.Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / 90 * math.Ln2)
}
