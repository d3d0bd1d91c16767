// Package tmsync exchanges temporal events between agents under causal
// delivery: vector clocks order deltas, out-of-order arrivals are buffered
// until their predecessors land, corrections dampen geometrically along
// provenance chains, and inter-agent trust is tracked as a scalar.
package tmsync

// VectorClock maps agent ids to per-agent monotonic counters.
type VectorClock map[string]uint64

// Clone copies the clock.
func (c VectorClock) Clone() VectorClock {
	var out = make(VectorClock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Tick advances this agent's own component and returns the new clock.
func (c VectorClock) Tick(agentID string) VectorClock {
	c[agentID]++
	return c
}

// Merge raises every component to the maximum of the two clocks.
func (c VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > c[k] {
			c[k] = v
		}
	}
}

// Dominates reports whether c has seen at least everything in other.
func (c VectorClock) Dominates(other VectorClock) bool {
	for k, v := range other {
		if c[k] < v {
			return false
		}
	}
	return true
}

// Applicable reports whether a delta stamped |delta| from |sender| may be
// applied against the local clock: the sender's component may exceed the
// local view by exactly one, and every other component must already be
// known locally.
func Applicable(local, delta VectorClock, sender string) bool {
	for agent, v := range delta {
		if agent == sender {
			if v > local[agent]+1 {
				return false
			}
			continue
		}
		if v > local[agent] {
			return false
		}
	}
	return true
}
