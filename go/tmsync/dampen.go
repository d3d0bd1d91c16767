package tmsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattepiu/drift/go/store"
)

// ProvenanceHop is one appended record of an agent acting on a memory.
type ProvenanceHop struct {
	MemoryID        string
	AgentID         string
	Action          string
	Timestamp       time.Time
	ConfidenceDelta float64
}

// Provenance persists hops, append-only.
type Provenance struct {
	st *store.Store
}

// NewProvenance binds provenance state to |st|.
func NewProvenance(st *store.Store) *Provenance { return &Provenance{st: st} }

// Append records one hop.
func (p *Provenance) Append(ctx context.Context, hop ProvenanceHop) error {
	if hop.Timestamp.IsZero() {
		hop.Timestamp = time.Now().UTC()
	}
	return p.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		_, err := txn.Exec(
			`INSERT INTO provenance_hops (memory_id, agent_id, action, timestamp, confidence_delta)
			 VALUES (?, ?, ?, ?, ?)`,
			hop.MemoryID, hop.AgentID, hop.Action,
			hop.Timestamp.Format(store.TimeFormat), hop.ConfidenceDelta)
		return err
	})
}

// Chain returns a memory's hops in append order.
func (p *Provenance) Chain(ctx context.Context, memoryID string) ([]ProvenanceHop, error) {
	var out []ProvenanceHop
	var err = store.LoadRows(p.st.Read(),
		`SELECT memory_id, agent_id, action, timestamp, confidence_delta
		   FROM provenance_hops WHERE memory_id = ? ORDER BY id`,
		[]interface{}{memoryID},
		func() []interface{} {
			return []interface{}{new(string), new(string), new(string), new(string), new(float64)}
		},
		func(l []interface{}) {
			var hop = ProvenanceHop{
				MemoryID: *l[0].(*string), AgentID: *l[1].(*string), Action: *l[2].(*string),
				ConfidenceDelta: *l[4].(*float64),
			}
			hop.Timestamp, _ = time.Parse(time.RFC3339, *l[3].(*string))
			out = append(out, hop)
		})
	if err != nil {
		return nil, fmt.Errorf("loading provenance of %s: %w", memoryID, err)
	}
	return out, nil
}

// ChainConfidence folds hop deltas into a chain confidence: the product
// of (1 + delta) per hop may exceed 1 mid-fold and is clamped to [0, 1] at
// the end.
func ChainConfidence(hops []ProvenanceHop) float64 {
	var product = 1.0
	for _, h := range hops {
		product *= 1 + h.ConfidenceDelta
	}
	if product < 0 {
		return 0
	}
	if product > 1 {
		return 1
	}
	return product
}

// Dampening configures correction propagation through provenance chains.
type Dampening struct {
	Factor float64 // Per-hop multiplier; default 0.7.
	Cutoff float64 // Propagation stops below this strength; default 0.05.
}

// DefaultDampening is the documented default policy.
func DefaultDampening() Dampening { return Dampening{Factor: 0.7, Cutoff: 0.05} }

// AppliedCorrection is one hop's dampened share of a correction.
type AppliedCorrection struct {
	Hop      int
	AgentID  string
	Strength float64
}

// Propagate distributes a correction of |base| strength along a provenance
// chain: the hop at distance n receives base × factor^n, and propagation
// stops once strength falls below the cutoff. Geometric dampening keeps
// propagation convergent even when provenance loops.
func (d Dampening) Propagate(base float64, chain []ProvenanceHop) []AppliedCorrection {
	var factor = d.Factor
	if factor <= 0 || factor >= 1 {
		factor = 0.7
	}
	var cutoff = d.Cutoff
	if cutoff <= 0 {
		cutoff = 0.05
	}

	var out []AppliedCorrection
	var strength = base
	for i, hop := range chain {
		if i > 0 {
			strength *= factor
		}
		if strength < cutoff {
			break
		}
		out = append(out, AppliedCorrection{Hop: i, AgentID: hop.AgentID, Strength: strength})
	}
	return out
}
