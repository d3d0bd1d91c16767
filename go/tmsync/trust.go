package tmsync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mattepiu/drift/go/store"
)

// TrustScore summarizes one agent's view of a peer's reliability.
type TrustScore struct {
	AgentID      string
	PeerID       string
	Validated    int
	Useful       int
	Contradicted int
	Total        int
}

// BootstrapTrust is the initial trust assigned on first contact. It is an
// initialization, not an output of the formula: the formula with zero
// evidence yields 0.
const BootstrapTrust = 0.5

// Overall folds the evidence counters into [0, 1]. The +1 denominator
// keeps zero-evidence at 0 and bounds the ratio below 1.
func (t TrustScore) Overall() float64 {
	var positive = float64(t.Validated+t.Useful) / float64(t.Total+1)
	var penalty = 1 - float64(t.Contradicted)/float64(t.Total+1)
	var overall = positive * penalty
	if overall < 0 {
		return 0
	}
	if overall > 1 {
		return 1
	}
	return overall
}

// TrustLedger persists trust scores between agent pairs.
type TrustLedger struct {
	st *store.Store
}

// NewTrustLedger binds trust state to |st|.
func NewTrustLedger(st *store.Store) *TrustLedger { return &TrustLedger{st: st} }

// Get loads the trust score for (agent, peer). An unknown pair reads as
// bootstrap: zero counters, Overall ignored in favor of BootstrapTrust.
func (l *TrustLedger) Get(ctx context.Context, agentID, peerID string) (TrustScore, float64, error) {
	var t = TrustScore{AgentID: agentID, PeerID: peerID}
	var err = l.st.Read().QueryRowContext(ctx,
		`SELECT validated, useful, contradicted, total FROM trust_scores
		  WHERE agent_id = ? AND peer_id = ?`, agentID, peerID).
		Scan(&t.Validated, &t.Useful, &t.Contradicted, &t.Total)
	if err == sql.ErrNoRows {
		return t, BootstrapTrust, nil
	} else if err != nil {
		return t, 0, err
	}
	return t, t.Overall(), nil
}

// TrustSignal is one piece of evidence about a peer.
type TrustSignal string

const (
	SignalValidated    TrustSignal = "validated"
	SignalUseful       TrustSignal = "useful"
	SignalContradicted TrustSignal = "contradicted"
)

// Observe records one signal about a peer. Every signal counts toward the
// total; validated and useful also count positively, contradicted counts
// against.
func (l *TrustLedger) Observe(ctx context.Context, agentID, peerID string, signal TrustSignal) error {
	var dv, du, dc int
	switch signal {
	case SignalValidated:
		dv = 1
	case SignalUseful:
		du = 1
	case SignalContradicted:
		dc = 1
	default:
		return fmt.Errorf("unknown trust signal %q", signal)
	}

	return l.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		_, err := txn.Exec(
			`INSERT INTO trust_scores (agent_id, peer_id, validated, useful, contradicted, total)
			 VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT (agent_id, peer_id) DO UPDATE SET
			   validated = validated + ?, useful = useful + ?,
			   contradicted = contradicted + ?, total = total + 1`,
			agentID, peerID, dv, du, dc, dv, du, dc)
		return err
	})
}
