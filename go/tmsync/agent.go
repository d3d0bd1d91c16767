package tmsync

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/mattepiu/drift/go/ops"
	"github.com/mattepiu/drift/go/store"
	"github.com/mattepiu/drift/go/temporal"
)

// Agent is one sync participant: an event store plus a persisted vector
// clock and a buffer of deltas awaiting their causal predecessors.
type Agent struct {
	ID     string
	Events *temporal.EventStore

	st     *store.Store
	clock  VectorClock
	buffer []DeltaMessage

	// seen tracks events already applied, keyed by origin stamp, so
	// re-delivered deltas are idempotent.
	seen map[string]bool
}

// DeltaMessage carries one event between agents with the sender's clock at
// its append. Delivery is at-least-once; application is idempotent.
type DeltaMessage struct {
	SenderID string            `json:"sender_id"`
	Event    temporal.Event    `json:"event"`
	Clock    VectorClock       `json:"clock"`
}

// SyncRequest opens the three-step exchange: the receiver advertises its
// clock.
type SyncRequest struct {
	ReceiverID    string      `json:"receiver_id"`
	ReceiverClock VectorClock `json:"receiver_clock"`
}

// SyncResponse streams the deltas the receiver is missing.
type SyncResponse struct {
	SenderID string         `json:"sender_id"`
	Deltas   []DeltaMessage `json:"deltas"`
}

// SyncAck closes the exchange with the applied count.
type SyncAck struct {
	ReceiverID string `json:"receiver_id"`
	Applied    int    `json:"applied"`
	Buffered   int    `json:"buffered"`
}

// NewAgent loads (or initializes) an agent's sync state over its store.
func NewAgent(ctx context.Context, id string, st *store.Store) (*Agent, error) {
	var a = &Agent{
		ID:     id,
		Events: temporal.NewEventStore(st),
		st:     st,
		clock:  VectorClock{},
		seen:   map[string]bool{},
	}

	var raw string
	var err = st.Read().QueryRowContext(ctx,
		`SELECT clock FROM agent_clocks WHERE agent_id = ?`, id).Scan(&raw)
	if err == nil {
		if err = store.ScanJSON(raw, &a.clock); err != nil {
			return nil, fmt.Errorf("decoding clock of %s: %w", id, err)
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	// Rebuild the seen set from event clock stamps so reopened agents stay
	// idempotent.
	events, err := a.Events.AllEvents(ctx)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if len(ev.Clock) > 0 {
			a.seen[stampOf(ev.ActorID, VectorClock(ev.Clock))] = true
		}
	}
	return a, nil
}

// Clock returns a copy of the agent's current clock.
func (a *Agent) Clock() VectorClock { return a.clock.Clone() }

// BufferedCount reports deltas held awaiting predecessors.
func (a *Agent) BufferedCount() int { return len(a.buffer) }

// Record appends a locally-authored event, ticking the agent's clock and
// stamping the event with it.
func (a *Agent) Record(ctx context.Context, ev temporal.Event) (temporal.Event, error) {
	a.clock.Tick(a.ID)
	ev.ActorID = a.ID
	ev.Clock = map[string]uint64(a.clock.Clone())

	var out, err = a.Events.Append(ctx, ev)
	if err != nil {
		a.clock[a.ID]-- // The append failed; the tick never happened.
		return out, err
	}
	a.seen[stampOf(a.ID, a.clock)] = true
	return out, a.persistClock(ctx)
}

// HandleRequest answers a sync request with every event the receiver's
// clock has not seen, in seq order.
func (a *Agent) HandleRequest(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	var events, err = a.Events.AllEvents(ctx)
	if err != nil {
		return nil, err
	}

	var resp = &SyncResponse{SenderID: a.ID}
	for _, ev := range events {
		if len(ev.Clock) == 0 {
			continue // Local-only event never stamped for sync.
		}
		if VectorClock(req.ReceiverClock).Dominates(VectorClock(ev.Clock)) {
			continue
		}
		resp.Deltas = append(resp.Deltas, DeltaMessage{
			SenderID: a.ID,
			Event:    ev,
			Clock:    VectorClock(ev.Clock),
		})
	}
	return resp, nil
}

// Receive applies one delta if its causal predecessors have landed, and
// buffers it otherwise. After any successful apply the buffer is drained,
// since newly-applied deltas may unblock buffered ones.
func (a *Agent) Receive(ctx context.Context, delta DeltaMessage) (applied bool, err error) {
	applied, err = a.tryApply(ctx, delta)
	if err != nil {
		return false, err
	}
	if !applied {
		a.buffer = append(a.buffer, delta)
		ops.DeltasBuffered.Set(float64(len(a.buffer)))
		log.WithFields(log.Fields{
			"agent":  a.ID,
			"origin": delta.Event.ActorID,
			"memory": delta.Event.MemoryID,
		}).Debug("delta buffered awaiting predecessors")
		return false, nil
	}
	return true, a.drainBuffer(ctx)
}

// tryApply applies a delta when applicable; duplicates report applied
// without re-appending.
func (a *Agent) tryApply(ctx context.Context, delta DeltaMessage) (bool, error) {
	var origin = delta.Event.ActorID
	var stamp = stampOf(origin, delta.Clock)
	if a.seen[stamp] {
		return true, nil
	}
	if !Applicable(a.clock, delta.Clock, origin) {
		return false, nil
	}

	// Appended events keep their origin actor, recorded_at, delta, and
	// clock stamp; only the local seq is assigned fresh.
	var ev = delta.Event
	ev.Seq = 0
	ev.Clock = map[string]uint64(delta.Clock)
	if _, err := a.Events.Append(ctx, ev); err != nil {
		return false, fmt.Errorf("applying delta from %s: %w", origin, err)
	}

	a.clock.Merge(delta.Clock)
	a.seen[stamp] = true
	return true, a.persistClock(ctx)
}

// drainBuffer re-checks buffered deltas until a pass applies nothing.
func (a *Agent) drainBuffer(ctx context.Context) error {
	for {
		var progressed = false
		var remaining = a.buffer[:0]

		for _, delta := range a.buffer {
			var applied, err = a.tryApply(ctx, delta)
			if err != nil {
				return err
			}
			if applied {
				progressed = true
			} else {
				remaining = append(remaining, delta)
			}
		}
		a.buffer = remaining
		ops.DeltasBuffered.Set(float64(len(a.buffer)))

		if !progressed || len(a.buffer) == 0 {
			return nil
		}
	}
}

// SyncResult summarizes one direction of a sync exchange.
type SyncResult struct {
	Sent     int
	Applied  int
	Buffered int
}

// Sync runs the Request → Response → Ack protocol pulling |source|'s
// missing events into |target|.
func Sync(ctx context.Context, source, target *Agent) (*SyncResult, error) {
	var req = SyncRequest{ReceiverID: target.ID, ReceiverClock: target.Clock()}

	var resp, err = source.HandleRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sync request to %s: %w", source.ID, err)
	}

	var result = &SyncResult{Sent: len(resp.Deltas)}
	for _, delta := range resp.Deltas {
		applied, err := target.Receive(ctx, delta)
		if err != nil {
			return nil, err
		}
		if applied {
			result.Applied++
		}
	}
	result.Buffered = target.BufferedCount()

	var ack = SyncAck{ReceiverID: target.ID, Applied: result.Applied, Buffered: result.Buffered}
	log.WithFields(log.Fields{
		"source":   source.ID,
		"target":   ack.ReceiverID,
		"sent":     result.Sent,
		"applied":  ack.Applied,
		"buffered": ack.Buffered,
	}).Info("sync complete")
	return result, nil
}

func (a *Agent) persistClock(ctx context.Context) error {
	var raw, err = store.JSONColumn(a.clock)
	if err != nil {
		return err
	}
	return a.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		_, err := txn.Exec(
			`INSERT INTO agent_clocks (agent_id, clock) VALUES (?, ?)
			 ON CONFLICT (agent_id) DO UPDATE SET clock = excluded.clock`,
			a.ID, raw)
		return err
	})
}

// stampOf renders a deterministic key for an (origin, clock) pair.
func stampOf(origin string, clock VectorClock) string {
	var keys []string
	for k := range clock {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out = origin + "|"
	for _, k := range keys {
		out += fmt.Sprintf("%s=%d;", k, clock[k])
	}
	return out
}
