package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mattepiu/drift/go/ops"
	"github.com/mattepiu/drift/go/store"
)

// EventStore owns appends to the temporal log. Events gain a store-level
// monotonic seq under the single writer; the projection row is updated in
// the same transaction, so readers always observe a memory consistent with
// its log.
type EventStore struct {
	st *store.Store

	// SnapshotInterval, when non-zero, snapshots a memory automatically
	// after that many events since its last snapshot.
	SnapshotInterval uint32
	// RetentionK is how many pre-snapshot events compaction retains.
	RetentionK uint32
}

// NewEventStore binds the temporal log to |st|.
func NewEventStore(st *store.Store) *EventStore {
	return &EventStore{st: st, SnapshotInterval: 50, RetentionK: 100}
}

// Append inserts one event and folds it into the projection, returning the
// event with its assigned seq.
func (es *EventStore) Append(ctx context.Context, ev Event) (Event, error) {
	var out []Event
	var err = es.appendAll(ctx, []Event{ev}, &out)
	if err != nil {
		return Event{}, err
	}
	return out[0], nil
}

// AppendBatch appends events in one transaction: all land or none do.
func (es *EventStore) AppendBatch(ctx context.Context, events []Event) ([]Event, error) {
	var out []Event
	if err := es.appendAll(ctx, events, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (es *EventStore) appendAll(ctx context.Context, events []Event, out *[]Event) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].MemoryID == "" {
			return fmt.Errorf("event %d has no memory id", i)
		}
	}

	var toSnapshot []string
	var err = es.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		*out = (*out)[:0]
		toSnapshot = toSnapshot[:0]

		for _, ev := range events {
			if ev.RecordedAt.IsZero() {
				ev.RecordedAt = time.Now().UTC()
			}
			if ev.SchemaVersion == 0 {
				ev.SchemaVersion = CurrentSchemaVersion
			}
			if len(ev.Delta) == 0 {
				ev.Delta = json.RawMessage(`{}`)
			}

			var clock, err = store.JSONColumn(ev.Clock)
			if err != nil {
				return err
			}
			res, err := txn.Exec(
				`INSERT INTO events (memory_id, recorded_at, actor_id, type, delta, clock, schema_version)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ev.MemoryID, ev.RecordedAt.Format(store.TimeFormat), ev.ActorID,
				string(ev.Type), string(ev.Delta), clock, ev.SchemaVersion)
			if err != nil {
				return fmt.Errorf("appending event for %s: %w", ev.MemoryID, err)
			}
			if ev.Seq, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("reading seq: %w", err)
			}

			if err = es.updateProjection(txn, ev); err != nil {
				return err
			}
			*out = append(*out, ev)

			if es.SnapshotInterval > 0 {
				var since, err = eventsSinceSnapshot(txn, ev.MemoryID)
				if err != nil {
					return err
				}
				if since >= int(es.SnapshotInterval) {
					toSnapshot = append(toSnapshot, ev.MemoryID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for range *out {
		ops.EventsAppended.Inc()
	}
	// Interval snapshots run after the append commits; they are an
	// optimization and never gate the append itself.
	for _, id := range dedupe(toSnapshot) {
		if _, err := es.Snapshot(ctx, id); err != nil {
			log.WithFields(log.Fields{"memory": id, "err": err}).Warn("interval snapshot failed")
		}
	}
	return nil
}

// updateProjection folds one event into the memories row inside the append
// transaction.
func (es *EventStore) updateProjection(txn *sql.Tx, ev Event) error {
	var mem, found, err = loadProjectionTx(txn, ev.MemoryID)
	if err != nil {
		return err
	}
	if !found {
		mem = &Memory{ID: ev.MemoryID}
	}
	if err = Apply(mem, ev); err != nil {
		return fmt.Errorf("applying %s to %s: %w", ev.Type, ev.MemoryID, err)
	}
	return saveProjectionTx(txn, mem)
}

func eventsSinceSnapshot(txn *sql.Tx, memoryID string) (int, error) {
	var n int
	var err = txn.QueryRow(
		`SELECT COUNT(*) FROM events
		  WHERE memory_id = ?
		    AND seq > COALESCE((SELECT MAX(seq_at) FROM snapshots WHERE memory_id = ?), 0)`,
		memoryID, memoryID).Scan(&n)
	return n, err
}

// Events returns a memory's log in seq order, optionally bounded.
func (es *EventStore) Events(ctx context.Context, memoryID string, afterSeq int64, upTo time.Time) ([]Event, error) {
	var query = `SELECT seq, memory_id, recorded_at, actor_id, type, delta, clock, schema_version
	               FROM events WHERE memory_id = ? AND seq > ?`
	var args = []interface{}{memoryID, afterSeq}
	if !upTo.IsZero() {
		query += ` AND recorded_at <= ?`
		args = append(args, upTo.Format(store.TimeFormat))
	}
	query += ` ORDER BY seq`

	return loadEvents(ctx, es.st.Read(), query, args...)
}

// AllEvents returns the whole log in seq order; sync uses it to answer
// delta requests.
func (es *EventStore) AllEvents(ctx context.Context) ([]Event, error) {
	return loadEvents(ctx, es.st.Read(),
		`SELECT seq, memory_id, recorded_at, actor_id, type, delta, clock, schema_version
		   FROM events ORDER BY seq`)
}

// MemoryIDs returns every memory id that has ever received an event.
func (es *EventStore) MemoryIDs(ctx context.Context) ([]string, error) {
	var out []string
	var err = store.LoadRows(es.st.Read(),
		`SELECT DISTINCT memory_id FROM events ORDER BY memory_id`, nil,
		func() []interface{} { return []interface{}{new(string)} },
		func(l []interface{}) { out = append(out, *l[0].(*string)) })
	return out, err
}

// Projection returns the live projection of a memory, or nil when the
// memory does not exist.
func (es *EventStore) Projection(ctx context.Context, memoryID string) (*Memory, error) {
	var mem, found, err = loadProjection(ctx, es.st.Read(), memoryID)
	if err != nil || !found {
		return nil, err
	}
	return mem, nil
}

// Projections returns every live projection, ordered by id.
func (es *EventStore) Projections(ctx context.Context) ([]*Memory, error) {
	var ids, err = es.MemoryIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Memory
	for _, id := range ids {
		mem, found, err := loadProjection(ctx, es.st.Read(), id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, mem)
		}
	}
	return out, nil
}

func loadEvents(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]Event, error) {
	var rows, err = db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var recordedAt, delta, clock string
		if err = rows.Scan(&ev.Seq, &ev.MemoryID, &recordedAt, &ev.ActorID,
			(*string)(&ev.Type), &delta, &clock, &ev.SchemaVersion); err != nil {
			return nil, err
		}
		if ev.RecordedAt, err = time.Parse(time.RFC3339, recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at of seq %d: %w", ev.Seq, err)
		}
		ev.Delta = json.RawMessage(delta)
		if err = store.ScanJSON(clock, &ev.Clock); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const memoryCols = `id, type, content, summary, confidence, importance, transaction_time,
	valid_time, COALESCE(valid_until, ''), tags, linked_files, archived,
	COALESCE(superseded_by, ''), content_hash, schema_version`

type rowScanner interface {
	Scan(...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var mem Memory
	var content, txTime, validTime, validUntil, tags, linked string
	var archived int
	var err = row.Scan(&mem.ID, &mem.Type, &content, &mem.Summary, &mem.Confidence,
		&mem.Importance, &txTime, &validTime, &validUntil, &tags, &linked,
		&archived, &mem.SupersededBy, &mem.ContentHash, &mem.SchemaVersion)
	if err != nil {
		return nil, err
	}

	mem.Content = json.RawMessage(content)
	mem.Archived = archived != 0
	if mem.TransactionTime, err = time.Parse(time.RFC3339, txTime); err != nil {
		return nil, fmt.Errorf("parsing transaction_time of %s: %w", mem.ID, err)
	}
	if mem.ValidTime, err = time.Parse(time.RFC3339, validTime); err != nil {
		return nil, fmt.Errorf("parsing valid_time of %s: %w", mem.ID, err)
	}
	if validUntil != "" {
		var t, err = time.Parse(time.RFC3339, validUntil)
		if err != nil {
			return nil, fmt.Errorf("parsing valid_until of %s: %w", mem.ID, err)
		}
		mem.ValidUntil = &t
	}
	if err = store.ScanJSON(tags, &mem.Tags); err != nil {
		return nil, err
	}
	if err = store.ScanJSON(linked, &mem.LinkedFiles); err != nil {
		return nil, err
	}
	return &mem, nil
}

func loadProjection(ctx context.Context, db *sql.DB, id string) (*Memory, bool, error) {
	var row = db.QueryRowContext(ctx, `SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	var mem, err = scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func loadProjectionTx(txn *sql.Tx, id string) (*Memory, bool, error) {
	var row = txn.QueryRow(`SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	var mem, err = scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func saveProjectionTx(txn *sql.Tx, mem *Memory) error {
	var tags, err = store.JSONColumn(mem.Tags)
	if err != nil {
		return err
	}
	linked, err := store.JSONColumn(mem.LinkedFiles)
	if err != nil {
		return err
	}
	var validUntil interface{}
	if mem.ValidUntil != nil {
		validUntil = mem.ValidUntil.Format(store.TimeFormat)
	}
	var archived = 0
	if mem.Archived {
		archived = 1
	}
	var supersededBy interface{}
	if mem.SupersededBy != "" {
		supersededBy = mem.SupersededBy
	}

	_, err = txn.Exec(
		`INSERT INTO memories
		   (id, type, content, summary, confidence, importance, transaction_time,
		    valid_time, valid_until, tags, linked_files, archived, superseded_by,
		    content_hash, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   type = excluded.type, content = excluded.content, summary = excluded.summary,
		   confidence = excluded.confidence, importance = excluded.importance,
		   transaction_time = excluded.transaction_time, valid_time = excluded.valid_time,
		   valid_until = excluded.valid_until, tags = excluded.tags,
		   linked_files = excluded.linked_files, archived = excluded.archived,
		   superseded_by = excluded.superseded_by, content_hash = excluded.content_hash,
		   schema_version = excluded.schema_version`,
		mem.ID, mem.Type, string(mem.Content), mem.Summary, mem.Confidence, mem.Importance,
		mem.TransactionTime.Format(store.TimeFormat), mem.ValidTime.Format(store.TimeFormat),
		validUntil, tags, linked, archived, supersededBy, mem.ContentHash, mem.SchemaVersion)
	if err != nil {
		return fmt.Errorf("saving projection %s: %w", mem.ID, err)
	}
	return nil
}

func dedupe(in []string) []string {
	var seen = map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
