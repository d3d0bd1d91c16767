package temporal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/snappy"
	log "github.com/sirupsen/logrus"

	"github.com/mattepiu/drift/go/ops"
	"github.com/mattepiu/drift/go/store"
)

// Snapshot materializes the current projection of |memoryID| as a
// snappy-compressed checkpoint tagged with the last event applied. Replay
// from the snapshot plus later events reproduces the projection exactly.
func (es *EventStore) Snapshot(ctx context.Context, memoryID string) (seqAt int64, err error) {
	err = es.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		var mem, found, err = loadProjectionTx(txn, memoryID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("memory %q not found", memoryID)
		}

		if err = txn.QueryRow(
			`SELECT COALESCE(MAX(seq), 0) FROM events WHERE memory_id = ?`, memoryID).
			Scan(&seqAt); err != nil {
			return err
		}
		if seqAt == 0 {
			return fmt.Errorf("memory %q has no events to snapshot", memoryID)
		}

		state, err := CanonicalState(mem)
		if err != nil {
			return fmt.Errorf("serializing %s: %w", memoryID, err)
		}

		_, err = txn.Exec(
			`INSERT INTO snapshots (memory_id, snapshot_at, seq_at, compressed_state, schema_version)
			 VALUES (?, ?, ?, ?, ?)`,
			memoryID, time.Now().UTC().Format(store.TimeFormat), seqAt,
			snappy.Encode(nil, state), CurrentSchemaVersion)
		return err
	})
	if err == nil {
		ops.SnapshotsTaken.Inc()
		log.WithFields(log.Fields{"memory": memoryID, "seqAt": seqAt}).Debug("snapshot taken")
	}
	return seqAt, err
}

// SnapshotAll snapshots every known memory.
func (es *EventStore) SnapshotAll(ctx context.Context) (int, error) {
	var ids, err = es.MemoryIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err = es.Snapshot(ctx, id); err != nil {
			return 0, fmt.Errorf("snapshotting %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// snapshotRow is a decoded SNAPSHOT.
type snapshotRow struct {
	MemoryID      string
	SnapshotAt    time.Time
	SeqAt         int64
	State         *Memory
	SchemaVersion int
}

// newestSnapshotBefore returns the newest snapshot of |memoryID| that was
// taken at or before |at|, or whose stored covered events were all recorded
// at or before |at| (zero time means newest overall), or nil.
func (es *EventStore) newestSnapshotBefore(ctx context.Context, memoryID string, at time.Time) (*snapshotRow, error) {
	var query = `SELECT memory_id, snapshot_at, seq_at, compressed_state, schema_version
	               FROM snapshots WHERE memory_id = ?`
	var args = []interface{}{memoryID}
	if !at.IsZero() {
		query += ` AND (snapshot_at <= ? OR NOT EXISTS (
		             SELECT 1 FROM events e WHERE e.memory_id = snapshots.memory_id
		                AND e.seq <= snapshots.seq_at AND e.recorded_at > ?))`
		var bound = at.Format(store.TimeFormat)
		args = append(args, bound, bound)
	}
	query += ` ORDER BY seq_at DESC LIMIT 1`

	var row = es.st.Read().QueryRowContext(ctx, query, args...)
	var snap snapshotRow
	var snapshotAt string
	var compressed []byte
	var err = row.Scan(&snap.MemoryID, &snapshotAt, &snap.SeqAt, &compressed, &snap.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if snap.SnapshotAt, err = time.Parse(time.RFC3339, snapshotAt); err != nil {
		return nil, fmt.Errorf("parsing snapshot_at: %w", err)
	}

	state, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot of %s: %w", memoryID, err)
	}
	snap.State = &Memory{}
	if err = store.ScanJSON(string(state), snap.State); err != nil {
		return nil, fmt.Errorf("decoding snapshot of %s: %w", memoryID, err)
	}
	return &snap, nil
}

// CompactionReport summarizes one compaction pass.
type CompactionReport struct {
	MemoriesVisited int
	EventsDeleted   int64
}

// Compact deletes events older than each memory's newest snapshot, keeping
// the most recent K pre-snapshot events for auditability. Events not
// covered by any snapshot are never deleted.
func (es *EventStore) Compact(ctx context.Context) (*CompactionReport, error) {
	var ids, err = es.MemoryIDs(ctx)
	if err != nil {
		return nil, err
	}

	var report = &CompactionReport{}
	for _, id := range ids {
		report.MemoriesVisited++

		var snap *snapshotRow
		if snap, err = es.newestSnapshotBefore(ctx, id, time.Time{}); err != nil {
			return nil, err
		}
		if snap == nil {
			continue
		}

		var deleted int64
		err = es.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
			// Keep the K newest events at or below the snapshot boundary;
			// delete the rest, all of which the snapshot covers.
			var res, err = txn.Exec(
				`DELETE FROM events WHERE memory_id = ? AND seq <= ?
				   AND seq NOT IN (
				     SELECT seq FROM events WHERE memory_id = ? AND seq <= ?
				      ORDER BY seq DESC LIMIT ?)`,
				id, snap.SeqAt, id, snap.SeqAt, int(es.RetentionK))
			if err != nil {
				return fmt.Errorf("compacting %s: %w", id, err)
			}
			deleted, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return nil, err
		}
		report.EventsDeleted += deleted
	}

	log.WithFields(log.Fields{
		"memories": report.MemoriesVisited,
		"deleted":  report.EventsDeleted,
	}).Info("compaction complete")
	return report, nil
}
