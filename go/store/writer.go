package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Writer is the single-writer actor: a dedicated goroutine which owns the
// store's only write handle. All mutations, from either core, are submitted
// as jobs and executed one transaction at a time, giving linearizable
// commits without fine-grained locking.
type Writer struct {
	jobs chan writeJob
	done chan struct{}
}

type writeJob struct {
	ctx    context.Context
	fn     func(*sql.Tx) error
	result chan error
}

func newWriter(db *sql.DB) *Writer {
	var w = &Writer{
		jobs: make(chan writeJob, 16),
		done: make(chan struct{}),
	}
	go w.loop(db)
	return w
}

// Submit runs |fn| inside its own transaction on the writer goroutine and
// returns its outcome. A transient failure is retried once; the second
// failure aborts the transaction and surfaces to the caller.
func (w *Writer) Submit(ctx context.Context, fn func(*sql.Tx) error) error {
	var job = writeJob{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case w.jobs <- job:
	case <-w.done:
		return fmt.Errorf("writer is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		// The job may still run; the caller stops waiting.
		return ctx.Err()
	}
}

func (w *Writer) loop(db *sql.DB) {
	for job := range w.jobs {
		var err = runTxn(job.ctx, db, job.fn)
		if err != nil && isTransient(err) {
			log.WithField("err", err).Warn("write transaction failed; retrying once")
			err = runTxn(job.ctx, db, job.fn)
		}
		job.result <- err
	}
	close(w.done)
}

func runTxn(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var txn, err = db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err = fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isTransient reports whether an error is worth a single retry: lock
// contention surfaces from SQLite as busy/locked errors.
func isTransient(err error) bool {
	var msg = err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// stop drains and terminates the writer goroutine. Callers must not Submit
// concurrently with stop.
func (w *Writer) stop() {
	close(w.jobs)
	<-w.done
}
