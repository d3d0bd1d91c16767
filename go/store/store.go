// Package store owns the transactional SQLite database backing both the
// call-graph and temporal-memory cores: open/migrate lifecycle, the
// single-writer actor, and row-loading helpers shared by readers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	log "github.com/sirupsen/logrus"
)

// Store is one project root's database: a single write connection owned by
// the writer actor, and a read pool which never blocks the writer.
type Store struct {
	Path string

	writeDB *sql.DB
	readDB  *sql.DB
	writer  *Writer

	lockPath string
	lockFile *os.File

	closeOnce sync.Once
}

// Options configure Open.
type Options struct {
	// WorkspaceLock serializes writers for the same root (default true at
	// the config layer; here the zero value means no lock).
	WorkspaceLock bool
}

// SQLite is fickle about raced opens of a newly created database; ensure one
// sql.Open completes before the next starts.
var sqliteOpenMu sync.Mutex

// Open opens (creating if needed) the store at |path|, applies the migration
// chain, and starts the writer actor.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	var s = &Store{Path: path}

	if opts.WorkspaceLock {
		s.lockPath = filepath.Join(filepath.Dir(path), "LOCK")
		var f, err = os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("acquiring workspace lock %s: %w", s.lockPath, err)
		}
		s.lockFile = f
	}

	var dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL", path)

	sqliteOpenMu.Lock()
	var writeDB, err = sql.Open("sqlite3", dsn)
	if err == nil {
		err = writeDB.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()

	if err != nil {
		s.releaseLock()
		return nil, fmt.Errorf("opening store %q: %w", path, err)
	}
	// The writer actor is the only user of this handle.
	writeDB.SetMaxOpenConns(1)
	s.writeDB = writeDB

	if err = migrate(ctx, writeDB, path); err != nil {
		writeDB.Close()
		s.releaseLock()
		return nil, fmt.Errorf("migrating store %q: %w", path, err)
	}

	sqliteOpenMu.Lock()
	readDB, err := sql.Open("sqlite3", dsn+"&_query_only=on")
	if err == nil {
		err = readDB.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()

	if err != nil {
		writeDB.Close()
		s.releaseLock()
		return nil, fmt.Errorf("opening read pool for %q: %w", path, err)
	}
	s.readDB = readDB
	s.writer = newWriter(writeDB)

	log.WithFields(log.Fields{"path": path}).Info("opened store")
	return s, nil
}

var memoryStoreSeq int64

// OpenInMemory opens a private in-memory store, migrated and ready. Used by
// tests and small in-process graphs. Each call gets its own database.
func OpenInMemory(ctx context.Context) (*Store, error) {
	var n = atomic.AddInt64(&memoryStoreSeq, 1)
	var dsn = fmt.Sprintf("file:drift-mem-%d?mode=memory&cache=shared&_foreign_keys=on", n)

	var writeDB, err = sql.Open("sqlite3", dsn)
	if err == nil {
		err = writeDB.PingContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("opening in-memory store: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if err = migrate(ctx, writeDB, ""); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("migrating in-memory store: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dsn)
	if err == nil {
		err = readDB.PingContext(ctx)
	}
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("opening in-memory read pool: %w", err)
	}

	return &Store{
		Path:    ":memory:",
		writeDB: writeDB,
		readDB:  readDB,
		writer:  newWriter(writeDB),
	}, nil
}

// Writer returns the single-writer actor for this store.
func (s *Store) Writer() *Writer { return s.writer }

// Read returns the read-only pool. Readers observe the store at transaction
// boundaries and never block the writer.
func (s *Store) Read() *sql.DB { return s.readDB }

// Close stops the writer and closes both handles.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writer.stop()
		if e := s.readDB.Close(); e != nil && err == nil {
			err = e
		}
		if e := s.writeDB.Close(); e != nil && err == nil {
			err = e
		}
		s.releaseLock()
	})
	return err
}

func (s *Store) releaseLock() {
	if s.lockFile != nil {
		s.lockFile.Close()
		os.Remove(s.lockPath)
		s.lockFile = nil
	}
}

// backupFile copies |path| to |path|.bak-v{version} ahead of a migration.
func backupFile(path string, version int) error {
	var src, err = os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Nothing to back up.
		}
		return err
	}
	defer src.Close()

	dst, err := os.Create(fmt.Sprintf("%s.bak-v%d", path, version))
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err = io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}
