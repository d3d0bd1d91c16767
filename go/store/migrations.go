package store

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// migrations is the sequential schema chain. Entry i upgrades user_version i
// to i+1. Migrations are append-only: published entries are never edited.
var migrations = []string{
	// v1: call-graph relations.
	`
	CREATE TABLE files (
		path         TEXT PRIMARY KEY,
		language     TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		scanned_at   TEXT NOT NULL,
		parse_error  INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE functions (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		file             TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
		start_line       INTEGER NOT NULL,
		end_line         INTEGER NOT NULL,
		qualified_name   TEXT,
		is_entry_point   INTEGER NOT NULL DEFAULT 0,
		is_data_accessor INTEGER NOT NULL DEFAULT 0,
		entry_route      TEXT,
		entry_via        TEXT,
		UNIQUE (file, start_line)
	);
	CREATE INDEX idx_functions_file ON functions(file);
	CREATE INDEX idx_functions_name ON functions(name);
	CREATE TABLE call_edges (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		caller_id    TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
		callee_id    TEXT,
		callee_name  TEXT NOT NULL,
		receiver     TEXT,
		confidence   REAL NOT NULL DEFAULT 0,
		line         INTEGER NOT NULL,
		call_kind    TEXT NOT NULL,
		unresolvable INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_edges_caller ON call_edges(caller_id);
	CREATE INDEX idx_edges_callee ON call_edges(callee_id);
	CREATE INDEX idx_edges_callee_name ON call_edges(callee_name);
	CREATE TABLE imports (
		file    TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
		module  TEXT NOT NULL,
		symbols TEXT NOT NULL DEFAULT '[]',
		alias   TEXT
	);
	CREATE INDEX idx_imports_file ON imports(file);
	CREATE TABLE exports (
		file        TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
		symbol      TEXT NOT NULL,
		function_id TEXT NOT NULL
	);
	CREATE INDEX idx_exports_symbol ON exports(symbol);
	CREATE INDEX idx_exports_file ON exports(file);
	CREATE TABLE data_accesses (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		function_id TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
		table_name  TEXT NOT NULL,
		operation   TEXT NOT NULL,
		method      TEXT NOT NULL DEFAULT '',
		fields      TEXT NOT NULL DEFAULT '[]',
		orm         TEXT NOT NULL,
		line        INTEGER NOT NULL,
		confidence  REAL NOT NULL
	);
	CREATE INDEX idx_access_table ON data_accesses(table_name);
	CREATE INDEX idx_access_function ON data_accesses(function_id);
	CREATE TABLE resolution_ambiguities (
		edge_id    INTEGER NOT NULL,
		strategy   TEXT NOT NULL,
		candidates TEXT NOT NULL
	);
	CREATE TABLE entry_registrations (
		file     TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
		route    TEXT NOT NULL,
		via      TEXT NOT NULL,
		callback TEXT NOT NULL,
		line     INTEGER NOT NULL
	);
	`,
	// v2: patterns, violations, and the additive status relation.
	`
	CREATE TABLE patterns (
		id         TEXT PRIMARY KEY,
		category   TEXT NOT NULL,
		name       TEXT NOT NULL,
		alpha      REAL NOT NULL DEFAULT 1,
		beta       REAL NOT NULL DEFAULT 1,
		status     TEXT NOT NULL DEFAULT 'discovered',
		locations  TEXT NOT NULL DEFAULT '[]'
	);
	CREATE TABLE pattern_status (
		pattern_id TEXT PRIMARY KEY REFERENCES patterns(id) ON DELETE CASCADE,
		status     TEXT NOT NULL,
		decided_by TEXT NOT NULL,
		decided_at TEXT NOT NULL
	);
	CREATE TABLE violations (
		id                      TEXT PRIMARY KEY,
		pattern_id              TEXT NOT NULL REFERENCES patterns(id) ON DELETE CASCADE,
		file                    TEXT NOT NULL,
		line                    INTEGER NOT NULL,
		severity                TEXT NOT NULL,
		confidence_at_detection REAL NOT NULL
	);
	CREATE INDEX idx_violations_pattern ON violations(pattern_id);
	`,
	// v3: temporal memory relations.
	`
	CREATE TABLE memories (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		content          TEXT NOT NULL DEFAULT '{}',
		summary          TEXT NOT NULL DEFAULT '',
		confidence       REAL NOT NULL DEFAULT 0.5,
		importance       TEXT NOT NULL DEFAULT 'medium',
		transaction_time TEXT NOT NULL,
		valid_time       TEXT NOT NULL,
		valid_until      TEXT,
		tags             TEXT NOT NULL DEFAULT '[]',
		linked_files     TEXT NOT NULL DEFAULT '[]',
		archived         INTEGER NOT NULL DEFAULT 0,
		superseded_by    TEXT,
		content_hash     TEXT NOT NULL DEFAULT '',
		schema_version   INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE events (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id      TEXT NOT NULL,
		recorded_at    TEXT NOT NULL,
		actor_id       TEXT NOT NULL,
		type           TEXT NOT NULL,
		delta          TEXT NOT NULL DEFAULT '{}',
		clock          TEXT NOT NULL DEFAULT '{}',
		schema_version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX idx_events_memory ON events(memory_id, seq);
	CREATE INDEX idx_events_recorded ON events(recorded_at);
	CREATE TABLE snapshots (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id        TEXT NOT NULL,
		snapshot_at      TEXT NOT NULL,
		seq_at           INTEGER NOT NULL,
		compressed_state BLOB NOT NULL,
		schema_version   INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX idx_snapshots_memory ON snapshots(memory_id, seq_at);
	CREATE TABLE provenance_hops (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id        TEXT NOT NULL,
		agent_id         TEXT NOT NULL,
		action           TEXT NOT NULL,
		timestamp        TEXT NOT NULL,
		confidence_delta REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_provenance_memory ON provenance_hops(memory_id, id);
	CREATE TABLE agent_clocks (
		agent_id TEXT PRIMARY KEY,
		clock    TEXT NOT NULL DEFAULT '{}'
	);
	CREATE TABLE trust_scores (
		agent_id     TEXT NOT NULL,
		peer_id      TEXT NOT NULL,
		validated    INTEGER NOT NULL DEFAULT 0,
		useful       INTEGER NOT NULL DEFAULT 0,
		contradicted INTEGER NOT NULL DEFAULT 0,
		total        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (agent_id, peer_id)
	);
	`,
}

// migrate applies the chain above, taking one auto-backup per upgrade of an
// on-disk database. |path| is empty for in-memory stores.
func migrate(ctx context.Context, db *sql.DB, path string) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("store version %d is newer than this build supports (%d)", version, len(migrations))
	}

	for ; version < len(migrations); version++ {
		if path != "" {
			if err := backupFile(path, version); err != nil {
				return fmt.Errorf("backing up before migration %d: %w", version+1, err)
			}
		}

		var txn, err = db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version+1, err)
		}
		if _, err = txn.ExecContext(ctx, migrations[version]); err != nil {
			txn.Rollback()
			return fmt.Errorf("applying migration %d: %w", version+1, err)
		}
		// PRAGMA cannot be parameterized.
		if _, err = txn.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, version+1)); err != nil {
			txn.Rollback()
			return fmt.Errorf("bumping user_version to %d: %w", version+1, err)
		}
		if err = txn.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version+1, err)
		}

		log.WithFields(log.Fields{"version": version + 1}).Info("applied store migration")
	}
	return nil
}
