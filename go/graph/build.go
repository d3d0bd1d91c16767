package graph

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mattepiu/drift/go/extract"
	"github.com/mattepiu/drift/go/ops"
	"github.com/mattepiu/drift/go/scan"
	"github.com/mattepiu/drift/go/store"
)

// BuildOptions configure a streaming build.
type BuildOptions struct {
	Scan      scan.Options
	BatchSize uint32 // Files per committed transaction; default 100.
	Workers   int    // Parse/extract fan-out; default NumCPU.
}

// BuildReport is the outcome of a streaming build.
type BuildReport struct {
	FilesScanned int
	FilesIngested int
	FilesUnchanged int
	ParseErrors  int
	Batches      int
	Skipped      []scan.SkippedFile
	Elapsed      time.Duration
}

// fileResult is one worker's output for one file.
type fileResult struct {
	file     scan.File
	extract  *extract.FileExtract
	entries  []extract.EntryReg
	parseErr error
}

// Build runs the streaming pipeline: scan, then parse+extract fan-out, then
// a single writer which batches FILE_BATCH transactions into the store.
// After every batch commit the store is consistent: a file's functions and
// its calls land atomically.
func Build(ctx context.Context, st *store.Store, root string, opts BuildOptions) (*BuildReport, error) {
	var started = time.Now()
	if opts.BatchSize == 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	var scanned, err = scan.Scan(ctx, root, opts.Scan)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	var report = &BuildReport{FilesScanned: len(scanned.Files), Skipped: scanned.Skipped}
	var results = make(chan fileResult, opts.Workers*2)

	// CPU-bound fan-out: each worker reuses one parser across its files.
	var group, gctx = errgroup.WithContext(ctx)
	var files = make(chan scan.File)

	group.Go(func() error {
		defer close(files)
		for _, f := range scanned.Files {
			select {
			case files <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var workers, wctx = errgroup.WithContext(gctx)
	for i := 0; i < opts.Workers; i++ {
		workers.Go(func() error {
			var parser = sitter.NewParser()
			for f := range files {
				if err := wctx.Err(); err != nil {
					return err
				}
				results <- extractOne(wctx, parser, f)
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	// I/O-bound single owner: accumulate and commit batches.
	var batch []fileResult
	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var b = batch
		batch = nil
		var unchanged int
		if err := st.Writer().Submit(ctx, func(txn *sql.Tx) error {
			var n, err = writeBatch(txn, b)
			unchanged = n
			return err
		}); err != nil {
			return fmt.Errorf("committing batch of %d files: %w", len(b), err)
		}
		report.FilesUnchanged += unchanged
		report.Batches++
		ops.BatchesCommitted.WithLabelValues("cg").Inc()
		return nil
	}

	for r := range results {
		if r.parseErr != nil {
			report.ParseErrors++
			ops.ParseErrors.Inc()
		}
		batch = append(batch, r)
		if len(batch) >= int(opts.BatchSize) {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := workers.Wait(); err != nil {
		return report, err
	}
	if err := group.Wait(); err != nil {
		return report, err
	}
	if err := flush(); err != nil {
		return report, err
	}

	report.FilesIngested = report.FilesScanned - report.FilesUnchanged
	report.Elapsed = time.Since(started)

	log.WithFields(log.Fields{
		"files":       report.FilesScanned,
		"parseErrors": report.ParseErrors,
		"batches":     report.Batches,
		"elapsed":     report.Elapsed,
	}).Info("build complete")
	return report, nil
}

func extractOne(ctx context.Context, parser *sitter.Parser, f scan.File) fileResult {
	var out = fileResult{file: f}

	if extract.TSLanguage(f.Language) == nil {
		// No grammar: the file is recorded but contributes no rows.
		return out
	}

	var tree, err = extract.Parse(ctx, parser, f.Language, f.Content)
	if err != nil {
		out.parseErr = err
		return out
	}
	defer tree.Close()

	fx, entries, err := extract.Extract(f.Path, f.Language, f.Content, tree)
	if err != nil {
		out.parseErr = err
		return out
	}
	out.extract = fx
	out.entries = entries
	return out
}

// writeBatch writes one FILE_BATCH inside a single transaction. Files whose
// content hash is unchanged are skipped; changed files supersede their old
// rows, downgrading inbound edges to unresolved rather than deleting them.
func writeBatch(txn *sql.Tx, batch []fileResult) (unchanged int, _ error) {
	for _, r := range batch {
		var f = r.file

		var existing string
		var err = txn.QueryRow(`SELECT content_hash FROM files WHERE path = ?`, f.Path).Scan(&existing)
		if err == nil && existing == f.ContentHash {
			unchanged++
			continue
		} else if err != nil && err != sql.ErrNoRows {
			return unchanged, fmt.Errorf("checking %s: %w", f.Path, err)
		}

		if err == nil {
			// Superseded: inbound edges survive as unresolved.
			if _, err = txn.Exec(
				`UPDATE call_edges SET callee_id = NULL, confidence = 0, unresolvable = 0
				  WHERE callee_id IN (SELECT id FROM functions WHERE file = ?)`, f.Path); err != nil {
				return unchanged, fmt.Errorf("downgrading edges into %s: %w", f.Path, err)
			}
			if _, err = txn.Exec(`DELETE FROM files WHERE path = ?`, f.Path); err != nil {
				return unchanged, fmt.Errorf("superseding %s: %w", f.Path, err)
			}
		}

		var parseErr = 0
		if r.parseErr != nil {
			parseErr = 1
		}
		if _, err = txn.Exec(
			`INSERT INTO files (path, language, content_hash, scanned_at, parse_error) VALUES (?, ?, ?, ?, ?)`,
			f.Path, string(f.Language), f.ContentHash, f.ScannedAt.Format(store.TimeFormat), parseErr); err != nil {
			return unchanged, fmt.Errorf("inserting file %s: %w", f.Path, err)
		}

		if r.extract == nil {
			continue
		}
		if err = writeExtract(txn, r.extract, r.entries); err != nil {
			return unchanged, fmt.Errorf("writing rows for %s: %w", f.Path, err)
		}
	}
	return unchanged, nil
}

func writeExtract(txn *sql.Tx, fx *extract.FileExtract, entries []extract.EntryReg) error {
	for _, fn := range fx.Functions {
		var entry, accessor = 0, 0
		if fn.IsEntryPoint {
			entry = 1
		}
		if fn.IsDataAccessor {
			accessor = 1
		}
		if _, err := txn.Exec(
			`INSERT INTO functions
			   (id, name, file, start_line, end_line, qualified_name, is_entry_point, is_data_accessor, entry_route, entry_via)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fn.ID, fn.Name, fn.File, fn.StartLine, fn.EndLine, fn.QualifiedName,
			entry, accessor, nullable(fn.EntryRoute), nullable(fn.EntryVia)); err != nil {
			return fmt.Errorf("function %s: %w", fn.ID, err)
		}
	}
	for _, imp := range fx.Imports {
		var symbols, err = store.JSONColumn(imp.Symbols)
		if err != nil {
			return err
		}
		if _, err = txn.Exec(
			`INSERT INTO imports (file, module, symbols, alias) VALUES (?, ?, ?, ?)`,
			fx.Path, imp.Module, symbols, nullable(imp.Alias)); err != nil {
			return fmt.Errorf("import %s: %w", imp.Module, err)
		}
	}
	for _, exp := range fx.Exports {
		if _, err := txn.Exec(
			`INSERT INTO exports (file, symbol, function_id) VALUES (?, ?, ?)`,
			fx.Path, exp.Symbol, exp.FunctionID); err != nil {
			return fmt.Errorf("export %s: %w", exp.Symbol, err)
		}
	}
	for _, call := range fx.Calls {
		if _, err := txn.Exec(
			`INSERT INTO call_edges (caller_id, callee_name, receiver, confidence, line, call_kind)
			 VALUES (?, ?, ?, 0, ?, ?)`,
			call.CallerID, call.CalleeName, nullable(call.Receiver), call.Line, string(call.Kind)); err != nil {
			return fmt.Errorf("edge to %s: %w", call.CalleeName, err)
		}
	}
	for _, a := range fx.Accesses {
		var fields, err = store.JSONColumn(a.Fields)
		if err != nil {
			return err
		}
		if _, err = txn.Exec(
			`INSERT INTO data_accesses (function_id, table_name, operation, method, fields, orm, line, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.FunctionID, a.Table, string(a.Operation), a.Method, fields, a.ORM, a.Line, a.Confidence); err != nil {
			return fmt.Errorf("access on %s: %w", a.Table, err)
		}
	}
	for _, reg := range entries {
		if _, err := txn.Exec(
			`INSERT INTO entry_registrations (file, route, via, callback, line) VALUES (?, ?, ?, ?, ?)`,
			fx.Path, reg.Route, reg.Via, reg.Callback, reg.Line); err != nil {
			return fmt.Errorf("entry registration %s: %w", reg.Route, err)
		}
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
