package graph

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	edlib "github.com/hbollon/go-edlib"
	log "github.com/sirupsen/logrus"

	"github.com/mattepiu/drift/go/store"
)

// ResolveOptions configure the cross-file resolution pass.
type ResolveOptions struct {
	EnableFuzzy bool
	// FuzzyThreshold is the Jaro-Winkler floor for the fuzzy tier.
	FuzzyThreshold float64
}

// ResolveReport summarizes one resolution pass.
type ResolveReport struct {
	Examined   int
	Resolved   int
	Ambiguous  int
	Unresolved int
	ByStrategy map[string]int
	Elapsed    time.Duration
}

// Strategy confidences, in application order.
const (
	confSameFile = 1.0
	confMethod   = 0.9
	confDI       = 0.85
	confImport   = 0.8
	confExport   = 0.7
	confFuzzyMax = 0.5
)

// diModules are DI container primitives whose import marks a file as
// participating in injection wiring.
var diModules = map[string]bool{
	"inversify": true, "tsyringe": true, "@nestjs/common": true,
	"injector": true, "dependency_injector": true,
	"github.com/google/wire": true, "go.uber.org/dig": true, "go.uber.org/fx": true,
}

// resolveIndex is the in-memory index built once per pass and released.
type resolveIndex struct {
	functions map[string]FunctionRow   // id → function
	byFile    map[string][]FunctionRow // file → functions
	byName    map[string][]FunctionRow // bare name → functions
	byQual    map[string][]FunctionRow // qualified name → functions
	exports   map[string][]exportRow   // symbol → exports
	imports   map[string][]importRow   // file → imports
	diFiles   map[string]bool          // files importing a DI primitive
}

type exportRow struct {
	File       string
	Symbol     string
	FunctionID string
}

type importRow struct {
	Module  string
	Symbols []string
	Alias   string
}

type edgeAssignment struct {
	edgeID     int64
	calleeID   string
	confidence float64
	strategy   string
	candidates []string // Non-empty marks an ambiguity.
}

// Resolve runs the single cross-file pass rewriting name references to id
// references. It is idempotent: edges already resolved or marked
// unresolvable are not revisited, and re-running on an unchanged store
// produces identical rows.
func Resolve(ctx context.Context, st *store.Store, opts ResolveOptions) (*ResolveReport, error) {
	var started = time.Now()
	if opts.FuzzyThreshold == 0 {
		opts.FuzzyThreshold = 0.9
	}

	var idx, err = buildIndex(ctx, st.Read())
	if err != nil {
		return nil, fmt.Errorf("building resolution index: %w", err)
	}

	var pending, err2 = loadEdges(ctx, st.Read(), `WHERE callee_id IS NULL AND unresolvable = 0 ORDER BY id`)
	if err2 != nil {
		return nil, fmt.Errorf("loading unresolved edges: %w", err2)
	}

	var report = &ResolveReport{Examined: len(pending), ByStrategy: map[string]int{}}
	var assignments []edgeAssignment

	for _, e := range pending {
		var caller, ok = idx.functions[e.CallerID]
		if !ok {
			continue
		}
		var a = idx.resolveEdge(e, caller, opts)
		a.edgeID = e.ID
		assignments = append(assignments, a)

		switch {
		case len(a.candidates) > 0:
			report.Ambiguous++
		case a.calleeID != "":
			report.Resolved++
			report.ByStrategy[a.strategy]++
		default:
			report.Unresolved++
		}
	}

	// One transaction rewrites every edge; readers during the pass observe
	// the consistent pre-resolve state.
	err = st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		for _, a := range assignments {
			if a.calleeID != "" {
				if _, err := txn.Exec(
					`UPDATE call_edges SET callee_id = ?, confidence = ? WHERE id = ?`,
					a.calleeID, a.confidence, a.edgeID); err != nil {
					return fmt.Errorf("resolving edge %d: %w", a.edgeID, err)
				}
				continue
			}
			// Permanently unresolved, with or without recorded candidates.
			if _, err := txn.Exec(
				`UPDATE call_edges SET unresolvable = 1 WHERE id = ?`, a.edgeID); err != nil {
				return fmt.Errorf("marking edge %d: %w", a.edgeID, err)
			}
			if len(a.candidates) > 0 {
				var cands, err = store.JSONColumn(a.candidates)
				if err != nil {
					return err
				}
				if _, err = txn.Exec(
					`INSERT INTO resolution_ambiguities (edge_id, strategy, candidates) VALUES (?, ?, ?)`,
					a.edgeID, a.strategy, cands); err != nil {
					return fmt.Errorf("recording ambiguity for edge %d: %w", a.edgeID, err)
				}
			}
		}
		return applyEntryRegistrations(txn, idx)
	})
	if err != nil {
		return nil, err
	}

	report.Elapsed = time.Since(started)
	log.WithFields(log.Fields{
		"examined":   report.Examined,
		"resolved":   report.Resolved,
		"ambiguous":  report.Ambiguous,
		"unresolved": report.Unresolved,
		"elapsed":    report.Elapsed,
	}).Info("resolve complete")
	return report, nil
}

// resolveEdge applies the six strategies in order, stopping at the first
// success. Several candidates from the same-file, method, or import strategy
// stop the chain with a recorded ambiguity; several DI hits fall through to
// the next strategy, and several export hits are tie-broken by nearest
// directory, then alphabetically.
func (idx *resolveIndex) resolveEdge(e EdgeRow, caller FunctionRow, opts ResolveOptions) edgeAssignment {
	// 1. Same-file lookup.
	if fns := matching(idx.byFile[caller.File], e.CalleeName); len(fns) == 1 {
		return edgeAssignment{calleeID: fns[0].ID, confidence: confSameFile, strategy: "same_file"}
	} else if len(fns) > 1 {
		return edgeAssignment{strategy: "same_file", candidates: ids(fns)}
	}

	// 2. Method resolution on a known receiver type.
	if e.Receiver != "" {
		if fns := idx.byQual[e.Receiver+"."+e.CalleeName]; len(fns) == 1 {
			return edgeAssignment{calleeID: fns[0].ID, confidence: confMethod, strategy: "method"}
		} else if len(fns) > 1 {
			return edgeAssignment{strategy: "method", candidates: ids(fns)}
		}
	}

	// 3. DI injection.
	if e.Kind == "di" || idx.diFiles[caller.File] {
		var hits []exportRow
		for _, exp := range idx.exports[e.CalleeName] {
			hits = append(hits, exp)
		}
		for symbol, exps := range idx.exports {
			if strings.HasSuffix(symbol, "."+e.CalleeName) {
				hits = append(hits, exps...)
			}
		}
		if len(hits) == 1 {
			return edgeAssignment{calleeID: hits[0].FunctionID, confidence: confDI, strategy: "di"}
		}
	}

	// 4. Import-based.
	var importedFiles = idx.importedFiles(caller.File)
	if len(importedFiles) > 0 {
		var hits []exportRow
		for _, exp := range idx.exportsOf(e.CalleeName) {
			if importedFiles[exp.File] {
				hits = append(hits, exp)
			}
		}
		if len(hits) == 1 {
			return edgeAssignment{calleeID: hits[0].FunctionID, confidence: confImport, strategy: "import"}
		} else if len(hits) > 1 {
			return edgeAssignment{strategy: "import", candidates: exportIDs(hits)}
		}
	}

	// 5. Export match anywhere, tie-broken by nearest directory then
	// alphabetical.
	if hits := idx.exportsOf(e.CalleeName); len(hits) > 0 {
		var chosen = hits[0]
		if len(hits) > 1 {
			sort.Slice(hits, func(i, j int) bool {
				var di = dirDistance(caller.File, hits[i].File)
				var dj = dirDistance(caller.File, hits[j].File)
				if di != dj {
					return di < dj
				}
				return hits[i].File < hits[j].File
			})
			chosen = hits[0]
		}
		return edgeAssignment{calleeID: chosen.FunctionID, confidence: confExport, strategy: "export"}
	}

	// 6. Fuzzy name similarity against functions in imported files.
	if opts.EnableFuzzy {
		var best FunctionRow
		var bestSim float64
		for file := range idx.importedFiles(caller.File) {
			for _, fn := range idx.byFile[file] {
				var sim = float64(edlib.JaroWinklerSimilarity(e.CalleeName, fn.Name))
				if sim >= opts.FuzzyThreshold && sim > bestSim {
					best, bestSim = fn, sim
				}
			}
		}
		if bestSim > 0 {
			return edgeAssignment{calleeID: best.ID, confidence: confFuzzyMax * bestSim, strategy: "fuzzy"}
		}
	}

	return edgeAssignment{}
}

// matching selects functions in scope whose bare name, qualified name, or
// constructor resolves |name|.
func matching(fns []FunctionRow, name string) []FunctionRow {
	var out []FunctionRow
	for _, f := range fns {
		if f.Name == name || f.QualifiedName == name || f.QualifiedName == name+".constructor" {
			out = append(out, f)
		}
	}
	return out
}

func (idx *resolveIndex) exportsOf(name string) []exportRow {
	var out = append([]exportRow{}, idx.exports[name]...)
	// `new Class(...)` resolves through the class constructor export.
	out = append(out, idx.exports[name+".constructor"]...)
	return out
}

// importedFiles maps the caller file's imports to files in the store whose
// path matches the imported module.
func (idx *resolveIndex) importedFiles(file string) map[string]bool {
	var out = map[string]bool{}
	for _, imp := range idx.imports[file] {
		var module = strings.TrimPrefix(imp.Module, "./")
		module = strings.TrimPrefix(module, "../")
		if module == "" {
			continue
		}
		for f := range idx.byFile {
			var trimmed = strings.TrimSuffix(f, path.Ext(f))
			if trimmed == module || strings.HasSuffix(trimmed, "/"+module) {
				out[f] = true
			}
		}
	}
	return out
}

// dirDistance counts the path components by which two files' directories
// diverge; lower is nearer.
func dirDistance(a, b string) int {
	var da = strings.Split(path.Dir(a), "/")
	var db = strings.Split(path.Dir(b), "/")
	var common = 0
	for common < len(da) && common < len(db) && da[common] == db[common] {
		common++
	}
	return (len(da) - common) + (len(db) - common)
}

func ids(fns []FunctionRow) []string {
	var out = make([]string, len(fns))
	for i, f := range fns {
		out[i] = f.ID
	}
	sort.Strings(out)
	return out
}

func exportIDs(exps []exportRow) []string {
	var out = make([]string, len(exps))
	for i, e := range exps {
		out[i] = e.FunctionID
	}
	sort.Strings(out)
	return out
}

func buildIndex(ctx context.Context, db *sql.DB) (*resolveIndex, error) {
	var idx = &resolveIndex{
		functions: map[string]FunctionRow{},
		byFile:    map[string][]FunctionRow{},
		byName:    map[string][]FunctionRow{},
		byQual:    map[string][]FunctionRow{},
		exports:   map[string][]exportRow{},
		imports:   map[string][]importRow{},
		diFiles:   map[string]bool{},
	}

	var fns, err = loadFunctions(ctx, db, `ORDER BY file, start_line`)
	if err != nil {
		return nil, err
	}
	for _, f := range fns {
		idx.functions[f.ID] = f
		idx.byFile[f.File] = append(idx.byFile[f.File], f)
		idx.byName[f.Name] = append(idx.byName[f.Name], f)
		if f.QualifiedName != "" {
			idx.byQual[f.QualifiedName] = append(idx.byQual[f.QualifiedName], f)
		}
	}

	if err = store.LoadRows(db,
		`SELECT file, symbol, function_id FROM exports ORDER BY file, symbol`, nil,
		func() []interface{} { return []interface{}{new(string), new(string), new(string)} },
		func(l []interface{}) {
			var e = exportRow{File: *l[0].(*string), Symbol: *l[1].(*string), FunctionID: *l[2].(*string)}
			idx.exports[e.Symbol] = append(idx.exports[e.Symbol], e)
		},
	); err != nil {
		return nil, err
	}

	if err = store.LoadRows(db,
		`SELECT file, module, symbols, COALESCE(alias, '') FROM imports ORDER BY rowid`, nil,
		func() []interface{} {
			return []interface{}{new(string), new(string), new(string), new(string)}
		},
		func(l []interface{}) {
			var file = *l[0].(*string)
			var imp = importRow{Module: *l[1].(*string), Alias: *l[3].(*string)}
			store.ScanJSON(*l[2].(*string), &imp.Symbols)
			idx.imports[file] = append(idx.imports[file], imp)
			if diModules[imp.Module] {
				idx.diFiles[file] = true
			}
		},
	); err != nil {
		return nil, err
	}

	return idx, nil
}

// applyEntryRegistrations marks cross-file entry callbacks registered via
// route(...) and friends, resolved through exports.
func applyEntryRegistrations(txn *sql.Tx, idx *resolveIndex) error {
	var rows, err = txn.Query(`SELECT file, route, via, callback FROM entry_registrations ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("loading entry registrations: %w", err)
	}
	defer rows.Close()

	type reg struct{ file, route, via, callback string }
	var regs []reg
	for rows.Next() {
		var r reg
		if err = rows.Scan(&r.file, &r.route, &r.via, &r.callback); err != nil {
			return err
		}
		regs = append(regs, r)
	}
	if err = rows.Err(); err != nil {
		return err
	}

	for _, r := range regs {
		var hits = idx.exportsOf(r.callback)
		if len(hits) != 1 {
			continue
		}
		if _, err = txn.Exec(
			`UPDATE functions SET is_entry_point = 1, entry_route = ?, entry_via = ? WHERE id = ?`,
			r.route, r.via, hits[0].FunctionID); err != nil {
			return fmt.Errorf("marking entry %s: %w", r.callback, err)
		}
	}
	return nil
}
