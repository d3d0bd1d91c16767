package graph

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mattepiu/drift/go/store"
)

// ReachOptions filter a reachability traversal.
type ReachOptions struct {
	MaxDepth      int // 0 means unbounded.
	SensitiveOnly bool
	Tables        []string
}

// ReachableAccess is one data access discovered along a forward traversal.
type ReachableAccess struct {
	Access AccessRow
	Path   []string // Function names from the source to the accessor.
	Depth  int
}

// ReachabilityResult is the outcome of a forward traversal.
type ReachabilityResult struct {
	Source   string
	Accesses []ReachableAccess
	Partial  bool // Set when the traversal was cancelled mid-flight.
}

// EntryPath is one entry point reaching the target of an inverse query.
type EntryPath struct {
	EntryPoint string   // Route when registered, else the function name.
	Function   string   // Entry function id.
	Path       []string // Via, function names, and the access method.
}

// InverseResult is the outcome of an inverse traversal.
type InverseResult struct {
	Table   string
	Field   string
	Entries []EntryPath
	Partial bool
}

// Engine answers adjacency queries for traversals. The in-memory and
// store-backed engines return identical result sets for any graph both can
// hold; only their cost profiles differ.
type Engine interface {
	FunctionByID(ctx context.Context, id string) (*FunctionRow, error)
	FunctionAt(ctx context.Context, file string, line int) (*FunctionRow, error)
	Callees(ctx context.Context, id string) ([]EdgeRow, error)
	Callers(ctx context.Context, id string) ([]EdgeRow, error)
	Accesses(ctx context.Context, id string) ([]AccessRow, error)
	Accessors(ctx context.Context, table, field string) ([]AccessRow, error)
}

// --- In-memory engine ---

// MemEngine holds the whole graph in maps; right for small graphs and tests.
type MemEngine struct {
	functions map[string]FunctionRow
	byFile    map[string][]FunctionRow
	callees   map[string][]EdgeRow
	callers   map[string][]EdgeRow
	accesses  map[string][]AccessRow
}

// LoadMemEngine reads the full graph from the store.
func LoadMemEngine(ctx context.Context, st *store.Store) (*MemEngine, error) {
	var m = &MemEngine{
		functions: map[string]FunctionRow{},
		byFile:    map[string][]FunctionRow{},
		callees:   map[string][]EdgeRow{},
		callers:   map[string][]EdgeRow{},
		accesses:  map[string][]AccessRow{},
	}

	var fns, err = loadFunctions(ctx, st.Read(), `ORDER BY file, start_line`)
	if err != nil {
		return nil, err
	}
	for _, f := range fns {
		m.functions[f.ID] = f
		m.byFile[f.File] = append(m.byFile[f.File], f)
	}

	edges, err := loadEdges(ctx, st.Read(), `WHERE callee_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		m.callees[e.CallerID] = append(m.callees[e.CallerID], e)
		m.callers[e.CalleeID] = append(m.callers[e.CalleeID], e)
	}
	for id := range m.callees {
		sortEdges(m.callees[id])
	}
	for id := range m.callers {
		sortEdges(m.callers[id])
	}

	accesses, err := loadAccessRows(ctx, st.Read(), `ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for _, a := range accesses {
		m.accesses[a.FunctionID] = append(m.accesses[a.FunctionID], a)
	}
	return m, nil
}

// sortEdges fixes the deterministic visit order: callee name, then line.
func sortEdges(edges []EdgeRow) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].CalleeName != edges[j].CalleeName {
			return edges[i].CalleeName < edges[j].CalleeName
		}
		return edges[i].Line < edges[j].Line
	})
}

func (m *MemEngine) FunctionByID(_ context.Context, id string) (*FunctionRow, error) {
	if f, ok := m.functions[id]; ok {
		return &f, nil
	}
	return nil, nil
}

func (m *MemEngine) FunctionAt(_ context.Context, file string, line int) (*FunctionRow, error) {
	var best *FunctionRow
	for _, f := range m.byFile[file] {
		f := f
		if f.StartLine <= line && line <= f.EndLine {
			if best == nil || (f.EndLine-f.StartLine) < (best.EndLine-best.StartLine) {
				best = &f
			}
		}
	}
	return best, nil
}

func (m *MemEngine) Callees(_ context.Context, id string) ([]EdgeRow, error) {
	return m.callees[id], nil
}

func (m *MemEngine) Callers(_ context.Context, id string) ([]EdgeRow, error) {
	return m.callers[id], nil
}

func (m *MemEngine) Accesses(_ context.Context, id string) ([]AccessRow, error) {
	return m.accesses[id], nil
}

func (m *MemEngine) Accessors(_ context.Context, table, field string) ([]AccessRow, error) {
	var out []AccessRow
	var ids []string
	for id := range m.accesses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, a := range m.accesses[id] {
			if accessMatches(a, table, field) {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// --- Store-backed engine ---

// StoreEngine issues indexed queries per frontier, with a small LRU over
// adjacency lists so revisited hubs do not requery.
type StoreEngine struct {
	st          *store.Store
	calleeCache *lru.Cache[string, []EdgeRow]
	callerCache *lru.Cache[string, []EdgeRow]
}

// NewStoreEngine builds a store-backed engine.
func NewStoreEngine(st *store.Store) (*StoreEngine, error) {
	var calleeCache, err = lru.New[string, []EdgeRow](4096)
	if err != nil {
		return nil, err
	}
	callerCache, err := lru.New[string, []EdgeRow](4096)
	if err != nil {
		return nil, err
	}
	return &StoreEngine{st: st, calleeCache: calleeCache, callerCache: callerCache}, nil
}

func (s *StoreEngine) FunctionByID(ctx context.Context, id string) (*FunctionRow, error) {
	var fns, err = loadFunctions(ctx, s.st.Read(), `WHERE id = ?`, id)
	if err != nil || len(fns) == 0 {
		return nil, err
	}
	return &fns[0], nil
}

func (s *StoreEngine) FunctionAt(ctx context.Context, file string, line int) (*FunctionRow, error) {
	var fns, err = loadFunctions(ctx, s.st.Read(),
		`WHERE file = ? AND start_line <= ? AND end_line >= ?
		 ORDER BY (end_line - start_line) ASC LIMIT 1`, file, line, line)
	if err != nil || len(fns) == 0 {
		return nil, err
	}
	return &fns[0], nil
}

func (s *StoreEngine) Callees(ctx context.Context, id string) ([]EdgeRow, error) {
	if edges, ok := s.calleeCache.Get(id); ok {
		return edges, nil
	}
	var edges, err = loadEdges(ctx, s.st.Read(),
		`WHERE caller_id = ? AND callee_id IS NOT NULL ORDER BY callee_name, line`, id)
	if err != nil {
		return nil, err
	}
	s.calleeCache.Add(id, edges)
	return edges, nil
}

func (s *StoreEngine) Callers(ctx context.Context, id string) ([]EdgeRow, error) {
	if edges, ok := s.callerCache.Get(id); ok {
		return edges, nil
	}
	var edges, err = loadEdges(ctx, s.st.Read(),
		`WHERE callee_id = ? ORDER BY callee_name, line`, id)
	if err != nil {
		return nil, err
	}
	s.callerCache.Add(id, edges)
	return edges, nil
}

func (s *StoreEngine) Accesses(ctx context.Context, id string) ([]AccessRow, error) {
	return loadAccessRows(ctx, s.st.Read(), `WHERE function_id = ? ORDER BY id`, id)
}

func (s *StoreEngine) Accessors(ctx context.Context, table, field string) ([]AccessRow, error) {
	var all, err = loadAccessRows(ctx, s.st.Read(), `WHERE table_name = ? ORDER BY id`, table)
	if err != nil {
		return nil, err
	}
	var out []AccessRow
	for _, a := range all {
		if accessMatches(a, table, field) {
			out = append(out, a)
		}
	}
	return out, nil
}

func accessMatches(a AccessRow, table, field string) bool {
	if a.Table != table {
		return false
	}
	if field == "" {
		return true
	}
	for _, f := range a.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// --- Traversals ---

type frontierItem struct {
	id    string
	path  []string
	depth int
}

// Forward walks call edges out of the function identified by |functionID|,
// collecting data accesses at every visited function.
// Cancellation is checked at each frontier expansion and yields a partial
// result, never a corrupt one.
func Forward(ctx context.Context, eng Engine, functionID string, opts ReachOptions) (*ReachabilityResult, error) {
	var start, err = eng.FunctionByID(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, fmt.Errorf("function %q not found", functionID)
	}

	var result = &ReachabilityResult{Source: start.ID}
	var visited = map[string]bool{start.ID: true}
	var frontier = []frontierItem{{id: start.ID, path: []string{start.Name}, depth: 0}}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			result.Partial = true
			return result, nil
		}

		var item = frontier[0]
		frontier = frontier[1:]

		accesses, err := eng.Accesses(ctx, item.id)
		if err != nil {
			return nil, err
		}
		for _, a := range accesses {
			if !filterAccess(a, opts) {
				continue
			}
			result.Accesses = append(result.Accesses, ReachableAccess{
				Access: a,
				Path:   append(append([]string{}, item.path...), a.Method),
				Depth:  item.depth,
			})
		}

		if opts.MaxDepth > 0 && item.depth >= opts.MaxDepth {
			continue
		}
		edges, err := eng.Callees(ctx, item.id)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.CalleeID] {
				continue
			}
			visited[e.CalleeID] = true
			var callee, err = eng.FunctionByID(ctx, e.CalleeID)
			if err != nil {
				return nil, err
			}
			if callee == nil {
				continue
			}
			frontier = append(frontier, frontierItem{
				id:    e.CalleeID,
				path:  append(append([]string{}, item.path...), callee.Name),
				depth: item.depth + 1,
			})
		}
	}
	return result, nil
}

// ForwardAt locates the function containing (file, line) first.
func ForwardAt(ctx context.Context, eng Engine, file string, line int, opts ReachOptions) (*ReachabilityResult, error) {
	var fn, err = eng.FunctionAt(ctx, file, line)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("no function contains %s:%d", file, line)
	}
	return Forward(ctx, eng, fn.ID, opts)
}

// Inverse finds every entry point reaching a data access on {table, field},
// with the full path from entry to access.
func Inverse(ctx context.Context, eng Engine, table, field string, opts ReachOptions) (*InverseResult, error) {
	var result = &InverseResult{Table: table, Field: field}

	var accessors, err = eng.Accessors(ctx, table, field)
	if err != nil {
		return nil, err
	}

	// Deduplicate accessor functions, keeping the first access per function
	// for path rendering.
	var accessOf = map[string]AccessRow{}
	var seeds []string
	for _, a := range accessors {
		if _, ok := accessOf[a.FunctionID]; !ok {
			accessOf[a.FunctionID] = a
			seeds = append(seeds, a.FunctionID)
		}
	}
	sort.Strings(seeds)

	for _, seed := range seeds {
		var access = accessOf[seed]
		if !filterAccess(access, opts) {
			continue
		}

		var visited = map[string]bool{seed: true}
		var fn, err = eng.FunctionByID(ctx, seed)
		if err != nil {
			return nil, err
		}
		if fn == nil {
			continue
		}
		// Paths are accumulated entry-first by prepending while walking up.
		var frontier = []frontierItem{{id: seed, path: []string{fn.Name, access.Method}, depth: 0}}

		for len(frontier) > 0 {
			if ctx.Err() != nil {
				result.Partial = true
				return result, nil
			}
			var item = frontier[0]
			frontier = frontier[1:]

			cur, err := eng.FunctionByID(ctx, item.id)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				continue
			}
			if cur.IsEntryPoint {
				result.Entries = append(result.Entries, entryPath(cur, item.path))
			}
			if opts.MaxDepth > 0 && item.depth >= opts.MaxDepth {
				continue
			}

			edges, err := eng.Callers(ctx, item.id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if visited[e.CallerID] {
					continue
				}
				visited[e.CallerID] = true
				caller, err := eng.FunctionByID(ctx, e.CallerID)
				if err != nil {
					return nil, err
				}
				if caller == nil {
					continue
				}
				frontier = append(frontier, frontierItem{
					id:    e.CallerID,
					path:  append([]string{caller.Name}, item.path...),
					depth: item.depth + 1,
				})
			}
		}
	}

	sort.Slice(result.Entries, func(i, j int) bool {
		if result.Entries[i].EntryPoint != result.Entries[j].EntryPoint {
			return result.Entries[i].EntryPoint < result.Entries[j].EntryPoint
		}
		return result.Entries[i].Function < result.Entries[j].Function
	})
	return result, nil
}

// entryPath renders the discovered path, prefixing the registration callee
// (e.g. "route") when the entry came from a route registration.
func entryPath(entry *FunctionRow, path []string) EntryPath {
	var out = EntryPath{Function: entry.ID}
	if entry.EntryRoute != "" {
		out.EntryPoint = entry.EntryRoute
	} else {
		out.EntryPoint = entry.Name
	}
	if entry.EntryVia != "" {
		out.Path = append([]string{entry.EntryVia}, path...)
	} else {
		out.Path = path
	}
	return out
}

func filterAccess(a AccessRow, opts ReachOptions) bool {
	if opts.SensitiveOnly && !accessIsSensitive(a) {
		return false
	}
	if len(opts.Tables) > 0 {
		var ok = false
		for _, t := range opts.Tables {
			if a.Table == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
