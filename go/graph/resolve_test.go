package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveImportBased(t *testing.T) {
	var ctx = context.Background()
	var st = buildAndResolve(t, twoFileProject(t))

	// b.js's reference to handle resolves through its import of ./a.
	var edges, err = loadEdges(ctx, st.Read(), `WHERE callee_name = 'handle'`)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.NotEmpty(t, edges[0].CalleeID)
	require.InDelta(t, 0.8, edges[0].Confidence, 1e-9)

	// The registered callback became the '/u' entry point.
	var fns, err2 = loadFunctions(ctx, st.Read(), `WHERE name = 'handle'`)
	require.NoError(t, err2)
	require.Len(t, fns, 1)
	require.True(t, fns[0].IsEntryPoint)
	require.Equal(t, "/u", fns[0].EntryRoute)
	require.Equal(t, "route", fns[0].EntryVia)
}

func TestResolveMethodViaReceiver(t *testing.T) {
	var ctx = context.Background()
	var root = writeProject(t, map[string]string{
		"repo.js": `export class Repo {
  constructor() {}
  find() { return 1; }
}
`,
		"use.js": `import { Repo } from './repo';

const r = new Repo();
r.find();
`,
	})
	var st = buildAndResolve(t, root)

	var edges, err = loadEdges(ctx, st.Read(), `WHERE callee_name = 'find'`)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	var e = edges[0]
	require.Equal(t, "method", e.Kind)
	require.InDelta(t, 0.9, e.Confidence, 1e-9)

	fns, err := loadFunctions(ctx, st.Read(), `WHERE qualified_name = 'Repo.find'`)
	require.NoError(t, err)
	require.Len(t, fns, 1)
	require.Equal(t, fns[0].ID, e.CalleeID)
}

func TestResolveSameFileWinsOverExport(t *testing.T) {
	var ctx = context.Background()
	var root = writeProject(t, map[string]string{
		"a.js": `export function helper() { return 1; }

function caller() { helper(); }
`,
		"b.js": `export function helper() { return 2; }
`,
	})
	var st = buildAndResolve(t, root)

	var fns, err = loadFunctions(ctx, st.Read(), `WHERE file = 'a.js' AND name = 'helper'`)
	require.NoError(t, err)
	require.Len(t, fns, 1)

	edges, err := loadEdges(ctx, st.Read(), `WHERE callee_name = 'helper'`)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, fns[0].ID, edges[0].CalleeID)
	require.InDelta(t, 1.0, edges[0].Confidence, 1e-9)
}

func TestResolveExportTieBreakNearestDirectory(t *testing.T) {
	var ctx = context.Background()
	var root = writeProject(t, map[string]string{
		"svc/caller.js": `shared();`,
		"svc/util.js":   `export function shared() { return 1; }`,
		"far/util.js":   `export function shared() { return 2; }`,
	})
	var st = buildAndResolve(t, root)

	var edges, err = loadEdges(ctx, st.Read(), `WHERE callee_name = 'shared'`)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.InDelta(t, 0.7, edges[0].Confidence, 1e-9)

	fns, err := loadFunctions(ctx, st.Read(), `WHERE file = 'svc/util.js'`)
	require.NoError(t, err)
	require.Len(t, fns, 1)
	require.Equal(t, fns[0].ID, edges[0].CalleeID, "nearest directory wins the tie-break")
}

func TestResolveIsIdempotent(t *testing.T) {
	var ctx = context.Background()
	var st = buildAndResolve(t, twoFileProject(t))

	var before, err = loadEdges(ctx, st.Read(), `ORDER BY id`)
	require.NoError(t, err)

	_, err = Resolve(ctx, st, ResolveOptions{EnableFuzzy: true})
	require.NoError(t, err)

	after, err := loadEdges(ctx, st.Read(), `ORDER BY id`)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestResolveLeavesUnknownUnresolved(t *testing.T) {
	var ctx = context.Background()
	var root = writeProject(t, map[string]string{
		"a.js": `function f() { totallyUnknownCallee(); }`,
	})
	var st = buildAndResolve(t, root)

	var edges, err = loadEdges(ctx, st.Read(), `WHERE callee_name = 'totallyUnknownCallee'`)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Empty(t, edges[0].CalleeID)
	require.True(t, edges[0].Unresolvable, "exhausted edges are marked permanently unresolved")
}

func TestResolveFuzzyTier(t *testing.T) {
	var ctx = context.Background()
	var root = writeProject(t, map[string]string{
		"lib.js": `export function fetchAccounts() { return 1; }`,
		"use.js": `import { fetchAccounts } from './lib';

fetchAccount();
`,
	})

	var st = buildAndResolve(t, root)

	var edges, err = loadEdges(ctx, st.Read(), `WHERE callee_name = 'fetchAccount'`)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.NotEmpty(t, edges[0].CalleeID, "near-identical name resolves fuzzily")
	require.LessOrEqual(t, edges[0].Confidence, 0.5)
	require.Greater(t, edges[0].Confidence, 0.4)
}
