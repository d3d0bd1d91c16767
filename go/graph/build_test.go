package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattepiu/drift/go/store"
)

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	var root = t.TempDir()
	for path, content := range files {
		var abs = filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return root
}

// twoFileProject is the shared fixture: file A accesses users, file B
// registers the route entry for A's handler.
func twoFileProject(t *testing.T) string {
	return writeProject(t, map[string]string{
		"a.js": `export function handle(x) {
  return db.users.select(x);
}
`,
		"b.js": `import { handle } from './a';

route('/u', handle);
`,
	})
}

func buildAndResolve(t *testing.T, root string) *store.Store {
	t.Helper()
	var ctx = context.Background()
	var st, err = store.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = Build(ctx, st, root, BuildOptions{BatchSize: 2})
	require.NoError(t, err)
	_, err = Resolve(ctx, st, ResolveOptions{EnableFuzzy: true})
	require.NoError(t, err)
	return st
}

func TestBuildIngestsFilesAtomically(t *testing.T) {
	var ctx = context.Background()
	var root = twoFileProject(t)
	var st, err = store.OpenInMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	report, err := Build(ctx, st, root, BuildOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, 2, report.FilesScanned)
	require.Equal(t, 2, report.FilesIngested)
	require.Zero(t, report.ParseErrors)
	require.Equal(t, 2, report.Batches)

	// Build consistency: every function's edges landed with it.
	var orphans int
	require.NoError(t, st.Read().QueryRow(
		`SELECT COUNT(*) FROM call_edges e LEFT JOIN functions f ON e.caller_id = f.id
		  WHERE f.id IS NULL`).Scan(&orphans))
	require.Zero(t, orphans)

	var functions int
	require.NoError(t, st.Read().QueryRow(`SELECT COUNT(*) FROM functions`).Scan(&functions))
	require.NotZero(t, functions)
}

func TestRebuildSkipsUnchangedFiles(t *testing.T) {
	var ctx = context.Background()
	var root = twoFileProject(t)
	var st, err = store.OpenInMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	_, err = Build(ctx, st, root, BuildOptions{})
	require.NoError(t, err)

	report, err := Build(ctx, st, root, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, report.FilesUnchanged)
	require.Zero(t, report.FilesIngested)
}

func TestRebuildSupersedesChangedFile(t *testing.T) {
	var ctx = context.Background()
	var root = twoFileProject(t)
	var st, err = store.OpenInMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	_, err = Build(ctx, st, root, BuildOptions{})
	require.NoError(t, err)
	_, err = Resolve(ctx, st, ResolveOptions{})
	require.NoError(t, err)

	// Rewrite a.js: handle is renamed, so b.js's resolved edge must be
	// downgraded to unresolved rather than deleted.
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.js"),
		[]byte("export function handleUser(x) {\n  return db.users.select(x);\n}\n"), 0o644))

	_, err = Build(ctx, st, root, BuildOptions{})
	require.NoError(t, err)

	var edges, err2 = loadEdges(ctx, st.Read(), `WHERE callee_name = 'handle'`)
	require.NoError(t, err2)
	require.NotEmpty(t, edges)
	for _, e := range edges {
		require.Empty(t, e.CalleeID, "edge into the superseded file is unresolved, not deleted")
	}
}

func TestBuildRecordsCleanFileWithoutParseError(t *testing.T) {
	var ctx = context.Background()
	var root = writeProject(t, map[string]string{
		"ok.js": "function fine() {}\n",
	})
	var st, err = store.OpenInMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	report, err := Build(ctx, st, root, BuildOptions{})
	require.NoError(t, err)
	require.Zero(t, report.ParseErrors)

	var count int
	require.NoError(t, st.Read().QueryRow(`SELECT COUNT(*) FROM files WHERE parse_error = 0`).Scan(&count))
	require.Equal(t, 1, count)
}
