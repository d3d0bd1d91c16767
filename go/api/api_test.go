package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattepiu/drift/go/config"
	"github.com/mattepiu/drift/go/graph"
	"github.com/mattepiu/drift/go/pattern"
	"github.com/mattepiu/drift/go/temporal"
)

func openCore(t *testing.T, files map[string]string) *Core {
	t.Helper()
	var root = t.TempDir()
	for path, content := range files {
		var abs = filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}

	var cfg = config.Defaults()
	cfg.ProjectRoot = root

	var core, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })
	return core
}

func TestEndToEndBuildResolveQuery(t *testing.T) {
	var ctx = context.Background()
	var core = openCore(t, map[string]string{
		"a.js": `export function handle(x) {
  return db.users.select(x);
}
`,
		"b.js": `import { handle } from './a';

route('/u', handle);
`,
	})

	var build, err = core.BuildCallgraph(ctx, graph.BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, build.FilesScanned)

	_, err = core.ResolveCallgraph(ctx)
	require.NoError(t, err)

	inverse, err := core.ReachabilityInverse(ctx, "users", "", ReachOptions{})
	require.NoError(t, err)
	require.Len(t, inverse.Entries, 1)
	require.Equal(t, "/u", inverse.Entries[0].EntryPoint)
	require.Equal(t, []string{"route", "handle", "select"}, inverse.Entries[0].Path)
}

func TestWorkspaceLockSerializesOpens(t *testing.T) {
	var root = t.TempDir()
	var cfg = config.Defaults()
	cfg.ProjectRoot = root

	var core, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	defer core.Close()

	var _, err2 = Open(context.Background(), cfg)
	require.Error(t, err2, "a second writer for the same root is refused")
}

func TestInputErrors(t *testing.T) {
	var ctx = context.Background()
	var core = openCore(t, map[string]string{"a.js": "function f() {}\n"})

	var _, err = core.ReachabilityInverse(ctx, "", "", ReachOptions{})
	var input *InputError
	require.ErrorAs(t, err, &input)

	_, err = core.ReachabilityForward(ctx, QueryTarget{}, ReachOptions{})
	require.ErrorAs(t, err, &input)

	_, err = core.ReachabilityForward(ctx, QueryTarget{FunctionID: "x"}, ReachOptions{ReachOptions: graph.ReachOptions{MaxDepth: -1}})
	require.ErrorAs(t, err, &input)

	_, err = core.Feedback(ctx, "v", pattern.FeedbackAction("explode"))
	require.ErrorAs(t, err, &input)

	err = core.ApprovePattern(ctx, "p", "maybe", "user")
	require.ErrorAs(t, err, &input)

	_, err = core.Reconstruct(ctx, "", time.Now())
	require.ErrorAs(t, err, &input)
}

func TestTemporalRoundTripThroughAPI(t *testing.T) {
	var ctx = context.Background()
	var core = openCore(t, map[string]string{"a.js": "function f() {}\n"})

	var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var _, err = core.AppendEvent(ctx, temporal.Event{
		MemoryID: "m1", RecordedAt: at, ActorID: "tester",
		Type:          temporal.EventCreated,
		SchemaVersion: temporal.CurrentSchemaVersion,
		Delta:         []byte(`{"type":"insight","content":{"k":1},"confidence":0.5,"importance":"high","valid_time":"2026-03-01T10:00:00Z"}`),
	})
	require.NoError(t, err)

	mem, err := core.Reconstruct(ctx, "m1", at.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, mem)
	require.Equal(t, "insight", mem.Type)

	require.NoError(t, core.Snapshot(ctx, "m1"))
	_, err = core.Compact(ctx)
	require.NoError(t, err)
}
