// Package api is the versioned surface external collaborators consume: the
// CLI, the MCP server, and IDE integrations call these operations and
// nothing deeper. Every operation takes a context and returns typed
// outcomes; cancellation yields partial results, never corrupt ones.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/mattepiu/drift/go/config"
	"github.com/mattepiu/drift/go/graph"
	"github.com/mattepiu/drift/go/pattern"
	"github.com/mattepiu/drift/go/scan"
	"github.com/mattepiu/drift/go/store"
	"github.com/mattepiu/drift/go/temporal"
	"github.com/mattepiu/drift/go/tmsync"
)

// Version identifies this API surface.
const Version = "v1"

// InputError marks a caller mistake: bad parameters surface immediately
// with no partial write.
type InputError struct{ msg string }

func (e *InputError) Error() string { return e.msg }

func inputErrorf(format string, args ...interface{}) error {
	return &InputError{msg: fmt.Sprintf(format, args...)}
}

// Core is one project root's engine handle.
type Core struct {
	cfg      config.Config
	st       *store.Store
	patterns *pattern.Store
	events   *temporal.EventStore
}

// Open opens (creating as needed) the engine for |cfg.ProjectRoot|.
func Open(ctx context.Context, cfg config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var st, err = store.Open(ctx, cfg.StorePath(), store.Options{WorkspaceLock: cfg.WorkspaceLock})
	if err != nil {
		return nil, err
	}

	var events = temporal.NewEventStore(st)
	events.SnapshotInterval = cfg.SnapshotIntervalEvents
	events.RetentionK = cfg.RetentionKOlderEvents

	return &Core{
		cfg:      cfg,
		st:       st,
		patterns: pattern.NewStore(st),
		events:   events,
	}, nil
}

// Store exposes the underlying store handle to embedders building agents.
func (c *Core) Store() *store.Store { return c.st }

// Events exposes the temporal event store.
func (c *Core) Events() *temporal.EventStore { return c.events }

// Close releases the store and the workspace lock.
func (c *Core) Close() error { return c.st.Close() }

// --- Scan & build ---

// Scan enumerates the project root.
func (c *Core) Scan(ctx context.Context, opts scan.Options) (*scan.Report, error) {
	return scan.Scan(ctx, c.cfg.ProjectRoot, opts)
}

// BuildCallgraph runs the streaming build over the project root.
func (c *Core) BuildCallgraph(ctx context.Context, opts graph.BuildOptions) (*graph.BuildReport, error) {
	if opts.BatchSize == 0 {
		opts.BatchSize = c.cfg.BatchSize
	}
	return graph.Build(ctx, c.st, c.cfg.ProjectRoot, opts)
}

// ResolveCallgraph runs the idempotent cross-file resolution pass.
func (c *Core) ResolveCallgraph(ctx context.Context) (*graph.ResolveReport, error) {
	return graph.Resolve(ctx, c.st, graph.ResolveOptions{EnableFuzzy: c.cfg.ResolverEnableFuzzy})
}

// --- CG queries ---

// QueryTarget addresses a function either by id or by (file, line).
type QueryTarget struct {
	FunctionID string
	File       string
	Line       int
}

// EngineChoice selects the reachability engine.
type EngineChoice string

const (
	EngineAuto   EngineChoice = ""
	EngineMemory EngineChoice = "memory"
	EngineStore  EngineChoice = "store"
)

// ReachOptions extend graph.ReachOptions with the engine choice.
type ReachOptions struct {
	graph.ReachOptions
	Engine EngineChoice
}

func (c *Core) engine(ctx context.Context, choice EngineChoice) (graph.Engine, error) {
	switch choice {
	case EngineMemory:
		return graph.LoadMemEngine(ctx, c.st)
	case EngineStore, EngineAuto:
		return graph.NewStoreEngine(c.st)
	default:
		return nil, inputErrorf("unknown engine %q", choice)
	}
}

// ReachabilityForward walks call edges outward, collecting data accesses.
func (c *Core) ReachabilityForward(ctx context.Context, target QueryTarget, opts ReachOptions) (*graph.ReachabilityResult, error) {
	if opts.MaxDepth < 0 {
		return nil, inputErrorf("negative max depth %d", opts.MaxDepth)
	}
	var eng, err = c.engine(ctx, opts.Engine)
	if err != nil {
		return nil, err
	}
	if target.FunctionID != "" {
		return graph.Forward(ctx, eng, target.FunctionID, opts.ReachOptions)
	}
	if target.File == "" {
		return nil, inputErrorf("target needs a function id or a file and line")
	}
	return graph.ForwardAt(ctx, eng, target.File, target.Line, opts.ReachOptions)
}

// ReachabilityInverse finds the entry points reaching a table (and
// optionally a field).
func (c *Core) ReachabilityInverse(ctx context.Context, table, field string, opts ReachOptions) (*graph.InverseResult, error) {
	if table == "" {
		return nil, inputErrorf("table is required")
	}
	if opts.MaxDepth < 0 {
		return nil, inputErrorf("negative max depth %d", opts.MaxDepth)
	}
	var eng, err = c.engine(ctx, opts.Engine)
	if err != nil {
		return nil, err
	}
	return graph.Inverse(ctx, eng, table, field, opts.ReachOptions)
}

// Impact scores the blast radius of changing a function.
func (c *Core) Impact(ctx context.Context, functionID string) (*graph.ImpactReport, error) {
	if functionID == "" {
		return nil, inputErrorf("function id is required")
	}
	var eng, err = c.engine(ctx, EngineStore)
	if err != nil {
		return nil, err
	}
	return graph.Impact(ctx, eng, functionID)
}

// Coupling computes module coupling metrics and dependency cycles.
func (c *Core) Coupling(ctx context.Context, module string) (*graph.CouplingReport, error) {
	return graph.Coupling(ctx, c.st, module)
}

// Patterns lists patterns, optionally by status.
func (c *Core) Patterns(ctx context.Context, status pattern.Status) ([]pattern.Pattern, error) {
	return c.patterns.List(ctx, status)
}

// Violations lists violations, optionally for one pattern.
func (c *Core) Violations(ctx context.Context, patternID string) ([]pattern.Violation, error) {
	return c.patterns.ListViolations(ctx, patternID)
}

// RecordPattern registers a discovered pattern.
func (c *Core) RecordPattern(ctx context.Context, p pattern.Pattern) (pattern.Pattern, error) {
	return c.patterns.Record(ctx, p)
}

// RecordViolation registers a violation of a pattern.
func (c *Core) RecordViolation(ctx context.Context, v pattern.Violation) (pattern.Violation, error) {
	return c.patterns.RecordViolation(ctx, v)
}

// ApprovePattern records a user decision on a pattern.
func (c *Core) ApprovePattern(ctx context.Context, patternID string, action string, actorID string) error {
	switch action {
	case "approve":
		return c.patterns.Approve(ctx, patternID, pattern.StatusApproved, actorID)
	case "ignore":
		return c.patterns.Approve(ctx, patternID, pattern.StatusIgnored, actorID)
	default:
		return inputErrorf("unknown approval action %q", action)
	}
}

// AutoApprovePatterns runs the auto-approval gate.
func (c *Core) AutoApprovePatterns(ctx context.Context, inputs map[string]pattern.GateInput) (map[string]pattern.Classification, error) {
	return c.patterns.AutoApprove(ctx, inputs)
}

// Feedback applies violation feedback to the owning pattern's posterior.
func (c *Core) Feedback(ctx context.Context, violationID string, action pattern.FeedbackAction) (pattern.Pattern, error) {
	switch action {
	case pattern.FeedbackFix, pattern.FeedbackDismiss, pattern.FeedbackSuppress:
	default:
		return pattern.Pattern{}, inputErrorf("unknown feedback action %q", action)
	}
	return c.patterns.Feedback(ctx, violationID, action)
}

// --- Temporal ---

// AppendEvent appends one event to a memory's log.
func (c *Core) AppendEvent(ctx context.Context, ev temporal.Event) (temporal.Event, error) {
	return c.events.Append(ctx, ev)
}

// AppendEvents appends a batch atomically.
func (c *Core) AppendEvents(ctx context.Context, events []temporal.Event) ([]temporal.Event, error) {
	return c.events.AppendBatch(ctx, events)
}

// Reconstruct rebuilds a memory as of a time; nil means it did not exist.
func (c *Core) Reconstruct(ctx context.Context, memoryID string, at time.Time) (*temporal.Memory, error) {
	if memoryID == "" {
		return nil, inputErrorf("memory id is required")
	}
	return c.events.Reconstruct(ctx, memoryID, at)
}

// AsOf returns the memory set at a system time, valid at a valid time.
func (c *Core) AsOf(ctx context.Context, systemTime, validTime time.Time, filter temporal.Filter) ([]*temporal.Memory, error) {
	return c.events.AsOf(ctx, systemTime, validTime, filter)
}

// Range returns memories whose validity interval satisfies the mode.
func (c *Core) Range(ctx context.Context, from, to time.Time, mode temporal.RangeMode) ([]*temporal.Memory, error) {
	return c.events.Range(ctx, from, to, mode)
}

// Diff classifies the change in the memory set between two times.
func (c *Core) Diff(ctx context.Context, timeA, timeB time.Time, scope temporal.Filter) (*temporal.TemporalDiff, error) {
	return c.events.Diff(ctx, timeA, timeB, scope)
}

// ReplayDecision rebuilds a memory's decision context under a token budget.
func (c *Core) ReplayDecision(ctx context.Context, memoryID string, budget int) (*temporal.ReplayBundle, error) {
	if memoryID == "" {
		return nil, inputErrorf("memory id is required")
	}
	return c.events.ReplayDecision(ctx, memoryID, budget)
}

// Snapshot checkpoints one memory, or all when the id is empty.
func (c *Core) Snapshot(ctx context.Context, memoryID string) error {
	if memoryID == "" {
		var _, err = c.events.SnapshotAll(ctx)
		return err
	}
	var _, err = c.events.Snapshot(ctx, memoryID)
	return err
}

// Compact prunes snapshot-covered events under the retention policy.
func (c *Core) Compact(ctx context.Context) (*temporal.CompactionReport, error) {
	return c.events.Compact(ctx)
}

// Sync pulls missing events from |source| into |target|.
func (c *Core) Sync(ctx context.Context, source, target *tmsync.Agent) (*tmsync.SyncResult, error) {
	if source == nil || target == nil {
		return nil, inputErrorf("both agents are required")
	}
	return tmsync.Sync(ctx, source, target)
}
