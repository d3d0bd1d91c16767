// Package graph builds and queries the call graph: streaming parallel
// ingestion into the store, the cross-file resolver, and the reachability,
// impact, and coupling queries over the resulting edge set.
package graph

import (
	"context"
	"database/sql"

	"github.com/mattepiu/drift/go/store"
)

// FunctionRow is a FUNCTION as stored.
type FunctionRow struct {
	ID             string
	Name           string
	File           string
	StartLine      int
	EndLine        int
	QualifiedName  string
	IsEntryPoint   bool
	IsDataAccessor bool
	EntryRoute     string
	EntryVia       string
}

// EdgeRow is a CALL_EDGE as stored.
type EdgeRow struct {
	ID         int64
	CallerID   string
	CalleeID   string // Empty when unresolved.
	CalleeName string
	Receiver   string
	Confidence float64
	Line       int
	Kind       string
	Unresolvable bool
}

// AccessRow is a DATA_ACCESS as stored.
type AccessRow struct {
	ID         int64
	FunctionID string
	Table      string
	Operation  string
	Method     string
	Fields     []string
	ORM        string
	Line       int
	Confidence float64
}

const functionCols = `id, name, file, start_line, end_line, COALESCE(qualified_name, ''),
	is_entry_point, is_data_accessor, COALESCE(entry_route, ''), COALESCE(entry_via, '')`

func scanFunction(scan func(...interface{}) error) (FunctionRow, error) {
	var f FunctionRow
	var entry, accessor int
	var err = scan(&f.ID, &f.Name, &f.File, &f.StartLine, &f.EndLine, &f.QualifiedName,
		&entry, &accessor, &f.EntryRoute, &f.EntryVia)
	f.IsEntryPoint = entry != 0
	f.IsDataAccessor = accessor != 0
	return f, err
}

func loadFunctions(ctx context.Context, db *sql.DB, where string, args ...interface{}) ([]FunctionRow, error) {
	var rows, err = db.QueryContext(ctx, `SELECT `+functionCols+` FROM functions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FunctionRow
	for rows.Next() {
		var f FunctionRow
		if f, err = scanFunction(rows.Scan); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func loadAccessRows(ctx context.Context, db *sql.DB, where string, args ...interface{}) ([]AccessRow, error) {
	var rows, err = db.QueryContext(ctx,
		`SELECT id, function_id, table_name, operation, method, fields, orm, line, confidence
		   FROM data_accesses `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccessRow
	for rows.Next() {
		var a AccessRow
		var fields string
		if err = rows.Scan(&a.ID, &a.FunctionID, &a.Table, &a.Operation, &a.Method,
			&fields, &a.ORM, &a.Line, &a.Confidence); err != nil {
			return nil, err
		}
		if err = store.ScanJSON(fields, &a.Fields); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func loadEdges(ctx context.Context, db *sql.DB, where string, args ...interface{}) ([]EdgeRow, error) {
	var rows, err = db.QueryContext(ctx,
		`SELECT id, caller_id, COALESCE(callee_id, ''), callee_name, COALESCE(receiver, ''),
		        confidence, line, call_kind, unresolvable
		   FROM call_edges `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EdgeRow
	for rows.Next() {
		var e EdgeRow
		var unresolvable int
		if err = rows.Scan(&e.ID, &e.CallerID, &e.CalleeID, &e.CalleeName, &e.Receiver,
			&e.Confidence, &e.Line, &e.Kind, &unresolvable); err != nil {
			return nil, err
		}
		e.Unresolvable = unresolvable != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
