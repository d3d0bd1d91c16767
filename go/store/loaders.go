package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// TimeFormat is the fixed-width ISO-8601 form used for every persisted
// timestamp. Fixed width keeps the stored strings lexicographically
// orderable, which the temporal queries compare in SQL.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// LoadRows runs |query| against |db| and invokes |loadedFn| once per row
// with the scan targets produced by |newFn|. It is the shared row-loading
// shape used by every reader in the core.
func LoadRows(
	db *sql.DB,
	query string,
	args []interface{},
	newFn func() []interface{},
	loadedFn func([]interface{}),
) error {
	var rows, err = db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query(%q): %w", query, err)
	}
	defer rows.Close()

	for rows.Next() {
		var next = newFn()

		if err := rows.Scan(next...); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		loadedFn(next)
	}
	return rows.Err()
}

// JSONColumn marshals |v| for storage in a TEXT column holding JSON.
func JSONColumn(v interface{}) (string, error) {
	if v == nil {
		return "[]", nil
	}
	var b, err = json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding JSON column: %w", err)
	}
	return string(b), nil
}

// ScanJSON unmarshals a TEXT column holding JSON into |out|.
func ScanJSON(raw string, out interface{}) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decoding JSON column: %w", err)
	}
	return nil
}
