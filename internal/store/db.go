package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open dials the SQLite database at dsn (a file path, or ":memory:" for
// tests), mirroring geth-17-indexer's use of modernc.org/sqlite as a
// pure-Go, cgo-free driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// SQLite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under the worker pools' concurrent writes, at
	// the cost of write throughput the pipeline's volume doesn't need.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate applies the schema idempotently. Safe to call on every
// process start.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
