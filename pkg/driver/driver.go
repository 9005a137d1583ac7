// Package driver defines the capability contract between the pool and a
// concrete database backend, plus factories for the bundled drivers.
//
// The pool depends on exactly two capabilities of a raw connection: execute
// a statement and tear itself down. Any driver that can do both can be
// pooled; no registration with a base type is required.
package driver

import (
	"context"
	"fmt"
)

// Result summarizes a statement execution.
type Result struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// Conn is a single raw backend connection. Implementations are not required
// to be safe for concurrent use; the pool lends a Conn to one caller at a
// time.
type Conn interface {
	// Exec runs a statement on this connection. The context carries the
	// caller's deadline.
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Close tears the connection down permanently.
	Close() error
}

// Factory produces one new raw connection per call. Factories are invoked by
// the pool under its connection timeout and may be called concurrently.
type Factory func(ctx context.Context) (Conn, error)

// Open returns a Factory for one of the bundled driver names.
func Open(name, dsn string) (Factory, error) {
	switch name {
	case "sqlite", "sqlite3":
		return SQLiteFactory(dsn), nil
	case "mysql":
		return MySQLFactory(dsn), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (supported: sqlite, mysql)", name)
	}
}
