package driver

import (
	"context"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteFactory returns a Factory producing one dedicated SQLite session per
// call. The DSN is any path or URI accepted by mattn/go-sqlite3, including
// ":memory:" for tests.
//
// Each factory invocation opens an independent handle: with a ":memory:"
// DSN every pooled connection sees its own private database. Use a
// shared-cache URI when pooled connections must see the same data.
func SQLiteFactory(dsn string) Factory {
	return func(ctx context.Context) (Conn, error) {
		return openSQL(ctx, "sqlite3", dsn)
	}
}
