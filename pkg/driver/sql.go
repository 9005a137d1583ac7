package driver

import (
	"context"
	"database/sql"
	"fmt"
)

// sqlConn adapts a database/sql handle restricted to a single underlying
// session to the Conn capability.
type sqlConn struct {
	db *sql.DB
}

// openSQL opens a database/sql handle pinned to one physical connection and
// verifies it with a ping. The pool does its own pooling, so the stdlib
// pool underneath is collapsed to a single session.
func openSQL(ctx context.Context, driverName, dsn string) (Conn, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s session: %w", driverName, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s session: %w", driverName, err)
	}

	return &sqlConn{db: db}, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}

	// Drivers without insert-id or row-count support report zero rather
	// than failing the whole statement.
	rows, _ := res.RowsAffected()
	last, _ := res.LastInsertId()

	return Result{RowsAffected: rows, LastInsertID: last}, nil
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}
