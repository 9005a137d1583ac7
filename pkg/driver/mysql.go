package driver

import (
	"context"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLFactory returns a Factory producing one dedicated MySQL session per
// call. The DSN follows the go-sql-driver format, e.g.
// "user:pass@tcp(127.0.0.1:3306)/dbname?parseTime=true".
func MySQLFactory(dsn string) Factory {
	return func(ctx context.Context) (Conn, error) {
		return openSQL(ctx, "mysql", dsn)
	}
}
