package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect identifies the SQL flavour behind a *DB.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *DB.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ParseDialect validates a DB_DRIVER value.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(name)); d {
	case MySQL, Postgres, SQLite:
		return d, nil
	case "postgresql", "pgx":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", name)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

// System is the OpenTelemetry db.system value.
func (d Dialect) System() string {
	switch d {
	case Postgres:
		return "postgresql"
	case SQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ForUpdate returns the row-locking suffix for SELECT statements.
// SQLite has no row locks; its single writer serializes transactions instead.
func (d Dialect) ForUpdate() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// LockingTxOptions returns the options for transactions that lock rows
// which may not exist yet. MySQL's default REPEATABLE READ takes gap locks
// on such reads, and two inserts into the same gap then deadlock; READ
// COMMITTED locks only the rows found.
func (d Dialect) LockingTxOptions() *sql.TxOptions {
	if d == MySQL {
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	return nil
}

// InsertID executes an INSERT and returns the generated id column.
func (d Dialect) InsertID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	if d == Postgres {
		var id int64
		if err := q.QueryRowContext(ctx, d.Rebind(query)+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Placeholders returns "?, ?, ..." with n markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Schema returns the DDL for the dialect.
func (d Dialect) Schema() (string, error) {
	data, err := schemaFS.ReadFile("schema/" + string(d) + ".sql")
	if err != nil {
		return "", fmt.Errorf("reading %s schema: %w", d, err)
	}
	return string(data), nil
}
