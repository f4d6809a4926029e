package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

// DB wraps the database connection together with its dialect
type DB struct {
	*sql.DB
	Dialect     Dialect
	serviceName string
}

// NewDB creates a new database connection with OpenTelemetry instrumentation
func NewDB(dialect Dialect, dsn string, serviceName string) (*DB, error) {
	attrs := otelsql.WithAttributes(
		attribute.String("db.system", dialect.System()),
	)

	driverName, err := otelsql.Register(dialect.DriverName(), attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to register otelsql: %w", err)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// one writer at a time; extra connections would only contend for the file lock
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(conn, otelsql.WithAttributes(
		attribute.String("db.system", dialect.System()),
		attribute.String("service.name", serviceName),
	)); err != nil {
		slog.Warn("failed to register otelsql stats metrics", "error", err)
	}

	return &DB{DB: conn, Dialect: dialect, serviceName: serviceName}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// InitSchema creates the tables for the connection's dialect.
// Statements are idempotent, so it is safe to run on every start.
func (db *DB) InitSchema(ctx context.Context) error {
	schemaSQL, err := db.Dialect.Schema()
	if err != nil {
		return err
	}
	return db.execStatements(ctx, schemaSQL)
}

func (db *DB) execStatements(ctx context.Context, schemaSQL string) error {
	statements := splitSQLStatements(schemaSQL)

	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement %d: %w\nStatement: %s", i+1, err, stmt)
		}
	}

	slog.Info("database schema initialized", "dialect", string(db.Dialect), "statements", len(statements))
	return nil
}

// Savepoint opens a named savepoint inside tx. The returned function rolls
// back to it; release discards it after the guarded work succeeded.
func Savepoint(ctx context.Context, tx *sql.Tx, name string) (rollback func() error, release func() error, err error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, nil, fmt.Errorf("creating savepoint %s: %w", name, err)
	}
	rollback = func() error {
		_, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
		return err
	}
	release = func() error {
		_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	return rollback, release, nil
}

// splitSQLStatements splits a SQL string into individual statements
func splitSQLStatements(sql string) []string {
	lines := strings.Split(sql, "\n")
	var cleanedLines []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "--") {
			cleanedLines = append(cleanedLines, line)
		}
	}

	cleanedSQL := strings.Join(cleanedLines, "\n")
	statements := strings.Split(cleanedSQL, ";")

	var result []string
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			result = append(result, stmt)
		}
	}

	return result
}
