package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
)

// NewTestDB returns an in-memory SQLite database with the full schema.
// The pool is capped at one connection: every connection to :memory: is a
// separate database, and a single connection also serializes concurrent
// transactions the way row locks would.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	conn.SetMaxOpenConns(1)

	database := &DB{DB: conn, Dialect: SQLite, serviceName: "test"}
	if err := database.InitSchema(context.Background()); err != nil {
		conn.Close()
		t.Fatalf("creating test database schema: %v", err)
	}

	t.Cleanup(func() { conn.Close() })

	return database
}

// OpenServerTestDB connects to the MySQL or PostgreSQL database named by
// TEST_DB_DRIVER and TEST_DB_DSN and applies the schema. The test is
// skipped when TEST_DB_DSN is unset.
func OpenServerTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	dialect, err := ParseDialect(os.Getenv("TEST_DB_DRIVER"))
	if err != nil {
		t.Fatalf("TEST_DB_DRIVER: %v", err)
	}

	database, err := NewDB(dialect, dsn, "test")
	if err != nil {
		t.Fatalf("opening %s test database: %v", dialect, err)
	}
	if err := database.InitSchema(context.Background()); err != nil {
		database.Close()
		t.Fatalf("creating %s test database schema: %v", dialect, err)
	}

	t.Cleanup(func() { database.Close() })

	return database
}
