package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSQLStatements(t *testing.T) {
	sql := `
-- comment
CREATE TABLE a (id INT);

  -- indented comment
CREATE TABLE b (
    id INT
);
`
	got := splitSQLStatements(sql)
	require.Len(t, got, 2)
	assert.Equal(t, "CREATE TABLE a (id INT)", got[0])
	assert.Contains(t, got[1], "CREATE TABLE b")
}

func TestRebind(t *testing.T) {
	q := "UPDATE offers SET reserved_count = ? WHERE id = ?"
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "UPDATE offers SET reserved_count = $1 WHERE id = $2", Postgres.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"mysql": MySQL, "Postgres": Postgres, "pgx": Postgres, "sqlite": SQLite} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestForUpdate(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", MySQL.ForUpdate())
	assert.Equal(t, " FOR UPDATE", Postgres.ForUpdate())
	assert.Empty(t, SQLite.ForUpdate())
}

func TestLockingTxOptions(t *testing.T) {
	require.NotNil(t, MySQL.LockingTxOptions())
	assert.Equal(t, sql.LevelReadCommitted, MySQL.LockingTxOptions().Isolation)
	assert.Nil(t, Postgres.LockingTxOptions())
	assert.Nil(t, SQLite.LockingTxOptions())
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}

func TestSchemasEmbedded(t *testing.T) {
	for _, d := range []Dialect{MySQL, Postgres, SQLite} {
		schema, err := d.Schema()
		require.NoError(t, err)
		assert.Contains(t, schema, "purchase_offer_results")
		assert.Contains(t, schema, "reserved_count <= count")
	}
}

func TestClassifyDriverErrors(t *testing.T) {
	check := &mysql.MySQLError{Number: 3819, Message: "Check constraint 'chk_offer_reserved_le_count' is violated."}
	assert.ErrorIs(t, Classify(check), ErrConstraintViolation)

	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.ErrorIs(t, Classify(fmt.Errorf("insert: %w", dup)), ErrDuplicate)

	pgCheck := &pgconn.PgError{Code: "23514"}
	assert.ErrorIs(t, Classify(pgCheck), ErrConstraintViolation)

	pgDup := &pgconn.PgError{Code: "23505"}
	assert.ErrorIs(t, Classify(pgDup), ErrDuplicate)

	other := errors.New("connection refused")
	assert.Equal(t, other, Classify(other))
	assert.NoError(t, Classify(nil))
}

func TestClassifySQLiteConstraint(t *testing.T) {
	database := NewTestDB(t)
	ctx := context.Background()

	_, err := database.ExecContext(ctx,
		`INSERT INTO offers (product_id, shop_id, count, reserved_count, created_at, updated_at)
		 VALUES (1, 1, 5, 6, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.Error(t, err)
	assert.ErrorIs(t, Classify(err), ErrConstraintViolation)

	_, err = database.ExecContext(ctx, `INSERT INTO pricing_strategies (name) VALUES ('dup')`)
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `INSERT INTO pricing_strategies (name) VALUES ('dup')`)
	require.Error(t, err)
	assert.ErrorIs(t, Classify(err), ErrDuplicate)
}

func TestSavepointRollback(t *testing.T) {
	database := NewTestDB(t)
	ctx := context.Background()

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO shop_points (seller_id) VALUES (1)`)
	require.NoError(t, err)

	rollback, _, err := Savepoint(ctx, tx, "sp_test")
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO shop_points (seller_id) VALUES (2)`)
	require.NoError(t, err)
	require.NoError(t, rollback())

	require.NoError(t, tx.Commit())

	var n int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM shop_points`).Scan(&n))
	assert.Equal(t, 1, n)
}
