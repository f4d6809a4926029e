// Package store holds the SQL for offers, purchases, pricing strategies
// and shop points. Every function takes a db.Querier so it runs inside
// the caller's transaction; nothing here commits on its own.
package store

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
)

// Store executes dialect-aware queries and records their metrics
type Store struct {
	dialect db.Dialect
	metrics *metrics.AppMetrics
}

// New creates a store for the given dialect
func New(dialect db.Dialect, m *metrics.AppMetrics) *Store {
	return &Store{dialect: dialect, metrics: m}
}

// Dialect returns the SQL dialect the store renders queries for
func (s *Store) Dialect() db.Dialect {
	return s.dialect
}

// SortedUniqueIDs returns ids ascending without duplicates. Lock
// acquisition always follows this order.
func SortedUniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) exec(ctx context.Context, q db.Querier, op, table, query string, args ...any) (sql.Result, error) {
	query = s.dialect.Rebind(query)
	start := time.Now()
	res, err := q.ExecContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, s.dialect.System(), op, table, query, start, err == nil)
	if err != nil {
		return nil, db.Classify(err)
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, q db.Querier, table, query string, args ...any) (*sql.Rows, error) {
	query = s.dialect.Rebind(query)
	start := time.Now()
	rows, err := q.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, s.dialect.System(), "SELECT", table, query, start, err == nil)
	if err != nil {
		return nil, db.Classify(err)
	}
	return rows, nil
}

func (s *Store) queryRow(ctx context.Context, q db.Querier, table, query string, args []any, dest ...any) error {
	query = s.dialect.Rebind(query)
	start := time.Now()
	err := q.QueryRowContext(ctx, query, args...).Scan(dest...)
	s.metrics.RecordDBQuery(ctx, s.dialect.System(), "SELECT", table, query, start, err == nil || err == sql.ErrNoRows)
	return db.Classify(err)
}

func (s *Store) insertID(ctx context.Context, q db.Querier, table, query string, args ...any) (int64, error) {
	start := time.Now()
	id, err := s.dialect.InsertID(ctx, q, query, args...)
	s.metrics.RecordDBQuery(ctx, s.dialect.System(), "INSERT", table, query, start, err == nil)
	if err != nil {
		return 0, db.Classify(err)
	}
	return id, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return db.Classify(sql.ErrNoRows)
	}
	return nil
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
