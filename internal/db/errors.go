package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Storage error kinds. Driver errors are wrapped so callers can match
// with errors.Is and still see the original message.
var (
	ErrNotFound            = errors.New("record not found")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrDuplicate           = errors.New("duplicate key")
)

const (
	mysqlDuplicateEntry   = 1062
	mysqlRowIsReferenced  = 1451
	mysqlNoReferencedRow  = 1452
	mysqlCheckViolated    = 3819
	mysqlOutOfRangeValue  = 1264
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNotNullViolation    = "23502"
)

// Classify maps a driver error onto one of the storage error kinds.
// Errors that match no kind are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDuplicateEntry:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		case mysqlCheckViolated, mysqlRowIsReferenced, mysqlNoReferencedRow, mysqlOutOfRangeValue:
			return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		case pgCheckViolation, pgForeignKeyViolation, pgNotNullViolation:
			return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		case code&0xff == sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(liteErr.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %v", ErrDuplicate, err)
			}
			return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
	}

	return err
}
