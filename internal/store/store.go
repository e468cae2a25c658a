// Package store persists the merge queue state in a SQL database.
//
// SQLite (driver "sqlite") and PostgreSQL (driver "pgx") are supported.
// All state changes of an event are done in a single transaction via
// Store.InTx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
)

const loggerName = "store"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const sqliteBusyTimeout = 5 * time.Second

// Store provides transactional access to the persisted merge queue state.
type Store struct {
	db      *sqlx.DB
	dialect *dialect
	logger  *zap.Logger
}

// Open connects to the database and applies pending schema migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database failed: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite only supports a single writer, in-memory databases
		// only exist for the lifetime of their connection
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)

		pragmas := []string{
			fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeout.Milliseconds()),
			"PRAGMA journal_mode = WAL",
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s failed: %w", p, err)
			}
		}
	}

	s := NewWithDB(db.DB, driver)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// NewWithDB returns a Store for an existing database connection.
// Migrations are not applied.
func NewWithDB(db *sql.DB, driver string) *Store {
	return &Store{
		db:      sqlx.NewDb(db, driver),
		dialect: dialectFor(driver),
		logger:  zap.L().Named(loggerName).With(zap.String("db.driver", driver)),
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in a database transaction.
// The transaction is committed when fn returns nil, otherwise it is rolled
// back and the error of fn is returned.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &borserr.StoreError{Op: "begin transaction", Err: err}
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn(
				"rolling back transaction failed",
				logfields.Event("db_transaction_rollback_failed"),
				zap.Error(rbErr),
			)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return &borserr.StoreError{Op: "commit transaction", Err: err}
	}

	return nil
}

// Tx is a database transaction.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) get(ctx context.Context, op string, dest any, query string, args ...any) error {
	err := t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return borserr.ErrNotFound
		}

		return &borserr.StoreError{Op: op, Err: err}
	}

	return nil
}

func (t *Tx) selectAll(ctx context.Context, op string, dest any, query string, args ...any) error {
	err := t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
	if err != nil {
		return &borserr.StoreError{Op: op, Err: err}
	}

	return nil
}

func (t *Tx) exec(ctx context.Context, op string, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return 0, &borserr.StoreError{Op: op, Err: err}
	}

	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, &borserr.StoreError{Op: op, Err: err}
	}

	return cnt, nil
}

// in expands slice arguments of query into multiple placeholders.
func in(op, query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, &borserr.StoreError{Op: op, Err: err}
	}

	return q, a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func statusStrings(statuses []Status) []string {
	res := make([]string, 0, len(statuses))
	for _, s := range statuses {
		res = append(res, string(s))
	}

	return res
}

type dialect struct {
	name string
	// columnExistsQuery returns the number of columns with the name
	// (2. arg) in the table (1. arg).
	columnExistsQuery string
}

var sqliteDialect = dialect{
	name:              DriverSQLite,
	columnExistsQuery: "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?",
}

var postgresDialect = dialect{
	name: DriverPostgres,
	columnExistsQuery: "SELECT COUNT(*) FROM information_schema.columns " +
		"WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?",
}

func dialectFor(driver string) *dialect {
	if strings.HasPrefix(driver, "pg") || driver == "postgres" {
		return &postgresDialect
	}

	return &sqliteDialect
}
