package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
)

// migration is a schema change. Migrations are only additive, columns and
// tables are never dropped or renamed.
type migration struct {
	version     int
	description string
	steps       []migrationStep
}

type migrationStep interface {
	apply(ctx context.Context, tx *sqlx.Tx, d *dialect) error
}

type execStep string

func (s execStep) apply(ctx context.Context, tx *sqlx.Tx, _ *dialect) error {
	_, err := tx.ExecContext(ctx, string(s))
	return err
}

// addColumnStep adds a column if it does not exist.
// Databases created by earlier releases were migrated ad hoc and might
// already contain it.
type addColumnStep struct {
	table      string
	column     string
	definition string
}

func (s *addColumnStep) apply(ctx context.Context, tx *sqlx.Tx, d *dialect) error {
	var cnt int

	err := tx.GetContext(ctx, &cnt, tx.Rebind(d.columnExistsQuery), s.table, s.column)
	if err != nil {
		return fmt.Errorf("checking if column %s.%s exists failed: %w", s.table, s.column, err)
	}

	if cnt > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.table, s.column, s.definition))
	return err
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		steps: []migrationStep{
			execStep(`CREATE TABLE IF NOT EXISTS pull (
				repo TEXT NOT NULL,
				num INTEGER NOT NULL,
				status TEXT NOT NULL,
				merge_sha TEXT,
				title TEXT,
				body TEXT,
				head_sha TEXT,
				head_ref TEXT,
				base_ref TEXT,
				assignee TEXT,
				approved_by TEXT,
				priority INTEGER,
				try_ INTEGER,
				rollup INTEGER,
				delegate TEXT,
				UNIQUE (repo, num)
			)`),
			execStep(`CREATE TABLE IF NOT EXISTS build_res (
				repo TEXT NOT NULL,
				num INTEGER NOT NULL,
				builder TEXT NOT NULL,
				res INTEGER,
				url TEXT NOT NULL,
				merge_sha TEXT NOT NULL,
				UNIQUE (repo, num, builder)
			)`),
			execStep(`CREATE TABLE IF NOT EXISTS mergeable (
				repo TEXT NOT NULL,
				num INTEGER NOT NULL,
				mergeable INTEGER NOT NULL,
				UNIQUE (repo, num)
			)`),
			execStep(`CREATE TABLE IF NOT EXISTS repos (
				repo TEXT NOT NULL,
				treeclosed INTEGER NOT NULL,
				UNIQUE (repo)
			)`),
			execStep(`CREATE TABLE IF NOT EXISTS retry_log (
				repo TEXT NOT NULL,
				num INTEGER NOT NULL,
				"time" TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				src TEXT NOT NULL,
				msg TEXT NOT NULL
			)`),
			execStep(`CREATE INDEX IF NOT EXISTS retry_log_time_index ON retry_log (repo, "time" DESC)`),
		},
	},
	{
		version:     2,
		description: "tree close source and squash flag",
		steps: []migrationStep{
			&addColumnStep{table: "repos", column: "treeclosed_src", definition: "TEXT"},
			&addColumnStep{table: "pull", column: "squash", definition: "INTEGER"},
		},
	},
	{
		version:     3,
		description: "lane queue timestamps and attempt ids",
		steps: []migrationStep{
			&addColumnStep{table: "pull", column: "queued_at", definition: "TIMESTAMP"},
			&addColumnStep{table: "pull", column: "testing_since", definition: "TIMESTAMP"},
			&addColumnStep{table: "pull", column: "attempt_id", definition: "TEXT"},
		},
	},
	{
		version:     4,
		description: "build results keyed by merge sha",
		steps: []migrationStep{
			execStep(`CREATE TABLE IF NOT EXISTS build_results (
				repo TEXT NOT NULL,
				num INTEGER NOT NULL,
				builder TEXT NOT NULL,
				merge_sha TEXT NOT NULL,
				res TEXT NOT NULL,
				url TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (repo, num, builder, merge_sha)
			)`),
			execStep(`CREATE INDEX IF NOT EXISTS build_results_merge_sha_index ON build_results (repo, merge_sha)`),
			execStep(`INSERT INTO build_results (repo, num, builder, merge_sha, res, url, updated_at)
				SELECT repo, num, builder, merge_sha,
					CASE WHEN res IS NULL THEN 'pending' WHEN res = 0 THEN 'failure' ELSE 'success' END,
					url, CURRENT_TIMESTAMP
				FROM build_res WHERE true
				ON CONFLICT DO NOTHING`),
		},
	},
}

// Migrate applies all migrations that have not been applied yet.
// Each migration runs in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return &borserr.StoreError{Op: "create schema_migrations table", Err: err}
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		if err := s.applyMigration(ctx, &m); err != nil {
			return err
		}

		s.logger.Info(
			"applied database migration",
			logfields.Event("db_migration_applied"),
			zap.Int("db.schema_version", m.version),
			zap.String("db.migration", m.description),
		)
	}

	return nil
}

func (s *Store) applyMigration(ctx context.Context, m *migration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &borserr.StoreError{Op: "begin migration transaction", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // returns an error after a successful commit

	for i, step := range m.steps {
		if err := step.apply(ctx, tx, s.dialect); err != nil {
			return &borserr.StoreError{
				Op:  fmt.Sprintf("migration %d (%s), step %d", m.version, m.description, i+1),
				Err: err,
			}
		}
	}

	_, err = tx.ExecContext(
		ctx,
		tx.Rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
		m.version, m.description, time.Now().UTC(),
	)
	if err != nil {
		return &borserr.StoreError{Op: fmt.Sprintf("recording migration %d", m.version), Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &borserr.StoreError{Op: fmt.Sprintf("commit migration %d", m.version), Err: err}
	}

	return nil
}

// SchemaVersion returns the version of the last applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int

	err := s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err != nil {
		return 0, &borserr.StoreError{Op: "query schema version", Err: err}
	}

	return version, nil
}
