package store

import (
	"context"
	"time"

	"github.com/simplesurance/gobors/internal/borserr"
)

// AppendRetryLog adds an entry to the retry log.
func (t *Tx) AppendRetryLog(ctx context.Context, e *RetryLogEntry) error {
	_, err := t.exec(ctx, "append retry log",
		`INSERT INTO retry_log (repo, num, "time", src, msg) VALUES (?, ?, ?, ?, ?)`,
		e.Repo, e.Number, e.Time.UTC(), e.Source, e.Message,
	)

	return err
}

// ListRetryLog returns the retry log entries of a pull request, newest
// first.
func (t *Tx) ListRetryLog(ctx context.Context, repo string, num int) ([]*RetryLogEntry, error) {
	var result []*RetryLogEntry

	err := t.selectAll(ctx, "list retry log", &result,
		`SELECT repo, num, "time", src, msg FROM retry_log WHERE repo = ? AND num = ? ORDER BY "time" DESC`,
		repo, num,
	)

	return result, err
}

// PruneRetryLog deletes all retry log entries that are older then before.
func (s *Store) PruneRetryLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM retry_log WHERE "time" < ?`),
		before.UTC(),
	)
	if err != nil {
		return 0, &borserr.StoreError{Op: "prune retry log", Err: err}
	}

	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, &borserr.StoreError{Op: "prune retry log", Err: err}
	}

	return cnt, nil
}
