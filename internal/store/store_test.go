package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gobors/internal/borserr"
)

const testRepo = "simplesurance/gobors"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return s
}

func mustInTx(t *testing.T, s *Store, fn func(*Tx) error) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), fn))
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestMigrateFreshDatabase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, version)

	require.NoError(t, s.Migrate(ctx))

	version, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestMigrateDatabaseOfEarlierRelease(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	db, err := sql.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	// schema of earlier releases: squash column exists, treeclosed_src is
	// missing, results are stored in build_res
	legacy := []string{
		`CREATE TABLE pull (
			repo TEXT NOT NULL, num INTEGER NOT NULL, status TEXT NOT NULL,
			merge_sha TEXT, title TEXT, body TEXT, head_sha TEXT, head_ref TEXT,
			base_ref TEXT, assignee TEXT, approved_by TEXT, priority INTEGER,
			try_ INTEGER, rollup INTEGER, squash INTEGER, delegate TEXT,
			UNIQUE (repo, num)
		)`,
		`CREATE TABLE build_res (
			repo TEXT NOT NULL, num INTEGER NOT NULL, builder TEXT NOT NULL,
			res INTEGER, url TEXT NOT NULL, merge_sha TEXT NOT NULL,
			UNIQUE (repo, num, builder)
		)`,
		`CREATE TABLE repos (repo TEXT NOT NULL, treeclosed INTEGER NOT NULL, UNIQUE (repo))`,
		`INSERT INTO pull (repo, num, status, head_sha, approved_by, priority, squash)
			VALUES ('simplesurance/gobors', 7, 'approved', 'abc', 'alice', 3, 1)`,
		`INSERT INTO build_res (repo, num, builder, res, url, merge_sha)
			VALUES ('simplesurance/gobors', 7, 'linux', 1, 'https://ci/1', 'm1'),
			       ('simplesurance/gobors', 7, 'windows', NULL, '', 'm1')`,
		`INSERT INTO repos (repo, treeclosed) VALUES ('simplesurance/gobors', 5)`,
	}
	for _, stmt := range legacy {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}

	s := NewWithDB(db, DriverSQLite)
	require.NoError(t, s.Migrate(ctx))

	mustInTx(t, s, func(tx *Tx) error {
		pr, err := tx.GetPullRequest(ctx, testRepo, 7)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, pr.Status)
		assert.Equal(t, "alice", pr.ApprovedBy)
		assert.True(t, pr.Squash)
		assert.Nil(t, pr.QueuedAt)
		assert.Empty(t, pr.AttemptID)

		results, err := tx.ListBuildResults(ctx, testRepo, 7, "m1")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "linux", results[0].Builder)
		assert.Equal(t, ResultSuccess, results[0].Result)
		assert.Equal(t, ResultPending, results[1].Result)

		ts, err := tx.GetTreeState(ctx, testRepo)
		require.NoError(t, err)
		assert.Equal(t, 5, ts.ClosedPriority)
		assert.Empty(t, ts.Source)

		return nil
	})
}

func TestPullRequestRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	in := PullRequest{
		Repo:       testRepo,
		Number:     42,
		Status:     StatusApproved,
		Title:      "fix the flux capacitor",
		HeadSHA:    "abc",
		HeadRef:    "fix",
		BaseRef:    "main",
		ApprovedBy: "alice",
		Priority:   5,
		IsTry:      false,
		Rollup:     RollupAlways,
		Squash:     true,
		Delegate:   "bob",
		QueuedAt:   &queuedAt,
	}

	mustInTx(t, s, func(tx *Tx) error {
		return tx.UpsertPullRequest(ctx, &in)
	})

	mustInTx(t, s, func(tx *Tx) error {
		pr, err := tx.GetPullRequest(ctx, testRepo, 42)
		require.NoError(t, err)

		require.NotNil(t, pr.QueuedAt)
		assert.True(t, queuedAt.Equal(*pr.QueuedAt))
		assert.Nil(t, pr.TestingSince)

		pr.QueuedAt = in.QueuedAt
		assert.Equal(t, in, *pr)

		pr.Status = StatusTesting
		pr.AttemptID = "attempt-1"
		pr.TestingSince = timePtr(queuedAt.Add(time.Minute))
		pr.ApprovedBy = ""

		return tx.UpsertPullRequest(ctx, pr)
	})

	mustInTx(t, s, func(tx *Tx) error {
		pr, err := tx.GetPullRequest(ctx, testRepo, 42)
		require.NoError(t, err)
		assert.Equal(t, StatusTesting, pr.Status)
		assert.Equal(t, "attempt-1", pr.AttemptID)
		assert.Empty(t, pr.ApprovedBy)
		require.NotNil(t, pr.TestingSince)

		members, err := tx.ListPullRequestsByAttempt(ctx, testRepo, "attempt-1")
		require.NoError(t, err)
		assert.Len(t, members, 1)

		return nil
	})
}

func TestGetPullRequestNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.InTx(context.Background(), func(tx *Tx) error {
		_, err := tx.GetPullRequest(context.Background(), testRepo, 1)
		return err
	})

	assert.ErrorIs(t, err, borserr.ErrNotFound)
}

func TestListPullRequestsQueueOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	prs := []*PullRequest{
		{Repo: testRepo, Number: 1, Status: StatusApproved, Priority: 0, QueuedAt: timePtr(base)},
		{Repo: testRepo, Number: 2, Status: StatusApproved, Priority: 10, QueuedAt: timePtr(base.Add(time.Hour))},
		{Repo: testRepo, Number: 3, Status: StatusApproved, Priority: 0, QueuedAt: timePtr(base.Add(-time.Hour))},
		{Repo: testRepo, Number: 4, Status: StatusPending},
		{Repo: testRepo, Number: 5, Status: StatusApproved, Priority: 0, QueuedAt: timePtr(base)},
		{Repo: "other/repo", Number: 6, Status: StatusApproved},
	}

	mustInTx(t, s, func(tx *Tx) error {
		for _, pr := range prs {
			require.NoError(t, tx.UpsertPullRequest(ctx, pr))
		}
		return nil
	})

	mustInTx(t, s, func(tx *Tx) error {
		approved, err := tx.ListPullRequests(ctx, testRepo, StatusApproved)
		require.NoError(t, err)

		var nums []int
		for _, pr := range approved {
			nums = append(nums, pr.Number)
		}
		assert.Equal(t, []int{2, 3, 1, 5}, nums)

		all, err := tx.ListPullRequests(ctx, testRepo)
		require.NoError(t, err)
		assert.Len(t, all, 5)
		// pull requests without a queue time are ordered last
		assert.Equal(t, 4, all[len(all)-1].Number)

		several, err := tx.ListPullRequests(ctx, testRepo, StatusPending, StatusApproved)
		require.NoError(t, err)
		assert.Len(t, several, 5)

		return nil
	})
}

func TestBuildResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mustInTx(t, s, func(tx *Tx) error {
		require.NoError(t, tx.InsertPendingResults(ctx, testRepo, 1, "m1", []string{"linux", "windows"}, now))

		require.NoError(t, tx.UpsertBuildResult(ctx, &BuildResult{
			Repo: testRepo, Number: 1, Builder: "linux", MergeSHA: "m1",
			Result: ResultSuccess, URL: "https://ci/1", UpdatedAt: now.Add(time.Minute),
		}))

		// inserting pending results again does not overwrite reported results
		require.NoError(t, tx.InsertPendingResults(ctx, testRepo, 1, "m1", []string{"linux", "windows"}, now))

		// results of a different attempt are kept separately
		require.NoError(t, tx.InsertPendingResults(ctx, testRepo, 1, "m2", []string{"linux"}, now))
		return nil
	})

	mustInTx(t, s, func(tx *Tx) error {
		results, err := tx.ListBuildResults(ctx, testRepo, 1, "m1")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, ResultSuccess, results[0].Result)
		assert.Equal(t, "https://ci/1", results[0].URL)
		assert.Equal(t, ResultPending, results[1].Result)

		res, err := tx.GetBuildResult(ctx, testRepo, 1, "linux", "m2")
		require.NoError(t, err)
		assert.Equal(t, ResultPending, res.Result)

		_, err = tx.GetBuildResult(ctx, testRepo, 1, "mac", "m1")
		assert.ErrorIs(t, err, borserr.ErrNotFound)

		return nil
	})
}

func TestMergeableCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInTx(t, s, func(tx *Tx) error {
		require.NoError(t, tx.UpsertPullRequest(ctx, &PullRequest{Repo: testRepo, Number: 1, Status: StatusPending, BaseRef: "main"}))
		require.NoError(t, tx.UpsertPullRequest(ctx, &PullRequest{Repo: testRepo, Number: 2, Status: StatusPending, BaseRef: "release"}))

		_, known, err := tx.GetMergeable(ctx, testRepo, 1)
		require.NoError(t, err)
		assert.False(t, known)

		require.NoError(t, tx.SetMergeable(ctx, testRepo, 1, false))
		require.NoError(t, tx.SetMergeable(ctx, testRepo, 2, true))
		require.NoError(t, tx.SetMergeable(ctx, testRepo, 1, true))

		mergeable, known, err := tx.GetMergeable(ctx, testRepo, 1)
		require.NoError(t, err)
		assert.True(t, known)
		assert.True(t, mergeable)

		cnt, err := tx.ClearMergeableForBase(ctx, testRepo, "main")
		require.NoError(t, err)
		assert.EqualValues(t, 1, cnt)

		_, known, err = tx.GetMergeable(ctx, testRepo, 1)
		require.NoError(t, err)
		assert.False(t, known)

		_, known, err = tx.GetMergeable(ctx, testRepo, 2)
		require.NoError(t, err)
		assert.True(t, known)

		require.NoError(t, tx.ClearMergeable(ctx, testRepo, 2))
		_, known, err = tx.GetMergeable(ctx, testRepo, 2)
		require.NoError(t, err)
		assert.False(t, known)

		return nil
	})
}

func TestTreeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInTx(t, s, func(tx *Tx) error {
		ts, err := tx.GetTreeState(ctx, testRepo)
		require.NoError(t, err)
		assert.False(t, ts.IsClosed())
		assert.False(t, ts.Blocks(100))

		require.NoError(t, tx.SetTreeState(ctx, testRepo, 5, "#12 by alice"))

		ts, err = tx.GetTreeState(ctx, testRepo)
		require.NoError(t, err)
		assert.True(t, ts.IsClosed())
		assert.Equal(t, "#12 by alice", ts.Source)
		assert.True(t, ts.Blocks(5))
		assert.True(t, ts.Blocks(0))
		assert.False(t, ts.Blocks(6))

		require.NoError(t, tx.SetTreeState(ctx, testRepo, 0, "alice"))

		ts, err = tx.GetTreeState(ctx, testRepo)
		require.NoError(t, err)
		assert.False(t, ts.IsClosed())

		return nil
	})
}

func TestRetryLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mustInTx(t, s, func(tx *Tx) error {
		require.NoError(t, tx.AppendRetryLog(ctx, &RetryLogEntry{
			Repo: testRepo, Number: 1, Time: now.Add(-50 * 24 * time.Hour), Source: "alice", Message: "retry from failure",
		}))
		require.NoError(t, tx.AppendRetryLog(ctx, &RetryLogEntry{
			Repo: testRepo, Number: 1, Time: now, Source: "rollup", Message: "rollup failed",
		}))
		return nil
	})

	cnt, err := s.PruneRetryLog(ctx, now.Add(-42*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cnt)

	mustInTx(t, s, func(tx *Tx) error {
		entries, err := tx.ListRetryLog(ctx, testRepo, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "rollup", entries[0].Source)
		assert.True(t, now.Equal(entries[0].Time))
		return nil
	})
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wantErr := errors.New("validation failed")

	err := s.InTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.UpsertPullRequest(ctx, &PullRequest{Repo: testRepo, Number: 1, Status: StatusPending}))
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	err = s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.GetPullRequest(ctx, testRepo, 1)
		return err
	})
	assert.ErrorIs(t, err, borserr.ErrNotFound)
}
