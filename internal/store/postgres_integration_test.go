//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newPostgresStore(t *testing.T) *Store {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:17.7"),
		postgres.WithDatabase("gobors"),
		postgres.WithUsername("gobors"),
		postgres.WithPassword("gobors"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestPostgresLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, version)

	// migrating an up-to-date database is a no-op
	require.NoError(t, s.Migrate(ctx))

	mustInTx(t, s, func(tx *Tx) error {
		require.NoError(t, tx.UpsertPullRequest(ctx, &PullRequest{
			Repo: testRepo, Number: 1, Status: StatusTesting, HeadSHA: "abc",
			BaseRef: "main", ApprovedBy: "alice", IsTry: true, Squash: true,
			QueuedAt: &now, TestingSince: &now, AttemptID: "a1", MergeSHA: "m1",
		}))
		require.NoError(t, tx.InsertPendingResults(ctx, testRepo, 1, "m1", []string{"linux"}, now))
		require.NoError(t, tx.SetMergeable(ctx, testRepo, 1, true))
		require.NoError(t, tx.SetTreeState(ctx, testRepo, 3, "alice"))
		require.NoError(t, tx.AppendRetryLog(ctx, &RetryLogEntry{Repo: testRepo, Number: 1, Time: now, Source: "alice", Message: "retry"}))
		return nil
	})

	mustInTx(t, s, func(tx *Tx) error {
		prs, err := tx.ListPullRequestsByMergeSHA(ctx, testRepo, "m1")
		require.NoError(t, err)
		require.Len(t, prs, 1)
		assert.True(t, prs[0].IsTry)
		assert.True(t, prs[0].Squash)
		require.NotNil(t, prs[0].QueuedAt)
		assert.True(t, now.Equal(*prs[0].QueuedAt))

		results, err := tx.ListBuildResults(ctx, testRepo, 1, "m1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, ResultPending, results[0].Result)

		ts, err := tx.GetTreeState(ctx, testRepo)
		require.NoError(t, err)
		assert.Equal(t, 3, ts.ClosedPriority)

		inFlight, err := tx.ListPullRequests(ctx, testRepo, StatusTesting, StatusSuccess)
		require.NoError(t, err)
		assert.Len(t, inFlight, 1)

		return nil
	})

	cnt, err := s.PruneRetryLog(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cnt)
}
