package mergeq

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

func TestAttemptTimesOut(t *testing.T) {
	env := newTestEnv(t)

	env.openPR(1)
	env.openPR(2)
	env.approve(1)
	env.approve(2)
	mergeSHA := env.waitMergeSHA(1)

	env.clock.Add(testTimeout / 2)
	env.c.Tick(context.Background())
	assert.Equal(t, store.StatusTesting, env.getPR(1).Status)

	env.clock.Add(testTimeout)
	env.c.Tick(context.Background())

	assert.Equal(t, store.StatusTimedOut, env.getPR(1).Status)
	assert.Equal(t, store.StatusTesting, env.getPR(2).Status)

	require.Eventually(t, func() bool {
		for _, req := range env.cancelRequests() {
			if req.MergeSHA == mergeSHA {
				return true
			}
		}
		return false
	}, condWaitTimeout, condCheckInterval)

	require.Eventually(t, func() bool {
		return env.hasNotification(1, policy.LabelEventTimedOut)
	}, condWaitTimeout, condCheckInterval)

	// a late result does not change the outcome
	env.report("linux", mergeSHA, store.ResultSuccess)
	env.report("windows", mergeSHA, store.ResultSuccess)
	assert.Equal(t, store.StatusTimedOut, env.getPR(1).Status)

	require.NoError(t, env.c.Retry(context.Background(), testRepo, 1, reviewer))
	assert.Equal(t, store.StatusApproved, env.getPR(1).Status)
}

func TestSupervisorPollsCommitStatuses(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) {
		r.CI.Kind = policy.CIStatuses
	})

	env.openPR(1)
	env.approve(1)
	env.waitMergeSHA(1)

	env.setHeadStatuses(
		&action.CIStatus{Name: "linux", Result: store.ResultSuccess},
		&action.CIStatus{Name: "windows", Result: store.ResultPending},
	)
	env.c.Tick(context.Background())
	assert.Equal(t, store.StatusTesting, env.getPR(1).Status)

	env.setHeadStatuses(
		&action.CIStatus{Name: "linux", Result: store.ResultSuccess},
		&action.CIStatus{Name: "windows", Result: store.ResultSuccess},
	)
	env.c.Tick(context.Background())

	env.waitStatus(1, store.StatusMerged)
}

func TestSupervisorRunsPeriodically(t *testing.T) {
	env := newTestEnv(t)

	env.openPR(1)
	env.approve(1)
	env.waitMergeSHA(1)

	env.c.Start()

	env.clock.Add(testTimeout + time.Minute)

	env.waitStatus(1, store.StatusTimedOut)
}

func TestExpiredRetryLogEntriesArePruned(t *testing.T) {
	env := newTestEnv(t)

	env.openPR(1)
	env.approve(1)
	mergeSHA := env.waitMergeSHA(1)
	env.report("linux", mergeSHA, store.ResultFailure)
	env.report("windows", mergeSHA, store.ResultFailure)

	env.closeTree(9001)
	require.NoError(t, env.c.Retry(context.Background(), testRepo, 1, reviewer))
	require.Len(t, env.retryLog(1), 1)

	env.clock.Add(41 * 24 * time.Hour)
	env.c.Tick(context.Background())
	require.Len(t, env.retryLog(1), 1)

	env.clock.Add(2 * 24 * time.Hour)
	env.c.Tick(context.Background())
	assert.Empty(t, env.retryLog(1))
}

func TestRecoverResumesOutstandingAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openPR(1)
	env.openPR(2)

	now := env.clock.Now()
	require.NoError(t, env.store.InTx(ctx, func(tx *store.Tx) error {
		pr, err := tx.GetPullRequest(ctx, testRepo, 1)
		if err != nil {
			return err
		}

		pr.Status = store.StatusTesting
		pr.ApprovedBy = reviewer
		pr.AttemptID = "a0c4f7c2-5d8e-4f0e-9a55-3b2a4ce3e1f1"
		pr.QueuedAt = &now
		pr.TestingSince = &now
		if err := tx.UpsertPullRequest(ctx, pr); err != nil {
			return err
		}

		pr, err = tx.GetPullRequest(ctx, testRepo, 2)
		if err != nil {
			return err
		}

		pr.Status = store.StatusQueuedForMerge
		pr.ApprovedBy = reviewer
		pr.AttemptID = "f4b1f3f0-03a1-4b51-8c0c-7b6d2b4cf0aa"
		pr.MergeSHA = headSHA(2000)
		return tx.UpsertPullRequest(ctx, pr)
	}))

	require.NoError(t, env.c.Recover(ctx))

	env.waitStatus(2, store.StatusMerged)
	mergeSHA := env.waitMergeSHA(1)

	reqs := env.integrationRequests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "a0c4f7c2-5d8e-4f0e-9a55-3b2a4ce3e1f1", reqs[0].AttemptID)

	pushes := env.pushRequests()
	require.Len(t, pushes, 1)
	assert.Equal(t, headSHA(2000), pushes[0].MergeSHA)

	env.report("linux", mergeSHA, store.ResultSuccess)
	env.report("windows", mergeSHA, store.ResultSuccess)
	env.waitStatus(1, store.StatusMerged)
}

func TestTryAttemptTimesOut(t *testing.T) {
	env := newTestEnv(t)

	env.openPR(1)
	require.NoError(t, env.c.Try(context.Background(), testRepo, 1, tryUser))
	trySHA := env.waitMergeSHA(1)

	env.clock.Add(testTimeout + time.Minute)
	env.c.Tick(context.Background())

	pr := env.getPR(1)
	assert.Equal(t, store.StatusTryFailed, pr.Status)
	assert.Nil(t, pr.TestingSince)

	require.Eventually(t, func() bool {
		env.lock.Lock()
		defer env.lock.Unlock()

		for _, n := range env.notifications {
			if n.Number == 1 && n.Event == policy.LabelEventTimedOut && strings.HasPrefix(n.Message, "Try build: Test timed out.") {
				return true
			}
		}
		return false
	}, condWaitTimeout, condCheckInterval)

	require.Eventually(t, func() bool {
		for _, req := range env.cancelRequests() {
			if req.MergeSHA == trySHA && req.Lane == policy.LaneTry {
				return true
			}
		}
		return false
	}, condWaitTimeout, condCheckInterval)

	env.report("linux", trySHA, store.ResultSuccess)
	assert.Equal(t, store.StatusTryFailed, env.getPR(1).Status)
}
