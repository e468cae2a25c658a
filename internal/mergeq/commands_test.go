package mergeq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/command"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

func requireAuthError(t *testing.T, err error) {
	t.Helper()

	var authErr *borserr.AuthError
	require.True(t, errors.As(err, &authErr), "expected an AuthError, got: %v", err)
}

func TestCommandsRequireAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)
	ctx := context.Background()

	requireAuthError(t, env.c.Approve(ctx, &ApproveRequest{Repo: testRepo, Number: 1, Actor: outsider}))
	requireAuthError(t, env.c.Approve(ctx, &ApproveRequest{Repo: testRepo, Number: 1, Actor: tryUser}))
	requireAuthError(t, env.c.Try(ctx, testRepo, 1, outsider))
	requireAuthError(t, env.c.SetPriority(ctx, testRepo, 1, outsider, 3))
	requireAuthError(t, env.c.SetDelegate(ctx, testRepo, 1, tryUser, outsider))
	requireAuthError(t, env.c.CloseTree(ctx, testRepo, tryUser, 5, ""))
	requireAuthError(t, env.c.OpenTree(ctx, testRepo, outsider))

	assert.Equal(t, store.StatusPending, env.getPR(1).Status)
	assert.False(t, env.treeState().IsClosed())
}

func TestDelegateCanApprove(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)
	ctx := context.Background()

	require.NoError(t, env.c.SetDelegate(ctx, testRepo, 1, reviewer, outsider))
	require.NoError(t, env.c.Approve(ctx, &ApproveRequest{Repo: testRepo, Number: 1, Actor: outsider}))

	pr := env.getPR(1)
	assert.Equal(t, store.StatusTesting, pr.Status)
	assert.Equal(t, outsider, pr.ApprovedBy)
}

func TestApproveRestrictedToHead(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)

	err := env.c.Approve(context.Background(), &ApproveRequest{
		Repo:    testRepo,
		Number:  1,
		Actor:   reviewer,
		HeadSHA: "abcdef0",
	})
	var valErr *borserr.ValidationError
	require.True(t, errors.As(err, &valErr), "unexpected error: %v", err)

	require.NoError(t, env.c.Approve(context.Background(), &ApproveRequest{
		Repo:    testRepo,
		Number:  1,
		Actor:   reviewer,
		HeadSHA: headSHA(1)[:10],
	}))
	assert.Equal(t, store.StatusTesting, env.getPR(1).Status)
}

func TestRejectCancelsAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)
	env.approve(1)
	mergeSHA := env.waitMergeSHA(1)

	require.NoError(t, env.c.Reject(context.Background(), testRepo, 1, reviewer))

	pr := env.getPR(1)
	assert.Equal(t, store.StatusPending, pr.Status)
	assert.Empty(t, pr.ApprovedBy)
	assert.Empty(t, pr.MergeSHA)

	require.Eventually(t, func() bool {
		for _, req := range env.cancelRequests() {
			if req.MergeSHA == mergeSHA {
				return true
			}
		}
		return false
	}, condWaitTimeout, condCheckInterval)

	// results of the cancelled attempt are ignored
	env.report("linux", mergeSHA, store.ResultSuccess)
	env.report("windows", mergeSHA, store.ResultSuccess)
	assert.Equal(t, store.StatusPending, env.getPR(1).Status)
}

func TestPushInvalidatesAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)
	env.approve(1)
	mergeSHA := env.waitMergeSHA(1)
	attemptID := env.getPR(1).AttemptID

	newHead := headSHA(100)
	require.NoError(t, env.c.UpdateHead(context.Background(), &HeadUpdate{
		Repo:    testRepo,
		Number:  1,
		HeadSHA: newHead,
	}))

	// the approval is kept and the pull request is tested again with
	// the new head
	pr := env.getPR(1)
	assert.Equal(t, store.StatusTesting, pr.Status)
	assert.Equal(t, newHead, pr.HeadSHA)
	assert.NotEqual(t, attemptID, pr.AttemptID)

	newMergeSHA := env.waitMergeSHA(1)
	assert.NotEqual(t, mergeSHA, newMergeSHA)

	require.Eventually(t, func() bool {
		for _, req := range env.cancelRequests() {
			if req.MergeSHA == mergeSHA {
				return true
			}
		}
		return false
	}, condWaitTimeout, condCheckInterval)

	env.report("linux", mergeSHA, store.ResultFailure)
	env.report("windows", mergeSHA, store.ResultFailure)
	assert.Equal(t, store.StatusTesting, env.getPR(1).Status)

	reqs := env.integrationRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, newHead, reqs[1].Members[0].HeadSHA)
}

func TestPushDropsApprovalWhenReapprovalIsRequired(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) {
		r.ReapproveOnPush = true
	})

	env.openPR(1)
	env.approve(1)
	env.waitMergeSHA(1)

	require.NoError(t, env.c.UpdateHead(context.Background(), &HeadUpdate{
		Repo:    testRepo,
		Number:  1,
		HeadSHA: headSHA(100),
	}))

	pr := env.getPR(1)
	assert.Equal(t, store.StatusPending, pr.Status)
	assert.Empty(t, pr.ApprovedBy)

	require.Eventually(t, func() bool {
		return env.hasNotification(1, policy.LabelEventPushed)
	}, condWaitTimeout, condCheckInterval)
}

func TestStatusBasedExemptionKeepsApproval(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) {
		r.ReapproveOnPush = true
		r.StatusBasedExemption = true
	})
	env.setHeadStatuses(
		&action.CIStatus{Name: "linux", Result: store.ResultSuccess},
		&action.CIStatus{Name: "windows", Result: store.ResultSuccess},
	)

	env.closeTree(9001)
	env.openPR(1)
	env.approve(1)
	assert.Equal(t, store.StatusApproved, env.getPR(1).Status)

	require.NoError(t, env.c.UpdateHead(context.Background(), &HeadUpdate{
		Repo:    testRepo,
		Number:  1,
		HeadSHA: headSHA(100),
	}))

	env.waitStatus(1, store.StatusApproved)
	assert.Equal(t, reviewer, env.getPR(1).ApprovedBy)
	require.Eventually(t, func() bool {
		return env.hasNotification(1, policy.LabelEventExempted)
	}, condWaitTimeout, condCheckInterval)
}

func TestTryBuildRunsIndependentlyOfAutoLane(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)
	env.openPR(2)

	require.NoError(t, env.c.Try(context.Background(), testRepo, 1, tryUser))
	env.approve(2)

	pr := env.getPR(1)
	assert.Equal(t, store.StatusTryTesting, pr.Status)
	assert.True(t, pr.IsTry)
	assert.Equal(t, store.StatusTesting, env.getPR(2).Status)

	trySHA := env.waitMergeSHA(1)
	env.report("linux", trySHA, store.ResultSuccess)

	assert.Equal(t, store.StatusTrySucceeded, env.getPR(1).Status)
	assert.Equal(t, store.StatusTesting, env.getPR(2).Status)
	require.Eventually(t, func() bool {
		return env.hasNotification(1, policy.LabelEventTrySucceed)
	}, condWaitTimeout, condCheckInterval)

	for _, req := range env.integrationRequests() {
		if req.Members[0].Number == 1 {
			assert.Equal(t, policy.LaneTry, req.Lane)
		}
	}
}

func TestTryIsRejectedForApprovedPullRequest(t *testing.T) {
	env := newTestEnv(t)
	env.closeTree(9001)
	env.openPR(1)
	env.approve(1)

	err := env.c.Try(context.Background(), testRepo, 1, tryUser)
	var valErr *borserr.ValidationError
	require.True(t, errors.As(err, &valErr), "unexpected error: %v", err)
}

func TestApproveCancelsTryBuild(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)

	require.NoError(t, env.c.Try(context.Background(), testRepo, 1, tryUser))
	trySHA := env.waitMergeSHA(1)

	env.approve(1)

	pr := env.getPR(1)
	assert.Equal(t, store.StatusTesting, pr.Status)
	assert.False(t, pr.IsTry)

	env.report("linux", trySHA, store.ResultSuccess)
	assert.Equal(t, store.StatusTesting, env.getPR(1).Status)
}

func TestCancelTry(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)

	require.NoError(t, env.c.Try(context.Background(), testRepo, 1, tryUser))
	env.waitMergeSHA(1)

	require.NoError(t, env.c.CancelTry(context.Background(), testRepo, 1, tryUser))

	pr := env.getPR(1)
	assert.Equal(t, store.StatusPending, pr.Status)
	assert.False(t, pr.IsTry)

	require.Eventually(t, func() bool {
		return len(env.cancelRequests()) == 1
	}, condWaitTimeout, condCheckInterval)
	assert.Equal(t, policy.LaneTry, env.cancelRequests()[0].Lane)
}

func TestFailedTryIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)

	require.NoError(t, env.c.Try(context.Background(), testRepo, 1, tryUser))
	trySHA := env.waitMergeSHA(1)
	env.report("linux", trySHA, store.ResultFailure)

	assert.Equal(t, store.StatusTryFailed, env.getPR(1).Status)
	require.Eventually(t, func() bool {
		return env.hasNotification(1, policy.LabelEventTryFailed)
	}, condWaitTimeout, condCheckInterval)

	require.NoError(t, env.c.Retry(context.Background(), testRepo, 1, tryUser))
	assert.Equal(t, store.StatusTryTesting, env.getPR(1).Status)
	assert.Len(t, env.retryLog(1), 1)
}

func TestRollupBatchIsTestedTogether(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) {
		r.RollupBatchSize = 3
	})
	ctx := context.Background()

	env.closeTree(9001)
	for i := 1; i <= 4; i++ {
		env.openPR(i)
		require.NoError(t, env.c.SetRollup(ctx, testRepo, i, tryUser, store.RollupAlways))
		env.approve(i)
	}
	env.openTree()

	members := env.prsWithStatus(store.StatusTesting)
	require.Len(t, members, 3)
	for _, pr := range members {
		assert.Equal(t, members[0].AttemptID, pr.AttemptID)
	}
	assert.Equal(t, store.StatusApproved, env.getPR(4).Status)

	mergeSHA := env.waitMergeSHA(1)
	env.waitMergeSHA(3)

	reqs := env.integrationRequests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Members, 3)
	assert.False(t, reqs[0].Squash)

	env.report("linux", mergeSHA, store.ResultSuccess)
	env.report("windows", mergeSHA, store.ResultFailure)

	// members are requeued, tested individually and #1 is scheduled
	// again
	assert.Equal(t, store.StatusTesting, env.getPR(1).Status)
	for _, num := range []int{1, 2, 3} {
		pr := env.getPR(num)
		assert.Equal(t, store.RollupMaybe, pr.Rollup, "pull request #%d", num)

		entries := env.retryLog(num)
		require.Len(t, entries, 1, "pull request #%d", num)
		assert.Equal(t, retryLogSourceRollup, entries[0].Source)
	}
	assert.Equal(t, store.StatusApproved, env.getPR(2).Status)
	assert.Equal(t, store.StatusApproved, env.getPR(3).Status)
	assert.Equal(t, store.RollupAlways, env.getPR(4).Rollup)
}

func TestRollupMembersAreMergedTogether(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) {
		r.RollupBatchSize = 2
	})
	ctx := context.Background()

	env.closeTree(9001)
	for i := 1; i <= 2; i++ {
		env.openPR(i)
		require.NoError(t, env.c.SetRollup(ctx, testRepo, i, tryUser, store.RollupAlways))
		env.approve(i)
	}
	env.openTree()

	mergeSHA := env.waitMergeSHA(1)
	env.report("linux", mergeSHA, store.ResultSuccess)
	env.report("windows", mergeSHA, store.ResultSuccess)

	env.waitStatus(1, store.StatusMerged)
	env.waitStatus(2, store.StatusMerged)
	assert.Len(t, env.pushRequests(), 1)
}

func TestPushToRollupMemberRequeuesOthers(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) {
		r.RollupBatchSize = 2
	})
	ctx := context.Background()

	env.closeTree(9001)
	for i := 1; i <= 2; i++ {
		env.openPR(i)
		require.NoError(t, env.c.SetRollup(ctx, testRepo, i, tryUser, store.RollupAlways))
		env.approve(i)
	}
	env.openTree()
	env.waitMergeSHA(2)

	env.closeTree(9001)
	require.NoError(t, env.c.UpdateHead(ctx, &HeadUpdate{Repo: testRepo, Number: 2, HeadSHA: headSHA(200)}))

	assert.Equal(t, store.StatusApproved, env.getPR(1).Status)
	assert.Equal(t, store.StatusApproved, env.getPR(2).Status)
	assert.Empty(t, env.getPR(1).MergeSHA)
}

func TestApplyCommandsContinuesAfterRejectedCommand(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)

	cmds, err := command.Parse("bors", "@bors rollup r+")
	require.NoError(t, err)

	err = env.c.ApplyCommands(context.Background(), &CommentCommands{
		Repo:     testRepo,
		Number:   1,
		Actor:    tryUser,
		Commands: cmds,
	})
	require.Error(t, err)
	assert.True(t, borserr.IsRejection(err))

	pr := env.getPR(1)
	assert.Equal(t, store.RollupAlways, pr.Rollup)
	assert.Equal(t, store.StatusPending, pr.Status)
}

func TestCollaboratorsCanApprove(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) { r.AuthCollaborators = true })
	env.openPR(1)
	env.openPR(2)

	cmds, err := command.Parse("bors", "@bors r+")
	require.NoError(t, err)

	err = env.c.ApplyCommands(context.Background(), &CommentCommands{
		Repo:     testRepo,
		Number:   1,
		Actor:    outsider,
		Commands: cmds,
	})
	require.Error(t, err)
	assert.True(t, borserr.IsRejection(err))
	assert.Equal(t, store.StatusPending, env.getPR(1).Status)

	require.NoError(t, env.c.ApplyCommands(context.Background(), &CommentCommands{
		Repo:         testRepo,
		Number:       2,
		Actor:        outsider,
		Collaborator: true,
		Commands:     cmds,
	}))
	assert.Equal(t, outsider, env.getPR(2).ApprovedBy)
}

func TestTreeCommandsFromComment(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)

	cmds, err := command.Parse("bors", "@bors treeclosed=50")
	require.NoError(t, err)

	require.NoError(t, env.c.ApplyCommands(context.Background(), &CommentCommands{
		Repo:     testRepo,
		Number:   1,
		Actor:    reviewer,
		URL:      "https://github.com/simplesurance/gobors/pull/1#issuecomment-1",
		Commands: cmds,
	}))

	ts := env.treeState()
	assert.Equal(t, 50, ts.ClosedPriority)
	assert.Equal(t, "https://github.com/simplesurance/gobors/pull/1#issuecomment-1", ts.Source)

	cmds, err = command.Parse("bors", "@bors treeclosed-")
	require.NoError(t, err)

	require.NoError(t, env.c.ApplyCommands(context.Background(), &CommentCommands{
		Repo:     testRepo,
		Number:   1,
		Actor:    reviewer,
		Commands: cmds,
	}))
	assert.False(t, env.treeState().IsClosed())
}

func TestClosedPullRequestLeavesQueue(t *testing.T) {
	env := newTestEnv(t)
	env.openPR(1)
	env.openPR(2)
	env.approve(1)
	env.approve(2)
	env.waitMergeSHA(1)

	require.NoError(t, env.c.ClosePullRequest(context.Background(), testRepo, 1, false))

	assert.Equal(t, store.StatusClosed, env.getPR(1).Status)
	assert.Equal(t, store.StatusTesting, env.getPR(2).Status)

	err := env.c.Approve(context.Background(), &ApproveRequest{Repo: testRepo, Number: 1, Actor: reviewer})
	var valErr *borserr.ValidationError
	require.True(t, errors.As(err, &valErr), "unexpected error: %v", err)
}

func TestCleanRestartsAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openPR(1)
	env.approve(1)
	oldSHA := env.waitMergeSHA(1)
	oldAttempt := env.getPR(1).AttemptID

	require.NoError(t, env.c.Clean(ctx, testRepo, 1, tryUser))

	newSHA := env.waitMergeSHA(1)
	assert.NotEqual(t, oldSHA, newSHA)

	pr := env.getPR(1)
	assert.Equal(t, store.StatusTesting, pr.Status)
	assert.NotEqual(t, oldAttempt, pr.AttemptID)

	require.Eventually(t, func() bool {
		for _, req := range env.cancelRequests() {
			if req.MergeSHA == oldSHA {
				return true
			}
		}
		return false
	}, condWaitTimeout, condCheckInterval)

	// results for the cleaned attempt are ignored
	env.report("linux", oldSHA, store.ResultSuccess)
	env.report("windows", oldSHA, store.ResultSuccess)
	assert.Equal(t, store.StatusTesting, env.getPR(1).Status)

	requireAuthError(t, env.c.Clean(ctx, testRepo, 1, outsider))
}

func TestSetPriorityAndSquash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openPR(1)

	require.NoError(t, env.c.SetPriority(ctx, testRepo, 1, tryUser, 42))
	require.NoError(t, env.c.SetSquash(ctx, testRepo, 1, tryUser, true))

	pr := env.getPR(1)
	assert.Equal(t, 42, pr.Priority)
	assert.True(t, pr.Squash)

	var validationErr *borserr.ValidationError
	require.ErrorAs(t, env.c.SetPriority(ctx, testRepo, 1, tryUser, 9002), &validationErr)
	assert.Equal(t, 42, env.getPR(1).Priority)

	require.NoError(t, env.c.SetSquash(ctx, testRepo, 1, tryUser, false))
	assert.False(t, env.getPR(1).Squash)
}

func TestRevokeDelegation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.openPR(1)

	require.NoError(t, env.c.SetDelegate(ctx, testRepo, 1, reviewer, outsider))
	require.Eventually(t, func() bool {
		return env.hasComment(1, outsider+" can now approve this pull request")
	}, condWaitTimeout, condCheckInterval)

	require.NoError(t, env.c.SetDelegate(ctx, testRepo, 1, reviewer, ""))
	requireAuthError(t, env.c.Approve(ctx, &ApproveRequest{Repo: testRepo, Number: 1, Actor: outsider}))
}

func TestPushWhileMergeCommitIsCreatedCancelsItsBuilds(t *testing.T) {
	env := newTestEnv(t)

	release := make(chan struct{})
	var releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	var calls atomic.Int32
	var staleSHA atomic.Value
	env.setOnBuildIntegration(func(_ *action.IntegrationRequest, mergeSHA string) {
		if calls.Add(1) == 1 {
			staleSHA.Store(mergeSHA)
			<-release
		}
	})

	env.openPR(1)
	env.approve(1)
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, condWaitTimeout, condCheckInterval)

	newHead := headSHA(100)
	require.NoError(t, env.c.UpdateHead(context.Background(), &HeadUpdate{
		Repo:    testRepo,
		Number:  1,
		HeadSHA: newHead,
	}))

	// the auto lane is granted again after the merge commit of the
	// invalidated attempt was created
	assert.Equal(t, store.StatusApproved, env.getPR(1).Status)
	assert.Len(t, env.integrationRequests(), 1)

	releaseOnce.Do(func() { close(release) })

	newMergeSHA := env.waitMergeSHA(1)
	assert.NotEqual(t, staleSHA.Load(), newMergeSHA)

	require.Eventually(t, func() bool {
		for _, req := range env.cancelRequests() {
			if req.MergeSHA == staleSHA.Load() && req.Lane == policy.LaneAuto {
				return true
			}
		}
		return false
	}, condWaitTimeout, condCheckInterval)

	reqs := env.integrationRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, newHead, reqs[1].Members[0].HeadSHA)

	// only the merge commit of the outstanding attempt is built
	for _, req := range env.buildRequests() {
		assert.Equal(t, newMergeSHA, req.MergeSHA)
	}
}

func TestStatusBasedExemptionPushesHead(t *testing.T) {
	env := newTestEnv(t, func(r *policy.Repository) {
		r.ReapproveOnPush = true
		r.StatusBasedExemption = true
	})
	env.setHeadStatuses(
		&action.CIStatus{Name: "linux", Result: store.ResultSuccess},
		&action.CIStatus{Name: "windows", Result: store.ResultSuccess},
	)

	env.openPR(1)
	env.approve(1)
	env.waitMergeSHA(1)

	newHead := headSHA(100)
	require.NoError(t, env.c.UpdateHead(context.Background(), &HeadUpdate{
		Repo:    testRepo,
		Number:  1,
		HeadSHA: newHead,
	}))

	env.waitStatus(1, store.StatusMerged)

	pr := env.getPR(1)
	assert.Equal(t, reviewer, pr.ApprovedBy)
	assert.Equal(t, newHead, pr.MergeSHA)

	pushes := env.pushRequests()
	require.Len(t, pushes, 1)
	assert.Equal(t, newHead, pushes[0].MergeSHA)
	assert.Equal(t, baseBranch, pushes[0].BaseRef)

	// the exempted head is not tested again
	assert.Len(t, env.integrationRequests(), 1)
	require.Eventually(t, func() bool {
		return env.hasNotification(1, policy.LabelEventExempted)
	}, condWaitTimeout, condCheckInterval)
}
