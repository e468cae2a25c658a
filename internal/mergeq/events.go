package mergeq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/set"
	"github.com/simplesurance/gobors/internal/store"
)

// IntegrationBuilt records the result of building the merge commit of an
// attempt. On success the builders are started, a merge conflict finishes
// the attempt as Conflict, other errors as Failure.
// When the attempt was invalidated while its merge commit was created, the
// builds of the merge commit are cancelled.
func (c *Coordinator) IntegrationBuilt(ctx context.Context, repo, attemptID, mergeSHA string, buildErr error) error {
	return c.do(ctx, repo, "integration_built", func(tr *transition) error {
		lane, building := tr.q.building[attemptID]
		tr.buildsFinished = append(tr.buildsFinished, attemptID)

		all, err := tr.tx.ListPullRequestsByAttempt(tr.ctx, tr.repoName(), attemptID)
		if err != nil {
			return err
		}

		var members []*store.PullRequest
		for _, pr := range all {
			if isTesting(pr) && pr.MergeSHA == "" {
				members = append(members, pr)
			}
		}

		if len(members) > 0 {
			if buildErr != nil {
				return tr.integrationFailed(members, buildErr)
			}

			return tr.integrationStarted(members, mergeSHA)
		}

		// the operation must be committed to release the lane, the
		// stale result is not returned as error
		metrics.StaleReportInc(tr.repoName())
		tr.logger.Info(
			"merge commit of an attempt that is not outstanding was built",
			logEventStaleReport,
			logfields.AttemptID(attemptID),
			logfields.MergeSHA(mergeSHA),
		)

		if buildErr == nil && mergeSHA != "" && building {
			tr.requestCancel(lane, attemptID, mergeSHA)
		}

		return nil
	})
}

func (tr *transition) integrationFailed(members []*store.PullRequest, buildErr error) error {
	var conflictErr *borserr.ConflictError
	if errors.As(buildErr, &conflictErr) {
		if len(members) == 1 {
			if err := tr.tx.SetMergeable(tr.ctx, tr.repoName(), members[0].Number, false); err != nil {
				return err
			}
		}

		return tr.finishAttempt(members, store.StatusConflict, buildErr.Error())
	}

	return tr.finishAttempt(members, store.StatusFailure, "creating the merge commit failed: "+buildErr.Error())
}

func (tr *transition) integrationStarted(members []*store.PullRequest, mergeSHA string) error {
	lane := laneOf(members[0])
	builders := set.Sorted(tr.repo.CI.Expected(lane))

	for _, pr := range members {
		pr.MergeSHA = mergeSHA
		if err := tr.save(pr); err != nil {
			return err
		}

		if err := tr.tx.InsertPendingResults(tr.ctx, tr.repoName(), pr.Number, mergeSHA, builders, tr.now); err != nil {
			return err
		}

		if lane == policy.LaneTry {
			tr.notify(pr, "", "", fmt.Sprintf("Trying commit %s with merge %s.", shortSHA(pr.HeadSHA), shortSHA(mergeSHA)))
			continue
		}

		msg := fmt.Sprintf("Testing commit %s with merge %s.", shortSHA(pr.HeadSHA), shortSHA(mergeSHA))
		if len(members) > 1 {
			msg = fmt.Sprintf("Testing rollup %s with merge %s.", formatNumbers(members), shortSHA(mergeSHA))
		}
		tr.notify(pr, "", action.CommitStatePending, msg)
	}

	tr.logger.Info(
		"merge commit created, waiting for builds",
		logfields.AttemptID(members[0].AttemptID),
		logfields.MergeSHA(mergeSHA),
		zap.Strings("ci.expected_builders", builders),
	)

	if tr.repo.CI.Kind == policy.CIBuilders {
		tr.requestBuilds(lane, members, mergeSHA)
	}

	return tr.applyHeldReports(members, mergeSHA)
}

// applyHeldReports records the build results for mergeSHA that arrived
// before the merge commit was recorded.
func (tr *transition) applyHeldReports(members []*store.PullRequest, mergeSHA string) error {
	reports := tr.q.held[mergeSHA]
	if len(reports) == 0 {
		return nil
	}

	tr.releasedReports = append(tr.releasedReports, mergeSHA)

	for _, r := range reports {
		if !isTesting(members[0]) {
			break
		}

		tr.logger.Debug("applying build result that arrived before the merge commit was recorded",
			append(r.logFields(), logfields.Event("held_build_result_applied"))...,
		)

		if err := tr.recordBuildResult(members, r); err != nil {
			return err
		}
	}

	return nil
}

// buildsFailedToStart finishes the attempt that tests mergeSHA as failed.
func (c *Coordinator) buildsFailedToStart(ctx context.Context, repo, mergeSHA string, startErr error) error {
	err := c.do(ctx, repo, "builds_failed_to_start", func(tr *transition) error {
		members, err := tr.attemptMembersBySHA(0, mergeSHA)
		if err != nil {
			return err
		}

		if err := tr.finishAttempt(members, store.StatusFailure, "starting the builds failed: "+startErr.Error()); err != nil {
			return err
		}

		return tr.countFailure(members)
	})

	return c.ignoreStale(repo, err, logfields.MergeSHA(mergeSHA))
}

// MergeLanded records the result of pushing the merge commit of a
// succeeded attempt to the base branch.
func (c *Coordinator) MergeLanded(ctx context.Context, repo, attemptID, mergeSHA string, pushErr error) error {
	err := c.do(ctx, repo, "merge_landed", func(tr *transition) error {
		all, err := tr.tx.ListPullRequestsByAttempt(tr.ctx, tr.repoName(), attemptID)
		if err != nil {
			return err
		}

		var members []*store.PullRequest
		for _, pr := range all {
			if pr.Status == store.StatusQueuedForMerge && pr.MergeSHA == mergeSHA {
				members = append(members, pr)
			}
		}

		if len(members) == 0 {
			return stale(mergeSHA, "attempt is not queued for merge")
		}

		for _, pr := range members {
			if pushErr != nil && pr.MergeSHA == pr.HeadSHA {
				// the head could not be fast-forwarded, it is tested
				// like any other approved pull request
				tr.setStatus(pr, store.StatusApproved)
				pr.MergeSHA = ""
				if err := tr.save(pr); err != nil {
					return err
				}

				tr.comment(pr.Number, fmt.Sprintf(
					"Pushing %s to %s failed, testing a merge commit instead: %s",
					shortSHA(pr.HeadSHA), pr.BaseRef, pushErr,
				))
				continue
			}

			if pushErr != nil {
				tr.setStatus(pr, store.StatusFailure)
				if err := tr.save(pr); err != nil {
					return err
				}

				tr.notify(pr, policy.LabelEventFailed, action.CommitStateFailure,
					fmt.Sprintf("Test successful but pushing %s to %s failed: %s", shortSHA(mergeSHA), pr.BaseRef, pushErr),
				)
				continue
			}

			tr.setStatus(pr, store.StatusMerged)
			if err := tr.save(pr); err != nil {
				return err
			}

			tr.notify(pr, policy.LabelEventSucceed, action.CommitStateSuccess,
				fmt.Sprintf("Test successful, merged into %s as %s.", pr.BaseRef, shortSHA(mergeSHA)),
			)
		}

		return nil
	})

	return c.ignoreStale(repo, err, logfields.AttemptID(attemptID))
}

// HeadUpdate is a change of the head or base branch of a pull request.
type HeadUpdate struct {
	Repo    string
	Number  int
	HeadSHA string
	// BaseRef is the new base branch, empty if it did not change.
	BaseRef string
}

// UpdateHead applies a push to a pull request.
// An outstanding attempt of the pull request is cancelled.
func (c *Coordinator) UpdateHead(ctx context.Context, upd *HeadUpdate) error {
	if upd.HeadSHA == "" {
		return borserr.NewValidationError("head commit is empty")
	}

	return c.do(ctx, upd.Repo, "update_head", func(tr *transition) error {
		pr, err := tr.getPR(upd.Number)
		if err != nil {
			return err
		}

		if err := tr.applyHead(pr, upd.HeadSHA, upd.BaseRef); err != nil {
			return err
		}

		return tr.save(pr)
	})
}

// applyHead updates the head and base branch of pr, it does not save pr.
func (tr *transition) applyHead(pr *store.PullRequest, headSHA, baseRef string) error {
	if baseRef == "" {
		baseRef = pr.BaseRef
	}

	if pr.HeadSHA == headSHA && pr.BaseRef == baseRef {
		return nil
	}

	tr.logger.Info(
		"pull request branch changed",
		logfields.PullRequest(pr.Number),
		logfields.Commit(headSHA),
		logfields.BaseBranch(baseRef),
		zap.String("git.previous_commit", pr.HeadSHA),
	)

	if err := tr.cancelAttempt(pr, "branch changed"); err != nil {
		return err
	}

	pr.HeadSHA = headSHA
	pr.BaseRef = baseRef
	pr.MergeSHA = ""

	if err := tr.tx.ClearMergeable(tr.ctx, tr.repoName(), pr.Number); err != nil {
		return err
	}

	if isTerminal(pr) {
		return nil
	}

	if pr.IsTry {
		pr.IsTry = false
		pr.QueuedAt = nil
		tr.setStatus(pr, store.StatusPending)
		return nil
	}

	if pr.ApprovedBy == "" {
		tr.setStatus(pr, store.StatusPending)
		return nil
	}

	if !tr.repo.ReapproveOnPush {
		tr.setStatus(pr, store.StatusApproved)
		return nil
	}

	if tr.repo.StatusBasedExemption {
		tr.setStatus(pr, store.StatusPending)
		tr.requestHeadStatuses(pr)
		return nil
	}

	return tr.dropApproval(pr, "the pull request was pushed to")
}

func (tr *transition) dropApproval(pr *store.PullRequest, why string) error {
	pr.ApprovedBy = ""
	pr.QueuedAt = nil
	tr.setStatus(pr, store.StatusPending)

	tr.notify(pr, policy.LabelEventPushed, "",
		fmt.Sprintf("Approval dropped, %s (head is now %s).", why, shortSHA(pr.HeadSHA)),
	)

	return nil
}

// headStatusReport decides about the status-based exemption of a pushed
// pull request. When all required statuses of the new head passed, the
// approval is kept and the head is pushed to the base branch if possible.
func (c *Coordinator) headStatusReport(ctx context.Context, repo string, num int, headSHA string, statuses []*action.CIStatus, fetchErr error) error {
	err := c.do(ctx, repo, "head_status_report", func(tr *transition) error {
		pr, err := tr.getPR(num)
		if err != nil {
			return err
		}

		if pr.Status != store.StatusPending || pr.ApprovedBy == "" || pr.HeadSHA != headSHA {
			return stale(headSHA, "pull request is not awaiting a status-based exemption")
		}

		if fetchErr == nil && headPassed(tr.repo.CI.Expected(policy.LaneAuto), statuses) {
			return tr.exempt(pr)
		}

		if err := tr.dropApproval(pr, "the pull request was pushed to"); err != nil {
			return err
		}

		return tr.save(pr)
	})

	return c.ignoreStale(repo, err, logfields.PullRequest(num))
}

// exempt keeps the approval of pr whose head passed all required statuses.
// When the auto lane is free, the head is pushed to the base branch
// without testing a merge commit. Otherwise pr is queued as Approved.
func (tr *transition) exempt(pr *store.PullRequest) error {
	free, err := tr.autoLaneFree(pr)
	if err != nil {
		return err
	}

	if !free {
		tr.setStatus(pr, store.StatusApproved)
		if err := tr.save(pr); err != nil {
			return err
		}

		tr.notify(pr, policy.LabelEventExempted, "",
			fmt.Sprintf("All required statuses passed on %s, the approval is kept.", shortSHA(pr.HeadSHA)),
		)
		return nil
	}

	tr.setStatus(pr, store.StatusQueuedForMerge)
	pr.AttemptID = uuid.NewString()
	pr.MergeSHA = pr.HeadSHA
	pr.TestingSince = nil
	if err := tr.save(pr); err != nil {
		return err
	}

	tr.logger.Info(
		"required statuses of head passed, pushing it to the base branch",
		logfields.PullRequest(pr.Number),
		logfields.AttemptID(pr.AttemptID),
		logfields.Commit(pr.HeadSHA),
		logfields.BaseBranch(pr.BaseRef),
	)

	tr.notify(pr, policy.LabelEventExempted, "",
		fmt.Sprintf("All required statuses passed on %s, pushing it to %s.", shortSHA(pr.HeadSHA), pr.BaseRef),
	)
	tr.requestPush(pr.AttemptID, pr.BaseRef, pr.HeadSHA)

	return nil
}

// autoLaneFree returns true if the auto lane is not occupied and the tree
// gate does not hold back pr.
func (tr *transition) autoLaneFree(pr *store.PullRequest) (bool, error) {
	if tr.laneBuilding(policy.LaneAuto) {
		return false, nil
	}

	occupants, err := tr.tx.ListPullRequests(tr.ctx, tr.repoName(), autoLaneStatuses...)
	if err != nil {
		return false, err
	}

	if len(occupants) > 0 {
		return false, nil
	}

	gate, err := tr.tx.GetTreeState(tr.ctx, tr.repoName())
	if err != nil {
		return false, err
	}

	return !gate.Blocks(pr.Priority), nil
}

func headPassed(expected set.Set[string], statuses []*action.CIStatus) bool {
	passed := make(set.Set[string], len(statuses))
	for _, s := range statuses {
		if s.Result == store.ResultSuccess {
			passed.Add(s.Name)
		}
	}

	if len(expected) == 0 {
		return false
	}

	for name := range expected {
		if !passed.Contains(name) {
			return false
		}
	}

	return true
}

// mergeableReport records if the head of a pull request can be merged
// into its base branch.
func (c *Coordinator) mergeableReport(ctx context.Context, repo string, num int, headSHA string, mergeable bool) error {
	err := c.do(ctx, repo, "mergeable_report", func(tr *transition) error {
		pr, err := tr.getPR(num)
		if err != nil {
			return err
		}

		if pr.HeadSHA != headSHA {
			return stale(headSHA, "head of the pull request changed")
		}

		prev, known, err := tr.tx.GetMergeable(tr.ctx, tr.repoName(), num)
		if err != nil {
			return err
		}

		if err := tr.tx.SetMergeable(tr.ctx, tr.repoName(), num, mergeable); err != nil {
			return err
		}

		if !mergeable && (!known || prev) && pr.Status == store.StatusApproved {
			tr.notify(pr, policy.LabelEventConflict, "",
				fmt.Sprintf("The pull request has a merge conflict with %s.", pr.BaseRef),
			)
		}

		return nil
	})

	return c.ignoreStale(repo, err, logfields.PullRequest(num))
}

// BaseBranchChanged must be called when the base branch baseRef was
// pushed to. The cached mergeable state of the pull requests is cleared
// and recomputed for the approved ones.
func (c *Coordinator) BaseBranchChanged(ctx context.Context, repo, baseRef string) error {
	return c.do(ctx, repo, "base_branch_changed", func(tr *transition) error {
		cleared, err := tr.tx.ClearMergeableForBase(tr.ctx, tr.repoName(), baseRef)
		if err != nil {
			return err
		}

		prs, err := tr.tx.ListPullRequestsByBase(tr.ctx, tr.repoName(), baseRef)
		if err != nil {
			return err
		}

		var recheck int
		for _, pr := range prs {
			if pr.Status != store.StatusApproved {
				continue
			}

			tr.requestMergeable(pr)
			recheck++
		}

		tr.logger.Debug(
			"base branch changed, mergeable states cleared",
			logfields.BaseBranch(baseRef),
			zap.Int64("mergeq.cleared", cleared),
			zap.Int("mergeq.rechecked", recheck),
		)

		return nil
	})
}

// PullRequestInfo is the observed state of a pull request on GitHub.
type PullRequestInfo struct {
	Repo     string
	Number   int
	Title    string
	Body     string
	HeadSHA  string
	HeadRef  string
	BaseRef  string
	Assignee string
	Closed   bool
	Merged   bool
}

// ObservePullRequest creates or updates the pull request.
// Closed pull requests are marked as Closed or Merged, reopened ones
// start again as Pending.
func (c *Coordinator) ObservePullRequest(ctx context.Context, info *PullRequestInfo) error {
	if info.Number <= 0 {
		return borserr.NewValidationError("invalid pull request number %d", info.Number)
	}

	return c.do(ctx, info.Repo, "observe_pull_request", func(tr *transition) error {
		pr, err := tr.tx.GetPullRequest(tr.ctx, tr.repoName(), info.Number)
		if err != nil {
			if !errors.Is(err, borserr.ErrNotFound) {
				return err
			}

			pr = &store.PullRequest{
				Repo:    tr.repoName(),
				Number:  info.Number,
				Status:  store.StatusPending,
				HeadSHA: info.HeadSHA,
				BaseRef: info.BaseRef,
			}

			tr.logger.Info("new pull request observed",
				logfields.PullRequest(info.Number),
				logfields.Commit(info.HeadSHA),
				logfields.BaseBranch(info.BaseRef),
			)
		}

		pr.Title = info.Title
		pr.Body = info.Body
		pr.HeadRef = info.HeadRef
		pr.Assignee = info.Assignee

		if info.Closed {
			if err := tr.closePR(pr, info.Merged); err != nil {
				return err
			}

			return tr.save(pr)
		}

		if isTerminal(pr) {
			pr.ApprovedBy = ""
			pr.QueuedAt = nil
			pr.IsTry = false
			tr.setStatus(pr, store.StatusPending)
		}

		if info.HeadSHA != "" {
			if err := tr.applyHead(pr, info.HeadSHA, info.BaseRef); err != nil {
				return err
			}
		}

		return tr.save(pr)
	})
}

// ClosePullRequest marks a pull request as closed or merged, an outstanding
// attempt is cancelled.
func (c *Coordinator) ClosePullRequest(ctx context.Context, repo string, num int, merged bool) error {
	return c.do(ctx, repo, "close_pull_request", func(tr *transition) error {
		pr, err := tr.getPR(num)
		if err != nil {
			return err
		}

		if err := tr.closePR(pr, merged); err != nil {
			return err
		}

		return tr.save(pr)
	})
}

func (tr *transition) closePR(pr *store.PullRequest, merged bool) error {
	if err := tr.cancelAttempt(pr, "pull request closed"); err != nil {
		return err
	}

	pr.TestingSince = nil

	if merged {
		tr.setStatus(pr, store.StatusMerged)
	} else {
		tr.setStatus(pr, store.StatusClosed)
	}

	return nil
}
