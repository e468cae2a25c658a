package mergeq

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

// autoLaneStatuses are the statuses that occupy the auto lane of a
// repository.
var autoLaneStatuses = []store.Status{
	store.StatusTesting,
	store.StatusSuccess,
	store.StatusQueuedForMerge,
}

func laneOf(pr *store.PullRequest) policy.Lane {
	if pr.IsTry {
		return policy.LaneTry
	}

	return policy.LaneAuto
}

// inFlight returns true if pr is a member of an outstanding integration
// attempt.
func inFlight(pr *store.PullRequest) bool {
	switch pr.Status {
	case store.StatusTesting, store.StatusSuccess, store.StatusQueuedForMerge, store.StatusTryTesting:
		return true
	default:
		return false
	}
}

// isTesting returns true if the builds of the attempt of pr are running.
func isTesting(pr *store.PullRequest) bool {
	return pr.Status == store.StatusTesting || pr.Status == store.StatusTryTesting
}

func isTerminal(pr *store.PullRequest) bool {
	return pr.Status == store.StatusMerged || pr.Status == store.StatusClosed
}

// schedule runs at the end of every operation, in the same transaction.
// It checks the tree-close gate and grants the free lanes of the
// repository to the next candidates.
// A lane is free when no attempt occupies it and the merge commit of an
// invalidated attempt is not being created on its branch anymore.
func (c *Coordinator) schedule(tr *transition) error {
	if err := tr.scheduleAuto(); err != nil {
		return err
	}

	return tr.scheduleTry()
}

func (tr *transition) scheduleAuto() error {
	occupants, err := tr.tx.ListPullRequests(tr.ctx, tr.repoName(), autoLaneStatuses...)
	if err != nil {
		return err
	}

	if len(occupants) > 0 {
		return tr.queueSucceededForMerge(occupants)
	}

	if tr.laneBuilding(policy.LaneAuto) {
		return nil
	}

	candidates, err := tr.tx.ListPullRequests(tr.ctx, tr.repoName(), store.StatusApproved)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		return nil
	}

	gate, err := tr.tx.GetTreeState(tr.ctx, tr.repoName())
	if err != nil {
		return err
	}

	candidates = tr.filterGate(gate, candidates)
	if len(candidates) == 0 {
		return nil
	}

	batch, err := tr.rollupBatch(candidates)
	if err != nil {
		return err
	}

	return tr.grant(policy.LaneAuto, batch)
}

// queueSucceededForMerge moves attempts whose members all succeeded to
// QueuedForMerge and requests the push to the base branch.
func (tr *transition) queueSucceededForMerge(occupants []*store.PullRequest) error {
	attempts := groupByAttempt(occupants)

	for _, members := range attempts {
		if !allHaveStatus(members, store.StatusSuccess) {
			continue
		}

		for _, pr := range members {
			tr.setStatus(pr, store.StatusQueuedForMerge)
			if err := tr.save(pr); err != nil {
				return err
			}
		}

		lead := members[0]
		tr.requestPush(lead.AttemptID, lead.BaseRef, lead.MergeSHA)
	}

	return nil
}

func (tr *transition) scheduleTry() error {
	occupants, err := tr.tx.ListPullRequests(tr.ctx, tr.repoName(), store.StatusTryTesting)
	if err != nil {
		return err
	}

	if len(occupants) > 0 {
		return nil
	}

	if tr.laneBuilding(policy.LaneTry) {
		return nil
	}

	candidates, err := tr.tx.ListPullRequests(tr.ctx, tr.repoName(), store.StatusTryRequested)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		return nil
	}

	gate, err := tr.tx.GetTreeState(tr.ctx, tr.repoName())
	if err != nil {
		return err
	}

	candidates = tr.filterGate(gate, candidates)
	if len(candidates) == 0 {
		return nil
	}

	return tr.grant(policy.LaneTry, candidates[:1])
}

func (tr *transition) filterGate(gate *store.TreeState, candidates []*store.PullRequest) []*store.PullRequest {
	if !gate.IsClosed() {
		return candidates
	}

	result := make([]*store.PullRequest, 0, len(candidates))
	for _, pr := range candidates {
		if gate.Blocks(pr.Priority) {
			continue
		}

		result = append(result, pr)
	}

	if len(result) < len(candidates) {
		tr.logger.Debug(
			"tree is closed, pull requests are held back",
			zap.Int("mergeq.treeclosed", gate.ClosedPriority),
			zap.Int("mergeq.held_back", len(candidates)-len(result)),
		)
	}

	return result
}

func rollupEligible(pr *store.PullRequest) bool {
	return pr.Rollup > store.RollupMaybe && !pr.Squash
}

// rollupBatch returns the pull requests that are tested in the next auto
// attempt. candidates must be in scheduling order.
// Consecutive rollup-eligible pull requests with the same base branch are
// batched, the batch ends at the first pull request that is not eligible.
// Pull requests that are known to be unmergeable are skipped.
func (tr *transition) rollupBatch(candidates []*store.PullRequest) ([]*store.PullRequest, error) {
	first := candidates[0]
	if tr.repo.RollupBatchSize <= 1 || !rollupEligible(first) {
		return candidates[:1], nil
	}

	batch := []*store.PullRequest{first}

	for _, pr := range candidates[1:] {
		if len(batch) >= tr.repo.RollupBatchSize {
			break
		}

		if !rollupEligible(pr) || pr.BaseRef != first.BaseRef {
			break
		}

		mergeable, known, err := tr.tx.GetMergeable(tr.ctx, tr.repoName(), pr.Number)
		if err != nil {
			return nil, err
		}

		if known && !mergeable {
			tr.logger.Debug(
				"skipping unmergeable pull request for rollup",
				logfields.PullRequest(pr.Number),
			)
			continue
		}

		batch = append(batch, pr)
	}

	return batch, nil
}

// grant starts an integration attempt for members in lane.
func (tr *transition) grant(lane policy.Lane, members []*store.PullRequest) error {
	attemptID := uuid.NewString()

	status := store.StatusTesting
	if lane == policy.LaneTry {
		status = store.StatusTryTesting
	}

	now := tr.now
	for _, pr := range members {
		tr.setStatus(pr, status)
		pr.AttemptID = attemptID
		pr.MergeSHA = ""
		pr.TestingSince = &now

		if err := tr.save(pr); err != nil {
			return err
		}
	}

	tr.attemptsStarted = append(tr.attemptsStarted, lane)

	tr.logger.Info(
		"integration attempt started",
		logEventAttemptStarted,
		logfields.AttemptID(attemptID),
		logfields.Lane(string(lane)),
		logfields.BaseBranch(members[0].BaseRef),
		zap.Ints("github.pull_requests", prNumbers(members)),
	)

	tr.requestIntegration(lane, attemptID, members)

	return nil
}

// groupByAttempt groups prs by their attempt ID, the order of the first
// occurrence is kept.
func groupByAttempt(prs []*store.PullRequest) [][]*store.PullRequest {
	idx := map[string]int{}
	var result [][]*store.PullRequest

	for _, pr := range prs {
		i, exist := idx[pr.AttemptID]
		if !exist {
			idx[pr.AttemptID] = len(result)
			result = append(result, []*store.PullRequest{pr})
			continue
		}

		result[i] = append(result[i], pr)
	}

	return result
}

func allHaveStatus(prs []*store.PullRequest, st store.Status) bool {
	for _, pr := range prs {
		if pr.Status != st {
			return false
		}
	}

	return true
}
