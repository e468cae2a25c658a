package mergeq

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

const retryLogSourceRollup = "rollup"

// finishAttempt applies the terminal outcome of an integration attempt to
// all of its members.
// outcome is one of StatusSuccess, StatusFailure, StatusTimedOut,
// StatusInterrupted or StatusConflict, for try attempts it is mapped to the
// try statuses.
func (tr *transition) finishAttempt(members []*store.PullRequest, outcome store.Status, reason string) error {
	lead := members[0]
	lane := laneOf(lead)

	tr.logger.Info(
		"integration attempt finished",
		logfields.AttemptID(lead.AttemptID),
		logfields.Lane(string(lane)),
		logfields.MergeSHA(lead.MergeSHA),
		logfields.Status(string(outcome)),
		zap.Ints("github.pull_requests", prNumbers(members)),
		logFieldReason(reason),
	)

	if lane == policy.LaneTry {
		return tr.finishTryAttempt(members, outcome, reason)
	}

	if outcome == store.StatusSuccess {
		for _, pr := range members {
			tr.setStatus(pr, store.StatusSuccess)
			pr.TestingSince = nil

			if err := tr.save(pr); err != nil {
				return err
			}
		}

		tr.consecutiveFailures = 0

		return nil
	}

	if len(members) > 1 {
		return tr.requeueBatch(members, outcome, reason)
	}

	pr := lead
	tr.setStatus(pr, outcome)
	pr.TestingSince = nil
	if err := tr.save(pr); err != nil {
		return err
	}

	ev, state, msg := failureNotification(outcome, reason)
	tr.notify(pr, ev, state, msg)

	return nil
}

func (tr *transition) finishTryAttempt(members []*store.PullRequest, outcome store.Status, reason string) error {
	for _, pr := range members {
		pr.TestingSince = nil

		if outcome == store.StatusSuccess {
			tr.setStatus(pr, store.StatusTrySucceeded)
			if err := tr.save(pr); err != nil {
				return err
			}

			tr.notify(pr, policy.LabelEventTrySucceed, "",
				fmt.Sprintf("Try build successful, merge commit %s.\n%s", shortSHA(pr.MergeSHA), reason),
			)

			continue
		}

		tr.setStatus(pr, store.StatusTryFailed)
		if err := tr.save(pr); err != nil {
			return err
		}

		ev, _, msg := failureNotification(outcome, reason)
		if ev == policy.LabelEventFailed {
			ev = policy.LabelEventTryFailed
		}

		tr.notify(pr, ev, "", "Try build: "+msg)
	}

	return nil
}

func failureNotification(outcome store.Status, reason string) (policy.LabelEvent, action.CommitState, string) {
	switch outcome {
	case store.StatusTimedOut:
		return policy.LabelEventTimedOut, action.CommitStateError, "Test timed out. " + reason
	case store.StatusInterrupted:
		return policy.LabelEventInterrupted, action.CommitStateError, "Test interrupted: " + reason
	case store.StatusConflict:
		return policy.LabelEventConflict, action.CommitStateError, "Merge conflict: " + reason
	default:
		return policy.LabelEventFailed, action.CommitStateFailure, "Test failed: " + reason
	}
}

// requeueBatch returns all members of a failed rollup attempt to Approved.
// Depending on the bisect policy they are removed from future rollups.
// Merge conflicts always isolate the members, a conflicting batch would be
// rebuilt unchanged otherwise.
func (tr *transition) requeueBatch(members []*store.PullRequest, outcome store.Status, reason string) error {
	isolate := tr.repo.Bisect == policy.BisectIsolate || outcome == store.StatusConflict
	batch := formatNumbers(members)

	for _, pr := range members {
		tr.setStatus(pr, store.StatusApproved)
		pr.TestingSince = nil
		if isolate {
			pr.Rollup = store.RollupMaybe
		}

		if err := tr.save(pr); err != nil {
			return err
		}

		msg := fmt.Sprintf("rollup %s finished with %s: %s", batch, outcome, reason)
		if err := tr.appendRetryLog(pr.Number, retryLogSourceRollup, msg); err != nil {
			return err
		}

		comment := fmt.Sprintf("Rollup of %s finished with %s, the pull request was requeued", batch, outcome)
		if isolate {
			comment += " and is tested individually"
		}

		tr.comment(pr.Number, comment+".\n"+reason)
	}

	return nil
}

// recordAutoFailure counts a failed auto attempt and closes the tree when
// the configured number of consecutive failures is reached.
func (tr *transition) recordAutoFailure(last *store.PullRequest) error {
	tr.consecutiveFailures++

	if tr.repo.TreeCloseAfter <= 0 || tr.consecutiveFailures < tr.repo.TreeCloseAfter {
		return nil
	}

	src := fmt.Sprintf("auto: %d consecutive failures (last #%d)", tr.consecutiveFailures, last.Number)
	tr.consecutiveFailures = 0

	gate, err := tr.tx.GetTreeState(tr.ctx, tr.repoName())
	if err != nil {
		return err
	}

	if gate.ClosedPriority >= tr.repo.TreeClosePriority {
		return nil
	}

	if err := tr.setTreeState(tr.repo.TreeClosePriority, src); err != nil {
		return err
	}

	tr.comment(last.Number, fmt.Sprintf(
		"Tree closed for pull requests with priority <= %d, %s.",
		tr.repo.TreeClosePriority, src,
	))

	return nil
}

// cancelAttempt invalidates the integration attempt that pr belongs to.
// The other members of a rollup attempt return to Approved.
// The status of pr is not changed, it is the responsibility of the caller.
func (tr *transition) cancelAttempt(pr *store.PullRequest, reason string) error {
	if !inFlight(pr) {
		return nil
	}

	members, err := tr.tx.ListPullRequestsByAttempt(tr.ctx, tr.repoName(), pr.AttemptID)
	if err != nil {
		return err
	}

	for _, m := range members {
		if m.Number == pr.Number || !inFlight(m) {
			continue
		}

		if m.Status == store.StatusTryTesting {
			tr.setStatus(m, store.StatusTryRequested)
		} else {
			tr.setStatus(m, store.StatusApproved)
		}
		m.MergeSHA = ""
		m.TestingSince = nil

		if err := tr.save(m); err != nil {
			return err
		}

		tr.comment(m.Number, fmt.Sprintf(
			"Rollup attempt was cancelled because #%d changed (%s), the pull request was requeued.",
			pr.Number, reason,
		))
	}

	tr.logger.Info(
		"integration attempt cancelled",
		logEventAttemptCancelled,
		logfields.PullRequest(pr.Number),
		logfields.AttemptID(pr.AttemptID),
		logfields.MergeSHA(pr.MergeSHA),
		logFieldReason(reason),
	)

	if pr.MergeSHA != "" && isTesting(pr) {
		tr.requestCancel(laneOf(pr), pr.AttemptID, pr.MergeSHA)
	}

	pr.MergeSHA = ""
	pr.TestingSince = nil

	return nil
}
