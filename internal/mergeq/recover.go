package mergeq

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

// Recover resumes the side effects of outstanding attempts after a
// restart: the merge commits of attempts without a recorded merge commit
// are requested again, the push of attempts that are queued for merge is
// repeated. The builders of attempts whose builds did not report yet are
// triggered again. Afterwards free lanes are scheduled.
func (c *Coordinator) Recover(ctx context.Context) error {
	var errs []error

	c.queues.Foreach(func(_ string, q *repoQueue) bool {
		err := c.do(ctx, q.repo.FullName(), "recover", func(tr *transition) error {
			return tr.recover()
		})
		if err != nil {
			errs = append(errs, err)
		}

		return ctx.Err() == nil
	})

	return errors.Join(errs...)
}

func (tr *transition) recover() error {
	prs, err := tr.tx.ListPullRequests(
		tr.ctx, tr.repoName(),
		store.StatusTesting, store.StatusTryTesting, store.StatusQueuedForMerge,
	)
	if err != nil {
		return err
	}

	var resumed int

	for _, members := range groupByAttempt(prs) {
		lead := members[0]

		switch {
		case lead.Status == store.StatusQueuedForMerge:
			tr.requestPush(lead.AttemptID, lead.BaseRef, lead.MergeSHA)
			resumed++

		case lead.MergeSHA == "":
			tr.requestIntegration(laneOf(lead), lead.AttemptID, members)
			resumed++

		case tr.repo.CI.Kind == policy.CIBuilders:
			started, err := tr.buildsStarted(lead)
			if err != nil {
				return err
			}

			if !started {
				tr.requestBuilds(laneOf(lead), members, lead.MergeSHA)
				resumed++
			}
		}
	}

	tr.logger.Info(
		"outstanding attempts recovered",
		logfields.Event("attempts_recovered"),
		zap.Int("mergeq.resumed_attempts", resumed),
		zap.Int("mergeq.outstanding_pull_requests", len(prs)),
	)

	return nil
}

// buildsStarted returns true if a builder reported a result for the merge
// commit of the attempt of lead.
func (tr *transition) buildsStarted(lead *store.PullRequest) (bool, error) {
	results, err := tr.tx.ListBuildResults(tr.ctx, tr.repoName(), lead.Number, lead.MergeSHA)
	if err != nil {
		return false, err
	}

	for _, r := range results {
		if r.Result != store.ResultPending || r.URL != "" {
			return true, nil
		}
	}

	return false, nil
}
