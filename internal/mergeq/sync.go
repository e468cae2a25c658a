package mergeq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/githubclt"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

// PullRequestLister lists the pull requests of a GitHub repository.
type PullRequestLister interface {
	ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) githubclt.PRIterator
}

type syncResult struct {
	start    time.Time
	open     uint
	closed   uint
	failures uint
}

func (r *syncResult) logFields() []zap.Field {
	return []zap.Field{
		zap.Duration("sync_duration", time.Since(r.start)),
		zap.Uint("sync.open_pull_requests", r.open),
		zap.Uint("sync.closed_pull_requests", r.closed),
		zap.Uint("sync.failures", r.failures),
	}
}

// InitialSync synchronizes the stored pull requests with the open pull
// requests at GitHub. It is intended to be run once on startup, before
// webhook events are processed.
// Open pull requests are observed, stored pull requests that are not open
// anymore are closed.
func (c *Coordinator) InitialSync(ctx context.Context, lister PullRequestLister) error {
	for _, q := range c.queues.Values() {
		if err := c.sync(ctx, lister, q.repo); err != nil {
			return fmt.Errorf("syncing %s failed: %w", q.repo, err)
		}
	}

	return nil
}

func (c *Coordinator) sync(ctx context.Context, lister PullRequestLister, repo *policy.Repository) error {
	stats := syncResult{start: time.Now()}
	logger := c.logger.With(logfields.Repository(repo.FullName()))

	logger.Info("starting synchronization", logfields.Event("initial_sync_started"))

	open := map[int]struct{}{}

	it := lister.ListPullRequests(ctx, repo.Owner, repo.Name, "open", "created", "asc")
	for {
		var pr *github.PullRequest

		err := c.retryer.Run(ctx, func(context.Context) error {
			var err error
			pr, err = it.Next()
			return err
		}, []zap.Field{logfields.Repository(repo.FullName())})
		if err != nil {
			return err
		}

		if pr == nil {
			break
		}

		stats.open++
		open[pr.GetNumber()] = struct{}{}

		err = c.ObservePullRequest(ctx, pullRequestInfo(repo, pr))
		if err != nil {
			stats.failures++
			logger.Warn(
				"observing pull request failed",
				logfields.PullRequest(pr.GetNumber()),
				logEventOperationFailed,
				zap.Error(err),
			)
		}
	}

	err := c.do(ctx, repo.FullName(), "sync_closed", func(tr *transition) error {
		prs, err := tr.tx.ListPullRequests(tr.ctx, tr.repoName(), openStatuses...)
		if err != nil {
			return err
		}

		for _, pr := range prs {
			if _, exist := open[pr.Number]; exist {
				continue
			}

			if err := tr.closePR(pr, false); err != nil {
				return err
			}

			if err := tr.save(pr); err != nil {
				return err
			}

			stats.closed++
		}

		return nil
	})
	if err != nil {
		return err
	}

	logger.Info(
		"synchronization finished",
		append(stats.logFields(), logfields.Event("initial_sync_finished"))...,
	)

	return nil
}

// openStatuses are all statuses that a pull request can have while it is
// open.
var openStatuses = []store.Status{
	store.StatusPending,
	store.StatusApproved,
	store.StatusTesting,
	store.StatusSuccess,
	store.StatusQueuedForMerge,
	store.StatusFailure,
	store.StatusTimedOut,
	store.StatusInterrupted,
	store.StatusConflict,
	store.StatusTryRequested,
	store.StatusTryTesting,
	store.StatusTrySucceeded,
	store.StatusTryFailed,
}
