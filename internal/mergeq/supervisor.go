package mergeq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

const defSupervisorInterval = time.Minute

// supervisor periodically checks the outstanding integration attempts of
// all repositories for timeouts and prunes the retry log.
type supervisor struct {
	c        *Coordinator
	interval time.Duration
	logger   *zap.Logger

	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

func newSupervisor(c *Coordinator) *supervisor {
	interval := c.policy.SupervisorInterval
	if interval <= 0 {
		interval = defSupervisorInterval
	}

	return &supervisor{
		c:        c,
		interval: interval,
		logger:   c.logger.Named("supervisor"),
	}
}

func (s *supervisor) Start() {
	ctx, cancelFn := context.WithCancel(context.Background())
	s.cancelFn = cancelFn

	ticker := s.c.clock.Ticker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		s.logger.Debug("supervisor started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("supervisor terminated")
				return

			case <-ticker.C:
				s.c.Tick(ctx)
			}
		}
	}()
}

func (s *supervisor) Stop() {
	if s.cancelFn == nil {
		return
	}

	s.cancelFn()
	s.wg.Wait()
}

// Tick runs the periodic checks for all repositories: attempts that exceed
// the timeout of the repository are finished as TimedOut, the CI statuses
// of outstanding attempts are polled and expired retry log entries are
// pruned.
func (c *Coordinator) Tick(ctx context.Context) {
	c.queues.Foreach(func(_ string, q *repoQueue) bool {
		err := c.do(ctx, q.repo.FullName(), "tick", func(tr *transition) error {
			return tr.checkAttempts()
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("checking outstanding attempts failed",
				logfields.Repository(q.repo.FullName()),
				logEventOperationFailed,
				zap.Error(err),
			)
		}

		return ctx.Err() == nil
	})

	if ctx.Err() != nil {
		return
	}

	before := c.clock.Now().UTC().Add(c.policy.RetryLogExpire)
	pruned, err := c.store.PruneRetryLog(ctx, before)
	if err != nil {
		c.logger.Warn("pruning retry log failed", logEventOperationFailed, zap.Error(err))
		return
	}

	if pruned > 0 {
		c.logger.Debug("expired retry log entries pruned",
			logfields.Event("retry_log_pruned"),
			zap.Int64("count", pruned),
			zap.Time("before", before),
		)
	}
}

func (tr *transition) checkAttempts() error {
	prs, err := tr.tx.ListPullRequests(tr.ctx, tr.repoName(), store.StatusTesting, store.StatusTryTesting)
	if err != nil {
		return err
	}

	for _, members := range groupByAttempt(prs) {
		lead := members[0]

		if tr.timedOut(lead) {
			if err := tr.timeoutAttempt(members); err != nil {
				return err
			}
			continue
		}

		if lead.MergeSHA != "" && tr.repo.CI.Kind != policy.CIBuilders {
			tr.requestAttemptStatuses(lead)
		}
	}

	return nil
}

func (tr *transition) timedOut(pr *store.PullRequest) bool {
	if pr.TestingSince == nil || tr.repo.Timeout <= 0 {
		return false
	}

	return tr.now.Sub(*pr.TestingSince) > tr.repo.Timeout
}

func (tr *transition) timeoutAttempt(members []*store.PullRequest) error {
	lead := members[0]
	lane := laneOf(lead)
	mergeSHA := lead.MergeSHA
	attemptID := lead.AttemptID

	reason := fmt.Sprintf("no result after %s", tr.repo.Timeout)

	if err := tr.finishAttempt(members, store.StatusTimedOut, reason); err != nil {
		return err
	}

	if mergeSHA != "" {
		tr.requestCancel(lane, attemptID, mergeSHA)
	}

	return tr.countFailure(members)
}
