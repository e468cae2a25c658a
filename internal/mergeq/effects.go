package mergeq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/retryer"
	"github.com/simplesurance/gobors/internal/store"
)

// effect is a side effect that is started after an operation was
// committed. run is retried on temporary errors. done, if set, is called
// with the final result of run, it feeds the result back into the
// Coordinator as a new operation.
type effect struct {
	name string
	logF []zap.Field
	run  func(context.Context) error
	done func(context.Context, error)
}

func (c *Coordinator) dispatch(q *repoQueue, effects []*effect) {
	if len(effects) == 0 {
		return
	}

	c.lock.RLock()
	if c.effectsStopped {
		c.lock.RUnlock()

		for _, e := range effects {
			q.logger.Info(
				"coordinator is terminating, side effect not started",
				append(e.logF, logEventEffectDropped, zap.String("effect", e.name))...,
			)
		}

		return
	}
	c.effectsWg.Add(len(effects))
	c.lock.RUnlock()

	for _, e := range effects {
		e := e
		go func() {
			defer c.effectsWg.Done()
			c.runEffect(q, e)
		}()
	}
}

func (c *Coordinator) runEffect(q *repoQueue, e *effect) {
	ctx := context.Background()
	logF := append([]zap.Field{zap.String("effect", e.name)}, e.logF...)

	err := c.retryer.Run(ctx, e.run, logF)
	if errors.Is(err, retryer.ErrStopped) {
		q.logger.Info("side effect aborted, coordinator is terminating",
			append(logF, logEventEffectDropped)...,
		)
		return
	}

	if err != nil {
		metrics.EffectFailureInc(q.repo.FullName(), e.name)
		q.logger.Warn("side effect failed", append(logF, logEventEffectFailed, zap.Error(err))...)
	}

	if e.done != nil {
		e.done(ctx, err)
	}
}

func (tr *transition) addEffect(e *effect) {
	e.logF = append(e.logF, logfields.Repository(tr.repoName()))
	tr.effects = append(tr.effects, e)
}

func integrationMembers(members []*store.PullRequest) []*action.IntegrationMember {
	result := make([]*action.IntegrationMember, 0, len(members))
	for _, m := range members {
		result = append(result, &action.IntegrationMember{
			Number:     m.Number,
			HeadSHA:    m.HeadSHA,
			HeadRef:    m.HeadRef,
			Title:      m.Title,
			ApprovedBy: m.ApprovedBy,
		})
	}

	return result
}

func prNumbers(prs []*store.PullRequest) []int {
	result := make([]int, 0, len(prs))
	for _, pr := range prs {
		result = append(result, pr.Number)
	}

	return result
}

func (tr *transition) requestIntegration(lane policy.Lane, attemptID string, members []*store.PullRequest) {
	c := tr.c
	repo := tr.repo
	req := action.IntegrationRequest{
		Repository: repo,
		AttemptID:  attemptID,
		Lane:       lane,
		BaseRef:    members[0].BaseRef,
		Members:    integrationMembers(members),
		Squash:     len(members) == 1 && members[0].Squash,
	}

	var mergeSHA string

	if tr.buildsRequested == nil {
		tr.buildsRequested = map[string]policy.Lane{}
	}
	tr.buildsRequested[attemptID] = lane

	tr.addEffect(&effect{
		name: "build_integration",
		logF: []zap.Field{
			logfields.AttemptID(attemptID),
			logfields.Lane(string(lane)),
			zap.Ints("github.pull_requests", prNumbers(members)),
		},
		run: func(ctx context.Context) error {
			res, err := c.executor.BuildIntegration(ctx, &req)
			if err != nil {
				return err
			}

			mergeSHA = res.MergeSHA
			return nil
		},
		done: func(ctx context.Context, err error) {
			if err := c.IntegrationBuilt(ctx, repo.FullName(), attemptID, mergeSHA, err); err != nil {
				c.logger.Warn("recording merge commit failed",
					logfields.Repository(repo.FullName()),
					logfields.AttemptID(attemptID),
					logEventOperationFailed,
					zap.Error(err),
				)
			}
		},
	})
}

// requestBuilds triggers the builders for the recorded merge commit of an
// attempt. If they can not be triggered the attempt fails.
func (tr *transition) requestBuilds(lane policy.Lane, members []*store.PullRequest, mergeSHA string) {
	c := tr.c
	repo := tr.repo
	attemptID := members[0].AttemptID
	req := action.BuildRequest{
		Repository: repo,
		AttemptID:  attemptID,
		Lane:       lane,
		BaseRef:    members[0].BaseRef,
		MergeSHA:   mergeSHA,
		Members:    integrationMembers(members),
	}

	tr.addEffect(&effect{
		name: "start_builds",
		logF: []zap.Field{
			logfields.AttemptID(attemptID),
			logfields.Lane(string(lane)),
			logfields.MergeSHA(mergeSHA),
		},
		run: func(ctx context.Context) error {
			return c.executor.StartBuilds(ctx, &req)
		},
		done: func(ctx context.Context, err error) {
			if err == nil {
				return
			}

			if err := c.buildsFailedToStart(ctx, repo.FullName(), mergeSHA, err); err != nil {
				c.logger.Warn("recording failed build start failed",
					logfields.Repository(repo.FullName()),
					logfields.AttemptID(attemptID),
					logEventOperationFailed,
					zap.Error(err),
				)
			}
		},
	})
}

func (tr *transition) requestCancel(lane policy.Lane, attemptID, mergeSHA string) {
	c := tr.c
	req := action.CancelRequest{
		Repository: tr.repo,
		AttemptID:  attemptID,
		MergeSHA:   mergeSHA,
		Lane:       lane,
	}

	tr.addEffect(&effect{
		name: "cancel_build",
		logF: []zap.Field{logfields.AttemptID(attemptID), logfields.MergeSHA(mergeSHA)},
		run: func(ctx context.Context) error {
			return c.executor.CancelBuild(ctx, &req)
		},
	})
}

func (tr *transition) requestPush(attemptID, baseRef, mergeSHA string) {
	c := tr.c
	repo := tr.repo
	req := action.PushRequest{
		Repository: repo,
		AttemptID:  attemptID,
		BaseRef:    baseRef,
		MergeSHA:   mergeSHA,
	}

	tr.addEffect(&effect{
		name: "push_to_base",
		logF: []zap.Field{
			logfields.AttemptID(attemptID),
			logfields.MergeSHA(mergeSHA),
			logfields.BaseBranch(baseRef),
		},
		run: func(ctx context.Context) error {
			return c.executor.PushToBase(ctx, &req)
		},
		done: func(ctx context.Context, err error) {
			if err := c.MergeLanded(ctx, repo.FullName(), attemptID, mergeSHA, err); err != nil {
				c.logger.Warn("recording push to base result failed",
					logfields.Repository(repo.FullName()),
					logfields.AttemptID(attemptID),
					logEventOperationFailed,
					zap.Error(err),
				)
			}
		},
	})
}

// notify posts msg as comment, applies the label change for ev and sets the
// commit status state on the head of pr. Empty values are skipped.
func (tr *transition) notify(pr *store.PullRequest, ev policy.LabelEvent, state action.CommitState, msg string) {
	c := tr.c
	n := action.Notification{
		Repository:  tr.repo,
		Number:      pr.Number,
		HeadSHA:     pr.HeadSHA,
		Event:       ev,
		Message:     msg,
		CommitState: state,
	}

	tr.addEffect(&effect{
		name: "notify",
		logF: []zap.Field{
			logfields.PullRequest(pr.Number),
			zap.String("mergeq.label_event", string(ev)),
		},
		run: func(ctx context.Context) error {
			return c.executor.Notify(ctx, &n)
		},
	})
}

// comment posts msg to the pull request num.
func (tr *transition) comment(num int, msg string) {
	tr.notify(&store.PullRequest{Number: num}, "", "", msg)
}

func (tr *transition) requestHeadStatuses(pr *store.PullRequest) {
	c := tr.c
	repo := tr.repo
	num := pr.Number
	sha := pr.HeadSHA

	var statuses []*action.CIStatus

	tr.addEffect(&effect{
		name: "head_statuses",
		logF: []zap.Field{logfields.PullRequest(num), logfields.Commit(sha)},
		run: func(ctx context.Context) error {
			var err error
			statuses, err = c.executor.HeadStatuses(ctx, repo, sha)
			return err
		},
		done: func(ctx context.Context, err error) {
			if err := c.headStatusReport(ctx, repo.FullName(), num, sha, statuses, err); err != nil {
				c.logger.Warn("evaluating head statuses failed",
					append(prLogFields(repo.FullName(), num), logEventOperationFailed, zap.Error(err))...,
				)
			}
		},
	})
}

// requestAttemptStatuses fetches the CI statuses of the merge commit of an
// in-flight attempt and reports them as build results. It recovers results
// whose webhook events were missed.
func (tr *transition) requestAttemptStatuses(lead *store.PullRequest) {
	c := tr.c
	repo := tr.repo
	num := lead.Number
	mergeSHA := lead.MergeSHA

	var statuses []*action.CIStatus

	tr.addEffect(&effect{
		name: "attempt_statuses",
		logF: []zap.Field{logfields.PullRequest(num), logfields.MergeSHA(mergeSHA)},
		run: func(ctx context.Context) error {
			var err error
			statuses, err = c.executor.HeadStatuses(ctx, repo, mergeSHA)
			return err
		},
		done: func(ctx context.Context, err error) {
			if err != nil {
				return
			}

			for _, s := range statuses {
				if s.Result == store.ResultPending {
					continue
				}

				err := c.ReportBuildResult(ctx, &BuildReport{
					Repo:     repo.FullName(),
					Number:   num,
					Builder:  s.Name,
					MergeSHA: mergeSHA,
					Result:   s.Result,
				})
				if err != nil {
					c.logger.Info("reporting polled build result failed",
						append(prLogFields(repo.FullName(), num),
							logfields.Builder(s.Name),
							logEventOperationFailed,
							zap.Error(err),
						)...,
					)
				}
			}
		},
	})
}

func (tr *transition) requestMergeable(pr *store.PullRequest) {
	c := tr.c
	repo := tr.repo
	num := pr.Number
	sha := pr.HeadSHA

	var mergeable bool

	tr.addEffect(&effect{
		name: "mergeable",
		logF: []zap.Field{logfields.PullRequest(num), logfields.Commit(sha)},
		run: func(ctx context.Context) error {
			var err error
			mergeable, err = c.executor.Mergeable(ctx, repo, num)
			return err
		},
		done: func(ctx context.Context, err error) {
			if err != nil {
				return
			}

			if err := c.mergeableReport(ctx, repo.FullName(), num, sha, mergeable); err != nil {
				c.logger.Warn("recording mergeable state failed",
					append(prLogFields(repo.FullName(), num), logEventOperationFailed, zap.Error(err))...,
				)
			}
		},
	})
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}

	return sha
}

func formatNumbers(prs []*store.PullRequest) string {
	nums := make([]string, 0, len(prs))
	for _, pr := range prs {
		nums = append(nums, fmt.Sprintf("#%d", pr.Number))
	}

	return strings.Join(nums, ", ")
}
