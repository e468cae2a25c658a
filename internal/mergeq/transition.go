package mergeq

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

// transition is the context of a single operation. It collects the side
// effects and the in-memory state changes that are applied when the store
// transaction was committed.
type transition struct {
	ctx  context.Context
	tx   *store.Tx
	c    *Coordinator
	q    *repoQueue
	repo *policy.Repository
	now  time.Time

	logger *zap.Logger

	effects []*effect

	statusChanges       []store.Status
	attemptsStarted     []policy.Lane
	consecutiveFailures int
	treeClosedPriority  *int

	buildsRequested map[string]policy.Lane
	buildsFinished  []string
	heldReports     []*BuildReport
	releasedReports []string
}

func newTransition(ctx context.Context, c *Coordinator, q *repoQueue, logger *zap.Logger) *transition {
	return &transition{
		ctx:                 ctx,
		c:                   c,
		q:                   q,
		repo:                q.repo,
		now:                 c.clock.Now().UTC(),
		logger:              logger,
		consecutiveFailures: q.consecutiveFailures,
	}
}

// committed applies the in-memory changes of the transition, it must only
// be called after the store transaction was committed.
func (tr *transition) committed() {
	tr.q.consecutiveFailures = tr.consecutiveFailures

	repo := tr.repo.FullName()
	for _, st := range tr.statusChanges {
		metrics.TransitionInc(repo, string(st))
	}

	for _, lane := range tr.attemptsStarted {
		metrics.AttemptStartedInc(repo, string(lane))
	}

	if tr.treeClosedPriority != nil {
		metrics.TreeClosedSet(repo, *tr.treeClosedPriority)
	}

	tr.commitBuilding()
}

func (tr *transition) commitBuilding() {
	q := tr.q

	for _, id := range tr.buildsFinished {
		delete(q.building, id)
	}

	for id, lane := range tr.buildsRequested {
		q.building[id] = lane
	}

	for _, sha := range tr.releasedReports {
		q.heldCnt -= len(q.held[sha])
		delete(q.held, sha)
	}

	if len(q.building) == 0 {
		if q.heldCnt > 0 {
			tr.logger.Debug(
				"discarding build results of unknown merge commits",
				zap.Int("mergeq.held_reports", q.heldCnt),
			)
		}

		clear(q.held)
		q.heldCnt = 0
		return
	}

	for _, r := range tr.heldReports {
		q.held[r.MergeSHA] = append(q.held[r.MergeSHA], r)
		q.heldCnt++
	}
}

// laneBuilding returns true if the merge commit of an attempt in lane is
// being created.
func (tr *transition) laneBuilding(lane policy.Lane) bool {
	for id, l := range tr.q.building {
		if l == lane && !slices.Contains(tr.buildsFinished, id) {
			return true
		}
	}

	return false
}

func (tr *transition) repoName() string {
	return tr.repo.FullName()
}

// getPR returns the pull request num.
// If it is unknown a ValidationError is returned.
func (tr *transition) getPR(num int) (*store.PullRequest, error) {
	pr, err := tr.tx.GetPullRequest(tr.ctx, tr.repoName(), num)
	if err != nil {
		if errors.Is(err, borserr.ErrNotFound) {
			return nil, borserr.NewValidationError("pull request #%d is unknown", num)
		}

		return nil, err
	}

	return pr, nil
}

func (tr *transition) save(pr *store.PullRequest) error {
	return tr.tx.UpsertPullRequest(tr.ctx, pr)
}

func (tr *transition) setStatus(pr *store.PullRequest, st store.Status) {
	if pr.Status == st {
		return
	}

	tr.logger.Info(
		"pull request status changed",
		logEventStatusChanged,
		logfields.PullRequest(pr.Number),
		logfields.Status(string(st)),
		zap.String("mergeq.previous_status", string(pr.Status)),
	)

	pr.Status = st
	tr.statusChanges = append(tr.statusChanges, st)
}

func (tr *transition) setTreeState(priority int, source string) error {
	if err := tr.tx.SetTreeState(tr.ctx, tr.repoName(), priority, source); err != nil {
		return err
	}

	tr.treeClosedPriority = &priority

	if priority > 0 {
		tr.logger.Info("tree closed",
			logEventTreeClosed,
			zap.Int("mergeq.treeclosed", priority),
			zap.String("mergeq.treeclosed_src", source),
		)
	} else {
		tr.logger.Info("tree opened", logEventTreeOpened)
	}

	return nil
}

func (tr *transition) appendRetryLog(num int, source, msg string) error {
	return tr.tx.AppendRetryLog(tr.ctx, &store.RetryLogEntry{
		Repo:    tr.repoName(),
		Number:  num,
		Time:    tr.now,
		Source:  source,
		Message: msg,
	})
}

func stale(mergeSHA, reason string) error {
	return &borserr.StaleAttemptError{MergeSHA: mergeSHA, Reason: reason}
}
