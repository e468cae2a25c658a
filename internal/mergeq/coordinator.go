package mergeq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/orderedmap"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/retryer"
	"github.com/simplesurance/gobors/internal/store"
)

const loggerName = "mergeq"

// ErrStopped is returned when an operation is submitted after the
// Coordinator was stopped.
var ErrStopped = errors.New("coordinator stopped")

// ErrUnknownRepository is returned for operations on repositories that are
// not configured.
var ErrUnknownRepository = errors.New("repository is not monitored")

// Retryer is an interface used for running side effects repeatedly if they
// fail with a temporary error.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
	Stop()
}

// CollaboratorChecker reports if a user is a collaborator of a repository.
type CollaboratorChecker interface {
	IsCollaborator(ctx context.Context, owner, repo, user string) (bool, error)
}

// Coordinator is the merge queue engine.
// It serializes all operations per repository and executes each of them
// in a single store transaction.
type Coordinator struct {
	store    *store.Store
	executor action.Executor
	policy   *policy.Policy
	botName  string

	// queues contains one queue per configured repository, keyed by the
	// lower case full name, it is not modified after New().
	queues *orderedmap.Map[string, *repoQueue]

	clock         clock.Clock
	retryer       Retryer
	fatalFn       func(error)
	collaborators CollaboratorChecker
	logger        *zap.Logger

	// lock protects stopped and effectsStopped
	lock           sync.RWMutex
	stopped        bool
	effectsStopped bool
	effectsWg      sync.WaitGroup

	supervisor *supervisor
}

// Opt is an option for New.
type Opt func(*Coordinator)

// WithClock sets the clock that is used as time source.
func WithClock(c clock.Clock) Opt {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithRetryer sets the retryer that executes side effects.
func WithRetryer(r Retryer) Opt {
	return func(co *Coordinator) {
		co.retryer = r
	}
}

// WithBotName sets the name that commands in comments are addressed to.
func WithBotName(name string) Opt {
	return func(co *Coordinator) {
		co.botName = name
	}
}

// WithFatalHandler sets the function that is called when the store fails.
// The default handler logs the error with fatal priority, which terminates
// the process.
func WithFatalHandler(fn func(error)) Opt {
	return func(co *Coordinator) {
		co.fatalFn = fn
	}
}

// WithCollaboratorChecker sets the checker that is used to authorize
// commands of collaborators for repositories with AuthCollaborators
// enabled.
func WithCollaboratorChecker(cc CollaboratorChecker) Opt {
	return func(co *Coordinator) {
		co.collaborators = cc
	}
}

// New creates a Coordinator for the repositories in pol.
func New(st *store.Store, executor action.Executor, pol *policy.Policy, opts ...Opt) *Coordinator {
	c := Coordinator{
		store:    st,
		executor: executor,
		policy:   pol,
		botName:  "bors",
		queues:   orderedmap.New[string, *repoQueue](),
		clock:    clock.New(),
		logger:   zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&c)
	}

	if c.retryer == nil {
		c.retryer = retryer.NewRetryer()
	}

	if c.fatalFn == nil {
		c.fatalFn = func(err error) {
			c.logger.Fatal(
				"store operation failed, terminating",
				logfields.Event("store_failed"),
				zap.Error(err),
			)
		}
	}

	for _, repo := range pol.Repositories {
		c.queues.Add(repoKey(repo.FullName()), newRepoQueue(repo, c.logger))
	}

	c.supervisor = newSupervisor(&c)

	return &c
}

func repoKey(fullName string) string {
	return strings.ToLower(fullName)
}

func (c *Coordinator) queue(repo string) (*repoQueue, error) {
	q, exist := c.queues.Get(repoKey(repo))
	if !exist {
		return nil, fmt.Errorf("%s: %w", repo, ErrUnknownRepository)
	}

	return q, nil
}

// IsMonitored returns true if repo is configured.
func (c *Coordinator) IsMonitored(repo string) bool {
	_, err := c.queue(repo)
	return err == nil
}

// Start starts the periodic supervisor.
func (c *Coordinator) Start() {
	c.supervisor.Start()
	c.logger.Info("merge queue started",
		logfields.Event("mergeq_started"),
		zap.Int("repositories", c.queues.Len()),
	)
}

// Stop stops the supervisor, aborts retries of side effects, waits until
// running side effects and queued operations finished.
// Operations submitted afterwards fail with ErrStopped.
func (c *Coordinator) Stop() {
	c.logger.Debug("merge queue terminating")

	c.supervisor.Stop()

	c.lock.Lock()
	c.effectsStopped = true
	c.lock.Unlock()

	c.retryer.Stop()
	c.effectsWg.Wait()

	c.lock.Lock()
	c.stopped = true
	c.lock.Unlock()

	c.queues.Foreach(func(_ string, q *repoQueue) bool {
		q.pool.Wait()
		return true
	})

	c.logger.Debug("merge queue terminated")
}

// submit queues fn for execution on the worker of q.
func (c *Coordinator) submit(q *repoQueue, fn func()) error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.stopped {
		return ErrStopped
	}

	q.pool.Queue(fn)

	return nil
}

// do runs fn as operation op for repo serialized with all other operations
// of the repository and waits until it finished.
// fn and the scheduler run in the same store transaction, side effects
// that they requested are started after the transaction was committed.
func (c *Coordinator) do(ctx context.Context, repo, op string, fn func(*transition) error) error {
	q, err := c.queue(repo)
	if err != nil {
		return err
	}

	resultCh := make(chan error, 1)

	err = c.submit(q, func() {
		resultCh <- c.execute(ctx, q, op, fn)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) execute(ctx context.Context, q *repoQueue, op string, fn func(*transition) error) error {
	logger := q.logger.With(logfields.Operation(op))

	// an accepted operation is completed even if the caller stops
	// waiting, a cancelled store query would be treated as fatal
	ctx = context.WithoutCancel(ctx)

	tr := newTransition(ctx, c, q, logger)

	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		tr.tx = tx

		if err := fn(tr); err != nil {
			return err
		}

		return c.schedule(tr)
	})
	if err != nil {
		var storeErr *borserr.StoreError
		if errors.As(err, &storeErr) {
			metrics.OperationInc(q.repo.FullName(), op, resultLabelErrorVal)
			c.fatalFn(err)
			return err
		}

		if borserr.IsRejection(err) {
			metrics.OperationInc(q.repo.FullName(), op, resultLabelRejectedVal)
			logger.Debug("operation rejected", logEventRejected, zap.Error(err))
			return err
		}

		metrics.OperationInc(q.repo.FullName(), op, resultLabelErrorVal)
		logger.Error("operation failed", logEventOperationFailed, zap.Error(err))

		return err
	}

	metrics.OperationInc(q.repo.FullName(), op, resultLabelSuccessVal)
	tr.committed()
	c.dispatch(q, tr.effects)

	return nil
}

// ignoreStale returns nil if err is a StaleAttemptError, it is logged and
// counted. Other errors are returned unchanged.
func (c *Coordinator) ignoreStale(repo string, err error, logF ...zap.Field) error {
	var staleErr *borserr.StaleAttemptError
	if !errors.As(err, &staleErr) {
		return err
	}

	metrics.StaleReportInc(repo)
	c.logger.Debug(
		"ignoring report for an attempt that is not outstanding",
		append(logF,
			logEventStaleReport,
			logfields.Repository(repo),
			logfields.MergeSHA(staleErr.MergeSHA),
			logFieldReason(staleErr.Reason),
		)...,
	)

	return nil
}
