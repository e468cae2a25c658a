// Package retryer runs operations repeatedly until they succeed, fail
// permanently or a timeout expires.
package retryer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
)

// DefaultTimeout is the maximum duration an operation is retried when the
// passed context has no deadline.
const DefaultTimeout = 2 * time.Hour

const defBackoffInitialInterval = 5 * time.Second

// ErrStopped is returned by Run when the retryer was stopped before the
// operation succeeded.
var ErrStopped = errors.New("retryer stopped")

// Retryer executes a function repeatedly until it was successful or cancel
// condition happened.
type Retryer struct {
	logger       *zap.Logger
	shutdownChan chan struct{}

	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		shutdownChan:               make(chan struct{}),
		defTimeout:                 DefaultTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

func logFieldActionResult(val string) zap.Field {
	return zap.String("action_result", val)
}

func (r *Retryer) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	// the deadline of the context limits the retries
	bo.MaxElapsedTime = 0
	bo.Reset()

	return bo
}

// Run executes fn until it was successful, it returned an error that
// does not wrap borserr.RetryableError or the execution was aborted via the
// context.
// If ctx has no deadline, retrying is aborted after DefaultTimeout.
// When the retryer is stopped ErrStopped is returned.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, r.defTimeout)
		defer cancelFn()
	}

	deadline, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := r.newBackoff()

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"action execution cancelled",
				logfields.Event("action_execution_cancelled"),
				logFieldActionResult("cancelled"),
				zap.Error(ctx.Err()),
			)

			return ctx.Err()

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, action not executed",
				logfields.Event("action_execution_cancelled_retryer_terminated"),
				logFieldActionResult("cancelled"),
			)

			return ErrStopped

		case <-retryTimer.C:
			logger.Debug(
				"running action",
				logfields.Event("action_running"),
				zap.Duration("age", bo.GetElapsedTime()),
			)

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"action executed successfully",
					logfields.Event("action_executed_successfully"),
					logFieldActionResult("success"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info(
					"action cancelled",
					logfields.Event("action_cancelled"),
					logFieldActionResult("cancelled"),
				)

				return err
			}

			var retryError *borserr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Warn(
					"action failed, not retryable",
					logfields.Event("action_failed"),
					logFieldActionResult("failure"),
				)

				return err
			}

			if retryError.After.After(deadline) {
				logger.Warn(
					"action failed, next possible retry time is after timeout expiration",
					logfields.Event("action_failed"),
					logFieldActionResult("failure"),
					zap.Time("earliest_allowed_retry", retryError.After),
					zap.Time("deadline", deadline),
				)

				return err
			}

			var retryIn time.Duration
			if retryIn = time.Until(retryError.After); retryIn <= 0 {
				retryIn = bo.NextBackOff()
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"action failed, retry scheduled",
				logfields.Event("action_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
