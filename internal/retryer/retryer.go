// Package retryer runs operations repeatedly until they succeed or fail with
// an error that is not retryable.
package retryer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/amerr"
	"github.com/simplesurance/automerger/internal/logfields"
)

const loggerName = "retryer"

// DefaultTimeout is the max. duration operations are retried when the passed
// context has no deadline.
const DefaultTimeout = 10 * time.Minute

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger       *zap.Logger
	shutdownChan chan struct{}

	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

func New() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named(loggerName),
		shutdownChan:               make(chan struct{}),
		defTimeout:                 DefaultTimeout,
		backoffInitialInterval:     2 * time.Second,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

// Run executes fn until it was successful, it returned an error that does not
// wrap an amerr.RetryableError, the context was cancelled or the Retryer was
// stopped.
// If ctx has no deadline, retrying is given up after the default timeout.
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

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug(
				"operation cancelled",
				append(logF,
					logfields.Event("operation_cancelled"),
					zap.Uint("try_count", tryCnt),
					zap.Error(ctx.Err()),
				)...,
			)

			return ctx.Err()

		case <-r.shutdownChan:
			r.logger.Debug(
				"retryer terminating, operation not executed",
				append(logF, logfields.Event("operation_cancelled_retryer_terminated"))...,
			)

			return errors.New("retryer stopped")

		case <-retryTimer.C:
			tryCnt++
			logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

			err := fn(ctx)
			if err == nil {
				if tryCnt > 1 {
					logger.Debug(
						"operation succeeded after retrying",
						logfields.Event("operation_retry_succeeded"),
					)
				}

				return nil
			}

			var retryError *amerr.RetryableError
			if !errors.As(err, &retryError) {
				return err
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger = logger.With(zap.Error(err), zap.Duration("age", bo.GetElapsedTime()))

			if retryError.After.After(deadline) {
				logger.Warn(
					"operation failed, next possible retry time is after the deadline",
					logfields.Event("operation_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
					zap.Time("deadline", deadline),
				)

				return err
			}

			var retryIn time.Duration
			if retryError.After.IsZero() {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryError.After)
				if minIntv := bo.NextBackOff(); retryIn < minIntv {
					retryIn = minIntv
				}
			}

			retryTimer.Reset(retryIn)

			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("operation_retry_scheduled"),
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
