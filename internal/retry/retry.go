package retry

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/contextplus"
	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/10gen/mongo-harness/msync"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Run runs the given callbacks concurrently. If any of them fails with a
// transient error (or one of the Retryer's additional codes), all are
// canceled and rerun after a backoff. Any other error is returned at once.
//
// A command failure from the server is only retried here if its code is
// transient. Harness callers never use this to paper over an unexpected
// command outcome.
func (r *Retryer) Run(
	ctx context.Context,
	logger *logger.Logger,
	funcs ...RetryCallback,
) error {
	util.Invariant(logger, len(funcs) > 0, "retryer needs at least one callback")

	li := &LoopInfo{
		durationLimit: r.retryLimit,
	}

	funcInfos := lo.Map(
		funcs,
		func(_ RetryCallback, _ int) *FuncInfo {
			return &FuncInfo{
				loopInfo:    li,
				description: r.description.OrElse(""),
				lastReset: msync.NewTypedAtomic(lastResetInfo{
					time: time.Now(),
				}),
			}
		},
	)

	sleepTime := minSleepTime

	for {
		if before, has := r.before.Get(); has {
			before()
		}

		eg, egCtx := contextplus.ErrGroup(ctx)
		for i, curFunc := range funcs {
			i, curFunc := i, curFunc
			eg.Go(func() error {
				err := curFunc(egCtx, funcInfos[i])
				if err != nil {
					return errgroupErr{
						funcNum:         i,
						errFromCallback: err,
					}
				}

				return nil
			})
		}

		err := eg.Wait()
		if err == nil {
			return nil
		}

		var groupErr errgroupErr
		if !errors.As(err, &groupErr) {
			return errors.Wrap(err, "unexpected retryer failure")
		}

		cbErr := groupErr.errFromCallback
		failedFuncInfo := funcInfos[groupErr.funcNum]

		if !r.shouldRetryWithSleep(logger, sleepTime, cbErr) {
			return cbErr
		}

		// The duration is measured from the failed callback's last reset,
		// so a long-running callback that keeps calling NoteSuccess
		// doesn't time out spuriously.
		if failedFuncInfo.GetDurationSoFar() > li.durationLimit {
			return RetryDurationLimitExceededErr{
				attempts: li.attemptsSoFar + 1,
				duration: failedFuncInfo.GetDurationSoFar(),
				lastErr:  cbErr,
			}
		}

		select {
		case <-ctx.Done():
			logger.Error().Err(ctx.Err()).Msg("Context was canceled. Aborting retry loop.")
			return util.WrapCtxErrWithCause(ctx)
		case <-time.After(sleepTime):
			sleepTime *= sleepTimeMultiplier
			if sleepTime > maxSleepTime {
				sleepTime = maxSleepTime
			}
		}

		li.attemptsSoFar++
	}
}

func (r *Retryer) shouldRetryWithSleep(
	logger *logger.Logger,
	sleepTime time.Duration,
	err error,
) bool {
	if err == nil {
		return false
	}

	errCode := util.GetErrorCode(err)
	if util.IsTransientError(err) {
		logger.Debug().Int("error code", errCode).Err(err).Msgf(
			"Waiting %s to retry operation after transient error.", sleepTime)
		return true
	}

	if lo.Contains(r.additionalErrorCodes, errCode) {
		logger.Debug().Int("error code", errCode).Err(err).Msgf(
			"Waiting %s to retry operation after an error because it is in our additional codes list.", sleepTime)
		return true
	}

	logger.Debug().Err(err).Int("error code", errCode).
		Msg("Not retrying on error because it is not transient nor is it in our additional codes list.")

	return false
}
