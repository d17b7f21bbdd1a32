// Package poll implements the harness's one bounded polling loop. Every
// "wait until" in the harness goes through Await.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/metrics"
	"github.com/10gen/mongo-harness/internal/reportutils"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/pkg/errors"
)

const (
	// DefaultInterval is the pause between probes.
	DefaultInterval = 100 * time.Millisecond

	// DefaultTimeout is used by callers that aren't told otherwise.
	DefaultTimeout = 10 * time.Minute
)

// Probe reads some state once. It returns the observed value and whether
// that value satisfies the wait. Transient errors (see
// util.IsTransientError) are remembered and the poll continues; any other
// error ends the poll.
type Probe[T any] func(ctx context.Context) (observed T, done bool, err error)

// Poller holds one poll's parameters.
type Poller struct {
	timeout     time.Duration
	interval    time.Duration
	description string
	component   string
}

// New returns a Poller that gives up after timeout.
func New(timeout time.Duration) *Poller {
	return &Poller{
		timeout:     timeout,
		interval:    DefaultInterval,
		description: "condition",
		component:   "poll",
	}
}

func (p *Poller) WithInterval(interval time.Duration) *Poller {
	p2 := *p
	p2.interval = interval

	return &p2
}

func (p *Poller) WithTimeout(timeout time.Duration) *Poller {
	p2 := *p
	p2.timeout = timeout

	return &p2
}

func (p *Poller) WithDescription(msg string, args ...any) *Poller {
	p2 := *p
	p2.description = fmt.Sprintf(msg, args...)

	return &p2
}

// WithComponent sets the metrics label for this poll.
func (p *Poller) WithComponent(name string) *Poller {
	p2 := *p
	p2.component = name

	return &p2
}

func (p *Poller) Timeout() time.Duration {
	return p.timeout
}

func (p *Poller) Interval() time.Duration {
	return p.interval
}

func (p *Poller) Description() string {
	return p.description
}

// TimeoutError means a poll's deadline passed before its probe was
// satisfied.
type TimeoutError struct {
	Description  string
	Timeout      time.Duration
	Elapsed      time.Duration
	Attempts     int
	LastObserved any
	LastErr      error
}

func (te *TimeoutError) Error() string {
	msg := fmt.Sprintf(
		"%s not satisfied within %s (%d attempt(s) over %s); last observed: %v",
		te.Description,
		reportutils.DurationToHMS(te.Timeout),
		te.Attempts,
		reportutils.DurationToHMS(te.Elapsed),
		te.LastObserved,
	)

	if te.LastErr != nil {
		msg += fmt.Sprintf("; last error: %v", te.LastErr)
	}

	return msg
}

func (te *TimeoutError) Unwrap() error {
	return te.LastErr
}

// Await runs probe until it is satisfied or the Poller's timeout passes.
//
// The first probe runs at once, so a condition that already holds returns
// without sleeping. Between probes Await sleeps for the interval, or for
// whatever remains until the deadline if that is shorter; the last probe
// therefore runs at the deadline. Cancellation of ctx ends the poll with
// the context's error.
func Await[T any](
	ctx context.Context,
	logger *logger.Logger,
	p *Poller,
	probe Probe[T],
) (T, error) {
	start := time.Now()
	deadline := start.Add(p.timeout)

	var (
		lastObserved T
		observedAny  bool
		lastErr      error
		attempts     int
	)

	finish := func(outcome string) {
		metrics.RecordPoll(p.component, outcome, attempts, time.Since(start))
	}

	for {
		attempts++

		observed, done, err := probe(ctx)
		switch {
		case err == nil:
			lastObserved = observed
			observedAny = true
			lastErr = nil

			if done {
				finish("satisfied")
				logger.Debug().
					Str("poll", p.description).
					Int("attempts", attempts).
					Stringer("elapsed", time.Since(start)).
					Msg("Poll satisfied.")

				return observed, nil
			}
		case util.IsTransientError(err):
			logger.Debug().
				Err(err).
				Str("poll", p.description).
				Int("attempt", attempts).
				Msg("Transient error while polling. Will retry.")

			lastErr = err
		default:
			finish("error")

			return observed, errors.Wrapf(err, "polling for %s", p.description)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			finish("timeout")

			te := &TimeoutError{
				Description: p.description,
				Timeout:     p.timeout,
				Elapsed:     time.Since(start),
				Attempts:    attempts,
				LastErr:     lastErr,
			}

			if observedAny {
				te.LastObserved = lastObserved
			}

			return lastObserved, te
		}

		if err := util.Sleep(ctx, min(p.interval, remaining)); err != nil {
			finish("canceled")

			return lastObserved, errors.Wrapf(
				util.WrapCtxErrWithCause(ctx),
				"polling for %s canceled after %d attempt(s)",
				p.description,
				attempts,
			)
		}
	}
}
