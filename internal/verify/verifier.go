// Package verify asserts eventually-consistent outcomes: conditions that
// must come to hold, and events that must appear in a node's health log.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/poll"
	"github.com/10gen/mongo-harness/internal/reportutils"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = 200 * time.Millisecond
)

// Config holds a Verifier's timing.
type Config struct {
	// DefaultTimeout applies when a call passes a zero timeout.
	DefaultTimeout time.Duration
	PollInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	return c
}

// Predicate reads some state once and reports whether it is as expected.
// The observed value is kept for the timeout error.
type Predicate func(ctx context.Context) (observed any, ok bool, err error)

// ConditionTimeoutError means a condition didn't hold before its timeout.
type ConditionTimeoutError struct {
	Description  string
	Timeout      time.Duration
	Elapsed      time.Duration
	Attempts     int
	LastObserved any
	LastErr      error
}

func (e *ConditionTimeoutError) Error() string {
	msg := fmt.Sprintf(
		"%s did not hold within %s (%d check(s)); last observed: %v",
		e.Description,
		reportutils.DurationToHMS(e.Timeout),
		e.Attempts,
		e.LastObserved,
	)

	if e.LastErr != nil {
		msg += fmt.Sprintf("; last error: %v", e.LastErr)
	}

	return msg
}

func (e *ConditionTimeoutError) Unwrap() error {
	return e.LastErr
}

// Verifier waits for outcomes.
type Verifier struct {
	logger *logger.Logger
	config Config
}

// New returns a Verifier.
func New(logger *logger.Logger, config Config) *Verifier {
	return &Verifier{
		logger: logger,
		config: config.withDefaults(),
	}
}

func (v *Verifier) poller(description string, timeout time.Duration) *poll.Poller {
	if timeout <= 0 {
		timeout = v.config.DefaultTimeout
	}

	return poll.New(timeout).
		WithInterval(v.config.PollInterval).
		WithComponent("verify").
		WithDescription("%s", description)
}

// AwaitCondition evaluates pred at once and then every poll interval
// until it holds. It returns the value that satisfied the predicate.
func (v *Verifier) AwaitCondition(
	ctx context.Context,
	description string,
	timeout time.Duration,
	pred Predicate,
) (any, error) {
	return Await(ctx, v, description, timeout, poll.Probe[any](pred))
}

// Await is AwaitCondition for a typed probe.
func Await[T any](
	ctx context.Context,
	v *Verifier,
	description string,
	timeout time.Duration,
	probe poll.Probe[T],
) (T, error) {
	val, err := poll.Await(ctx, v.logger, v.poller(description, timeout), probe)
	if err == nil {
		return val, nil
	}

	var te *poll.TimeoutError
	if errors.As(err, &te) {
		return val, &ConditionTimeoutError{
			Description:  description,
			Timeout:      te.Timeout,
			Elapsed:      te.Elapsed,
			Attempts:     te.Attempts,
			LastObserved: te.LastObserved,
			LastErr:      te.LastErr,
		}
	}

	return val, err
}

// AwaitOpCount waits until exactly want ops on the node match the filter.
func (v *Verifier) AwaitOpCount(
	ctx context.Context,
	conn remote.Conn,
	match bson.D,
	want int,
	timeout time.Duration,
) error {
	_, err := Await(
		ctx,
		v,
		fmt.Sprintf("%d op(s) matching %v on %#q", want, match, conn.Endpoint()),
		timeout,
		func(ctx context.Context) (int, bool, error) {
			ops, err := remote.CurrentOps(ctx, conn, match)
			if err != nil {
				return 0, false, err
			}

			return len(ops), len(ops) == want, nil
		},
	)

	return err
}

// MemberState is a replica set member state, as in replSetGetStatus.
type MemberState int

const (
	StateStartup    MemberState = 0
	StatePrimary    MemberState = 1
	StateSecondary  MemberState = 2
	StateRecovering MemberState = 3
	StateStartup2   MemberState = 5
	StateArbiter    MemberState = 7
	StateRemoved    MemberState = 10
)

// AwaitMemberState waits until the node reports the given state.
func (v *Verifier) AwaitMemberState(
	ctx context.Context,
	conn remote.Conn,
	want MemberState,
	timeout time.Duration,
) error {
	_, err := Await(
		ctx,
		v,
		fmt.Sprintf("%#q to reach member state %d", conn.Endpoint(), want),
		timeout,
		func(ctx context.Context) (MemberState, bool, error) {
			status, err := remote.GetReplSetStatus(ctx, conn)
			if err != nil {
				if remote.HasCode(err, util.NotYetInitialized) {
					return StateStartup, false, nil
				}
				return 0, false, err
			}

			state := MemberState(status.MyState)
			return state, state == want, nil
		},
	)

	return err
}
