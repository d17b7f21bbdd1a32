// Package stepsync drives a long-running server operation through its
// checkpoints one step at a time.
//
// The protocol for advancing to step N is: pause at N, release the pause at
// N-1, then wait until $currentOp shows the operation at N. The operation
// therefore never runs past the step the test asked for.
package stepsync

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/10gen/mongo-harness/internal/failpoint"
	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/metrics"
	"github.com/10gen/mongo-harness/internal/poll"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/steps"
	"github.com/10gen/mongo-harness/msync"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/constraints"
)

const (
	DefaultStepTimeout  = 5 * time.Minute
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrStepOutOfOrder means a step was requested that is not after the
	// controller's previous request.
	ErrStepOutOfOrder = errors.New("steps must be requested in increasing order")

	// ErrUnknownStep means the step is not part of the sequence.
	ErrUnknownStep = errors.New("unknown step")
)

// Config holds a controller's timing.
type Config struct {
	StepTimeout  time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	return c
}

// StepObserver is told about each step a controller confirms.
type StepObserver interface {
	ObserveStep(kind string, step int, name string)
}

type state[S constraints.Integer] struct {
	armed     mapset.Set[S]
	requested mo.Option[S]
	observed  mo.Option[S]
	observers []StepObserver
}

// Controller pauses and releases one operation's checkpoints. It sets
// failpoints on the node that runs the operation and reads $currentOp
// from the watch connection, which may be a router that reports the
// shards' ops.
//
// A Controller is meant to be driven by a single scenario goroutine.
type Controller[S constraints.Integer] struct {
	seq    steps.Sequence[S]
	conn   remote.Conn
	watch  remote.Conn
	match  bson.D
	logger *logger.Logger
	config Config

	state *msync.DataGuard[*state[S]]
}

// New returns a controller for seq whose failpoints are set through conn.
func New[S constraints.Integer](
	seq steps.Sequence[S],
	conn remote.Conn,
	logger *logger.Logger,
	config Config,
) *Controller[S] {
	return &Controller[S]{
		seq:    seq,
		conn:   conn,
		watch:  conn,
		logger: logger,
		config: config.withDefaults(),
		state: msync.NewDataGuard(&state[S]{
			armed: mapset.NewSet[S](),
		}),
	}
}

// WithWatch reads $currentOp from watch instead of the failpoint node.
func (c *Controller[S]) WithWatch(watch remote.Conn) *Controller[S] {
	c.watch = watch
	return c
}

// WithMatch narrows the $currentOp query, e.g. to one op's comment.
func (c *Controller[S]) WithMatch(match bson.D) *Controller[S] {
	c.match = match
	return c
}

// Observe registers an observer for confirmed steps.
func (c *Controller[S]) Observe(observer StepObserver) {
	c.state.Store(func(st *state[S]) *state[S] {
		st.observers = append(st.observers, observer)
		return st
	})
}

// Sequence returns the controller's step table.
func (c *Controller[S]) Sequence() steps.Sequence[S] {
	return c.seq
}

// LastObserved returns the last step the controller confirmed.
func (c *Controller[S]) LastObserved() mo.Option[S] {
	return msync.Read(c.state, func(st *state[S]) mo.Option[S] { return st.observed })
}

// ProceedTo lets the operation advance to step and waits until it is
// paused there. Steps must be requested in strictly increasing order;
// a request that breaks the order fails before any remote call.
func (c *Controller[S]) ProceedTo(ctx context.Context, step S) (remote.Op, error) {
	if err := c.validate(step); err != nil {
		return remote.Op{}, err
	}

	var orderErr error
	c.state.Store(func(st *state[S]) *state[S] {
		if prev, ok := st.requested.Get(); ok && step <= prev {
			orderErr = errors.Wrapf(
				ErrStepOutOfOrder,
				"%s step %d (%s) requested after step %d (%s)",
				c.seq.Kind(),
				step,
				c.seq.Name(step),
				prev,
				c.seq.Name(prev),
			)
			return st
		}

		st.requested = mo.Some(step)
		return st
	})

	if orderErr != nil {
		return remote.Op{}, orderErr
	}

	if err := c.Pause(ctx, step); err != nil {
		return remote.Op{}, err
	}

	if prev, ok := c.seq.Prev(step); ok {
		if err := c.Unpause(ctx, prev); err != nil {
			return remote.Op{}, err
		}
	}

	// A request that skips steps would otherwise leave the op held at an
	// earlier pause.
	for _, earlier := range c.armedBelow(step) {
		if err := c.Unpause(ctx, earlier); err != nil {
			return remote.Op{}, err
		}
	}

	return c.WaitFor(ctx, step)
}

// Pause arms the failpoint that holds the operation at step. Arming a
// step that is already armed makes no remote call.
func (c *Controller[S]) Pause(ctx context.Context, step S) error {
	if err := c.validate(step); err != nil {
		return err
	}

	if c.isArmed(step) {
		return nil
	}

	if err := failpoint.Arm(ctx, c.conn, c.seq.FailPoint(step)); err != nil {
		return errors.Wrapf(err, "failed to pause %s at step %d (%s)", c.seq.Kind(), step, c.seq.Name(step))
	}

	c.state.Store(func(st *state[S]) *state[S] {
		st.armed.Add(step)
		return st
	})

	c.logger.Debug().
		Str("sequence", c.seq.Kind()).
		Int("step", int(step)).
		Str("stepName", c.seq.Name(step)).
		Msg("Paused.")

	return nil
}

// Unpause releases the failpoint at step.
func (c *Controller[S]) Unpause(ctx context.Context, step S) error {
	if err := c.validate(step); err != nil {
		return err
	}

	if err := failpoint.Disarm(ctx, c.conn, c.seq.FailPoint(step)); err != nil {
		return errors.Wrapf(err, "failed to unpause %s at step %d (%s)", c.seq.Kind(), step, c.seq.Name(step))
	}

	c.state.Store(func(st *state[S]) *state[S] {
		st.armed.Remove(step)
		return st
	})

	c.logger.Debug().
		Str("sequence", c.seq.Kind()).
		Int("step", int(step)).
		Str("stepName", c.seq.Name(step)).
		Msg("Unpaused.")

	return nil
}

// WaitFor polls $currentOp until the operation reports step. Ops without
// a step message, such as a moveChunk that joined another, never satisfy
// the wait.
func (c *Controller[S]) WaitFor(ctx context.Context, step S) (remote.Op, error) {
	if err := c.validate(step); err != nil {
		return remote.Op{}, err
	}

	if last, ok := c.LastObserved().Get(); ok && step < last {
		return remote.Op{}, errors.Wrapf(
			ErrStepOutOfOrder,
			"cannot wait for %s step %d after observing step %d",
			c.seq.Kind(),
			step,
			last,
		)
	}

	match := append(bson.D{{"desc", c.seq.OpDesc()}}, c.match...)

	poller := poll.New(c.config.StepTimeout).
		WithInterval(c.config.PollInterval).
		WithComponent("stepsync").
		WithDescription("%s to reach step %d (%s)", c.seq.Kind(), step, c.seq.Name(step))

	var found remote.Op
	snapshot, err := poll.Await(
		ctx,
		c.logger,
		poller,
		func(ctx context.Context) (opSnapshot, bool, error) {
			ops, err := remote.CurrentOps(ctx, c.watch, match)
			if err != nil {
				return nil, false, err
			}

			idx := slices.IndexFunc(ops, func(op remote.Op) bool {
				return c.seq.MessageReaches(op.Msg, step)
			})
			if idx == -1 {
				return ops, false, nil
			}

			found = ops[idx]
			return ops, true, nil
		},
	)

	if err != nil {
		var te *poll.TimeoutError
		if errors.As(err, &te) {
			return remote.Op{}, &StepTimeoutError{
				Kind:     c.seq.Kind(),
				Step:     int(step),
				StepName: c.seq.Name(step),
				Endpoint: c.watch.Endpoint(),
				LastOps:  snapshot,
				Cause:    te,
			}
		}

		return remote.Op{}, err
	}

	var observers []StepObserver
	c.state.Store(func(st *state[S]) *state[S] {
		st.observed = mo.Some(step)
		observers = slices.Clone(st.observers)
		return st
	})

	metrics.RecordStep(c.seq.Kind(), c.seq.Name(step))

	for _, o := range observers {
		o.ObserveStep(c.seq.Kind(), int(step), c.seq.Name(step))
	}

	c.logger.Info().
		Str("sequence", c.seq.Kind()).
		Int("step", int(step)).
		Str("stepName", c.seq.Name(step)).
		Any("opid", found.OpID).
		Msg("Operation reached step.")

	return found, nil
}

// ReleaseAll disarms every failpoint the controller armed. It tries them
// all and returns the first failure.
func (c *Controller[S]) ReleaseAll(ctx context.Context) error {
	armed := msync.Read(c.state, func(st *state[S]) []S { return st.armed.ToSlice() })

	slices.Sort(armed)

	var firstErr error
	for _, step := range armed {
		if err := c.Unpause(ctx, step); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (c *Controller[S]) armedBelow(step S) []S {
	below := msync.Read(c.state, func(st *state[S]) []S {
		return lo.Filter(st.armed.ToSlice(), func(armed S, _ int) bool { return armed < step })
	})

	slices.Sort(below)
	return below
}

func (c *Controller[S]) isArmed(step S) bool {
	return msync.Read(c.state, func(st *state[S]) bool { return st.armed.Contains(step) })
}

func (c *Controller[S]) validate(step S) error {
	if !c.seq.Valid(step) {
		return errors.Wrapf(
			ErrUnknownStep,
			"%s has steps %d through %d, not %d",
			c.seq.Kind(),
			c.seq.First(),
			c.seq.Last(),
			step,
		)
	}

	return nil
}

type opSnapshot []remote.Op

func (s opSnapshot) String() string {
	if len(s) == 0 {
		return "no matching ops"
	}

	str := ""
	for i, op := range s {
		if i > 0 {
			str += "; "
		}
		str += fmt.Sprintf("opid %v %q", op.OpID, op.Msg)
	}

	return str
}
