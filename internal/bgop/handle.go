// Package bgop runs server commands in the background so that a test can
// steer them (pause, observe, cancel) while they are in flight.
package bgop

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/10gen/mongo-harness/chanutil"
	"github.com/10gen/mongo-harness/contextplus"
	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/metrics"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/internal/util"
	"github.com/10gen/mongo-harness/msync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrAlreadyLaunched means Start was called on a handle that was
	// already started.
	ErrAlreadyLaunched = errors.New("operation already launched")

	// ErrNotLaunched means Join was called before Start.
	ErrNotLaunched = errors.New("operation not launched")

	// ErrJoinInProgress means another Join on the same handle is waiting.
	ErrJoinInProgress = errors.New("another join is already waiting on this operation")

	errJoinTimedOut = errors.New("join timed out")
)

// State is a background operation's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the operation has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Operation is a command to run in the background.
type Operation struct {
	// Kind labels the operation in logs and metrics, e.g. "moveChunk".
	Kind    string
	DB      string
	Command bson.D

	// Accept lists failure codes that count as an acceptable outcome.
	// Such a failure completes the handle as failed, but Join returns no
	// error.
	Accept remote.Outcomes

	// CancelMatch overrides how Cancel finds the op in $currentOp. By
	// default it matches the comment the runner attaches to the command.
	CancelMatch bson.D
}

// ObservedStep is a checkpoint a step controller confirmed for the op.
type ObservedStep struct {
	Sequence string
	Step     int
	Name     string
	At       time.Time
}

// Outcome is how a background operation ended.
type Outcome struct {
	Reply    bson.Raw
	Err      error
	Accepted mo.Option[*remote.CommandError]
	Elapsed  time.Duration
}

// Handle is one background operation.
type Handle struct {
	id     uuid.UUID
	op     Operation
	target remote.Conn
	logger *logger.Logger

	launched atomic.Bool
	joining  atomic.Bool

	state    *msync.TypedAtomic[State]
	lastStep *msync.TypedAtomic[mo.Option[ObservedStep]]
	started  *msync.TypedAtomic[time.Time]
	result   *util.Eventual[Outcome]
}

func newHandle(lg *logger.Logger, target remote.Conn, op Operation) *Handle {
	id := uuid.New()

	if op.DB == "" {
		op.DB = "admin"
	}

	return &Handle{
		id:       id,
		op:       op,
		target:   target,
		logger:   logger.NewSubLogger(lg, "bgop", id.String()),
		state:    msync.NewTypedAtomic(StatePending),
		lastStep: msync.NewTypedAtomic(mo.None[ObservedStep]()),
		started:  msync.NewTypedAtomic(time.Time{}),
		result:   util.NewEventual[Outcome](),
	}
}

// ID is the handle's unique ID. It is also the command's comment.
func (h *Handle) ID() string {
	return h.id.String()
}

func (h *Handle) Kind() string {
	return h.op.Kind
}

// Endpoint is the node the command was sent to.
func (h *Handle) Endpoint() string {
	return h.target.Endpoint()
}

func (h *Handle) State() State {
	return h.state.Load()
}

// StartedAt is when the command was sent, or zero if it wasn't yet.
func (h *Handle) StartedAt() time.Time {
	return h.started.Load()
}

// Done is closed once the operation has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.result.Ready()
}

// Outcome returns how the operation ended, if it has.
func (h *Handle) Outcome() mo.Option[Outcome] {
	return h.result.Get()
}

// FailureCode returns the server error code of a failed operation.
func (h *Handle) FailureCode() mo.Option[int] {
	outcome, ok := h.result.Get().Get()
	if !ok {
		return mo.None[int]()
	}

	if ce, accepted := outcome.Accepted.Get(); accepted {
		return mo.Some(ce.Code)
	}

	if code := util.GetErrorCode(outcome.Err); code != 0 {
		return mo.Some(code)
	}

	return mo.None[int]()
}

// LastStep returns the last checkpoint observed for the operation.
func (h *Handle) LastStep() mo.Option[ObservedStep] {
	return h.lastStep.Load()
}

// ObserveStep records a confirmed checkpoint. Step controllers call it.
func (h *Handle) ObserveStep(sequence string, step int, name string) {
	h.lastStep.Store(mo.Some(ObservedStep{
		Sequence: sequence,
		Step:     step,
		Name:     name,
		At:       time.Now(),
	}))
}

// Command returns the command as sent, with the handle's comment.
func (h *Handle) Command() bson.D {
	cmd := make(bson.D, 0, len(h.op.Command)+1)
	for _, elem := range h.op.Command {
		if elem.Key != "comment" {
			cmd = append(cmd, elem)
		}
	}

	return append(cmd, bson.E{"comment", h.ID()})
}

// Start sends the command on its own goroutine and returns at once. The
// command runs until it finishes or ctx ends. Only one Start is allowed
// per handle.
func (h *Handle) Start(ctx context.Context) error {
	if !h.launched.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrAlreadyLaunched, "%s %s", h.op.Kind, h.ID())
	}

	h.started.Store(time.Now())
	h.state.Store(StateRunning)
	metrics.RecordBackgroundOpStart()

	h.logger.Info().
		Str("kind", h.op.Kind).
		Str("endpoint", h.Endpoint()).
		Msg("Launching background operation.")

	go h.run(ctx)

	return nil
}

func (h *Handle) run(ctx context.Context) {
	start := time.Now()
	res, err := remote.Exec(ctx, h.target, h.op.DB, h.Command(), h.op.Accept)

	outcome := Outcome{
		Reply:    res.Reply,
		Err:      err,
		Accepted: res.Accepted,
		Elapsed:  time.Since(start),
	}

	state := StateSucceeded
	if err != nil || !res.Succeeded() {
		state = StateFailed
	}

	event := h.logger.Info()
	if err != nil {
		event = h.logger.Warn().Err(err)
	} else if ce, accepted := res.Accepted.Get(); accepted {
		event = event.Int("acceptedCode", ce.Code)
	}

	event.
		Str("kind", h.op.Kind).
		Str("state", string(state)).
		Stringer("elapsed", outcome.Elapsed).
		Msg("Background operation finished.")

	h.state.Store(state)
	metrics.RecordBackgroundOpEnd(h.op.Kind, string(state))
	h.result.Set(outcome)
}

// Join waits up to timeout for the operation to finish and returns its
// reply, or its failure. A failure with an accepted code returns a nil
// reply and no error. Only one Join may wait at a time; once the operation
// has finished every Join returns the same outcome.
func (h *Handle) Join(ctx context.Context, timeout time.Duration) (bson.Raw, error) {
	if !h.launched.Load() {
		return nil, errors.Wrapf(ErrNotLaunched, "%s %s", h.op.Kind, h.ID())
	}

	if !h.joining.CompareAndSwap(false, true) {
		return nil, errors.Wrapf(ErrJoinInProgress, "%s %s", h.op.Kind, h.ID())
	}
	defer h.joining.Store(false)

	joinCtx, cancel := contextplus.WithTimeoutCause(ctx, timeout, errJoinTimedOut)
	defer cancel()

	if _, err := chanutil.ReadWithDoneCheck(joinCtx, h.result.Ready()); err == nil {
		outcome := h.result.Get().MustGet()
		return outcome.Reply, outcome.Err
	}

	if ctx.Err() != nil {
		return nil, util.WrapCtxErrWithCause(ctx)
	}

	return nil, &JoinTimeoutError{
		ID:       h.ID(),
		Kind:     h.op.Kind,
		Endpoint: h.Endpoint(),
		Timeout:  timeout,
		State:    h.State(),
		LastStep: h.LastStep(),
		Cause:    context.Cause(joinCtx),
	}
}

// JoinTimeoutError means an operation didn't finish within a Join's
// timeout. The operation may still be running.
type JoinTimeoutError struct {
	ID       string
	Kind     string
	Endpoint string
	Timeout  time.Duration
	State    State
	LastStep mo.Option[ObservedStep]
	Cause    error
}

func (e *JoinTimeoutError) Error() string {
	last := "no step observed"
	if step, ok := e.LastStep.Get(); ok {
		last = fmt.Sprintf("last step %d (%s)", step.Step, step.Name)
	}

	return fmt.Sprintf(
		"%s %s on %#q did not finish within %s (state %s, %s)",
		e.Kind,
		e.ID,
		e.Endpoint,
		e.Timeout,
		e.State,
		last,
	)
}

func (e *JoinTimeoutError) Unwrap() error {
	return e.Cause
}
