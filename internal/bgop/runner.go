package bgop

import (
	"context"
	"slices"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/10gen/mongo-harness/internal/poll"
	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/10gen/mongo-harness/msync"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	DefaultCancelTimeout = 30 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// Config holds a Runner's timing.
type Config struct {
	// CancelTimeout bounds how long Cancel looks for the op.
	CancelTimeout time.Duration
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	return c
}

// Runner launches background operations and keeps track of them.
type Runner struct {
	logger  *logger.Logger
	config  Config
	handles *msync.DataGuard[map[string]*Handle]
}

// NewRunner returns a Runner with no operations.
func NewRunner(logger *logger.Logger, config Config) *Runner {
	return &Runner{
		logger:  logger,
		config:  config.withDefaults(),
		handles: msync.NewDataGuard(map[string]*Handle{}),
	}
}

// Prepare registers an operation without starting it.
func (r *Runner) Prepare(target remote.Conn, op Operation) *Handle {
	h := newHandle(r.logger, target, op)

	r.handles.Store(func(m map[string]*Handle) map[string]*Handle {
		m[h.ID()] = h
		return m
	})

	return h
}

// Launch registers an operation and starts it.
func (r *Runner) Launch(ctx context.Context, target remote.Conn, op Operation) (*Handle, error) {
	if len(op.Command) == 0 {
		return nil, errors.Errorf("%s operation has no command", op.Kind)
	}

	h := r.Prepare(target, op)

	if err := h.Start(ctx); err != nil {
		return nil, err
	}

	return h, nil
}

// Get returns the handle with the given ID.
func (r *Runner) Get(id string) (*Handle, bool) {
	h := msync.Read(r.handles, func(m map[string]*Handle) *Handle { return m[id] })

	return h, h != nil
}

// Handles returns every handle, oldest first.
func (r *Runner) Handles() []*Handle {
	handles := msync.Read(r.handles, func(m map[string]*Handle) []*Handle { return lo.Values(m) })

	slices.SortFunc(handles, func(a, b *Handle) int {
		return a.StartedAt().Compare(b.StartedAt())
	})

	return handles
}

// Running returns the handles that haven't finished.
func (r *Runner) Running() []*Handle {
	return lo.Filter(r.Handles(), func(h *Handle, _ int) bool {
		return !h.State().Terminal()
	})
}

// Cancel finds the operation in $currentOp and kills it. It is a no-op
// once the operation has finished. Killing is best effort: the caller
// must still Join to learn how the operation ended.
func (r *Runner) Cancel(ctx context.Context, h *Handle) error {
	if h.State().Terminal() {
		return nil
	}

	match := h.op.CancelMatch
	if len(match) == 0 {
		match = bson.D{{"command.comment", h.ID()}}
	}

	poller := poll.New(r.config.CancelTimeout).
		WithInterval(r.config.PollInterval).
		WithComponent("bgop").
		WithDescription("%s %s to appear in $currentOp", h.Kind(), h.ID())

	ops, err := poll.Await(
		ctx,
		h.logger,
		poller,
		func(ctx context.Context) ([]remote.Op, bool, error) {
			if h.State().Terminal() {
				return nil, true, nil
			}

			ops, err := remote.CurrentOps(ctx, h.target, match)
			return ops, len(ops) > 0, err
		},
	)

	if err != nil {
		if h.State().Terminal() {
			return nil
		}

		return errors.Wrapf(err, "failed to find %s %s to cancel", h.Kind(), h.ID())
	}

	for _, op := range ops {
		if err := remote.KillOp(ctx, h.target, op.OpID); err != nil {
			return errors.Wrapf(err, "failed to kill op %v of %s %s", op.OpID, h.Kind(), h.ID())
		}

		h.logger.Info().
			Any("opid", op.OpID).
			Str("desc", op.Desc).
			Msg("Killed background operation.")
	}

	return nil
}

// JoinAll waits for every started operation to finish, each within
// timeout. It returns the first failure.
func (r *Runner) JoinAll(ctx context.Context, timeout time.Duration) error {
	var firstErr error

	for _, h := range r.Handles() {
		if !h.launched.Load() {
			continue
		}

		if _, err := h.Join(ctx, timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
