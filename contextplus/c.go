package contextplus

import (
	"context"
	"time"

	"github.com/10gen/mongo-harness/internal/util"
)

// C wraps a context.Context so that Err() carries the cancellation cause.
// It deliberately doesn't embed the context.
type C struct {
	ctx context.Context
}

var _ context.Context = &C{}

// New wraps ctx.
func New(ctx context.Context) *C {
	return &C{ctx}
}

func (c *C) Deadline() (deadline time.Time, ok bool) {
	return c.ctx.Deadline()
}

func (c *C) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *C) Value(key any) any {
	return c.ctx.Value(key)
}

// Err wraps the underlying Err() with the context's cause. Compare the
// result with errors.Is, never with ==.
func (c *C) Err() error {
	return util.WrapCtxErrWithCause(c.ctx)
}
