package chanutil

import (
	"context"

	"github.com/10gen/mongo-harness/internal/util"
	"github.com/samber/mo"
)

// ReadWithDoneCheck takes a context and a channel to read from. It will read
// from `ctx.Done()` and the given channel in a select. If it reads an error
// from the `ctx.Done()` channel, it returns the value of `Err(ctx)`, which
// includes the cancellation cause. If it reads a value from that channel, it
// returns the value. If the channel was closed, the return value is None.
func ReadWithDoneCheck[T any](ctx context.Context, ch <-chan T) (mo.Option[T], error) {
	select {
	case <-ctx.Done():
		return mo.None[T](), util.WrapCtxErrWithCause(ctx)
	case val, ok := <-ch:
		if ok {
			return mo.Some(val), nil
		}

		return mo.None[T](), nil
	}
}
