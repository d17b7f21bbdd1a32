// Package contextplus wraps the standard library's cause-carrying context
// constructors. The contexts it returns report their cause, and for
// timeouts the timeout itself, from Err(), so that a bounded wait that
// gives up says why.
//
// Exported functions elsewhere in the module take a context.Context,
// never a *C.
package contextplus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// WithTimeoutCause is context.WithTimeoutCause, except that Err() includes
// both context.DeadlineExceeded and the cause, and the cause names the
// timeout.
func WithTimeoutCause(
	ctx context.Context,
	timeout time.Duration,
	cause error,
) (*C, context.CancelFunc) {
	wrappedCause := errors.Wrapf(cause, "timed out after %s", timeout)
	//nolint:gocritic
	newCtx, cancel := context.WithTimeoutCause(ctx, timeout, wrappedCause)
	return New(newCtx), cancel
}

// ErrGroup is errgroup.WithContext with a context from this package. The
// group's context is canceled with the first failure as its cause.
func ErrGroup(ctx context.Context) (*errgroup.Group, *C) {
	//nolint:gocritic
	group, ctx2 := errgroup.WithContext(ctx)

	return group, New(ctx2)
}
