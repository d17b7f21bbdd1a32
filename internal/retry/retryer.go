package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/mo"
)

// RetryCallback is one function that a Retryer runs. If any of a Retryer's
// callbacks fails transiently, all of them are rerun.
type RetryCallback = func(context.Context, *FuncInfo) error

// Retryer handles retrying operations that fail because of network failures
// or because a freshly started node isn't ready yet.
type Retryer struct {
	retryLimit           time.Duration
	before               mo.Option[func()]
	description          mo.Option[string]
	additionalErrorCodes []int
}

// New returns a new retryer.
func New(limit time.Duration) *Retryer {
	return &Retryer{
		retryLimit: limit,
	}
}

// WithErrorCodes returns a new Retryer that will retry on the codes passed to
// this method. This allows for a single function to customize the codes it
// wants to retry on. Note that if the Retryer already has additional custom
// error codes set, these are _replaced_ when this method is called.
func (r *Retryer) WithErrorCodes(codes ...int) *Retryer {
	r2 := *r
	r2.additionalErrorCodes = codes

	return &r2
}

func (r *Retryer) WithRetryLimit(limit time.Duration) *Retryer {
	r2 := *r
	r2.retryLimit = limit

	return &r2
}

// WithBefore sets a callback that always runs before any retryer callback.
//
// This is useful if there are multiple callbacks and you need to reset some
// condition before each retryer iteration.
func (r *Retryer) WithBefore(todo func()) *Retryer {
	r2 := *r
	r2.before = mo.Some(todo)

	return &r2
}

func (r *Retryer) WithDescription(msg string, args ...any) *Retryer {
	r2 := *r
	r2.description = mo.Some(fmt.Sprintf(msg, args...))

	return &r2
}
