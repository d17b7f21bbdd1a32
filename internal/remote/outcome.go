package remote

import (
	"context"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
)

// Outcomes is a set of server error codes that a caller accepts as a valid
// result of a command, e.g. "succeeded, or failed with Interrupted because
// the test killed it". The zero value accepts nothing.
type Outcomes struct {
	codes mapset.Set[int]
}

// Accept returns an Outcomes that accepts the given codes.
func Accept(codes ...int) Outcomes {
	return Outcomes{codes: mapset.NewThreadUnsafeSet(codes...)}
}

// Allows reports whether err is a server failure whose code is accepted.
func (o Outcomes) Allows(err error) bool {
	if o.codes == nil {
		return false
	}

	ce, ok := AsCommandError(err)
	return ok && o.codes.Contains(ce.Code)
}

// Codes returns the accepted codes in ascending order.
func (o Outcomes) Codes() []int {
	if o.codes == nil {
		return nil
	}

	codes := o.codes.ToSlice()
	slices.Sort(codes)

	return codes
}

// Union returns the set of codes accepted by either Outcomes.
func (o Outcomes) Union(other Outcomes) Outcomes {
	return Accept(append(o.Codes(), other.Codes()...)...)
}

// Result is the outcome of Exec.
type Result struct {
	// Reply is the server's reply, or nil if the command failed with an
	// accepted code.
	Reply bson.Raw

	// Accepted holds the failure, if the command failed with an accepted code.
	Accepted mo.Option[*CommandError]
}

// Succeeded reports whether the command succeeded outright.
func (r Result) Succeeded() bool {
	return r.Accepted.IsAbsent()
}

// Exec runs a command exactly once. A server failure is returned unless its
// code is in accept, in which case it is reported in Result.Accepted. Exec
// never retries; a command failure is the caller's to judge.
func Exec(
	ctx context.Context,
	conn Conn,
	db string,
	cmd bson.D,
	accept Outcomes,
) (Result, error) {
	reply, err := conn.RunCommand(ctx, db, cmd)
	if err == nil {
		return Result{Reply: reply}, nil
	}

	if accept.Allows(err) {
		ce, _ := AsCommandError(err)
		return Result{Accepted: mo.Some(ce)}, nil
	}

	return Result{}, err
}
