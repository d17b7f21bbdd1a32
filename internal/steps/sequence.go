// Package steps holds the checkpoint tables of the server's long-running
// operations. Each operation kind has its own step type so that a
// moveChunk step can't be handed to a controller for a migrate thread.
package steps

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// Sequence describes one operation kind's ordered checkpoints.
//
// Step values run from 1 to Last() without gaps; names[0] is unused.
type Sequence[S constraints.Integer] struct {
	kind            string
	opDesc          string
	failPointPrefix string
	names           []string
}

func newSequence[S constraints.Integer](kind, opDesc, failPointPrefix string, names []string) Sequence[S] {
	for i, name := range names[1:] {
		if name == "" {
			panic(fmt.Sprintf("%s step %d has no name", kind, i+1))
		}
	}

	return Sequence[S]{
		kind:            kind,
		opDesc:          opDesc,
		failPointPrefix: failPointPrefix,
		names:           names,
	}
}

// Kind names the operation, e.g. "moveChunk".
func (q Sequence[S]) Kind() string {
	return q.kind
}

// OpDesc is the `desc` the operation has in $currentOp.
func (q Sequence[S]) OpDesc() string {
	return q.opDesc
}

// First returns the first step.
func (q Sequence[S]) First() S {
	return S(1)
}

// Last returns the final step.
func (q Sequence[S]) Last() S {
	return S(len(q.names) - 1)
}

// Valid reports whether step belongs to the sequence.
func (q Sequence[S]) Valid(step S) bool {
	return step >= q.First() && step <= q.Last()
}

// All returns every step in order.
func (q Sequence[S]) All() []S {
	all := make([]S, 0, len(q.names)-1)
	for s := q.First(); s <= q.Last(); s++ {
		all = append(all, s)
	}

	return all
}

// Name returns the step's name, or a placeholder for invalid steps.
func (q Sequence[S]) Name(step S) string {
	if !q.Valid(step) {
		return fmt.Sprintf("<invalid %s step %d>", q.kind, step)
	}

	return q.names[step]
}

// Prev returns the step before the given one. The first step has none.
func (q Sequence[S]) Prev(step S) (S, bool) {
	if !q.Valid(step) || step == q.First() {
		return 0, false
	}

	return step - 1, true
}

// FailPoint returns the name of the failpoint that pauses at step.
func (q Sequence[S]) FailPoint(step S) string {
	return q.failPointPrefix + strconv.Itoa(int(step))
}

// ParseMessage extracts the step from an op's progress message, which
// looks like "step 3 of 6". Messages of other shapes, including those of
// an op in join mode, yield false.
func (q Sequence[S]) ParseMessage(msg string) (S, bool) {
	rest, found := strings.CutPrefix(msg, "step ")
	if !found {
		return 0, false
	}

	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end == -1 {
		end = len(rest)
	}

	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}

	step := S(n)
	if !q.Valid(step) {
		return 0, false
	}

	return step, true
}

// MessageReaches reports whether an op's progress message says it is at
// the given step.
func (q Sequence[S]) MessageReaches(msg string, step S) bool {
	got, ok := q.ParseMessage(msg)
	return ok && got == step
}

// Message formats a progress message the way the server does.
func (q Sequence[S]) Message(step S) string {
	return fmt.Sprintf("step %d of %d", step, q.Last())
}
