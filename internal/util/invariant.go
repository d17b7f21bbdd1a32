package util

import (
	"fmt"

	"github.com/10gen/mongo-harness/internal/logger"
)

// Invariant asserts the predicate is true. If it is not, the message is
// logged at error level (when a logger is given) and the process panics;
// a broken invariant is a harness bug, not a scenario failure.
func Invariant(logger *logger.Logger, predicate bool, message string, args ...any) {
	if predicate {
		return
	}

	msg := fmt.Sprintf(message, args...)
	if logger != nil {
		logger.Error().Str("invariant", msg).Msg("Harness invariant violated.")
	}

	panic("invariant violated: " + msg)
}
