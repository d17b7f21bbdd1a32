package retry

import (
	"time"

	"github.com/10gen/mongo-harness/internal/reportutils"
	"github.com/10gen/mongo-harness/msync"
	"github.com/rs/zerolog"
)

// LoopInfo stores information relevant to the retrying done. It is shared
// among all of a Retryer's callbacks.
//
// The attempt number is 0-indexed (0 means this is the first attempt).
type LoopInfo struct {
	attemptsSoFar int
	durationLimit time.Duration
}

type lastResetInfo struct {
	time        time.Time
	resetsSoFar uint64
}

// FuncInfo is what each callback receives.
type FuncInfo struct {
	loopInfo    *LoopInfo
	description string

	lastReset *msync.TypedAtomic[lastResetInfo]
}

// Log will log a debug-level message for the current FuncInfo values.
func (fi *FuncInfo) Log(logger *zerolog.Logger, cmdName string, endpoint string, msg string) {
	// Don't log if no logger is provided.
	if logger == nil {
		return
	}

	event := logger.Debug()
	if cmdName != "" {
		event.Str("command", cmdName)
	}
	if endpoint != "" {
		event.Str("endpoint", endpoint)
	}
	event.Str("context", msg).
		Int("attemptNumber", fi.GetAttemptNumber()).
		Str("durationSoFar", reportutils.DurationToHMS(fi.GetDurationSoFar())).
		Str("durationLimit", reportutils.DurationToHMS(fi.loopInfo.durationLimit)).
		Msg("Running retryable function")
}

// GetAttemptNumber returns the current attempt number (0-indexed).
func (fi *FuncInfo) GetAttemptNumber() int {
	return fi.loopInfo.attemptsSoFar
}

// GetDurationSoFar returns how long the callback has failed transiently
// since it started or since its last NoteSuccess.
func (fi *FuncInfo) GetDurationSoFar() time.Duration {
	return time.Since(fi.lastReset.Load().time)
}

// NoteSuccess is used to tell the retry util to reset its measurement
// of how long the closure has been running for.
//
// Call this after every successful command in a multi-command callback.
// (It’s useless--but harmless--in a single-command callback.)
func (fi *FuncInfo) NoteSuccess() {
	prev := fi.lastReset.Load()

	fi.lastReset.Store(lastResetInfo{
		time:        time.Now(),
		resetsSoFar: 1 + prev.resetsSoFar,
	})
}
