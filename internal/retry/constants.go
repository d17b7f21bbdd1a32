package retry

import "time"

const (
	// DefaultDurationLimit is the default time limit for all retries.
	DefaultDurationLimit = 2 * time.Minute

	// Constants for spacing out the retry attempts.
	// See: https://en.wikipedia.org/wiki/Exponential_backoff
	//
	// The sequence, in milliseconds, is: 100, 200, 400, 800, 1600, 2000, 2000, ...
	minSleepTime        = 100 * time.Millisecond
	maxSleepTime        = 2 * time.Second
	sleepTimeMultiplier = 2
)
