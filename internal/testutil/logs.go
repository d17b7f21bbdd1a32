package testutil

import (
	"strings"
	"sync"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/rs/zerolog"
)

// LogCapture collects JSON log lines from a Logger that may be written
// to by many goroutines at once.
type LogCapture struct {
	mutex   sync.RWMutex
	builder strings.Builder
}

func (c *LogCapture) Write(p []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.builder.Write(p)
}

func (c *LogCapture) String() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.builder.String()
}

// Count returns how many times substr has been logged.
func (c *LogCapture) Count(substr string) int {
	return strings.Count(c.String(), substr)
}

// Logger returns a debug-level Logger that writes to the capture.
func (c *LogCapture) Logger() *logger.Logger {
	zl := zerolog.New(c).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return logger.NewLogger(&zl, c)
}
