package logger

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultLogLevel is the default log level
	DefaultLogLevel = zerolog.InfoLevel

	LogFileName = "mongo-harness.log"

	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// DefaultLogWriter is the default log io.Writer implementor
var DefaultLogWriter = os.Stderr

// Logger wraps a zerolog.Logger along with the writer it logs to, so that
// sub-loggers can share (and rotate) the same output.
type Logger struct {
	*zerolog.Logger
	writer io.Writer
}

// NewSubLogger creates a sub Logger of the parent one, with the same writer.
// The child gets an extra string field, e.g. "component": "stepsync".
func NewSubLogger(parentLogger *Logger, childComponentName string, childComponent string) *Logger {
	subLogger := parentLogger.With().Str(childComponentName, childComponent).Logger()
	return &Logger{
		Logger: &subLogger,
		writer: parentLogger.writer,
	}
}

// Component is shorthand for NewSubLogger(l, "component", name).
func (l *Logger) Component(name string) *Logger {
	return NewSubLogger(l, "component", name)
}

// WithContext returns a copy of ctx that carries this logger.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.Logger.WithContext(ctx)
}

// NewLogger creates a New Logger
func NewLogger(logger *zerolog.Logger, writer io.Writer) *Logger {
	ret := &Logger{
		Logger: logger,
		writer: writer,
	}
	ret.Rotate()
	return ret
}

// NewDefaultLogger creates a new Logger with default log writer and level
func NewDefaultLogger() *Logger {
	logger := zerolog.New(DefaultLogWriter).Level(DefaultLogLevel).With().Timestamp().Logger()
	return &Logger{
		Logger: &logger,
		writer: DefaultLogWriter,
	}
}

// NewDebugLogger creates a new Logger with default log writer with debug level
func NewDebugLogger() *Logger {
	logger := zerolog.New(DefaultLogWriter).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return &Logger{
		Logger: &logger,
		writer: DefaultLogWriter,
	}
}

// NewDiscardLogger returns a Logger that writes nowhere.
func NewDiscardLogger() *Logger {
	logger := zerolog.Nop()
	return &Logger{
		Logger: &logger,
		writer: io.Discard,
	}
}

// NewFromPath builds a console-formatted Logger for the given log path.
// "stdout" and "stderr" are recognized; anything else is a directory in
// which a rotating log file is created.
func NewFromPath(logPath string, level zerolog.Level) (*Logger, error) {
	var writer io.Writer

	switch logPath {
	case "stdout":
		writer = zerolog.SyncWriter(os.Stdout)
	case "stderr", "":
		writer = zerolog.SyncWriter(os.Stderr)
	default:
		w, err := NewRotatingWriter(logPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open log path %#q", logPath)
		}
		writer = w
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        writer,
		TimeFormat: consoleTimeFormat,
		NoColor:    logPath != "stdout" && logPath != "stderr" && logPath != "",
	}

	l := zerolog.New(consoleWriter).Level(level).With().Timestamp().Logger()
	return NewLogger(&l, writer), nil
}

// Rotate will rotate the underlying Logger writer iff it is a *lumberjack.Logger
func (l *Logger) Rotate() {
	switch w := l.writer.(type) {
	case *lumberjack.Logger:
		_ = w.Rotate()
	}
}

// NewRotatingWriter creates a new io.Writer with an underlying lumberjack.Logger
func NewRotatingWriter(dirPath string) (io.Writer, error) {
	err := os.MkdirAll(dirPath, 0744)
	if err != nil {
		return nil, err
	}

	return &lumberjack.Logger{
		Filename: path.Join(dirPath, LogFileName),
		MaxAge:   7,
	}, nil
}

// AddSubLoggerFieldInContext adds additional field to the sublogger inside context
func AddSubLoggerFieldInContext(ctx context.Context, childComponentName string, childComponent string) {
	l := zerolog.Ctx(ctx)
	l.UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str(childComponentName, childComponent)
	})
}
