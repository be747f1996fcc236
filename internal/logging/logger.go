package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Default logger instance
	defaultLogger *zap.Logger
	fallbackOnce  sync.Once
)

// InitLogger initializes the default logger.
//
// LOG_LEVEL=debug enables debug output and LOG_FORMAT=console switches
// from JSON to the human readable console encoder.
func InitLogger() error {
	config := zap.NewProductionConfig()

	if os.Getenv("LOG_LEVEL") == "debug" {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if os.Getenv("LOG_FORMAT") == "console" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	// Progress goes to stderr so stdout only carries the image name
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	var err error
	defaultLogger, err = config.Build()
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(defaultLogger)
	return nil
}

// Logger returns the default logger instance. Without InitLogger it falls
// back to a production logger, created once.
func Logger() *zap.Logger {
	fallbackOnce.Do(func() {
		if defaultLogger != nil {
			return
		}
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Sync flushes any buffered log entries
func Sync() error {
	if defaultLogger != nil {
		// Sync errors are often safe to ignore (e.g., /dev/stderr on Linux)
		return defaultLogger.Sync()
	}
	return nil
}

// Step logs the start of a named step and returns a function that logs its
// completion together with the elapsed wall-clock time.
func Step(logger *zap.Logger, step int, msg string, fields ...zap.Field) func() time.Duration {
	start := time.Now()
	logger.Info(msg, append([]zap.Field{zap.Int("step", step)}, fields...)...)
	return func() time.Duration {
		took := time.Since(start)
		logger.Info("step finished",
			zap.Int("step", step),
			zap.String("what", msg),
			zap.Duration("took", took))
		return took
	}
}
