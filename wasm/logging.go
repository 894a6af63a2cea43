package wasm

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package's logger instance. It uses a no-op logger by
// default, so callers that never touch logging pay nothing for it.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the package's logger. Call this before decoding or
// encoding if log output is wanted; it is not safe to call concurrently
// with decode/encode operations already in flight.
func SetLogger(l *zap.Logger) {
	logger = l
}
