package engine

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the engine's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the engine's fallback logger, used by components
// constructed without one. Call it before creating pools or caches.
func SetLogger(l *zap.Logger) {
	logger = l
}

func loggerOr(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Logger()
}
