package host

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-usage-host/dispatch"
	"github.com/wippyai/wasm-usage-host/engine"
)

type options struct {
	loader           engine.Loader
	clock            func() time.Time
	log              *zap.Logger
	dispatcher       dispatch.Dispatcher
	cacheDir         string
	normalizers      []engine.NameNormalizer
	capacity         int
	memoryLimitPages uint32
}

// Option configures a Host.
type Option func(*options)

// WithCapacity sets the number of execution slots. Defaults to
// engine.DefaultCapacity.
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithMemoryLimitPages caps every guest memory at n 64KiB pages.
// 0 keeps the engine default.
func WithMemoryLimitPages(n uint32) Option {
	return func(o *options) {
		o.memoryLimitPages = n
	}
}

// WithCompilationCacheDir persists compiled guest code under dir so later
// processes skip compilation.
func WithCompilationCacheDir(dir string) Option {
	return func(o *options) {
		o.cacheDir = dir
	}
}

// WithLoader replaces the filesystem loader.
func WithLoader(l engine.Loader) Option {
	return func(o *options) {
		o.loader = l
	}
}

// WithClock sets the clock behind the guest time imports.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger shared by every component of the host.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithDispatcher sets the dispatch table usages are registered in. Handlers
// already registered there stay callable from guests.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// WithNormalizers replaces the import name normalizer chain. An empty list
// disables fallback resolution.
func WithNormalizers(n ...engine.NameNormalizer) Option {
	return func(o *options) {
		if n == nil {
			n = []engine.NameNormalizer{}
		}
		o.normalizers = n
	}
}
