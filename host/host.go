// Package host loads guest modules and serves the usages they announce.
//
// A Host owns a module cache, a pool of execution slots, the import bridge
// and the usage registry. Load brings a guest up in its own slot and makes
// its usages dispatchable; Call reaches any usage by name.
//
//	h, err := host.New(ctx, host.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	defer h.Close(ctx)
//
//	if _, err := h.Load(ctx, "math.wasm", 16); err != nil {
//		return err
//	}
//	out := h.Call(ctx, "math.add", dton.MustFromJSON(`{"a":1,"b":2}`))
package host

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-usage-host/dispatch"
	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/engine"
	"github.com/wippyai/wasm-usage-host/errors"
	"github.com/wippyai/wasm-usage-host/usage"
)

// failedSlot marks a path that can never be loaded.
const failedSlot = -1

// Host is the process-wide guest context.
type Host struct {
	compilation wazero.CompilationCache
	cache       *engine.ModuleCache
	pool        *engine.Pool
	registry    *usage.Registry
	dispatcher  dispatch.Dispatcher
	log         *zap.Logger
	bindings    map[string]int
	failures    map[string]error
	loads       singleflight.Group
	mu          sync.RWMutex
}

// New creates a host with no guests loaded.
func New(ctx context.Context, opts ...Option) (*Host, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = engine.Logger()
	}

	compilation := wazero.NewCompilationCache()
	if o.cacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(o.cacheDir)
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path(o.cacheDir).
				Detail("compilation cache directory").
				Cause(err).
				Build()
		}
		compilation = c
	}

	rtConfig := wazero.NewRuntimeConfig().WithCompilationCache(compilation)
	if o.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(o.memoryLimitPages)
	}

	d := o.dispatcher
	if d == nil {
		d = dispatch.NewTable(dispatch.WithLogger(log))
	}
	bridge := engine.NewBridge(engine.BridgeConfig{
		Dispatcher:  d,
		Clock:       o.clock,
		Log:         log,
		Normalizers: o.normalizers,
	})
	pool := engine.NewPool(engine.PoolConfig{
		RuntimeConfig: rtConfig,
		Bridge:        bridge,
		Log:           log,
		Capacity:      o.capacity,
	})

	return &Host{
		compilation: compilation,
		cache:       engine.NewModuleCache(ctx, rtConfig, o.loader, log),
		pool:        pool,
		registry:    usage.NewRegistry(pool, d, log),
		dispatcher:  d,
		log:         log,
		bindings:    make(map[string]int),
		failures:    make(map[string]error),
	}, nil
}

// Load brings up the guest at path and registers its usages, returning the
// slot it occupies. Loading a path again returns the same slot without
// touching the guest. A path that failed once fails forever; running out of
// slots is not remembered.
func (h *Host) Load(ctx context.Context, path string, pages uint32) (int, error) {
	if id, ok, err := h.binding(path); ok {
		return id, err
	}

	v, err, _ := h.loads.Do(path, func() (any, error) {
		if id, ok, err := h.binding(path); ok {
			return id, err
		}
		id, err := h.load(ctx, path, pages)
		if err != nil {
			if !errors.Is(err, errors.ErrCapacity) {
				h.bind(path, failedSlot, err)
			}
			return failedSlot, err
		}
		h.bind(path, id, nil)
		return id, nil
	})
	return v.(int), err
}

// binding reports the recorded outcome for path, if any.
func (h *Host) binding(path string) (int, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.bindings[path]
	if !ok {
		return 0, false, nil
	}
	if id == failedSlot {
		err := errors.PreviouslyFailed(path)
		err.Cause = h.failures[path]
		return failedSlot, true, err
	}
	return id, true, nil
}

func (h *Host) bind(path string, id int, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindings[path] = id
	if cause != nil {
		h.failures[path] = cause
	}
}

func (h *Host) load(ctx context.Context, path string, pages uint32) (int, error) {
	m, err := h.cache.EnsureCompiled(ctx, path)
	if err != nil {
		return failedSlot, err
	}

	id, err := h.pool.Claim()
	if err != nil {
		h.log.Warn("no free slot", zap.String("path", path), zap.Error(err))
		return failedSlot, err
	}

	if err := h.start(ctx, id, m, pages); err != nil {
		h.pool.Release(ctx, id)
		h.log.Warn("guest failed to start",
			zap.String("path", path),
			zap.Int("slot", id),
			zap.Error(err))
		return failedSlot, err
	}
	return id, nil
}

func (h *Host) start(ctx context.Context, id int, m *engine.Module, pages uint32) error {
	if err := h.pool.Instantiate(ctx, id, m, pages); err != nil {
		return err
	}
	if _, err := h.pool.RunInit(ctx, id); err != nil {
		return err
	}
	_, err := h.registry.Discover(ctx, id)
	return err
}

// Call invokes a usage by name. Unknown names and failed calls are logged
// and yield the empty payload.
func (h *Host) Call(ctx context.Context, name string, payload dton.Buffer) dton.Buffer {
	return h.dispatcher.Invoke(ctx, name, payload)
}

// CallSlot invokes name directly on the guest in slot, bypassing the
// registry. Failures are returned.
func (h *Host) CallSlot(ctx context.Context, slot int, name string, payload dton.Buffer) (dton.Buffer, error) {
	return h.pool.Invoke(ctx, slot, name, payload)
}

// Usages lists every registered usage sorted by name.
func (h *Host) Usages() []usage.Usage {
	return h.registry.Usages()
}

// Dispatcher returns the dispatch table usages are registered in. Handlers
// registered on it are callable from guests.
func (h *Host) Dispatcher() dispatch.Dispatcher {
	return h.dispatcher
}

// Slot reports what a slot holds.
func (h *Host) Slot(id int) engine.SlotInfo {
	return h.pool.Info(id)
}

// Bindings returns a copy of the path to slot table. Failed paths map to -1.
func (h *Host) Bindings() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.bindings))
	for k, v := range h.bindings {
		out[k] = v
	}
	return out
}

// Capacity returns the number of execution slots.
func (h *Host) Capacity() int {
	return h.pool.Capacity()
}

// Close drops every guest and releases compiled code.
func (h *Host) Close(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(h.pool.Close(ctx))
	keep(h.cache.Close(ctx))
	keep(h.compilation.Close(ctx))
	h.log.Debug("host closed", zap.Int("paths", len(h.Bindings())))
	return first
}
