package engine

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-usage-host/errors"
)

// Loader returns the binary for a guest path.
type Loader func(ctx context.Context, path string) ([]byte, error)

// FileLoader reads guest binaries from the local filesystem.
func FileLoader(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Module is a compiled guest binary.
type Module struct {
	compiled wazero.CompiledModule
	Path     string
	binary   []byte
	imports  []api.FunctionDefinition
	// memoryImports names imported memories, which the bridge cannot satisfy.
	memoryImports [][2]string
}

// Imports returns the guest's imported functions in declaration order.
func (m *Module) Imports() []api.FunctionDefinition {
	return m.imports
}

// ExportedFunction returns the definition of an exported function, or nil.
func (m *Module) ExportedFunction(name string) api.FunctionDefinition {
	return m.compiled.ExportedFunctions()[name]
}

// ExportNames returns the exported function names, sorted.
func (m *Module) ExportNames() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasMemory reports whether the guest exports "memory".
func (m *Module) HasMemory() bool {
	_, ok := m.compiled.ExportedMemories()[memoryExport]
	return ok
}

type cacheEntry struct {
	module *Module
	err    error
}

// ModuleCache compiles each guest path once and remembers the verdict.
// A failed path stays failed for the life of the cache. Compilation runs
// outside the lock, so a slow path does not stall lookups of others.
type ModuleCache struct {
	runtime  wazero.Runtime
	entries  map[string]*cacheEntry
	loader   Loader
	log      *zap.Logger
	compiles singleflight.Group
	mu       sync.RWMutex
}

// NewModuleCache creates a cache that compiles with the given runtime config.
// Slot runtimes built from the same compilation cache reuse the native code.
func NewModuleCache(ctx context.Context, cfg wazero.RuntimeConfig, loader Loader, log *zap.Logger) *ModuleCache {
	if loader == nil {
		loader = FileLoader
	}
	return &ModuleCache{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		entries: make(map[string]*cacheEntry),
		loader:  loader,
		log:     loggerOr(log),
	}
}

// Failed reports whether path has a cached failure.
func (c *ModuleCache) Failed(path string) bool {
	e, ok := c.lookup(path)
	return ok && e.err != nil
}

func (c *ModuleCache) lookup(path string) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	return e, ok
}

// EnsureCompiled returns the compiled module for path, loading and compiling
// it on first use. Concurrent first uses of one path share a single compile.
func (c *ModuleCache) EnsureCompiled(ctx context.Context, path string) (*Module, error) {
	if e, ok := c.lookup(path); ok {
		return e.result(path)
	}

	v, _, _ := c.compiles.Do(path, func() (any, error) {
		// A compile that finished between lookup and Do already stored its verdict.
		if e, ok := c.lookup(path); ok {
			return compileOutcome{entry: e}, nil
		}

		m, err := c.compile(ctx, path)
		e := &cacheEntry{module: m, err: err}
		c.mu.Lock()
		c.entries[path] = e
		c.mu.Unlock()

		if err != nil {
			c.log.Warn("guest module failed to compile", zap.String("path", path), zap.Error(err))
		} else {
			c.log.Debug("guest module compiled",
				zap.String("path", path),
				zap.Int("bytes", len(m.binary)),
				zap.Int("imports", len(m.imports)))
		}
		return compileOutcome{entry: e, fresh: true}, nil
	})

	out := v.(compileOutcome)
	if out.fresh {
		return out.entry.module, out.entry.err
	}
	return out.entry.result(path)
}

// compileOutcome tells callers that took part in a compile apart from ones
// that found a cached verdict.
type compileOutcome struct {
	entry *cacheEntry
	fresh bool
}

func (e *cacheEntry) result(path string) (*Module, error) {
	if e.err != nil {
		err := errors.PreviouslyFailed(path)
		err.Cause = e.err
		return nil, err
	}
	return e.module, nil
}

func (c *ModuleCache) compile(ctx context.Context, path string) (*Module, error) {
	bin, err := c.loader(ctx, path)
	if err != nil {
		return nil, errors.LoadFailed(path, errors.KindRead, err)
	}

	compiled, err := c.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.LoadFailed(path, errors.KindCompile, err)
	}

	m := &Module{
		Path:     path,
		binary:   bin,
		compiled: compiled,
		imports:  compiled.ImportedFunctions(),
	}
	for _, mem := range compiled.ImportedMemories() {
		module, name, _ := mem.Import()
		m.memoryImports = append(m.memoryImports, [2]string{module, name})
	}
	return m, nil
}

// Len returns the number of cached verdicts.
func (c *ModuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close releases the compile runtime and every compiled module.
func (c *ModuleCache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	return c.runtime.Close(ctx)
}
