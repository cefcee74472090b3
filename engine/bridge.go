package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-usage-host/dispatch"
	"github.com/wippyai/wasm-usage-host/errors"
)

// NameNormalizer maps a toolchain-mangled import name to the logical name
// the bridge knows. It reports false when the name is not of its form.
type NameNormalizer func(name string) (string, bool)

const (
	bindgenPrefix  = "__wbg_"
	bindgenHashLen = 16
)

// BindgenNormalizer strips the wasm-bindgen decoration "__wbg_<name>_<hash>".
func BindgenNormalizer(name string) (string, bool) {
	if !strings.HasPrefix(name, bindgenPrefix) {
		return "", false
	}
	rest := name[len(bindgenPrefix):]
	cut := len(rest) - bindgenHashLen - 1
	if cut <= 0 || rest[cut] != '_' || !isHex(rest[cut+1:]) {
		return "", false
	}
	return rest[:cut], true
}

// UnderscoreNormalizer drops the leading underscores Emscripten adds to C symbols.
func UnderscoreNormalizer(name string) (string, bool) {
	trimmed := strings.TrimLeft(name, "_")
	if trimmed == name || trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// DefaultNormalizers is the chain used when none is configured.
func DefaultNormalizers() []NameNormalizer {
	return []NameNormalizer{BindgenNormalizer, UnderscoreNormalizer}
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return len(s) > 0
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Dispatcher receives guest-initiated calls.
	Dispatcher dispatch.Dispatcher
	// Clock supplies wall time to the clock imports. Defaults to time.Now.
	Clock func() time.Time
	Log   *zap.Logger
	// Normalizers run in order when direct lookup fails. Nil selects
	// DefaultNormalizers; an empty non-nil slice disables the fallback.
	Normalizers []NameNormalizer
}

// Bridge resolves guest imports against the host function table and builds
// the host modules that satisfy them.
type Bridge struct {
	dispatcher  dispatch.Dispatcher
	clock       func() time.Time
	log         *zap.Logger
	byName      map[string][]*HostFunc
	byKey       map[string][]*HostFunc
	normalizers []NameNormalizer
}

// NewBridge creates a bridge over the built-in host functions.
func NewBridge(cfg BridgeConfig) *Bridge {
	b := &Bridge{
		dispatcher:  cfg.Dispatcher,
		clock:       cfg.Clock,
		log:         loggerOr(cfg.Log),
		normalizers: cfg.Normalizers,
		byName:      make(map[string][]*HostFunc),
		byKey:       make(map[string][]*HostFunc),
	}
	if b.dispatcher == nil {
		b.dispatcher = dispatch.NewTable(dispatch.WithLogger(b.log))
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	if b.normalizers == nil {
		b.normalizers = DefaultNormalizers()
	}
	for _, f := range hostFuncs {
		b.byName[f.Name] = append(b.byName[f.Name], f)
		b.byKey[f.Key()] = append(b.byKey[f.Key()], f)
	}
	return b
}

// Dispatcher returns the dispatcher guest calls are routed to.
func (b *Bridge) Dispatcher() dispatch.Dispatcher {
	return b.dispatcher
}

func (b *Bridge) now() time.Time {
	return b.clock()
}

// Binding pairs a guest import with the host function that satisfies it.
type Binding struct {
	Func   *HostFunc
	Module string
	Name   string
}

// Resolve finds the host function for one imported function. The returned
// reason explains a failed resolution.
func (b *Bridge) Resolve(module, name string, params, results []api.ValueType) (*HostFunc, string) {
	mismatch := ""

	// Direct: exact module and name.
	for _, f := range b.byName[name] {
		if !f.servesModule(module) {
			continue
		}
		if f.matches(params, results) {
			return f, ""
		}
		mismatch = fmt.Sprintf("signature %s, host provides %s", signature(params, results), f.Signature())
	}

	// Fallback: logical name and arity, any module.
	candidates := []string{name}
	logical := name
	for _, norm := range b.normalizers {
		if n, ok := norm(logical); ok {
			logical = n
			candidates = append(candidates, n)
		}
	}
	for _, n := range candidates {
		for _, f := range b.byKey[importKey(n, len(params))] {
			if f.matches(params, results) {
				return f, ""
			}
			if mismatch == "" {
				mismatch = fmt.Sprintf("signature %s, host provides %s", signature(params, results), f.Signature())
			}
		}
	}

	if mismatch != "" {
		return nil, mismatch
	}
	return nil, "no host function"
}

// Link resolves every import of m. All unresolved imports are reported
// together in a *errors.MissingImportsError.
func (b *Bridge) Link(m *Module) ([]Binding, error) {
	var (
		bindings []Binding
		missing  []errors.MissingImport
	)

	for _, mem := range m.memoryImports {
		missing = append(missing, errors.MissingImport{
			Module: mem[0],
			Name:   mem[1],
			Reason: "memory imports are not supported",
		})
	}

	for _, def := range m.imports {
		module, name, _ := def.Import()
		f, reason := b.Resolve(module, name, def.ParamTypes(), def.ResultTypes())
		if f == nil {
			missing = append(missing, errors.MissingImport{
				Module: module,
				Name:   name,
				Arity:  len(def.ParamTypes()),
				Reason: reason,
			})
			continue
		}
		bindings = append(bindings, Binding{Module: module, Name: name, Func: f})
	}

	if len(missing) > 0 {
		return nil, &errors.MissingImportsError{Path: m.Path, Imports: missing}
	}
	return bindings, nil
}

// instantiate registers one host module per imported module name in rt,
// with every function bound to slot s.
func (b *Bridge) instantiate(ctx context.Context, rt wazero.Runtime, s *Slot, bindings []Binding) error {
	byModule := make(map[string][]Binding)
	for _, bd := range bindings {
		byModule[bd.Module] = append(byModule[bd.Module], bd)
	}
	modules := make([]string, 0, len(byModule))
	for name := range byModule {
		modules = append(modules, name)
	}
	sort.Strings(modules)

	for _, name := range modules {
		builder := rt.NewHostModuleBuilder(name)
		seen := make(map[string]bool)
		for _, bd := range byModule[name] {
			if seen[bd.Name] {
				continue
			}
			seen[bd.Name] = true
			f := bd.Func
			builder = builder.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
					f.impl(ctx, s, mod, stack)
				}), f.Params, f.Results).
				WithName(bd.Name).
				Export(bd.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.New(errors.PhaseLink, errors.KindInstantiation).
				Detail("instantiate host module %q", name).
				Cause(err).
				Build()
		}
		b.log.Debug("host module bound",
			zap.Int("slot", s.id),
			zap.String("module", name),
			zap.Int("funcs", len(seen)))
	}
	return nil
}
