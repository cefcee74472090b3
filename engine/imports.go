package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Import module names the bridge answers directly.
const (
	ModuleEnv      = "env"
	ModuleWASI     = "wasi_snapshot_preview1"
	ModuleWASIOld  = "wasi_unstable"
	ModuleBindgen  = "wbg"
	ModuleBindgen2 = "__wbindgen_placeholder__"
)

// textKind is the push_memory kind for a length-prefixed UTF-8 string.
const textKind = 10

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64

	envModules  = []string{ModuleEnv, ModuleBindgen, ModuleBindgen2}
	wasiModules = []string{ModuleWASI, ModuleWASIOld}
)

// HostFunc is one function the bridge can place into a guest's import table.
type HostFunc struct {
	impl    func(ctx context.Context, s *Slot, mod api.Module, stack []uint64)
	Name    string
	Modules []string
	Params  []api.ValueType
	Results []api.ValueType
	// Stub functions only log the call and return zero.
	Stub bool
}

// Key returns the "name[arity]" form used for module-independent matching.
func (f *HostFunc) Key() string {
	return importKey(f.Name, len(f.Params))
}

// Signature renders the function type, e.g. "(i32,i64)->i32".
func (f *HostFunc) Signature() string {
	return signature(f.Params, f.Results)
}

func (f *HostFunc) matches(params, results []api.ValueType) bool {
	return sameTypes(f.Params, params) && sameTypes(f.Results, results)
}

func (f *HostFunc) servesModule(module string) bool {
	for _, m := range f.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// hostFuncs is the complete importable surface.
var hostFuncs = []*HostFunc{
	{Name: "debug", Modules: envModules, Params: types(i32, i32), impl: hostDebug},
	{Name: "get_current_time_ms", Modules: envModules, Results: types(i64), impl: hostTimeMillis},
	{Name: "push_memory", Modules: envModules, Params: types(i32, i32), impl: hostPushMemory},
	{Name: "call_in", Modules: envModules, Params: types(i32), Results: types(i32), impl: hostCallIn},
	{Name: "clock_time_get", Modules: append(wasiModules, ModuleEnv), Params: types(i32, i64, i32), Results: types(i32), impl: hostClockTimeGet},

	{Name: "hostdebug", Modules: envModules, Params: types(i32, i32), impl: hostDebug},
	{Name: "hostgetms", Modules: envModules, Results: types(i64), impl: hostTimeMillis},
	{Name: "hostputmemory", Modules: envModules, Params: types(i32, i32), impl: hostPushMemory},
	{Name: "hostcallsm", Modules: envModules, Params: types(i32), Results: types(i32), impl: hostCallIn},

	stub("args_get", wasiModules, types(i32, i32), types(i32)),
	stub("args_sizes_get", wasiModules, types(i32, i32), types(i32)),
	stub("environ_get", wasiModules, types(i32, i32), types(i32)),
	stub("environ_sizes_get", wasiModules, types(i32, i32), types(i32)),
	stub("random_get", wasiModules, types(i32, i32), types(i32)),
	stub("poll_oneoff", wasiModules, types(i32, i32, i32, i32), types(i32)),
	stub("sched_yield", wasiModules, nil, types(i32)),
	stub("fd_write", wasiModules, types(i32, i32, i32, i32), types(i32)),
	stub("fd_read", wasiModules, types(i32, i32, i32, i32), types(i32)),
	stub("fd_close", wasiModules, types(i32), types(i32)),
	stub("fd_seek", wasiModules, types(i32, i64, i32, i32), types(i32)),
	stub("fd_seek", append(wasiModules, ModuleEnv), types(i32, i32, i32, i32, i32), types(i32)),
	stub("proc_exit", wasiModules, types(i32), nil),

	stub("abort", envModules, nil, nil),
	stub("__cxa_throw", envModules, types(i32, i32, i32), nil),
	stub("emscripten_resize_heap", envModules, types(i32), types(i32)),
	stub("emscripten_memcpy_js", envModules, types(i32, i32, i32), nil),
	stub("emscripten_notify_memory_growth", envModules, types(i32), nil),
	stub("emscripten_date_now", envModules, nil, types(f64)),
	stub("strftime_l", envModules, types(i32, i32, i32, i32, i32), types(i32)),
	stub("__syscall_openat", envModules, types(i32, i32, i32, i32), types(i32)),
	stub("__syscall_fstat64", envModules, types(i32, i32), types(i32)),
	stub("__syscall_stat64", envModules, types(i32, i32), types(i32)),
	stub("__syscall_newfstatat", envModules, types(i32, i32, i32, i32), types(i32)),
	stub("__syscall_lstat64", envModules, types(i32, i32), types(i32)),
	stub("__syscall_fcntl64", envModules, types(i32, i32, i32), types(i32)),
	stub("__syscall_ioctl", envModules, types(i32, i32, i32), types(i32)),
	stub("_tzset_js", envModules, types(i32, i32, i32), nil),
	stub("_localtime_js", envModules, types(i32, i32, i32), nil),
	stub("_munmap_js", envModules, types(i32, i32, i32, i32, i32, i32, i32), types(i32)),
	stub("_mmap_js", envModules, types(i32, i32, i32, i32, i32, i32, i32, i32), types(i32)),
	stub("__wbindgen_init_externref_table", envModules, nil, nil),
}

// HostFuncs returns the importable host functions.
func HostFuncs() []*HostFunc {
	out := make([]*HostFunc, len(hostFuncs))
	copy(out, hostFuncs)
	return out
}

func stub(name string, modules []string, params, results []api.ValueType) *HostFunc {
	return &HostFunc{
		Name:    name,
		Modules: modules,
		Params:  params,
		Results: results,
		Stub:    true,
		impl: func(_ context.Context, s *Slot, _ api.Module, stack []uint64) {
			s.log().Debug("guest called stub", zap.String("func", name))
			if len(results) > 0 {
				stack[0] = 0
			}
		},
	}
}

func hostDebug(_ context.Context, s *Slot, _ api.Module, stack []uint64) {
	s.log().Info("guest debug",
		zap.Int32("a", api.DecodeI32(stack[0])),
		zap.Int32("b", api.DecodeI32(stack[1])))
}

func hostTimeMillis(_ context.Context, s *Slot, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI64(s.pool.bridge.now().UnixMilli())
}

func hostPushMemory(_ context.Context, s *Slot, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	kind := api.DecodeI32(stack[1])
	if kind != textKind {
		return
	}
	mem := mod.Memory()
	if mem == nil {
		return
	}
	n, ok := mem.ReadUint32Le(ptr)
	if !ok {
		s.log().Warn("push_memory header out of bounds", zap.Uint32("ptr", ptr))
		return
	}
	text, ok := mem.Read(ptr+HeaderSize, n)
	if !ok {
		s.log().Warn("push_memory text out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", n))
		return
	}
	s.log().Info("guest output", zap.String("text", string(text)))
}

func hostClockTimeGet(_ context.Context, s *Slot, mod api.Module, stack []uint64) {
	out := api.DecodeU32(stack[2])
	var ns [8]byte
	binary.LittleEndian.PutUint64(ns[:], uint64(s.pool.bridge.now().UnixMilli())*1_000_000)
	if mem := mod.Memory(); mem == nil || !mem.Write(out, ns[:]) {
		s.log().Warn("clock_time_get result out of bounds", zap.Uint32("ptr", out))
	}
	stack[0] = 0
}

// hostCallIn serves a guest-initiated call. The slot lock is already held by
// the goroutine that entered the guest.
func hostCallIn(ctx context.Context, s *Slot, _ api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	stack[0] = api.EncodeU32(s.callIn(ctx, ptr))
}

func types(vt ...api.ValueType) []api.ValueType {
	return vt
}

func importKey(name string, arity int) string {
	return fmt.Sprintf("%s[%d]", name, arity)
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(params, results []api.ValueType) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteString(")->")
	switch len(results) {
	case 0:
		b.WriteString("()")
	case 1:
		b.WriteString(api.ValueTypeName(results[0]))
	default:
		b.WriteByte('(')
		for i, r := range results {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(api.ValueTypeName(r))
		}
		b.WriteByte(')')
	}
	return b.String()
}
