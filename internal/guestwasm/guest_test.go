package guestwasm

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// instantiate runs g with a call_in that answers every request with reply.
func instantiate(t *testing.T, g Guest, reply func(api.Module, uint32) uint32) api.Module {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(reply(mod, uint32(stack[0])))
		}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("call_in").
		Instantiate(ctx)
	require.NoError(t, err)

	mod, err := rt.Instantiate(ctx, g.Build())
	require.NoError(t, err)
	return mod
}

func call(t *testing.T, mod api.Module, name string, params ...uint64) []uint64 {
	t.Helper()
	res, err := mod.ExportedFunction(name).Call(context.Background(), params...)
	require.NoError(t, err)
	return res
}

func envelope(body string) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func readEnvelope(t *testing.T, mod api.Module, ptr uint32) []byte {
	t.Helper()
	n, ok := mod.Memory().ReadUint32Le(ptr)
	require.True(t, ok)
	b, ok := mod.Memory().Read(ptr, 4+n)
	require.True(t, ok)
	return append([]byte(nil), b...)
}

func write(t *testing.T, mod api.Module, env []byte) uint32 {
	t.Helper()
	ptr := uint32(call(t, mod, "alloc", uint64(len(env)-4))[0])
	require.True(t, mod.Memory().Write(ptr, env))
	return ptr
}

func TestGuest_InitFlag(t *testing.T) {
	typed := instantiate(t, Guest{Typed: true}, nil)
	assert.Equal(t, uint64(TypedFlag), call(t, typed, "init", 0x100)[0])
	assert.Equal(t, uint64(0x100), typed.ExportedGlobal(GlobalInitFlag).Get())

	text := instantiate(t, Guest{}, nil)
	assert.Equal(t, uint64(0), call(t, text, "init", 0x100)[0])
}

func TestGuest_Alloc(t *testing.T) {
	mod := instantiate(t, Guest{}, nil)

	a := uint32(call(t, mod, "alloc", 10)[0])
	b := uint32(call(t, mod, "alloc", 1)[0])
	assert.Equal(t, uint32(HeapBase), a)
	assert.Equal(t, a+16, b)

	n, ok := mod.Memory().ReadUint32Le(a)
	require.True(t, ok)
	assert.Equal(t, uint32(10), n)

	call(t, mod, "dealloc", uint64(b))
	assert.Equal(t, uint64(1), mod.ExportedGlobal(GlobalDeallocCount).Get())
	assert.Equal(t, uint64(b), mod.ExportedGlobal(GlobalLastFreed).Get())
}

func TestGuest_Fallbacks(t *testing.T) {
	req := envelope(`{"x":1}`)

	t.Run("echo", func(t *testing.T) {
		mod := instantiate(t, Guest{Fallback: Echo}, nil)
		ptr := write(t, mod, req)
		out := uint32(call(t, mod, "call", uint64(ptr), 1)[0])
		assert.NotEqual(t, ptr, out)
		assert.Equal(t, req, readEnvelope(t, mod, out))
	})

	t.Run("empty", func(t *testing.T) {
		mod := instantiate(t, Guest{Fallback: Empty}, nil)
		assert.Equal(t, uint64(0), call(t, mod, "call", uint64(write(t, mod, req)), 1)[0])
	})

	t.Run("trap", func(t *testing.T) {
		mod := instantiate(t, Guest{Fallback: Trap}, nil)
		_, err := mod.ExportedFunction("call").Call(context.Background(), uint64(write(t, mod, req)), 1)
		assert.Error(t, err)
	})

	t.Run("forward", func(t *testing.T) {
		var seen uint32
		mod := instantiate(t, Guest{Fallback: Forward}, func(_ api.Module, ptr uint32) uint32 {
			seen = ptr
			return 77
		})
		ptr := write(t, mod, req)
		assert.Equal(t, uint64(77), call(t, mod, "call", uint64(ptr), 1)[0])
		assert.Equal(t, ptr, seen)
	})
}

func TestGuest_Routes(t *testing.T) {
	add := Route{Request: envelope(`{"a":2,"b":3}`), Response: envelope(`{"sum":5}`)}
	sub := Route{Request: envelope(`{"a":5,"b":3}`), Response: envelope(`{"diff":2}`)}
	mod := instantiate(t, Guest{Routes: []Route{add, sub}, Fallback: Empty}, nil)

	for _, r := range []Route{add, sub} {
		out := uint32(call(t, mod, "call", uint64(write(t, mod, r.Request)), 1)[0])
		require.NotZero(t, out)
		assert.Equal(t, r.Response, readEnvelope(t, mod, out))
	}

	miss := write(t, mod, envelope(`{"a":9,"b":9}`))
	assert.Equal(t, uint64(0), call(t, mod, "call", uint64(miss), 1)[0])
}

func TestGuest_Omit(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, Guest{Omit: []string{"alloc", "memory"}}.Build())
	require.NoError(t, err)

	exports := compiled.ExportedFunctions()
	assert.Contains(t, exports, "call")
	assert.NotContains(t, exports, "alloc")
	assert.Empty(t, compiled.ExportedMemories())
}

func TestGuest_LegacyNames(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, Guest{Legacy: true, Probes: true}.Build())
	require.NoError(t, err)

	exports := compiled.ExportedFunctions()
	for _, name := range []string{"sminit", "smcall", "smalloc", "smdealloc", ProbeDebug} {
		assert.Contains(t, exports, name)
	}

	var imports []string
	for _, def := range compiled.ImportedFunctions() {
		_, name, _ := def.Import()
		imports = append(imports, name)
	}
	assert.ElementsMatch(t, []string{"hostcallsm", "hostdebug", "hostgetms", "hostputmemory", "clock_time_get"}, imports)
}

func TestModule_LocalsRunLength(t *testing.T) {
	w := &writer{}
	writeLocals(w, []ValType{I32, I32, I64, I32})
	assert.Equal(t, []byte{3, 2, byte(I32), 1, byte(I64), 1, byte(I32)}, w.Bytes())
}

func TestWriter_LEB128(t *testing.T) {
	tests := []struct {
		signed int64
		want   []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{0x100, []byte{0x80, 0x02}},
		{-8, []byte{0x78}},
	}
	for _, tt := range tests {
		w := &writer{}
		w.WriteS64(tt.signed)
		assert.Equal(t, tt.want, w.Bytes(), "value %d", tt.signed)
	}

	w := &writer{}
	w.WriteU32(624485)
	assert.Equal(t, []byte{0xe5, 0x8e, 0x26}, w.Bytes())
}
