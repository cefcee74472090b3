package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-usage-host/errors"
)

func TestBindgenNormalizer(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"__wbg_debug_0123456789abcdef", "debug", true},
		{"__wbg_call_in_ABCDEF0123456789", "call_in", true},
		{"__wbg_debug_0123", "", false},
		{"__wbg_debug_0123456789abcdeg", "", false},
		{"__wbg__0123456789abcdef", "", false},
		{"debug", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := BindgenNormalizer(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnderscoreNormalizer(t *testing.T) {
	got, ok := UnderscoreNormalizer("_emscripten_date_now")
	assert.True(t, ok)
	assert.Equal(t, "emscripten_date_now", got)

	_, ok = UnderscoreNormalizer("debug")
	assert.False(t, ok)

	_, ok = UnderscoreNormalizer("___")
	assert.False(t, ok)
}

func TestBridge_Resolve(t *testing.T) {
	b := NewBridge(BridgeConfig{})

	tests := []struct {
		name    string
		module  string
		field   string
		params  []api.ValueType
		results []api.ValueType
		want    string
	}{
		{"direct env", "env", "debug", types(i32, i32), nil, "debug"},
		{"direct wasi", "wasi_snapshot_preview1", "clock_time_get", types(i32, i64, i32), types(i32), "clock_time_get"},
		{"legacy alias", "env", "hostcallsm", types(i32), types(i32), "hostcallsm"},
		{"fd_seek wasi", "wasi_snapshot_preview1", "fd_seek", types(i32, i64, i32, i32), types(i32), "fd_seek"},
		{"fd_seek legacy", "wasi_snapshot_preview1", "fd_seek", types(i32, i32, i32, i32, i32), types(i32), "fd_seek"},
		{"any module", "host", "call_in", types(i32), types(i32), "call_in"},
		{"bindgen", "wbg", "__wbg_debug_0123456789abcdef", types(i32, i32), nil, "debug"},
		{"underscore", "env", "_emscripten_date_now", nil, types(f64), "emscripten_date_now"},
		{"externref table", "wbg", "__wbindgen_init_externref_table", nil, nil, "__wbindgen_init_externref_table"},
		{"mmap", "env", "_mmap_js", types(i32, i32, i32, i32, i32, i32, i32, i32), types(i32), "_mmap_js"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, reason := b.Resolve(tt.module, tt.field, tt.params, tt.results)
			require.NotNil(t, f, reason)
			assert.Equal(t, tt.want, f.Name)
			assert.Len(t, f.Params, len(tt.params))
		})
	}
}

func TestBridge_ResolveFailures(t *testing.T) {
	b := NewBridge(BridgeConfig{})

	f, reason := b.Resolve("env", "nonexistent", nil, nil)
	assert.Nil(t, f)
	assert.Equal(t, "no host function", reason)

	f, reason = b.Resolve("env", "debug", types(i32, i32), types(i32))
	assert.Nil(t, f)
	assert.Contains(t, reason, "(i32,i32)->i32")
	assert.Contains(t, reason, "(i32,i32)->()")

	f, _ = b.Resolve("env", "debug", types(i64, i32), nil)
	assert.Nil(t, f)
}

func TestBridge_NormalizersDisabled(t *testing.T) {
	b := NewBridge(BridgeConfig{Normalizers: []NameNormalizer{}})

	f, _ := b.Resolve("wbg", "__wbg_debug_0123456789abcdef", types(i32, i32), nil)
	assert.Nil(t, f)

	// Module-independent matching by exact name still applies.
	f, _ = b.Resolve("host", "debug", types(i32, i32), nil)
	assert.NotNil(t, f)
}

func TestBridge_CustomNormalizer(t *testing.T) {
	strip := func(name string) (string, bool) {
		if len(name) > 4 && name[:4] == "sys_" {
			return name[4:], true
		}
		return "", false
	}
	b := NewBridge(BridgeConfig{Normalizers: []NameNormalizer{strip}})

	f, reason := b.Resolve("env", "sys_push_memory", types(i32, i32), nil)
	require.NotNil(t, f, reason)
	assert.Equal(t, "push_memory", f.Name)
}

func TestHostFuncs_Table(t *testing.T) {
	seen := make(map[string]bool)
	for _, f := range HostFuncs() {
		require.NotNil(t, f.impl, f.Name)
		require.NotEmpty(t, f.Modules, f.Name)
		key := f.Key() + f.Signature()
		assert.False(t, seen[key], "duplicate %s", key)
		seen[key] = true
	}

	for _, key := range []string{
		"debug[2]", "get_current_time_ms[0]", "push_memory[2]", "call_in[1]", "clock_time_get[3]",
		"hostdebug[2]", "hostgetms[0]", "hostputmemory[2]", "hostcallsm[1]",
		"fd_seek[4]", "fd_seek[5]", "_munmap_js[7]", "_mmap_js[8]", "strftime_l[5]",
	} {
		found := false
		for _, f := range HostFuncs() {
			if f.Key() == key {
				found = true
			}
		}
		assert.True(t, found, key)
	}
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "()->()", signature(nil, nil))
	assert.Equal(t, "(i32,i64,i32)->i32", signature(types(i32, i64, i32), types(i32)))
	assert.Equal(t, "()->f64", signature(nil, types(f64)))
}

func TestMissingImportsReported(t *testing.T) {
	err := &errors.MissingImportsError{Imports: []errors.MissingImport{{Module: "env", Name: "x"}}}
	assert.ErrorIs(t, err, errors.ErrLink)
}
