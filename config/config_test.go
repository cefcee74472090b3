package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/engine"
	"github.com/wippyai/wasm-usage-host/errors"
	"github.com/wippyai/wasm-usage-host/host"
	"github.com/wippyai/wasm-usage-host/internal/guestwasm"
)

const sample = `
capacity           = 4
memory_limit_pages = 32
log_level          = "debug"

guest {
  path  = "echo.wasm"
  pages = 8
}

guest {
  path = "other.wasm"
}
`

func TestParseHCL(t *testing.T) {
	cfg, err := Parse("host.hcl", []byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Capacity)
	assert.Equal(t, uint32(32), cfg.MemoryLimitPages)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level())
	assert.Equal(t, []Guest{{Path: "echo.wasm", Pages: 8}, {Path: "other.wasm"}}, cfg.Guests)
}

func TestParseJSON(t *testing.T) {
	src := `{
		"capacity": 2,
		"compilation_cache_dir": "/tmp/wasm-cache",
		"guest": [{"path": "a.wasm", "pages": 2}, {"path": "b.wasm"}]
	}`
	cfg, err := Parse("host.json", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Capacity)
	assert.Equal(t, "/tmp/wasm-cache", cfg.CompilationCacheDir)
	assert.Equal(t, []Guest{{Path: "a.wasm", Pages: 2}, {Path: "b.wasm"}}, cfg.Guests)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		src  string
	}{
		{"syntax", "h.hcl", `capacity = `},
		{"json syntax", "h.json", `{"capacity": }`},
		{"unknown attribute", "h.hcl", `slots = 3`},
		{"guest without path", "h.hcl", `guest { pages = 1 }`},
		{"negative capacity", "h.hcl", `capacity = -1`},
		{"bad level", "h.hcl", `log_level = "loud"`},
		{"pages over limit", "h.hcl", "memory_limit_pages = 4\nguest {\n path = \"a\"\n pages = 5\n}"},
		{"pages over address space", "h.hcl", "guest {\n path = \"a\"\n pages = 70000\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.file, []byte(tt.src))
			assert.ErrorIs(t, err, errors.ErrConfig)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Guests, 2)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindRead})
}

func TestSchema(t *testing.T) {
	out, err := Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"capacity", "memory_limit_pages", "compilation_cache_dir", "log_level", "guest"} {
		assert.Contains(t, props, key)
	}
}

func TestHostOptionsAndLoadGuests(t *testing.T) {
	dir := t.TempDir()
	announce, err := engine.EncodeEnvelope("smker.get.all", dton.MustFromJSON(`{"$usage":"smker.get.all"}`), true)
	require.NoError(t, err)
	table, err := engine.EncodeEnvelope("", dton.MustFromJSON(`{"echo":{}}`), true)
	require.NoError(t, err)
	bin := guestwasm.Guest{Typed: true, Routes: []guestwasm.Route{{Request: announce, Response: table}}}.Build()
	guestPath := filepath.Join(dir, "echo.wasm")
	require.NoError(t, os.WriteFile(guestPath, bin, 0o600))

	cfg := &Config{
		Capacity:            2,
		MemoryLimitPages:    16,
		CompilationCacheDir: filepath.Join(dir, "cache"),
		Guests:              []Guest{{Path: guestPath, Pages: 4}},
	}
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.HostOptions(nil), 3)

	ctx := context.Background()
	h, err := host.New(ctx, cfg.HostOptions(nil)...)
	require.NoError(t, err)
	defer h.Close(ctx)

	require.NoError(t, cfg.LoadGuests(ctx, h))
	assert.Equal(t, 2, h.Capacity())
	assert.Equal(t, map[string]int{guestPath: 0}, h.Bindings())

	out := h.Call(ctx, "echo", dton.MustFromJSON(`{"k":"v"}`))
	assert.Equal(t, `{"k":"v"}`, out.Text())

	cfg.Guests = append(cfg.Guests, Guest{Path: filepath.Join(dir, "nope.wasm")})
	assert.ErrorIs(t, cfg.LoadGuests(ctx, h), errors.ErrLoad)
}
