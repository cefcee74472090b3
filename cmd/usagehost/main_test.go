package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ExitCodes(t *testing.T) {
	dir := t.TempDir()
	guest := filepath.Join(dir, "echo.wasm")
	require.NoError(t, os.WriteFile(guest, echoGuest(t), 0o600))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"call", []string{"-wasm", guest, "-call", "echo", "-arg", `{"x":1}`}, 0},
		{"list", []string{"-wasm", guest, "-list"}, 0},
		{"schema", []string{"-schema"}, 0},
		{"no input", nil, 1},
		{"bad payload", []string{"-wasm", guest, "-call", "echo", "-arg", `{nope`}, 1},
		{"missing guest", []string{"-wasm", filepath.Join(dir, "nope.wasm")}, 1},
		{"missing config", []string{"-config", filepath.Join(dir, "nope.hcl")}, 1},
		{"unknown flag", []string{"-frobnicate"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(tt.args))
		})
	}
}
