package main

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/engine"
	"github.com/wippyai/wasm-usage-host/host"
	"github.com/wippyai/wasm-usage-host/internal/guestwasm"
)

// echoGuest announces a single "echo" usage and mirrors every other request.
func echoGuest(t *testing.T) []byte {
	t.Helper()
	req, err := engine.EncodeEnvelope("smker.get.all", dton.MustFromJSON(`{"$usage":"smker.get.all"}`), true)
	require.NoError(t, err)
	resp, err := engine.EncodeEnvelope("", dton.MustFromJSON(`{"echo":{"doc":"mirror"}}`), true)
	require.NoError(t, err)
	return guestwasm.Guest{Typed: true, Routes: []guestwasm.Route{{Request: req, Response: resp}}}.Build()
}

func echoHost(t *testing.T) *host.Host {
	t.Helper()
	bin := echoGuest(t)

	ctx := context.Background()
	h, err := host.New(ctx, host.WithLoader(func(context.Context, string) ([]byte, error) { return bin, nil }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(ctx) })
	_, err = h.Load(ctx, "echo.wasm", 0)
	require.NoError(t, err)
	return h
}

func press(t *testing.T, m *console, msg tea.Msg) tea.Cmd {
	t.Helper()
	_, cmd := m.Update(msg)
	return cmd
}

func TestConsole_CallFlow(t *testing.T) {
	m := newConsole(context.Background(), echoHost(t))
	require.Len(t, m.usages, 1)
	assert.Contains(t, m.View(), "echo")
	assert.Contains(t, m.View(), `{"doc":"mirror"}`)

	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, stateEditPayload, m.state)

	press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(`{"x":1}`)})
	assert.Equal(t, `{"x":1}`, m.payload.Value())

	cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	press(t, m, cmd())

	assert.Equal(t, stateShowResult, m.state)
	assert.NoError(t, m.err)
	assert.Equal(t, `{"x":1}`, m.result)

	press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, stateSelectUsage, m.state)
}

func TestConsole_BadPayload(t *testing.T) {
	m := newConsole(context.Background(), echoHost(t))

	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(`{nope`)})
	cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	press(t, m, cmd())

	assert.Equal(t, stateShowResult, m.state)
	assert.Error(t, m.err)
	assert.Contains(t, m.View(), "Error:")
}

func TestConsole_Empty(t *testing.T) {
	ctx := context.Background()
	h, err := host.New(ctx)
	require.NoError(t, err)
	defer h.Close(ctx)

	m := newConsole(ctx, h)
	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, stateSelectUsage, m.state)
	assert.Contains(t, m.View(), "No usages registered.")
}
