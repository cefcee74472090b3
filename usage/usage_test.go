package usage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-usage-host/dispatch"
	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/errors"
)

type call struct {
	name    string
	payload dton.Buffer
	slot    int
}

// fakeInvoker answers per slot and records every call.
type fakeInvoker struct {
	replies map[int]func(name string, payload dton.Buffer) (dton.Buffer, error)
	calls   []call
	mu      sync.Mutex
}

func (f *fakeInvoker) Invoke(_ context.Context, slot int, name string, payload dton.Buffer) (dton.Buffer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{slot: slot, name: name, payload: payload})
	fn := f.replies[slot]
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(name, payload)
}

func table(entries map[string]any) func(string, dton.Buffer) (dton.Buffer, error) {
	return func(name string, payload dton.Buffer) (dton.Buffer, error) {
		if name == Bootstrap {
			return dton.Encode(entries)
		}
		return payload, nil
	}
}

func TestDiscover(t *testing.T) {
	inv := &fakeInvoker{replies: map[int]func(string, dton.Buffer) (dton.Buffer, error){
		3: table(map[string]any{
			"math.add":  map[string]any{"args": 2},
			"math.sub":  "two ints",
			Bootstrap:   true,
			"math.echo": nil,
		}),
	}}
	d := dispatch.NewTable()
	r := NewRegistry(inv, d, nil)

	names, err := r.Discover(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"math.add", "math.echo", "math.sub"}, names)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, 3, inv.calls[0].slot)
	assert.Equal(t, Bootstrap, inv.calls[0].name)
	assert.Equal(t, `{"$usage":"smker.get.all"}`, inv.calls[0].payload.Text())

	assert.False(t, d.Has(Bootstrap))
	for _, n := range names {
		assert.True(t, d.Has(n), n)
	}

	u, ok := r.Lookup("math.add")
	require.True(t, ok)
	assert.Equal(t, 3, u.Slot)
	assert.JSONEq(t, `{"args":2}`, u.Metadata.Text())

	u, ok = r.Lookup("math.sub")
	require.True(t, ok)
	assert.Equal(t, `"two ints"`, u.Metadata.Text())
	assert.Equal(t, 3, r.Len())
}

func TestDiscoverEmptyReply(t *testing.T) {
	inv := &fakeInvoker{}
	r := NewRegistry(inv, dispatch.NewTable(), nil)

	names, err := r.Discover(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Zero(t, r.Len())
}

func TestDiscoverErrors(t *testing.T) {
	t.Run("invoke failure", func(t *testing.T) {
		boom := errors.Trap(errors.PhaseCall, 1, "call", assert.AnError)
		inv := &fakeInvoker{replies: map[int]func(string, dton.Buffer) (dton.Buffer, error){
			1: func(string, dton.Buffer) (dton.Buffer, error) { return nil, boom },
		}}
		r := NewRegistry(inv, dispatch.NewTable(), nil)

		_, err := r.Discover(context.Background(), 1)
		assert.ErrorIs(t, err, errors.ErrCall)
		assert.Zero(t, r.Len())
	})

	t.Run("reply not a map", func(t *testing.T) {
		inv := &fakeInvoker{replies: map[int]func(string, dton.Buffer) (dton.Buffer, error){
			1: func(string, dton.Buffer) (dton.Buffer, error) { return dton.Encode([]int{1, 2}) },
		}}
		r := NewRegistry(inv, dispatch.NewTable(), nil)

		_, err := r.Discover(context.Background(), 1)
		var e *errors.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errors.PhaseDecode, e.Phase)
		assert.Equal(t, 1, e.SlotID())
		assert.Equal(t, Bootstrap, e.Usage)
		assert.Zero(t, r.Len())
	})
}

func TestForward(t *testing.T) {
	inv := &fakeInvoker{replies: map[int]func(string, dton.Buffer) (dton.Buffer, error){
		0: table(map[string]any{"echo": nil}),
	}}
	d := dispatch.NewTable()
	r := NewRegistry(inv, d, nil)
	_, err := r.Discover(context.Background(), 0)
	require.NoError(t, err)

	out := d.Invoke(context.Background(), "echo", dton.MustFromJSON(`{"x":1}`))
	assert.JSONEq(t, `{"x":1}`, out.Text())

	last := inv.calls[len(inv.calls)-1]
	assert.Equal(t, "echo", last.name)
	assert.Equal(t, 0, last.slot)

	_, err = r.Forward(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, errors.ErrDispatchMiss)
}

func TestRegisterTakeover(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	inv := &fakeInvoker{replies: map[int]func(string, dton.Buffer) (dton.Buffer, error){
		1: func(string, dton.Buffer) (dton.Buffer, error) { return dton.MustEncode("from 1"), nil },
		2: func(string, dton.Buffer) (dton.Buffer, error) { return dton.MustEncode("from 2"), nil },
	}}
	d := dispatch.NewTable()
	r := NewRegistry(inv, d, zap.New(core))

	r.Register("shared", 1, nil)
	r.Register("shared", 1, nil)
	assert.Zero(t, logs.Len(), "same slot re-registering is silent")

	r.Register("shared", 2, nil)
	entries := logs.FilterMessage("usage taken over").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["from"])
	assert.Equal(t, int64(2), entries[0].ContextMap()["to"])

	out := d.Invoke(context.Background(), "shared", dton.MustFromJSON(`{}`))
	assert.Equal(t, `"from 2"`, out.Text())
}

func TestUsagesSorted(t *testing.T) {
	r := NewRegistry(&fakeInvoker{}, dispatch.NewTable(), nil)
	r.Register("b", 0, nil)
	r.Register("c", 1, dton.MustEncode(1))
	r.Register("a", 2, nil)

	got := r.Usages()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, 2, got[0].Slot)
	assert.Equal(t, "b", got[1].Name)
	assert.Equal(t, "c", got[2].Name)
	assert.Equal(t, "1", got[2].Metadata.Text())
}

func TestConcurrentRegisterAndForward(t *testing.T) {
	inv := &fakeInvoker{replies: map[int]func(string, dton.Buffer) (dton.Buffer, error){}}
	d := dispatch.NewTable()
	r := NewRegistry(inv, d, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Register("u", i, nil)
		}(i)
		go func() {
			defer wg.Done()
			_ = r.Usages()
			_, _ = r.Forward(context.Background(), "u", nil)
		}()
	}
	wg.Wait()

	u, ok := r.Lookup("u")
	require.True(t, ok)
	assert.GreaterOrEqual(t, u.Slot, 0)
	assert.Equal(t, 1, r.Len())
}
