// Package dispatch provides the process-wide table of named operations.
//
// Host-native handlers and the usage proxies installed for guests share a
// single Dispatcher. Invoke never fails toward the caller: unknown names,
// handler errors and handler panics are logged and yield the empty payload.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/errors"
)

// Handler serves one named operation.
type Handler func(ctx context.Context, name string, payload dton.Buffer) (dton.Buffer, error)

// Dispatcher routes operation names to handlers.
type Dispatcher interface {
	Register(name string, h Handler)
	Invoke(ctx context.Context, name string, payload dton.Buffer) dton.Buffer
}

// Table is the default Dispatcher. Registration replaces any previous
// handler for the same name.
type Table struct {
	handlers map[string]Handler
	log      *zap.Logger
	mu       sync.RWMutex
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for misses and handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.log = l
		}
	}
}

// WithHandler registers a handler at construction time.
func WithHandler(name string, h Handler) Option {
	return func(t *Table) {
		t.handlers[name] = h
	}
}

// NewTable creates an empty dispatch table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		handlers: make(map[string]Handler),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register installs h under name.
func (t *Table) Register(name string, h Handler) {
	t.mu.Lock()
	_, replaced := t.handlers[name]
	t.handlers[name] = h
	t.mu.Unlock()

	if replaced {
		t.log.Warn("dispatch handler replaced", zap.String("usage", name))
	}
}

// Invoke calls the handler registered under name.
func (t *Table) Invoke(ctx context.Context, name string, payload dton.Buffer) (out dton.Buffer) {
	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()

	if !ok {
		t.log.Warn("dispatch miss", zap.Error(errors.DispatchMiss(name)))
		return dton.Empty()
	}

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("dispatch handler panicked",
				zap.String("usage", name),
				zap.String("panic", fmt.Sprint(r)))
			out = dton.Empty()
		}
	}()

	res, err := h(ctx, name, payload)
	if err != nil {
		t.log.Warn("dispatch handler failed", zap.String("usage", name), zap.Error(err))
		return dton.Empty()
	}
	return res
}

// Has reports whether a handler is registered under name.
func (t *Table) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[name]
	return ok
}

// Names returns the registered names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// JSONHandler adapts a function over JSON-shaped Go values into a Handler.
// The payload is decoded into Req and the response re-encoded.
func JSONHandler[Req any, Resp any](fn func(context.Context, Req) (Resp, error)) Handler {
	return func(ctx context.Context, _ string, payload dton.Buffer) (dton.Buffer, error) {
		var req Req
		if err := payload.DecodeInto(&req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return dton.Encode(resp)
	}
}
