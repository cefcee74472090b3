// Package usage tracks the named operations guests announce and makes them
// dispatchable.
//
// After a guest is initialized the registry asks it for its usages with the
// bootstrap call. Every announced name is recorded against the guest's slot
// and a forwarding handler is installed in the dispatcher, so host code and
// other guests reach it by name alone.
package usage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-usage-host/dispatch"
	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/errors"
)

// Bootstrap is the usage every guest answers with its usage table.
const Bootstrap = "smker.get.all"

// Invoker runs a named call against the guest bound to a slot.
// *engine.Pool satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, slot int, name string, payload dton.Buffer) (dton.Buffer, error)
}

// Usage is one registered operation.
type Usage struct {
	Name     string
	Metadata dton.Buffer
	Slot     int
}

// Registry maps usage names to the slots that serve them.
type Registry struct {
	invoker    Invoker
	dispatcher dispatch.Dispatcher
	log        *zap.Logger
	usages     map[string]Usage
	mu         sync.RWMutex
}

// NewRegistry creates a registry that installs its handlers in d.
func NewRegistry(inv Invoker, d dispatch.Dispatcher, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		invoker:    inv,
		dispatcher: d,
		log:        log,
		usages:     make(map[string]Usage),
	}
}

// Discover sends the bootstrap call to the guest in slot and registers every
// usage it reports. It returns the registered names in order.
func (r *Registry) Discover(ctx context.Context, slot int) ([]string, error) {
	req, err := dton.Empty().WithUsage(Bootstrap)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "bootstrap request")
	}
	reply, err := r.invoker.Invoke(ctx, slot, Bootstrap, req)
	if err != nil {
		return nil, err
	}

	table, err := reply.Map()
	if err != nil {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Slot(slot).
			Usage(Bootstrap).
			Detail("usage table is not a map").
			Cause(err).
			Build()
	}

	names := make([]string, 0, len(table))
	for name := range table {
		if name == Bootstrap || name == dton.UsageKey {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	// Nothing is registered unless the whole table is usable.
	metas := make([]dton.Buffer, len(names))
	for i, name := range names {
		if metas[i], err = dton.Encode(table[name]); err != nil {
			return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
				Slot(slot).
				Usage(name).
				Detail("usage metadata").
				Cause(err).
				Build()
		}
	}
	for i, name := range names {
		r.Register(name, slot, metas[i])
	}

	r.log.Info("guest usages registered",
		zap.Int("slot", slot),
		zap.Strings("usages", names))
	return names, nil
}

// Register records name as served by slot and installs its forwarding
// handler. A name already owned by another slot is taken over.
func (r *Registry) Register(name string, slot int, meta dton.Buffer) {
	r.mu.Lock()
	prev, replaced := r.usages[name]
	r.usages[name] = Usage{Name: name, Slot: slot, Metadata: meta}
	r.mu.Unlock()

	if replaced && prev.Slot != slot {
		r.log.Warn("usage taken over",
			zap.String("usage", name),
			zap.Int("from", prev.Slot),
			zap.Int("to", slot))
	}
	r.dispatcher.Register(name, r.Forward)
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Usage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.usages[name]
	return u, ok
}

// Usages lists every registration sorted by name.
func (r *Registry) Usages() []Usage {
	r.mu.RLock()
	out := make([]Usage, 0, len(r.usages))
	for _, u := range r.usages {
		out = append(out, u)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered usages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.usages)
}

// Forward is the dispatch handler installed for every usage: it invokes the
// owning slot with name and payload.
func (r *Registry) Forward(ctx context.Context, name string, payload dton.Buffer) (dton.Buffer, error) {
	u, ok := r.Lookup(name)
	if !ok {
		return nil, errors.DispatchMiss(name)
	}
	return r.invoker.Invoke(ctx, u.Slot, name, payload)
}
