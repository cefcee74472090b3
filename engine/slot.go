package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/errors"
)

const (
	memoryExport = "memory"
	// initializeExport runs constructors in reactor-style guests.
	initializeExport = "_initialize"
	guestModuleName  = "guest"

	// directionHost tells the guest call export that the host initiated it.
	directionHost = 1

	pageSize = 65536
)

// exportSpec names a required guest export, its legacy spelling and its type.
type exportSpec struct {
	name    string
	legacy  string
	params  []api.ValueType
	results []api.ValueType
}

var (
	initSpec    = exportSpec{"init", "sminit", types(i32), types(i32)}
	callSpec    = exportSpec{"call", "smcall", types(i32, i32), types(i32)}
	allocSpec   = exportSpec{"alloc", "smalloc", types(i32), types(i32)}
	deallocSpec = exportSpec{"dealloc", "smdealloc", types(i32), nil}

	requiredExports = []exportSpec{initSpec, callSpec, allocSpec, deallocSpec}
)

// resolveExport returns the export name the guest uses for want.
func resolveExport(m *Module, want exportSpec) (string, error) {
	for _, name := range []string{want.name, want.legacy} {
		def := m.ExportedFunction(name)
		if def == nil {
			continue
		}
		if !sameTypes(def.ParamTypes(), want.params) || !sameTypes(def.ResultTypes(), want.results) {
			return "", errors.SignatureMismatch(errors.PhaseInstantiate, m.Path, name,
				signature(want.params, want.results),
				signature(def.ParamTypes(), def.ResultTypes()))
		}
		return name, nil
	}
	return "", errors.MissingExport(m.Path, want.name)
}

// guest is a live instance bound to a slot.
type guest struct {
	module  api.Module
	memory  api.Memory
	init    api.Function
	call    api.Function
	alloc   api.Function
	dealloc api.Function
	path    string
	// typed is decided once by init and never changes.
	typed bool
	ready bool
}

// Slot is one execution context. Everything that runs guest code holds mu.
type Slot struct {
	pool    *Pool
	runtime wazero.Runtime
	guest   *guest
	logger  *zap.Logger
	id      int
	mu      sync.Mutex
}

func newSlot(p *Pool, id int) *Slot {
	return &Slot{
		pool:   p,
		id:     id,
		logger: p.log.With(zap.Int("slot", id)),
	}
}

// ID returns the slot id.
func (s *Slot) ID() int {
	return s.id
}

func (s *Slot) log() *zap.Logger {
	return s.logger
}

// reset closes the slot's runtime, dropping any guest. Caller holds mu.
func (s *Slot) reset(ctx context.Context) {
	if s.runtime != nil {
		if err := s.runtime.Close(ctx); err != nil {
			s.log().Warn("close slot runtime", zap.Error(err))
		}
	}
	s.runtime = nil
	s.guest = nil
}

// callGuest runs the guest call export on an envelope and decodes the reply.
// Caller holds mu.
func (s *Slot) callGuest(ctx context.Context, ptr uint32) (dton.Buffer, error) {
	g := s.guest
	res, err := g.call.Call(ctx, api.EncodeU32(ptr), directionHost)
	if err != nil {
		return nil, errors.Trap(errors.PhaseCall, s.id, "call", err)
	}
	return s.consume(ctx, api.DecodeU32(res[0]))
}

// consume copies the envelope at ptr out of guest memory, then hands the
// block back to the guest allocator. Caller holds mu.
func (s *Slot) consume(ctx context.Context, ptr uint32) (dton.Buffer, error) {
	if ptr == 0 {
		return nil, nil
	}
	g := s.guest
	_, payload, decodeErr := ReadEnvelope(g.memory, ptr, g.typed)
	if _, err := g.dealloc.Call(ctx, api.EncodeU32(ptr)); err != nil {
		return nil, errors.Trap(errors.PhaseCall, s.id, "dealloc", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return payload, nil
}

// writeEnvelope encodes payload for the guest, allocates a block through the
// guest allocator and copies the envelope in. Caller holds mu.
func (s *Slot) writeEnvelope(ctx context.Context, name string, payload dton.Buffer) (uint32, error) {
	g := s.guest
	env, err := EncodeEnvelope(name, payload, g.typed)
	if err != nil {
		return 0, err
	}
	res, err := g.alloc.Call(ctx, api.EncodeU32(bodyLen(env)))
	if err != nil {
		return 0, errors.Trap(errors.PhaseCall, s.id, "alloc", err)
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, errors.New(errors.PhaseCall, errors.KindOutOfBounds).
			Slot(s.id).
			Usage(name).
			Detail("guest allocator returned null for %d bytes", bodyLen(env)).
			Build()
	}
	if err := WriteEnvelope(g.memory, ptr, env); err != nil {
		return 0, err
	}
	return ptr, nil
}

// callIn serves a guest-initiated call: decode the caller's envelope, free
// it, dispatch, and write the reply back into the caller. A zero return means
// no reply. Caller holds mu.
func (s *Slot) callIn(ctx context.Context, ptr uint32) uint32 {
	g := s.guest
	if g == nil {
		return 0
	}

	name, payload, err := ReadEnvelope(g.memory, ptr, g.typed)
	if ptr != 0 {
		if _, derr := g.dealloc.Call(ctx, api.EncodeU32(ptr)); derr != nil {
			s.log().Warn("call_in dealloc failed", zap.Error(errors.Trap(errors.PhaseCall, s.id, "dealloc", derr)))
			return 0
		}
	}
	if err != nil {
		s.log().Warn("call_in envelope rejected", zap.Error(err))
		return 0
	}
	if payload.IsEmpty() {
		return 0
	}

	out := s.pool.bridge.dispatcher.Invoke(ctx, name, payload)

	rptr, err := s.writeEnvelope(ctx, name, out)
	if err != nil {
		s.log().Warn("call_in reply not written", zap.String("usage", name), zap.Error(err))
		return 0
	}
	return rptr
}

// growMemory raises the guest memory to pages when it is smaller.
func (s *Slot) growMemory(mem api.Memory, path string, pages uint32) {
	cur := mem.Size() / pageSize
	if pages <= cur {
		s.log().Debug("guest memory kept",
			zap.String("path", path),
			zap.Uint32("pages", cur),
			zap.Uint32("requested", pages))
		return
	}
	prev, ok := mem.Grow(pages - cur)
	if !ok {
		s.log().Warn("guest memory grow failed",
			zap.String("path", path),
			zap.Uint32("pages", cur),
			zap.Uint32("requested", pages))
		return
	}
	s.log().Info("guest memory grown",
		zap.String("path", path),
		zap.Uint32("from", prev),
		zap.Uint32("to", mem.Size()/pageSize))
}

type heldKey struct{}

// heldSlots is the chain of slots the current call path holds.
type heldSlots struct {
	next *heldSlots
	id   int
}

func holds(ctx context.Context, id int) bool {
	for h, _ := ctx.Value(heldKey{}).(*heldSlots); h != nil; h = h.next {
		if h.id == id {
			return true
		}
	}
	return false
}

func withHeld(ctx context.Context, id int) context.Context {
	prev, _ := ctx.Value(heldKey{}).(*heldSlots)
	return context.WithValue(ctx, heldKey{}, &heldSlots{id: id, next: prev})
}
