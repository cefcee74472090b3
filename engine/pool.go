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

// DefaultCapacity is the number of slots a pool holds unless configured.
const DefaultCapacity = 256

// PoolConfig configures a Pool.
type PoolConfig struct {
	// RuntimeConfig is used for every slot runtime. It should carry the same
	// compilation cache as the ModuleCache so slots reuse compiled code.
	RuntimeConfig wazero.RuntimeConfig
	Bridge        *Bridge
	Log           *zap.Logger
	Capacity      int
}

// SlotInfo describes a slot's current guest.
type SlotInfo struct {
	Path   string
	ID     int
	Loaded bool
	Ready  bool
	Typed  bool
}

// Pool is a fixed-capacity set of execution slots. Slots are handed out
// from a free list first and then in id order; Claim fails once every slot
// is bound.
type Pool struct {
	rtConfig wazero.RuntimeConfig
	bridge   *Bridge
	log      *zap.Logger
	slots    []*Slot
	free     []int
	next     int
	claimMu  sync.Mutex
}

// NewPool creates a pool. No runtime is created until a slot is instantiated.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.RuntimeConfig == nil {
		cfg.RuntimeConfig = wazero.NewRuntimeConfig()
	}
	p := &Pool{
		rtConfig: cfg.RuntimeConfig,
		bridge:   cfg.Bridge,
		log:      loggerOr(cfg.Log),
		slots:    make([]*Slot, cfg.Capacity),
	}
	if p.bridge == nil {
		p.bridge = NewBridge(BridgeConfig{Log: p.log})
	}
	for i := range p.slots {
		p.slots[i] = newSlot(p, i)
	}
	return p
}

// Capacity returns the number of slots.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// Bridge returns the import bridge slots are linked with.
func (p *Pool) Bridge() *Bridge {
	return p.bridge
}

// Claim reserves an unbound slot.
func (p *Pool) Claim() (int, error) {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id, nil
	}
	if p.next < len(p.slots) {
		id := p.next
		p.next++
		return id, nil
	}
	return -1, errors.CapacityExceeded(len(p.slots))
}

// Release empties a claimed slot and returns it to the free list. It is
// used for slots whose guest failed to come up.
func (p *Pool) Release(ctx context.Context, id int) {
	s, err := p.slot(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.reset(ctx)
	s.mu.Unlock()

	p.claimMu.Lock()
	p.free = append(p.free, id)
	p.claimMu.Unlock()
}

func (p *Pool) slot(id int) (*Slot, error) {
	if id < 0 || id >= len(p.slots) {
		return nil, errors.New(errors.PhaseSlot, errors.KindInvalidInput).
			Value(id).
			Detail("slot %d outside [0, %d)", id, len(p.slots)).
			Build()
	}
	return p.slots[id], nil
}

// Info reports what slot id currently holds.
func (p *Pool) Info(id int) SlotInfo {
	s, err := p.slot(id)
	if err != nil {
		return SlotInfo{ID: id}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SlotInfo{ID: id}
	if g := s.guest; g != nil {
		info.Loaded = true
		info.Path = g.path
		info.Ready = g.ready
		info.Typed = g.typed
	}
	return info
}

// Instantiate links m against the bridge and brings up a guest in slot id,
// growing its memory to pages. Any previous guest in the slot is dropped.
// On failure the slot is left empty.
func (p *Pool) Instantiate(ctx context.Context, id int, m *Module, pages uint32) error {
	s, err := p.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset(ctx)

	bindings, err := p.bridge.Link(m)
	if err != nil {
		return err
	}

	if !m.HasMemory() {
		return errors.MissingMemory(m.Path)
	}
	names := make([]string, len(requiredExports))
	for i, want := range requiredExports {
		if names[i], err = resolveExport(m, want); err != nil {
			return err
		}
	}

	rt := wazero.NewRuntimeWithConfig(ctx, p.rtConfig)
	g, err := p.instantiate(withHeld(ctx, id), rt, s, m, bindings, names)
	if err != nil {
		if cerr := rt.Close(ctx); cerr != nil {
			s.log().Warn("close slot runtime", zap.Error(cerr))
		}
		return err
	}

	s.runtime = rt
	s.guest = g
	s.growMemory(g.memory, m.Path, pages)

	s.log().Info("guest instantiated",
		zap.String("path", m.Path),
		zap.Int("imports", len(bindings)),
		zap.Strings("exports", names))
	return nil
}

func (p *Pool) instantiate(ctx context.Context, rt wazero.Runtime, s *Slot, m *Module, bindings []Binding, names []string) (*guest, error) {
	if err := p.bridge.instantiate(ctx, rt, s, bindings); err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, m.binary)
	if err != nil {
		return nil, errors.LoadFailed(m.Path, errors.KindCompile, err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(guestModuleName).
		WithStartFunctions(initializeExport))
	if err != nil {
		return nil, errors.Instantiation(m.Path, err)
	}

	mem := mod.ExportedMemory(memoryExport)
	if mem == nil {
		return nil, errors.MissingMemory(m.Path)
	}

	fns := make([]api.Function, len(names))
	for i, name := range names {
		if fns[i] = mod.ExportedFunction(name); fns[i] == nil {
			return nil, errors.MissingExport(m.Path, name)
		}
	}

	return &guest{
		module:  mod,
		memory:  mem,
		init:    fns[0],
		call:    fns[1],
		alloc:   fns[2],
		dealloc: fns[3],
		path:    m.Path,
	}, nil
}

// acquire locks slot id for a guest call and marks it held in the returned
// context. A call chain that already holds the slot is refused.
func (p *Pool) acquire(ctx context.Context, id int, usage string) (*Slot, context.Context, error) {
	s, err := p.slot(id)
	if err != nil {
		return nil, ctx, err
	}
	if holds(ctx, id) {
		return nil, ctx, errors.Reentrant(id, usage)
	}
	s.mu.Lock()
	return s, withHeld(ctx, id), nil
}

// RunInit calls the guest init export with LoadFlag and records the
// envelope mode it answers with.
func (p *Pool) RunInit(ctx context.Context, id int) (bool, error) {
	s, ctx, err := p.acquire(ctx, id, "")
	if err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	g := s.guest
	if g == nil {
		return false, errors.NotLoaded(id)
	}
	res, err := g.init.Call(ctx, api.EncodeU32(LoadFlag))
	if err != nil {
		return false, errors.Trap(errors.PhaseInit, id, "init", err)
	}
	g.typed = api.DecodeU32(res[0])&LoadFlag != 0
	g.ready = true

	mode := "text"
	if g.typed {
		mode = "typed"
	}
	s.log().Info("guest initialized", zap.String("path", g.path), zap.String("mode", mode))
	return g.typed, nil
}

// Call runs the guest call export on an envelope already in guest memory and
// returns the decoded reply. An empty slot yields the empty payload.
func (p *Pool) Call(ctx context.Context, id int, ptr uint32) (dton.Buffer, error) {
	s, ctx, err := p.acquire(ctx, id, "")
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.guest == nil {
		return nil, nil
	}
	return s.callGuest(ctx, ptr)
}

// WriteEnvelope places an envelope for name and payload into slot id's
// memory and returns its address.
func (p *Pool) WriteEnvelope(ctx context.Context, id int, name string, payload dton.Buffer) (uint32, error) {
	s, ctx, err := p.acquire(ctx, id, name)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if s.guest == nil {
		return 0, errors.NotLoaded(id)
	}
	return s.writeEnvelope(ctx, name, payload)
}

// Invoke writes the request envelope and calls the guest under a single
// hold of the slot lock.
func (p *Pool) Invoke(ctx context.Context, id int, name string, payload dton.Buffer) (dton.Buffer, error) {
	s, ctx, err := p.acquire(ctx, id, name)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.guest == nil {
		return nil, nil
	}
	ptr, err := s.writeEnvelope(ctx, name, payload)
	if err != nil {
		return nil, err
	}
	return s.callGuest(ctx, ptr)
}

// Close drops every guest and closes the slot runtimes.
func (p *Pool) Close(ctx context.Context) error {
	for _, s := range p.slots {
		s.mu.Lock()
		s.reset(ctx)
		s.mu.Unlock()
	}
	return nil
}
