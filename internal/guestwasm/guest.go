package guestwasm

// Fallback selects what a scripted guest's call export does when no route
// matches the request envelope.
type Fallback int

const (
	// Echo returns a copy of the request envelope.
	Echo Fallback = iota
	// Forward passes the request envelope to the host call_in import and
	// returns whatever the host writes back.
	Forward
	// Trap executes unreachable.
	Trap
	// Empty returns the null pointer.
	Empty
)

// TypedFlag is what init returns for a guest that speaks typed envelopes.
const TypedFlag = 0x100

// Memory layout of a scripted guest.
const (
	DataBase  = 1024
	HeapBase  = 65536
	pageBytes = 65536
)

// Route answers one exact request envelope with a canned response envelope.
// Both are complete envelopes, header included.
type Route struct {
	Request  []byte
	Response []byte
}

// Import is an extra function import, left uncalled.
type Import struct {
	Module  string
	Name    string
	Params  []ValType
	Results []ValType
}

// Guest describes a scripted guest module.
//
// The generated module exports init, call, alloc, dealloc and memory, plus
// the mutable globals dealloc_count, last_freed and init_flag so tests can
// observe the host's allocator traffic. alloc is a bump allocator that
// writes the requested size into the first four bytes of each block.
type Guest struct {
	Routes   []Route
	Imports  []Import
	Omit     []string
	Fallback Fallback
	// Pages is the initial memory size. The minimum fits the routes and a
	// one page heap.
	Pages uint32
	// MaxPages caps memory growth; 0 leaves memory unbounded.
	MaxPages uint32
	Typed    bool
	// Legacy uses the sm* export names and host* import names.
	Legacy bool
	// Probes exports probe_debug, probe_ms, probe_clock and probe_push,
	// each of which calls the matching host import.
	Probes bool
	// Bindgen imports debug under its wasm-bindgen mangled name.
	Bindgen bool
}

// Export and global names of a scripted guest.
const (
	GlobalDeallocCount = "dealloc_count"
	GlobalLastFreed    = "last_freed"
	GlobalInitFlag     = "init_flag"

	ProbeDebug = "probe_debug"
	ProbeMs    = "probe_ms"
	ProbeClock = "probe_clock"
	ProbePush  = "probe_push"

	// BindgenDebug is the mangled debug import used when Bindgen is set.
	BindgenDebug = "__wbg_debug_0123456789abcdef"
)

func (g Guest) omitted(name string) bool {
	for _, o := range g.Omit {
		if o == name {
			return true
		}
	}
	return false
}

func (g Guest) name(modern, legacy string) string {
	if g.Legacy {
		return legacy
	}
	return modern
}

// Build assembles the guest binary.
func (g Guest) Build() []byte {
	m := New()

	// Imports.
	callIn := m.ImportFunc("env", g.name("call_in", "hostcallsm"), []ValType{I32}, []ValType{I32})
	var debugFn, msFn, pushFn, clockFn uint32
	if g.Probes {
		switch {
		case g.Bindgen:
			debugFn = m.ImportFunc("wbg", BindgenDebug, []ValType{I32, I32}, nil)
		default:
			debugFn = m.ImportFunc("env", g.name("debug", "hostdebug"), []ValType{I32, I32}, nil)
		}
		msFn = m.ImportFunc("env", g.name("get_current_time_ms", "hostgetms"), nil, []ValType{I64})
		pushFn = m.ImportFunc("env", g.name("push_memory", "hostputmemory"), []ValType{I32, I32}, nil)
		clockFn = m.ImportFunc("wasi_snapshot_preview1", "clock_time_get", []ValType{I32, I64, I32}, []ValType{I32})
	}
	for _, imp := range g.Imports {
		m.ImportFunc(imp.Module, imp.Name, imp.Params, imp.Results)
	}

	// Data: routes packed from DataBase.
	type placed struct{ reqOff, reqLen, respOff, respLen uint32 }
	var routes []placed
	off := uint32(DataBase)
	for _, r := range g.Routes {
		p := placed{reqOff: off, reqLen: uint32(len(r.Request))}
		m.Data(off, r.Request)
		off = align8(off + p.reqLen)
		p.respOff, p.respLen = off, uint32(len(r.Response))
		m.Data(off, r.Response)
		off = align8(off + p.respLen)
		routes = append(routes, p)
	}
	heap := uint32(HeapBase)
	if off > heap {
		heap = (off + pageBytes - 1) / pageBytes * pageBytes
	}
	pages := heap/pageBytes + 1
	if g.Pages > pages {
		pages = g.Pages
	}
	m.Memory(pages, g.MaxPages)

	// Globals.
	heapG := m.Global(I32, true, int64(heap))
	deallocCount := m.Global(I32, true, 0)
	lastFreed := m.Global(I32, true, 0)
	initFlag := m.Global(I32, true, -1)

	// (func $alloc (param $n i32) (result i32) (local $ptr i32)
	//   (local.set $ptr (global.get $heap))
	//   (global.set $heap (i32.add (global.get $heap)
	//     (i32.and (i32.add (local.get $n) (i32.const 11)) (i32.const -8))))
	//   (i32.store (local.get $ptr) (local.get $n))
	//   (local.get $ptr))
	alloc := m.Func([]ValType{I32}, []ValType{I32}, []ValType{I32}, NewCode().
		GlobalGet(heapG).LocalSet(1).
		GlobalGet(heapG).
		LocalGet(0).I32Const(4 + 7).I32Add().I32Const(-8).I32And().
		I32Add().GlobalSet(heapG).
		LocalGet(1).LocalGet(0).I32Store().
		LocalGet(1))

	// (func $dealloc (param $ptr i32)
	//   (global.set $dealloc_count (i32.add (global.get $dealloc_count) (i32.const 1)))
	//   (global.set $last_freed (local.get $ptr)))
	dealloc := m.Func([]ValType{I32}, nil, nil, NewCode().
		GlobalGet(deallocCount).I32Const(1).I32Add().GlobalSet(deallocCount).
		LocalGet(0).GlobalSet(lastFreed))

	// (func $match (param $ptr i32) (param $off i32) (param $len i32) (result i32) (local $i i32)
	//   (block $done (loop $next
	//     (br_if $done (i32.ge_u (local.get $i) (local.get $len)))
	//     (if (i32.ne (i32.load8_u (i32.add (local.get $ptr) (local.get $i)))
	//                 (i32.load8_u (i32.add (local.get $off) (local.get $i))))
	//       (then (return (i32.const 0))))
	//     (local.set $i (i32.add (local.get $i) (i32.const 1)))
	//     (br $next)))
	//   (i32.const 1))
	match := m.Func([]ValType{I32, I32, I32}, []ValType{I32}, []ValType{I32}, NewCode().
		Block().
		Loop().
		LocalGet(3).LocalGet(2).I32GeU().BrIf(1).
		LocalGet(0).LocalGet(3).I32Add().I32Load8U().
		LocalGet(1).LocalGet(3).I32Add().I32Load8U().
		I32Ne().
		If().I32Const(0).Return().End().
		LocalGet(3).I32Const(1).I32Add().LocalSet(3).
		Br(0).
		End().
		End().
		I32Const(1))

	// (func $copy_out (param $off i32) (param $len i32) (result i32) (local $ptr i32)
	//   (local.set $ptr (call $alloc (i32.sub (local.get $len) (i32.const 4))))
	//   (memory.copy (local.get $ptr) (local.get $off) (local.get $len))
	//   (local.get $ptr))
	// The copy overwrites the size alloc stored with the envelope header.
	copyOut := m.Func([]ValType{I32, I32}, []ValType{I32}, []ValType{I32}, NewCode().
		LocalGet(1).I32Const(4).I32Sub().Call(alloc).LocalSet(2).
		LocalGet(2).LocalGet(0).LocalGet(1).MemoryCopy().
		LocalGet(2))

	initRet := int32(0)
	if g.Typed {
		initRet = TypedFlag
	}
	// (func $init (param $flag i32) (result i32)
	//   (global.set $init_flag (local.get $flag))
	//   (i32.const <0 or 0x100>))
	initFn := m.Func([]ValType{I32}, []ValType{I32}, nil, NewCode().
		LocalGet(0).GlobalSet(initFlag).
		I32Const(initRet))

	// (func $call (param $ptr i32) (param $dir i32) (result i32)
	//   ;; per route
	//   (if (call $match (local.get $ptr) (i32.const <req>) (i32.const <req_len>))
	//     (then (return (call $copy_out (i32.const <resp>) (i32.const <resp_len>)))))
	//   ;; fallback, one of
	//   (call $copy_out (local.get $ptr) (i32.add (i32.load (local.get $ptr)) (i32.const 4)))
	//   (call $call_in (local.get $ptr))
	//   (unreachable)
	//   (i32.const 0))
	body := NewCode()
	for _, r := range routes {
		body.LocalGet(0).I32Const(int32(r.reqOff)).I32Const(int32(r.reqLen)).Call(match).
			If().
			I32Const(int32(r.respOff)).I32Const(int32(r.respLen)).Call(copyOut).Return().
			End()
	}
	switch g.Fallback {
	case Echo:
		body.LocalGet(0).
			LocalGet(0).I32Load().I32Const(4).I32Add().
			Call(copyOut)
	case Forward:
		body.LocalGet(0).Call(callIn)
	case Trap:
		body.Unreachable()
	case Empty:
		body.I32Const(0)
	}
	callFn := m.Func([]ValType{I32, I32}, []ValType{I32}, nil, body)

	exports := []struct {
		name string
		idx  uint32
	}{
		{g.name("init", "sminit"), initFn},
		{g.name("call", "smcall"), callFn},
		{g.name("alloc", "smalloc"), alloc},
		{g.name("dealloc", "smdealloc"), dealloc},
	}
	for _, e := range exports {
		if !g.omitted(e.name) {
			m.ExportFunc(e.name, e.idx)
		}
	}
	if !g.omitted("memory") {
		m.ExportMemory("memory")
	}
	m.ExportGlobal(GlobalDeallocCount, deallocCount)
	m.ExportGlobal(GlobalLastFreed, lastFreed)
	m.ExportGlobal(GlobalInitFlag, initFlag)

	// Each probe forwards its params to one import:
	//   (func (export "probe_debug") (param i32 i32) (call $debug (local.get 0) (local.get 1)))
	//   (func (export "probe_ms") (result i64) (call $get_current_time_ms))
	//   (func (export "probe_clock") (param $out i32) (result i32)
	//     (call $clock_time_get (i32.const 0) (i64.const 0) (local.get $out)))
	//   (func (export "probe_push") (param $ptr i32) (call $push_memory (local.get $ptr) (i32.const 10)))
	if g.Probes {
		m.ExportFunc(ProbeDebug, m.Func([]ValType{I32, I32}, nil, nil, NewCode().
			LocalGet(0).LocalGet(1).Call(debugFn)))
		m.ExportFunc(ProbeMs, m.Func(nil, []ValType{I64}, nil, NewCode().
			Call(msFn)))
		m.ExportFunc(ProbeClock, m.Func([]ValType{I32}, []ValType{I32}, nil, NewCode().
			I32Const(0).I64Const(0).LocalGet(0).Call(clockFn)))
		m.ExportFunc(ProbePush, m.Func([]ValType{I32}, nil, nil, NewCode().
			LocalGet(0).I32Const(10).Call(pushFn)))
	}

	return m.Encode()
}

func align8(v uint32) uint32 {
	return (v + 7) &^ 7
}
