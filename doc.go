// Package usagehost hosts sandboxed WebAssembly guests that publish named
// operations ("usages") to the process.
//
// The library is organized into several packages:
//
//	usagehost/
//	├── host/        Host context: Load, Call, Usages, Close
//	├── engine/      wazero glue: module cache, import bridge, slot pool, envelopes
//	├── usage/       Usage registry and the forwarding handlers it installs
//	├── dispatch/    Process-wide table of named operations
//	├── dton/        Structured payload buffer (msgpack)
//	├── config/      HCL host configuration and its JSON Schema
//	├── errors/      Structured error types
//	└── cmd/usagehost  Command-line host with an interactive console
//
// # Quick Start
//
//	h, err := host.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close(ctx)
//
//	if _, err := h.Load(ctx, "guests/math.wasm", 16); err != nil {
//	    log.Fatal(err)
//	}
//	out := h.Call(ctx, "math.add", dton.MustFromJSON(`{"a":1,"b":2}`))
//	fmt.Println(out.Text())
//
// # Guest Contract
//
// A guest is a core module exporting memory and four functions:
//
//	init(flags i32) i32        answers 0x100 to speak typed envelopes
//	call(ptr i32, dir i32) i32 serves one request envelope, returns a reply or 0
//	alloc(n i32) i32           returns a block of at least n+4 bytes
//	dealloc(ptr i32)           frees a block returned by alloc
//
// The sm-prefixed spellings (sminit, smcall, smalloc, smdealloc) are accepted.
// After init the host calls usage "smker.get.all"; the guest answers with a
// map of usage name to metadata, and each name becomes callable through the
// host and from every other guest via the call_in import.
//
// # Envelopes
//
// Values cross guest memory as envelopes: a little-endian u32 length of the
// rest, followed by either JSON text (text mode) or a type tag, a u16 name
// length, the NUL-terminated usage name and a msgpack payload (typed mode).
// Every envelope the host consumes is returned to the guest through dealloc.
//
// # Thread Safety
//
// Host is safe for concurrent use. Calls into one guest are serialized by its
// slot; calls into different guests run in parallel. A call chain that would
// re-enter a guest it is already inside fails instead of deadlocking.
package usagehost
