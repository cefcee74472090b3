// Package engine runs guest modules on wazero.
//
// # Architecture
//
//	ModuleCache - compiles each guest path once and remembers failures
//	Bridge      - resolves guest imports against the host function table
//	Pool        - fixed set of Slots, each with its own wazero runtime
//	Slot        - one guest instance and the lock that serializes it
//
// All slot runtimes share a compilation cache with the ModuleCache, so a
// guest is compiled to native code once no matter how many slots run it.
//
// # Import Resolution
//
// A guest import is first looked up by module and name. Failing that, its
// name is passed through the NameNormalizer chain (wasm-bindgen and
// Emscripten manglings by default) and matched by name and arity in any
// module. Signatures must match exactly. Every unresolved import is reported
// in one *errors.MissingImportsError.
//
// # Re-entrancy
//
// The context passed into a guest call records which slots the call chain
// holds. A host function that dispatches back into one of them gets a
// reentrant error rather than blocking on the slot lock forever.
package engine
