// Package guestwasm assembles small core WebAssembly modules in memory.
//
// It exists so tests can synthesize guests with exactly the imports and
// exports a scenario needs instead of checking binaries into the tree.
package guestwasm

import "fmt"

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

const (
	magic   uint32 = 0x6d736100
	version uint32 = 1

	secType     byte = 1
	secImport   byte = 2
	secFunction byte = 3
	secMemory   byte = 5
	secGlobal   byte = 6
	secExport   byte = 7
	secCode     byte = 10
	secData     byte = 11

	kindFunc   byte = 0
	kindMemory byte = 2
	kindGlobal byte = 3

	funcTypeByte byte = 0x60
)

type funcType struct {
	params  []ValType
	results []ValType
}

func (t funcType) key() string {
	return fmt.Sprint(t.params, t.results)
}

type importEntry struct {
	module  string
	name    string
	typeIdx uint32
}

type funcEntry struct {
	locals  []ValType
	body    []byte
	typeIdx uint32
}

type exportEntry struct {
	name  string
	kind  byte
	index uint32
}

type globalEntry struct {
	init    int64
	typ     ValType
	mutable bool
}

type dataEntry struct {
	bytes  []byte
	offset uint32
}

// Module is a module under construction. Imports must be declared before
// any function is defined, since they share the function index space.
type Module struct {
	typeIndex map[string]uint32
	types     []funcType
	imports   []importEntry
	funcs     []funcEntry
	exports   []exportEntry
	globals   []globalEntry
	data      []dataEntry
	memMin    uint32
	memMax    uint32
	hasMemory bool
	hasMax    bool
}

// New creates an empty module.
func New() *Module {
	return &Module{typeIndex: make(map[string]uint32)}
}

func (m *Module) typeOf(params, results []ValType) uint32 {
	t := funcType{params: params, results: results}
	if idx, ok := m.typeIndex[t.key()]; ok {
		return idx
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, t)
	m.typeIndex[t.key()] = idx
	return idx
}

// ImportFunc declares an imported function and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("guestwasm: imports must precede function definitions")
	}
	m.imports = append(m.imports, importEntry{
		module:  module,
		name:    name,
		typeIdx: m.typeOf(params, results),
	})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. body is the instruction
// sequence without the trailing end.
func (m *Module) Func(params, results, locals []ValType, body *Code) uint32 {
	m.funcs = append(m.funcs, funcEntry{
		typeIdx: m.typeOf(params, results),
		locals:  locals,
		body:    body.Bytes(),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// ExportFunc exports function idx as name.
func (m *Module) ExportFunc(name string, idx uint32) {
	m.exports = append(m.exports, exportEntry{name: name, kind: kindFunc, index: idx})
}

// Memory declares memory 0 with min pages and an optional maximum (0 means none).
func (m *Module) Memory(min, max uint32) {
	m.hasMemory = true
	m.memMin = min
	m.memMax = max
	m.hasMax = max > 0
}

// ExportMemory exports memory 0 as name.
func (m *Module) ExportMemory(name string) {
	m.exports = append(m.exports, exportEntry{name: name, kind: kindMemory})
}

// Global declares a global and returns its index.
func (m *Module) Global(typ ValType, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, globalEntry{typ: typ, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// ExportGlobal exports global idx as name.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, exportEntry{name: name, kind: kindGlobal, index: idx})
}

// Data places bytes at offset in memory 0 at instantiation.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, dataEntry{offset: offset, bytes: b})
}

// Encode returns the module in binary format.
func (m *Module) Encode() []byte {
	w := &writer{}
	w.WriteU32LE(magic)
	w.WriteU32LE(version)

	if len(m.types) > 0 {
		sec := &writer{}
		sec.WriteU32(uint32(len(m.types)))
		for _, t := range m.types {
			sec.Byte(funcTypeByte)
			writeValTypes(sec, t.params)
			writeValTypes(sec, t.results)
		}
		w.section(secType, sec.Bytes())
	}

	if len(m.imports) > 0 {
		sec := &writer{}
		sec.WriteU32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec.WriteName(imp.module)
			sec.WriteName(imp.name)
			sec.Byte(kindFunc)
			sec.WriteU32(imp.typeIdx)
		}
		w.section(secImport, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		sec := &writer{}
		sec.WriteU32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec.WriteU32(f.typeIdx)
		}
		w.section(secFunction, sec.Bytes())
	}

	if m.hasMemory {
		sec := &writer{}
		sec.WriteU32(1)
		if m.hasMax {
			sec.Byte(0x01)
			sec.WriteU32(m.memMin)
			sec.WriteU32(m.memMax)
		} else {
			sec.Byte(0x00)
			sec.WriteU32(m.memMin)
		}
		w.section(secMemory, sec.Bytes())
	}

	if len(m.globals) > 0 {
		sec := &writer{}
		sec.WriteU32(uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.Byte(byte(g.typ))
			if g.mutable {
				sec.Byte(0x01)
			} else {
				sec.Byte(0x00)
			}
			switch g.typ {
			case I64:
				sec.Byte(opI64Const)
			default:
				sec.Byte(opI32Const)
			}
			sec.WriteS64(g.init)
			sec.Byte(opEnd)
		}
		w.section(secGlobal, sec.Bytes())
	}

	if len(m.exports) > 0 {
		sec := &writer{}
		sec.WriteU32(uint32(len(m.exports)))
		for _, e := range m.exports {
			sec.WriteName(e.name)
			sec.Byte(e.kind)
			sec.WriteU32(e.index)
		}
		w.section(secExport, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		sec := &writer{}
		sec.WriteU32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			body := &writer{}
			writeLocals(body, f.locals)
			body.WriteBytes(f.body)
			body.Byte(opEnd)
			sec.WriteU32(uint32(body.Len()))
			sec.WriteBytes(body.Bytes())
		}
		w.section(secCode, sec.Bytes())
	}

	if len(m.data) > 0 {
		sec := &writer{}
		sec.WriteU32(uint32(len(m.data)))
		for _, d := range m.data {
			sec.WriteU32(0) // active, memory 0
			sec.Byte(opI32Const)
			sec.WriteS64(int64(int32(d.offset)))
			sec.Byte(opEnd)
			sec.WriteU32(uint32(len(d.bytes)))
			sec.WriteBytes(d.bytes)
		}
		w.section(secData, sec.Bytes())
	}

	return w.Bytes()
}

func writeValTypes(w *writer, vts []ValType) {
	w.WriteU32(uint32(len(vts)))
	for _, vt := range vts {
		w.Byte(byte(vt))
	}
}

// writeLocals run-length encodes local declarations.
func writeLocals(w *writer, locals []ValType) {
	type run struct {
		typ   ValType
		count uint32
	}
	var runs []run
	for _, l := range locals {
		if n := len(runs); n > 0 && runs[n-1].typ == l {
			runs[n-1].count++
			continue
		}
		runs = append(runs, run{typ: l, count: 1})
	}
	w.WriteU32(uint32(len(runs)))
	for _, r := range runs {
		w.WriteU32(r.count)
		w.Byte(byte(r.typ))
	}
}
