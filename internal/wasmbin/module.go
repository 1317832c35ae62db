// Package wasmbin assembles small WebAssembly modules in memory. Tests use it
// to build guest plugins for each calling convention without a toolchain.
package wasmbin

import (
	"encoding/binary"
	"math"

	"github.com/tetratelabs/wazero/api"
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03
)

var (
	I32 = []api.ValueType{api.ValueTypeI32}
	I64 = []api.ValueType{api.ValueTypeI64}
	F64 = []api.ValueType{api.ValueTypeF64}
)

// Types builds a value type list.
func Types(ts ...api.ValueType) []api.ValueType { return ts }

// I32s returns n i32 value types.
func I32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

type funcType struct {
	params, results []api.ValueType
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type funcDef struct {
	typeIdx uint32
	locals  []api.ValueType
	code    []byte
}

type global struct {
	typ     api.ValueType
	mutable bool
	init    int64
	initF   float64
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type dataSeg struct {
	offset uint32
	data   []byte
}

// Module is a core module under construction. All imports must be declared
// before the first function so function indices stay stable.
type Module struct {
	types   []funcType
	imports []importFunc
	funcs   []funcDef
	globals []global
	exports []export
	data    []dataSeg
	memMin  uint32
	hasMem  bool
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

func (m *Module) typeIndex(params, results []api.ValueType) uint32 {
	for i, t := range m.types {
		if sameTypes(t.params, params) && sameTypes(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ImportFunc declares a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmbin: imports must be declared before functions")
	}
	m.imports = append(m.imports, importFunc{module: module, name: name, typeIdx: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. code is the body without
// the trailing end opcode.
func (m *Module) Func(params, results, locals []api.ValueType, code ...[]byte) uint32 {
	m.funcs = append(m.funcs, funcDef{
		typeIdx: m.typeIndex(params, results),
		locals:  locals,
		code:    Code(code...),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// ExportFunc defines and exports a function in one step.
func (m *Module) ExportFunc(name string, params, results, locals []api.ValueType, code ...[]byte) uint32 {
	idx := m.Func(params, results, locals, code...)
	m.Export(name, idx)
	return idx
}

// Export exports function idx under name.
func (m *Module) Export(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: idx})
}

// Memory declares linear memory of min pages, exported as "memory".
func (m *Module) Memory(minPages uint32) {
	m.hasMem = true
	m.memMin = minPages
	m.exports = append(m.exports, export{name: "memory", kind: kindMemory})
}

// Global declares an i32 or i64 global and returns its index.
func (m *Module) Global(t api.ValueType, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, global{typ: t, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// ExportGlobal exports global idx under name.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindGlobal, idx: idx})
}

// Data places bytes at offset in memory 0.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, dataSeg{offset: offset, data: b})
}

// Encode returns the binary module.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var s []byte
		s = AppendU32(s, uint32(len(m.types)))
		for _, t := range m.types {
			s = append(s, 0x60)
			s = appendValTypes(s, t.params)
			s = appendValTypes(s, t.results)
		}
		out = appendSection(out, sectionType, s)
	}

	if len(m.imports) > 0 {
		var s []byte
		s = AppendU32(s, uint32(len(m.imports)))
		for _, imp := range m.imports {
			s = appendName(s, imp.module)
			s = appendName(s, imp.name)
			s = append(s, kindFunc)
			s = AppendU32(s, imp.typeIdx)
		}
		out = appendSection(out, sectionImport, s)
	}

	if len(m.funcs) > 0 {
		var s []byte
		s = AppendU32(s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			s = AppendU32(s, f.typeIdx)
		}
		out = appendSection(out, sectionFunction, s)
	}

	if m.hasMem {
		s := []byte{1, 0x00}
		s = AppendU32(s, m.memMin)
		out = appendSection(out, sectionMemory, s)
	}

	if len(m.globals) > 0 {
		var s []byte
		s = AppendU32(s, uint32(len(m.globals)))
		for _, g := range m.globals {
			s = append(s, byte(g.typ))
			if g.mutable {
				s = append(s, 0x01)
			} else {
				s = append(s, 0x00)
			}
			s = appendConstExpr(s, g)
		}
		out = appendSection(out, sectionGlobal, s)
	}

	if len(m.exports) > 0 {
		var s []byte
		s = AppendU32(s, uint32(len(m.exports)))
		for _, e := range m.exports {
			s = appendName(s, e.name)
			s = append(s, e.kind)
			s = AppendU32(s, e.idx)
		}
		out = appendSection(out, sectionExport, s)
	}

	if len(m.funcs) > 0 {
		var s []byte
		s = AppendU32(s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body []byte
			body = AppendU32(body, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = append(body, 0x01, byte(l))
			}
			body = append(body, f.code...)
			body = append(body, End...)
			s = AppendU32(s, uint32(len(body)))
			s = append(s, body...)
		}
		out = appendSection(out, sectionCode, s)
	}

	if len(m.data) > 0 {
		var s []byte
		s = AppendU32(s, uint32(len(m.data)))
		for _, d := range m.data {
			s = append(s, 0x00)
			s = append(s, I32Const(int32(d.offset))...)
			s = append(s, End...)
			s = AppendU32(s, uint32(len(d.data)))
			s = append(s, d.data...)
		}
		out = appendSection(out, sectionData, s)
	}

	return out
}

func appendSection(dst []byte, id byte, contents []byte) []byte {
	dst = append(dst, id)
	dst = AppendU32(dst, uint32(len(contents)))
	return append(dst, contents...)
}

func appendValTypes(dst []byte, ts []api.ValueType) []byte {
	dst = AppendU32(dst, uint32(len(ts)))
	for _, t := range ts {
		dst = append(dst, byte(t))
	}
	return dst
}

func appendConstExpr(dst []byte, g global) []byte {
	switch g.typ {
	case api.ValueTypeI64:
		dst = append(dst, I64Const(g.init)...)
	case api.ValueTypeF64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(g.initF))
		dst = append(dst, 0x44)
		dst = append(dst, b[:]...)
	default:
		dst = append(dst, I32Const(int32(g.init))...)
	}
	return append(dst, End...)
}

// Component returns a minimal component-model preamble: the wasm magic
// followed by a version/layer word above 1.
func Component() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}
}
