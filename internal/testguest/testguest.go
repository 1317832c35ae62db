// Package testguest builds plugin binaries for each supported convention.
// The guests are tiny: bump allocators, canned strings and
// globals that record what the host did, so tests can assert on them through
// exported globals and linear memory.
package testguest

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-plugin-host/internal/wasmbin"
)

const (
	dataBase   uint32 = 64
	dataLimit  uint32 = 4096
	FetchBuf   uint32 = 4096
	FetchBufSz uint32 = 4096
	heapBase   uint32 = 8192
	pages      uint32 = 4
)

// Call is a host import invoked from the guest's start export. Strings are
// passed as (ptr, len) pairs followed by Extra i32 arguments. The import's
// i32 result, if any, is stored in the exported global "last_result".
type Call struct {
	Module  string // defaults to "env"
	Name    string
	Strings []string
	Extra   []int32
	Result  bool
}

type guest struct {
	m       *wasmbin.Module
	next    uint32
	imports []uint32
	heap    uint32
	last    uint32
}

func newGuest() *guest {
	return &guest{m: wasmbin.New(), next: dataBase}
}

func (g *guest) place(b []byte) uint32 {
	off := g.next
	g.m.Data(off, b)
	g.next = (off + uint32(len(b)) + 7) &^ 7
	if g.next > dataLimit {
		panic("testguest: static data overflow")
	}
	return off
}

func (g *guest) utf8(s string) (uint32, uint32) {
	if s == "" {
		return 0, 0
	}
	return g.place([]byte(s)), uint32(len(s))
}

// managedString lays out a runtime String object and returns its pointer.
func (g *guest) managedString(s string) uint32 {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 8+len(units)*2)
	binary.LittleEndian.PutUint32(b[0:], 2)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(units)*2))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[8+i*2:], u)
	}
	return g.place(b) + 8
}

func (g *guest) declareCalls(calls []Call) {
	for _, c := range calls {
		mod := c.Module
		if mod == "" {
			mod = "env"
		}
		params := wasmbin.I32s(len(c.Strings)*2 + len(c.Extra))
		var results []api.ValueType
		if c.Result {
			results = wasmbin.I32
		}
		g.imports = append(g.imports, g.m.ImportFunc(mod, c.Name, params, results))
	}
}

func (g *guest) callCode(calls []Call) []byte {
	var code []byte
	for i, c := range calls {
		for _, s := range c.Strings {
			off, n := g.utf8(s)
			code = append(code, wasmbin.Code(wasmbin.I32Const(int32(off)), wasmbin.I32Const(int32(n)))...)
		}
		for _, v := range c.Extra {
			code = append(code, wasmbin.I32Const(v)...)
		}
		code = append(code, wasmbin.Call(g.imports[i])...)
		if c.Result {
			code = append(code, wasmbin.GlobalSet(g.last)...)
		}
	}
	return code
}

// counter declares an exported mutable i32 global and returns code that
// increments it.
func (g *guest) counter(name string) []byte {
	idx := g.m.Global(api.ValueTypeI32, true, 0)
	g.m.ExportGlobal(name, idx)
	return wasmbin.Code(
		wasmbin.GlobalGet(idx), wasmbin.I32Const(1), wasmbin.I32Add, wasmbin.GlobalSet(idx),
	)
}

func (g *guest) exportedGlobal(name string) uint32 {
	idx := g.m.Global(api.ValueTypeI32, true, 0)
	g.m.ExportGlobal(name, idx)
	return idx
}

func (g *guest) base() {
	g.m.Memory(pages)
	g.heap = g.m.Global(api.ValueTypeI32, true, int64(heapBase))
	g.last = g.exportedGlobal("last_result")
}

// align8 leaves align8(top of stack) on the stack.
func align8() []byte {
	return wasmbin.Code(wasmbin.I32Const(7), wasmbin.I32Add, wasmbin.I32Const(-8), wasmbin.I32And)
}

// bumpAllocate exports allocate(size) -> ptr and deallocate(ptr, size),
// which pops the most recent allocation and counts calls in "dealloc_count".
func (g *guest) bumpAllocate() {
	g.m.ExportFunc("allocate", wasmbin.I32, wasmbin.I32, wasmbin.I32,
		wasmbin.GlobalGet(g.heap), wasmbin.LocalSet(1),
		wasmbin.GlobalGet(g.heap), wasmbin.LocalGet(0), wasmbin.I32Add, align8(), wasmbin.GlobalSet(g.heap),
		wasmbin.LocalGet(1),
	)
	count := g.counter("dealloc_count")
	g.m.ExportFunc("deallocate", wasmbin.I32s(2), nil, nil,
		count,
		wasmbin.LocalGet(0), wasmbin.LocalGet(1), wasmbin.I32Add, align8(), wasmbin.GlobalGet(g.heap), wasmbin.I32Eq,
		wasmbin.If(wasmbin.BlockEmpty),
		wasmbin.LocalGet(0), wasmbin.GlobalSet(g.heap),
		wasmbin.End,
	)
}

// managedRuntime exports __new, __pin and __unpin. Objects carry the class id
// at ptr-8 and the byte size at ptr-4.
func (g *guest) managedRuntime() {
	g.m.ExportFunc("__new", wasmbin.I32s(2), wasmbin.I32, wasmbin.I32,
		wasmbin.GlobalGet(g.heap), wasmbin.LocalGet(1), wasmbin.I32Store(0),
		wasmbin.GlobalGet(g.heap), wasmbin.LocalGet(0), wasmbin.I32Store(4),
		wasmbin.GlobalGet(g.heap), wasmbin.I32Const(8), wasmbin.I32Add, wasmbin.LocalSet(2),
		wasmbin.LocalGet(2), wasmbin.LocalGet(0), wasmbin.I32Add, align8(), wasmbin.GlobalSet(g.heap),
		wasmbin.LocalGet(2),
	)
	g.m.ExportFunc("__pin", wasmbin.I32, wasmbin.I32, nil, wasmbin.LocalGet(0))
	unpins := g.counter("unpin_count")
	g.m.ExportFunc("__unpin", wasmbin.I32, nil, nil, unpins)
}

// recordConfig stores the (ptr, len) start arguments in cfg_ptr/cfg_len.
func (g *guest) recordConfig() []byte {
	p := g.exportedGlobal("cfg_ptr")
	l := g.exportedGlobal("cfg_len")
	return wasmbin.Code(
		wasmbin.LocalGet(0), wasmbin.GlobalSet(p),
		wasmbin.LocalGet(1), wasmbin.GlobalSet(l),
	)
}

// bufferQuery exports name(out, max) -> written copying s into out.
func (g *guest) bufferQuery(name, s string) {
	off, n := g.utf8(s)
	g.m.ExportFunc(name, wasmbin.I32s(2), wasmbin.I32, nil,
		wasmbin.LocalGet(0), wasmbin.I32Const(int32(off)), wasmbin.I32Const(int32(n)), wasmbin.MemoryCopy,
		wasmbin.I32Const(int32(n)),
	)
}

func (g *guest) bufferEcho(name string) {
	g.m.ExportFunc(name, wasmbin.I32s(4), wasmbin.I32, nil,
		wasmbin.LocalGet(2), wasmbin.LocalGet(0), wasmbin.LocalGet(1), wasmbin.MemoryCopy,
		wasmbin.LocalGet(1),
	)
}

func (g *guest) asyncifyExports() uint32 {
	state := g.exportedGlobal("asyncify_state")
	data := g.exportedGlobal("asyncify_data")
	set := func(v int32) []byte { return wasmbin.Code(wasmbin.I32Const(v), wasmbin.GlobalSet(state)) }

	g.m.ExportFunc("asyncify_get_state", nil, wasmbin.I32, nil, wasmbin.GlobalGet(state))
	g.m.ExportFunc("asyncify_start_unwind", wasmbin.I32, nil, nil,
		wasmbin.LocalGet(0), wasmbin.GlobalSet(data), set(1))
	g.m.ExportFunc("asyncify_stop_unwind", nil, nil, nil, set(0))
	g.m.ExportFunc("asyncify_start_rewind", wasmbin.I32, nil, nil, set(2))
	g.m.ExportFunc("asyncify_stop_rewind", nil, nil, nil, set(0))
	return state
}
