package wasmbin

import (
	"encoding/binary"
	"math"
)

// Block types
const (
	BlockEmpty byte = 0x40
	BlockI32   byte = 0x7f
)

// Single-byte instructions
var (
	Unreachable = []byte{0x00}
	Nop         = []byte{0x01}
	Else        = []byte{0x05}
	End         = []byte{0x0b}
	Return      = []byte{0x0f}
	Drop        = []byte{0x1a}

	I32Eqz = []byte{0x45}
	I32Eq  = []byte{0x46}
	I32Ne  = []byte{0x47}
	I32LtS = []byte{0x48}
	I32LtU = []byte{0x49}
	I32GtS = []byte{0x4a}
	I32GtU = []byte{0x4b}
	I32Add = []byte{0x6a}
	I32Sub = []byte{0x6b}
	I32Mul = []byte{0x6c}
	I32And = []byte{0x71}
	I32Or  = []byte{0x72}
	I32Shl = []byte{0x74}

	I64Or         = []byte{0x84}
	I64Shl        = []byte{0x86}
	I64ExtendI32U = []byte{0xad}

	// MemoryCopy is memory.copy on memory 0 (bulk memory).
	MemoryCopy = []byte{0xfc, 0x0a, 0x00, 0x00}
)

func I32Const(v int32) []byte { return AppendS64([]byte{0x41}, int64(v)) }

func I64Const(v int64) []byte { return AppendS64([]byte{0x42}, v) }

func F64Const(v float64) []byte {
	b := []byte{0x44, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(b[1:], math.Float64bits(v))
	return b
}

func LocalGet(i uint32) []byte { return AppendU32([]byte{0x20}, i) }
func LocalSet(i uint32) []byte { return AppendU32([]byte{0x21}, i) }
func LocalTee(i uint32) []byte { return AppendU32([]byte{0x22}, i) }
func GlobalGet(i uint32) []byte { return AppendU32([]byte{0x23}, i) }
func GlobalSet(i uint32) []byte { return AppendU32([]byte{0x24}, i) }
func Call(f uint32) []byte { return AppendU32([]byte{0x10}, f) }

func If(bt byte) []byte { return []byte{0x04, bt} }
func Block(bt byte) []byte { return []byte{0x02, bt} }
func Loop(bt byte) []byte { return []byte{0x03, bt} }
func Br(depth uint32) []byte { return AppendU32([]byte{0x0c}, depth) }
func BrIf(depth uint32) []byte { return AppendU32([]byte{0x0d}, depth) }

func memOp(op byte, align, offset uint32) []byte {
	return AppendU32(AppendU32([]byte{op}, align), offset)
}

func I32Load(offset uint32) []byte { return memOp(0x28, 2, offset) }
func I32Load8U(offset uint32) []byte { return memOp(0x2d, 0, offset) }
func I32Store(offset uint32) []byte { return memOp(0x36, 2, offset) }
func I32Store8(offset uint32) []byte { return memOp(0x3a, 0, offset) }
func I32Store16(offset uint32) []byte { return memOp(0x3b, 1, offset) }

// Code concatenates instruction sequences.
func Code(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
