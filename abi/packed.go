package abi

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// PackPtrLen packs a pointer and length into a single i64 result,
// pointer in the high 32 bits.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen splits a value produced by PackPtrLen.
func UnpackPtrLen(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// Packed marshals strings for command-style guests whose query exports
// return a packed (ptr, len) pair. Host to guest transfers reuse the guest's
// allocate/deallocate exports.
type Packed struct {
	buf *Buffer
}

// NewPacked binds to mod.
func NewPacked(mod api.Module) *Packed {
	return &Packed{buf: NewBuffer(mod)}
}

// ReadString implements Adapter.
func (p *Packed) ReadString(mem api.Memory, ptr, length uint32) (string, error) {
	return ReadUTF8(mem, ptr, length)
}

// Decode reads the string a packed result points at.
func (p *Packed) Decode(v uint64) (string, error) {
	ptr, length := UnpackPtrLen(v)
	return ReadUTF8(p.buf.mem, ptr, length)
}

// Call invokes a no-argument query export and decodes its packed result.
func (p *Packed) Call(ctx context.Context, fn api.Function) (string, error) {
	res, err := fn.Call(ctx)
	if err != nil {
		return "", err
	}
	v, err := result(exportName(fn), res)
	if err != nil {
		return "", err
	}
	return p.Decode(v)
}

// WriteString copies s into guest memory. release is never nil.
func (p *Packed) WriteString(ctx context.Context, s string) (ptr, length uint32, release func(), err error) {
	return p.buf.WriteString(ctx, s)
}

// Alloc implements pluginhost.Allocator.
func (p *Packed) Alloc(ctx context.Context, size uint32) (uint32, error) {
	return p.buf.Alloc(ctx, size)
}

// Free implements pluginhost.Allocator.
func (p *Packed) Free(ctx context.Context, ptr, size uint32) {
	p.buf.Free(ctx, ptr, size)
}
