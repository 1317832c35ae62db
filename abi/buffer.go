package abi

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-plugin-host/errors"
)

const (
	AllocExport   = "allocate"
	DeallocExport = "deallocate"

	// QueryBufferSize is the output buffer handed to string query exports.
	QueryBufferSize uint32 = 8192
	// HandlerBufferSize is the response buffer handed to handler exports.
	HandlerBufferSize uint32 = 65536
)

// Buffer marshals strings for guests that export allocate/deallocate and
// write UTF-8 into buffers owned by the host call.
type Buffer struct {
	mem     api.Memory
	alloc   api.Function
	dealloc api.Function
}

// NewBuffer binds to the allocate/deallocate exports of mod.
func NewBuffer(mod api.Module) *Buffer {
	return &Buffer{
		mem:     mod.Memory(),
		alloc:   mod.ExportedFunction(AllocExport),
		dealloc: mod.ExportedFunction(DeallocExport),
	}
}

// ReadString implements Adapter.
func (b *Buffer) ReadString(mem api.Memory, ptr, length uint32) (string, error) {
	return ReadUTF8(mem, ptr, length)
}

// Alloc implements pluginhost.Allocator.
func (b *Buffer) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if b.alloc == nil {
		return 0, errors.Marshal(errors.PhaseEncode, "guest does not export "+AllocExport, nil)
	}
	res, err := b.alloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, errors.Marshal(errors.PhaseEncode, "allocate", err)
	}
	v, err := result(AllocExport, res)
	if err != nil {
		return 0, err
	}
	ptr := uint32(v)
	if ptr == 0 && size > 0 {
		return 0, errors.Marshal(errors.PhaseEncode, "guest allocator returned null", nil)
	}
	return ptr, nil
}

// Free implements pluginhost.Allocator.
func (b *Buffer) Free(ctx context.Context, ptr, size uint32) {
	callFree(ctx, b.dealloc, uint64(ptr), uint64(size))
}

// WriteString copies s into a fresh guest allocation. release is never nil.
func (b *Buffer) WriteString(ctx context.Context, s string) (ptr, length uint32, release func(), err error) {
	length = uint32(len(s))
	ptr, err = b.Alloc(ctx, length)
	if err != nil {
		return 0, 0, func() {}, err
	}
	release = func() { b.Free(ctx, ptr, length) }
	if err := WriteBytes(b.mem, ptr, []byte(s)); err != nil {
		release()
		return 0, 0, func() {}, err
	}
	return ptr, length, release, nil
}

// Query calls fn(outPtr, maxLen) -> written with a host-allocated buffer and
// decodes the written prefix. The buffer is released on every path. A written
// length of zero or less is the empty string.
func (b *Buffer) Query(ctx context.Context, fn api.Function, maxLen uint32) (string, error) {
	out, err := b.Alloc(ctx, maxLen)
	if err != nil {
		return "", err
	}
	defer b.Free(ctx, out, maxLen)

	res, err := fn.Call(ctx, uint64(out), uint64(maxLen))
	if err != nil {
		return "", err
	}
	written, err := result(exportName(fn), res)
	if err != nil {
		return "", err
	}
	return b.readWritten(out, maxLen, int32(written))
}

// Exchange calls fn(reqPtr, reqLen, respPtr, respMax) -> written, the handler
// convention, releasing both buffers afterwards.
func (b *Buffer) Exchange(ctx context.Context, fn api.Function, request string, respMax uint32) (string, error) {
	allocs := NewAllocations(b.Free)
	defer allocs.Release(ctx)

	reqPtr, reqLen, _, err := b.WriteString(ctx, request)
	if err != nil {
		return "", err
	}
	allocs.Add(reqPtr, reqLen)

	respPtr, err := b.Alloc(ctx, respMax)
	if err != nil {
		return "", err
	}
	allocs.Add(respPtr, respMax)

	res, err := fn.Call(ctx, uint64(reqPtr), uint64(reqLen), uint64(respPtr), uint64(respMax))
	if err != nil {
		return "", err
	}
	written, err := result(exportName(fn), res)
	if err != nil {
		return "", err
	}
	return b.readWritten(respPtr, respMax, int32(written))
}

func (b *Buffer) readWritten(ptr, maxLen uint32, written int32) (string, error) {
	if written <= 0 {
		return "", nil
	}
	if uint32(written) > maxLen {
		return "", errors.New(errors.PhaseDecode, errors.KindMarshal).
			Detail("guest reported %d bytes written into a %d byte buffer", written, maxLen).
			Build()
	}
	return ReadUTF8(b.mem, ptr, uint32(written))
}
