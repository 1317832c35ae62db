package abi

import (
	"context"
	"encoding/binary"
	"unicode/utf16"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// Runtime export names and class ids of the managed-language guest runtime.
const (
	ManagedNew   = "__new"
	ManagedPin   = "__pin"
	ManagedUnpin = "__unpin"

	// BufferClassID is the class id used for raw UTF-8 byte buffers.
	BufferClassID uint32 = 0
	// StringClassID is the runtime class id of String objects.
	StringClassID uint32 = 2

	// sizeOffset is the distance from an object pointer back to its byte size.
	sizeOffset = 4
)

// Managed marshals strings for garbage-collected guests. Objects allocated by
// the host are pinned until released so a collection during the call cannot
// reclaim them.
type Managed struct {
	mem     api.Memory
	newFn   api.Function
	pinFn   api.Function
	unpinFn api.Function
}

// NewManaged binds to the runtime exports of mod. A missing __new export only
// fails encoding; decoding needs nothing but memory.
func NewManaged(mod api.Module) *Managed {
	return &Managed{
		mem:     mod.Memory(),
		newFn:   mod.ExportedFunction(ManagedNew),
		pinFn:   mod.ExportedFunction(ManagedPin),
		unpinFn: mod.ExportedFunction(ManagedUnpin),
	}
}

// ReadString implements Adapter.
func (m *Managed) ReadString(mem api.Memory, ptr, length uint32) (string, error) {
	return ReadUTF8(mem, ptr, length)
}

// DecodeString reads the runtime String object at ptr. A null pointer is the
// empty string.
func (m *Managed) DecodeString(ptr uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	if m.mem == nil {
		return "", errors.Marshal(errors.PhaseDecode, "guest has no memory", nil)
	}
	if ptr < sizeOffset {
		return "", errors.Marshal(errors.PhaseDecode, "string pointer inside object header", nil)
	}
	size, ok := m.mem.ReadUint32Le(ptr - sizeOffset)
	if !ok {
		return "", errors.Marshal(errors.PhaseDecode, outOfRange(ptr-sizeOffset, 4, m.mem.Size()), nil)
	}
	if size%2 != 0 {
		return "", errors.Marshal(errors.PhaseDecode, "odd byte size for UTF-16 string", nil)
	}
	if size == 0 {
		return "", nil
	}
	raw, ok := m.mem.Read(ptr, size)
	if !ok {
		return "", errors.Marshal(errors.PhaseDecode, outOfRange(ptr, size, m.mem.Size()), nil)
	}
	units := make([]uint16, size/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// NewString allocates a runtime String object holding s. The returned release
// unpins it and is never nil.
func (m *Managed) NewString(ctx context.Context, s string) (uint32, func(), error) {
	units := utf16.Encode([]rune(s))
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[i*2:], u)
	}
	return m.newObject(ctx, raw, StringClassID)
}

// NewBuffer allocates an untyped buffer holding data, used for UTF-8 payloads
// passed as (ptr, len).
func (m *Managed) NewBuffer(ctx context.Context, data []byte) (uint32, func(), error) {
	return m.newObject(ctx, data, BufferClassID)
}

func (m *Managed) newObject(ctx context.Context, data []byte, classID uint32) (uint32, func(), error) {
	ptr, err := m.allocObject(ctx, uint32(len(data)), classID)
	if err != nil {
		return 0, func() {}, err
	}
	release := func() { m.Free(ctx, ptr, uint32(len(data))) }
	if err := WriteBytes(m.mem, ptr, data); err != nil {
		release()
		return 0, func() {}, err
	}
	return ptr, release, nil
}

func (m *Managed) allocObject(ctx context.Context, size, classID uint32) (uint32, error) {
	if m.newFn == nil {
		return 0, errors.Marshal(errors.PhaseEncode, "guest does not export "+ManagedNew, nil)
	}
	res, err := m.newFn.Call(ctx, uint64(size), uint64(classID))
	if err != nil {
		return 0, errors.Marshal(errors.PhaseEncode, "allocate object", err)
	}
	v, err := result(ManagedNew, res)
	if err != nil {
		return 0, err
	}
	ptr := uint32(v)
	if ptr == 0 {
		return 0, errors.Marshal(errors.PhaseEncode, "guest allocator returned null", nil)
	}
	if m.pinFn != nil {
		if _, err := m.pinFn.Call(ctx, uint64(ptr)); err != nil {
			return 0, errors.Marshal(errors.PhaseEncode, "pin object", err)
		}
	}
	return ptr, nil
}

// Alloc implements pluginhost.Allocator with a pinned buffer object.
func (m *Managed) Alloc(ctx context.Context, size uint32) (uint32, error) {
	return m.allocObject(ctx, size, BufferClassID)
}

// Free implements pluginhost.Allocator. The collector reclaims the object once
// it is unpinned.
func (m *Managed) Free(ctx context.Context, ptr, _ uint32) {
	if ptr != 0 {
		callFree(ctx, m.unpinFn, uint64(ptr))
	}
}
