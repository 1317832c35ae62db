package abi

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// Adapter decodes string arguments passed by a guest to a host import.
type Adapter interface {
	ReadString(mem api.Memory, ptr, length uint32) (string, error)
}

// ReadUTF8 copies length bytes at ptr out of guest memory and validates them.
func ReadUTF8(mem api.Memory, ptr, length uint32) (string, error) {
	if length == 0 {
		return "", nil
	}
	if mem == nil {
		return "", errors.Marshal(errors.PhaseDecode, "guest has no memory", nil)
	}
	b, ok := mem.Read(ptr, length)
	if !ok {
		return "", errors.Marshal(errors.PhaseDecode, outOfRange(ptr, length, mem.Size()), nil)
	}
	if !utf8.Valid(b) {
		return "", errors.Marshal(errors.PhaseDecode, "invalid UTF-8 in guest string", nil)
	}
	return string(b), nil
}

// WriteBytes copies data into guest memory at ptr.
func WriteBytes(mem api.Memory, ptr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if mem == nil {
		return errors.Marshal(errors.PhaseEncode, "guest has no memory", nil)
	}
	if !mem.Write(ptr, data) {
		return errors.Marshal(errors.PhaseEncode, outOfRange(ptr, uint32(len(data)), mem.Size()), nil)
	}
	return nil
}

func outOfRange(ptr, length, size uint32) string {
	return fmt.Sprintf("range [%d, +%d) outside memory of %d bytes", ptr, length, size)
}

// Region is a guest allocation that must be released after a call.
type Region struct {
	Ptr  uint32
	Size uint32
}

// Allocations tracks guest regions acquired for a single call and releases
// them in reverse order.
type Allocations struct {
	free    func(ctx context.Context, ptr, size uint32)
	regions []Region
}

// NewAllocations returns a list releasing through free. A nil free makes
// Release a no-op.
func NewAllocations(free func(ctx context.Context, ptr, size uint32)) *Allocations {
	return &Allocations{free: free}
}

// Add records a region for release.
func (a *Allocations) Add(ptr, size uint32) {
	a.regions = append(a.regions, Region{Ptr: ptr, Size: size})
}

// Count returns the number of tracked regions.
func (a *Allocations) Count() int {
	return len(a.regions)
}

// Release frees every tracked region, last acquired first.
func (a *Allocations) Release(ctx context.Context) {
	if a.free != nil {
		for i := len(a.regions) - 1; i >= 0; i-- {
			r := a.regions[i]
			a.free(ctx, r.Ptr, r.Size)
		}
	}
	a.regions = a.regions[:0]
}

// result returns the single value a guest call produced. An export declared
// without results yields a decode error instead of an index panic.
func result(export string, res []uint64) (uint64, error) {
	if len(res) == 0 {
		return 0, errors.Marshal(errors.PhaseDecode, export+" returned no value", nil)
	}
	return res[0], nil
}

func exportName(fn api.Function) string {
	d := fn.Definition()
	if names := d.ExportNames(); len(names) > 0 {
		return names[0]
	}
	return d.Name()
}

func callFree(ctx context.Context, fn api.Function, params ...uint64) {
	if fn == nil {
		return
	}
	if _, err := fn.Call(ctx, params...); err != nil {
		Logger().Warn("guest free failed",
			zap.String("export", exportName(fn)),
			zap.Error(err))
	}
}
