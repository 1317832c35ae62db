package abi

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-plugin-host/errors"
)

const (
	CabiRealloc = "cabi_realloc"
	// PostReturnPrefix names the export that releases a function's results.
	PostReturnPrefix = "cabi_post_"

	maxFlatResults = 1
)

// Canonical lowers and lifts values for converted components following the
// canonical ABI: strings are (ptr, len) pairs allocated through cabi_realloc,
// and results wider than one flat value are returned through a pointer.
type Canonical struct {
	mod     api.Module
	mem     api.Memory
	realloc api.Function
}

// NewCanonical binds to the memory and cabi_realloc export of mod.
func NewCanonical(mod api.Module) *Canonical {
	return &Canonical{
		mod:     mod,
		mem:     mod.Memory(),
		realloc: mod.ExportedFunction(CabiRealloc),
	}
}

// ReadString implements Adapter.
func (c *Canonical) ReadString(mem api.Memory, ptr, length uint32) (string, error) {
	return ReadUTF8(mem, ptr, length)
}

// LowerString copies s into guest memory owned by the callee.
func (c *Canonical) LowerString(ctx context.Context, s string) (ptr, length uint32, err error) {
	length = uint32(len(s))
	if length == 0 {
		return 0, 0, nil
	}
	if c.realloc == nil {
		return 0, 0, errors.Marshal(errors.PhaseEncode, "component does not export "+CabiRealloc, nil)
	}
	res, err := c.realloc.Call(ctx, 0, 0, 1, uint64(length))
	if err != nil {
		return 0, 0, errors.Marshal(errors.PhaseEncode, CabiRealloc, err)
	}
	v, err := result(CabiRealloc, res)
	if err != nil {
		return 0, 0, err
	}
	ptr = uint32(v)
	if c.mem == nil || !c.mem.WriteString(ptr, s) {
		return 0, 0, errors.Marshal(errors.PhaseEncode, "write lowered string", nil)
	}
	return ptr, length, nil
}

// LiftString reads the (ptr, len) pair stored at retptr and decodes it.
func (c *Canonical) LiftString(retptr uint32) (string, error) {
	if c.mem == nil {
		return "", errors.Marshal(errors.PhaseDecode, "component has no memory", nil)
	}
	ptr, ok := c.mem.ReadUint32Le(retptr)
	if !ok {
		return "", errors.Marshal(errors.PhaseDecode, fmt.Sprintf("read result pointer at 0x%x", retptr), nil)
	}
	length, ok := c.mem.ReadUint32Le(retptr + 4)
	if !ok {
		return "", errors.Marshal(errors.PhaseDecode, fmt.Sprintf("read result length at 0x%x", retptr+4), nil)
	}
	return ReadUTF8(c.mem, ptr, length)
}

// Invoke calls an exported component function with the given WIT signature.
// Supported parameter and result types are string, s32 and u32; a function
// has at most one result. The post-return export is called after lifting.
func (c *Canonical) Invoke(ctx context.Context, name string, params, results []wit.Type, args ...any) (any, error) {
	fn := c.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	if len(args) != len(params) {
		return nil, errors.InvalidInput(errors.PhaseEncode, fmt.Sprintf("%s takes %d arguments, got %d", name, len(params), len(args)))
	}
	if len(results) > 1 {
		return nil, errors.InvalidInput(errors.PhaseEncode, "multiple results are not supported")
	}

	n := 0
	for _, p := range params {
		n += FlatCount(p)
	}
	flat := make([]uint64, 0, n)
	for i, p := range params {
		switch p.(type) {
		case wit.String:
			s, ok := args[i].(string)
			if !ok {
				return nil, typeMismatch(name, i, "string", args[i])
			}
			ptr, length, err := c.LowerString(ctx, s)
			if err != nil {
				return nil, err
			}
			flat = append(flat, uint64(ptr), uint64(length))
		case wit.S32:
			v, ok := args[i].(int32)
			if !ok {
				return nil, typeMismatch(name, i, "int32", args[i])
			}
			flat = append(flat, api.EncodeI32(v))
		case wit.U32:
			v, ok := args[i].(uint32)
			if !ok {
				return nil, typeMismatch(name, i, "uint32", args[i])
			}
			flat = append(flat, api.EncodeU32(v))
		default:
			return nil, errors.InvalidInput(errors.PhaseEncode, fmt.Sprintf("unsupported parameter type %T", p))
		}
	}

	out, err := fn.Call(ctx, flat...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		c.postReturn(ctx, name, out)
		return nil, nil
	}
	v, err := result(name, out)
	if err != nil {
		return nil, err
	}

	var value any
	if UsesRetptr(results) {
		value, err = c.liftIndirect(results[0], uint32(v))
	} else {
		value, err = liftFlat(results[0], v)
	}
	c.postReturn(ctx, name, out)
	return value, err
}

// liftIndirect decodes a result stored at retptr.
func (c *Canonical) liftIndirect(t wit.Type, retptr uint32) (any, error) {
	switch t.(type) {
	case wit.String:
		return c.LiftString(retptr)
	}
	return nil, errors.InvalidInput(errors.PhaseDecode, fmt.Sprintf("unsupported result type %T", t))
}

func liftFlat(t wit.Type, v uint64) (any, error) {
	switch t.(type) {
	case wit.S32:
		return api.DecodeI32(v), nil
	case wit.U32:
		return api.DecodeU32(v), nil
	}
	return nil, errors.InvalidInput(errors.PhaseDecode, fmt.Sprintf("unsupported result type %T", t))
}

func (c *Canonical) postReturn(ctx context.Context, name string, out []uint64) {
	post := c.mod.ExportedFunction(PostReturnPrefix + name)
	if post == nil {
		return
	}
	callFree(ctx, post, out...)
}

// FlatCount returns the number of core values t flattens to.
func FlatCount(t wit.Type) int {
	switch t.(type) {
	case wit.String:
		return 2
	default:
		return 1
	}
}

// UsesRetptr reports whether results are returned through a pointer.
func UsesRetptr(results []wit.Type) bool {
	n := 0
	for _, r := range results {
		n += FlatCount(r)
	}
	return n > maxFlatResults
}

func typeMismatch(name string, i int, want string, got any) error {
	return errors.New(errors.PhaseEncode, errors.KindMarshal).
		Function(name).
		Detail("argument %d: want %s, got %T", i, want, got).
		Build()
}
