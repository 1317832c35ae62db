package loader

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-plugin-host/abi"
	"github.com/wippyai/wasm-plugin-host/errors"
)

func bindRustLibrary(ctx context.Context, inst *Instance) error {
	if !inst.exported(abi.AllocExport) {
		return errors.Load(inst.pluginID, "rust library does not export "+abi.AllocExport, nil)
	}
	buf := abi.NewBuffer(inst.mod)
	inst.env.SetAdapter(buf)
	if init := inst.mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			return errors.Load(inst.pluginID, "_initialize", err)
		}
	}
	inst.handle = bufferHandler(buf)

	e := &inst.Exports
	e.ID = bufferQuery(inst, buf, "plugin_id")
	e.Name = bufferQuery(inst, buf, "plugin_name")
	e.Schema = bufferQuery(inst, buf, "plugin_schema")
	e.Start = writtenStart(inst, buf, "plugin_start")
	e.Stop = stopCall(inst, "plugin_stop")
	if inst.Capabilities.HTTPEndpoints && inst.exported(exportHTTPEndpoints) {
		e.HTTPEndpoints = bufferQuery(inst, buf, exportHTTPEndpoints)
	}
	e.Poll = pollCall(inst)
	e.DeltaHandler = writtenJSON(inst, buf, exportDeltaHandler)
	e.EventHandler = writtenJSON(inst, buf, exportEventHandler)
	return nil
}

// bindRustCommand runs _start once; afterwards the guest's queries return
// packed (ptr, len) results.
func bindRustCommand(ctx context.Context, inst *Instance) error {
	start := inst.mod.ExportedFunction("_start")
	if start == nil {
		return errors.Load(inst.pluginID, "command plugin does not export _start", nil)
	}
	p := abi.NewPacked(inst.mod)
	inst.env.SetAdapter(p)
	if _, err := start.Call(ctx); err != nil {
		return errors.Load(inst.pluginID, "_start", err)
	}
	inst.handle = bufferHandler(abi.NewBuffer(inst.mod))

	e := &inst.Exports
	e.ID = packedQuery(inst, p, "id")
	e.Name = packedQuery(inst, p, "name")
	e.Schema = packedQuery(inst, p, "schema")
	e.Start = writtenStart(inst, p, "start")
	e.Stop = stopCall(inst, "stop")
	if inst.Capabilities.HTTPEndpoints && inst.exported(exportHTTPEndpoints) {
		e.HTTPEndpoints = packedQuery(inst, p, exportHTTPEndpoints)
	}
	e.Poll = pollCall(inst)
	e.DeltaHandler = writtenJSON(inst, p, exportDeltaHandler)
	e.EventHandler = writtenJSON(inst, p, exportEventHandler)
	return nil
}

// bufferQuery calls export(out, max) with an 8 KiB output buffer. A
// missing export is the empty string.
func bufferQuery(inst *Instance, buf *abi.Buffer, export string) func(ctx context.Context) (string, error) {
	fn := inst.mod.ExportedFunction(export)
	return func(ctx context.Context) (string, error) {
		if fn == nil {
			return "", nil
		}
		var out string
		err := inst.invoke(export, func() error {
			var err error
			out, err = buf.Query(ctx, fn, abi.QueryBufferSize)
			return err
		})
		return out, err
	}
}

func packedQuery(inst *Instance, p *abi.Packed, export string) func(ctx context.Context) (string, error) {
	fn := inst.mod.ExportedFunction(export)
	return func(ctx context.Context) (string, error) {
		if fn == nil {
			return "", nil
		}
		var out string
		err := inst.invoke(export, func() error {
			var err error
			out, err = p.Call(ctx, fn)
			return err
		})
		return out, err
	}
}

// bufferHandler serves handler exports. Two-parameter exports take only an
// output buffer (out, max); the rest take (req, len, resp, max).
func bufferHandler(buf *abi.Buffer) handlerFunc {
	return func(ctx context.Context, fn api.Function, request string) (string, error) {
		if len(fn.Definition().ParamTypes()) == 2 {
			return buf.Query(ctx, fn, abi.HandlerBufferSize)
		}
		return buf.Exchange(ctx, fn, request, abi.HandlerBufferSize)
	}
}
