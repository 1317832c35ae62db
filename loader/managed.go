package loader

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/abi"
	"github.com/wippyai/wasm-plugin-host/asyncify"
	"github.com/wippyai/wasm-plugin-host/errors"
)

func bindManaged(inst *Instance, opts Options) error {
	m := abi.NewManaged(inst.mod)
	inst.env.SetAdapter(m)
	if asyncify.Supported(inst.mod) {
		b, err := asyncify.New(inst.ctx, inst.pluginID, inst.mod, m, asyncify.Config{StackSize: opts.AsyncifyStackSize})
		if err != nil {
			return err
		}
		inst.bridge = b
		inst.env.SetBridge(b)
	}
	inst.handle = managedHandler(m)

	e := &inst.Exports
	e.ID = managedQuery(inst, m, "plugin_id")
	e.Name = managedQuery(inst, m, "plugin_name")
	e.Schema = managedQuery(inst, m, "plugin_schema")
	e.Start = managedStart(inst, m)
	e.Stop = stopCall(inst, "plugin_stop")
	if inst.Capabilities.HTTPEndpoints && inst.exported(exportHTTPEndpoints) {
		e.HTTPEndpoints = managedQuery(inst, m, exportHTTPEndpoints)
	}
	e.Poll = pollCall(inst)
	e.DeltaHandler = managedJSON(inst, m, exportDeltaHandler)
	e.EventHandler = managedJSON(inst, m, exportEventHandler)
	return nil
}

// managedQuery calls an export returning a runtime String. A missing export
// is the empty string.
func managedQuery(inst *Instance, m *abi.Managed, export string) func(ctx context.Context) (string, error) {
	fn := inst.mod.ExportedFunction(export)
	return func(ctx context.Context) (string, error) {
		if fn == nil {
			return "", nil
		}
		var out string
		err := inst.invoke(export, func() error {
			res, err := fn.Call(ctx)
			if err != nil {
				return err
			}
			if len(res) == 0 {
				return errors.Marshal(errors.PhaseDecode, export+" returned no value", nil)
			}
			out, err = m.DecodeString(api.DecodeU32(res[0]))
			return err
		})
		return out, err
	}
}

// managedStart passes the config as a UTF-8 buffer object. With an asyncify
// bridge the call may suspend on a host operation; the future then resolves
// when the replayed call returns.
func managedStart(inst *Instance, m *abi.Managed) func(ctx context.Context, config string) *pluginhost.Future {
	const export = "plugin_start"
	fn := inst.mod.ExportedFunction(export)
	return func(ctx context.Context, config string) *pluginhost.Future {
		if fn == nil {
			return pluginhost.Resolved(0, nil)
		}
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if inst.closed {
			return pluginhost.Resolved(0, inst.closedError())
		}
		if inst.inflight != nil {
			_, err := inst.beginStart(nil)
			return pluginhost.Resolved(0, err)
		}

		ptr, release, err := m.NewBuffer(ctx, []byte(config))
		if err != nil {
			return pluginhost.Resolved(0, err)
		}
		size := uint64(len(config))
		call := func(ctx context.Context) ([]uint64, error) {
			return fn.Call(ctx, uint64(ptr), size)
		}

		if inst.bridge == nil {
			res, err := call(ctx)
			release()
			if err != nil {
				return pluginhost.Resolved(0, inst.wrap(export, err))
			}
			return pluginhost.Resolved(firstI32(res), nil)
		}

		sc, err := inst.beginStart(release)
		if err != nil {
			release()
			return pluginhost.Resolved(0, err)
		}
		inst.bridge.Prepare(func(ctx context.Context) {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			if inst.closed || inst.inflight != sc {
				return
			}
			outcome, res, err := inst.bridge.Resume(ctx, call)
			inst.settleStart(sc, export, outcome, res, err)
		})
		outcome, res, err := inst.bridge.Call(ctx, call)
		inst.settleStart(sc, export, outcome, res, err)
		return sc.future
	}
}

// managedHandler passes the request as a runtime String when the export
// takes an argument and decodes the String it returns.
func managedHandler(m *abi.Managed) handlerFunc {
	return func(ctx context.Context, fn api.Function, request string) (string, error) {
		var args []uint64
		if len(fn.Definition().ParamTypes()) > 0 {
			ptr, release, err := m.NewString(ctx, request)
			if err != nil {
				return "", err
			}
			defer release()
			args = append(args, uint64(ptr))
		}
		res, err := fn.Call(ctx, args...)
		if err != nil || len(res) == 0 {
			return "", err
		}
		return m.DecodeString(api.DecodeU32(res[0]))
	}
}

// managedJSON passes a JSON document to export as a runtime String. Nil when
// not exported.
func managedJSON(inst *Instance, m *abi.Managed, export string) func(ctx context.Context, doc string) error {
	fn := inst.mod.ExportedFunction(export)
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, doc string) error {
		return inst.invoke(export, func() error {
			ptr, release, err := m.NewString(ctx, doc)
			if err != nil {
				return err
			}
			defer release()
			_, err = fn.Call(ctx, uint64(ptr))
			return err
		})
	}
}
