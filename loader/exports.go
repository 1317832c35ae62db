package loader

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/asyncify"
	"github.com/wippyai/wasm-plugin-host/errors"
)

// Optional exports shared by the flat-abi conventions.
const (
	exportHTTPEndpoints = "http_endpoints"
	exportPoll          = "poll"
	exportDeltaHandler  = "delta_handler"
	exportEventHandler  = "event_handler"
)

// stringWriter copies a host string into guest memory.
type stringWriter interface {
	WriteString(ctx context.Context, s string) (ptr, length uint32, release func(), err error)
}

func firstI32(res []uint64) int32 {
	if len(res) == 0 {
		return 0
	}
	return api.DecodeI32(res[0])
}

func (i *Instance) exported(name string) bool {
	return i.mod.ExportedFunction(name) != nil
}

// codeCall calls a no-argument export returning a status code. A missing
// export reports 0.
func codeCall(inst *Instance, export string) func(ctx context.Context) (int32, error) {
	fn := inst.mod.ExportedFunction(export)
	return func(ctx context.Context) (int32, error) {
		if fn == nil {
			return 0, nil
		}
		var code int32
		err := inst.invoke(export, func() error {
			res, err := fn.Call(ctx)
			code = firstI32(res)
			return err
		})
		return code, err
	}
}

// stopCall abandons a suspended start before calling the stop export.
func stopCall(inst *Instance, export string) func(ctx context.Context) (int32, error) {
	fn := inst.mod.ExportedFunction(export)
	return func(ctx context.Context) (int32, error) {
		var code int32
		err := inst.invoke(export, func() error {
			inst.cancelStart("plugin stopped")
			if fn == nil {
				return nil
			}
			res, err := fn.Call(ctx)
			code = firstI32(res)
			return err
		})
		return code, err
	}
}

// pollCall returns nil when the guest does not poll.
func pollCall(inst *Instance) func(ctx context.Context) (int32, error) {
	if !inst.exported(exportPoll) {
		return nil
	}
	return codeCall(inst, exportPoll)
}

// writtenStart calls export(ptr, len) with the config copied into guest
// memory by w.
func writtenStart(inst *Instance, w stringWriter, export string) func(ctx context.Context, config string) *pluginhost.Future {
	fn := inst.mod.ExportedFunction(export)
	return func(ctx context.Context, config string) *pluginhost.Future {
		if fn == nil {
			return pluginhost.Resolved(0, nil)
		}
		var code int32
		err := inst.invoke(export, func() error {
			ptr, n, release, err := w.WriteString(ctx, config)
			if err != nil {
				return err
			}
			defer release()
			res, err := fn.Call(ctx, uint64(ptr), uint64(n))
			code = firstI32(res)
			return err
		})
		return pluginhost.Resolved(code, err)
	}
}

// writtenJSON passes a JSON document to export as (ptr, len). Nil when not
// exported.
func writtenJSON(inst *Instance, w stringWriter, export string) func(ctx context.Context, doc string) error {
	fn := inst.mod.ExportedFunction(export)
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, doc string) error {
		return inst.invoke(export, func() error {
			ptr, n, release, err := w.WriteString(ctx, doc)
			if err != nil {
				return err
			}
			defer release()
			_, err = fn.Call(ctx, uint64(ptr), uint64(n))
			return err
		})
	}
}

// settleStart resolves sc according to how the guest call ended. A
// suspended call stays in flight until its resume runs. Callers hold the
// lock.
func (i *Instance) settleStart(sc *startCall, export string, outcome asyncify.Outcome, res []uint64, err error) {
	switch {
	case err != nil:
		i.finishStart(sc, 0, i.wrap(export, err))
	case outcome == asyncify.Suspended:
		Logger().Debug("start suspended on host call", zapPlugin(i))
	case outcome == asyncify.AlreadyResumed:
		Logger().Debug("resume found the guest already running", zapPlugin(i))
	default:
		i.finishStart(sc, firstI32(res), nil)
	}
}

func (i *Instance) closedError() error {
	return errors.Canceled(i.pluginID, "instance closed")
}
