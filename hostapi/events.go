package hostapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-plugin-host/abi"
	"github.com/wippyai/wasm-plugin-host/events"
)

// subscribeEvents takes a JSON array of event types; [] selects every
// allowed server event. Delivery starts once the plugin is running and
// exports event_handler.
func (e *Env) subscribeEvents(_ context.Context, mod api.Module, stack []uint64) {
	ptr, length := stack[0], stack[1]
	stack[0] = boolResult(false)
	if e.cfg.Events == nil {
		e.log().Warn("sk_subscribe_events: no event router")
		return
	}
	raw, err := e.readString(mod, ptr, length)
	if err != nil {
		e.log().Warn("sk_subscribe_events: bad string", zap.Error(err))
		return
	}
	var types []string
	if err := json.Unmarshal([]byte(raw), &types); err != nil {
		e.log().Warn("sk_subscribe_events: expected a JSON array of strings", zap.Error(err))
		return
	}
	accepted := e.cfg.Events.Subscribe(e.cfg.PluginID, types)
	e.log().Debug("subscribed to events", zap.Strings("types", accepted))
	stack[0] = boolResult(true)
}

// emitEvent publishes a PLUGIN_ event from the calling plugin on the server
// bus and routes it to subscribed plugins.
func (e *Env) emitEvent(_ context.Context, mod api.Module, stack []uint64) {
	typ, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		e.log().Warn("sk_emit_event: bad type", zap.Error(err))
		stack[0] = boolResult(false)
		return
	}
	data, err := e.readString(mod, stack[2], stack[3])
	if err != nil {
		e.log().Warn("sk_emit_event: bad data", zap.Error(err))
		stack[0] = boolResult(false)
		return
	}
	ev, err := events.PluginEvent(e.cfg.PluginID, typ, json.RawMessage(data), time.Now())
	if err != nil {
		e.log().Warn("sk_emit_event: rejected", zap.String("type", typ), zap.Error(err))
		stack[0] = boolResult(false)
		return
	}
	e.cfg.Host.EmitEvent(ev)
	queued := 0
	if e.cfg.Events != nil {
		queued = e.cfg.Events.Route(ev)
	}
	e.log().Debug("event emitted", zap.String("type", ev.Type), zap.Int("subscribers", queued))
	stack[0] = boolResult(true)
}

// allowedEventTypes writes the subscribable types as a JSON array and
// returns its length, or 0 when the buffer is too small.
func (e *Env) allowedEventTypes(_ context.Context, mod api.Module, stack []uint64) {
	bufPtr, bufMax := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	stack[0] = api.EncodeI32(0)
	list, _ := json.Marshal(events.AllowedTypes())
	if uint32(len(list)) > bufMax {
		e.log().Warn("sk_get_allowed_event_types: buffer too small",
			zap.Int("need", len(list)),
			zap.Uint32("have", bufMax))
		return
	}
	if err := abi.WriteBytes(mod.Memory(), bufPtr, list); err != nil {
		e.log().Warn("sk_get_allowed_event_types: write failed", zap.Error(err))
		return
	}
	stack[0] = api.EncodeI32(int32(len(list)))
}
