package hostapi

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/abi"
	"github.com/wippyai/wasm-plugin-host/asyncify"
	"github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/events"
	"github.com/wippyai/wasm-plugin-host/providers"
)

// Host module names.
const (
	ModuleEnv = "env"
	// APINamespace is the interface converted components import the host
	// API from.
	APINamespace = "signalk:plugin/signalk-api@1.0.0"
)

// sk_fetch results besides the body length.
const (
	FetchFailed   int32 = -1
	FetchTooLarge int32 = -2
)

// Naming selects how import names are spelled.
type Naming int

const (
	// NamingFlat is sk_debug style, used by core modules importing "env".
	NamingFlat Naming = iota
	// NamingKebab is sk-debug style, used under APINamespace.
	NamingKebab
)

// Spell returns name in the given naming.
func (n Naming) Spell(name string) string {
	if n == NamingKebab {
		return strings.ReplaceAll(name, "_", "-")
	}
	return name
}

// Config describes one plugin's import table.
type Config struct {
	PluginID     string
	Capabilities pluginhost.Capabilities
	Host         Host
	Fetcher      Fetcher
	Registries   *providers.Registries
	// Events receives subscriptions and emitted events. Nil rejects both.
	Events *events.Router
	// ManagedRuntime adds abort and seed for garbage-collected guests.
	ManagedRuntime bool
}

// Import is one host function of the table.
type Import struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	// Gate is the capability that must be granted; nil means always present.
	Gate func(pluginhost.Capabilities) bool
	Fn   api.GoModuleFunc
}

// Env is the per-instance import table. The adapter, bridge and target are
// attached after instantiation, before the first guest call that may use
// them.
type Env struct {
	cfg Config

	mu      sync.RWMutex
	adapter abi.Adapter
	bridge  *asyncify.Bridge
	target  providers.Target
	puts    []string
}

var (
	i32 = api.ValueTypeI32
	f64 = api.ValueTypeF64
	ret = []api.ValueType{i32}
)

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = i32
	}
	return out
}

// NewEnv builds the table for cfg. A nil Host is replaced by NopHost.
func NewEnv(cfg Config) *Env {
	if cfg.Host == nil {
		cfg.Host = NopHost{}
	}
	return &Env{cfg: cfg}
}

// PluginID returns the id the table serves.
func (e *Env) PluginID() string {
	return e.cfg.PluginID
}

// SetAdapter attaches the string adapter of the guest's convention. Until
// one is set, string arguments are read as plain UTF-8.
func (e *Env) SetAdapter(a abi.Adapter) {
	e.mu.Lock()
	e.adapter = a
	e.mu.Unlock()
}

// Adapter returns the attached string adapter, or nil.
func (e *Env) Adapter() abi.Adapter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.adapter
}

// SetBridge attaches the asyncify bridge used by suspending imports.
func (e *Env) SetBridge(b *asyncify.Bridge) {
	e.mu.Lock()
	e.bridge = b
	e.mu.Unlock()
}

// SetTarget attaches the instance PUT callbacks are routed to.
func (e *Env) SetTarget(t providers.Target) {
	e.mu.Lock()
	e.target = t
	e.mu.Unlock()
}

func (e *Env) getBridge() *asyncify.Bridge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bridge
}

func (e *Env) getTarget() providers.Target {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.target
}

// PutHandlers lists the registered "context/path" pairs.
func (e *Env) PutHandlers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.puts...)
}

func gateNetwork(c pluginhost.Capabilities) bool { return c.Network }
func gateResources(c pluginhost.Capabilities) bool { return c.ResourceProvider }
func gateWeather(c pluginhost.Capabilities) bool { return c.WeatherProvider }
func gateRadar(c pluginhost.Capabilities) bool { return c.RadarProvider }
func gatePuts(c pluginhost.Capabilities) bool { return c.PutHandlers }
func gateDataRead(c pluginhost.Capabilities) bool { return c.DataRead }
func gateEvents(c pluginhost.Capabilities) bool { return c.ServerEvents }

// All returns every import the host knows, ignoring capabilities.
func (e *Env) All() []Import {
	all := []Import{
		{Name: "sk_debug", Params: i32s(2), Fn: e.debug},
		{Name: "sk_set_status", Params: i32s(2), Fn: e.setStatus},
		{Name: "sk_set_error", Params: i32s(2), Fn: e.setError},
		{Name: "sk_handle_message", Params: i32s(3), Fn: e.handleMessage},
		{Name: "sk_publish_notification", Params: i32s(4), Results: ret, Fn: e.publishNotification},
		{Name: "sk_has_capability", Params: i32s(2), Results: ret, Fn: e.hasCapability},
		{Name: "sk_register_resource_provider", Params: i32s(2), Results: ret, Gate: gateResources, Fn: e.registerResource},
		{Name: "sk_register_weather_provider", Params: i32s(2), Results: ret, Gate: gateWeather, Fn: e.registerWeather},
		{Name: "sk_register_radar_provider", Params: i32s(2), Results: ret, Gate: gateRadar, Fn: e.registerRadar},
		{Name: "sk_register_put_handler", Params: i32s(4), Results: ret, Gate: gatePuts, Fn: e.registerPut},
		{Name: "sk_get_self_path", Params: i32s(4), Results: ret, Gate: gateDataRead, Fn: e.getSelfPath},
		{Name: "sk_fetch", Params: i32s(4), Results: ret, Gate: gateNetwork, Fn: e.fetch},
		{Name: "sk_subscribe_events", Params: i32s(2), Results: ret, Gate: gateEvents, Fn: e.subscribeEvents},
		{Name: "sk_emit_event", Params: i32s(4), Results: ret, Gate: gateEvents, Fn: e.emitEvent},
		{Name: "sk_get_allowed_event_types", Params: i32s(2), Results: ret, Fn: e.allowedEventTypes},
	}
	if e.cfg.ManagedRuntime {
		all = append(all,
			Import{Name: "abort", Params: i32s(4), Fn: e.abort},
			Import{Name: "seed", Results: []api.ValueType{f64}, Fn: e.seed},
		)
	}
	return all
}

// Imports returns the imports granted by the plugin's capabilities. Ungated
// imports are always present; gated ones are omitted entirely, so a guest
// importing one fails to instantiate.
func (e *Env) Imports() []Import {
	var out []Import
	for _, imp := range e.All() {
		if imp.Gate == nil || imp.Gate(e.cfg.Capabilities) {
			out = append(out, imp)
		}
	}
	return out
}

// Denied lists, in the given naming, the gated imports the plugin's
// capabilities leave out.
func (e *Env) Denied(n Naming) []string {
	var names []string
	for _, imp := range e.All() {
		if imp.Gate != nil && !imp.Gate(e.cfg.Capabilities) {
			names = append(names, n.Spell(imp.Name))
		}
	}
	return names
}

// Names lists the granted import names in the given naming.
func (e *Env) Names(n Naming) []string {
	imps := e.Imports()
	names := make([]string, len(imps))
	for i, imp := range imps {
		names[i] = n.Spell(imp.Name)
	}
	return names
}

// Instantiate registers the granted imports as host module name in r.
func (e *Env) Instantiate(ctx context.Context, r wazero.Runtime, name string, n Naming) (api.Module, error) {
	builder := r.NewHostModuleBuilder(name)
	for _, imp := range e.Imports() {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(imp.Fn, imp.Params, imp.Results).
			Export(n.Spell(imp.Name))
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.New(errors.PhaseHost, errors.KindLoad).
			Plugin(e.cfg.PluginID).
			Cause(err).
			Detail("instantiate host module %q", name).
			Build()
	}
	Logger().Debug("host module ready",
		zap.String("plugin", e.cfg.PluginID),
		zap.String("module", name),
		zap.Int("imports", len(e.Imports())))
	return mod, nil
}

func (e *Env) log() *zap.Logger {
	return Logger().With(zap.String("plugin", e.cfg.PluginID))
}

func (e *Env) readString(mod api.Module, ptr, length uint64) (string, error) {
	if a := e.Adapter(); a != nil {
		return a.ReadString(mod.Memory(), api.DecodeU32(ptr), api.DecodeU32(length))
	}
	return abi.ReadUTF8(mod.Memory(), api.DecodeU32(ptr), api.DecodeU32(length))
}

func boolResult(ok bool) uint64 {
	if ok {
		return api.EncodeI32(1)
	}
	return api.EncodeI32(0)
}

func (e *Env) debug(_ context.Context, mod api.Module, stack []uint64) {
	msg, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		e.log().Warn("sk_debug: bad string", zap.Error(err))
		return
	}
	e.log().Debug(msg)
}

func (e *Env) setStatus(_ context.Context, mod api.Module, stack []uint64) {
	msg, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		e.log().Warn("sk_set_status: bad string", zap.Error(err))
		return
	}
	e.log().Debug("status", zap.String("status", msg))
	e.cfg.Host.SetPluginStatus(e.cfg.PluginID, msg)
}

func (e *Env) setError(_ context.Context, mod api.Module, stack []uint64) {
	msg, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		e.log().Warn("sk_set_error: bad string", zap.Error(err))
		return
	}
	e.log().Debug("error status", zap.String("error", msg))
	e.cfg.Host.SetPluginError(e.cfg.PluginID, msg)
}

func (e *Env) handleMessage(_ context.Context, mod api.Module, stack []uint64) {
	delta, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		e.log().Warn("sk_handle_message: bad string", zap.Error(err))
		return
	}
	if !json.Valid([]byte(delta)) {
		e.log().Warn("sk_handle_message: delta is not JSON")
		return
	}
	version := VersionOf(api.DecodeI32(stack[2]))
	e.cfg.Host.HandleMessage(e.cfg.PluginID, json.RawMessage(delta), version)
}

var notificationStates = map[string]bool{
	"normal":    true,
	"alert":     true,
	"warn":      true,
	"alarm":     true,
	"emergency": true,
}

type deltaValue struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

type deltaUpdate struct {
	Values []deltaValue `json:"values,omitempty"`
	Meta   []deltaValue `json:"meta,omitempty"`
}

type delta struct {
	Updates []deltaUpdate `json:"updates"`
}

func (e *Env) publishNotification(_ context.Context, mod api.Module, stack []uint64) {
	path, err := e.readString(mod, stack[0], stack[1])
	stack[0] = api.EncodeI32(-1)
	if err != nil {
		e.log().Warn("sk_publish_notification: bad path", zap.Error(err))
		return
	}
	raw, err := e.readString(mod, stack[2], stack[3])
	if err != nil {
		e.log().Warn("sk_publish_notification: bad value", zap.Error(err))
		return
	}
	var value struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		e.log().Warn("sk_publish_notification: value is not JSON", zap.Error(err))
		return
	}
	if !notificationStates[value.State] {
		e.log().Warn("sk_publish_notification: invalid state", zap.String("state", value.State))
		return
	}
	msg, _ := json.Marshal(delta{Updates: []deltaUpdate{{
		Values: []deltaValue{{Path: path, Value: json.RawMessage(raw)}},
	}}})
	e.cfg.Host.HandleMessage(e.cfg.PluginID, msg, V1)
	stack[0] = api.EncodeI32(0)
}

func (e *Env) hasCapability(_ context.Context, mod api.Module, stack []uint64) {
	name, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		stack[0] = boolResult(false)
		return
	}
	stack[0] = boolResult(e.cfg.Capabilities.Has(name))
}

func (e *Env) registerResource(_ context.Context, mod api.Module, stack []uint64) {
	typ, err := e.readString(mod, stack[0], stack[1])
	if err != nil || e.cfg.Registries == nil {
		stack[0] = boolResult(false)
		return
	}
	_, err = e.cfg.Registries.RegisterResource(e.cfg.PluginID, typ)
	if err != nil {
		e.log().Warn("resource provider registration failed", zap.String("type", typ), zap.Error(err))
	}
	stack[0] = boolResult(err == nil)
}

func (e *Env) registerWeather(_ context.Context, mod api.Module, stack []uint64) {
	name, err := e.readString(mod, stack[0], stack[1])
	if err != nil || e.cfg.Registries == nil {
		stack[0] = boolResult(false)
		return
	}
	_, err = e.cfg.Registries.RegisterWeather(e.cfg.PluginID, name)
	if err != nil {
		e.log().Warn("weather provider registration failed", zap.Error(err))
	}
	stack[0] = boolResult(err == nil)
}

func (e *Env) registerRadar(_ context.Context, mod api.Module, stack []uint64) {
	name, err := e.readString(mod, stack[0], stack[1])
	if err != nil || e.cfg.Registries == nil {
		stack[0] = boolResult(false)
		return
	}
	_, err = e.cfg.Registries.RegisterRadar(e.cfg.PluginID, name)
	if err != nil {
		e.log().Warn("radar provider registration failed", zap.Error(err))
	}
	stack[0] = boolResult(err == nil)
}

// PutHandlerName is the guest export answering PUT requests for path in
// skContext: handle_put_<context>_<path> with dots replaced by underscores.
func PutHandlerName(skContext, path string) string {
	return "handle_put_" + strings.ReplaceAll(skContext, ".", "_") + "_" + strings.ReplaceAll(path, ".", "_")
}

func (e *Env) registerPut(_ context.Context, mod api.Module, stack []uint64) {
	skContext, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		stack[0] = boolResult(false)
		return
	}
	path, err := e.readString(mod, stack[2], stack[3])
	if err != nil {
		stack[0] = boolResult(false)
		return
	}

	meta, _ := json.Marshal(delta{Updates: []deltaUpdate{{
		Meta: []deltaValue{{Path: path, Value: json.RawMessage(`{"supportsPut":true}`)}},
	}}})
	e.cfg.Host.HandleMessage(e.cfg.PluginID, meta, V1)

	if !e.cfg.Host.RegisterActionHandler(skContext, path, e.cfg.PluginID, e.callPut) {
		e.log().Warn("PUT handler not accepted", zap.String("context", skContext), zap.String("path", path))
		stack[0] = boolResult(false)
		return
	}
	e.mu.Lock()
	e.puts = append(e.puts, skContext+"/"+path)
	e.mu.Unlock()
	e.log().Info("PUT handler registered", zap.String("context", skContext), zap.String("path", path))
	stack[0] = boolResult(true)
}

func (e *Env) callPut(ctx context.Context, skContext, path string, value json.RawMessage) PutResult {
	name := PutHandlerName(skContext, path)
	t := e.getTarget()
	if t == nil || !t.HasHandler(name) {
		e.log().Warn("PUT handler not implemented", zap.String("export", name))
		return PutResult{State: "COMPLETED", StatusCode: 501, Message: "Handler not implemented"}
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	reply, err := t.CallHandler(ctx, name, string(value))
	if err != nil {
		return PutResult{State: "COMPLETED", StatusCode: 500, Message: "Handler error: " + err.Error()}
	}
	var res PutResult
	if err := json.Unmarshal([]byte(reply), &res); err != nil {
		return PutResult{State: "COMPLETED", StatusCode: 500, Message: "Handler error: " + err.Error()}
	}
	return res
}

func (e *Env) getSelfPath(_ context.Context, mod api.Module, stack []uint64) {
	bufPtr, bufMax := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
	path, err := e.readString(mod, stack[0], stack[1])
	stack[0] = api.EncodeI32(0)
	if err != nil {
		return
	}
	value, ok := e.cfg.Host.GetSelfPath(path)
	if !ok || len(value) == 0 {
		return
	}
	if uint32(len(value)) > bufMax {
		e.log().Warn("sk_get_self_path: buffer too small",
			zap.Int("need", len(value)),
			zap.Uint32("have", bufMax))
		return
	}
	if err := abi.WriteBytes(mod.Memory(), bufPtr, value); err != nil {
		e.log().Warn("sk_get_self_path: write failed", zap.Error(err))
		return
	}
	stack[0] = api.EncodeI32(int32(len(value)))
}

type fetchResult struct {
	body []byte
	err  error
}

func (e *Env) doFetch(ctx context.Context, req FetchRequest) fetchResult {
	if e.cfg.Fetcher == nil {
		return fetchResult{err: errors.NotFound(errors.PhaseHost, "fetcher", e.cfg.PluginID)}
	}
	start := time.Now()
	resp, err := e.cfg.Fetcher.Fetch(ctx, req)
	if err != nil {
		return fetchResult{err: err}
	}
	e.log().Debug("fetch done",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("elapsed", time.Since(start)))
	return fetchResult{body: resp.Body}
}

// deliver copies a fetch result into the guest buffer and returns the
// import's result code.
func (e *Env) deliver(mod api.Module, res fetchResult, bufPtr, bufMax uint32) int32 {
	if res.err != nil {
		e.log().Warn("fetch failed", zap.Error(res.err))
		return FetchFailed
	}
	if uint32(len(res.body)) > bufMax {
		return FetchTooLarge
	}
	if err := abi.WriteBytes(mod.Memory(), bufPtr, res.body); err != nil {
		e.log().Warn("fetch: write failed", zap.Error(err))
		return FetchFailed
	}
	return int32(len(res.body))
}

// fetch suspends the guest through the bridge when the current call can be
// resumed and completes synchronously otherwise.
func (e *Env) fetch(ctx context.Context, mod api.Module, stack []uint64) {
	bufPtr, bufMax := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])

	b := e.getBridge()
	if b != nil && b.Suspendable() {
		state, err := b.State(ctx)
		if err != nil {
			panic(err)
		}
		if state == asyncify.StateRewinding {
			v, err := b.Rewound(ctx)
			if err != nil {
				panic(err)
			}
			res, _ := v.(fetchResult)
			stack[0] = api.EncodeI32(e.deliver(mod, res, bufPtr, bufMax))
			return
		}
	}

	arg, err := e.readString(mod, stack[0], stack[1])
	if err != nil {
		e.log().Warn("sk_fetch: bad url", zap.Error(err))
		stack[0] = api.EncodeI32(FetchFailed)
		return
	}
	req, err := ParseFetchRequest(arg)
	if err != nil {
		e.log().Warn("sk_fetch: bad request", zap.Error(err))
		stack[0] = api.EncodeI32(FetchFailed)
		return
	}

	if b != nil && b.Suspendable() {
		err := b.Suspend(ctx, func(opCtx context.Context) any {
			return e.doFetch(opCtx, req)
		})
		if err != nil {
			panic(err)
		}
		stack[0] = 0
		return
	}
	stack[0] = api.EncodeI32(e.deliver(mod, e.doFetch(ctx, req), bufPtr, bufMax))
}

func (e *Env) abort(_ context.Context, mod api.Module, stack []uint64) {
	m := abi.NewManaged(mod)
	msg, _ := m.DecodeString(api.DecodeU32(stack[0]))
	file, _ := m.DecodeString(api.DecodeU32(stack[1]))
	e.log().Error("guest abort",
		zap.String("message", msg),
		zap.String("file", file),
		zap.Uint32("line", api.DecodeU32(stack[2])),
		zap.Uint32("column", api.DecodeU32(stack[3])))
}

func (e *Env) seed(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeF64(float64(time.Now().UnixMilli()) * rand.Float64())
}
