package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/abi"
	"github.com/wippyai/wasm-plugin-host/events"
	"github.com/wippyai/wasm-plugin-host/internal/testguest"
	"github.com/wippyai/wasm-plugin-host/providers"
)

type message struct {
	pluginID string
	delta    string
	version  Version
}

type recordingHost struct {
	mu       sync.Mutex
	status   []string
	errs     []string
	messages []message
	self     map[string]json.RawMessage
	actions  map[string]ActionCallback
	reject   bool
	emitted  []events.Event
}

func newRecordingHost() *recordingHost {
	return &recordingHost{self: map[string]json.RawMessage{}, actions: map[string]ActionCallback{}}
}

func (h *recordingHost) SetPluginStatus(_, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = append(h.status, msg)
}

func (h *recordingHost) SetPluginError(_, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, msg)
}

func (h *recordingHost) HandleMessage(pluginID string, delta json.RawMessage, v Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, message{pluginID, string(delta), v})
}

func (h *recordingHost) GetSelfPath(path string) (json.RawMessage, bool) {
	v, ok := h.self[path]
	return v, ok
}

func (h *recordingHost) RegisterActionHandler(skContext, path, _ string, cb ActionCallback) bool {
	if h.reject {
		return false
	}
	h.actions[skContext+"/"+path] = cb
	return true
}

func (h *recordingHost) EmitEvent(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitted = append(h.emitted, ev)
}

type fakeFetcher struct {
	body string
	err  error
	got  []FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req FetchRequest) (*FetchResponse, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	return &FetchResponse{StatusCode: 200, Body: []byte(f.body)}, nil
}

type putTarget struct {
	handlers map[string]string
	failWith error
	request  string
}

func (p *putTarget) PluginID() string { return "put-plugin" }

func (p *putTarget) HasHandler(export string) bool {
	_, ok := p.handlers[export]
	return ok
}

func (p *putTarget) CallHandler(_ context.Context, export, request string) (string, error) {
	p.request = request
	if p.failWith != nil {
		return "", p.failWith
	}
	return p.handlers[export], nil
}

// run instantiates env and a managed guest that performs calls from its
// start export, then returns the guest module.
func run(t *testing.T, env *Env, module string, naming Naming, calls ...testguest.Call) api.Module {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	if _, err := env.Instantiate(ctx, r, module, naming); err != nil {
		t.Fatalf("Instantiate env: %v", err)
	}
	mod, err := r.Instantiate(ctx, testguest.Managed{ID: "imports", OnStart: calls}.Bytes())
	if err != nil {
		t.Fatalf("instantiate guest: %v", err)
	}
	if _, err := mod.ExportedFunction("plugin_start").Call(ctx, 0, 0); err != nil {
		t.Fatalf("plugin_start: %v", err)
	}
	return mod
}

func lastResult(mod api.Module) int32 {
	return int32(uint32(mod.ExportedGlobal("last_result").Get()))
}

func fetchCall(url string, bufMax int32) testguest.Call {
	return testguest.Call{
		Name:    "sk_fetch",
		Strings: []string{url},
		Extra:   []int32{int32(testguest.FetchBuf), bufMax},
		Result:  true,
	}
}

func TestCapabilityGating(t *testing.T) {
	tests := []struct {
		name    string
		caps    pluginhost.Capabilities
		present []string
		absent  []string
	}{
		{
			name:    "none",
			present: []string{"sk_debug", "sk_set_status", "sk_set_error", "sk_handle_message", "sk_publish_notification", "sk_has_capability", "sk_get_allowed_event_types"},
			absent:  []string{"sk_fetch", "sk_register_resource_provider", "sk_register_weather_provider", "sk_register_radar_provider", "sk_register_put_handler", "sk_get_self_path", "sk_subscribe_events", "sk_emit_event"},
		},
		{
			name:    "network",
			caps:    pluginhost.Capabilities{Network: true},
			present: []string{"sk_fetch"},
			absent:  []string{"sk_register_resource_provider"},
		},
		{
			name:    "events",
			caps:    pluginhost.Capabilities{ServerEvents: true},
			present: []string{"sk_subscribe_events", "sk_emit_event", "sk_get_allowed_event_types"},
			absent:  []string{"sk_fetch"},
		},
		{
			name:    "providers",
			caps:    pluginhost.Capabilities{ResourceProvider: true, WeatherProvider: true, RadarProvider: true, PutHandlers: true, DataRead: true},
			present: []string{"sk_register_resource_provider", "sk_register_weather_provider", "sk_register_radar_provider", "sk_register_put_handler", "sk_get_self_path"},
			absent:  []string{"sk_fetch"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names := NewEnv(Config{PluginID: "p", Capabilities: tt.caps}).Names(NamingFlat)
			has := map[string]bool{}
			for _, n := range names {
				has[n] = true
			}
			for _, n := range tt.present {
				if !has[n] {
					t.Errorf("%s missing", n)
				}
			}
			for _, n := range tt.absent {
				if has[n] {
					t.Errorf("%s present without capability", n)
				}
			}
		})
	}
}

func TestDenied(t *testing.T) {
	env := NewEnv(Config{PluginID: "p", Capabilities: pluginhost.Capabilities{Network: true, DataRead: true}})
	denied := map[string]bool{}
	for _, n := range env.Denied(NamingKebab) {
		denied[n] = true
	}
	for _, n := range []string{"sk-register-resource-provider", "sk-register-put-handler"} {
		if !denied[n] {
			t.Errorf("%s not denied", n)
		}
	}
	for _, n := range []string{"sk-fetch", "sk-get-self-path", "sk-debug"} {
		if denied[n] {
			t.Errorf("%s denied", n)
		}
	}
}

func TestUngrantedImportFailsInstantiation(t *testing.T) {
	ctx := context.Background()
	for _, network := range []bool{false, true} {
		r := wazero.NewRuntime(ctx)
		env := NewEnv(Config{PluginID: "net", Capabilities: pluginhost.Capabilities{Network: network}})
		if _, err := env.Instantiate(ctx, r, ModuleEnv, NamingFlat); err != nil {
			t.Fatal(err)
		}
		_, err := r.Instantiate(ctx, testguest.ImportsFetch())
		if network && err != nil {
			t.Errorf("network granted: %v", err)
		}
		if !network && err == nil {
			t.Error("guest importing sk_fetch instantiated without network")
		}
		r.Close(ctx)
	}
}

func TestManagedRuntimeImports(t *testing.T) {
	names := NewEnv(Config{ManagedRuntime: true}).Names(NamingFlat)
	if !contains(names, "abort") || !contains(names, "seed") {
		t.Errorf("managed runtime imports missing from %v", names)
	}
	if contains(NewEnv(Config{}).Names(NamingFlat), "abort") {
		t.Error("abort offered to non-managed guest")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestStatusAndMessages(t *testing.T) {
	host := newRecordingHost()
	env := NewEnv(Config{PluginID: "status", Host: host})
	delta := `{"updates":[{"values":[{"path":"environment.wind.speedApparent","value":7.1}]}]}`
	run(t, env, ModuleEnv, NamingFlat,
		testguest.Call{Name: "sk_debug", Strings: []string{"starting"}},
		testguest.Call{Name: "sk_set_status", Strings: []string{"Running ⚓"}},
		testguest.Call{Name: "sk_set_error", Strings: []string{"no fix"}},
		testguest.Call{Name: "sk_handle_message", Strings: []string{delta}, Extra: []int32{2}},
		testguest.Call{Name: "sk_handle_message", Strings: []string{delta}, Extra: []int32{7}},
		testguest.Call{Name: "sk_handle_message", Strings: []string{"not json"}, Extra: []int32{1}},
	)

	if !reflect.DeepEqual(host.status, []string{"Running ⚓"}) {
		t.Errorf("status = %v", host.status)
	}
	if !reflect.DeepEqual(host.errs, []string{"no fix"}) {
		t.Errorf("errors = %v", host.errs)
	}
	want := []message{{"status", delta, V2}, {"status", delta, V1}}
	if !reflect.DeepEqual(host.messages, want) {
		t.Errorf("messages = %+v, want %+v", host.messages, want)
	}
}

type countingAdapter struct {
	reads []uint32
}

func (a *countingAdapter) ReadString(mem api.Memory, ptr, length uint32) (string, error) {
	a.reads = append(a.reads, length)
	return abi.ReadUTF8(mem, ptr, length)
}

func TestAdapterReadsStrings(t *testing.T) {
	host := newRecordingHost()
	env := NewEnv(Config{PluginID: "adapted", Host: host})
	if env.Adapter() != nil {
		t.Fatal("new env has an adapter")
	}
	a := &countingAdapter{}
	env.SetAdapter(a)
	run(t, env, ModuleEnv, NamingFlat,
		testguest.Call{Name: "sk_set_status", Strings: []string{"mooring"}},
	)
	if !reflect.DeepEqual(host.status, []string{"mooring"}) {
		t.Errorf("status = %v", host.status)
	}
	if !reflect.DeepEqual(a.reads, []uint32{uint32(len("mooring"))}) {
		t.Errorf("adapter reads = %v", a.reads)
	}
}

func TestPublishNotification(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int32
	}{
		{"alarm", `{"state":"alarm","method":["visual"],"message":"CPA"}`, 0},
		{"bad state", `{"state":"panic","message":"x"}`, -1},
		{"missing state", `{"message":"x"}`, -1},
		{"not json", `{`, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newRecordingHost()
			env := NewEnv(Config{PluginID: "notify", Host: host})
			mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{
				Name:    "sk_publish_notification",
				Strings: []string{"notifications.navigation.closestApproach", tt.value},
				Result:  true,
			})
			if got := lastResult(mod); got != tt.want {
				t.Fatalf("result = %d, want %d", got, tt.want)
			}
			if tt.want != 0 {
				if len(host.messages) != 0 {
					t.Errorf("rejected notification was published")
				}
				return
			}
			var d struct {
				Updates []struct {
					Values []struct {
						Path  string
						Value map[string]any
					}
				}
			}
			if err := json.Unmarshal([]byte(host.messages[0].delta), &d); err != nil {
				t.Fatal(err)
			}
			v := d.Updates[0].Values[0]
			if v.Path != "notifications.navigation.closestApproach" || v.Value["state"] != "alarm" {
				t.Errorf("delta = %s", host.messages[0].delta)
			}
		})
	}
}

func TestHasCapability(t *testing.T) {
	env := NewEnv(Config{PluginID: "caps", Capabilities: pluginhost.Capabilities{Network: true}})
	mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{Name: "sk_has_capability", Strings: []string{"network"}, Result: true})
	if lastResult(mod) != 1 {
		t.Error("network should be reported")
	}
	mod = run(t, env, ModuleEnv, NamingFlat, testguest.Call{Name: "sk_has_capability", Strings: []string{"radarProvider"}, Result: true})
	if lastResult(mod) != 0 {
		t.Error("radarProvider is not granted")
	}
}

func TestFetchSynchronous(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *fakeFetcher
		bufMax  int32
		want    int32
	}{
		{"ok", &fakeFetcher{body: `{"sog":4.2}`}, int32(testguest.FetchBufSz), 11},
		{"too large", &fakeFetcher{body: "0123456789"}, 4, FetchTooLarge},
		{"error", &fakeFetcher{err: errors.New("connection refused")}, int32(testguest.FetchBufSz), FetchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnv(Config{PluginID: "fetch", Capabilities: pluginhost.Capabilities{Network: true}, Fetcher: tt.fetcher})
			mod := run(t, env, ModuleEnv, NamingFlat, fetchCall("http://example.test/api", tt.bufMax))
			if got := lastResult(mod); got != tt.want {
				t.Fatalf("result = %d, want %d", got, tt.want)
			}
			if tt.want > 0 {
				body, _ := mod.Memory().Read(testguest.FetchBuf, uint32(tt.want))
				if string(body) != tt.fetcher.body {
					t.Errorf("body = %q", body)
				}
			}
			if len(tt.fetcher.got) != 1 || tt.fetcher.got[0].URL != "http://example.test/api" {
				t.Errorf("requests = %+v", tt.fetcher.got)
			}
		})
	}
}

func TestFetchJSONRequest(t *testing.T) {
	f := &fakeFetcher{body: "ok"}
	env := NewEnv(Config{PluginID: "fetch", Capabilities: pluginhost.Capabilities{Network: true}, Fetcher: f})
	arg := `{"url":"http://example.test/post","method":"post","headers":{"X-Key":"1"},"body":"{}"}`
	mod := run(t, env, ModuleEnv, NamingFlat, fetchCall(arg, 64))
	if lastResult(mod) != 2 {
		t.Fatalf("result = %d", lastResult(mod))
	}
	want := FetchRequest{URL: "http://example.test/post", Method: "POST", Headers: map[string]string{"X-Key": "1"}, Body: "{}"}
	if !reflect.DeepEqual(f.got[0], want) {
		t.Errorf("request = %+v", f.got[0])
	}
}

func TestParseFetchRequest(t *testing.T) {
	tests := []struct {
		arg     string
		want    FetchRequest
		wantErr bool
	}{
		{arg: "https://api.example.test/x", want: FetchRequest{URL: "https://api.example.test/x", Method: "GET"}},
		{arg: ` {"url":"http://a"}`, want: FetchRequest{URL: "http://a", Method: "GET"}},
		{arg: `{"method":"GET"}`, wantErr: true},
		{arg: `{"url":`, wantErr: true},
		{arg: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFetchRequest(tt.arg)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFetchRequest(%q) err = %v", tt.arg, err)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseFetchRequest(%q) = %+v, want %+v", tt.arg, got, tt.want)
		}
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/big" {
			w.Write([]byte(strings.Repeat("x", 100)))
			return
		}
		w.Write([]byte(r.Method))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithMaxBodySize(50))
	ctx := context.Background()
	resp, err := f.Fetch(ctx, FetchRequest{URL: srv.URL, Method: "PUT", Headers: map[string]string{"X-Key": "secret"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "PUT" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	resp, err = f.Fetch(ctx, FetchRequest{URL: srv.URL})
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthorized = %v, %v", resp, err)
	}
	if _, err := f.Fetch(ctx, FetchRequest{URL: srv.URL + "/big", Headers: map[string]string{"X-Key": "secret"}}); err == nil {
		t.Error("expected body size error")
	}
}

func TestRegisterProviders(t *testing.T) {
	d := &dispatcher{}
	regs := providers.New(providers.WithResourceDispatcher(d))
	env := NewEnv(Config{
		PluginID:     "charts",
		Capabilities: pluginhost.Capabilities{ResourceProvider: true, WeatherProvider: true},
		Registries:   regs,
	})
	mod := run(t, env, ModuleEnv, NamingFlat,
		testguest.Call{Name: "sk_register_resource_provider", Strings: []string{"routes"}, Result: true})
	if lastResult(mod) != 1 {
		t.Fatal("resource registration failed")
	}
	if _, ok := regs.Resource("charts", "routes"); !ok {
		t.Error("binding not created")
	}
	if d.types != "routes" {
		t.Errorf("dispatcher got %q", d.types)
	}

	// No weather dispatcher configured.
	mod = run(t, env, ModuleEnv, NamingFlat,
		testguest.Call{Name: "sk_register_weather_provider", Strings: []string{"wx"}, Result: true})
	if lastResult(mod) != 0 {
		t.Error("weather registration should fail without a dispatcher")
	}
}

type dispatcher struct{ types string }

func (d *dispatcher) RegisterResourceProvider(_, resourceType string, _ *providers.ResourceProvider) error {
	d.types += resourceType
	return nil
}

func (d *dispatcher) UnregisterResourceProvider(string) {}

func TestPutHandler(t *testing.T) {
	host := newRecordingHost()
	env := NewEnv(Config{PluginID: "autopilot", Capabilities: pluginhost.Capabilities{PutHandlers: true}, Host: host})
	mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{
		Name:    "sk_register_put_handler",
		Strings: []string{"vessels.self", "steering.autopilot.target.headingTrue"},
		Result:  true,
	})
	if lastResult(mod) != 1 {
		t.Fatal("registration failed")
	}
	if len(host.messages) != 1 || !strings.Contains(host.messages[0].delta, `"supportsPut":true`) {
		t.Errorf("meta delta = %+v", host.messages)
	}
	if got := env.PutHandlers(); !reflect.DeepEqual(got, []string{"vessels.self/steering.autopilot.target.headingTrue"}) {
		t.Errorf("PutHandlers = %v", got)
	}

	cb := host.actions["vessels.self/steering.autopilot.target.headingTrue"]
	if cb == nil {
		t.Fatal("callback not registered")
	}
	ctx := context.Background()

	if res := cb(ctx, "vessels.self", "steering.autopilot.target.headingTrue", json.RawMessage("1.2")); res.StatusCode != 501 {
		t.Errorf("without instance: %+v", res)
	}

	name := PutHandlerName("vessels.self", "steering.autopilot.target.headingTrue")
	if name != "handle_put_vessels_self_steering_autopilot_target_headingTrue" {
		t.Errorf("handler name = %s", name)
	}
	target := &putTarget{handlers: map[string]string{name: `{"state":"COMPLETED","statusCode":200}`}}
	env.SetTarget(target)
	res := cb(ctx, "vessels.self", "steering.autopilot.target.headingTrue", json.RawMessage("1.2"))
	if res.StatusCode != 200 || res.State != "COMPLETED" {
		t.Errorf("result = %+v", res)
	}
	if target.request != "1.2" {
		t.Errorf("handler got %q", target.request)
	}

	target.failWith = errors.New("trap")
	if res := cb(ctx, "vessels.self", "steering.autopilot.target.headingTrue", nil); res.StatusCode != 500 {
		t.Errorf("failing handler: %+v", res)
	}
}

func TestPutHandlerRejected(t *testing.T) {
	host := newRecordingHost()
	host.reject = true
	env := NewEnv(Config{PluginID: "autopilot", Capabilities: pluginhost.Capabilities{PutHandlers: true}, Host: host})
	mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{
		Name: "sk_register_put_handler", Strings: []string{"vessels.self", "a.b"}, Result: true,
	})
	if lastResult(mod) != 0 {
		t.Error("rejected registration reported success")
	}
}

func TestGetSelfPath(t *testing.T) {
	host := newRecordingHost()
	host.self["navigation.speedOverGround"] = json.RawMessage("3.5")
	host.self["navigation.position"] = json.RawMessage(`{"latitude":54.3,"longitude":10.1}`)
	env := NewEnv(Config{PluginID: "reader", Capabilities: pluginhost.Capabilities{DataRead: true}, Host: host})

	call := func(path string, max int32) testguest.Call {
		return testguest.Call{Name: "sk_get_self_path", Strings: []string{path}, Extra: []int32{int32(testguest.FetchBuf), max}, Result: true}
	}
	mod := run(t, env, ModuleEnv, NamingFlat, call("navigation.speedOverGround", 64))
	if lastResult(mod) != 3 {
		t.Fatalf("result = %d", lastResult(mod))
	}
	if b, _ := mod.Memory().Read(testguest.FetchBuf, 3); string(b) != "3.5" {
		t.Errorf("value = %q", b)
	}
	if mod := run(t, env, ModuleEnv, NamingFlat, call("navigation.position", 8)); lastResult(mod) != 0 {
		t.Error("value larger than buffer should return 0")
	}
	if mod := run(t, env, ModuleEnv, NamingFlat, call("navigation.missing", 64)); lastResult(mod) != 0 {
		t.Error("missing path should return 0")
	}
}

func TestSubscribeEvents(t *testing.T) {
	tests := []struct {
		name  string
		arg   string
		want  int32
		types []string
	}{
		{"filtered", `["VESSEL_INFO","PropertyValues"]`, 1, []string{"VESSEL_INFO"}},
		{"all", `[]`, 1, events.AllowedTypes()},
		{"not an array", `{"type":"VESSEL_INFO"}`, 0, nil},
		{"not json", `VESSEL_INFO`, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := events.NewRouter()
			defer router.Close()
			env := NewEnv(Config{PluginID: "sub", Capabilities: pluginhost.Capabilities{ServerEvents: true}, Events: router})
			mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{
				Name:    "sk_subscribe_events",
				Strings: []string{tt.arg},
				Result:  true,
			})
			if got := lastResult(mod); got != tt.want {
				t.Fatalf("result = %d, want %d", got, tt.want)
			}
			got, ok := router.Types("sub")
			if ok != (tt.want == 1) || !reflect.DeepEqual(got, tt.types) {
				t.Errorf("types = %v, %v", got, ok)
			}
		})
	}
}

func TestSubscribeEventsWithoutRouter(t *testing.T) {
	env := NewEnv(Config{PluginID: "sub", Capabilities: pluginhost.Capabilities{ServerEvents: true}})
	mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{Name: "sk_subscribe_events", Strings: []string{"[]"}, Result: true})
	if got := lastResult(mod); got != 0 {
		t.Errorf("result = %d, want 0", got)
	}
}

func TestEmitEvent(t *testing.T) {
	router := events.NewRouter()
	defer router.Close()
	received := make(chan events.Event, 1)
	router.Subscribe("listener", []string{"PLUGIN_anchor_drag"})
	router.Attach("listener", func(ev events.Event) { received <- ev })

	host := newRecordingHost()
	env := NewEnv(Config{PluginID: "anchor", Host: host, Capabilities: pluginhost.Capabilities{ServerEvents: true}, Events: router})
	mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{
		Name:    "sk_emit_event",
		Strings: []string{"anchor_drag", `{"distance":61}`},
		Result:  true,
	})
	if got := lastResult(mod); got != 1 {
		t.Fatalf("result = %d, want 1", got)
	}
	if len(host.emitted) != 1 {
		t.Fatalf("emitted %d events", len(host.emitted))
	}
	ev := host.emitted[0]
	if ev.Type != "PLUGIN_anchor_drag" || ev.From != "anchor" || string(ev.Data) != `{"distance":61}` || ev.Timestamp == 0 {
		t.Errorf("event = %+v", ev)
	}
	select {
	case got := <-received:
		if got.Type != ev.Type {
			t.Errorf("routed %s", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not routed")
	}

	mod = run(t, env, ModuleEnv, NamingFlat, testguest.Call{
		Name:    "sk_emit_event",
		Strings: []string{"anchor_drag", "not json"},
		Result:  true,
	})
	if got := lastResult(mod); got != 0 || len(host.emitted) != 1 {
		t.Errorf("invalid data: result %d, emitted %d", got, len(host.emitted))
	}
}

func TestAllowedEventTypes(t *testing.T) {
	env := NewEnv(Config{PluginID: "types"})
	mod := run(t, env, ModuleEnv, NamingFlat, testguest.Call{
		Name:   "sk_get_allowed_event_types",
		Extra:  []int32{int32(testguest.FetchBuf), int32(testguest.FetchBufSz)},
		Result: true,
	})
	n := lastResult(mod)
	if n <= 0 {
		t.Fatalf("result = %d", n)
	}
	raw, _ := mod.Memory().Read(testguest.FetchBuf, uint32(n))
	var got []string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, events.AllowedTypes()) {
		t.Errorf("types = %v", got)
	}

	mod = run(t, env, ModuleEnv, NamingFlat, testguest.Call{
		Name:   "sk_get_allowed_event_types",
		Extra:  []int32{int32(testguest.FetchBuf), 8},
		Result: true,
	})
	if got := lastResult(mod); got != 0 {
		t.Errorf("small buffer result = %d", got)
	}
}

func TestKebabNamespace(t *testing.T) {
	host := newRecordingHost()
	env := NewEnv(Config{PluginID: "component", Host: host})
	run(t, env, APINamespace, NamingKebab, testguest.Call{
		Module:  APINamespace,
		Name:    "sk-set-status",
		Strings: []string{"from component"},
	})
	if !reflect.DeepEqual(host.status, []string{"from component"}) {
		t.Errorf("status = %v", host.status)
	}
	if got := NamingKebab.Spell("sk_register_put_handler"); got != "sk-register-put-handler" {
		t.Errorf("Spell = %s", got)
	}
}

func TestVersionOf(t *testing.T) {
	if VersionOf(2) != V2 || VersionOf(1) != V1 || VersionOf(0) != V1 {
		t.Error("unexpected version mapping")
	}
	if V2.String() != "v2" {
		t.Errorf("String = %s", V2)
	}
}
