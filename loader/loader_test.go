package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/abi"
	pherrors "github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/hostapi"
	"github.com/wippyai/wasm-plugin-host/internal/testguest"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRequest(t *testing.T, id string, data []byte) Request {
	t.Helper()
	return Request{
		PluginID:    id,
		WasmPath:    writeFile(t, t.TempDir(), "plugin.wasm", data),
		SandboxRoot: filepath.Join(t.TempDir(), "sandbox"),
	}
}

func mustLoad(t *testing.T, req Request, opts Options) *Instance {
	t.Helper()
	inst, err := Load(context.Background(), req, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

func global(inst *Instance, name string) uint32 {
	return uint32(inst.Module().ExportedGlobal(name).Get())
}

// config reads the start config the guest recorded.
func config(t *testing.T, inst *Instance) string {
	t.Helper()
	b, ok := inst.Module().Memory().Read(global(inst, "cfg_ptr"), global(inst, "cfg_len"))
	if !ok {
		t.Fatal("config out of range")
	}
	return string(b)
}

func query(t *testing.T, fn func(context.Context) (string, error)) string {
	t.Helper()
	s, err := fn(context.Background())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return s
}

type gatedFetcher struct {
	release chan struct{}
	body    string
	calls   atomic.Int32
}

func (f *gatedFetcher) Fetch(ctx context.Context, _ hostapi.FetchRequest) (*hostapi.FetchResponse, error) {
	f.calls.Add(1)
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &hostapi.FetchResponse{StatusCode: 200, Body: []byte(f.body)}, nil
}

type statusHost struct {
	hostapi.NopHost
	mu     sync.Mutex
	status []string
}

func (h *statusHost) SetPluginStatus(_, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = append(h.status, msg)
}

func TestLoadManaged(t *testing.T) {
	ctx := context.Background()
	req := newRequest(t, "managed-plugin", testguest.Managed{
		ID:        "managed-plugin",
		Name:      "Managed Plugin",
		Schema:    `{"type":"object"}`,
		Endpoints: `[{"method":"GET","path":"/status"}]`,
		Poll:      true,
		Delta:     true,
	}.Bytes())
	req.Capabilities.HTTPEndpoints = true
	inst := mustLoad(t, req, Options{})

	if inst.Format != pluginhost.Managed {
		t.Fatalf("format = %s", inst.Format)
	}
	if inst.Suspendable() {
		t.Error("guest without asyncify exports reported suspendable")
	}
	if got := query(t, inst.Exports.ID); got != "managed-plugin" {
		t.Errorf("id = %q", got)
	}
	if got := query(t, inst.Exports.Name); got != "Managed Plugin" {
		t.Errorf("name = %q", got)
	}
	if got := query(t, inst.Exports.Schema); got != `{"type":"object"}` {
		t.Errorf("schema = %q", got)
	}
	if inst.Exports.HTTPEndpoints == nil || query(t, inst.Exports.HTTPEndpoints) != `[{"method":"GET","path":"/status"}]` {
		t.Error("http endpoints not served")
	}

	code, err := inst.Exports.Start(ctx, "{}").Wait(ctx)
	if err != nil || code != 0 {
		t.Fatalf("start = %d, %v", code, err)
	}
	if got := config(t, inst); got != "{}" {
		t.Errorf("config = %q", got)
	}
	if global(inst, "unpin_count") == 0 {
		t.Error("config buffer was not released")
	}

	if _, err := inst.Exports.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if global(inst, "poll_count") != 1 {
		t.Error("poll not called")
	}
	if err := inst.Exports.DeltaHandler(ctx, `{"updates":[]}`); err != nil {
		t.Fatal(err)
	}
	if global(inst, "last_delta") == 0 {
		t.Error("delta handler got no string")
	}
}

func TestManagedOptionalExports(t *testing.T) {
	inst := mustLoad(t, newRequest(t, "bare", testguest.Managed{ID: "bare"}.Bytes()), Options{})
	if inst.Exports.Poll != nil || inst.Exports.DeltaHandler != nil || inst.Exports.HTTPEndpoints != nil {
		t.Error("optional exports bound without guest exports")
	}
	if got := query(t, inst.Exports.Name); got != "" {
		t.Errorf("missing plugin_name = %q, want empty", got)
	}
}

func TestHTTPEndpointsRequireCapability(t *testing.T) {
	const endpoints = `[{"method":"GET","path":"/status"}]`
	tests := []struct {
		name string
		data []byte
	}{
		{"managed", testguest.Managed{ID: "web", Endpoints: endpoints}.Bytes()},
		{"rust library", testguest.RustLibrary{ID: "web", Endpoints: endpoints}.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(t, "web", tt.data)
			if inst := mustLoad(t, req, Options{}); inst.Exports.HTTPEndpoints != nil {
				t.Error("http_endpoints bound without the capability")
			}
			req.Capabilities.HTTPEndpoints = true
			inst := mustLoad(t, req, Options{})
			if inst.Exports.HTTPEndpoints == nil || query(t, inst.Exports.HTTPEndpoints) != endpoints {
				t.Error("http_endpoints not bound with the capability")
			}
		})
	}
}

func TestManagedStartTrap(t *testing.T) {
	ctx := context.Background()
	inst := mustLoad(t, newRequest(t, "trap", testguest.Managed{ID: "trap", Trap: true}.Bytes()), Options{})
	_, err := inst.Exports.Start(ctx, "{}").Wait(ctx)
	if !errors.Is(err, pherrors.ErrCall) {
		t.Fatalf("err = %v, want call error", err)
	}
	var perr *pherrors.Error
	if !errors.As(err, &perr) || perr.Function != "plugin_start" || perr.PluginID != "trap" {
		t.Errorf("err = %#v", perr)
	}
}

func TestLoadRustLibrary(t *testing.T) {
	ctx := context.Background()
	inst := mustLoad(t, newRequest(t, "rusty", testguest.RustLibrary{
		ID:         "rusty",
		Name:       "Test Plugin",
		Schema:     `{}`,
		StartCode:  0,
		Initialize: true,
		Delta:      true,
		Handlers:   []string{"resource_list_resources"},
	}.Bytes()), Options{})

	if inst.Format != pluginhost.RustLibrary {
		t.Fatalf("format = %s", inst.Format)
	}
	if global(inst, "init_count") != 1 {
		t.Error("_initialize not called once")
	}
	if got := query(t, inst.Exports.Name); got != "Test Plugin" {
		t.Errorf("name = %q", got)
	}
	if global(inst, "dealloc_count") == 0 {
		t.Error("query buffer not deallocated")
	}
	if _, err := inst.Exports.Start(ctx, `{"interval":5}`).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := config(t, inst); got != `{"interval":5}` {
		t.Errorf("config = %q", got)
	}

	if err := inst.Exports.DeltaHandler(ctx, `{"context":"vessels.self"}`); err != nil {
		t.Fatal(err)
	}
	if global(inst, "last_delta_len") != uint32(len(`{"context":"vessels.self"}`)) {
		t.Error("delta length not passed")
	}

	if !inst.HasHandler("resource_list_resources") || inst.HasHandler("resource_get_resource") {
		t.Error("HasHandler does not follow exports")
	}
	reply, err := inst.CallHandler(ctx, "resource_list_resources", `{"resourceType":"notes"}`)
	if err != nil {
		t.Fatal(err)
	}
	if reply != `{"resourceType":"notes"}` {
		t.Errorf("reply = %q", reply)
	}
	if _, err := inst.CallHandler(ctx, "resource_get_resource", "{}"); !errors.Is(err, pherrors.ErrNotFound) {
		t.Errorf("missing handler: %v", err)
	}
}

func TestRustLibrarySchemaOverrun(t *testing.T) {
	inst := mustLoad(t, newRequest(t, "overrun", testguest.RustLibrary{ID: "overrun", SchemaOverrun: true}.Bytes()), Options{})
	if _, err := inst.Exports.Schema(context.Background()); !errors.Is(err, pherrors.ErrMarshal) {
		t.Errorf("err = %v, want marshal error", err)
	}
}

func TestRustLibraryVoidQuery(t *testing.T) {
	inst := mustLoad(t, newRequest(t, "void", testguest.RustLibrary{ID: "void", VoidName: true}.Bytes()), Options{})
	_, err := inst.Exports.Name(context.Background())
	if !errors.Is(err, pherrors.ErrMarshal) {
		t.Fatalf("err = %v, want marshal error", err)
	}
	if got := query(t, inst.Exports.ID); got != "void" {
		t.Errorf("id after failed query = %q", got)
	}
}

func TestEventHandler(t *testing.T) {
	const ev = `{"type":"VESSEL_INFO","data":null,"timestamp":1}`
	tests := []struct {
		name string
		wasm []byte
		arg  func(*Instance) bool
	}{
		{"managed", testguest.Managed{ID: "ev", Events: true}.Bytes(),
			func(inst *Instance) bool { return global(inst, "last_event") != 0 }},
		{"rust library", testguest.RustLibrary{ID: "ev", Events: true}.Bytes(),
			func(inst *Instance) bool { return global(inst, "last_event_len") == uint32(len(ev)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := mustLoad(t, newRequest(t, "ev", tt.wasm), Options{})
			if inst.Exports.EventHandler == nil {
				t.Fatal("event_handler not bound")
			}
			if err := inst.Exports.EventHandler(context.Background(), ev); err != nil {
				t.Fatal(err)
			}
			if got := global(inst, "event_count"); got != 1 {
				t.Errorf("event_count = %d", got)
			}
			if !tt.arg(inst) {
				t.Error("event not passed to the guest")
			}
		})
	}

	inst := mustLoad(t, newRequest(t, "quiet", testguest.Managed{ID: "quiet"}.Bytes()), Options{})
	if inst.Exports.EventHandler != nil {
		t.Error("event_handler bound without the export")
	}
}

func TestLoadRustCommand(t *testing.T) {
	ctx := context.Background()
	inst := mustLoad(t, newRequest(t, "events", testguest.RustCommand{
		ID:     "events",
		Name:   "Event Logger",
		Schema: `{"type":"object"}`,
		Poll:   true,
	}.Bytes()), Options{})

	if inst.Format != pluginhost.RustCommand {
		t.Fatalf("format = %s", inst.Format)
	}
	if got := query(t, inst.Exports.Name); got != "Event Logger" {
		t.Errorf("name = %q", got)
	}
	if got := query(t, inst.Exports.Schema); got != `{"type":"object"}` {
		t.Errorf("schema = %q", got)
	}
	if _, err := inst.Exports.Start(ctx, `{"a":true}`).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := config(t, inst); got != `{"a":true}` {
		t.Errorf("config = %q", got)
	}
	if _, err := inst.Exports.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := global(inst, "start_entry_count"); n != 1 {
		t.Errorf("_start ran %d times, want 1", n)
	}
}

func TestLoadUnrecognized(t *testing.T) {
	_, err := Load(context.Background(), newRequest(t, "mystery", testguest.Unrecognized()), Options{})
	if !errors.Is(err, pherrors.ErrABI) {
		t.Fatalf("err = %v, want abi error", err)
	}
	var perr *pherrors.Error
	if !errors.As(err, &perr) || perr.PluginID != "mystery" {
		t.Errorf("error does not name the plugin: %v", err)
	}
}

func TestUngrantedImport(t *testing.T) {
	req := newRequest(t, "no-net", testguest.ImportsFetch())
	_, err := Load(context.Background(), req, Options{})
	if !errors.Is(err, pherrors.ErrLoad) {
		t.Fatalf("err = %v, want load error", err)
	}
	var missing *pherrors.MissingImportsError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want missing imports", err)
	}
	if !errors.Is(err, pherrors.ErrCapability) {
		t.Errorf("err = %v, want capability error", err)
	}
	if !strings.Contains(err.Error(), "sk_fetch") {
		t.Errorf("error does not name the withheld import: %v", err)
	}

	req.Capabilities.Network = true
	mustLoad(t, req, Options{})
}

func TestFormatHint(t *testing.T) {
	data := testguest.Managed{ID: "hinted"}.Bytes()
	req := newRequest(t, "hinted", data)
	req.Format = "assemblyscript"
	if inst := mustLoad(t, req, Options{}); inst.Format != pluginhost.Managed {
		t.Errorf("format = %s", inst.Format)
	}

	req.Format = "cobol"
	if _, err := Load(context.Background(), req, Options{}); err == nil {
		t.Error("unknown hint accepted")
	}
	req.Format = "component"
	if _, err := Load(context.Background(), req, Options{}); !errors.Is(err, pherrors.ErrLoad) {
		t.Errorf("component without converter: %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"no id", Request{WasmPath: "p.wasm", SandboxRoot: "/tmp/x"}, "PluginID"},
		{"no path", Request{PluginID: "p", SandboxRoot: "/tmp/x"}, "WasmPath"},
		{"no sandbox", Request{PluginID: "p", WasmPath: "p.wasm"}, "SandboxRoot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Select(context.Background(), tt.req, Options{})
			var perr *pherrors.Error
			if !errors.As(err, &perr) || perr.Kind != pherrors.KindInvalidInput {
				t.Fatalf("Select = %v, want invalid input", err)
			}
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) || verrs[0].Field() != tt.field {
				t.Errorf("validation cause = %v, want field %s", perr.Cause, tt.field)
			}
		})
	}
}

func TestSuspendedStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fetcher := &gatedFetcher{release: make(chan struct{}), body: "hello world"}
	req := newRequest(t, "fetcher", testguest.Managed{ID: "fetcher", Fetch: true, FetchURL: "http://example.test/data"}.Bytes())
	req.Capabilities.Network = true
	req.Fetcher = fetcher
	inst := mustLoad(t, req, Options{})
	if !inst.Suspendable() {
		t.Fatal("asyncify guest not suspendable")
	}

	fut := inst.Exports.Start(ctx, "{}")
	select {
	case <-fut.Done():
		t.Fatal("start resolved while the fetch was pending")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := inst.Exports.Start(ctx, "{}").Wait(ctx)
	if !errors.Is(err, pherrors.ErrCall) {
		t.Errorf("second start: %v, want call error", err)
	}

	close(fetcher.release)
	code, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if code != int32(len("hello world")) {
		t.Errorf("start = %d, want body length", code)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("fetched %d times", fetcher.calls.Load())
	}
}

func TestStopCancelsSuspendedStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fetcher := &gatedFetcher{release: make(chan struct{})}
	req := newRequest(t, "stopper", testguest.Managed{ID: "stopper", Fetch: true, FetchURL: "http://example.test"}.Bytes())
	req.Capabilities.Network = true
	req.Fetcher = fetcher
	inst := mustLoad(t, req, Options{})

	fut := inst.Exports.Start(ctx, "{}")
	if _, err := inst.Exports.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := fut.Wait(ctx); !errors.Is(err, pherrors.ErrCanceled) {
		t.Errorf("start after stop: %v, want canceled", err)
	}
	if global(inst, "stop_count") != 1 {
		t.Error("plugin_stop not called")
	}

	// A fresh start is accepted once the old one is abandoned.
	fut = inst.Exports.Start(ctx, "{}")
	close(fetcher.release)
	if _, err := fut.Wait(ctx); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestEnvAdapterMatchesFormat(t *testing.T) {
	converted := testguest.Converted{Interface: "signalk:plugin/plugin@1.0.0", ID: "a"}.Bytes()
	tests := []struct {
		name string
		req  func(t *testing.T) Request
		want abi.Adapter
	}{
		{"managed", func(t *testing.T) Request {
			return newRequest(t, "a", testguest.Managed{ID: "a"}.Bytes())
		}, (*abi.Managed)(nil)},
		{"rust library", func(t *testing.T) Request {
			return newRequest(t, "a", testguest.RustLibrary{ID: "a"}.Bytes())
		}, (*abi.Buffer)(nil)},
		{"rust command", func(t *testing.T) Request {
			return newRequest(t, "a", testguest.RustCommand{ID: "a"}.Bytes())
		}, (*abi.Packed)(nil)},
		{"component", func(t *testing.T) Request {
			return artifactRequest(t, "a", artifact(t, converted, ""))
		}, (*abi.Canonical)(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := mustLoad(t, tt.req(t), Options{})
			got := inst.Env().Adapter()
			if reflect.TypeOf(got) != reflect.TypeOf(tt.want) {
				t.Errorf("adapter = %T, want %T", got, tt.want)
			}
		})
	}
}

func TestStopTwice(t *testing.T) {
	converted := testguest.Converted{Interface: "signalk:plugin/plugin@1.0.0", ID: "twice"}.Bytes()
	tests := []struct {
		name string
		req  func(t *testing.T) Request
		code int32
	}{
		{"managed", func(t *testing.T) Request {
			return newRequest(t, "twice", testguest.Managed{ID: "twice", StopCode: 3}.Bytes())
		}, 3},
		{"rust library", func(t *testing.T) Request {
			return newRequest(t, "twice", testguest.RustLibrary{ID: "twice", StopCode: 2}.Bytes())
		}, 2},
		{"rust command", func(t *testing.T) Request {
			return newRequest(t, "twice", testguest.RustCommand{ID: "twice"}.Bytes())
		}, 0},
		{"component", func(t *testing.T) Request {
			return artifactRequest(t, "twice", artifact(t, converted, ""))
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			inst := mustLoad(t, tt.req(t), Options{})
			for i := 1; i <= 2; i++ {
				code, err := inst.Exports.Stop(ctx)
				if err != nil {
					t.Fatalf("stop #%d: %v", i, err)
				}
				if code != tt.code {
					t.Errorf("stop #%d = %d, want %d", i, code, tt.code)
				}
			}
			if got := global(inst, "stop_count"); got != 2 {
				t.Errorf("stop export called %d times, want 2", got)
			}
		})
	}
}

func TestClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fetcher := &gatedFetcher{release: make(chan struct{})}
	req := newRequest(t, "closer", testguest.Managed{ID: "closer", Fetch: true, FetchURL: "http://example.test"}.Bytes())
	req.Capabilities.Network = true
	req.Fetcher = fetcher
	inst, err := Load(ctx, req, Options{})
	if err != nil {
		t.Fatal(err)
	}

	fut := inst.Exports.Start(ctx, "{}")
	if err := inst.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := fut.Wait(ctx); !errors.Is(err, pherrors.ErrCanceled) {
		t.Errorf("pending start: %v, want canceled", err)
	}
	if err := inst.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
	if !inst.Closed() {
		t.Error("Closed = false")
	}
	if _, err := inst.Exports.ID(ctx); !errors.Is(err, pherrors.ErrCanceled) {
		t.Errorf("call after close: %v", err)
	}
	if _, err := inst.Exports.Start(ctx, "{}").Wait(ctx); !errors.Is(err, pherrors.ErrCanceled) {
		t.Errorf("start after close: %v", err)
	}
}

func TestSandboxCreated(t *testing.T) {
	req := newRequest(t, "sandboxed", testguest.Managed{ID: "sandboxed"}.Bytes())
	inst := mustLoad(t, req, Options{})
	if fi, err := os.Stat(req.SandboxRoot); err != nil || !fi.IsDir() {
		t.Fatalf("sandbox root not created: %v", err)
	}
	if inst.SandboxRoot != req.SandboxRoot || inst.PluginID() != "sandboxed" {
		t.Errorf("instance = %+v", inst)
	}
}
