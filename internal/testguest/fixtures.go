package testguest

import (
	"github.com/wippyai/wasm-plugin-host/internal/wasmbin"
)

// Managed describes a garbage-collected guest.
type Managed struct {
	ID        string // plugin_id is exported only when set
	Name      string
	Schema    string
	StartCode int32
	StopCode  int32
	OnStart   []Call

	// Fetch makes plugin_start call sk_fetch(FetchURL) once, suspending through
	// the asyncify exports. The final result is the response body length.
	Fetch    bool
	FetchURL string
	// DoubleFetch calls sk_fetch twice in a row without honouring the unwind.
	DoubleFetch bool
	// Asyncify exports the asyncify control functions even without Fetch.
	Asyncify bool

	Poll      bool
	Delta     bool
	Endpoints string
	Handlers  []string // echo handlers taking and returning a String
	Trap      bool     // plugin_start executes unreachable
	// Events exports event_handler, keeping the last event String in
	// "last_event" and counting calls in "event_count".
	Events bool
}

// Bytes assembles the guest.
func (o Managed) Bytes() []byte {
	g := newGuest()

	g.declareCalls(o.OnStart)
	var fetch uint32
	if o.Fetch || o.DoubleFetch {
		fetch = g.m.ImportFunc("env", "sk_fetch", wasmbin.I32s(4), wasmbin.I32)
	}

	g.base()
	g.managedRuntime()

	var state uint32
	if o.Fetch || o.DoubleFetch || o.Asyncify {
		state = g.asyncifyExports()
	}

	if o.ID != "" {
		ptr := g.managedString(o.ID)
		g.m.ExportFunc("plugin_id", nil, wasmbin.I32, nil, wasmbin.I32Const(int32(ptr)))
	}
	if o.Name != "" {
		ptr := g.managedString(o.Name)
		g.m.ExportFunc("plugin_name", nil, wasmbin.I32, nil, wasmbin.I32Const(int32(ptr)))
	}
	if o.Schema != "" {
		ptr := g.managedString(o.Schema)
		g.m.ExportFunc("plugin_schema", nil, wasmbin.I32, nil, wasmbin.I32Const(int32(ptr)))
	}

	record := g.recordConfig()
	calls := g.callCode(o.OnStart)
	starts := g.counter("start_count")
	urlOff, urlLen := g.utf8(o.FetchURL)
	fetchArgs := wasmbin.Code(
		wasmbin.I32Const(int32(urlOff)), wasmbin.I32Const(int32(urlLen)),
		wasmbin.I32Const(int32(FetchBuf)), wasmbin.I32Const(int32(FetchBufSz)),
		wasmbin.Call(fetch),
	)

	switch {
	case o.Trap:
		g.m.ExportFunc("plugin_start", wasmbin.I32s(2), wasmbin.I32, nil, wasmbin.Unreachable)
	case o.DoubleFetch:
		g.m.ExportFunc("plugin_start", wasmbin.I32s(2), wasmbin.I32, nil,
			starts, record,
			fetchArgs, wasmbin.Drop,
			fetchArgs, wasmbin.Drop,
			wasmbin.I32Const(o.StartCode),
		)
	case o.Fetch:
		g.m.ExportFunc("plugin_start", wasmbin.I32s(2), wasmbin.I32, wasmbin.I32,
			starts, record, calls,
			fetchArgs, wasmbin.LocalSet(2),
			wasmbin.GlobalGet(state), wasmbin.I32Const(1), wasmbin.I32Eq,
			wasmbin.If(wasmbin.BlockEmpty),
			wasmbin.I32Const(0), wasmbin.Return,
			wasmbin.End,
			wasmbin.LocalGet(2),
		)
	default:
		g.m.ExportFunc("plugin_start", wasmbin.I32s(2), wasmbin.I32, nil,
			starts, record, calls,
			wasmbin.I32Const(o.StartCode),
		)
	}

	stops := g.counter("stop_count")
	g.m.ExportFunc("plugin_stop", nil, wasmbin.I32, nil, stops, wasmbin.I32Const(o.StopCode))

	if o.Poll {
		polls := g.counter("poll_count")
		g.m.ExportFunc("poll", nil, wasmbin.I32, nil, polls, wasmbin.I32Const(0))
	}
	if o.Delta {
		last := g.exportedGlobal("last_delta")
		g.m.ExportFunc("delta_handler", wasmbin.I32, nil, nil, wasmbin.LocalGet(0), wasmbin.GlobalSet(last))
	}
	if o.Endpoints != "" {
		ptr := g.managedString(o.Endpoints)
		g.m.ExportFunc("http_endpoints", nil, wasmbin.I32, nil, wasmbin.I32Const(int32(ptr)))
	}
	for _, h := range o.Handlers {
		g.m.ExportFunc(h, wasmbin.I32, wasmbin.I32, nil, wasmbin.LocalGet(0))
	}
	if o.Events {
		count := g.counter("event_count")
		last := g.exportedGlobal("last_event")
		g.m.ExportFunc("event_handler", wasmbin.I32, nil, nil, count, wasmbin.LocalGet(0), wasmbin.GlobalSet(last))
	}

	return g.m.Encode()
}

// RustLibrary describes a manually-managed guest writing into host buffers.
type RustLibrary struct {
	ID        string
	Name      string
	Schema    string
	StartCode int32
	StopCode  int32
	OnStart   []Call

	// Initialize exports _initialize, counted in "init_count".
	Initialize bool
	// SchemaOverrun makes plugin_schema report more bytes than the buffer holds.
	SchemaOverrun bool
	// VoidName declares plugin_name without a result.
	VoidName bool

	Poll      bool
	Delta     bool
	Endpoints string
	Handlers  []string // echo handlers (req, reqLen, resp, respMax) -> written
	// Events exports event_handler(ptr, len), recording the last event in
	// "last_event_ptr" and "last_event_len" and counting calls in
	// "event_count".
	Events bool
}

// Bytes assembles the guest.
func (o RustLibrary) Bytes() []byte {
	g := newGuest()
	g.declareCalls(o.OnStart)
	g.base()
	g.bumpAllocate()

	if o.Initialize {
		inits := g.counter("init_count")
		g.m.ExportFunc("_initialize", nil, nil, nil, inits)
	}

	g.bufferQuery("plugin_id", o.ID)
	if o.VoidName {
		g.m.ExportFunc("plugin_name", wasmbin.I32s(2), nil, nil)
	} else {
		g.bufferQuery("plugin_name", o.Name)
	}
	if o.SchemaOverrun {
		g.m.ExportFunc("plugin_schema", wasmbin.I32s(2), wasmbin.I32, nil,
			wasmbin.LocalGet(1), wasmbin.I32Const(1), wasmbin.I32Add)
	} else {
		g.bufferQuery("plugin_schema", o.Schema)
	}

	record := g.recordConfig()
	calls := g.callCode(o.OnStart)
	g.m.ExportFunc("plugin_start", wasmbin.I32s(2), wasmbin.I32, nil,
		record, calls, wasmbin.I32Const(o.StartCode))

	stops := g.counter("stop_count")
	g.m.ExportFunc("plugin_stop", nil, wasmbin.I32, nil, stops, wasmbin.I32Const(o.StopCode))

	if o.Poll {
		polls := g.counter("poll_count")
		g.m.ExportFunc("poll", nil, wasmbin.I32, nil, polls, wasmbin.I32Const(0))
	}
	if o.Delta {
		p := g.exportedGlobal("last_delta_ptr")
		l := g.exportedGlobal("last_delta_len")
		g.m.ExportFunc("delta_handler", wasmbin.I32s(2), nil, nil,
			wasmbin.LocalGet(0), wasmbin.GlobalSet(p),
			wasmbin.LocalGet(1), wasmbin.GlobalSet(l))
	}
	if o.Endpoints != "" {
		g.bufferQuery("http_endpoints", o.Endpoints)
	}
	for _, h := range o.Handlers {
		g.bufferEcho(h)
	}
	if o.Events {
		count := g.counter("event_count")
		p := g.exportedGlobal("last_event_ptr")
		l := g.exportedGlobal("last_event_len")
		g.m.ExportFunc("event_handler", wasmbin.I32s(2), nil, nil, count,
			wasmbin.LocalGet(0), wasmbin.GlobalSet(p),
			wasmbin.LocalGet(1), wasmbin.GlobalSet(l))
	}
	return g.m.Encode()
}

// RustCommand describes a WASI command guest with packed string results.
type RustCommand struct {
	ID        string
	Name      string
	Schema    string
	StartCode int32
	Poll      bool
}

// Bytes assembles the guest.
func (o RustCommand) Bytes() []byte {
	g := newGuest()
	g.base()
	g.bumpAllocate()

	started := g.counter("start_entry_count")
	g.m.ExportFunc("_start", nil, nil, nil, started)

	packed := func(name, s string) {
		off, n := g.utf8(s)
		g.m.ExportFunc(name, nil, wasmbin.I64, nil, wasmbin.I64Const(int64(off)<<32|int64(n)))
	}
	packed("id", o.ID)
	packed("name", o.Name)
	packed("schema", o.Schema)

	record := g.recordConfig()
	g.m.ExportFunc("start", wasmbin.I32s(2), wasmbin.I32, nil, record, wasmbin.I32Const(o.StartCode))
	stops := g.counter("stop_count")
	g.m.ExportFunc("stop", nil, wasmbin.I32, nil, stops, wasmbin.I32Const(0))
	if o.Poll {
		polls := g.counter("poll_count")
		g.m.ExportFunc("poll", nil, wasmbin.I32, nil, polls, wasmbin.I32Const(0))
	}
	return g.m.Encode()
}

// Converted describes the core module a component converter produces.
type Converted struct {
	// Interface prefixes every export as "<Interface>#<name>". Empty exports
	// bare names.
	Interface string
	// Camel uses pluginName style names instead of plugin-name.
	Camel bool

	ID        string // plugin-id is exported only when set
	Name      string
	Schema    string
	StartCode int32
	OmitStart bool
	OnStart   []Call // Module should name the API interface
}

// Bytes assembles the core module.
func (o Converted) Bytes() []byte {
	g := newGuest()
	g.declareCalls(o.OnStart)
	g.base()

	g.m.ExportFunc("cabi_realloc", wasmbin.I32s(4), wasmbin.I32, wasmbin.I32,
		wasmbin.GlobalGet(g.heap), wasmbin.LocalSet(4),
		wasmbin.GlobalGet(g.heap), wasmbin.LocalGet(3), wasmbin.I32Add, align8(), wasmbin.GlobalSet(g.heap),
		wasmbin.LocalGet(4),
	)

	name := func(kebab, camel string) string {
		n := kebab
		if o.Camel {
			n = camel
		}
		if o.Interface != "" {
			return o.Interface + "#" + n
		}
		return n
	}
	stringFn := func(export, s string) {
		off, n := g.utf8(s)
		var pair [8]byte
		pair[0], pair[1], pair[2], pair[3] = byte(off), byte(off>>8), byte(off>>16), byte(off>>24)
		pair[4], pair[5], pair[6], pair[7] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)
		ret := g.place(pair[:])
		g.m.ExportFunc(export, nil, wasmbin.I32, nil, wasmbin.I32Const(int32(ret)))
	}

	if o.ID != "" {
		stringFn(name("plugin-id", "pluginId"), o.ID)
	}
	if o.Name != "" {
		stringFn(name("plugin-name", "pluginName"), o.Name)
	}
	if o.Schema != "" {
		stringFn(name("plugin-schema", "pluginSchema"), o.Schema)
	}
	if !o.OmitStart {
		record := g.recordConfig()
		calls := g.callCode(o.OnStart)
		g.m.ExportFunc(name("plugin-start", "pluginStart"), wasmbin.I32s(2), wasmbin.I32, nil,
			record, calls, wasmbin.I32Const(o.StartCode))
		stops := g.counter("stop_count")
		g.m.ExportFunc(name("plugin-stop", "pluginStop"), nil, wasmbin.I32, nil, stops, wasmbin.I32Const(0))
	}
	return g.m.Encode()
}

// Unrecognized is a valid core module exporting nothing a loader accepts.
func Unrecognized() []byte {
	m := wasmbin.New()
	m.Memory(1)
	m.ExportFunc("foo", nil, wasmbin.I32, nil, wasmbin.I32Const(1))
	return m.Encode()
}

// ImportsFetch is a minimal managed guest that imports sk_fetch.
func ImportsFetch() []byte {
	m := wasmbin.New()
	fetch := m.ImportFunc("env", "sk_fetch", wasmbin.I32s(4), wasmbin.I32)
	m.Memory(1)
	m.ExportFunc("plugin_id", nil, wasmbin.I32, nil, wasmbin.I32Const(0))
	m.ExportFunc("plugin_start", wasmbin.I32s(2), wasmbin.I32, nil,
		wasmbin.I32Const(0), wasmbin.I32Const(0), wasmbin.I32Const(0), wasmbin.I32Const(0), wasmbin.Call(fetch))
	return m.Encode()
}
