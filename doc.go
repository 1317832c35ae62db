// Package pluginhost runs third-party WebAssembly plugins for a vessel-data server.
//
// A plugin binary is classified once, instantiated inside a wazero sandbox rooted
// at a private directory, and exposed through a uniform set of calls regardless
// of the toolchain that produced it.
//
// # Architecture Overview
//
//	pluginhost/          Root package with shared plugin types (Capabilities, Format, Exports, Future)
//	├── abi/             Per-convention string marshaling across guest linear memory
//	├── asyncify/        Unwind/rewind bridge for guests that suspend on host calls
//	├── hostapi/         Capability-filtered host import table ("env" module)
//	├── detect/          Ordered binary format classifier
//	├── loader/          Standard, component and precompiled loading strategies
//	├── providers/       Resource, weather and radar provider registries
//	├── runtime/         Plugin manager: load, start, stop, reload, poll
//	├── config/          YAML host configuration
//	├── errors/          Structured error taxonomy
//	└── cmd/pluginhost/  Command line host with an interactive mode
//
// # Quick Start
//
//	mgr := runtime.New(cfg, runtime.WithHost(host))
//	defer mgr.Shutdown(ctx)
//
//	inst, err := mgr.Load(ctx, loader.Request{
//	    PluginID:     "anchor-alarm",
//	    WasmPath:     "plugins/anchor-alarm/plugin.wasm",
//	    Capabilities: pluginhost.Capabilities{Network: true},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	code, err := mgr.Start(ctx, inst.PluginID, `{"radius":50}`)
//
// # Supported Conventions
//
//   - flat-abi/managed: garbage-collected guests (AssemblyScript style) whose
//     strings are runtime objects decoded through the guest's own layout.
//   - flat-abi/rust-library: guests exporting allocate/deallocate that write
//     UTF-8 into host-provided buffers.
//   - flat-abi/rust-command: WASI command guests started through _start whose
//     queries return a packed pointer/length pair.
//   - component: interface-described binaries converted ahead of time into a
//     core module and called through the canonical ABI.
//
// # Thread Safety
//
// Each loaded instance serializes the calls made into its guest. Different
// instances are independent and may be driven from different goroutines.
package pluginhost
