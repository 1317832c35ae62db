// Package loader turns a plugin file into a running, sandboxed Instance.
//
// Select picks one Strategy from an explicit format hint or from detection:
//
//	Standard     flat-abi guests: managed, rust-library and rust-command
//	Component    component binaries, converted once and cached per plugin
//	Precompiled  converted artifact directories holding core.wasm
//
// Every strategy produces the same pluginhost.Exports surface, so callers never
// branch on the format after loading. Each instance owns a private wazero
// runtime whose WASI filesystem is rooted at the plugin's sandbox directory.
package loader
