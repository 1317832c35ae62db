// Package detect classifies plugin binaries into the conventions the loaders
// understand. Rules are applied in a fixed order and the first match wins, so
// the same bytes always produce the same format.
package detect

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/errors"
)

// CoreFile is the core module inside a converted component artifact.
const CoreFile = "core.wasm"

var magic = []byte{0x00, 0x61, 0x73, 0x6D}

// HasMagic reports whether data starts with the wasm magic number.
func HasMagic(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	for i, b := range magic {
		if data[i] != b {
			return false
		}
	}
	return true
}

// IsComponent reports whether data is a component binary. Components carry
// a version/layer word above 1 where core modules carry exactly 1.
func IsComponent(data []byte) bool {
	return HasMagic(data) && binary.LittleEndian.Uint32(data[4:8]) > 1
}

// Classify maps the export names of a core module to its sub-format.
func Classify(pluginID string, exports map[string]bool) (pluginhost.Format, error) {
	switch {
	case exports["allocate"] && exports["plugin_id"]:
		return pluginhost.RustLibrary, nil
	case exports["_start"]:
		return pluginhost.RustCommand, nil
	case exports["plugin_id"] || (exports["plugin_name"] && exports["plugin_start"]):
		return pluginhost.Managed, nil
	}
	return pluginhost.Format{}, errors.ABI(pluginID, "unrecognized plugin exports")
}

// Detect classifies a plugin binary. Core modules are compiled to read their
// exports; a compile failure is a load error.
func Detect(ctx context.Context, pluginID string, data []byte) (pluginhost.Format, error) {
	if !HasMagic(data) {
		return pluginhost.Format{}, errors.ABI(pluginID, "not a WebAssembly binary")
	}
	if IsComponent(data) {
		return pluginhost.Component, nil
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, data)
	if err != nil {
		return pluginhost.Format{}, errors.Load(pluginID, "compile for detection", err)
	}
	exports := make(map[string]bool)
	for name := range compiled.ExportedFunctions() {
		exports[name] = true
	}

	f, err := Classify(pluginID, exports)
	if err != nil {
		return f, err
	}
	Logger().Debug("format detected",
		zap.String("plugin", pluginID),
		zap.Stringer("format", f),
		zap.Int("exports", len(exports)))
	return f, nil
}

// DetectPath classifies the plugin at path. A directory holding CoreFile is
// a converted component artifact; anything else is read and passed to Detect.
func DetectPath(ctx context.Context, pluginID, path string) (pluginhost.Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return pluginhost.Format{}, errors.Load(pluginID, "stat plugin", err)
	}
	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(path, CoreFile)); err != nil {
			return pluginhost.Format{}, errors.ABI(pluginID, "directory without "+CoreFile)
		}
		return pluginhost.Converted, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pluginhost.Format{}, errors.Load(pluginID, "read plugin", err)
	}
	return Detect(ctx, pluginID, data)
}
