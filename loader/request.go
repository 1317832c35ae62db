package loader

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/detect"
	"github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/events"
	"github.com/wippyai/wasm-plugin-host/hostapi"
	"github.com/wippyai/wasm-plugin-host/providers"
)

var validate = validator.New()

// Request describes one plugin to load.
type Request struct {
	PluginID     string `validate:"required"`
	WasmPath     string `validate:"required"`
	SandboxRoot  string `validate:"required"`
	Capabilities pluginhost.Capabilities
	// Format is an optional hint accepted by pluginhost.ParseFormat. Empty or
	// "auto" detects the format from the file.
	Format string

	Host       hostapi.Host          `validate:"-"`
	Fetcher    hostapi.Fetcher       `validate:"-"`
	Registries *providers.Registries `validate:"-"`
	Events     *events.Router        `validate:"-"`
}

func (r Request) validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "invalid load request")
	}
	return nil
}

// Options are shared by every strategy.
type Options struct {
	// CacheDir holds converted component artifacts.
	CacheDir string
	// Converter turns component binaries into core module artifacts.
	Converter Converter
	// MemoryLimitPages caps guest memory; zero keeps the wazero default.
	MemoryLimitPages uint32
	// CompilationCache is shared by all instance runtimes when set.
	CompilationCache wazero.CompilationCache
	// AsyncifyStackSize overrides the unwind stack of managed guests.
	AsyncifyStackSize uint32
}

// Strategy instantiates one family of plugin binaries.
type Strategy interface {
	Format() pluginhost.Format
	Load(ctx context.Context, req Request) (*Instance, error)
}

// Select resolves the request's format once and returns the strategy for it.
func Select(ctx context.Context, req Request, opts Options) (Strategy, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	f, ok := pluginhost.ParseFormat(req.Format)
	if !ok {
		if req.Format != "" && req.Format != "auto" {
			return nil, errors.InvalidInput(errors.PhaseLoad, "unknown format hint "+req.Format)
		}
		var err error
		f, err = detect.DetectPath(ctx, req.PluginID, req.WasmPath)
		if err != nil {
			return nil, err
		}
	}

	switch f.Sub {
	case pluginhost.SubManaged, pluginhost.SubRustLibrary, pluginhost.SubRustCommand:
		return &Standard{format: f, opts: opts}, nil
	case pluginhost.SubRaw:
		if opts.Converter == nil {
			return nil, errors.Load(req.PluginID, "component binary but no converter configured", nil)
		}
		if opts.CacheDir == "" {
			return nil, errors.Load(req.PluginID, "component binary but no cache directory configured", nil)
		}
		return &Component{opts: opts}, nil
	case pluginhost.SubConverted:
		return &Precompiled{opts: opts}, nil
	}
	return nil, errors.ABI(req.PluginID, "no loader for format "+f.String())
}

// Load selects a strategy for req and runs it.
func Load(ctx context.Context, req Request, opts Options) (*Instance, error) {
	s, err := Select(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	inst, err := s.Load(ctx, req)
	if err != nil {
		Logger().Warn("plugin load failed",
			zap.String("plugin", req.PluginID),
			zap.Stringer("format", s.Format()),
			zap.Error(err))
		return nil, err
	}
	if req.Registries != nil {
		n := req.Registries.Bind(req.PluginID, inst)
		Logger().Debug("provider bindings updated", zap.String("plugin", req.PluginID), zap.Int("bindings", n))
	}
	Logger().Info("plugin loaded",
		zap.String("plugin", req.PluginID),
		zap.Stringer("instance", inst.ID),
		zap.Stringer("format", inst.Format),
		zap.Duration("elapsed", time.Since(start)))
	return inst, nil
}
