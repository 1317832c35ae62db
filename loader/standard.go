package loader

import (
	"context"
	"os"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/hostapi"
)

// Standard loads flat-abi guests of one sub-format.
type Standard struct {
	format pluginhost.Format
	opts   Options
}

// NewStandard returns the strategy for a flat-abi format.
func NewStandard(f pluginhost.Format, opts Options) *Standard {
	return &Standard{format: f, opts: opts}
}

func (s *Standard) Format() pluginhost.Format { return s.format }

// Load instantiates the binary at req.WasmPath in a fresh sandbox.
func (s *Standard) Load(ctx context.Context, req Request) (*Instance, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if s.format.Kind != pluginhost.FormatFlatABI {
		return nil, errors.InvalidInput(errors.PhaseLoad, "standard loader cannot load "+s.format.String())
	}
	data, err := os.ReadFile(req.WasmPath)
	if err != nil {
		return nil, errors.Load(req.PluginID, "read plugin", err)
	}

	sb, err := newSandbox(ctx, req, s.opts)
	if err != nil {
		return nil, err
	}
	inst := newInstance(req, s.format, sb)
	if err := s.instantiate(ctx, req, inst, data); err != nil {
		inst.cancel()
		sb.close(ctx)
		return nil, err
	}
	return inst, nil
}

func (s *Standard) instantiate(ctx context.Context, req Request, inst *Instance, data []byte) error {
	env := hostapi.NewEnv(hostapi.Config{
		PluginID:       req.PluginID,
		Capabilities:   req.Capabilities,
		Host:           req.Host,
		Fetcher:        req.Fetcher,
		Registries:     req.Registries,
		Events:         req.Events,
		ManagedRuntime: s.format.Sub == pluginhost.SubManaged,
	})
	envMod, err := env.Instantiate(ctx, inst.sandbox.rt, hostapi.ModuleEnv, hostapi.NamingFlat)
	if err != nil {
		return err
	}
	p := provided{}
	p.add(WASIModule, inst.sandbox.wasi)
	p.add(hostapi.ModuleEnv, envMod)
	p.deny(hostapi.ModuleEnv, env.Denied(hostapi.NamingFlat))

	compiled, err := compile(ctx, req.PluginID, inst.sandbox.rt, data, p)
	if err != nil {
		return err
	}
	mod, err := instantiate(ctx, req.PluginID, inst.sandbox, compiled)
	if err != nil {
		return err
	}
	inst.compiled, inst.mod, inst.env = compiled, mod, env
	env.SetTarget(inst)

	switch s.format.Sub {
	case pluginhost.SubManaged:
		return bindManaged(inst, s.opts)
	case pluginhost.SubRustLibrary:
		return bindRustLibrary(ctx, inst)
	case pluginhost.SubRustCommand:
		return bindRustCommand(ctx, inst)
	}
	return errors.ABI(req.PluginID, "unsupported flat-abi sub-format "+s.format.Sub.String())
}
