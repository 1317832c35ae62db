package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/abi"
	"github.com/wippyai/wasm-plugin-host/detect"
	"github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/hostapi"
)

const (
	// ManifestFile optionally sits next to core.wasm in an artifact directory.
	ManifestFile = "manifest.json"
	// HostAPIVersion is matched against a manifest's host constraint.
	HostAPIVersion = "1.0.0"

	apiModulePrefix = "signalk:plugin/signalk-api"
)

// Manifest describes a converted component artifact.
type Manifest struct {
	// API is the host interface the component was built against.
	API string `json:"api,omitempty"`
	// Interface is the export interface, tried before the defaults.
	Interface string `json:"interface,omitempty"`
	// Exports maps logical function names (plugin-id) to core exports.
	Exports map[string]string `json:"exports,omitempty"`
	// Host is a semver constraint on HostAPIVersion.
	Host string `json:"host,omitempty"`
}

// ReadManifest loads dir/manifest.json. A missing file is an empty manifest.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.Marshal(errors.PhaseDecode, ManifestFile, err)
	}
	return m, nil
}

func (m Manifest) checkHost() error {
	if m.Host == "" {
		return nil
	}
	c, err := semver.NewConstraint(m.Host)
	if err != nil {
		return errors.InvalidInput(errors.PhaseLoad, "manifest host constraint "+m.Host+": "+err.Error())
	}
	if !c.Check(semver.MustParse(HostAPIVersion)) {
		return errors.InvalidInput(errors.PhaseLoad, "component requires host "+m.Host+", have "+HostAPIVersion)
	}
	return nil
}

// exportInterfaces are searched in order for a logical function; an empty
// key means the bare export name.
var exportInterfaces = []string{
	"signalk:plugin/plugin@1.0.0",
	"signalk:plugin/plugin",
	"plugin",
	"",
}

// componentFunc is one logical plugin function and its WIT signature.
type componentFunc struct {
	kebab   string
	camel   string
	params  []wit.Type
	results []wit.Type
}

var (
	witString = []wit.Type{wit.String{}}
	witS32    = []wit.Type{wit.S32{}}
)

var (
	fnID            = componentFunc{kebab: "plugin-id", camel: "pluginId", results: witString}
	fnName          = componentFunc{kebab: "plugin-name", camel: "pluginName", results: witString}
	fnSchema        = componentFunc{kebab: "plugin-schema", camel: "pluginSchema", results: witString}
	fnStart         = componentFunc{kebab: "plugin-start", camel: "pluginStart", params: witString, results: witS32}
	fnStop          = componentFunc{kebab: "plugin-stop", camel: "pluginStop", results: witS32}
	fnHTTPEndpoints = componentFunc{kebab: "http-endpoints", camel: "httpEndpoints", results: witString}
	fnPoll          = componentFunc{kebab: "poll", camel: "poll", results: witS32}
	fnDelta         = componentFunc{kebab: "delta-handler", camel: "deltaHandler", params: witString}
	fnEvent         = componentFunc{kebab: "event-handler", camel: "eventHandler", params: witString}
)

// resolve finds the core export serving f, or "" when there is none.
func (m Manifest) resolve(mod api.Module, f componentFunc) string {
	if name, ok := m.Exports[f.kebab]; ok && mod.ExportedFunction(name) != nil {
		return name
	}
	ifaces := exportInterfaces
	if m.Interface != "" {
		ifaces = append([]string{m.Interface}, exportInterfaces...)
	}
	for _, iface := range ifaces {
		for _, n := range []string{f.kebab, f.camel} {
			if iface != "" {
				n = iface + "#" + n
			}
			if mod.ExportedFunction(n) != nil {
				return n
			}
		}
	}
	return ""
}

// Precompiled loads the core module of an already converted component.
type Precompiled struct {
	opts Options
}

// NewPrecompiled returns the strategy for converted artifact directories.
func NewPrecompiled(opts Options) *Precompiled {
	return &Precompiled{opts: opts}
}

func (p *Precompiled) Format() pluginhost.Format { return pluginhost.Converted }

// Load instantiates req.WasmPath, an artifact directory or its core.wasm.
func (p *Precompiled) Load(ctx context.Context, req Request) (*Instance, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	dir := req.WasmPath
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		dir = filepath.Dir(dir)
	}
	return p.load(ctx, req, dir, pluginhost.Converted)
}

func (p *Precompiled) load(ctx context.Context, req Request, dir string, f pluginhost.Format) (*Instance, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, errors.Load(req.PluginID, "read manifest", err)
	}
	if err := m.checkHost(); err != nil {
		return nil, errors.Load(req.PluginID, "incompatible component", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, detect.CoreFile))
	if err != nil {
		return nil, errors.Load(req.PluginID, "read "+detect.CoreFile, err)
	}

	sb, err := newSandbox(ctx, req, p.opts)
	if err != nil {
		return nil, err
	}
	inst := newInstance(req, f, sb)
	if err := p.instantiate(ctx, req, inst, m, data); err != nil {
		inst.cancel()
		sb.close(ctx)
		return nil, err
	}
	return inst, nil
}

func (p *Precompiled) instantiate(ctx context.Context, req Request, inst *Instance, m Manifest, data []byte) error {
	rt := inst.sandbox.rt
	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return errors.Load(req.PluginID, "compile core module", err)
	}

	env := hostapi.NewEnv(hostapi.Config{
		PluginID:     req.PluginID,
		Capabilities: req.Capabilities,
		Host:         req.Host,
		Fetcher:      req.Fetcher,
		Registries:   req.Registries,
		Events:       req.Events,
	})
	prov := provided{}
	prov.add(WASIModule, inst.sandbox.wasi)
	for _, name := range importModules(compiled) {
		if _, ok := prov[name]; ok {
			continue
		}
		mod, err := resolveImport(ctx, inst, env, name)
		if err != nil {
			compiled.Close(ctx)
			return err
		}
		prov.add(name, mod)
		if strings.HasPrefix(name, apiModulePrefix) {
			prov.deny(name, env.Denied(hostapi.NamingKebab))
		}
	}
	if err := prov.check(ctx, req.PluginID, compiled); err != nil {
		return err
	}

	mod, err := instantiate(ctx, req.PluginID, inst.sandbox, compiled)
	if err != nil {
		return err
	}
	inst.compiled, inst.mod, inst.env = compiled, mod, env
	env.SetTarget(inst)
	bindComponent(inst, m)
	return nil
}

// resolveImport serves the host API under any version of its interface name.
// Other modules get an empty stand-in so their imports are reported missing.
func resolveImport(ctx context.Context, inst *Instance, env *hostapi.Env, name string) (api.Module, error) {
	if strings.HasPrefix(name, apiModulePrefix) {
		return env.Instantiate(ctx, inst.sandbox.rt, name, hostapi.NamingKebab)
	}
	Logger().Debug("stubbing unknown import module", zapPlugin(inst), zap.String("module", name))
	mod, err := inst.sandbox.rt.NewHostModuleBuilder(name).Instantiate(ctx)
	if err != nil {
		return nil, errors.Load(inst.pluginID, "stub import module "+name, err)
	}
	return mod, nil
}

func bindComponent(inst *Instance, m Manifest) {
	c := abi.NewCanonical(inst.mod)
	inst.env.SetAdapter(c)
	inst.handle = componentHandler(c)

	e := &inst.Exports
	e.ID = componentQuery(inst, c, m.resolve(inst.mod, fnID), inst.pluginID)
	e.Name = componentQuery(inst, c, m.resolve(inst.mod, fnName), inst.pluginID)
	e.Schema = componentQuery(inst, c, m.resolve(inst.mod, fnSchema), "{}")
	e.Start = componentStart(inst, c, m.resolve(inst.mod, fnStart))
	stop := m.resolve(inst.mod, fnStop)
	e.Stop = func(ctx context.Context) (int32, error) {
		return componentCode(ctx, inst, c, stop, fnStop)
	}
	if name := m.resolve(inst.mod, fnHTTPEndpoints); inst.Capabilities.HTTPEndpoints && name != "" {
		e.HTTPEndpoints = componentQuery(inst, c, name, "")
	}
	if name := m.resolve(inst.mod, fnPoll); name != "" {
		e.Poll = func(ctx context.Context) (int32, error) {
			return componentCode(ctx, inst, c, name, fnPoll)
		}
	}
	e.DeltaHandler = componentJSON(inst, c, m.resolve(inst.mod, fnDelta), fnDelta)
	e.EventHandler = componentJSON(inst, c, m.resolve(inst.mod, fnEvent), fnEvent)
}

// componentQuery calls a string-returning export, answering def when the
// component does not export it.
func componentQuery(inst *Instance, c *abi.Canonical, name, def string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if name == "" {
			return def, nil
		}
		var out string
		err := inst.invoke(name, func() error {
			v, err := c.Invoke(ctx, name, nil, witString)
			if err != nil {
				return err
			}
			out, _ = v.(string)
			return nil
		})
		return out, err
	}
}

func componentCode(ctx context.Context, inst *Instance, c *abi.Canonical, name string, f componentFunc) (int32, error) {
	if name == "" {
		return 0, nil
	}
	var code int32
	err := inst.invoke(name, func() error {
		v, err := c.Invoke(ctx, name, f.params, f.results)
		code, _ = v.(int32)
		return err
	})
	return code, err
}

// componentJSON passes a JSON document to a string-taking export. Nil when
// there is none.
func componentJSON(inst *Instance, c *abi.Canonical, name string, f componentFunc) func(ctx context.Context, doc string) error {
	if name == "" {
		return nil
	}
	return func(ctx context.Context, doc string) error {
		return inst.invoke(name, func() error {
			_, err := c.Invoke(ctx, name, f.params, f.results, doc)
			return err
		})
	}
}

// componentStart runs synchronously; converted components cannot suspend.
func componentStart(inst *Instance, c *abi.Canonical, name string) func(ctx context.Context, config string) *pluginhost.Future {
	return func(ctx context.Context, config string) *pluginhost.Future {
		if name == "" {
			return pluginhost.Resolved(0, nil)
		}
		var code int32
		err := inst.invoke(name, func() error {
			v, err := c.Invoke(ctx, name, fnStart.params, fnStart.results, config)
			code, _ = v.(int32)
			return err
		})
		return pluginhost.Resolved(code, err)
	}
}

// componentHandler calls (request: string) -> string handlers, or
// () -> string for exports without parameters.
func componentHandler(c *abi.Canonical) handlerFunc {
	return func(ctx context.Context, fn api.Function, request string) (string, error) {
		names := fn.Definition().ExportNames()
		if len(names) == 0 {
			return "", errors.NotFound(errors.PhaseRuntime, "handler export", fn.Definition().Name())
		}
		var (
			v   any
			err error
		)
		if len(fn.Definition().ParamTypes()) == 2 {
			v, err = c.Invoke(ctx, names[0], witString, witString, request)
		} else {
			v, err = c.Invoke(ctx, names[0], nil, witString)
		}
		if err != nil {
			return "", err
		}
		s, _ := v.(string)
		return s, nil
	}
}
