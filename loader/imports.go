package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// provided indexes the functions host modules export, by module name. A
// false entry is a host function withheld for lack of a capability.
type provided map[string]map[string]bool

func (p provided) add(name string, mod api.Module) {
	fns := make(map[string]bool)
	for fn := range mod.ExportedFunctionDefinitions() {
		fns[fn] = true
	}
	p[name] = fns
}

func (p provided) deny(name string, fns []string) {
	m, ok := p[name]
	if !ok {
		m = make(map[string]bool)
		p[name] = m
	}
	for _, fn := range fns {
		if !m[fn] {
			m[fn] = false
		}
	}
}

// denied returns the entries of missing that name withheld host functions.
func (p provided) denied(missing []string) []string {
	var out []string
	for _, imp := range missing {
		module, name, _ := strings.Cut(imp, "#")
		if granted, listed := p[module][name]; listed && !granted {
			out = append(out, name)
		}
	}
	return out
}

// missingImports lists "module#function" for every imported function no host
// module provides. Modules outside p are left for instantiation to reject.
func (p provided) missingImports(compiled wazero.CompiledModule) []string {
	var missing []string
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		fns, ok := p[module]
		if !ok || !fns[name] {
			missing = append(missing, module+"#"+name)
		}
	}
	sort.Strings(missing)
	return missing
}

// compile compiles data and rejects it before instantiation when it imports
// host functions that are not provided, such as capability-gated imports the
// plugin was not granted.
func compile(ctx context.Context, pluginID string, rt wazero.Runtime, data []byte, p provided) (wazero.CompiledModule, error) {
	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return nil, errors.Load(pluginID, "compile module", err)
	}
	if err := p.check(ctx, pluginID, compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}

// check closes compiled and fails when any of its imports is unresolved.
func (p provided) check(ctx context.Context, pluginID string, compiled wazero.CompiledModule) error {
	missing := p.missingImports(compiled)
	if len(missing) == 0 {
		return nil
	}
	compiled.Close(ctx)
	detail := fmt.Sprintf("%d unresolved import(s)", len(missing))
	var cause error = errors.NewMissingImportsError(missing)
	if denied := p.denied(missing); len(denied) > 0 {
		cause = errors.New(errors.PhaseLoad, errors.KindCapability).
			Plugin(pluginID).
			Detail("imports need ungranted capabilities: %s", strings.Join(denied, ", ")).
			Cause(cause).
			Build()
	}
	return errors.Load(pluginID, detail, cause)
}

// importModules lists the distinct module names compiled imports functions
// from, in first-use order.
func importModules(compiled wazero.CompiledModule) []string {
	seen := make(map[string]bool)
	var names []string
	for _, def := range compiled.ImportedFunctions() {
		module, _, _ := def.Import()
		if !seen[module] {
			seen[module] = true
			names = append(names, module)
		}
	}
	return names
}

func instantiate(ctx context.Context, pluginID string, sb *sandbox, compiled wazero.CompiledModule) (api.Module, error) {
	mod, err := sb.rt.InstantiateModule(ctx, compiled, sb.module)
	if err != nil {
		return nil, errors.Load(pluginID, "instantiate module", err)
	}
	return mod, nil
}
