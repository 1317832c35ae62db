package providers

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// Target is a loaded plugin instance able to answer provider calls.
type Target interface {
	PluginID() string
	// HasHandler reports whether the guest exports the named handler.
	HasHandler(export string) bool
	// CallHandler passes a JSON request to the export and returns its JSON
	// reply. An empty request calls handlers that take no input.
	CallHandler(ctx context.Context, export, request string) (string, error)
}

// Kind is the provider family of a binding.
type Kind string

const (
	KindResource Kind = "resource"
	KindWeather  Kind = "weather"
	KindRadar    Kind = "radar"
)

// Binding forwards provider calls to whichever instance currently serves the
// plugin.
type Binding struct {
	Kind     Kind
	Key      string
	PluginID string
	// Name is the resource type for resource bindings and the provider name
	// for the others.
	Name string

	mu     sync.RWMutex
	target Target
}

func newBinding(kind Kind, key, pluginID, name string, target Target) *Binding {
	return &Binding{Kind: kind, Key: key, PluginID: pluginID, Name: name, target: target}
}

// Target returns the current instance, or nil while none is bound.
func (b *Binding) Target() Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.target
}

func (b *Binding) setTarget(t Target) {
	b.mu.Lock()
	b.target = t
	b.mu.Unlock()
}

// Call marshals request and invokes export on the bound instance. A nil
// request calls the export without input.
func (b *Binding) Call(ctx context.Context, export string, request any) (string, error) {
	t := b.Target()
	if t == nil {
		return "", errors.New(errors.PhaseRuntime, errors.KindNotFound).
			Plugin(b.PluginID).
			Function(export).
			Detail("%s provider instance not ready", b.Kind).
			Build()
	}
	var req string
	if request != nil {
		data, err := json.Marshal(request)
		if err != nil {
			return "", errors.Marshal(errors.PhaseEncode, "provider request", err)
		}
		req = string(data)
	}
	Logger().Debug("provider call",
		zap.String("plugin", b.PluginID),
		zap.String("kind", string(b.Kind)),
		zap.String("export", export))
	return t.CallHandler(ctx, export, req)
}

// decode parses a handler reply into out. An empty reply leaves out unchanged.
func (b *Binding) decode(export, reply string, out any) error {
	if reply == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(reply), out); err != nil {
		return errors.New(errors.PhaseDecode, errors.KindMarshal).
			Plugin(b.PluginID).
			Function(export).
			Cause(err).
			Detail("invalid JSON reply").
			Build()
	}
	return nil
}

func (b *Binding) callInto(ctx context.Context, export string, request, out any) error {
	reply, err := b.Call(ctx, export, request)
	if err != nil {
		return err
	}
	return b.decode(export, reply, out)
}
