package providers

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// ResourceDispatcher is the server's resources API.
type ResourceDispatcher interface {
	RegisterResourceProvider(pluginID, resourceType string, p *ResourceProvider) error
	UnregisterResourceProvider(pluginID string)
}

// WeatherDispatcher is the server's weather API.
type WeatherDispatcher interface {
	RegisterWeatherProvider(pluginID, name string, p *WeatherProvider) error
	UnregisterWeatherProvider(pluginID string)
}

// RadarDispatcher is the server's radar API.
type RadarDispatcher interface {
	RegisterRadarProvider(pluginID, name string, p *RadarProvider) error
	UnregisterRadarProvider(pluginID string)
}

// Option configures Registries.
type Option func(*Registries)

func WithResourceDispatcher(d ResourceDispatcher) Option {
	return func(r *Registries) { r.resourceAPI = d }
}

func WithWeatherDispatcher(d WeatherDispatcher) Option {
	return func(r *Registries) { r.weatherAPI = d }
}

func WithRadarDispatcher(d RadarDispatcher) Option {
	return func(r *Registries) { r.radarAPI = d }
}

// Registries holds every provider binding of the host.
type Registries struct {
	resourceAPI ResourceDispatcher
	weatherAPI  WeatherDispatcher
	radarAPI    RadarDispatcher

	mu        sync.Mutex
	resources map[string]*Binding
	weather   map[string]*Binding
	radar     map[string]*Binding
	targets   map[string]Target
}

// New returns empty registries. Registration into a family without a
// dispatcher fails.
func New(opts ...Option) *Registries {
	r := &Registries{
		resources: make(map[string]*Binding),
		weather:   make(map[string]*Binding),
		radar:     make(map[string]*Binding),
		targets:   make(map[string]Target),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResourceKey is the registry key of a resource binding.
func ResourceKey(pluginID, resourceType string) string {
	return pluginID + ":" + resourceType
}

// RegisterResource records pluginID as provider of resourceType and hands the
// binding to the resources API. Registering the same pair again reuses the
// existing binding.
func (r *Registries) RegisterResource(pluginID, resourceType string) (*ResourceProvider, error) {
	if resourceType == "" {
		return nil, errors.InvalidInput(errors.PhaseHost, "empty resource type")
	}
	if r.resourceAPI == nil {
		return nil, errors.NotFound(errors.PhaseHost, "dispatcher", "resources")
	}
	b, created := r.binding(r.resources, KindResource, ResourceKey(pluginID, resourceType), pluginID, resourceType)
	p := &ResourceProvider{b: b}
	if !created {
		return p, nil
	}
	if err := r.resourceAPI.RegisterResourceProvider(pluginID, resourceType, p); err != nil {
		r.drop(r.resources, b.Key)
		return nil, errors.Wrap(errors.PhaseHost, errors.KindCall, err, "register resource provider")
	}
	Logger().Info("resource provider registered",
		zap.String("plugin", pluginID),
		zap.String("type", resourceType))
	return p, nil
}

// RegisterWeather records pluginID as a weather provider.
func (r *Registries) RegisterWeather(pluginID, name string) (*WeatherProvider, error) {
	if r.weatherAPI == nil {
		return nil, errors.NotFound(errors.PhaseHost, "dispatcher", "weather")
	}
	b, created := r.binding(r.weather, KindWeather, pluginID, pluginID, name)
	p := &WeatherProvider{b: b}
	if !created {
		return p, nil
	}
	if err := r.weatherAPI.RegisterWeatherProvider(pluginID, name, p); err != nil {
		r.drop(r.weather, b.Key)
		return nil, errors.Wrap(errors.PhaseHost, errors.KindCall, err, "register weather provider")
	}
	Logger().Info("weather provider registered", zap.String("plugin", pluginID), zap.String("name", name))
	return p, nil
}

// RegisterRadar records pluginID as a radar provider.
func (r *Registries) RegisterRadar(pluginID, name string) (*RadarProvider, error) {
	if r.radarAPI == nil {
		return nil, errors.NotFound(errors.PhaseHost, "dispatcher", "radar")
	}
	b, created := r.binding(r.radar, KindRadar, pluginID, pluginID, name)
	p := &RadarProvider{b: b}
	if !created {
		return p, nil
	}
	if err := r.radarAPI.RegisterRadarProvider(pluginID, name, p); err != nil {
		r.drop(r.radar, b.Key)
		return nil, errors.Wrap(errors.PhaseHost, errors.KindCall, err, "register radar provider")
	}
	Logger().Info("radar provider registered", zap.String("plugin", pluginID), zap.String("name", name))
	return p, nil
}

func (r *Registries) binding(m map[string]*Binding, kind Kind, key, pluginID, name string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := m[key]; ok {
		return b, false
	}
	b := newBinding(kind, key, pluginID, name, r.targets[pluginID])
	m[key] = b
	return b, true
}

func (r *Registries) drop(m map[string]*Binding, key string) {
	r.mu.Lock()
	delete(m, key)
	r.mu.Unlock()
}

// Bind makes t the target of every binding of its plugin, including bindings
// created later. It returns the number of existing bindings updated.
func (r *Registries) Bind(pluginID string, t Target) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[pluginID] = t
	n := 0
	for _, m := range []map[string]*Binding{r.resources, r.weather, r.radar} {
		for _, b := range m {
			if b.PluginID == pluginID {
				b.setTarget(t)
				n++
			}
		}
	}
	if n > 0 {
		Logger().Debug("provider bindings updated", zap.String("plugin", pluginID), zap.Int("count", n))
	}
	return n
}

// Cleanup removes every binding of pluginID and unregisters it from the
// dispatchers that held one.
func (r *Registries) Cleanup(pluginID string) {
	r.mu.Lock()
	delete(r.targets, pluginID)
	hadResource := removePlugin(r.resources, pluginID)
	hadWeather := removePlugin(r.weather, pluginID)
	hadRadar := removePlugin(r.radar, pluginID)
	r.mu.Unlock()

	if hadResource && r.resourceAPI != nil {
		r.resourceAPI.UnregisterResourceProvider(pluginID)
	}
	if hadWeather && r.weatherAPI != nil {
		r.weatherAPI.UnregisterWeatherProvider(pluginID)
	}
	if hadRadar && r.radarAPI != nil {
		r.radarAPI.UnregisterRadarProvider(pluginID)
	}
}

func removePlugin(m map[string]*Binding, pluginID string) bool {
	found := false
	for key, b := range m {
		if b.PluginID == pluginID {
			b.setTarget(nil)
			delete(m, key)
			found = true
		}
	}
	return found
}

// Resource returns the binding for pluginID and resourceType.
func (r *Registries) Resource(pluginID, resourceType string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.resources[ResourceKey(pluginID, resourceType)]
	return b, ok
}

// Weather returns the weather binding of pluginID.
func (r *Registries) Weather(pluginID string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.weather[pluginID]
	return b, ok
}

// Radar returns the radar binding of pluginID.
func (r *Registries) Radar(pluginID string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.radar[pluginID]
	return b, ok
}

// Keys lists the keys of every binding, sorted.
func (r *Registries) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, m := range []map[string]*Binding{r.resources, r.weather, r.radar} {
		for _, b := range m {
			keys = append(keys, string(b.Kind)+"/"+b.Key)
		}
	}
	sort.Strings(keys)
	return keys
}
