package runtime

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/events"
	"github.com/wippyai/wasm-plugin-host/hostapi"
	"github.com/wippyai/wasm-plugin-host/loader"
	"github.com/wippyai/wasm-plugin-host/providers"
)

// DefaultPollInterval is how often a running plugin's poll export is called.
const DefaultPollInterval = time.Second

// eventTimeout bounds one event_handler call.
const eventTimeout = 5 * time.Second

// Config is the manager-wide configuration.
type Config struct {
	// Enabled gates every load.
	Enabled bool
	// DataDir holds plugin-data/<id> sandbox roots.
	DataDir string
	// CacheDir holds converted components. Defaults to DataDir/component-cache.
	CacheDir          string
	MemoryLimitPages  uint32
	AsyncifyStackSize uint32
	PollInterval      time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithHost sets the host collaborators used by plugins that do not name
// their own.
func WithHost(h hostapi.Host) Option {
	return func(m *Manager) { m.host = h }
}

func WithFetcher(f hostapi.Fetcher) Option {
	return func(m *Manager) { m.fetcher = f }
}

func WithRegistries(r *providers.Registries) Option {
	return func(m *Manager) { m.registries = r }
}

// WithEvents shares an event router with the server, which routes its own
// events through it.
func WithEvents(r *events.Router) Option {
	return func(m *Manager) { m.events = r }
}

// WithConverter enables loading component binaries.
func WithConverter(c loader.Converter) Option {
	return func(m *Manager) { m.converter = c }
}

// entry is one published plugin. mu guards the lifecycle fields only; it is
// never held across a guest call.
type entry struct {
	req  loader.Request
	inst *loader.Instance

	mu       sync.Mutex
	running  bool
	starting bool
	// gen counts stops so a start that was overtaken by a stop is not
	// marked running.
	gen    int
	poll   context.CancelFunc
	polled chan struct{}
}

// Manager loads, starts and unloads plugins by id.
type Manager struct {
	cfg        Config
	log        *zap.Logger
	host       hostapi.Host
	fetcher    hostapi.Fetcher
	registries *providers.Registries
	events     *events.Router
	converter  loader.Converter

	mu      sync.RWMutex
	plugins map[string]*entry
	loading map[string]bool
}

// New returns a manager with no plugins loaded.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CacheDir == "" && cfg.DataDir != "" {
		cfg.CacheDir = filepath.Join(cfg.DataDir, "component-cache")
	}
	m := &Manager{
		cfg:     cfg,
		log:     Logger(),
		plugins: make(map[string]*entry),
		loading: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registries == nil {
		m.registries = providers.New()
	}
	if m.events == nil {
		m.events = events.NewRouter()
	}
	return m
}

// Registries returns the provider registries shared by all plugins.
func (m *Manager) Registries() *providers.Registries {
	return m.registries
}

// Events returns the event router shared by all plugins.
func (m *Manager) Events() *events.Router {
	return m.events
}

// RouteEvent delivers a server event to the plugins subscribed to it and
// returns the number of deliveries queued.
func (m *Manager) RouteEvent(ev events.Event) int {
	return m.events.Route(ev)
}

// SandboxRoot is the private directory of plugin id.
func (m *Manager) SandboxRoot(id string) string {
	return filepath.Join(m.cfg.DataDir, "plugin-data", loader.SanitizeID(id))
}

func (m *Manager) loaderOptions() loader.Options {
	return loader.Options{
		CacheDir:          m.cfg.CacheDir,
		Converter:         m.converter,
		MemoryLimitPages:  m.cfg.MemoryLimitPages,
		AsyncifyStackSize: m.cfg.AsyncifyStackSize,
	}
}

func (m *Manager) fill(req loader.Request) loader.Request {
	if req.SandboxRoot == "" && m.cfg.DataDir != "" {
		req.SandboxRoot = m.SandboxRoot(req.PluginID)
	}
	if req.Host == nil {
		req.Host = m.host
	}
	if req.Fetcher == nil {
		req.Fetcher = m.fetcher
	}
	if req.Registries == nil {
		req.Registries = m.registries
	}
	if req.Events == nil {
		req.Events = m.events
	}
	return req
}

// Load instantiates a plugin and publishes it under req.PluginID.
func (m *Manager) Load(ctx context.Context, req loader.Request) (*loader.Instance, error) {
	if !m.cfg.Enabled {
		return nil, errors.New(errors.PhaseManager, errors.KindDisabled).
			Plugin(req.PluginID).
			Detail("plugin host is disabled").
			Build()
	}
	id := req.PluginID
	m.mu.Lock()
	if _, ok := m.plugins[id]; ok || m.loading[id] {
		m.mu.Unlock()
		return nil, errors.New(errors.PhaseManager, errors.KindAlreadyLoaded).
			Plugin(id).
			Detail("plugin already loaded").
			Build()
	}
	m.loading[id] = true
	m.mu.Unlock()

	req = m.fill(req)
	inst, err := loader.Load(ctx, req, m.loaderOptions())

	m.mu.Lock()
	delete(m.loading, id)
	if err == nil {
		m.plugins[id] = &entry{req: req, inst: inst}
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.log.Info("plugin registered", zap.String("plugin", id), zap.Stringer("format", inst.Format))
	return inst, nil
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseManager, "plugin", id)
	}
	return e, nil
}

// Start validates configJSON against the plugin's schema, runs its start
// export and waits for the result. Plugins exporting poll are polled while
// running.
func (m *Manager) Start(ctx context.Context, id, configJSON string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(configJSON) == "" {
		configJSON = "{}"
	}
	e.mu.Lock()
	if e.running || e.starting {
		e.mu.Unlock()
		return errors.New(errors.PhaseManager, errors.KindCall).Plugin(id).Detail("plugin already running").Build()
	}
	e.starting = true
	gen := e.gen
	e.mu.Unlock()

	code, err := m.runStart(ctx, e, configJSON)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.starting = false
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Call(id, "start", code, nil)
	}
	if e.gen != gen {
		return errors.Canceled(id, "stopped while starting")
	}
	e.running = true
	if e.inst.Exports.Poll != nil {
		m.startPolling(e)
	}
	m.attachEvents(e)
	m.log.Info("plugin started", zap.String("plugin", id))
	return nil
}

// attachEvents routes the plugin's events to its event_handler export once
// it runs. Callers hold e.mu.
func (m *Manager) attachEvents(e *entry) {
	id := e.req.PluginID
	handler := e.inst.Exports.EventHandler
	if handler == nil {
		return
	}
	if !e.inst.Capabilities.ServerEvents {
		m.log.Debug("event_handler exported but server events not granted", zap.String("plugin", id))
		return
	}
	replayed := m.events.Attach(id, func(ev events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := handler(ctx, ev.JSON()); err != nil {
			m.log.Warn("event_handler failed",
				zap.String("plugin", id),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	})
	m.log.Debug("event subscription active", zap.String("plugin", id), zap.Int("replayed", replayed))
}

func (m *Manager) runStart(ctx context.Context, e *entry, configJSON string) (int32, error) {
	schema, err := e.inst.Exports.Schema(ctx)
	if err != nil {
		return 0, err
	}
	if err := validateConfig(e.req.PluginID, schema, configJSON); err != nil {
		return 0, err
	}
	return e.inst.Exports.Start(ctx, configJSON).Wait(ctx)
}

// validateConfig checks config against a JSON schema. An empty or "{}"
// schema accepts anything.
func validateConfig(id, schema, config string) error {
	schema = strings.TrimSpace(schema)
	if schema == "" || schema == "{}" {
		return nil
	}
	invalid := func(detail string, cause error) error {
		return errors.New(errors.PhaseManager, errors.KindInvalidInput).
			Plugin(id).
			Cause(cause).
			Detail("%s", detail).
			Build()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return invalid("plugin schema is not JSON", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plugin-schema.json", doc); err != nil {
		return invalid("plugin schema", err)
	}
	sch, err := c.Compile("plugin-schema.json")
	if err != nil {
		return invalid("compile plugin schema", err)
	}
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(config))
	if err != nil {
		return invalid("config is not JSON", err)
	}
	if err := sch.Validate(v); err != nil {
		return invalid("config does not match plugin schema", err)
	}
	return nil
}

func (m *Manager) startPolling(e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.poll, e.polled = cancel, done
	id := e.req.PluginID

	go func() {
		defer close(done)
		t := time.NewTicker(m.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			code, err := e.inst.Exports.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil || e.inst.Closed() {
					return
				}
				m.log.Warn("poll failed", zap.String("plugin", id), zap.Error(err))
				continue
			}
			if code != 0 {
				m.log.Debug("poll returned non-zero", zap.String("plugin", id), zap.Int32("code", code))
			}
		}
	}()
}

// halt marks e stopped and ends its poll loop.
func (e *entry) halt() {
	e.mu.Lock()
	e.gen++
	e.running = false
	cancel, done := e.poll, e.polled
	e.poll, e.polled = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Stop ends the poll loop and calls the plugin's stop export. Stopping a
// plugin that is not running only calls stop.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	return m.stop(ctx, e)
}

func (m *Manager) stop(ctx context.Context, e *entry) error {
	e.halt()
	id := e.req.PluginID
	m.events.Unsubscribe(id)
	code, err := e.inst.Exports.Stop(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Call(id, "stop", code, nil)
	}
	m.log.Info("plugin stopped", zap.String("plugin", id))
	return nil
}

// Running reports whether plugin id has started and not been stopped.
func (m *Manager) Running(id string) bool {
	e, err := m.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Unload stops the plugin, removes its provider registrations and closes
// the instance.
func (m *Manager) Unload(ctx context.Context, id string) error {
	e, err := m.remove(id)
	if err != nil {
		return err
	}
	if err := m.stop(ctx, e); err != nil {
		m.log.Warn("stop during unload failed", zap.String("plugin", id), zap.Error(err))
	}
	m.registries.Cleanup(id)
	m.events.StopBuffering(id)
	if err := e.inst.Close(ctx); err != nil {
		return err
	}
	m.log.Info("plugin unloaded", zap.String("plugin", id))
	return nil
}

func (m *Manager) remove(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.plugins[id]
	if !ok {
		return nil, errors.NotFound(errors.PhaseManager, "plugin", id)
	}
	delete(m.plugins, id)
	return e, nil
}

// Reload replaces the instance of id with a fresh one loaded from the same
// request. Provider bindings survive and are pointed at the new instance.
// Events for a subscribed plugin are buffered until the new instance starts.
func (m *Manager) Reload(ctx context.Context, id string) (*loader.Instance, error) {
	e, err := m.remove(id)
	if err != nil {
		return nil, err
	}
	if _, subscribed := m.events.Types(id); subscribed {
		m.events.StartBuffering(id)
	}
	if err := m.stop(ctx, e); err != nil {
		m.log.Warn("stop during reload failed", zap.String("plugin", id), zap.Error(err))
	}
	if err := e.inst.Close(ctx); err != nil {
		m.log.Warn("close during reload failed", zap.String("plugin", id), zap.Error(err))
	}
	inst, err := m.Load(ctx, e.req)
	if err != nil {
		m.registries.Cleanup(id)
		m.events.StopBuffering(id)
		return nil, err
	}
	m.log.Info("plugin reloaded", zap.String("plugin", id), zap.Stringer("instance", inst.ID))
	return inst, nil
}

// Instance returns the loaded instance of id.
func (m *Manager) Instance(id string) (*loader.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.plugins[id]
	if !ok {
		return nil, false
	}
	return e.inst, true
}

// Instances returns every loaded instance ordered by plugin id.
func (m *Manager) Instances() []*loader.Instance {
	m.mu.RLock()
	out := make([]*loader.Instance, 0, len(m.plugins))
	for _, e := range m.plugins {
		out = append(out, e.inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID() < out[j].PluginID() })
	return out
}

func (m *Manager) IsLoaded(id string) bool {
	_, ok := m.Instance(id)
	return ok
}

// DeliverDelta hands a delta to the plugin's delta_handler. It reports false
// when the plugin does not take deltas.
func (m *Manager) DeliverDelta(ctx context.Context, id, delta string) (bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return false, err
	}
	if e.inst.Exports.DeltaHandler == nil {
		return false, nil
	}
	return true, e.inst.Exports.DeltaHandler(ctx, delta)
}

// Shutdown unloads every plugin concurrently and returns the first error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return m.Unload(ctx, id)
		})
	}
	err := g.Wait()
	m.log.Info("plugin host shut down", zap.Int("plugins", len(ids)))
	return err
}
