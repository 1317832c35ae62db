package loader

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/asyncify"
	"github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/hostapi"
)

// handlerFunc calls a provider or PUT handler export with a JSON request.
type handlerFunc func(ctx context.Context, fn api.Function, request string) (string, error)

// startCall is a plugin start whose guest call has suspended.
type startCall struct {
	future  *pluginhost.Future
	release func()
}

// Instance is one loaded plugin. Every guest call goes through the instance
// mutex; completions of suspended host calls take the same lock.
type Instance struct {
	ID           uuid.UUID
	WasmPath     string
	SandboxRoot  string
	Capabilities pluginhost.Capabilities
	Format       pluginhost.Format
	LoadedAt     time.Time

	// Exports is the uniform call surface of the plugin.
	Exports pluginhost.Exports

	pluginID string

	mu       sync.Mutex
	sandbox  *sandbox
	compiled wazero.CompiledModule
	mod      api.Module
	env      *hostapi.Env
	bridge   *asyncify.Bridge
	handle   handlerFunc
	inflight *startCall
	closed   bool

	// ctx bounds host operations started on behalf of the guest.
	ctx    context.Context
	cancel context.CancelFunc
}

func newInstance(req Request, f pluginhost.Format, sb *sandbox) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		ID:           uuid.New(),
		pluginID:     req.PluginID,
		WasmPath:     req.WasmPath,
		SandboxRoot:  req.SandboxRoot,
		Capabilities: req.Capabilities,
		Format:       f,
		LoadedAt:     time.Now(),
		sandbox:      sb,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Module returns the guest module.
func (i *Instance) Module() api.Module {
	return i.mod
}

// Env returns the host import table served to the guest.
func (i *Instance) Env() *hostapi.Env {
	return i.env
}

// Suspendable reports whether the guest can suspend on host calls.
func (i *Instance) Suspendable() bool {
	return i.bridge != nil
}

// Closed reports whether Close has run.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// invoke runs fn under the instance lock. Guest failures that are not
// already classified become call errors naming export.
func (i *Instance) invoke(export string, fn func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return i.closedError()
	}
	if err := fn(); err != nil {
		return i.wrap(export, err)
	}
	return nil
}

func (i *Instance) wrap(export string, err error) error {
	var perr *errors.Error
	if stderrors.As(err, &perr) {
		return err
	}
	return errors.Call(i.pluginID, export, 0, err)
}

// PluginID returns the id the plugin was loaded under.
func (i *Instance) PluginID() string {
	return i.pluginID
}

// HasHandler reports whether the guest exports a handler called export.
func (i *Instance) HasHandler(export string) bool {
	return i.handle != nil && i.mod.ExportedFunction(export) != nil
}

// CallHandler calls a handler export with a JSON request and returns its
// reply. An empty request is passed as no input.
func (i *Instance) CallHandler(ctx context.Context, export, request string) (string, error) {
	if i.handle == nil {
		return "", errors.New(errors.PhaseRuntime, errors.KindNotFound).
			Plugin(i.pluginID).
			Function(export).
			Detail("%s plugins do not serve handlers", i.Format).
			Build()
	}
	var reply string
	err := i.invoke(export, func() error {
		fn := i.mod.ExportedFunction(export)
		if fn == nil {
			return errors.NotFound(errors.PhaseRuntime, "handler export", export)
		}
		var err error
		reply, err = i.handle(ctx, fn, request)
		return err
	})
	return reply, err
}

// beginStart records a suspended start. Callers hold the lock.
func (i *Instance) beginStart(release func()) (*startCall, error) {
	if i.inflight != nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindCall).
			Plugin(i.pluginID).
			Detail("start already in progress").
			Build()
	}
	sc := &startCall{future: pluginhost.NewFuture(), release: release}
	i.inflight = sc
	return sc, nil
}

// finishStart resolves sc and releases its resources. Callers hold the lock.
func (i *Instance) finishStart(sc *startCall, code int32, err error) {
	if i.inflight == sc {
		i.inflight = nil
	}
	if i.bridge != nil {
		i.bridge.Unprepare()
	}
	if sc.release != nil {
		sc.release()
		sc.release = nil
	}
	sc.future.Resolve(code, err)
}

// cancelStart abandons a suspended start: the pending host operation is
// dropped and its future fails. Callers hold the lock.
func (i *Instance) cancelStart(reason string) bool {
	sc := i.inflight
	if sc == nil {
		return false
	}
	if i.bridge != nil {
		i.bridge.Cancel()
	}
	i.finishStart(sc, 0, errors.Canceled(i.pluginID, reason))
	Logger().Debug("suspended start canceled",
		zap.String("plugin", i.pluginID),
		zap.String("reason", reason))
	return true
}

// Close cancels any pending resume and tears down the sandbox. Closing twice
// is a no-op.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.cancelStart("instance closed")
	i.closed = true
	i.mu.Unlock()

	i.cancel()
	if i.env != nil {
		i.env.SetTarget(nil)
	}
	if err := i.sandbox.close(ctx); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindCall, err, "close runtime")
	}
	Logger().Debug("instance closed", zap.String("plugin", i.pluginID), zap.Stringer("instance", i.ID))
	return nil
}

func zapPlugin(i *Instance) zap.Field {
	return zap.String("plugin", i.pluginID)
}
