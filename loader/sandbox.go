package loader

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// WASIModule is the preview-1 module name guests import.
const WASIModule = wasi_snapshot_preview1.ModuleName

const (
	ebadf     = 8          // POSIX EBADF
	invalidFD = 0xFFFFFFFF // -1 as uint32
)

// sandbox is the private wazero runtime of one instance.
type sandbox struct {
	rt     wazero.Runtime
	module wazero.ModuleConfig
	wasi   api.Module
	stdout *lineWriter
	stderr *lineWriter
}

func newSandbox(ctx context.Context, req Request, opts Options) (*sandbox, error) {
	if err := os.MkdirAll(req.SandboxRoot, 0o755); err != nil {
		return nil, errors.Load(req.PluginID, "create sandbox root", err)
	}

	cfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	if opts.CompilationCache != nil {
		cfg = cfg.WithCompilationCache(opts.CompilationCache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	wasi, err := instantiateWASI(ctx, rt)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Load(req.PluginID, "instantiate WASI", err)
	}

	s := &sandbox{
		rt:     rt,
		wasi:   wasi,
		stdout: newLineWriter(req.PluginID, "stdout"),
		stderr: newLineWriter(req.PluginID, "stderr"),
	}
	s.module = wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs(req.PluginID).
		WithEnv("PLUGIN_ID", req.PluginID).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(req.SandboxRoot, "/")).
		WithStdout(s.stdout).
		WithStderr(s.stderr).
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()
	return s, nil
}

func (s *sandbox) close(ctx context.Context) error {
	s.stdout.flush()
	s.stderr.flush()
	return s.rt.Close(ctx)
}

// instantiateWASI registers preview-1 plus the three adapter functions some
// component-to-core converters leave as imports.
func instantiateWASI(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(WASIModule)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(context.Context, api.Module, []uint64) {}), nil, nil).
		Export("reset_adapter_state")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = ebadf
		}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("adapter_close_badfd")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = invalidFD
		}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("adapter_open_badfd")

	return builder.Instantiate(ctx)
}

// lineWriter forwards guest output to the logger one line at a time.
type lineWriter struct {
	pluginID string
	stream   string

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(pluginID, stream string) *lineWriter {
	return &lineWriter{pluginID: pluginID, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	fields := []zap.Field{zap.String("plugin", w.pluginID), zap.String("stream", w.stream)}
	if w.stream == "stderr" {
		Logger().Warn(string(line), fields...)
		return
	}
	Logger().Info(string(line), fields...)
}
