package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/wasm-plugin-host/abi"
	"github.com/wippyai/wasm-plugin-host/asyncify"
	"github.com/wippyai/wasm-plugin-host/config"
	"github.com/wippyai/wasm-plugin-host/detect"
	"github.com/wippyai/wasm-plugin-host/events"
	"github.com/wippyai/wasm-plugin-host/hostapi"
	"github.com/wippyai/wasm-plugin-host/loader"
	"github.com/wippyai/wasm-plugin-host/providers"
	"github.com/wippyai/wasm-plugin-host/runtime"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configFile  = flag.String("config", "plugins.yaml", "Path to host configuration file")
		schema      = flag.Bool("schema", false, "Print the configuration JSON Schema and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		headless    = flag.Bool("headless", false, "Never start the TUI, even on a terminal")
		logLevel    = flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *schema {
		out, err := config.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(append(out, '\n'))
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Usage: pluginhost -config <plugins.yaml> [-i | -headless] [-log-level level]")
		fmt.Fprintln(os.Stderr, "       pluginhost -schema")
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	tui := *interactive || (!*headless && term.IsTerminal(int(os.Stdout.Fd())))
	if err := run(cfg, *configFile, tui); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Host, configFile string, tui bool) error {
	// The TUI owns the terminal, so logs go to a file next to the sandboxes.
	var logPath string
	if tui {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
		logPath = filepath.Join(cfg.DataDir, "pluginhost.log")
	}
	log, err := newLogger(cfg.Log, logPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	setLoggers(log)

	host := newStatusHost(log)
	m := runtime.New(cfg.Runtime(),
		runtime.WithLogger(log.Named("runtime")),
		runtime.WithHost(host),
		runtime.WithFetcher(hostapi.NewHTTPFetcher(hostapi.WithFetchTimeout(cfg.Fetch.Timeout))),
		runtime.WithConverter(cfg.NewConverter()),
	)

	ctx := context.Background()
	if cfg.Enabled {
		startAll(ctx, m, cfg, log)
	} else {
		log.Warn("plugins disabled by configuration")
	}

	if tui {
		err = runInteractive(m, cfg, configFile, host)
	} else {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if serr := m.Shutdown(sctx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// startAll loads and starts every enabled plugin. A plugin that fails is
// logged and skipped.
func startAll(ctx context.Context, m *runtime.Manager, cfg *config.Host, log *zap.Logger) {
	for _, p := range cfg.Plugins {
		if p.Disabled {
			log.Info("plugin disabled", zap.String("plugin", p.ID))
			continue
		}
		if err := startPlugin(ctx, m, p); err != nil {
			log.Error("plugin failed", zap.String("plugin", p.ID), zap.Error(err))
		}
	}
}

func startPlugin(ctx context.Context, m *runtime.Manager, p config.Plugin) error {
	if !m.IsLoaded(p.ID) {
		if _, err := m.Load(ctx, p.Request()); err != nil {
			return err
		}
	}
	configJSON, err := p.ConfigJSON()
	if err != nil {
		return err
	}
	return m.Start(ctx, p.ID, configJSON)
}

func newLogger(c config.Log, output string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if output != "" {
		zc.OutputPaths = []string{output}
		zc.ErrorOutputPaths = []string{output}
	}
	return zc.Build()
}

func setLoggers(log *zap.Logger) {
	abi.SetLogger(log.Named("abi"))
	asyncify.SetLogger(log.Named("asyncify"))
	detect.SetLogger(log.Named("detect"))
	events.SetLogger(log.Named("events"))
	hostapi.SetLogger(log.Named("hostapi"))
	loader.SetLogger(log.Named("loader"))
	providers.SetLogger(log.Named("providers"))
	runtime.SetLogger(log.Named("runtime"))
}
