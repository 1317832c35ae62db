package loader

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/detect"
	"github.com/wippyai/wasm-plugin-host/errors"
)

// DigestFile records the digest of the component a cache entry was
// converted from.
const DigestFile = "source.digest"

// Converter turns a component binary into an artifact directory holding
// core.wasm and optionally manifest.json.
type Converter interface {
	Convert(ctx context.Context, pluginID, input, outputDir string) error
}

// ExecConverter runs an external tool. The {input} and {output} placeholders
// in Command are replaced by the component path and the output directory.
type ExecConverter struct {
	Command []string
}

// Convert implements Converter.
func (c ExecConverter) Convert(ctx context.Context, pluginID, input, outputDir string) error {
	if len(c.Command) == 0 {
		return errors.Load(pluginID, "converter command is empty", nil)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Load(pluginID, "create converter output", err)
	}
	r := strings.NewReplacer("{input}", input, "{output}", outputDir)
	args := make([]string, len(c.Command))
	for i, a := range c.Command {
		args[i] = r.Replace(a)
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		detail := "converter failed"
		if msg := strings.TrimSpace(string(out)); msg != "" {
			detail += ": " + msg
		}
		return errors.Load(pluginID, detail, err)
	}
	return nil
}

// SanitizeID maps a plugin id to a single path element.
func SanitizeID(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, id)
	if strings.Trim(s, ".") == "" {
		s = "_" + s
	}
	return s
}

// Component converts a component binary once per plugin and loads the
// cached artifact.
type Component struct {
	opts Options
}

// NewComponent returns the strategy for raw component binaries.
func NewComponent(opts Options) *Component {
	return &Component{opts: opts}
}

func (c *Component) Format() pluginhost.Format { return pluginhost.Component }

// Load converts req.WasmPath unless the cache already holds it.
func (c *Component) Load(ctx context.Context, req Request) (*Instance, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if c.opts.Converter == nil || c.opts.CacheDir == "" {
		return nil, errors.Load(req.PluginID, "component loading needs a converter and a cache directory", nil)
	}
	dir, err := c.ensureConverted(ctx, req)
	if err != nil {
		return nil, err
	}
	return (&Precompiled{opts: c.opts}).load(ctx, req, dir, pluginhost.Component)
}

// ensureConverted returns the artifact directory for req. An existing core
// module is reused unless it records a different source digest.
func (c *Component) ensureConverted(ctx context.Context, req Request) (string, error) {
	data, err := os.ReadFile(req.WasmPath)
	if err != nil {
		return "", errors.Load(req.PluginID, "read component", err)
	}
	src := digest.FromBytes(data)
	dir := filepath.Join(c.opts.CacheDir, SanitizeID(req.PluginID))
	log := Logger().With(zap.String("plugin", req.PluginID), zap.String("dir", dir))

	if _, err := os.Stat(filepath.Join(dir, detect.CoreFile)); err == nil {
		recorded, err := os.ReadFile(filepath.Join(dir, DigestFile))
		if err != nil || digest.Digest(strings.TrimSpace(string(recorded))) == src {
			log.Debug("using cached conversion")
			return dir, nil
		}
		log.Info("component changed, converting again", zap.String("digest", src.String()))
		if err := os.RemoveAll(dir); err != nil {
			return "", errors.Load(req.PluginID, "clear conversion cache", err)
		}
	}

	start := time.Now()
	if err := c.opts.Converter.Convert(ctx, req.PluginID, req.WasmPath, dir); err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(dir, detect.CoreFile)); err != nil {
		return "", errors.Load(req.PluginID, "converter produced no "+detect.CoreFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, DigestFile), []byte(src.String()+"\n"), 0o644); err != nil {
		return "", errors.Load(req.PluginID, "record source digest", err)
	}
	log.Info("component converted", zap.Duration("elapsed", time.Since(start)))
	return dir, nil
}
