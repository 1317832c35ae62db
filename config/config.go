// Package config reads the host configuration file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/errors"
	"github.com/wippyai/wasm-plugin-host/loader"
	"github.com/wippyai/wasm-plugin-host/runtime"
)

var validate = validator.New()

// Host is the top-level configuration file.
type Host struct {
	Enabled bool `yaml:"enabled" json:"enabled" jsonschema:"description=Load plugins at all"`
	// DataDir holds plugin sandboxes. Defaults to ./data.
	DataDir  string `yaml:"data_dir" json:"data_dir" validate:"required"`
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	// Converter is the component conversion command. {input} and {output}
	// are substituted.
	Converter         []string      `yaml:"converter,omitempty" json:"converter,omitempty"`
	MemoryLimitPages  uint32        `yaml:"memory_limit_pages,omitempty" json:"memory_limit_pages,omitempty" validate:"lte=65536"`
	AsyncifyStackSize uint32        `yaml:"asyncify_stack_size,omitempty" json:"asyncify_stack_size,omitempty"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty" validate:"gte=0"`
	Fetch             Fetch         `yaml:"fetch" json:"fetch"`
	Log               Log           `yaml:"log" json:"log"`
	Plugins           []Plugin      `yaml:"plugins" json:"plugins" validate:"unique=ID,dive"`
}

// Fetch tunes the HTTP client behind sk_fetch.
type Fetch struct {
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
}

type Log struct {
	Level       string `yaml:"level" json:"level" validate:"oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Development bool   `yaml:"development" json:"development"`
}

// Plugin is one plugin entry.
type Plugin struct {
	ID     string `yaml:"id" json:"id" validate:"required"`
	Path   string `yaml:"path" json:"path" validate:"required"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=auto managed assemblyscript rust-library rust-command component precompiled converted"`
	// Disabled plugins are listed but not loaded.
	Disabled     bool                    `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Capabilities pluginhost.Capabilities `yaml:"capabilities" json:"capabilities"`
	// Config is passed to plugin_start as JSON.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Load reads and validates the file at path. Relative plugin paths are
// resolved against the file's directory.
func Load(path string) (*Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindLoad, err, "read config")
	}
	h, err := Parse(data)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i := range h.Plugins {
		if !filepath.IsAbs(h.Plugins[i].Path) {
			h.Plugins[i].Path = filepath.Join(base, h.Plugins[i].Path)
		}
	}
	if !filepath.IsAbs(h.DataDir) {
		h.DataDir = filepath.Join(base, h.DataDir)
	}
	if h.CacheDir != "" && !filepath.IsAbs(h.CacheDir) {
		h.CacheDir = filepath.Join(base, h.CacheDir)
	}
	return h, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Host, error) {
	h := &Host{}
	if err := yaml.Unmarshal(data, h); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse config")
	}
	h.applyDefaults()
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) applyDefaults() {
	if h.DataDir == "" {
		h.DataDir = "data"
	}
	if h.PollInterval == 0 {
		h.PollInterval = runtime.DefaultPollInterval
	}
	if h.Fetch.Timeout == 0 {
		h.Fetch.Timeout = 30 * time.Second
	}
	if h.Log.Level == "" {
		h.Log.Level = "info"
	}
}

// Validate checks struct constraints.
func (h *Host) Validate() error {
	if err := validate.Struct(h); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "invalid config")
	}
	return nil
}

// Runtime returns the manager configuration.
func (h *Host) Runtime() runtime.Config {
	return runtime.Config{
		Enabled:           h.Enabled,
		DataDir:           h.DataDir,
		CacheDir:          h.CacheDir,
		MemoryLimitPages:  h.MemoryLimitPages,
		AsyncifyStackSize: h.AsyncifyStackSize,
		PollInterval:      h.PollInterval,
	}
}

// NewConverter returns the configured component converter, or nil.
func (h *Host) NewConverter() loader.Converter {
	if len(h.Converter) == 0 {
		return nil
	}
	return loader.ExecConverter{Command: h.Converter}
}

// Request returns the load request for p. The manager fills in the sandbox
// and host collaborators.
func (p Plugin) Request() loader.Request {
	return loader.Request{
		PluginID:     p.ID,
		WasmPath:     p.Path,
		Capabilities: p.Capabilities,
		Format:       p.Format,
	}
}

// ConfigJSON encodes the plugin configuration for plugin_start.
func (p Plugin) ConfigJSON() (string, error) {
	if len(p.Config) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p.Config)
	if err != nil {
		return "", errors.Wrap(errors.PhaseConfig, errors.KindMarshal, err, "encode config of "+p.ID)
	}
	return string(b), nil
}

// Schema returns the JSON Schema of the configuration file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&Host{})
	return json.MarshalIndent(s, "", "  ")
}
