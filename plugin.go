package pluginhost

import (
	"context"
	"sync"
)

// Capabilities are the grants a plugin receives at load time. The value is
// copied into each instance and never changes afterwards.
type Capabilities struct {
	Network          bool `yaml:"network" json:"network"`
	ResourceProvider bool `yaml:"resource_provider" json:"resource_provider"`
	WeatherProvider  bool `yaml:"weather_provider" json:"weather_provider"`
	RadarProvider    bool `yaml:"radar_provider" json:"radar_provider"`
	PutHandlers      bool `yaml:"put_handlers" json:"put_handlers"`
	DataRead         bool `yaml:"data_read" json:"data_read"`
	HTTPEndpoints    bool `yaml:"http_endpoints" json:"http_endpoints"`
	ServerEvents     bool `yaml:"server_events" json:"server_events"`
}

// Has reports whether the named capability is granted.
// Unknown names are never granted.
func (c Capabilities) Has(name string) bool {
	switch name {
	case "network":
		return c.Network
	case "resourceProvider", "resource_provider":
		return c.ResourceProvider
	case "weatherProvider", "weather_provider":
		return c.WeatherProvider
	case "radarProvider", "radar_provider":
		return c.RadarProvider
	case "putHandlers", "put_handlers":
		return c.PutHandlers
	case "dataRead", "data_read":
		return c.DataRead
	case "httpEndpoints", "http_endpoints":
		return c.HTTPEndpoints
	case "serverEvents", "server_events":
		return c.ServerEvents
	}
	return false
}

// FormatKind is the top-level binary family.
type FormatKind uint8

const (
	FormatUnknown FormatKind = iota
	FormatFlatABI
	FormatComponent
)

func (k FormatKind) String() string {
	switch k {
	case FormatFlatABI:
		return "flat-abi"
	case FormatComponent:
		return "component"
	}
	return "unknown"
}

// SubFormat refines FormatKind with the string convention the guest uses.
type SubFormat uint8

const (
	SubNone SubFormat = iota
	SubManaged
	SubRustLibrary
	SubRustCommand
	// SubRaw is a component binary that still needs conversion.
	SubRaw
	// SubConverted is a component already converted into a core module artifact.
	SubConverted
)

func (s SubFormat) String() string {
	switch s {
	case SubManaged:
		return "managed"
	case SubRustLibrary:
		return "rust-library"
	case SubRustCommand:
		return "rust-command"
	case SubRaw:
		return "raw"
	case SubConverted:
		return "converted"
	}
	return "none"
}

// Format is the tagged result of format detection.
type Format struct {
	Kind FormatKind
	Sub  SubFormat
}

var (
	Managed     = Format{Kind: FormatFlatABI, Sub: SubManaged}
	RustLibrary = Format{Kind: FormatFlatABI, Sub: SubRustLibrary}
	RustCommand = Format{Kind: FormatFlatABI, Sub: SubRustCommand}
	Component   = Format{Kind: FormatComponent, Sub: SubRaw}
	Converted   = Format{Kind: FormatComponent, Sub: SubConverted}
)

func (f Format) String() string {
	return f.Kind.String() + "/" + f.Sub.String()
}

// ParseFormat maps a configuration hint to a Format. The empty string and
// "auto" return ok=false so the caller falls back to detection.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "managed", "assemblyscript", "flat-abi/managed":
		return Managed, true
	case "rust-library", "flat-abi/rust-library":
		return RustLibrary, true
	case "rust-command", "flat-abi/rust-command":
		return RustCommand, true
	case "component", "component/raw":
		return Component, true
	case "precompiled", "converted", "component/converted":
		return Converted, true
	}
	return Format{}, false
}

// Exports is the uniform call surface of a loaded plugin. Optional members are
// nil when the guest does not export them.
type Exports struct {
	ID     func(ctx context.Context) (string, error)
	Name   func(ctx context.Context) (string, error)
	Schema func(ctx context.Context) (string, error)
	Start  func(ctx context.Context, configJSON string) *Future
	Stop   func(ctx context.Context) (int32, error)

	HTTPEndpoints func(ctx context.Context) (string, error)
	Poll          func(ctx context.Context) (int32, error)
	DeltaHandler  func(ctx context.Context, deltaJSON string) error
	EventHandler  func(ctx context.Context, eventJSON string) error
}

// Future is the pending result of a call that may complete after the guest
// has returned control to the host.
type Future struct {
	done chan struct{}
	once sync.Once
	code int32
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved(code int32, err error) *Future {
	f := NewFuture()
	f.Resolve(code, err)
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future) Resolve(code int32, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.code, f.err = code, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (int32, error) {
	select {
	case <-f.done:
		return f.code, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
