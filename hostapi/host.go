package hostapi

import (
	"context"
	"encoding/json"

	"github.com/wippyai/wasm-plugin-host/events"
)

// Version selects the data model a delta is applied to.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

// VersionOf maps the integer passed by sk_handle_message. Anything but 2 is
// treated as v1.
func VersionOf(v int32) Version {
	if v == 2 {
		return V2
	}
	return V1
}

func (v Version) String() string {
	if v == V2 {
		return "v2"
	}
	return "v1"
}

// PutResult is the reply to a PUT request.
type PutResult struct {
	State      string `json:"state"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
}

// ActionCallback answers a PUT request routed to a plugin.
type ActionCallback func(ctx context.Context, skContext, path string, value json.RawMessage) PutResult

// Host is the server a plugin talks to through its imports.
type Host interface {
	SetPluginStatus(pluginID, msg string)
	SetPluginError(pluginID, msg string)
	HandleMessage(pluginID string, delta json.RawMessage, version Version)
	// GetSelfPath returns the JSON value at path on the own vessel.
	GetSelfPath(path string) (json.RawMessage, bool)
	RegisterActionHandler(skContext, path, pluginID string, cb ActionCallback) bool
	// EmitEvent publishes an event a plugin emitted on the server bus.
	EmitEvent(ev events.Event)
}

// NopHost accepts everything and stores nothing.
type NopHost struct{}

func (NopHost) SetPluginStatus(string, string) {}
func (NopHost) SetPluginError(string, string) {}
func (NopHost) HandleMessage(string, json.RawMessage, Version) {}
func (NopHost) GetSelfPath(string) (json.RawMessage, bool) { return nil, false }
func (NopHost) RegisterActionHandler(_, _, _ string, _ ActionCallback) bool { return false }
func (NopHost) EmitEvent(events.Event) {}
