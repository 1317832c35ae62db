package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// PluginPrefix marks events emitted by plugins.
const PluginPrefix = "PLUGIN_"

// Event is one server or plugin event as delivered to event_handler.
type Event struct {
	Type string `json:"type"`
	// From is the emitting plugin; empty for server events.
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
	// Timestamp is in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// JSON encodes e. Missing data encodes as null.
func (e Event) JSON() string {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	b, _ := json.Marshal(e)
	return string(b)
}

var serverEvents = []string{
	"SERVERSTATISTICS",
	"VESSEL_INFO",
	"DEBUG_SETTINGS",
	"SERVERMESSAGE",
	"PROVIDERSTATUS",
	"SOURCEPRIORITIES",
}

// NMEA data streams and parser diagnostics.
var genericEvents = []string{
	"nmea0183",
	"nmea0183out",
	"nmea2000JsonOut",
	"nmea2000out",
	"nmea2000OutAvailable",
	"canboatjs:error",
	"canboatjs:warning",
	"canboatjs:unparsed:data",
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(serverEvents)+len(genericEvents))
	for _, t := range serverEvents {
		m[t] = true
	}
	for _, t := range genericEvents {
		m[t] = true
	}
	return m
}()

// AllowedTypes lists the non-plugin event types plugins may subscribe to,
// server events first.
func AllowedTypes() []string {
	out := make([]string, 0, len(serverEvents)+len(genericEvents))
	out = append(out, serverEvents...)
	return append(out, genericEvents...)
}

// IsAllowed reports whether plugins may receive events of type t.
func IsAllowed(t string) bool {
	return allowed[t] || strings.HasPrefix(t, PluginPrefix)
}

// PluginEvent builds the event pluginID emits as typ. The type gains the
// plugin prefix when it lacks one; data must be JSON.
func PluginEvent(pluginID, typ string, data json.RawMessage, now time.Time) (Event, error) {
	if typ == "" {
		return Event{}, errors.InvalidInput(errors.PhaseHost, "empty event type")
	}
	if !json.Valid(data) {
		return Event{}, errors.InvalidInput(errors.PhaseHost, "event data is not JSON")
	}
	if !strings.HasPrefix(typ, PluginPrefix) {
		typ = PluginPrefix + typ
	}
	return Event{Type: typ, From: pluginID, Data: data, Timestamp: now.UnixMilli()}, nil
}
