package providers

import (
	"context"
	"encoding/json"
)

// Radar handler exports. radar_get_radars takes no request.
const (
	ExportRadarList         = "radar_get_radars"
	ExportRadarInfo         = "radar_get_radar_info"
	ExportRadarSetPower     = "radar_set_power"
	ExportRadarSetRange     = "radar_set_range"
	ExportRadarSetGain      = "radar_set_gain"
	ExportRadarSetSea       = "radar_set_sea"
	ExportRadarSetRain      = "radar_set_rain"
	ExportRadarSetControls  = "radar_set_controls"
	ExportRadarCapabilities = "radar_get_capabilities"
	ExportRadarState        = "radar_get_state"
	ExportRadarGetControl   = "radar_get_control"
	ExportRadarSetControl   = "radar_set_control"
	ExportRadarTargets      = "radar_get_targets"
	ExportRadarAcquire      = "radar_acquire_target"
	ExportRadarCancel       = "radar_cancel_target"
	ExportRadarGetARPA      = "radar_get_arpa_settings"
	ExportRadarSetARPA      = "radar_set_arpa_settings"
)

// RadarProvider serves one or more radars from a plugin.
type RadarProvider struct {
	b *Binding
}

func (p *RadarProvider) Binding() *Binding { return p.b }

func (p *RadarProvider) Name() string { return p.b.Name }

// GetRadars lists the radar ids the plugin manages.
func (p *RadarProvider) GetRadars(ctx context.Context) ([]string, error) {
	out := []string{}
	if err := p.b.callInto(ctx, ExportRadarList, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query calls a read-only radar handler taking {radarId} and returns the raw
// reply, or nil when the plugin answered nothing.
func (p *RadarProvider) Query(ctx context.Context, export, radarID string) (json.RawMessage, error) {
	return p.raw(ctx, export, map[string]any{"radarId": radarID})
}

func (p *RadarProvider) GetRadarInfo(ctx context.Context, radarID string) (json.RawMessage, error) {
	return p.Query(ctx, ExportRadarInfo, radarID)
}

func (p *RadarProvider) GetCapabilities(ctx context.Context, radarID string) (json.RawMessage, error) {
	return p.Query(ctx, ExportRadarCapabilities, radarID)
}

func (p *RadarProvider) GetState(ctx context.Context, radarID string) (json.RawMessage, error) {
	return p.Query(ctx, ExportRadarState, radarID)
}

func (p *RadarProvider) GetTargets(ctx context.Context, radarID string) (json.RawMessage, error) {
	return p.Query(ctx, ExportRadarTargets, radarID)
}

func (p *RadarProvider) GetARPASettings(ctx context.Context, radarID string) (json.RawMessage, error) {
	return p.Query(ctx, ExportRadarGetARPA, radarID)
}

func (p *RadarProvider) GetControl(ctx context.Context, radarID, controlID string) (json.RawMessage, error) {
	return p.raw(ctx, ExportRadarGetControl, map[string]any{"radarId": radarID, "controlId": controlID})
}

// Set calls a mutating handler with {radarId, <field>: value} and reports
// whether the plugin acknowledged the change.
func (p *RadarProvider) Set(ctx context.Context, export, radarID, field string, value any) (bool, error) {
	return p.ack(ctx, export, map[string]any{"radarId": radarID, field: value})
}

func (p *RadarProvider) SetPower(ctx context.Context, radarID, state string) (bool, error) {
	return p.Set(ctx, ExportRadarSetPower, radarID, "state", state)
}

func (p *RadarProvider) SetRange(ctx context.Context, radarID string, rangeMeters float64) (bool, error) {
	return p.Set(ctx, ExportRadarSetRange, radarID, "range", rangeMeters)
}

func (p *RadarProvider) SetGain(ctx context.Context, radarID string, gain json.RawMessage) (bool, error) {
	return p.Set(ctx, ExportRadarSetGain, radarID, "gain", gain)
}

func (p *RadarProvider) SetSea(ctx context.Context, radarID string, sea json.RawMessage) (bool, error) {
	return p.Set(ctx, ExportRadarSetSea, radarID, "sea", sea)
}

func (p *RadarProvider) SetRain(ctx context.Context, radarID string, rain json.RawMessage) (bool, error) {
	return p.Set(ctx, ExportRadarSetRain, radarID, "rain", rain)
}

func (p *RadarProvider) SetControls(ctx context.Context, radarID string, controls json.RawMessage) (bool, error) {
	return p.Set(ctx, ExportRadarSetControls, radarID, "controls", controls)
}

func (p *RadarProvider) SetControl(ctx context.Context, radarID, controlID string, value json.RawMessage) (bool, error) {
	return p.ack(ctx, ExportRadarSetControl, map[string]any{"radarId": radarID, "controlId": controlID, "value": value})
}

func (p *RadarProvider) SetARPASettings(ctx context.Context, radarID string, settings json.RawMessage) (bool, error) {
	return p.Set(ctx, ExportRadarSetARPA, radarID, "settings", settings)
}

// AcquireTarget starts tracking at bearing (degrees) and distance (meters).
func (p *RadarProvider) AcquireTarget(ctx context.Context, radarID string, bearing, distance float64) (json.RawMessage, error) {
	return p.raw(ctx, ExportRadarAcquire, map[string]any{"radarId": radarID, "bearing": bearing, "distance": distance})
}

func (p *RadarProvider) CancelTarget(ctx context.Context, radarID string, targetID int) (bool, error) {
	return p.ack(ctx, ExportRadarCancel, map[string]any{"radarId": radarID, "targetId": targetID})
}

func (p *RadarProvider) raw(ctx context.Context, export string, req any) (json.RawMessage, error) {
	reply, err := p.b.Call(ctx, export, req)
	if err != nil || reply == "" {
		return nil, err
	}
	var out json.RawMessage
	if err := p.b.decode(export, reply, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ack reports whether the handler replied exactly true.
func (p *RadarProvider) ack(ctx context.Context, export string, req any) (bool, error) {
	reply, err := p.b.Call(ctx, export, req)
	if err != nil || reply == "" {
		return false, err
	}
	var ok bool
	if err := p.b.decode(export, reply, &ok); err != nil {
		return false, nil
	}
	return ok, nil
}
