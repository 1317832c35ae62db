package providers

import (
	"context"
	"encoding/json"
)

const (
	ExportWeatherObservations = "weather_get_observations"
	ExportWeatherForecasts    = "weather_get_forecasts"
	ExportWeatherWarnings     = "weather_get_warnings"
)

// Position is a point in decimal degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherProvider serves weather data from a plugin.
type WeatherProvider struct {
	b *Binding
}

func (p *WeatherProvider) Binding() *Binding { return p.b }

// Name is the provider name the plugin registered under.
func (p *WeatherProvider) Name() string { return p.b.Name }

// GetObservations returns observations near pos.
func (p *WeatherProvider) GetObservations(ctx context.Context, pos Position, options json.RawMessage) ([]json.RawMessage, error) {
	req := struct {
		Position Position        `json:"position"`
		Options  json.RawMessage `json:"options,omitempty"`
	}{pos, options}
	return p.list(ctx, ExportWeatherObservations, req)
}

// GetForecasts returns forecasts of kind (daily, point) near pos.
func (p *WeatherProvider) GetForecasts(ctx context.Context, pos Position, kind string, options json.RawMessage) ([]json.RawMessage, error) {
	req := struct {
		Position Position        `json:"position"`
		Type     string          `json:"type"`
		Options  json.RawMessage `json:"options,omitempty"`
	}{pos, kind, options}
	return p.list(ctx, ExportWeatherForecasts, req)
}

// GetWarnings returns active warnings near pos.
func (p *WeatherProvider) GetWarnings(ctx context.Context, pos Position) ([]json.RawMessage, error) {
	req := struct {
		Position Position `json:"position"`
	}{pos}
	return p.list(ctx, ExportWeatherWarnings, req)
}

func (p *WeatherProvider) list(ctx context.Context, export string, req any) ([]json.RawMessage, error) {
	out := []json.RawMessage{}
	if err := p.b.callInto(ctx, export, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
