package pluginhost

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		hint string
		want Format
		ok   bool
	}{
		{"managed", Managed, true},
		{"assemblyscript", Managed, true},
		{"rust-library", RustLibrary, true},
		{"flat-abi/rust-command", RustCommand, true},
		{"component", Component, true},
		{"precompiled", Converted, true},
		{"converted", Converted, true},
		{"", Format{}, false},
		{"auto", Format{}, false},
		{"python", Format{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseFormat(tt.hint)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, %v; want %v, %v", tt.hint, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		f    Format
		want string
	}{
		{Managed, "flat-abi/managed"},
		{RustLibrary, "flat-abi/rust-library"},
		{Component, "component/raw"},
		{Converted, "component/converted"},
		{Format{}, "unknown/none"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if tt.f == (Format{}) {
			continue
		}
		if back, ok := ParseFormat(tt.want); !ok || back != tt.f {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.want, back, ok)
		}
	}
}

func TestCapabilitiesHas(t *testing.T) {
	c := Capabilities{Network: true, WeatherProvider: true, ServerEvents: true}
	tests := []struct {
		name string
		want bool
	}{
		{"network", true},
		{"weatherProvider", true},
		{"weather_provider", true},
		{"serverEvents", true},
		{"server_events", true},
		{"radarProvider", false},
		{"dataRead", false},
		{"everything", false},
	}
	for _, tt := range tests {
		if got := c.Has(tt.name); got != tt.want {
			t.Errorf("Has(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFuture(t *testing.T) {
	f := NewFuture()
	select {
	case <-f.Done():
		t.Fatal("new future is already done")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Resolve(7, nil)
	}()
	code, err := f.Wait(context.Background())
	if err != nil || code != 7 {
		t.Fatalf("Wait = %d, %v", code, err)
	}
	if f.Resolve(1, errors.New("late")) {
		t.Error("second Resolve took effect")
	}
	if code, err := f.Wait(context.Background()); code != 7 || err != nil {
		t.Errorf("Wait after late Resolve = %d, %v", code, err)
	}
}

func TestFutureWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFuture().Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	boom := errors.New("boom")
	if _, err := Resolved(0, boom).Wait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Resolved error = %v", err)
	}
}
