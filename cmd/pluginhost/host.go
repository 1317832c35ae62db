package main

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-plugin-host/hostapi"
)

// pluginStatus is the last status line a plugin reported.
type pluginStatus struct {
	Message string
	Error   bool
	At      time.Time
}

// statusHost logs what plugins report and keeps the latest status of each
// for display.
type statusHost struct {
	hostapi.NopHost

	log *zap.Logger

	mu       sync.Mutex
	statuses map[string]pluginStatus
	deltas   map[string]int
}

func newStatusHost(log *zap.Logger) *statusHost {
	return &statusHost{
		log:      log.Named("host"),
		statuses: make(map[string]pluginStatus),
		deltas:   make(map[string]int),
	}
}

func (h *statusHost) SetPluginStatus(pluginID, msg string) {
	h.log.Info("plugin status", zap.String("plugin", pluginID), zap.String("status", msg))
	h.set(pluginID, pluginStatus{Message: msg, At: time.Now()})
}

func (h *statusHost) SetPluginError(pluginID, msg string) {
	h.log.Error("plugin error", zap.String("plugin", pluginID), zap.String("error", msg))
	h.set(pluginID, pluginStatus{Message: msg, Error: true, At: time.Now()})
}

func (h *statusHost) HandleMessage(pluginID string, delta json.RawMessage, version hostapi.Version) {
	h.log.Debug("plugin delta",
		zap.String("plugin", pluginID),
		zap.Stringer("version", version),
		zap.ByteString("delta", delta),
	)
	h.mu.Lock()
	h.deltas[pluginID]++
	h.mu.Unlock()
}

func (h *statusHost) set(pluginID string, s pluginStatus) {
	h.mu.Lock()
	h.statuses[pluginID] = s
	h.mu.Unlock()
}

// Status returns the last status of pluginID and how many deltas it emitted.
func (h *statusHost) Status(pluginID string) (pluginStatus, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statuses[pluginID], h.deltas[pluginID]
}
