package server

import (
	"encoding/json"
	"net/http"

	"github.com/tablewire/gateway/pkg/metrics"
)

// metricsHandler exposes the counters in plaintext, one "name value" line
// per metric.
func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	a.collector.SetGauge(metrics.QueueDepth, int64(a.broadcaster.QueueDepth()))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := a.collector.WriteTo(w); err != nil {
		a.logger.Error("failed to write metrics response", "error", err)
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	BusConnected bool   `json:"busConnected"`
	Connections  struct {
		Active int `json:"active"`
		Max    int `json:"max"`
	} `json:"connections"`
}

// healthHandler reports bus reachability and connection pressure. A lost
// bus degrades health but keeps serving connected clients.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		BusConnected: a.subscriber.Connected(),
	}
	resp.Connections.Active = a.gw.ConnCount()
	resp.Connections.Max = a.config.Gateway.MaxConnections

	if !resp.BusConnected {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("failed to write health response", "error", err)
	}
}
