package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"nostr-sync/internal/relay"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nostr_sync",
		Name:      "http_requests_total",
		Help:      "Requests served by the status endpoints",
	}, []string{"path", "status"})

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nostr_sync",
		Name:      "build_info",
		Help:      "Build and configuration information",
	}, []string{"store_backend", "go_version"})
)

var serverStartTime = time.Now()

// HealthResponse is the body of /health
type HealthResponse struct {
	Status        string         `json:"status"` // "ok" or "degraded"
	UptimeSeconds int64          `json:"uptime_seconds"`
	Peers         map[string]int `json:"peers"` // count by connection status
	Views         int            `json:"views"`
	Frame         uint64         `json:"frame"`
}

func recordBuildInfo(backend string) {
	buildInfo.WithLabelValues(backend, runtime.Version()).Set(1)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// healthHandler reports degraded when no peer is connected
func (d *daemon) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshot.Load()
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(serverStartTime).Seconds()),
		Peers:         make(map[string]int),
	}
	if snap == nil {
		resp.Status = "starting"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	for _, p := range snap.Peers {
		resp.Peers[p.Status.String()]++
	}
	resp.Views = len(snap.Views)
	resp.Frame = snap.Frame

	status := http.StatusOK
	if len(snap.Peers) > 0 && resp.Peers[relay.StatusConnected.String()] == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// viewsHandler serves the last published frame snapshot
func (d *daemon) viewsHandler(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshot.Load()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no frame yet"})
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		for _, v := range snap.Views {
			if v.Name == name {
				writeJSON(w, http.StatusOK, v)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
