package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// ProbeManager adds liveness and readiness on top of Manager
type ProbeManager struct {
	*Manager

	started    time.Time
	version    string
	inShutdown atomic.Bool
}

// NewProbeManager creates a probe manager over checkers
func NewProbeManager(version string, checkers ...Checker) *ProbeManager {
	return &ProbeManager{Manager: NewManager(checkers...), started: time.Now(), version: version}
}

// MarkShutdown fails readiness from now on
func (pm *ProbeManager) MarkShutdown() { pm.inShutdown.Store(true) }

// ProbeResult is the JSON body of a probe
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (pm *ProbeManager) result(status Status, checks map[string]*Result) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    time.Since(pm.started).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	}
}

// LivenessHandler answers 200 while the process serves requests
func (pm *ProbeManager) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := StatusHealthy
		if pm.inShutdown.Load() {
			status = StatusDegraded
		}
		writeProbe(w, pm.result(status, nil))
	})
}

// ReadinessHandler runs every check; unhealthy answers 503
func (pm *ProbeManager) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pm.inShutdown.Load() {
			writeProbe(w, pm.result(StatusUnhealthy, nil))
			return
		}
		checks := pm.Check(r.Context())
		writeProbe(w, pm.result(Overall(checks), checks))
	})
}

func writeProbe(w http.ResponseWriter, res *ProbeResult) {
	w.Header().Set("Content-Type", "application/json")
	if res.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(res)
}
