package handlers

import (
	"context"
	"net/http"

	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// BreakerStatus lists guarded backends and their state
type BreakerStatus interface {
	HealthStatus() []circuitbreaker.HealthStatus
}

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck reports whether one dependency is usable
type ReadyCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check ReadyCheck
}

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	version  string
	breakers BreakerStatus
	cache    Pinger
	checks   []namedCheck
}

// NewHealthHandler creates a health handler. breakers and cache may be nil.
func NewHealthHandler(service, version string, breakers BreakerStatus, cache Pinger) *HealthHandler {
	return &HealthHandler{service: service, version: version, breakers: breakers, cache: cache}
}

// AddCheck registers an extra readiness check. Not safe to call while serving.
func (h *HealthHandler) AddCheck(name string, check ReadyCheck) {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string                        `json:"status"`
	Service  string                        `json:"service"`
	Version  string                        `json:"version"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

// Health reports liveness. An open breaker degrades but never fails the
// service since calculations fall back to the algorithm.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Service:  h.service,
		Version:  h.version,
		Breakers: []circuitbreaker.HealthStatus{},
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.HealthStatus()
	}
	for _, b := range resp.Breakers {
		if !b.Healthy {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether the cache backend and every registered check pass.
// The first failing check is named in the response.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := h.checks
	if h.cache != nil {
		checks = append([]namedCheck{{name: "cache", check: h.cache.Ping}}, checks...)
	}
	for _, c := range checks {
		if err := c.check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "check": c.name})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
