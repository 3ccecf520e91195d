package api

import (
	"context"
	"net/http"
	"time"
)

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	NodeID      string           `json:"node_id"`
	Connections int              `json:"connections"`
	OnlineUsers int              `json:"online_users"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		start := time.Now()
		if err := check(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: err.Error()}
			healthy = false
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	resp := HealthResponse{
		Status:      "healthy",
		NodeID:      h.nodeID,
		Connections: h.registry.ConnectionCount(),
		OnlineUsers: h.registry.OnlineUsers(),
		Checks:      checks,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}
