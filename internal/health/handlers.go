package health

import (
	"encoding/json"
	"net/http"
)

type status struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func handler(p Probe, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(status{Status: "unavailable", Reason: err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status{Status: okStatus})
	}
}

// HealthzHandler answers 200 while p passes and 503 with the reason otherwise. A nil probe always passes.
func HealthzHandler(p Probe) http.HandlerFunc { return handler(p, "ok") }

// ReadyzHandler is HealthzHandler for readiness
func ReadyzHandler(p Probe) http.HandlerFunc { return handler(p, "ready") }
