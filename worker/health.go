package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"video-overlay-api-scalable/shared"
)

type poolStatus interface {
	Active() int
	MaxWorkers() int
	Check(ctx context.Context) bool
}

// healthHandler: Basic health check for the Worker Service
func healthHandler(cfg *shared.Config, pool poolStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// CORS for health endpoint
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		status := "ok"
		code := http.StatusOK
		message := "Worker Service is healthy and consuming from queue."
		active, max := pool.Active(), pool.MaxWorkers()
		switch {
		case !pool.Check(r.Context()):
			status = "degraded"
			code = http.StatusServiceUnavailable
			message = "Worker Service cannot reach the backend queue."
		case active >= max:
			message = "Worker Service is healthy but all workers are currently busy."
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":         status,
			"message":        message,
			"queue_backend":  cfg.QueueBackend,
			"active_workers": fmt.Sprintf("%d/%d", active, max),
		})
	}
}
