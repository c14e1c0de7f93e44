package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"video-overlay-api-scalable/shared"
)

type stubPool struct {
	active, max int
	healthy     bool
}

func (p stubPool) Active() int { return p.active }
func (p stubPool) MaxWorkers() int { return p.max }
func (p stubPool) Check(context.Context) bool { return p.healthy }

func checkHealth(t *testing.T, pool stubPool) (int, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	healthHandler(&shared.Config{QueueBackend: shared.QueueRedis}, pool).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

// TestHealthReportsPool verifies active and max workers are reported
func TestHealthReportsPool(t *testing.T) {
	code, body := checkHealth(t, stubPool{active: 1, max: 3, healthy: true})
	if code != http.StatusOK || body["status"] != "ok" || body["active_workers"] != "1/3" {
		t.Fatalf("unexpected health %d %v", code, body)
	}
}

// TestHealthDegraded verifies an unreachable queue is reported as unavailable
func TestHealthDegraded(t *testing.T) {
	code, body := checkHealth(t, stubPool{max: 3})
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("unexpected health %d %v", code, body)
	}
}
