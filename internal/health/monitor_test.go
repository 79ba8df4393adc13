package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func ok(ctx context.Context) (map[string]any, error) { return nil, nil }

func fail(ctx context.Context) (map[string]any, error) { return nil, errors.New("down") }

func TestCheckHealth_Aggregation(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   SystemStatus
	}{
		{"all healthy", []Check{{Name: "a", Probe: ok}, {Name: "b", Probe: ok}}, StatusHealthy},
		{"non-critical failure", []Check{{Name: "a", Probe: ok}, {Name: "node", Probe: fail}}, StatusDegraded},
		{"critical failure", []Check{{Name: "storage", Critical: true, Probe: fail}, {Name: "node", Probe: fail}}, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewMonitor(tt.checks...).CheckHealth(context.Background())
			if report.SystemStatus != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, report.SystemStatus)
			}
			if len(report.Components) != len(tt.checks) {
				t.Errorf("Expected %d components, got %d", len(tt.checks), len(report.Components))
			}
		})
	}
}

func TestCheckHealth_CachesResults(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(Check{Name: "node", Probe: func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"height": 1}, nil
	}})
	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	if calls.Load() != 1 {
		t.Errorf("Expected one probe within the cache window, got %d", calls.Load())
	}
}

func TestHandleHealth(t *testing.T) {
	m := NewMonitor(Check{Name: "storage", Critical: true, Probe: fail})

	rec := httptest.NewRecorder()
	m.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(StatusCritical) {
		t.Errorf("Expected critical, got %s", body["status"])
	}

	rec = httptest.NewRecorder()
	m.HandleDetailed(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Components["storage"].Error != "down" {
		t.Errorf("Expected component error, got %+v", report.Components["storage"])
	}
}
