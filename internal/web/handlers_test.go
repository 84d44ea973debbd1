package web

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/cloud"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/status"
)

type stubMeter struct{ snap domain.Snapshot }

func (s *stubMeter) LatestSnapshot() domain.Snapshot { return s.snap }

type stubFeeder struct {
	out     []uint16
	writeAt int64
}

func (s *stubFeeder) LastOutputImage() []uint16 { return s.out }
func (s *stubFeeder) LastWriteAtMs() int64      { return s.writeAt }

type stubOverride struct{ st cloud.OverrideStatus }

func (s *stubOverride) CurrentDeltaKw() float64      { return 0 }
func (s *stubOverride) Status() cloud.OverrideStatus { return s.st }

func intp(v int) *int { return &v }

func newTestApp(online bool, smAgeMs int64) (*fiber.App, *alert.Engine) {
	state := 2
	if online {
		state = 1
	}
	var acquired int64
	if smAgeMs >= 0 {
		acquired = time.Now().UnixMilli() - smAgeMs
	}
	st := status.NewAssembler(config.Power{ScalePT: 1, ScaleCT: 1},
		&stubMeter{snap: domain.Snapshot{Image: make([]uint16, domain.ImageLen), AcquiredAt: acquired}},
		&stubFeeder{},
		&stubOverride{st: cloud.OverrideStatus{State: intp(state)}})

	alerts := alert.NewEngine()
	app := fiber.New()
	Register(app, st, alerts)
	return app, alerts
}

func TestStatusEndpoint(t *testing.T) {
	app, _ := newTestApp(true, 1000)
	resp, err := app.Test(httptest.NewRequest("GET", "/status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	var v map[string]any
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if v["solisState"] != "ONLINE" {
		t.Fatalf("solisState wrong: %v", v["solisState"])
	}
	if age := v["smAgeMs"].(float64); age < 1000 || age > 5000 {
		t.Fatalf("smAgeMs wrong: %v", age)
	}
}

func TestHealthUpAndDegraded(t *testing.T) {
	app, _ := newTestApp(true, 1000)
	resp, _ := app.Test(httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("fresh+online must be UP, got %d", resp.StatusCode)
	}

	app, _ = newTestApp(true, 40_000)
	resp, _ = app.Test(httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != 503 {
		t.Fatalf("stale meter must be DEGRADED, got %d", resp.StatusCode)
	}

	app, _ = newTestApp(false, 1000)
	resp, _ = app.Test(httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != 503 {
		t.Fatalf("offline cloud must be DEGRADED, got %d", resp.StatusCode)
	}
}

func TestAlertsEndpoints(t *testing.T) {
	app, alerts := newTestApp(true, 1000)

	resp, _ := app.Test(httptest.NewRequest("GET", "/alerts/last", nil))
	if resp.StatusCode != 204 {
		t.Fatalf("empty ring must be 204, got %d", resp.StatusCode)
	}

	alerts.Raise("METER_STALE", "old data", alert.ERROR)

	resp, _ = app.Test(httptest.NewRequest("GET", "/alerts", nil))
	var snap struct {
		Active []struct {
			Key      string `json:"key"`
			Severity string `json:"severity"`
		} `json:"active"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(snap.Active) != 1 || snap.Active[0].Key != "METER_STALE" || snap.Active[0].Severity != "ERROR" {
		t.Fatalf("alerts snapshot wrong: %+v", snap)
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/alerts/deck?limit=5", nil))
	var deck []map[string]any
	body, _ = io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &deck); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(deck) != 1 {
		t.Fatalf("deck must show the active episode, got %d", len(deck))
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/alerts/last", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("last alert must be 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, _ := newTestApp(true, 1000)
	resp, _ := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("metrics endpoint failed: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatalf("metrics body empty")
	}
}
