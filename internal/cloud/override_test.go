package cloud

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
)

type stubFetcher struct {
	detail *Detail
	err    error
}

func (s *stubFetcher) FetchInverterDetail() (*Detail, error) { return s.detail, s.err }

func overrideConfig() config.Solis {
	return config.Solis{
		FetchPeriodS:     10,
		MinImportKw:      0.2,
		MaxDataAgeMs:     300000,
		SmoothingFactor:  0.8,
		ClampMaxKw:       50,
		DeltaMaxKwPerSec: 2,
		OverrideEnabled:  true,
	}
}

func newTestOverride(cfg config.Solis, fetch *stubFetcher) (*Override, *alert.Engine, *int64) {
	alerts := alert.NewEngine()
	o := NewOverride(cfg, fetch, alerts)
	nowMs := int64(1_000_000_000)
	o.now = func() time.Time { return time.UnixMilli(nowMs) }
	return o, alerts, &nowMs
}

func intp(v int) *int { return &v }

func hasActive(alerts *alert.Engine, key string) bool {
	for _, a := range alerts.Snapshot().Active {
		if a.Key == key {
			return true
		}
	}
	return false
}

func TestImportBelowThresholdGivesZero(t *testing.T) {
	fetch := &stubFetcher{detail: &Detail{PsumKw: -0.1}}
	o, _, _ := newTestOverride(overrideConfig(), fetch)
	o.Poll()
	if got := o.CurrentDeltaKw(); got != 0 {
		t.Fatalf("import below min_import_kw must give 0, got %v", got)
	}
}

func TestExportGivesZero(t *testing.T) {
	fetch := &stubFetcher{detail: &Detail{PsumKw: 3.5}}
	o, _, _ := newTestOverride(overrideConfig(), fetch)
	o.Poll()
	if got := o.CurrentDeltaKw(); got != 0 {
		t.Fatalf("export must give 0, got %v", got)
	}
}

func TestEmaStepTowardImport(t *testing.T) {
	fetch := &stubFetcher{detail: &Detail{PsumKw: -2.5}}
	o, _, _ := newTestOverride(overrideConfig(), fetch)
	o.Poll()
	// ema = 0.8*2.5 + 0.2*0 = 2.0, within slew (20 kW/step)
	if got := o.CurrentDeltaKw(); math.Abs(got-2.0) > 1e-9 {
		t.Fatalf("expected 2.0 after first EMA step, got %v", got)
	}
	o.Poll()
	// 0.8*2.5 + 0.2*2.0 = 2.4
	if got := o.CurrentDeltaKw(); math.Abs(got-2.4) > 1e-9 {
		t.Fatalf("expected 2.4 after second step, got %v", got)
	}
}

func TestSlewLimitBoundsStep(t *testing.T) {
	cfg := overrideConfig()
	cfg.SmoothingFactor = 1 // no smoothing, expose the slew limit
	cfg.DeltaMaxKwPerSec = 0.05
	fetch := &stubFetcher{detail: &Detail{PsumKw: -40}}
	o, _, _ := newTestOverride(cfg, fetch)

	prev := 0.0
	for i := 0; i < 5; i++ {
		o.Poll()
		got := o.CurrentDeltaKw()
		if got-prev > 0.5+1e-9 { // 0.05 kW/s * 10 s
			t.Fatalf("slew exceeded: %v -> %v", prev, got)
		}
		prev = got
	}
	if math.Abs(prev-2.5) > 1e-9 {
		t.Fatalf("expected 5 slew-limited steps of 0.5, got %v", prev)
	}
}

func TestClampMax(t *testing.T) {
	cfg := overrideConfig()
	cfg.ClampMaxKw = 3
	cfg.SmoothingFactor = 1
	cfg.DeltaMaxKwPerSec = 100
	fetch := &stubFetcher{detail: &Detail{PsumKw: -500}}
	o, _, _ := newTestOverride(cfg, fetch)
	o.Poll()
	if got := o.CurrentDeltaKw(); got != 3 {
		t.Fatalf("delta must clamp at clamp_max_kw, got %v", got)
	}
}

func TestAlarmForcesZero(t *testing.T) {
	fetch := &stubFetcher{detail: &Detail{PsumKw: -2.5}}
	o, alerts, _ := newTestOverride(overrideConfig(), fetch)
	o.Poll()
	if o.CurrentDeltaKw() == 0 {
		t.Fatalf("precondition: delta should be nonzero")
	}

	fetch.detail = &Detail{PsumKw: -5, State: intp(3), WarningInfo: intp(42)}
	o.Poll()
	if got := o.CurrentDeltaKw(); got != 0 {
		t.Fatalf("alarm must force delta to 0, got %v", got)
	}
	if !hasActive(alerts, "SOLIS_ALARM") {
		t.Fatalf("SOLIS_ALARM must be active")
	}

	fetch.detail = &Detail{PsumKw: -5, State: intp(1)}
	o.Poll()
	if hasActive(alerts, "SOLIS_ALARM") {
		t.Fatalf("SOLIS_ALARM must resolve when state returns to online")
	}
}

func TestWarningAloneTriggersAlarm(t *testing.T) {
	fetch := &stubFetcher{detail: &Detail{PsumKw: -5, WarningInfo: intp(7)}}
	o, alerts, _ := newTestOverride(overrideConfig(), fetch)
	o.Poll()
	if o.CurrentDeltaKw() != 0 || !hasActive(alerts, "SOLIS_ALARM") {
		t.Fatalf("nonzero warningInfo must gate the override")
	}
}

func TestStalenessForcesZeroAndAlert(t *testing.T) {
	fetch := &stubFetcher{detail: &Detail{PsumKw: -2.5}}
	o, alerts, nowMs := newTestOverride(overrideConfig(), fetch)
	o.Poll()

	*nowMs += 400_000 // beyond max_data_age_ms
	if got := o.CurrentDeltaKw(); got != 0 {
		t.Fatalf("stale data must read as 0, got %v", got)
	}

	fetch.err = errors.New("connection refused")
	fetch.detail = nil
	o.Poll()
	if !hasActive(alerts, "SOLIS_STALE") {
		t.Fatalf("SOLIS_STALE must be raised after a failed poll on stale data")
	}
	if o.Status().DeltaKw != 0 {
		t.Fatalf("internal delta must decay to 0")
	}
}

func TestOverrideDisabledReadsZero(t *testing.T) {
	cfg := overrideConfig()
	cfg.OverrideEnabled = false
	fetch := &stubFetcher{detail: &Detail{PsumKw: -2.5}}
	o, _, _ := newTestOverride(cfg, fetch)
	o.Poll()
	if got := o.CurrentDeltaKw(); got != 0 {
		t.Fatalf("disabled override must read 0, got %v", got)
	}
	if o.Status().DeltaKw == 0 {
		t.Fatalf("internal delta still tracks the cloud while disabled")
	}
}

func TestNeverUpdatedReadsZero(t *testing.T) {
	o, _, _ := newTestOverride(overrideConfig(), &stubFetcher{err: errors.New("down")})
	if got := o.CurrentDeltaKw(); got != 0 {
		t.Fatalf("never-updated override must read 0, got %v", got)
	}
}
