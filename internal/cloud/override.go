package cloud

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/obs"
)

// detailFetcher is what Override needs from the Solis client.
type detailFetcher interface {
	FetchInverterDetail() (*Detail, error)
}

// OverrideStatus is the read-side view consumed by the status assembler.
type OverrideStatus struct {
	DeltaKw      float64
	LastUpdateMs int64
	PsumKw       float64 // NaN until first reading
	PvKw         float64 // NaN when unknown
	LoadKw       float64 // NaN when unknown
	State        *int
	WarningInfo  *int
	Enabled      bool
	MinImportKw  float64
}

// Override turns cloud readings into the smoothed, clamped, slew-limited
// compensation set-point.
type Override struct {
	cfg    config.Solis
	client detailFetcher
	alerts *alert.Engine

	mu          sync.Mutex
	deltaKw     float64
	lastUpdate  int64 // epoch ms of the last commit; 0 = never
	lastPsum    float64
	lastPv      float64
	lastLoad    float64
	lastState   *int
	lastWarning *int

	now func() time.Time
}

func NewOverride(cfg config.Solis, client detailFetcher, alerts *alert.Engine) *Override {
	cfg = sanitize(cfg)
	return &Override{
		cfg:      cfg,
		client:   client,
		alerts:   alerts,
		lastPsum: math.NaN(),
		lastPv:   math.NaN(),
		lastLoad: math.NaN(),
		now:      time.Now,
	}
}

func sanitize(cfg config.Solis) config.Solis {
	if cfg.MinImportKw < 0 {
		log.Warn().Float64("min_import_kw", cfg.MinImportKw).Msg("min_import_negative_clamped")
		cfg.MinImportKw = 0
	}
	if cfg.SmoothingFactor < 0 || cfg.SmoothingFactor > 1 {
		log.Warn().Float64("smoothing_factor", cfg.SmoothingFactor).Msg("smoothing_out_of_range_disabled")
		cfg.SmoothingFactor = 1.0
	}
	if cfg.MaxDataAgeMs < 5000 {
		log.Warn().Int64("max_data_age_ms", cfg.MaxDataAgeMs).Msg("max_data_age_bumped")
		cfg.MaxDataAgeMs = 5000
	}
	if cfg.FetchPeriodS <= 0 {
		cfg.FetchPeriodS = 10
	}
	return cfg
}

// Poll runs one fetch/compute cycle; scheduled fixed-delay.
func (o *Override) Poll() {
	detail, err := o.client.FetchInverterDetail()
	if err != nil {
		obs.SolisRequests.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("solis_poll_failed")
		o.decayToZeroIfTooOld()
		return
	}
	obs.SolisRequests.WithLabelValues("ok").Inc()

	now := o.now().UnixMilli()

	o.mu.Lock()
	o.lastPsum = detail.PsumKw
	o.lastPv = floatOrNaN(detail.PvKw)
	o.lastLoad = floatOrNaN(detail.LoadKw)
	o.lastState = detail.State
	o.lastWarning = detail.WarningInfo

	if inAlarm(detail) {
		o.deltaKw = 0
		o.lastUpdate = now
		o.mu.Unlock()
		o.alerts.Raise("SOLIS_ALARM",
			fmt.Sprintf("inverter alarm: state=%s warningInfo=%s", intText(detail.State), intText(detail.WarningInfo)),
			alert.WARN)
		return
	}

	importKw := math.Max(0, -detail.PsumKw)
	target := 0.0
	if importKw > o.cfg.MinImportKw {
		target = importKw
	}
	target = math.Min(target, o.cfg.ClampMaxKw)

	ema := target
	if s := o.cfg.SmoothingFactor; s > 0 && s < 1 {
		ema = s*target + (1-s)*o.deltaKw
	}

	step := o.cfg.DeltaMaxKwPerSec * float64(o.cfg.FetchPeriodS)
	next := o.deltaKw + domain.Clamp(ema-o.deltaKw, -step, step)
	next = domain.Clamp(next, 0, o.cfg.ClampMaxKw)

	o.deltaKw = next
	o.lastUpdate = now
	o.mu.Unlock()

	o.alerts.Resolve("SOLIS_ALARM")
	o.alerts.Resolve("SOLIS_STALE")

	log.Debug().
		Float64("psum_kw", detail.PsumKw).
		Float64("import_kw", importKw).
		Float64("target_kw", target).
		Float64("delta_kw", next).
		Msg("solis_update")
}

// CurrentDeltaKw is the safety-gated set-point the transform consumes:
// 0 when override is disabled, never updated, or stale.
func (o *Override) CurrentDeltaKw() float64 {
	if !o.cfg.OverrideEnabled {
		return 0
	}
	now := o.now().UnixMilli()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastUpdate == 0 || now-o.lastUpdate > o.cfg.MaxDataAgeMs {
		return 0
	}
	return o.deltaKw
}

// Status snapshots the override state for the assembler.
func (o *Override) Status() OverrideStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OverrideStatus{
		DeltaKw:      o.deltaKw,
		LastUpdateMs: o.lastUpdate,
		PsumKw:       o.lastPsum,
		PvKw:         o.lastPv,
		LoadKw:       o.lastLoad,
		State:        o.lastState,
		WarningInfo:  o.lastWarning,
		Enabled:      o.cfg.OverrideEnabled,
		MinImportKw:  o.cfg.MinImportKw,
	}
}

func (o *Override) decayToZeroIfTooOld() {
	now := o.now().UnixMilli()
	o.mu.Lock()
	stale := o.lastUpdate > 0 && now-o.lastUpdate > o.cfg.MaxDataAgeMs && o.deltaKw != 0
	age := now - o.lastUpdate
	if stale {
		o.deltaKw = 0
	}
	o.mu.Unlock()
	if stale {
		o.alerts.Raise("SOLIS_STALE", fmt.Sprintf("no fresh Solis data for %d ms", age), alert.WARN)
	}
}

func inAlarm(d *Detail) bool {
	if d.State != nil && *d.State != 1 {
		return true
	}
	return d.WarningInfo != nil && *d.WarningInfo != 0
}

func floatOrNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func intText(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p)
}
