// Package status is the read-side aggregator: it decodes the latest meter
// snapshot, the last published output image and the cloud override state
// into one flat record for the web UI, the health check and the periodic
// summary log.
package status

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/cloud"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/codec"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/obs"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/sched"
)

// SnapshotSource mirrors the meter reader.
type SnapshotSource interface {
	LatestSnapshot() domain.Snapshot
}

// OutputSource mirrors the feeder.
type OutputSource interface {
	LastOutputImage() []uint16
	LastWriteAtMs() int64
}

// OverrideSource mirrors the cloud override.
type OverrideSource interface {
	CurrentDeltaKw() float64
	Status() cloud.OverrideStatus
}

// View is the flat status record served at /status.
type View struct {
	GridImportKw   float64 `json:"gridImportKw"`
	GridRawPsumKw  float64 `json:"gridRawPsumKw"` // NaN encoded as 0 with PsumKnown=false
	PsumKnown      bool    `json:"psumKnown"`
	MinImportKw    float64 `json:"minImportKw"`
	CompensationKw float64 `json:"compensationKw"`
	GridAgeMs      int64   `json:"gridAgeMs"`
	GridAge        string  `json:"gridAge"`

	OverrideEnabled bool   `json:"overrideEnabled"`
	Mode            string `json:"mode"` // NORMAL or PASS-THRU

	SmV1      float64 `json:"smV1"`
	SmV2      float64 `json:"smV2"`
	SmV3      float64 `json:"smV3"`
	SmI1      float64 `json:"smI1"`
	SmI2      float64 `json:"smI2"`
	SmI3      float64 `json:"smI3"`
	SmPTotalW int64   `json:"smPTotalW"`
	SmAgeMs   int64   `json:"smAgeMs"`
	SmAge     string  `json:"smAge"`

	OutI1      float64 `json:"outI1"`
	OutI2      float64 `json:"outI2"`
	OutI3      float64 `json:"outI3"`
	OutPTotalW int64   `json:"outPTotalW"`
	OutAgeMs   int64   `json:"outAgeMs"`
	OutAge     string  `json:"outAge"`

	PvKw       float64 `json:"pvKw"`
	LoadKw     float64 `json:"loadKw"`
	PvKnown    bool    `json:"pvKnown"`
	LoadKnown  bool    `json:"loadKnown"`
	SolisState string  `json:"solisState"` // ONLINE / OFFLINE / ALARM / numeric / -
	Alarm      bool    `json:"alarm"`
}

// Assembler builds Views and runs the summary log job.
type Assembler struct {
	cfg      config.Power
	meter    SnapshotSource
	feeder   OutputSource
	override OverrideSource

	now func() time.Time
}

func NewAssembler(cfg config.Power, meter SnapshotSource, feeder OutputSource, override OverrideSource) *Assembler {
	return &Assembler{cfg: cfg, meter: meter, feeder: feeder, override: override, now: time.Now}
}

// Start registers the 30 s summary log.
func (a *Assembler) Start(s *sched.Scheduler) {
	s.ScheduleFixedRate("status-summary", 10*time.Second, 30*time.Second, a.logSummary)
}

// Build assembles the current status record.
func (a *Assembler) Build() View {
	now := a.now().UnixMilli()
	v := View{}

	snap := a.meter.LatestSnapshot()
	v.SmAgeMs = snap.AgeMs(now)
	v.SmAge = humanAge(v.SmAgeMs)
	pt, ct := a.cfg.ScalePT, a.cfg.ScaleCT
	v.SmV1 = round1(0.1 * float64(codec.ReadU16(snap.Image, domain.RegVL1)) * pt)
	v.SmV2 = round1(0.1 * float64(codec.ReadU16(snap.Image, domain.RegVL2)) * pt)
	v.SmV3 = round1(0.1 * float64(codec.ReadU16(snap.Image, domain.RegVL3)) * pt)
	v.SmI1 = round2(0.01 * float64(codec.ReadU16(snap.Image, domain.RegIL1)) * ct)
	v.SmI2 = round2(0.01 * float64(codec.ReadU16(snap.Image, domain.RegIL2)) * ct)
	v.SmI3 = round2(0.01 * float64(codec.ReadU16(snap.Image, domain.RegIL3)) * ct)
	v.SmPTotalW = int64(math.Round(float64(codec.ReadI32BE(snap.Image, domain.RegPTot)) * pt * ct))

	out := a.feeder.LastOutputImage()
	lastWrite := a.feeder.LastWriteAtMs()
	if lastWrite == 0 {
		v.OutAgeMs = -1
	} else {
		v.OutAgeMs = maxI64(0, now-lastWrite)
	}
	v.OutAge = humanAge(v.OutAgeMs)
	v.OutI1 = round2(0.01 * float64(codec.ReadU16(out, domain.RegIL1)) * ct)
	v.OutI2 = round2(0.01 * float64(codec.ReadU16(out, domain.RegIL2)) * ct)
	v.OutI3 = round2(0.01 * float64(codec.ReadU16(out, domain.RegIL3)) * ct)
	if raw := codec.ReadI32BE(out, domain.RegPTot); !badRaw32(raw) {
		v.OutPTotalW = int64(math.Round(float64(raw) * pt * ct))
	}

	os := a.override.Status()
	v.OverrideEnabled = os.Enabled
	if os.Enabled {
		v.Mode = "NORMAL"
	} else {
		v.Mode = "PASS-THRU"
	}
	v.CompensationKw = round3(a.override.CurrentDeltaKw())
	v.MinImportKw = round3(os.MinImportKw)
	if !math.IsNaN(os.PsumKw) {
		v.PsumKnown = true
		v.GridRawPsumKw = round3(os.PsumKw)
		if os.PsumKw < 0 {
			v.GridImportKw = round3(-os.PsumKw)
		}
	}
	if os.LastUpdateMs == 0 {
		v.GridAgeMs = -1
	} else {
		v.GridAgeMs = maxI64(0, now-os.LastUpdateMs)
	}
	v.GridAge = humanAge(v.GridAgeMs)
	if !math.IsNaN(os.PvKw) {
		v.PvKnown = true
		v.PvKw = round3(os.PvKw)
	}
	if !math.IsNaN(os.LoadKw) {
		v.LoadKnown = true
		v.LoadKw = round3(os.LoadKw)
	}
	v.SolisState = stateHuman(os.State)
	v.Alarm = (os.State != nil && *os.State == 3) || (os.WarningInfo != nil && *os.WarningInfo != 0)

	obs.SnapshotAgeMs.Set(float64(v.SmAgeMs))
	obs.CompensationKw.Set(v.CompensationKw)

	return v
}

// Healthy is the rule shared by /health and the daily heartbeat: cloud
// ONLINE and a meter snapshot fresher than 30 s.
func Healthy(v View) bool {
	return v.SolisState == "ONLINE" && v.SmAgeMs >= 0 && v.SmAgeMs < 30_000
}

func (a *Assembler) logSummary() {
	v := a.Build()
	log.Info().
		Float64("grid_import_kw", v.GridImportKw).
		Float64("psum_kw", v.GridRawPsumKw).
		Float64("compensate_kw", v.CompensationKw).
		Float64("sm_v1", v.SmV1).Float64("sm_i1", v.SmI1).
		Float64("sm_v2", v.SmV2).Float64("sm_i2", v.SmI2).
		Float64("sm_v3", v.SmV3).Float64("sm_i3", v.SmI3).
		Int64("sm_ptot_w", v.SmPTotalW).Int64("sm_age_ms", v.SmAgeMs).
		Float64("out_i1", v.OutI1).Float64("out_i2", v.OutI2).Float64("out_i3", v.OutI3).
		Int64("out_ptot_w", v.OutPTotalW).Int64("out_age_ms", v.OutAgeMs).
		Str("solis", v.SolisState).
		Msg("status_summary")
}

func stateHuman(s *int) string {
	if s == nil {
		return "-"
	}
	switch *s {
	case 1:
		return "ONLINE"
	case 2:
		return "OFFLINE"
	case 3:
		return "ALARM"
	default:
		return fmt.Sprintf("%d", *s)
	}
}

// badRaw32 flags the two i32 extremes (what codec.SatI32 clamps to); an
// output total at either extreme is reported as 0.
func badRaw32(x int32) bool {
	return x == math.MaxInt32 || x == math.MinInt32
}

func humanAge(ms int64) string {
	if ms < 0 {
		return "-"
	}
	switch {
	case ms < 1000:
		return fmt.Sprintf("%d ms ago", ms)
	case ms < 120_000:
		return fmt.Sprintf("%d s ago", ms/1000)
	case ms < 7_200_000:
		return fmt.Sprintf("%d min ago", ms/60_000)
	default:
		return fmt.Sprintf("%d h ago", ms/3_600_000)
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
