// Package power builds the outgoing register image for the inverter: the raw
// meter image plus the requested compensation spread across the live phases.
package power

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/codec"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
)

// minOutputLen keeps the total-power i32 slot (362/363) addressable even for
// short or missing snapshots.
const minOutputLen = 364

// Transform mutates meter images. Compensation is applied with a positive
// sign: added watts show up as extra consumption on every live phase and on
// the total.
type Transform struct {
	cfg config.Power
	now func() time.Time
}

func NewTransform(cfg config.Power) *Transform {
	return &Transform{cfg: cfg, now: time.Now}
}

// Prepare clones the snapshot image and applies deltaKw.
//
//	delta <= 0 or non-finite  -> identity (pure pass-through)
//	snapshot stale or offline -> currents and powers zeroed
//	otherwise                 -> delta spread across live phases
func (t *Transform) Prepare(s domain.Snapshot, deltaKw float64) []uint16 {
	out := cloneImage(s.Image)

	if math.IsNaN(deltaKw) || math.IsInf(deltaKw, 0) || deltaKw <= 0 {
		return out
	}

	pt := t.cfg.ScalePT
	age := s.AgeMs(t.now().UnixMilli())
	stale := age < 0 || age > t.cfg.StaleToZeroMs
	if stale || metersOffline(out, pt) {
		return safetyZero(out)
	}

	alive := [3]bool{}
	volts := [3]float64{}
	aliveCount := 0
	for i := 0; i < 3; i++ {
		volts[i] = 0.1 * float64(codec.ReadU16(out, domain.RegVL1+i)) * pt
		if volts[i] >= t.cfg.PhaseMinVolt {
			alive[i] = true
			aliveCount++
		}
	}
	if aliveCount == 0 {
		return safetyZero(out)
	}

	ct := t.cfg.ScaleCT
	pf := domain.Clamp(t.cfg.MinPowerFactor, 0.1, 1.0)
	addW := deltaKw * 1000.0 / float64(aliveCount)

	var addIs [3]float64
	for i := 0; i < 3; i++ {
		if !alive[i] {
			continue
		}
		cur := 0.01 * float64(codec.ReadU16(out, domain.RegIL1+i)) * ct
		addI := math.Abs(addW) / math.Max(t.cfg.SafeDivMinVolt, volts[i]*pf)
		addIs[i] = addI
		rawI := int64(math.Round((cur + addI) * 100.0 / math.Max(1e-9, ct)))
		codec.WriteU16(out, domain.RegIL1+i, int(codec.SatU16(rawI)))

		pReg := domain.RegPL1 + 2*i
		pW := float64(codec.ReadI32BE(out, pReg)) * pt * ct
		rawP := int64(math.Round((pW + addW) / math.Max(1e-9, pt*ct)))
		codec.WriteI32BE(out, pReg, codec.SatI32(rawP))
	}

	totW := float64(codec.ReadI32BE(out, domain.RegPTot)) * pt * ct
	totW += addW * float64(aliveCount)
	rawTot := int64(math.Round(totW / math.Max(1e-9, pt*ct)))
	codec.WriteI32BE(out, domain.RegPTot, codec.SatI32(rawTot))

	log.Debug().
		Float64("delta_kw", deltaKw).
		Int("alive", aliveCount).
		Float64("add_w_per_phase", math.Round(addW)).
		Floats64("add_i", addIs[:]).
		Msg("compensation_applied")

	return out
}

func cloneImage(img []uint16) []uint16 {
	n := len(img)
	if n < minOutputLen {
		if img == nil {
			n = domain.ImageLen
		} else {
			n = minOutputLen
		}
	}
	out := make([]uint16, n)
	copy(out, img)
	return out
}

// metersOffline: all three phase voltages below 1 V after PT scaling.
func metersOffline(w []uint16, pt float64) bool {
	for i := 0; i < 3; i++ {
		if 0.1*float64(codec.ReadU16(w, domain.RegVL1+i))*pt >= 1.0 {
			return false
		}
	}
	return true
}

// safetyZero blanks currents and powers but keeps voltages, so the inverter
// can tell "offline meter" from "dead bus".
func safetyZero(out []uint16) []uint16 {
	codec.WriteU16(out, domain.RegIL1, 0)
	codec.WriteU16(out, domain.RegIL2, 0)
	codec.WriteU16(out, domain.RegIL3, 0)
	codec.WriteI32BE(out, domain.RegPL1, 0)
	codec.WriteI32BE(out, domain.RegPL2, 0)
	codec.WriteI32BE(out, domain.RegPL3, 0)
	codec.WriteI32BE(out, domain.RegPTot, 0)
	return out
}
