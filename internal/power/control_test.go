package power

import (
	"math"
	"testing"
	"time"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/codec"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
)

func testConfig() config.Power {
	return config.Power{
		ScalePT:        1.0,
		ScaleCT:        1.0,
		MinPowerFactor: 0.95,
		StaleToZeroMs:  300000,
		PhaseMinVolt:   100,
		SafeDivMinVolt: 100,
	}
}

func newTestTransform(nowMs int64) *Transform {
	t := NewTransform(testConfig())
	t.now = func() time.Time { return time.UnixMilli(nowMs) }
	return t
}

// V=[230.0, 231.0, 229.0] I=[0.5, 0.6, 0.4] Ptot=180W, PT=CT=1
func freshSnapshot(nowMs int64) domain.Snapshot {
	img := make([]uint16, domain.ImageLen)
	img[domain.RegVL1] = 2300
	img[domain.RegVL2] = 2310
	img[domain.RegVL3] = 2290
	img[domain.RegIL1] = 50
	img[domain.RegIL2] = 60
	img[domain.RegIL3] = 40
	codec.WriteI32BE(img, domain.RegPL1, 60)
	codec.WriteI32BE(img, domain.RegPL2, 70)
	codec.WriteI32BE(img, domain.RegPL3, 50)
	codec.WriteI32BE(img, domain.RegPTot, 180)
	return domain.Snapshot{Image: img, AcquiredAt: nowMs - 1000}
}

func imagesEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPassThroughOnNonPositiveDelta(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)

	for _, delta := range []float64{0, -1.5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		out := tr.Prepare(snap, delta)
		if !imagesEqual(out, snap.Image) {
			t.Fatalf("delta=%v must be pass-through", delta)
		}
	}
}

func TestPassThroughEvenWhenStaleAndDeltaZero(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)
	snap.AcquiredAt = now - 400_000 // well past stale_to_zero_ms

	out := tr.Prepare(snap, 0)
	if !imagesEqual(out, snap.Image) {
		t.Fatalf("delta=0 must stay pass-through even for stale input")
	}
}

func TestSafetyZeroOnStale(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)
	snap.AcquiredAt = now - 400_000

	out := tr.Prepare(snap, 3.0)
	for _, idx := range []int{domain.RegIL1, domain.RegIL2, domain.RegIL3} {
		if out[idx] != 0 {
			t.Fatalf("current at %d must be zeroed", idx)
		}
	}
	for _, idx := range []int{domain.RegPL1, domain.RegPL2, domain.RegPL3, domain.RegPTot} {
		if codec.ReadI32BE(out, idx) != 0 {
			t.Fatalf("power at %d must be zeroed", idx)
		}
	}
	if out[domain.RegVL1] != 2300 {
		t.Fatalf("voltages must survive the safety zero")
	}
}

func TestSafetyZeroOnNeverAcquired(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)
	snap.AcquiredAt = 0

	out := tr.Prepare(snap, 3.0)
	if codec.ReadI32BE(out, domain.RegPTot) != 0 {
		t.Fatalf("never-acquired snapshot must be safety-zeroed")
	}
}

func TestSafetyZeroOnOfflineMeter(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)
	snap.Image[domain.RegVL1] = 3
	snap.Image[domain.RegVL2] = 0
	snap.Image[domain.RegVL3] = 9 // all < 1 V

	out := tr.Prepare(snap, 3.0)
	if out[domain.RegIL1] != 0 || codec.ReadI32BE(out, domain.RegPTot) != 0 {
		t.Fatalf("offline meter must be safety-zeroed")
	}
}

func TestCompensationThreePhases(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)

	out := tr.Prepare(snap, 3.0)

	// 1000 W per phase; dI = 1000 / (V * 0.95)
	wantI := []int{
		int(math.Round((0.5 + 1000/(230.0*0.95)) * 100)),
		int(math.Round((0.6 + 1000/(231.0*0.95)) * 100)),
		int(math.Round((0.4 + 1000/(229.0*0.95)) * 100)),
	}
	for i := 0; i < 3; i++ {
		got := int(out[domain.RegIL1+i])
		if got != wantI[i] {
			t.Fatalf("phase %d current: got %d want %d", i+1, got, wantI[i])
		}
	}
	if got := codec.ReadI32BE(out, domain.RegPL1); got != 1060 {
		t.Fatalf("P1 got %d want 1060", got)
	}
	if got := codec.ReadI32BE(out, domain.RegPTot); got != 3180 {
		t.Fatalf("Ptot got %d want 3180", got)
	}
	// untouched registers pass through
	if out[domain.RegFreq] != snap.Image[domain.RegFreq] {
		t.Fatalf("frequency register must pass through")
	}
}

func TestCompensationSplitsAcrossAlivePhasesOnly(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)
	snap.Image[domain.RegVL3] = 500 // 50 V: below phase_min_volt, phase dead

	out := tr.Prepare(snap, 3.0)

	// 1500 W on each of the two live phases
	if got := codec.ReadI32BE(out, domain.RegPL1); got != 60+1500 {
		t.Fatalf("P1 got %d want %d", got, 1560)
	}
	if got := codec.ReadI32BE(out, domain.RegPL3); got != 50 {
		t.Fatalf("dead phase power must be untouched, got %d", got)
	}
	if out[domain.RegIL3] != 40 {
		t.Fatalf("dead phase current must be untouched")
	}
	if got := codec.ReadI32BE(out, domain.RegPTot); got != 180+3000 {
		t.Fatalf("Ptot got %d want %d", got, 3180)
	}
}

func TestCompensationMonotonicity(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)

	prev := int32(math.MinInt32)
	for _, delta := range []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50} {
		tot := codec.ReadI32BE(tr.Prepare(snap, delta), domain.RegPTot)
		if tot < prev {
			t.Fatalf("total power must be monotone in delta: %d after %d", tot, prev)
		}
		prev = tot
	}
}

func TestNilSnapshotUsesZeros(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)

	out := tr.Prepare(domain.Snapshot{}, 0)
	if len(out) != domain.ImageLen {
		t.Fatalf("missing image must expand to %d words, got %d", domain.ImageLen, len(out))
	}
	for i, w := range out {
		if w != 0 {
			t.Fatalf("expected all zeros, got %d at %d", w, i)
		}
	}
}

func TestShortImagePadded(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := domain.Snapshot{Image: make([]uint16, 120), AcquiredAt: now}

	out := tr.Prepare(snap, 0)
	if len(out) < 364 {
		t.Fatalf("short image must be padded to >= 364, got %d", len(out))
	}
}

func TestSaturationOnHugePower(t *testing.T) {
	now := int64(10_000_000)
	tr := newTestTransform(now)
	snap := freshSnapshot(now)
	codec.WriteI32BE(snap.Image, domain.RegPL1, math.MaxInt32-10)
	codec.WriteI32BE(snap.Image, domain.RegPTot, math.MaxInt32-10)

	out := tr.Prepare(snap, 50)
	if codec.ReadI32BE(out, domain.RegPL1) != math.MaxInt32 {
		t.Fatalf("per-phase power must saturate at i32 max")
	}
	if codec.ReadI32BE(out, domain.RegPTot) != math.MaxInt32 {
		t.Fatalf("total power must saturate at i32 max")
	}
}
