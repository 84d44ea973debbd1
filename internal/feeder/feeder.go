// Package feeder owns the inverter-facing serial port. It runs a Modbus RTU
// slave whose holding and input banks mirror the transformed meter image, so
// the inverter sees the same values through function 03 and 04.
package feeder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/rs/zerolog/log"
	"github.com/tbrandon/mbserver"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/obs"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/sched"
)

// SnapshotSource is the meter reader's contribution.
type SnapshotSource interface {
	LatestSnapshot() domain.Snapshot
}

// DeltaSource is the cloud override's contribution.
type DeltaSource interface {
	CurrentDeltaKw() float64
}

// ImageTransform builds the outgoing frame.
type ImageTransform interface {
	Prepare(s domain.Snapshot, deltaKw float64) []uint16
}

// Feeder publishes transformed meter frames into the slave's register banks.
type Feeder struct {
	cfg       config.Inverter
	alerts    *alert.Engine
	meter     SnapshotSource
	delta     DeltaSource
	transform ImageTransform

	mu           sync.Mutex // guards srv/banks during writes and close
	srv          *mbserver.Server
	up           bool
	lastOutput   []uint16
	lastWriteAt  int64
	firstWriteAt int64

	stopping bool

	now     func() time.Time
	present func(string) bool
	listen  func(*mbserver.Server) error
}

func New(cfg config.Inverter, alerts *alert.Engine, meter SnapshotSource, delta DeltaSource, transform ImageTransform) *Feeder {
	f := &Feeder{
		cfg:       cfg,
		alerts:    alerts,
		meter:     meter,
		delta:     delta,
		transform: transform,
		now:       time.Now,
		present:   devicePresent,
	}
	f.listen = f.listenRTU
	return f
}

// Start registers the three jobs: port watcher, data push, output watchdog.
func (f *Feeder) Start(s *sched.Scheduler) {
	s.ScheduleFixedDelay("inverter-modbus-ensure-open", 0, 5*time.Second, f.ensureOpen)
	s.ScheduleFixedRate("inverter-modbus-tick", time.Second, time.Second, f.tick)
	s.ScheduleFixedDelay("inverter-output-watchdog", 5*time.Second, 2*time.Second, f.watchOutputStaleness)
}

// LastOutputImage returns a copy of the last published frame, or nil.
func (f *Feeder) LastOutputImage() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastOutput == nil {
		return nil
	}
	out := make([]uint16, len(f.lastOutput))
	copy(out, f.lastOutput)
	return out
}

// LastWriteAtMs returns when the banks were last written (0 = never).
func (f *Feeder) LastWriteAtMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWriteAt
}

// Shutdown stops the slave quietly.
func (f *Feeder) Shutdown() {
	f.mu.Lock()
	f.stopping = true
	f.mu.Unlock()
	f.closeQuietly()
}

func (f *Feeder) ensureOpen() {
	f.mu.Lock()
	up := f.up
	stopping := f.stopping
	f.mu.Unlock()
	if stopping {
		return
	}

	if up && !f.present(f.cfg.Port) {
		log.Warn().Str("port", f.cfg.Port).Msg("inverter_device_vanished")
		f.closeQuietly()
		f.alerts.Raise("INVERTER_RTU_DOWN", "USB/RS485 adapter missing: "+f.cfg.Port, alert.ERROR)
		return
	}
	if up {
		return
	}

	if f.cfg.DeferOpenUntilFirstFrame && !f.meter.LatestSnapshot().Acquired() {
		f.alerts.Raise("INVERTER_FEEDER_WAITING_FOR_METER", "no meter snapshot yet", alert.WARN)
		log.Debug().Msg("inverter_open_deferred_no_snapshot")
		return
	}

	srv := mbserver.NewServer()
	initRegs := f.cfg.InitRegisters
	for i := 0; i < initRegs && i < len(srv.HoldingRegisters); i++ {
		srv.HoldingRegisters[i] = 0
		srv.InputRegisters[i] = 0
	}

	if err := f.listen(srv); err != nil {
		srv.Close()
		f.alerts.Raise("INVERTER_RTU_DOWN", "inverter-slave open failed: "+err.Error(), alert.ERROR)
		return
	}

	f.mu.Lock()
	f.srv = srv
	f.up = true
	f.mu.Unlock()

	log.Info().Str("port", f.cfg.Port).Int("baud", f.cfg.BaudRate).
		Int("init_registers", initRegs).Msg("inverter_slave_opened")
	f.alerts.Resolve("INVERTER_RTU_DOWN")

	// first frame right away, don't wait for the next tick
	f.tick()
}

func (f *Feeder) listenRTU(srv *mbserver.Server) error {
	return srv.ListenRTU(&serial.Config{
		Address:  f.cfg.Port,
		BaudRate: f.cfg.BaudRate,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  time.Second,
	})
}

// tick builds and publishes one frame.
func (f *Feeder) tick() {
	defer func() {
		if r := recover(); r != nil {
			f.mu.Lock()
			stopping := f.stopping
			f.mu.Unlock()
			if !stopping {
				f.alerts.Raise("INVERTER_WRITE_FAIL", fmt.Sprintf("inverter-slave write failed: %v", r), alert.WARN)
			}
			f.closeQuietly()
		}
	}()

	f.mu.Lock()
	up := f.up
	f.mu.Unlock()
	if !up || !f.present(f.cfg.Port) {
		return
	}

	snap := f.meter.LatestSnapshot()
	nowMs := f.now().UnixMilli()

	if !snap.Acquired() {
		f.alerts.Raise("INVERTER_FEEDER_WAITING_FOR_METER", "no meter snapshot yet", alert.WARN)
		f.republishIfConfigured()
		return
	}
	if age := snap.AgeMs(nowMs); age > f.cfg.MaxSmAgeForWriteMs {
		f.alerts.Raise("INVERTER_FEEDER_STALE_INPUT",
			fmt.Sprintf("meter snapshot is %d ms old", age), alert.ERROR)
		f.republishIfConfigured()
		return
	}

	f.alerts.Resolve("INVERTER_FEEDER_WAITING_FOR_METER")
	f.alerts.Resolve("INVERTER_FEEDER_STALE_INPUT")

	frame := f.transform.Prepare(snap, f.delta.CurrentDeltaKw())
	f.publish(frame)
	obs.FeederPublishes.WithLabelValues("fresh").Inc()
}

// publish writes the frame into both banks; indices past the frame (up to
// init_registers) are zeroed so old values never linger.
func (f *Feeder) publish(frame []uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv == nil {
		return
	}
	limit := f.cfg.InitRegisters
	if len(frame) > limit {
		limit = len(frame)
	}
	if limit > len(f.srv.HoldingRegisters) {
		limit = len(f.srv.HoldingRegisters)
	}
	for i := 0; i < limit; i++ {
		var v uint16
		if i < len(frame) {
			v = frame[i]
		}
		f.srv.HoldingRegisters[i] = v // function 03
		f.srv.InputRegisters[i] = v   // function 04
	}
	f.lastOutput = frame
	f.lastWriteAt = f.now().UnixMilli()
	if f.firstWriteAt == 0 {
		f.firstWriteAt = f.lastWriteAt
	}
}

func (f *Feeder) republishIfConfigured() {
	if !f.cfg.RepublishOnStale {
		return
	}
	f.mu.Lock()
	last := f.lastOutput
	f.mu.Unlock()
	if last == nil {
		return
	}
	f.publish(last)
	obs.FeederPublishes.WithLabelValues("republish").Inc()
}

// watchOutputStaleness raises once publishes stop after having started.
func (f *Feeder) watchOutputStaleness() {
	f.mu.Lock()
	first := f.firstWriteAt
	last := f.lastWriteAt
	stopping := f.stopping
	f.mu.Unlock()
	if stopping || first == 0 {
		return
	}
	if f.now().UnixMilli()-last > f.cfg.OutStaleMs {
		f.alerts.Raise("INVERTER_OUTPUT_STALE",
			fmt.Sprintf("no register publish for %d ms", f.now().UnixMilli()-last), alert.ERROR)
	} else {
		f.alerts.Resolve("INVERTER_OUTPUT_STALE")
	}
}

func (f *Feeder) closeQuietly() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv != nil {
		f.srv.Close()
		log.Info().Str("port", f.cfg.Port).Msg("inverter_slave_closed")
	}
	f.srv = nil
	f.up = false
}

func devicePresent(port string) bool {
	if !strings.HasPrefix(port, "/") {
		return true
	}
	real, err := filepath.EvalSymlinks(port)
	if err != nil {
		return false
	}
	_, err = os.Stat(real)
	return err == nil
}
