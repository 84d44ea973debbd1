// Package meter owns the meter-facing serial port and keeps the latest raw
// register snapshot fresh. The meter is an Acrel three-phase unit read with
// function 03 in two windows that are placed at their native addresses
// inside a 400-word image, so downstream code indexes registers directly.
package meter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/obs"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/sched"
)

// registerSource is the slice of the Modbus client the reader uses; tests
// substitute a stub.
type registerSource interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Reader polls the physical meter and publishes the latest snapshot.
type Reader struct {
	cfg    config.Meter
	alerts *alert.Engine

	mu      sync.Mutex // guards handler/client (the master)
	handler *modbus.RTUClientHandler
	client  registerSource

	snap atomic.Value // domain.Snapshot

	consecutiveTimeouts int
	lastOpenAt          int64
	lastStaleAlertAt    int64
	stopping            atomic.Bool

	now     func() time.Time
	sleep   func(time.Duration)
	present func(string) bool
}

func NewReader(cfg config.Meter, alerts *alert.Engine) *Reader {
	r := &Reader{
		cfg:     cfg,
		alerts:  alerts,
		now:     time.Now,
		sleep:   time.Sleep,
		present: devicePresent,
	}
	r.snap.Store(domain.Snapshot{Image: make([]uint16, domain.ImageLen)})
	return r
}

// Start registers the poll job and the forced-reopen hook.
func (r *Reader) Start(s *sched.Scheduler) {
	initial := time.Duration(r.cfg.InitialOpenDelayMs) * time.Millisecond
	period := time.Duration(r.cfg.PollIntervalMs) * time.Millisecond
	s.ScheduleFixedDelay("meter-modbus-poll", initial, period, r.pollOnce)
	s.OnModbusCrash(r.ForceReopen)
}

// LatestSnapshot never blocks; it returns the last good snapshot (zero image
// with AcquiredAt 0 before the first successful read).
func (r *Reader) LatestSnapshot() domain.Snapshot {
	return r.snap.Load().(domain.Snapshot)
}

// ForceReopen closes the master so the next tick reopens it; used when a
// modbus escape is detected by the scheduler.
func (r *Reader) ForceReopen() {
	if r.stopping.Load() {
		return
	}
	log.Warn().Msg("modbus_crash_signal_reopen")
	r.closeQuietly()
}

// Shutdown closes the port quietly; late alerts are suppressed.
func (r *Reader) Shutdown() {
	r.stopping.Store(true)
	r.closeQuietly()
}

func (r *Reader) pollOnce() {
	now := r.now().UnixMilli()

	if !r.present(r.cfg.Port) {
		if !r.stopping.Load() {
			r.alerts.Raise("METER_DISCONNECTED", "serial device missing: "+r.cfg.Port, alert.ERROR)
		}
		obs.MeterReads.WithLabelValues("device_missing").Inc()
		r.closeQuietly()
		r.backoff()
		return
	}

	r.checkStale(now)

	if err := r.ensureOpen(); err != nil {
		if !r.stopping.Load() {
			r.alerts.Raise("METER_DISCONNECTED", "meter open failed: "+err.Error(), alert.ERROR)
		}
		obs.MeterReads.WithLabelValues("open_failed").Inc()
		r.closeQuietly()
		r.backoff()
		return
	}

	img, err := r.readPass()
	switch {
	case err == nil:
		r.snap.Store(domain.Snapshot{Image: img, AcquiredAt: r.now().UnixMilli()})
		r.consecutiveTimeouts = 0
		r.alerts.Resolve("METER_DISCONNECTED")
		r.alerts.Resolve("METER_STALE")
		r.alerts.Resolve("MODBUS_UNCAUGHT")
		obs.MeterReads.WithLabelValues("ok").Inc()

	case isTimeout(err):
		obs.MeterReads.WithLabelValues("timeout").Inc()
		sinceOpen := r.now().UnixMilli() - r.lastOpenAt
		if sinceOpen >= 0 && sinceOpen < int64(r.cfg.WarmupMs) {
			log.Warn().Int64("since_open_ms", sinceOpen).Msg("modbus_timeout_warmup_keep_port")
			return
		}
		r.consecutiveTimeouts++
		if r.consecutiveTimeouts < maxInt(1, r.cfg.TimeoutsBeforeReopen) {
			log.Warn().Int("streak", r.consecutiveTimeouts).Msg("modbus_timeout_retry_in_place")
			return
		}
		log.Warn().Int("streak", r.consecutiveTimeouts).Msg("modbus_timeout_close_reopen")
		if !r.stopping.Load() {
			r.alerts.Raise("METER_DISCONNECTED", "meter read timed out: "+err.Error(), alert.ERROR)
		}
		r.closeQuietly()
		r.backoff()

	default:
		obs.MeterReads.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("modbus_transport_err")
		if !r.stopping.Load() {
			r.alerts.Raise("METER_DISCONNECTED", "meter read failed: "+err.Error(), alert.ERROR)
		}
		r.closeQuietly()
		r.backoff()
	}
}

// readPass reads all windows into a fresh image. Individual windows may be
// skipped on modbus exceptions; the pass fails once the failure count
// reaches max_window_errors_before_reopen, or on the first hard transport
// error.
func (r *Reader) readPass() ([]uint16, error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil, errors.New("master not open")
	}

	prev := r.LatestSnapshot().Image
	img := make([]uint16, domain.ImageLen)
	windowErrors := 0
	var lastErr error
	for _, w := range domain.AcrelWindows {
		data, err := client.ReadHoldingRegisters(w.Start, w.Count)
		if err != nil {
			var mbErr *modbus.ModbusError
			if errors.As(err, &mbErr) || isTimeout(err) {
				windowErrors++
				lastErr = fmt.Errorf("window %d+%d: %w", w.Start, w.Count, err)
				log.Warn().Uint16("start", w.Start).Err(err).Msg("meter_window_skipped")
				if windowErrors >= maxInt(1, r.cfg.MaxWindowErrorsBeforeReopen) {
					return nil, lastErr
				}
				// skipped window: carry the last known values forward
				copy(img[w.Start:int(w.Start)+int(w.Count)], prev[w.Start:])
				continue
			}
			return nil, fmt.Errorf("window %d+%d: %w", w.Start, w.Count, err)
		}
		if len(data) < int(w.Count)*2 {
			return nil, fmt.Errorf("window %d+%d: short response (%d bytes)", w.Start, w.Count, len(data))
		}
		for i := 0; i < int(w.Count); i++ {
			img[int(w.Start)+i] = binary.BigEndian.Uint16(data[2*i:])
		}
	}
	return img, nil
}

func (r *Reader) ensureOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return nil
	}

	h := modbus.NewRTUClientHandler(r.cfg.Port)
	h.BaudRate = r.cfg.BaudRate
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.SlaveId = byte(r.cfg.SlaveID)
	h.Timeout = time.Duration(r.cfg.RequestTimeoutMs) * time.Millisecond

	if err := h.Connect(); err != nil {
		return err
	}

	r.handler = h
	r.client = modbus.NewClient(h)
	r.consecutiveTimeouts = 0
	r.lastOpenAt = r.now().UnixMilli()
	log.Info().Str("port", r.cfg.Port).Int("baud", r.cfg.BaudRate).Msg("meter_port_opened")
	// give the UART a tick to settle before the first request
	r.sleep(200 * time.Millisecond)
	return nil
}

func (r *Reader) closeQuietly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler != nil {
		if err := r.handler.Close(); err != nil {
			log.Debug().Err(err).Msg("meter_port_close_err")
		}
		log.Info().Str("port", r.cfg.Port).Msg("meter_port_closed")
	}
	r.handler = nil
	r.client = nil
}

func (r *Reader) backoff() {
	ms := int64(r.cfg.ReopenBackoffMs)
	if ms < 200 {
		ms = 200
	}
	if ms > 5000 {
		ms = 5000
	}
	r.sleep(time.Duration(ms) * time.Millisecond)
}

// checkStale raises METER_STALE (rate-limited) once the last snapshot is
// older than stale_ms and the port is past warmup.
func (r *Reader) checkStale(now int64) {
	snap := r.LatestSnapshot()
	age := snap.AgeMs(now)
	if age >= 0 && age <= r.cfg.StaleMs {
		r.alerts.Resolve("METER_STALE")
		return
	}
	if !snap.Acquired() {
		return // startup: nothing to be stale yet
	}
	if r.lastOpenAt > 0 && now-r.lastOpenAt < int64(r.cfg.WarmupMs) {
		return
	}
	if now-r.lastStaleAlertAt < r.cfg.StaleAlertMinPeriodMs {
		return
	}
	r.lastStaleAlertAt = now
	if !r.stopping.Load() {
		r.alerts.Raise("METER_STALE", fmt.Sprintf("meter snapshot is %d ms old", age), alert.ERROR)
	}
}

// devicePresent checks /dev paths (following by-id symlinks); non-absolute
// names (COMx and friends) are assumed present.
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

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
