// metersim publishes a synthetic Acrel register image on a serial port so
// the controller can be exercised end to end without hardware: point the
// meter reader at the other end of a virtual pair (socat -d -d pty,raw pty,raw).
package main

import (
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goburrow/serial"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tbrandon/mbserver"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/codec"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/domain"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	port := flag.String("port", "/dev/ttyUSB9", "serial device to serve the fake meter on")
	baud := flag.Int("baudRate", 9600, "baud rate")
	loadW := flag.Float64("loadW", 1800, "baseline total load in watts")
	flag.Parse()

	srv := mbserver.NewServer()
	if err := srv.ListenRTU(&serial.Config{
		Address:  *port,
		BaudRate: *baud,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  time.Second,
	}); err != nil {
		log.Fatal().Err(err).Str("port", *port).Msg("simulator open failed")
	}
	defer srv.Close()
	log.Info().Str("port", *port).Int("baud", *baud).Msg("meter_simulator_up")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			update(srv, *loadW)
		case <-stop:
			log.Info().Msg("meter_simulator_stopped")
			return
		}
	}
}

// update writes a plausible three-phase frame: ~230 V, the configured load
// split across phases with a little jitter, 50 Hz.
func update(srv *mbserver.Server, loadW float64) {
	img := make([]uint16, domain.ImageLen)
	perPhase := loadW / 3

	for i := 0; i < 3; i++ {
		v := 229.0 + rand.Float64()*3.0
		w := perPhase * (0.9 + rand.Float64()*0.2)
		cur := w / v

		img[domain.RegVL1+i] = uint16(v * 10)
		img[domain.RegIL1+i] = uint16(cur * 100)
		codec.WriteI32BE(img, domain.RegPL1+2*i, int32(w))
	}
	total := int32(0)
	for i := 0; i < 3; i++ {
		total += codec.ReadI32BE(img, domain.RegPL1+2*i)
	}
	codec.WriteI32BE(img, domain.RegPTot, total)
	img[domain.RegFreq] = uint16(5000 + rand.Intn(5) - 2)

	for i, w := range img {
		srv.HoldingRegisters[i] = w
		srv.InputRegisters[i] = w
	}
}
