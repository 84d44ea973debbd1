package notify

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/status"
)

// Heartbeat pings once a day with a compact UP/DEGRADED summary, so a silent
// controller is distinguishable from a silent notification channel.
type Heartbeat struct {
	cfg    config.Alert
	sink   *TelegramSink
	status *status.Assembler
	cron   *cron.Cron
}

func NewHeartbeat(cfg config.Alert, sink *TelegramSink, st *status.Assembler) *Heartbeat {
	return &Heartbeat{cfg: cfg, sink: sink, status: st}
}

// Start schedules the daily ping.
func (h *Heartbeat) Start() error {
	if !h.cfg.HeartbeatEnabled {
		return nil
	}
	h.cron = cron.New()
	if _, err := h.cron.AddFunc(h.cfg.HeartbeatCron, h.ping); err != nil {
		return fmt.Errorf("heartbeat cron %q: %w", h.cfg.HeartbeatCron, err)
	}
	h.cron.Start()
	log.Info().Str("cron", h.cfg.HeartbeatCron).Msg("heartbeat_scheduled")
	return nil
}

func (h *Heartbeat) Stop() {
	if h.cron != nil {
		h.cron.Stop()
	}
}

func (h *Heartbeat) ping() {
	v := h.status.Build()
	state := "DEGRADED"
	if status.Healthy(v) {
		state = "UP"
	}
	msg := "*HEARTBEAT* — " + state + "\n" +
		"_solis:_ " + v.SolisState + "\n" +
		"_smAge:_ " + v.SmAge + "\n" +
		"_gridAge:_ " + v.GridAge
	h.sink.SendWithPrefix(msg)
}
