package notify

import (
	"time"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
)

// Lifecycle sends the startup and shutdown pings through the Telegram sink.
type Lifecycle struct {
	cfg  config.Alert
	sink *TelegramSink
}

func NewLifecycle(cfg config.Alert, sink *TelegramSink) *Lifecycle {
	return &Lifecycle{cfg: cfg, sink: sink}
}

func (l *Lifecycle) OnStarted() {
	if l.cfg.StartupPing {
		l.sink.SendWithPrefix("✅ *STARTED* — " + time.Now().UTC().Format(time.RFC3339))
	}
}

func (l *Lifecycle) OnStopping() {
	if l.cfg.ShutdownPing {
		l.sink.SendWithPrefix("🛑 *STOPPING* — " + time.Now().UTC().Format(time.RFC3339))
	}
}
