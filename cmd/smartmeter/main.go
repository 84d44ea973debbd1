package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/cloud"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/feeder"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/meter"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/notify"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/obs"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/power"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/sched"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/status"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/web"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	// alert engine + sinks
	alerts := alert.NewEngine()
	alerts.RegisterSink(obs.NewAlertGaugeSink())

	telegram := notify.NewTelegramSink(cfg.Alert.Telegram)
	alerts.RegisterSink(telegram)

	var mqttSink *notify.MQTTSink
	if cfg.Alert.MQTT.Enabled {
		mqttSink, err = notify.NewMQTTSink(cfg.Alert.MQTT)
		if err != nil {
			log.Error().Err(err).Msg("mqtt sink unavailable, continuing without it")
		} else {
			alerts.RegisterSink(mqttSink)
		}
	}
	if cfg.Alert.SNS.Enabled {
		snsSink, err := notify.NewSNSSink(cfg.Alert.SNS)
		if err != nil {
			log.Error().Err(err).Msg("sns sink unavailable, continuing without it")
		} else {
			alerts.RegisterSink(snsSink)
		}
	}

	// scheduler and the control pipeline
	scheduler := sched.New(alerts, sched.DefaultWorkers)
	scheduler.Start()

	reader := meter.NewReader(cfg.Meter, alerts)
	reader.Start(scheduler)

	solis := cloud.NewSolisClient(cfg.Solis, alerts)
	override := cloud.NewOverride(cfg.Solis, solis, alerts)
	scheduler.ScheduleFixedDelay("solis-poll",
		5*time.Second, time.Duration(cfg.Solis.FetchPeriodS)*time.Second, override.Poll)

	transform := power.NewTransform(cfg.Power)
	feed := feeder.New(cfg.Inverter, alerts, reader, override, transform)
	feed.Start(scheduler)

	assembler := status.NewAssembler(cfg.Power, reader, feed, override)
	assembler.Start(scheduler)

	lifecycle := notify.NewLifecycle(cfg.Alert, telegram)
	heartbeat := notify.NewHeartbeat(cfg.Alert, telegram, assembler)
	if err := heartbeat.Start(); err != nil {
		log.Error().Err(err).Msg("heartbeat disabled")
	}

	// web surface
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	web.Register(app, assembler, alerts)
	go func() {
		log.Info().Str("addr", cfg.Web.Addr).Msg("web_listening")
		if err := app.Listen(cfg.Web.Addr); err != nil {
			log.Error().Err(err).Msg("web server exit")
		}
	}()

	lifecycle.OnStarted()
	log.Info().Msg("smartmeter_started")

	// wait for SIGINT/SIGTERM, then tear down in reverse order
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("smartmeter_stopping")
	heartbeat.Stop()
	scheduler.Stop()
	feed.Shutdown()
	reader.Shutdown()
	_ = app.ShutdownWithTimeout(3 * time.Second)
	lifecycle.OnStopping()
	if mqttSink != nil {
		mqttSink.Close()
	}
	log.Info().Msg("smartmeter_stopped")
}
