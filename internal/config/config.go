package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full option surface of the controller. Values come from
// config.yaml in the working directory (optional) overridden by SM_*
// environment variables (SM_METER_PORT, SM_SOLIS_API_SECRET, ...).
type Config struct {
	Meter    Meter    `mapstructure:"meter"`
	Inverter Inverter `mapstructure:"inverter"`
	Solis    Solis    `mapstructure:"solis"`
	Power    Power    `mapstructure:"power"`
	Alert    Alert    `mapstructure:"alert"`
	Web      Web      `mapstructure:"web"`
}

type Meter struct {
	Port                        string `mapstructure:"port"`
	BaudRate                    int    `mapstructure:"baud_rate"`
	SlaveID                     int    `mapstructure:"slave_id"`
	PollIntervalMs              int    `mapstructure:"poll_interval_ms"`
	InitialOpenDelayMs          int    `mapstructure:"initial_open_delay_ms"`
	ReopenBackoffMs             int    `mapstructure:"reopen_backoff_ms"`
	WarmupMs                    int    `mapstructure:"warmup_ms"`
	TimeoutsBeforeReopen        int    `mapstructure:"timeouts_before_reopen"`
	StaleMs                     int64  `mapstructure:"stale_ms"`
	StaleAlertMinPeriodMs       int64  `mapstructure:"stale_alert_min_period_ms"`
	MaxWindowErrorsBeforeReopen int    `mapstructure:"max_window_errors_before_reopen"`
	ReadTimeoutMs               int    `mapstructure:"read_timeout_ms"`
	RequestTimeoutMs            int    `mapstructure:"request_timeout_ms"`
}

type Inverter struct {
	Port                     string `mapstructure:"port"`
	BaudRate                 int    `mapstructure:"baud_rate"`
	SlaveID                  int    `mapstructure:"slave_id"`
	InitRegisters            int    `mapstructure:"init_registers"`
	MaxSmAgeForWriteMs       int64  `mapstructure:"max_sm_age_for_write_ms"`
	OutStaleMs               int64  `mapstructure:"out_stale_ms"`
	DeferOpenUntilFirstFrame bool   `mapstructure:"defer_open_until_first_frame"`
	RepublishOnStale         bool   `mapstructure:"republish_on_stale"`
}

type Solis struct {
	APIID            string  `mapstructure:"api_id"`
	APISecret        string  `mapstructure:"api_secret"`
	BaseURI          string  `mapstructure:"base_uri"`
	SN               string  `mapstructure:"sn"`
	FetchPeriodS     int     `mapstructure:"fetch_period_s"`
	MinImportKw      float64 `mapstructure:"min_import_kw"`
	MaxDataAgeMs     int64   `mapstructure:"max_data_age_ms"`
	SmoothingFactor  float64 `mapstructure:"smoothing_factor"`
	ClampMaxKw       float64 `mapstructure:"clamp_max_kw"`
	DeltaMaxKwPerSec float64 `mapstructure:"delta_max_kw_per_sec"`
	OverrideEnabled  bool    `mapstructure:"override_enabled"`
	RequestTimeoutMs int     `mapstructure:"request_timeout_ms"`
	MaxClockSkewMs   int64   `mapstructure:"max_clock_skew_ms"`
}

type Power struct {
	ScalePT        float64 `mapstructure:"scale_pt"`
	ScaleCT        float64 `mapstructure:"scale_ct"`
	MinPowerFactor float64 `mapstructure:"min_power_factor"`
	StaleToZeroMs  int64   `mapstructure:"stale_to_zero_ms"`
	PhaseMinVolt   float64 `mapstructure:"phase_min_volt"`
	SafeDivMinVolt float64 `mapstructure:"safe_div_min_volt"`
}

type Alert struct {
	Telegram         Telegram `mapstructure:"telegram"`
	MQTT             MQTT     `mapstructure:"mqtt"`
	SNS              SNS      `mapstructure:"sns"`
	StartupPing      bool     `mapstructure:"startup_ping"`
	ShutdownPing     bool     `mapstructure:"shutdown_ping"`
	HeartbeatEnabled bool     `mapstructure:"heartbeat_enabled"`
	HeartbeatCron    string   `mapstructure:"heartbeat_cron"`
}

type Telegram struct {
	Enabled    bool   `mapstructure:"enabled"`
	BotToken   string `mapstructure:"bot_token"`
	ChatIDs    string `mapstructure:"chat_ids"` // comma-separated
	CooldownMs int64  `mapstructure:"cooldown_ms"`
	Prefix     string `mapstructure:"prefix"`
}

type MQTT struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type SNS struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	TopicArn string `mapstructure:"topic_arn"`
}

type Web struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults() {
	viper.SetDefault("meter.port", "/dev/ttyUSB0")
	viper.SetDefault("meter.baud_rate", 9600)
	viper.SetDefault("meter.slave_id", 1)
	viper.SetDefault("meter.poll_interval_ms", 1000)
	viper.SetDefault("meter.initial_open_delay_ms", 2000)
	viper.SetDefault("meter.reopen_backoff_ms", 2000)
	viper.SetDefault("meter.warmup_ms", 2000)
	viper.SetDefault("meter.timeouts_before_reopen", 3)
	viper.SetDefault("meter.stale_ms", 30000)
	viper.SetDefault("meter.stale_alert_min_period_ms", 60000)
	viper.SetDefault("meter.max_window_errors_before_reopen", 2)
	viper.SetDefault("meter.read_timeout_ms", 1000)
	viper.SetDefault("meter.request_timeout_ms", 1200)

	viper.SetDefault("inverter.port", "/dev/ttyUSB1")
	viper.SetDefault("inverter.baud_rate", 9600)
	viper.SetDefault("inverter.slave_id", 1)
	viper.SetDefault("inverter.init_registers", 400)
	viper.SetDefault("inverter.max_sm_age_for_write_ms", 60000)
	viper.SetDefault("inverter.out_stale_ms", 30000)
	viper.SetDefault("inverter.defer_open_until_first_frame", true)
	viper.SetDefault("inverter.republish_on_stale", true)

	viper.SetDefault("solis.api_id", "")
	viper.SetDefault("solis.api_secret", "")
	viper.SetDefault("solis.base_uri", "https://www.soliscloud.com")
	viper.SetDefault("solis.sn", "")
	viper.SetDefault("solis.fetch_period_s", 10)
	viper.SetDefault("solis.min_import_kw", 0.2)
	viper.SetDefault("solis.max_data_age_ms", 300000)
	viper.SetDefault("solis.smoothing_factor", 0.8)
	viper.SetDefault("solis.clamp_max_kw", 50)
	viper.SetDefault("solis.delta_max_kw_per_sec", 2)
	viper.SetDefault("solis.override_enabled", true)
	viper.SetDefault("solis.request_timeout_ms", 6000)
	viper.SetDefault("solis.max_clock_skew_ms", 90000)

	viper.SetDefault("power.scale_pt", 1.0)
	viper.SetDefault("power.scale_ct", 1.0)
	viper.SetDefault("power.min_power_factor", 0.95)
	viper.SetDefault("power.stale_to_zero_ms", 300000)
	viper.SetDefault("power.phase_min_volt", 100)
	viper.SetDefault("power.safe_div_min_volt", 100)

	viper.SetDefault("alert.telegram.enabled", false)
	viper.SetDefault("alert.telegram.bot_token", "")
	viper.SetDefault("alert.telegram.chat_ids", "")
	viper.SetDefault("alert.telegram.cooldown_ms", 900000)
	viper.SetDefault("alert.telegram.prefix", "")
	viper.SetDefault("alert.mqtt.enabled", false)
	viper.SetDefault("alert.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("alert.mqtt.topic_prefix", "smartmeter")
	viper.SetDefault("alert.sns.enabled", false)
	viper.SetDefault("alert.sns.region", "us-east-1")
	viper.SetDefault("alert.sns.topic_arn", "")
	viper.SetDefault("alert.startup_ping", true)
	viper.SetDefault("alert.shutdown_ping", true)
	viper.SetDefault("alert.heartbeat_enabled", true)
	viper.SetDefault("alert.heartbeat_cron", "0 10 * * *")

	viper.SetDefault("web.addr", ":8080")
}

// Load reads config.yaml (if present) and the environment into a Config.
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	viper.SetEnvPrefix("SM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
