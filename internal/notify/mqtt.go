package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
)

// MQTTSink publishes alert transitions as JSON to <prefix>/alerts/<key>.
// RAISE messages at WARN or above are retained so late subscribers see the
// standing condition; RESOLVE clears the retained message and publishes the
// resolve event.
type MQTTSink struct {
	cfg    config.MQTT
	client mqtt.Client
}

type mqttEvent struct {
	Key      string `json:"key"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	Ts       int64  `json:"ts"`
}

// NewMQTTSink connects to the broker; the paho client auto-reconnects.
func NewMQTTSink(cfg config.MQTT) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("smartmeter-alerts").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	log.Info().Str("broker", cfg.Broker).Str("prefix", cfg.TopicPrefix).Msg("mqtt_sink_connected")
	return &MQTTSink{cfg: cfg, client: client}, nil
}

func (m *MQTTSink) OnRaise(a alert.View) {
	payload, _ := json.Marshal(mqttEvent{
		Key: a.Key, Severity: a.Severity.String(), Message: a.Message,
		Type: "RAISE", Ts: a.LastSeen,
	})
	retained := a.Severity >= alert.WARN
	m.publish(m.topic(a.Key), payload, retained)
}

func (m *MQTTSink) OnResolve(a alert.View) {
	// clear the retained raise first
	m.publish(m.topic(a.Key), nil, true)
	payload, _ := json.Marshal(mqttEvent{
		Key: a.Key, Severity: a.Severity.String(), Message: a.Message,
		Type: "RESOLVE", Ts: a.LastSeen,
	})
	m.publish(m.topic(a.Key), payload, false)
}

// Close disconnects from the broker, letting in-flight messages drain.
func (m *MQTTSink) Close() {
	m.client.Disconnect(250)
}

func (m *MQTTSink) topic(key string) string {
	return fmt.Sprintf("%s/alerts/%s", m.cfg.TopicPrefix, key)
}

func (m *MQTTSink) publish(topic string, payload []byte, retained bool) {
	token := m.client.Publish(topic, 0, retained, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Warn().Str("topic", topic).Err(token.Error()).Msg("mqtt_publish_failed")
	}
}
