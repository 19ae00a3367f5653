package notification

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/config"
	"labguard-worker-go/internal/models"
)

// Publisher is satisfied by messaging.Service.
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// NATSSink publishes events as JSON on a subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

func (n *NATSSink) Name() string { return "nats" }

func (n *NATSSink) Send(_ context.Context, event models.EscalationEvent) error {
	return n.pub.Publish(n.subject, event)
}

// MQTTSink publishes a plain-text violation message per event.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTSink connects to the broker configured in cfg.
func NewMQTTSink(cfg *config.Config) (*MQTTSink, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	log.Info().Str("broker", broker).Str("topic", cfg.MQTTTopic).Msg("MQTT connection established")
	return &MQTTSink{client: client, topic: cfg.MQTTTopic}, nil
}

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) Send(ctx context.Context, event models.EscalationEvent) error {
	token := m.client.Publish(m.topic, m.qos, false, ViolationMessage(event))
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (m *MQTTSink) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
		log.Info().Msg("MQTT disconnected")
	}
}

// ViolationMessage renders the text payload lab dashboards subscribe to.
func ViolationMessage(event models.EscalationEvent) string {
	return fmt.Sprintf("[%s]\nUser: %s\nEvent: lab_safety_violation\nDetails: Incompliance detected at camera %s on %s",
		event.Timestamp.Format("02 Jan 2006 03:04 PM"),
		event.PersonID,
		event.CameraID,
		event.Timestamp.Format("2006-01-02"))
}
