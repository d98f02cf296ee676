package output

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/models"
)

// MQTTSinkName is the name MQTT sinks report in logs and counters.
const MQTTSinkName = "mqtt"

const (
	defaultConnectTimeout = 5 * time.Second
	publishTimeout        = 5 * time.Second
	disconnectQuiesceMs   = 250
)

// MQTTConfig configures an MQTT sink.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix is prepended to every topic, e.g. "antikoerper/host1".
	TopicPrefix string
	QoS         byte
	Retained    bool
	// ConnectTimeout bounds the wait for the first connection. The client
	// keeps retrying in the background after it expires.
	ConnectTimeout time.Duration
}

// MQTTSink publishes every metric as a JSON message on a topic derived from
// its key. The paho client is safe for concurrent use and queues messages
// while it reconnects.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *zap.Logger
}

// mqttMessage is the payload of one published metric.
type mqttMessage struct {
	Value     models.Value `json:"value"`
	Timestamp int64        `json:"timestamp"`
}

// NewMQTTSink connects to the broker. An unreachable broker is not an
// error: the client keeps retrying and publishes once connected.
func NewMQTTSink(cfg MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	logger = logger.Named("mqtt")

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "antikoerper-" + uuid.New().String()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	if cfg.QoS > 2 {
		return nil, &SinkError{Sink: MQTTSinkName, Err: fmt.Errorf("invalid qos %d", cfg.QoS)}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(timeout).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("Connected to broker", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("Lost broker connection", zap.String("broker", cfg.Broker), zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		logger.Warn("Broker not reachable yet, retrying in background",
			zap.String("broker", cfg.Broker),
			zap.Duration("waited", timeout))
	} else if err := token.Error(); err != nil {
		return nil, &SinkError{Sink: MQTTSinkName, Err: fmt.Errorf("connecting to %s: %w", cfg.Broker, err)}
	}

	return &MQTTSink{
		client: client,
		prefix: strings.Trim(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		retain: cfg.Retained,
		logger: logger,
	}, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return MQTTSinkName }

// Write publishes one message per metric and waits, bounded, for the
// broker to acknowledge them.
func (s *MQTTSink) Write(ctx context.Context, batch []models.Metric) error {
	tokens := make([]mqtt.Token, 0, len(batch))
	for _, m := range batch {
		payload, err := mqttPayload(m)
		if err != nil {
			s.logger.Warn("Skipping metric that cannot be encoded", zap.String("key", m.Key), zap.Error(err))
			continue
		}
		tokens = append(tokens, s.client.Publish(Topic(s.prefix, m.Key), s.qos, s.retain, payload))
	}

	deadline := time.Now().Add(publishTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for _, t := range tokens {
		if !t.WaitTimeout(time.Until(deadline)) {
			return &SinkError{Sink: MQTTSinkName, Err: fmt.Errorf("publish not acknowledged within %s", publishTimeout)}
		}
		if err := t.Error(); err != nil {
			return &SinkError{Sink: MQTTSinkName, Err: err}
		}
	}
	return nil
}

// Close disconnects from the broker after in-flight messages are sent.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(disconnectQuiesceMs)
	return nil
}

// Topic maps a metric key to an MQTT topic: key levels become topic levels
// below prefix. Wildcard characters, which are not allowed in published
// topics, are replaced.
func Topic(prefix, key string) string {
	level := strings.NewReplacer("+", "_", "#", "_", "/", "_").Replace(key)
	topic := strings.ReplaceAll(level, models.KeySeparator, "/")
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

func mqttPayload(m models.Metric) ([]byte, error) {
	return json.Marshal(mqttMessage{Value: m.Value, Timestamp: m.Timestamp.UnixMilli()})
}
