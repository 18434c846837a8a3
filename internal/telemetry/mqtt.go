// Package telemetry mirrors session lifecycle events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/config"
	"github.com/tablelink-project/tablelink/internal/events"
	"github.com/tablelink-project/tablelink/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicState     = "session/state"
	TopicReconnect = "session/reconnect"
	TopicTerminal  = "session/terminal"
	TopicErrors    = "session/errors"
	TopicStatus    = "session/status"
	TopicHealth    = "health"
	TopicAdmin     = "admin"
)

// MQTTHandler publishes session events to MQTT.
type MQTTHandler struct {
	client   mqtt.Client
	eventBus *events.EventBus
	prefix   string
	broker   string
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler from the MQTT configuration section.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := sysInfo.Metadata()
	metadata["app_version"] = version

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("tablelink-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	logger := util.ComponentLogger("telemetry")
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", broker).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h := newHandler(mqtt.NewClient(opts), eventBus, cfg.TopicPrefix, metadata)
	h.broker = broker
	return h, nil
}

func newHandler(client mqtt.Client, eventBus *events.EventBus, prefix string, metadata map[string]interface{}) *MQTTHandler {
	return &MQTTHandler{
		client:   client,
		eventBus: eventBus,
		prefix:   prefix,
		metadata: metadata,
		logger:   util.ComponentLogger("telemetry"),
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the broker and forwards events until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("broker", h.broker).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

var forwarded = []events.EventType{
	events.EventStateChanged,
	events.EventConnected,
	events.EventReconnectScheduled,
	events.EventHeartbeatTimeout,
	events.EventReconnectExhausted,
	events.EventSessionExpired,
	events.EventAuthRejected,
	events.EventServerError,
	events.EventFrameMalformed,
	events.EventStatus,
	events.EventHealthWarning,
}

func (h *MQTTHandler) subscribeEvents() {
	for _, t := range forwarded {
		h.eventBus.Subscribe(t, "mqtt", h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range forwarded {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
}

// TopicFor maps an event type to its topic suffix.
func TopicFor(t events.EventType) string {
	switch {
	case t.IsTerminal():
		return TopicTerminal
	case t == events.EventReconnectScheduled, t == events.EventHeartbeatTimeout:
		return TopicReconnect
	case t == events.EventServerError, t == events.EventFrameMalformed:
		return TopicErrors
	case t == events.EventStatus:
		return TopicStatus
	case t == events.EventHealthWarning:
		return TopicHealth
	default:
		return TopicState
	}
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	h.publish(TopicFor(event.Type), string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.prefix == "" {
		return suffix
	}
	return h.prefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix, event string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, string(events.EventShutdown), nil)
}
