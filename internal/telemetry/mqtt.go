// Package telemetry publishes proxy events to MQTT and exposes Prometheus
// metrics.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	TopicSessions   = "sessions"
	TopicPlayers    = "players"
	TopicChat       = "chat"
	TopicModeration = "moderation"
	TopicStatus     = "status"
	TopicAdmin      = "admin"
)

const defaultTopicPrefix = "starrelay"

var eventTopics = map[events.EventType]string{
	events.EventSessionAdded:        TopicSessions,
	events.EventSessionClosed:       TopicSessions,
	events.EventPlayerIdentified:    TopicPlayers,
	events.EventPlayerAuthenticated: TopicPlayers,
	events.EventPlayerKicked:        TopicModeration,
	events.EventBanAdded:            TopicModeration,
	events.EventBanRemoved:          TopicModeration,
	events.EventChatMessage:         TopicChat,
	events.EventProxyStatus:         TopicStatus,
}

// MQTTHandler forwards bus events to an MQTT broker as JSON messages.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	prefix   string

	// Metadata included in every message
	metadata map[string]interface{}

	send func(topic string, data []byte)
}

// NewMQTTHandler creates a handler for the broker described by cfg.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	prefix := strings.Trim(cfg.Topic, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}

	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		prefix:   prefix,
		metadata: map[string]interface{}{
			"hostname":   sysInfo.Hostname,
			"os":         sysInfo.OS,
			"cpu_cores":  sysInfo.CPUCores,
			"memory_mb":  sysInfo.TotalMemory,
			"go_version": sysInfo.GoVersion,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("starrelay-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := brokerTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.send = h.publishToBroker

	return h, nil
}

func brokerTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS: client certificate
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

// Start connects to the broker, subscribes to bus events and blocks until
// ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	for eventType := range eventTopics {
		h.eventBus.Subscribe(eventType, "mqtt."+string(eventType), h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for eventType := range eventTopics {
		h.eventBus.Unsubscribe(eventType, "mqtt."+string(eventType))
	}
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	suffix, ok := eventTopics[event.Type]
	if !ok {
		return nil
	}
	h.publish(h.topic(suffix), string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.prefix + "/" + suffix
}

// publish wraps payload with the host metadata and sends it as JSON.
func (h *MQTTHandler) publish(topic, event string, payload interface{}) {
	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}
	h.send(topic, data)
}

func (h *MQTTHandler) publishToBroker(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
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

// PublishShutdown announces that the proxy is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), string(events.EventShutdown), nil)
}
