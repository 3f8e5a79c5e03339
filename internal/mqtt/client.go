package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/ingest"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Ingester stores a reading.
type Ingester interface {
	Ingest(ctx context.Context, r ingest.Reading) (*models.Measurement, error)
}

// Client handles MQTT connection and message processing
type Client struct {
	client   mqtt.Client
	ingester Ingester
	config   *config.Config
	timeout  time.Duration
}

// NewClient creates a new MQTT client
func NewClient(cfg *config.Config, ingester Ingester) (*Client, error) {
	opts := mqtt.NewClientOptions()
	brokerURL := cfg.GetMQTTBrokerURL()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.MQTT.ClientID)

	// Configure TLS if using SSL or HTTPS
	if strings.HasPrefix(brokerURL, "ssl://") || strings.HasPrefix(brokerURL, "wss://") {
		log.Info().Str("broker", brokerURL).Msg("Configuring TLS for secure connection")
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("Connection to MQTT broker lost")
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Info().Msg("Attempting to reconnect to MQTT broker...")
	})

	c := &Client{
		ingester: ingester,
		config:   cfg,
		timeout:  10 * time.Second,
	}
	// Subscriptions are lost on reconnect with a clean session.
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if err := c.Subscribe(); err != nil {
			log.Error().Err(err).Msg("Failed to subscribe after connect")
		}
	})
	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info().Str("broker", c.config.GetMQTTBrokerURL()).Msg("Connected to MQTT broker")
	return nil
}

// Subscribe subscribes to the configured topic
func (c *Client) Subscribe() error {
	handler := func(client mqtt.Client, msg mqtt.Message) {
		log.Debug().Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("Received message")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.processMessage(ctx, msg.Topic(), msg.Payload())
	}

	token := c.client.Subscribe(c.config.MQTT.Topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", c.config.MQTT.Topic, token.Error())
	}
	log.Info().Str("topic", c.config.MQTT.Topic).Msg("Subscribed to topic")
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	log.Info().Msg("Disconnected from MQTT broker")
}

// parseReading decodes a device payload:
//
//	{"token": "sk_iot_...", "sensor_type_id": 1, "value": 23.4, "timestamp": "2026-01-02T15:04:05Z"}
//
// Numbers may also arrive as strings, as some firmwares print them.
func parseReading(payload []byte) (ingest.Reading, error) {
	var rawData map[string]interface{}
	if err := json.Unmarshal(payload, &rawData); err != nil {
		return ingest.Reading{}, fmt.Errorf("error unmarshaling message: %w", err)
	}

	token, ok := rawData["token"].(string)
	if !ok || token == "" {
		return ingest.Reading{}, fmt.Errorf("token is missing or not a string: %w", models.ErrUnauthorized)
	}
	sensorTypeID, ok := getFloat64Value(rawData, "sensor_type_id")
	if !ok {
		return ingest.Reading{}, fmt.Errorf("sensor_type_id is missing or not a number: %w", models.ErrValidation)
	}
	value, ok := getFloat64Value(rawData, "value")
	if !ok {
		return ingest.Reading{}, fmt.Errorf("value is missing or not a number: %w", models.ErrValidation)
	}

	reading := ingest.Reading{
		Token:        token,
		SensorTypeID: int64(sensorTypeID),
		Value:        value,
		Source:       ingest.SourceMQTT,
	}

	// Parse timestamp
	if tsStr, ok := rawData["timestamp"].(string); ok {
		timestamp, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			log.Warn().Err(err).Str("timestamp", tsStr).Msg("Error parsing timestamp, using arrival time")
		} else {
			reading.Timestamp = &timestamp
		}
	}
	return reading, nil
}

// processMessage processes an MQTT message and hands it to the ingest pipeline
func (c *Client) processMessage(ctx context.Context, topic string, payload []byte) {
	reading, err := parseReading(payload)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Dropping malformed reading")
		return
	}

	m, err := c.ingester.Ingest(ctx, reading)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Reading rejected")
		return
	}

	log.Info().
		Int64("device_id", m.DeviceID).
		Int64("sensor_type_id", m.SensorTypeID).
		Float64("value", m.Value).
		Time("created_at", m.CreatedAt).
		Msg("Successfully processed and stored measurement")
}

// getFloat64Value safely extracts a float64 value from the map
func getFloat64Value(data map[string]interface{}, key string) (float64, bool) {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case float64:
			return v, true
		case string:
			if f, err := parseFloat(v); err == nil {
				return f, true
			}
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

// parseFloat attempts to parse a string as a float64
func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}
