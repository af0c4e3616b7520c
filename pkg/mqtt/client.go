// Package mqtt publishes connection-manager state to the local MQTT
// bus using the /devices/... topic conventions.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/config"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Client publishes controller events and periodic status documents.
type Client struct {
	client MQTT.Client
	cfg    *config.MQTTConfig
	logger *logx.Logger
}

// NewClient creates an MQTT client from configuration. Connect must
// be called before publishing.
func NewClient(cfg *config.MQTTConfig, logger *logx.Logger) *Client {
	opts := MQTT.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(cfg.TopicPrefix+"/meta/error", "offline", byte(cfg.QoS), true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return &Client{
		client: MQTT.NewClient(opts),
		cfg:    cfg,
		logger: logger,
	}
}

// Connect establishes the broker connection.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	c.logger.Info("Connected to MQTT broker", "broker", c.cfg.Broker, "port", c.cfg.Port)

	// Clear a retained error left by an unclean shutdown.
	c.publish(c.cfg.TopicPrefix+"/meta/error", "", true)
	return nil
}

// Disconnect closes the broker connection gracefully.
func (c *Client) Disconnect() {
	c.client.Disconnect(uint(publishTimeout / time.Millisecond))
	c.logger.Info("Disconnected from MQTT broker")
}

// PublishEvent pushes one controller state transition.
func (c *Client) PublishEvent(event *pkg.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return c.publish(c.cfg.TopicPrefix+"/events", string(data), false)
}

// PublishActive publishes the active connection id as a retained
// control value; empty means no usable connection.
func (c *Client) PublishActive(activeID string) error {
	return c.publish(c.cfg.TopicPrefix+"/controls/active_connection", activeID, true)
}

// PublishStatus pushes a periodic status document.
func (c *Client) PublishStatus(status map[string]interface{}) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	return c.publish(c.cfg.TopicPrefix+"/status", string(data), true)
}

func (c *Client) publish(topic, payload string, retain bool) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := c.client.Publish(topic, byte(c.cfg.QoS), retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed on %s: %w", topic, err)
	}
	return nil
}
