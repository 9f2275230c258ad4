// Package mqtt publishes telemetry to a broker so dashboards and home
// automation can follow what the agent is doing. Entirely optional; the
// agent runs the same with publishing disabled.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

// Config holds connection settings for the broker.
type Config struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"` // tcp://host:1883
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

// DefaultConfig returns sane broker defaults with publishing disabled.
func DefaultConfig() Config {
	return Config{
		Broker:      "tcp://127.0.0.1:1883",
		ClientID:    "bandwatch",
		TopicPrefix: "bandwatch",
		QoS:         1,
	}
}

// Client wraps the paho client with the agent's topic layout.
type Client struct {
	cfg    Config
	client paho.Client
	logger *logx.Logger
}

// NewClient creates a client; Connect must be called before publishing.
func NewClient(cfg Config, logger *logx.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "bandwatch"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "bandwatch"
	}
	return &Client{cfg: cfg, logger: logger}
}

// Connect dials the broker with auto-reconnect enabled. A broker outage
// after a successful connect is absorbed by the paho reconnect loop.
func (c *Client) Connect() error {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetOnConnectHandler(func(paho.Client) {
		c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("mqtt connect timeout to %s", c.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Disconnect flushes and closes the connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// PublishSample sends one recorded signal sample.
func (c *Client) PublishSample(sample *pkg.SignalSample) {
	c.publishJSON("signal", sample, false)
}

// PublishSwitch sends a switch decision as it is recorded.
func (c *Client) PublishSwitch(decision *pkg.SwitchDecision) {
	c.publishJSON("switch", decision, false)
}

// PublishBandTest sends a completed band test result.
func (c *Client) PublishBandTest(result *pkg.BandTestResult) {
	c.publishJSON("band_test", result, false)
}

// PublishHealth sends the agent heartbeat, retained so late subscribers
// see the last known state.
func (c *Client) PublishHealth(health interface{}) {
	c.publishJSON("health", health, true)
}

// publishJSON is fire and forget: a publish failure is logged, never
// propagated, so a broker outage cannot affect monitoring.
func (c *Client) publishJSON(topic string, payload interface{}, retained bool) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("mqtt payload marshal failed", "topic", topic, "error", err)
		return
	}

	fullTopic := c.cfg.TopicPrefix + "/" + topic
	token := c.client.Publish(fullTopic, c.cfg.QoS, retained, data)
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			c.logger.Warn("mqtt publish failed", "topic", fullTopic, "error", token.Error())
		}
	}()
}
