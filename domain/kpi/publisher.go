package kpi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/soocke/stbkpi-go/domain/timing"
)

// MQTTConfig configures the optional result mirror.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	Retain   bool   `mapstructure:"retain" yaml:"retain"`
}

// publishClient is the part of mqtt.Client the publisher uses.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// Message is the JSON document published per result.
type Message struct {
	SessionID    string         `json:"session_id"`
	Plan         string         `json:"plan"`
	Device       string         `json:"device,omitempty"`
	Artifact     string         `json:"artifact"`
	Status       timing.Status  `json:"status"`
	Value        *float64       `json:"value"`
	Phase        timing.Phase   `json:"phase"`
	TimedOutIn   string         `json:"timed_out_in,omitempty"`
	Marks        timing.Marks   `json:"marks"`
	Blackouts    []BlackoutJSON `json:"blackouts,omitempty"`
	ErrorScreen  string         `json:"error_screen,omitempty"`
	ReadySeconds float64        `json:"ready_seconds,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// BlackoutJSON is one closed or open blackout interval.
type BlackoutJSON struct {
	Source  string    `json:"source"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end,omitzero"`
	Seconds float64   `json:"seconds"`
}

// NewMessage flattens res for publication. The value is null for failures.
func NewMessage(res timing.Result, device string) Message {
	m := Message{
		SessionID:    res.SessionID,
		Plan:         res.Plan,
		Device:       device,
		Artifact:     res.ArtifactPath,
		Status:       res.Status,
		Phase:        res.Phase,
		Marks:        res.Marks,
		ReadySeconds: res.ReadyAfter.Seconds(),
	}
	if v, ok := res.Value(); ok {
		m.Value = &v
	}
	if res.Status == timing.StatusTimedOut {
		m.TimedOutIn = res.TimedOutIn.String()
	}
	for _, iv := range res.Intervals() {
		m.Blackouts = append(m.Blackouts, BlackoutJSON{
			Source: iv.Source, Start: iv.Start, End: iv.End,
			Seconds: iv.Duration(res.Ended).Seconds(),
		})
	}
	if res.ErrorScreen != nil {
		m.ErrorScreen = res.ErrorScreen.String()
	}
	if res.Err != nil {
		m.Error = res.Err.Error()
	}
	return m
}

// Publisher mirrors results to an MQTT topic.
type Publisher struct {
	client publishClient
	topic  string
	retain bool
	device string
	logger *slog.Logger
}

// DialPublisher connects to cfg.Broker.
func DialPublisher(cfg MQTTConfig, device string, logger *slog.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("kpi: mqtt broker not configured")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("kpi: mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("kpi: mqtt connect to %s: %w", cfg.Broker, err)
	}
	logger.Info("mqtt connected", "broker", cfg.Broker, "topic", cfg.Topic)
	return newPublisher(c, cfg, device, logger), nil
}

func newPublisher(c publishClient, cfg MQTTConfig, device string, logger *slog.Logger) *Publisher {
	topic := cfg.Topic
	if topic == "" {
		topic = "stbkpi/results"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{client: c, topic: topic, retain: cfg.Retain, device: device, logger: logger}
}

// Publish sends res as JSON to "<topic>/<plan>".
func (p *Publisher) Publish(ctx context.Context, res timing.Result) error {
	payload, err := json.Marshal(NewMessage(res, p.device))
	if err != nil {
		return fmt.Errorf("kpi: encode result: %w", err)
	}
	topic := p.topic + "/" + res.Plan
	tok := p.client.Publish(topic, 1, p.retain, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("kpi: publish to %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("kpi: publish to %s: %w", topic, err)
	}
	p.logger.Debug("result published", "topic", topic, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() { p.client.Disconnect(250) }
