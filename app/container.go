package app

import (
	"context"
	"image"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soocke/stbkpi-go/config"
	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/detect"
	"github.com/soocke/stbkpi-go/domain/device"
	"github.com/soocke/stbkpi-go/domain/kpi"
	"github.com/soocke/stbkpi-go/metrics"
)

// SourceFactory builds the frame source for one measurement.
type SourceFactory func() capture.FrameSource

// AppContainer assembles the collaborators of a measurement run.
type AppContainer struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.SessionMetrics
	Loader    *detect.TemplateLoader
	ADB       *device.ADB
	Publisher *kpi.Publisher
	NewSource SourceFactory
	// Actuator overrides the device actuator chosen from the configuration.
	Actuator device.Actuator
	// OCR overrides the configured recogniser.
	OCR detect.OCR
}

// BuildContainer constructs all components. Side effects are limited to the
// MQTT connection when a broker is configured.
func BuildContainer(cfg *config.Config, logger *slog.Logger) (*AppContainer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &AppContainer{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	m, err := metrics.NewSessionMetrics(c.Registry)
	if err != nil {
		return nil, err
	}
	c.Metrics = m
	if c.Loader, err = detect.NewTemplateLoader(cfg.Matching.CacheSize); err != nil {
		return nil, err
	}
	c.ADB = &device.ADB{
		Path:     cfg.Device.ADBPath,
		Serial:   cfg.Device.Serial,
		Interval: cfg.Device.ReadyInterval,
		Runner:   device.ExecRunner{Timeout: cfg.Device.ReadyInterval, Logger: logger},
		Logger:   logger.With("component", "adb"),
	}
	c.NewSource = c.defaultSource
	if cfg.MQTT.Broker != "" {
		pub, err := kpi.DialPublisher(cfg.MQTT, cfg.Device.Serial, logger.With("component", "mqtt"))
		if err != nil {
			// Results still reach the KPI log; the mirror is optional.
			logger.Warn("mqtt publisher disabled", "error", err)
		} else {
			c.Publisher = pub
		}
	}
	return c, nil
}

// Close releases long-lived connections.
func (c *AppContainer) Close() {
	if c.Publisher != nil {
		c.Publisher.Close()
	}
}

func (c *AppContainer) defaultSource() capture.FrameSource {
	cc := c.Config.Capture
	if cc.Source == "screen" {
		r := cc.Screen
		return capture.NewScreenSource(image.Rect(r.Left, r.Top, r.Right, r.Bottom), cc.FPS, nil, c.Logger)
	}
	return capture.NewFFmpegSource(capture.FFmpegConfig{
		FFmpegPath:  cc.FFmpegPath,
		Input:       cc.Input,
		Format:      cc.Format,
		InputArgs:   cc.InputArgs,
		Width:       cc.Width,
		Height:      cc.Height,
		FPS:         cc.FPS,
		Clock:       capture.ClockMode(cc.Clock),
		Realtime:    cc.Realtime,
		OpenTimeout: cc.OpenTimeout,
	}, c.Logger)
}

// actuatorFor picks the actuator able to issue kind: the PDU for power
// cycles when one is configured, adb otherwise.
func (c *AppContainer) actuatorFor(kind device.Kind) device.Actuator {
	if c.Actuator != nil {
		return c.Actuator
	}
	pdu := c.Config.Device.PDU
	if kind == device.KindPowerCycle && pdu.Host != "" {
		return &device.PDU{
			Path:      pdu.Path,
			Host:      pdu.Host,
			Community: pdu.Community,
			OID:       pdu.OID,
			OffDelay:  pdu.OffDelay,
			Ready:     c.ADB,
			Runner:    device.ExecRunner{Timeout: c.Config.Device.ReadyInterval, Logger: c.Logger},
			Logger:    c.Logger.With("component", "pdu"),
		}
	}
	return c.ADB
}

// identity returns the model and software version used in result paths.
func (c *AppContainer) identity(ctx context.Context) (model, version string) {
	model, version = c.Config.Device.Model, c.Config.Device.Version
	if model == "" {
		if v, err := c.ADB.Model(ctx); err == nil && v != "" {
			model = v
		} else {
			c.Logger.Warn("device model lookup failed", "error", err)
			model = "unknown"
		}
	}
	if version == "" {
		if v, err := c.ADB.Version(ctx); err == nil && v != "" {
			version = v
		} else {
			c.Logger.Warn("device version lookup failed", "error", err)
			version = "unknown"
		}
	}
	return sanitize(model), sanitize(version)
}
