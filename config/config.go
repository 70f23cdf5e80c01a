package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/detect"
	"github.com/soocke/stbkpi-go/domain/kpi"
)

// EnvPrefix prefixes environment overrides, e.g. STBKPI_DEVICE_SERIAL.
const EnvPrefix = "STBKPI"

// Config holds runtime configuration for capture, detection, device control
// and result output. It is loaded from YAML and overridden by environment
// variables and command-line flags.
type Config struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`

	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Device      DeviceConfig      `mapstructure:"device" yaml:"device"`
	Capture     CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Recording   RecordingConfig   `mapstructure:"recording" yaml:"recording"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Matching    MatchingConfig    `mapstructure:"matching" yaml:"matching"`
	Blackscreen BlackscreenConfig `mapstructure:"blackscreen" yaml:"blackscreen"`
	Boot        PlanConfig        `mapstructure:"boot" yaml:"boot"`
	Zap         PlanConfig        `mapstructure:"zap" yaml:"zap"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	MQTT        kpi.MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or text
}

// DeviceConfig addresses the box under test.
type DeviceConfig struct {
	Serial        string        `mapstructure:"serial" yaml:"serial"`
	ADBPath       string        `mapstructure:"adb_path" yaml:"adb_path"`
	ReadyInterval time.Duration `mapstructure:"ready_interval" yaml:"ready_interval"`
	ReadyCeiling  time.Duration `mapstructure:"ready_ceiling" yaml:"ready_ceiling"`
	// Model and Version override the getprop lookup used for the result path.
	Model   string    `mapstructure:"model" yaml:"model"`
	Version string    `mapstructure:"version" yaml:"version"`
	PDU     PDUConfig `mapstructure:"pdu" yaml:"pdu"`
}

type PDUConfig struct {
	Host      string        `mapstructure:"host" yaml:"host"`
	Community string        `mapstructure:"community" yaml:"community"`
	OID       string        `mapstructure:"oid" yaml:"oid"`
	Path      string        `mapstructure:"path" yaml:"path"`
	OffDelay  time.Duration `mapstructure:"off_delay" yaml:"off_delay"`
}

// CaptureConfig selects the frame source. Source is "ffmpeg" (device, file
// or stream URL) or "screen" (desktop grab of Screen).
type CaptureConfig struct {
	Source      string         `mapstructure:"source" yaml:"source"`
	FFmpegPath  string         `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	Input       string         `mapstructure:"input" yaml:"input"`
	Format      string         `mapstructure:"format" yaml:"format"`
	InputArgs   []string       `mapstructure:"input_args" yaml:"input_args,omitempty"`
	Width       int            `mapstructure:"width" yaml:"width"`
	Height      int            `mapstructure:"height" yaml:"height"`
	FPS         float64        `mapstructure:"fps" yaml:"fps"`
	Clock       string         `mapstructure:"clock" yaml:"clock"` // wall or nominal
	Realtime    bool           `mapstructure:"realtime" yaml:"realtime"`
	OpenTimeout time.Duration  `mapstructure:"open_timeout" yaml:"open_timeout"`
	Screen      capture.Region `mapstructure:"screen" yaml:"screen"`
}

type RecordingConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	FFmpegPath   string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	Codec        string        `mapstructure:"codec" yaml:"codec"`
	Preset       string        `mapstructure:"preset" yaml:"preset"`
	CRF          int           `mapstructure:"crf" yaml:"crf"`
	Overlay      bool          `mapstructure:"overlay" yaml:"overlay"`
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
}

// OutputConfig places artifacts under
// <root>/<model>/KPI/<version>/<kind>/ next to the KPI log.
type OutputConfig struct {
	Root     string `mapstructure:"root" yaml:"root"`
	KPIFile  string `mapstructure:"kpi_file" yaml:"kpi_file"`
	Fallback string `mapstructure:"fallback" yaml:"fallback"`
}

// MatchingConfig tunes template matching.
type MatchingConfig struct {
	MinScale    float64 `mapstructure:"min_scale" yaml:"min_scale"`
	MaxScale    float64 `mapstructure:"max_scale" yaml:"max_scale"`
	ScaleStep   float64 `mapstructure:"scale_step" yaml:"scale_step"`
	Stride      int     `mapstructure:"stride" yaml:"stride"`
	Refine      bool    `mapstructure:"refine" yaml:"refine"`
	StopOnScore float64 `mapstructure:"stop_on_score" yaml:"stop_on_score"`
	CacheSize   int     `mapstructure:"cache_size" yaml:"cache_size"`
}

// BlackscreenConfig is the session-wide blackout monitor. A blackout is
// reported once the picture stayed dark for Duration.
type BlackscreenConfig struct {
	Enabled   bool           `mapstructure:"enabled" yaml:"enabled"`
	Threshold float64        `mapstructure:"threshold" yaml:"threshold"`
	Duration  time.Duration  `mapstructure:"duration" yaml:"duration"`
	Region    capture.Region `mapstructure:"region" yaml:"region"`
}

// Post-capture hold bounds.
const (
	MinHold = 10 * time.Second
	MaxHold = 40 * time.Second
)

// PlanConfig parameterises a boot or zap measurement.
type PlanConfig struct {
	Label          string        `mapstructure:"label" yaml:"label"`
	Expected       float64       `mapstructure:"expected" yaml:"expected"`
	Trigger        string        `mapstructure:"trigger" yaml:"trigger"`
	PreRoll        time.Duration `mapstructure:"pre_roll" yaml:"pre_roll"`
	TriggerTimeout time.Duration `mapstructure:"trigger_timeout" yaml:"trigger_timeout"`
	// Hold is the post-capture recording window, normally 10 to 40 s. Zero
	// selects MinHold and anything above MaxHold is clamped.
	Hold       time.Duration `mapstructure:"hold" yaml:"hold"`
	Ceiling    time.Duration `mapstructure:"ceiling" yaml:"ceiling"`
	Iterations int           `mapstructure:"iterations" yaml:"iterations"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`

	Blackout    StageConfig       `mapstructure:"blackout" yaml:"blackout"`
	Recovery    StageConfig       `mapstructure:"recovery" yaml:"recovery"`
	Signature   SignatureConfig   `mapstructure:"signature" yaml:"signature"`
	ErrorScreen ErrorScreenConfig `mapstructure:"error_screen" yaml:"error_screen"`
}

// StageConfig configures a luminance stage (blackout, recovery).
type StageConfig struct {
	Enabled         bool           `mapstructure:"enabled" yaml:"enabled"`
	Threshold       float64        `mapstructure:"threshold" yaml:"threshold"`
	ConsecutiveHits int            `mapstructure:"consecutive_hits" yaml:"consecutive_hits"`
	ReleaseHits     int            `mapstructure:"release_hits" yaml:"release_hits"`
	Region          capture.Region `mapstructure:"region" yaml:"region"`
	Timeout         time.Duration  `mapstructure:"timeout" yaml:"timeout"`
}

// SignatureConfig configures the end-of-measurement detector: "template"
// (logo found) or "motion" (live picture).
type SignatureConfig struct {
	Detector        string         `mapstructure:"detector" yaml:"detector"`
	Template        string         `mapstructure:"template" yaml:"template"`
	TemplateWidth   int            `mapstructure:"template_width" yaml:"template_width"`
	Threshold       float64        `mapstructure:"threshold" yaml:"threshold"`
	Region          capture.Region `mapstructure:"region" yaml:"region"`
	Margin          int            `mapstructure:"margin" yaml:"margin"`
	SampleEvery     int            `mapstructure:"sample_every" yaml:"sample_every"`
	ConsecutiveHits int            `mapstructure:"consecutive_hits" yaml:"consecutive_hits"`
	PixelThreshold  int            `mapstructure:"pixel_threshold" yaml:"pixel_threshold"`
	Decay           bool           `mapstructure:"decay" yaml:"decay"`
	Timeout         time.Duration  `mapstructure:"timeout" yaml:"timeout"`
}

type ErrorScreenConfig struct {
	Enabled         bool                    `mapstructure:"enabled" yaml:"enabled"`
	Signatures      []detect.ColorSignature `mapstructure:"signatures" yaml:"signatures,omitempty"`
	ConsecutiveHits int                     `mapstructure:"consecutive_hits" yaml:"consecutive_hits"`
	TitleRegion     capture.Region          `mapstructure:"title_region" yaml:"title_region"`
	CodeRegion      capture.Region          `mapstructure:"code_region" yaml:"code_region"`
	Keyword         string                  `mapstructure:"keyword" yaml:"keyword"`
	Tesseract       TesseractConfig         `mapstructure:"tesseract" yaml:"tesseract"`
}

type TesseractConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Path     string `mapstructure:"path" yaml:"path"`
	Language string `mapstructure:"language" yaml:"language"`
	PSM      int    `mapstructure:"psm" yaml:"psm"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Device: DeviceConfig{
			ADBPath:       "adb",
			ReadyInterval: 5 * time.Second,
			ReadyCeiling:  180 * time.Second,
			PDU:           PDUConfig{Community: "public", Path: "snmpset", OffDelay: time.Second},
		},
		Capture: CaptureConfig{
			Source:      "ffmpeg",
			FFmpegPath:  "ffmpeg",
			Input:       "/dev/video0",
			Format:      "v4l2",
			Width:       1280,
			Height:      720,
			FPS:         30,
			Clock:       "wall",
			OpenTimeout: 5 * time.Second,
		},
		Recording: RecordingConfig{
			Enabled:      true,
			FFmpegPath:   "ffmpeg",
			Codec:        "libx264",
			Preset:       "veryfast",
			CRF:          23,
			Overlay:      true,
			CloseTimeout: 10 * time.Second,
		},
		Output: OutputConfig{Root: "results", KPIFile: "results.txt"},
		Matching: MatchingConfig{
			MinScale:    1.0,
			MaxScale:    1.0,
			ScaleStep:   0.05,
			Stride:      2,
			Refine:      true,
			StopOnScore: 0.95,
			CacheSize:   16,
		},
		Blackscreen: BlackscreenConfig{Enabled: true, Threshold: 10, Duration: 5 * time.Second},
		Boot: PlanConfig{
			Label:    "KPI",
			Expected: 90,
			Trigger:  "reboot",
			PreRoll:  10 * time.Second,
			Hold:     20 * time.Second,
			Ceiling:  180 * time.Second,
			Blackout: StageConfig{Enabled: true, Threshold: 20, ConsecutiveHits: 5, Timeout: 60 * time.Second},
			Recovery: StageConfig{Enabled: true, Threshold: 20, ConsecutiveHits: 5, Timeout: 120 * time.Second},
			Signature: SignatureConfig{
				Detector:        "template",
				Threshold:       0.5,
				Margin:          10,
				SampleEvery:     10,
				ConsecutiveHits: 1,
				Timeout:         120 * time.Second,
			},
		},
		Zap: PlanConfig{
			Label:      "KPI",
			Expected:   3.5,
			Trigger:    "channel_up",
			PreRoll:    5 * time.Second,
			Hold:       10 * time.Second,
			Ceiling:    60 * time.Second,
			Iterations: 1,
			Interval:   5 * time.Second,
			Signature: SignatureConfig{
				Detector:        "motion",
				Threshold:       5,
				ConsecutiveHits: 20,
				PixelThreshold:  10,
				Timeout:         30 * time.Second,
			},
			ErrorScreen: ErrorScreenConfig{
				ConsecutiveHits: 3,
				Keyword:         "erreur",
				Tesseract:       TesseractConfig{Enabled: true, Path: "tesseract", Language: "fra", PSM: 6},
			},
		},
	}
}

// Validate clamps values to safe ranges and reports settings that cannot be
// corrected.
func (c *Config) Validate() error {
	var errs []error
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		errs = append(errs, fmt.Errorf("capture: invalid size %dx%d", c.Capture.Width, c.Capture.Height))
	}
	if c.Capture.FPS <= 0 {
		c.Capture.FPS = 30
	}
	switch c.Capture.Source {
	case "ffmpeg", "screen":
	default:
		errs = append(errs, fmt.Errorf("capture: unknown source %q", c.Capture.Source))
	}
	switch c.Capture.Clock {
	case "", "wall", "nominal":
	default:
		errs = append(errs, fmt.Errorf("capture: unknown clock %q", c.Capture.Clock))
	}
	if c.Device.ReadyInterval <= 0 {
		c.Device.ReadyInterval = 5 * time.Second
	}
	if c.Device.ReadyCeiling <= 0 {
		c.Device.ReadyCeiling = 180 * time.Second
	}
	m := &c.Matching
	if m.MinScale <= 0 {
		m.MinScale = 1.0
	}
	if m.MaxScale <= 0 || m.MaxScale < m.MinScale {
		m.MaxScale = m.MinScale
	}
	if m.ScaleStep <= 0 {
		m.ScaleStep = 0.05
	}
	if m.Stride <= 0 {
		m.Stride = 1
	}
	if m.StopOnScore < 0 || m.StopOnScore > 1 {
		m.StopOnScore = 0.95
	}
	if c.Blackscreen.Duration <= 0 {
		c.Blackscreen.Duration = 5 * time.Second
	}
	for _, p := range []struct {
		name string
		plan *PlanConfig
	}{{"boot", &c.Boot}, {"zap", &c.Zap}} {
		if err := p.plan.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *PlanConfig) validate() error {
	if p.Iterations <= 0 {
		p.Iterations = 1
	}
	if p.Label == "" {
		p.Label = "KPI"
	}
	if p.Hold <= 0 {
		p.Hold = MinHold
	}
	p.Hold = min(p.Hold, MaxHold)
	switch p.Signature.Detector {
	case "motion":
	case "template":
		if p.Signature.Threshold <= 0 || p.Signature.Threshold > 1 {
			p.Signature.Threshold = 0.5
		}
	default:
		return fmt.Errorf("signature: unknown detector %q", p.Signature.Detector)
	}
	if p.Signature.ConsecutiveHits <= 0 {
		p.Signature.ConsecutiveHits = 1
	}
	return nil
}

// Load reads configuration from the YAML file at path on top of the
// defaults, then applies STBKPI_* environment overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// NewViper returns a viper instance seeded with the defaults, merged with
// the file at path when it exists, and bound to the environment. Callers
// bind flags to it before FromViper.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	base, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			defer f.Close()
			if err := v.MergeConfig(f); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// YAML encodes the configuration.
func (c *Config) YAML() ([]byte, error) { return yaml.Marshal(c) }

// Save writes the configuration to the given path in YAML format.
func (c *Config) Save(path string) error {
	_ = c.Validate()
	out, err := c.YAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0o644)
}
