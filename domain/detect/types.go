package detect

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/soocke/stbkpi-go/domain/capture"
)

// Event marks the boundaries of a blackout interval.
type Event int

const (
	EventNone Event = iota
	EventBlackoutStart
	EventBlackoutEnd
)

func (e Event) String() string {
	switch e {
	case EventBlackoutStart:
		return "start"
	case EventBlackoutEnd:
		return "end"
	default:
		return "none"
	}
}

func (e Event) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// Hit is the outcome of one evaluation. Score is detector specific: mean
// luminance, NCC similarity, changed-pixel percentage or colour distance.
type Hit struct {
	Fired   bool
	Score   float64
	Event   Event
	Payload any
}

// Detector evaluates one frame against a config and mutates only st.
// Implementations never block and never retain the frame.
type Detector interface {
	Name() string
	Evaluate(f *capture.Frame, cfg *Config, st *State) Hit
}

// ColorSignature expects the mean colour of Region to lie within Tolerance
// (per channel) of RGB.
type ColorSignature struct {
	Region    capture.Region `mapstructure:"region" yaml:"region"`
	RGB       [3]float64     `mapstructure:"rgb" yaml:"rgb"`
	Tolerance float64        `mapstructure:"tolerance" yaml:"tolerance"`
}

// Config holds per-binding detector parameters. Unused fields are ignored by
// detectors that do not need them.
type Config struct {
	Threshold       float64
	Region          capture.Region
	ConsecutiveHits int
	ReleaseHits     int // bright frames closing a blackout; defaults to ConsecutiveHits
	PixelThreshold  int // per-pixel absolute difference counted as change; default 10
	Margin          int
	SampleEvery     int
	Decay           bool
	Invert          bool

	Template    *capture.Template
	Scales      []float64
	Stride      int
	Refine      bool
	StopOnScore float64

	Signatures  []ColorSignature
	TitleRegion capture.Region
	CodeRegion  capture.Region
	Keyword     string
	OCR         OCR
}

func (c *Config) consecutive() int { return max(1, c.ConsecutiveHits) }

func (c *Config) release() int {
	if c.ReleaseHits > 0 {
		return c.ReleaseHits
	}
	return c.consecutive()
}

func (c *Config) pixelThreshold() int {
	if c.PixelThreshold > 0 {
		return c.PixelThreshold
	}
	return 10
}

// sampled advances the frame counter and reports whether this frame is
// analysed. The first frame is always analysed.
func (c *Config) sampled(st *State) bool {
	n := st.Frames
	st.Frames++
	return c.SampleEvery <= 1 || n%uint64(c.SampleEvery) == 0
}

// Validate checks every region against a width x height frame and the
// template against its search window.
func (c *Config) Validate(width, height int) error {
	var errs []error
	if err := c.Region.Validate(width, height); err != nil {
		errs = append(errs, err)
	} else if c.Template != nil {
		search := c.Region.Pad(c.Margin, width, height)
		if search.Width() < c.Template.W || search.Height() < c.Template.H {
			errs = append(errs, fmt.Errorf("%w: region %s smaller than template %q (%dx%d)",
				capture.ErrRegionConfiguration, search, c.Template.Name, c.Template.W, c.Template.H))
		}
	}
	for i, sig := range c.Signatures {
		if err := sig.Region.Validate(width, height); err != nil {
			errs = append(errs, fmt.Errorf("signature %d: %w", i, err))
		}
	}
	if c.OCR != nil {
		if err := c.TitleRegion.Validate(width, height); err != nil {
			errs = append(errs, fmt.Errorf("title: %w", err))
		}
		if err := c.CodeRegion.Validate(width, height); err != nil {
			errs = append(errs, fmt.Errorf("code: %w", err))
		}
	}
	return errors.Join(errs...)
}

// State is the mutable memory of one detector binding within one session.
type State struct {
	LastRegion []byte // motion baseline (grayscale copy of the previous region)
	LastW      int
	LastH      int
	Hits       int
	Misses     int
	Active     bool // blackout currently open
	SeenActive bool // a blackout was opened at least once
	Frames     uint64
	LastScore  float64
	// Armed is cleared when the binding is disabled for the session
	// (fail closed) and restored by Reset.
	Armed          bool
	ConfigReported bool

	scratch []byte
	ocr     *ocrJob
}

// NewState returns an armed, empty state.
func NewState() *State { return &State{Armed: true} }

// Reset clears detection memory and re-arms the state. The configuration
// error flag survives so a bad region is reported once per session.
func (s *State) Reset() {
	reported := s.ConfigReported
	scratch := s.scratch
	*s = State{Armed: true, ConfigReported: reported, scratch: scratch}
}

// reportConfig logs a region configuration error once per state.
func reportConfig(logger *slog.Logger, name string, st *State, err error) {
	if st.ConfigReported {
		return
	}
	st.ConfigReported = true
	if logger != nil {
		logger.Error("detector configuration error", "detector", name, "error", err)
	}
}
