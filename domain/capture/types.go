package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSourceUnavailable reports a capture device or stream that could not be opened.
	ErrSourceUnavailable = errors.New("capture: source unavailable")
	// ErrEncoderPipeBroken reports a recording encoder that exited while frames were still being written.
	ErrEncoderPipeBroken = errors.New("capture: encoder pipe broken")
	// ErrRegionConfiguration reports a region that does not fit the frame or the template it is matched against.
	ErrRegionConfiguration = errors.New("capture: region configuration error")
)

// FrameSource yields timestamped frames from a capture device or stream.
// Read returns io.EOF once the stream ends. Sequence numbers and timestamps
// increase monotonically. Sources never retry internally.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*Frame, error)
	Close() error
	Size() (width, height int)
	FrameRate() float64
}

// Region is a sub-rectangle of a frame. Bottom and Right are exclusive.
// The zero Region selects the whole frame.
type Region struct {
	Top    int `mapstructure:"top" yaml:"top" json:"top"`
	Bottom int `mapstructure:"bottom" yaml:"bottom" json:"bottom"`
	Left   int `mapstructure:"left" yaml:"left" json:"left"`
	Right  int `mapstructure:"right" yaml:"right" json:"right"`
}

// FullRegion returns the region covering a width x height frame.
func FullRegion(width, height int) Region {
	return Region{Top: 0, Bottom: height, Left: 0, Right: width}
}

func (r Region) IsZero() bool { return r == Region{} }
func (r Region) Width() int   { return r.Right - r.Left }
func (r Region) Height() int  { return r.Bottom - r.Top }

// Resolve maps the zero Region to the full frame and returns r otherwise.
func (r Region) Resolve(width, height int) Region {
	if r.IsZero() {
		return FullRegion(width, height)
	}
	return r
}

// Validate checks 0 <= top < bottom <= height and 0 <= left < right <= width.
func (r Region) Validate(width, height int) error {
	rr := r.Resolve(width, height)
	if rr.Top < 0 || rr.Top >= rr.Bottom || rr.Bottom > height ||
		rr.Left < 0 || rr.Left >= rr.Right || rr.Right > width {
		return fmt.Errorf("%w: region %s outside %dx%d frame", ErrRegionConfiguration, rr, width, height)
	}
	return nil
}

// Pad grows the region by margin pixels on every side, clamped to the frame.
func (r Region) Pad(margin, width, height int) Region {
	rr := r.Resolve(width, height)
	if margin <= 0 {
		return rr
	}
	rr.Top = max(0, rr.Top-margin)
	rr.Left = max(0, rr.Left-margin)
	rr.Bottom = min(height, rr.Bottom+margin)
	rr.Right = min(width, rr.Right+margin)
	return rr
}

func (r Region) String() string {
	return fmt.Sprintf("[%d:%d,%d:%d]", r.Top, r.Bottom, r.Left, r.Right)
}

// ClockMode selects how a source stamps frames.
type ClockMode string

const (
	// ClockWall stamps frames with the time they were read.
	ClockWall ClockMode = "wall"
	// ClockNominal stamps frames with start + seq/fps, for recorded files.
	ClockNominal ClockMode = "nominal"
)

// CaptureStats summarises source behaviour for instrumentation.
type CaptureStats struct {
	Frames uint64
	// Dropped counts skipped capture ticks. Decoder sources block instead
	// of dropping and leave it zero.
	Dropped        uint64
	AvgRead        time.Duration
	LastFrame      time.Time
	LatestFrameAge time.Duration
	Sequence       uint64
}
