package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vova616/screenshot"
)

const captureStatsLogInterval = 5 * time.Second

// GrabFunc captures a rectangle of the desktop.
type GrabFunc func(image.Rectangle) (*image.RGBA, error)

// ScreenSource grabs a desktop rectangle at a fixed rate, for capture cards
// that are only reachable through a viewer window. Grabs are paced by a
// ticker; a slow grab delays the next frame instead of queueing.
type ScreenSource struct {
	rect   image.Rectangle
	fps    float64
	grab   GrabFunc
	logger *slog.Logger

	ticker  *time.Ticker
	opened  bool
	closed  atomic.Bool
	seq     uint64
	last    time.Time
	lastLog time.Time

	captures     atomic.Uint64
	skipped      atomic.Uint64
	captureNanos atomic.Uint64
}

// NewScreenSource builds a source for rect; the zero rectangle selects the
// whole primary screen. grab defaults to screenshot.CaptureRect.
func NewScreenSource(rect image.Rectangle, fps float64, grab GrabFunc, logger *slog.Logger) *ScreenSource {
	if grab == nil {
		grab = screenshot.CaptureRect
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ScreenSource{rect: rect, fps: fps, grab: grab, logger: logger.With("component", "screen_source")}
}

func (s *ScreenSource) Open(ctx context.Context) error {
	if s.fps <= 0 {
		return fmt.Errorf("%w: invalid frame rate %v", ErrSourceUnavailable, s.fps)
	}
	if s.rect.Empty() {
		r, err := screenshot.ScreenRect()
		if err != nil {
			return fmt.Errorf("%w: screen rect: %v", ErrSourceUnavailable, err)
		}
		s.rect = r
	}
	// One test grab so an unreachable display fails here.
	if _, err := s.grab(s.rect); err != nil {
		return fmt.Errorf("%w: grab %v: %v", ErrSourceUnavailable, s.rect, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	s.ticker = time.NewTicker(time.Duration(float64(time.Second) / s.fps))
	s.opened = true
	s.lastLog = time.Now()
	s.logger.Info("screen source opened", "rect", s.rect, "fps", s.fps)
	return nil
}

func (s *ScreenSource) Size() (int, int)   { return s.rect.Dx(), s.rect.Dy() }
func (s *ScreenSource) FrameRate() float64 { return s.fps }

// Read waits for the next tick and grabs one frame. Failed grabs are
// counted and retried on the following tick.
func (s *ScreenSource) Read(ctx context.Context) (*Frame, error) {
	if !s.opened || s.closed.Load() {
		return nil, fmt.Errorf("%w: source not open", ErrSourceUnavailable)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C:
		}
		start := time.Now()
		img, err := s.grab(s.rect)
		if err != nil || img == nil {
			s.skipped.Add(1)
			s.logger.Error("capture selection", "error", err)
			continue
		}
		now := time.Now()
		s.captureNanos.Add(uint64(now.Sub(start).Nanoseconds()))
		s.captures.Add(1)
		f := acquireFrame(s.rect.Dx(), s.rect.Dy())
		copyRGBA(f, img)
		s.seq++
		f.Seq = s.seq
		if !now.After(s.last) {
			now = s.last.Add(time.Nanosecond)
		}
		f.Timestamp = now
		s.last = now
		if now.Sub(s.lastLog) >= captureStatsLogInterval {
			s.logStats()
			s.lastLog = now
		}
		return f, nil
	}
}

func copyRGBA(f *Frame, img *image.RGBA) {
	b := img.Bounds()
	w, h := min(f.Width, b.Dx()), min(f.Height, b.Dy())
	if w < f.Width || h < f.Height {
		clear(f.Pix)
	}
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := f.Pix[y*f.Width*3:]
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
}

func (s *ScreenSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

// Stats reports grab counters.
func (s *ScreenSource) Stats() CaptureStats {
	captures := s.captures.Load()
	var avg time.Duration
	if total := s.captureNanos.Load(); captures > 0 {
		avg = time.Duration(total / captures)
	}
	var age time.Duration
	if !s.last.IsZero() {
		age = time.Since(s.last)
	}
	return CaptureStats{
		Frames:         captures,
		Dropped:        s.skipped.Load(),
		AvgRead:        avg,
		LastFrame:      s.last,
		LatestFrameAge: age,
		Sequence:       s.seq,
	}
}

func (s *ScreenSource) logStats() {
	stats := s.Stats()
	s.logger.Debug("capture.stats",
		"captures", stats.Frames,
		"skipped", stats.Dropped,
		"avg_capture", stats.AvgRead,
		"age", stats.LatestFrameAge,
	)
}
