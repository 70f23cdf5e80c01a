package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultOpenTimeout = 5 * time.Second
	defaultFrameQueue  = 4
)

// FFmpegConfig describes a decoded input. Input may be a V4L2 device node,
// a file or a stream URL; frames are scaled to Width x Height.
type FFmpegConfig struct {
	FFmpegPath  string
	Input       string
	Format      string // forced input format, "v4l2" is implied for /dev/ nodes
	InputArgs   []string
	Width       int
	Height      int
	FPS         float64
	Clock       ClockMode
	Realtime    bool // pace file input at native rate (-re)
	OpenTimeout time.Duration
	QueueSize   int
	// Command replaces the whole argv. The process must write raw rgb24
	// frames of Width*Height*3 bytes to stdout.
	Command []string
}

func (c FFmpegConfig) isDevice() bool { return strings.HasPrefix(c.Input, "/dev/") }

func (c FFmpegConfig) fps() string { return strconv.FormatFloat(c.FPS, 'f', -1, 64) }

func (c FFmpegConfig) argv() []string {
	if len(c.Command) > 0 {
		return c.Command
	}
	bin := c.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{bin, "-hide_banner", "-loglevel", "error", "-nostdin"}
	format := c.Format
	if format == "" && c.isDevice() {
		format = "v4l2"
	}
	if format != "" {
		args = append(args, "-f", format)
	}
	if format == "v4l2" {
		args = append(args, "-framerate", c.fps(), "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	if c.Realtime {
		args = append(args, "-re")
	}
	args = append(args, c.InputArgs...)
	args = append(args,
		"-i", c.Input,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", c.Width, c.Height),
		"-r", c.fps(),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	return args
}

type readResult struct {
	f   *Frame
	err error
}

// FFmpegSource decodes frames through an ffmpeg child process. A reader
// goroutine fills pooled frames from the process stdout; Read hands them out
// in order and stamps sequence numbers and timestamps.
type FFmpegSource struct {
	cfg    FFmpegConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	tail   *stderrTail
	frames chan readResult
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	opened    atomic.Bool
	started   bool
	closing   atomic.Bool

	pending *Frame
	seq     uint64
	start   time.Time
	last    time.Time

	reads     atomic.Uint64
	readNanos atomic.Uint64
	lastFrame atomic.Int64
}

// NewFFmpegSource constructs an unopened source.
func NewFFmpegSource(cfg FFmpegConfig, logger *slog.Logger) *FFmpegSource {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultFrameQueue
	}
	if cfg.Clock == "" {
		cfg.Clock = ClockWall
	}
	return &FFmpegSource{
		cfg:    cfg,
		logger: logger.With("component", "ffmpeg_source", "input", cfg.Input),
		tail:   newStderrTail(0),
		frames: make(chan readResult, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

func (s *FFmpegSource) Size() (int, int)   { return s.cfg.Width, s.cfg.Height }
func (s *FFmpegSource) FrameRate() float64 { return s.cfg.FPS }

// Open spawns the decoder and waits for the first frame so that a dead
// device is reported here rather than as an early end of stream.
func (s *FFmpegSource) Open(ctx context.Context) error {
	if s.opened.Swap(true) {
		return errors.New("capture: source already opened")
	}
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 || s.cfg.FPS <= 0 {
		return fmt.Errorf("%w: invalid geometry %dx%d@%v", ErrSourceUnavailable, s.cfg.Width, s.cfg.Height, s.cfg.FPS)
	}
	if len(s.cfg.Command) == 0 && s.cfg.isDevice() {
		if err := statDevice(s.cfg.Input); err != nil {
			return err
		}
	} else if len(s.cfg.Command) == 0 && !strings.Contains(s.cfg.Input, "://") {
		if _, err := os.Stat(s.cfg.Input); err != nil {
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	}

	argv := s.cfg.argv()
	s.cmd = exec.Command(argv[0], argv[1:]...)
	s.cmd.Stderr = s.tail
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrSourceUnavailable, err)
	}
	s.stdout = stdout
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrSourceUnavailable, argv[0], err)
	}
	s.logger.Info("source started", "pid", s.cmd.Process.Pid, "size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height), "fps", s.cfg.FPS)
	s.started = true
	s.wg.Add(1)
	go s.readLoop()

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-s.frames:
		if !ok || r.err != nil {
			_ = s.Close()
			cause := io.EOF
			if ok {
				cause = r.err
			}
			return fmt.Errorf("%w: %s produced no frames (%v): %s", ErrSourceUnavailable, s.cfg.Input, cause, s.tail.String())
		}
		s.pending = r.f
		return nil
	case <-timer.C:
		_ = s.Close()
		return fmt.Errorf("%w: %s: no frame within %s", ErrSourceUnavailable, s.cfg.Input, s.cfg.OpenTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
	}
}

func (s *FFmpegSource) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)
	for {
		f := acquireFrame(s.cfg.Width, s.cfg.Height)
		start := time.Now()
		_, err := io.ReadFull(s.stdout, f.Pix)
		if err != nil {
			f.Release()
			waitErr := s.cmd.Wait()
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn("truncated trailing frame discarded")
			}
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || s.closing.Load() {
				err = io.EOF
			}
			if waitErr != nil && !s.closing.Load() {
				s.logger.Warn("decoder exited", "error", waitErr, "stderr", s.tail.String())
			}
			select {
			case s.frames <- readResult{err: err}:
			case <-s.done:
			}
			return
		}
		now := time.Now()
		s.readNanos.Add(uint64(now.Sub(start)))
		s.reads.Add(1)
		s.lastFrame.Store(now.UnixNano())
		f.Timestamp = now
		select {
		case s.frames <- readResult{f: f}:
		case <-s.done:
			f.Release()
			_ = s.cmd.Wait()
			return
		}
	}
}

// Read returns the next frame, io.EOF once the decoder finished, or the
// context error.
func (s *FFmpegSource) Read(ctx context.Context) (*Frame, error) {
	if f := s.pending; f != nil {
		s.pending = nil
		return s.stamp(f), nil
	}
	select {
	case r, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		if r.err != nil {
			return nil, r.err
		}
		return s.stamp(r.f), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *FFmpegSource) stamp(f *Frame) *Frame {
	s.seq++
	f.Seq = s.seq
	if s.seq == 1 {
		s.start = f.Timestamp
	}
	if s.cfg.Clock == ClockNominal {
		f.Timestamp = s.start.Add(time.Duration(float64(s.seq-1) / s.cfg.FPS * float64(time.Second)))
	}
	if !s.last.IsZero() && !f.Timestamp.After(s.last) {
		f.Timestamp = s.last.Add(time.Nanosecond)
	}
	s.last = f.Timestamp
	return f
}

// Close stops the decoder and releases queued frames. It is safe to call
// more than once and before Open.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Debug("kill decoder", "error", err)
			}
		}
		s.wg.Wait()
		if s.pending != nil {
			s.pending.Release()
			s.pending = nil
		}
		if s.started {
			for r := range s.frames {
				r.f.Release()
			}
		}
		stats := s.Stats()
		s.logger.Info("source closed", "frames", stats.Frames, "avg_read", stats.AvgRead)
	})
	return nil
}

// Stats reports read counters.
func (s *FFmpegSource) Stats() CaptureStats {
	reads := s.reads.Load()
	var avg time.Duration
	if reads > 0 {
		avg = time.Duration(s.readNanos.Load() / reads)
	}
	var last time.Time
	var age time.Duration
	if ns := s.lastFrame.Load(); ns > 0 {
		last = time.Unix(0, ns)
		age = time.Since(last)
	}
	return CaptureStats{Frames: reads, AvgRead: avg, LastFrame: last, LatestFrameAge: age, Sequence: s.seq}
}
