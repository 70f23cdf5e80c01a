package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const defaultCloseTimeout = 10 * time.Second

// RecorderConfig describes one encoded video artifact.
type RecorderConfig struct {
	FFmpegPath   string
	Path         string
	Width        int
	Height       int
	FPS          float64
	Codec        string // default libx264
	Preset       string // default veryfast
	CRF          int    // 0 keeps the encoder default
	Overlay      bool   // burn timestamp and sequence into the recorded copy
	CloseTimeout time.Duration
	// Command replaces the whole argv. The process reads raw rgb24 frames on stdin.
	Command []string
}

func (c RecorderConfig) argv() []string {
	if len(c.Command) > 0 {
		return c.Command
	}
	bin := c.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	codec := c.Codec
	if codec == "" {
		codec = "libx264"
	}
	preset := c.Preset
	if preset == "" {
		preset = "veryfast"
	}
	args := []string{bin, "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", strconv.FormatFloat(c.FPS, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", codec,
		"-preset", preset,
	}
	if c.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(c.CRF))
	}
	return append(args, "-pix_fmt", "yuv420p", c.Path)
}

// RecordingStatus holds the current recording status.
type RecordingStatus struct {
	Recording    bool          `json:"recording"`
	Path         string        `json:"path"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}

// Recorder streams raw frames into an external encoder process. Frames are
// written synchronously and in order; Close drains stdin and waits for the
// encoder so no process or half-written file is left behind.
type Recorder struct {
	cfg    RecorderConfig
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	tail    *stderrTail
	exited  chan struct{}
	waitErr error

	mu           sync.Mutex
	closed       bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	origin       time.Time
	scratch      []byte

	closeOnce sync.Once
	closeErr  error
}

// OpenRecorder creates the output directory and starts the encoder.
func OpenRecorder(ctx context.Context, cfg RecorderConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, fmt.Errorf("capture: invalid recorder geometry %dx%d@%v", cfg.Width, cfg.Height, cfg.FPS)
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.Path != "" && len(cfg.Command) == 0 {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("capture: create artifact dir: %w", err)
		}
	}
	r := &Recorder{
		cfg:    cfg,
		logger: logger.With("component", "recorder", "path", cfg.Path),
		tail:   newStderrTail(0),
		exited: make(chan struct{}),
	}
	argv := cfg.argv()
	r.cmd = exec.Command(argv[0], argv[1:]...)
	r.cmd.Stderr = r.tail
	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: encoder stdin: %w", err)
	}
	r.stdin = stdin
	if err := r.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrEncoderPipeBroken, argv[0], err)
	}
	r.startTime = time.Now()
	go func() {
		r.waitErr = r.cmd.Wait()
		close(r.exited)
	}()
	r.logger.Info("recording started", "pid", r.cmd.Process.Pid, "size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height), "fps", cfg.FPS)
	return r, nil
}

// Path returns the artifact path.
func (r *Recorder) Path() string { return r.cfg.Path }

// Done is closed once the encoder process has exited.
func (r *Recorder) Done() <-chan struct{} { return r.exited }

// Write forwards one frame to the encoder. It fails with ErrEncoderPipeBroken
// once the encoder has exited or the recorder was closed.
func (r *Recorder) Write(f *Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: recorder closed", ErrEncoderPipeBroken)
	}
	select {
	case <-r.exited:
		return fmt.Errorf("%w: encoder exited: %v", ErrEncoderPipeBroken, r.waitErr)
	default:
	}
	if f.Width != r.cfg.Width || f.Height != r.cfg.Height {
		return fmt.Errorf("capture: frame %dx%d does not match recording %dx%d", f.Width, f.Height, r.cfg.Width, r.cfg.Height)
	}
	if r.origin.IsZero() {
		r.origin = f.Timestamp
	}
	pix := f.Pix
	if r.cfg.Overlay {
		r.scratch = stampOverlay(f, r.origin, r.scratch)
		pix = r.scratch
	}
	n, err := r.stdin.Write(pix)
	r.bytesWritten += uint64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderPipeBroken, err)
	}
	r.frameCount++
	return nil
}

// Status reports progress counters.
func (r *Recorder) Status() RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var d time.Duration
	if !r.closed {
		d = time.Since(r.startTime)
	}
	return RecordingStatus{
		Recording:    !r.closed,
		Path:         r.cfg.Path,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Duration:     d,
		StartTime:    r.startTime,
	}
}

// Close signals end of stream, waits for the encoder and kills it if it
// does not exit within CloseTimeout. Later calls return the first result.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		frames := r.frameCount
		r.mu.Unlock()

		_ = r.stdin.Close()
		timer := time.NewTimer(r.cfg.CloseTimeout)
		defer timer.Stop()
		select {
		case <-r.exited:
			if r.waitErr != nil {
				r.closeErr = fmt.Errorf("%w: encoder: %v", ErrEncoderPipeBroken, r.waitErr)
			}
		case <-timer.C:
			r.logger.Warn("encoder did not exit, killing", "timeout", r.cfg.CloseTimeout)
			_ = r.cmd.Process.Kill()
			<-r.exited
			r.closeErr = fmt.Errorf("%w: encoder did not exit within %s", ErrEncoderPipeBroken, r.cfg.CloseTimeout)
		}

		size := "n/a"
		if st, err := os.Stat(r.cfg.Path); err == nil {
			size = humanize.Bytes(uint64(st.Size()))
		}
		if r.closeErr != nil {
			r.logger.Warn("recording closed with error", "error", r.closeErr, "frames", frames, "size", size, "stderr", r.tail.String())
			return
		}
		r.logger.Info("recording closed", "frames", frames, "size", size, "elapsed", time.Since(r.startTime).Round(time.Millisecond))
	})
	return r.closeErr
}
