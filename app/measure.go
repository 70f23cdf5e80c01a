package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soocke/stbkpi-go/config"
	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/device"
	"github.com/soocke/stbkpi-go/domain/kpi"
	"github.com/soocke/stbkpi-go/domain/timing"
)

const stampLayout = "20060102_150405"

// job is one measurement: a plan, where its artifacts go and whether device
// readiness is polled next to the video timing.
type job struct {
	kind      string // result directory and file prefix: reboot, zap
	plan      *timing.Plan
	pc        *config.PlanConfig
	dir       string
	trigger   device.Kind
	readiness bool
}

// ResultDir returns <root>/<model>/KPI/<version>/<kind>.
func ResultDir(root, model, version, kind string) string {
	return filepath.Join(root, model, "KPI", version, kind)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

func (c *AppContainer) triggerFunc(kind device.Kind) timing.TriggerFunc {
	act := c.actuatorFor(kind)
	return func(ctx context.Context) error { return act.Trigger(ctx, kind) }
}

func (c *AppContainer) planDeps(kind device.Kind) config.PlanDeps {
	return config.PlanDeps{Loader: c.Loader, Trigger: c.triggerFunc(kind), OCR: c.OCR, Logger: c.Logger}
}

// Boot runs one reboot measurement.
func (c *AppContainer) Boot(ctx context.Context) (timing.Result, error) {
	kind := device.Kind(c.Config.Boot.Trigger)
	plan, err := c.Config.BootPlan(c.planDeps(kind))
	if err != nil {
		return timing.Result{}, err
	}
	model, version := c.identity(ctx)
	return c.measure(ctx, job{
		kind: "reboot", plan: plan, pc: &c.Config.Boot, trigger: kind, readiness: true,
		dir: ResultDir(c.Config.Output.Root, model, version, "reboot"),
	}), nil
}

// Zap runs the configured number of channel changes, one artifact and one
// KPI line each, pausing Interval between them.
func (c *AppContainer) Zap(ctx context.Context) ([]timing.Result, error) {
	kind := device.Kind(c.Config.Zap.Trigger)
	plan, err := c.Config.ZapPlan(c.planDeps(kind))
	if err != nil {
		return nil, err
	}
	model, version := c.identity(ctx)
	j := job{kind: "zap", plan: plan, pc: &c.Config.Zap, trigger: kind,
		dir: ResultDir(c.Config.Output.Root, model, version, "zap")}

	var results []timing.Result
	for i := range c.Config.Zap.Iterations {
		if i > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(c.Config.Zap.Interval):
			}
		}
		c.Logger.Info("zap", "iteration", i+1, "of", c.Config.Zap.Iterations)
		results = append(results, c.measure(ctx, j))
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// measure runs one session end to end. It always returns a result and
// always appends it to the KPI log.
func (c *AppContainer) measure(ctx context.Context, j job) timing.Result {
	started := time.Now()
	artifact := filepath.Join(j.dir, fmt.Sprintf("%s_%s.mp4", j.kind, started.Format(stampLayout)))
	logger := c.Logger.With("kind", j.kind, "artifact", artifact)
	res := c.session(ctx, j, artifact, logger)
	if res.ArtifactPath == "" {
		res.ArtifactPath = artifact
	}

	w := kpi.Writer{Label: j.pc.Label, Expected: j.pc.Expected, Fallback: c.Config.Output.Fallback}
	if err := w.Append(res, filepath.Join(j.dir, c.Config.Output.KPIFile)); err != nil {
		logger.Error("kpi log append failed", "error", err)
	}
	if c.Publisher != nil {
		if err := c.Publisher.Publish(ctx, res); err != nil {
			logger.Warn("result not published", "error", err)
		}
	}
	v, ok := res.Value()
	logger.Info("measurement finished", "status", res.Status, "value", v, "measured", ok, "error", res.Err)
	return res
}

func failed(plan string, status timing.Status, err error) timing.Result {
	return timing.Result{Plan: plan, Status: status, Phase: timing.TimedOut, Err: err}
}

func (c *AppContainer) session(ctx context.Context, j job, artifact string, logger *slog.Logger) timing.Result {
	src := c.NewSource()
	if err := src.Open(ctx); err != nil {
		logger.Error("capture source unavailable", "error", err)
		return failed(j.plan.Name, timing.StatusAborted, err)
	}
	defer src.Close()

	opts := []timing.Option{timing.WithLogger(c.Logger), timing.WithObserver(c.Metrics), timing.WithContext(ctx)}
	var rec *capture.Recorder
	if c.Config.Recording.Enabled {
		w, h := src.Size()
		rc := c.Config.Recording
		var err error
		rec, err = capture.OpenRecorder(ctx, capture.RecorderConfig{
			FFmpegPath:   rc.FFmpegPath,
			Path:         artifact,
			Width:        w,
			Height:       h,
			FPS:          src.FrameRate(),
			Codec:        rc.Codec,
			Preset:       rc.Preset,
			CRF:          rc.CRF,
			Overlay:      rc.Overlay,
			CloseTimeout: rc.CloseTimeout,
		}, c.Logger)
		if err != nil {
			logger.Error("recorder unavailable", "error", err)
			return failed(j.plan.Name, timing.StatusAborted, err)
		}
		opts = append(opts, timing.WithSink(rec, artifact))
	} else {
		if err := os.MkdirAll(j.dir, 0o755); err != nil {
			logger.Warn("result dir", "error", err)
		}
	}

	sess, err := timing.NewSession(j.plan, opts...)
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		return failed(j.plan.Name, timing.StatusAborted, err)
	}
	res := c.runWithReadiness(ctx, j, src, sess)
	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Warn("recording closed with error", "error", err)
			if res.Err == nil && res.Status != timing.StatusMeasured {
				res.Err = err
			}
		}
	}
	return res
}

// runWithReadiness drives the session and, for jobs that need it, polls the
// device for readiness from the moment the trigger was issued.
func (c *AppContainer) runWithReadiness(ctx context.Context, j job, src capture.FrameSource, sess *timing.Session) timing.Result {
	if !j.readiness {
		return timing.Run(ctx, src, sess)
	}
	triggered := make(chan struct{})
	var once sync.Once
	sess.AddListener(func(prev, next timing.Phase) {
		if prev == timing.AwaitTrigger && !next.Terminal() {
			once.Do(func() { close(triggered) })
		}
	})

	var (
		res      timing.Result
		ready    time.Duration
		readyErr error
		polled   bool
	)
	runDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(runDone)
		res = timing.Run(gctx, src, sess)
		return nil
	})
	g.Go(func() error {
		select {
		case <-triggered:
		case <-runDone:
			select {
			case <-triggered:
			default:
				return nil
			}
		}
		polled = true
		ready, readyErr = c.actuatorFor(j.trigger).AwaitReady(gctx, c.Config.Device.ReadyCeiling)
		return nil
	})
	_ = g.Wait()

	if polled {
		switch {
		case readyErr == nil:
			res.ReadyAfter = ready
		case errors.Is(readyErr, device.ErrDeviceUnreachable):
			res.MarkDeviceUnreachable(readyErr)
		case errors.Is(readyErr, device.ErrReadinessUnobservable):
			c.Logger.Info("readiness not measured", "trigger", j.trigger)
		default:
			c.Logger.Warn("readiness polling stopped", "error", readyErr)
		}
	}
	return res
}
