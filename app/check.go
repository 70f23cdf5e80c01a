package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/soocke/stbkpi-go/config"
	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/detect"
	"github.com/soocke/stbkpi-go/domain/timing"
)

// checkRow is one detector evaluated by the check command.
type checkRow struct {
	plan, name string
	detector   detect.Detector
	cfg        *detect.Config
	state      *detect.State

	frames, fired int
	last, best    float64
}

func (c *cli) checkCommand() *cobra.Command {
	var (
		duration time.Duration
		snapshot string
	)
	cmd := &cobra.Command{
		Use:         "check",
		Short:       "Open the capture source and evaluate every configured detector without touching the device",
		Annotations: map[string]string{"container": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer c.teardown()
			return c.container.Check(cmd.Context(), cmd.OutOrStdout(), duration, snapshot)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 3*time.Second, "how long to sample the source")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "save the last frame as an image")
	return cmd
}

// Check samples the capture source for d, validates every detector region
// against the frame size and prints per detector scores to w.
func (c *AppContainer) Check(ctx context.Context, w io.Writer, d time.Duration, snapshot string) error {
	rows, err := c.checkRows()
	if err != nil {
		return err
	}
	src := c.NewSource()
	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close()

	width, height := src.Size()
	var errs []error
	for _, p := range rows {
		if err := p.cfg.Validate(width, height); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", p.plan, p.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	var (
		frames int
		luma   float64
		last   *capture.Frame
	)
	for {
		f, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				if last != nil {
					last.Release()
				}
				return err
			}
			break
		}
		frames++
		luma = f.MeanLuma(c.Config.Blackscreen.Region)
		for _, p := range rows {
			h := p.detector.Evaluate(f, p.cfg, p.state)
			p.frames++
			p.last = h.Score
			p.best = max(p.best, h.Score)
			if h.Fired {
				p.fired++
			}
		}
		if last != nil {
			last.Release()
		}
		last = f
	}
	if last != nil {
		defer last.Release()
	}

	fmt.Fprintf(w, "source %dx%d at %.2f fps, %d frames, mean luma %.1f\n", width, height, src.FrameRate(), frames, luma)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "plan\tdetector\tthreshold\tlast\tbest\tfired")
	for _, p := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.3f\t%.3f\t%d/%d\n", p.plan, p.name, p.cfg.Threshold, p.last, p.best, p.fired, p.frames)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if snapshot != "" {
		if last == nil {
			return fmt.Errorf("snapshot: no frame captured")
		}
		if err := imaging.Save(last.Image(capture.Region{}), snapshot); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		fmt.Fprintf(w, "saved %s\n", snapshot)
	}
	return nil
}

// checkRows builds both plans without a trigger and flattens their bindings and
// monitors. Every row gets its own state.
func (c *AppContainer) checkRows() ([]*checkRow, error) {
	deps := config.PlanDeps{Loader: c.Loader, OCR: c.OCR, Logger: c.Logger}
	var out []*checkRow
	for _, build := range []func(config.PlanDeps) (*timing.Plan, error){c.Config.BootPlan, c.Config.ZapPlan} {
		plan, err := build(deps)
		if err != nil {
			return nil, err
		}
		for _, st := range plan.Steps {
			for _, b := range st.Bindings {
				out = append(out, &checkRow{plan: plan.Name, name: b.Name, detector: b.Detector, cfg: b.Config, state: detect.NewState()})
			}
		}
		for _, m := range plan.Monitors {
			out = append(out, &checkRow{plan: plan.Name, name: m.Name, detector: m.Detector, cfg: m.Config, state: detect.NewState()})
		}
	}
	return out, nil
}
