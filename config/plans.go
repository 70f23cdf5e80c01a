package config

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/detect"
	"github.com/soocke/stbkpi-go/domain/timing"
)

// PlanDeps are the collaborators a plan is built with.
type PlanDeps struct {
	Loader  *detect.TemplateLoader
	Trigger timing.TriggerFunc
	// OCR overrides the tesseract recogniser when set.
	OCR    detect.OCR
	Logger *slog.Logger
}

// BootPlan builds the reboot measurement: blackout, recovery, then the
// configured signature.
func (c *Config) BootPlan(deps PlanDeps) (*timing.Plan, error) {
	return c.buildPlan("boot", &c.Boot, deps)
}

// ZapPlan builds the channel change measurement.
func (c *Config) ZapPlan(deps PlanDeps) (*timing.Plan, error) {
	return c.buildPlan("zap", &c.Zap, deps)
}

func (c *Config) buildPlan(name string, pc *PlanConfig, deps PlanDeps) (*timing.Plan, error) {
	plan := &timing.Plan{
		Name:           name,
		PreRoll:        pc.PreRoll,
		Trigger:        deps.Trigger,
		TriggerTimeout: pc.TriggerTimeout,
		Hold:           pc.Hold,
		Ceiling:        pc.Ceiling,
	}
	if pc.Blackout.Enabled {
		black := pc.Blackout.detectConfig(false)
		plan.Steps = append(plan.Steps, timing.Step{
			Phase:   timing.AwaitBlackout,
			Timeout: pc.Blackout.Timeout,
			Bindings: []timing.Binding{{
				Name: "blackout", Detector: detect.BlackFrame{Logger: deps.Logger}, Config: black, StateKey: "luma",
			}},
		})
		if pc.Recovery.Enabled {
			// Recovery shares the blackout state, so only the frames after the
			// blackout that was actually seen count.
			rec := pc.Recovery.detectConfig(true)
			rec.Region = black.Region
			plan.Steps = append(plan.Steps, timing.Step{
				Phase:   timing.AwaitRecovery,
				Timeout: pc.Recovery.Timeout,
				Bindings: []timing.Binding{{
					Name: "recovery", Detector: detect.BlackFrame{Logger: deps.Logger}, Config: rec, StateKey: "luma",
				}},
			})
		}
	}

	sig, err := c.signatureBinding(pc.Signature, deps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	step := timing.Step{Phase: timing.AwaitTargetSignature, Timeout: pc.Signature.Timeout, Bindings: []timing.Binding{sig}}
	if pc.ErrorScreen.Enabled {
		step.Bindings = append(step.Bindings, pc.ErrorScreen.binding(deps))
	}
	plan.Steps = append(plan.Steps, step)

	if c.Blackscreen.Enabled {
		plan.Monitors = append(plan.Monitors, timing.Monitor{
			Name:     "blackscreen",
			Detector: detect.BlackFrame{Logger: deps.Logger},
			Config: &detect.Config{
				Threshold:       c.Blackscreen.Threshold,
				Region:          c.Blackscreen.Region,
				ConsecutiveHits: framesFor(c.Blackscreen.Duration.Seconds(), c.Capture.FPS),
			},
		})
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func framesFor(seconds, fps float64) int {
	return max(1, int(math.Round(seconds*fps)))
}

func (s StageConfig) detectConfig(invert bool) *detect.Config {
	return &detect.Config{
		Threshold:       s.Threshold,
		Region:          s.Region,
		ConsecutiveHits: s.ConsecutiveHits,
		ReleaseHits:     s.ReleaseHits,
		Invert:          invert,
	}
}

func (c *Config) signatureBinding(s SignatureConfig, deps PlanDeps) (timing.Binding, error) {
	cfg := &detect.Config{
		Threshold:       s.Threshold,
		Region:          s.Region,
		ConsecutiveHits: s.ConsecutiveHits,
		Margin:          s.Margin,
		SampleEvery:     s.SampleEvery,
		PixelThreshold:  s.PixelThreshold,
		Decay:           s.Decay,
	}
	switch s.Detector {
	case "motion":
		return timing.Binding{Name: "motion", Detector: detect.Motion{Logger: deps.Logger}, Config: cfg}, nil
	case "template":
		if s.Template == "" {
			return timing.Binding{}, fmt.Errorf("signature: template detector needs a template image")
		}
		loader := deps.Loader
		if loader == nil {
			var err error
			if loader, err = detect.NewTemplateLoader(c.Matching.CacheSize); err != nil {
				return timing.Binding{}, err
			}
		}
		tmpl, err := loader.Load(s.Template, s.TemplateWidth)
		if err != nil {
			return timing.Binding{}, err
		}
		m := c.Matching
		cfg.Template = tmpl
		cfg.Scales = capture.ScaleRange(m.MinScale, m.MaxScale, m.ScaleStep)
		cfg.Stride = m.Stride
		cfg.Refine = m.Refine
		cfg.StopOnScore = m.StopOnScore
		return timing.Binding{Name: "logo", Detector: detect.TemplateMatch{Logger: deps.Logger}, Config: cfg}, nil
	}
	return timing.Binding{}, fmt.Errorf("signature: unknown detector %q", s.Detector)
}

func (e ErrorScreenConfig) binding(deps PlanDeps) timing.Binding {
	cfg := &detect.Config{
		ConsecutiveHits: e.ConsecutiveHits,
		Signatures:      e.Signatures,
		TitleRegion:     e.TitleRegion,
		CodeRegion:      e.CodeRegion,
		Keyword:         e.Keyword,
	}
	switch {
	case deps.OCR != nil:
		cfg.OCR = deps.OCR
	case e.Tesseract.Enabled:
		cfg.OCR = detect.TesseractOCR{Path: e.Tesseract.Path, Language: e.Tesseract.Language, PSM: e.Tesseract.PSM}
	}
	return timing.Binding{Name: "error_screen", Detector: detect.ErrorScreen{Logger: deps.Logger}, Config: cfg, Role: timing.RoleFail}
}
