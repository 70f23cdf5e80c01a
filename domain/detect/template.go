package detect

import (
	"log/slog"

	"github.com/soocke/stbkpi-go/domain/capture"
)

// TemplateMatch correlates the configured template against the region
// (grown by Margin) and fires when the best NCC score reaches Threshold on
// ConsecutiveHits sampled frames. Frames skipped by SampleEvery never fire.
// A region that cannot hold the template fails closed and is logged once.
type TemplateMatch struct {
	Logger *slog.Logger
}

func (TemplateMatch) Name() string { return "template_match" }

func (d TemplateMatch) Evaluate(f *capture.Frame, cfg *Config, st *State) Hit {
	if !cfg.sampled(st) {
		return Hit{Score: st.LastScore}
	}
	res, scratch, err := capture.MatchRegion(f, cfg.Region, cfg.Margin, cfg.Template,
		capture.MultiScaleOptions{
			Scales:      cfg.Scales,
			StopOnScore: cfg.StopOnScore,
			NCC:         capture.NCCOptions{Threshold: cfg.Threshold, Stride: cfg.Stride, Refine: cfg.Refine},
		}, st.scratch)
	st.scratch = scratch
	if err != nil {
		reportConfig(d.Logger, d.Name(), st, err)
		st.Hits = 0
		st.LastScore = -1
		return Hit{Score: -1}
	}
	st.LastScore = res.Score
	if res.Score >= cfg.Threshold {
		st.Hits++
	} else {
		st.Hits = 0
	}
	fired := st.Hits >= cfg.consecutive()
	if fired && d.Logger != nil {
		d.Logger.Debug("template matched", "seq", f.Seq, "score", res.Score, "x", res.X, "y", res.Y, "scale", res.Scale)
	}
	return Hit{Fired: fired, Score: res.Score}
}
