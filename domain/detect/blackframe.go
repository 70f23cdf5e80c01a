package detect

import (
	"log/slog"

	"github.com/soocke/stbkpi-go/domain/capture"
)

// BlackFrame tracks mean luminance below Threshold. A dark run of
// ConsecutiveHits frames opens a blackout; a bright run of ReleaseHits closes
// it. Each boundary is reported exactly once through Hit.Event.
//
// Fired is true while a blackout is open. With Invert it is true once the
// picture has recovered from an earlier blackout, which is how recovery is
// awaited with the same state that saw the blackout.
type BlackFrame struct {
	Logger *slog.Logger
}

func (BlackFrame) Name() string { return "black_frame" }

func (d BlackFrame) Evaluate(f *capture.Frame, cfg *Config, st *State) Hit {
	st.Frames++
	r := cfg.Region.Resolve(f.Width, f.Height)
	if err := r.Validate(f.Width, f.Height); err != nil {
		reportConfig(d.Logger, d.Name(), st, err)
		return Hit{}
	}
	mean := f.MeanLuma(r)
	hit := Hit{Score: mean}
	if mean < cfg.Threshold {
		st.Hits++
		st.Misses = 0
		if !st.Active && st.Hits >= cfg.consecutive() {
			st.Active = true
			st.SeenActive = true
			hit.Event = EventBlackoutStart
			if d.Logger != nil {
				d.Logger.Debug("blackout opened", "seq", f.Seq, "mean", mean, "dark_frames", st.Hits)
			}
		}
	} else {
		st.Misses++
		st.Hits = 0
		if st.Active && st.Misses >= cfg.release() {
			st.Active = false
			hit.Event = EventBlackoutEnd
			if d.Logger != nil {
				d.Logger.Debug("blackout closed", "seq", f.Seq, "mean", mean, "bright_frames", st.Misses)
			}
		}
	}
	st.LastScore = mean
	if cfg.Invert {
		hit.Fired = st.SeenActive && !st.Active
	} else {
		hit.Fired = st.Active
	}
	return hit
}
