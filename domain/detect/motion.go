package detect

import (
	"log/slog"

	"github.com/soocke/stbkpi-go/domain/capture"
)

// Motion compares the grayscale region with the previous frame. A frame is
// a candidate when more than Threshold percent of its pixels changed by more
// than PixelThreshold. Candidates increment a counter; a quiet frame resets
// it, or decrements it by one when Decay is set. The detector fires once the
// counter reaches ConsecutiveHits.
//
// The first evaluation only seeds the baseline and never fires. A change in
// region shape re-seeds instead of comparing mismatched buffers.
type Motion struct {
	Logger *slog.Logger
}

func (Motion) Name() string { return "motion" }

func (d Motion) Evaluate(f *capture.Frame, cfg *Config, st *State) Hit {
	st.Frames++
	r := cfg.Region.Resolve(f.Width, f.Height)
	if err := r.Validate(f.Width, f.Height); err != nil {
		reportConfig(d.Logger, d.Name(), st, err)
		return Hit{}
	}
	w, h := r.Width(), r.Height()
	cur := f.Gray(r, st.scratch)
	if st.LastRegion == nil || st.LastW != w || st.LastH != h {
		st.LastRegion = append(st.LastRegion[:0], cur...)
		st.scratch = cur
		st.LastW, st.LastH = w, h
		st.Hits = 0
		return Hit{}
	}
	thr := cfg.pixelThreshold()
	changed := 0
	for i, v := range cur {
		diff := int(v) - int(st.LastRegion[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > thr {
			changed++
		}
	}
	pct := 100 * float64(changed) / float64(len(cur))
	switch {
	case pct > cfg.Threshold:
		st.Hits++
	case cfg.Decay:
		st.Hits = max(0, st.Hits-1)
	default:
		st.Hits = 0
	}
	// The current region becomes the baseline; the old one is reused as scratch.
	st.LastRegion, st.scratch = cur, st.LastRegion
	st.LastScore = pct
	fired := st.Hits >= cfg.consecutive()
	if fired && d.Logger != nil {
		d.Logger.Debug("motion detected", "seq", f.Seq, "changed_pct", pct, "counter", st.Hits)
	}
	return Hit{Fired: fired, Score: pct}
}
