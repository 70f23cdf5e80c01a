package capture

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// MultiScaleOptions configures multi-scale template matching.
// Scales: explicit factors to try. If empty, factors are generated from
// MinScale..MaxScale using ScaleStep; with neither, only 1.0 is tried.
// StopOnScore disables when set to 0.
type MultiScaleOptions struct {
	Scales      []float64
	NCC         NCCOptions
	StopOnScore float64
	MinScale    float64
	MaxScale    float64
	ScaleStep   float64
}

// MultiScaleResult is the best match found across scales.
type MultiScaleResult struct {
	X, Y            int
	Score           float64
	Scale           float64
	Found           bool
	Duration        time.Duration
	ScalesEvaluated int
}

func (o MultiScaleOptions) factors() []float64 {
	if len(o.Scales) > 0 {
		return o.Scales
	}
	if o.MinScale > 0 && o.MaxScale > 0 && o.ScaleStep > 0 && o.MaxScale >= o.MinScale {
		maxSteps := min(1+int((o.MaxScale-o.MinScale)/o.ScaleStep+0.5), 200)
		scales := make([]float64, 0, maxSteps)
		for s := o.MinScale; s <= o.MaxScale+1e-9 && len(scales) < maxSteps; s += o.ScaleStep {
			scales = append(scales, s)
		}
		return scales
	}
	return []float64{1.0}
}

// ScaleRange lists the factors from minScale to maxScale in step increments.
func ScaleRange(minScale, maxScale, step float64) []float64 {
	return MultiScaleOptions{MinScale: minScale, MaxScale: maxScale, ScaleStep: step}.factors()
}

// MultiScaleMatch evaluates the template at every configured scale and
// returns the best match. A single scale runs inline; several scales run in
// parallel bounded by the CPU count.
func MultiScaleMatch(plane GrayPlane, tmpl *Template, opts MultiScaleOptions) MultiScaleResult {
	if tmpl == nil {
		return MultiScaleResult{Score: -1}
	}
	pre := buildGrayPrecomp(plane)
	if pre == nil {
		return MultiScaleResult{Score: -1}
	}
	if opts.NCC.Stride <= 0 {
		opts.NCC.Stride = 1
	}
	scales := opts.factors()
	if len(scales) == 1 {
		pc := tmpl.Scaled(scales[0])
		if pc == nil {
			return MultiScaleResult{Score: -1}
		}
		res := matchTemplateNCCPre(pc, opts.NCC, pre)
		return MultiScaleResult{X: res.X, Y: res.Y, Score: res.Score, Scale: scales[0], Found: res.Found, Duration: res.Dur, ScalesEvaluated: 1}
	}

	// Scales after the first one reaching StopOnScore are skipped. The
	// result is the best over that prefix, whatever order goroutines ran in.
	var stopAt atomic.Int64
	stopAt.Store(int64(len(scales)))
	results := make([]MultiScaleResult, len(scales))
	done := make([]bool, len(scales))
	var wg sync.WaitGroup
	sem := make(chan struct{}, runtime.NumCPU())

	for i, factor := range scales {
		if factor <= 0 {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, factor float64) {
			defer wg.Done()
			defer func() { <-sem }()
			if stopAt.Load() < int64(i) {
				return
			}
			pc := tmpl.Scaled(factor)
			if pc == nil {
				return
			}
			res := matchTemplateNCCPre(pc, opts.NCC, pre)
			results[i] = MultiScaleResult{X: res.X, Y: res.Y, Score: res.Score, Scale: factor, Found: res.Found, Duration: res.Dur}
			done[i] = true
			if opts.StopOnScore > 0 && res.Score >= opts.StopOnScore {
				for {
					cur := stopAt.Load()
					if int64(i) >= cur || stopAt.CompareAndSwap(cur, int64(i)) {
						break
					}
				}
			}
		}(i, factor)
	}
	wg.Wait()

	best := MultiScaleResult{Score: -1}
	var total time.Duration
	last := min(int(stopAt.Load()), len(scales)-1)
	for i := 0; i <= last; i++ {
		if !done[i] {
			continue
		}
		r := results[i]
		total += r.Duration
		best.ScalesEvaluated++
		if r.Score > best.Score || (r.Score == best.Score && r.Scale < best.Scale) {
			n := best.ScalesEvaluated
			best = r
			best.ScalesEvaluated = n
		}
	}
	best.Duration = total
	return best
}
