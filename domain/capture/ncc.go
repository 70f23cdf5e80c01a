package capture

import (
	"image"
	"math"
	"sync"
	"time"
)

// GrayPlane is an 8-bit luminance image stored row-major.
type GrayPlane struct {
	Pix    []byte
	Width  int
	Height int
}

// GrayFromImage converts any image to a luminance plane using the same
// integer weights as Frame.Gray, so templates and frames agree.
func GrayFromImage(img image.Image) GrayPlane {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	p := GrayPlane{Pix: make([]byte, w*h), Width: w, Height: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			p.Pix[y*w+x] = luma(byte(r>>8), byte(g>>8), byte(bb>>8))
		}
	}
	return p
}

// grayPrecomp stores per-frame grayscale values and their summed-area tables
// (integral images). The integrals allow O(1) window sum and variance queries.
type grayPrecomp struct {
	gray       []float64 // per pixel grayscale (length W*H)
	integral   []float64 // summed-area table of grayscale
	integralSq []float64 // summed-area table of grayscale squared
	W, H       int
}

// Template is a grayscale reference image with precomputed statistics.
// Scaled variants are built lazily and cached on the template itself.
type Template struct {
	Name  string
	gray  []float32
	W, H  int
	meanT float64
	stdT  float64

	mu     sync.RWMutex
	scaled map[[2]int]*Template
}

// NewTemplate precomputes a template from a luminance plane.
func NewTemplate(name string, p GrayPlane) *Template {
	if p.Width <= 0 || p.Height <= 0 || len(p.Pix) < p.Width*p.Height {
		return nil
	}
	gray := make([]float32, p.Width*p.Height)
	for i := range gray {
		gray[i] = float32(p.Pix[i])
	}
	return newTemplateFromFloats(name, gray, p.Width, p.Height)
}

func newTemplateFromFloats(name string, gray []float32, w, h int) *Template {
	var sumT, sumT2 float64
	for _, g := range gray {
		fv := float64(g)
		sumT += fv
		sumT2 += fv * fv
	}
	n := float64(w * h)
	meanT := sumT / n
	varT := (sumT2 - sumT*sumT/n) / n
	stdT := 0.0
	if varT > 0 {
		stdT = math.Sqrt(varT)
	}
	return &Template{Name: name, gray: gray, W: w, H: h, meanT: meanT, stdT: stdT}
}

// Size returns the template dimensions.
func (t *Template) Size() (int, int) { return t.W, t.H }

// Scaled returns a cached or newly built scaled template. Scaling is done with
// bilinear interpolation on the base grayscale data.
func (t *Template) Scaled(factor float64) *Template {
	if t == nil || factor <= 0 {
		return nil
	}
	if factor == 1.0 {
		return t
	}
	w := int(float64(t.W) * factor)
	h := int(float64(t.H) * factor)
	if w < 2 || h < 2 {
		return nil
	}
	key := [2]int{w, h}
	t.mu.RLock()
	pc := t.scaled[key]
	t.mu.RUnlock()
	if pc != nil {
		return pc
	}
	gray := make([]float32, w*h)
	fx := float64(t.W) / float64(w)
	fy := float64(t.H) / float64(h)
	bw, bh := t.W, t.H
	src := t.gray
	for y := 0; y < h; y++ {
		ys := (float64(y)+0.5)*fy - 0.5
		if ys < 0 {
			ys = 0
		} else if ys > float64(bh-1) {
			ys = float64(bh - 1)
		}
		y0 := int(math.Floor(ys))
		y1 := min(y0+1, bh-1)
		dy := ys - float64(y0)
		for x := 0; x < w; x++ {
			xs := (float64(x)+0.5)*fx - 0.5
			if xs < 0 {
				xs = 0
			} else if xs > float64(bw-1) {
				xs = float64(bw - 1)
			}
			x0 := int(math.Floor(xs))
			x1 := min(x0+1, bw-1)
			dx := xs - float64(x0)
			top := float64(src[y0*bw+x0])*(1-dx) + float64(src[y0*bw+x1])*dx
			bottom := float64(src[y1*bw+x0])*(1-dx) + float64(src[y1*bw+x1])*dx
			gray[y*w+x] = float32(top*(1-dy) + bottom*dy)
		}
	}
	pc = newTemplateFromFloats(t.Name, gray, w, h)
	t.mu.Lock()
	if t.scaled == nil {
		t.scaled = map[[2]int]*Template{}
	}
	// Keep the first insert if another goroutine raced us.
	if existing := t.scaled[key]; existing != nil {
		pc = existing
	} else {
		t.scaled[key] = pc
	}
	t.mu.Unlock()
	return pc
}

// matchTemplateNCCPre computes normalized cross-correlation (NCC) between a
// template and a precomputed plane. The score equals OpenCV's
// TM_CCOEFF_NORMED: 1 for a perfect match, -1 for an inverted one.
func matchTemplateNCCPre(pc *Template, opts NCCOptions, pre *grayPrecomp) NCCResult {
	start := time.Now()
	res := NCCResult{Score: -1}
	if pc == nil || pre == nil {
		return res
	}
	W, H := pre.W, pre.H
	w, h := pc.W, pc.H
	if w == 0 || h == 0 || W < w || H < h {
		return res
	}
	stride := opts.Stride
	if stride <= 0 {
		stride = 1
	}
	// A flat template has no variance to correlate against; fall back to an
	// exact-value scan.
	if pc.stdT <= 1e-9 {
		ref := float64(pc.gray[0])
		for y := 0; y <= H-h; y += stride {
			for x := 0; x <= W-w; x += stride {
				if windowEquals(pre, x, y, w, h, ref) {
					res.X, res.Y, res.Score, res.Found = x, y, 1, true
					if opts.DebugTiming {
						res.Dur = time.Since(start)
					}
					return res
				}
			}
		}
		if opts.DebugTiming {
			res.Dur = time.Since(start)
		}
		return res
	}

	bestX, bestY, bestScore := 0, 0, -1.0
	scan := func(minX, maxX, minY, maxY, step int) {
		for y := minY; y <= maxY; y += step {
			for x := minX; x <= maxX; x += step {
				if score, ok := windowScore(pre, pc, x, y); ok && score > bestScore {
					bestScore, bestX, bestY = score, x, y
				}
			}
		}
	}
	scan(0, W-w, 0, H-h, stride)
	if opts.Refine && stride > 1 {
		scan(max(0, bestX-stride), min(W-w, bestX+stride), max(0, bestY-stride), min(H-h, bestY+stride), 1)
	}
	res.X, res.Y, res.Score = bestX, bestY, bestScore
	res.Found = bestScore >= opts.Threshold
	if opts.DebugTiming {
		res.Dur = time.Since(start)
	}
	return res
}

func windowScore(pre *grayPrecomp, pc *Template, x, y int) (float64, bool) {
	w, h := pc.W, pc.H
	n := float64(w * h)
	sumF := integralSum(pre.integral, pre.W, x, y, x+w-1, y+h-1)
	sumF2 := integralSum(pre.integralSq, pre.W, x, y, x+w-1, y+h-1)
	meanF := sumF / n
	varF := (sumF2 - sumF*sumF/n) / n
	if varF <= 1e-9 {
		return 0, false
	}
	stdF := math.Sqrt(varF)
	var sumFT float64
	for py := 0; py < h; py++ {
		row := pre.gray[(y+py)*pre.W+x:]
		trow := pc.gray[py*w : (py+1)*w]
		for px, tv := range trow {
			sumFT += row[px] * float64(tv)
		}
	}
	denom := n * stdF * pc.stdT
	if denom <= 0 {
		return 0, false
	}
	return (sumFT - n*meanF*pc.meanT) / denom, true
}

func windowEquals(pre *grayPrecomp, x, y, w, h int, ref float64) bool {
	for py := 0; py < h; py++ {
		row := pre.gray[(y+py)*pre.W+x : (y+py)*pre.W+x+w]
		for _, v := range row {
			if math.Abs(v-ref) > 1e-9 {
				return false
			}
		}
	}
	return true
}

// buildGrayPrecomp computes grayscale values and their summed-area tables.
func buildGrayPrecomp(p GrayPlane) *grayPrecomp {
	W, H := p.Width, p.Height
	if W <= 0 || H <= 0 || len(p.Pix) < W*H {
		return nil
	}
	need := W * H
	pre := &grayPrecomp{
		gray:       make([]float64, need),
		integral:   make([]float64, need),
		integralSq: make([]float64, need),
		W:          W,
		H:          H,
	}
	for y := 0; y < H; y++ {
		var rowSum, rowSum2 float64
		for x := 0; x < W; x++ {
			off := y*W + x
			g := float64(p.Pix[off])
			pre.gray[off] = g
			rowSum += g
			rowSum2 += g * g
			if y == 0 {
				pre.integral[off] = rowSum
				pre.integralSq[off] = rowSum2
			} else {
				pre.integral[off] = pre.integral[(y-1)*W+x] + rowSum
				pre.integralSq[off] = pre.integralSq[(y-1)*W+x] + rowSum2
			}
		}
	}
	return pre
}

// integralSum returns the inclusive sum over rectangle [x0..x1] x [y0..y1]
// from an integral image stored in row-major order with width W.
func integralSum(I []float64, W int, x0, y0, x1, y1 int) float64 {
	if x0 > x1 || y0 > y1 {
		return 0
	}
	A := func(x, y int) float64 {
		if x < 0 || y < 0 {
			return 0
		}
		return I[y*W+x]
	}
	return A(x1, y1) - A(x0-1, y1) - A(x1, y0-1) + A(x0-1, y0-1)
}

// NCCOptions configures normalized cross-correlation template matching.
type NCCOptions struct {
	Threshold   float64 // Minimum NCC score for a positive match (default 0.80)
	Stride      int     // Coarse stride for scanning (default 1)
	Refine      bool    // If true and Stride>1, do a refinement pass around best window
	DebugTiming bool    // If true, measure elapsed time
}

// NCCResult holds the outcome of a template matching operation. X and Y are
// relative to the searched plane.
type NCCResult struct {
	X, Y  int
	Score float64
	Found bool
	Dur   time.Duration // Only set if DebugTiming
}

// MatchTemplateNCC returns the best match of tmpl inside plane.
func MatchTemplateNCC(plane GrayPlane, tmpl *Template, opts NCCOptions) NCCResult {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.80
	}
	if opts.Stride <= 0 {
		opts.Stride = 1
	}
	if tmpl == nil || plane.Width < tmpl.W || plane.Height < tmpl.H {
		return NCCResult{Score: -1}
	}
	pre := buildGrayPrecomp(plane)
	if pre == nil {
		return NCCResult{Score: -1}
	}
	return matchTemplateNCCPre(tmpl, opts, pre)
}
