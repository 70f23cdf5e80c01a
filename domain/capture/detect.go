package capture

import "fmt"

// MatchRegion crops region r (grown by margin, clamped to the frame) to
// grayscale and searches it for tmpl. A region that cannot hold the template
// is reported as ErrRegionConfiguration rather than a plain non-match.
// gray is a scratch buffer reused across calls; the grown buffer is returned.
func MatchRegion(f *Frame, r Region, margin int, tmpl *Template, opts MultiScaleOptions, gray []byte) (MultiScaleResult, []byte, error) {
	if f == nil || tmpl == nil {
		return MultiScaleResult{Score: -1}, gray, fmt.Errorf("%w: missing frame or template", ErrRegionConfiguration)
	}
	if err := r.Validate(f.Width, f.Height); err != nil {
		return MultiScaleResult{Score: -1}, gray, err
	}
	search := r.Pad(margin, f.Width, f.Height)
	if search.Width() < tmpl.W || search.Height() < tmpl.H {
		return MultiScaleResult{Score: -1}, gray, fmt.Errorf("%w: region %s (%dx%d) smaller than template %q (%dx%d)",
			ErrRegionConfiguration, search, search.Width(), search.Height(), tmpl.Name, tmpl.W, tmpl.H)
	}
	gray = f.Gray(search, gray)
	res := MultiScaleMatch(GrayPlane{Pix: gray, Width: search.Width(), Height: search.Height()}, tmpl, opts)
	res.X += search.Left
	res.Y += search.Top
	return res, gray, nil
}
