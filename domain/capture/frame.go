package capture

import (
	"image"
	"time"
)

// Frame is one captured picture in packed RGB24 layout (3 bytes per pixel,
// row stride Width*3). Frames are read-only to consumers and only valid for
// the loop iteration that produced them; anything kept longer must be copied.
type Frame struct {
	Pix       []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time

	pooled bool
}

// NewFrame allocates an unpooled black frame.
func NewFrame(width, height int) *Frame {
	return &Frame{Pix: make([]byte, width*height*3), Width: width, Height: height}
}

// Stride returns the byte length of one row.
func (f *Frame) Stride() int { return f.Width * 3 }

// Bounds returns the region covering the whole frame.
func (f *Frame) Bounds() Region { return FullRegion(f.Width, f.Height) }

// Release hands a pooled frame back for reuse. The frame must not be
// accessed afterwards. Unpooled frames are left alone.
func (f *Frame) Release() {
	if f == nil || !f.pooled {
		return
	}
	RecycleFrame(f)
}

// luma converts one RGB pixel to 8-bit luminance (Rec.601 integer weights).
func luma(r, g, b byte) byte {
	return byte((77*uint32(r) + 150*uint32(g) + 29*uint32(b)) >> 8)
}

// Gray returns the luminance plane of region r, row-major, r.Width()*r.Height() bytes.
// dst is reused when large enough.
func (f *Frame) Gray(r Region, dst []byte) []byte {
	r = r.Resolve(f.Width, f.Height)
	w, h := r.Width(), r.Height()
	n := w * h
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	stride := f.Stride()
	idx := 0
	for y := r.Top; y < r.Bottom; y++ {
		row := f.Pix[y*stride+r.Left*3 : y*stride+r.Right*3]
		for x := 0; x < w; x++ {
			i := x * 3
			dst[idx] = luma(row[i], row[i+1], row[i+2])
			idx++
		}
	}
	return dst
}

// Crop returns a copy of the RGB bytes of region r. dst is reused when large enough.
func (f *Frame) Crop(r Region, dst []byte) []byte {
	r = r.Resolve(f.Width, f.Height)
	rowLen := r.Width() * 3
	n := rowLen * r.Height()
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	stride := f.Stride()
	off := 0
	for y := r.Top; y < r.Bottom; y++ {
		copy(dst[off:off+rowLen], f.Pix[y*stride+r.Left*3:])
		off += rowLen
	}
	return dst
}

// MeanLuma returns the mean luminance of region r.
func (f *Frame) MeanLuma(r Region) float64 {
	r = r.Resolve(f.Width, f.Height)
	n := r.Width() * r.Height()
	if n <= 0 {
		return 0
	}
	stride := f.Stride()
	var sum uint64
	for y := r.Top; y < r.Bottom; y++ {
		row := f.Pix[y*stride+r.Left*3 : y*stride+r.Right*3]
		for i := 0; i+2 < len(row); i += 3 {
			sum += uint64(luma(row[i], row[i+1], row[i+2]))
		}
	}
	return float64(sum) / float64(n)
}

// MeanRGB returns the per-channel mean of region r.
func (f *Frame) MeanRGB(r Region) [3]float64 {
	r = r.Resolve(f.Width, f.Height)
	n := r.Width() * r.Height()
	var out [3]float64
	if n <= 0 {
		return out
	}
	stride := f.Stride()
	var sr, sg, sb uint64
	for y := r.Top; y < r.Bottom; y++ {
		row := f.Pix[y*stride+r.Left*3 : y*stride+r.Right*3]
		for i := 0; i+2 < len(row); i += 3 {
			sr += uint64(row[i])
			sg += uint64(row[i+1])
			sb += uint64(row[i+2])
		}
	}
	out[0] = float64(sr) / float64(n)
	out[1] = float64(sg) / float64(n)
	out[2] = float64(sb) / float64(n)
	return out
}

// Image copies region r into a new NRGBA image.
func (f *Frame) Image(r Region) *image.NRGBA {
	r = r.Resolve(f.Width, f.Height)
	img := image.NewNRGBA(image.Rect(0, 0, r.Width(), r.Height()))
	rgb := f.Crop(r, nil)
	for i, j := 0, 0; i+2 < len(rgb); i, j = i+3, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = rgb[i], rgb[i+1], rgb[i+2], 0xff
	}
	return img
}
