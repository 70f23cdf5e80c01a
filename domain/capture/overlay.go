package capture

import (
	"image"
	"image/color"
	"strconv"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// rgbImage adapts a packed RGB24 buffer to draw.Image.
type rgbImage struct {
	pix    []byte
	width  int
	height int
}

func (m *rgbImage) ColorModel() color.Model { return color.RGBAModel }
func (m *rgbImage) Bounds() image.Rectangle { return image.Rect(0, 0, m.width, m.height) }

func (m *rgbImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return color.RGBA{}
	}
	i := (y*m.width + x) * 3
	return color.RGBA{R: m.pix[i], G: m.pix[i+1], B: m.pix[i+2], A: 0xff}
}

func (m *rgbImage) Set(x, y int, c color.Color) {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return
	}
	r, g, b, _ := c.RGBA()
	i := (y*m.width + x) * 3
	m.pix[i], m.pix[i+1], m.pix[i+2] = byte(r>>8), byte(g>>8), byte(b>>8)
}

// stampOverlay copies f into dst and burns the frame time and sequence
// number into the top-left corner. The source frame is left untouched.
func stampOverlay(f *Frame, origin time.Time, dst []byte) []byte {
	if cap(dst) < len(f.Pix) {
		dst = make([]byte, len(f.Pix))
	}
	dst = dst[:len(f.Pix)]
	copy(dst, f.Pix)

	face := basicfont.Face7x13
	label := formatOverlay(f, origin)
	boxW := min(f.Width, len(label)*face.Advance+8)
	boxH := min(f.Height, face.Height+6)
	for y := 0; y < boxH; y++ {
		row := dst[y*f.Width*3 : y*f.Width*3+boxW*3]
		clear(row)
	}
	img := &rgbImage{pix: dst, width: f.Width, height: f.Height}
	d := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(4, face.Ascent+3),
	}
	d.DrawString(label)
	return dst
}

func formatOverlay(f *Frame, origin time.Time) string {
	elapsed := f.Timestamp.Sub(origin)
	if origin.IsZero() || elapsed < 0 {
		elapsed = 0
	}
	return f.Timestamp.Format("15:04:05.000") + " +" + elapsed.Truncate(time.Millisecond).String() + " #" + strconv.FormatUint(f.Seq, 10)
}
