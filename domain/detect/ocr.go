package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"strings"

	"github.com/disintegration/imaging"
)

// OCR extracts text from an image. Implementations may block; detectors only
// call them off the frame loop.
type OCR interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

// TesseractOCR shells out to the tesseract CLI, feeding a PNG on stdin.
type TesseractOCR struct {
	Path     string // default "tesseract"
	Language string // e.g. "fra"
	PSM      int    // page segmentation mode, 0 keeps the tesseract default
}

func (t TesseractOCR) Recognize(ctx context.Context, img image.Image) (string, error) {
	var in bytes.Buffer
	if err := imaging.Encode(&in, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("ocr: encode: %w", err)
	}
	bin := t.Path
	if bin == "" {
		bin = "tesseract"
	}
	args := []string{"stdin", "stdout"}
	if t.Language != "" {
		args = append(args, "-l", t.Language)
	}
	if t.PSM > 0 {
		args = append(args, "--psm", fmt.Sprint(t.PSM))
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = &in
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ocr: %s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}
