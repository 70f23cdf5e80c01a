package detect

import (
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soocke/stbkpi-go/domain/capture"
)

const defaultTemplateCacheSize = 16

// TemplateLoader decodes reference images into precomputed grayscale
// templates and caches them by path and target width, so repeated sessions
// (zap loops) do not decode and precompute again.
type TemplateLoader struct {
	cache *lru.Cache[string, *capture.Template]
}

// NewTemplateLoader returns a loader caching up to size templates.
func NewTemplateLoader(size int) (*TemplateLoader, error) {
	if size <= 0 {
		size = defaultTemplateCacheSize
	}
	c, err := lru.New[string, *capture.Template](size)
	if err != nil {
		return nil, fmt.Errorf("template cache: %w", err)
	}
	return &TemplateLoader{cache: c}, nil
}

// Load reads the image at path. A positive width resizes the template
// (keeping the aspect ratio) to match a capture resolution that differs from
// the one the reference was cut from.
func (l *TemplateLoader) Load(path string, width int) (*capture.Template, error) {
	key := fmt.Sprintf("%s@%d", path, width)
	if t, ok := l.cache.Get(key); ok {
		return t, nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", path, err)
	}
	if width > 0 && img.Bounds().Dx() != width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	gray := imaging.Grayscale(img)
	t := capture.NewTemplate(filepath.Base(path), capture.GrayFromImage(gray))
	if t == nil {
		return nil, fmt.Errorf("load template %s: empty image", path)
	}
	l.cache.Add(key, t)
	return t, nil
}

// Len reports the number of cached templates.
func (l *TemplateLoader) Len() int { return l.cache.Len() }
