package detect

import (
	"context"
	"image"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/soocke/stbkpi-go/domain/capture"
)

const ocrTimeout = 15 * time.Second

// ErrorScreenInfo is the payload of a fired ErrorScreen hit.
type ErrorScreenInfo struct {
	Title string `json:"title"`
	Code  string `json:"code"`
	Text  string `json:"text"`
}

func (i *ErrorScreenInfo) String() string {
	if i.Code == "" {
		return i.Title
	}
	return i.Title + " (code " + i.Code + ")"
}

type ocrResult struct {
	info ErrorScreenInfo
	err  error
}

type ocrJob struct {
	started time.Time
	done    chan ocrResult
}

// ErrorScreen recognises a device error page. All colour signatures must
// match on ConsecutiveHits frames; then the title and code regions are copied
// and read by the OCR collaborator in a background goroutine. The result is
// picked up on a later evaluation: the detector fires when the code text
// contains Keyword (any text when Keyword is empty). Without OCR it fires on
// the colour match alone.
type ErrorScreen struct {
	Logger *slog.Logger
}

func (ErrorScreen) Name() string { return "error_screen" }

func (d ErrorScreen) Evaluate(f *capture.Frame, cfg *Config, st *State) Hit {
	st.Frames++
	if job := st.ocr; job != nil {
		select {
		case res := <-job.done:
			st.ocr = nil
			st.Hits = 0
			if res.err != nil {
				if d.Logger != nil {
					d.Logger.Warn("error screen ocr failed", "error", res.err)
				}
				return Hit{}
			}
			if cfg.Keyword == "" || strings.Contains(strings.ToLower(res.info.Text), strings.ToLower(cfg.Keyword)) {
				info := res.info
				if d.Logger != nil {
					d.Logger.Info("error screen detected", "title", info.Title, "code", info.Code, "ocr_elapsed", time.Since(job.started))
				}
				return Hit{Fired: true, Score: 1, Payload: &info}
			}
			return Hit{}
		default:
			return Hit{}
		}
	}

	dist, ok := d.signatureDistance(f, cfg, st)
	if !ok {
		st.Hits = 0
		return Hit{Score: dist}
	}
	st.Hits++
	st.LastScore = dist
	if st.Hits < cfg.consecutive() {
		return Hit{Score: dist}
	}
	if cfg.OCR == nil {
		return Hit{Fired: true, Score: dist, Payload: &ErrorScreenInfo{}}
	}
	st.ocr = startOCR(cfg.OCR, f.Image(cfg.TitleRegion), f.Image(cfg.CodeRegion))
	return Hit{Score: dist}
}

// signatureDistance returns the largest per-channel deviation over all
// signatures and whether every signature is within its tolerance.
func (d ErrorScreen) signatureDistance(f *capture.Frame, cfg *Config, st *State) (float64, bool) {
	if len(cfg.Signatures) == 0 {
		return 0, false
	}
	worst := 0.0
	ok := true
	for _, sig := range cfg.Signatures {
		if err := sig.Region.Validate(f.Width, f.Height); err != nil {
			reportConfig(d.Logger, d.Name(), st, err)
			return math.Inf(1), false
		}
		mean := f.MeanRGB(sig.Region)
		for c := 0; c < 3; c++ {
			dev := math.Abs(mean[c] - sig.RGB[c])
			worst = max(worst, dev)
			if dev > sig.Tolerance {
				ok = false
			}
		}
	}
	return worst, ok
}

// startOCR recognises copies of the title and code regions, never the pooled
// frame itself.
func startOCR(ocr OCR, title, code image.Image) *ocrJob {
	job := &ocrJob{started: time.Now(), done: make(chan ocrResult, 1)}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ocrTimeout)
		defer cancel()
		titleText, err := ocr.Recognize(ctx, title)
		if err != nil {
			job.done <- ocrResult{err: err}
			return
		}
		codeText, err := ocr.Recognize(ctx, code)
		if err != nil {
			job.done <- ocrResult{err: err}
			return
		}
		job.done <- ocrResult{info: parseErrorText(titleText, codeText)}
	}()
	return job
}

// parseErrorText flattens the title and takes the code as the text between
// the first colon and the end of that line.
func parseErrorText(title, code string) ErrorScreenInfo {
	info := ErrorScreenInfo{
		Title: strings.Join(strings.Fields(title), " "),
		Text:  strings.TrimSpace(code),
	}
	line := code
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if i := strings.IndexByte(code, ':'); i >= 0 {
		rest := code[i+1:]
		if j := strings.IndexByte(rest, '\n'); j >= 0 {
			rest = rest[:j]
		}
		info.Code = strings.TrimSpace(rest)
	} else {
		info.Code = strings.TrimSpace(line)
	}
	return info
}
