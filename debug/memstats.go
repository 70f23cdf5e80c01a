package debug

// Memory/RSS periodic logger enabled when config.Debug is true.
// Logs resident set size of this process and of its ffmpeg children along
// with Go heap stats, so frame pool growth can be told apart from encoder
// growth.

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one memory reading.
type Sample struct {
	RSS         uint64
	ChildrenRSS uint64
	Children    int
	HeapAlloc   uint64
	HeapInuse   uint64
	NumGC       uint32
	Goroutines  int
}

// ReadSample reads the current process and child process memory.
func ReadSample(ctx context.Context) (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{HeapAlloc: ms.HeapAlloc, HeapInuse: ms.HeapInuse, NumGC: ms.NumGC, Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return s, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.RSS = mi.RSS
	children, _ := p.ChildrenWithContext(ctx)
	for _, c := range children {
		name, _ := c.NameWithContext(ctx)
		if !strings.Contains(name, "ffmpeg") {
			continue
		}
		if cm, err := c.MemoryInfoWithContext(ctx); err == nil {
			s.ChildrenRSS += cm.RSS
			s.Children++
		}
	}
	return s, nil
}

// StartMemLogger logs memory stats every interval until ctx is done. It is
// best-effort; failures to query RSS are logged once and suppressed.
func StartMemLogger(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var rssErrLogged bool
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			s, err := ReadSample(ctx)
			if err != nil && !rssErrLogged {
				logger.Warn("memlog: process memory query failed", slog.String("err", err.Error()))
				rssErrLogged = true
			}
			logger.Info("memstats",
				slog.Int("goroutines", s.Goroutines),
				slog.String("rss", humanize.IBytes(s.RSS)),
				slog.String("ffmpeg_rss", humanize.IBytes(s.ChildrenRSS)),
				slog.Int("ffmpeg_procs", s.Children),
				slog.Uint64("heap_alloc", s.HeapAlloc),
				slog.Uint64("heap_inuse", s.HeapInuse),
				slog.Uint64("num_gc", uint64(s.NumGC)),
			)
		}
	}()
}
