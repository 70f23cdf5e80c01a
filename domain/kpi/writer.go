// Package kpi persists measurement results to the plain-text KPI log and
// optionally mirrors them to an MQTT broker.
package kpi

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/soocke/stbkpi-go/domain/timing"
)

// ErrMalformedLog is returned by ReadLog for lines without a comma.
var ErrMalformedLog = errors.New("kpi: malformed log line")

// Writer appends one line per measurement to a KPI log. The log starts with a
// header "<label>,<expected>" written only when the file is created. Failed
// measurements are written with Fallback as their value (empty by default) so
// every attempt leaves a line. Appends are not locked; callers serialise
// concurrent runs on one file.
type Writer struct {
	Label    string
	Expected float64
	Fallback string
}

// Append writes res to the log at path, creating the log and its directory
// when needed. Existing lines are never rewritten.
func (w Writer) Append(res timing.Result, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("kpi: create log dir: %w", err)
		}
	}
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("kpi: open log: %w", err)
	}
	var b strings.Builder
	if fresh {
		label := w.Label
		if label == "" {
			label = "KPI"
		}
		fmt.Fprintf(&b, "%s,%s\n", label, formatValue(w.Expected))
	}
	fmt.Fprintf(&b, "%s,%s\n", res.ArtifactPath, w.value(res))
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("kpi: append: %w", err)
	}
	return f.Close()
}

func (w Writer) value(res timing.Result) string {
	if v, ok := res.Value(); ok {
		return formatValue(v)
	}
	return w.Fallback
}

func formatValue(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

// Entry is one measurement line of a KPI log. Measured is false when the
// line carries the fallback value.
type Entry struct {
	Artifact string
	Value    float64
	Raw      string
	Measured bool
}

// Log is a parsed KPI log.
type Log struct {
	Label    string
	Expected float64
	Entries  []Entry
}

// ReadLog parses the log at path. Values are split at the last comma so
// artifact paths may contain commas.
func ReadLog(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := &Log{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		line++
		if text == "" {
			continue
		}
		i := strings.LastIndexByte(text, ',')
		if i < 0 {
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedLog, line, text)
		}
		key, raw := text[:i], strings.TrimSpace(text[i+1:])
		if line == 1 {
			out.Label = key
			if raw != "" {
				if out.Expected, err = strconv.ParseFloat(raw, 64); err != nil {
					return nil, fmt.Errorf("%w: header value %q", ErrMalformedLog, raw)
				}
			}
			continue
		}
		e := Entry{Artifact: key, Raw: raw}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			e.Value, e.Measured = v, true
		}
		out.Entries = append(out.Entries, e)
	}
	return out, sc.Err()
}
