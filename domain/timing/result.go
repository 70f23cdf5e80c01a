package timing

import (
	"errors"
	"time"

	"github.com/soocke/stbkpi-go/domain/detect"
)

// ErrPhaseTimeout reports a phase or the session ceiling running out before
// the expected signature appeared.
var ErrPhaseTimeout = errors.New("timing: phase timeout")

// Status is the outcome of a measurement. Only StatusMeasured carries a
// duration; every other status is a failure sentinel, so an undetected event
// is never mistaken for an instant one.
type Status int

const (
	StatusPending Status = iota
	StatusMeasured
	StatusTimedOut
	StatusDeviceUnreachable
	StatusAborted
	StatusErrorScreen
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMeasured:
		return "measured"
	case StatusTimedOut:
		return "timed_out"
	case StatusDeviceUnreachable:
		return "device_unreachable"
	case StatusAborted:
		return "aborted"
	case StatusErrorScreen:
		return "error_screen"
	default:
		return "unknown"
	}
}

// Marks are the frame timestamps at which each transition fired.
type Marks struct {
	Trigger   time.Time `json:"trigger,omitzero"`
	Blackout  time.Time `json:"blackout,omitzero"`
	Recovery  time.Time `json:"recovery,omitzero"`
	Signature time.Time `json:"signature,omitzero"`
}

// BlackoutEvent is one boundary of a blackscreen interval.
type BlackoutEvent struct {
	At     time.Time    `json:"at"`
	Seq    uint64       `json:"seq"`
	Kind   detect.Event `json:"kind"`
	Source string       `json:"source"`
}

// Interval is a closed or still open blackout.
type Interval struct {
	Source string
	Start  time.Time
	End    time.Time // zero while open
}

// Duration returns the interval length, measured to end when still open.
func (iv Interval) Duration(end time.Time) time.Duration {
	if !iv.End.IsZero() {
		end = iv.End
	}
	return end.Sub(iv.Start)
}

// Result is produced by every session, whatever happened.
type Result struct {
	SessionID    string                  `json:"session_id"`
	Plan         string                  `json:"plan"`
	ArtifactPath string                  `json:"artifact_path"`
	Status       Status                  `json:"status"`
	Duration     time.Duration           `json:"duration"`
	Phase        Phase                   `json:"phase"`
	TimedOutIn   Phase                   `json:"timed_out_in"`
	Marks        Marks                   `json:"marks"`
	Blackouts    []BlackoutEvent         `json:"blackouts"`
	ErrorScreen  *detect.ErrorScreenInfo `json:"error_screen,omitempty"`
	ReadyAfter   time.Duration           `json:"ready_after,omitempty"`
	Frames       uint64                  `json:"frames"`
	Started      time.Time               `json:"started"`
	Ended        time.Time               `json:"ended"`
	Err          error                   `json:"-"`
}

// Value returns the measured duration in seconds, or false when the result
// carries a failure sentinel.
func (r Result) Value() (float64, bool) {
	if r.Status != StatusMeasured {
		return 0, false
	}
	return r.Duration.Seconds(), true
}

// Intervals pairs blackout events per source into intervals.
func (r Result) Intervals() []Interval {
	var out []Interval
	open := map[string]int{}
	for _, ev := range r.Blackouts {
		switch ev.Kind {
		case detect.EventBlackoutStart:
			open[ev.Source] = len(out)
			out = append(out, Interval{Source: ev.Source, Start: ev.At})
		case detect.EventBlackoutEnd:
			if i, ok := open[ev.Source]; ok {
				out[i].End = ev.At
				delete(open, ev.Source)
			}
		}
	}
	return out
}

// MarkDeviceUnreachable downgrades an unmeasured result when the device
// never reported ready. A measured result keeps its value.
func (r *Result) MarkDeviceUnreachable(err error) {
	if r.Status == StatusMeasured {
		return
	}
	r.Status = StatusDeviceUnreachable
	r.Err = errors.Join(r.Err, err)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
