package timing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/detect"
)

const fps = 30

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// frameAt builds the i-th frame (0-based) of a 30 fps uniform stream.
func frameAt(i int, lum byte) *capture.Frame {
	f := capture.NewFrame(16, 12)
	for j := range f.Pix {
		f.Pix[j] = lum
	}
	f.Seq = uint64(i + 1)
	f.Timestamp = tsAt(i)
	return f
}

func tsAt(i int) time.Time { return epoch.Add(time.Duration(i) * time.Second / fps) }

// scripted fires according to a fixed score list, one score per sampled frame.
type scripted struct {
	scores []float64
	calls  int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Evaluate(f *capture.Frame, cfg *detect.Config, st *detect.State) detect.Hit {
	n := st.Frames
	st.Frames++
	if cfg.SampleEvery > 1 && n%uint64(cfg.SampleEvery) != 0 {
		return detect.Hit{}
	}
	if s.calls >= len(s.scores) {
		return detect.Hit{}
	}
	score := s.scores[s.calls]
	s.calls++
	return detect.Hit{Fired: score >= cfg.Threshold, Score: score}
}

// never is a detector that never fires.
type never struct{}

func (never) Name() string { return "never" }
func (never) Evaluate(*capture.Frame, *detect.Config, *detect.State) detect.Hit {
	return detect.Hit{}
}

func blackCfg() *detect.Config { return &detect.Config{Threshold: 20, ConsecutiveHits: 5} }

func bootPlan(sig detect.Detector, sigCfg *detect.Config) *Plan {
	black := blackCfg()
	recovered := *black
	recovered.Invert = true
	return &Plan{
		Name: "boot",
		Steps: []Step{
			{Phase: AwaitBlackout, Timeout: 10 * time.Second, Bindings: []Binding{{Name: "black", Detector: detect.BlackFrame{}, Config: black, StateKey: "black"}}},
			{Phase: AwaitRecovery, Timeout: time.Second, Bindings: []Binding{{Name: "recovered", Detector: detect.BlackFrame{}, Config: &recovered, StateKey: "black"}}},
			{Phase: AwaitTargetSignature, Timeout: 5 * time.Second, Bindings: []Binding{{Name: "signature", Detector: sig, Config: sigCfg}}},
		},
		Hold:     time.Second,
		Monitors: []Monitor{{Name: "blackscreen", Detector: detect.BlackFrame{}, Config: blackCfg()}},
	}
}

func zapPlan(sig detect.Detector, sigCfg *detect.Config, timeout time.Duration) *Plan {
	return &Plan{
		Name:  "zap",
		Steps: []Step{{Phase: AwaitTargetSignature, Timeout: timeout, Bindings: []Binding{{Name: "signature", Detector: sig, Config: sigCfg}}}},
		Hold:  500 * time.Millisecond,
	}
}

func eventsFrom(res Result, source string) []BlackoutEvent {
	var out []BlackoutEvent
	for _, ev := range res.Blackouts {
		if ev.Source == source {
			out = append(out, ev)
		}
	}
	return out
}

func TestSessionBlackStreamTimesOutInAwaitRecovery(t *testing.T) {
	s, err := NewSession(bootPlan(never{}, &detect.Config{}), WithLogger(discardLogger()))
	require.NoError(t, err)
	s.SignalTrigger()
	done := false
	for i := 0; i < 60 && !done; i++ {
		done = s.Step(frameAt(i, 0))
	}
	require.True(t, done)
	res := s.Result()
	assert.Equal(t, TimedOut, res.Phase)
	assert.Equal(t, AwaitRecovery, res.TimedOutIn)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.ErrorIs(t, res.Err, ErrPhaseTimeout)
	_, ok := res.Value()
	assert.False(t, ok)

	mon := eventsFrom(res, "blackscreen")
	require.Len(t, mon, 1)
	assert.Equal(t, detect.EventBlackoutStart, mon[0].Kind)
	assert.Equal(t, uint64(5), mon[0].Seq)
	assert.Equal(t, tsAt(5), res.Marks.Blackout)
}

func TestSessionTemplateScoresScenario(t *testing.T) {
	sig := &scripted{scores: []float64{0.1, 0.1, 0.6, 0.6}}
	s, err := NewSession(zapPlan(sig, &detect.Config{Threshold: 0.5, SampleEvery: 10}, 10*time.Second))
	require.NoError(t, err)
	s.SignalTrigger()
	i := 0
	for ; i < 40; i++ {
		s.Step(frameAt(i, 100))
		if s.Phase() == PostCaptureHold {
			break
		}
	}
	// Frame 0 observes the trigger; bindings sample frames 1, 11, 21, 31.
	assert.Equal(t, 21, i)
	assert.Equal(t, 3, sig.calls)
	res := s.Result()
	assert.Equal(t, tsAt(21), res.Marks.Signature)
	assert.Equal(t, tsAt(0), res.Marks.Trigger)
	v, ok := res.Value()
	require.True(t, ok)
	assert.InDelta(t, 0.7, v, 1e-9)
}

func TestSessionBootMeasuresSignatureMinusTrigger(t *testing.T) {
	var transitions []string
	motion := &detect.Config{Threshold: 5, ConsecutiveHits: 3}
	plan := bootPlan(detect.Motion{}, motion)
	plan.PreRoll = 500 * time.Millisecond
	plan.Hold = 200 * time.Millisecond
	s, err := NewSession(plan, WithLogger(discardLogger()))
	require.NoError(t, err)
	s.AddListener(func(prev, next Phase) { transitions = append(transitions, prev.String()+">"+next.String()) })

	lum := func(i int) byte {
		switch {
		case i < 30:
			return 150 // pre-roll, bright
		case i < 50:
			return 0 // blackout
		case i < 60:
			return 150 // recovered, static
		default:
			if i%2 == 0 {
				return 60
			}
			return 200 // moving picture
		}
	}
	var done bool
	i := 0
	for ; i < 200 && !done; i++ {
		if i == 10 {
			s.SignalTrigger()
		}
		done = s.Step(frameAt(i, lum(i)))
	}
	require.True(t, done)
	res := s.Result()
	assert.Equal(t, Done, res.Phase)
	assert.Equal(t, StatusMeasured, res.Status)
	assert.Equal(t, tsAt(10), res.Marks.Trigger)
	assert.Equal(t, tsAt(34), res.Marks.Blackout)
	assert.Equal(t, tsAt(54), res.Marks.Recovery)
	// Motion seeds on frame 55, candidates from 60 on: third candidate at 62.
	assert.Equal(t, tsAt(62), res.Marks.Signature)
	assert.Equal(t, tsAt(62).Sub(tsAt(10)), res.Duration)
	assert.Equal(t, []string{
		"await_trigger>await_blackout",
		"await_blackout>await_recovery",
		"await_recovery>await_target_signature",
		"await_target_signature>post_capture_hold",
		"post_capture_hold>done",
	}, transitions)

	ivs := res.Intervals()
	var mon []Interval
	for _, iv := range ivs {
		if iv.Source == "blackscreen" {
			mon = append(mon, iv)
		}
	}
	require.Len(t, mon, 1)
	assert.Equal(t, tsAt(34), mon[0].Start)
	assert.Equal(t, tsAt(54), mon[0].End)
	assert.Equal(t, tsAt(54).Sub(tsAt(34)), mon[0].Duration(time.Time{}))
}

func TestSessionNeverHangsWithoutSignature(t *testing.T) {
	plans := map[string]func() *Plan{
		"zap":  func() *Plan { return zapPlan(never{}, &detect.Config{}, 2*time.Second) },
		"boot": func() *Plan { return bootPlan(never{}, &detect.Config{}) },
		"ceiling": func() *Plan {
			p := zapPlan(never{}, &detect.Config{}, 0)
			p.Ceiling = 3 * time.Second
			return p
		},
	}
	for name, mk := range plans {
		t.Run(name, func(t *testing.T) {
			plan := mk()
			s, err := NewSession(plan)
			require.NoError(t, err)
			s.SignalTrigger()
			var phaseStart time.Time
			s.AddListener(func(prev, next Phase) {
				if !next.Terminal() {
					phaseStart = s.lastTS
				}
			})
			limit := 10000
			i := 0
			for ; i < limit; i++ {
				lum := byte(120)
				if name == "boot" && i >= 5 && i < 20 {
					lum = 0
				}
				if s.Step(frameAt(i, lum)) {
					break
				}
			}
			require.Less(t, i, limit)
			res := s.Result()
			assert.Equal(t, TimedOut, res.Phase)
			assert.Equal(t, StatusTimedOut, res.Status)

			var bound time.Duration
			if plan.Ceiling > 0 {
				bound = plan.Ceiling
				phaseStart = tsAt(0)
			} else {
				bound = plan.Steps[stepIndex(plan, res.TimedOutIn)].Timeout
			}
			eps := time.Second/fps + time.Millisecond
			assert.LessOrEqual(t, tsAt(i).Sub(phaseStart), bound+eps)
		})
	}
}

func stepIndex(p *Plan, ph Phase) int {
	for i, st := range p.Steps {
		if st.Phase == ph {
			return i
		}
	}
	return -1
}

func TestSessionTriggerTaskAfterPreRoll(t *testing.T) {
	var calledAt atomic.Int64
	plan := zapPlan(never{}, &detect.Config{}, 10*time.Second)
	plan.PreRoll = time.Second
	plan.Trigger = func(ctx context.Context) error {
		calledAt.Store(1)
		return nil
	}
	s, err := NewSession(plan)
	require.NoError(t, err)
	i := 0
	for ; i < 2000 && s.Phase() == AwaitTrigger; i++ {
		s.Step(frameAt(i, 100))
		if i < 30 {
			assert.Zero(t, calledAt.Load(), "trigger before pre-roll at frame %d", i)
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, AwaitTargetSignature, s.Phase())
	assert.Equal(t, int64(1), calledAt.Load())
	trig := s.Result().Marks.Trigger
	assert.False(t, trig.Before(tsAt(30)))
}

func TestSessionTriggerFailureAborts(t *testing.T) {
	plan := zapPlan(never{}, &detect.Config{}, 10*time.Second)
	plan.Trigger = func(ctx context.Context) error { return errors.New("adb: device offline") }
	s, err := NewSession(plan)
	require.NoError(t, err)
	done := false
	for i := 0; i < 2000 && !done; i++ {
		done = s.Step(frameAt(i, 100))
		time.Sleep(time.Millisecond)
	}
	require.True(t, done)
	res := s.Result()
	assert.Equal(t, StatusAborted, res.Status)
	assert.ErrorContains(t, res.Err, "device offline")
}

type failingSink struct {
	writes int
	failAt int
}

func (f *failingSink) Write(*capture.Frame) error {
	f.writes++
	if f.writes >= f.failAt {
		return capture.ErrEncoderPipeBroken
	}
	return nil
}

func TestSessionRecorderFailureAborts(t *testing.T) {
	sink := &failingSink{failAt: 3}
	s, err := NewSession(zapPlan(never{}, &detect.Config{}, 10*time.Second), WithSink(sink, "/tmp/zap.mp4"))
	require.NoError(t, err)
	s.SignalTrigger()
	assert.False(t, s.Step(frameAt(0, 1)))
	assert.False(t, s.Step(frameAt(1, 1)))
	assert.True(t, s.Step(frameAt(2, 1)))
	res := s.Result()
	assert.Equal(t, StatusAborted, res.Status)
	assert.ErrorIs(t, res.Err, capture.ErrEncoderPipeBroken)
	assert.Equal(t, "/tmp/zap.mp4", res.ArtifactPath)
	assert.True(t, s.Step(frameAt(3, 1)), "terminal sessions stay terminal")
	assert.Equal(t, 3, sink.writes)
}

type recordingSink struct{ seqs []uint64 }

func (r *recordingSink) Write(f *capture.Frame) error {
	r.seqs = append(r.seqs, f.Seq)
	return nil
}

func TestSessionRecordsEveryFrameUpToTimeout(t *testing.T) {
	sink := &recordingSink{}
	s, err := NewSession(zapPlan(never{}, &detect.Config{}, time.Second), WithSink(sink, ""))
	require.NoError(t, err)
	s.SignalTrigger()
	n := 0
	for i := 0; ; i++ {
		n++
		if s.Step(frameAt(i, 1)) {
			break
		}
	}
	assert.Len(t, sink.seqs, n)
	for i, seq := range sink.seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.Equal(t, StatusTimedOut, s.Result().Status)
	s.Step(frameAt(n, 1))
	assert.Len(t, sink.seqs, n, "nothing is recorded after the timeout frame")
}

type errorScreenDetector struct{ after int }

func (e *errorScreenDetector) Name() string { return "error_screen" }
func (e *errorScreenDetector) Evaluate(f *capture.Frame, cfg *detect.Config, st *detect.State) detect.Hit {
	st.Frames++
	if int(st.Frames) < e.after {
		return detect.Hit{}
	}
	return detect.Hit{Fired: true, Score: 1, Payload: &detect.ErrorScreenInfo{Title: "Service indisponible", Code: "S2001"}}
}

func TestSessionErrorScreenFailsMeasurement(t *testing.T) {
	plan := zapPlan(never{}, &detect.Config{}, 10*time.Second)
	plan.Steps[0].Bindings = append(plan.Steps[0].Bindings, Binding{Name: "error", Detector: &errorScreenDetector{after: 4}, Config: &detect.Config{}, Role: RoleFail})
	s, err := NewSession(plan)
	require.NoError(t, err)
	s.SignalTrigger()
	done := false
	i := 0
	for ; i < 200 && !done; i++ {
		done = s.Step(frameAt(i, 100))
	}
	require.True(t, done)
	res := s.Result()
	assert.Equal(t, Done, res.Phase)
	assert.Equal(t, StatusErrorScreen, res.Status)
	require.NotNil(t, res.ErrorScreen)
	assert.Equal(t, "S2001", res.ErrorScreen.Code)
	_, ok := res.Value()
	assert.False(t, ok)
	// Hold of 500ms recorded after the error screen at frame 4.
	assert.Equal(t, tsAt(4), res.Marks.Signature)
	assert.Equal(t, 4+15+1, i)
}

func TestSessionDisablesOutOfFrameBindings(t *testing.T) {
	bad := &detect.Config{Threshold: 5, ConsecutiveHits: 1, Region: capture.Region{Top: 0, Bottom: 100, Left: 0, Right: 4}}
	plan := zapPlan(detect.Motion{}, bad, time.Second)
	plan.Monitors = []Monitor{{Name: "blackscreen", Detector: detect.BlackFrame{}, Config: &detect.Config{Threshold: 20, Region: capture.Region{Top: 50, Bottom: 60, Left: 0, Right: 4}}}}
	s, err := NewSession(plan, WithLogger(discardLogger()))
	require.NoError(t, err)
	s.SignalTrigger()
	done := false
	for i := 0; i < 100 && !done; i++ {
		lum := byte(0)
		if i%2 == 1 {
			lum = 255
		}
		done = s.Step(frameAt(i, lum))
	}
	require.True(t, done)
	res := s.Result()
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Empty(t, res.Blackouts)
	for _, st := range s.states {
		assert.False(t, st.Armed)
		assert.True(t, st.ConfigReported)
	}
}

func TestSessionRearmResetsState(t *testing.T) {
	cfg := &detect.Config{Threshold: 20, ConsecutiveHits: 3}
	inv := *cfg
	inv.Invert = true
	plan := &Plan{
		Name: "rearm",
		Steps: []Step{
			{Phase: AwaitBlackout, Bindings: []Binding{{Detector: detect.BlackFrame{}, Config: cfg, StateKey: "k"}}},
			{Phase: AwaitTargetSignature, Rearm: true, Bindings: []Binding{{Detector: detect.BlackFrame{}, Config: &inv, StateKey: "k"}}},
		},
		Ceiling: 2 * time.Second,
	}
	s, err := NewSession(plan)
	require.NoError(t, err)
	s.SignalTrigger()
	for i := 0; i < 5; i++ {
		s.Step(frameAt(i, 0))
	}
	require.Equal(t, AwaitTargetSignature, s.Phase())
	// With the blackout forgotten, bright frames are not a recovery.
	done := false
	for i := 5; i < 200 && !done; i++ {
		done = s.Step(frameAt(i, 200))
	}
	assert.Equal(t, StatusTimedOut, s.Result().Status)
}

func TestSessionListenerPanicIsContained(t *testing.T) {
	s, err := NewSession(zapPlan(never{}, &detect.Config{}, time.Second), WithLogger(discardLogger()))
	require.NoError(t, err)
	calls := 0
	s.AddListener(func(prev, next Phase) { panic("boom") })
	s.AddListener(func(prev, next Phase) { calls++ })
	s.SignalTrigger()
	s.Step(frameAt(0, 1))
	assert.Equal(t, 1, calls)
	assert.Equal(t, AwaitTargetSignature, s.Phase())
}

func TestPlanValidate(t *testing.T) {
	_, err := NewSession(&Plan{Name: "empty"})
	assert.Error(t, err)

	p := &Plan{Steps: []Step{
		{Phase: AwaitRecovery, Bindings: []Binding{{Detector: never{}, Config: &detect.Config{}}}},
		{Phase: AwaitBlackout, Bindings: []Binding{{Detector: never{}, Config: &detect.Config{}, Role: RoleFail}}},
	}}
	err = p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")
	assert.Contains(t, err.Error(), "no advancing binding")
	assert.Contains(t, err.Error(), "must end in")

	assert.NoError(t, bootPlan(never{}, &detect.Config{}).Validate())
}

func TestResultHelpers(t *testing.T) {
	r := Result{Status: StatusMeasured, Duration: 1500 * time.Millisecond}
	v, ok := r.Value()
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
	r.MarkDeviceUnreachable(errors.New("late"))
	assert.Equal(t, StatusMeasured, r.Status)

	r = Result{Status: StatusTimedOut}
	r.MarkDeviceUnreachable(errors.New("not ready"))
	assert.Equal(t, StatusDeviceUnreachable, r.Status)
	assert.ErrorContains(t, r.Err, "not ready")

	zero := Result{Status: StatusMeasured}
	v, ok = zero.Value()
	assert.True(t, ok, "a measured zero is still a measurement")
	assert.Zero(t, v)
}
