package timing

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/detect"
)

// FrameSink receives every frame the session consumes, in order.
type FrameSink interface {
	Write(*capture.Frame) error
}

// Observer receives instrumentation callbacks from the frame loop.
type Observer interface {
	ObserveFrame(plan string)
	ObserveHit(plan, binding string, score float64)
	ObserveTransition(plan string, prev, next Phase)
	ObserveResult(Result)
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithSink forwards every consumed frame to sink; artifact names the
// produced video in the result.
func WithSink(sink FrameSink, artifact string) Option {
	return func(s *Session) { s.sink, s.res.ArtifactPath = sink, artifact }
}

func WithObserver(o Observer) Option { return func(s *Session) { s.observer = o } }

// WithContext bounds the trigger task. Run sets it from its own context.
func WithContext(ctx context.Context) Option { return func(s *Session) { s.ctx = ctx } }

func WithSessionID(id string) Option { return func(s *Session) { s.res.SessionID = id } }

type binding struct {
	Binding
	state *detect.State
}

// Session is the phase state machine of one measurement. It is driven by
// Step, one frame at a time, from a single goroutine; only SignalTrigger may
// be called concurrently.
type Session struct {
	plan     *Plan
	logger   *slog.Logger
	sink     FrameSink
	observer Observer
	ctx      context.Context
	cancel   context.CancelFunc

	phase      Phase
	stepIdx    int
	started    bool
	start      time.Time
	phaseStart time.Time
	holdStart  time.Time
	lastTS     time.Time

	steps    [][]binding
	monitors []binding
	states   map[string]*detect.State

	task      *Task
	signalled atomic.Bool

	listeners []PhaseListener
	res       Result
}

// NewSession prepares a session for plan. The plan is validated up front;
// region problems can only be found on the first frame and are handled there.
func NewSession(plan *Plan, opts ...Option) (*Session, error) {
	if plan == nil {
		return nil, fmt.Errorf("timing: nil plan")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	s := &Session{plan: plan, states: map[string]*detect.State{}}
	s.res.Plan = plan.Name
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.res.SessionID == "" {
		s.res.SessionID = uuid.NewString()
	}
	s.logger = s.logger.With("session", s.res.SessionID, "plan", plan.Name)
	for i, st := range plan.Steps {
		var bs []binding
		for j, b := range st.Bindings {
			key := b.StateKey
			if key == "" {
				key = fmt.Sprintf("step%d/%d", i, j)
			}
			bs = append(bs, binding{Binding: b, state: s.stateFor(key)})
		}
		s.steps = append(s.steps, bs)
	}
	for i, m := range plan.Monitors {
		name := m.Name
		if name == "" {
			name = m.Detector.Name()
		}
		s.monitors = append(s.monitors, binding{
			Binding: Binding{Name: name, Detector: m.Detector, Config: m.Config},
			state:   s.stateFor(fmt.Sprintf("monitor%d", i)),
		})
	}
	return s, nil
}

func (s *Session) stateFor(key string) *detect.State {
	st, ok := s.states[key]
	if !ok {
		st = detect.NewState()
		s.states[key] = st
	}
	return st
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.res.SessionID }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// AddListener registers l for phase transitions. Call before the first Step.
func (s *Session) AddListener(l PhaseListener) { s.listeners = append(s.listeners, l) }

// SignalTrigger tells the session that the trigger was issued outside of
// the plan's TriggerFunc. It is observed on the next frame.
func (s *Session) SignalTrigger() { s.signalled.Store(true) }

// Result returns a snapshot of the measurement result.
func (s *Session) Result() Result {
	r := s.res
	r.Phase = s.phase
	r.Blackouts = append([]BlackoutEvent(nil), s.res.Blackouts...)
	return r
}

// Step consumes one frame and reports whether the session reached a terminal
// phase. The frame is recorded first, then monitors run, then timeouts are
// checked, then the current step's bindings; at most one transition applies.
func (s *Session) Step(f *capture.Frame) bool {
	if s.phase.Terminal() {
		return true
	}
	if !s.started {
		s.begin(f)
	}
	s.lastTS = f.Timestamp
	s.res.Frames++
	if s.observer != nil {
		s.observer.ObserveFrame(s.plan.Name)
	}

	if s.sink != nil {
		if err := s.sink.Write(f); err != nil {
			s.logger.Error("recording failed, aborting session", "error", err, "seq", f.Seq)
			s.res.Status = StatusAborted
			s.res.Err = err
			s.transition(TimedOut, f)
			return true
		}
	}

	if s.phase == PostCaptureHold {
		if f.Timestamp.Sub(s.holdStart) >= s.plan.Hold || s.pastCeiling(f) {
			s.transition(Done, f)
		}
		return s.phase.Terminal()
	}

	for _, m := range s.monitors {
		s.evaluate(m, f)
	}

	if s.pastCeiling(f) {
		s.timeout(f, fmt.Errorf("%w: session ceiling %s exceeded in %s", ErrPhaseTimeout, s.plan.ceiling(), s.phase))
		return true
	}
	if limit := s.phaseTimeout(); limit > 0 && f.Timestamp.Sub(s.phaseStart) > limit {
		s.timeout(f, fmt.Errorf("%w: %s exceeded %s", ErrPhaseTimeout, s.phase, limit))
		return true
	}

	if s.phase == AwaitTrigger {
		s.stepTrigger(f)
		return s.phase.Terminal()
	}
	s.stepDetect(f)
	return s.phase.Terminal()
}

func (s *Session) begin(f *capture.Frame) {
	s.started = true
	s.start = f.Timestamp
	s.phaseStart = f.Timestamp
	s.res.Started = f.Timestamp
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(s.ctx)
	s.validateRegions(f.Width, f.Height)
	s.logger.Info("session started", "size", fmt.Sprintf("%dx%d", f.Width, f.Height), "pre_roll", s.plan.PreRoll, "ceiling", s.plan.ceiling())
}

// validateRegions disables (fails closed) every binding whose regions do
// not fit the frame, reporting each once.
func (s *Session) validateRegions(w, h int) {
	check := func(b binding) {
		if err := b.Config.Validate(w, h); err != nil && !b.state.ConfigReported {
			b.state.ConfigReported = true
			b.state.Armed = false
			s.logger.Error("binding disabled: region configuration error", "binding", b.label(), "error", err)
		}
	}
	for _, bs := range s.steps {
		for _, b := range bs {
			check(b)
		}
	}
	for _, m := range s.monitors {
		check(m)
	}
}

func (b binding) label() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Detector.Name()
}

func (s *Session) pastCeiling(f *capture.Frame) bool {
	return f.Timestamp.Sub(s.start) > s.plan.ceiling()
}

func (s *Session) phaseTimeout() time.Duration {
	switch {
	case s.phase == AwaitTrigger:
		return s.plan.PreRoll + s.plan.triggerTimeout()
	case s.phase.detecting():
		return s.plan.Steps[s.stepIdx].Timeout
	}
	return 0
}

func (s *Session) stepTrigger(f *capture.Frame) {
	if s.task == nil && s.plan.Trigger != nil && f.Timestamp.Sub(s.start) >= s.plan.PreRoll {
		s.logger.Info("issuing trigger", "seq", f.Seq)
		s.task = startTask(s.ctx, s.plan.triggerTimeout(), s.logger, s.plan.Trigger)
	}
	issued := s.signalled.Load()
	if !issued && s.task != nil {
		done, err := s.task.Poll()
		if done && err != nil {
			s.logger.Error("trigger failed", "error", err)
			s.res.Status = StatusAborted
			s.res.Err = fmt.Errorf("timing: trigger: %w", err)
			s.transition(TimedOut, f)
			return
		}
		issued = done
	}
	if !issued {
		return
	}
	s.res.Marks.Trigger = f.Timestamp
	s.enterStep(0, f)
}

func (s *Session) stepDetect(f *capture.Frame) {
	var winner *binding
	var winHit detect.Hit
	for i := range s.steps[s.stepIdx] {
		b := &s.steps[s.stepIdx][i]
		hit, ok := s.evaluate(*b, f)
		if ok && hit.Fired && winner == nil {
			winner, winHit = b, hit
		}
	}
	if winner == nil {
		return
	}
	s.logger.Info("detector fired", "binding", winner.label(), "phase", s.phase, "seq", f.Seq, "score", winHit.Score)
	if winner.Role == RoleFail {
		if info, ok := winHit.Payload.(*detect.ErrorScreenInfo); ok {
			s.res.ErrorScreen = info
		}
		s.res.Status = StatusErrorScreen
		s.res.Marks.Signature = f.Timestamp
		s.enterHold(f)
		return
	}
	switch s.phase {
	case AwaitBlackout:
		s.res.Marks.Blackout = f.Timestamp
	case AwaitRecovery:
		s.res.Marks.Recovery = f.Timestamp
	case AwaitTargetSignature:
		s.res.Marks.Signature = f.Timestamp
		s.res.Duration = f.Timestamp.Sub(s.res.Marks.Trigger)
		s.res.Status = StatusMeasured
		s.logger.Info("measurement complete", "duration", s.res.Duration, "seq", f.Seq)
	}
	if s.stepIdx+1 < len(s.steps) {
		s.enterStep(s.stepIdx+1, f)
		return
	}
	s.enterHold(f)
}

// evaluate runs one binding and records blackout boundaries. Disarmed
// bindings are skipped.
func (s *Session) evaluate(b binding, f *capture.Frame) (detect.Hit, bool) {
	if !b.state.Armed {
		return detect.Hit{}, false
	}
	hit := b.Detector.Evaluate(f, b.Config, b.state)
	if hit.Event != detect.EventNone {
		ev := BlackoutEvent{At: f.Timestamp, Seq: f.Seq, Kind: hit.Event, Source: b.label()}
		s.res.Blackouts = append(s.res.Blackouts, ev)
		s.logger.Info("blackscreen "+hit.Event.String(), "source", ev.Source, "seq", f.Seq, "at", f.Timestamp.Format(time.RFC3339Nano))
	}
	if hit.Fired && s.observer != nil {
		s.observer.ObserveHit(s.plan.Name, b.label(), hit.Score)
	}
	return hit, true
}

func (s *Session) enterStep(i int, f *capture.Frame) {
	s.stepIdx = i
	if s.plan.Steps[i].Rearm {
		for _, b := range s.steps[i] {
			if b.state.Armed {
				b.state.Reset()
			}
		}
	}
	s.transition(s.plan.Steps[i].Phase, f)
}

func (s *Session) enterHold(f *capture.Frame) {
	s.holdStart = f.Timestamp
	s.transition(PostCaptureHold, f)
}

func (s *Session) timeout(f *capture.Frame, err error) {
	s.res.Status = StatusTimedOut
	s.res.TimedOutIn = s.phase
	s.res.Err = err
	s.logger.Warn("session timed out", "phase", s.phase, "error", err, "seq", f.Seq)
	s.transition(TimedOut, f)
}

func (s *Session) transition(next Phase, f *capture.Frame) {
	prev := s.phase
	if prev == next {
		return
	}
	s.phase = next
	s.phaseStart = f.Timestamp
	s.logger.Info("phase transition", "from", prev, "to", next, "seq", f.Seq, "elapsed", f.Timestamp.Sub(s.start))
	if next.Terminal() {
		s.finish(f.Timestamp)
	}
	if s.observer != nil {
		s.observer.ObserveTransition(s.plan.Name, prev, next)
	}
	for _, l := range s.listeners {
		func() {
			defer recoverLog(s.logger, "phase listener panic")
			l(prev, next)
		}()
	}
}

func (s *Session) finish(at time.Time) {
	s.res.Ended = at
	if s.res.Status == StatusPending {
		s.res.Status = StatusTimedOut
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.observer != nil {
		s.observer.ObserveResult(s.Result())
	}
}

func recoverLog(logger *slog.Logger, msg string) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error(msg, "error", r, "stack", string(debug.Stack()))
		}
	}
}
