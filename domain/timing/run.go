package timing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/soocke/stbkpi-go/domain/capture"
)

// stallSlack is added to the plan's ceiling and hold to bound wall-clock time
// spent waiting on a source that stopped delivering frames.
var stallSlack = 10 * time.Second

// Run drives sess with frames from src until it reaches a terminal phase,
// the source ends or stalls, or ctx is cancelled. It always returns a result;
// failures are carried as a status, never raised. Frames are released after
// each step. src is neither opened nor closed here.
func Run(ctx context.Context, src capture.FrameSource, sess *Session) Result {
	if sess.ctx == nil {
		sess.ctx = ctx
	}
	budget := sess.plan.ceiling() + sess.plan.PreRoll + sess.plan.Hold + stallSlack
	readCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for {
		f, err := src.Read(readCtx)
		if err != nil {
			sess.endOfStream(ctx, err)
			break
		}
		done := sess.Step(f)
		f.Release()
		if done {
			break
		}
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	return sess.Result()
}

// endOfStream settles a session whose source returned err before a terminal
// phase. An ended stream during the hold completes the measurement.
func (s *Session) endOfStream(parent context.Context, err error) {
	if s.phase.Terminal() {
		return
	}
	at := s.lastTS
	if at.IsZero() {
		at = time.Now()
	}
	marker := &capture.Frame{Timestamp: at}
	switch {
	case s.phase == PostCaptureHold:
		s.logger.Info("source ended during hold", "error", err)
		s.transition(Done, marker)
	case parent.Err() != nil:
		s.res.Status = StatusAborted
		s.res.Err = fmt.Errorf("timing: session cancelled in %s: %w", s.phase, parent.Err())
		s.transition(TimedOut, marker)
	case errors.Is(err, io.EOF):
		s.timeout(marker, fmt.Errorf("%w: source ended in %s: %w", ErrPhaseTimeout, s.phase, err))
	case errors.Is(err, context.DeadlineExceeded):
		s.timeout(marker, fmt.Errorf("%w: source stalled in %s", ErrPhaseTimeout, s.phase))
	default:
		s.res.Status = StatusAborted
		s.res.Err = fmt.Errorf("timing: source read in %s: %w", s.phase, err)
		s.transition(TimedOut, marker)
	}
}
