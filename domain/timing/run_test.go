package timing

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/soocke/stbkpi-go/domain/capture"
	"github.com/soocke/stbkpi-go/domain/detect"
)

// sliceSource replays n synthetic frames, then fails with end (io.EOF by
// default) or blocks until ctx ends when block is set.
type sliceSource struct {
	n     int
	lum   func(i int) byte
	end   error
	block bool
	i     int
}

func (s *sliceSource) Open(context.Context) error { return nil }
func (s *sliceSource) Close() error               { return nil }
func (s *sliceSource) Size() (int, int)           { return 16, 12 }
func (s *sliceSource) FrameRate() float64         { return fps }

func (s *sliceSource) Read(ctx context.Context) (*capture.Frame, error) {
	if s.i >= s.n {
		if s.block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if s.end != nil {
			return nil, s.end
		}
		return nil, io.EOF
	}
	lum := byte(120)
	if s.lum != nil {
		lum = s.lum(s.i)
	}
	f := frameAt(s.i, lum)
	s.i++
	return f, nil
}

func TestRunEndOfStreamDuringHoldCompletes(t *testing.T) {
	defer goleak.VerifyNone(t)
	sig := &scripted{scores: []float64{1}}
	plan := zapPlan(sig, &detect.Config{Threshold: 0.5}, 10*time.Second)
	plan.Hold = 10 * time.Second
	s, err := NewSession(plan)
	require.NoError(t, err)
	s.SignalTrigger()

	res := Run(context.Background(), &sliceSource{n: 5}, s)
	assert.Equal(t, Done, res.Phase)
	assert.Equal(t, StatusMeasured, res.Status)
	assert.Equal(t, uint64(5), res.Frames)
	assert.Equal(t, tsAt(4), res.Ended)
}

func TestRunEndOfStreamBeforeSignatureTimesOut(t *testing.T) {
	s, err := NewSession(zapPlan(never{}, &detect.Config{}, 10*time.Second))
	require.NoError(t, err)
	s.SignalTrigger()

	res := Run(context.Background(), &sliceSource{n: 3}, s)
	assert.Equal(t, TimedOut, res.Phase)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, AwaitTargetSignature, res.TimedOutIn)
	assert.ErrorIs(t, res.Err, ErrPhaseTimeout)
	assert.ErrorIs(t, res.Err, io.EOF)
}

func TestRunSourceErrorAborts(t *testing.T) {
	s, err := NewSession(zapPlan(never{}, &detect.Config{}, 10*time.Second))
	require.NoError(t, err)
	res := Run(context.Background(), &sliceSource{n: 2, end: capture.ErrSourceUnavailable}, s)
	assert.Equal(t, StatusAborted, res.Status)
	assert.ErrorIs(t, res.Err, capture.ErrSourceUnavailable)
}

func TestRunStalledSourceTimesOut(t *testing.T) {
	defer func(d time.Duration) { stallSlack = d }(stallSlack)
	// Budget is ceiling + slack; a negative slack leaves 50ms of wall time.
	plan := zapPlan(never{}, &detect.Config{}, 0)
	plan.Ceiling = time.Second
	plan.Hold = 0
	stallSlack = 50*time.Millisecond - plan.Ceiling

	s, err := NewSession(plan)
	require.NoError(t, err)
	s.SignalTrigger()
	start := time.Now()
	res := Run(context.Background(), &sliceSource{n: 2, block: true}, s)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.ErrorIs(t, res.Err, ErrPhaseTimeout)
	assert.Contains(t, res.Err.Error(), "stalled")
}

func TestRunCancelledAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewSession(zapPlan(never{}, &detect.Config{}, 0))
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := Run(ctx, &sliceSource{n: 1, block: true}, s)
	assert.Equal(t, StatusAborted, res.Status)
	assert.True(t, errors.Is(res.Err, context.Canceled))
}

func TestRunStopsAtTerminalPhase(t *testing.T) {
	src := &sliceSource{n: 1000}
	s, err := NewSession(zapPlan(never{}, &detect.Config{}, time.Second))
	require.NoError(t, err)
	s.SignalTrigger()
	res := Run(context.Background(), src, s)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, 32, src.i, "no frame is read after the timeout frame")
}
