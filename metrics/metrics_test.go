package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soocke/stbkpi-go/domain/detect"
	"github.com/soocke/stbkpi-go/domain/timing"
)

func TestSessionMetricsRecordsResults(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSessionMetrics(registry)
	require.NoError(t, err)

	m.ObserveFrame("zap")
	m.ObserveFrame("zap")
	m.ObserveHit("zap", "motion", 12)
	m.ObserveTransition("zap", timing.AwaitTargetSignature, timing.PostCaptureHold)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.ObserveResult(timing.Result{
		Plan: "zap", Status: timing.StatusMeasured, Duration: 2 * time.Second,
		Blackouts: []timing.BlackoutEvent{
			{At: at, Kind: detect.EventBlackoutStart, Source: "blackscreen"},
			{At: at.Add(time.Second), Kind: detect.EventBlackoutEnd, Source: "blackscreen"},
		},
	})
	m.ObserveResult(timing.Result{Plan: "zap", Status: timing.StatusTimedOut})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Frames.WithLabelValues("zap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Hits.WithLabelValues("zap", "motion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("zap", "await_target_signature", "post_capture_hold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Results.WithLabelValues("zap", "measured")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Results.WithLabelValues("zap", "timed_out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LastValue.WithLabelValues("zap")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Blackouts))
}

func TestSessionMetricsDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewSessionMetrics(registry)
	require.NoError(t, err)
	_, err = NewSessionMetrics(registry)
	assert.Error(t, err)
}
