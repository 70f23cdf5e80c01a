package debug

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestReadSample(t *testing.T) {
	s, err := ReadSample(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, s.RSS)
	assert.NotZero(t, s.HeapAlloc)
	assert.Positive(t, s.Goroutines)
}

func TestLoggersStopWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	StartMemLogger(ctx, 5*time.Millisecond, logger)
	StartGoroutineLogger(ctx, 5*time.Millisecond, logger)
	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
}
