package capture

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRecorderWritesAndCloses(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireTool(t, "cat")

	rec, err := OpenRecorder(context.Background(), RecorderConfig{
		Path: filepath.Join(t.TempDir(), "out.mp4"), Width: 4, Height: 2, FPS: 30,
		Command: []string{"cat"},
	}, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.Write(synthFrame(4, 2, byte(i), nil)))
	}
	st := rec.Status()
	assert.True(t, st.Recording)
	assert.Equal(t, uint64(5), st.FrameCount)
	assert.Equal(t, uint64(5*24), st.BytesWritten)

	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	assert.False(t, rec.Status().Recording)
	assert.ErrorIs(t, rec.Write(synthFrame(4, 2, 0, nil)), ErrEncoderPipeBroken)
}

func TestRecorderReportsExitedEncoder(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireTool(t, "true")

	rec, err := OpenRecorder(context.Background(), RecorderConfig{Width: 4, Height: 2, FPS: 30, Command: []string{"true"}}, nil)
	require.NoError(t, err)
	select {
	case <-rec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("encoder did not exit")
	}
	err = rec.Write(synthFrame(4, 2, 0, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncoderPipeBroken))
	assert.NoError(t, rec.Close())
}

func TestRecorderKillsHungEncoder(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireTool(t, "sleep")

	rec, err := OpenRecorder(context.Background(), RecorderConfig{
		Width: 4, Height: 2, FPS: 30, CloseTimeout: 100 * time.Millisecond,
		Command: []string{"sleep", "30"},
	}, nil)
	require.NoError(t, err)
	start := time.Now()
	err = rec.Close()
	assert.ErrorIs(t, err, ErrEncoderPipeBroken)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRecorderRejectsMismatchedFrame(t *testing.T) {
	requireTool(t, "cat")
	rec, err := OpenRecorder(context.Background(), RecorderConfig{Width: 4, Height: 2, FPS: 30, Command: []string{"cat"}}, nil)
	require.NoError(t, err)
	defer rec.Close()
	assert.Error(t, rec.Write(synthFrame(8, 2, 0, nil)))
}

func TestRecorderArgv(t *testing.T) {
	args := RecorderConfig{Path: "/tmp/a.mp4", Width: 1920, Height: 1080, FPS: 30, CRF: 23}.argv()
	assert.Equal(t, "ffmpeg", args[0])
	assert.Contains(t, args, "1920x1080")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "23")
	assert.Equal(t, "/tmp/a.mp4", args[len(args)-1])
}

func TestStampOverlayLeavesSourceUntouched(t *testing.T) {
	f := synthFrame(160, 40, 90, nil)
	orig := append([]byte(nil), f.Pix...)
	out := stampOverlay(f, f.Timestamp.Add(-time.Second), nil)
	assert.Equal(t, orig, f.Pix)
	assert.False(t, bytes.Equal(orig, out))
	assert.Len(t, out, len(f.Pix))
}

func TestStderrTailKeepsLastBytes(t *testing.T) {
	tail := newStderrTail(8)
	_, _ = tail.Write([]byte("abcdef"))
	_, _ = tail.Write([]byte("ghij"))
	assert.Equal(t, "cdefghij", tail.String())
	// Reading is non destructive.
	assert.Equal(t, "cdefghij", tail.String())
	n, err := tail.Write([]byte("0123456789xyz"))
	assert.NoError(t, err)
	assert.Equal(t, 13, n)
	assert.Equal(t, "56789xyz", tail.String())
}
