package kpi

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soocke/stbkpi-go/domain/detect"
	"github.com/soocke/stbkpi-go/domain/timing"
)

func measured(path string, d time.Duration) timing.Result {
	return timing.Result{ArtifactPath: path, Status: timing.StatusMeasured, Duration: d, Plan: "boot"}
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model", "KPI", "reboot.txt")
	w := Writer{Label: "KPI", Expected: 90, Fallback: ""}

	require.NoError(t, w.Append(measured("/v/reboot_1.mp4", 87350*time.Millisecond), path))
	require.NoError(t, w.Append(timing.Result{ArtifactPath: "/v/reboot_2.mp4", Status: timing.StatusTimedOut}, path))
	require.NoError(t, w.Append(measured("/v/a,b.mp4", 1500*time.Millisecond), path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "KPI,90.00\n/v/reboot_1.mp4,87.35\n/v/reboot_2.mp4,\n/v/a,b.mp4,1.50\n", string(raw))

	log, err := ReadLog(path)
	require.NoError(t, err)
	assert.Equal(t, "KPI", log.Label)
	assert.Equal(t, 90.0, log.Expected)
	require.Len(t, log.Entries, 3)
	assert.Equal(t, Entry{Artifact: "/v/reboot_1.mp4", Value: 87.35, Raw: "87.35", Measured: true}, log.Entries[0])
	assert.Equal(t, Entry{Artifact: "/v/reboot_2.mp4"}, log.Entries[1])
	assert.Equal(t, "/v/a,b.mp4", log.Entries[2].Artifact)
	assert.Equal(t, 1.5, log.Entries[2].Value)
}

func TestWriterHeaderOnlyOnCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zap.txt")
	require.NoError(t, os.WriteFile(path, []byte("ZAP,2.00\n/old.mp4,2.10\n"), 0o644))

	w := Writer{Label: "ZAP", Expected: 3, Fallback: "NA"}
	require.NoError(t, w.Append(timing.Result{ArtifactPath: "/new.mp4", Status: timing.StatusErrorScreen}, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ZAP,2.00\n/old.mp4,2.10\n/new.mp4,NA\n", string(raw))

	log, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, log.Entries, 2)
	assert.False(t, log.Entries[1].Measured)
	assert.Equal(t, "NA", log.Entries[1].Raw)
}

func TestWriterZeroIsAMeasurement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.txt")
	require.NoError(t, Writer{}.Append(measured("/z.mp4", 0), path))
	log, err := ReadLog(path)
	require.NoError(t, err)
	assert.Equal(t, "KPI", log.Label)
	require.Len(t, log.Entries, 1)
	assert.True(t, log.Entries[0].Measured)
}

func TestReadLogMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("KPI,1.00\nno comma here\n"), 0o644))
	_, err := ReadLog(path)
	assert.ErrorIs(t, err, ErrMalformedLog)
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	topic   string
	payload []byte
	err     error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic = topic
	c.payload = payload.([]byte)
	return newToken(c.err)
}

func (c *fakeClient) Disconnect(uint) {}

func TestPublisherSendsJSON(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, MQTTConfig{Topic: "lab/kpi"}, "stb-01", nil)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res := measured("/v/boot.mp4", 2500*time.Millisecond)
	res.Blackouts = []timing.BlackoutEvent{
		{At: at, Kind: detect.EventBlackoutStart, Source: "blackscreen"},
		{At: at.Add(6 * time.Second), Kind: detect.EventBlackoutEnd, Source: "blackscreen"},
	}
	require.NoError(t, p.Publish(context.Background(), res))
	assert.Equal(t, "lab/kpi/boot", fc.topic)

	var got map[string]any
	require.NoError(t, json.Unmarshal(fc.payload, &got))
	assert.Equal(t, "measured", got["status"])
	assert.Equal(t, 2.5, got["value"])
	assert.Equal(t, "stb-01", got["device"])
	bl := got["blackouts"].([]any)
	require.Len(t, bl, 1)
	assert.Equal(t, 6.0, bl[0].(map[string]any)["seconds"])
}

func TestPublisherFailureValueIsNull(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, MQTTConfig{}, "", nil)
	res := timing.Result{Plan: "zap", Status: timing.StatusTimedOut, TimedOutIn: timing.AwaitTargetSignature, Err: errors.New("x")}
	require.NoError(t, p.Publish(context.Background(), res))
	assert.Equal(t, "stbkpi/results/zap", fc.topic)

	var got map[string]any
	require.NoError(t, json.Unmarshal(fc.payload, &got))
	assert.Nil(t, got["value"])
	assert.Equal(t, "await_target_signature", got["timed_out_in"])
	assert.Equal(t, "x", got["error"])
}

func TestPublisherReportsBrokerError(t *testing.T) {
	p := newPublisher(&fakeClient{err: errors.New("not authorized")}, MQTTConfig{}, "", nil)
	err := p.Publish(context.Background(), measured("/a.mp4", time.Second))
	assert.ErrorContains(t, err, "not authorized")
}

func TestDialPublisherRequiresBroker(t *testing.T) {
	_, err := DialPublisher(MQTTConfig{}, "", nil)
	assert.Error(t, err)
}
