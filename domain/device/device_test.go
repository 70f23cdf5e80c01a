package device

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeRunner records command lines and answers from a table keyed by the
// joined arguments.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]string
	errs    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	line := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	if err := f.errs[line]; err != nil {
		return "", err
	}
	return f.replies[line], nil
}

func TestADBTriggerCommands(t *testing.T) {
	r := &fakeRunner{}
	a := &ADB{Serial: "10.0.0.7:5555", Runner: r}
	ctx := context.Background()
	require.NoError(t, a.Trigger(ctx, KindReboot))
	require.NoError(t, a.Trigger(ctx, KindChannelUp))
	require.NoError(t, a.Trigger(ctx, Kind("KEYCODE_1")))
	assert.Error(t, a.Trigger(ctx, KindPowerCycle))
	assert.Equal(t, []string{
		"adb -s 10.0.0.7:5555 reboot",
		"adb -s 10.0.0.7:5555 shell input keyevent KEYCODE_CHANNEL_UP",
		"adb -s 10.0.0.7:5555 shell input keyevent KEYCODE_1",
	}, r.calls)
}

func TestADBProperties(t *testing.T) {
	r := &fakeRunner{replies: map[string]string{
		"adb -s stb shell getprop ro.product.device":            "uhd88",
		"adb -s stb shell getprop ro.build.version.incremental": "2026.03.1",
		"adb -s stb shell getprop sys.boot_completed":           "1",
	}}
	a := &ADB{Serial: "stb", Runner: r}
	ctx := context.Background()
	m, err := a.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uhd88", m)
	v, err := a.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026.03.1", v)
	ok, err := a.BootCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, a.Connect(ctx), "usb serials need no connect")
	assert.Len(t, r.calls, 3)
}

func TestADBConnectFailure(t *testing.T) {
	r := &fakeRunner{replies: map[string]string{"adb connect 10.0.0.9:5555": "failed to connect to 10.0.0.9:5555"}}
	a := &ADB{Serial: "10.0.0.9:5555", Runner: r}
	assert.ErrorIs(t, a.Connect(context.Background()), ErrDeviceUnreachable)
}

func TestPDUPowerCycle(t *testing.T) {
	r := &fakeRunner{}
	p := &PDU{Host: "10.0.0.2", OID: "1.3.6.1.4.1.318.1.1.4.4.2.1.3.5", OffDelay: time.Millisecond, Runner: r}
	require.NoError(t, p.Trigger(context.Background(), KindPowerCycle))
	assert.Equal(t, []string{
		"snmpset -v1 -c public 10.0.0.2 1.3.6.1.4.1.318.1.1.4.4.2.1.3.5 i 2",
		"snmpset -v1 -c public 10.0.0.2 1.3.6.1.4.1.318.1.1.4.4.2.1.3.5 i 1",
	}, r.calls)
	assert.Error(t, p.Trigger(context.Background(), KindChannelUp))

	d, err := p.AwaitReady(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrReadinessUnobservable)
	assert.NotErrorIs(t, err, ErrDeviceUnreachable)
	assert.Zero(t, d)
}

func TestPDUOffFailureStops(t *testing.T) {
	line := "snmpset -v1 -c private pdu 1.2 i 2"
	r := &fakeRunner{errs: map[string]error{line: errors.New("timeout")}}
	p := &PDU{Host: "pdu", OID: "1.2", Community: "private", Runner: r}
	assert.ErrorContains(t, p.Trigger(context.Background(), KindPowerCycle), "pdu off")
	assert.Len(t, r.calls, 1)
}

func TestPollReadySucceedsAfterRetries(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := 0
	check := func(context.Context) (bool, error) {
		n++
		if n == 1 {
			return false, errors.New("device offline")
		}
		return n >= 3, nil
	}
	d, err := PollReady(context.Background(), PollConfig{Interval: 10 * time.Millisecond, Ceiling: 5 * time.Second}, check)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.GreaterOrEqual(t, d, 15*time.Millisecond)
}

func TestPollReadyCeiling(t *testing.T) {
	start := time.Now()
	_, err := PollReady(context.Background(), PollConfig{Interval: 20 * time.Millisecond, Ceiling: 100 * time.Millisecond},
		func(context.Context) (bool, error) { return false, errors.New("getprop: closed") })
	assert.ErrorIs(t, err, ErrDeviceUnreachable)
	assert.ErrorContains(t, err, "getprop: closed")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollReadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PollReady(ctx, PollConfig{Interval: time.Millisecond}, func(context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDeviceUnreachable)
}

// rebootingRunner answers getprop sys.boot_completed like a box that keeps
// reporting 1 for upFor after the reboot, is offline until backAt, then
// boots again.
type rebootingRunner struct {
	start         time.Time
	upFor, backAt time.Duration
}

func (r *rebootingRunner) Run(context.Context, string, ...string) (string, error) {
	switch since := time.Since(r.start); {
	case since < r.upFor:
		return "1", nil
	case since < r.backAt:
		return "", errors.New("error: device offline")
	default:
		return "1", nil
	}
}

func TestADBAwaitReadyWaitsForRebootToStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := &rebootingRunner{start: time.Now(), upFor: 60 * time.Millisecond, backAt: 120 * time.Millisecond}
	a := &ADB{Serial: "stb", Runner: r, Interval: 10 * time.Millisecond}
	d, err := a.AwaitReady(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
}

func TestADBAwaitReadyNeverWentDown(t *testing.T) {
	r := &fakeRunner{replies: map[string]string{"adb -s stb shell getprop sys.boot_completed": "1"}}
	a := &ADB{Serial: "stb", Runner: r, Interval: 10 * time.Millisecond}
	_, err := a.AwaitReady(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrDeviceUnreachable)
	assert.ErrorContains(t, err, "never went down")
}

func TestPollReadyFirstCheckWaitsOneInterval(t *testing.T) {
	start := time.Now()
	var first time.Duration
	_, err := PollReady(context.Background(), PollConfig{Interval: 40 * time.Millisecond, Ceiling: time.Second},
		func(context.Context) (bool, error) {
			first = time.Since(start)
			return true, nil
		})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, 30*time.Millisecond)
}

func TestExecRunner(t *testing.T) {
	out, err := ExecRunner{Timeout: 5 * time.Second}.Run(context.Background(), "echo", "ready")
	if errors.Is(err, exec.ErrNotFound) {
		t.Skip("echo not available")
	}
	require.NoError(t, err)
	assert.Equal(t, "ready", out)
}
