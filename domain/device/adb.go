package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var keyCodes = map[Kind]string{
	KindChannelUp: "KEYCODE_CHANNEL_UP",
	KindChannelDn: "KEYCODE_CHANNEL_DOWN",
	KindHome:      "KEYCODE_HOME",
}

// ADB drives an Android set-top box over adb. Serial is the adb target, for
// network devices "<ip>:5555".
type ADB struct {
	Path     string
	Serial   string
	Interval time.Duration
	Runner   Runner
	Logger   *slog.Logger
}

func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	path := a.Path
	if path == "" {
		path = "adb"
	}
	return orExec(a.Runner).Run(ctx, path, append([]string{"-s", a.Serial}, args...)...)
}

func (a *ADB) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

// Connect attaches adb to a network device. It is a no-op for USB serials.
func (a *ADB) Connect(ctx context.Context) error {
	if !strings.Contains(a.Serial, ":") {
		return nil
	}
	path := a.Path
	if path == "" {
		path = "adb"
	}
	out, err := orExec(a.Runner).Run(ctx, path, "connect", a.Serial)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
	}
	if strings.Contains(out, "unable") || strings.Contains(out, "failed") {
		return fmt.Errorf("%w: adb connect %s: %s", ErrDeviceUnreachable, a.Serial, out)
	}
	a.logger().Debug("adb connected", "serial", a.Serial, "output", out)
	return nil
}

// Trigger reboots the box or sends a key event. Kinds starting with
// "KEYCODE_" are sent as key events verbatim.
func (a *ADB) Trigger(ctx context.Context, kind Kind) error {
	var err error
	switch code, ok := keyCodes[kind]; {
	case kind == KindReboot:
		_, err = a.run(ctx, "reboot")
	case ok:
		err = a.KeyEvent(ctx, code)
	case strings.HasPrefix(string(kind), "KEYCODE_"):
		err = a.KeyEvent(ctx, string(kind))
	default:
		return fmt.Errorf("device: adb cannot trigger %q", kind)
	}
	if err != nil {
		return fmt.Errorf("device: %s: %w", kind, err)
	}
	a.logger().Info("trigger issued", "kind", kind, "serial", a.Serial)
	return nil
}

// KeyEvent injects one remote control key.
func (a *ADB) KeyEvent(ctx context.Context, code string) error {
	_, err := a.run(ctx, "shell", "input", "keyevent", code)
	return err
}

// GetProp reads one system property.
func (a *ADB) GetProp(ctx context.Context, name string) (string, error) {
	return a.run(ctx, "shell", "getprop", name)
}

// BootCompleted reports whether sys.boot_completed is 1.
func (a *ADB) BootCompleted(ctx context.Context) (bool, error) {
	v, err := a.GetProp(ctx, "sys.boot_completed")
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Model returns ro.product.device.
func (a *ADB) Model(ctx context.Context) (string, error) {
	return a.GetProp(ctx, "ro.product.device")
}

// Version returns ro.build.version.incremental.
func (a *ADB) Version(ctx context.Context) (string, error) {
	return a.GetProp(ctx, "ro.build.version.incremental")
}

// AwaitReady polls sys.boot_completed until it reads 1 again after the box
// was seen going down, or ceiling expires.
func (a *ADB) AwaitReady(ctx context.Context, ceiling time.Duration) (time.Duration, error) {
	return PollReady(ctx, PollConfig{Interval: a.Interval, Ceiling: ceiling, Logger: a.Logger, RequireDown: true}, a.BootCompleted)
}
