// Package device issues the actions being measured on a set-top box and
// reports when it is ready again.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrDeviceUnreachable reports that the readiness ceiling expired.
var ErrDeviceUnreachable = errors.New("device: unreachable")

// ErrReadinessUnobservable reports an actuator that cannot tell when the
// device is ready again.
var ErrReadinessUnobservable = errors.New("device: readiness not observable")

// Kind names a trigger.
type Kind string

const (
	KindReboot     Kind = "reboot"
	KindPowerCycle Kind = "power_cycle"
	KindChannelUp  Kind = "channel_up"
	KindChannelDn  Kind = "channel_down"
	KindHome       Kind = "home"
)

// Actuator triggers an event on the device and waits for readiness.
type Actuator interface {
	Trigger(ctx context.Context, kind Kind) error
	AwaitReady(ctx context.Context, ceiling time.Duration) (time.Duration, error)
}

// Runner executes an external command and returns its trimmed stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec. Timeout bounds each command when
// positive.
type ExecRunner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if r.Logger != nil {
		r.Logger.Debug("exec", "cmd", name, "args", args)
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func orExec(r Runner) Runner {
	if r == nil {
		return ExecRunner{Timeout: 10 * time.Second}
	}
	return r
}
