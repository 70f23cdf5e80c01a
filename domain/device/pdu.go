package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PDU power-cycles an outlet of an SNMP power distribution unit with
// snmpset: value 2 switches the outlet off, 1 switches it on. Readiness is
// delegated to Ready, typically an ADB actuator; without it the device is
// reported ready immediately.
type PDU struct {
	Path      string
	Host      string
	Community string
	OID       string
	OffDelay  time.Duration
	Ready     Actuator
	Runner    Runner
	Logger    *slog.Logger
}

func (p *PDU) set(ctx context.Context, value string) error {
	path := p.Path
	if path == "" {
		path = "snmpset"
	}
	community := p.Community
	if community == "" {
		community = "public"
	}
	_, err := orExec(p.Runner).Run(ctx, path, "-v1", "-c", community, p.Host, p.OID, "i", value)
	return err
}

// Trigger switches the outlet off and on again. Only KindPowerCycle and
// KindReboot are supported.
func (p *PDU) Trigger(ctx context.Context, kind Kind) error {
	if kind != KindPowerCycle && kind != KindReboot {
		return fmt.Errorf("device: pdu cannot trigger %q", kind)
	}
	if err := p.set(ctx, "2"); err != nil {
		return fmt.Errorf("device: pdu off: %w", err)
	}
	delay := p.OffDelay
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := p.set(ctx, "1"); err != nil {
		return fmt.Errorf("device: pdu on: %w", err)
	}
	if p.Logger != nil {
		p.Logger.Info("outlet power cycled", "host", p.Host, "oid", p.OID)
	}
	return nil
}

func (p *PDU) AwaitReady(ctx context.Context, ceiling time.Duration) (time.Duration, error) {
	if p.Ready == nil {
		return 0, ErrReadinessUnobservable
	}
	return p.Ready.AwaitReady(ctx, ceiling)
}
