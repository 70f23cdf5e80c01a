package timing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soocke/stbkpi-go/domain/detect"
)

const (
	DefaultCeiling        = 180 * time.Second
	DefaultTriggerTimeout = 30 * time.Second
)

// Role decides what a firing binding means for the measurement.
type Role int

const (
	// RoleAdvance moves the session to the next step.
	RoleAdvance Role = iota
	// RoleFail ends the measurement as an error screen.
	RoleFail
)

// Binding attaches a detector and its config to a step. Bindings with the
// same StateKey share one detector state, which is how a blackout seen in
// AwaitBlackout is carried into AwaitRecovery.
type Binding struct {
	Name     string
	Detector detect.Detector
	Config   *detect.Config
	StateKey string
	Role     Role
}

// Step is one detecting phase of a plan. Timeout zero leaves only the
// session ceiling. Rearm resets the step's detector states on entry.
type Step struct {
	Phase    Phase
	Timeout  time.Duration
	Bindings []Binding
	Rearm    bool
}

// Monitor is a detector evaluated on every analysed frame regardless of
// phase; its blackout events feed the session's interval list.
type Monitor struct {
	Name     string
	Detector detect.Detector
	Config   *detect.Config
}

// TriggerFunc issues the device action being measured. It runs off the
// frame loop; returning nil means the action was issued.
type TriggerFunc func(ctx context.Context) error

// Plan describes one measurement type (boot, zap).
type Plan struct {
	Name           string
	PreRoll        time.Duration
	Trigger        TriggerFunc
	TriggerTimeout time.Duration
	Steps          []Step
	Hold           time.Duration
	Ceiling        time.Duration
	Monitors       []Monitor
}

func (p *Plan) ceiling() time.Duration {
	if p.Ceiling > 0 {
		return p.Ceiling
	}
	return DefaultCeiling
}

func (p *Plan) triggerTimeout() time.Duration {
	if p.TriggerTimeout > 0 {
		return p.TriggerTimeout
	}
	return DefaultTriggerTimeout
}

// Validate checks the step order: detecting phases only, strictly
// increasing, ending in AwaitTargetSignature, each with an advancing binding.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("timing: plan has no steps")
	}
	var errs []error
	prev := AwaitTrigger
	for i, st := range p.Steps {
		if !st.Phase.detecting() {
			errs = append(errs, fmt.Errorf("timing: step %d: phase %s is not a detection phase", i, st.Phase))
		}
		if st.Phase <= prev {
			errs = append(errs, fmt.Errorf("timing: step %d: phase %s out of order", i, st.Phase))
		}
		prev = st.Phase
		advancing := false
		for j, b := range st.Bindings {
			if b.Detector == nil || b.Config == nil {
				errs = append(errs, fmt.Errorf("timing: step %d binding %d: missing detector or config", i, j))
			}
			if b.Role == RoleAdvance {
				advancing = true
			}
		}
		if !advancing {
			errs = append(errs, fmt.Errorf("timing: step %d (%s) has no advancing binding", i, st.Phase))
		}
	}
	if last := p.Steps[len(p.Steps)-1].Phase; last != AwaitTargetSignature {
		errs = append(errs, fmt.Errorf("timing: plan must end in %s, got %s", AwaitTargetSignature, last))
	}
	for i, m := range p.Monitors {
		if m.Detector == nil || m.Config == nil {
			errs = append(errs, fmt.Errorf("timing: monitor %d: missing detector or config", i))
		}
	}
	return errors.Join(errs...)
}
