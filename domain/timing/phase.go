package timing

// Phase enumerates the steps of a measurement.
type Phase int

const (
	AwaitTrigger Phase = iota
	AwaitBlackout
	AwaitRecovery
	AwaitTargetSignature
	PostCaptureHold
	Done
	TimedOut
)

func (p Phase) String() string {
	switch p {
	case AwaitTrigger:
		return "await_trigger"
	case AwaitBlackout:
		return "await_blackout"
	case AwaitRecovery:
		return "await_recovery"
	case AwaitTargetSignature:
		return "await_target_signature"
	case PostCaptureHold:
		return "post_capture_hold"
	case Done:
		return "done"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool { return p == Done || p == TimedOut }

// detecting reports whether the phase is driven by detector bindings.
func (p Phase) detecting() bool {
	return p == AwaitBlackout || p == AwaitRecovery || p == AwaitTargetSignature
}

// PhaseListener is called on each successful phase transition.
type PhaseListener func(prev, next Phase)

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
