package transform

import (
	"errors"
	"fmt"
	"time"

	"rfblinds-go-home/internal/codec"
)

const (
	// MaxTiltBurst is the most tilt steps a motor executes for one command.
	MaxTiltBurst = 15
	// TiltStepDelay is the time one tilt step takes.
	TiltStepDelay = 100 * time.Millisecond
)

// TiltDuration is the time a motor spends executing steps tilt steps.
func TiltDuration(steps int) time.Duration {
	return time.Duration(max(steps, 0)) * TiltStepDelay
}

// ErrSteps is returned for tilt sequences without steps.
var ErrSteps = errors.New("tilt steps must be positive")

// Profile holds the per-protocol transmit behaviour.
type Profile struct {
	Protocol codec.Protocol
	// RotationSwapsTilt makes the 180 degree setting swap tilt directions too.
	RotationSwapsTilt bool
	// TiltStopFollowUp sends Idle after every tilt unless in pulse mode.
	// In pulse mode tilts get the release follow-up instead.
	TiltStopFollowUp bool
	// ReleaseFollowUp sends a deep code after sustained motion to signal
	// that the button was released.
	ReleaseFollowUp bool
	// TiltImpliesState marks protocols where tilt and motion share codes.
	TiltImpliesState bool
	// IdleStopsAllRails marks protocols where stop halts every rail.
	IdleStopsAllRails bool
	// RollingCode marks protocols carrying a per-transmission counter.
	RollingCode bool

	DefaultRepeat int
	IdleRepeat    int
	PulseRepeat   int
	MyRepeat      int
	PairRepeat    int
	PairWait      time.Duration
}

var profiles = map[codec.Protocol]Profile{
	codec.ProtocolBrel: {
		Protocol:          codec.ProtocolBrel,
		RotationSwapsTilt: true,
		TiltStopFollowUp:  true,
		ReleaseFollowUp:   true,
		TiltImpliesState:  true,
		DefaultRepeat:     10,
		IdleRepeat:        45,
		PulseRepeat:       45,
		MyRepeat:          45,
		PairWait:          time.Second,
	},
	codec.ProtocolBofu: {
		Protocol:          codec.ProtocolBofu,
		RotationSwapsTilt: true,
		IdleStopsAllRails: true,
		DefaultRepeat:     10,
		MyRepeat:          20,
	},
	codec.ProtocolSomfy: {
		Protocol:      codec.ProtocolSomfy,
		RollingCode:   true,
		DefaultRepeat: 1,
		IdleRepeat:    2,
		MyRepeat:      2,
		PairRepeat:    6,
	},
}

// ProfileFor returns the built-in profile of a protocol.
func ProfileFor(p codec.Protocol) (Profile, error) {
	prof, ok := profiles[p]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", codec.ErrUnknownProtocol, p)
	}
	return prof, nil
}

// Step is one transmission followed by an optional pause.
type Step struct {
	Command codec.Command `json:"command"`
	Wait    time.Duration `json:"wait"`
}

// Plan is an ordered list of transmissions for one device. Follow-ups are
// part of the plan, so nothing is sent re-entrantly.
type Plan struct {
	Protocol    codec.Protocol `json:"protocol"`
	RollingCode bool           `json:"rolling_code"`
	Steps       []Step         `json:"steps"`
}

func (p Profile) plan(steps ...Step) Plan {
	return Plan{Protocol: p.Protocol, RollingCode: p.RollingCode, Steps: steps}
}

func (p Profile) repeatFor(a codec.Action, s Settings) int {
	switch {
	case s.PulseMode && p.PulseRepeat > 0:
		return p.PulseRepeat
	case a == codec.ActionIdle && p.IdleRepeat > 0:
		return p.IdleRepeat
	case p.DefaultRepeat > 0:
		return p.DefaultRepeat
	default:
		return 1
	}
}

func (p Profile) command(base codec.Command, a codec.Action, rail int, repeat int) codec.Command {
	cmd := base
	cmd.Action = a
	cmd.Rail = rail
	cmd.Repeat = repeat
	return cmd
}

// followUp returns the release signal for a transmitted action, if any.
func (p Profile) followUp(req Request, wire codec.Command, s Settings) (Step, bool) {
	switch {
	case wire.Action.IsTilt():
		if s.PulseMode {
			// A pulse-mode tilt is released like a short press.
			if !p.ReleaseFollowUp {
				return Step{}, false
			}
			deep := codec.ActionDeepDown
			if wire.Action == codec.ActionTiltUp {
				deep = codec.ActionDeepUp
			}
			return Step{Command: p.command(wire, deep, wire.Rail, p.repeatFor(deep, s))}, true
		}
		if !p.TiltStopFollowUp {
			return Step{}, false
		}
		return Step{Command: p.command(wire, codec.ActionIdle, wire.Rail, p.repeatFor(codec.ActionIdle, s))}, true
	case req.Kind == KindState && req.State != StateIdle:
		if !p.ReleaseFollowUp || s.PulseMode {
			return Step{}, false
		}
		deep := codec.ActionDeepDown
		if wire.Action == codec.ActionUp {
			deep = codec.ActionDeepUp
		}
		return Step{Command: p.command(wire, deep, wire.Rail, p.repeatFor(deep, s))}, true
	}
	return Step{}, false
}

// Capability plans a capability change. base carries the device address.
func (p Profile) Capability(req Request, s Settings, base codec.Command) Plan {
	a := p.Outgoing(req.Action(), s)
	rail := req.Rail
	if req.Kind != KindState {
		rail = 1
	}
	primary := Step{Command: p.command(base, a, rail, p.repeatFor(a, s))}
	if follow, ok := p.followUp(req, primary.Command, s); ok {
		return p.plan(primary, follow)
	}
	return p.plan(primary)
}

// Action plans a raw action such as Confirm or DeepUp. Rotation still
// applies; no follow-ups are added.
func (p Profile) Action(a codec.Action, rail int, s Settings, base codec.Command) Plan {
	a = p.Outgoing(a, s)
	return p.plan(Step{Command: p.command(base, a, rail, p.repeatFor(a, s))})
}

// Tilt plans a tilt sequence of steps in bursts of at most MaxTiltBurst,
// pausing TiltStepDelay per step after each burst.
func (p Profile) Tilt(up bool, steps int, s Settings, base codec.Command) (Plan, error) {
	if steps <= 0 {
		return Plan{}, fmt.Errorf("%w: got %d", ErrSteps, steps)
	}
	req := TiltRequest(up)
	a := p.Outgoing(req.Action(), s)

	var out []Step
	for remaining := steps; remaining > 0; remaining -= MaxTiltBurst {
		n := min(MaxTiltBurst, remaining)
		burst := Step{
			Command: p.command(base, a, 1, n),
			Wait:    time.Duration(n) * TiltStepDelay,
		}
		if follow, ok := p.followUp(req, burst.Command, s); ok {
			// The release goes out before the pause.
			burst.Wait, follow.Wait = 0, burst.Wait
			out = append(out, burst, follow)
			continue
		}
		out = append(out, burst)
	}
	return p.plan(out...), nil
}

// My plans the preset position: a long stop press. topDown selects rail 3
// on top-down/bottom-up models.
func (p Profile) My(s Settings, base codec.Command, topDown bool) Plan {
	rail := 1
	if topDown {
		rail = 3
	}
	repeat := p.MyRepeat
	if repeat == 0 {
		repeat = p.repeatFor(codec.ActionIdle, s)
	}
	return p.plan(Step{Command: p.command(base, codec.ActionIdle, rail, repeat)})
}

// Pair plans the pairing sequence for a new remote address.
func (p Profile) Pair(base codec.Command) Plan {
	switch p.Protocol {
	case codec.ProtocolBrel:
		repeat := p.repeatFor(codec.ActionProgram, Settings{})
		return p.plan(
			Step{Command: p.command(base, codec.ActionProgram, 1, repeat), Wait: p.PairWait},
			Step{Command: p.command(base, codec.ActionProgram, 1, repeat), Wait: p.PairWait},
			Step{Command: p.command(base, codec.ActionUp, 1, repeat)},
		)
	case codec.ProtocolSomfy:
		return p.plan(Step{Command: p.command(base, codec.ActionProgram, 1, p.PairRepeat)})
	default:
		return p.plan(Step{Command: p.command(base, codec.ActionIdle, 1, p.repeatFor(codec.ActionIdle, Settings{}))})
	}
}
