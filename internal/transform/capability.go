package transform

import (
	"errors"
	"fmt"
	"strings"

	"rfblinds-go-home/internal/codec"
)

// Capability identifiers as exposed to the API, MQTT and automations.
const (
	CapState      = "windowcoverings_state"
	CapStateRail2 = "windowcoverings_state.rail2"
	CapStateRail3 = "windowcoverings_state.rail3"
	CapTiltUp     = "windowcoverings_tilt_up"
	CapTiltDown   = "windowcoverings_tilt_down"
)

// ErrCapability is returned for unknown capabilities or values.
var ErrCapability = errors.New("invalid capability")

// Kind tags a capability request.
type Kind int

const (
	KindState Kind = iota
	KindTiltUp
	KindTiltDown
)

// State is the value of a windowcoverings_state capability.
type State string

const (
	StateUp   State = "up"
	StateIdle State = "idle"
	StateDown State = "down"
)

// ParseState validates a state value.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case StateUp, StateIdle, StateDown:
		return st, nil
	default:
		return "", fmt.Errorf("%w: state %q", ErrCapability, s)
	}
}

// Request is a user intent: a state on one rail, or one tilt step.
type Request struct {
	Kind  Kind
	State State
	Rail  int
}

// StateRequest returns a state request for a rail (0 means rail 1).
func StateRequest(st State, rail int) Request {
	if rail == 0 {
		rail = 1
	}
	return Request{Kind: KindState, State: st, Rail: rail}
}

// TiltRequest returns a tilt request; up selects the direction.
func TiltRequest(up bool) Request {
	if up {
		return Request{Kind: KindTiltUp, Rail: 1}
	}
	return Request{Kind: KindTiltDown, Rail: 1}
}

// ParseCapability builds a request from a capability id and value.
// State capabilities take "up", "idle" or "down"; tilt capabilities take true.
func ParseCapability(id string, value any) (Request, error) {
	switch id {
	case CapState, CapStateRail2, CapStateRail3:
		s, ok := value.(string)
		if !ok {
			return Request{}, fmt.Errorf("%w: %s wants a string, got %T", ErrCapability, id, value)
		}
		st, err := ParseState(s)
		if err != nil {
			return Request{}, err
		}
		return StateRequest(st, railOf(id)), nil
	case CapTiltUp, CapTiltDown:
		switch v := value.(type) {
		case bool:
			if !v {
				return Request{}, fmt.Errorf("%w: %s wants true", ErrCapability, id)
			}
		case string:
			if v != "true" {
				return Request{}, fmt.Errorf("%w: %s wants true", ErrCapability, id)
			}
		default:
			return Request{}, fmt.Errorf("%w: %s wants true, got %T", ErrCapability, id, value)
		}
		return TiltRequest(id == CapTiltUp), nil
	default:
		return Request{}, fmt.Errorf("%w: unknown capability %q", ErrCapability, id)
	}
}

// StateCapability returns the state capability id for a rail.
func StateCapability(rail int) string {
	switch rail {
	case 2:
		return CapStateRail2
	case 3:
		return CapStateRail3
	default:
		return CapState
	}
}

func railOf(id string) int {
	switch id {
	case CapStateRail2:
		return 2
	case CapStateRail3:
		return 3
	default:
		return 1
	}
}

// Action returns the user-facing action of the request.
func (r Request) Action() codec.Action {
	switch r.Kind {
	case KindTiltUp:
		return codec.ActionTiltUp
	case KindTiltDown:
		return codec.ActionTiltDown
	}
	switch r.State {
	case StateUp:
		return codec.ActionUp
	case StateDown:
		return codec.ActionDown
	default:
		return codec.ActionIdle
	}
}

// Update is the effect of a decoded remote press on a device.
type Update struct {
	// Action is the press after undoing the device orientation.
	Action codec.Action `json:"action"`
	Rail   int          `json:"rail"`
	// Values holds capability values to apply, keyed by capability id.
	Values map[string]any `json:"values"`
}

// Apply maps a decoded command to capability values for a device with the
// given number of rails.
func (p Profile) Apply(cmd codec.Command, s Settings, rails int) Update {
	if rails < 1 {
		rails = 1
	}
	a := p.Incoming(cmd.Action, s)
	rail := cmd.RailOrDefault()
	u := Update{Action: a, Rail: rail, Values: make(map[string]any)}

	switch a {
	case codec.ActionUp, codec.ActionDeepUp:
		u.Values[StateCapability(rail)] = string(StateUp)
	case codec.ActionDown, codec.ActionDeepDown:
		u.Values[StateCapability(rail)] = string(StateDown)
	case codec.ActionIdle:
		if p.IdleStopsAllRails {
			for r := 1; r <= rails; r++ {
				u.Values[StateCapability(r)] = string(StateIdle)
			}
		} else {
			u.Values[StateCapability(rail)] = string(StateIdle)
		}
	case codec.ActionTiltUp:
		u.Values[CapTiltUp] = true
	case codec.ActionTiltDown:
		u.Values[CapTiltDown] = true
	}

	// Tilt and motion share wire codes here; the press also moves the blind
	// in the direction the rotation alone implies.
	if p.TiltImpliesState && cmd.Action.IsTilt() {
		hint := cmd.Action
		if s.Rotated {
			hint = rotate(hint, p.RotationSwapsTilt)
		}
		if hint == codec.ActionTiltUp {
			u.Values[CapState] = string(StateUp)
		} else {
			u.Values[CapState] = string(StateDown)
		}
	}
	return u
}
