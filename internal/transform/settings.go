// Package transform turns capability changes into transmit plans and decoded
// remote commands back into capability updates, applying the per-device
// orientation settings on the way.
package transform

import "rfblinds-go-home/internal/codec"

// Settings are the per-device orientation options. They are read fresh from
// the device record for every transform.
type Settings struct {
	// Rotated means the motor is mounted upside down (setting "180").
	Rotated bool `json:"rotated"`
	// InvertTilt swaps the tilt directions only.
	InvertTilt bool `json:"invert_tilt"`
	// PulseMode means the motor moves one step per press and needs no
	// release signal.
	PulseMode bool `json:"pulse_mode"`
}

var (
	motionSwap = map[codec.Action]codec.Action{
		codec.ActionUp:       codec.ActionDown,
		codec.ActionDown:     codec.ActionUp,
		codec.ActionDeepUp:   codec.ActionDeepDown,
		codec.ActionDeepDown: codec.ActionDeepUp,
	}
	tiltSwap = map[codec.Action]codec.Action{
		codec.ActionTiltUp:   codec.ActionTiltDown,
		codec.ActionTiltDown: codec.ActionTiltUp,
	}
)

func swap(a codec.Action, table map[codec.Action]codec.Action) codec.Action {
	if b, ok := table[a]; ok {
		return b
	}
	return a
}

// rotate applies the mounting rotation. swapTilt selects whether the
// protocol's tilt directions follow the rotation.
func rotate(a codec.Action, swapTilt bool) codec.Action {
	a = swap(a, motionSwap)
	if swapTilt {
		a = swap(a, tiltSwap)
	}
	return a
}

// Outgoing maps a user-facing action to the action sent on the wire:
// rotation first, then tilt inversion.
func (p Profile) Outgoing(a codec.Action, s Settings) codec.Action {
	if s.Rotated {
		a = rotate(a, p.RotationSwapsTilt)
	}
	if s.InvertTilt {
		a = swap(a, tiltSwap)
	}
	return a
}

// Incoming is the inverse of Outgoing: tilt inversion first, then rotation.
func (p Profile) Incoming(a codec.Action, s Settings) codec.Action {
	if s.InvertTilt {
		a = swap(a, tiltSwap)
	}
	if s.Rotated {
		a = rotate(a, p.RotationSwapsTilt)
	}
	return a
}
