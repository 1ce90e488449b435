// Package codec converts between logical blind commands and the bit
// sequences of the supported 433 MHz remote protocols.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"rfblinds-go-home/internal/bits"
)

// Protocol names a wire protocol.
type Protocol string

const (
	ProtocolBrel  Protocol = "brel"
	ProtocolBofu  Protocol = "bofu"
	ProtocolSomfy Protocol = "somfy"
)

var (
	ErrUnmappedCommand  = errors.New("command has no wire code")
	ErrMalformedAddress = errors.New("malformed address")
	ErrFrameLength      = errors.New("unexpected frame length")
	ErrChecksum         = errors.New("checksum mismatch")
	ErrUnknownCode      = errors.New("unknown command code")
	ErrRepeatRange      = errors.New("repeat count out of range")
	ErrUnknownProtocol  = errors.New("unknown protocol")
)

// Action is the logical intent of a command.
type Action uint8

const (
	ActionIdle Action = iota
	ActionUp
	ActionDown
	ActionTiltUp
	ActionTiltDown
	ActionDeepUp
	ActionDeepDown
	ActionProgram
	ActionSetLimit
	ActionConfirm
	ActionCustom
)

var actionNames = map[Action]string{
	ActionIdle:     "idle",
	ActionUp:       "up",
	ActionDown:     "down",
	ActionTiltUp:   "tilt_up",
	ActionTiltDown: "tilt_down",
	ActionDeepUp:   "deep_up",
	ActionDeepDown: "deep_down",
	ActionProgram:  "program",
	ActionSetLimit: "set_limit",
	ActionConfirm:  "confirm",
	ActionCustom:   "custom",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction is the inverse of Action.String.
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// IsTilt reports whether the action is a tilt step.
func (a Action) IsTilt() bool {
	return a == ActionTiltUp || a == ActionTiltDown
}

// IsDeep reports whether the action is a deep (long press) code.
func (a Action) IsDeep() bool {
	return a == ActionDeepUp || a == ActionDeepDown
}

// Command is one logical button press.
// Fields that a protocol does not use are ignored by its codec.
type Command struct {
	Action Action `json:"action"`
	// Code is the raw wire code for ActionCustom.
	Code uint8 `json:"code,omitempty"`
	// Rail selects the rail on multi-rail motors, 1 to 3. Zero means 1.
	Rail    int    `json:"rail,omitempty"`
	Address uint32 `json:"address"`
	Channel uint8  `json:"channel,omitempty"`
	Unit    uint8  `json:"unit,omitempty"`
	// Group is set on decode when the frame addresses every unit/channel.
	Group       bool   `json:"group,omitempty"`
	RollingCode uint16 `json:"rolling_code,omitempty"`
	// Repeat is the number of physical bursts requested for this command.
	Repeat int   `json:"repeat,omitempty"`
	ExtCmd uint8 `json:"ext_cmd,omitempty"`
}

// RailOrDefault returns the rail, treating zero as rail 1.
func (c Command) RailOrDefault() int {
	if c.Rail == 0 {
		return 1
	}
	return c.Rail
}

// Codec encodes and decodes one protocol.
type Codec interface {
	Protocol() Protocol
	Encode(cmd Command) (bits.Bits, error)
	Decode(b bits.Bits) (Command, error)
	// DeviceID identifies the paired device a decoded command belongs to.
	DeviceID(cmd Command) string
}

// Registry holds one codec per protocol.
type Registry struct {
	codecs map[Protocol]Codec
}

// NewRegistry returns a registry of the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[Protocol]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Protocol()] = c
	}
	return r
}

// DefaultRegistry returns every supported codec with default parameters.
func DefaultRegistry() *Registry {
	return NewRegistry(NewBrel(DefaultBrelCommandWidth), Bofu{}, Somfy{})
}

// Get returns the codec for a protocol.
func (r *Registry) Get(p Protocol) (Codec, error) {
	c, ok := r.codecs[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, p)
	}
	return c, nil
}

// All returns every registered codec sorted by protocol name.
func (r *Registry) All() []Codec {
	out := make([]Codec, 0, len(r.codecs))
	for _, c := range r.codecs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol() < out[j].Protocol() })
	return out
}

// Decoded is a successful decode together with its codec.
type Decoded struct {
	Codec   Codec
	Command Command
}

// DecodeAny tries the codec for p, or every codec when p is empty.
// Frames no codec accepts yield nil; decode errors are not reported.
func (r *Registry) DecodeAny(p Protocol, b bits.Bits) []Decoded {
	var out []Decoded
	for _, c := range r.All() {
		if p != "" && c.Protocol() != p {
			continue
		}
		cmd, err := c.Decode(b)
		if err != nil {
			continue
		}
		out = append(out, Decoded{Codec: c, Command: cmd})
	}
	return out
}
