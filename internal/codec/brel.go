package codec

import (
	"fmt"

	"rfblinds-go-home/internal/bits"
)

// DefaultBrelCommandWidth is the number of leading command bits compared on
// receive. Receivers drop the last code bit, so only seven are trusted.
const DefaultBrelCommandWidth = 7

const (
	brelAddressBits = 24
	brelChannelBits = 8
	brelCodeBits    = 8
)

type brelCode struct {
	action Action
	code   uint8
}

// Ordered so decoding is deterministic at narrow widths.
var brelCodes = []brelCode{
	{ActionUp, 0x11},
	{ActionIdle, 0x55},
	{ActionDown, 0x33},
	{ActionDeepUp, 0x1E},
	{ActionDeepDown, 0x3C},
	{ActionProgram, 0xCC},
}

// Brel is the MLE-25 style protocol: 24-bit address, 8-bit channel mask and
// an 8-bit command code, all MSB first. Frames always carry the full code;
// decoding compares only the leading CommandWidth bits of it.
type Brel struct {
	width int
}

// NewBrel returns a codec comparing the leading width bits of each command
// code on decode. Width outside 1..8 falls back to DefaultBrelCommandWidth.
func NewBrel(width int) Brel {
	if width < 1 || width > 8 {
		width = DefaultBrelCommandWidth
	}
	return Brel{width: width}
}

func (Brel) Protocol() Protocol { return ProtocolBrel }

// CommandWidth returns the number of command bits compared on decode.
func (c Brel) CommandWidth() int {
	if c.width == 0 {
		return DefaultBrelCommandWidth
	}
	return c.width
}

// FrameBits returns the encoded frame length.
func (Brel) FrameBits() int {
	return brelAddressBits + brelChannelBits + brelCodeBits
}

// MinDecodeBits returns the shortest frame Decode accepts.
func (c Brel) MinDecodeBits() int {
	return brelAddressBits + brelChannelBits + c.CommandWidth()
}

func brelLookup(a Action) (uint8, bool) {
	for _, e := range brelCodes {
		if e.action == a {
			return e.code, true
		}
	}
	return 0, false
}

func (c Brel) code(cmd Command) (uint8, error) {
	switch cmd.Action {
	case ActionTiltUp:
		code, _ := brelLookup(ActionUp)
		return code, nil
	case ActionTiltDown:
		code, _ := brelLookup(ActionDown)
		return code, nil
	case ActionCustom:
		for _, e := range brelCodes {
			if e.code == cmd.Code {
				return e.code, nil
			}
		}
		return 0, fmt.Errorf("%w: brel custom 0x%02X", ErrUnmappedCommand, cmd.Code)
	}
	code, ok := brelLookup(cmd.Action)
	if !ok {
		return 0, fmt.Errorf("%w: brel %s", ErrUnmappedCommand, cmd.Action)
	}
	return code, nil
}

func (c Brel) Encode(cmd Command) (bits.Bits, error) {
	if cmd.Address >= 1<<brelAddressBits {
		return nil, fmt.Errorf("%w: brel address 0x%X exceeds 24 bits", ErrMalformedAddress, cmd.Address)
	}
	code, err := c.code(cmd)
	if err != nil {
		return nil, err
	}
	return bits.Concat(
		bits.FromInt(uint64(cmd.Address), brelAddressBits, bits.MSBFirst),
		bits.FromInt(uint64(cmd.Channel), brelChannelBits, bits.MSBFirst),
		bits.FromInt(uint64(code), brelCodeBits, bits.MSBFirst),
	), nil
}

// Decode accepts frames at least MinDecodeBits long and compares the leading
// CommandWidth bits of the code; trailing bits are ignored.
// Up and Down come back as TiltUp and TiltDown since both share a code.
func (c Brel) Decode(b bits.Bits) (Command, error) {
	if len(b) < c.MinDecodeBits() {
		return Command{}, fmt.Errorf("%w: brel got %d bits", ErrFrameLength, len(b))
	}
	start := brelAddressBits + brelChannelBits
	w := c.CommandWidth()
	wire := uint8(bits.ToInt(b[start:start+w], bits.MSBFirst))

	var (
		action Action
		found  bool
	)
	for _, e := range brelCodes {
		if e.code>>(brelCodeBits-w) == wire {
			action, found = e.action, true
			break
		}
	}
	if !found {
		return Command{}, fmt.Errorf("%w: brel 0x%02X", ErrUnknownCode, wire)
	}
	switch action {
	case ActionUp:
		action = ActionTiltUp
	case ActionDown:
		action = ActionTiltDown
	}

	cmd := Command{
		Action:  action,
		Address: uint32(bits.ToInt(b[:brelAddressBits], bits.MSBFirst)),
		Channel: uint8(bits.ToInt(b[brelAddressBits:start], bits.MSBFirst)),
	}
	cmd.Group = cmd.Channel == 0
	return cmd, nil
}

func (Brel) DeviceID(cmd Command) string {
	return fmt.Sprintf("%06x:%02x", cmd.Address, cmd.Channel)
}

// ParseAddress reads a textual bit string of exactly width bits.
func ParseAddress(s string, width int) (uint32, error) {
	b, err := bits.ParseWidth(s, width)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedAddress, err)
	}
	return uint32(bits.ToInt(b, bits.MSBFirst)), nil
}
