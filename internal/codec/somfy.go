package codec

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"rfblinds-go-home/internal/bits"
)

const (
	somfyKey        = 0xA0
	somfyExtMarker  = 0x84
	somfyCmdExt     = 0xB
	somfyBaseBytes  = 7
	somfyExtBytes   = 10
	somfyMaxRepeat  = 0xF
	somfyPairRepeat = 6
)

var somfyCodes = map[Action]uint8{
	ActionIdle:    0x1,
	ActionUp:      0x2,
	ActionDown:    0x4,
	ActionProgram: 0x8,
}

var somfyExtCodes = map[Action]uint8{
	ActionTiltUp:   0x30,
	ActionTiltDown: 0x38,
}

// Somfy is the RTS style protocol: a whitened 7-byte payload carrying a
// 16-bit rolling code and 24-bit address, optionally followed by a 3-byte
// extension for tilt steps. Bits are MSB first.
type Somfy struct{}

func (Somfy) Protocol() Protocol { return ProtocolSomfy }

// SomfyChecksum XORs both nibbles of every byte.
func SomfyChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b ^ b>>4
	}
	return sum & 0xF
}

func (Somfy) codes(cmd Command) (code, ext uint8, err error) {
	if e, ok := somfyExtCodes[cmd.Action]; ok {
		return somfyCmdExt, e, nil
	}
	if cmd.Action == ActionCustom {
		if cmd.Code == somfyCmdExt {
			for _, e := range somfyExtCodes {
				if e == cmd.ExtCmd {
					return somfyCmdExt, e, nil
				}
			}
			return 0, 0, fmt.Errorf("%w: somfy ext 0x%02X", ErrUnmappedCommand, cmd.ExtCmd)
		}
		for _, c := range somfyCodes {
			if c == cmd.Code {
				return c, 0, nil
			}
		}
		return 0, 0, fmt.Errorf("%w: somfy custom 0x%X", ErrUnmappedCommand, cmd.Code)
	}
	c, ok := somfyCodes[cmd.Action]
	if !ok {
		return 0, 0, fmt.Errorf("%w: somfy %s", ErrUnmappedCommand, cmd.Action)
	}
	return c, 0, nil
}

func (c Somfy) Encode(cmd Command) (bits.Bits, error) {
	if cmd.Address >= 1<<24 {
		return nil, fmt.Errorf("%w: somfy address 0x%X exceeds 24 bits", ErrMalformedAddress, cmd.Address)
	}
	code, ext, err := c.codes(cmd)
	if err != nil {
		return nil, err
	}

	frame := []byte{
		somfyKey,
		code << 4,
		byte(cmd.RollingCode >> 8),
		byte(cmd.RollingCode),
		byte(cmd.Address),
		byte(cmd.Address >> 8),
		byte(cmd.Address >> 16),
	}
	frame[1] |= SomfyChecksum(frame)
	for i := 1; i < len(frame); i++ {
		frame[i] ^= frame[i-1]
	}

	if code == somfyCmdExt {
		rep := cmd.Repeat
		if rep == 0 {
			rep = 1
		}
		if rep < 0 || rep > somfyMaxRepeat {
			return nil, fmt.Errorf("%w: somfy repeat %d", ErrRepeatRange, cmd.Repeat)
		}
		tail := []byte{somfyExtMarker, ext}
		tail = append(tail, byte(rep)<<4|(SomfyChecksum(tail)^byte(rep)))
		frame = append(frame, tail...)
	}
	return bits.FromBytes(frame, bits.MSBFirst), nil
}

func (Somfy) Decode(b bits.Bits) (Command, error) {
	if len(b) != somfyBaseBytes*8 && len(b) != somfyExtBytes*8 {
		return Command{}, fmt.Errorf("%w: somfy got %d bits", ErrFrameLength, len(b))
	}
	wire := bits.ToBytes(b, bits.MSBFirst)

	frame := make([]byte, somfyBaseBytes)
	frame[0] = wire[0]
	for i := 1; i < somfyBaseBytes; i++ {
		frame[i] = wire[i] ^ wire[i-1]
	}
	if frame[0]&0xF0 != somfyKey {
		return Command{}, fmt.Errorf("%w: somfy key 0x%02X", ErrUnknownCode, frame[0])
	}
	sum := frame[1] & 0xF
	frame[1] &^= 0xF
	if got := SomfyChecksum(frame); got != sum {
		return Command{}, fmt.Errorf("%w: somfy 0x%X != 0x%X", ErrChecksum, got, sum)
	}

	cmd := Command{
		RollingCode: uint16(frame[2])<<8 | uint16(frame[3]),
		Address:     uint32(frame[4]) | uint32(frame[5])<<8 | uint32(frame[6])<<16,
	}
	code := frame[1] >> 4
	extended := len(wire) == somfyExtBytes

	if code == somfyCmdExt {
		if !extended {
			return Command{}, fmt.Errorf("%w: somfy ext code without extension", ErrFrameLength)
		}
		tail := wire[somfyBaseBytes:]
		if tail[0] != somfyExtMarker {
			return Command{}, fmt.Errorf("%w: somfy ext marker 0x%02X", ErrUnknownCode, tail[0])
		}
		rep := tail[2] >> 4
		if tail[2]&0xF != SomfyChecksum(tail[:2])^rep {
			return Command{}, fmt.Errorf("%w: somfy extension", ErrChecksum)
		}
		for a, e := range somfyExtCodes {
			if e == tail[1] {
				cmd.Action = a
				cmd.ExtCmd = e
				cmd.Repeat = int(rep)
				return cmd, nil
			}
		}
		return Command{}, fmt.Errorf("%w: somfy ext 0x%02X", ErrUnknownCode, tail[1])
	}
	if extended {
		return Command{}, fmt.Errorf("%w: somfy extension on code 0x%X", ErrFrameLength, code)
	}
	for a, c := range somfyCodes {
		if c == code {
			cmd.Action = a
			return cmd, nil
		}
	}
	return Command{}, fmt.Errorf("%w: somfy 0x%X", ErrUnknownCode, code)
}

func (Somfy) DeviceID(cmd Command) string {
	return fmt.Sprintf("%06x", cmd.Address)
}

// NewSomfyPairCommand returns the program command for a freshly generated
// remote address. The caller owns the rolling code.
func NewSomfyPairCommand() (Command, error) {
	addr, err := RandomAddress(24)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Action:  ActionProgram,
		Address: addr,
		Repeat:  somfyPairRepeat,
	}, nil
}

// RandomAddress returns a random non-zero address of the given width.
func RandomAddress(width int) (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("random address: %w", err)
		}
		addr := binary.BigEndian.Uint32(buf[:]) & (uint32(1)<<width - 1)
		if addr != 0 {
			return addr, nil
		}
	}
}
