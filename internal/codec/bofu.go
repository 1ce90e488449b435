package codec

import (
	"fmt"
	"strconv"

	"rfblinds-go-home/internal/bits"
)

const (
	bofuFrameBytes = 5
	bofuRail3      = 0x81
	bofuRail12     = 0x01
	bofuTilt       = 0x10
)

type bofuKey struct {
	action Action
	rail   int
}

// Rail 3 shares the rail 1 nibbles; the flags byte tells them apart.
var bofuCodes = map[bofuKey]uint8{
	{ActionUp, 1}:       0xC,
	{ActionIdle, 1}:     0x5,
	{ActionDown, 1}:     0x1,
	{ActionUp, 2}:       0xE,
	{ActionIdle, 2}:     0x7,
	{ActionDown, 2}:     0x3,
	{ActionUp, 3}:       0xC,
	{ActionIdle, 3}:     0x5,
	{ActionDown, 3}:     0x1,
	{ActionConfirm, 1}:  0x4,
	{ActionSetLimit, 1}: 0x2,
}

// bofuValues maps the decoded command value back to action and rail.
var bofuValues = map[int]bofuKey{
	0xC:             {ActionUp, 1},
	0x5:             {ActionIdle, 1},
	0x1:             {ActionDown, 1},
	0xE:             {ActionUp, 2},
	0x7:             {ActionIdle, 2},
	0x3:             {ActionDown, 2},
	0xC + bofuRail3: {ActionUp, 3},
	0x5 + bofuRail3: {ActionIdle, 3},
	0x1 + bofuRail3: {ActionDown, 3},
	0x4:             {ActionConfirm, 1},
	0x2:             {ActionSetLimit, 1},
}

// Bofu is the multi-rail protocol: 16-bit address, 4-bit unit, a flags byte
// and an additive checksum, sent as bytes with each byte LSB first.
type Bofu struct{}

func (Bofu) Protocol() Protocol { return ProtocolBofu }

// BofuChecksum folds the frame bytes starting from 0x01.
func BofuChecksum(data []byte) byte {
	acc := byte(0x01)
	for _, b := range data {
		acc = byte(((0x100 | uint16(acc)) - uint16(b)) & 0xFF)
	}
	return acc
}

func (Bofu) code(cmd Command) (uint8, bool, error) {
	rail := cmd.RailOrDefault()
	switch cmd.Action {
	case ActionTiltUp, ActionTiltDown:
		if rail != 1 {
			return 0, false, fmt.Errorf("%w: bofu tilt on rail %d", ErrUnmappedCommand, rail)
		}
		base := ActionUp
		if cmd.Action == ActionTiltDown {
			base = ActionDown
		}
		return bofuCodes[bofuKey{base, 1}], true, nil
	case ActionCustom:
		if _, ok := bofuValues[int(cmd.Code)]; ok && cmd.Code <= 0xF {
			return cmd.Code, false, nil
		}
		return 0, false, fmt.Errorf("%w: bofu custom 0x%X", ErrUnmappedCommand, cmd.Code)
	}
	code, ok := bofuCodes[bofuKey{cmd.Action, rail}]
	if !ok {
		return 0, false, fmt.Errorf("%w: bofu %s on rail %d", ErrUnmappedCommand, cmd.Action, rail)
	}
	return code, false, nil
}

func (c Bofu) Encode(cmd Command) (bits.Bits, error) {
	if cmd.Address > 0xFFFF {
		return nil, fmt.Errorf("%w: bofu address 0x%X exceeds 16 bits", ErrMalformedAddress, cmd.Address)
	}
	if cmd.Unit > 0xF {
		return nil, fmt.Errorf("%w: bofu unit %d exceeds 4 bits", ErrMalformedAddress, cmd.Unit)
	}
	code, tilt, err := c.code(cmd)
	if err != nil {
		return nil, err
	}

	flags := byte(bofuRail12)
	if cmd.RailOrDefault() == 3 {
		flags = bofuRail3
	}
	if tilt {
		flags += bofuTilt
	}
	frame := []byte{
		byte(cmd.Address >> 8),
		byte(cmd.Address),
		code<<4 | cmd.Unit,
		flags,
	}
	frame = append(frame, BofuChecksum(frame))
	return bits.FromBytes(frame, bits.PerByteReversed), nil
}

func (Bofu) Decode(b bits.Bits) (Command, error) {
	if len(b) != bofuFrameBytes*8 {
		return Command{}, fmt.Errorf("%w: bofu got %d bits", ErrFrameLength, len(b))
	}
	frame := bits.ToBytes(b, bits.PerByteReversed)
	if sum := BofuChecksum(frame[:4]); sum != frame[4] {
		return Command{}, fmt.Errorf("%w: bofu 0x%02X != 0x%02X", ErrChecksum, sum, frame[4])
	}

	value := int(frame[2] >> 4)
	if frame[3] >= 0x80 {
		value += int(frame[3])
	}
	key, ok := bofuValues[value]
	if !ok {
		return Command{}, fmt.Errorf("%w: bofu 0x%X", ErrUnknownCode, value)
	}

	action := key.action
	if key.rail == 1 && frame[3]>>4 == 1 {
		switch action {
		case ActionUp:
			action = ActionTiltUp
		case ActionDown:
			action = ActionTiltDown
		}
	}

	unit := frame[2] & 0xF
	return Command{
		Action:  action,
		Rail:    key.rail,
		Address: uint32(frame[0])<<8 | uint32(frame[1]),
		Unit:    unit,
		Group:   unit == 0,
	}, nil
}

func (Bofu) DeviceID(cmd Command) string {
	return strconv.FormatUint(uint64(cmd.Address)<<4|uint64(cmd.Unit&0xF), 10)
}
