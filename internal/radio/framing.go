package radio

import (
	"bufio"
	"errors"
	"fmt"

	"rfblinds-go-home/internal/bits"
)

const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20

	maxFrameLen = 512
)

var (
	errFCS       = errors.New("hdlc: bad fcs")
	errShort     = errors.New("hdlc: frame too short")
	errFrameSize = errors.New("hdlc: frame too long")
)

// CRC-16/X.25 (reflected 0x1021), the HDLC frame check sequence.
var fcsTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func fcs16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc>>8 ^ fcsTable[byte(crc)^b]
	}
	return ^crc
}

// hdlcEncode appends the FCS, stuffs the result and wraps it in flags.
func hdlcEncode(payload []byte) []byte {
	sum := fcs16(payload)
	raw := append(append([]byte(nil), payload...), byte(sum), byte(sum>>8))

	out := make([]byte, 0, len(raw)+8)
	out = append(out, hdlcFlag)
	for _, b := range raw {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, hdlcFlag)
}

// hdlcDecode unstuffs a frame body (without flags) and checks its FCS.
func hdlcDecode(body []byte) ([]byte, error) {
	raw := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b == hdlcEscape {
			i++
			if i >= len(body) {
				return nil, fmt.Errorf("hdlc: dangling escape")
			}
			b = body[i] ^ hdlcXor
		}
		raw = append(raw, b)
	}
	if len(raw) < 2 {
		return nil, errShort
	}
	payload := raw[:len(raw)-2]
	want := uint16(raw[len(raw)-2]) | uint16(raw[len(raw)-1])<<8
	if got := fcs16(payload); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", errFCS, got, want)
	}
	return payload, nil
}

// readRawFrame returns the next non-empty frame body between flags.
func readRawFrame(r *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != hdlcFlag {
			if len(body) >= maxFrameLen {
				return nil, errFrameSize
			}
			body = append(body, b)
			continue
		}
		if len(body) == 0 {
			// Leading or back-to-back flags.
			continue
		}
		return body, nil
	}
}

// Host link message types.
const (
	msgTxRequest   = 0x01
	msgTxAck       = 0x02
	msgRxInd       = 0x03
	msgVersionReq  = 0x04
	msgVersionResp = 0x05
)

// Ack status codes.
const (
	statusOK       = 0x00
	statusBusy     = 0x01
	statusProtocol = 0x02
)

func statusName(s uint8) string {
	switch s {
	case statusOK:
		return "ok"
	case statusBusy:
		return "busy"
	case statusProtocol:
		return "unsupported protocol"
	default:
		return fmt.Sprintf("status 0x%02X", s)
	}
}

// encodeTxRequest: type, seq, protocol, repeat, bit count, packed bits.
func encodeTxRequest(seq uint8, f Frame) ([]byte, error) {
	if len(f.Bits) == 0 || len(f.Bits) > 255 {
		return nil, fmt.Errorf("radio: cannot send %d bits", len(f.Bits))
	}
	repeat := f.Repeat
	if repeat < 1 {
		repeat = 1
	}
	if repeat > 255 {
		repeat = 255
	}
	msg := []byte{msgTxRequest, seq, protocolID(f.Protocol), byte(repeat), byte(len(f.Bits))}
	return append(msg, packBits(f.Bits)...), nil
}

// decodeRxInd: type, 0, protocol, rssi, bit count, packed bits.
func decodeRxInd(msg []byte) (Frame, error) {
	if len(msg) < 5 {
		return Frame{}, fmt.Errorf("radio: rx indication too short (%d)", len(msg))
	}
	n := int(msg[4])
	packed := msg[5:]
	if len(packed) < (n+7)/8 {
		return Frame{}, fmt.Errorf("radio: rx indication holds %d bytes for %d bits", len(packed), n)
	}
	return Frame{
		Protocol: protocolName(msg[2]),
		RSSI:     int8(msg[3]),
		Bits:     unpackBits(packed, n),
	}, nil
}

// packBits packs MSB first, left aligned in the last byte.
func packBits(b bits.Bits) []byte {
	out := make([]byte, (len(b)+7)/8)
	for i, bit := range b {
		if bit&1 == 1 {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func unpackBits(data []byte, n int) bits.Bits {
	out := make(bits.Bits, n)
	for i := 0; i < n; i++ {
		out[i] = data[i/8] >> (7 - i%8) & 1
	}
	return out
}
