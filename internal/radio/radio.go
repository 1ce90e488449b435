// Package radio defines the interface for the 433 MHz transceiver backend.
// Backend: USB serial stick speaking an HDLC framed host protocol.
package radio

import (
	"context"
	"errors"

	"rfblinds-go-home/internal/bits"
	"rfblinds-go-home/internal/codec"
)

// Transceiver sends and receives raw protocol frames. Modulation and timing
// are handled by the firmware.
type Transceiver interface {
	Transmit(ctx context.Context, f Frame) error

	// OnFrame registers the handler for received frames. The handler runs on
	// the receive goroutine.
	OnFrame(handler func(Frame))

	Info() Info
	Close() error
}

// ErrNoAck is returned when the transceiver did not confirm a transmission.
// The frame may or may not have gone out.
var ErrNoAck = errors.New("radio: transmission not acknowledged")

// Frame is one protocol frame. Repeat is the number of times the firmware
// sends it back to back.
type Frame struct {
	Protocol codec.Protocol `json:"protocol"`
	Bits     bits.Bits      `json:"bits"`
	Repeat   int            `json:"repeat,omitempty"`
	RSSI     int8           `json:"rssi,omitempty"`
	// SingleShot frames are never resent by the transceiver. Rolling-code
	// frames set it; the caller retries with a fresh code.
	SingleShot bool `json:"-"`
}

// Info describes the attached transceiver.
type Info struct {
	Type     string `json:"type"`
	Port     string `json:"port,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// Protocol ids on the host link.
const (
	protoUnknown uint8 = iota
	protoBrel
	protoBofu
	protoSomfy
)

func protocolID(p codec.Protocol) uint8 {
	switch p {
	case codec.ProtocolBrel:
		return protoBrel
	case codec.ProtocolBofu:
		return protoBofu
	case codec.ProtocolSomfy:
		return protoSomfy
	default:
		return protoUnknown
	}
}

func protocolName(id uint8) codec.Protocol {
	switch id {
	case protoBrel:
		return codec.ProtocolBrel
	case protoBofu:
		return codec.ProtocolBofu
	case protoSomfy:
		return codec.ProtocolSomfy
	default:
		return ""
	}
}
