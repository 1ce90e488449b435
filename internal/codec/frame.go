package codec

import (
	"fmt"
	"strconv"
	"strings"

	"rfblinds-go-home/internal/bits"
)

// AddressWidth returns the remote address width of a protocol in bits.
func AddressWidth(p Protocol) int {
	if p == ProtocolBofu {
		return 16
	}
	return 24
}

// MarshalText renders the action by name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an action name.
func (a *Action) UnmarshalText(text []byte) error {
	v, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// FrameRequest is the textual form of a command, as accepted by the offline
// encode tools.
type FrameRequest struct {
	Protocol Protocol `json:"protocol"`
	Action   Action   `json:"action"`
	// Address is a bit string of the protocol's address width, or a hex
	// number prefixed with 0x.
	Address     string `json:"address"`
	Channel     uint8  `json:"channel,omitempty"`
	Unit        uint8  `json:"unit,omitempty"`
	Rail        int    `json:"rail,omitempty"`
	RollingCode uint16 `json:"rolling_code,omitempty"`
	Code        uint8  `json:"code,omitempty"`
	Repeat      int    `json:"repeat,omitempty"`
	ExtCmd      uint8  `json:"ext_cmd,omitempty"`
}

// FrameResult is a decoded frame in textual form.
type FrameResult struct {
	Protocol Protocol `json:"protocol"`
	DeviceID string   `json:"device_id"`
	Command  Command  `json:"command"`
	Bits     string   `json:"bits"`
}

// ParseTextAddress reads an address given as bits or as 0x-prefixed hex.
func ParseTextAddress(s string, width int) (uint32, error) {
	s = strings.TrimSpace(s)
	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, width)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedAddress, s)
		}
		return uint32(v), nil
	}
	return ParseAddress(s, width)
}

// Command converts the request into a codec command.
func (req FrameRequest) Command() (Command, error) {
	addr, err := ParseTextAddress(req.Address, AddressWidth(req.Protocol))
	if err != nil {
		return Command{}, err
	}
	return Command{
		Action:      req.Action,
		Code:        req.Code,
		Rail:        req.Rail,
		Address:     addr,
		Channel:     req.Channel,
		Unit:        req.Unit,
		RollingCode: req.RollingCode,
		Repeat:      req.Repeat,
		ExtCmd:      req.ExtCmd,
	}, nil
}

// EncodeRequest encodes a textual request with the matching codec.
func (r *Registry) EncodeRequest(req FrameRequest) (bits.Bits, error) {
	c, err := r.Get(req.Protocol)
	if err != nil {
		return nil, err
	}
	cmd, err := req.Command()
	if err != nil {
		return nil, err
	}
	return c.Encode(cmd)
}

// DecodeText decodes a textual bit string with the codec for p, or with
// every codec when p is empty.
func (r *Registry) DecodeText(p Protocol, s string) ([]FrameResult, error) {
	if p != "" {
		if _, err := r.Get(p); err != nil {
			return nil, err
		}
	}
	b, err := bits.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	var out []FrameResult
	for _, d := range r.DecodeAny(p, b) {
		out = append(out, FrameResult{
			Protocol: d.Codec.Protocol(),
			DeviceID: d.Codec.DeviceID(d.Command),
			Command:  d.Command,
			Bits:     b.String(),
		})
	}
	return out, nil
}
