package store

import "time"

// Device is a paired blind motor, addressed through a virtual or learned
// remote.
type Device struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Name     string `json:"name,omitempty"`
	Model    string `json:"model,omitempty"`

	Address uint32 `json:"address"`
	Channel uint8  `json:"channel,omitempty"`
	Unit    uint8  `json:"unit,omitempty"`

	Rails   int  `json:"rails"`
	TopDown bool `json:"top_down,omitempty"`
	// Learned devices share the address of a physical remote.
	Learned bool `json:"learned,omitempty"`

	Settings Settings `json:"settings"`

	// Capabilities holds the last known capability values.
	Capabilities map[string]any `json:"capabilities,omitempty"`

	PairedAt time.Time `json:"paired_at"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Settings are the user-editable orientation options of a device.
type Settings struct {
	// Rotated is "0" or "180".
	Rotated    string `json:"rotated"`
	InvertTilt bool   `json:"invert_tilt"`
	PulseMode  bool   `json:"pulse_mode"`
}

// IsRotated reports whether the motor is mounted upside down.
func (s Settings) IsRotated() bool {
	return s.Rotated == "180"
}
