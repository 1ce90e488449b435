package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(id string) (*Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(id string, fn func(dev *Device) error) error

	// Rolling codes
	RollingCode(id string) (uint16, error)
	SetRollingCode(id string, code uint16) error
	// NextRollingCode increments and persists the counter in one transaction
	// and returns the new value. Returns ErrNotFound for unknown counters.
	NextRollingCode(id string) (uint16, error)

	// Close the store
	Close() error
}
