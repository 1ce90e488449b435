package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices      = []byte("devices")
	bucketRollingCodes = []byte("rolling_codes")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketRollingCodes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.ID), data)
	})
}

func (s *BoltStore) GetDevice(id string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// DeleteDevice removes the device and its rolling code.
func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		rc, err := bucket(tx, bucketRollingCodes)
		if err != nil {
			return err
		}
		return rc.Delete([]byte(id))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(id string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) RollingCode(id string) (uint16, error) {
	var code uint16
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRollingCodes)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if len(data) != 2 {
			return fmt.Errorf("rolling code %s: %w", id, ErrNotFound)
		}
		code = binary.BigEndian.Uint16(data)
		return nil
	})
	return code, err
}

func (s *BoltStore) SetRollingCode(id string, code uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRollingCodes)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), binary.BigEndian.AppendUint16(nil, code))
	})
}

// NextRollingCode commits the incremented counter before returning it, so a
// crash after transmission can never hand out the same code again. The
// counter wraps from 0xFFFF to 0.
func (s *BoltStore) NextRollingCode(id string) (uint16, error) {
	var code uint16
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRollingCodes)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if len(data) != 2 {
			return fmt.Errorf("rolling code %s: %w", id, ErrNotFound)
		}
		code = binary.BigEndian.Uint16(data) + 1
		return b.Put([]byte(id), binary.BigEndian.AppendUint16(nil, code))
	})
	if err != nil {
		return 0, err
	}
	return code, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
