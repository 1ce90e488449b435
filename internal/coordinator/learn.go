package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/store"
)

// DefaultLearnDuration is how long learn mode stays open without an
// explicit duration.
const DefaultLearnDuration = 2 * time.Minute

// Discovery is an unpaired remote heard while learn mode was open.
type Discovery struct {
	ID       string         `json:"id"`
	Protocol codec.Protocol `json:"protocol"`
	Address  uint32         `json:"address"`
	Channel  uint8          `json:"channel,omitempty"`
	Unit     uint8          `json:"unit,omitempty"`
	Action   string         `json:"action"`
	RSSI     int8           `json:"rssi"`
	SeenAt   time.Time      `json:"seen_at"`
}

// StartLearn opens learn mode for d and clears earlier discoveries.
func (dm *DeviceManager) StartLearn(d time.Duration) {
	if d <= 0 {
		d = DefaultLearnDuration
	}
	until := time.Now().Add(d)
	dm.learnMu.Lock()
	dm.learnUntil = until
	clear(dm.discovered)
	dm.learnMu.Unlock()

	dm.logger.Info("learn mode on", "duration", d)
	dm.coord.Events().Emit(Event{
		Type: EventLearnMode,
		Data: map[string]any{"active": true, "until": until},
	})
}

// StopLearn closes learn mode. Discoveries stay available for Learn.
func (dm *DeviceManager) StopLearn() {
	dm.learnMu.Lock()
	dm.learnUntil = time.Time{}
	dm.learnMu.Unlock()

	dm.logger.Info("learn mode off")
	dm.coord.Events().Emit(Event{Type: EventLearnMode, Data: map[string]any{"active": false}})
}

// Learning reports whether learn mode is open.
func (dm *DeviceManager) Learning() bool {
	dm.learnMu.Lock()
	defer dm.learnMu.Unlock()
	return time.Now().Before(dm.learnUntil)
}

// Discovered returns the remotes heard in the current learn session.
func (dm *DeviceManager) Discovered() []Discovery {
	dm.learnMu.Lock()
	out := make([]Discovery, 0, len(dm.discovered))
	for _, d := range dm.discovered {
		out = append(out, *d)
	}
	dm.learnMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (dm *DeviceManager) discover(id string, p codec.Protocol, cmd codec.Command, rssi int8) {
	dm.learnMu.Lock()
	if !time.Now().Before(dm.learnUntil) {
		dm.learnMu.Unlock()
		dm.logger.Debug("command from unknown remote", "remote", id)
		return
	}
	d := &Discovery{
		ID:       id,
		Protocol: p,
		Address:  cmd.Address,
		Channel:  cmd.Channel,
		Unit:     cmd.Unit,
		Action:   cmd.Action.String(),
		RSSI:     rssi,
		SeenAt:   time.Now(),
	}
	dm.discovered[id] = d
	dm.learnMu.Unlock()

	dm.logger.Info("remote discovered", "remote", id, "action", d.Action)
	dm.coord.Events().Emit(Event{Type: EventRemoteDiscovered, Data: *d})
}

// Learn adopts a discovered remote: the new device shares its address, so
// the motor already paired with that remote answers without a pairing
// sequence. Rolling-code remotes cannot be shared.
func (dm *DeviceManager) Learn(id, name, model string) (*store.Device, error) {
	dm.learnMu.Lock()
	d, ok := dm.discovered[id]
	var disc Discovery
	if ok {
		disc = *d
	}
	dm.learnMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotDiscovered, id)
	}
	if disc.Protocol == codec.ProtocolSomfy {
		return nil, fmt.Errorf("%w: %s", ErrLearnUnsupported, disc.Protocol)
	}
	// Group frames carry no receiver to adopt.
	if (disc.Protocol == codec.ProtocolBrel && disc.Channel == 0) ||
		(disc.Protocol == codec.ProtocolBofu && disc.Unit == 0) {
		return nil, fmt.Errorf("%w: %s is a group address", ErrLearnUnsupported, id)
	}
	def := dm.coord.Models().Lookup(disc.Protocol, model)
	if def == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownModel, disc.Protocol, model)
	}
	if _, err := dm.GetDevice(id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	dev := &store.Device{
		ID:       id,
		Protocol: string(disc.Protocol),
		Name:     name,
		Model:    def.Model,
		Address:  disc.Address,
		Channel:  disc.Channel,
		Unit:     disc.Unit,
		Rails:    def.Rails,
		TopDown:  def.TopDown,
		Learned:  true,
		Settings: store.Settings{Rotated: "0"},
		PairedAt: now,
		LastSeen: disc.SeenAt,
	}
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}
	dm.addToAddrIndex(dev)

	dm.learnMu.Lock()
	delete(dm.discovered, id)
	dm.learnMu.Unlock()

	dm.logger.Info("remote learned", "id", id, "name", deviceName(dev), "model", dev.Model)
	dm.coord.Events().Emit(Event{Type: EventDevicePaired, Data: dev})
	return dev, nil
}
