package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/radio"
	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"
)

var (
	ErrUnknownModel     = errors.New("unknown model")
	ErrInvalidSettings  = errors.New("invalid settings")
	ErrRail             = errors.New("rail not available on device")
	ErrDeviceExists     = errors.New("device already paired")
	ErrLearnUnsupported = errors.New("protocol cannot be learned")
	ErrNotDiscovered    = errors.New("remote not seen in learn mode")
	ErrStopped          = errors.New("coordinator stopped")
)

// frameDebounce drops repeated bursts of the same frame.
const frameDebounce = 300 * time.Millisecond

// DeviceManager handles paired blinds: receive path, send queues and the
// pairing lifecycle.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Per-device send queues. Senders hold queueMu.RLock while enqueueing.
	queueMu sync.RWMutex
	queues  map[string]chan job
	queueWg sync.WaitGroup
	closed  bool

	// Debounce repeated frames from a held button.
	lastFrameMu sync.Mutex
	lastFrame   map[string]time.Time

	// In-memory protocol/address -> device IDs index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[string][]string

	learnMu    sync.Mutex
	learnUntil time.Time
	discovered map[string]*Discovery
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:      coord,
		logger:     coord.logger.With("component", "device_manager"),
		queues:     make(map[string]chan job),
		lastFrame:  make(map[string]time.Time),
		addrIndex:  make(map[string][]string),
		discovered: make(map[string]*Discovery),
	}
}

func addrKey(p string, address uint32) string {
	return fmt.Sprintf("%s/%06x", p, address)
}

// DeviceID returns the store key of the device a command addresses.
func DeviceID(c codec.Codec, cmd codec.Command) string {
	return string(c.Protocol()) + "-" + c.DeviceID(cmd)
}

// deviceName returns a human-readable display name for a device.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.Name != "" {
		return dev.Name
	}
	return dev.ID
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		k := addrKey(d.Protocol, d.Address)
		dm.addrIndex[k] = append(dm.addrIndex[k], d.ID)
	}
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) addToAddrIndex(dev *store.Device) {
	k := addrKey(dev.Protocol, dev.Address)
	dm.addrMu.Lock()
	dm.addrIndex[k] = append(dm.addrIndex[k], dev.ID)
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) removeFromAddrIndex(dev *store.Device) {
	k := addrKey(dev.Protocol, dev.Address)
	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	ids := dm.addrIndex[k][:0]
	for _, id := range dm.addrIndex[k] {
		if id != dev.ID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		delete(dm.addrIndex, k)
		return
	}
	dm.addrIndex[k] = ids
}

// lookupAddr returns the device IDs paired to an address.
func (dm *DeviceManager) lookupAddr(p codec.Protocol, address uint32) []string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return append([]string(nil), dm.addrIndex[addrKey(string(p), address)]...)
}

// matches reports whether a decoded command addresses dev. Brel channels
// are a bit mask; a zero mask or Bofu unit 0 addresses every receiver.
func matches(dev *store.Device, cmd codec.Command) bool {
	if cmd.Group {
		return true
	}
	switch codec.Protocol(dev.Protocol) {
	case codec.ProtocolBrel:
		return dev.Channel&cmd.Channel != 0
	case codec.ProtocolBofu:
		return dev.Unit == cmd.Unit
	default:
		return true
	}
}

func settingsOf(dev *store.Device) transform.Settings {
	return transform.Settings{
		Rotated:    dev.Settings.IsRotated(),
		InvertTilt: dev.Settings.InvertTilt,
		PulseMode:  dev.Settings.PulseMode,
	}
}

func baseCommand(dev *store.Device) codec.Command {
	return codec.Command{
		Address: dev.Address,
		Channel: dev.Channel,
		Unit:    dev.Unit,
	}
}

// profile returns the transmit profile of a device, honouring model overrides.
func (dm *DeviceManager) profile(dev *store.Device) (transform.Profile, error) {
	p := codec.Protocol(dev.Protocol)
	if m := dm.coord.Models().Lookup(p, dev.Model); m != nil {
		return m.Profile()
	}
	return transform.ProfileFor(p)
}

func (dm *DeviceManager) isDuplicate(f radio.Frame) bool {
	key := string(f.Protocol) + ":" + f.Bits.String()
	dm.lastFrameMu.Lock()
	defer dm.lastFrameMu.Unlock()
	now := time.Now()
	if last, ok := dm.lastFrame[key]; ok && now.Sub(last) < frameDebounce {
		dm.lastFrame[key] = now
		return true
	}
	dm.lastFrame[key] = now
	// Evict stale entries to prevent unbounded growth.
	if len(dm.lastFrame) > 50 {
		for k, t := range dm.lastFrame {
			if now.Sub(t) > time.Minute {
				delete(dm.lastFrame, k)
			}
		}
	}
	return false
}

// HandleFrame processes a received radio frame.
func (dm *DeviceManager) HandleFrame(f radio.Frame) {
	decoded := dm.coord.Codecs().DecodeAny(f.Protocol, f.Bits)
	if len(decoded) == 0 {
		dm.logger.Debug("undecodable frame", "protocol", f.Protocol, "bits", len(f.Bits))
		return
	}
	if dm.isDuplicate(f) {
		return
	}
	for _, d := range decoded {
		dm.handleCommand(d, f.RSSI)
	}
}

func (dm *DeviceManager) handleCommand(d codec.Decoded, rssi int8) {
	p := d.Codec.Protocol()
	cmd := d.Command
	remoteID := DeviceID(d.Codec, cmd)

	var targets []*store.Device
	for _, id := range dm.lookupAddr(p, cmd.Address) {
		dev, err := dm.coord.Store().GetDevice(id)
		if err != nil {
			dm.logger.Warn("indexed device missing", "id", id, "err", err)
			continue
		}
		if matches(dev, cmd) {
			targets = append(targets, dev)
		}
	}

	ids := make([]string, 0, len(targets))
	for _, dev := range targets {
		ids = append(ids, dev.ID)
	}
	dm.logger.Info("remote command", "remote", remoteID, "action", cmd.Action,
		"rail", cmd.RailOrDefault(), "devices", ids)
	dm.coord.Events().Emit(Event{
		Type: EventRemoteCommand,
		Data: map[string]any{
			"remote_id": remoteID,
			"protocol":  string(p),
			"action":    cmd.Action.String(),
			"rail":      cmd.RailOrDefault(),
			"group":     cmd.Group,
			"devices":   ids,
			"rssi":      rssi,
		},
	})

	if len(targets) == 0 {
		dm.discover(remoteID, p, cmd, rssi)
		return
	}
	for _, dev := range targets {
		dm.applyRemote(dev, cmd)
	}
}

// applyRemote records the state a remote press put the device in.
func (dm *DeviceManager) applyRemote(dev *store.Device, cmd codec.Command) {
	prof, err := dm.profile(dev)
	if err != nil {
		dm.logger.Error("device profile", "id", dev.ID, "err", err)
		return
	}
	u := prof.Apply(cmd, settingsOf(dev), dev.Rails)
	if err := dm.saveState(dev.ID, u.Values); err != nil {
		dm.logger.Error("save remote state", "id", dev.ID, "err", err)
		return
	}
	dm.emitState(dev, u.Values, "remote")
}

// saveState persists state capabilities and stamps LastSeen. Tilt values
// are momentary and not stored.
func (dm *DeviceManager) saveState(id string, values map[string]any) error {
	return dm.coord.Store().UpdateDevice(id, func(dev *store.Device) error {
		if dev.Capabilities == nil {
			dev.Capabilities = make(map[string]any)
		}
		for k, v := range values {
			if strings.HasPrefix(k, transform.CapState) {
				dev.Capabilities[k] = v
			}
		}
		dev.LastSeen = time.Now()
		return nil
	})
}

func (dm *DeviceManager) emitState(dev *store.Device, values map[string]any, source string) {
	if len(values) == 0 {
		return
	}
	dm.coord.Events().Emit(Event{
		Type: EventStateChanged,
		Data: map[string]any{
			"device_id": dev.ID,
			"name":      deviceName(dev),
			"values":    values,
			"source":    source,
		},
	})
}

// GetDevice returns a paired device.
func (dm *DeviceManager) GetDevice(id string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(id)
}

// ListDevices returns every paired device sorted by ID.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// SetCapability drives a device to a capability value and records it.
func (dm *DeviceManager) SetCapability(ctx context.Context, id, capability string, value any) error {
	dev, err := dm.GetDevice(id)
	if err != nil {
		return err
	}
	req, err := transform.ParseCapability(capability, value)
	if err != nil {
		return err
	}
	if req.Rail > max(dev.Rails, 1) {
		return fmt.Errorf("%w: %s has %d rails", ErrRail, id, dev.Rails)
	}
	prof, err := dm.profile(dev)
	if err != nil {
		return err
	}
	if err := dm.run(ctx, dev, prof.Capability(req, settingsOf(dev), baseCommand(dev))); err != nil {
		return err
	}

	values := map[string]any{capability: value}
	if req.Kind == transform.KindState {
		values = map[string]any{transform.StateCapability(req.Rail): string(req.State)}
		if req.State == transform.StateIdle && prof.IdleStopsAllRails {
			for r := 1; r <= dev.Rails; r++ {
				values[transform.StateCapability(r)] = string(transform.StateIdle)
			}
		}
	}
	if err := dm.saveState(id, values); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	dm.emitState(dev, values, "api")
	return nil
}

// Tilt sends a tilt sequence of steps.
func (dm *DeviceManager) Tilt(ctx context.Context, id string, up bool, steps int) error {
	dev, err := dm.GetDevice(id)
	if err != nil {
		return err
	}
	prof, err := dm.profile(dev)
	if err != nil {
		return err
	}
	plan, err := prof.Tilt(up, steps, settingsOf(dev), baseCommand(dev))
	if err != nil {
		return err
	}
	return dm.run(ctx, dev, plan)
}

// My sends the preset position.
func (dm *DeviceManager) My(ctx context.Context, id string) error {
	dev, err := dm.GetDevice(id)
	if err != nil {
		return err
	}
	prof, err := dm.profile(dev)
	if err != nil {
		return err
	}
	return dm.run(ctx, dev, prof.My(settingsOf(dev), baseCommand(dev), dev.TopDown))
}

// SendAction sends one raw action, such as set_limit or confirm.
func (dm *DeviceManager) SendAction(ctx context.Context, id string, a codec.Action, rail int) error {
	dev, err := dm.GetDevice(id)
	if err != nil {
		return err
	}
	if rail == 0 {
		rail = 1
	}
	if rail > max(dev.Rails, 1) {
		return fmt.Errorf("%w: %s has %d rails", ErrRail, id, dev.Rails)
	}
	prof, err := dm.profile(dev)
	if err != nil {
		return err
	}
	return dm.run(ctx, dev, prof.Action(a, rail, settingsOf(dev), baseCommand(dev)))
}

// Program repeats the pairing sequence of an existing device, teaching its
// address to another motor.
func (dm *DeviceManager) Program(ctx context.Context, id string) error {
	dev, err := dm.GetDevice(id)
	if err != nil {
		return err
	}
	prof, err := dm.profile(dev)
	if err != nil {
		return err
	}
	return dm.run(ctx, dev, prof.Pair(baseCommand(dev)))
}

// newRemote picks a fresh virtual remote for a protocol.
func (dm *DeviceManager) newRemote(c codec.Codec) (codec.Command, error) {
	switch c.Protocol() {
	case codec.ProtocolSomfy:
		return codec.NewSomfyPairCommand()
	case codec.ProtocolBofu:
		addr, err := codec.RandomAddress(16)
		return codec.Command{Address: addr, Unit: 1}, err
	default:
		addr, err := codec.RandomAddress(24)
		return codec.Command{Address: addr, Channel: 1}, err
	}
}

// Pair creates a device on a random remote address and sends the pairing
// sequence. The record is removed again if transmission fails.
func (dm *DeviceManager) Pair(ctx context.Context, p codec.Protocol, name, model string) (*store.Device, error) {
	c, err := dm.coord.Codecs().Get(p)
	if err != nil {
		return nil, err
	}
	def := dm.coord.Models().Lookup(p, model)
	if def == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownModel, p, model)
	}

	var (
		base codec.Command
		id   string
	)
	for attempt := 0; ; attempt++ {
		base, err = dm.newRemote(c)
		if err != nil {
			return nil, err
		}
		id = DeviceID(c, base)
		if _, err := dm.GetDevice(id); errors.Is(err, store.ErrNotFound) {
			break
		}
		if attempt == 4 {
			return nil, fmt.Errorf("%w: no free address for %s", ErrDeviceExists, p)
		}
	}

	now := time.Now()
	dev := &store.Device{
		ID:       id,
		Protocol: string(p),
		Name:     name,
		Model:    def.Model,
		Address:  base.Address,
		Channel:  base.Channel,
		Unit:     base.Unit,
		Rails:    def.Rails,
		TopDown:  def.TopDown,
		Settings: store.Settings{Rotated: "0"},
		PairedAt: now,
		LastSeen: now,
	}
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}
	if p == codec.ProtocolSomfy {
		if err := dm.coord.Store().SetRollingCode(id, 0); err != nil {
			dm.coord.Store().DeleteDevice(id)
			return nil, fmt.Errorf("init rolling code: %w", err)
		}
	}
	dm.addToAddrIndex(dev)

	prof, err := def.Profile()
	if err == nil {
		err = dm.run(ctx, dev, prof.Pair(base))
	}
	if err != nil {
		dm.forget(dev)
		if delErr := dm.coord.Store().DeleteDevice(id); delErr != nil {
			dm.logger.Error("delete unpaired device", "id", id, "err", delErr)
		}
		return nil, fmt.Errorf("pair %s: %w", p, err)
	}

	dm.logger.Info("device paired", "id", id, "name", deviceName(dev), "model", dev.Model)
	dm.coord.Events().Emit(Event{Type: EventDevicePaired, Data: dev})
	return dev, nil
}

// forget drops the in-memory state of a device.
func (dm *DeviceManager) forget(dev *store.Device) {
	dm.removeFromAddrIndex(dev)
	dm.queueMu.Lock()
	if q, ok := dm.queues[dev.ID]; ok {
		close(q)
		delete(dm.queues, dev.ID)
	}
	dm.queueMu.Unlock()
}

// RemoveDevice deletes a device and its rolling code.
func (dm *DeviceManager) RemoveDevice(id string) error {
	dev, err := dm.GetDevice(id)
	if err != nil {
		return err
	}
	dm.forget(dev)
	if err := dm.coord.Store().DeleteDevice(id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	dm.logger.Info("device removed", "id", id, "name", deviceName(dev))
	dm.coord.Events().Emit(Event{Type: EventDeviceRemoved, Data: map[string]any{"device_id": id}})
	return nil
}

// RenameDevice sets the display name of a device.
func (dm *DeviceManager) RenameDevice(id, name string) error {
	return dm.update(id, func(dev *store.Device) error {
		dev.Name = strings.TrimSpace(name)
		return nil
	})
}

// UpdateSettings replaces the orientation settings of a device.
func (dm *DeviceManager) UpdateSettings(id string, s store.Settings) error {
	switch s.Rotated {
	case "":
		s.Rotated = "0"
	case "0", "180":
	default:
		return fmt.Errorf("%w: rotated must be \"0\" or \"180\", got %q", ErrInvalidSettings, s.Rotated)
	}
	return dm.update(id, func(dev *store.Device) error {
		dev.Settings = s
		return nil
	})
}

func (dm *DeviceManager) update(id string, fn func(*store.Device) error) error {
	var updated store.Device
	err := dm.coord.Store().UpdateDevice(id, func(dev *store.Device) error {
		if err := fn(dev); err != nil {
			return err
		}
		updated = *dev
		return nil
	})
	if err != nil {
		return err
	}
	dm.coord.Events().Emit(Event{Type: EventDeviceUpdated, Data: &updated})
	return nil
}
