package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/radio"
	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"
)

// RadioConfig holds transceiver hardware/port configuration for display purposes.
type RadioConfig struct {
	Type string
	Port string
	Baud int
}

// initializer is implemented by transceivers that need a handshake.
type initializer interface {
	Init(ctx context.Context) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimer replaces the wall clock used between plan steps.
func WithTimer(t transform.Timer) Option {
	return func(c *Coordinator) { c.timer = t }
}

// Coordinator owns the radio and the paired blinds behind it.
type Coordinator struct {
	radio       radio.Transceiver
	store       store.Store
	codecs      *codec.Registry
	models      *ModelDB
	events      *EventBus
	devices     *DeviceManager
	runner      *transform.Runner
	timer       transform.Timer
	logger      *slog.Logger
	radioConfig RadioConfig
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a coordinator and subscribes it to received frames.
func New(rt radio.Transceiver, st store.Store, codecs *codec.Registry, models *ModelDB, events *EventBus, radioCfg RadioConfig, logger *slog.Logger, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		radio:       rt,
		store:       st,
		codecs:      codecs,
		models:      models,
		events:      events,
		logger:      logger,
		radioConfig: radioCfg,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.runner = transform.NewRunner(codecs, rt, c.timer, logger)
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	rt.OnFrame(c.devices.HandleFrame)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start performs the transceiver handshake, if it has one.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing radio...", "type", c.radioConfig.Type)
	if in, ok := c.radio.(initializer); ok {
		if err := in.Init(ctx); err != nil {
			return fmt.Errorf("radio init: %w", err)
		}
	}
	info := c.radio.Info()
	c.logger.Info("radio ready", "type", info.Type, "port", info.Port, "firmware", info.Firmware)
	c.events.Emit(Event{Type: EventRadioState, Data: "started"})
	return nil
}

// Stop cancels pending plans and waits for the send queues to drain.
func (c *Coordinator) Stop() {
	c.cancel()
	c.devices.Close()
	c.events.Emit(Event{Type: EventRadioState, Data: "stopped"})
}

// RadioInfo returns the transceiver details.
func (c *Coordinator) RadioInfo() map[string]any {
	info := c.radio.Info()
	return map[string]any{
		"type":     c.radioConfig.Type,
		"port":     c.radioConfig.Port,
		"baud":     c.radioConfig.Baud,
		"firmware": info.Firmware,
		"driver":   info.Type,
	}
}

// Radio returns the transceiver.
func (c *Coordinator) Radio() radio.Transceiver {
	return c.radio
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Codecs returns the codec registry.
func (c *Coordinator) Codecs() *codec.Registry {
	return c.codecs
}

// Models returns the model database.
func (c *Coordinator) Models() *ModelDB {
	return c.models
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}
