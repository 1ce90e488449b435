//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"rfblinds-go-home/internal/coordinator"
	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Bridge connects the blinds coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client   pahomqtt.Client
	coord    *coordinator.Coordinator
	prefix   string
	haPrefix string
	logger   *slog.Logger
	unsub    func()

	// Device ID -> topic name currently subscribed.
	mu     sync.Mutex
	topics map[string]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:    coord,
		prefix:   cfg.TopicPrefix,
		haPrefix: cfg.DiscoveryPrefix,
		logger:   logger.With("component", "mqtt"),
		topics:   make(map[string]string),
	}
	if b.haPrefix == "" {
		b.haPrefix = "homeassistant"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "rfblinds-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStateChanged:
		data, _ := event.Data.(map[string]any)
		if id, _ := data["device_id"].(string); id != "" {
			b.publishState(id)
		}
	case coordinator.EventDevicePaired, coordinator.EventDeviceUpdated:
		if dev, ok := event.Data.(*store.Device); ok {
			b.publishDevice(dev)
		}
	case coordinator.EventDeviceRemoved:
		data, _ := event.Data.(map[string]any)
		if id, _ := data["device_id"].(string); id != "" {
			b.removeDevice(id)
		}
	case coordinator.EventRemoteCommand:
		data, _ := event.Data.(map[string]any)
		if id, _ := data["remote_id"].(string); id != "" {
			b.publish(b.prefix+"/remote/"+strings.ReplaceAll(id, ":", "_"), mustJSON(data), false)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll republishes discovery and the last known state of every device.
func (b *Bridge) publishAll() {
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	b.mu.Lock()
	clear(b.topics)
	b.mu.Unlock()
	for _, dev := range devices {
		b.publishDevice(dev)
	}
}

// publishDevice sends discovery, subscribes to commands and republishes the
// state. A renamed device moves to its new topic.
func (b *Bridge) publishDevice(dev *store.Device) {
	name := deviceTopicName(dev)
	b.mu.Lock()
	old, had := b.topics[dev.ID]
	b.topics[dev.ID] = name
	b.mu.Unlock()

	if had && old != name {
		b.unsubscribe(old)
		b.publish(b.prefix+"/"+old, nil, true)
	}
	for _, msg := range buildDiscovery(dev, b.prefix, b.haPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if !had || old != name {
		b.subscribe(dev.ID, name)
	}
	b.publish(b.prefix+"/"+name, mustJSON(buildState(dev)), true)
	b.logger.Info("published HA discovery", "id", dev.ID, "name", deviceDisplayName(dev))
}

func (b *Bridge) publishState(id string) {
	dev, err := b.coord.Devices().GetDevice(id)
	if err != nil {
		return
	}
	b.publish(b.prefix+"/"+deviceTopicName(dev), mustJSON(buildState(dev)), true)
}

func (b *Bridge) removeDevice(id string) {
	for _, msg := range buildRemoveDiscovery(id, b.haPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	name, ok := b.topics[id]
	delete(b.topics, id)
	b.mu.Unlock()
	if ok {
		b.unsubscribe(name)
		b.publish(b.prefix+"/"+name, nil, true)
	}
}

func (b *Bridge) subscribe(id, name string) {
	base := b.prefix + "/" + name
	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		sub, ok := commandSuffix(base, msg.Topic())
		if !ok {
			return
		}
		payload := msg.Payload()
		// Plans can take seconds; keep the paho router free.
		go b.handleCommand(id, sub, payload)
	}
	b.client.SubscribeMultiple(map[string]byte{
		base + "/set":   1,
		base + "/+/set": 1,
	}, handler)
}

func (b *Bridge) unsubscribe(name string) {
	base := b.prefix + "/" + name
	b.client.Unsubscribe(base+"/set", base+"/+/set")
}

func (b *Bridge) handleCommand(id, sub string, payload []byte) {
	cmd, err := parseCommand(sub, payload)
	if err != nil {
		b.logger.Warn("invalid command", "id", id, "topic", sub, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), cmd.timeout())
	defer cancel()
	dm := b.coord.Devices()

	switch cmd.kind {
	case kindState:
		err = dm.SetCapability(ctx, id, transform.StateCapability(cmd.rail), string(cmd.state))
	case kindTilt:
		err = dm.Tilt(ctx, id, cmd.up, cmd.steps)
	case kindMy:
		err = dm.My(ctx, id)
	}
	if err != nil {
		b.logger.Warn("command failed", "id", id, "kind", cmd.kind, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// ErrCommand is returned for unparseable command payloads.
var ErrCommand = errors.New("invalid mqtt command")

type commandKind string

const (
	kindState commandKind = "state"
	kindTilt  commandKind = "tilt"
	kindMy    commandKind = "my"
)

type command struct {
	kind  commandKind
	rail  int
	state transform.State
	up    bool
	steps int
}

// baseCommandTimeout bounds the radio work of one command. Tilts get the
// motor time of their steps on top.
const baseCommandTimeout = 30 * time.Second

func (c command) timeout() time.Duration {
	if c.kind == kindTilt {
		return baseCommandTimeout + transform.TiltDuration(c.steps)
	}
	return baseCommandTimeout
}

// commandSuffix extracts the sub-topic between base and "/set". The plain
// JSON topic yields an empty suffix.
func commandSuffix(base, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok {
		return "", false
	}
	if rest == "set" {
		return "", true
	}
	sub, ok := strings.CutSuffix(rest, "/set")
	if !ok || sub == "" || strings.Contains(sub, "/") {
		return "", false
	}
	return sub, true
}

// jsonCommand is the payload of the plain <device>/set topic.
type jsonCommand struct {
	State string `json:"state"`
	Rail  int    `json:"rail"`
	Tilt  string `json:"tilt"`
	Steps int    `json:"steps"`
	My    bool   `json:"my"`
}

// parseCommand interprets a payload published on <device>/<sub>/set.
func parseCommand(sub string, payload []byte) (command, error) {
	text := strings.TrimSpace(string(payload))
	switch sub {
	case "":
		return parseJSONCommand(payload)
	case "rail1", "rail2", "rail3":
		rail := int(sub[4] - '0')
		switch strings.ToUpper(text) {
		case payloadOpen:
			return command{kind: kindState, rail: rail, state: transform.StateUp}, nil
		case payloadClose:
			return command{kind: kindState, rail: rail, state: transform.StateDown}, nil
		case payloadStop:
			return command{kind: kindState, rail: rail, state: transform.StateIdle}, nil
		}
		st, err := transform.ParseState(text)
		if err != nil {
			return command{}, fmt.Errorf("%w: %s payload %q", ErrCommand, sub, text)
		}
		return command{kind: kindState, rail: rail, state: st}, nil
	case "tilt_up", "tilt_down":
		steps := 1
		if text != "" && !strings.EqualFold(text, payloadPress) {
			n, err := strconv.Atoi(text)
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("%w: %s payload %q", ErrCommand, sub, text)
			}
			steps = n
		}
		return command{kind: kindTilt, up: sub == "tilt_up", steps: steps}, nil
	case "my":
		return command{kind: kindMy}, nil
	default:
		return command{}, fmt.Errorf("%w: unknown topic %q", ErrCommand, sub)
	}
}

func parseJSONCommand(payload []byte) (command, error) {
	var jc jsonCommand
	if err := json.Unmarshal(payload, &jc); err != nil {
		return command{}, fmt.Errorf("%w: %w", ErrCommand, err)
	}
	switch {
	case jc.State != "":
		st, err := transform.ParseState(jc.State)
		if err != nil {
			return command{}, fmt.Errorf("%w: %w", ErrCommand, err)
		}
		rail := jc.Rail
		if rail == 0 {
			rail = 1
		}
		if rail < 1 || rail > 3 {
			return command{}, fmt.Errorf("%w: rail %d", ErrCommand, jc.Rail)
		}
		return command{kind: kindState, rail: rail, state: st}, nil
	case jc.Tilt != "":
		steps := jc.Steps
		if steps == 0 {
			steps = 1
		}
		switch strings.ToLower(jc.Tilt) {
		case "up":
			return command{kind: kindTilt, up: true, steps: steps}, nil
		case "down":
			return command{kind: kindTilt, steps: steps}, nil
		}
		return command{}, fmt.Errorf("%w: tilt %q", ErrCommand, jc.Tilt)
	case jc.My:
		return command{kind: kindMy}, nil
	}
	return command{}, fmt.Errorf("%w: empty command", ErrCommand)
}
