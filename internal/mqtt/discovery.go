//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/cover/rfblinds_bofu-4131/rail1/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOpen       string   `json:"payload_open,omitempty"`
	PayloadClose      string   `json:"payload_close,omitempty"`
	PayloadStop       string   `json:"payload_stop,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	StateOpen         string   `json:"state_open,omitempty"`
	StateClosed       string   `json:"state_closed,omitempty"`
	StateStopped      string   `json:"state_stopped,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// Cover payloads accepted on rail command topics.
const (
	payloadOpen  = "OPEN"
	payloadClose = "CLOSE"
	payloadStop  = "STOP"
	payloadPress = "PRESS"
)

var manufacturers = map[string]string{
	"brel":  "Brel",
	"bofu":  "Bofu",
	"somfy": "Somfy",
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	if dev.Model != "" {
		return dev.Model + " " + dev.ID
	}
	return dev.ID
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "rfblinds_" + strings.ReplaceAll(dev.ID, ":", "_")
}

// deviceTopicName returns the topic name for a device (name or ID).
func deviceTopicName(dev *store.Device) string {
	if dev.Name != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.Name)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return strings.ReplaceAll(dev.ID, ":", "_")
}

func railCount(dev *store.Device) int {
	return max(dev.Rails, 1)
}

// stateKey returns the JSON key of a rail state in the state payload.
func stateKey(rail int) string {
	if rail <= 1 {
		return "state"
	}
	return fmt.Sprintf("state_rail%d", rail)
}

// buildDiscovery generates HA discovery messages for a blind: one cover per
// rail plus tilt and preset buttons.
func buildDiscovery(dev *store.Device, prefix, haPrefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	base := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: manufacturers[dev.Protocol],
		Model:        dev.Model,
		Name:         displayName,
	}

	var msgs []discoveryMsg
	for rail := 1; rail <= railCount(dev); rail++ {
		name := displayName
		if railCount(dev) > 1 {
			name = fmt.Sprintf("%s rail %d", displayName, rail)
		}
		objectID := fmt.Sprintf("rail%d", rail)
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("%s/cover/%s/%s/config", haPrefix, nodeID, objectID),
			Payload: mustJSON(haDiscovery{
				Name:              name,
				UniqueID:          nodeID + "_" + objectID,
				StateTopic:        base,
				CommandTopic:      base + "/" + objectID + "/set",
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json." + stateKey(rail) + " }}",
				DeviceClass:       "blind",
				PayloadOpen:       payloadOpen,
				PayloadClose:      payloadClose,
				PayloadStop:       payloadStop,
				StateOpen:         string(transform.StateUp),
				StateClosed:       string(transform.StateDown),
				StateStopped:      string(transform.StateIdle),
				Device:            haDev,
			}),
		})
	}

	buttons := []struct{ objectID, suffix, topic, icon string }{
		{"tilt_up", "Tilt up", "/tilt_up/set", "mdi:arrow-up-bold"},
		{"tilt_down", "Tilt down", "/tilt_down/set", "mdi:arrow-down-bold"},
		{"my", "My position", "/my/set", "mdi:star"},
	}
	for _, b := range buttons {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("%s/button/%s/%s/config", haPrefix, nodeID, b.objectID),
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " " + b.suffix,
				UniqueID:          nodeID + "_" + b.objectID,
				CommandTopic:      base + b.topic,
				AvailabilityTopic: avail,
				PayloadPress:      payloadPress,
				Icon:              b.icon,
				Device:            haDev,
			}),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(id, haPrefix string) []discoveryMsg {
	nodeID := deviceIdentifier(&store.Device{ID: id})

	components := []struct{ comp, obj string }{
		{"cover", "rail1"},
		{"cover", "rail2"},
		{"cover", "rail3"},
		{"button", "tilt_up"},
		{"button", "tilt_down"},
		{"button", "my"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", haPrefix, c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// buildState renders the retained state payload from the stored capabilities.
func buildState(dev *store.Device) map[string]any {
	state := make(map[string]any)
	for rail := 1; rail <= railCount(dev); rail++ {
		if v, ok := dev.Capabilities[transform.StateCapability(rail)]; ok {
			state[stateKey(rail)] = v
		}
	}
	if !dev.LastSeen.IsZero() {
		state["last_seen"] = dev.LastSeen.UTC().Format(time.RFC3339)
	}
	return state
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
