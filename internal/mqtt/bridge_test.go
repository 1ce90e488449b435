//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"
)

func TestDiscoveryTopDownBlind(t *testing.T) {
	dev := &store.Device{
		ID:       "bofu-4131",
		Protocol: "bofu",
		Name:     "Kitchen Blind",
		Model:    "bofu-topdown",
		Rails:    3,
		TopDown:  true,
	}

	msgs := buildDiscovery(dev, "rfblinds", "homeassistant")
	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/cover/rfblinds_bofu-4131/rail1/config",
		"homeassistant/cover/rfblinds_bofu-4131/rail2/config",
		"homeassistant/cover/rfblinds_bofu-4131/rail3/config",
		"homeassistant/button/rfblinds_bofu-4131/tilt_up/config",
		"homeassistant/button/rfblinds_bofu-4131/tilt_down/config",
		"homeassistant/button/rfblinds_bofu-4131/my/config",
	} {
		if !topics[want] {
			t.Errorf("missing %s", want)
		}
	}

	var payload haDiscovery
	for _, m := range msgs {
		if m.Topic == "homeassistant/cover/rfblinds_bofu-4131/rail2/config" {
			if err := json.Unmarshal(m.Payload, &payload); err != nil {
				t.Fatal(err)
			}
		}
	}
	if payload.Name != "Kitchen Blind rail 2" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.CommandTopic != "rfblinds/kitchen_blind/rail2/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.StateTopic != "rfblinds/kitchen_blind" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.ValueTemplate != "{{ value_json.state_rail2 }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
	if payload.StateOpen != "up" || payload.StateClosed != "down" || payload.StateStopped != "idle" {
		t.Errorf("states = %q/%q/%q", payload.StateOpen, payload.StateClosed, payload.StateStopped)
	}
	if payload.AvailabilityTopic != "rfblinds/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Manufacturer != "Bofu" {
		t.Errorf("device.manufacturer = %q", payload.Device.Manufacturer)
	}
}

func TestDiscoverySingleRail(t *testing.T) {
	dev := &store.Device{ID: "brel-00abcd:01", Protocol: "brel", Model: "mle-25", Rails: 1}

	msgs := buildDiscovery(dev, "rfblinds", "homeassistant")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if msgs[0].Topic != "homeassistant/cover/rfblinds_brel-00abcd_01/rail1/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if payload.Name != "mle-25 brel-00abcd:01" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.CommandTopic != "rfblinds/brel-00abcd_01/rail1/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("bofu-4131", "homeassistant")
	if len(msgs) == 0 {
		t.Fatal("expected removal messages")
	}
	all := extractTopics(buildDiscovery(&store.Device{ID: "bofu-4131", Rails: 3}, "rfblinds", "homeassistant"))
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
		delete(all, m.Topic)
	}
	if len(all) != 0 {
		t.Errorf("not removed: %v", all)
	}
}

func TestBuildState(t *testing.T) {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dev := &store.Device{
		ID:    "bofu-17",
		Rails: 2,
		Capabilities: map[string]any{
			transform.CapState:      "up",
			transform.CapStateRail2: "idle",
			transform.CapStateRail3: "down", // beyond the device's rails
		},
		LastSeen: seen,
	}
	state := buildState(dev)
	if state["state"] != "up" || state["state_rail2"] != "idle" {
		t.Errorf("state = %v", state)
	}
	if _, ok := state["state_rail3"]; ok {
		t.Error("rail 3 reported on a two rail device")
	}
	if state["last_seen"] != "2026-03-01T12:00:00Z" {
		t.Errorf("last_seen = %v", state["last_seen"])
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{"name", &store.Device{ID: "bofu-17", Name: "Kitchen", Model: "bofu"}, "Kitchen"},
		{"model and id", &store.Device{ID: "bofu-17", Model: "bofu"}, "bofu bofu-17"},
		{"id fallback", &store.Device{ID: "somfy-abcdef"}, "somfy-abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceDisplayName(tt.dev); got != tt.want {
				t.Errorf("deviceDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{"name with spaces", &store.Device{Name: "Living Room/Left", ID: "bofu-17"}, "living_room_left"},
		{"id fallback", &store.Device{ID: "brel-00abcd:01"}, "brel-00abcd_01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceTopicName(tt.dev); got != tt.want {
				t.Errorf("deviceTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandSuffix(t *testing.T) {
	base := "rfblinds/kitchen"
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"rfblinds/kitchen/set", "", true},
		{"rfblinds/kitchen/rail2/set", "rail2", true},
		{"rfblinds/kitchen/my/set", "my", true},
		{"rfblinds/kitchen", "", false},
		{"rfblinds/kitchenette/set", "", false},
		{"rfblinds/kitchen/a/b/set", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := commandSuffix(base, tt.topic)
			if got != tt.want || ok != tt.ok {
				t.Errorf("commandSuffix(%q) = %q, %v", tt.topic, got, ok)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		sub     string
		payload string
		want    command
	}{
		{"cover open", "rail1", "OPEN", command{kind: kindState, rail: 1, state: transform.StateUp}},
		{"cover close rail 3", "rail3", "close", command{kind: kindState, rail: 3, state: transform.StateDown}},
		{"cover stop", "rail2", "STOP", command{kind: kindState, rail: 2, state: transform.StateIdle}},
		{"raw state", "rail1", "down", command{kind: kindState, rail: 1, state: transform.StateDown}},
		{"tilt press", "tilt_up", "PRESS", command{kind: kindTilt, up: true, steps: 1}},
		{"tilt steps", "tilt_down", "5", command{kind: kindTilt, steps: 5}},
		{"my", "my", "PRESS", command{kind: kindMy}},
		{"json state", "", `{"state":"up","rail":2}`, command{kind: kindState, rail: 2, state: transform.StateUp}},
		{"json tilt", "", `{"tilt":"down","steps":20}`, command{kind: kindTilt, steps: 20}},
		{"json my", "", `{"my":true}`, command{kind: kindMy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.sub, []byte(tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		name    string
		sub     string
		payload string
	}{
		{"bad cover payload", "rail1", "HALFWAY"},
		{"bad tilt steps", "tilt_up", "-2"},
		{"unknown topic", "dim", "1"},
		{"bad json", "", `{`},
		{"empty json", "", `{}`},
		{"json rail out of range", "", `{"state":"up","rail":4}`},
		{"json bad tilt", "", `{"tilt":"left"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseCommand(tt.sub, []byte(tt.payload)); !errors.Is(err, ErrCommand) {
				t.Errorf("got %v, want ErrCommand", err)
			}
		})
	}
}

func TestCommandTimeoutCoversTiltSteps(t *testing.T) {
	tests := []struct {
		name string
		cmd  command
		want time.Duration
	}{
		{"state", command{kind: kindState, rail: 1, state: transform.StateUp}, 30 * time.Second},
		{"my", command{kind: kindMy}, 30 * time.Second},
		{"one step", command{kind: kindTilt, steps: 1}, 30*time.Second + 100*time.Millisecond},
		{"long tilt", command{kind: kindTilt, steps: 600}, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.timeout(); got != tt.want {
				t.Errorf("timeout = %v, want %v", got, tt.want)
			}
		})
	}

	// The motor time of a long tilt alone must fit in its timeout.
	cmd, err := parseCommand("tilt_down", []byte("400"))
	if err != nil {
		t.Fatal(err)
	}
	if motor := transform.TiltDuration(cmd.steps); cmd.timeout() <= motor {
		t.Errorf("timeout %v does not cover %v of tilting", cmd.timeout(), motor)
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("unmarshalable = %q", got)
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
