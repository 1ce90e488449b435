package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rfblinds-go-home/internal/codec"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "radio:\n  port: /dev/ttyACM0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"radio.type", cfg.Radio.Type, "serial"},
		{"radio.baud_rate", cfg.Radio.BaudRate, 115200},
		{"codecs.brel_command_width", cfg.Codecs.BrelCommandWidth, codec.DefaultBrelCommandWidth},
		{"web.listen", cfg.listenAddr(), "127.0.0.1:8080"},
		{"web.mdns_name", cfg.Web.MDNSName, "rfblinds"},
		{"mqtt.topic_prefix", cfg.MQTT.TopicPrefix, "rfblinds"},
		{"mqtt.discovery_prefix", cfg.MQTT.DiscoveryPrefix, "homeassistant"},
		{"automations.dir", cfg.Automations.Dir, "automations"},
		{"logging.level", cfg.Logging.Level, "info"},
		{"profiles_dir", cfg.ProfilesDir, "profiles"},
		{"store_path", cfg.StorePath, "rfblinds.db"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
radio:
  type: mock
codecs:
  brel_command_width: 8
web:
  host: 0.0.0.0
  port: 9090
  mdns: true
mqtt:
  enabled: true
  broker: tcp://broker:1883
automations:
  timezone: Europe/Amsterdam
logging:
  format: json
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.listenAddr() != "0.0.0.0:9090" || !cfg.Web.MDNS {
		t.Errorf("web = %+v", cfg.Web)
	}
	brel, err := cfg.codecs().Get(codec.ProtocolBrel)
	if err != nil {
		t.Fatal(err)
	}
	if w := brel.(codec.Brel).CommandWidth(); w != 8 {
		t.Errorf("brel width = %d, want 8", w)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "radio: [")); err == nil {
		t.Error("expected error for bad yaml")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"serial without port", "radio:\n  type: serial\n", "radio.port"},
		{"unknown radio", "radio:\n  type: sdr\n", "radio.type"},
		{"brel width", "radio:\n  type: mock\ncodecs:\n  brel_command_width: 9\n", "brel_command_width"},
		{"web port", "radio:\n  type: mock\nweb:\n  port: 70000\n", "web.port"},
		{"mqtt broker", "radio:\n  type: mock\nmqtt:\n  enabled: true\n", "mqtt.broker"},
		{"timezone", "radio:\n  type: mock\nautomations:\n  timezone: Mars/Olympus\n", "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		cfg := &Config{}
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = format
		if l := newLogger(cfg); l == nil {
			t.Errorf("newLogger(%s) = nil", format)
		}
	}
}
