package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rfblinds-go-home/internal/codec"
)

type Config struct {
	Radio struct {
		Type     string `yaml:"type"` // "serial" or "mock"
		Port     string `yaml:"port"`
		BaudRate int    `yaml:"baud_rate"`
	} `yaml:"radio"`
	Codecs struct {
		BrelCommandWidth int `yaml:"brel_command_width"`
	} `yaml:"codecs"`
	Web struct {
		Host           string   `yaml:"host"`
		Port           int      `yaml:"port"`
		MDNS           bool     `yaml:"mdns"`
		MDNSName       string   `yaml:"mdns_name"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Automations struct {
		Dir      string `yaml:"dir"`
		Timezone string `yaml:"timezone"`
	} `yaml:"automations"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	ProfilesDir string `yaml:"profiles_dir"`
	StorePath   string `yaml:"store_path"`
}

func (c *Config) validate() error {
	switch c.Radio.Type {
	case "serial":
		if c.Radio.Port == "" {
			return fmt.Errorf("radio.port is required for a serial radio")
		}
		if c.Radio.BaudRate <= 0 {
			return fmt.Errorf("radio.baud_rate must be positive, got %d", c.Radio.BaudRate)
		}
	case "mock":
	default:
		return fmt.Errorf("unknown radio.type %q (supported: serial, mock)", c.Radio.Type)
	}
	if w := c.Codecs.BrelCommandWidth; w < 1 || w > 8 {
		return fmt.Errorf("codecs.brel_command_width must be 1-8, got %d", w)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Automations.Timezone != "" {
		if _, err := time.LoadLocation(c.Automations.Timezone); err != nil {
			return fmt.Errorf("automations.timezone: %w", err)
		}
	}
	return nil
}

// listenAddr is the web server's host:port.
func (c *Config) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Radio.Type == "" {
		c.Radio.Type = "serial"
	}
	if c.Radio.BaudRate == 0 {
		c.Radio.BaudRate = 115200
	}
	if c.Codecs.BrelCommandWidth == 0 {
		c.Codecs.BrelCommandWidth = codec.DefaultBrelCommandWidth
	}
	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.MDNSName == "" {
		c.Web.MDNSName = "rfblinds"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "rfblinds-go-home"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "rfblinds"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.Automations.Dir == "" {
		c.Automations.Dir = "automations"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.ProfilesDir == "" {
		c.ProfilesDir = "profiles"
	}
	if c.StorePath == "" {
		c.StorePath = "rfblinds.db"
	}
}

// codecs builds the codec registry with the configured command width.
func (c *Config) codecs() *codec.Registry {
	return codec.NewRegistry(codec.NewBrel(c.Codecs.BrelCommandWidth), codec.Bofu{}, codec.Somfy{})
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Logging.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
