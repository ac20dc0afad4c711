package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultProbeURL is the device-list subscription method of the media indexer.
	DefaultProbeURL = "luna://com.webos.service.mediaindexer/getDeviceList"

	ConsoleModeAuto  = "auto"
	ConsoleModePlain = "plain"
	ConsoleModeTUI   = "tui"
)

// MqttConfig holds the bus connection settings
type MqttConfig struct {
	Broker    string `yaml:"Broker"`
	ClientID  string `yaml:"ClientID"`
	Username  string `yaml:"Username"`
	Password  string `yaml:"Password"`
	QoS       int    `yaml:"QoS"`
	KeepAlive int    `yaml:"KeepAlive"` // seconds
}

// BridgeConfig holds how the probe registers itself on the bus
type BridgeConfig struct {
	Identifier         string `yaml:"Identifier"`
	ApplicationService bool   `yaml:"ApplicationService"`
	CallTimeout        string `yaml:"CallTimeout"` // e.g. "5s"
}

// GetCallTimeout returns CallTimeout as a time.Duration
func (b *BridgeConfig) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(b.CallTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// ProbeConfig selects the endpoint the probe calls on page load
type ProbeConfig struct {
	URL       string `yaml:"URL"`
	Subscribe *bool  `yaml:"Subscribe"`
}

// IsSubscribe reports whether the probe asks for a subscription. Unset means true.
func (p *ProbeConfig) IsSubscribe() bool {
	return p.Subscribe == nil || *p.Subscribe
}

// ConsoleConfig selects the output element
type ConsoleConfig struct {
	Mode  string `yaml:"Mode"` // auto, plain or tui
	Title string `yaml:"Title"`
}

// DeviceConfig seeds one device of the emulated media indexer
type DeviceConfig struct {
	URI         string `yaml:"URI"`
	Name        string `yaml:"Name"`
	Description string `yaml:"Description"`
	Available   bool   `yaml:"Available"`
	AudioCount  int    `yaml:"AudioCount"`
	VideoCount  int    `yaml:"VideoCount"`
	ImageCount  int    `yaml:"ImageCount"`
}

// HostConfig enables the in-process service host that answers the probe
// when no platform service is on the bus.
type HostConfig struct {
	Enabled bool           `yaml:"Enabled"`
	Workers int            `yaml:"Workers"`
	Timeout string         `yaml:"Timeout"` // per-request, e.g. "10s"
	Devices []DeviceConfig `yaml:"Devices"`
}

// GetTimeout returns Timeout as a time.Duration
func (h *HostConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(h.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// WritableConfig holds settings that may change at runtime
type WritableConfig struct {
	LogLevel string `yaml:"LogLevel"`
	LogFile  string `yaml:"LogFile"`
}

// AppConfig is the root configuration
type AppConfig struct {
	Writable WritableConfig `yaml:"Writable"`
	Mqtt     MqttConfig     `yaml:"Mqtt"`
	Bridge   BridgeConfig   `yaml:"Bridge"`
	Probe    ProbeConfig    `yaml:"Probe"`
	Console  ConsoleConfig  `yaml:"Console"`
	Host     HostConfig     `yaml:"Host"`
}

// Validate checks required fields and fills in defaults
func (c *AppConfig) Validate() error {
	if c.Mqtt.Broker == "" {
		return errors.New("MQTT Broker cannot be empty")
	}
	if c.Mqtt.ClientID == "" {
		return errors.New("MQTT ClientID cannot be empty")
	}
	if c.Mqtt.QoS < 0 || c.Mqtt.QoS > 2 {
		return errors.New("MQTT QoS must be 0, 1, or 2")
	}
	if c.Mqtt.KeepAlive <= 0 {
		c.Mqtt.KeepAlive = 60
	}

	if c.Probe.URL == "" {
		c.Probe.URL = DefaultProbeURL
	}
	if !strings.HasPrefix(c.Probe.URL, "luna://") {
		return fmt.Errorf("Probe URL %q must use the luna:// scheme", c.Probe.URL)
	}

	if c.Bridge.CallTimeout == "" {
		c.Bridge.CallTimeout = "5s"
	}

	switch strings.ToLower(c.Console.Mode) {
	case "":
		c.Console.Mode = ConsoleModeAuto
	case ConsoleModeAuto, ConsoleModePlain, ConsoleModeTUI:
		c.Console.Mode = strings.ToLower(c.Console.Mode)
	default:
		return fmt.Errorf("Console Mode must be auto, plain or tui, got %q", c.Console.Mode)
	}
	if c.Console.Title == "" {
		c.Console.Title = "webos-service-bridge"
	}

	if c.Host.Workers <= 0 {
		c.Host.Workers = 2
	}
	if c.Host.Timeout == "" {
		c.Host.Timeout = "10s"
	}
	seen := make(map[string]struct{}, len(c.Host.Devices))
	for i, d := range c.Host.Devices {
		if d.URI == "" {
			return fmt.Errorf("Host device %d: URI cannot be empty", i)
		}
		if _, dup := seen[d.URI]; dup {
			return fmt.Errorf("Host device %d: duplicate URI %q", i, d.URI)
		}
		seen[d.URI] = struct{}{}
	}

	if c.Writable.LogLevel == "" {
		c.Writable.LogLevel = "INFO"
	}

	return nil
}

// LoadConfig loads and validates configuration from a YAML file
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns the configuration used when no file is found
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Writable: WritableConfig{
			LogLevel: "INFO",
		},
		Mqtt: MqttConfig{
			Broker:    "tcp://localhost:1883",
			ClientID:  "luna-probe-001",
			QoS:       1,
			KeepAlive: 60,
		},
		Bridge: BridgeConfig{
			Identifier:  "com.webos.app.servicebridge-test",
			CallTimeout: "5s",
		},
		Probe: ProbeConfig{
			URL: DefaultProbeURL,
		},
		Console: ConsoleConfig{
			Mode:  ConsoleModeAuto,
			Title: "webos-service-bridge",
		},
		Host: HostConfig{
			Enabled: false,
			Workers: 2,
			Timeout: "10s",
		},
	}
}
