package relay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Backend names accepted in the relay configuration file.
const (
	BackendMemory  = "memory"
	BackendGPIO    = "gpio"
	BackendTasmota = "tasmota"
)

const (
	defaultName     = "HPA Mains"
	defaultGPIOChip = "gpiochip0"
)

// Config describes the relay and the backend that drives it.
type Config struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`

	// GPIO backend
	Pin       int    `json:"pin"`
	Chip      string `json:"chip,omitempty"`
	ActiveLow bool   `json:"active_low"`

	// Tasmota backend
	Address string `json:"address"`

	HomeKit *bool `json:"homekit,omitempty"`
	MQTT    *bool `json:"mqtt,omitempty"`
}

// HomeKitEnabled reports whether the relay is exposed over HomeKit.
func (c Config) HomeKitEnabled() bool {
	return c.HomeKit == nil || *c.HomeKit
}

// MQTTEnabled reports whether the relay is mirrored on MQTT.
func (c Config) MQTTEnabled() bool {
	return c.MQTT == nil || *c.MQTT
}

// LoadConfig reads and validates the HuJSON relay configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig validates a HuJSON relay configuration.
func ParseConfig(data []byte) (*Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relay config: %w", err)
	}

	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	switch cfg.Backend {
	case BackendMemory:
	case BackendGPIO:
		if cfg.Pin < 0 {
			return nil, fmt.Errorf("relay %q has invalid GPIO pin %d", cfg.Name, cfg.Pin)
		}
		if cfg.Chip == "" {
			cfg.Chip = defaultGPIOChip
		}
	case BackendTasmota:
		if cfg.Address == "" {
			return nil, fmt.Errorf("relay %q has no address", cfg.Name)
		}
	case "":
		return nil, fmt.Errorf("relay %q has no backend", cfg.Name)
	default:
		return nil, fmt.Errorf("relay %q has unknown backend %q", cfg.Name, cfg.Backend)
	}

	return &cfg, nil
}
