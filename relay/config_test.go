package relay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAcceptsHuJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.hujson")
	payload := `{
		// Relay board on the HPA rack
		"name": "HPA",
		"backend": "gpio",
		"pin": 4,
	}`
	if err := os.WriteFile(path, []byte(payload), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Pin != 4 || cfg.Backend != BackendGPIO {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Chip != "gpiochip0" {
		t.Fatalf("Chip = %q, want default", cfg.Chip)
	}
	if !cfg.HomeKitEnabled() || !cfg.MQTTEnabled() {
		t.Fatal("HomeKit and MQTT should default to enabled")
	}
}

func TestParseConfigDefaultsName(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"backend":"memory","homekit":false}`))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Name != "HPA Mains" {
		t.Fatalf("Name = %q, want default", cfg.Name)
	}
	if cfg.HomeKitEnabled() {
		t.Fatal("HomeKit should be disabled")
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no backend":      `{"name":"A"}`,
		"unknown backend": `{"backend":"zigbee"}`,
		"tasmota address": `{"backend":"tasmota"}`,
		"negative pin":    `{"backend":"gpio","pin":-1}`,
		"not json":        `backend = gpio`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(payload)); err == nil {
				t.Fatalf("expected error for %s", payload)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.hujson")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
