package config

import (
	"fmt"
	"net/netip"
	"os"

	env "github.com/Netflix/go-env"
)

const (
	defaultBindAddress = "0.0.0.0"
	defaultHAPPort     = 8080
	defaultWebPort     = 8081
	defaultMQTTPort    = 1883
)

// Config holds all environment-driven configuration for the relay server.
type Config struct {
	// HomeKit listener configuration
	HAPPin         string `env:"HPA_POWER_HAP_PIN,default=00102003"`
	HAPStoragePath string `env:"HPA_POWER_HAP_STORAGE_PATH,default=./data/hap"`
	HAPAddr        string `env:"HPA_POWER_HAP_ADDR"`
	HAPBindAddress string `env:"HPA_POWER_HAP_BIND_ADDRESS,default=0.0.0.0"`
	HAPPort        int    `env:"HPA_POWER_HAP_PORT,default=8080"`

	// Web listener configuration
	WebAddr        string `env:"HPA_POWER_WEB_ADDR"`
	WebBindAddress string `env:"HPA_POWER_WEB_BIND_ADDRESS,default=0.0.0.0"`
	WebPort        int    `env:"HPA_POWER_WEB_PORT,default=8081"`

	// Embedded MQTT listener configuration
	MQTTAddr        string `env:"HPA_POWER_MQTT_ADDR"`
	MQTTBindAddress string `env:"HPA_POWER_MQTT_BIND_ADDRESS,default=0.0.0.0"`
	MQTTPort        int    `env:"HPA_POWER_MQTT_PORT,default=1883"`

	// Tailscale configuration
	TailscaleHostname string `env:"HPA_POWER_TS_HOSTNAME,default=hpa-power"`
	TailscaleAuthKey  string `env:"HPA_POWER_TS_AUTHKEY"`

	// Logging options
	LogLevel  string `env:"HPA_POWER_LOG_LEVEL,default=info"`
	LogFormat string `env:"HPA_POWER_LOG_FORMAT,default=json"`

	// Relay backend description
	RelayConfigPath string `env:"HPA_POWER_RELAY_CONFIG,default=./relay.hujson"`

	hapAddr  netip.AddrPort
	webAddr  netip.AddrPort
	mqttAddr netip.AddrPort
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if len(c.HAPPin) != 8 {
		return fmt.Errorf("HAP PIN must be exactly 8 digits")
	}
	if err := c.parseListenerAddrs(); err != nil {
		return err
	}
	if c.RelayConfigPath == "" {
		return fmt.Errorf("RelayConfigPath cannot be empty")
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

func (c *Config) parseListenerAddrs() error {
	hap, err := listenerAddr("HAP", c.HAPAddr, &c.HAPBindAddress, &c.HAPPort, defaultHAPPort, "HPA_POWER_HAP_PORT")
	if err != nil {
		return err
	}
	web, err := listenerAddr("web", c.WebAddr, &c.WebBindAddress, &c.WebPort, defaultWebPort, "HPA_POWER_WEB_PORT")
	if err != nil {
		return err
	}
	mqtt, err := listenerAddr("MQTT", c.MQTTAddr, &c.MQTTBindAddress, &c.MQTTPort, defaultMQTTPort, "HPA_POWER_MQTT_PORT")
	if err != nil {
		return err
	}

	c.hapAddr = hap
	c.webAddr = web
	c.mqttAddr = mqtt
	return nil
}

func listenerAddr(name, addr string, bind *string, port *int, defaultPort int, portEnv string) (netip.AddrPort, error) {
	if *bind == "" {
		*bind = defaultBindAddress
	}
	if *port == 0 && !envVarSet(portEnv) {
		*port = defaultPort
	}
	if err := validatePortRange(name, *port); err != nil {
		return netip.AddrPort{}, err
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", *bind, *port)
	}
	parsed, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid %s addr %q: %w", name, addr, err)
	}
	return parsed, nil
}

// HAPAddrPort returns the parsed HAP listener address.
func (c *Config) HAPAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.hapAddr
}

// WebAddrPort returns the parsed web listener address.
func (c *Config) WebAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.webAddr
}

// MQTTAddrPort returns the parsed MQTT listener address.
func (c *Config) MQTTAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.mqttAddr
}

func (c *Config) ensureParsed() {
	if !c.hapAddr.IsValid() || !c.webAddr.IsValid() || !c.mqttAddr.IsValid() {
		if err := c.parseListenerAddrs(); err != nil {
			panic(fmt.Sprintf("failed to parse listener addresses: %v", err))
		}
	}
}

// SetListenerAddrsForTesting overrides listener addresses in tests.
func (c *Config) SetListenerAddrsForTesting(hap, web, mqtt string) {
	c.hapAddr = netip.MustParseAddrPort(hap)
	c.webAddr = netip.MustParseAddrPort(web)
	c.mqttAddr = netip.MustParseAddrPort(mqtt)
}

func validatePortRange(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}

func envVarSet(key string) bool {
	if key == "" {
		return false
	}
	_, ok := os.LookupEnv(key)
	return ok
}
