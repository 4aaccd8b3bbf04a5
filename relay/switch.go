package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kradalby/tasmota-go"
	"github.com/warthog618/go-gpiocdev"
)

// Switch drives the physical mains relay.
type Switch interface {
	Set(ctx context.Context, on bool) error
	Close() error
}

// NewSwitch builds the backend named in cfg.
func NewSwitch(cfg Config) (Switch, error) {
	switch cfg.Backend {
	case BackendMemory:
		return &MemorySwitch{}, nil
	case BackendGPIO:
		g, err := OpenGPIO(cfg.Chip, cfg.Pin, cfg.ActiveLow)
		if err != nil {
			return nil, err
		}
		return g, nil
	case BackendTasmota:
		tc, err := tasmota.NewClient(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to create tasmota client for %s: %w", cfg.Address, err)
		}
		return &TasmotaSwitch{client: &tasmotaClient{Client: tc}}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// MemorySwitch keeps the state in memory. Useful without hardware.
type MemorySwitch struct {
	mu  sync.Mutex
	on  bool
	err error
}

// Set records the requested state, or returns the configured failure.
func (m *MemorySwitch) Set(_ context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.on = on
	return nil
}

// On reports the last state set.
func (m *MemorySwitch) On() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// FailWith makes subsequent Set calls return err. Pass nil to recover.
func (m *MemorySwitch) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemorySwitch) Close() error { return nil }

// gpioLine is the subset of *gpiocdev.Line the relay uses.
type gpioLine interface {
	SetValue(value int) error
	Close() error
}

// requestLine claims an output line on a GPIO character device.
var requestLine = func(chip string, offset int, initial int) (gpioLine, error) {
	return gpiocdev.RequestLine(chip, offset,
		gpiocdev.WithConsumer("hpa-power"),
		gpiocdev.AsOutput(initial),
	)
}

// GPIOSwitch drives a pin through the Linux GPIO character device.
type GPIOSwitch struct {
	line      gpioLine
	activeLow bool
}

// OpenGPIO requests pin on chip (e.g. "gpiochip0") as an output, initially off.
func OpenGPIO(chip string, pin int, activeLow bool) (*GPIOSwitch, error) {
	g := &GPIOSwitch{activeLow: activeLow}

	line, err := requestLine(chip, pin, g.level(false))
	if err != nil {
		return nil, fmt.Errorf("failed to request GPIO %s:%d: %w", chip, pin, err)
	}
	g.line = line

	return g, nil
}

func (g *GPIOSwitch) level(on bool) int {
	if on != g.activeLow {
		return 1
	}
	return 0
}

// Set drives the pin level.
func (g *GPIOSwitch) Set(_ context.Context, on bool) error {
	if err := g.line.SetValue(g.level(on)); err != nil {
		return fmt.Errorf("failed to set GPIO value: %w", err)
	}
	return nil
}

// Close releases the line.
func (g *GPIOSwitch) Close() error {
	return g.line.Close()
}

type client interface {
	ExecuteCommand(context.Context, string) ([]byte, error)
}

type tasmotaClient struct {
	*tasmota.Client
}

func (c *tasmotaClient) ExecuteCommand(ctx context.Context, cmd string) ([]byte, error) {
	return c.Client.ExecuteCommand(ctx, cmd)
}

// TasmotaSwitch uses a Tasmota plug as the mains relay.
type TasmotaSwitch struct {
	client client
}

// Set sends "Power ON"/"Power OFF" and checks the plug's reply.
func (t *TasmotaSwitch) Set(ctx context.Context, on bool) error {
	command := "Power OFF"
	want := "OFF"
	if on {
		command = "Power ON"
		want = "ON"
	}

	response, err := t.client.ExecuteCommand(ctx, command)
	if err != nil {
		return fmt.Errorf("failed to set power: %w", err)
	}

	var result struct {
		Power string `json:"POWER"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return fmt.Errorf("failed to parse power response: %w", err)
	}
	if result.Power != want {
		return fmt.Errorf("plug reported %q after %q", result.Power, command)
	}

	return nil
}

func (t *TasmotaSwitch) Close() error { return nil }
