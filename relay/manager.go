package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kradalby/hpa-power/events"
	"github.com/kradalby/hpa-power/power"
	"tailscale.com/util/eventbus"
)

// State is the runtime state of the relay.
type State struct {
	On          bool
	LastUpdated time.Time
}

// CommandEvent requests a relay state from HomeKit, MQTT or the web UI.
type CommandEvent struct {
	Source string
	On     bool
}

// Manager owns the relay state and is the only writer of the switch.
type Manager struct {
	cfg    Config
	sw     Switch
	logger *slog.Logger

	// opMu serialises switch writes; mu guards state.
	opMu  sync.Mutex
	mu    sync.RWMutex
	state State

	commands    chan CommandEvent
	eventBus    *events.Bus
	eventClient *eventbus.Client
}

// NewManager creates a manager for the given switch.
func NewManager(
	cfg Config,
	sw Switch,
	commands chan CommandEvent,
	bus *events.Bus,
	logger *slog.Logger,
) (*Manager, error) {
	if sw == nil {
		return nil, fmt.Errorf("switch is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var client *eventbus.Client
	if bus != nil {
		c, err := bus.Client(events.ClientRelay)
		if err != nil {
			return nil, fmt.Errorf("failed to get relay eventbus client: %w", err)
		}
		client = c
	}

	return &Manager{
		cfg:         cfg,
		sw:          sw,
		logger:      logger,
		state:       State{LastUpdated: time.Now()},
		commands:    commands,
		eventBus:    bus,
		eventClient: client,
	}, nil
}

// Config returns the relay configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Init forces the relay off. Called once at startup.
func (m *Manager) Init(ctx context.Context) error {
	if _, err := m.SetPower(ctx, false, "initial"); err != nil {
		return fmt.Errorf("failed to switch relay off at startup: %w", err)
	}
	return nil
}

// Shutdown forces the relay off and releases the switch.
func (m *Manager) Shutdown(ctx context.Context) error {
	_, setErr := m.SetPower(ctx, false, "shutdown")
	closeErr := m.sw.Close()
	return errors.Join(setErr, closeErr)
}

// Apply handles a "state" form token. "on" and "off" drive the relay; any
// other token is ignored and the current state is returned.
func (m *Manager) Apply(ctx context.Context, token, source string) (power.State, error) {
	want, err := power.ParseToken(token)
	if err != nil {
		m.logger.Warn("Ignoring power request", "source", source, "token", token)
		m.publishCommand(source, events.CommandTypeIgnored, nil)
		return power.State(m.State().On), nil
	}

	return m.SetPower(ctx, bool(want), source)
}

// SetPower drives the relay and returns the resulting state. On failure the
// recorded state is unchanged and returned alongside the error.
func (m *Manager) SetPower(ctx context.Context, on bool, source string) (power.State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.publishCommand(source, events.CommandTypeSetPower, &on)

	if err := m.sw.Set(ctx, on); err != nil {
		m.logger.Error("Failed to switch relay",
			"source", source,
			"on", on,
			"error", err,
		)
		if m.eventBus != nil {
			m.eventBus.PublishError(m.eventClient, events.ErrorEvent{
				Timestamp: time.Now(),
				Source:    source,
				Error:     err.Error(),
			})
		}
		return power.State(m.State().On), fmt.Errorf("failed to set relay: %w", err)
	}

	m.mu.Lock()
	m.state.On = on
	m.state.LastUpdated = time.Now()
	stateCopy := m.state
	m.mu.Unlock()

	m.logger.Info("Relay switched", "source", source, "on", on)
	m.publishStateUpdate(source, stateCopy)

	return power.State(on), nil
}

// ProcessCommands handles command events until ctx is done.
func (m *Manager) ProcessCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-m.commands:
			if _, err := m.SetPower(ctx, cmd.On, cmd.Source); err != nil {
				m.logger.Error("Failed to process command",
					"source", cmd.Source,
					"error", err,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) publishStateUpdate(source string, state State) {
	if m.eventBus == nil || m.eventClient == nil {
		return
	}

	m.eventBus.PublishStateUpdate(m.eventClient, events.StateUpdateEvent{
		Timestamp:   time.Now(),
		Source:      source,
		Name:        m.cfg.Name,
		Backend:     m.cfg.Backend,
		On:          state.On,
		LastUpdated: state.LastUpdated,
	})
}

func (m *Manager) publishCommand(source string, kind events.CommandType, on *bool) {
	if m.eventBus == nil || m.eventClient == nil {
		return
	}

	m.eventBus.PublishCommand(m.eventClient, events.CommandEvent{
		Timestamp:   time.Now(),
		Source:      source,
		CommandType: kind,
		On:          on,
	})
}
