package events

import (
	"fmt"
	"log/slog"
	"sync"

	"tailscale.com/util/eventbus"
)

// Well-known eventbus client names.
const (
	ClientRelay   = "relay"
	ClientWeb     = "web"
	ClientHAP     = "hap"
	ClientMQTT    = "mqtt"
	ClientMetrics = "metrics"
)

// Bus wraps a tailscale eventbus and hands out one client per component.
type Bus struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	mu         sync.Mutex
	closed     bool
	clients    map[string]*eventbus.Client
	statePubs  map[*eventbus.Client]*eventbus.Publisher[StateUpdateEvent]
	cmdPubs    map[*eventbus.Client]*eventbus.Publisher[CommandEvent]
	errPubs    map[*eventbus.Client]*eventbus.Publisher[ErrorEvent]
	statusPubs map[*eventbus.Client]*eventbus.Publisher[ConnectionStatusEvent]
}

// New creates a bus.
func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Bus{
		logger:     logger,
		bus:        eventbus.New(),
		clients:    make(map[string]*eventbus.Client),
		statePubs:  make(map[*eventbus.Client]*eventbus.Publisher[StateUpdateEvent]),
		cmdPubs:    make(map[*eventbus.Client]*eventbus.Publisher[CommandEvent]),
		errPubs:    make(map[*eventbus.Client]*eventbus.Publisher[ErrorEvent]),
		statusPubs: make(map[*eventbus.Client]*eventbus.Publisher[ConnectionStatusEvent]),
	}, nil
}

// Client returns the named client, creating it on first use.
func (b *Bus) Client(name string) (*eventbus.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	if name == "" {
		return nil, fmt.Errorf("client name is required")
	}

	if c, ok := b.clients[name]; ok {
		return c, nil
	}

	c := b.bus.Client(name)
	b.clients[name] = c
	return c, nil
}

// PublishStateUpdate publishes a relay state update from the given client.
func (b *Bus) PublishStateUpdate(c *eventbus.Client, evt StateUpdateEvent) {
	b.mu.Lock()
	pub := publisherFor(b.closed, c, b.statePubs)
	b.mu.Unlock()

	if pub == nil {
		return
	}
	b.logger.Debug("publishing state update", "source", evt.Source, "on", evt.On)
	pub.Publish(evt)
}

// PublishCommand publishes a command event from the given client.
func (b *Bus) PublishCommand(c *eventbus.Client, evt CommandEvent) {
	b.mu.Lock()
	pub := publisherFor(b.closed, c, b.cmdPubs)
	b.mu.Unlock()

	if pub == nil {
		return
	}
	pub.Publish(evt)
}

// PublishError publishes a relay error event from the given client.
func (b *Bus) PublishError(c *eventbus.Client, evt ErrorEvent) {
	b.mu.Lock()
	pub := publisherFor(b.closed, c, b.errPubs)
	b.mu.Unlock()

	if pub == nil {
		return
	}
	pub.Publish(evt)
}

// PublishConnectionStatus publishes a component lifecycle event from the given client.
func (b *Bus) PublishConnectionStatus(c *eventbus.Client, evt ConnectionStatusEvent) {
	b.mu.Lock()
	pub := publisherFor(b.closed, c, b.statusPubs)
	b.mu.Unlock()

	if pub == nil {
		return
	}
	b.logger.Debug("publishing connection status", "component", evt.Component, "status", evt.Status)
	pub.Publish(evt)
}

// Close shuts down the underlying bus. Safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.bus.Close()
	return nil
}

// publisherFor must be called with b.mu held.
func publisherFor[T any](closed bool, c *eventbus.Client, pubs map[*eventbus.Client]*eventbus.Publisher[T]) *eventbus.Publisher[T] {
	if closed || c == nil {
		return nil
	}
	if pub, ok := pubs[c]; ok {
		return pub
	}
	pub := eventbus.Publish[T](c)
	pubs[c] = pub
	return pub
}
