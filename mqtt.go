package hpapower

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/kradalby/hpa-power/events"
	"github.com/kradalby/hpa-power/power"
	"github.com/kradalby/hpa-power/relay"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"tailscale.com/util/eventbus"
)

// Topics for the relay on the embedded broker.
const (
	TopicState   = "stat/hpa/POWER"
	TopicCommand = "cmnd/hpa/POWER"
)

// getLocalIP returns the address clients should use to reach the broker.
func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no local IP address found")
}

// MQTTHook turns publishes on the command topic into relay commands.
type MQTTHook struct {
	mqtt.HookBase
	logger   *slog.Logger
	commands chan<- relay.CommandEvent
	current  func() bool
}

// NewMQTTHook creates a hook. current reports the relay state for TOGGLE.
func NewMQTTHook(logger *slog.Logger, commands chan<- relay.CommandEvent, current func() bool) *MQTTHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTHook{
		logger:   logger,
		commands: commands,
		current:  current,
	}
}

// ID returns the hook identifier
func (h *MQTTHook) ID() string {
	return "hpa-power-mqtt-hook"
}

// Provides returns the hook methods this hook provides
func (h *MQTTHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

// OnConnect is called when a client connects
func (h *MQTTHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.logger.Info("MQTT client connected", "client_id", cl.ID)
	return nil
}

// OnDisconnect is called when a client disconnects
func (h *MQTTHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.logger.Info("MQTT client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}

// OnPublish handles ON, OFF and TOGGLE on the command topic. Other topics pass through.
func (h *MQTTHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if pk.TopicName != TopicCommand {
		return pk, nil
	}

	payload := strings.ToUpper(strings.TrimSpace(string(pk.Payload)))

	var on bool
	switch payload {
	case "ON":
		on = true
	case "OFF":
		on = false
	case "TOGGLE":
		on = h.current != nil && !h.current()
	default:
		h.logger.Warn("Ignoring MQTT power command", "topic", pk.TopicName, "payload", payload)
		return pk, nil
	}

	select {
	case h.commands <- relay.CommandEvent{Source: "mqtt", On: on}:
		h.logger.Info("MQTT command received", "payload", payload, "on", on)
	default:
		h.logger.Warn("Dropping MQTT command, queue full", "payload", payload)
	}

	return pk, nil
}

type retainedPublisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// MQTTStatePublisher keeps the retained state topic in sync with the relay.
type MQTTStatePublisher struct {
	logger    *slog.Logger
	broker    retainedPublisher
	sub       *eventbus.Subscriber[events.StateUpdateEvent]
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMQTTStatePublisher subscribes to relay updates for broker.
func NewMQTTStatePublisher(logger *slog.Logger, broker retainedPublisher, bus *events.Bus) (*MQTTStatePublisher, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := bus.Client(events.ClientMQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to get mqtt eventbus client: %w", err)
	}

	return &MQTTStatePublisher{
		logger: logger,
		broker: broker,
		sub:    eventbus.Subscribe[events.StateUpdateEvent](client),
	}, nil
}

// PublishState writes the retained state message.
func (p *MQTTStatePublisher) PublishState(on bool) error {
	payload := power.State(on).String()
	if err := p.broker.Publish(TopicState, []byte(payload), true, 0); err != nil {
		return fmt.Errorf("failed to publish %s: %w", TopicState, err)
	}
	p.logger.Debug("Published relay state", "topic", TopicState, "payload", payload)
	return nil
}

// Start publishes the initial state and then every update until ctx is done.
func (p *MQTTStatePublisher) Start(ctx context.Context, initial bool) {
	if err := p.PublishState(initial); err != nil {
		p.logger.Error("Failed to publish initial state", "error", err)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case evt := <-p.sub.Events():
				if err := p.PublishState(evt.On); err != nil {
					p.logger.Error("Failed to publish state", "error", err)
				}
			case <-p.sub.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops publishing.
func (p *MQTTStatePublisher) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.sub.Close()
		p.wg.Wait()
	})
}
