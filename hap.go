package hpapower

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/kradalby/hpa-power/events"
	"github.com/kradalby/hpa-power/relay"
	"tailscale.com/util/eventbus"
)

// HAPManager exposes the relay as a HomeKit outlet behind a bridge.
type HAPManager struct {
	logger   *slog.Logger
	relay    relay.Config
	bridge   *accessory.Bridge
	outlet   *accessory.Outlet
	commands chan<- relay.CommandEvent

	// Last relay state seen on the bus.
	confirmed atomic.Pointer[events.StateUpdateEvent]

	eventBus        *events.Bus
	eventClient     *eventbus.Client
	stateSubscriber *eventbus.Subscriber[events.StateUpdateEvent]

	server *hap.Server
	store  hap.Store

	incomingCommands atomic.Uint64
	outgoingUpdates  atomic.Uint64
	lastActivity     atomic.Int64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHAPManager creates the bridge and the outlet for the relay.
func NewHAPManager(
	logger *slog.Logger,
	cfg relay.Config,
	bridgeName string,
	commands chan<- relay.CommandEvent,
	bus *events.Bus,
) (*HAPManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	client, err := bus.Client(events.ClientHAP)
	if err != nil {
		return nil, fmt.Errorf("failed to get hap eventbus client: %w", err)
	}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         bridgeName,
		Manufacturer: "hpa-power",
		Model:        "Bridge",
		SerialNumber: "HPA-BRIDGE",
	})

	outlet := accessory.NewOutlet(accessory.Info{
		Name:         cfg.Name,
		Manufacturer: "hpa-power",
		Model:        cfg.Backend,
		SerialNumber: "HPA-MAINS",
	})
	outlet.Outlet.OutletInUse.SetValue(true)

	hm := &HAPManager{
		logger:          logger,
		relay:           cfg,
		bridge:          bridge,
		outlet:          outlet,
		commands:        commands,
		eventBus:        bus,
		eventClient:     client,
		stateSubscriber: eventbus.Subscribe[events.StateUpdateEvent](client),
	}

	outlet.Outlet.On.OnValueRemoteUpdate(func(on bool) {
		hm.incomingCommands.Add(1)
		hm.lastActivity.Store(time.Now().Unix())
		logger.Info("HomeKit command received", "on", on)

		commands <- relay.CommandEvent{
			Source: "homekit",
			On:     on,
		}
	})

	logger.Info("Created HomeKit outlet", "name", cfg.Name)

	return hm, nil
}

// Accessories returns the bridge followed by the outlet.
func (hm *HAPManager) Accessories() []*accessory.A {
	return []*accessory.A{hm.bridge.A, hm.outlet.A}
}

// SetServer records the HAP server and store for debug output.
func (hm *HAPManager) SetServer(server *hap.Server, store hap.Store) {
	hm.server = server
	hm.store = store
}

// OnValue reports what HomeKit currently sees.
func (hm *HAPManager) OnValue() bool {
	return hm.outlet.Outlet.On.Value()
}

// UpdateState pushes a relay state to HomeKit.
func (hm *HAPManager) UpdateState(on bool) {
	if hm.outlet.Outlet.On.Value() == on {
		return
	}

	hm.outlet.Outlet.On.SetValue(on)
	hm.outgoingUpdates.Add(1)
	hm.lastActivity.Store(time.Now().Unix())

	hm.logger.Debug("Updated HomeKit state", "on", on)
}

// ProcessStateChanges mirrors relay updates until ctx is done.
func (hm *HAPManager) ProcessStateChanges(ctx context.Context) {
	for {
		select {
		case event := <-hm.stateSubscriber.Events():
			hm.confirmed.Store(&event)
			hm.UpdateState(event.On)
		case <-hm.stateSubscriber.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Start runs the state processor in the background.
func (hm *HAPManager) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)
	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		hm.ProcessStateChanges(ctx)
	}()
}

// Close stops the background processor and releases the subscriber.
func (hm *HAPManager) Close() {
	hm.closeOnce.Do(func() {
		if hm.cancel != nil {
			hm.cancel()
		}
		hm.stateSubscriber.Close()
		hm.wg.Wait()
	})
}

// PublishStatus reports the HAP server lifecycle on the bus.
func (hm *HAPManager) PublishStatus(status events.ConnectionStatus, err error) {
	evt := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "hap",
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	hm.eventBus.PublishConnectionStatus(hm.eventClient, evt)
}
