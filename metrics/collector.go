package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kradalby/hpa-power/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger *slog.Logger

	statusSub  *eventbus.Subscriber[events.ConnectionStatusEvent]
	commandSub *eventbus.Subscriber[events.CommandEvent]
	stateSub   *eventbus.Subscriber[events.StateUpdateEvent]
	errorSub   *eventbus.Subscriber[events.ErrorEvent]

	statusGauge    *prometheus.GaugeVec
	commandCounter *prometheus.CounterVec
	relayGauge     prometheus.Gauge
	changedGauge   prometheus.Gauge
	errorCounter   *prometheus.CounterVec

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	collectorCtx, cancel := context.WithCancel(ctx)
	factory := promauto.With(reg)

	c := &Collector{
		logger:     logger,
		statusSub:  eventbus.Subscribe[events.ConnectionStatusEvent](client),
		commandSub: eventbus.Subscribe[events.CommandEvent](client),
		stateSub:   eventbus.Subscribe[events.StateUpdateEvent](client),
		errorSub:   eventbus.Subscribe[events.ErrorEvent](client),
		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpa_power_component_status",
			Help: "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),
		commandCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hpa_power_command_total",
			Help: "Total power commands by source and type",
		}, []string{"source", "command_type"}),
		relayGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hpa_power_relay_on",
			Help: "1 when the mains relay is energised",
		}),
		changedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hpa_power_relay_last_change_timestamp_seconds",
			Help: "Unix time of the last confirmed relay change",
		}),
		errorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hpa_power_relay_errors_total",
			Help: "Relay write failures by source",
		}, []string{"source"}),
		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Add(4)
	go consume(c, c.statusSub, c.observeStatus)
	go consume(c, c.commandSub, c.observeCommand)
	go consume(c, c.stateSub, c.observeState)
	go consume(c, c.errorSub, c.observeError)

	logger.Info("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.statusSub.Close()
		c.commandSub.Close()
		c.stateSub.Close()
		c.errorSub.Close()
		c.workers.Wait()
		c.logger.Info("metrics collector stopped")
	})
}

func consume[T any](c *Collector, sub *eventbus.Subscriber[T], observe func(T)) {
	defer c.workers.Done()
	for {
		select {
		case evt := <-sub.Events():
			observe(evt)
		case <-sub.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range events.AllConnectionStatuses {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.statusGauge.WithLabelValues(evt.Component, string(status)).Set(value)
	}
}

func (c *Collector) observeCommand(evt events.CommandEvent) {
	c.commandCounter.WithLabelValues(orUnknown(evt.Source), orUnknown(string(evt.CommandType))).Inc()
}

func (c *Collector) observeState(evt events.StateUpdateEvent) {
	value := 0.0
	if evt.On {
		value = 1.0
	}
	c.relayGauge.Set(value)
	if !evt.LastUpdated.IsZero() {
		c.changedGauge.Set(float64(evt.LastUpdated.Unix()))
	}
}

func (c *Collector) observeError(evt events.ErrorEvent) {
	c.errorCounter.WithLabelValues(orUnknown(evt.Source)).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
