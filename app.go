package hpapower

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brutella/hap"
	homekitqr "github.com/kradalby/homekit-qr"
	appconfig "github.com/kradalby/hpa-power/config"
	"github.com/kradalby/hpa-power/events"
	"github.com/kradalby/hpa-power/logging"
	"github.com/kradalby/hpa-power/metrics"
	"github.com/kradalby/hpa-power/relay"
	"github.com/kradalby/kra/web"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

// Main is the entry point used by cmd/hpa-power.
func Main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("Failed to configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("Starting HPA power service", "version", version)
	logger.Info("Configuration loaded",
		"hap_addr", cfg.HAPAddrPort().String(),
		"web_addr", cfg.WebAddrPort().String(),
		"mqtt_addr", cfg.MQTTAddrPort().String(),
		"relay_config", cfg.RelayConfigPath,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appconfig.Config, logger *slog.Logger) error {
	relayCfg, err := relay.LoadConfig(cfg.RelayConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load relay configuration: %w", err)
	}
	logger.Info("Relay configured",
		"name", relayCfg.Name,
		"backend", relayCfg.Backend,
		"homekit", relayCfg.HomeKitEnabled(),
		"mqtt", relayCfg.MQTTEnabled(),
	)

	sw, err := relay.NewSwitch(*relayCfg)
	if err != nil {
		return fmt.Errorf("failed to open relay: %w", err)
	}
	defer func() {
		if err := sw.Close(); err != nil {
			logger.Warn("Failed to release relay", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("Failed to close event bus", "error", err)
		}
	}()

	collector, err := metrics.NewCollector(ctx, logger, bus, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}
	defer collector.Close()

	commands := make(chan relay.CommandEvent, 10)
	manager, err := relay.NewManager(*relayCfg, sw, commands, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to create relay manager: %w", err)
	}

	if err := manager.Init(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to switch relay off at shutdown", "error", err)
			return
		}
		logger.Info("Relay switched off")
	}()

	go manager.ProcessCommands(ctx)

	if relayCfg.MQTTEnabled() {
		stop, err := startMQTT(ctx, cfg, logger, bus, manager, commands)
		if err != nil {
			return err
		}
		defer stop()
	}

	var hapManager *HAPManager
	qrCode := ""
	if relayCfg.HomeKitEnabled() {
		hapManager, qrCode, err = startHAP(ctx, cfg, logger, bus, *relayCfg, commands)
		if err != nil {
			return err
		}
		defer hapManager.Close()
	}

	enableTailscale := cfg.TailscaleAuthKey != ""
	kraWeb, err := web.NewServer(web.ServerConfig{
		Hostname:        cfg.TailscaleHostname,
		LocalAddr:       cfg.WebAddrPort().String(),
		AuthKey:         cfg.TailscaleAuthKey,
		EnableTailscale: enableTailscale,
	},
		web.WithStdLogger(log.New(os.Stdout, "kraweb: ", log.LstdFlags)),
		web.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to configure web server: %w", err)
	}

	webServer, err := NewWebServer(logger, manager, bus, cfg.HAPPin, qrCode, hapManager)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	webServer.Start(ctx)
	defer webServer.Close()

	registerRoutes(kraWeb, webServer, enableTailscale)

	go func() {
		logger.Info("Starting web server", "addr", cfg.WebAddrPort().String())
		if err := kraWeb.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Web server error", "error", err)
		}
	}()

	webURL := fmt.Sprintf("http://%s", cfg.WebAddrPort().String())
	if enableTailscale {
		webURL = fmt.Sprintf("https://%s (and %s)", cfg.TailscaleHostname, webURL)
	}
	logger.Info("Web UI available", "url", webURL)

	logger.Info("Server running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutting down...")

	return nil
}

// registerRoutes installs the web UI and the metrics endpoint on kra/web.
// With Tailscale on, kra registers /metrics on the tailnet mux itself when it
// starts, so adding it here as well would panic on the duplicate pattern.
func registerRoutes(kraWeb *web.KraWeb, webServer *WebServer, enableTailscale bool) {
	webServer.Register(kraWeb)
	if !enableTailscale {
		kraWeb.Handle("/metrics", promhttp.Handler())
	}
}

func startMQTT(
	ctx context.Context,
	cfg *appconfig.Config,
	logger *slog.Logger,
	bus *events.Bus,
	manager *relay.Manager,
	commands chan<- relay.CommandEvent,
) (func(), error) {
	statusClient, err := bus.Client(events.ClientMQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to get mqtt eventbus client: %w", err)
	}
	publishStatus := func(status events.ConnectionStatus, err error) {
		evt := events.ConnectionStatusEvent{
			Timestamp: time.Now(),
			Component: "mqtt",
			Status:    status,
		}
		if err != nil {
			evt.Error = err.Error()
		}
		bus.PublishConnectionStatus(statusClient, evt)
	}

	mqttServer := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})

	if err := mqttServer.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add MQTT auth hook: %w", err)
	}

	hook := NewMQTTHook(logger, commands, func() bool { return manager.State().On })
	if err := mqttServer.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("failed to add MQTT message hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: cfg.MQTTAddrPort().String(),
	})
	if err := mqttServer.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add MQTT listener: %w", err)
	}

	publishStatus(events.ConnectionStatusConnecting, nil)
	go func() {
		logger.Info("Starting MQTT broker", "addr", cfg.MQTTAddrPort().String())
		if err := mqttServer.Serve(); err != nil {
			logger.Error("MQTT server error", "error", err)
			publishStatus(events.ConnectionStatusFailed, err)
			return
		}
		publishStatus(events.ConnectionStatusConnected, nil)
	}()

	if localIP, err := getLocalIP(); err != nil {
		logger.Warn("Failed to get local IP", "error", err)
	} else {
		logger.Info("MQTT broker reachable",
			"url", fmt.Sprintf("mqtt://%s:%d", localIP, cfg.MQTTAddrPort().Port()),
			"state_topic", TopicState,
			"command_topic", TopicCommand,
		)
	}

	statePublisher, err := NewMQTTStatePublisher(logger, mqttServer, bus)
	if err != nil {
		_ = mqttServer.Close()
		return nil, err
	}
	statePublisher.Start(ctx, manager.State().On)

	return func() {
		statePublisher.Close()
		logger.Info("Stopping MQTT broker...")
		if err := mqttServer.Close(); err != nil {
			logger.Error("Error stopping MQTT broker", "error", err)
		}
		publishStatus(events.ConnectionStatusDisconnected, nil)
	}, nil
}

func startHAP(
	ctx context.Context,
	cfg *appconfig.Config,
	logger *slog.Logger,
	bus *events.Bus,
	relayCfg relay.Config,
	commands chan<- relay.CommandEvent,
) (*HAPManager, string, error) {
	hapManager, err := NewHAPManager(logger, relayCfg, "HPA Power Bridge", commands, bus)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create HomeKit manager: %w", err)
	}
	hapManager.Start(ctx)

	accessories := hapManager.Accessories()
	store := hap.NewFsStore(cfg.HAPStoragePath)
	hapServer, err := hap.NewServer(store, accessories[0], accessories[1:]...)
	if err != nil {
		hapManager.Close()
		return nil, "", fmt.Errorf("failed to create HAP server: %w", err)
	}

	hapServer.Pin = cfg.HAPPin
	hapServer.Addr = cfg.HAPAddrPort().String()
	hapManager.SetServer(hapServer, store)

	hapManager.PublishStatus(events.ConnectionStatusConnecting, nil)
	go func() {
		logger.Info("Starting HomeKit server", "addr", hapServer.Addr)
		hapManager.PublishStatus(events.ConnectionStatusConnected, nil)
		if err := hapServer.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			logger.Error("HAP server error", "error", err)
			hapManager.PublishStatus(events.ConnectionStatusFailed, err)
			return
		}
		hapManager.PublishStatus(events.ConnectionStatusDisconnected, nil)
	}()

	fmt.Printf("HomeKit bridge ready - pair with PIN: %s\n\n", cfg.HAPPin)

	qr, err := homekitqr.GenerateQRTerminal(homekitqr.QRCodeConfig{
		SetupURIConfig: homekitqr.SetupURIConfig{
			PairingCode: cfg.HAPPin,
			SetupID:     "4412",
			Category:    homekitqr.CategoryBridge,
		},
	})
	if err != nil {
		logger.Warn("Failed to generate QR code", "error", err)
		qr = ""
	} else {
		fmt.Println(qr)
	}

	fmt.Println("========================================")
	logger.Info("Scan QR code or enter PIN manually in Home app", "pin", cfg.HAPPin)

	return hapManager, qr, nil
}
