package hpapower

import (
	"testing"

	"github.com/kradalby/hpa-power/relay"
	"github.com/kradalby/kra/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func TestLoadBundledRelayConfig(t *testing.T) {
	cfg, err := relay.LoadConfig("./relay.hujson.example")
	if err != nil {
		t.Fatalf("Failed to load relay config: %v", err)
	}

	if cfg.Name == "" {
		t.Error("Relay name should not be empty")
	}
	if cfg.Backend != relay.BackendGPIO {
		t.Errorf("Backend = %q, want %q", cfg.Backend, relay.BackendGPIO)
	}
	if cfg.Pin != 4 {
		t.Errorf("Pin = %d, want 4", cfg.Pin)
	}
}

func TestGetLocalIP(t *testing.T) {
	ip, err := getLocalIP()
	if err != nil {
		t.Skipf("No local IP found (expected in some environments): %v", err)
	}

	if ip == "" {
		t.Error("Local IP should not be empty")
	}

	t.Logf("Found local IP: %s", ip)
}

func newTestKraWeb(t *testing.T, enableTailscale bool) *web.KraWeb {
	t.Helper()

	kraWeb, err := web.NewServer(web.ServerConfig{
		Hostname:        "hpa-power-test",
		LocalAddr:       "127.0.0.1:0",
		AuthKey:         "tskey-test",
		EnableTailscale: enableTailscale,
	}, web.WithLogger(testLogger()))
	require.NoError(t, err)

	return kraWeb
}

func TestRegisterRoutesTailscaleLeavesMetricsToKra(t *testing.T) {
	ws, _, _ := newTestWebServer(t)
	kraWeb := newTestKraWeb(t, true)

	require.NotPanics(t, func() { registerRoutes(kraWeb, ws, true) })

	// kra claims /metrics on the tailnet mux when it starts serving.
	require.NotPanics(t, func() { kraWeb.HandleTSOnly("/metrics", promhttp.Handler()) })
}

func TestRegisterRoutesLocalServesMetrics(t *testing.T) {
	ws, _, _ := newTestWebServer(t)
	kraWeb := newTestKraWeb(t, false)

	registerRoutes(kraWeb, ws, false)

	// Already registered, so a second registration is rejected.
	require.Panics(t, func() { kraWeb.HandleTSOnly("/metrics", promhttp.Handler()) })
	require.Panics(t, func() { kraWeb.Handle("/hpa_power_set", promhttp.Handler()) })
}
