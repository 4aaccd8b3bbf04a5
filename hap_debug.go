package hpapower

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/hpa-power/power"
	"github.com/kradalby/hpa-power/relay"
)

// DebugHandler renders the relay as HomeKit sees it.
type DebugHandler struct {
	hm *HAPManager
}

// NewDebugHandler creates the /debug/homekit handler.
func NewDebugHandler(hm *HAPManager) *DebugHandler {
	return &DebugHandler{hm: hm}
}

func (h *DebugHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	info := h.hm.DebugInfo()

	page := elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text("HomeKit: "+info.Relay.Name)),
			elem.Style(nil, elem.Text(`
				body { font-family: system-ui; max-width: 800px; margin: 40px auto; padding: 0 20px; }
				table { border-collapse: collapse; width: 100%; margin-bottom: 24px; }
				th, td { border-bottom: 1px solid #eee; padding: 6px 8px; text-align: left; }
				th { width: 40%; color: #666; font-weight: 500; }
				.badge { display: inline-block; padding: 2px 8px; border-radius: 4px; font-weight: 600; }
				.badge-danger { background: #dc3545; color: white; }
				.badge-secondary { background: #6c757d; color: white; }
				.badge-light { background: #f8f9fa; color: #333; }
				.mismatch { color: #dc3545; font-weight: 600; }
			`)),
		),
		elem.Body(nil,
			elem.H1(nil, elem.Text("HomeKit: "+info.Relay.Name)),
			elem.H2(nil, elem.Text("Relay")),
			h.relayTable(info),
			elem.H2(nil, elem.Text("Bridge")),
			h.bridgeTable(info),
			elem.H2(nil, elem.Text("Traffic")),
			keyValues(
				[2]string{"Commands from HomeKit", strconv.FormatUint(info.Stats.IncomingCommands, 10)},
				[2]string{"Updates to HomeKit", strconv.FormatUint(info.Stats.OutgoingUpdates, 10)},
				[2]string{"Last activity", info.Stats.LastActivity},
			),
		),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, page.Render()); err != nil {
		h.hm.logger.Error("Failed to write HomeKit debug page", "error", err)
	}
}

func (h *DebugHandler) relayTable(info HAPDebugInfo) elem.Node {
	r := info.Relay

	badge := power.UnknownBadge()
	source, changed := "-", "-"
	if r.Confirmed != nil {
		badge = power.BadgeFor(power.State(*r.Confirmed))
		source = r.Source
		changed = r.LastChange.Format(time.RFC3339)
	}

	outlet := elem.Text(power.BadgeFor(power.State(info.Outlet)).Text)
	if r.Confirmed != nil && *r.Confirmed != info.Outlet {
		outlet = elem.Span(attrs.Props{attrs.Class: "mismatch"},
			elem.Text(power.BadgeFor(power.State(info.Outlet)).Text+" (out of sync)"),
		)
	}

	return elem.Table(nil,
		row("Name", elem.Text(r.Name)),
		row("Backend", elem.Text(r.Backend)),
		row("Target", elem.Text(r.Target)),
		row("Confirmed state", elem.Span(attrs.Props{attrs.Class: "badge badge-" + badge.Class}, elem.Text(badge.Text))),
		row("Changed by", elem.Text(source)),
		row("Changed at", elem.Text(changed)),
		row("HomeKit outlet", outlet),
	)
}

func (h *DebugHandler) bridgeTable(info HAPDebugInfo) elem.Node {
	if info.Server == nil {
		return elem.P(nil, elem.Text("HAP server not started"))
	}

	pairings := "none"
	if len(info.Pairings) > 0 {
		pairings = ""
		for i, p := range info.Pairings {
			if i > 0 {
				pairings += ", "
			}
			pairings += fmt.Sprintf("%s (%s)", p.Name, p.Permission)
		}
	}

	return keyValues(
		[2]string{"Address", info.Server.Address},
		[2]string{"PIN", info.Server.PIN},
		[2]string{"Paired", strconv.FormatBool(info.Server.Paired)},
		[2]string{"Pairings", pairings},
	)
}

func row(label string, value elem.Node) elem.Node {
	return elem.Tr(nil, elem.Th(nil, elem.Text(label)), elem.Td(nil, value))
}

func keyValues(pairs ...[2]string) elem.Node {
	rows := make([]elem.Node, 0, len(pairs))
	for _, kv := range pairs {
		rows = append(rows, row(kv[0], elem.Text(kv[1])))
	}
	return elem.Table(nil, rows...)
}

// relayTarget describes where the backend sends its writes.
func relayTarget(cfg relay.Config) string {
	switch cfg.Backend {
	case relay.BackendGPIO:
		target := fmt.Sprintf("%s line %d", cfg.Chip, cfg.Pin)
		if cfg.ActiveLow {
			target += " (active low)"
		}
		return target
	case relay.BackendTasmota:
		return cfg.Address
	default:
		return "-"
	}
}
