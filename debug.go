package hpapower

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
)

// SetupDebugHandlers registers the HomeKit debug endpoints.
func SetupDebugHandlers(r interface {
	Handle(pattern string, handler http.Handler)
}, hapManager *HAPManager) {
	r.Handle("/debug/hap", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		data, err := json.MarshalIndent(hapManager.DebugInfo(), "", "  ")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to marshal debug info: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}))
	r.Handle("/debug/homekit", NewDebugHandler(hapManager))
}

// HAPDebugInfo contains debug information about the HomeKit service
type HAPDebugInfo struct {
	Server      *ServerInfo     `json:"server,omitempty"`
	Pairings    []PairingInfo   `json:"pairings,omitempty"`
	Stats       StatsInfo       `json:"stats"`
	Relay       RelayInfo       `json:"relay"`
	Outlet      bool            `json:"outlet_on"`
	Accessories []AccessoryInfo `json:"accessories"`
}

// RelayInfo is the relay behind the outlet and its last reported state.
type RelayInfo struct {
	Name       string    `json:"name"`
	Backend    string    `json:"backend"`
	Target     string    `json:"target"`
	Confirmed  *bool     `json:"confirmed,omitempty"`
	Source     string    `json:"source,omitempty"`
	LastChange time.Time `json:"last_change,omitzero"`
}

// ServerInfo contains HAP server information
type ServerInfo struct {
	Address string `json:"address"`
	PIN     string `json:"pin"`
	Paired  bool   `json:"paired"`
}

// PairingInfo contains information about a paired client
type PairingInfo struct {
	Name       string `json:"name"`
	Permission string `json:"permission"`
}

// StatsInfo contains traffic statistics
type StatsInfo struct {
	IncomingCommands uint64 `json:"incoming_commands"`
	OutgoingUpdates  uint64 `json:"outgoing_updates"`
	LastActivity     string `json:"last_activity"`
}

// AccessoryInfo contains information about a HomeKit accessory
type AccessoryInfo struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
	Firmware     string `json:"firmware"`
}

type pairingStore interface {
	Pairings() ([]hap.Pairing, error)
}

func (hm *HAPManager) pairings() ([]PairingInfo, error) {
	ps, ok := hm.store.(pairingStore)
	if !ok {
		return nil, fmt.Errorf("store does not support listing pairings")
	}

	pairings, err := ps.Pairings()
	if err != nil {
		return nil, err
	}

	out := make([]PairingInfo, 0, len(pairings))
	for _, p := range pairings {
		permission := "User"
		if p.Permission == 0x01 {
			permission = "Admin"
		}
		out = append(out, PairingInfo{Name: p.Name, Permission: permission})
	}
	return out, nil
}

func (hm *HAPManager) lastActivityString() string {
	lastActivity := hm.lastActivity.Load()
	if lastActivity <= 0 {
		return "Never"
	}
	return time.Unix(lastActivity, 0).Format(time.RFC3339)
}

func accessoryType(acc *accessory.A) string {
	switch acc.Type {
	case accessory.TypeBridge:
		return "Bridge"
	case accessory.TypeOutlet:
		return "Outlet"
	default:
		return fmt.Sprintf("Unknown (%d)", acc.Type)
	}
}

// DebugInfo returns debug information about the HAP manager
func (hm *HAPManager) DebugInfo() HAPDebugInfo {
	info := HAPDebugInfo{
		Relay: RelayInfo{
			Name:    hm.relay.Name,
			Backend: hm.relay.Backend,
			Target:  relayTarget(hm.relay),
		},
		Outlet:      hm.OnValue(),
		Accessories: []AccessoryInfo{},
		Stats: StatsInfo{
			IncomingCommands: hm.incomingCommands.Load(),
			OutgoingUpdates:  hm.outgoingUpdates.Load(),
			LastActivity:     hm.lastActivityString(),
		},
	}

	if evt := hm.confirmed.Load(); evt != nil {
		on := evt.On
		info.Relay.Confirmed = &on
		info.Relay.Source = evt.Source
		info.Relay.LastChange = evt.LastUpdated
	}

	if hm.server != nil {
		info.Server = &ServerInfo{
			Address: hm.server.Addr,
			PIN:     hm.server.Pin,
			Paired:  hm.server.IsPaired(),
		}
	}

	if hm.store != nil {
		if pairings, err := hm.pairings(); err == nil {
			info.Pairings = pairings
		}
	}

	for _, acc := range hm.Accessories() {
		info.Accessories = append(info.Accessories, AccessoryInfo{
			ID:           acc.Id,
			Name:         acc.Info.Name.Value(),
			Type:         accessoryType(acc),
			Manufacturer: acc.Info.Manufacturer.Value(),
			Model:        acc.Info.Model.Value(),
			SerialNumber: acc.Info.SerialNumber.Value(),
			Firmware:     acc.Info.FirmwareRevision.Value(),
		})
	}

	return info
}
