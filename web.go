package hpapower

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/hpa-power/client"
	"github.com/kradalby/hpa-power/events"
	"github.com/kradalby/hpa-power/power"
	"github.com/kradalby/hpa-power/relay"
	"tailscale.com/util/eventbus"
)

// PowerController is the relay as seen by the web handlers.
type PowerController interface {
	Config() relay.Config
	State() relay.State
	Apply(ctx context.Context, token, source string) (power.State, error)
}

// WebServer serves the state endpoint, the control page and the debug views.
type WebServer struct {
	logger     *slog.Logger
	controller PowerController
	hapPin     string
	qrCode     string
	hapManager *HAPManager

	eventBus    *events.Bus
	eventClient *eventbus.Client
	stateSub    *eventbus.Subscriber[events.StateUpdateEvent]
	statusSub   *eventbus.Subscriber[events.ConnectionStatusEvent]

	sseClients   map[chan events.StateUpdateEvent]struct{}
	sseClientsMu sync.RWMutex

	stateMu      sync.RWMutex
	currentState *events.StateUpdateEvent
	statuses     map[string]events.ConnectionStatusEvent

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWebServer creates the web server. hapManager may be nil when HomeKit is off.
func NewWebServer(
	logger *slog.Logger,
	controller PowerController,
	bus *events.Bus,
	hapPin string,
	qrCode string,
	hapManager *HAPManager,
) (*WebServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if controller == nil {
		return nil, fmt.Errorf("power controller is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	busClient, err := bus.Client(events.ClientWeb)
	if err != nil {
		return nil, fmt.Errorf("failed to get web eventbus client: %w", err)
	}

	return &WebServer{
		logger:      logger,
		controller:  controller,
		hapPin:      hapPin,
		qrCode:      qrCode,
		hapManager:  hapManager,
		eventBus:    bus,
		eventClient: busClient,
		stateSub:    eventbus.Subscribe[events.StateUpdateEvent](busClient),
		statusSub:   eventbus.Subscribe[events.ConnectionStatusEvent](busClient),
		sseClients:  make(map[chan events.StateUpdateEvent]struct{}),
		statuses:    make(map[string]events.ConnectionStatusEvent),
	}, nil
}

// Register installs all handlers on r.
func (ws *WebServer) Register(r interface {
	Handle(pattern string, handler http.Handler)
}) {
	r.Handle("/", http.HandlerFunc(ws.HandleIndex))
	r.Handle(client.DefaultPath, http.HandlerFunc(ws.HandlePowerSet))
	r.Handle("/toggle", http.HandlerFunc(ws.HandleToggle))
	r.Handle("/card", http.HandlerFunc(ws.HandleCard))
	r.Handle("/events", http.HandlerFunc(ws.HandleSSE))
	r.Handle("/health", http.HandlerFunc(ws.HandleHealth))
	r.Handle("/qrcode", http.HandlerFunc(ws.HandleQRCode))
	r.Handle("/debug/eventbus", http.HandlerFunc(ws.HandleEventBusDebug))

	if ws.hapManager != nil {
		SetupDebugHandlers(r, ws.hapManager)
	}
}

// Start runs the bus subscribers in the background.
func (ws *WebServer) Start(ctx context.Context) {
	ctx, ws.cancel = context.WithCancel(ctx)
	ws.wg.Add(2)
	go func() {
		defer ws.wg.Done()
		ws.processStateChanges(ctx)
	}()
	go func() {
		defer ws.wg.Done()
		ws.processStatuses(ctx)
	}()
	ws.publishStatus(events.ConnectionStatusConnected)
}

// Close stops the subscribers.
func (ws *WebServer) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.stateSub.Close()
		ws.statusSub.Close()
		ws.wg.Wait()
	})
}

func (ws *WebServer) publishStatus(status events.ConnectionStatus) {
	ws.eventBus.PublishConnectionStatus(ws.eventClient, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    status,
	})
}

func (ws *WebServer) processStateChanges(ctx context.Context) {
	for {
		select {
		case evt := <-ws.stateSub.Events():
			ws.stateMu.Lock()
			if ws.currentState != nil && ws.currentState.Equals(evt) {
				ws.stateMu.Unlock()
				continue
			}
			stored := evt
			ws.currentState = &stored
			ws.stateMu.Unlock()

			ws.logger.Debug("Web UI: state change received", "on", evt.On, "source", evt.Source)
			ws.broadcastSSE(evt)
		case <-ws.stateSub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WebServer) processStatuses(ctx context.Context) {
	for {
		select {
		case evt := <-ws.statusSub.Events():
			ws.stateMu.Lock()
			ws.statuses[evt.Component] = evt
			ws.stateMu.Unlock()
		case <-ws.statusSub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WebServer) broadcastSSE(evt events.StateUpdateEvent) {
	ws.sseClientsMu.RLock()
	defer ws.sseClientsMu.RUnlock()

	for c := range ws.sseClients {
		select {
		case c <- evt:
		default:
			// Slow client, drop.
		}
	}
}

// HandlePowerSet serves GET and POST on the state endpoint.
func (ws *WebServer) HandlePowerSet(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ws.writePowerResponse(w, http.StatusOK, power.NewResponse(power.State(ws.controller.State().On)))
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}

		state, err := ws.controller.Apply(r.Context(), r.PostFormValue("state"), "http")
		resp := power.NewResponse(state)
		if err != nil {
			resp.Error = err.Error()
			ws.writePowerResponse(w, http.StatusBadGateway, resp)
			return
		}
		ws.writePowerResponse(w, http.StatusOK, resp)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (ws *WebServer) writePowerResponse(w http.ResponseWriter, code int, resp power.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		ws.logger.Error("Failed to write power response", "error", err)
	}
}

// renderPage wraps content in the shared page layout.
func (ws *WebServer) renderPage(title string, content elem.Node) string {
	page := elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text(title)),
			elem.Script(attrs.Props{
				attrs.Src: "https://unpkg.com/htmx.org@2.0.4",
			}),
			elem.Script(attrs.Props{
				attrs.Src: "https://unpkg.com/htmx-ext-sse@2.2.2/sse.js",
			}),
			elem.Style(nil, elem.Text(`
				body { font-family: system-ui; max-width: 800px; margin: 40px auto; padding: 0 20px; }
				h1 { color: #333; }
				.power { border: 1px solid #ddd; padding: 20px; margin: 10px 0; border-radius: 8px; display: flex; justify-content: space-between; align-items: center; }
				.power-name { font-size: 1.2em; font-weight: 500; }
				.power-status { font-size: 0.9em; color: #666; }
				.badge { display: inline-block; padding: 4px 10px; border-radius: 4px; font-weight: 600; font-size: 0.9em; }
				.badge-danger { background: #dc3545; color: white; }
				.badge-secondary { background: #6c757d; color: white; }
				.badge-light { background: #f8f9fa; color: #333; }
				.badge-warning { background: #ffc107; color: #333; }
				.switch { transform: scale(1.6); cursor: pointer; }
				table { width: 100%; border-collapse: collapse; }
				th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
				th { background-color: #f2f2f2; }
			`)),
		),
		elem.Body(nil, content),
	)
	return page.Render()
}

// renderPowerCard renders the badge and toggle. badge overrides the state-derived badge.
func (ws *WebServer) renderPowerCard(state relay.State, badge *power.Badge) elem.Node {
	b := power.BadgeFor(power.State(state.On))
	if badge != nil {
		b = *badge
	}

	toggleProps := attrs.Props{
		attrs.ID:     "hpa-power-toggle",
		attrs.Type:   "checkbox",
		attrs.Class:  "switch",
		attrs.Name:   "state",
		"hx-post":    "/toggle",
		"hx-trigger": "change",
		"hx-target":  "#hpa-power-card",
		"hx-swap":    "outerHTML",
		"hx-vals":    fmt.Sprintf(`{"state":%q}`, power.State(!state.On).Token()),
	}
	if state.On {
		toggleProps[attrs.Checked] = "true"
	}

	return elem.Div(
		attrs.Props{
			attrs.ID:     "hpa-power-card",
			attrs.Class:  "power",
			"hx-get":     "/card",
			"hx-trigger": "sse:power",
			"hx-swap":    "outerHTML",
		},
		elem.Div(nil,
			elem.Div(attrs.Props{attrs.Class: "power-name"}, elem.Text(ws.controller.Config().Name)),
			elem.Div(attrs.Props{attrs.Class: "power-status"},
				elem.Span(
					attrs.Props{
						attrs.ID:    "hpa-power-badge",
						attrs.Class: "badge badge-" + b.Class,
					},
					elem.Text(b.Text),
				),
				elem.Text(fmt.Sprintf(" Last updated: %s", state.LastUpdated.Format("15:04:05"))),
			),
		),
		elem.Input(toggleProps),
	)
}

// HandleIndex renders the control page.
func (ws *WebServer) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	cfg := ws.controller.Config()
	content := elem.Div(nil,
		elem.H1(nil, elem.Text("HPA Power")),
		elem.P(nil, elem.Text(fmt.Sprintf("Relay backend: %s", cfg.Backend))),
		elem.Div(
			attrs.Props{
				"hx-ext":      "sse",
				"sse-connect": "/events",
			},
			ws.renderPowerCard(ws.controller.State(), nil),
		),
	)

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPage("HPA Power", content)); err != nil {
		ws.logger.Error("Failed to write response", "error", err)
	}
}

// HandleCard renders the power card fragment.
func (ws *WebServer) HandleCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPowerCard(ws.controller.State(), nil).Render()); err != nil {
		ws.logger.Error("Failed to write response", "error", err)
	}
}

// HandleToggle applies the posted state and returns the updated card.
func (ws *WebServer) HandleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var override *power.Badge
	if _, err := ws.controller.Apply(r.Context(), r.FormValue("state"), "web"); err != nil {
		ws.logger.Error("Toggle failed", "error", err)
		b := power.UnreachableBadge()
		override = &b
	}

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("Content-Type", "text/html")
		if _, err := fmt.Fprint(w, ws.renderPowerCard(ws.controller.State(), override).Render()); err != nil {
			ws.logger.Error("Failed to write response", "error", err)
		}
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSSE streams relay updates as JSON.
func (ws *WebServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan events.StateUpdateEvent, 10)

	ws.sseClientsMu.Lock()
	ws.sseClients[clientChan] = struct{}{}
	ws.sseClientsMu.Unlock()

	defer func() {
		ws.sseClientsMu.Lock()
		delete(ws.sseClients, clientChan)
		ws.sseClientsMu.Unlock()
	}()

	flusher.Flush()

	for {
		select {
		case evt := <-clientChan:
			data, err := json.Marshal(evt)
			if err != nil {
				ws.logger.Error("Failed to marshal SSE event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: power\ndata: %s\n\n", data); err != nil {
				ws.logger.Debug("SSE client gone", "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleHealth reports liveness and the relay state.
func (ws *WebServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := struct {
		Status string `json:"status"`
		State  bool   `json:"state"`
	}{
		Status: "ok",
		State:  ws.controller.State().On,
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		ws.logger.Error("Failed to write health response", "error", err)
	}
}

// HandleQRCode shows the HomeKit pairing code.
func (ws *WebServer) HandleQRCode(w http.ResponseWriter, r *http.Request) {
	qr := ws.qrCode
	if qr == "" {
		qr = "QR code unavailable"
	}

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("HomeKit Pairing")),
		elem.P(nil, elem.Text(fmt.Sprintf("PIN: %s", ws.hapPin))),
		elem.Pre(attrs.Props{attrs.Style: "line-height: 1; font-size: 10px;"}, elem.Text(qr)),
	)

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPage("HomeKit Pairing", content)); err != nil {
		ws.logger.Error("Failed to write response", "error", err)
	}
}

// HandleEventBusDebug shows the last relay event and component statuses.
func (ws *WebServer) HandleEventBusDebug(w http.ResponseWriter, r *http.Request) {
	ws.stateMu.RLock()
	var current *events.StateUpdateEvent
	if ws.currentState != nil {
		c := *ws.currentState
		current = &c
	}
	statuses := make([]events.ConnectionStatusEvent, 0, len(ws.statuses))
	for _, s := range ws.statuses {
		statuses = append(statuses, s)
	}
	ws.stateMu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})

	statusRows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("Component")),
			elem.Th(nil, elem.Text("Status")),
			elem.Th(nil, elem.Text("Error")),
			elem.Th(nil, elem.Text("Updated")),
		),
	}
	for _, s := range statuses {
		statusRows = append(statusRows, elem.Tr(nil,
			elem.Td(nil, elem.Text(s.Component)),
			elem.Td(nil, elem.Text(string(s.Status))),
			elem.Td(nil, elem.Text(s.Error)),
			elem.Td(nil, elem.Text(s.Timestamp.Format(time.RFC3339))),
		))
	}

	stateNode := elem.P(nil, elem.Text("No relay events yet"))
	if current != nil {
		stateNode = elem.Table(nil,
			elem.Tr(nil, elem.Th(nil, elem.Text("Name")), elem.Td(nil, elem.Text(current.Name))),
			elem.Tr(nil, elem.Th(nil, elem.Text("Backend")), elem.Td(nil, elem.Text(current.Backend))),
			elem.Tr(nil, elem.Th(nil, elem.Text("State")), elem.Td(nil, elem.Text(power.State(current.On).String()))),
			elem.Tr(nil, elem.Th(nil, elem.Text("Source")), elem.Td(nil, elem.Text(current.Source))),
			elem.Tr(nil, elem.Th(nil, elem.Text("Last updated")), elem.Td(nil, elem.Text(current.LastUpdated.Format(time.RFC3339)))),
		)
	}

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("Event Bus")),
		elem.H2(nil, elem.Text("Relay State")),
		stateNode,
		elem.H2(nil, elem.Text("Component Status")),
		elem.Table(nil, statusRows...),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, ws.renderPage("Event Bus Debug", content)); err != nil {
		ws.logger.Error("Failed to write response", "error", err)
	}
}
