// Package controller binds a toggle switch and a status badge to a remote
// mains power endpoint.
//
// The controller reads the state once when it starts and writes the state
// each time the user flips the toggle. The UI only ever shows what the
// server reported. A flip is a request, and the badge and toggle follow the
// server's echo. All UI mutation happens on the goroutine running Run, and
// request results are applied in the order they are processed. When several
// writes are in flight, the last response processed wins.
package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kradalby/hpa-power/client"
	"github.com/kradalby/hpa-power/power"
)

// Toggle is the switch widget.
type Toggle interface {
	// SetToggleState moves the switch without invoking the change callback.
	SetToggleState(on bool)
	// OnToggleChanged registers the callback fired when the user flips the switch.
	OnToggleChanged(fn func(on bool))
}

// Badge is the status label.
type Badge interface {
	SetText(text string)
	AddClass(class string)
	RemoveClass(class string)
}

// StateClient issues asynchronous reads and writes against the state endpoint.
type StateClient interface {
	Fetch(ctx context.Context) <-chan client.Result
	Submit(ctx context.Context, on power.State) <-chan client.Result
}

type requestKind int

const (
	kindRead requestKind = iota
	kindWrite
)

func (k requestKind) String() string {
	if k == kindRead {
		return "read"
	}
	return "write"
}

type outcome struct {
	kind      requestKind
	requested power.State
	result    client.Result
}

// Controller owns the cached power state and the UI it renders into.
type Controller struct {
	client StateClient
	toggle Toggle
	badge  Badge
	logger *slog.Logger

	changes chan power.State
	results chan outcome
	settle  chan chan struct{}
	ready   chan struct{}

	// Owned by the Run goroutine.
	pending       int
	waiters       []chan struct{}
	badgeResolved bool
	haveConfirmed bool
	confirmed     power.State
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New creates a controller. Call Run to start it.
func New(sc StateClient, toggle Toggle, badge Badge, opts ...Option) (*Controller, error) {
	if sc == nil {
		return nil, fmt.Errorf("state client is required")
	}
	if toggle == nil {
		return nil, fmt.Errorf("toggle is required")
	}
	if badge == nil {
		return nil, fmt.Errorf("badge is required")
	}

	c := &Controller{
		client:  sc,
		toggle:  toggle,
		badge:   badge,
		logger:  slog.Default(),
		changes: make(chan power.State),
		results: make(chan outcome),
		settle:  make(chan chan struct{}),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Run registers the toggle handler, issues the initial read and processes
// UI events until ctx is cancelled. It must be called once.
func (c *Controller) Run(ctx context.Context) {
	c.toggle.OnToggleChanged(func(on bool) {
		select {
		case c.changes <- power.State(on):
		case <-ctx.Done():
		}
	})
	close(c.ready)

	c.forward(ctx, kindRead, power.Off, c.client.Fetch(ctx))

	for {
		select {
		case want := <-c.changes:
			c.logger.Info("toggle changed", "requested", want)
			c.forward(ctx, kindWrite, want, c.client.Submit(ctx, want))

		case out := <-c.results:
			c.pending--
			c.apply(out)
			if c.pending == 0 {
				for _, w := range c.waiters {
					close(w)
				}
				c.waiters = nil
			}

		case w := <-c.settle:
			if c.pending == 0 {
				close(w)
				continue
			}
			c.waiters = append(c.waiters, w)

		case <-ctx.Done():
			return
		}
	}
}

// Ready is closed once Run has registered the toggle callback.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Settle blocks until no read or write is in flight.
func (c *Controller) Settle(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.settle <- done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) forward(ctx context.Context, kind requestKind, requested power.State, ch <-chan client.Result) {
	c.pending++
	go func() {
		var res client.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return
		}

		select {
		case c.results <- outcome{kind: kind, requested: requested, result: res}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) apply(out outcome) {
	res := out.result

	if res.Err != nil {
		c.logger.Warn("power request failed",
			"request_id", res.RequestID,
			"kind", out.kind,
			"error", res.Err,
		)

		switch out.kind {
		case kindRead:
			// A late read failure does not undo a state the server already confirmed.
			if c.haveConfirmed {
				c.toggle.SetToggleState(bool(c.confirmed))
				c.updateBadge(power.BadgeFor(c.confirmed))
				return
			}
			c.toggle.SetToggleState(false)
			c.updateBadge(power.UnknownBadge())
		case kindWrite:
			c.toggle.SetToggleState(bool(c.confirmed))
			c.updateBadge(power.UnreachableBadge())
		}
		return
	}

	if out.kind == kindWrite && res.State != out.requested {
		c.logger.Warn("server overrode requested state",
			"request_id", res.RequestID,
			"requested", out.requested,
			"state", res.State,
		)
	}

	c.confirmed = res.State
	c.haveConfirmed = true

	c.logger.Info("power state confirmed",
		"request_id", res.RequestID,
		"kind", out.kind,
		"state", res.State,
	)

	c.toggle.SetToggleState(bool(res.State))
	c.updateBadge(power.BadgeFor(res.State))
}

// updateBadge leaves exactly one class on the badge. The placeholder class
// from the initial markup is dropped on first use.
func (c *Controller) updateBadge(b power.Badge) {
	if !c.badgeResolved {
		c.badge.RemoveClass(power.ClassLight)
		c.badgeResolved = true
	}

	for _, class := range power.AllClasses {
		if class != b.Class {
			c.badge.RemoveClass(class)
		}
	}
	c.badge.AddClass(b.Class)
	c.badge.SetText(b.Text)
}
