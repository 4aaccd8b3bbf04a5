package controller

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/kradalby/hpa-power/client"
	"github.com/kradalby/hpa-power/power"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToggle struct {
	mu       sync.Mutex
	on       bool
	sets     int
	callback func(bool)
	ready    chan struct{}
}

func newFakeToggle() *fakeToggle {
	return &fakeToggle{ready: make(chan struct{})}
}

func (f *fakeToggle) SetToggleState(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = on
	f.sets++
}

func (f *fakeToggle) OnToggleChanged(fn func(bool)) {
	f.mu.Lock()
	f.callback = fn
	f.mu.Unlock()
	close(f.ready)
}

// flip simulates the user moving the switch.
func (f *fakeToggle) flip(t *testing.T, on bool) {
	t.Helper()
	select {
	case <-f.ready:
	case <-time.After(time.Second):
		t.Fatal("toggle callback was never registered")
	}
	f.mu.Lock()
	f.on = on
	cb := f.callback
	f.mu.Unlock()
	cb(on)
}

func (f *fakeToggle) state() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

type badgeSnapshot struct {
	Text    string
	Classes []string
}

type fakeBadge struct {
	mu      sync.Mutex
	text    string
	classes map[string]struct{}
}

func newFakeBadge() *fakeBadge {
	return &fakeBadge{classes: map[string]struct{}{power.ClassLight: {}}}
}

func (f *fakeBadge) SetText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

func (f *fakeBadge) AddClass(class string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[class] = struct{}{}
}

func (f *fakeBadge) RemoveClass(class string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.classes, class)
}

func (f *fakeBadge) snapshot() badgeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	classes := make([]string, 0, len(f.classes))
	for c := range f.classes {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return badgeSnapshot{Text: f.text, Classes: classes}
}

type submission struct {
	on power.State
	ch chan client.Result
}

type fakeClient struct {
	mu      sync.Mutex
	read    chan client.Result
	submits []submission
	issued  chan submission
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		read:   make(chan client.Result, 1),
		issued: make(chan submission, 16),
	}
}

func (f *fakeClient) Fetch(context.Context) <-chan client.Result {
	return f.read
}

func (f *fakeClient) Submit(_ context.Context, on power.State) <-chan client.Result {
	s := submission{on: on, ch: make(chan client.Result, 1)}
	f.mu.Lock()
	f.submits = append(f.submits, s)
	f.mu.Unlock()
	f.issued <- s
	return s.ch
}

func (f *fakeClient) submitted() []power.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]power.State, 0, len(f.submits))
	for _, s := range f.submits {
		out = append(out, s.on)
	}
	return out
}

func (f *fakeClient) nextSubmission(t *testing.T) submission {
	t.Helper()
	select {
	case s := <-f.issued:
		return s
	case <-time.After(time.Second):
		t.Fatal("expected a write request")
		return submission{}
	}
}

type harness struct {
	ctl    *Controller
	client *fakeClient
	toggle *fakeToggle
	badge  *fakeBadge
	cancel context.CancelFunc
	done   chan struct{}
}

func startController(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		client: newFakeClient(),
		toggle: newFakeToggle(),
		badge:  newFakeBadge(),
		done:   make(chan struct{}),
	}

	ctl, err := New(h.client, h.toggle, h.badge, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	h.ctl = ctl

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		ctl.Run(ctx)
		close(h.done)
	}()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	return h
}

func (h *harness) waitBadge(t *testing.T, want badgeSnapshot) {
	t.Helper()
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		diff := cmp.Diff(want, h.badge.snapshot())
		assert.Empty(c, diff)
	}, time.Second, 5*time.Millisecond)
}

var (
	onBadge  = badgeSnapshot{Text: "MAINS ON", Classes: []string{"danger"}}
	offBadge = badgeSnapshot{Text: "OFF", Classes: []string{"secondary"}}
)

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, newFakeToggle(), newFakeBadge())
	require.Error(t, err)
	_, err = New(newFakeClient(), nil, newFakeBadge())
	require.Error(t, err)
	_, err = New(newFakeClient(), newFakeToggle(), nil)
	require.Error(t, err)
}

func TestInitialReadOn(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	h := startController(t)
	h.client.read <- client.Result{State: power.On}

	h.waitBadge(t, onBadge)
	require.Eventually(t, h.toggle.state, time.Second, 5*time.Millisecond)
	require.Empty(t, h.client.submitted(), "programmatic toggle set must not issue a write")

	h.cancel()
	<-h.done
}

func TestInitialReadOff(t *testing.T) {
	h := startController(t)
	h.toggle.SetToggleState(true)
	h.client.read <- client.Result{State: power.Off}

	h.waitBadge(t, offBadge)
	require.Eventually(t, func() bool { return !h.toggle.state() }, time.Second, 5*time.Millisecond)
	require.Empty(t, h.client.submitted())
}

func TestInitialReadFailureShowsUnknown(t *testing.T) {
	h := startController(t)
	h.client.read <- client.Result{Err: client.ErrTransport}

	h.waitBadge(t, badgeSnapshot{Text: "UNKNOWN", Classes: []string{"light"}})
	require.False(t, h.toggle.state())
}

func TestToggleOnIssuesSingleWrite(t *testing.T) {
	h := startController(t)
	h.client.read <- client.Result{State: power.Off}
	h.waitBadge(t, offBadge)

	h.toggle.flip(t, true)
	s := h.client.nextSubmission(t)
	require.Equal(t, power.On, s.on)
	require.Equal(t, []power.State{power.On}, h.client.submitted())

	s.ch <- client.Result{State: power.On}
	h.waitBadge(t, onBadge)
}

func TestToggleOffIssuesSingleWrite(t *testing.T) {
	h := startController(t)
	h.client.read <- client.Result{State: power.On}
	h.waitBadge(t, onBadge)

	h.toggle.flip(t, false)
	s := h.client.nextSubmission(t)
	require.Equal(t, power.Off, s.on)
	require.Equal(t, []power.State{power.Off}, h.client.submitted())

	s.ch <- client.Result{State: power.Off}
	h.waitBadge(t, offBadge)
}

func TestWriteEchoWinsOverIntent(t *testing.T) {
	h := startController(t)
	h.client.read <- client.Result{State: power.Off}
	h.waitBadge(t, offBadge)

	h.toggle.flip(t, true)
	s := h.client.nextSubmission(t)
	s.ch <- client.Result{State: power.Off}

	h.waitBadge(t, offBadge)
	require.Eventually(t, func() bool { return !h.toggle.state() }, time.Second, 5*time.Millisecond)
}

func TestWriteFailureRevertsToggle(t *testing.T) {
	h := startController(t)
	h.client.read <- client.Result{State: power.Off}
	h.waitBadge(t, offBadge)

	h.toggle.flip(t, true)
	s := h.client.nextSubmission(t)
	s.ch <- client.Result{Err: &client.StatusError{Code: 502}}

	h.waitBadge(t, badgeSnapshot{Text: "UNREACHABLE", Classes: []string{"warning"}})
	require.Eventually(t, func() bool { return !h.toggle.state() }, time.Second, 5*time.Millisecond)
}

func TestOutOfOrderResponsesLastProcessedWins(t *testing.T) {
	h := startController(t)
	h.client.read <- client.Result{State: power.Off}
	h.waitBadge(t, offBadge)

	h.toggle.flip(t, true)
	first := h.client.nextSubmission(t)
	h.toggle.flip(t, false)
	second := h.client.nextSubmission(t)

	// The later request completes first.
	second.ch <- client.Result{State: power.Off}
	h.waitBadge(t, offBadge)

	first.ch <- client.Result{State: power.On}
	h.waitBadge(t, onBadge)
	require.Eventually(t, h.toggle.state, time.Second, 5*time.Millisecond)
}

func TestLateReadFailureKeepsConfirmedState(t *testing.T) {
	h := startController(t)

	// The user flips before the initial read returns.
	h.toggle.flip(t, true)
	s := h.client.nextSubmission(t)
	s.ch <- client.Result{State: power.On}
	h.waitBadge(t, onBadge)

	h.client.read <- client.Result{Err: client.ErrTransport}

	require.Eventually(t, func() bool { return len(h.client.read) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	h.waitBadge(t, onBadge)
	require.True(t, h.toggle.state())
}

func TestReadyAfterRunRegistersCallback(t *testing.T) {
	h := startController(t)

	select {
	case <-h.ctl.Ready():
	case <-time.After(time.Second):
		t.Fatal("controller never became ready")
	}

	h.toggle.mu.Lock()
	registered := h.toggle.callback != nil
	h.toggle.mu.Unlock()
	require.True(t, registered)
}

func TestSettleWaitsForInFlightWrite(t *testing.T) {
	h := startController(t)
	h.client.read <- client.Result{State: power.Off}
	h.waitBadge(t, offBadge)

	h.toggle.flip(t, true)
	s := h.client.nextSubmission(t)

	settled := make(chan error, 1)
	go func() { settled <- h.ctl.Settle(context.Background()) }()

	select {
	case <-settled:
		t.Fatal("Settle returned while a write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	s.ch <- client.Result{State: power.On}

	select {
	case err := <-settled:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Settle did not return after the write completed")
	}
	require.Equal(t, onBadge, h.badge.snapshot())
}

func TestSettleHonoursContext(t *testing.T) {
	h := startController(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// The initial read never completes.
	require.ErrorIs(t, h.ctl.Settle(ctx), context.DeadlineExceeded)
}

func TestBadgeUpdateIdempotent(t *testing.T) {
	for _, s := range []power.State{power.On, power.Off} {
		t.Run(s.String(), func(t *testing.T) {
			badge := newFakeBadge()
			ctl, err := New(newFakeClient(), newFakeToggle(), badge)
			require.NoError(t, err)

			ctl.updateBadge(power.BadgeFor(s))
			first := badge.snapshot()
			ctl.updateBadge(power.BadgeFor(s))
			second := badge.snapshot()

			if diff := cmp.Diff(first, second); diff != "" {
				t.Fatalf("badge changed on repeated update (-first +second):\n%s", diff)
			}
		})
	}
}

func TestBadgeCarriesExactlyOneStateClass(t *testing.T) {
	badge := newFakeBadge()
	ctl, err := New(newFakeClient(), newFakeToggle(), badge)
	require.NoError(t, err)

	for _, s := range []power.State{power.On, power.Off, power.On, power.On, power.Off} {
		ctl.updateBadge(power.BadgeFor(s))
		snap := badge.snapshot()
		require.Len(t, snap.Classes, 1)
		require.Contains(t, power.StateClasses, snap.Classes[0])
		require.Equal(t, power.BadgeFor(s).Class, snap.Classes[0])
	}

	// Recovering from an error state drops the error class.
	ctl.updateBadge(power.UnreachableBadge())
	ctl.updateBadge(power.BadgeFor(power.On))
	require.Equal(t, onBadge, badge.snapshot())
}
