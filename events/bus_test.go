package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"tailscale.com/util/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestClientIsReused(t *testing.T) {
	bus, err := New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	a, err := bus.Client(ClientWeb)
	require.NoError(t, err)
	b, err := bus.Client(ClientWeb)
	require.NoError(t, err)
	require.Same(t, a, b)

	_, err = bus.Client("")
	require.Error(t, err)
}

func TestPublishStateUpdateReachesSubscriber(t *testing.T) {
	bus, err := New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	sub, err := bus.Client(ClientWeb)
	require.NoError(t, err)
	states := eventbus.Subscribe[StateUpdateEvent](sub)
	t.Cleanup(states.Close)

	pub, err := bus.Client(ClientRelay)
	require.NoError(t, err)
	bus.PublishStateUpdate(pub, StateUpdateEvent{Source: "test", On: true})

	select {
	case evt := <-states.Events():
		require.True(t, evt.On)
		require.Equal(t, "test", evt.Source)
	case <-time.After(time.Second):
		t.Fatal("expected state update")
	}
}

func TestClientAfterCloseFails(t *testing.T) {
	bus, err := New(testLogger())
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, err = bus.Client(ClientHAP)
	require.Error(t, err)
}

func TestStateUpdateEquals(t *testing.T) {
	now := time.Now()
	a := StateUpdateEvent{Name: "hpa", On: true, LastUpdated: now, Source: "web"}
	b := StateUpdateEvent{Name: "hpa", On: true, LastUpdated: now, Source: "mqtt"}
	require.True(t, a.Equals(b))

	b.On = false
	require.False(t, a.Equals(b))
}
