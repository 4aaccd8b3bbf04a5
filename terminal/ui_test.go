package terminal

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/kradalby/hpa-power/power"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSetToggleStateDoesNotFireCallback(t *testing.T) {
	ui := New(strings.NewReader(""), &syncBuffer{}, WithoutColor())

	fired := false
	ui.OnToggleChanged(func(bool) { fired = true })
	ui.SetToggleState(true)

	require.True(t, ui.Checked())
	require.False(t, fired)
}

func TestListenFiresCallbackForUserInput(t *testing.T) {
	out := &syncBuffer{}
	ui := New(strings.NewReader("on\nt\nbogus\noff\nquit\non\n"), out, WithoutColor())

	var got []bool
	ui.OnToggleChanged(func(on bool) { got = append(got, on) })

	require.NoError(t, ui.Listen(context.Background()))
	require.Equal(t, []bool{true, false, false}, got)
	require.Contains(t, out.String(), `unknown command "bogus"`)
}

func TestBadgeRendering(t *testing.T) {
	out := &syncBuffer{}
	ui := New(strings.NewReader(""), out, WithoutColor())
	require.Equal(t, []string{power.ClassLight}, ui.Classes())

	ui.RemoveClass(power.ClassLight)
	ui.AddClass(power.ClassDanger)
	ui.SetToggleState(true)
	ui.SetText(power.TextOn)

	require.Equal(t, []string{power.ClassDanger}, ui.Classes())
	require.Equal(t, "hpa-power [x] [MAINS ON]\n", out.String())
}

func TestListenStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, w := io.Pipe()
	defer w.Close()

	ui := New(r, &syncBuffer{})
	require.ErrorIs(t, ui.Listen(ctx), context.Canceled)
}
