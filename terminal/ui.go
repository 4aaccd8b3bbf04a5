// Package terminal renders the power toggle and badge on a terminal.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/kradalby/hpa-power/power"
)

// UI implements controller.Toggle and controller.Badge over a line-oriented terminal.
type UI struct {
	in  io.Reader
	out io.Writer

	mu       sync.Mutex
	on       bool
	text     string
	classes  map[string]struct{}
	callback func(bool)
	palette  map[string]*color.Color
}

// Option configures a UI.
type Option func(*UI)

// WithoutColor disables ANSI colours.
func WithoutColor() Option {
	return func(u *UI) {
		for _, c := range u.palette {
			c.DisableColor()
		}
	}
}

// New creates a terminal UI reading commands from in and drawing to out.
func New(in io.Reader, out io.Writer, opts ...Option) *UI {
	u := &UI{
		in:      in,
		out:     out,
		classes: map[string]struct{}{power.ClassLight: {}},
		palette: map[string]*color.Color{
			power.ClassDanger:    color.New(color.FgRed, color.Bold),
			power.ClassSecondary: color.New(color.Faint),
			power.ClassLight:     color.New(color.FgYellow),
			power.ClassWarning:   color.New(color.FgYellow, color.Bold),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SetToggleState moves the switch. The change callback is not invoked.
func (u *UI) SetToggleState(on bool) {
	u.mu.Lock()
	u.on = on
	u.mu.Unlock()
}

// OnToggleChanged registers the user-change callback.
func (u *UI) OnToggleChanged(fn func(on bool)) {
	u.mu.Lock()
	u.callback = fn
	u.mu.Unlock()
}

// SetText sets the badge text and redraws the status line.
func (u *UI) SetText(text string) {
	u.mu.Lock()
	u.text = text
	line := u.statusLine()
	u.mu.Unlock()

	fmt.Fprintln(u.out, line)
}

// AddClass adds a badge style class.
func (u *UI) AddClass(class string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.classes[class] = struct{}{}
}

// RemoveClass removes a badge style class.
func (u *UI) RemoveClass(class string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.classes, class)
}

// Classes returns the badge classes in sorted order.
func (u *UI) Classes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.classes))
	for c := range u.classes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Checked reports the switch position.
func (u *UI) Checked() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.on
}

// statusLine must be called with u.mu held.
func (u *UI) statusLine() string {
	toggle := "[ ]"
	if u.on {
		toggle = "[x]"
	}

	badge := "[" + u.text + "]"
	for class := range u.classes {
		if c, ok := u.palette[class]; ok {
			badge = c.Sprint(badge)
			break
		}
	}

	return fmt.Sprintf("hpa-power %s %s", toggle, badge)
}

// Listen reads commands until in is exhausted, "quit" is entered or ctx is done.
//
//	on, off      request a state
//	toggle, t    flip the switch
//	quit, q      stop listening
func (u *UI) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(u.in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errs:
					return err
				default:
					return nil
				}
			}
			if done := u.handle(strings.ToLower(line)); done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (u *UI) handle(cmd string) bool {
	switch cmd {
	case "":
		return false
	case "q", "quit", "exit":
		return true
	case power.TokenOn:
		u.flip(true)
	case power.TokenOff:
		u.flip(false)
	case "t", "toggle":
		u.mu.Lock()
		next := !u.on
		u.mu.Unlock()
		u.flip(next)
	default:
		fmt.Fprintf(u.out, "unknown command %q (use on, off, toggle, quit)\n", cmd)
	}
	return false
}

// flip is a user action: it moves the switch and fires the callback.
func (u *UI) flip(on bool) {
	u.mu.Lock()
	u.on = on
	cb := u.callback
	u.mu.Unlock()

	if cb != nil {
		cb(on)
	}
}
