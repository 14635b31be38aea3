// Package effector is the boundary to OS-level input synthesis. The
// agent never synthesizes input itself; it drives one of these adapters,
// and every call is preceded by a governor check upstream.
package effector

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
)

// Button identifies a mouse button.
type Button int

const (
	ButtonLeft Button = iota + 1
	ButtonMiddle
	ButtonRight
)

// Effector synthesizes desktop input. Coordinates are in true screen
// space; the agent scales capture-space coordinates before calling.
type Effector interface {
	MoveMouse(ctx context.Context, x, y int) error
	Click(ctx context.Context, button Button) error
	DoubleClick(ctx context.Context) error
	TypeText(ctx context.Context, text string) error
	KeyPress(ctx context.Context, key string) error
	KeyCombination(ctx context.Context, keys []string) error
	Scroll(ctx context.Context, dx, dy int) error
}

// Exec drives input through the xdotool binary.
type Exec struct {
	binary string
	log    *logging.Logger
}

var _ Effector = (*Exec)(nil)

// NewExec returns an effector shelling out to xdotool.
func NewExec() *Exec {
	return &Exec{binary: "xdotool", log: logging.Get(logging.CategoryInput)}
}

func (e *Exec) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %w (%s)", e.binary, args, err, string(out))
	}
	e.log.Debug("%s %v", e.binary, args)
	return nil
}

func (e *Exec) MoveMouse(ctx context.Context, x, y int) error {
	return e.run(ctx, "mousemove", strconv.Itoa(x), strconv.Itoa(y))
}

func (e *Exec) Click(ctx context.Context, button Button) error {
	return e.run(ctx, "click", strconv.Itoa(int(button)))
}

func (e *Exec) DoubleClick(ctx context.Context) error {
	return e.run(ctx, "click", "--repeat", "2", "--delay", "50", strconv.Itoa(int(ButtonLeft)))
}

func (e *Exec) TypeText(ctx context.Context, text string) error {
	return e.run(ctx, "type", "--delay", "12", "--", text)
}

func (e *Exec) KeyPress(ctx context.Context, key string) error {
	return e.run(ctx, "key", key)
}

func (e *Exec) KeyCombination(ctx context.Context, keys []string) error {
	combo := ""
	for i, k := range keys {
		if i > 0 {
			combo += "+"
		}
		combo += k
	}
	return e.run(ctx, "key", combo)
}

func (e *Exec) Scroll(ctx context.Context, dx, dy int) error {
	// xdotool buttons: 4 up, 5 down, 6 left, 7 right
	press := func(button, times int) error {
		for i := 0; i < times; i++ {
			if err := e.run(ctx, "click", strconv.Itoa(button)); err != nil {
				return err
			}
		}
		return nil
	}
	if dy > 0 {
		if err := press(4, dy); err != nil {
			return err
		}
	} else if dy < 0 {
		if err := press(5, -dy); err != nil {
			return err
		}
	}
	if dx > 0 {
		return press(7, dx)
	} else if dx < 0 {
		return press(6, -dx)
	}
	return nil
}

// Call records one effector invocation for inspection in tests.
type Call struct {
	Op   string
	X, Y int
	Text string
	Keys []string
}

// DryRun records calls instead of synthesizing input. Safe anywhere.
type DryRun struct {
	mu    sync.Mutex
	calls []Call
	// Fail, when set, is returned from every call.
	Fail error
}

var _ Effector = (*DryRun)(nil)

// NewDryRun returns an effector that only records.
func NewDryRun() *DryRun {
	return &DryRun{}
}

func (d *DryRun) record(c Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.calls = append(d.calls, c)
	return nil
}

// Calls returns a copy of everything recorded so far.
func (d *DryRun) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *DryRun) MoveMouse(ctx context.Context, x, y int) error {
	return d.record(Call{Op: "move", X: x, Y: y})
}

func (d *DryRun) Click(ctx context.Context, button Button) error {
	return d.record(Call{Op: "click", X: int(button)})
}

func (d *DryRun) DoubleClick(ctx context.Context) error {
	return d.record(Call{Op: "double_click"})
}

func (d *DryRun) TypeText(ctx context.Context, text string) error {
	return d.record(Call{Op: "type", Text: text})
}

func (d *DryRun) KeyPress(ctx context.Context, key string) error {
	return d.record(Call{Op: "key", Text: key})
}

func (d *DryRun) KeyCombination(ctx context.Context, keys []string) error {
	return d.record(Call{Op: "combo", Keys: keys})
}

func (d *DryRun) Scroll(ctx context.Context, dx, dy int) error {
	return d.record(Call{Op: "scroll", X: dx, Y: dy})
}
