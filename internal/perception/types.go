// Package perception captures desktop frames and turns them into a
// structured description of what is on screen.
package perception

import (
	"context"
	"fmt"
	"strings"
)

// ScreenState summarizes the overall state of the visible screen.
type ScreenState string

const (
	StateReady      ScreenState = "ready"
	StateLoading    ScreenState = "loading"
	StateDialog     ScreenState = "dialog"
	StateError      ScreenState = "error"
	StateTransition ScreenState = "transition"
	StateUnknown    ScreenState = "unknown"
)

// Frame is a captured screenshot in the capture coordinate space.
type Frame struct {
	Data   []byte // JPEG or PNG bytes
	Width  int
	Height int
	Path   string // where the frame was written, if anywhere
}

// Element is a UI element the vision model identified.
type Element struct {
	Type        string `json:"type"`
	Label       string `json:"label"`
	Position    string `json:"position"` // quadrant: tl, tr, bl, br, center
	Interactive bool   `json:"interactive"`
}

// Dialog is a popup or modal the vision model identified.
type Dialog struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Buttons []string `json:"buttons"`
}

// Analysis is the structured description of a captured frame.
type Analysis struct {
	App        string      `json:"app"`
	Title      string      `json:"title"`
	Elements   []Element   `json:"elements"`
	Dialogs    []Dialog    `json:"dialogs"`
	Text       []string    `json:"text"`
	State      ScreenState `json:"state"`
	Confidence float32     `json:"confidence"`
}

// Summary renders the analysis for inclusion in a planner prompt.
func (a *Analysis) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "- App: %s\n", a.App)
	fmt.Fprintf(&b, "- Title: %s\n", a.Title)
	fmt.Fprintf(&b, "- State: %s\n", a.State)

	elems := make([]string, 0, len(a.Elements))
	for _, e := range a.Elements {
		elems = append(elems, fmt.Sprintf("%s '%s' at %s (interactive: %t)", e.Type, e.Label, e.Position, e.Interactive))
	}
	fmt.Fprintf(&b, "- Visible Elements: %s\n", strings.Join(elems, "; "))
	fmt.Fprintf(&b, "- Visible Text: %s\n", strings.Join(a.Text, "; "))

	if len(a.Dialogs) == 0 {
		b.WriteString("- Dialogs: None")
	} else {
		dialogs := make([]string, 0, len(a.Dialogs))
		for _, d := range a.Dialogs {
			dialogs = append(dialogs, fmt.Sprintf("%s: %s [%s]", d.Type, d.Message, strings.Join(d.Buttons, ", ")))
		}
		fmt.Fprintf(&b, "- Dialogs: %s", strings.Join(dialogs, "; "))
	}
	return b.String()
}

// Adapter captures frames and analyzes them.
type Adapter interface {
	// Capture grabs the screen scaled to the given resolution.
	Capture(ctx context.Context, width, height int) (*Frame, error)
	// Analyze describes what is visible in the frame.
	Analyze(ctx context.Context, frame *Frame) (*Analysis, error)
}
