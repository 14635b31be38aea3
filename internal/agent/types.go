// Package agent runs the perceive-decide-act-verify control loop that
// drives the desktop toward a goal.
package agent

import (
	"context"
	"time"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/memory"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/perception"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/safety"
)

// Goal is what the agent is asked to achieve and how completion is
// recognized.
type Goal struct {
	ID              string
	Objective       string
	SuccessCriteria []string
	MaxActions      int
	Timeout         time.Duration
}

// ActionKind is the kind of input action the planner chose.
type ActionKind string

const (
	ActionClick       ActionKind = "click"
	ActionDoubleClick ActionKind = "double_click"
	ActionRightClick  ActionKind = "right_click"
	ActionType        ActionKind = "type"
	ActionKeyPress    ActionKind = "key_press"
	ActionScroll      ActionKind = "scroll"
	ActionWait        ActionKind = "wait"
	ActionHover       ActionKind = "hover"
	ActionDrag        ActionKind = "drag"
)

// SafetyClass maps the action kind to its governance class.
func (k ActionKind) SafetyClass() safety.ActionClass {
	switch k {
	case ActionClick, ActionDoubleClick, ActionRightClick, ActionHover, ActionDrag:
		return safety.ClassMouseClick
	case ActionType:
		return safety.ClassTyping
	case ActionKeyPress:
		return safety.ClassKeyPress
	case ActionScroll:
		return safety.ClassScroll
	}
	return safety.ClassCustom
}

// Target is where an action should land, in capture coordinate space.
type Target struct {
	Description string
	X, Y        int
	Confidence  float32
}

// PlannedAction is one step the planner wants taken.
type PlannedAction struct {
	Intent         string
	Kind           ActionKind
	Target         *Target
	Text           string
	Keys           string
	Confidence     float32
	ExpectedResult string
}

// ActionResult is the verified outcome of one attempt.
type ActionResult struct {
	Action           PlannedAction
	Success          bool
	Error            string
	ScreenChanged    bool
	ExpectedAchieved bool
	ScreenState      string
	Duration         time.Duration
}

// Status tracks a run of the loop.
type Status struct {
	Goal         Goal
	TaskID       string
	ActionsTaken int
	CurrentState string
	Success      bool
	Completed    bool
	Error        string
	History      []ActionResult
}

// PlanRequest carries everything the planner needs for the next step.
type PlanRequest struct {
	Goal          Goal
	Analysis      *perception.Analysis
	History       []ActionResult
	MemoryContext string
	Frame         *perception.Frame
}

// Planner decides the next action. A nil action with nil error means the
// planner considers the goal achieved or unreachable.
type Planner interface {
	NextAction(ctx context.Context, req PlanRequest) (*PlannedAction, error)
}

// Locator refines a target's coordinates against the captured frame.
type Locator interface {
	Locate(ctx context.Context, frame *perception.Frame, description string) (x, y int, confidence float32, err error)
}

// Guard is the slice of the safety governor the loop needs.
type Guard interface {
	Check(req safety.Request) (safety.Decision, error)
	ResetActionCounter()
}

// Recorder is the slice of the task memory store the loop needs.
type Recorder interface {
	StartTask(goal string, criteria []string) (string, error)
	EndTask(taskID, status, errMsg, screenState string) error
	RecordActionStart(a memory.ActionStart) (int64, error)
	RecordActionResult(actionID int64, o memory.ActionOutcome) error
	RecordFailure(taskID, context, actionTried, whatHappened, lesson string) error
	PlannerContext(taskID, currentApp string) (string, error)
}
