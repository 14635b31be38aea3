package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/config"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/effector"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/memory"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/perception"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/safety"
)

// Deps are the adapters the loop drives. Locator and FailureFramePath
// are optional.
type Deps struct {
	Perception perception.Adapter
	Planner    Planner
	Effector   effector.Effector
	Guard      Guard
	Recorder   Recorder
	Locator    Locator

	// FailureFramePath, when set, receives the last captured frame of a
	// failed run for post-mortem.
	FailureFramePath string
}

// Loop is the control loop. One Run at a time; Stop is sticky for the
// loop's lifetime.
type Loop struct {
	cfg  config.AgentConfig
	deps Deps

	stopped atomic.Bool
	log     *logging.Logger
}

// New validates the dependencies and builds a loop.
func New(cfg config.AgentConfig, deps Deps) (*Loop, error) {
	switch {
	case deps.Perception == nil:
		return nil, errors.New("perception adapter is required")
	case deps.Planner == nil:
		return nil, errors.New("planner is required")
	case deps.Effector == nil:
		return nil, errors.New("effector is required")
	case deps.Guard == nil:
		return nil, errors.New("safety guard is required")
	case deps.Recorder == nil:
		return nil, errors.New("task recorder is required")
	}
	return &Loop{
		cfg:  cfg,
		deps: deps,
		log:  logging.Get(logging.CategoryLoop),
	}, nil
}

// Stop halts the loop before its next iteration. It cannot be undone on
// this loop instance.
func (l *Loop) Stop() {
	l.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	return l.stopped.Load()
}

// Run drives the desktop toward the goal. It returns the final status;
// the returned error is non-nil only for fatal faults (capture failure,
// context cancellation, emergency stop).
func (l *Loop) Run(ctx context.Context, goal Goal) (*Status, error) {
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if goal.MaxActions <= 0 {
		goal.MaxActions = l.cfg.MaxActions
	}
	if goal.Timeout <= 0 {
		goal.Timeout = config.Duration(l.cfg.Timeout, 5*time.Minute)
	}

	status := &Status{Goal: goal, CurrentState: "Starting"}
	l.deps.Guard.ResetActionCounter()

	// Recording is best effort: a broken store must not stop the agent.
	taskID, err := l.deps.Recorder.StartTask(goal.Objective, goal.SuccessCriteria)
	if err != nil {
		l.log.Error("start task not recorded: %v", err)
		taskID = ""
	}
	status.TaskID = taskID

	actionDelay := config.Duration(l.cfg.ActionDelay, 200*time.Millisecond)
	start := time.Now()
	var lastFrame *perception.Frame

	l.log.Info("run started: %q criteria=%v max=%d timeout=%v",
		goal.Objective, goal.SuccessCriteria, goal.MaxActions, goal.Timeout)

	for status.ActionsTaken < goal.MaxActions {
		if err := ctx.Err(); err != nil {
			status.Error = "Stopped by user"
			l.finish(status, taskID)
			return status, err
		}
		if time.Since(start) > goal.Timeout {
			status.Error = "Timeout exceeded"
			break
		}
		if l.Stopped() {
			status.Error = "Stopped by user"
			break
		}

		frame, err := l.deps.Perception.Capture(ctx, l.cfg.CaptureWidth, l.cfg.CaptureHeight)
		if err != nil {
			status.Error = fmt.Sprintf("capture failed: %v", err)
			l.finish(status, taskID)
			return status, fmt.Errorf("capture failed: %w", err)
		}
		lastFrame = frame

		analysis, err := l.deps.Perception.Analyze(ctx, frame)
		if err != nil {
			// Transient: burn an attempt rather than give up on one bad
			// model reply.
			l.log.Warn("analysis failed (attempt %d): %v", status.ActionsTaken, err)
			status.ActionsTaken++
			continue
		}

		status.CurrentState = fmt.Sprintf("App: %s, State: %s, Elements: %d",
			analysis.App, analysis.State, len(analysis.Elements))

		if criteriaMet(goal.SuccessCriteria, analysis) {
			status.Success = true
			status.Completed = true
			l.log.Info("all success criteria met after %d actions", status.ActionsTaken)
			break
		}

		memCtx := ""
		if taskID != "" {
			if memCtx, err = l.deps.Recorder.PlannerContext(taskID, analysis.App); err != nil {
				l.log.Warn("planner context unavailable: %v", err)
				memCtx = ""
			}
		}

		action, err := l.deps.Planner.NextAction(ctx, PlanRequest{
			Goal:          goal,
			Analysis:      analysis,
			History:       tail(status.History, l.cfg.HistoryWindow),
			MemoryContext: memCtx,
			Frame:         frame,
		})
		if err != nil {
			l.log.Warn("planning failed (attempt %d): %v", status.ActionsTaken, err)
			status.ActionsTaken++
			continue
		}
		if action == nil {
			status.CurrentState = "Planner indicates goal achieved or no viable actions"
			status.Completed = true
			break
		}

		l.log.Debug("step %d: %s (%s) expecting %q",
			status.ActionsTaken, action.Intent, action.Kind, action.ExpectedResult)

		result, fatal := l.attempt(ctx, taskID, status.ActionsTaken, *action, frame, analysis, actionDelay)
		status.History = append(status.History, result)
		status.ActionsTaken++

		if fatal != nil {
			status.Error = "Emergency stop engaged"
			break
		}
	}

	if !status.Completed {
		status.Completed = true
		if status.Error == "" && !status.Success {
			status.Error = "Max actions reached without achieving goal"
		}
	}

	if !status.Success && lastFrame != nil && l.deps.FailureFramePath != "" {
		if err := os.WriteFile(l.deps.FailureFramePath, lastFrame.Data, 0644); err != nil {
			l.log.Warn("could not save failure frame: %v", err)
		}
	}

	l.finish(status, taskID)
	return status, nil
}

// attempt runs one governed action through execute and verify. The
// pending attempt is persisted before anything is dispatched; a denied
// attempt keeps only that intent row. A non-nil fatal means the
// emergency stop engaged.
func (l *Loop) attempt(
	ctx context.Context,
	taskID string,
	step int,
	action PlannedAction,
	frame *perception.Frame,
	before *perception.Analysis,
	actionDelay time.Duration,
) (ActionResult, error) {
	result := ActionResult{Action: action}

	// Governance precedes every effector call; Wait moves nothing and is
	// exempt.
	if action.Kind != ActionWait {
		req := safety.Request{
			Class:       action.Kind.SafetyClass(),
			Description: action.Intent,
			App:         before.App,
			Text:        action.Text,
		}
		if action.Target != nil {
			req.Target = action.Target.Description
		}
		if _, err := l.deps.Guard.Check(req); err != nil {
			result.Error = err.Error()
			// Nothing was dispatched, so only the intent row is written.
			l.recordStart(taskID, step, action, before)
			if errors.Is(err, safety.ErrEmergencyStop) {
				return result, err
			}
			return result, nil
		}
	}

	if l.deps.Locator != nil && action.Target != nil {
		if x, y, conf, err := l.deps.Locator.Locate(ctx, frame, action.Target.Description); err == nil {
			action.Target.X, action.Target.Y = x, y
			action.Target.Confidence = conf
			result.Action = action
		}
	}

	// The pending row goes to disk before dispatch so a crash mid-action
	// still leaves a trace of what was tried.
	actionID := l.recordStart(taskID, step, action, before)

	execStart := time.Now()
	execErr := l.execute(ctx, action)
	result.Duration = time.Since(execStart)

	time.Sleep(actionDelay)

	// Verification is best effort: a failed re-capture downgrades the
	// outcome instead of killing the run.
	var after *perception.Analysis
	if verifyFrame, err := l.deps.Perception.Capture(ctx, l.cfg.CaptureWidth, l.cfg.CaptureHeight); err == nil {
		if a, err := l.deps.Perception.Analyze(ctx, verifyFrame); err == nil {
			after = a
		}
	}

	changed := screenChanged(before, after, l.cfg.StabilityThreshold)
	achieved := false
	if execErr == nil && after != nil {
		if action.ExpectedResult != "" {
			achieved = matchesExpected(action.ExpectedResult, after)
		} else {
			achieved = changed
		}
	}

	result.Success = execErr == nil
	result.ScreenChanged = changed
	result.ExpectedAchieved = achieved
	if execErr != nil {
		result.Error = execErr.Error()
	}
	if after != nil {
		result.ScreenState = fmt.Sprintf("%s, %s", after.App, after.Title)
	}

	l.notePitfall(taskID, action, before, after, result)
	l.recordOutcome(actionID, result, after)
	return result, nil
}

// execute dispatches one action to the effector.
func (l *Loop) execute(ctx context.Context, action PlannedAction) error {
	e := l.deps.Effector
	moveTo := func(t *Target) error {
		x, y := scalePoint(t.X, t.Y, l.cfg.CaptureWidth, l.cfg.CaptureHeight, l.cfg.ScreenWidth, l.cfg.ScreenHeight)
		return e.MoveMouse(ctx, x, y)
	}

	switch action.Kind {
	case ActionClick, ActionDoubleClick, ActionRightClick:
		if action.Target == nil {
			return fmt.Errorf("%s without target", action.Kind)
		}
		if err := moveTo(action.Target); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
		switch action.Kind {
		case ActionDoubleClick:
			return e.DoubleClick(ctx)
		case ActionRightClick:
			return e.Click(ctx, effector.ButtonRight)
		default:
			return e.Click(ctx, effector.ButtonLeft)
		}

	case ActionType:
		if action.Text == "" {
			return nil
		}
		// Focus the target first when one is given
		if action.Target != nil {
			if err := moveTo(action.Target); err != nil {
				return err
			}
			if err := e.Click(ctx, effector.ButtonLeft); err != nil {
				return err
			}
			time.Sleep(100 * time.Millisecond)
		}
		return e.TypeText(ctx, action.Text)

	case ActionKeyPress:
		if action.Keys == "" {
			return nil
		}
		if strings.Contains(action.Keys, "+") {
			return e.KeyCombination(ctx, strings.Split(action.Keys, "+"))
		}
		return e.KeyPress(ctx, action.Keys)

	case ActionScroll:
		return e.Scroll(ctx, 0, -3)

	case ActionWait:
		time.Sleep(time.Second)
		return nil

	case ActionHover, ActionDrag:
		if action.Target == nil {
			return fmt.Errorf("%s without target", action.Kind)
		}
		return moveTo(action.Target)
	}

	return fmt.Errorf("unknown action kind %q", action.Kind)
}

// notePitfall persists a failure pattern for outcomes the planner should
// not repeat.
func (l *Loop) notePitfall(taskID string, action PlannedAction, before, after *perception.Analysis, r ActionResult) {
	if r.Success && r.ScreenChanged && r.ExpectedAchieved {
		return
	}
	tried := string(action.Kind)
	if action.Target != nil && action.Target.Description != "" {
		tried += " " + action.Target.Description
	} else if action.Keys != "" {
		tried += " " + action.Keys
	}

	var happened, lesson string
	switch {
	case !r.Success:
		happened = r.Error
		lesson = "Action failed to execute; pick a different target or approach"
	case !r.ScreenChanged:
		happened = "executed but the screen did not change"
		lesson = "This action has no visible effect here; try another way"
	default:
		happened = fmt.Sprintf("screen changed but expected result not seen (was: %s)", r.ScreenState)
		lesson = fmt.Sprintf("Expected %q; verify the target before repeating", action.ExpectedResult)
	}

	if err := l.deps.Recorder.RecordFailure(taskID, before.App, tried, happened, lesson); err != nil {
		l.log.Warn("pitfall not recorded: %v", err)
	}
}

// recordStart persists the phase-1 intent row of an attempt. Errors are
// logged, never fatal; a zero id disables the phase-2 update.
func (l *Loop) recordStart(taskID string, step int, action PlannedAction, before *perception.Analysis) int64 {
	if taskID == "" {
		return 0
	}
	start := memory.ActionStart{
		TaskID:         taskID,
		Step:           step,
		Intent:         action.Intent,
		ActionType:     string(action.Kind),
		TextInput:      action.Text,
		KeysInput:      action.Keys,
		Confidence:     action.Confidence,
		ExpectedResult: action.ExpectedResult,
		ScreenBefore:   fmt.Sprintf("%s, %s", before.App, before.Title),
	}
	if action.Target != nil {
		start.TargetDesc = action.Target.Description
		start.TargetX = action.Target.X
		start.TargetY = action.Target.Y
		start.HasTarget = true
	}

	actionID, err := l.deps.Recorder.RecordActionStart(start)
	if err != nil {
		l.log.Warn("action start not recorded: %v", err)
		return 0
	}
	return actionID
}

// recordOutcome persists the phase-2 outcome of an executed attempt.
func (l *Loop) recordOutcome(actionID int64, r ActionResult, after *perception.Analysis) {
	if actionID == 0 {
		return
	}
	outcome := memory.ActionOutcome{
		ExecSuccess:      r.Success,
		ExecError:        r.Error,
		Duration:         r.Duration,
		ScreenChanged:    r.ScreenChanged,
		ExpectedAchieved: r.ExpectedAchieved,
	}
	if after != nil {
		outcome.ScreenAfter = fmt.Sprintf("%s, %s", after.App, after.Title)
	}
	if err := l.deps.Recorder.RecordActionResult(actionID, outcome); err != nil {
		l.log.Warn("action result not recorded: %v", err)
	}
}

// finish closes out the task row.
func (l *Loop) finish(status *Status, taskID string) {
	l.log.Info("run finished: success=%t actions=%d error=%q",
		status.Success, status.ActionsTaken, status.Error)
	if taskID == "" {
		return
	}
	if err := l.deps.Recorder.EndTask(taskID, taskStatus(status), status.Error, status.CurrentState); err != nil {
		l.log.Error("end task not recorded: %v", err)
	}
}

// taskStatus maps a run outcome to a task row status.
func taskStatus(status *Status) string {
	switch {
	case status.Success:
		return memory.TaskSuccess
	case strings.Contains(status.Error, "Timeout"):
		return memory.TaskTimeout
	case strings.Contains(status.Error, "Stopped") || strings.Contains(status.Error, "Emergency stop"):
		return memory.TaskStopped
	case status.Error == "" && status.Completed:
		// Planner declared done with nothing contradicting it
		return memory.TaskSuccess
	}
	return memory.TaskFailed
}

// tail returns the last n results.
func tail(history []ActionResult, n int) []ActionResult {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
