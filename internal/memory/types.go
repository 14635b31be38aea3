// Package memory persists everything a task does so the planner has
// recall across iterations and across runs: tasks, every action attempt
// with before/after screen state, deduplicated failure patterns, and
// sub-step plans.
package memory

import "time"

// Task statuses.
const (
	TaskRunning = "running"
	TaskSuccess = "success"
	TaskFailed  = "failed"
	TaskTimeout = "timeout"
	TaskStopped = "stopped"
)

// Sub-step statuses.
const (
	StepPending = "pending"
	StepActive  = "active"
	StepDone    = "done"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// ActionStart is the first phase of an action record: what the agent is
// about to do and why.
type ActionStart struct {
	TaskID         string
	Step           int
	Intent         string
	ActionType     string
	TargetDesc     string
	TargetX        int
	TargetY        int
	HasTarget      bool
	TextInput      string
	KeysInput      string
	Confidence     float32
	ExpectedResult string
	ScreenBefore   string
}

// ActionOutcome is the second phase: what actually happened.
type ActionOutcome struct {
	ExecSuccess      bool
	ExecError        string
	Duration         time.Duration
	ScreenAfter      string
	ScreenChanged    bool
	ExpectedAchieved bool
}

// FailureRecord is a known pitfall: an approach that did not work in
// some context, and what to do instead.
type FailureRecord struct {
	Context      string
	ActionTried  string
	WhatHappened string
	Lesson       string
	TimesSeen    int64
}

// SubStep is one step of a decomposed goal.
type SubStep struct {
	Order       int
	Description string
	Status      string
}

// TaskStats summarizes the whole store.
type TaskStats struct {
	TotalTasks      int
	SuccessfulTasks int
	TotalActions    int
	KnownFailures   int
}

// TaskSummary is a row of the recent-task listing.
type TaskSummary struct {
	ID           string
	Goal         string
	Status       string
	StartedAt    string
	EndedAt      string
	TotalActions int
}
