// Package safety governs every effector action the agent takes: rate
// limits, application access control, confirmation for destructive
// operations, an emergency stop, and a durable audit trail.
package safety

import (
	"errors"
	"time"
)

// ActionClass classifies an action for policy purposes.
type ActionClass string

const (
	ClassMouseClick    ActionClass = "mouse_click"
	ClassKeyPress      ActionClass = "key_press"
	ClassTyping        ActionClass = "typing"
	ClassScroll        ActionClass = "scroll"
	ClassAppLaunch     ActionClass = "app_launch"
	ClassAppClose      ActionClass = "app_close"
	ClassFileOpen      ActionClass = "file_open"
	ClassFileDelete    ActionClass = "file_delete"
	ClassSystemCommand ActionClass = "system_command"
	ClassScreenCapture ActionClass = "screen_capture"
	ClassCustom        ActionClass = "custom"
)

// Destructive reports whether the class always requires confirmation.
func (c ActionClass) Destructive() bool {
	switch c {
	case ClassFileDelete, ClassSystemCommand, ClassCustom:
		return true
	}
	return false
}

// Policy violations. These are expected outcomes, not faults: callers
// match them with errors.Is and route the denial back to the planner.
var (
	ErrEmergencyStop        = errors.New("emergency stop engaged")
	ErrBlacklisted          = errors.New("application is blacklisted")
	ErrNotWhitelisted       = errors.New("application is not whitelisted")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrActionCapReached     = errors.New("max actions per task reached")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrConfirmationDenied   = errors.New("confirmation denied")
)

// IsPolicyViolation reports whether err is a governor denial rather than
// an operational fault.
func IsPolicyViolation(err error) bool {
	for _, sentinel := range []error{
		ErrEmergencyStop, ErrBlacklisted, ErrNotWhitelisted,
		ErrRateLimited, ErrActionCapReached,
		ErrConfirmationRequired, ErrConfirmationDenied,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Request describes an action about to be taken, for policy evaluation.
type Request struct {
	Class       ActionClass
	Description string // human-readable intent
	Target      string // element description or coordinates
	App         string // focused application, if known
	Text        string // text about to be typed, if any
}

// Decision is the governor's verdict on a request.
type Decision struct {
	Allowed           bool
	Reason            string
	NeedsConfirmation bool
}

// AuditEntry records one policy evaluation or control transition.
type AuditEntry struct {
	ID          string      `json:"id"`
	Time        time.Time   `json:"ts"`
	SessionID   string      `json:"sid"`
	Class       ActionClass `json:"cls"`
	Description string      `json:"desc"`
	Target      string      `json:"tgt,omitempty"`
	Allowed     bool        `json:"ok"`
	Reason      string      `json:"why,omitempty"`
	Confirmed   *bool       `json:"conf,omitempty"`
}

// Confirmer resolves confirmation requests for destructive actions.
// Implementations may prompt a human or apply an automated policy.
type Confirmer func(Request) bool
