package safety

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/config"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
)

// Governor evaluates every action request against the safety policy.
// All checks for one request happen under a single lock so rate-window
// prune/check/record is atomic. Checks short-circuit in a fixed order:
// emergency stop, blacklist, whitelist, rate limits, action cap,
// confirmation. Every evaluation appends exactly one audit entry.
type Governor struct {
	mu         sync.Mutex
	cfg        config.SafetyConfig
	sessionID  string
	stopped    bool
	stopReason string

	clicks      *RateWindow
	keys        *RateWindow
	actionCount int

	allowed int
	denied  int
	byClass map[ActionClass]int

	audit     *AuditLog
	confirmer Confirmer
	nowFn     func() time.Time
	log       *logging.Logger
}

// Snapshot is a point-in-time view of governor state.
type Snapshot struct {
	SessionID        string
	Allowed          int
	Denied           int
	ActionCount      int
	ByClass          map[ActionClass]int
	EmergencyStopped bool
	StopReason       string
}

// NewGovernor builds a governor from the safety configuration.
func NewGovernor(cfg config.SafetyConfig, audit *AuditLog) *Governor {
	return &Governor{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		clicks:    NewRateWindow(cfg.MaxClicksPerMinute, time.Minute),
		keys:      NewRateWindow(cfg.MaxKeysPerMinute, time.Minute),
		byClass:   make(map[ActionClass]int),
		audit:     audit,
		nowFn:     time.Now,
		log:       logging.Get(logging.CategorySafety),
	}
}

// SetConfirmer installs the confirmation resolver. Without one,
// confirmation-requiring actions are denied when RequireConfirmation is
// set and allowed with the NeedsConfirmation flag otherwise.
func (g *Governor) SetConfirmer(c Confirmer) {
	g.mu.Lock()
	g.confirmer = c
	g.mu.Unlock()
}

// Check evaluates a request. A denial returns Allowed=false plus a policy
// error matchable with errors.Is; both outcomes are audited.
func (g *Governor) Check(req Request) (Decision, error) {
	g.mu.Lock()
	now := g.nowFn()

	if g.stopped {
		return g.denyLocked(req, fmt.Errorf("%w: %s", ErrEmergencyStop, g.stopReason))
	}

	app := strings.ToLower(req.App)
	for _, b := range g.cfg.Blacklist {
		if b != "" && strings.Contains(app, strings.ToLower(b)) {
			return g.denyLocked(req, fmt.Errorf("%w: %s matches %q", ErrBlacklisted, req.App, b))
		}
	}

	if len(g.cfg.Whitelist) > 0 && req.App != "" {
		listed := false
		for _, w := range g.cfg.Whitelist {
			if w != "" && strings.Contains(app, strings.ToLower(w)) {
				listed = true
				break
			}
		}
		if !listed {
			return g.denyLocked(req, fmt.Errorf("%w: %s", ErrNotWhitelisted, req.App))
		}
	}

	if window := g.windowFor(req.Class); window != nil && !window.Allow(now) {
		return g.denyLocked(req, fmt.Errorf("%w: %s", ErrRateLimited, req.Class))
	}

	if g.actionCount >= g.cfg.MaxActionsPerTask {
		return g.denyLocked(req, fmt.Errorf("%w: %d", ErrActionCapReached, g.cfg.MaxActionsPerTask))
	}
	g.actionCount++

	needsConfirm, why := g.needsConfirmationLocked(req)
	if !needsConfirm {
		return g.allowLocked(req, Decision{Allowed: true}, nil)
	}

	confirmer := g.confirmer
	if confirmer == nil {
		if g.cfg.RequireConfirmation {
			return g.denyLocked(req, fmt.Errorf("%w: %s", ErrConfirmationRequired, why))
		}
		return g.allowLocked(req, Decision{Allowed: true, Reason: why, NeedsConfirmation: true}, nil)
	}
	g.mu.Unlock()

	// The confirmer may block on a human; never hold the lock across it.
	ok := confirmer(req)

	g.mu.Lock()
	// The stop may have engaged while the confirmer blocked; it overrides
	// an approval.
	if g.stopped {
		return g.denyLocked(req, fmt.Errorf("%w: %s", ErrEmergencyStop, g.stopReason), &ok)
	}
	if !ok {
		return g.denyLocked(req, fmt.Errorf("%w: %s", ErrConfirmationDenied, why), &ok)
	}
	return g.allowLocked(req, Decision{Allowed: true, Reason: why, NeedsConfirmation: true}, &ok)
}

// windowFor maps an action class to its rate window; unthrottled classes
// return nil.
func (g *Governor) windowFor(class ActionClass) *RateWindow {
	switch class {
	case ClassMouseClick:
		return g.clicks
	case ClassKeyPress, ClassTyping:
		return g.keys
	}
	return nil
}

// needsConfirmationLocked applies the confirmation predicate: destructive
// classes, configured description patterns, and risky keywords in typed
// text.
func (g *Governor) needsConfirmationLocked(req Request) (bool, string) {
	if req.Class.Destructive() {
		return true, fmt.Sprintf("destructive action class %s", req.Class)
	}
	desc := strings.ToLower(req.Description)
	for _, p := range g.cfg.ConfirmPatterns {
		if p != "" && strings.Contains(desc, strings.ToLower(p)) {
			return true, fmt.Sprintf("description matches confirm pattern %q", p)
		}
	}
	text := strings.ToLower(req.Text)
	if text != "" {
		for _, k := range g.cfg.RiskyKeywords {
			if k != "" && strings.Contains(text, strings.ToLower(k)) {
				return true, fmt.Sprintf("text contains risky keyword %q", k)
			}
		}
	}
	return false, ""
}

// denyLocked finalizes a denial. The governor lock must be held; it is
// released before returning.
func (g *Governor) denyLocked(req Request, err error, confirmed ...*bool) (Decision, error) {
	g.denied++
	g.byClass[req.Class]++
	entry := g.entryLocked(req, false, err.Error())
	if len(confirmed) > 0 {
		entry.Confirmed = confirmed[0]
	}
	g.mu.Unlock()

	g.appendAudit(entry)
	g.log.Warn("denied %s (%s): %v", req.Description, req.Class, err)
	return Decision{Allowed: false, Reason: err.Error()}, err
}

// allowLocked finalizes an approval. The governor lock must be held; it
// is released before returning.
func (g *Governor) allowLocked(req Request, d Decision, confirmed *bool) (Decision, error) {
	g.allowed++
	g.byClass[req.Class]++
	entry := g.entryLocked(req, true, d.Reason)
	entry.Confirmed = confirmed
	g.mu.Unlock()

	g.appendAudit(entry)
	g.log.Debug("allowed %s (%s)", req.Description, req.Class)
	return d, nil
}

func (g *Governor) entryLocked(req Request, allowed bool, reason string) AuditEntry {
	return AuditEntry{
		ID:          uuid.NewString(),
		Time:        g.nowFn(),
		SessionID:   g.sessionID,
		Class:       req.Class,
		Description: req.Description,
		Target:      req.Target,
		Allowed:     allowed,
		Reason:      reason,
	}
}

func (g *Governor) appendAudit(entry AuditEntry) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Append(entry); err != nil {
		g.log.Error("audit append failed: %v", err)
	}
}

// TriggerEmergencyStop halts all future actions until reset. The
// transition is audited and the audit buffer is flushed so the trail is
// on disk when a human comes looking.
func (g *Governor) TriggerEmergencyStop(reason string) {
	g.mu.Lock()
	alreadyStopped := g.stopped
	g.stopped = true
	g.stopReason = reason
	entry := g.entryLocked(Request{Class: ClassCustom, Description: "emergency stop engaged"}, true, reason)
	g.mu.Unlock()

	if alreadyStopped {
		return
	}
	g.appendAudit(entry)
	if g.audit != nil {
		if err := g.audit.Flush(); err != nil {
			g.log.Error("audit flush on emergency stop failed: %v", err)
		}
	}
	g.log.Warn("EMERGENCY STOP: %s", reason)
}

// ResetEmergencyStop clears the stop state. The transition is audited.
func (g *Governor) ResetEmergencyStop() {
	g.mu.Lock()
	wasStopped := g.stopped
	g.stopped = false
	g.stopReason = ""
	entry := g.entryLocked(Request{Class: ClassCustom, Description: "emergency stop reset"}, true, "")
	g.mu.Unlock()

	if !wasStopped {
		return
	}
	g.appendAudit(entry)
	g.log.Info("emergency stop reset")
}

// Stopped reports whether the emergency stop is engaged.
func (g *Governor) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// ResetActionCounter zeroes the per-task action counter. Call at task
// start.
func (g *Governor) ResetActionCounter() {
	g.mu.Lock()
	g.actionCount = 0
	g.mu.Unlock()
}

// Stats returns a snapshot of the governor's counters.
func (g *Governor) Stats() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	byClass := make(map[ActionClass]int, len(g.byClass))
	for k, v := range g.byClass {
		byClass[k] = v
	}
	return Snapshot{
		SessionID:        g.sessionID,
		Allowed:          g.allowed,
		Denied:           g.denied,
		ActionCount:      g.actionCount,
		ByClass:          byClass,
		EmergencyStopped: g.stopped,
		StopReason:       g.stopReason,
	}
}
