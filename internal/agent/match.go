package agent

import (
	"strings"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/perception"
)

// criteriaMet reports whether every success criterion matches the
// analysis. A goal with no criteria is never auto-completed here; only
// the planner can end it.
func criteriaMet(criteria []string, a *perception.Analysis) bool {
	if len(criteria) == 0 {
		return false
	}
	for _, c := range criteria {
		if !matchesCriterion(c, a) {
			return false
		}
	}
	return true
}

// matchesCriterion checks one criterion case-insensitively against
// visible text, element labels, and the window title and app name.
func matchesCriterion(criterion string, a *perception.Analysis) bool {
	if criterion == "" || a == nil {
		return false
	}
	needle := strings.ToLower(criterion)

	for _, t := range a.Text {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	for _, e := range a.Elements {
		if strings.Contains(strings.ToLower(e.Label), needle) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(a.Title), needle) ||
		strings.Contains(strings.ToLower(a.App), needle)
}

// matchesExpected checks a planner's expected-result string against the
// post-action screen: visible text, element labels, the window title,
// and the coarse screen state. Unlike goal criteria it does not consult
// the app name, so "ready" can match a settled screen.
func matchesExpected(expected string, a *perception.Analysis) bool {
	if expected == "" || a == nil {
		return false
	}
	needle := strings.ToLower(expected)

	for _, t := range a.Text {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	for _, e := range a.Elements {
		if strings.Contains(strings.ToLower(e.Label), needle) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(a.Title), needle) ||
		strings.Contains(strings.ToLower(string(a.State)), needle)
}

// screenChanged compares two analyses: an app, title, or state change
// counts, and so does an element-count swing beyond the stability
// threshold (small swings are vision-model noise).
func screenChanged(before, after *perception.Analysis, stabilityThreshold int) bool {
	if before == nil || after == nil {
		return false
	}
	if before.App != after.App || before.Title != after.Title || before.State != after.State {
		return true
	}
	delta := len(after.Elements) - len(before.Elements)
	if delta < 0 {
		delta = -delta
	}
	return delta > stabilityThreshold
}
