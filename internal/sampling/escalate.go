// internal/sampling/escalate.go
package sampling

import "github.com/millrun/samplegate/internal/types"

/*
 * Escalation state machine.
 *
 * Each scope runs in one of two modes. PRIMARY mode evaluates the primary
 * rule set and counts consecutive failed inspections; reaching the configured
 * threshold escalates the scope to FALLBACK mode. FALLBACK mode evaluates the
 * fallback set and counts consecutive passed inspections; reaching the
 * configured duration reverts to PRIMARY.
 *
 * Only definite outcomes drive the machine. A pass in PRIMARY mode clears the
 * failure streak, a fail in FALLBACK mode clears the good streak, and both
 * streaks reset to zero on every transition so each mode starts with a clean
 * count. Per-rule counters survive transitions: EVERY_NTH cadence and
 * EXACT_COUNT quotas are properties of the rules, not of the mode.
 */

// normalizeState repairs a state snapshot against the current plan before it
// is used. Covers two cases: a freshly created state that has not yet been
// pointed at a rule set, and a state left in fallback mode after the fallback
// was edited away. Returns true when anything changed.
func normalizeState(state *types.StepState, plan *Plan) bool {
	changed := false

	if state.Mode == types.ModeFallback && plan.Fallback == nil {
		state.Mode = types.ModePrimary
		state.ConsecutiveFailures = 0
		state.ConsecutiveGood = 0
		changed = true
	}

	active := plan.Set(state.Mode)
	if state.ActiveSetID != active.ID {
		state.ActiveSetID = active.ID
		changed = true
	}
	if state.RuleSetVersion != plan.Primary.Version {
		// A rule edit happened outside this process. Apply the same partial
		// reset UpdateRuleSet performs: per-rule counters restart, lifetime
		// and streak counters carry over.
		state.ResetRuleCounters(plan.Primary.Version)
		changed = true
	}

	return changed
}

// applyOutcome advances the state machine for one resolved inspection.
// Returns true when the active set changed.
func applyOutcome(state *types.StepState, plan *Plan, outcome types.Outcome) bool {
	switch state.Mode {
	case types.ModeFallback:
		if outcome != types.OutcomePass {
			state.ConsecutiveGood = 0
			return false
		}
		state.ConsecutiveGood++
		if plan == nil || state.ConsecutiveGood < plan.FallbackDuration {
			return false
		}
		state.Mode = types.ModePrimary
		state.ActiveSetID = plan.Primary.ID
		state.ConsecutiveFailures = 0
		state.ConsecutiveGood = 0
		return true

	default:
		if outcome == types.OutcomePass {
			state.ConsecutiveFailures = 0
			return false
		}
		state.ConsecutiveFailures++
		if plan == nil || plan.Fallback == nil || state.ConsecutiveFailures < plan.FallbackThreshold {
			return false
		}
		state.Mode = types.ModeFallback
		state.ActiveSetID = plan.Fallback.ID
		state.ConsecutiveFailures = 0
		state.ConsecutiveGood = 0
		return true
	}
}
