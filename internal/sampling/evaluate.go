// internal/sampling/evaluate.go
package sampling

import (
	"fmt"

	"github.com/millrun/samplegate/internal/types"
)

/*
 * Rule evaluation.
 *
 * Evaluates a compiled rule set against one part arrival. Rules run in
 * compiled order and the first rule that votes "sample" wins; remaining rules
 * are neither evaluated nor allowed to advance their counters. A rule can
 * also abstain (verdictNone) when it cannot decide for this part, which is
 * distinct from voting "do not sample": LAST_N and EXACT_COUNT abstain when
 * the run total is unknown so that later rules still get their say.
 *
 * Counter mutations happen on the caller's state copy. The caller commits
 * the copy only after the whole evaluation succeeds, so a mid-set error
 * leaves persisted counters untouched.
 */

// verdict is the outcome of evaluating a single rule for a single part.
type verdict int

const (
	// verdictSkip means the rule evaluated and voted against sampling.
	verdictSkip verdict = iota
	// verdictSample means the rule fired: the part must be inspected.
	verdictSample
	// verdictNone means the rule abstained because required inputs were
	// absent. Evaluation continues with the next rule.
	verdictNone
)

// evalInput carries the per-call inputs shared by all rules of one part.
type evalInput struct {
	// partsSeen is the lifetime arrival counter including the current part.
	partsSeen int64
	// totalInRun is the declared size of the current production run, zero
	// when the caller did not supply one.
	totalInRun int64
	// rand yields uniform draws for the probabilistic kinds.
	rand Source
}

// evalSet runs the rules of one compiled set in order against a single part.
// Returns whether the part is sampled and, when it is, the rule that fired.
func evalSet(set *CompiledRuleSet, state *types.StepState, in evalInput) (bool, types.RuleID, error) {
	for _, rule := range set.Rules {
		v, err := evalRule(rule, state.CountersFor(rule.ID), in)
		if err != nil {
			return false, "", err
		}
		if v == verdictSample {
			return true, rule.ID, nil
		}
	}
	return false, "", nil
}

// evalRule evaluates one rule, advancing its counters as a side effect.
func evalRule(rule CompiledRule, counters *types.RuleCounters, in evalInput) (verdict, error) {
	switch rule.Kind {
	case types.KindEveryNth:
		// Rule-local arrival counter, deliberately independent of the
		// scope-wide partsSeen: the counter only advances while this rule
		// is reached, so a rule added mid-run starts its own cadence.
		if rule.Value < 1 {
			return verdictSkip, fmt.Errorf("%w: rule %s: every_nth requires value >= 1", types.ErrInvalidRuleConfig, rule.ID)
		}
		counters.Seen++
		if counters.Seen%rule.Value == 0 {
			return verdictSample, nil
		}
		return verdictSkip, nil

	case types.KindPercentage:
		// Deterministic accumulator. Each part deposits Value points; the
		// rule fires on every crossing of 100 and carries the remainder, so
		// any window of 100 consecutive parts samples exactly Value of them.
		counters.Accum += rule.Value
		if counters.Accum >= types.MaxPercent {
			counters.Accum -= types.MaxPercent
			return verdictSample, nil
		}
		return verdictSkip, nil

	case types.KindRandom:
		if rule.Value <= 0 {
			return verdictSkip, nil
		}
		if int64(in.rand.IntN(types.MaxPercent)) < rule.Value {
			return verdictSample, nil
		}
		return verdictSkip, nil

	case types.KindFirstN:
		if in.partsSeen <= rule.Value {
			return verdictSample, nil
		}
		return verdictSkip, nil

	case types.KindLastN:
		if in.totalInRun <= 0 {
			return verdictNone, nil
		}
		if in.partsSeen > in.totalInRun-rule.Value {
			return verdictSample, nil
		}
		return verdictSkip, nil

	case types.KindExactCount:
		if in.totalInRun <= 0 {
			return verdictNone, nil
		}
		// Selection sampling over the remainder of the run: each part is
		// taken with probability remaining_to_sample / remaining_parts.
		// Forces the tail when the quota cannot otherwise be met, which makes
		// the final count exact whenever the run honors its declared total.
		remainingParts := in.totalInRun - in.partsSeen + 1
		if remainingParts < 1 {
			// Arrivals past the declared total; the quota logic is spent.
			return verdictSkip, nil
		}
		remainingToSample := rule.Value - counters.Sampled
		if remainingToSample < 1 {
			return verdictSkip, nil
		}
		if remainingToSample >= remainingParts || int64(in.rand.IntN(int(remainingParts))) < remainingToSample {
			counters.Sampled++
			return verdictSample, nil
		}
		return verdictSkip, nil

	default:
		return verdictSkip, fmt.Errorf("%w: rule %s: unknown kind %q", types.ErrInvalidRuleConfig, rule.ID, rule.Kind)
	}
}
