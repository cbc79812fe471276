// Package types provides domain models shared across SampleGate components.
//
// Zero-dependency design: types.go, rules.go, and errors.go use only the
// standard library so callers embedding the decision engine pull no transitive
// weight from the domain layer. ID utilities in ids.go import uuid but are
// isolated for selective inclusion.
//
// Wire formats live elsewhere: the SQL row mapping belongs to internal/store,
// the YAML ruleset-file mapping to internal/rulesetfile. This package contains
// the hand-written concepts the engine reasons about.
package types

import "fmt"

// ScopeKey identifies the (part type, process, step) triple a RuleSet and its
// sampling state are keyed by. The struct is comparable and used directly as
// a map key; two scopes never share state.
type ScopeKey struct {
	PartType string
	Process  string
	Step     string
}

// String renders the scope as part_type/process/step for logs and CLI output.
func (k ScopeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.PartType, k.Process, k.Step)
}

// Validate rejects empty or oversized scope components before they reach
// storage keys or log lines.
func (k ScopeKey) Validate() error {
	for _, part := range []struct {
		name  string
		value string
	}{
		{"part_type", k.PartType},
		{"process", k.Process},
		{"step", k.Step},
	} {
		if part.value == "" {
			return fmt.Errorf("%w: scope %s is empty", ErrInvalidRuleConfig, part.name)
		}
		if len(part.value) > MaxScopeComponentLength {
			return fmt.Errorf("%w: scope %s exceeds %d chars", ErrInvalidRuleConfig, part.name, MaxScopeComponentLength)
		}
	}
	return nil
}

// RuleKind is the closed set of sampling directives. Dispatch happens through
// a single evaluator switch rather than per-kind interfaces; the set is small
// and stable.
type RuleKind string

const (
	// KindEveryNth samples every Nth part the rule sees.
	KindEveryNth RuleKind = "every_nth"
	// KindPercentage samples a deterministic P percent of parts via an
	// accumulator, giving exact long-run rates with zero drift.
	KindPercentage RuleKind = "percentage"
	// KindRandom samples each part independently with probability P percent,
	// drawing from a caller-supplied randomness source.
	KindRandom RuleKind = "random"
	// KindFirstN samples the first N parts of a scope's lifetime.
	KindFirstN RuleKind = "first_n"
	// KindLastN samples the final N parts of a bounded run; requires the run
	// size from the caller and yields no decision without it.
	KindLastN RuleKind = "last_n"
	// KindExactCount samples exactly N parts across a bounded run using
	// selection sampling; requires the run size like KindLastN.
	KindExactCount RuleKind = "exact_count"
)

// Valid reports whether k is one of the known rule kinds.
func (k RuleKind) Valid() bool {
	switch k {
	case KindEveryNth, KindPercentage, KindRandom, KindFirstN, KindLastN, KindExactCount:
		return true
	}
	return false
}

// ParseRuleKind validates a string from config or CLI input.
func ParseRuleKind(s string) (RuleKind, error) {
	k := RuleKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRuleConfig, s)
	}
	return k, nil
}

// SamplingMode is the escalation state machine position for a scope: which of
// the two rule sets currently governs decisions.
type SamplingMode string

const (
	// ModePrimary means the scope's primary rule set is active.
	ModePrimary SamplingMode = "primary"
	// ModeFallback means repeated inspection failures escalated the scope to
	// its stricter fallback rule set.
	ModeFallback SamplingMode = "fallback"
)

// Outcome is the inspection result reported back for a sampled part.
type Outcome string

const (
	// OutcomePass marks an inspected part as good.
	OutcomePass Outcome = "pass"
	// OutcomeFail marks an inspected part as defective.
	OutcomeFail Outcome = "fail"
)

// ParseOutcome validates an outcome string from callers or CLI input.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomePass, OutcomeFail:
		return o, nil
	}
	return "", fmt.Errorf("outcome must be %q or %q, got %q", OutcomePass, OutcomeFail, s)
}

// Resource limits enforced at compile time to keep decision latency bounded
// on the manufacturing line.
const (
	// MaxRulesPerSet limits rule evaluation work per decision. 64 ordered
	// rules is far beyond observed sampling plans (typically 1-5 rules).
	MaxRulesPerSet = 64

	// MaxScopeComponentLength prevents unbounded scope keys. 128 chars
	// accommodates namespaced identifiers like "housing-rev-b/cnc-mill/deburr".
	MaxScopeComponentLength = 128

	// MaxPartIDLength bounds the caller-supplied part identifier recorded on
	// each decision. 256 chars covers serials, lot+serial composites, and DPM
	// barcode payloads.
	MaxPartIDLength = 256

	// MaxPercent is the upper bound PERCENTAGE and RANDOM rule values are
	// clamped to; both express rates in whole percent.
	MaxPercent = 100
)
