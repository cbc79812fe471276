package types

import "time"

/*
 * Domain types for sampling decisions.
 *
 * Provides Rule, RuleSet, StepState, and Decision structures used by
 * internal/sampling for compilation and evaluation and by internal/store for
 * persistence. Escalation wiring (which set is the fallback, when it
 * activates, when control reverts) lives on the nominating primary set, not
 * on the fallback set itself.
 *
 * Key types:
 *   - Rule: one sampling directive with a fixed evaluation order
 *   - RuleSet: ordered, versioned rules for one scope
 *   - StepState: mutable per-scope counters the engine owns
 *   - Decision: the per-part audit record callers correlate outcomes against
 */

// Rule is a single sampling directive within a RuleSet.
type Rule struct {
	ID    RuleID
	Kind  RuleKind
	Value int64 // N for every_nth/first_n/last_n/exact_count; whole percent for percentage/random
	Order int   // evaluation position, ascending; ties broken by ID
}

// RuleSet is an ordered collection of rules governing one scope. A primary
// set may nominate a stricter fallback set: after FallbackThreshold
// consecutive inspection failures the fallback set takes over, and after
// FallbackDuration consecutive passing inspections control reverts.
type RuleSet struct {
	ID         RuleSetID
	Scope      ScopeKey
	Version    int64
	Active     bool
	IsFallback bool

	// Fallback nomination; zero values on sets that nominate none and on
	// fallback sets themselves (no chaining past one level).
	FallbackSetID     RuleSetID
	FallbackThreshold int64
	FallbackDuration  int64

	Rules     []Rule
	CreatedAt time.Time
}

// RuleCounters holds the per-rule running counters that make every_nth,
// percentage, and exact_count deterministic across a run. Persisted as JSON
// inside the scope's state row.
type RuleCounters struct {
	Seen    int64 `json:"seen"`    // evaluations of this rule (every_nth modulus base)
	Accum   int64 `json:"accum"`   // percentage accumulator, always < 100 after evaluation
	Sampled int64 `json:"sampled"` // parts this rule sampled (exact_count quota tracking)
}

// StepState is the mutable sampling state for one scope, created lazily on
// the first decision and mutated only under the scope's lock. PartsSeen is
// monotonic; the engine never resets it, only explicit administrative action
// does.
type StepState struct {
	Scope               ScopeKey
	PartsSeen           int64
	ConsecutiveFailures int64 // FAIL streak while the primary set is active
	ConsecutiveGood     int64 // PASS streak accumulated only while the fallback is active
	Mode                SamplingMode
	ActiveSetID         RuleSetID
	RuleSetVersion      int64 // version the per-rule counters were accumulated under

	RuleCounters map[RuleID]*RuleCounters

	// Rev supports optimistic concurrency in external stores; incremented on
	// every committed mutation.
	Rev       int64
	UpdatedAt time.Time
}

// NewStepState returns the initial state for a scope: primary mode, all
// counters zero.
func NewStepState(scope ScopeKey) *StepState {
	return &StepState{
		Scope:        scope,
		Mode:         ModePrimary,
		RuleCounters: make(map[RuleID]*RuleCounters),
	}
}

// CountersFor returns the counter bucket for a rule, creating it on first use.
func (s *StepState) CountersFor(id RuleID) *RuleCounters {
	if s.RuleCounters == nil {
		s.RuleCounters = make(map[RuleID]*RuleCounters)
	}
	c, ok := s.RuleCounters[id]
	if !ok {
		c = &RuleCounters{}
		s.RuleCounters[id] = c
	}
	return c
}

// Clone returns a deep copy. The engine mutates a clone and commits it, so a
// failed store write never corrupts previously loaded state.
func (s *StepState) Clone() *StepState {
	out := *s
	out.RuleCounters = make(map[RuleID]*RuleCounters, len(s.RuleCounters))
	for id, c := range s.RuleCounters {
		cc := *c
		out.RuleCounters[id] = &cc
	}
	return &out
}

// ResetRuleCounters clears the per-rule counters after a ruleset version
// bump. PartsSeen and the escalation streaks survive; a full administrative
// reset goes through Reset instead.
func (s *StepState) ResetRuleCounters(version int64) {
	s.RuleCounters = make(map[RuleID]*RuleCounters)
	s.RuleSetVersion = version
}

// Reset returns the scope to factory state: primary mode, every counter
// zero. Administrative action only.
func (s *StepState) Reset() {
	s.PartsSeen = 0
	s.ConsecutiveFailures = 0
	s.ConsecutiveGood = 0
	s.Mode = ModePrimary
	s.ActiveSetID = ""
	s.RuleCounters = make(map[RuleID]*RuleCounters)
}

// Decision is the audit record produced by every Decide call. Sampled parts
// carry provenance (which rule in which set version fired); the caller
// reports the inspection outcome against ID exactly once.
type Decision struct {
	ID      DecisionID
	Scope   ScopeKey
	PartID  string
	Sampled bool

	// Provenance; zero values when no rule fired or no rules were configured.
	MatchedRule    RuleID
	RuleSetID      RuleSetID
	RuleSetVersion int64
	Mode           SamplingMode

	// Outcome is empty until the caller reports; ResolvedAt records when.
	Outcome    Outcome
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Resolved reports whether an inspection outcome has been recorded.
func (d *Decision) Resolved() bool {
	return d.Outcome != ""
}
