// internal/sampling/compile.go
package sampling

import (
	"fmt"
	"sort"

	"github.com/millrun/samplegate/internal/types"
)

/*
 * Rule set compilation and validation.
 *
 * Compiles types.RuleSet into a Plan with pre-ordered rules and validated
 * parameters. Evaluation assumes compiled rules are valid and never re-checks
 * configuration on the hot path.
 *
 * Compilation workflow:
 *   1. Validate scope, rule count, kinds, and parameter ranges
 *   2. Clamp percentage-style values to [0, MaxPercent]
 *   3. Order rules by ascending Order, ties broken by ID (stable sort)
 *   4. Validate fallback nomination: positive threshold/duration, no chaining
 *
 * Ordering is deterministic: repeated compilations of the same set evaluate
 * rules in the same sequence and report the same matched rule.
 */

// CompiledRule is a validated, normalized rule ready for evaluation.
type CompiledRule struct {
	ID    types.RuleID
	Kind  types.RuleKind
	Value int64
}

// CompiledRuleSet carries the ordered rules of one set plus the provenance
// fields stamped onto decisions.
type CompiledRuleSet struct {
	ID      types.RuleSetID
	Version int64
	Rules   []CompiledRule
}

// Plan is the full compiled configuration for a scope: the primary set,
// the optional fallback set, and the escalation thresholds that move control
// between them.
type Plan struct {
	Scope             types.ScopeKey
	Primary           *CompiledRuleSet
	Fallback          *CompiledRuleSet // nil when the primary nominates none
	FallbackThreshold int64
	FallbackDuration  int64
}

// Set returns the compiled set governing the given mode. Falls back to the
// primary set when the fallback was edited away.
func (p *Plan) Set(mode types.SamplingMode) *CompiledRuleSet {
	if mode == types.ModeFallback && p.Fallback != nil {
		return p.Fallback
	}
	return p.Primary
}

// CompilePlan validates and pre-processes a primary rule set and its optional
// fallback. All violations wrap types.ErrInvalidRuleConfig.
func CompilePlan(primary, fallback *types.RuleSet) (*Plan, error) {
	if primary == nil {
		return nil, fmt.Errorf("%w: no primary rule set", types.ErrInvalidRuleConfig)
	}
	if primary.IsFallback {
		return nil, fmt.Errorf("%w: set %s: a fallback set cannot serve as primary", types.ErrInvalidRuleConfig, primary.ID)
	}
	if err := primary.Scope.Validate(); err != nil {
		return nil, err
	}

	compiledPrimary, err := compileSet(primary)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Scope:   primary.Scope,
		Primary: compiledPrimary,
	}

	if primary.FallbackSetID == "" && fallback == nil {
		return plan, nil
	}
	if primary.FallbackSetID == "" || fallback == nil {
		return nil, fmt.Errorf("%w: set %s: fallback nomination and fallback set must be configured together", types.ErrInvalidRuleConfig, primary.ID)
	}
	if fallback.ID != primary.FallbackSetID {
		return nil, fmt.Errorf("%w: set %s nominates fallback %s but %s was supplied", types.ErrInvalidRuleConfig, primary.ID, primary.FallbackSetID, fallback.ID)
	}
	if !fallback.IsFallback {
		return nil, fmt.Errorf("%w: set %s: nominated fallback is not flagged as fallback", types.ErrInvalidRuleConfig, fallback.ID)
	}
	if fallback.FallbackSetID != "" {
		// One level only; a fallback escalating to a further fallback has no
		// defined reversion semantics.
		return nil, fmt.Errorf("%w: set %s: fallback sets cannot nominate another fallback", types.ErrInvalidRuleConfig, fallback.ID)
	}
	if fallback.Scope != primary.Scope {
		return nil, fmt.Errorf("%w: fallback %s is scoped to %s, primary to %s", types.ErrInvalidRuleConfig, fallback.ID, fallback.Scope, primary.Scope)
	}
	if primary.FallbackThreshold < 1 {
		return nil, fmt.Errorf("%w: set %s: fallback threshold must be positive, got %d", types.ErrInvalidRuleConfig, primary.ID, primary.FallbackThreshold)
	}
	if primary.FallbackDuration < 1 {
		return nil, fmt.Errorf("%w: set %s: fallback duration must be positive, got %d", types.ErrInvalidRuleConfig, primary.ID, primary.FallbackDuration)
	}

	compiledFallback, err := compileSet(fallback)
	if err != nil {
		return nil, err
	}

	plan.Fallback = compiledFallback
	plan.FallbackThreshold = primary.FallbackThreshold
	plan.FallbackDuration = primary.FallbackDuration
	return plan, nil
}

// compileSet validates one rule set and returns its rules in evaluation order.
func compileSet(set *types.RuleSet) (*CompiledRuleSet, error) {
	if len(set.Rules) == 0 {
		return nil, fmt.Errorf("%w: set %s has no rules", types.ErrInvalidRuleConfig, set.ID)
	}
	if len(set.Rules) > types.MaxRulesPerSet {
		return nil, fmt.Errorf("%w: set %s has %d rules, maximum is %d", types.ErrInvalidRuleConfig, set.ID, len(set.Rules), types.MaxRulesPerSet)
	}

	compiled := &CompiledRuleSet{
		ID:      set.ID,
		Version: set.Version,
		Rules:   make([]CompiledRule, 0, len(set.Rules)),
	}

	for _, rule := range set.Rules {
		cr, err := compileRule(set.ID, rule)
		if err != nil {
			return nil, err
		}
		compiled.Rules = append(compiled.Rules, cr)
	}

	// Evaluation order: ascending Order, ID breaks ties. Sorting the compiled
	// copy keeps the caller's slice untouched.
	order := make(map[types.RuleID]int, len(set.Rules))
	for _, rule := range set.Rules {
		order[rule.ID] = rule.Order
	}
	sort.SliceStable(compiled.Rules, func(i, j int) bool {
		oi, oj := order[compiled.Rules[i].ID], order[compiled.Rules[j].ID]
		if oi != oj {
			return oi < oj
		}
		return compiled.Rules[i].ID < compiled.Rules[j].ID
	})

	return compiled, nil
}

// compileRule validates parameter ranges for a single rule and normalizes
// percentage-style values.
func compileRule(setID types.RuleSetID, rule types.Rule) (CompiledRule, error) {
	if rule.ID == "" {
		return CompiledRule{}, fmt.Errorf("%w: set %s contains a rule without an id", types.ErrInvalidRuleConfig, setID)
	}
	if !rule.Kind.Valid() {
		return CompiledRule{}, fmt.Errorf("%w: rule %s: unknown kind %q", types.ErrInvalidRuleConfig, rule.ID, rule.Kind)
	}
	if rule.Value < 0 {
		return CompiledRule{}, fmt.Errorf("%w: rule %s: value must be non-negative, got %d", types.ErrInvalidRuleConfig, rule.ID, rule.Value)
	}

	value := rule.Value
	switch rule.Kind {
	case types.KindEveryNth:
		if value < 1 {
			return CompiledRule{}, fmt.Errorf("%w: rule %s: every_nth requires value >= 1", types.ErrInvalidRuleConfig, rule.ID)
		}
	case types.KindPercentage, types.KindRandom:
		if value > types.MaxPercent {
			value = types.MaxPercent
		}
	}

	return CompiledRule{
		ID:    rule.ID,
		Kind:  rule.Kind,
		Value: value,
	}, nil
}
