// internal/store/memory.go
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/millrun/samplegate/internal/types"
)

// Memory is a Store held entirely in process memory. It backs tests and
// one-shot simulations; nothing survives a restart. Unlike the SQL store it
// keeps no history of deactivated rule sets, only the active configuration.
type Memory struct {
	mu        sync.RWMutex
	configs   map[types.ScopeKey]*ScopeConfig
	states    map[types.ScopeKey]*types.StepState
	decisions map[types.DecisionID]*types.Decision

	// order preserves insertion order per scope; insertion is commit order,
	// so walking it backwards yields newest first.
	order map[types.ScopeKey][]types.DecisionID
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		configs:   make(map[types.ScopeKey]*ScopeConfig),
		states:    make(map[types.ScopeKey]*types.StepState),
		decisions: make(map[types.DecisionID]*types.Decision),
		order:     make(map[types.ScopeKey][]types.DecisionID),
	}
}

func (m *Memory) ScopeConfig(ctx context.Context, scope types.ScopeKey) (*ScopeConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[scope]
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", scope, types.ErrUnknownScope)
	}
	return &ScopeConfig{
		Primary:  copyRuleSet(cfg.Primary),
		Fallback: copyRuleSet(cfg.Fallback),
	}, nil
}

func (m *Memory) ApplyRuleSets(ctx context.Context, primary, fallback *types.RuleSet) error {
	if primary == nil {
		return fmt.Errorf("primary rule set must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[primary.Scope] = &ScopeConfig{
		Primary:  copyRuleSet(primary),
		Fallback: copyRuleSet(fallback),
	}
	return nil
}

func (m *Memory) State(ctx context.Context, scope types.ScopeKey) (*types.StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[scope]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (m *Memory) SaveState(ctx context.Context, state *types.StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saveStateLocked(state)
}

func (m *Memory) CommitDecision(ctx context.Context, state *types.StepState, decision *types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state != nil {
		if err := m.saveStateLocked(state); err != nil {
			return err
		}
	}
	m.insertDecisionLocked(decision)
	return nil
}

func (m *Memory) Decision(ctx context.Context, id types.DecisionID) (*types.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	decision, ok := m.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, types.ErrDecisionNotFound)
	}
	return copyDecision(decision), nil
}

func (m *Memory) CommitOutcome(ctx context.Context, state *types.StepState, decision *types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.decisions[decision.ID]
	if !ok {
		return fmt.Errorf("decision %s: %w", decision.ID, types.ErrDecisionNotFound)
	}
	if current.Resolved() {
		return fmt.Errorf("decision %s: %w", decision.ID, types.ErrDuplicateReport)
	}
	if state != nil {
		if err := m.saveStateLocked(state); err != nil {
			return err
		}
	}
	m.decisions[decision.ID] = copyDecision(decision)
	return nil
}

func (m *Memory) ListDecisions(ctx context.Context, scope types.ScopeKey, limit int) ([]*types.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[scope]
	if limit > len(ids) {
		limit = len(ids)
	}

	out := make([]*types.Decision, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyDecision(m.decisions[ids[i]]))
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

// saveStateLocked enforces the optimistic revision check: a state loaded at
// revision R only writes if the stored revision is still R, and a fresh state
// (Rev zero) only writes if no row exists yet.
func (m *Memory) saveStateLocked(state *types.StepState) error {
	current, ok := m.states[state.Scope]
	switch {
	case !ok && state.Rev == 0:
	case ok && current.Rev == state.Rev:
	default:
		return fmt.Errorf("scope %s: %w", state.Scope, types.ErrStateConflict)
	}

	stored := state.Clone()
	stored.Rev++
	m.states[state.Scope] = stored
	return nil
}

func (m *Memory) insertDecisionLocked(decision *types.Decision) {
	m.decisions[decision.ID] = copyDecision(decision)
	m.order[decision.Scope] = append(m.order[decision.Scope], decision.ID)
}

func copyRuleSet(set *types.RuleSet) *types.RuleSet {
	if set == nil {
		return nil
	}
	out := *set
	out.Rules = append([]types.Rule(nil), set.Rules...)
	return &out
}

func copyDecision(decision *types.Decision) *types.Decision {
	out := *decision
	if decision.ResolvedAt != nil {
		resolved := *decision.ResolvedAt
		out.ResolvedAt = &resolved
	}
	return &out
}
