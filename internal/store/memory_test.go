// internal/store/memory_test.go
package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/millrun/samplegate/internal/types"
)

func memScope() types.ScopeKey {
	return types.ScopeKey{PartType: "bracket", Process: "stamping", Step: "thickness-gauge"}
}

func memRuleSet(scope types.ScopeKey, version int64) *types.RuleSet {
	return &types.RuleSet{
		ID:        types.NewRuleSetID(),
		Scope:     scope,
		Version:   version,
		Active:    true,
		Rules:     []types.Rule{{ID: types.NewRuleID(), Kind: types.KindEveryNth, Value: 5, Order: 1}},
		CreatedAt: time.Now().UTC(),
	}
}

func memDecision(scope types.ScopeKey, partID string, sampled bool) *types.Decision {
	return &types.Decision{
		ID:        types.NewDecisionID(),
		Scope:     scope,
		PartID:    partID,
		Sampled:   sampled,
		Mode:      types.ModePrimary,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemory_ScopeConfig(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	scope := memScope()

	if _, err := mem.ScopeConfig(ctx, scope); !errors.Is(err, types.ErrUnknownScope) {
		t.Errorf("ScopeConfig() error = %v, want ErrUnknownScope", err)
	}

	v1 := memRuleSet(scope, 1)
	if err := mem.ApplyRuleSets(ctx, v1, nil); err != nil {
		t.Fatalf("ApplyRuleSets() error = %v, want nil", err)
	}

	cfg, err := mem.ScopeConfig(ctx, scope)
	if err != nil {
		t.Fatalf("ScopeConfig() error = %v, want nil", err)
	}
	if cfg.Primary.ID != v1.ID {
		t.Errorf("Primary.ID = %s, want %s", cfg.Primary.ID, v1.ID)
	}
	if cfg.Fallback != nil {
		t.Errorf("Fallback = %+v, want nil", cfg.Fallback)
	}

	// Returned config is a copy; mutations must not leak into the store.
	cfg.Primary.Rules[0].Value = 999
	reread, err := mem.ScopeConfig(ctx, scope)
	if err != nil {
		t.Fatalf("ScopeConfig() error = %v, want nil", err)
	}
	if reread.Primary.Rules[0].Value != 5 {
		t.Errorf("stored rule value = %d after caller mutation, want 5", reread.Primary.Rules[0].Value)
	}

	// A new application replaces the visible configuration outright.
	v2 := memRuleSet(scope, 2)
	if err := mem.ApplyRuleSets(ctx, v2, nil); err != nil {
		t.Fatalf("ApplyRuleSets() error = %v, want nil", err)
	}
	cfg, err = mem.ScopeConfig(ctx, scope)
	if err != nil {
		t.Fatalf("ScopeConfig() error = %v, want nil", err)
	}
	if cfg.Primary.ID != v2.ID || cfg.Primary.Version != 2 {
		t.Errorf("Primary = (%s, v%d), want (%s, v2)", cfg.Primary.ID, cfg.Primary.Version, v2.ID)
	}
}

func TestMemory_StateRevisionCheck(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	scope := memScope()

	got, err := mem.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	if got != nil {
		t.Fatalf("State() = %+v for untouched scope, want nil", got)
	}

	fresh := types.NewStepState(scope)
	fresh.PartsSeen = 1
	if err := mem.SaveState(ctx, fresh); err != nil {
		t.Fatalf("SaveState(fresh) error = %v, want nil", err)
	}

	loaded, err := mem.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	if loaded.Rev != 1 {
		t.Fatalf("Rev = %d after first save, want 1", loaded.Rev)
	}

	// A writer still holding the pre-save snapshot must lose.
	if err := mem.SaveState(ctx, fresh); !errors.Is(err, types.ErrStateConflict) {
		t.Errorf("SaveState(stale) error = %v, want ErrStateConflict", err)
	}

	loaded.PartsSeen = 2
	if err := mem.SaveState(ctx, loaded); err != nil {
		t.Fatalf("SaveState(current) error = %v, want nil", err)
	}
	reread, err := mem.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	if reread.Rev != 2 || reread.PartsSeen != 2 {
		t.Errorf("state = (rev %d, seen %d), want (rev 2, seen 2)", reread.Rev, reread.PartsSeen)
	}
}

func TestMemory_CommitDecisionIsAtomic(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	scope := memScope()

	current := types.NewStepState(scope)
	if err := mem.SaveState(ctx, current); err != nil {
		t.Fatalf("SaveState() error = %v, want nil", err)
	}

	// Same snapshot again: stale after the save above.
	decision := memDecision(scope, "PN-0001", true)
	err := mem.CommitDecision(ctx, current, decision)
	if !errors.Is(err, types.ErrStateConflict) {
		t.Fatalf("CommitDecision() error = %v, want ErrStateConflict", err)
	}

	// The decision must not have landed.
	if _, err := mem.Decision(ctx, decision.ID); !errors.Is(err, types.ErrDecisionNotFound) {
		t.Errorf("Decision() error = %v, want ErrDecisionNotFound", err)
	}
	decisions, err := mem.ListDecisions(ctx, scope, 10)
	if err != nil {
		t.Fatalf("ListDecisions() error = %v, want nil", err)
	}
	if len(decisions) != 0 {
		t.Errorf("len(decisions) = %d, want 0", len(decisions))
	}
}

func TestMemory_CommitOutcome(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	scope := memScope()

	decision := memDecision(scope, "PN-0001", true)
	if err := mem.CommitDecision(ctx, nil, decision); err != nil {
		t.Fatalf("CommitDecision() error = %v, want nil", err)
	}

	unknown := memDecision(scope, "PN-GHOST", true)
	if err := mem.CommitOutcome(ctx, nil, unknown); !errors.Is(err, types.ErrDecisionNotFound) {
		t.Errorf("CommitOutcome(unknown) error = %v, want ErrDecisionNotFound", err)
	}

	now := time.Now().UTC()
	resolved := copyDecision(decision)
	resolved.Outcome = types.OutcomeFail
	resolved.ResolvedAt = &now
	if err := mem.CommitOutcome(ctx, nil, resolved); err != nil {
		t.Fatalf("CommitOutcome() error = %v, want nil", err)
	}

	got, err := mem.Decision(ctx, decision.ID)
	if err != nil {
		t.Fatalf("Decision() error = %v, want nil", err)
	}
	if !got.Resolved() || got.Outcome != types.OutcomeFail {
		t.Errorf("decision = (resolved %v, outcome %s), want (true, %s)",
			got.Resolved(), got.Outcome, types.OutcomeFail)
	}

	if err := mem.CommitOutcome(ctx, nil, resolved); !errors.Is(err, types.ErrDuplicateReport) {
		t.Errorf("CommitOutcome(again) error = %v, want ErrDuplicateReport", err)
	}
}

func TestMemory_ListDecisionsNewestFirst(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	scope := memScope()

	var ids []types.DecisionID
	for i := 1; i <= 3; i++ {
		decision := memDecision(scope, fmt.Sprintf("PN-%04d", i), false)
		if err := mem.CommitDecision(ctx, nil, decision); err != nil {
			t.Fatalf("CommitDecision() error = %v, want nil", err)
		}
		ids = append(ids, decision.ID)
	}

	decisions, err := mem.ListDecisions(ctx, scope, 10)
	if err != nil {
		t.Fatalf("ListDecisions() error = %v, want nil", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("len(decisions) = %d, want 3", len(decisions))
	}
	for i, want := range []types.DecisionID{ids[2], ids[1], ids[0]} {
		if decisions[i].ID != want {
			t.Errorf("decisions[%d].ID = %s, want %s", i, decisions[i].ID, want)
		}
	}

	limited, err := mem.ListDecisions(ctx, scope, 2)
	if err != nil {
		t.Fatalf("ListDecisions() error = %v, want nil", err)
	}
	if len(limited) != 2 || limited[0].ID != ids[2] || limited[1].ID != ids[1] {
		t.Errorf("limited list = %v, want newest two", limited)
	}
}

func TestMemory_StateCopiesAreIsolated(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	scope := memScope()

	state := types.NewStepState(scope)
	state.CountersFor("r-1").Seen = 3
	if err := mem.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState() error = %v, want nil", err)
	}

	// Mutating either the saved original or a loaded copy must not reach the
	// stored value.
	state.CountersFor("r-1").Seen = 99
	loaded, err := mem.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	loaded.CountersFor("r-1").Seen = 77

	reread, err := mem.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	if got := reread.CountersFor("r-1").Seen; got != 3 {
		t.Errorf("stored Seen = %d, want 3", got)
	}
}
