// internal/store/sql_test.go
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/millrun/samplegate/internal/core/db"
	"github.com/millrun/samplegate/internal/types"
)

func newSQLStore(t *testing.T) *SQL {
	t.Helper()

	database, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "samplegate.db"))
	if err != nil {
		t.Fatalf("Open() error = %v, want nil", err)
	}
	if err := db.MigrateUp(database); err != nil {
		t.Fatalf("MigrateUp() error = %v, want nil", err)
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		t.Fatalf("LoadQueries() error = %v, want nil", err)
	}

	s := NewSQL(queries)
	t.Cleanup(func() { s.Close() })
	return s
}

func sqlScope() types.ScopeKey {
	return types.ScopeKey{PartType: "manifold", Process: "casting", Step: "leak-test"}
}

// Timestamps persist at second precision, so fixtures truncate up front to
// keep round-trip comparisons exact.
func sqlRuleSet(scope types.ScopeKey, version int64, rules ...types.Rule) *types.RuleSet {
	return &types.RuleSet{
		ID:        types.NewRuleSetID(),
		Scope:     scope,
		Version:   version,
		Active:    true,
		Rules:     rules,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func sqlDecision(scope types.ScopeKey, partID string, sampled bool) *types.Decision {
	return &types.Decision{
		ID:        types.NewDecisionID(),
		Scope:     scope,
		PartID:    partID,
		Sampled:   sampled,
		Mode:      types.ModePrimary,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQL_ScopeConfigRoundTrip(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	scope := sqlScope()

	if _, err := s.ScopeConfig(ctx, scope); !errors.Is(err, types.ErrUnknownScope) {
		t.Errorf("ScopeConfig() error = %v, want ErrUnknownScope", err)
	}

	// Rules inserted out of evaluation order; the read must sort them.
	primary := sqlRuleSet(scope, 1,
		types.Rule{ID: "r-second", Kind: types.KindPercentage, Value: 10, Order: 2},
		types.Rule{ID: "r-first", Kind: types.KindEveryNth, Value: 5, Order: 1},
		types.Rule{ID: "r-third", Kind: types.KindRandom, Value: 3, Order: 3},
	)
	fallback := sqlRuleSet(scope, 1,
		types.Rule{ID: "r-all", Kind: types.KindFirstN, Value: 100, Order: 1},
	)
	fallback.IsFallback = true
	primary.FallbackSetID = fallback.ID
	primary.FallbackThreshold = 2
	primary.FallbackDuration = 3

	if err := s.ApplyRuleSets(ctx, primary, fallback); err != nil {
		t.Fatalf("ApplyRuleSets() error = %v, want nil", err)
	}

	cfg, err := s.ScopeConfig(ctx, scope)
	if err != nil {
		t.Fatalf("ScopeConfig() error = %v, want nil", err)
	}
	if cfg.Primary.ID != primary.ID {
		t.Errorf("Primary.ID = %s, want %s", cfg.Primary.ID, primary.ID)
	}
	if cfg.Primary.FallbackSetID != fallback.ID {
		t.Errorf("FallbackSetID = %s, want %s", cfg.Primary.FallbackSetID, fallback.ID)
	}
	if cfg.Primary.FallbackThreshold != 2 || cfg.Primary.FallbackDuration != 3 {
		t.Errorf("thresholds = (%d, %d), want (2, 3)",
			cfg.Primary.FallbackThreshold, cfg.Primary.FallbackDuration)
	}
	if !cfg.Primary.CreatedAt.Equal(primary.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", cfg.Primary.CreatedAt, primary.CreatedAt)
	}

	wantOrder := []types.RuleID{"r-first", "r-second", "r-third"}
	if len(cfg.Primary.Rules) != len(wantOrder) {
		t.Fatalf("len(Rules) = %d, want %d", len(cfg.Primary.Rules), len(wantOrder))
	}
	for i, want := range wantOrder {
		if cfg.Primary.Rules[i].ID != want {
			t.Errorf("Rules[%d].ID = %s, want %s", i, cfg.Primary.Rules[i].ID, want)
		}
	}

	if cfg.Fallback == nil {
		t.Fatal("Fallback = nil, want stored set")
	}
	if !cfg.Fallback.IsFallback {
		t.Error("Fallback.IsFallback = false, want true")
	}
	if len(cfg.Fallback.Rules) != 1 || cfg.Fallback.Rules[0].Kind != types.KindFirstN {
		t.Errorf("Fallback.Rules = %+v, want one first_n rule", cfg.Fallback.Rules)
	}
}

func TestSQL_ApplyRuleSetsDeactivatesPrevious(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	scope := sqlScope()

	v1 := sqlRuleSet(scope, 1, types.Rule{ID: "r-v1", Kind: types.KindEveryNth, Value: 5, Order: 1})
	v1Fallback := sqlRuleSet(scope, 1, types.Rule{ID: "r-v1f", Kind: types.KindFirstN, Value: 10, Order: 1})
	v1Fallback.IsFallback = true
	v1.FallbackSetID = v1Fallback.ID
	v1.FallbackThreshold = 2
	v1.FallbackDuration = 2
	if err := s.ApplyRuleSets(ctx, v1, v1Fallback); err != nil {
		t.Fatalf("ApplyRuleSets(v1) error = %v, want nil", err)
	}

	// v2 drops the fallback entirely; nothing of v1 may remain visible.
	v2 := sqlRuleSet(scope, 2, types.Rule{ID: "r-v2", Kind: types.KindEveryNth, Value: 3, Order: 1})
	if err := s.ApplyRuleSets(ctx, v2, nil); err != nil {
		t.Fatalf("ApplyRuleSets(v2) error = %v, want nil", err)
	}

	cfg, err := s.ScopeConfig(ctx, scope)
	if err != nil {
		t.Fatalf("ScopeConfig() error = %v, want nil", err)
	}
	if cfg.Primary.ID != v2.ID || cfg.Primary.Version != 2 {
		t.Errorf("Primary = (%s, v%d), want (%s, v2)", cfg.Primary.ID, cfg.Primary.Version, v2.ID)
	}
	if cfg.Fallback != nil {
		t.Errorf("Fallback = %+v, want nil after v2", cfg.Fallback)
	}
}

func TestSQL_StateLifecycle(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	scope := sqlScope()

	got, err := s.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	if got != nil {
		t.Fatalf("State() = %+v for untouched scope, want nil", got)
	}

	fresh := types.NewStepState(scope)
	fresh.PartsSeen = 7
	fresh.ConsecutiveFailures = 1
	fresh.Mode = types.ModeFallback
	fresh.ActiveSetID = "set-fb"
	fresh.RuleSetVersion = 2
	fresh.CountersFor("r-nth").Seen = 7
	fresh.CountersFor("r-pct").Accum = 45
	fresh.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	if err := s.SaveState(ctx, fresh); err != nil {
		t.Fatalf("SaveState(fresh) error = %v, want nil", err)
	}

	loaded, err := s.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	if loaded.Rev != 1 {
		t.Errorf("Rev = %d, want 1", loaded.Rev)
	}
	if loaded.PartsSeen != 7 || loaded.ConsecutiveFailures != 1 {
		t.Errorf("counters = (%d, %d), want (7, 1)", loaded.PartsSeen, loaded.ConsecutiveFailures)
	}
	if loaded.Mode != types.ModeFallback || loaded.ActiveSetID != "set-fb" {
		t.Errorf("mode = (%s, %s), want (%s, set-fb)", loaded.Mode, loaded.ActiveSetID, types.ModeFallback)
	}
	if got := loaded.CountersFor("r-nth").Seen; got != 7 {
		t.Errorf("r-nth Seen = %d, want 7", got)
	}
	if got := loaded.CountersFor("r-pct").Accum; got != 45 {
		t.Errorf("r-pct Accum = %d, want 45", got)
	}

	// The pre-save snapshot is stale now.
	if err := s.SaveState(ctx, fresh); !errors.Is(err, types.ErrStateConflict) {
		t.Errorf("SaveState(stale) error = %v, want ErrStateConflict", err)
	}

	loaded.PartsSeen = 8
	if err := s.SaveState(ctx, loaded); err != nil {
		t.Fatalf("SaveState(current) error = %v, want nil", err)
	}
	reread, err := s.State(ctx, scope)
	if err != nil {
		t.Fatalf("State() error = %v, want nil", err)
	}
	if reread.Rev != 2 || reread.PartsSeen != 8 {
		t.Errorf("state = (rev %d, seen %d), want (rev 2, seen 8)", reread.Rev, reread.PartsSeen)
	}
}

func TestSQL_DecisionLifecycle(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	scope := sqlScope()

	if _, err := s.Decision(ctx, types.NewDecisionID()); !errors.Is(err, types.ErrDecisionNotFound) {
		t.Errorf("Decision(unknown) error = %v, want ErrDecisionNotFound", err)
	}

	decision := sqlDecision(scope, "PN-0001", true)
	decision.MatchedRule = "r-nth"
	decision.RuleSetID = "set-1"
	decision.RuleSetVersion = 1
	if err := s.CommitDecision(ctx, nil, decision); err != nil {
		t.Fatalf("CommitDecision() error = %v, want nil", err)
	}

	got, err := s.Decision(ctx, decision.ID)
	if err != nil {
		t.Fatalf("Decision() error = %v, want nil", err)
	}
	if got.PartID != "PN-0001" || !got.Sampled || got.MatchedRule != "r-nth" {
		t.Errorf("decision = %+v, want sampled PN-0001 matched by r-nth", got)
	}
	if got.Resolved() {
		t.Error("Resolved() = true before any outcome")
	}
	if !got.CreatedAt.Equal(decision.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, decision.CreatedAt)
	}

	now := time.Now().UTC().Truncate(time.Second)
	resolved := *decision
	resolved.Outcome = types.OutcomeFail
	resolved.ResolvedAt = &now
	if err := s.CommitOutcome(ctx, nil, &resolved); err != nil {
		t.Fatalf("CommitOutcome() error = %v, want nil", err)
	}

	got, err = s.Decision(ctx, decision.ID)
	if err != nil {
		t.Fatalf("Decision() error = %v, want nil", err)
	}
	if !got.Resolved() || got.Outcome != types.OutcomeFail {
		t.Errorf("decision = (resolved %v, outcome %s), want (true, %s)",
			got.Resolved(), got.Outcome, types.OutcomeFail)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(now) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, now)
	}

	if err := s.CommitOutcome(ctx, nil, &resolved); !errors.Is(err, types.ErrDuplicateReport) {
		t.Errorf("CommitOutcome(again) error = %v, want ErrDuplicateReport", err)
	}

	ghost := sqlDecision(scope, "PN-GHOST", true)
	ghost.Outcome = types.OutcomePass
	ghost.ResolvedAt = &now
	if err := s.CommitOutcome(ctx, nil, ghost); !errors.Is(err, types.ErrDecisionNotFound) {
		t.Errorf("CommitOutcome(unknown) error = %v, want ErrDecisionNotFound", err)
	}
}

func TestSQL_CommitDecisionIsAtomic(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	scope := sqlScope()

	current := types.NewStepState(scope)
	current.UpdatedAt = time.Now().UTC()
	if err := s.SaveState(ctx, current); err != nil {
		t.Fatalf("SaveState() error = %v, want nil", err)
	}

	// Same snapshot again: its revision check must fail and take the decision
	// insert down with it.
	decision := sqlDecision(scope, "PN-0001", true)
	err := s.CommitDecision(ctx, current, decision)
	if !errors.Is(err, types.ErrStateConflict) {
		t.Fatalf("CommitDecision() error = %v, want ErrStateConflict", err)
	}

	if _, err := s.Decision(ctx, decision.ID); !errors.Is(err, types.ErrDecisionNotFound) {
		t.Errorf("Decision() error = %v, want ErrDecisionNotFound", err)
	}
	decisions, err := s.ListDecisions(ctx, scope, 10)
	if err != nil {
		t.Fatalf("ListDecisions() error = %v, want nil", err)
	}
	if len(decisions) != 0 {
		t.Errorf("len(decisions) = %d, want 0", len(decisions))
	}
}

func TestSQL_ListDecisionsNewestFirst(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	scope := sqlScope()
	other := types.ScopeKey{PartType: "manifold", Process: "casting", Step: "balance"}

	var ids []types.DecisionID
	for i := 1; i <= 3; i++ {
		decision := sqlDecision(scope, fmt.Sprintf("PN-%04d", i), false)
		if err := s.CommitDecision(ctx, nil, decision); err != nil {
			t.Fatalf("CommitDecision() error = %v, want nil", err)
		}
		ids = append(ids, decision.ID)
	}
	// A neighbour scope's records must not bleed into the listing.
	if err := s.CommitDecision(ctx, nil, sqlDecision(other, "PN-OTHER", false)); err != nil {
		t.Fatalf("CommitDecision() error = %v, want nil", err)
	}

	decisions, err := s.ListDecisions(ctx, scope, 10)
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

	limited, err := s.ListDecisions(ctx, scope, 1)
	if err != nil {
		t.Fatalf("ListDecisions() error = %v, want nil", err)
	}
	if len(limited) != 1 || limited[0].ID != ids[2] {
		t.Errorf("limited list = %v, want only the newest", limited)
	}
}
