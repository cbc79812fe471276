// internal/store/store.go

// Package store persists sampling configuration, per-scope counters, and the
// decision audit log. Two implementations exist: a SQL store backed by SQLite
// or PostgreSQL for production, and an in-memory store for tests and
// single-shot simulations.
//
// Writes that the engine treats as atomic (a decision plus the counter
// advance that produced it, an outcome plus the streak update it caused) are
// single methods here so each implementation can bracket them in one
// transaction. State writes carry an optimistic revision check: every
// successful write increments StepState.Rev, and a write against a stale Rev
// fails with types.ErrStateConflict so concurrent processes sharing a
// database cannot silently drop counter updates.
package store

import (
	"context"

	"github.com/millrun/samplegate/internal/types"
)

// ScopeConfig is the active rule configuration for one scope.
type ScopeConfig struct {
	Primary  *types.RuleSet
	Fallback *types.RuleSet // nil when the primary nominates none
}

// Store is the persistence boundary of the sampling engine.
//
// Implementations must return copies the caller may mutate freely, and must
// treat pointers passed in as borrowed for the duration of the call.
type Store interface {
	// ScopeConfig loads the active primary and fallback rule sets for a
	// scope. Returns types.ErrUnknownScope when no active primary exists.
	ScopeConfig(ctx context.Context, scope types.ScopeKey) (*ScopeConfig, error)

	// ApplyRuleSets atomically deactivates the scope's current rule sets and
	// installs the given primary and optional fallback as active.
	ApplyRuleSets(ctx context.Context, primary, fallback *types.RuleSet) error

	// State loads the counter state for a scope. Returns (nil, nil) when the
	// scope has never been decided on; lazy creation is the engine's job.
	State(ctx context.Context, scope types.ScopeKey) (*types.StepState, error)

	// SaveState writes a state snapshot on its own, outside any decision.
	// Used by rule updates and administrative resets. Subject to the Rev
	// check described in the package comment.
	SaveState(ctx context.Context, state *types.StepState) error

	// CommitDecision atomically writes an updated state snapshot and appends
	// a decision record. A nil state appends the decision alone, which is how
	// arrivals at unconfigured scopes enter the audit trail without creating
	// counter rows.
	CommitDecision(ctx context.Context, state *types.StepState, decision *types.Decision) error

	// Decision loads one decision by ID. Returns types.ErrDecisionNotFound
	// when no such decision exists.
	Decision(ctx context.Context, id types.DecisionID) (*types.Decision, error)

	// CommitOutcome atomically resolves a decision with its inspection
	// outcome and writes the resulting state snapshot. Returns
	// types.ErrDuplicateReport when the decision is already resolved.
	CommitOutcome(ctx context.Context, state *types.StepState, decision *types.Decision) error

	// ListDecisions returns the most recent decisions for a scope, newest
	// first, at most limit entries.
	ListDecisions(ctx context.Context, scope types.ScopeKey, limit int) ([]*types.Decision, error)

	// Close releases the store's resources.
	Close() error
}
