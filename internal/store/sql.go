// internal/store/sql.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/millrun/samplegate/internal/core/db"
	"github.com/millrun/samplegate/internal/types"
)

/*
 * SQL-backed Store.
 *
 * Runs on SQLite or PostgreSQL through the db package's named queries; the
 * schemas are column-identical so one code path serves both. Timestamps are
 * stored as UTC RFC3339 TEXT and flags as 0/1 integers, which keeps the
 * parameter encoding uniform across drivers (lib/pq and go-sqlite3 disagree
 * on bool and time encodings).
 *
 * Atomicity: CommitDecision and CommitOutcome bracket their state write and
 * decision write in one transaction. State writes are revision-checked; a
 * zero-rows-affected result means another process won the write and surfaces
 * as types.ErrStateConflict.
 */

// SQL is a Store backed by a relational database.
type SQL struct {
	q *db.Queries
}

// NewSQL wraps a loaded query set as a Store. The caller owns opening the
// connection and running migrations first.
func NewSQL(queries *db.Queries) *SQL {
	return &SQL{q: queries}
}

func (s *SQL) ScopeConfig(ctx context.Context, scope types.ScopeKey) (*ScopeConfig, error) {
	var rows []ruleSetRow
	if err := s.q.Select(ctx, "get-active-rulesets", &rows, scope.PartType, scope.Process, scope.Step); err != nil {
		return nil, fmt.Errorf("loading rule sets: %w", err)
	}

	cfg := &ScopeConfig{}
	for i := range rows {
		set, err := s.loadRuleSet(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		if set.IsFallback {
			cfg.Fallback = set
		} else {
			cfg.Primary = set
		}
	}
	if cfg.Primary == nil {
		return nil, fmt.Errorf("scope %s: %w", scope, types.ErrUnknownScope)
	}
	return cfg, nil
}

func (s *SQL) ApplyRuleSets(ctx context.Context, primary, fallback *types.RuleSet) error {
	if primary == nil {
		return fmt.Errorf("primary rule set must not be nil")
	}

	return s.inTx(func(tx *sqlx.Tx) error {
		deactivate, err := s.q.SQL("deactivate-rulesets")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deactivate, primary.Scope.PartType, primary.Scope.Process, primary.Scope.Step); err != nil {
			return fmt.Errorf("deactivating rule sets: %w", err)
		}

		if err := s.insertRuleSet(ctx, tx, primary); err != nil {
			return err
		}
		if fallback != nil {
			if err := s.insertRuleSet(ctx, tx, fallback); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQL) State(ctx context.Context, scope types.ScopeKey) (*types.StepState, error) {
	var row stateRow
	err := s.q.Get(ctx, "get-state", &row, scope.PartType, scope.Process, scope.Step)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	return row.toState()
}

func (s *SQL) SaveState(ctx context.Context, state *types.StepState) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		return s.upsertState(ctx, tx, state)
	})
}

func (s *SQL) CommitDecision(ctx context.Context, state *types.StepState, decision *types.Decision) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		if state != nil {
			if err := s.upsertState(ctx, tx, state); err != nil {
				return err
			}
		}
		return s.insertDecision(ctx, tx, decision)
	})
}

func (s *SQL) Decision(ctx context.Context, id types.DecisionID) (*types.Decision, error) {
	var row decisionRow
	err := s.q.Get(ctx, "get-decision", &row, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision %s: %w", id, types.ErrDecisionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading decision: %w", err)
	}
	return row.toDecision()
}

func (s *SQL) CommitOutcome(ctx context.Context, state *types.StepState, decision *types.Decision) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		resolve, err := s.q.SQL("resolve-decision")
		if err != nil {
			return err
		}

		var resolvedAt interface{}
		if decision.ResolvedAt != nil {
			resolvedAt = formatTime(*decision.ResolvedAt)
		}
		res, err := tx.ExecContext(ctx, resolve, string(decision.Outcome), resolvedAt, string(decision.ID))
		if err != nil {
			return fmt.Errorf("resolving decision: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolving decision: %w", err)
		}
		if n == 0 {
			// Nothing matched: the decision is unknown or already resolved.
			get, err := s.q.SQL("get-decision")
			if err != nil {
				return err
			}
			var row decisionRow
			err = tx.GetContext(ctx, &row, get, string(decision.ID))
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("decision %s: %w", decision.ID, types.ErrDecisionNotFound)
			}
			if err != nil {
				return fmt.Errorf("loading decision: %w", err)
			}
			return fmt.Errorf("decision %s: %w", decision.ID, types.ErrDuplicateReport)
		}

		if state != nil {
			if err := s.upsertState(ctx, tx, state); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQL) ListDecisions(ctx context.Context, scope types.ScopeKey, limit int) ([]*types.Decision, error) {
	var rows []decisionRow
	if err := s.q.Select(ctx, "list-decisions", &rows, scope.PartType, scope.Process, scope.Step, limit); err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}

	out := make([]*types.Decision, 0, len(rows))
	for i := range rows {
		decision, err := rows[i].toDecision()
		if err != nil {
			return nil, err
		}
		out = append(out, decision)
	}
	return out, nil
}

func (s *SQL) Close() error {
	return s.q.DB().Close()
}

func (s *SQL) inTx(fn func(*sqlx.Tx) error) error {
	tx, err := s.q.DB().Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQL) loadRuleSet(ctx context.Context, row *ruleSetRow) (*types.RuleSet, error) {
	set, err := row.toRuleSet()
	if err != nil {
		return nil, err
	}

	var ruleRows []ruleRow
	if err := s.q.Select(ctx, "get-rules-for-set", &ruleRows, row.RuleSetID); err != nil {
		return nil, fmt.Errorf("loading rules for set %s: %w", row.RuleSetID, err)
	}
	for _, rr := range ruleRows {
		set.Rules = append(set.Rules, types.Rule{
			ID:    types.RuleID(rr.RuleID),
			Kind:  types.RuleKind(rr.Kind),
			Value: rr.Value,
			Order: int(rr.RuleOrder),
		})
	}
	return set, nil
}

func (s *SQL) insertRuleSet(ctx context.Context, tx *sqlx.Tx, set *types.RuleSet) error {
	insertSet, err := s.q.SQL("insert-ruleset")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, insertSet,
		string(set.ID), set.Scope.PartType, set.Scope.Process, set.Scope.Step,
		set.Version, boolToInt(set.Active), boolToInt(set.IsFallback),
		string(set.FallbackSetID), set.FallbackThreshold, set.FallbackDuration,
		formatTime(set.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting rule set %s: %w", set.ID, err)
	}

	insertRule, err := s.q.SQL("insert-rule")
	if err != nil {
		return err
	}
	for _, rule := range set.Rules {
		_, err := tx.ExecContext(ctx, insertRule,
			string(rule.ID), string(set.ID), string(rule.Kind), rule.Value, rule.Order,
		)
		if err != nil {
			return fmt.Errorf("inserting rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// upsertState writes a state snapshot with the optimistic revision check.
// States loaded at revision R write rev R+1 guarded by WHERE rev = R; fresh
// states insert rev 1 guarded by ON CONFLICT DO NOTHING.
func (s *SQL) upsertState(ctx context.Context, tx *sqlx.Tx, state *types.StepState) error {
	counters, err := json.Marshal(state.RuleCounters)
	if err != nil {
		return fmt.Errorf("encoding rule counters: %w", err)
	}

	var res sql.Result
	if state.Rev == 0 {
		insert, err := s.q.SQL("insert-state")
		if err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, insert,
			state.Scope.PartType, state.Scope.Process, state.Scope.Step,
			state.PartsSeen, state.ConsecutiveFailures, state.ConsecutiveGood,
			string(state.Mode), string(state.ActiveSetID), state.RuleSetVersion,
			string(counters), int64(1), formatTime(state.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting state: %w", err)
		}
	} else {
		update, err := s.q.SQL("update-state")
		if err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, update,
			state.PartsSeen, state.ConsecutiveFailures, state.ConsecutiveGood,
			string(state.Mode), string(state.ActiveSetID), state.RuleSetVersion,
			string(counters), state.Rev+1, formatTime(state.UpdatedAt),
			state.Scope.PartType, state.Scope.Process, state.Scope.Step, state.Rev,
		)
		if err != nil {
			return fmt.Errorf("updating state: %w", err)
		}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking state write: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("scope %s: %w", state.Scope, types.ErrStateConflict)
	}
	return nil
}

func (s *SQL) insertDecision(ctx context.Context, tx *sqlx.Tx, decision *types.Decision) error {
	insert, err := s.q.SQL("insert-decision")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, insert,
		string(decision.ID),
		decision.Scope.PartType, decision.Scope.Process, decision.Scope.Step,
		decision.PartID, boolToInt(decision.Sampled), string(decision.MatchedRule),
		string(decision.RuleSetID), decision.RuleSetVersion, string(decision.Mode),
		formatTime(decision.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting decision %s: %w", decision.ID, err)
	}
	return nil
}

type ruleSetRow struct {
	RuleSetID         string `db:"ruleset_id"`
	PartType          string `db:"part_type"`
	Process           string `db:"process"`
	Step              string `db:"step"`
	Version           int64  `db:"version"`
	Active            int64  `db:"active"`
	IsFallback        int64  `db:"is_fallback"`
	FallbackSetID     string `db:"fallback_set_id"`
	FallbackThreshold int64  `db:"fallback_threshold"`
	FallbackDuration  int64  `db:"fallback_duration"`
	CreatedAt         string `db:"created_at"`
}

func (r *ruleSetRow) toRuleSet() (*types.RuleSet, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("rule set %s: %w", r.RuleSetID, err)
	}
	return &types.RuleSet{
		ID:                types.RuleSetID(r.RuleSetID),
		Scope:             types.ScopeKey{PartType: r.PartType, Process: r.Process, Step: r.Step},
		Version:           r.Version,
		Active:            r.Active != 0,
		IsFallback:        r.IsFallback != 0,
		FallbackSetID:     types.RuleSetID(r.FallbackSetID),
		FallbackThreshold: r.FallbackThreshold,
		FallbackDuration:  r.FallbackDuration,
		CreatedAt:         createdAt,
	}, nil
}

type ruleRow struct {
	RuleID    string `db:"rule_id"`
	RuleSetID string `db:"ruleset_id"`
	Kind      string `db:"kind"`
	Value     int64  `db:"value"`
	RuleOrder int64  `db:"rule_order"`
}

type stateRow struct {
	PartType            string `db:"part_type"`
	Process             string `db:"process"`
	Step                string `db:"step"`
	PartsSeen           int64  `db:"parts_seen"`
	ConsecutiveFailures int64  `db:"consecutive_failures"`
	ConsecutiveGood     int64  `db:"consecutive_good"`
	Mode                string `db:"mode"`
	ActiveSetID         string `db:"active_set_id"`
	RuleSetVersion      int64  `db:"ruleset_version"`
	RuleCounters        string `db:"rule_counters"`
	Rev                 int64  `db:"rev"`
	UpdatedAt           string `db:"updated_at"`
}

func (r *stateRow) toState() (*types.StepState, error) {
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("state for %s/%s/%s: %w", r.PartType, r.Process, r.Step, err)
	}

	counters := make(map[types.RuleID]*types.RuleCounters)
	if err := json.Unmarshal([]byte(r.RuleCounters), &counters); err != nil {
		return nil, fmt.Errorf("decoding rule counters for %s/%s/%s: %w", r.PartType, r.Process, r.Step, err)
	}

	return &types.StepState{
		Scope:               types.ScopeKey{PartType: r.PartType, Process: r.Process, Step: r.Step},
		PartsSeen:           r.PartsSeen,
		ConsecutiveFailures: r.ConsecutiveFailures,
		ConsecutiveGood:     r.ConsecutiveGood,
		Mode:                types.SamplingMode(r.Mode),
		ActiveSetID:         types.RuleSetID(r.ActiveSetID),
		RuleSetVersion:      r.RuleSetVersion,
		RuleCounters:        counters,
		Rev:                 r.Rev,
		UpdatedAt:           updatedAt,
	}, nil
}

type decisionRow struct {
	DecisionID     string         `db:"decision_id"`
	PartType       string         `db:"part_type"`
	Process        string         `db:"process"`
	Step           string         `db:"step"`
	PartID         string         `db:"part_id"`
	Sampled        int64          `db:"sampled"`
	MatchedRule    string         `db:"matched_rule"`
	RuleSetID      string         `db:"ruleset_id"`
	RuleSetVersion int64          `db:"ruleset_version"`
	Mode           string         `db:"mode"`
	Outcome        sql.NullString `db:"outcome"`
	CreatedAt      string         `db:"created_at"`
	ResolvedAt     sql.NullString `db:"resolved_at"`
}

func (r *decisionRow) toDecision() (*types.Decision, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("decision %s: %w", r.DecisionID, err)
	}

	decision := &types.Decision{
		ID:             types.DecisionID(r.DecisionID),
		Scope:          types.ScopeKey{PartType: r.PartType, Process: r.Process, Step: r.Step},
		PartID:         r.PartID,
		Sampled:        r.Sampled != 0,
		MatchedRule:    types.RuleID(r.MatchedRule),
		RuleSetID:      types.RuleSetID(r.RuleSetID),
		RuleSetVersion: r.RuleSetVersion,
		Mode:           types.SamplingMode(r.Mode),
		CreatedAt:      createdAt,
	}
	if r.Outcome.Valid {
		decision.Outcome = types.Outcome(r.Outcome.String)
	}
	if r.ResolvedAt.Valid {
		resolvedAt, err := parseTime(r.ResolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decision %s: %w", r.DecisionID, err)
		}
		decision.ResolvedAt = &resolvedAt
	}
	return decision, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
