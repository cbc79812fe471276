// internal/sampling/engine.go

// Package sampling implements the inspection sampling decision engine: rule
// set compilation, per-part decision evaluation, and the escalation state
// machine that moves a scope between its primary and fallback rule sets based
// on inspection outcomes.
//
// The engine is a library. Callers embed it behind whatever transport they
// run (line controller process, admin CLI) and hand it a store.Store for
// persistence. All mutating operations serialize per scope, so two decisions
// for parts at the same manufacturing step never interleave, while distinct
// scopes proceed concurrently.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/millrun/samplegate/internal/metrics"
	"github.com/millrun/samplegate/internal/store"
	"github.com/millrun/samplegate/internal/types"
)

const (
	// DefaultLockTimeout bounds how long a Decide or ReportOutcome call waits
	// for its scope before giving up with ErrEngineBusy. Line controllers
	// need an answer within a takt cycle; waiting longer than this means
	// something upstream is wedged.
	DefaultLockTimeout = 5 * time.Second

	// DefaultDecisionLimit is how many audit records RecentDecisions returns
	// when the caller does not say.
	DefaultDecisionLimit = 50
)

// Options configures an Engine. The zero value is usable: crypto randomness,
// the default slog logger, no metrics, fail-closed on invalid rule
// configuration.
type Options struct {
	// LockTimeout bounds per-scope lock acquisition. Zero means
	// DefaultLockTimeout; negative means wait until the context is done.
	LockTimeout time.Duration

	// FailOpen controls what an invalid rule configuration does to Decide.
	// When false (the default) Decide returns the configuration error and the
	// caller must hold the part. When true the part passes uninspected and
	// the decision is still recorded for the audit trail.
	FailOpen bool

	// Rand supplies draws for the probabilistic rule kinds. Nil means
	// CryptoSource.
	Rand Source

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine makes sampling decisions and tracks inspection outcomes per scope.
type Engine struct {
	store       store.Store
	lockTimeout time.Duration
	failOpen    bool
	rand        Source
	logger      *slog.Logger
	metrics     *metrics.Metrics
	locks       *scopeLocks

	planMu sync.RWMutex
	plans  map[types.ScopeKey]*cachedPlan
}

// cachedPlan keys a compiled plan by the identity of the rule sets it was
// compiled from, so a rule update in another process invalidates it on the
// next load.
type cachedPlan struct {
	primaryID  types.RuleSetID
	primaryVer int64
	fallbackID types.RuleSetID
	plan       *Plan
}

// NewEngine builds an engine on top of the given store.
func NewEngine(st store.Store, opts Options) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("sampling: store must not be nil")
	}

	e := &Engine{
		store:       st,
		lockTimeout: opts.LockTimeout,
		failOpen:    opts.FailOpen,
		rand:        opts.Rand,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		locks:       newScopeLocks(),
		plans:       make(map[types.ScopeKey]*cachedPlan),
	}
	if e.lockTimeout == 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	if e.rand == nil {
		e.rand = CryptoSource{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// DecideOptions carries the optional per-call inputs to Decide.
type DecideOptions struct {
	// TotalInRun is the declared size of the current production run. Zero
	// means unknown, in which case LAST_N and EXACT_COUNT rules abstain.
	TotalInRun int64

	// Rand overrides the engine's draw source for this call. Simulations use
	// a seeded source here without touching live decisions.
	Rand Source
}

// Decide records the arrival of one part at a scope and returns whether it
// must be routed to inspection. Every call appends a decision to the audit
// trail, including arrivals at scopes with no configured rules, which resolve
// to "not sampled".
//
// Counter updates and the decision record commit atomically; a storage error
// leaves both untouched. Returns ErrEngineBusy when the scope lock cannot be
// acquired within the configured timeout.
func (e *Engine) Decide(ctx context.Context, scope types.ScopeKey, partID string, opts DecideOptions) (*types.Decision, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if partID == "" {
		return nil, fmt.Errorf("part id must not be empty")
	}
	if len(partID) > types.MaxPartIDLength {
		return nil, fmt.Errorf("part id exceeds %d bytes", types.MaxPartIDLength)
	}
	if opts.TotalInRun < 0 {
		return nil, fmt.Errorf("total in run must be non-negative, got %d", opts.TotalInRun)
	}

	release, err := e.acquire(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg, err := e.store.ScopeConfig(ctx, scope)
	if errors.Is(err, types.ErrUnknownScope) {
		return e.decideUnconfigured(ctx, scope, partID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading scope config: %w", err)
	}

	plan, err := e.planFor(scope, cfg)
	if err != nil {
		return e.decideInvalidConfig(ctx, scope, partID, nil, types.ModePrimary, err)
	}

	state, err := e.loadState(ctx, scope, plan)
	if err != nil {
		return nil, err
	}
	normalizeState(state, plan)
	state.PartsSeen++

	active := plan.Set(state.Mode)
	rnd := opts.Rand
	if rnd == nil {
		rnd = e.rand
	}

	sampled, matched, err := evalSet(active, state, evalInput{
		partsSeen:  state.PartsSeen,
		totalInRun: opts.TotalInRun,
		rand:       rnd,
	})
	if err != nil {
		// The state copy carries partial counter updates; drop it.
		return e.decideInvalidConfig(ctx, scope, partID, active, state.Mode, err)
	}

	now := time.Now().UTC()
	state.UpdatedAt = now
	decision := &types.Decision{
		ID:             types.NewDecisionID(),
		Scope:          scope,
		PartID:         partID,
		Sampled:        sampled,
		MatchedRule:    matched,
		RuleSetID:      active.ID,
		RuleSetVersion: active.Version,
		Mode:           state.Mode,
		CreatedAt:      now,
	}

	if err := e.store.CommitDecision(ctx, state, decision); err != nil {
		return nil, fmt.Errorf("committing decision: %w", err)
	}

	e.metrics.Decision(state.Mode, sampled)
	e.logger.Debug("sampling decision",
		"scope", scope,
		"part_id", partID,
		"decision_id", decision.ID,
		"sampled", sampled,
		"matched_rule", matched,
		"mode", state.Mode,
	)
	return decision, nil
}

// decideUnconfigured records a not-sampled decision for a scope with no
// active rules. By contract this is not an error to the caller: a line must
// keep moving when sampling was never configured, and the arrival still lands
// in the audit trail.
func (e *Engine) decideUnconfigured(ctx context.Context, scope types.ScopeKey, partID string) (*types.Decision, error) {
	decision := &types.Decision{
		ID:        types.NewDecisionID(),
		Scope:     scope,
		PartID:    partID,
		Mode:      types.ModePrimary,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CommitDecision(ctx, nil, decision); err != nil {
		return nil, fmt.Errorf("committing decision: %w", err)
	}

	e.metrics.UnknownScope()
	e.logger.Warn("no sampling rules configured, part not sampled",
		"scope", scope,
		"part_id", partID,
		"decision_id", decision.ID,
	)
	return decision, nil
}

// decideInvalidConfig resolves a Decide call that hit a broken rule
// configuration. Fail-closed surfaces the error so the caller holds the part;
// fail-open waves the part through and records that it went uninspected.
// Counter state is not committed either way.
func (e *Engine) decideInvalidConfig(ctx context.Context, scope types.ScopeKey, partID string, active *CompiledRuleSet, mode types.SamplingMode, cause error) (*types.Decision, error) {
	e.metrics.InvalidConfig()
	if !e.failOpen {
		e.logger.Error("invalid sampling rule configuration, failing closed",
			"scope", scope,
			"part_id", partID,
			"error", cause,
		)
		return nil, cause
	}

	decision := &types.Decision{
		ID:        types.NewDecisionID(),
		Scope:     scope,
		PartID:    partID,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
	if active != nil {
		decision.RuleSetID = active.ID
		decision.RuleSetVersion = active.Version
	}
	if err := e.store.CommitDecision(ctx, nil, decision); err != nil {
		return nil, fmt.Errorf("committing decision: %w", err)
	}

	e.logger.Error("invalid sampling rule configuration, failing open",
		"scope", scope,
		"part_id", partID,
		"decision_id", decision.ID,
		"error", cause,
	)
	return decision, nil
}

// OutcomeResult reports where the escalation state machine landed after an
// outcome was applied.
type OutcomeResult struct {
	ActiveSetID types.RuleSetID
	Mode        types.SamplingMode
	// Transitioned is true when this outcome flipped the scope between
	// primary and fallback.
	Transitioned bool
}

// ReportOutcome records the inspection result for a sampled part and advances
// the escalation state machine. The first report for a decision wins;
// repeats return ErrDuplicateReport and leave all state untouched. Reporting
// against a decision that did not sample the part returns ErrNotSampled.
func (e *Engine) ReportOutcome(ctx context.Context, id types.DecisionID, outcome types.Outcome) (*OutcomeResult, error) {
	if id == "" {
		return nil, fmt.Errorf("decision id must not be empty")
	}
	if outcome != types.OutcomePass && outcome != types.OutcomeFail {
		return nil, fmt.Errorf("unknown outcome %q", outcome)
	}

	// Resolve the scope before locking; the decision's scope never changes,
	// so the unlocked read is only a routing lookup.
	peek, err := e.store.Decision(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx, peek.Scope)
	if err != nil {
		return nil, err
	}
	defer release()

	decision, err := e.store.Decision(ctx, id)
	if err != nil {
		return nil, err
	}
	if decision.Resolved() {
		return nil, fmt.Errorf("decision %s already resolved as %s: %w", id, decision.Outcome, types.ErrDuplicateReport)
	}
	if !decision.Sampled {
		return nil, fmt.Errorf("decision %s: %w", id, types.ErrNotSampled)
	}

	// Outcome recording must not be blocked by configuration problems, so a
	// missing or invalid config downgrades to "no transitions possible".
	var plan *Plan
	cfg, err := e.store.ScopeConfig(ctx, decision.Scope)
	switch {
	case errors.Is(err, types.ErrUnknownScope):
	case err != nil:
		return nil, fmt.Errorf("loading scope config: %w", err)
	default:
		if plan, err = e.planFor(decision.Scope, cfg); err != nil {
			e.logger.Warn("invalid rule configuration while recording outcome",
				"scope", decision.Scope,
				"error", err,
			)
			plan = nil
		}
	}

	state, err := e.store.State(ctx, decision.Scope)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if state == nil {
		state = types.NewStepState(decision.Scope)
	}
	if plan != nil {
		normalizeState(state, plan)
	}

	transitioned := applyOutcome(state, plan, outcome)

	now := time.Now().UTC()
	state.UpdatedAt = now
	decision.Outcome = outcome
	decision.ResolvedAt = &now

	if err := e.store.CommitOutcome(ctx, state, decision); err != nil {
		return nil, fmt.Errorf("committing outcome: %w", err)
	}

	e.metrics.Outcome(outcome)
	e.logger.Debug("inspection outcome recorded",
		"scope", decision.Scope,
		"decision_id", id,
		"outcome", outcome,
	)
	if transitioned {
		direction := "escalate"
		message := "scope escalated to fallback sampling"
		if state.Mode == types.ModePrimary {
			direction = "revert"
			message = "scope reverted to primary sampling"
		}
		e.metrics.Transition(direction)
		e.logger.Info(message,
			"scope", decision.Scope,
			"active_set", state.ActiveSetID,
			"decision_id", id,
		)
	}

	return &OutcomeResult{
		ActiveSetID:  state.ActiveSetID,
		Mode:         state.Mode,
		Transitioned: transitioned,
	}, nil
}

// RuleSpec describes one rule in an update request. Order fixes the
// evaluation position; zero means "use my position in the list".
type RuleSpec struct {
	Kind  types.RuleKind
	Value int64
	Order int
}

// FallbackSpec nominates a fallback set and the thresholds that move control
// to and from it.
type FallbackSpec struct {
	// Threshold is the consecutive-failure count that escalates to the
	// fallback set.
	Threshold int64
	// Duration is the consecutive-pass count under the fallback that reverts
	// to the primary set.
	Duration int64
	Rules    []RuleSpec
}

// UpdateRequest replaces the full rule configuration of one scope.
type UpdateRequest struct {
	Scope    types.ScopeKey
	Rules    []RuleSpec
	Fallback *FallbackSpec

	// FullReset zeroes every counter including PartsSeen and forces primary
	// mode. Without it the update performs a partial reset: per-rule counters
	// restart, lifetime and streak counters carry over.
	FullReset bool
}

// UpdateRuleSet validates and installs a new rule configuration for a scope,
// bumping the scope's version. The previous sets stay in storage, deactivated,
// so old decisions keep resolvable provenance.
func (e *Engine) UpdateRuleSet(ctx context.Context, req UpdateRequest) (*store.ScopeConfig, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	defer release()

	var version int64 = 1
	prev, err := e.store.ScopeConfig(ctx, req.Scope)
	switch {
	case errors.Is(err, types.ErrUnknownScope):
	case err != nil:
		return nil, fmt.Errorf("loading scope config: %w", err)
	default:
		version = prev.Primary.Version + 1
	}

	now := time.Now().UTC()
	primary := &types.RuleSet{
		ID:        types.NewRuleSetID(),
		Scope:     req.Scope,
		Version:   version,
		Active:    true,
		Rules:     materializeRules(req.Rules),
		CreatedAt: now,
	}
	var fallback *types.RuleSet
	if req.Fallback != nil {
		fallback = &types.RuleSet{
			ID:         types.NewRuleSetID(),
			Scope:      req.Scope,
			Version:    version,
			Active:     true,
			IsFallback: true,
			Rules:      materializeRules(req.Fallback.Rules),
			CreatedAt:  now,
		}
		primary.FallbackSetID = fallback.ID
		primary.FallbackThreshold = req.Fallback.Threshold
		primary.FallbackDuration = req.Fallback.Duration
	}

	plan, err := CompilePlan(primary, fallback)
	if err != nil {
		return nil, err
	}

	if err := e.store.ApplyRuleSets(ctx, primary, fallback); err != nil {
		return nil, fmt.Errorf("applying rule sets: %w", err)
	}

	state, err := e.store.State(ctx, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if state == nil {
		state = types.NewStepState(req.Scope)
	}
	if req.FullReset {
		state.Reset()
	} else {
		state.ResetRuleCounters(version)
	}
	normalizeState(state, plan)
	state.UpdatedAt = now

	if err := e.store.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}

	e.planMu.Lock()
	e.plans[req.Scope] = &cachedPlan{
		primaryID:  primary.ID,
		primaryVer: version,
		fallbackID: primary.FallbackSetID,
		plan:       plan,
	}
	e.planMu.Unlock()

	e.logger.Info("sampling rules updated",
		"scope", req.Scope,
		"version", version,
		"rules", len(req.Rules),
		"fallback", fallback != nil,
		"full_reset", req.FullReset,
	)
	return &store.ScopeConfig{Primary: primary, Fallback: fallback}, nil
}

// ActiveRuleSet returns the rule set currently governing a scope, resolved
// against its escalation mode, plus the mode itself.
func (e *Engine) ActiveRuleSet(ctx context.Context, scope types.ScopeKey) (*types.RuleSet, types.SamplingMode, error) {
	if err := scope.Validate(); err != nil {
		return nil, "", err
	}

	cfg, err := e.store.ScopeConfig(ctx, scope)
	if err != nil {
		return nil, "", err
	}
	state, err := e.store.State(ctx, scope)
	if err != nil {
		return nil, "", fmt.Errorf("loading state: %w", err)
	}

	if state != nil && state.Mode == types.ModeFallback && cfg.Fallback != nil {
		return cfg.Fallback, types.ModeFallback, nil
	}
	return cfg.Primary, types.ModePrimary, nil
}

// State returns a snapshot of the counter state for a scope. A configured
// scope that has not seen a part yet reports zeroed counters rather than an
// error; an unconfigured scope reports ErrUnknownScope.
func (e *Engine) State(ctx context.Context, scope types.ScopeKey) (*types.StepState, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	state, err := e.store.State(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if state != nil {
		return state, nil
	}

	cfg, err := e.store.ScopeConfig(ctx, scope)
	if err != nil {
		return nil, err
	}
	state = types.NewStepState(scope)
	state.ActiveSetID = cfg.Primary.ID
	state.RuleSetVersion = cfg.Primary.Version
	return state, nil
}

// ResetState zeroes counters for a scope. A full reset also forces primary
// mode and restarts the lifetime arrival count; a partial reset clears only
// the per-rule counters.
func (e *Engine) ResetState(ctx context.Context, scope types.ScopeKey, full bool) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	release, err := e.acquire(ctx, scope)
	if err != nil {
		return err
	}
	defer release()

	cfg, err := e.store.ScopeConfig(ctx, scope)
	if err != nil {
		return err
	}
	plan, err := e.planFor(scope, cfg)
	if err != nil {
		return err
	}

	state, err := e.loadState(ctx, scope, plan)
	if err != nil {
		return err
	}
	if full {
		state.Reset()
	} else {
		state.ResetRuleCounters(state.RuleSetVersion)
	}
	normalizeState(state, plan)
	state.UpdatedAt = time.Now().UTC()

	if err := e.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}

	e.logger.Info("sampling state reset", "scope", scope, "full", full)
	return nil
}

// RecentDecisions returns the scope's audit trail, newest first.
func (e *Engine) RecentDecisions(ctx context.Context, scope types.ScopeKey, limit int) ([]*types.Decision, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultDecisionLimit
	}
	return e.store.ListDecisions(ctx, scope, limit)
}

func (e *Engine) acquire(ctx context.Context, scope types.ScopeKey) (func(), error) {
	release, err := e.locks.acquire(ctx, scope, e.lockTimeout)
	if err != nil {
		if errors.Is(err, types.ErrEngineBusy) {
			e.metrics.BusyTimeout()
			e.logger.Warn("scope lock timed out", "scope", scope, "timeout", e.lockTimeout)
		}
		return nil, err
	}
	return release, nil
}

// loadState fetches the scope's state or lazily creates it pointed at the
// plan's primary set.
func (e *Engine) loadState(ctx context.Context, scope types.ScopeKey, plan *Plan) (*types.StepState, error) {
	state, err := e.store.State(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if state == nil {
		state = types.NewStepState(scope)
		state.ActiveSetID = plan.Primary.ID
		state.RuleSetVersion = plan.Primary.Version
	}
	return state, nil
}

// planFor returns the compiled plan for a scope, recompiling when the stored
// rule sets no longer match the cached identity.
func (e *Engine) planFor(scope types.ScopeKey, cfg *store.ScopeConfig) (*Plan, error) {
	var fallbackID types.RuleSetID
	if cfg.Fallback != nil {
		fallbackID = cfg.Fallback.ID
	}

	e.planMu.RLock()
	cached, ok := e.plans[scope]
	e.planMu.RUnlock()
	if ok && cached.primaryID == cfg.Primary.ID && cached.primaryVer == cfg.Primary.Version && cached.fallbackID == fallbackID {
		return cached.plan, nil
	}

	plan, err := CompilePlan(cfg.Primary, cfg.Fallback)
	if err != nil {
		return nil, err
	}

	e.planMu.Lock()
	e.plans[scope] = &cachedPlan{
		primaryID:  cfg.Primary.ID,
		primaryVer: cfg.Primary.Version,
		fallbackID: fallbackID,
		plan:       plan,
	}
	e.planMu.Unlock()
	return plan, nil
}

func materializeRules(specs []RuleSpec) []types.Rule {
	rules := make([]types.Rule, 0, len(specs))
	for i, spec := range specs {
		order := spec.Order
		if order == 0 {
			order = i + 1
		}
		rules = append(rules, types.Rule{
			ID:    types.NewRuleID(),
			Kind:  spec.Kind,
			Value: spec.Value,
			Order: order,
		})
	}
	return rules
}
