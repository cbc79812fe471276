package types

import "errors"

// Sentinel errors for SampleGate operations. Boundaries wrap these with
// context via fmt.Errorf("...: %w", ...); callers classify with errors.Is.
var (
	// ErrInvalidRuleConfig indicates a malformed rule or rule set. Fatal:
	// surfaced to the administrator, never retried automatically. Decide
	// fails closed on it unless the engine is configured to fail open.
	ErrInvalidRuleConfig = errors.New("invalid sampling rule configuration")

	// ErrUnknownScope indicates no rule set is configured for a scope.
	// Recoverable: the decision defaults to not-sampled and is logged.
	ErrUnknownScope = errors.New("no sampling rules configured for scope")

	// ErrEngineBusy indicates the per-scope lock could not be acquired within
	// the configured timeout. The caller retries with backoff; the engine
	// never converts contention into a silent not-sampled decision.
	ErrEngineBusy = errors.New("scope busy: lock acquisition timed out")

	// ErrDuplicateReport indicates a second outcome report for an
	// already-resolved decision. The first report wins; counters are
	// untouched.
	ErrDuplicateReport = errors.New("inspection outcome already recorded for decision")

	// ErrDecisionNotFound indicates an outcome report referenced an unknown
	// decision ID.
	ErrDecisionNotFound = errors.New("decision not found")

	// ErrNotSampled indicates an outcome report for a part the engine never
	// routed to inspection. Escalation tracks inspected-and-failed rates
	// only, so these reports are rejected rather than ignored.
	ErrNotSampled = errors.New("decision did not route the part to inspection")

	// ErrStateConflict indicates a concurrent writer changed a scope's state
	// row between read and commit. Surfaced to callers as ErrEngineBusy for
	// retry.
	ErrStateConflict = errors.New("sampling state modified concurrently")
)
