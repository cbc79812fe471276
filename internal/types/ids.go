package types

import (
	"time"

	"github.com/google/uuid"
)

// DecisionID identifies one per-part sampling decision.
// IDs are UUIDv7 strings, so lexical order follows creation time.
type DecisionID string

// RuleSetID identifies a rule set version.
type RuleSetID string

// RuleID identifies a single rule within a rule set.
type RuleID string

// NewDecisionID returns a new time-ordered decision identifier.
func NewDecisionID() DecisionID {
	return DecisionID(uuid.Must(uuid.NewV7()).String())
}

// NewRuleSetID returns a new rule set identifier.
func NewRuleSetID() RuleSetID {
	return RuleSetID(uuid.Must(uuid.NewV7()).String())
}

// NewRuleID returns a new rule identifier.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// ParseDecisionID validates s as a UUID and converts it.
func ParseDecisionID(s string) (DecisionID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return DecisionID(s), nil
}

// ParseRuleSetID validates s as a UUID and converts it.
func ParseRuleSetID(s string) (RuleSetID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return RuleSetID(s), nil
}

// DecisionIDTime extracts the timestamp embedded in a decision ID.
// Returns the zero time for malformed IDs.
func DecisionIDTime(id DecisionID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
