// Package config provides configuration management for the samplegate
// engine.
package config

import (
	"time"
)

// Config holds engine and storage configuration.
type Config struct {
	// StorageURL selects the backing database, sqlite:// or postgres://.
	StorageURL string

	// LockTimeout bounds how long a decision or outcome report waits for its
	// scope before failing busy.
	LockTimeout time.Duration

	// FailOpen lets parts pass uninspected when the scope's rule
	// configuration is invalid. Off by default: a broken configuration holds
	// parts rather than silently weakening inspection.
	FailOpen bool

	// DecisionLogLimit is the default page size for decision log queries.
	DecisionLogLimit int
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		StorageURL:       "sqlite://samplegate.db",
		LockTimeout:      5 * time.Second,
		FailOpen:         false,
		DecisionLogLimit: 50,
	}
}
