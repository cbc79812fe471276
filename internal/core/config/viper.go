package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults matching DefaultConfig
	v.SetDefault("storage.url", "sqlite://samplegate.db")
	v.SetDefault("engine.lock_timeout", "5s")
	v.SetDefault("engine.fail_open", false)
	v.SetDefault("engine.decision_log_limit", 50)

	// Bind environment variables with SG_ prefix
	v.SetEnvPrefix("SG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		StorageURL:       v.GetString("storage.url"),
		LockTimeout:      v.GetDuration("engine.lock_timeout"),
		FailOpen:         v.GetBool("engine.fail_open"),
		DecisionLogLimit: v.GetInt("engine.decision_log_limit"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks the storage URL scheme and positive bounds.
func validateConfig(cfg *Config) error {
	if cfg.StorageURL == "" {
		return fmt.Errorf("storage.url must not be empty")
	}
	if !strings.HasPrefix(cfg.StorageURL, "sqlite://") && !strings.HasPrefix(cfg.StorageURL, "postgres://") {
		return fmt.Errorf("storage.url must use sqlite:// or postgres:// scheme, got %q", cfg.StorageURL)
	}
	if cfg.LockTimeout <= 0 {
		return fmt.Errorf("engine.lock_timeout must be positive, got %v", cfg.LockTimeout)
	}
	if cfg.DecisionLogLimit <= 0 {
		return fmt.Errorf("engine.decision_log_limit must be positive, got %d", cfg.DecisionLogLimit)
	}
	return nil
}
