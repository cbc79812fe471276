// internal/core/db/migrations_test.go
package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	database, err := Open("sqlite://" + filepath.Join(t.TempDir(), "samplegate.db"))
	if err != nil {
		t.Fatalf("Open() error = %v, want nil", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrateUp_AppliesAndIsIdempotent(t *testing.T) {
	database := openTestDB(t)

	before, err := MigrateStatus(database)
	if err != nil {
		t.Fatalf("MigrateStatus() error = %v, want nil", err)
	}
	if len(before) == 0 {
		t.Fatal("no embedded migrations found")
	}
	for _, status := range before {
		if status.Applied {
			t.Errorf("migration %s applied before MigrateUp", status.ID)
		}
	}

	if err := MigrateUp(database); err != nil {
		t.Fatalf("MigrateUp() error = %v, want nil", err)
	}

	after, err := MigrateStatus(database)
	if err != nil {
		t.Fatalf("MigrateStatus() error = %v, want nil", err)
	}
	for _, status := range after {
		if !status.Applied {
			t.Errorf("migration %s still pending", status.ID)
		}
		if status.AppliedAt == nil || status.AppliedAt.IsZero() {
			t.Errorf("migration %s has no applied timestamp", status.ID)
		}
	}

	// The schema is in place.
	var n int
	if err := database.Get(&n, "SELECT COUNT(*) FROM rulesets"); err != nil {
		t.Errorf("rulesets table missing after migration: %v", err)
	}

	// A second run must be a no-op, not a failure.
	if err := MigrateUp(database); err != nil {
		t.Fatalf("MigrateUp() second run error = %v, want nil", err)
	}
}

func TestMigrateUp_DetectsTamperedChecksum(t *testing.T) {
	database := openTestDB(t)
	if err := MigrateUp(database); err != nil {
		t.Fatalf("MigrateUp() error = %v, want nil", err)
	}

	if _, err := database.Exec("UPDATE migrations SET checksum = 'deadbeef'"); err != nil {
		t.Fatalf("tampering with checksum: %v", err)
	}

	err := MigrateUp(database)
	if err == nil {
		t.Fatal("MigrateUp() error = nil after checksum tamper, want error")
	}
	if !strings.Contains(err.Error(), "checksum") {
		t.Errorf("MigrateUp() error = %v, want checksum mismatch", err)
	}
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	if _, err := Open("mysql://localhost/quality"); err == nil {
		t.Error("Open() error = nil for unsupported scheme, want error")
	}
}

func TestLoadQueries(t *testing.T) {
	database := openTestDB(t)

	queries, err := LoadQueries(database)
	if err != nil {
		t.Fatalf("LoadQueries() error = %v, want nil", err)
	}

	for _, name := range []string{
		"get-active-rulesets", "get-rules-for-set", "deactivate-rulesets",
		"insert-ruleset", "insert-rule",
		"get-state", "insert-state", "update-state",
		"insert-decision", "get-decision", "resolve-decision", "list-decisions",
	} {
		stmt, err := queries.SQL(name)
		if err != nil {
			t.Errorf("SQL(%q) error = %v, want nil", name, err)
		}
		if strings.TrimSpace(stmt) == "" {
			t.Errorf("SQL(%q) = empty statement", name)
		}
	}

	if _, err := queries.SQL("no-such-query"); err == nil {
		t.Error("SQL(unknown) error = nil, want error")
	}
}
