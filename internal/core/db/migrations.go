package db

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	embeddedmigrations "github.com/millrun/samplegate/migrations"
)

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

// migration represents a parsed migration file
type migration struct {
	ID       string
	Checksum string
	SQL      string
}

// MigrateUp runs all pending migrations against the database. Validates
// checksums of already-applied migrations before applying anything, so a
// modified migration file halts the process instead of diverging schemas.
func MigrateUp(db *sqlx.DB) error {
	migrations, err := loadMigrations(db.DriverName())
	if err != nil {
		return err
	}

	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	if err := validateChecksums(db, migrations); err != nil {
		return fmt.Errorf("migration checksum validation failed: %w", err)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}

		start := time.Now()

		// Execution and recording share a transaction; a migration that runs
		// but fails to record would otherwise re-run forever.
		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.ID, err)
		}

		if err := applyMigration(tx, m); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", m.ID, err)
		}

		if err := recordMigration(tx, m.ID, m.Checksum, time.Since(start)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.ID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.ID, err)
		}
	}

	return nil
}

// MigrateStatus returns the status of all migrations (applied and pending).
func MigrateStatus(db *sqlx.DB) ([]MigrationStatus, error) {
	migrations, err := loadMigrations(db.DriverName())
	if err != nil {
		return nil, err
	}

	if err := createMigrationsTable(db); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.Queryx("SELECT migration_id, checksum, applied_at, execution_ms FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]MigrationStatus)
	for rows.Next() {
		var status MigrationStatus
		var appliedAt interface{}
		if err := rows.Scan(&status.ID, &status.Checksum, &appliedAt, &status.ExecutionMs); err != nil {
			return nil, err
		}
		ts, err := scanTime(appliedAt)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", status.ID, err)
		}
		status.AppliedAt = &ts
		status.Applied = true
		applied[status.ID] = status
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		if s, ok := applied[m.ID]; ok {
			statuses = append(statuses, s)
			continue
		}
		statuses = append(statuses, MigrationStatus{
			ID:       m.ID,
			Checksum: m.Checksum,
			Applied:  false,
		})
	}

	return statuses, nil
}

// loadMigrations parses the embedded migration files for a driver into an
// ordered list with SHA256 checksums.
func loadMigrations(driver string) ([]migration, error) {
	var migrationsFS embed.FS
	var migrationsDir string

	switch driver {
	case "sqlite3":
		migrationsFS = embeddedmigrations.SqliteMigrations
		migrationsDir = "sqlite"
	case "postgres":
		migrationsFS = embeddedmigrations.PostgresMigrations
		migrationsDir = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	var migrations []migration

	err := fs.WalkDir(migrationsFS, migrationsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		// SHA256 checksum for tamper detection
		hash := sha256.Sum256(content)

		migrations = append(migrations, migration{
			ID:       filepath.Base(path),
			Checksum: fmt.Sprintf("%x", hash),
			SQL:      string(content),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse migrations: %w", err)
	}

	// Sort by filename for deterministic ordering
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].ID < migrations[j].ID
	})

	return migrations, nil
}

// createMigrationsTable ensures the migrations tracking table exists.
func createMigrationsTable(db *sqlx.DB) error {
	var createSQL string

	if db.DriverName() == "sqlite3" {
		createSQL = `
			CREATE TABLE IF NOT EXISTS migrations (
				migration_id TEXT PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at TEXT NOT NULL,
				execution_ms INTEGER NOT NULL,
				CHECK (applied_at LIKE '____-__-__T__:__:__Z')
			)
		`
	} else {
		createSQL = `
			CREATE TABLE IF NOT EXISTS migrations (
				migration_id TEXT PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
				execution_ms INTEGER NOT NULL
			)
		`
	}

	_, err := db.Exec(createSQL)
	return err
}

// appliedMigrations returns the set of applied migration IDs.
func appliedMigrations(db *sqlx.DB) (map[string]bool, error) {
	rows, err := db.Queryx("SELECT migration_id FROM migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}

	return applied, nil
}

// validateChecksums verifies all applied migrations match embedded checksums.
func validateChecksums(db *sqlx.DB, migrations []migration) error {
	rows, err := db.Queryx("SELECT migration_id, checksum FROM migrations")
	if err != nil {
		return err
	}
	defer rows.Close()

	expected := make(map[string]string, len(migrations))
	for _, m := range migrations {
		expected[m.ID] = m.Checksum
	}

	for rows.Next() {
		var id, dbChecksum string
		if err := rows.Scan(&id, &dbChecksum); err != nil {
			return err
		}

		want, ok := expected[id]
		if !ok {
			return fmt.Errorf("migration %s exists in database but not in embedded files", id)
		}
		if dbChecksum != want {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s", id, want, dbChecksum)
		}
	}

	return nil
}

// applyMigration executes a single migration SQL within a transaction.
func applyMigration(tx *sqlx.Tx, m migration) error {
	// Split on semicolons; lib/pq doesn't support multiple statements in a
	// single Exec.
	statements := strings.Split(m.SQL, ";")
	for _, stmt := range statements {
		stmt = stripLineComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	return nil
}

// scanTime accepts the driver representations of a stored timestamp:
// go-sqlite3 hands the TEXT column back as bytes, lib/pq as time.Time.
func scanTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return time.Parse(time.RFC3339, string(t))
	case string:
		return time.Parse(time.RFC3339, t)
	default:
		return time.Time{}, fmt.Errorf("unexpected applied_at type %T", v)
	}
}

// stripLineComments drops -- comment lines so a commented statement still
// executes. Statement splitting happens on semicolons, which would otherwise
// discard any statement whose segment begins with a comment.
func stripLineComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// recordMigration stores migration metadata for the audit trail within a
// transaction.
func recordMigration(tx *sqlx.Tx, id, checksum string, duration time.Duration) error {
	now := time.Now().UTC()
	executionMs := duration.Milliseconds()

	if tx.DriverName() == "sqlite3" {
		_, err := tx.Exec(
			"INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)",
			id, checksum, now.Format(time.RFC3339), executionMs,
		)
		return err
	}

	_, err := tx.Exec(
		"INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES ($1, $2, $3, $4)",
		id, checksum, now, executionMs,
	)
	return err
}
