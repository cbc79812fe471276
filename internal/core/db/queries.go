package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Queries provides access to named SQL queries loaded from embedded .sql
// files. Uses dotsql for named query management and sqlx for database
// operations. Statements are rebound for the connection's placeholder style,
// so query files are written once with ? placeholders.
type Queries struct {
	dot *dotsql.DotSql
	db  *sqlx.DB
}

// LoadQueries loads all .sql files from the embedded filesystem and returns a
// Queries instance. Named queries accessible by name (e.g., "get-state",
// "insert-decision").
func LoadQueries(db *sqlx.DB) (*Queries, error) {
	var combinedSQL string

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}

		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		combinedSQL += string(content) + "\n"
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combinedSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	return &Queries{dot: dot, db: db}, nil
}

// DB returns the underlying connection, for transaction management.
func (q *Queries) DB() *sqlx.DB {
	return q.db
}

// SQL returns the rebound statement text of a named query. Callers running
// inside a transaction fetch statements here and execute them on the tx.
func (q *Queries) SQL(name string) (string, error) {
	query, err := q.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return q.db.Rebind(query), nil
}

// Exec executes a named query with placeholder conversion for database
// compatibility.
func (q *Queries) Exec(ctx context.Context, name string, args ...interface{}) (sql.Result, error) {
	query, err := q.SQL(name)
	if err != nil {
		return nil, err
	}
	return q.db.ExecContext(ctx, query, args...)
}

// Get retrieves a single row into dest struct using a named query.
func (q *Queries) Get(ctx context.Context, name string, dest interface{}, args ...interface{}) error {
	query, err := q.SQL(name)
	if err != nil {
		return err
	}
	return q.db.GetContext(ctx, dest, query, args...)
}

// Select retrieves multiple rows into dest slice using a named query.
func (q *Queries) Select(ctx context.Context, name string, dest interface{}, args ...interface{}) error {
	query, err := q.SQL(name)
	if err != nil {
		return err
	}
	return q.db.SelectContext(ctx, dest, query, args...)
}
