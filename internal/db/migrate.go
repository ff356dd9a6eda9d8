package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

var documentsSchema = map[string]string{
	"sqlite": `CREATE TABLE IF NOT EXISTS documents (
  name TEXT PRIMARY KEY,
  body TEXT NOT NULL,
  updated_at TIMESTAMP NOT NULL
)`,
	"mysql": `CREATE TABLE IF NOT EXISTS documents (
  name VARCHAR(191) NOT NULL PRIMARY KEY,
  body LONGTEXT NOT NULL,
  updated_at DATETIME(6) NOT NULL
)`,
	"postgres": `CREATE TABLE IF NOT EXISTS documents (
  name TEXT PRIMARY KEY,
  body TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
}

// EnsureDocumentsSchema creates the single table that holds every
// persisted document.
func EnsureDocumentsSchema(ctx context.Context, db *sql.DB, driver string) error {
	stmt, ok := documentsSchema[Dialect(driver)]
	if !ok {
		return fmt.Errorf("no schema for driver %q", driver)
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil && !isAlreadyExistsErr(err) {
		return fmt.Errorf("apply documents schema: %w", err)
	}
	return nil
}

func isAlreadyExistsErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate")
}
