package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cycletime/internal/db"
)

// SQLBackend keeps documents as rows of the documents table. Each Save is
// a single upsert statement, which gives the same replace-whole-document
// semantics as the file backend.
type SQLBackend struct {
	db      *sql.DB
	dialect string
}

func NewSQLBackend(ctx context.Context, sqdb *sql.DB, driver string) (*SQLBackend, error) {
	if err := db.EnsureDocumentsSchema(ctx, sqdb, driver); err != nil {
		return nil, err
	}
	return &SQLBackend{db: sqdb, dialect: db.Dialect(driver)}, nil
}

func (s *SQLBackend) Load(ctx context.Context, name string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM documents WHERE name=%s`, s.ph(1)), name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (s *SQLBackend) Save(ctx context.Context, name string, body []byte) error {
	var q string
	switch s.dialect {
	case "mysql":
		q = `INSERT INTO documents(name,body,updated_at) VALUES(?,?,?) ON DUPLICATE KEY UPDATE body=VALUES(body), updated_at=VALUES(updated_at)`
	default:
		q = fmt.Sprintf(`INSERT INTO documents(name,body,updated_at) VALUES(%s,%s,%s) ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
			s.ph(1), s.ph(2), s.ph(3))
	}
	_, err := s.db.ExecContext(ctx, q, name, string(body), time.Now().UTC())
	return err
}

func (s *SQLBackend) Close() error { return s.db.Close() }

func (s *SQLBackend) ph(i int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
