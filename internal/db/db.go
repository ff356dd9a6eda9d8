package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

func OpenSQLite(path string, pool Pool) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	return open("sqlite", dsn, pool)
}

// Open connects to sqlite, mysql or pgx. For sqlite the DSN is a file path.
func Open(driver, dsn string, pool Pool) (*sql.DB, error) {
	switch Dialect(driver) {
	case "sqlite":
		return OpenSQLite(dsn, pool)
	case "mysql":
		return open("mysql", dsn, pool)
	case "postgres":
		return open("pgx", dsn, pool)
	}
	return nil, fmt.Errorf("unsupported sql driver %q", driver)
}

// Dialect folds driver aliases onto the SQL flavours the schema knows.
func Dialect(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch {
	case d == "sqlite" || d == "sqlite3":
		return "sqlite"
	case d == "mysql":
		return "mysql"
	case strings.Contains(d, "pgx") || strings.Contains(d, "postgres"):
		return "postgres"
	}
	return ""
}

func open(driver, dsn string, pool Pool) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
