package docstore

import (
	"context"
	"fmt"
	"log"

	"cycletime/internal/config"
	"cycletime/internal/db"
)

// Open builds the backend selected by STORE_DRIVER. The returned close
// func is always safe to call.
func Open(ctx context.Context, cfg config.Config) (Backend, func() error, error) {
	noop := func() error { return nil }
	if cfg.StoreDriver == "json" {
		log.Printf("docstore_open driver=json dir=%s", cfg.DataDir)
		return NewFileBackend(cfg.DataDir), noop, nil
	}
	sqdb, err := db.Open(cfg.StoreDriver, cfg.StoreDSN, db.Pool{
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, noop, fmt.Errorf("open %s: %w", cfg.StoreDriver, err)
	}
	b, err := NewSQLBackend(ctx, sqdb, cfg.StoreDriver)
	if err != nil {
		_ = sqdb.Close()
		return nil, noop, err
	}
	log.Printf("docstore_open driver=%s", cfg.StoreDriver)
	return b, b.Close, nil
}
