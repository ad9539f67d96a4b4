package main

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"trading/cmd/server/config"
	"trading/internal/catalog"
	purchasesdb "trading/internal/db/purchases"
	"trading/internal/purchase"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// storage groups the persistence the saga needs. One backend serves all three.
type storage struct {
	store   purchase.Store
	outbox  purchase.Outbox
	catalog catalog.Repository
	cleanup func()
}

func buildStorage(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, purchases are kept in memory")
		mem := purchase.NewMemoryStore()
		repo := catalog.NewMemoryCatalog()
		if err := seedCatalog(ctx, repo, cfg.CatalogSeed); err != nil {
			return storage{}, err
		}
		return storage{store: mem, outbox: mem, catalog: repo, cleanup: func() {}}, nil
	}

	dialect, err := purchasesdb.DialectFor(cfg.Driver)
	if err != nil {
		return storage{}, err
	}
	dsn, err := dialect.DSN(cfg.DatabaseURL)
	if err != nil {
		return storage{}, err
	}
	db, err := openDB(dialect.Driver, dsn)
	if err != nil {
		return storage{}, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return storage{}, err
	}

	var states *purchasesdb.StateStore
	if cfg.InitSchema {
		states, err = purchasesdb.NewStateStoreWithSchema(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return storage{}, err
		}
	} else {
		states = purchasesdb.NewStateStore(db, dialect)
	}
	repo := purchasesdb.NewCatalogStore(db, dialect)
	if err := seedCatalog(ctx, repo, cfg.CatalogSeed); err != nil {
		_ = db.Close()
		return storage{}, err
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close purchases db", zap.Error(err))
		}
	}
	return storage{store: states, outbox: states, catalog: repo, cleanup: cleanup}, nil
}

// seedCatalog stamps seed items with the Unix epoch so any catalog event supersedes
// them, including a delete that left a tombstone before this boot.
func seedCatalog(ctx context.Context, repo catalog.Repository, seed map[string]float64) error {
	for id, price := range seed {
		if err := repo.Upsert(ctx, catalog.Item{ID: id, Name: id, Price: price, UpdatedAt: time.Unix(0, 0).UTC()}); err != nil {
			return err
		}
	}
	return nil
}
