package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/callbridge/internal/config"
)

// Backend is an opened storage driver.
type Backend struct {
	Stores StoreSet
	// Catalog is set for the file driver and for memory with a catalog path.
	Catalog *FileCatalog
	// SQL is set for the postgres and sqlite drivers.
	SQL *SQLStore
	// Memory is set for the memory and file drivers.
	Memory *MemoryStore
}

// Open builds the storage backend named by cfg.Driver. SQL backends are
// migrated before use.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "memory", "file":
		mem := NewMemoryStore()
		b := &Backend{Memory: mem, Stores: NewMemoryStores(mem)}
		if cfg.Driver == "file" && cfg.CatalogPath == "" {
			return nil, fmt.Errorf("storage.catalog_path is required for driver file")
		}
		if cfg.CatalogPath != "" {
			catalog, err := NewFileCatalog(cfg.CatalogPath, mem, logger)
			if err != nil {
				return nil, err
			}
			b.Catalog = catalog
			if cfg.Driver == "file" {
				b.Stores.Kind = "file"
			}
			b.Stores.closer = catalog.Close
		}
		return b, nil

	case string(DialectPostgres), string(DialectSQLite):
		dialect := Dialect(cfg.Driver)
		sqlCfg := DefaultSQLConfig()
		if cfg.MaxOpenConns > 0 {
			sqlCfg.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		if cfg.ConnectTimeout > 0 {
			sqlCfg.ConnectTimeout = cfg.ConnectTimeout
		}
		db, err := OpenSQL(dialect, cfg.DSN, sqlCfg)
		if err != nil {
			return nil, err
		}
		n, err := Migrate(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if n > 0 {
			logger.Info("applied storage migrations", "driver", cfg.Driver, "count", n)
		}
		store := NewSQLStore(db, dialect)
		b := &Backend{SQL: store, Stores: NewSQLStores(db, dialect)}
		if cfg.CatalogPath != "" {
			cat, err := LoadCatalog(cfg.CatalogPath)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			if err := ImportCatalog(ctx, store, cat); err != nil {
				_ = db.Close()
				return nil, err
			}
			logger.Info("imported catalog", "path", cfg.CatalogPath, "agents", len(cat.Agents), "menus", len(cat.Menus))
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Close releases the backend.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	return b.Stores.Close()
}
