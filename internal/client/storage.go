package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/recipechat/internal/config"
	"github.com/raphaelgruber/recipechat/internal/db"
	"github.com/raphaelgruber/recipechat/internal/storage"
)

// OpenStorage opens the backend selected by cfg.Storage.
func OpenStorage(ctx context.Context, cfg config.Config, log *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage {
	case config.StorageSurrealDB:
		c, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDB.URL,
			Namespace: cfg.SurrealDB.Namespace,
			Database:  cfg.SurrealDB.Database,
			Username:  cfg.SurrealDB.User,
			Password:  cfg.SurrealDB.Pass,
			AuthLevel: cfg.SurrealDB.AuthLevel,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("client: connect surrealdb: %w", err)
		}
		if err := c.InitSchema(ctx); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("client: %w", err)
		}
		return c, nil
	case config.StorageSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("client: create storage dir: %w", err)
			}
		}
		fallthrough
	default:
		return storage.Open(storage.Options{
			Driver:     cfg.Storage,
			SQLitePath: cfg.SQLitePath,
			Logger:     log,
		})
	}
}
