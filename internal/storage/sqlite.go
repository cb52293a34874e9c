package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// KeyValue is the row model backing the SQLite store.
type KeyValue struct {
	Key       string `gorm:"column:name;primaryKey;size:255"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// SQLite is a Backend persisted to a SQLite database file through gorm.
type SQLite struct {
	db  *gorm.DB
	log *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and migrates the
// key-value table. Use ":memory:" for a throwaway database.
func OpenSQLite(path string, log *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("storage: sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLite(db, log)
}

// NewSQLite wraps an existing gorm handle.
func NewSQLite(db *gorm.DB, log *slog.Logger) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("storage: gorm db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&KeyValue{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLite{db: db, log: log.With("component", "storage.sqlite")}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var kv KeyValue
	err := s.db.WithContext(ctx).Where("name = ?", key).First(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: get %s: %w", key, err)
	}
	return kv.Value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	kv := KeyValue{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&kv).Error
	if err != nil {
		return fmt.Errorf("storage: set %s: %w", key, err)
	}
	s.log.Debug("stored key", "key", key, "bytes", len(value))
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", key).Delete(&KeyValue{}).Error; err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return sqlDB.Close()
}
