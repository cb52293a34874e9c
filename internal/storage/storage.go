// Package storage provides the durable key-value backends that hold the
// session identity and persisted conversation logs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a string key-value store. Implementations must be safe for
// concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// Driver names accepted by Open.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverSurrealDB = "surrealdb"
)

// Options selects and configures a backend for Open.
type Options struct {
	Driver     string
	SQLitePath string
	Logger     *slog.Logger
}

// Open creates a local backend by driver name. SurrealDB backends are built
// by the db package and are not handled here.
func Open(opts Options) (Backend, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath, opts.Logger)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}
