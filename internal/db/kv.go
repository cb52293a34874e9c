package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/recipechat/internal/storage"
	"github.com/surrealdb/surrealdb.go"
)

var _ storage.Backend = (*Client)(nil)

type kvRow struct {
	Value string `json:"value"`
}

// Get returns the value stored under key or storage.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	results, err := surrealdb.Query[[]kvRow](ctx, c.db,
		`SELECT value FROM type::record("kv", $key)`,
		map[string]any{"key": key})
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return "", storage.ErrNotFound
	}
	return (*results)[0].Result[0].Value, nil
}

// Set upserts value under key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := surrealdb.Query[any](ctx, c.db,
		`UPSERT type::record("kv", $key) SET value = $value, updated = time::now()`,
		map[string]any{"key": key, "value": value})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, wrapQueryError(err))
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := surrealdb.Query[any](ctx, c.db,
		`DELETE type::record("kv", $key)`,
		map[string]any{"key": key})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, wrapQueryError(err))
	}
	return nil
}
