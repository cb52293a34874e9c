package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sq, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err, "should open in-memory sqlite")
	t.Cleanup(func() { _ = sq.Close(context.Background()) })

	return map[string]Backend{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Set(ctx, "k", "v1"))
			got, err := b.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v1", got)

			require.NoError(t, b.Set(ctx, "k", "v2"), "overwrite should upsert")
			got, err = b.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", got)

			require.NoError(t, b.Delete(ctx, "k"))
			_, err = b.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, b.Delete(ctx, "never-set"), "deleting a missing key is not an error")
		})
	}
}

func TestOpen(t *testing.T) {
	b, err := Open(Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	b, err = Open(Options{Driver: DriverSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, b)
	_ = b.Close(context.Background())

	_, err = Open(Options{Driver: DriverSQLite})
	assert.Error(t, err, "sqlite without a path should fail")

	_, err = Open(Options{Driver: "redis"})
	assert.Error(t, err)
}
