package storage

import (
	"context"
	"testing"

	"github.com/go-pkgz/testutils/containers"
	"github.com/stretchr/testify/require"

	"github.com/tg-guard/tg-guard/app/storage/engine"
)

// engineProvider defines a function type that provides a test database engine
type engineProvider func(t *testing.T, ctx context.Context) (db *engine.SQL, teardown func())

// database providers for each supported engine
var providers = map[string]engineProvider{
	"sqlite": func(t *testing.T, _ context.Context) (*engine.SQL, func()) {
		db, err := engine.NewSqlite(":memory:", "gr1")
		require.NoError(t, err)
		return db, func() { db.Close() }
	},
	"postgres": func(t *testing.T, ctx context.Context) (*engine.SQL, func()) {
		if testing.Short() {
			t.Skip("skipping postgres test in short mode")
		}
		pg := containers.NewPostgresTestContainerWithDB(ctx, t, "guard_test")
		db, err := engine.NewPostgres(ctx, pg.ConnectionString(), "gr1")
		require.NoError(t, err)
		return db, func() {
			db.Close()
			pg.Close(ctx)
		}
	},
}
