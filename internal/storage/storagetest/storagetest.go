// Package storagetest opens throwaway migrated databases for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/identity"
	"github.com/newthinker/quantbase/internal/storage"
)

// Open returns a Store over a migrated SQLite file in t.TempDir().
func Open(t testing.TB) *storage.Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "test.db"), storage.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return storage.New(db, storage.CanonicalizerFunc(identity.Canonical))
}

// Resolver returns a resolver backed by store.
func Resolver(store *storage.Store) *identity.Resolver {
	return identity.NewResolver(store.Assets, zap.NewNop(), identity.WithADRRatios(map[string]float64{"BABA": 8}))
}
