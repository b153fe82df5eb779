// Package testutil provides fakes and helpers shared by package tests.
package testutil

import (
	"testing"

	"bb-go/internal/storage"
)

// NewTestStore creates an in-memory metadata store with the schema applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
