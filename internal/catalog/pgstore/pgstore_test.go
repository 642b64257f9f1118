package pgstore

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "reconciler_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "reconciler"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func freshStore(t *testing.T) (*Store, *postgres.Client) {
	t.Helper()
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	_, err := db.DB.ExecContext(ctx, `DROP TABLE IF EXISTS merge_suggestions, position_items, catalog_positions`)
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	return s, db
}

func seed(t *testing.T, db *postgres.Client) {
	t.Helper()
	ctx := context.Background()
	_, err := db.DB.ExecContext(ctx, `
		INSERT INTO catalog_positions (id, rich_context_string) VALUES (1, 'concrete B25'), (2, 'concrete B25 grade');
		INSERT INTO catalog_positions (id, rich_context_string, is_active) VALUES (3, 'retired', FALSE);
		INSERT INTO position_items (id, rich_context_string, hash) VALUES (10, 'concrete class B25', 'h10'), (11, 'rebar', 'h11');
	`)
	require.NoError(t, err)
}

func TestStoreAgainstPostgres(t *testing.T) {
	s, db := freshStore(t)
	seed(t, db)
	ctx := context.Background()

	entries, err := s.FetchAllCatalogEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ID)

	items, err := s.FetchUnlinkedPositionItems(ctx, 10, 1)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	n, err := s.CountPendingPositionItems(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.LinkPositionItem(ctx, 10, 1, "h10"))
	require.NoError(t, s.LinkPositionItem(ctx, 10, 1, "h10"))
	assert.ErrorIs(t, s.LinkPositionItem(ctx, 10, 2, ""), apperrors.ErrItemWriteConflict)
	assert.ErrorIs(t, s.LinkPositionItem(ctx, 999, 1, ""), apperrors.ErrNotFound)

	require.NoError(t, s.MarkPositionItem(ctx, 11, catalog.StatusUnmatched, 1))
	items, err = s.FetchUnlinkedPositionItems(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, items)
	n, err = s.CountPendingPositionItems(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, s.MarkPositionItem(ctx, 10, catalog.StatusUnmatched, 2), apperrors.ErrItemWriteConflict)
	assert.ErrorIs(t, s.MarkPositionItem(ctx, 999, catalog.StatusUnmatched, 2), apperrors.ErrNotFound)
	items, err = s.FetchUnlinkedPositionItems(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, catalog.StatusUnmatched, items[0].Status)

	require.NoError(t, s.CreateMergeSuggestion(ctx, 2, 1, 0.99))
	assert.ErrorIs(t, s.CreateMergeSuggestion(ctx, 1, 2, 0.99), catalog.ErrSuggestionExists)
	pending, err := s.ListPendingMergeSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].SourceEntryID)
	assert.Equal(t, int64(1), pending[0].TargetEntryID)

	require.NoError(t, s.MarkCatalogIndexed(ctx, []int64{1, 2}, time.Now()))
	entries, err = s.FetchAllCatalogEntries(ctx)
	require.NoError(t, err)
	assert.NotNil(t, entries[0].IndexedAt)
}
