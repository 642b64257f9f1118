package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *Store {
	s := New()
	s.PutEntry(catalog.CatalogEntry{ID: 42, CanonicalText: "concrete B25"})
	s.PutEntry(catalog.CatalogEntry{ID: 43, CanonicalText: "concrete B30"})
	s.PutItem(catalog.PositionItem{ID: 1, RichContextString: "concrete class B25"})
	s.PutItem(catalog.PositionItem{ID: 2, RichContextString: "rebar A500"})
	return s
}

func TestLinkIsIdempotentAndConflictsOnOtherEntry(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	require.NoError(t, s.LinkPositionItem(ctx, 1, 42, "h1"))
	require.NoError(t, s.LinkPositionItem(ctx, 1, 42, "h1"))

	err := s.LinkPositionItem(ctx, 1, 43, "")
	assert.ErrorIs(t, err, apperrors.ErrItemWriteConflict)

	p, _ := s.Item(1)
	assert.Equal(t, catalog.StatusLinked, p.Status)
	assert.Equal(t, int64(42), *p.CatalogEntryID)
	assert.Equal(t, "h1", p.Hash)

	assert.ErrorIs(t, s.LinkPositionItem(ctx, 99, 42, ""), apperrors.ErrNotFound)
	assert.ErrorIs(t, s.LinkPositionItem(ctx, 2, 99, ""), apperrors.ErrNotFound)
}

func TestFetchUnlinkedHonoursVersionAndLimit(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	s.PutItem(catalog.PositionItem{ID: 3, RichContextString: "sand"})

	require.NoError(t, s.MarkPositionItem(ctx, 2, catalog.StatusUnmatched, 1))
	require.NoError(t, s.LinkPositionItem(ctx, 1, 42, ""))

	items, err := s.FetchUnlinkedPositionItems(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].ID)

	items, err = s.FetchUnlinkedPositionItems(ctx, 10, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = s.FetchUnlinkedPositionItems(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].ID)
}

func TestMarkAfterLinkConflicts(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	require.NoError(t, s.LinkPositionItem(ctx, 1, 42, ""))
	assert.ErrorIs(t, s.MarkPositionItem(ctx, 1, catalog.StatusUnmatched, 1), apperrors.ErrItemWriteConflict)
}

func TestCreateMergeSuggestionDedupesPendingPairs(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	require.NoError(t, s.CreateMergeSuggestion(ctx, 42, 43, 0.99))
	assert.ErrorIs(t, s.CreateMergeSuggestion(ctx, 43, 42, 0.99), catalog.ErrSuggestionExists)
	assert.ErrorIs(t, s.CreateMergeSuggestion(ctx, 42, 42, 1), apperrors.ErrInvalidInput)

	pending, err := s.ListPendingMergeSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	s.SetSuggestionStatus(pending[0].ID, catalog.SuggestionRejected)
	require.NoError(t, s.CreateMergeSuggestion(ctx, 43, 42, 0.99))
	assert.Len(t, s.Suggestions(), 2)
}

func TestMarkCatalogIndexed(t *testing.T) {
	s := seeded()
	at := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkCatalogIndexed(context.Background(), []int64{42, 1000}, at))

	e, _ := s.Entry(42)
	require.NotNil(t, e.IndexedAt)
	assert.Equal(t, at, *e.IndexedAt)
	e, _ = s.Entry(43)
	assert.Nil(t, e.IndexedAt)
}
