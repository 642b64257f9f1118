package httpstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog/memstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves the catalog REST API over a memstore.
func fakeAPI(t *testing.T, backing *memstore.Store) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any, err error) {
		switch {
		case errors.Is(err, apperrors.ErrItemWriteConflict), errors.Is(err, catalog.ErrSuggestionExists):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, apperrors.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			json.NewEncoder(w).Encode(v)
		}
	}
	mux.HandleFunc("GET /catalog/active", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		all, err := backing.FetchAllCatalogEntries(r.Context())
		if offset > len(all) {
			offset = len(all)
		}
		end := min(offset+limit, len(all))
		reply(w, all[offset:end], err)
	})
	mux.HandleFunc("GET /positions/unmatched", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		v, _ := strconv.ParseInt(r.URL.Query().Get("index_version"), 10, 64)
		items, err := backing.FetchUnlinkedPositionItems(r.Context(), limit, v)
		reply(w, items, err)
	})
	mux.HandleFunc("GET /positions/unmatched/count", func(w http.ResponseWriter, r *http.Request) {
		v, _ := strconv.ParseInt(r.URL.Query().Get("index_version"), 10, 64)
		n, err := backing.CountPendingPositionItems(r.Context(), v)
		reply(w, countResponse{Count: n}, err)
	})
	mux.HandleFunc("POST /positions/match", func(w http.ResponseWriter, r *http.Request) {
		var req linkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reply(w, map[string]string{"status": "ok"}, backing.LinkPositionItem(r.Context(), req.PositionItemID, req.CatalogPositionID, req.Hash))
	})
	mux.HandleFunc("POST /positions/status", func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reply(w, map[string]string{"status": "ok"}, backing.MarkPositionItem(r.Context(), req.PositionItemID, req.Status, req.IndexVersion))
	})
	mux.HandleFunc("POST /merges/suggest", func(w http.ResponseWriter, r *http.Request) {
		var req suggestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reply(w, map[string]int{"merge_suggestion_id": 1}, backing.CreateMergeSuggestion(r.Context(), req.DuplicatePositionID, req.MainPositionID, req.SimilarityScore))
	})
	mux.HandleFunc("GET /merges", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		out, err := backing.ListPendingMergeSuggestions(r.Context())
		reply(w, out, err)
	})
	mux.HandleFunc("POST /catalog/indexed", func(w http.ResponseWriter, r *http.Request) {
		var req indexedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reply(w, map[string]int{"updated_count": len(req.CatalogIDs)}, backing.MarkCatalogIndexed(r.Context(), req.CatalogIDs, req.IndexedAt))
	})
	auth := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(auth)
	t.Cleanup(srv.Close)
	return srv
}

func newStore(url string) *Store {
	return New(config.HTTPStoreConfig{BaseURL: url + "/", APIKey: "secret", Timeout: time.Second}, nil)
}

func TestRoundTripAgainstAPI(t *testing.T) {
	ctx := context.Background()
	backing := memstore.New()
	for i := int64(1); i <= 5; i++ {
		backing.PutEntry(catalog.CatalogEntry{ID: i, CanonicalText: "entry " + strconv.FormatInt(i, 10)})
	}
	backing.PutItem(catalog.PositionItem{ID: 10, RichContextString: "entry one", Hash: "h"})
	backing.PutItem(catalog.PositionItem{ID: 11, RichContextString: "nothing"})

	s := newStore(fakeAPI(t, backing).URL)
	s.pageSize = 2

	entries, err := s.FetchAllCatalogEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	items, err := s.FetchUnlinkedPositionItems(ctx, 100, 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "h", items[0].Hash)

	pendingCount, err := s.CountPendingPositionItems(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, pendingCount)

	require.NoError(t, s.LinkPositionItem(ctx, 10, 1, "h"))
	require.NoError(t, s.LinkPositionItem(ctx, 10, 1, "h"))
	assert.ErrorIs(t, s.LinkPositionItem(ctx, 10, 2, "h"), apperrors.ErrItemWriteConflict)
	assert.ErrorIs(t, s.LinkPositionItem(ctx, 77, 2, ""), apperrors.ErrNotFound)

	require.NoError(t, s.MarkPositionItem(ctx, 11, catalog.StatusUnmatched, 1))
	p, _ := backing.Item(11)
	assert.Equal(t, catalog.StatusUnmatched, p.Status)
	assert.Equal(t, int64(1), p.AttemptedVersion)

	require.NoError(t, s.CreateMergeSuggestion(ctx, 2, 1, 0.99))
	assert.ErrorIs(t, s.CreateMergeSuggestion(ctx, 1, 2, 0.99), catalog.ErrSuggestionExists)
	pending, err := s.ListPendingMergeSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].SourceEntryID)
	assert.Equal(t, int64(1), pending[0].TargetEntryID)

	require.NoError(t, s.MarkCatalogIndexed(ctx, []int64{1, 2}, time.Now()))
	e, _ := backing.Entry(1)
	assert.NotNil(t, e.IndexedAt)
}

func TestServerErrorsAreTransientAndTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "db down", http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker("catalog-api", resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	s := New(config.HTTPStoreConfig{BaseURL: srv.URL}, breaker)

	for i := 0; i < 3; i++ {
		_, err := s.FetchUnlinkedPositionItems(context.Background(), 10, 1)
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, resilience.StateOpen, breaker.GetState())
}

func TestUnauthorizedIsPermanent(t *testing.T) {
	s := New(config.HTTPStoreConfig{BaseURL: fakeAPI(t, memstore.New()).URL, APIKey: "wrong"}, nil)
	_, err := s.FetchAllCatalogEntries(context.Background())
	require.Error(t, err)
	assert.False(t, apperrors.IsTransient(err))
}
