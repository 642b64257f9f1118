// Package httpstore implements catalog.Store against the tender service's
// catalog REST API.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
)

const defaultPageSize = 500

type Store struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	pageSize int
	logger   *slog.Logger
}

// New builds a client for cfg. breaker may be shared with metrics wiring;
// nil creates a private one.
func New(cfg config.HTTPStoreConfig, breaker *resilience.CircuitBreaker) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("catalog-api", resilience.CircuitBreakerConfig{})
	}
	return &Store{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		breaker:  breaker,
		pageSize: defaultPageSize,
		logger:   slog.Default().With("component", "catalog-httpstore"),
	}
}

var (
	_ catalog.Store          = (*Store)(nil)
	_ catalog.PendingCounter = (*Store)(nil)
)

type linkRequest struct {
	PositionItemID    int64  `json:"position_item_id"`
	CatalogPositionID int64  `json:"catalog_position_id"`
	Hash              string `json:"hash"`
}

type statusRequest struct {
	PositionItemID int64              `json:"position_item_id"`
	Status         catalog.ItemStatus `json:"status"`
	IndexVersion   int64              `json:"index_version"`
}

type suggestRequest struct {
	MainPositionID      int64   `json:"main_position_id"`
	DuplicatePositionID int64   `json:"duplicate_position_id"`
	SimilarityScore     float64 `json:"similarity_score"`
}

type indexedRequest struct {
	CatalogIDs []int64   `json:"catalog_ids"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// FetchAllCatalogEntries pages through /catalog/active until a short page.
func (s *Store) FetchAllCatalogEntries(ctx context.Context) ([]catalog.CatalogEntry, error) {
	var all []catalog.CatalogEntry
	for offset := 0; ; offset += s.pageSize {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(s.pageSize))
		q.Set("offset", strconv.Itoa(offset))
		var page []catalog.CatalogEntry
		if err := s.do(ctx, http.MethodGet, "/catalog/active", q, nil, &page); err != nil {
			return nil, fmt.Errorf("fetching catalog page at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < s.pageSize {
			return all, nil
		}
	}
}

func (s *Store) FetchUnlinkedPositionItems(ctx context.Context, limit int, indexVersion int64) ([]catalog.PositionItem, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("index_version", strconv.FormatInt(indexVersion, 10))
	var items []catalog.PositionItem
	if err := s.do(ctx, http.MethodGet, "/positions/unmatched", q, nil, &items); err != nil {
		return nil, fmt.Errorf("fetching unlinked position items: %w", err)
	}
	for i := range items {
		if items[i].Status == "" {
			items[i].Status = catalog.StatusUnlinked
		}
	}
	return items, nil
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Store) CountPendingPositionItems(ctx context.Context, indexVersion int64) (int, error) {
	q := url.Values{}
	q.Set("index_version", strconv.FormatInt(indexVersion, 10))
	var out countResponse
	if err := s.do(ctx, http.MethodGet, "/positions/unmatched/count", q, nil, &out); err != nil {
		return 0, fmt.Errorf("counting unlinked position items: %w", err)
	}
	return out.Count, nil
}

// LinkPositionItem posts the match. The API answers 409 when the item is
// already linked to a different entry and 200 when it is linked to this one.
func (s *Store) LinkPositionItem(ctx context.Context, itemID, entryID int64, hash string) error {
	err := s.do(ctx, http.MethodPost, "/positions/match", nil,
		linkRequest{PositionItemID: itemID, CatalogPositionID: entryID, Hash: hash}, nil)
	if errors.Is(err, errConflict) {
		return fmt.Errorf("position item %d: %w", itemID, apperrors.ErrItemWriteConflict)
	}
	if err != nil {
		return fmt.Errorf("linking position item %d to %d: %w", itemID, entryID, err)
	}
	return nil
}

func (s *Store) MarkPositionItem(ctx context.Context, itemID int64, status catalog.ItemStatus, indexVersion int64) error {
	err := s.do(ctx, http.MethodPost, "/positions/status", nil,
		statusRequest{PositionItemID: itemID, Status: status, IndexVersion: indexVersion}, nil)
	if errors.Is(err, errConflict) {
		return fmt.Errorf("position item %d already linked: %w", itemID, apperrors.ErrItemWriteConflict)
	}
	if err != nil {
		return fmt.Errorf("marking position item %d %s: %w", itemID, status, err)
	}
	return nil
}

func (s *Store) CreateMergeSuggestion(ctx context.Context, sourceID, targetID int64, score float64) error {
	if sourceID == targetID {
		return fmt.Errorf("merge suggestion %d -> %d: %w", sourceID, targetID, apperrors.ErrInvalidInput)
	}
	err := s.do(ctx, http.MethodPost, "/merges/suggest", nil,
		suggestRequest{MainPositionID: targetID, DuplicatePositionID: sourceID, SimilarityScore: score}, nil)
	if errors.Is(err, errConflict) {
		return catalog.ErrSuggestionExists
	}
	if err != nil {
		return fmt.Errorf("suggesting merge %d -> %d: %w", sourceID, targetID, err)
	}
	return nil
}

func (s *Store) ListPendingMergeSuggestions(ctx context.Context) ([]catalog.MergeSuggestion, error) {
	q := url.Values{}
	q.Set("status", string(catalog.SuggestionPending))
	var out []catalog.MergeSuggestion
	if err := s.do(ctx, http.MethodGet, "/merges", q, nil, &out); err != nil {
		return nil, fmt.Errorf("listing pending merge suggestions: %w", err)
	}
	return out, nil
}

func (s *Store) MarkCatalogIndexed(ctx context.Context, entryIDs []int64, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	err := s.do(ctx, http.MethodPost, "/catalog/indexed", nil,
		indexedRequest{CatalogIDs: entryIDs, IndexedAt: at.UTC()}, nil)
	if err != nil {
		return fmt.Errorf("marking %d catalog entries indexed: %w", len(entryIDs), err)
	}
	return nil
}

var errConflict = errors.New("conflict")

// do sends one request through the breaker and decodes a JSON response
// into out when out is non-nil.
func (s *Store) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
	}
	return s.breaker.Execute(func() error {
		u := s.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return fmt.Errorf("building %s %s: %w", method, path, err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.Transient(fmt.Errorf("%s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		if err := statusError(method, path, resp); err != nil {
			return err
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s: %w", method, path, err)
		}
		return nil
	})
}

func statusError(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %w", errConflict, err)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apperrors.Transient(err)
	default:
		return err
	}
}
