// Package memstore is an in-process catalog.Store used by tests and by the
// memory backend for local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
)

// Faults lets tests inject failures per call. Nil funcs never fail.
type Faults struct {
	FetchEntries func() error
	FetchItems   func() error
	Link         func(itemID int64) error
	Mark         func(itemID int64) error
	Suggest      func(sourceID, targetID int64) error
	ListPending  func() error
}

type Store struct {
	mu          sync.Mutex
	entries     map[int64]catalog.CatalogEntry
	items       map[int64]catalog.PositionItem
	suggestions []catalog.MergeSuggestion
	nextID      int64
	faults      Faults

	linkCalls int
}

func New() *Store {
	return &Store{
		entries: make(map[int64]catalog.CatalogEntry),
		items:   make(map[int64]catalog.PositionItem),
	}
}

var (
	_ catalog.Store          = (*Store)(nil)
	_ catalog.PendingCounter = (*Store)(nil)
)

func (s *Store) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *Store) PutEntry(e catalog.CatalogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
}

func (s *Store) DeleteEntry(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

func (s *Store) PutItem(p catalog.PositionItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = catalog.StatusUnlinked
	}
	s.items[p.ID] = p
}

func (s *Store) Item(id int64) (catalog.PositionItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	return p, ok
}

func (s *Store) Entry(id int64) (catalog.CatalogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Suggestions returns every suggestion ever created, in creation order.
func (s *Store) Suggestions() []catalog.MergeSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.MergeSuggestion(nil), s.suggestions...)
}

// SetSuggestionStatus simulates a reviewer decision.
func (s *Store) SetSuggestionStatus(id int64, status catalog.SuggestionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.suggestions {
		if s.suggestions[i].ID == id {
			s.suggestions[i].Status = status
		}
	}
}

// LinkCalls counts LinkPositionItem invocations, including failed ones.
func (s *Store) LinkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkCalls
}

func (s *Store) FetchAllCatalogEntries(ctx context.Context) ([]catalog.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fault(s.faults.FetchEntries); err != nil {
		return nil, err
	}
	out := make([]catalog.CatalogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FetchUnlinkedPositionItems(ctx context.Context, limit int, indexVersion int64) ([]catalog.PositionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fault(s.faults.FetchItems); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(s.items))
	for id, p := range s.items {
		if p.Pending(indexVersion) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]catalog.PositionItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id])
	}
	return out, nil
}

func (s *Store) CountPendingPositionItems(ctx context.Context, indexVersion int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fault(s.faults.FetchItems); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range s.items {
		if p.Pending(indexVersion) {
			n++
		}
	}
	return n, nil
}

func (s *Store) LinkPositionItem(ctx context.Context, itemID, entryID int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkCalls++
	if s.faults.Link != nil {
		if err := s.faults.Link(itemID); err != nil {
			return err
		}
	}
	p, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("position item %d: %w", itemID, apperrors.ErrNotFound)
	}
	if _, ok := s.entries[entryID]; !ok {
		return fmt.Errorf("catalog entry %d: %w", entryID, apperrors.ErrNotFound)
	}
	if p.CatalogEntryID != nil {
		if *p.CatalogEntryID == entryID {
			return nil
		}
		return fmt.Errorf("position item %d linked to %d: %w", itemID, *p.CatalogEntryID, apperrors.ErrItemWriteConflict)
	}
	id := entryID
	p.CatalogEntryID = &id
	p.Status = catalog.StatusLinked
	if hash != "" {
		p.Hash = hash
	}
	s.items[itemID] = p
	return nil
}

func (s *Store) MarkPositionItem(ctx context.Context, itemID int64, status catalog.ItemStatus, indexVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Mark != nil {
		if err := s.faults.Mark(itemID); err != nil {
			return err
		}
	}
	p, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("position item %d: %w", itemID, apperrors.ErrNotFound)
	}
	if p.CatalogEntryID != nil {
		return fmt.Errorf("position item %d already linked: %w", itemID, apperrors.ErrItemWriteConflict)
	}
	p.Status = status
	p.AttemptedVersion = indexVersion
	s.items[itemID] = p
	return nil
}

func (s *Store) CreateMergeSuggestion(ctx context.Context, sourceID, targetID int64, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Suggest != nil {
		if err := s.faults.Suggest(sourceID, targetID); err != nil {
			return err
		}
	}
	if sourceID == targetID {
		return fmt.Errorf("merge suggestion %d -> %d: %w", sourceID, targetID, apperrors.ErrInvalidInput)
	}
	pair := catalog.NewPair(sourceID, targetID)
	for _, m := range s.suggestions {
		if m.Status == catalog.SuggestionPending && m.Pair() == pair {
			return catalog.ErrSuggestionExists
		}
	}
	s.nextID++
	s.suggestions = append(s.suggestions, catalog.MergeSuggestion{
		ID:            s.nextID,
		SourceEntryID: sourceID,
		TargetEntryID: targetID,
		Score:         score,
		Status:        catalog.SuggestionPending,
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}

func (s *Store) ListPendingMergeSuggestions(ctx context.Context) ([]catalog.MergeSuggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fault(s.faults.ListPending); err != nil {
		return nil, err
	}
	var out []catalog.MergeSuggestion
	for _, m := range s.suggestions {
		if m.Status == catalog.SuggestionPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) MarkCatalogIndexed(ctx context.Context, entryIDs []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range entryIDs {
		if e, ok := s.entries[id]; ok {
			t := at
			e.IndexedAt = &t
			s.entries[id] = e
		}
	}
	return nil
}

func fault(f func() error) error {
	if f == nil {
		return nil
	}
	return f()
}
