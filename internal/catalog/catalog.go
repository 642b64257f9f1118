// Package catalog defines the records the reconciler reads and writes
// (catalog entries, position items, merge suggestions) and the Store
// contract every catalog backend implements.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrSuggestionExists is returned by CreateMergeSuggestion when a pending
// suggestion already covers the unordered pair.
var ErrSuggestionExists = errors.New("pending merge suggestion already exists for pair")

// CatalogEntry is a canonical catalog record. CanonicalText is what gets
// indexed.
type CatalogEntry struct {
	ID            int64      `json:"catalog_id"`
	CanonicalText string     `json:"rich_context_string"`
	IndexedAt     *time.Time `json:"indexed_at,omitempty"`
}

type ItemStatus string

const (
	StatusUnlinked  ItemStatus = "unlinked"
	StatusLinked    ItemStatus = "linked"
	StatusUnmatched ItemStatus = "unmatched"
	StatusFailed    ItemStatus = "failed"
)

// PositionItem is a line item extracted upstream that awaits a catalog
// entry. CatalogEntryID is set exactly once.
//
// AttemptedVersion is the index version of the last unsuccessful decision.
// Unmatched and failed items are fetched again only once the index version
// moves past it.
type PositionItem struct {
	ID                int64      `json:"position_item_id"`
	RichContextString string     `json:"rich_context_string"`
	Hash              string     `json:"hash,omitempty"`
	CatalogEntryID    *int64     `json:"catalog_position_id,omitempty"`
	Status            ItemStatus `json:"status"`
	AttemptedVersion  int64      `json:"attempted_version"`
}

// Pending reports whether the item is due for a decision at indexVersion.
func (p PositionItem) Pending(indexVersion int64) bool {
	if p.CatalogEntryID != nil || p.Status == StatusLinked {
		return false
	}
	if p.Status == StatusUnlinked || p.Status == "" {
		return true
	}
	return p.AttemptedVersion < indexVersion
}

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// MergeSuggestion proposes folding SourceEntryID into TargetEntryID. It is
// only ever created as pending; review happens elsewhere.
type MergeSuggestion struct {
	ID            int64            `json:"id"`
	SourceEntryID int64            `json:"duplicate_position_id"`
	TargetEntryID int64            `json:"main_position_id"`
	Score         float64          `json:"similarity_score"`
	Status        SuggestionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Pair is the order-independent identity of a suggestion.
func (m MergeSuggestion) Pair() Pair {
	return NewPair(m.SourceEntryID, m.TargetEntryID)
}

// Pair holds two entry ids with Low <= High.
type Pair struct {
	Low, High int64
}

func NewPair(a, b int64) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}
}

// Store is the catalog record store.
//
// LinkPositionItem must be idempotent: linking an item to the entry it is
// already linked to returns nil. Linking an item that is linked to a
// different entry returns an error wrapping apperrors.ErrItemWriteConflict.
// MarkPositionItem on an item that got linked meanwhile reports the same
// conflict. Unknown ids wrap apperrors.ErrNotFound.
type Store interface {
	FetchAllCatalogEntries(ctx context.Context) ([]CatalogEntry, error)
	FetchUnlinkedPositionItems(ctx context.Context, limit int, indexVersion int64) ([]PositionItem, error)
	LinkPositionItem(ctx context.Context, itemID, entryID int64, hash string) error
	MarkPositionItem(ctx context.Context, itemID int64, status ItemStatus, indexVersion int64) error
	CreateMergeSuggestion(ctx context.Context, sourceID, targetID int64, score float64) error
	ListPendingMergeSuggestions(ctx context.Context) ([]MergeSuggestion, error)
	MarkCatalogIndexed(ctx context.Context, entryIDs []int64, at time.Time) error
}

// PendingCounter is implemented by stores that can count every item due
// for a decision at indexVersion, beyond one fetched batch.
type PendingCounter interface {
	CountPendingPositionItems(ctx context.Context, indexVersion int64) (int, error)
}
