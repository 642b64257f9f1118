// Package pgstore implements catalog.Store on PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/postgres"
	"github.com/lib/pq"
)

// Schema creates the tables the store reads and writes. The partial unique
// index keeps at most one pending suggestion per unordered pair.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_positions (
    id                  BIGSERIAL PRIMARY KEY,
    rich_context_string TEXT NOT NULL,
    is_active           BOOLEAN NOT NULL DEFAULT TRUE,
    indexed_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS position_items (
    id                  BIGSERIAL PRIMARY KEY,
    rich_context_string TEXT NOT NULL,
    hash                TEXT NOT NULL DEFAULT '',
    catalog_position_id BIGINT REFERENCES catalog_positions(id),
    match_status        TEXT NOT NULL DEFAULT 'unlinked',
    attempted_version   BIGINT NOT NULL DEFAULT 0,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS position_items_pending
    ON position_items (id) WHERE catalog_position_id IS NULL;

CREATE TABLE IF NOT EXISTS merge_suggestions (
    id                    BIGSERIAL PRIMARY KEY,
    main_position_id      BIGINT NOT NULL REFERENCES catalog_positions(id),
    duplicate_position_id BIGINT NOT NULL REFERENCES catalog_positions(id),
    similarity_score      DOUBLE PRECISION NOT NULL,
    status                TEXT NOT NULL DEFAULT 'pending',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (main_position_id <> duplicate_position_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS merge_suggestions_pending_pair
    ON merge_suggestions (LEAST(main_position_id, duplicate_position_id),
                          GREATEST(main_position_id, duplicate_position_id))
    WHERE status = 'pending';
`

type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "catalog-pgstore"),
	}
}

var (
	_ catalog.Store          = (*Store)(nil)
	_ catalog.PendingCounter = (*Store)(nil)
)

// Migrate applies Schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, Schema); err != nil {
		return postgres.Classify(fmt.Errorf("applying catalog schema: %w", err))
	}
	return nil
}

func (s *Store) FetchAllCatalogEntries(ctx context.Context) ([]catalog.CatalogEntry, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, rich_context_string, indexed_at
		   FROM catalog_positions
		  WHERE is_active
		  ORDER BY id`,
	)
	if err != nil {
		return nil, postgres.Classify(fmt.Errorf("querying catalog entries: %w", err))
	}
	defer rows.Close()

	var out []catalog.CatalogEntry
	for rows.Next() {
		var (
			e         catalog.CatalogEntry
			indexedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.CanonicalText, &indexedAt); err != nil {
			return nil, fmt.Errorf("scanning catalog entry: %w", err)
		}
		if indexedAt.Valid {
			t := indexedAt.Time
			e.IndexedAt = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Classify(fmt.Errorf("iterating catalog entries: %w", err))
	}
	return out, nil
}

// FetchUnlinkedPositionItems returns items that were never decided, and
// unmatched or failed items last decided against an older index version.
func (s *Store) FetchUnlinkedPositionItems(ctx context.Context, limit int, indexVersion int64) ([]catalog.PositionItem, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, rich_context_string, hash, match_status, attempted_version
		   FROM position_items
		  WHERE catalog_position_id IS NULL
		    AND (match_status = 'unlinked' OR attempted_version < $2)
		  ORDER BY id
		  LIMIT $1`,
		limit, indexVersion,
	)
	if err != nil {
		return nil, postgres.Classify(fmt.Errorf("querying unlinked position items: %w", err))
	}
	defer rows.Close()

	var out []catalog.PositionItem
	for rows.Next() {
		var p catalog.PositionItem
		if err := rows.Scan(&p.ID, &p.RichContextString, &p.Hash, &p.Status, &p.AttemptedVersion); err != nil {
			return nil, fmt.Errorf("scanning position item: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Classify(fmt.Errorf("iterating position items: %w", err))
	}
	return out, nil
}

// CountPendingPositionItems counts what FetchUnlinkedPositionItems would
// return without a limit.
func (s *Store) CountPendingPositionItems(ctx context.Context, indexVersion int64) (int, error) {
	var n int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*)
		   FROM position_items
		  WHERE catalog_position_id IS NULL
		    AND (match_status = 'unlinked' OR attempted_version < $1)`,
		indexVersion,
	).Scan(&n)
	if err != nil {
		return 0, postgres.Classify(fmt.Errorf("counting unlinked position items: %w", err))
	}
	return n, nil
}

// LinkPositionItem sets the link only while the item is still unlinked, so
// two racing writers cannot both succeed with different entries. The
// follow-up read runs in the same transaction as the update.
func (s *Store) LinkPositionItem(ctx context.Context, itemID, entryID int64, hash string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE position_items
			    SET catalog_position_id = $2,
			        match_status = 'linked',
			        hash = COALESCE(NULLIF($3, ''), hash),
			        updated_at = NOW()
			  WHERE id = $1 AND catalog_position_id IS NULL`,
			itemID, entryID, hash,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return fmt.Errorf("catalog entry %d: %w", entryID, apperrors.ErrNotFound)
			}
			return fmt.Errorf("linking position item %d: %w", itemID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		current, err := currentLink(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if current.Valid && current.Int64 == entryID {
			return nil
		}
		return fmt.Errorf("position item %d linked to %d: %w", itemID, current.Int64, apperrors.ErrItemWriteConflict)
	})
}

func currentLink(ctx context.Context, tx *sql.Tx, itemID int64) (sql.NullInt64, error) {
	var current sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT catalog_position_id FROM position_items WHERE id = $1 FOR SHARE`, itemID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return current, fmt.Errorf("position item %d: %w", itemID, apperrors.ErrNotFound)
	}
	if err != nil {
		return current, fmt.Errorf("reading position item %d: %w", itemID, err)
	}
	return current, nil
}

func (s *Store) MarkPositionItem(ctx context.Context, itemID int64, status catalog.ItemStatus, indexVersion int64) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE position_items
			    SET match_status = $2, attempted_version = $3, updated_at = NOW()
			  WHERE id = $1 AND catalog_position_id IS NULL`,
			itemID, string(status), indexVersion,
		)
		if err != nil {
			return fmt.Errorf("marking position item %d %s: %w", itemID, status, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		if _, err := currentLink(ctx, tx, itemID); err != nil {
			return err
		}
		return fmt.Errorf("position item %d already linked: %w", itemID, apperrors.ErrItemWriteConflict)
	})
}

// CreateMergeSuggestion relies on the merge_suggestions_pending_pair index
// to reject a second pending suggestion for the same pair.
func (s *Store) CreateMergeSuggestion(ctx context.Context, sourceID, targetID int64, score float64) error {
	if sourceID == targetID {
		return fmt.Errorf("merge suggestion %d -> %d: %w", sourceID, targetID, apperrors.ErrInvalidInput)
	}
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO merge_suggestions (main_position_id, duplicate_position_id, similarity_score, status)
		 VALUES ($1, $2, $3, 'pending')`,
		targetID, sourceID, score,
	)
	if postgres.IsUniqueViolation(err) {
		return catalog.ErrSuggestionExists
	}
	if err != nil {
		return postgres.Classify(fmt.Errorf("creating merge suggestion %d -> %d: %w", sourceID, targetID, err))
	}
	return nil
}

func (s *Store) ListPendingMergeSuggestions(ctx context.Context) ([]catalog.MergeSuggestion, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, duplicate_position_id, main_position_id, similarity_score, status, created_at
		   FROM merge_suggestions
		  WHERE status = 'pending'`,
	)
	if err != nil {
		return nil, postgres.Classify(fmt.Errorf("querying pending merge suggestions: %w", err))
	}
	defer rows.Close()

	var out []catalog.MergeSuggestion
	for rows.Next() {
		var m catalog.MergeSuggestion
		if err := rows.Scan(&m.ID, &m.SourceEntryID, &m.TargetEntryID, &m.Score, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning merge suggestion: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Classify(fmt.Errorf("iterating merge suggestions: %w", err))
	}
	return out, nil
}

func (s *Store) MarkCatalogIndexed(ctx context.Context, entryIDs []int64, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE catalog_positions SET indexed_at = $2 WHERE id = ANY($1)`,
		pq.Array(entryIDs), at.UTC(),
	)
	if err != nil {
		return postgres.Classify(fmt.Errorf("marking %d catalog entries indexed: %w", len(entryIDs), err))
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("catalog entries marked indexed", "requested", len(entryIDs), "updated", n)
	return nil
}
