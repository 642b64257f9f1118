// Package cachestate tracks whether the semantic index reflects the
// catalog, and owns every full rebuild of that index.
package cachestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/postgres"
)

// State is the persisted, process-wide view of the index. IndexVersion
// only grows; LastFullIndexAt is nil until the first successful build.
//
// Generation moves on every invalidation. A build only publishes
// Initialized=true when Generation is unchanged since it read the catalog.
type State struct {
	Initialized     bool       `json:"initialized"`
	IndexVersion    int64      `json:"index_version"`
	LastFullIndexAt *time.Time `json:"last_full_index_at,omitempty"`
	CorpusSize      int        `json:"corpus_size"`
	Generation      int64      `json:"generation"`
}

// ErrStaleWrite is returned by Save when the stored state has a newer
// IndexVersion or Generation than the one being written.
var ErrStaleWrite = errors.New("cache state changed by another writer")

func newer(stored, s State) bool {
	return stored.IndexVersion > s.IndexVersion || stored.Generation > s.Generation
}

// Store persists the single State record.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

type MemoryStore struct {
	mu    sync.Mutex
	state State

	// SaveErr, when set, fails Save calls.
	SaveErr func(s State) error
}

func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: initial}
}

func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		if err := m.SaveErr(s); err != nil {
			return err
		}
	}
	if newer(m.state, s) {
		return fmt.Errorf("saving cache state v%d gen %d: %w", s.IndexVersion, s.Generation, ErrStaleWrite)
	}
	m.state = s
	return nil
}

// PostgresStore keeps State in a one-row table:
//
//	CREATE TABLE reconciler_cache_state (
//	    id                 SMALLINT PRIMARY KEY CHECK (id = 1),
//	    initialized        BOOLEAN NOT NULL,
//	    index_version      BIGINT NOT NULL,
//	    last_full_index_at TIMESTAMPTZ,
//	    corpus_size        INTEGER NOT NULL DEFAULT 0,
//	    generation         BIGINT NOT NULL DEFAULT 0,
//	    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresStore struct {
	db *postgres.Client
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS reconciler_cache_state (
    id                 SMALLINT PRIMARY KEY CHECK (id = 1),
    initialized        BOOLEAN NOT NULL,
    index_version      BIGINT NOT NULL,
    last_full_index_at TIMESTAMPTZ,
    corpus_size        INTEGER NOT NULL DEFAULT 0,
    generation         BIGINT NOT NULL DEFAULT 0,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE reconciler_cache_state
    ADD COLUMN IF NOT EXISTS generation BIGINT NOT NULL DEFAULT 0;`

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.DB.ExecContext(ctx, stateSchema); err != nil {
		return postgres.Classify(fmt.Errorf("applying cache state schema: %w", err))
	}
	return nil
}

// Load returns the zero State when no row exists yet.
func (p *PostgresStore) Load(ctx context.Context) (State, error) {
	var (
		s    State
		last sql.NullTime
	)
	err := p.db.DB.QueryRowContext(ctx,
		`SELECT initialized, index_version, last_full_index_at, corpus_size, generation
		   FROM reconciler_cache_state WHERE id = 1`,
	).Scan(&s.Initialized, &s.IndexVersion, &last, &s.CorpusSize, &s.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, postgres.Classify(fmt.Errorf("loading cache state: %w", err))
	}
	if last.Valid {
		t := last.Time
		s.LastFullIndexAt = &t
	}
	return s, nil
}

// Save refuses to move IndexVersion or Generation backwards, so a stale
// writer can neither roll back a newer build nor undo an invalidation.
func (p *PostgresStore) Save(ctx context.Context, s State) error {
	var last any
	if s.LastFullIndexAt != nil {
		last = s.LastFullIndexAt.UTC()
	}
	res, err := p.db.DB.ExecContext(ctx,
		`INSERT INTO reconciler_cache_state (id, initialized, index_version, last_full_index_at, corpus_size, generation, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO UPDATE
		    SET initialized = EXCLUDED.initialized,
		        index_version = EXCLUDED.index_version,
		        last_full_index_at = EXCLUDED.last_full_index_at,
		        corpus_size = EXCLUDED.corpus_size,
		        generation = EXCLUDED.generation,
		        updated_at = NOW()
		  WHERE reconciler_cache_state.index_version <= EXCLUDED.index_version
		    AND reconciler_cache_state.generation <= EXCLUDED.generation`,
		s.Initialized, s.IndexVersion, last, s.CorpusSize, s.Generation,
	)
	if err != nil {
		return postgres.Classify(fmt.Errorf("saving cache state: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("saving cache state v%d gen %d: %w", s.IndexVersion, s.Generation, ErrStaleWrite)
	}
	return nil
}
