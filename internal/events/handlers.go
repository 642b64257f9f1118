package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/kafka"
)

// CatalogChanged is published upstream when catalog entries are created,
// edited, merged or deactivated.
type CatalogChanged struct {
	CatalogIDs []int64 `json:"catalog_ids"`
	Change     string  `json:"change"`
}

// PositionsIngested is published upstream after a tender import created
// new position items.
type PositionsIngested struct {
	TenderID string `json:"tender_id"`
	Count    int    `json:"count"`
}

type Invalidator interface {
	Invalidate(ctx context.Context, reason string) error
}

type MatchKicker interface {
	KickMatching(reason string) bool
}

// CatalogChangedHandler marks the cache stale so the next pass rebuilds it.
func CatalogChangedHandler(inv Invalidator) kafka.MessageHandler {
	logger := slog.Default().With("component", "catalog-changed-handler")
	return func(ctx context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeJSON[CatalogChanged](msg.Value)
		if err != nil {
			// Poison message; committing it is the only way forward.
			logger.Error("dropping undecodable catalog change", "error", err)
			return nil
		}
		reason := fmt.Sprintf("catalog %s (%d entries)", ev.Change, len(ev.CatalogIDs))
		if err := inv.Invalidate(ctx, reason); err != nil {
			return fmt.Errorf("invalidating cache: %w", err)
		}
		logger.Info("cache invalidated by catalog change", "change", ev.Change, "entries", len(ev.CatalogIDs))
		return nil
	}
}

// PositionsIngestedHandler starts a matching pass right away instead of
// waiting for the next tick.
func PositionsIngestedHandler(k MatchKicker) kafka.MessageHandler {
	logger := slog.Default().With("component", "positions-ingested-handler")
	return func(ctx context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeJSON[PositionsIngested](msg.Value)
		if err != nil {
			logger.Error("dropping undecodable ingestion notice", "error", err)
			return nil
		}
		if !k.KickMatching("positions ingested for tender " + ev.TenderID) {
			logger.Debug("matching already queued", "tender_id", ev.TenderID)
		}
		return nil
	}
}
