package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/utils"
)

// MetadataBackfill fills in market rows created as placeholders by the
// trade pipeline. Markets the Gamma API does not know yet stay placeholder
// and are retried on the next pass.
type MetadataBackfill struct {
	gamma api.GammaClientInterface
	store storage.DataStore
	cfg   config.MetadataConfig
}

// NewMetadataBackfill creates the backfill job.
func NewMetadataBackfill(gamma api.GammaClientInterface, store storage.DataStore, cfg config.MetadataConfig) *MetadataBackfill {
	return &MetadataBackfill{gamma: gamma, store: store, cfg: cfg}
}

// RunOnce backfills one batch of placeholder markets.
func (b *MetadataBackfill) RunOnce(ctx context.Context) error {
	pending, err := b.store.MarketsNeedingMetadata(ctx, b.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending markets: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	filled := 0
	for _, market := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		meta, err := b.gamma.MetadataForToken(ctx, market.TokenID)
		if err != nil {
			if errors.Is(err, api.ErrMarketNotFound) {
				// Gamma lags new markets by a few minutes; retried next pass.
				continue
			}
			if api.StatusCode(err) == http.StatusTooManyRequests {
				log.Printf("[Metadata] Rate limited, stopping batch early")
				return nil
			}
			log.Printf("[Metadata] Lookup for %s failed: %v", utils.ShortAddress(market.TokenID), err)
			continue
		}

		meta.FirstSeen = market.FirstSeen
		if err := b.store.UpsertMarket(ctx, *meta); err != nil {
			log.Printf("[Metadata] Upsert for %s failed: %v", utils.ShortAddress(market.TokenID), err)
			continue
		}
		filled++
	}

	if filled > 0 {
		log.Printf("[Metadata] Backfilled %d of %d pending markets", filled, len(pending))
	}
	return nil
}

// Interval returns the configured backfill cadence.
func (b *MetadataBackfill) Interval() time.Duration {
	return time.Duration(b.cfg.BackfillIntervalMins) * time.Minute
}
