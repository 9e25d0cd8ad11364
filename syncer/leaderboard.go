package syncer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/utils"
)

// WalletSeeder decides which wallets the detector follows. Explicitly
// configured wallets win; otherwise the Data-API leaderboard supplies the
// top performers per category.
type WalletSeeder struct {
	client api.DataClientInterface
	store  storage.DataStore
	cfg    config.DetectionConfig
}

// NewWalletSeeder creates the seeder.
func NewWalletSeeder(client api.DataClientInterface, store storage.DataStore, cfg config.DetectionConfig) *WalletSeeder {
	return &WalletSeeder{client: client, store: store, cfg: cfg}
}

// Seed populates the wallet table. Returns the number of wallets upserted.
func (s *WalletSeeder) Seed(ctx context.Context) (int, error) {
	if len(s.cfg.Wallets) > 0 {
		return s.seedManual(ctx)
	}
	return s.seedFromLeaderboard(ctx)
}

func (s *WalletSeeder) seedManual(ctx context.Context) (int, error) {
	count := 0
	for _, raw := range s.cfg.Wallets {
		addr, err := utils.NormalizeAddress(raw)
		if err != nil {
			log.Printf("[Seeder] Skipping configured wallet %q: %v", raw, err)
			continue
		}
		err = s.store.UpsertWallet(ctx, models.Wallet{
			Address:         addr,
			Source:          "manual",
			TrackingEnabled: true,
			AddedAt:         time.Now().UTC(),
		})
		if err != nil {
			return count, fmt.Errorf("upsert wallet %s: %w", addr, err)
		}
		count++
	}
	log.Printf("[Seeder] Seeded %d manually configured wallets", count)
	return count, nil
}

func (s *WalletSeeder) seedFromLeaderboard(ctx context.Context) (int, error) {
	seen := make(map[string]bool)
	count := 0

	for _, category := range s.cfg.Categories {
		entries, err := s.client.GetLeaderboard(ctx, category, s.cfg.TimePeriod, s.cfg.OrderBy, s.cfg.WalletLimit)
		if err != nil {
			// One bad category should not sink the whole seed pass.
			log.Printf("[Seeder] Leaderboard fetch for %s failed: %v", category, err)
			continue
		}

		for _, entry := range entries {
			addr, err := utils.NormalizeAddress(entry.WalletAddress())
			if err != nil {
				continue
			}
			// A wallet ranking in several categories keeps its first source.
			if seen[addr] {
				continue
			}
			seen[addr] = true

			err = s.store.UpsertWallet(ctx, models.Wallet{
				Address:         addr,
				Alias:           strings.TrimSpace(entry.UserName),
				Source:          "leaderboard:" + category,
				LeaderboardPnL:  entry.PnL.Float64(),
				LeaderboardVol:  entry.Vol.Float64(),
				TrackingEnabled: true,
				AddedAt:         time.Now().UTC(),
			})
			if err != nil {
				return count, fmt.Errorf("upsert wallet %s: %w", addr, err)
			}
			count++
		}

		if err := ctx.Err(); err != nil {
			return count, err
		}
	}

	log.Printf("[Seeder] Seeded %d wallets from %d leaderboard categories", count, len(s.cfg.Categories))
	return count, nil
}
