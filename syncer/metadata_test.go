package syncer

import (
	"context"
	"testing"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
)

func newTestBackfill(t *testing.T) (*MetadataBackfill, *api.MockGammaClient, *storage.MockStore) {
	t.Helper()
	gamma := api.NewMockGammaClient()
	store := storage.NewMockStore()
	cfg := config.MetadataConfig{BackfillIntervalMins: 10, BatchSize: 20}
	return NewMetadataBackfill(gamma, store, cfg), gamma, store
}

func TestBackfillFillsPlaceholders(t *testing.T) {
	b, gamma, store := newTestBackfill(t)
	firstSeen := time.Now().UTC().Add(-time.Hour)
	store.Markets["token1"] = models.Market{
		TokenID:   "token1",
		Question:  models.PlaceholderQuestion,
		FirstSeen: firstSeen,
	}
	gamma.Metadata["token1"] = &models.Market{
		TokenID:     "token1",
		ConditionID: "cond1",
		Question:    "Will it rain tomorrow?",
		Outcomes:    []string{"Yes", "No"},
		Category:    "Weather",
	}

	if err := b.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	market := store.Markets["token1"]
	if market.Question != "Will it rain tomorrow?" {
		t.Errorf("Question = %q, want backfilled question", market.Question)
	}
	if market.Category != "Weather" {
		t.Errorf("Category = %q, want Weather", market.Category)
	}
	if !market.FirstSeen.Equal(firstSeen) {
		t.Errorf("FirstSeen = %v, want original %v preserved", market.FirstSeen, firstSeen)
	}
}

func TestBackfillKeepsUnknownMarketsPending(t *testing.T) {
	b, gamma, store := newTestBackfill(t)
	store.Markets["token1"] = models.Market{
		TokenID:  "token1",
		Question: models.PlaceholderQuestion,
	}
	gamma.ErrorOnNext["MetadataForToken"] = api.ErrMarketNotFound

	if err := b.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if !store.Markets["token1"].NeedsMetadata() {
		t.Error("market should stay placeholder when Gamma does not know it yet")
	}
}

func TestBackfillSkipsCompleteMarkets(t *testing.T) {
	b, gamma, store := newTestBackfill(t)
	store.Markets["token1"] = models.Market{
		TokenID:  "token1",
		Question: "Already known",
	}

	if err := b.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if gamma.Calls["MetadataForToken"] != 0 {
		t.Errorf("MetadataForToken called %d times for a complete market, want 0",
			gamma.Calls["MetadataForToken"])
	}
}
