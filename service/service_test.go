package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
)

func newTestService(t *testing.T) (*Service, *storage.MockStore, *api.MockClobClient, *ledger.Ledger) {
	t.Helper()
	store := storage.NewMockStore()
	clob := api.NewMockClobClient()
	led := ledger.New()
	t.Cleanup(led.Close)
	cfg := config.Default()
	return NewService(store, led, clob, nil, &cfg), store, clob, led
}

func TestSummaryCached(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	store.SummaryResult = &storage.Summary{TargetTrades: 7, PaperFills: 5}
	ctx := context.Background()

	first, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if first.TargetTrades != 7 {
		t.Errorf("TargetTrades = %d, want 7", first.TargetTrades)
	}

	// The second call inside the TTL must not hit the store.
	if _, err := svc.Summary(ctx); err != nil {
		t.Fatalf("second Summary() error: %v", err)
	}
	if got := store.Calls["Summary"]; got != 1 {
		t.Errorf("store.Summary called %d times, want 1", got)
	}

	svc.InvalidateCaches()
	if _, err := svc.Summary(ctx); err != nil {
		t.Fatalf("Summary() after invalidation error: %v", err)
	}
	if got := store.Calls["Summary"]; got != 2 {
		t.Errorf("store.Summary called %d times after invalidation, want 2", got)
	}
}

func TestPositionsJoinsMetadataAndMarks(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	store.Positions["token1"] = models.Position{
		TokenID:   "token1",
		Size:      100,
		CostBasis: 50, // avg entry 0.50
		UpdatedAt: time.Now().UTC(),
	}
	store.Markets["token1"] = models.Market{
		TokenID:  "token1",
		Question: "Will it happen?",
		Category: "Politics",
	}
	store.Snapshots = append(store.Snapshots, storage.SnapshotRow{
		ID: 1,
		OrderBookSnapshot: models.OrderBookSnapshot{
			TokenID:    "token1",
			Bids:       []models.BookLevel{{Price: 0.58, Size: 100}},
			Asks:       []models.BookLevel{{Price: 0.62, Size: 100}},
			CapturedAt: time.Now().UTC(),
		},
	})

	views, err := svc.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions() error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d positions, want 1", len(views))
	}

	view := views[0]
	if view.Question != "Will it happen?" {
		t.Errorf("Question = %q, want joined metadata", view.Question)
	}
	if view.AvgEntryPrice != 0.50 {
		t.Errorf("AvgEntryPrice = %v, want 0.50", view.AvgEntryPrice)
	}
	if view.MidPrice != 0.60 {
		t.Errorf("MidPrice = %v, want 0.60", view.MidPrice)
	}
	// 100 shares marked from 0.50 to 0.60.
	if diff := view.UnrealizedPnL - 10.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("UnrealizedPnL = %v, want 10.0", view.UnrealizedPnL)
	}
}

func TestTradesClampsLimitAndNormalizesWallet(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Trades(ctx, storage.TradeFilter{Limit: 10000}); err != nil {
		t.Fatalf("Trades() error: %v", err)
	}
	if got := store.LastTradeFilter.Limit; got != maxTradeLimit {
		t.Errorf("limit passed to store = %d, want clamped to %d", got, maxTradeLimit)
	}

	if _, err := svc.Trades(ctx, storage.TradeFilter{Wallet: "not-an-address"}); err == nil {
		t.Error("expected error for invalid wallet filter")
	}
}

func TestOrderBookFallsBackToStoredSnapshot(t *testing.T) {
	svc, store, clob, _ := newTestService(t)
	ctx := context.Background()

	captured := time.Now().UTC().Add(-time.Minute)
	store.Snapshots = append(store.Snapshots, storage.SnapshotRow{
		ID: 1,
		OrderBookSnapshot: models.OrderBookSnapshot{
			TokenID:    "token1",
			Bids:       []models.BookLevel{{Price: 0.40, Size: 10}},
			CapturedAt: captured,
		},
	})
	clob.ErrorOnNext["FetchBook"] = errors.New("connection refused")

	snap, err := svc.OrderBook(ctx, "token1")
	if err != nil {
		t.Fatalf("OrderBook() error: %v", err)
	}
	if !snap.CapturedAt.Equal(captured) {
		t.Error("expected the stored snapshot as fallback")
	}
}

func TestOrderBookNoDataAnywhere(t *testing.T) {
	svc, _, clob, _ := newTestService(t)
	clob.ErrorOnNext["FetchBook"] = errors.New("connection refused")

	if _, err := svc.OrderBook(context.Background(), "unknown"); err == nil {
		t.Error("expected error when neither live nor stored book exists")
	}
}
