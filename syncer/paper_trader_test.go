package syncer

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

func testPaperConfig() config.PaperConfig {
	return config.PaperConfig{
		Sizing:            config.SizingMatchTarget,
		NotionalUSD:       100,
		MaxConcurrent:     2,
		SnapshotTimeoutMS: 1000,
		FetchRetries:      1,
		RetryBackoffMS:    10,
	}
}

func testTradeEvent() models.TradeEvent {
	onchain := time.Now().UTC().Add(-2 * time.Second)
	return models.TradeEvent{
		Wallet:     "0xabc",
		TokenID:    "token1",
		Side:       models.SideBuy,
		Size:       50,
		Price:      0.50,
		CostUSD:    25,
		TxHash:     "0xhash1",
		OnchainAt:  onchain,
		DetectedAt: onchain.Add(time.Second),
	}
}

func newTestTrader(t *testing.T, cfg config.PaperConfig) (*PaperTrader, *api.MockClobClient, *storage.MockStore, *ledger.Ledger) {
	t.Helper()
	clob := api.NewMockClobClient()
	store := storage.NewMockStore()
	led := ledger.New()
	t.Cleanup(led.Close)
	return NewPaperTrader(clob, store, led, cfg, "test-run"), clob, store, led
}

func TestProcessFullFill(t *testing.T) {
	trader, clob, store, led := newTestTrader(t, testPaperConfig())
	clob.Books["token1"] = &api.OrderBook{
		AssetID: "token1",
		Asks:    []api.OrderBookLevel{{Price: "0.52", Size: "100"}},
		Bids:    []api.OrderBookLevel{{Price: "0.48", Size: "100"}},
	}

	if err := trader.Process(context.Background(), testTradeEvent()); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if len(store.PaperTrades) != 1 {
		t.Fatalf("got %d paper trades, want 1", len(store.PaperTrades))
	}
	paper := store.PaperTrades[0]
	if !paper.Filled() {
		t.Fatalf("expected a fill, got no-fill %q", paper.NoFillReason)
	}
	if paper.Size != 50 {
		t.Errorf("Size = %v, want 50 (match target sizing)", paper.Size)
	}
	if paper.AvgPrice != 0.52 {
		t.Errorf("AvgPrice = %v, want 0.52", paper.AvgPrice)
	}
	// BUY slippage: paper price minus target price.
	if diff := paper.Slippage - 0.02; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Slippage = %v, want 0.02", paper.Slippage)
	}
	if paper.Latency.DetectionDelayMs < 900 || paper.Latency.DetectionDelayMs > 1100 {
		t.Errorf("DetectionDelayMs = %v, want ~1000", paper.Latency.DetectionDelayMs)
	}

	pos, found, err := led.Snapshot(context.Background(), "token1")
	if err != nil || !found {
		t.Fatalf("ledger Snapshot() = %v found=%v", err, found)
	}
	if pos.Size != 50 {
		t.Errorf("ledger position size = %v, want 50", pos.Size)
	}
	if stored, ok := store.Positions["token1"]; !ok || stored.Size != 50 {
		t.Errorf("persisted position = %+v, want size 50", stored)
	}
}

func TestProcessFixedNotionalSizing(t *testing.T) {
	cfg := testPaperConfig()
	cfg.Sizing = config.SizingFixedNotional
	cfg.NotionalUSD = 26
	trader, clob, store, _ := newTestTrader(t, cfg)
	clob.Books["token1"] = &api.OrderBook{
		AssetID: "token1",
		Asks:    []api.OrderBookLevel{{Price: "0.52", Size: "100"}},
	}

	if err := trader.Process(context.Background(), testTradeEvent()); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	paper := store.PaperTrades[0]
	if diff := paper.CostUSD - 26; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CostUSD = %v, want 26 (fixed notional)", paper.CostUSD)
	}
	if diff := paper.Size - 50; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Size = %v, want 50 shares at 0.52", paper.Size)
	}
}

func TestProcessBookUnavailable(t *testing.T) {
	trader, clob, store, led := newTestTrader(t, testPaperConfig())
	clob.ErrorOnNext["FetchBook"] = errors.New("connection refused")

	if err := trader.Process(context.Background(), testTradeEvent()); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if len(store.PaperTrades) != 1 {
		t.Fatalf("got %d paper trades, want 1 no-fill record", len(store.PaperTrades))
	}
	paper := store.PaperTrades[0]
	if paper.NoFillReason != models.NoFillBookUnavailable {
		t.Errorf("NoFillReason = %q, want %q", paper.NoFillReason, models.NoFillBookUnavailable)
	}
	if paper.Size != 0 || paper.CostUSD != 0 {
		t.Errorf("no-fill record carries size %v cost %v, want zeros", paper.Size, paper.CostUSD)
	}

	if _, found, _ := led.Snapshot(context.Background(), "token1"); found {
		t.Error("no-fill must not touch the ledger")
	}
}

func TestProcessNoFillCarriesDetectionDelay(t *testing.T) {
	trader, clob, store, _ := newTestTrader(t, testPaperConfig())
	clob.ErrorOnNext["FetchBook"] = errors.New("connection refused")

	event := testTradeEvent()
	event.DetectedAt = event.OnchainAt.Add(2 * time.Second)
	if err := trader.Process(context.Background(), event); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	paper := store.PaperTrades[0]
	if diff := paper.Latency.DetectionDelayMs - 2000; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("DetectionDelayMs = %v, want 2000", paper.Latency.DetectionDelayMs)
	}
	if paper.Latency.ExecutionDelayMs != 0 || paper.Latency.TotalDelayMs != 0 {
		t.Errorf("no-fill execution/total = %v/%v, want 0/0",
			paper.Latency.ExecutionDelayMs, paper.Latency.TotalDelayMs)
	}
	if got := trader.Metrics().AvgDetectionDelay; got != 2*time.Second {
		t.Errorf("AvgDetectionDelay = %s, want 2s", got)
	}
}

func TestProcessFetchTimeout(t *testing.T) {
	trader, clob, store, _ := newTestTrader(t, testPaperConfig())
	clob.ErrorOnNext["FetchBook"] = context.DeadlineExceeded

	if err := trader.Process(context.Background(), testTradeEvent()); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if store.PaperTrades[0].NoFillReason != models.NoFillTimeout {
		t.Errorf("NoFillReason = %q, want %q", store.PaperTrades[0].NoFillReason, models.NoFillTimeout)
	}
}

func TestProcessSkipsDuplicates(t *testing.T) {
	trader, clob, store, _ := newTestTrader(t, testPaperConfig())
	clob.Books["token1"] = &api.OrderBook{
		AssetID: "token1",
		Asks:    []api.OrderBookLevel{{Price: "0.52", Size: "100"}},
	}

	event := testTradeEvent()
	if err := trader.Process(context.Background(), event); err != nil {
		t.Fatalf("first Process() error: %v", err)
	}
	if err := trader.Process(context.Background(), event); err != nil {
		t.Fatalf("duplicate Process() error: %v", err)
	}

	if len(store.PaperTrades) != 1 {
		t.Errorf("got %d paper trades, want 1 (duplicate skipped)", len(store.PaperTrades))
	}
	if got := trader.Metrics().Duplicates; got != 1 {
		t.Errorf("Duplicates metric = %d, want 1", got)
	}
}

func TestProcessRegistersPlaceholderMarket(t *testing.T) {
	trader, clob, store, _ := newTestTrader(t, testPaperConfig())
	clob.Books["token1"] = &api.OrderBook{
		AssetID: "token1",
		Asks:    []api.OrderBookLevel{{Price: "0.52", Size: "100"}},
	}

	if err := trader.Process(context.Background(), testTradeEvent()); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	market, ok := store.Markets["token1"]
	if !ok {
		t.Fatal("market row was not created")
	}
	if market.Question != models.PlaceholderQuestion {
		t.Errorf("Question = %q, want placeholder", market.Question)
	}
}

func TestProcessSellSlippage(t *testing.T) {
	trader, clob, store, _ := newTestTrader(t, testPaperConfig())
	clob.Books["token1"] = &api.OrderBook{
		AssetID: "token1",
		Bids:    []api.OrderBookLevel{{Price: "0.47", Size: "100"}},
		Asks:    []api.OrderBookLevel{{Price: "0.53", Size: "100"}},
	}

	event := testTradeEvent()
	event.Side = models.SideSell
	if err := trader.Process(context.Background(), event); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	paper := store.PaperTrades[0]
	// SELL slippage: target price minus paper price.
	if diff := paper.Slippage - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Slippage = %v, want 0.03", paper.Slippage)
	}
}

func TestProcessPartialFillStillApplies(t *testing.T) {
	trader, clob, store, led := newTestTrader(t, testPaperConfig())
	clob.Books["token1"] = &api.OrderBook{
		AssetID: "token1",
		Asks:    []api.OrderBookLevel{{Price: "0.52", Size: "20"}},
	}

	if err := trader.Process(context.Background(), testTradeEvent()); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	paper := store.PaperTrades[0]
	if !paper.Filled() || paper.Size != 20 {
		t.Fatalf("partial fill = %+v, want 20 shares filled", paper)
	}
	pos, found, _ := led.Snapshot(context.Background(), "token1")
	if !found || pos.Size != 20 {
		t.Errorf("ledger position = %+v, want size 20", pos)
	}
}

func TestProcessRejectsInvalidEvent(t *testing.T) {
	trader, _, _, _ := newTestTrader(t, testPaperConfig())

	event := testTradeEvent()
	event.Side = "HOLD"
	if err := trader.Process(context.Background(), event); err == nil {
		t.Error("expected error for invalid side")
	}

	event = testTradeEvent()
	event.TxHash = ""
	if err := trader.Process(context.Background(), event); err == nil {
		t.Error("expected error for missing tx hash")
	}
}

func TestSubmitBoundedConcurrency(t *testing.T) {
	trader, clob, store, _ := newTestTrader(t, testPaperConfig())
	clob.Books["token1"] = &api.OrderBook{
		AssetID: "token1",
		Asks:    []api.OrderBookLevel{{Price: "0.52", Size: "1000"}},
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		event := testTradeEvent()
		event.TxHash = "0xhash" + string(rune('a'+i))
		event.OnchainAt = event.OnchainAt.Add(time.Duration(i) * time.Second)
		event.DetectedAt = event.OnchainAt.Add(time.Second)
		trader.Submit(ctx, event)
	}
	trader.Wait()

	if len(store.PaperTrades) != 5 {
		t.Errorf("got %d paper trades, want 5", len(store.PaperTrades))
	}
	if got := trader.Metrics().EventsProcessed; got != 5 {
		t.Errorf("EventsProcessed = %d, want 5", got)
	}
}
