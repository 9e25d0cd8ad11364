package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
)

func testResolutionConfig() config.ResolutionConfig {
	return config.ResolutionConfig{
		PollIntervalMins:    30,
		SuccessCooldownMins: 240,
		FailureBackoffMins:  []int{15, 30, 60, 120, 240},
		BatchSize:           50,
	}
}

func newTestResolutionWorker(t *testing.T) (*ResolutionWorker, *api.MockGammaClient, *storage.MockStore, *ledger.Ledger) {
	t.Helper()
	gamma := api.NewMockGammaClient()
	store := storage.NewMockStore()
	led := ledger.New()
	t.Cleanup(led.Close)
	return NewResolutionWorker(gamma, store, led, testResolutionConfig()), gamma, store, led
}

func openPosition(t *testing.T, led *ledger.Ledger, tokenID string, size, price float64) {
	t.Helper()
	_, err := led.Apply(context.Background(), models.PaperTrade{
		FillID:   "0xseed:" + tokenID,
		TokenID:  tokenID,
		Side:     models.SideBuy,
		Size:     size,
		AvgPrice: price,
		CostUSD:  size * price,
		Latency:  models.LatencyRecord{OnchainAt: time.Now().UTC().Add(-time.Hour)},
	})
	if err != nil {
		t.Fatalf("seed fill error: %v", err)
	}
}

func TestHandleResolutionEventSettlesAllTokens(t *testing.T) {
	w, _, store, led := newTestResolutionWorker(t)
	ctx := context.Background()

	store.Markets["yes"] = models.Market{TokenID: "yes", ConditionID: "cond1", Question: "Q"}
	store.Markets["no"] = models.Market{TokenID: "no", ConditionID: "cond1", Question: "Q"}
	openPosition(t, led, "yes", 10, 0.60)

	w.HandleResolutionEvent(ctx, api.MarketResolvedEvent{
		ConditionID: "cond1",
		TokenIDs:    []string{"yes", "no"},
		Payouts:     []float64{1, 0},
		Source:      "resolver_raw_payouts",
		ReceivedAt:  time.Now().UTC(),
	})

	for _, tokenID := range []string{"yes", "no"} {
		if !store.Markets[tokenID].Resolved {
			t.Errorf("market %s not marked resolved", tokenID)
		}
	}
	if store.Markets["yes"].WinningOutcome != 0 {
		t.Errorf("winning outcome = %d, want 0", store.Markets["yes"].WinningOutcome)
	}

	// 10 shares at payout 1.0 against 6.00 basis realizes +4.00.
	pos := store.Positions["yes"]
	if !pos.Resolved {
		t.Fatal("position not resolved")
	}
	if diff := pos.RealizedPnL - 4.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("RealizedPnL = %v, want 4.0", pos.RealizedPnL)
	}
	if pos.Size != 0 {
		t.Errorf("resolved position size = %v, want 0", pos.Size)
	}
}

func TestHandleResolutionEventSettlesLocalSiblings(t *testing.T) {
	w, _, store, led := newTestResolutionWorker(t)
	ctx := context.Background()

	// The push names only the yes token; the no token is known locally
	// under the same condition and must settle at its own outcome payout.
	store.Markets["yes"] = models.Market{TokenID: "yes", ConditionID: "cond1", OutcomeIdx: 0, Question: "Q"}
	store.Markets["no"] = models.Market{TokenID: "no", ConditionID: "cond1", OutcomeIdx: 1, Question: "Q"}
	store.Markets["stray"] = models.Market{TokenID: "stray", ConditionID: "cond1", OutcomeIdx: 5, Question: "Q"}
	openPosition(t, led, "no", 10, 0.30)

	w.HandleResolutionEvent(ctx, api.MarketResolvedEvent{
		ConditionID: "cond1",
		TokenIDs:    []string{"yes"},
		Payouts:     []float64{0, 1},
		Source:      "resolver_raw_payouts",
		ReceivedAt:  time.Now().UTC(),
	})

	if !store.Markets["no"].Resolved {
		t.Fatal("sibling market not settled")
	}
	pos := store.Positions["no"]
	// 10 shares at payout 1.0 against 3.00 basis realizes +7.00.
	if diff := pos.RealizedPnL - 7.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("sibling RealizedPnL = %v, want 7.0", pos.RealizedPnL)
	}
	if store.Markets["stray"].Resolved {
		t.Error("sibling with out-of-range outcome index was settled")
	}
}

func TestHandleResolutionEventIdempotent(t *testing.T) {
	w, _, store, led := newTestResolutionWorker(t)
	ctx := context.Background()

	store.Markets["yes"] = models.Market{TokenID: "yes", ConditionID: "cond1", Question: "Q"}
	openPosition(t, led, "yes", 10, 0.60)

	event := api.MarketResolvedEvent{
		ConditionID: "cond1",
		TokenIDs:    []string{"yes"},
		Payouts:     []float64{1},
		ReceivedAt:  time.Now().UTC(),
	}
	w.HandleResolutionEvent(ctx, event)
	first := store.Positions["yes"].RealizedPnL
	w.HandleResolutionEvent(ctx, event)

	if got := store.Positions["yes"].RealizedPnL; got != first {
		t.Errorf("repeat resolution changed RealizedPnL from %v to %v", first, got)
	}
}

func gammaMarketFixture(conditionID string, tokens []string, resolved bool, payouts string) api.GammaMarket {
	tokensJSON, _ := json.Marshal(tokens)
	m := api.GammaMarket{
		ConditionID:  conditionID,
		Question:     "Q",
		ClobTokenIds: tokensJSON,
		Resolved:     resolved,
	}
	if payouts != "" {
		m.ResolverRawPayouts = json.RawMessage(payouts)
	}
	return m
}

func TestPollOnceSettlesResolvedMarket(t *testing.T) {
	w, gamma, store, led := newTestResolutionWorker(t)
	ctx := context.Background()

	store.Markets["yes"] = models.Market{TokenID: "yes", ConditionID: "cond1", Question: "Q"}
	openPosition(t, led, "yes", 10, 0.40)
	gamma.Markets = []api.GammaMarket{
		gammaMarketFixture("cond1", []string{"yes", "no"}, true, `[1, 0]`),
	}

	if err := w.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}

	if !store.Markets["yes"].Resolved {
		t.Error("market not resolved after poll")
	}
	pos := store.Positions["yes"]
	if diff := pos.RealizedPnL - 6.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("RealizedPnL = %v, want 6.0", pos.RealizedPnL)
	}
}

func TestPollOnceSchedulesCooldownWhenUnresolved(t *testing.T) {
	w, gamma, store, _ := newTestResolutionWorker(t)
	ctx := context.Background()

	store.Markets["yes"] = models.Market{TokenID: "yes", ConditionID: "cond1", Question: "Q"}
	gamma.Markets = []api.GammaMarket{
		gammaMarketFixture("cond1", []string{"yes", "no"}, false, ""),
	}

	if err := w.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}

	market := store.Markets["yes"]
	if market.Resolved {
		t.Error("unresolved market was marked resolved")
	}
	wait := time.Until(market.NextResolutionCheck)
	if wait < 3*time.Hour || wait > 5*time.Hour {
		t.Errorf("next check in %s, want ~4h cooldown", wait)
	}
	if market.ResolutionFailures != 0 {
		t.Errorf("failures = %d, want 0 after successful check", market.ResolutionFailures)
	}
}

func TestPollOnceBacksOffOnFailure(t *testing.T) {
	w, gamma, store, _ := newTestResolutionWorker(t)
	ctx := context.Background()

	store.Markets["yes"] = models.Market{TokenID: "yes", Question: "Q", ResolutionFailures: 1}
	gamma.ErrorOnNext["GetMarketsByToken"] = context.DeadlineExceeded

	if err := w.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}

	market := store.Markets["yes"]
	if market.ResolutionFailures != 2 {
		t.Errorf("failures = %d, want 2", market.ResolutionFailures)
	}
	// Second failure lands on the 30 minute rung.
	wait := time.Until(market.NextResolutionCheck)
	if wait < 25*time.Minute || wait > 35*time.Minute {
		t.Errorf("next check in %s, want ~30m", wait)
	}
}

func TestPollOnceUnusablePayoutsIsFailure(t *testing.T) {
	w, gamma, store, _ := newTestResolutionWorker(t)
	ctx := context.Background()

	store.Markets["yes"] = models.Market{TokenID: "yes", ConditionID: "cond1", Question: "Q"}
	// Resolved but payout vector length does not match the token count.
	gamma.Markets = []api.GammaMarket{
		gammaMarketFixture("cond1", []string{"yes", "no"}, true, `[1]`),
	}

	if err := w.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}

	market := store.Markets["yes"]
	if market.Resolved {
		t.Error("market resolved despite unusable payouts")
	}
	if market.ResolutionFailures != 1 {
		t.Errorf("failures = %d, want 1", market.ResolutionFailures)
	}
}

func TestWinningIndex(t *testing.T) {
	tests := []struct {
		name    string
		payouts []float64
		want    int
	}{
		{"first wins", []float64{1, 0}, 0},
		{"second wins", []float64{0, 1}, 1},
		{"split favors larger", []float64{0.3, 0.7}, 1},
		{"tie keeps first", []float64{0.5, 0.5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := winningIndex(tt.payouts); got != tt.want {
				t.Errorf("winningIndex(%v) = %d, want %d", tt.payouts, got, tt.want)
			}
		})
	}
}
