package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/utils"
)

// rateLimitPause is how long all polling stops after Gamma answers 429.
const rateLimitPause = 5 * time.Minute

// ResolutionWorker settles positions when markets resolve. Resolutions
// arrive two ways: pushed over the CLOB market WebSocket channel, and
// discovered by polling Gamma for markets whose scheduled check is due.
// Both paths funnel into the same settle step, which is idempotent.
type ResolutionWorker struct {
	gamma  api.GammaClientInterface
	store  storage.DataStore
	ledger *ledger.Ledger
	cfg    config.ResolutionConfig

	pausedUntil time.Time
	pauseMu     sync.Mutex
}

// NewResolutionWorker creates the settlement worker.
func NewResolutionWorker(gamma api.GammaClientInterface, store storage.DataStore, led *ledger.Ledger, cfg config.ResolutionConfig) *ResolutionWorker {
	return &ResolutionWorker{
		gamma:  gamma,
		store:  store,
		ledger: led,
		cfg:    cfg,
	}
}

// HandleResolutionEvent settles every token of a pushed resolution. The
// WebSocket client has already verified the payout vector length.
func (w *ResolutionWorker) HandleResolutionEvent(ctx context.Context, event api.MarketResolvedEvent) {
	log.Printf("[Resolution] Push: condition %s resolved, %d tokens, payout source %s",
		utils.ShortAddress(event.ConditionID), len(event.TokenIDs), event.Source)
	w.settleCondition(ctx, event.ConditionID, event.TokenIDs, event.Payouts, event.ReceivedAt)
}

// PollOnce checks every market whose scheduled resolution check is due.
// Called by the worker loop.
func (w *ResolutionWorker) PollOnce(ctx context.Context) error {
	if w.paused() {
		return nil
	}

	now := time.Now().UTC()
	due, err := w.store.MarketsDueResolutionCheck(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load due markets: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	log.Printf("[Resolution] Checking %d markets", len(due))

	for _, market := range due {
		if w.paused() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.checkMarket(ctx, market.TokenID, market.ResolutionFailures)
	}
	return nil
}

// checkMarket asks Gamma whether one market has resolved and either
// settles it or reschedules the check.
func (w *ResolutionWorker) checkMarket(ctx context.Context, tokenID string, failures int) {
	markets, err := w.gamma.GetMarketsByToken(ctx, tokenID)
	if err != nil {
		if api.StatusCode(err) == http.StatusTooManyRequests {
			w.pause()
			return
		}
		w.reschedule(ctx, tokenID, failures+1)
		return
	}

	var found *api.GammaMarket
	for i := range markets {
		for _, t := range markets[i].TokenIDs() {
			if t == tokenID {
				found = &markets[i]
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		w.reschedule(ctx, tokenID, failures+1)
		return
	}

	if !found.Resolved {
		// Not resolved yet: a normal outcome, back to the cooldown cadence.
		w.scheduleAfter(ctx, tokenID, time.Duration(w.cfg.SuccessCooldownMins)*time.Minute, 0)
		return
	}

	payouts, source, ok := found.Payouts()
	if !ok {
		// Resolved per Gamma but the payout vector is unusable; treat as a
		// failure so the ladder retries later when the data settles.
		log.Printf("[Resolution] Market %s resolved but payouts unusable", utils.ShortAddress(tokenID))
		w.reschedule(ctx, tokenID, failures+1)
		return
	}
	if source != "resolver_raw_payouts" {
		log.Printf("[Resolution] Market %s resolved via fallback payout source %s",
			utils.ShortAddress(tokenID), source)
	}

	w.settleCondition(ctx, found.ConditionID, found.TokenIDs(), payouts, time.Now().UTC())
}

// settleCondition settles every token of a resolved condition: the tokens
// named by the payload, plus any locally known sibling markets the payload
// omits, settled at the payout for their outcome index.
func (w *ResolutionWorker) settleCondition(ctx context.Context, conditionID string, tokens []string, payouts []float64, resolvedAt time.Time) {
	winning := winningIndex(payouts)

	settled := make(map[string]bool, len(tokens))
	for i, tokenID := range tokens {
		settled[tokenID] = true
		if err := w.settleToken(ctx, tokenID, payouts[i], winning, resolvedAt); err != nil {
			log.Printf("[Resolution] Failed to settle %s: %v", utils.ShortAddress(tokenID), err)
		}
	}
	if conditionID == "" {
		return
	}

	siblings, err := w.store.MarketsByCondition(ctx, conditionID)
	if err != nil {
		log.Printf("[Resolution] Sibling lookup for condition %s failed: %v",
			utils.ShortAddress(conditionID), err)
		return
	}
	for _, m := range siblings {
		if settled[m.TokenID] {
			continue
		}
		if m.OutcomeIdx < 0 || m.OutcomeIdx >= len(payouts) {
			log.Printf("[Resolution] Skipping sibling %s: outcome index %d outside payout vector",
				utils.ShortAddress(m.TokenID), m.OutcomeIdx)
			continue
		}
		if err := w.settleToken(ctx, m.TokenID, payouts[m.OutcomeIdx], winning, resolvedAt); err != nil {
			log.Printf("[Resolution] Failed to settle sibling %s: %v", utils.ShortAddress(m.TokenID), err)
		}
	}
}

// settleToken freezes the market row, realizes the position at the payout,
// and persists the frozen position. Safe to repeat.
func (w *ResolutionWorker) settleToken(ctx context.Context, tokenID string, payout float64, winning int, resolvedAt time.Time) error {
	existing, err := w.store.GetMarket(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("load market: %w", err)
	}
	if existing != nil && existing.Resolved {
		return nil
	}

	if err := w.store.MarkMarketResolved(ctx, tokenID, winning, payout, resolvedAt); err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}

	pos, err := w.ledger.Resolve(ctx, tokenID, payout)
	if err != nil {
		if errors.Is(err, ledger.ErrClosed) {
			return err
		}
		return fmt.Errorf("ledger resolve: %w", err)
	}
	if err := w.store.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}

	log.Printf("[Resolution] Settled %s at payout %.2f (realized %.2f total)",
		utils.ShortAddress(tokenID), payout, pos.RealizedPnL)
	return nil
}

// reschedule pushes the next check out along the failure backoff ladder.
func (w *ResolutionWorker) reschedule(ctx context.Context, tokenID string, failures int) {
	ladder := w.cfg.FailureBackoffMins
	if len(ladder) == 0 {
		ladder = []int{15, 30, 60, 120, 240}
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	w.scheduleAfter(ctx, tokenID, time.Duration(ladder[idx])*time.Minute, failures)
}

func (w *ResolutionWorker) scheduleAfter(ctx context.Context, tokenID string, wait time.Duration, failures int) {
	next := time.Now().UTC().Add(wait)
	if err := w.store.ScheduleResolutionCheck(ctx, tokenID, next, failures); err != nil {
		log.Printf("[Resolution] Failed to schedule next check for %s: %v",
			utils.ShortAddress(tokenID), err)
	}
}

func (w *ResolutionWorker) paused() bool {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	return time.Now().Before(w.pausedUntil)
}

// pause stops all polling for a while after a 429. Pushed resolutions keep
// flowing; only the Gamma polling backs off.
func (w *ResolutionWorker) pause() {
	w.pauseMu.Lock()
	w.pausedUntil = time.Now().Add(rateLimitPause)
	w.pauseMu.Unlock()
	log.Printf("[Resolution] Rate limited by Gamma, pausing polls for %s", rateLimitPause)
}

// winningIndex picks the outcome with the highest payout.
func winningIndex(payouts []float64) int {
	winning := 0
	for i, p := range payouts {
		if p > payouts[winning] {
			winning = i
		}
	}
	return winning
}
