// Package syncer hosts the background pipeline: trade detection, paper
// fill processing, market resolution, metadata backfill, and wallet
// seeding.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/models"
	"polymarket-papertrader/sim"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/utils"
)

// TraderMetrics tracks what the processor has done since start.
type TraderMetrics struct {
	EventsProcessed   int64
	Fills             int64
	PartialFills      int64
	NoFills           int64
	Duplicates        int64
	Errors            int64
	AvgDetectionDelay time.Duration
	LastEventTime     time.Time
}

// PaperTrader turns detected trade events into simulated fills. Events are
// processed concurrently up to a configured bound; ordering per token is
// enforced downstream by the ledger.
type PaperTrader struct {
	clob   api.ClobClientInterface
	store  storage.DataStore
	ledger *ledger.Ledger
	cfg    config.PaperConfig
	runID  string

	semaphore chan struct{}
	wg        sync.WaitGroup

	metrics   TraderMetrics
	metricsMu sync.RWMutex
}

// NewPaperTrader creates the event processor. runID tags every paper trade
// written during this process lifetime.
func NewPaperTrader(clob api.ClobClientInterface, store storage.DataStore, led *ledger.Ledger, cfg config.PaperConfig, runID string) *PaperTrader {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	clob.SetRetryPolicy(cfg.FetchRetries, time.Duration(cfg.RetryBackoffMS)*time.Millisecond)

	return &PaperTrader{
		clob:      clob,
		store:     store,
		ledger:    led,
		cfg:       cfg,
		runID:     runID,
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// Submit processes an event on a bounded worker slot. It returns
// immediately; failures are logged, not returned.
func (t *PaperTrader) Submit(ctx context.Context, event models.TradeEvent) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case t.semaphore <- struct{}{}:
			defer func() { <-t.semaphore }()
		case <-ctx.Done():
			return
		}
		if err := t.Process(ctx, event); err != nil {
			t.metricsMu.Lock()
			t.metrics.Errors++
			t.metricsMu.Unlock()
			log.Printf("[PaperTrader] Event %s failed: %v", event.FillID(), err)
		}
	}()
}

// Wait blocks until all submitted events have finished.
func (t *PaperTrader) Wait() {
	t.wg.Wait()
}

// Metrics returns a copy of the processor counters.
func (t *PaperTrader) Metrics() TraderMetrics {
	t.metricsMu.RLock()
	defer t.metricsMu.RUnlock()
	return t.metrics
}

// Process runs one event through the pipeline: duplicate check, market
// registration, book fetch, fill simulation, ledger application, and the
// atomic persistence of everything produced.
func (t *PaperTrader) Process(ctx context.Context, event models.TradeEvent) error {
	if !event.Side.Valid() {
		return fmt.Errorf("invalid side %q", event.Side)
	}
	if event.TxHash == "" || event.TokenID == "" {
		return fmt.Errorf("event missing identifiers (tx=%q token=%q)", event.TxHash, event.TokenID)
	}

	seen, err := t.store.HasTargetTrade(ctx, event.TxHash, event.TokenID)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	if seen {
		t.metricsMu.Lock()
		t.metrics.Duplicates++
		t.metricsMu.Unlock()
		return nil
	}

	if err := t.registerMarket(ctx, event.TokenID); err != nil {
		log.Printf("[PaperTrader] Warning: market registration for %s failed: %v",
			utils.ShortAddress(event.TokenID), err)
	}

	target, err := t.targetFor(event)
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.SnapshotTimeoutMS)*time.Millisecond)
	fetch, fetchErr := t.clob.FetchBook(fetchCtx, event.TokenID)
	cancel()

	trade := models.TargetTrade{
		Wallet:      event.Wallet,
		TokenID:     event.TokenID,
		TxHash:      event.TxHash,
		BlockNumber: event.BlockNumber,
		Side:        event.Side,
		Size:        event.Size,
		Price:       event.Price,
		CostUSD:     event.CostUSD,
		OnchainAt:   event.OnchainAt,
		DetectedAt:  event.DetectedAt,
	}

	if fetchErr != nil {
		reason := models.NoFillBookUnavailable
		if errors.Is(fetchErr, context.DeadlineExceeded) {
			reason = models.NoFillTimeout
		}
		log.Printf("[PaperTrader] No fill for %s: %s (%v)", event.FillID(), reason, fetchErr)
		paper := t.noFillRecord(event, reason)
		_, err := t.store.RecordEvent(ctx, trade, nil, paper, nil)
		if err != nil {
			return fmt.Errorf("record no-fill: %w", err)
		}
		t.noteOutcome(paper, event)
		return nil
	}

	fill, err := sim.Simulate(event.Side, fetch.Snapshot, target)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	latency := sim.Record(event.OnchainAt, event.DetectedAt, fetch.RequestedAt, fetch.RespondedAt)

	paper := models.PaperTrade{
		FillID:   event.FillID(),
		RunID:    t.runID,
		TokenID:  event.TokenID,
		Side:     event.Side,
		Size:     fill.Size,
		AvgPrice: fill.AvgPrice,
		CostUSD:  fill.CostUSD,
		Latency:  latency,
	}
	if fill.Completeness == models.FillNone {
		paper.NoFillReason = fill.Reason
	} else {
		paper.Slippage = slippage(event.Side, event.Price, fill.AvgPrice)
	}

	var pos *models.Position
	if paper.Filled() {
		update, applyErr := t.ledger.Apply(ctx, paper)
		switch {
		case applyErr == nil:
			paper.RealizedDelta = update.RealizedDelta
			pos = &models.Position{
				TokenID:     update.TokenID,
				Size:        update.Size,
				CostBasis:   update.CostBasis,
				RealizedPnL: update.RealizedPnL,
				UpdatedAt:   time.Now().UTC(),
			}
		case errors.Is(applyErr, ledger.ErrDuplicateFill),
			errors.Is(applyErr, ledger.ErrOutOfOrder),
			errors.Is(applyErr, ledger.ErrResolved):
			// The fill record is still persisted for the audit trail; it
			// just does not move the position.
			log.Printf("[PaperTrader] Fill %s not applied: %v", paper.FillID, applyErr)
		default:
			return fmt.Errorf("ledger apply: %w", applyErr)
		}
	}

	if _, err := t.store.RecordEvent(ctx, trade, fetch.Snapshot, paper, pos); err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	t.noteOutcome(paper, event)

	if paper.Filled() {
		log.Printf("[PaperTrader] %s %s %.2f @ %.4f (target %.4f, slippage %+.4f, detection %dms)",
			paper.Side, utils.ShortAddress(paper.TokenID), paper.Size, paper.AvgPrice,
			event.Price, paper.Slippage, int64(latency.DetectionDelayMs))
	} else {
		log.Printf("[PaperTrader] No fill for %s: %s", paper.FillID, paper.NoFillReason)
	}
	return nil
}

// registerMarket makes sure a market row exists before its first paper
// trade. Metadata arrives later via the backfill worker.
func (t *PaperTrader) registerMarket(ctx context.Context, tokenID string) error {
	existing, err := t.store.GetMarket(ctx, tokenID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return t.store.UpsertMarket(ctx, models.Market{
		TokenID:   tokenID,
		Question:  models.PlaceholderQuestion,
		FirstSeen: time.Now().UTC(),
	})
}

func (t *PaperTrader) targetFor(event models.TradeEvent) (sim.Target, error) {
	switch t.cfg.Sizing {
	case config.SizingMatchTarget:
		if event.Size <= 0 {
			return sim.Target{}, fmt.Errorf("target trade has no size to match (%s)", event.FillID())
		}
		return sim.Units(event.Size), nil
	case config.SizingFixedNotional:
		return sim.Notional(t.cfg.NotionalUSD), nil
	default:
		return sim.Target{}, fmt.Errorf("unknown sizing policy %q", t.cfg.Sizing)
	}
}

func (t *PaperTrader) noFillRecord(event models.TradeEvent, reason string) models.PaperTrade {
	// No book round trip happened, but the detection delay is still real
	// and still counts toward the averages.
	return models.PaperTrade{
		FillID:       event.FillID(),
		RunID:        t.runID,
		TokenID:      event.TokenID,
		Side:         event.Side,
		NoFillReason: reason,
		Latency:      sim.Record(event.OnchainAt, event.DetectedAt, time.Time{}, time.Time{}),
	}
}

func (t *PaperTrader) noteOutcome(paper models.PaperTrade, event models.TradeEvent) {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	t.metrics.EventsProcessed++
	t.metrics.LastEventTime = time.Now()
	if paper.Filled() {
		t.metrics.Fills++
		if paper.Size < event.Size && event.Size > 0 {
			t.metrics.PartialFills++
		}
	} else {
		t.metrics.NoFills++
	}

	detection := time.Duration(paper.Latency.DetectionDelayMs) * time.Millisecond
	if t.metrics.AvgDetectionDelay == 0 {
		t.metrics.AvgDetectionDelay = detection
	} else {
		t.metrics.AvgDetectionDelay = (t.metrics.AvgDetectionDelay + detection) / 2
	}
}

// slippage is the adverse price movement paid relative to the target's
// execution: positive always means the follower did worse.
func slippage(side models.Side, targetPrice, paperPrice float64) float64 {
	if side == models.SideSell {
		return targetPrice - paperPrice
	}
	return paperPrice - targetPrice
}
