// Package service is the read side of the dashboard: it joins stored
// paper trades, positions, and market metadata into view models, and
// shields the store behind short TTL caches for the hot endpoints.
package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/syncer"
	"polymarket-papertrader/utils"
)

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 500
	maxPnLDays        = 365
)

// Service coordinates reads between the store, the ledger, and the CLOB
// client for the HTTP layer.
type Service struct {
	store   storage.DataStore
	ledger  *ledger.Ledger
	clob    api.ClobClientInterface
	metrics *syncer.MetricsStore
	cfg     *config.Config

	cacheMu        sync.RWMutex
	summaryCache   *summaryCacheEntry
	positionsCache *positionsCacheEntry
}

type summaryCacheEntry struct {
	data    *storage.Summary
	expires time.Time
}

type positionsCacheEntry struct {
	data    []PositionView
	expires time.Time
}

// PositionView is a position joined with market metadata and marked to the
// latest stored book for the dashboard.
type PositionView struct {
	models.Position
	Question      string  `json:"question"`
	Category      string  `json:"category"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MidPrice      float64 `json:"mid_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// NewService creates the read service. metrics may be nil when no Redis is
// configured.
func NewService(store storage.DataStore, led *ledger.Ledger, clob api.ClobClientInterface, metrics *syncer.MetricsStore, cfg *config.Config) *Service {
	return &Service{
		store:   store,
		ledger:  led,
		clob:    clob,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Summary returns the headline dashboard numbers, cached briefly.
func (s *Service) Summary(ctx context.Context) (*storage.Summary, error) {
	s.cacheMu.RLock()
	entry := s.summaryCache
	s.cacheMu.RUnlock()
	if entry != nil && time.Now().Before(entry.expires) {
		return entry.data, nil
	}

	summary, err := s.store.Summary(ctx)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(s.cfg.Cache.SummaryTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	s.cacheMu.Lock()
	s.summaryCache = &summaryCacheEntry{data: summary, expires: time.Now().Add(ttl)}
	s.cacheMu.Unlock()
	return summary, nil
}

// Trades lists paper trades joined with their target trades. The wallet
// filter is normalized; invalid addresses fail rather than silently match
// nothing.
func (s *Service) Trades(ctx context.Context, filter storage.TradeFilter) ([]storage.TradeRow, error) {
	if filter.Wallet != "" {
		addr, err := utils.NormalizeAddress(filter.Wallet)
		if err != nil {
			return nil, fmt.Errorf("wallet filter: %w", err)
		}
		filter.Wallet = addr
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultTradeLimit
	}
	if filter.Limit > maxTradeLimit {
		filter.Limit = maxTradeLimit
	}
	return s.store.ListTrades(ctx, filter)
}

// Positions returns every position with market metadata and unrealized PnL
// marked to the latest stored book snapshot. Cached briefly.
func (s *Service) Positions(ctx context.Context) ([]PositionView, error) {
	s.cacheMu.RLock()
	entry := s.positionsCache
	s.cacheMu.RUnlock()
	if entry != nil && time.Now().Before(entry.expires) {
		return entry.data, nil
	}

	stored, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(stored))
	for _, pos := range stored {
		// The ledger is the live source; the stored row can lag by one
		// in-flight fill.
		if live, found, err := s.ledger.Snapshot(ctx, pos.TokenID); err == nil && found {
			pos = live
		}

		view := PositionView{
			Position:      pos,
			AvgEntryPrice: pos.AvgEntryPrice(),
		}
		if market, err := s.store.GetMarket(ctx, pos.TokenID); err == nil && market != nil {
			view.Question = market.Question
			view.Category = market.Category
		}
		if snap, err := s.store.LatestSnapshot(ctx, pos.TokenID); err == nil && snap != nil {
			if mid, ok := snap.MidPrice(); ok {
				view.MidPrice = mid
				view.UnrealizedPnL = pos.UnrealizedPnL(mid)
			}
		}
		views = append(views, view)
	}

	ttl := time.Duration(s.cfg.Cache.PositionsTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	s.cacheMu.Lock()
	s.positionsCache = &positionsCacheEntry{data: views, expires: time.Now().Add(ttl)}
	s.cacheMu.Unlock()
	return views, nil
}

// Markets lists tracked markets, most recent first.
func (s *Service) Markets(ctx context.Context, limit int) ([]models.Market, error) {
	if limit <= 0 || limit > maxTradeLimit {
		limit = defaultTradeLimit
	}
	return s.store.ListMarkets(ctx, limit)
}

// Wallets lists every wallet the seeder has registered.
func (s *Service) Wallets(ctx context.Context) ([]models.Wallet, error) {
	return s.store.ListWallets(ctx, false)
}

// PnLOverTime returns the daily realized PnL series with a running
// cumulative column.
func (s *Service) PnLOverTime(ctx context.Context, days int) ([]storage.PnLPoint, error) {
	if days <= 0 {
		days = 30
	}
	if days > maxPnLDays {
		days = maxPnLDays
	}
	return s.store.PnLOverTime(ctx, days)
}

// PnLByCategory returns realized PnL grouped by market category.
func (s *Service) PnLByCategory(ctx context.Context) ([]storage.CategoryPnL, error) {
	return s.store.PnLByCategory(ctx)
}

// OrderBook fetches the live book for a token; when the CLOB is unreachable
// the latest stored audit snapshot stands in.
func (s *Service) OrderBook(ctx context.Context, tokenID string) (*models.OrderBookSnapshot, error) {
	fetch, err := s.clob.FetchBook(ctx, tokenID)
	if err == nil {
		return fetch.Snapshot, nil
	}
	log.Printf("[Service] Live book fetch for %s failed, serving stored snapshot: %v",
		utils.ShortAddress(tokenID), err)

	snap, storeErr := s.store.LatestSnapshot(ctx, tokenID)
	if storeErr != nil {
		return nil, storeErr
	}
	if snap == nil {
		return nil, fmt.Errorf("no order book available for %s: %w", tokenID, err)
	}
	return snap, nil
}

// PipelineMetrics returns the live detector and trader counters.
func (s *Service) PipelineMetrics(ctx context.Context) (*syncer.SystemMetrics, error) {
	if s.metrics == nil {
		return &syncer.SystemMetrics{}, nil
	}
	return s.metrics.GetMetrics(ctx)
}

// InvalidateCaches clears the summary and positions caches.
func (s *Service) InvalidateCaches() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.summaryCache = nil
	s.positionsCache = nil
}
