package storage

import (
	"context"
	"time"

	"polymarket-papertrader/models"
)

// TradeFilter narrows paper trade listings.
type TradeFilter struct {
	Wallet    string // target wallet, empty for all
	TokenID   string // empty for all
	FillsOnly bool   // drop no-fill records
	Limit     int
}

// TradeRow is a paper trade joined with its target trade and market metadata
// for dashboard listings.
type TradeRow struct {
	models.PaperTrade
	Wallet      string  `json:"wallet"`
	WalletAlias string  `json:"wallet_alias,omitempty"`
	TargetPrice float64 `json:"target_price"`
	TargetSize  float64 `json:"target_size"`
	Question    string  `json:"question"`
	Category    string  `json:"category"`
}

// Summary holds the headline dashboard numbers.
type Summary struct {
	TrackedWallets  int     `json:"tracked_wallets"`
	TargetTrades    int     `json:"target_trades"`
	PaperFills      int     `json:"paper_fills"`
	NoFills         int     `json:"no_fills"`
	FillRate        float64 `json:"fill_rate"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	RealizedPnL     float64 `json:"realized_pnl"`
	AvgSlippage     float64 `json:"avg_slippage"`
	AvgDetectionMs  float64 `json:"avg_detection_ms"`
	AvgExecutionMs  float64 `json:"avg_execution_ms"`
	OpenPositions   int     `json:"open_positions"`
	ResolvedMarkets int     `json:"resolved_markets"`
}

// PnLPoint is one bucket of the cumulative realized PnL series.
type PnLPoint struct {
	Day        string  `json:"day"` // YYYY-MM-DD
	Realized   float64 `json:"realized"`
	Cumulative float64 `json:"cumulative"`
}

// CategoryPnL aggregates realized PnL per market category.
type CategoryPnL struct {
	Category  string  `json:"category"`
	Realized  float64 `json:"realized"`
	Positions int     `json:"positions"`
}

// LatencySample carries the per-trade delays for percentile computation.
type LatencySample struct {
	DetectionMs float64 `json:"detection_ms"`
	ExecutionMs float64 `json:"execution_ms"`
	TotalMs     float64 `json:"total_ms"`
}

// SnapshotRow is a persisted order book audit record plus its row id, used
// by the archiver.
type SnapshotRow struct {
	ID int64 `json:"id"`
	models.OrderBookSnapshot
}

// DataStore defines the persistence contract shared by the SQLite and
// Postgres backends. Writes are keyed by stable identifiers (token id,
// wallet address, transaction hash) so that crash-restart replays are
// idempotent.
type DataStore interface {
	Close() error

	// Wallets
	UpsertWallet(ctx context.Context, w models.Wallet) error
	ListWallets(ctx context.Context, trackedOnly bool) ([]models.Wallet, error)
	TrackedWalletAddresses(ctx context.Context) ([]string, error)
	SetWalletTracking(ctx context.Context, address string, enabled bool) error

	// Markets
	UpsertMarket(ctx context.Context, m models.Market) error
	GetMarket(ctx context.Context, tokenID string) (*models.Market, error)
	ListMarkets(ctx context.Context, limit int) ([]models.Market, error)
	MarketsNeedingMetadata(ctx context.Context, limit int) ([]models.Market, error)
	MarketsDueResolutionCheck(ctx context.Context, now time.Time, limit int) ([]models.Market, error)
	ScheduleResolutionCheck(ctx context.Context, tokenID string, next time.Time, failures int) error
	MarkMarketResolved(ctx context.Context, tokenID string, winningOutcome int, payout float64, resolvedAt time.Time) error
	MarketsByCondition(ctx context.Context, conditionID string) ([]models.Market, error)

	// Event pipeline. RecordEvent persists everything produced by one
	// processed trade event atomically: the target trade, the order book
	// audit snapshot, the paper trade (fill or no-fill), and the updated
	// position when the fill was applied.
	HasTargetTrade(ctx context.Context, txHash, tokenID string) (bool, error)
	RecordEvent(ctx context.Context, trade models.TargetTrade, snap *models.OrderBookSnapshot, paper models.PaperTrade, pos *models.Position) (int64, error)

	// Paper trades and snapshots
	ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRow, error)
	LatestSnapshot(ctx context.Context, tokenID string) (*models.OrderBookSnapshot, error)
	SnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]SnapshotRow, error)
	AppliedFills(ctx context.Context) (map[string][]string, error)

	// Positions
	UpsertPosition(ctx context.Context, pos models.Position) error
	GetPosition(ctx context.Context, tokenID string) (*models.Position, error)
	ListPositions(ctx context.Context) ([]models.Position, error)

	// Dashboard aggregates
	Summary(ctx context.Context) (*Summary, error)
	PnLOverTime(ctx context.Context, days int) ([]PnLPoint, error)
	PnLByCategory(ctx context.Context) ([]CategoryPnL, error)
	LatencySamples(ctx context.Context, limit int) ([]LatencySample, error)

	// Run state
	GetRunState(ctx context.Context, key string) (string, error)
	SetRunState(ctx context.Context, key, value string) error
}

// Ensure all implementations satisfy the interface
var _ DataStore = (*Store)(nil)
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)
