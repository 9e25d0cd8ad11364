package storage

import (
	"context"
	"sync"
	"time"

	"polymarket-papertrader/models"
)

// MockStore is an in-memory DataStore for testing.
type MockStore struct {
	mu sync.Mutex

	// State
	Wallets      map[string]models.Wallet
	Markets      map[string]models.Market
	TargetTrades []models.TargetTrade
	PaperTrades  []models.PaperTrade
	Snapshots    []SnapshotRow
	Positions    map[string]models.Position
	RunState     map[string]string

	// Canned aggregate responses
	SummaryResult  *Summary
	PnLPoints      []PnLPoint
	CategoryPnLs   []CategoryPnL
	Latencies      []LatencySample
	TradeRows      []TradeRow
	AppliedByToken map[string][]string

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error

	// Detailed call tracking for verification
	LastTradeFilter TradeFilter

	nextPaperID int64
	nextSnapID  int64
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		Wallets:        make(map[string]models.Wallet),
		Markets:        make(map[string]models.Market),
		Positions:      make(map[string]models.Position),
		RunState:       make(map[string]string),
		AppliedByToken: make(map[string][]string),
		Calls:          make(map[string]int),
		ErrorOnNext:    make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackCall("Close")
}

// ---- wallets ----

func (m *MockStore) UpsertWallet(ctx context.Context, w models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("UpsertWallet"); err != nil {
		return err
	}
	m.Wallets[w.Address] = w
	return nil
}

func (m *MockStore) ListWallets(ctx context.Context, trackedOnly bool) ([]models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListWallets"); err != nil {
		return nil, err
	}
	var out []models.Wallet
	for _, w := range m.Wallets {
		if trackedOnly && !w.TrackingEnabled {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *MockStore) TrackedWalletAddresses(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("TrackedWalletAddresses"); err != nil {
		return nil, err
	}
	var out []string
	for _, w := range m.Wallets {
		if w.TrackingEnabled {
			out = append(out, w.Address)
		}
	}
	return out, nil
}

func (m *MockStore) SetWalletTracking(ctx context.Context, address string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SetWalletTracking"); err != nil {
		return err
	}
	w := m.Wallets[address]
	w.Address = address
	w.TrackingEnabled = enabled
	m.Wallets[address] = w
	return nil
}

// ---- markets ----

func (m *MockStore) UpsertMarket(ctx context.Context, market models.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("UpsertMarket"); err != nil {
		return err
	}
	// Preserve backfilled metadata the way the real stores do.
	if existing, ok := m.Markets[market.TokenID]; ok {
		if market.Question == "" || market.Question == models.PlaceholderQuestion {
			market.Question = existing.Question
		}
		if market.ConditionID == "" {
			market.ConditionID = existing.ConditionID
		}
		if market.Category == "" {
			market.Category = existing.Category
		}
		market.Resolved = existing.Resolved || market.Resolved
	}
	m.Markets[market.TokenID] = market
	return nil
}

func (m *MockStore) GetMarket(ctx context.Context, tokenID string) (*models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetMarket"); err != nil {
		return nil, err
	}
	if market, ok := m.Markets[tokenID]; ok {
		copied := market
		return &copied, nil
	}
	return nil, nil
}

func (m *MockStore) ListMarkets(ctx context.Context, limit int) ([]models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListMarkets"); err != nil {
		return nil, err
	}
	var out []models.Market
	for _, market := range m.Markets {
		out = append(out, market)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockStore) MarketsNeedingMetadata(ctx context.Context, limit int) ([]models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("MarketsNeedingMetadata"); err != nil {
		return nil, err
	}
	var out []models.Market
	for _, market := range m.Markets {
		if market.NeedsMetadata() {
			out = append(out, market)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockStore) MarketsDueResolutionCheck(ctx context.Context, now time.Time, limit int) ([]models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("MarketsDueResolutionCheck"); err != nil {
		return nil, err
	}
	var out []models.Market
	for _, market := range m.Markets {
		if market.Resolved {
			continue
		}
		if market.NextResolutionCheck.IsZero() || !market.NextResolutionCheck.After(now) {
			out = append(out, market)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockStore) ScheduleResolutionCheck(ctx context.Context, tokenID string, next time.Time, failures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ScheduleResolutionCheck"); err != nil {
		return err
	}
	market := m.Markets[tokenID]
	market.TokenID = tokenID
	market.NextResolutionCheck = next
	market.LastResolutionCheck = time.Now()
	market.ResolutionFailures = failures
	m.Markets[tokenID] = market
	return nil
}

func (m *MockStore) MarkMarketResolved(ctx context.Context, tokenID string, winningOutcome int, payout float64, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("MarkMarketResolved"); err != nil {
		return err
	}
	market := m.Markets[tokenID]
	market.TokenID = tokenID
	market.Resolved = true
	market.WinningOutcome = winningOutcome
	market.PayoutValue = payout
	market.ResolvedAt = resolvedAt
	m.Markets[tokenID] = market
	return nil
}

func (m *MockStore) MarketsByCondition(ctx context.Context, conditionID string) ([]models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("MarketsByCondition"); err != nil {
		return nil, err
	}
	var out []models.Market
	for _, market := range m.Markets {
		if market.ConditionID == conditionID {
			out = append(out, market)
		}
	}
	return out, nil
}

// ---- event pipeline ----

func (m *MockStore) HasTargetTrade(ctx context.Context, txHash, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("HasTargetTrade"); err != nil {
		return false, err
	}
	for _, t := range m.TargetTrades {
		if t.TxHash == txHash && t.TokenID == tokenID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) RecordEvent(ctx context.Context, trade models.TargetTrade, snap *models.OrderBookSnapshot, paper models.PaperTrade, pos *models.Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("RecordEvent"); err != nil {
		return 0, err
	}

	trade.ID = int64(len(m.TargetTrades) + 1)
	m.TargetTrades = append(m.TargetTrades, trade)

	if snap != nil {
		m.nextSnapID++
		m.Snapshots = append(m.Snapshots, SnapshotRow{ID: m.nextSnapID, OrderBookSnapshot: *snap})
	}

	m.nextPaperID++
	paper.ID = m.nextPaperID
	paper.TargetTradeID = trade.ID
	m.PaperTrades = append(m.PaperTrades, paper)

	if pos != nil {
		m.Positions[pos.TokenID] = *pos
	}
	return paper.ID, nil
}

// ---- paper trades and snapshots ----

func (m *MockStore) ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListTrades"); err != nil {
		return nil, err
	}
	m.LastTradeFilter = filter
	return m.TradeRows, nil
}

func (m *MockStore) LatestSnapshot(ctx context.Context, tokenID string) (*models.OrderBookSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("LatestSnapshot"); err != nil {
		return nil, err
	}
	for i := len(m.Snapshots) - 1; i >= 0; i-- {
		if m.Snapshots[i].TokenID == tokenID {
			copied := m.Snapshots[i].OrderBookSnapshot
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MockStore) SnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]SnapshotRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SnapshotsBefore"); err != nil {
		return nil, err
	}
	var out []SnapshotRow
	for _, s := range m.Snapshots {
		if s.CapturedAt.Before(cutoff) {
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockStore) AppliedFills(ctx context.Context) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("AppliedFills"); err != nil {
		return nil, err
	}
	if len(m.AppliedByToken) > 0 {
		return m.AppliedByToken, nil
	}
	out := make(map[string][]string)
	for _, p := range m.PaperTrades {
		if p.Filled() {
			out[p.TokenID] = append(out[p.TokenID], p.FillID)
		}
	}
	return out, nil
}

// ---- positions ----

func (m *MockStore) UpsertPosition(ctx context.Context, pos models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("UpsertPosition"); err != nil {
		return err
	}
	m.Positions[pos.TokenID] = pos
	return nil
}

func (m *MockStore) GetPosition(ctx context.Context, tokenID string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetPosition"); err != nil {
		return nil, err
	}
	if pos, ok := m.Positions[tokenID]; ok {
		copied := pos
		return &copied, nil
	}
	return nil, nil
}

func (m *MockStore) ListPositions(ctx context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListPositions"); err != nil {
		return nil, err
	}
	var out []models.Position
	for _, pos := range m.Positions {
		out = append(out, pos)
	}
	return out, nil
}

// ---- aggregates ----

func (m *MockStore) Summary(ctx context.Context) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("Summary"); err != nil {
		return nil, err
	}
	if m.SummaryResult != nil {
		copied := *m.SummaryResult
		return &copied, nil
	}
	return &Summary{}, nil
}

func (m *MockStore) PnLOverTime(ctx context.Context, days int) ([]PnLPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("PnLOverTime"); err != nil {
		return nil, err
	}
	return m.PnLPoints, nil
}

func (m *MockStore) PnLByCategory(ctx context.Context) ([]CategoryPnL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("PnLByCategory"); err != nil {
		return nil, err
	}
	return m.CategoryPnLs, nil
}

func (m *MockStore) LatencySamples(ctx context.Context, limit int) ([]LatencySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("LatencySamples"); err != nil {
		return nil, err
	}
	return m.Latencies, nil
}

// ---- run state ----

func (m *MockStore) GetRunState(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetRunState"); err != nil {
		return "", err
	}
	return m.RunState[key], nil
}

func (m *MockStore) SetRunState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SetRunState"); err != nil {
		return err
	}
	m.RunState[key] = value
	return nil
}
