package api

import (
	"context"
	"sync"
	"time"

	"polymarket-papertrader/models"
)

// ClobClientInterface defines the methods needed from a CLOB client.
// This interface enables dependency injection for testing.
type ClobClientInterface interface {
	// Configuration
	SetRetryPolicy(retries int, backoff time.Duration)

	// Order Book
	GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error)
	FetchBook(ctx context.Context, tokenID string) (*BookFetch, error)
}

// Ensure ClobClient implements ClobClientInterface
var _ ClobClientInterface = (*ClobClient)(nil)

// Ensure MockClobClient implements ClobClientInterface
var _ ClobClientInterface = (*MockClobClient)(nil)

// GammaClientInterface defines the methods needed from the Gamma metadata API.
type GammaClientInterface interface {
	GetMarketsByToken(ctx context.Context, tokenID string) ([]GammaMarket, error)
	MetadataForToken(ctx context.Context, tokenID string) (*models.Market, error)
}

var _ GammaClientInterface = (*GammaClient)(nil)
var _ GammaClientInterface = (*MockGammaClient)(nil)

// DataClientInterface defines the methods needed from the Data-API.
type DataClientInterface interface {
	GetUserActivity(ctx context.Context, userAddress string, limit int) ([]DataTrade, error)
	GetLeaderboard(ctx context.Context, category, timePeriod, orderBy string, limit int) ([]LeaderboardEntry, error)
}

var _ DataClientInterface = (*DataClient)(nil)
var _ DataClientInterface = (*MockDataClient)(nil)

// ResolutionStreamInterface defines the push side of resolution detection.
type ResolutionStreamInterface interface {
	Start() error
	Stop()
}

var _ ResolutionStreamInterface = (*MarketWSClient)(nil)
var _ ResolutionStreamInterface = (*MockResolutionStream)(nil)

// MockClobClient is a mock CLOB client for testing
type MockClobClient struct {
	mu sync.RWMutex

	// Response data
	Book  *OrderBook            // default response
	Books map[string]*OrderBook // per-token overrides

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error

	// Detailed call tracking for verification
	FetchBookCalls []string
}

// NewMockClobClient creates a new mock CLOB client
func NewMockClobClient() *MockClobClient {
	return &MockClobClient{
		Books:          make(map[string]*OrderBook),
		Calls:          make(map[string]int),
		ErrorOnNext:    make(map[string]error),
		FetchBookCalls: []string{},
	}
}

func (m *MockClobClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockClobClient) SetRetryPolicy(retries int, backoff time.Duration) {
	m.trackCall("SetRetryPolicy")
}

func (m *MockClobClient) bookFor(tokenID string) *OrderBook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if book, ok := m.Books[tokenID]; ok {
		return book
	}
	if m.Book != nil {
		return m.Book
	}
	// Return default order book
	return &OrderBook{
		AssetID: tokenID,
		Asks: []OrderBookLevel{
			{Price: "0.50", Size: "100"},
		},
		Bids: []OrderBookLevel{
			{Price: "0.49", Size: "100"},
		},
	}
}

func (m *MockClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	return m.bookFor(tokenID), nil
}

// FetchBook mocks a timed snapshot fetch. The returned timestamps are 10ms
// apart so latency math in callers has something non-zero to work with.
func (m *MockClobClient) FetchBook(ctx context.Context, tokenID string) (*BookFetch, error) {
	if err := m.trackCall("FetchBook"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.FetchBookCalls = append(m.FetchBookCalls, tokenID)
	m.mu.Unlock()

	requestedAt := time.Now().UTC()
	respondedAt := requestedAt.Add(10 * time.Millisecond)
	snapshot, err := m.bookFor(tokenID).ToSnapshot(tokenID, respondedAt)
	if err != nil {
		return nil, err
	}
	return &BookFetch{
		Snapshot:    snapshot,
		RequestedAt: requestedAt,
		RespondedAt: respondedAt,
		Attempts:    1,
	}, nil
}

// MockGammaClient is a mock Gamma API client for testing
type MockGammaClient struct {
	mu sync.RWMutex

	// Response data
	Markets  []GammaMarket
	Metadata map[string]*models.Market // per-token overrides

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error

	// Detailed call tracking for verification
	MetadataCalls []string
}

// NewMockGammaClient creates a new mock Gamma API client
func NewMockGammaClient() *MockGammaClient {
	return &MockGammaClient{
		Metadata:      make(map[string]*models.Market),
		Calls:         make(map[string]int),
		ErrorOnNext:   make(map[string]error),
		MetadataCalls: []string{},
	}
}

func (m *MockGammaClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockGammaClient) GetMarketsByToken(ctx context.Context, tokenID string) ([]GammaMarket, error) {
	if err := m.trackCall("GetMarketsByToken"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Markets, nil
}

func (m *MockGammaClient) MetadataForToken(ctx context.Context, tokenID string) (*models.Market, error) {
	if err := m.trackCall("MetadataForToken"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.MetadataCalls = append(m.MetadataCalls, tokenID)
	if meta, ok := m.Metadata[tokenID]; ok {
		copied := *meta
		m.mu.Unlock()
		return &copied, nil
	}
	m.mu.Unlock()
	return &models.Market{
		TokenID:     tokenID,
		ConditionID: "test-condition-id",
		Question:    "Test Market",
		Outcomes:    []string{"Yes", "No"},
		OutcomeIdx:  0,
		Category:    "Test",
	}, nil
}

// MockDataClient is a mock Data-API client for testing
type MockDataClient struct {
	mu sync.RWMutex

	// Response data
	Activity    map[string][]DataTrade // per-wallet activity
	Leaderboard []LeaderboardEntry

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error

	// Detailed call tracking for verification
	ActivityCalls []string
}

// NewMockDataClient creates a new mock Data-API client
func NewMockDataClient() *MockDataClient {
	return &MockDataClient{
		Activity:      make(map[string][]DataTrade),
		Calls:         make(map[string]int),
		ErrorOnNext:   make(map[string]error),
		ActivityCalls: []string{},
	}
}

func (m *MockDataClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockDataClient) GetUserActivity(ctx context.Context, userAddress string, limit int) ([]DataTrade, error) {
	if err := m.trackCall("GetUserActivity"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActivityCalls = append(m.ActivityCalls, userAddress)
	return m.Activity[userAddress], nil
}

func (m *MockDataClient) GetLeaderboard(ctx context.Context, category, timePeriod, orderBy string, limit int) ([]LeaderboardEntry, error) {
	if err := m.trackCall("GetLeaderboard"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Leaderboard, nil
}

// MockResolutionStream is a mock resolution WebSocket client for testing
type MockResolutionStream struct {
	mu sync.RWMutex

	// State
	Connected bool

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error

	// Event handler
	OnResolved ResolutionHandler
}

// NewMockResolutionStream creates a new mock resolution stream
func NewMockResolutionStream(handler ResolutionHandler) *MockResolutionStream {
	return &MockResolutionStream{
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
		OnResolved:  handler,
	}
}

func (m *MockResolutionStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["Start"]++
	if err, ok := m.ErrorOnNext["Start"]; ok {
		delete(m.ErrorOnNext, "Start")
		return err
	}
	m.Connected = true
	return nil
}

func (m *MockResolutionStream) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["Stop"]++
	m.Connected = false
}

// SimulateResolution delivers a resolution event to the registered handler.
func (m *MockResolutionStream) SimulateResolution(event MarketResolvedEvent) {
	if m.OnResolved != nil {
		m.OnResolved(event)
	}
}
