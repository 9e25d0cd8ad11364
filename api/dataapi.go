package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"polymarket-papertrader/models"
)

// Numeric handles Polymarket numbers that may arrive as strings or numbers
type Numeric float64

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		*n = 0
		return nil
	}

	// Handle quoted numbers.
	if data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Numeric(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Numeric(f)
	return nil
}

func (n Numeric) Float64() float64 {
	return float64(n)
}

// DataClient queries the Polymarket Data-API for wallet activity and
// leaderboard rankings
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// DataTrade represents one activity item from the Data-API
type DataTrade struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Type            string  `json:"type"` // TRADE, REDEEM, SPLIT, MERGE, etc.
	Side            string  `json:"side"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Size            Numeric `json:"size"`
	UsdcSize        Numeric `json:"usdcSize"`
	Price           Numeric `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Name            string  `json:"name"`
	Pseudonym       string  `json:"pseudonym"`
	TransactionHash string  `json:"transactionHash"`
}

// LeaderboardEntry is one row of the Data-API leaderboard. The wallet
// field name has shifted across API versions, so all three are decoded.
type LeaderboardEntry struct {
	ProxyWallet string  `json:"proxyWallet"`
	Address     string  `json:"address"`
	Wallet      string  `json:"wallet"`
	UserName    string  `json:"userName"`
	PnL         Numeric `json:"pnl"`
	Vol         Numeric `json:"vol"`
}

// WalletAddress returns the entry's wallet under whichever field the API
// populated
func (e *LeaderboardEntry) WalletAddress() string {
	if e.ProxyWallet != "" {
		return e.ProxyWallet
	}
	if e.Address != "" {
		return e.Address
	}
	return e.Wallet
}

// NewDataClient creates a new Data-API client
func NewDataClient(baseURL string, ratePerSec float64, burst int) *DataClient {
	if baseURL == "" {
		baseURL = "https://data-api.polymarket.com"
	}
	if ratePerSec <= 0 {
		ratePerSec = 8
	}
	if burst <= 0 {
		burst = 4
	}

	return &DataClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// GetUserActivity fetches the most recent activity items for a wallet,
// newest first. The caller filters for TRADE entries.
func (c *DataClient) GetUserActivity(ctx context.Context, userAddress string, limit int) ([]DataTrade, error) {
	if limit <= 0 {
		limit = 50
	}

	values := url.Values{}
	values.Set("user", strings.ToLower(userAddress))
	values.Set("limit", strconv.Itoa(limit))

	var trades []DataTrade
	if err := c.getJSON(ctx, "/activity?"+values.Encode(), &trades); err != nil {
		return nil, fmt.Errorf("fetch activity for %s: %w", userAddress, err)
	}
	return trades, nil
}

// GetLeaderboard fetches the top wallets for a category over a time
// period, ordered by PNL or VOL
func (c *DataClient) GetLeaderboard(ctx context.Context, category, timePeriod, orderBy string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	values := url.Values{}
	values.Set("category", category)
	values.Set("timePeriod", timePeriod)
	values.Set("orderBy", orderBy)
	values.Set("limit", strconv.Itoa(limit))

	var entries []LeaderboardEntry
	if err := c.getJSON(ctx, "/v1/leaderboard?"+values.Encode(), &entries); err != nil {
		return nil, fmt.Errorf("fetch %s leaderboard: %w", category, err)
	}
	return entries, nil
}

func (c *DataClient) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsTrade reports whether the activity item is an executed trade rather
// than a redeem, split or merge
func (t *DataTrade) IsTrade() bool {
	return strings.EqualFold(t.Type, "TRADE")
}

// ToTradeEvent converts an activity item into a TradeEvent with the given
// detection timestamp. The activity timestamp is treated as the on-chain
// time.
func (t *DataTrade) ToTradeEvent(detectedAt time.Time) models.TradeEvent {
	cost := t.UsdcSize.Float64()
	if cost <= 0 {
		cost = t.Size.Float64() * t.Price.Float64()
	}

	return models.TradeEvent{
		Wallet:     strings.ToLower(t.ProxyWallet),
		TokenID:    t.Asset,
		Side:       models.Side(strings.ToUpper(t.Side)),
		Size:       t.Size.Float64(),
		Price:      t.Price.Float64(),
		CostUSD:    cost,
		TxHash:     strings.ToLower(t.TransactionHash),
		OnchainAt:  time.Unix(t.Timestamp, 0).UTC(),
		DetectedAt: detectedAt,
	}
}
