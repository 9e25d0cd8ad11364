package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"polymarket-papertrader/models"
)

// ClobClient fetches order books from the Polymarket CLOB REST API
type ClobClient struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	retryBackoff time.Duration
}

// OrderBook is the order book exactly as the CLOB returns it: prices and
// sizes as decimal strings, level ordering not guaranteed
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookFetch is a validated snapshot plus the timestamps bracketing the
// HTTP round trip, used for execution-delay measurement
type BookFetch struct {
	Snapshot    *models.OrderBookSnapshot
	RequestedAt time.Time
	RespondedAt time.Time
	Attempts    int
}

// statusError preserves the HTTP status code for retry decisions
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// StatusCode extracts the HTTP status from a client error, 0 when the
// error did not carry one
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

// NewClobClient creates a new CLOB API client. Requests are throttled by a
// shared token bucket so parallel event processing cannot hammer the API.
func NewClobClient(baseURL string, ratePerSec float64, burst int) *ClobClient {
	if baseURL == "" {
		baseURL = "https://clob.polymarket.com"
	}
	if ratePerSec <= 0 {
		ratePerSec = 8
	}
	if burst <= 0 {
		burst = 4
	}

	return &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), burst),
		maxRetries:   2,
		retryBackoff: 250 * time.Millisecond,
	}
}

// SetRetryPolicy overrides the retry count and initial backoff for
// transient fetch failures
func (c *ClobClient) SetRetryPolicy(retries int, backoff time.Duration) {
	if retries >= 0 {
		c.maxRetries = retries
	}
	if backoff > 0 {
		c.retryBackoff = backoff
	}
}

// GetOrderBook fetches the raw order book for a token (single attempt)
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("token_id", tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/book?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get order book: %w", &statusError{status: resp.StatusCode, body: string(body)})
	}

	var book OrderBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("failed to decode order book: %w", err)
	}

	return &book, nil
}

// FetchBook fetches and validates an order book snapshot, recording the
// timestamps around the round trip. Network errors, 5xx responses and 429s
// are retried with doubling backoff up to the configured retry count; the
// context deadline bounds the whole operation.
func (c *ClobClient) FetchBook(ctx context.Context, tokenID string) (*BookFetch, error) {
	requestedAt := time.Now().UTC()

	var (
		book     *OrderBook
		err      error
		attempts int
	)
	backoff := c.retryBackoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attempts++
		book, err = c.GetOrderBook(ctx, tokenID)
		if err == nil {
			break
		}
		if !isRetryableFetchErr(err) || attempt == c.maxRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	respondedAt := time.Now().UTC()

	snapshot, err := book.ToSnapshot(tokenID, respondedAt)
	if err != nil {
		return nil, fmt.Errorf("validate order book: %w", err)
	}

	return &BookFetch{
		Snapshot:    snapshot,
		RequestedAt: requestedAt,
		RespondedAt: respondedAt,
		Attempts:    attempts,
	}, nil
}

// ToSnapshot converts the wire book into a validated domain snapshot:
// floats parsed, bids sorted descending by price, asks ascending. A level
// with a non-positive price or a negative size fails the conversion.
func (b *OrderBook) ToSnapshot(tokenID string, capturedAt time.Time) (*models.OrderBookSnapshot, error) {
	bids, err := parseLevels(b.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(b.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	id := b.AssetID
	if id == "" {
		id = tokenID
	}

	return &models.OrderBookSnapshot{
		TokenID:    id,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: capturedAt,
	}, nil
}

func parseLevels(levels []OrderBookLevel) ([]models.BookLevel, error) {
	out := make([]models.BookLevel, 0, len(levels))
	for _, level := range levels {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", level.Price, err)
		}
		size, err := strconv.ParseFloat(level.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("bad size %q: %w", level.Size, err)
		}
		if price <= 0 {
			return nil, fmt.Errorf("non-positive price %v", price)
		}
		if size < 0 {
			return nil, fmt.Errorf("negative size %v", size)
		}
		out = append(out, models.BookLevel{Price: price, Size: size})
	}
	return out, nil
}

// isRetryableFetchErr reports whether a fetch failure is worth another
// attempt. Client errors other than 429 are not.
func isRetryableFetchErr(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Network-level failures (refused, reset, DNS) are transient.
	return true
}
