package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"polymarket-papertrader/models"
)

// ErrMarketNotFound is returned when Gamma has no market for a token
var ErrMarketNotFound = errors.New("no gamma market for token")

// GammaClient fetches market metadata from the Polymarket Gamma API
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// GammaMarket represents a market returned by the Gamma API. List-valued
// fields arrive inconsistently (native JSON arrays or JSON-encoded
// strings), so they are kept raw and decoded through the parse helpers.
type GammaMarket struct {
	ID                 string          `json:"id"`
	Question           string          `json:"question"`
	ConditionID        string          `json:"conditionId"`
	Slug               string          `json:"slug"`
	Category           string          `json:"category"`
	GroupItemTitle     string          `json:"groupItemTitle"`
	ClobTokenIds       json.RawMessage `json:"clobTokenIds"`
	Outcomes           json.RawMessage `json:"outcomes"`
	OutcomePrices      json.RawMessage `json:"outcomePrices"`
	ResolverRawPayouts json.RawMessage `json:"resolver_raw_payouts"`
	Tags               json.RawMessage `json:"tags"`
	Resolved           bool            `json:"resolved"`
	Closed             bool            `json:"closed"`
}

// NewGammaClient creates a new Gamma API client
func NewGammaClient(baseURL string, ratePerSec float64, burst int) *GammaClient {
	if baseURL == "" {
		baseURL = "https://gamma-api.polymarket.com"
	}
	if ratePerSec <= 0 {
		ratePerSec = 4
	}
	if burst <= 0 {
		burst = 2
	}

	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// GetMarketsByToken fetches the Gamma market rows matching a CLOB token id
func (c *GammaClient) GetMarketsByToken(ctx context.Context, tokenID string) ([]GammaMarket, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("clob_token_ids", tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/markets?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	// Gamma sits behind Cloudflare and rejects default Go user agents.
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gamma markets: %w", &statusError{status: resp.StatusCode, body: string(body)})
	}

	var markets []GammaMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("failed to decode gamma markets: %w", err)
	}

	return markets, nil
}

// MetadataForToken finds the market containing tokenID and converts it
// into a Market row. Returns ErrMarketNotFound when Gamma knows no market
// for the token.
func (c *GammaClient) MetadataForToken(ctx context.Context, tokenID string) (*models.Market, error) {
	markets, err := c.GetMarketsByToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	for i := range markets {
		m := &markets[i]
		idx := indexOfToken(m.TokenIDs(), tokenID)
		if idx < 0 {
			continue
		}

		// Gamma's top-level category carries broad labels (Politics,
		// Crypto, ...); groupItemTitle is often a sub-group or strike
		// bucket and serves only as fallback.
		category := strings.TrimSpace(m.Category)
		group := strings.TrimSpace(m.GroupItemTitle)
		if category == "" {
			category = group
		}

		return &models.Market{
			TokenID:        tokenID,
			ConditionID:    m.ConditionID,
			Question:       m.Question,
			Outcomes:       parseStringList(m.Outcomes),
			OutcomeIdx:     idx,
			Slug:           m.Slug,
			Category:       category,
			GroupItemTitle: group,
			Tags:           parseTagLabels(m.Tags),
		}, nil
	}

	return nil, ErrMarketNotFound
}

// TokenIDs returns the market's CLOB token ids in outcome order
func (m *GammaMarket) TokenIDs() []string {
	return parseStringList(m.ClobTokenIds)
}

// Payouts returns the normalized payout vector for the market's tokens.
// Explicit resolver payouts are preferred, outcome prices are the
// fallback. ok is false when neither field yields a numeric list whose
// length matches the token list.
func (m *GammaMarket) Payouts() (payouts []float64, source string, ok bool) {
	tokens := m.TokenIDs()
	if len(tokens) == 0 {
		return nil, "", false
	}
	return normalizePayouts([]payoutSource{
		{"resolver_raw_payouts", m.ResolverRawPayouts},
		{"outcomePrices", m.OutcomePrices},
	}, len(tokens))
}

// payoutSource is one candidate payload field for the payout vector
type payoutSource struct {
	name string
	raw  json.RawMessage
}

// normalizePayouts picks the first candidate that parses as a numeric
// list whose length matches the market's token count
func normalizePayouts(candidates []payoutSource, tokenCount int) ([]float64, string, bool) {
	for _, cand := range candidates {
		vals := parseFloatList(cand.raw)
		if vals == nil || len(vals) != tokenCount {
			continue
		}
		return vals, cand.name, true
	}
	return nil, "", false
}

func indexOfToken(tokens []string, tokenID string) int {
	for i, t := range tokens {
		if t == tokenID {
			return i
		}
	}
	return -1
}

// parseStringList decodes a list field that may arrive as a JSON array or
// as a string containing one ("[\"a\",\"b\"]")
func parseStringList(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return nil
		}
		return parseStringList(json.RawMessage(s))
	}

	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// parseFloatList decodes a numeric list field with the same tolerance:
// native array or JSON-encoded string, elements numbers or numeric strings
func parseFloatList(raw json.RawMessage) []float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return nil
		}
		return parseFloatList(json.RawMessage(s))
	}

	var vals []Numeric
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = v.Float64()
	}
	return out
}

// parseTagLabels extracts tag labels. Tags come as a list of objects
// [{"id":...,"label":...}], plain strings, or a JSON-encoded string of
// either.
func parseTagLabels(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return nil
		}
		return parseTagLabels(json.RawMessage(s))
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}

	labels := make([]string, 0, len(elems))
	for _, e := range elems {
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			labels = append(labels, s)
			continue
		}
		var obj struct {
			Label string `json:"label"`
		}
		if err := json.Unmarshal(e, &obj); err == nil && obj.Label != "" {
			labels = append(labels, obj.Label)
		}
	}
	return labels
}
