package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Public Polygon RPC endpoint (free, no API key needed, but slower)
	DefaultPolygonRPC = "https://polygon-rpc.com"
)

// PolygonClient queries Polygon RPC for transaction details. The detector
// uses it to enrich trade events with block numbers and to verify the
// sending wallet; every lookup is best effort.
type PolygonClient struct {
	httpClient  *http.Client
	rpcURL      string
	cache       map[string]TxInfo // txHash -> details
	cacheMu     sync.RWMutex
	rateLimiter *time.Ticker
}

// TxInfo is the transaction subset trade events are enriched with
type TxInfo struct {
	Hash        string
	From        string
	BlockNumber uint64
}

type rpcRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JsonRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Result  *struct {
		Hash        string `json:"hash"`
		From        string `json:"from"`
		To          string `json:"to"`
		BlockNumber string `json:"blockNumber"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewPolygonClient creates a new Polygon RPC client
func NewPolygonClient() *PolygonClient {
	rpcURL := os.Getenv("POLYGON_RPC_URL")
	if rpcURL == "" {
		rpcURL = DefaultPolygonRPC
		log.Printf("[PolygonRPC] Using public RPC endpoint: %s", rpcURL)
	} else {
		log.Printf("[PolygonRPC] Using custom RPC endpoint")
	}

	return &PolygonClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		rpcURL:      rpcURL,
		cache:       make(map[string]TxInfo),
		rateLimiter: time.NewTicker(100 * time.Millisecond), // 10 req/sec max
	}
}

// GetTransaction fetches sender and block number for a transaction hash
func (c *PolygonClient) GetTransaction(ctx context.Context, txHash string) (TxInfo, error) {
	txHash = strings.ToLower(txHash)

	c.cacheMu.RLock()
	if info, ok := c.cache[txHash]; ok {
		c.cacheMu.RUnlock()
		return info, nil
	}
	c.cacheMu.RUnlock()

	// Rate limit
	select {
	case <-c.rateLimiter.C:
	case <-ctx.Done():
		return TxInfo{}, ctx.Err()
	}

	rpcReq := rpcRequest{
		JsonRPC: "2.0",
		Method:  "eth_getTransactionByHash",
		Params:  []interface{}{txHash},
		ID:      1,
	}

	reqBody, err := json.Marshal(rpcReq)
	if err != nil {
		return TxInfo{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return TxInfo{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TxInfo{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TxInfo{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return TxInfo{}, fmt.Errorf("RPC returned status %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return TxInfo{}, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return TxInfo{}, fmt.Errorf("RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if rpcResp.Result == nil {
		return TxInfo{}, fmt.Errorf("transaction not found")
	}

	info := TxInfo{
		Hash: txHash,
		From: strings.ToLower(rpcResp.Result.From),
	}
	if bn := strings.TrimPrefix(rpcResp.Result.BlockNumber, "0x"); bn != "" {
		if parsed, err := strconv.ParseUint(bn, 16, 64); err == nil {
			info.BlockNumber = parsed
		}
	}

	c.cacheMu.Lock()
	c.cache[txHash] = info
	c.cacheMu.Unlock()

	return info, nil
}

// GetTransactions fetches details for multiple hashes concurrently,
// returning what succeeded
func (c *PolygonClient) GetTransactions(ctx context.Context, txHashes []string) map[string]TxInfo {
	result := make(map[string]TxInfo)
	var mu sync.Mutex

	// Check how many are already cached
	uncached := []string{}
	c.cacheMu.RLock()
	for _, txHash := range txHashes {
		txHash = strings.ToLower(txHash)
		if info, ok := c.cache[txHash]; ok {
			result[txHash] = info
		} else {
			uncached = append(uncached, txHash)
		}
	}
	c.cacheMu.RUnlock()

	if len(uncached) == 0 {
		return result
	}

	log.Printf("[PolygonRPC] Fetching %d transactions (%d from cache)", len(uncached), len(result))

	var wg sync.WaitGroup
	sem := make(chan struct{}, 10) // Max 10 concurrent requests

	for _, txHash := range uncached {
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			info, err := c.GetTransaction(ctx, hash)
			if err != nil {
				log.Printf("[PolygonRPC] Failed to fetch tx %s: %v", shortHash(hash), err)
				return
			}

			mu.Lock()
			result[hash] = info
			mu.Unlock()
		}(txHash)
	}

	wg.Wait()

	return result
}

// Close stops the rate limiter
func (c *PolygonClient) Close() {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
}

func shortHash(hash string) string {
	if len(hash) <= 10 {
		return hash
	}
	return hash[:10] + "..."
}
