// Package handlers exposes the dashboard JSON API.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"polymarket-papertrader/config"
	"polymarket-papertrader/service"
	"polymarket-papertrader/storage"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests
type Handler struct {
	cfg     *config.Config
	service *service.Service
	store   storage.DataStore
}

// NewHandler creates a new handler
func NewHandler(cfg *config.Config, svc *service.Service, store storage.DataStore) *Handler {
	return &Handler{
		cfg:     cfg,
		service: svc,
		store:   store,
	}
}

// GetSummary returns the headline dashboard numbers.
func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// GetWallets returns every wallet the seeder has registered.
func (h *Handler) GetWallets(c *gin.Context) {
	wallets, err := h.service.Wallets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wallets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// SetWalletTracking enables or disables copy detection for one wallet.
func (h *Handler) SetWalletTracking(c *gin.Context) {
	address := strings.ToLower(strings.TrimSpace(c.Param("address")))

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must contain enabled: true|false"})
		return
	}

	if err := h.store.SetWalletTracking(c.Request.Context(), address, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"enabled": *req.Enabled,
	})
}

// GetTrades returns paper trades joined with their target trades.
// Query params: wallet, token_id, fills_only, limit.
func (h *Handler) GetTrades(c *gin.Context) {
	filter := storage.TradeFilter{
		Wallet:  strings.TrimSpace(c.Query("wallet")),
		TokenID: strings.TrimSpace(c.Query("token_id")),
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	fills := strings.ToLower(strings.TrimSpace(c.Query("fills_only")))
	filter.FillsOnly = fills == "1" || fills == "true"

	trades, err := h.service.Trades(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetPositions returns every position with metadata and unrealized PnL.
func (h *Handler) GetPositions(c *gin.Context) {
	positions, err := h.service.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

// GetMarkets returns tracked markets, most recent first.
func (h *Handler) GetMarkets(c *gin.Context) {
	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	markets, err := h.service.Markets(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load markets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"markets": markets,
		"count":   len(markets),
	})
}

// GetPnLOverTime returns the daily realized PnL series.
func (h *Handler) GetPnLOverTime(c *gin.Context) {
	days := 30
	if daysStr := c.Query("days"); daysStr != "" {
		if d, err := strconv.Atoi(daysStr); err == nil && d > 0 {
			days = d
		}
	}

	points, err := h.service.PnLOverTime(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pnl series"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"points": points,
		"days":   days,
	})
}

// GetPnLByCategory returns realized PnL grouped by market category.
func (h *Handler) GetPnLByCategory(c *gin.Context) {
	categories, err := h.service.PnLByCategory(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load category pnl"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

// GetOrderBook returns the live book for a token, or the latest stored
// snapshot when the CLOB is unreachable.
func (h *Handler) GetOrderBook(c *gin.Context) {
	tokenID := c.Param("tokenID")

	book, err := h.service.OrderBook(c.Request.Context(), tokenID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order book unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"book": book})
}

// GetLatencyStats returns detection/execution latency percentiles.
func (h *Handler) GetLatencyStats(c *gin.Context) {
	stats, err := h.service.LatencyStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute latency stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"latency": stats})
}

// GetMetrics returns the live pipeline counters.
func (h *Handler) GetMetrics(c *gin.Context) {
	metrics, err := h.service.PipelineMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}

// Health is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
