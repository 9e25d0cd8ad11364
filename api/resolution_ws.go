package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultMarketWSURL is the CLOB market-channel WebSocket endpoint
	DefaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsReconnectDelay = 5 * time.Second
)

// MarketResolvedEvent is a resolution push from the CLOB market channel,
// already normalized: payout vector length matches the token list
type MarketResolvedEvent struct {
	ConditionID string
	TokenIDs    []string
	Payouts     []float64
	Source      string // payload field that supplied the vector
	ReceivedAt  time.Time
}

// ResolutionHandler is called for each valid market_resolved event
type ResolutionHandler func(event MarketResolvedEvent)

// MarketWSClient subscribes to the CLOB market channel and emits market
// resolution events. It reconnects automatically and resubscribes.
type MarketWSClient struct {
	wsURL string

	conn   *websocket.Conn
	connMu sync.Mutex

	onResolved ResolutionHandler

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMarketWSClient creates a market-channel client. Events are delivered
// to onResolved from the read goroutine.
func NewMarketWSClient(wsURL string, onResolved ResolutionHandler) *MarketWSClient {
	if wsURL == "" {
		wsURL = DefaultMarketWSURL
	}
	return &MarketWSClient{
		wsURL:      wsURL,
		onResolved: onResolved,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start connects and subscribes, then listens in the background
func (c *MarketWSClient) Start() error {
	if c.running {
		return fmt.Errorf("market WS client already running")
	}

	if err := c.connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	if err := c.subscribe(); err != nil {
		c.closeConn()
		return fmt.Errorf("subscription failed: %w", err)
	}

	c.running = true
	go c.readLoop()
	go c.pingLoop()

	log.Printf("[MarketWS] Subscribed to market channel for resolution events")
	return nil
}

// Stop closes the connection and waits for the read loop to exit
func (c *MarketWSClient) Stop() {
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	c.closeConn()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		log.Printf("[MarketWS] Shutdown timeout")
	}
}

func (c *MarketWSClient) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.Dial(c.wsURL, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	c.conn = conn
	log.Printf("[MarketWS] Connected to %s", c.wsURL)
	return nil
}

func (c *MarketWSClient) subscribe() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	// The market channel carries resolution events only when the custom
	// feature flag is set on the subscription.
	sub := map[string]interface{}{
		"type":                   "subscribe",
		"channels":               []string{"market"},
		"custom_feature_enabled": true,
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(sub)
}

func (c *MarketWSClient) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
}

func (c *MarketWSClient) readLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			log.Printf("[MarketWS] Read error: %v, reconnecting in %s", err, wsReconnectDelay)
			c.closeConn()
			if !c.reconnect() {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *MarketWSClient) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// reconnect retries until connected and resubscribed or the client is
// stopped. Returns false when stopped.
func (c *MarketWSClient) reconnect() bool {
	for {
		select {
		case <-c.stopCh:
			return false
		case <-time.After(wsReconnectDelay):
		}

		if err := c.connect(); err != nil {
			log.Printf("[MarketWS] Reconnection failed: %v", err)
			continue
		}
		if err := c.subscribe(); err != nil {
			log.Printf("[MarketWS] Resubscription failed: %v", err)
			c.closeConn()
			continue
		}
		log.Printf("[MarketWS] Reconnected")
		return true
	}
}

// wsEventPayload covers both field spellings the channel has used
type wsEventPayload struct {
	EventType     string          `json:"event_type"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	ConditionID   string          `json:"condition_id"`
	ConditionID2  string          `json:"conditionId"`
	ClobTokenIds  json.RawMessage `json:"clob_token_ids"`
	ClobTokenIds2 json.RawMessage `json:"clobTokenIds"`
	RawPayouts    json.RawMessage `json:"resolver_raw_payouts"`
	OutcomePrices json.RawMessage `json:"outcomePrices"`
}

func (c *MarketWSClient) handleMessage(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}

	// Events arrive singly or batched in an array.
	if raw[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(raw, &events); err != nil {
			return
		}
		for _, e := range events {
			c.handleEvent(e)
		}
		return
	}
	c.handleEvent(raw)
}

func (c *MarketWSClient) handleEvent(raw []byte) {
	var payload wsEventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	eventType := payload.EventType
	if eventType == "" {
		eventType = payload.Type
	}
	if eventType != "market_resolved" {
		return
	}

	// Resolution fields sometimes nest under "data".
	if len(payload.Data) > 0 && !bytes.Equal(bytes.TrimSpace(payload.Data), []byte("null")) {
		var inner wsEventPayload
		if err := json.Unmarshal(payload.Data, &inner); err == nil {
			if inner.ConditionID != "" || inner.ConditionID2 != "" {
				inner.EventType = eventType
				payload = inner
			}
		}
	}

	conditionID := payload.ConditionID
	if conditionID == "" {
		conditionID = payload.ConditionID2
	}

	tokens := parseStringList(payload.ClobTokenIds)
	if tokens == nil {
		tokens = parseStringList(payload.ClobTokenIds2)
	}

	if conditionID == "" || len(tokens) == 0 {
		log.Printf("[MarketWS] Skipping resolution event with missing identifiers (condition_id=%q tokens=%d)",
			conditionID, len(tokens))
		return
	}

	payouts, source, ok := normalizePayouts([]payoutSource{
		{"resolver_raw_payouts", payload.RawPayouts},
		{"outcomePrices", payload.OutcomePrices},
	}, len(tokens))
	if !ok {
		log.Printf("[MarketWS] Resolution event for %s has no usable payout vector", conditionID)
		return
	}
	if source != "resolver_raw_payouts" {
		log.Printf("[MarketWS] Resolution for %s used fallback payout source %s", conditionID, source)
	}

	if c.onResolved != nil {
		c.onResolved(MarketResolvedEvent{
			ConditionID: conditionID,
			TokenIDs:    tokens,
			Payouts:     payouts,
			Source:      source,
			ReceivedAt:  time.Now().UTC(),
		})
	}
}
