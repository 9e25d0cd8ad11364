package syncer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/utils"
)

// maxParallelWalletPolls bounds concurrent activity requests so a long
// wallet list cannot burn the rate budget in one tick.
const maxParallelWalletPolls = 3

// DetectorMetrics tracks detection performance.
type DetectorMetrics struct {
	TradesDetected    int64
	Polls             int64
	PollErrors        int64
	AvgDetectionDelay time.Duration
	FastestDetection  time.Duration
	SlowestDetection  time.Duration
	LastDetectionTime time.Time
}

// TxLookup resolves transaction details the activity feed omits. One poll's
// backlog is looked up in a single batch; lookups are best effort and a
// failed hash never blocks its event.
type TxLookup interface {
	GetTransactions(ctx context.Context, txHashes []string) map[string]api.TxInfo
}

// Detector polls the Data-API activity feed of every tracked wallet and
// emits each executed trade exactly once.
type Detector struct {
	client   api.DataClientInterface
	store    storage.DataStore
	cfg      config.DetectionConfig
	txLookup TxLookup // optional

	onTrade func(event models.TradeEvent)

	// Tracked wallets, refreshed from storage.
	wallets   map[string]bool
	walletsMu sync.RWMutex

	// Per-wallet cursor: newest on-chain timestamp already seen.
	lastSeen   map[string]time.Time
	lastSeenMu sync.Mutex

	// Emitted fill ids, bounded.
	processed   map[string]bool
	processedMu sync.Mutex

	metrics   DetectorMetrics
	metricsMu sync.RWMutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDetector creates a wallet activity poller. onTrade receives each new
// trade event; it must not block for long.
func NewDetector(client api.DataClientInterface, store storage.DataStore, cfg config.DetectionConfig, onTrade func(models.TradeEvent)) *Detector {
	return &Detector{
		client:    client,
		store:     store,
		cfg:       cfg,
		onTrade:   onTrade,
		wallets:   make(map[string]bool),
		lastSeen:  make(map[string]time.Time),
		processed: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// SetTxLookup installs an optional chain lookup used to backfill block
// numbers missing from the activity feed. Call before Start.
func (d *Detector) SetTxLookup(lookup TxLookup) {
	d.txLookup = lookup
}

// Start loads the tracked wallets and begins polling.
func (d *Detector) Start(ctx context.Context) error {
	if d.running {
		return fmt.Errorf("detector already running")
	}

	if err := d.refreshWallets(ctx); err != nil {
		log.Printf("[Detector] Warning: initial wallet load failed: %v", err)
	}
	d.running = true

	d.wg.Add(2)
	go d.pollLoop(ctx)
	go d.walletRefreshLoop(ctx)

	d.walletsMu.RLock()
	n := len(d.wallets)
	d.walletsMu.RUnlock()
	log.Printf("[Detector] Started with %d tracked wallets", n)
	return nil
}

// Stop shuts the detector down and waits for in-flight polls.
func (d *Detector) Stop() {
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
	d.wg.Wait()
	log.Printf("[Detector] Stopped")
}

// Metrics returns a copy of the detection counters.
func (d *Detector) Metrics() DetectorMetrics {
	d.metricsMu.RLock()
	defer d.metricsMu.RUnlock()
	return d.metrics
}

func (d *Detector) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := time.Duration(d.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.pollWallets(ctx)
		}
	}
}

func (d *Detector) pollWallets(ctx context.Context) {
	d.walletsMu.RLock()
	wallets := make([]string, 0, len(d.wallets))
	for w := range d.wallets {
		wallets = append(wallets, w)
	}
	d.walletsMu.RUnlock()

	if len(wallets) == 0 {
		return
	}

	semaphore := make(chan struct{}, maxParallelWalletPolls)
	var wg sync.WaitGroup
	for _, wallet := range wallets {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			d.checkWallet(ctx, addr)
		}(wallet)
	}
	wg.Wait()
}

// checkWallet fetches a wallet's recent activity and emits trades newer
// than the wallet's cursor.
func (d *Detector) checkWallet(ctx context.Context, wallet string) {
	trades, err := d.client.GetUserActivity(ctx, wallet, d.cfg.ActivityLimit)

	d.metricsMu.Lock()
	d.metrics.Polls++
	if err != nil {
		d.metrics.PollErrors++
	}
	d.metricsMu.Unlock()
	if err != nil {
		// Transient API noise at poll frequency; the next tick retries.
		return
	}

	d.lastSeenMu.Lock()
	cursor := d.lastSeen[wallet]
	d.lastSeenMu.Unlock()

	firstPass := cursor.IsZero()
	newest := cursor

	// Activity arrives newest first; walk oldest-to-newest so per-token
	// ordering reaches the ledger intact.
	var pending []models.TradeEvent
	for i := len(trades) - 1; i >= 0; i-- {
		item := trades[i]
		if !item.IsTrade() {
			continue
		}

		detectedAt := time.Now().UTC()
		event := item.ToTradeEvent(detectedAt)
		if event.Wallet == "" {
			event.Wallet = wallet
		}
		if event.TxHash == "" || event.TokenID == "" || !event.Side.Valid() {
			continue
		}
		if event.OnchainAt.After(newest) {
			newest = event.OnchainAt
		}

		// The first pass only establishes the cursor: replaying a wallet's
		// whole visible history on startup would mint stale paper trades.
		if firstPass {
			continue
		}
		if !event.OnchainAt.After(cursor) {
			continue
		}
		if d.alreadyProcessed(event.FillID()) {
			continue
		}
		pending = append(pending, event)
	}

	d.enrichBlockNumbers(ctx, pending)

	for _, event := range pending {
		delay := event.DetectedAt.Sub(event.OnchainAt)
		d.noteDetection(delay)
		log.Printf("[Detector] Trade detected: wallet=%s side=%s size=%.2f price=%.4f delay=%s",
			utils.ShortAddress(wallet), event.Side, event.Size, event.Price,
			delay.Round(time.Millisecond))

		if d.onTrade != nil {
			d.onTrade(event)
		}
	}

	if newest.After(cursor) || firstPass {
		if firstPass && newest.IsZero() {
			newest = time.Now().UTC()
		}
		d.lastSeenMu.Lock()
		d.lastSeen[wallet] = newest
		d.lastSeenMu.Unlock()
	}
}

// enrichBlockNumbers backfills missing block numbers for one poll's batch
// of new events in a single lookup pass. After a restart the first emitting
// poll can carry a backlog, so the batch path avoids one RPC per event.
func (d *Detector) enrichBlockNumbers(ctx context.Context, events []models.TradeEvent) {
	if d.txLookup == nil || len(events) == 0 {
		return
	}
	var missing []string
	for i := range events {
		if events[i].BlockNumber == 0 {
			missing = append(missing, events[i].TxHash)
		}
	}
	if len(missing) == 0 {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	infos := d.txLookup.GetTransactions(lookupCtx, missing)

	for i := range events {
		if events[i].BlockNumber != 0 {
			continue
		}
		if info, ok := infos[strings.ToLower(events[i].TxHash)]; ok {
			events[i].BlockNumber = int64(info.BlockNumber)
		}
	}
}

// alreadyProcessed marks the fill id as seen and reports whether it was
// seen before. The map is bounded: at 1000 entries it is shrunk to 500.
func (d *Detector) alreadyProcessed(fillID string) bool {
	d.processedMu.Lock()
	defer d.processedMu.Unlock()
	if d.processed[fillID] {
		return true
	}
	d.processed[fillID] = true
	if len(d.processed) > 1000 {
		for k := range d.processed {
			delete(d.processed, k)
			if len(d.processed) <= 500 {
				break
			}
		}
	}
	return false
}

func (d *Detector) noteDetection(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	d.metrics.TradesDetected++
	d.metrics.LastDetectionTime = time.Now()
	if d.metrics.FastestDetection == 0 || delay < d.metrics.FastestDetection {
		d.metrics.FastestDetection = delay
	}
	if delay > d.metrics.SlowestDetection {
		d.metrics.SlowestDetection = delay
	}
	if d.metrics.AvgDetectionDelay == 0 {
		d.metrics.AvgDetectionDelay = delay
	} else {
		d.metrics.AvgDetectionDelay = (d.metrics.AvgDetectionDelay + delay) / 2
	}
}

func (d *Detector) walletRefreshLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := time.Duration(d.cfg.WalletRefreshMins) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.refreshWallets(ctx); err != nil {
				log.Printf("[Detector] Warning: wallet refresh failed: %v", err)
			}
		}
	}
}

// refreshWallets reloads the tracked wallet set from storage.
func (d *Detector) refreshWallets(ctx context.Context) error {
	addrs, err := d.store.TrackedWalletAddresses(ctx)
	if err != nil {
		return err
	}

	wallets := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		normalized, err := utils.NormalizeAddress(addr)
		if err != nil {
			log.Printf("[Detector] Skipping stored wallet %q: %v", addr, err)
			continue
		}
		wallets[normalized] = true
	}

	d.walletsMu.Lock()
	d.wallets = wallets
	d.walletsMu.Unlock()
	return nil
}
