package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"polymarket-papertrader/models"

	_ "modernc.org/sqlite"
)

// Bounded retry for writes hitting the WAL writer lock. The dashboard and
// the report tools open their own read connections, so the single writer
// here only ever contends with a second process on the same file.
const (
	writeRetries      = 5
	writeRetryBackoff = 100 * time.Millisecond
)

// Store wraps SQLite persistence for wallets, markets, trades, snapshots,
// and positions. It holds a single connection: SQLite allows one writer,
// and funneling everything through one conn avoids lock churn.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	// WAL keeps readers (dashboard, report tools) unblocked while this
	// process writes; busy_timeout bounds waits on the writer lock.
	pragmas := `
    PRAGMA journal_mode = WAL;
    PRAGMA busy_timeout = 30000;
    PRAGMA synchronous = NORMAL;
    PRAGMA foreign_keys = ON;
    `
	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set pragmas: %w", err)
	}

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) runMigrations(ctx context.Context) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS wallets (
        address TEXT PRIMARY KEY,
        alias TEXT,
        source TEXT,
        leaderboard_pnl REAL,
        leaderboard_vol REAL,
        tracking_enabled INTEGER NOT NULL DEFAULT 1,
        added_at TEXT,
        enabled_at TEXT,
        disabled_at TEXT
    );

    CREATE TABLE IF NOT EXISTS markets (
        token_id TEXT PRIMARY KEY,
        condition_id TEXT,
        question TEXT,
        outcomes TEXT,
        outcome_idx INTEGER,
        slug TEXT,
        category TEXT,
        group_item_title TEXT,
        tags TEXT,
        resolved INTEGER NOT NULL DEFAULT 0,
        winning_outcome INTEGER,
        payout_value REAL,
        first_seen TEXT,
        resolved_at TEXT,
        next_resolution_check TEXT,
        last_resolution_check TEXT,
        resolution_failures INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_markets_condition ON markets(condition_id);
    CREATE INDEX IF NOT EXISTS idx_markets_resolution ON markets(resolved, next_resolution_check);

    CREATE TABLE IF NOT EXISTS target_trades (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        wallet TEXT NOT NULL,
        token_id TEXT NOT NULL,
        tx_hash TEXT NOT NULL,
        block_number INTEGER,
        side TEXT NOT NULL,
        size REAL,
        price REAL,
        cost_usd REAL,
        onchain_at TEXT,
        detected_at TEXT,
        created_at TEXT,
        UNIQUE(tx_hash, token_id)
    );
    CREATE INDEX IF NOT EXISTS idx_target_trades_wallet ON target_trades(wallet, datetime(onchain_at) DESC);

    CREATE TABLE IF NOT EXISTS orderbook_snapshots (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        token_id TEXT NOT NULL,
        bids TEXT,
        asks TEXT,
        best_bid REAL,
        best_ask REAL,
        bid_liquidity_usd REAL,
        ask_liquidity_usd REAL,
        captured_at TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_snapshots_token_time ON orderbook_snapshots(token_id, datetime(captured_at) DESC);

    CREATE TABLE IF NOT EXISTS paper_trades (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        fill_id TEXT NOT NULL UNIQUE,
        target_trade_id INTEGER,
        run_id TEXT,
        token_id TEXT NOT NULL,
        side TEXT,
        size REAL,
        avg_price REAL,
        cost_usd REAL,
        slippage REAL,
        realized_delta REAL NOT NULL DEFAULT 0,
        detection_delay_ms REAL,
        execution_delay_ms REAL,
        total_delay_ms REAL,
        clock_skew INTEGER NOT NULL DEFAULT 0,
        no_fill_reason TEXT NOT NULL DEFAULT '',
        onchain_at TEXT,
        created_at TEXT,
        FOREIGN KEY (target_trade_id) REFERENCES target_trades(id)
    );
    CREATE INDEX IF NOT EXISTS idx_paper_trades_token ON paper_trades(token_id, datetime(onchain_at));

    CREATE TABLE IF NOT EXISTS positions (
        token_id TEXT PRIMARY KEY,
        size REAL NOT NULL DEFAULT 0,
        cost_basis REAL NOT NULL DEFAULT 0,
        realized_pnl REAL NOT NULL DEFAULT 0,
        resolved INTEGER NOT NULL DEFAULT 0,
        payout_value REAL,
        updated_at TEXT
    );

    CREATE TABLE IF NOT EXISTS run_state (
        key TEXT PRIMARY KEY,
        value TEXT
    );
    `
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// withWriteRetry retries a write on SQLite lock contention with doubling
// backoff. Other errors pass through on the first attempt.
func (s *Store) withWriteRetry(ctx context.Context, fn func() error) error {
	backoff := writeRetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isBusyErr(err) || attempt >= writeRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// ---- wallets ----

// UpsertWallet inserts or updates a tracked wallet keyed by address.
func (s *Store) UpsertWallet(ctx context.Context, w models.Wallet) error {
	return s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
        INSERT INTO wallets (address, alias, source, leaderboard_pnl, leaderboard_vol, tracking_enabled, added_at, enabled_at, disabled_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            alias = excluded.alias,
            source = excluded.source,
            leaderboard_pnl = excluded.leaderboard_pnl,
            leaderboard_vol = excluded.leaderboard_vol,
            tracking_enabled = excluded.tracking_enabled
        `, w.Address, w.Alias, w.Source, w.LeaderboardPnL, w.LeaderboardVol,
			boolInt(w.TrackingEnabled), timeString(w.AddedAt), timeString(w.EnabledAt), timeString(w.DisabledAt))
		return err
	})
}

// ListWallets returns stored wallets, optionally only the tracked ones.
func (s *Store) ListWallets(ctx context.Context, trackedOnly bool) ([]models.Wallet, error) {
	query := `
        SELECT address, alias, source, leaderboard_pnl, leaderboard_vol, tracking_enabled, added_at, enabled_at, disabled_at
        FROM wallets`
	if trackedOnly {
		query += ` WHERE tracking_enabled = 1`
	}
	query += ` ORDER BY address`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		var w models.Wallet
		var alias, source sql.NullString
		var pnl, vol sql.NullFloat64
		var tracking int
		var added, enabled, disabled sql.NullString
		if err := rows.Scan(&w.Address, &alias, &source, &pnl, &vol, &tracking, &added, &enabled, &disabled); err != nil {
			return nil, err
		}
		w.Alias = alias.String
		w.Source = source.String
		w.LeaderboardPnL = pnl.Float64
		w.LeaderboardVol = vol.Float64
		w.TrackingEnabled = tracking == 1
		w.AddedAt = parseTime(added)
		w.EnabledAt = parseTime(enabled)
		w.DisabledAt = parseTime(disabled)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// TrackedWalletAddresses returns just the addresses of tracked wallets,
// the hot path for the detector's wallet refresh.
func (s *Store) TrackedWalletAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM wallets WHERE tracking_enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// SetWalletTracking enables or disables trade detection for a wallet.
func (s *Store) SetWalletTracking(ctx context.Context, address string, enabled bool) error {
	col := "disabled_at"
	if enabled {
		col = "enabled_at"
	}
	return s.withWriteRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE wallets SET tracking_enabled = ?, %s = ? WHERE address = ?`, col),
			boolInt(enabled), timeString(time.Now()), address)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("wallet not found: %s", address)
		}
		return nil
	})
}

// ---- markets ----

// UpsertMarket inserts or updates a market row. Metadata fields use
// COALESCE-style preservation: an empty incoming value never clobbers a
// previously backfilled one.
func (s *Store) UpsertMarket(ctx context.Context, m models.Market) error {
	outcomes, _ := json.Marshal(m.Outcomes)
	tags, _ := json.Marshal(m.Tags)
	firstSeen := m.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}

	return s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
        INSERT INTO markets (token_id, condition_id, question, outcomes, outcome_idx, slug, category,
            group_item_title, tags, resolved, winning_outcome, payout_value, first_seen,
            next_resolution_check, resolution_failures)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(token_id) DO UPDATE SET
            condition_id = CASE WHEN excluded.condition_id != '' THEN excluded.condition_id ELSE markets.condition_id END,
            question = CASE WHEN excluded.question != '' AND excluded.question != ? THEN excluded.question ELSE markets.question END,
            outcomes = CASE WHEN excluded.outcomes != 'null' THEN excluded.outcomes ELSE markets.outcomes END,
            outcome_idx = excluded.outcome_idx,
            slug = CASE WHEN excluded.slug != '' THEN excluded.slug ELSE markets.slug END,
            category = CASE WHEN excluded.category != '' THEN excluded.category ELSE markets.category END,
            group_item_title = CASE WHEN excluded.group_item_title != '' THEN excluded.group_item_title ELSE markets.group_item_title END,
            tags = CASE WHEN excluded.tags != 'null' THEN excluded.tags ELSE markets.tags END
        `, m.TokenID, m.ConditionID, m.Question, string(outcomes), m.OutcomeIdx, m.Slug, m.Category,
			m.GroupItemTitle, string(tags), boolInt(m.Resolved), m.WinningOutcome, m.PayoutValue,
			timeString(firstSeen), timeString(m.NextResolutionCheck), m.ResolutionFailures,
			models.PlaceholderQuestion)
		return err
	})
}

const marketColumns = `token_id, condition_id, question, outcomes, outcome_idx, slug, category,
    group_item_title, tags, resolved, winning_outcome, payout_value, first_seen, resolved_at,
    next_resolution_check, last_resolution_check, resolution_failures`

func scanMarket(scanner interface{ Scan(...any) error }) (models.Market, error) {
	var m models.Market
	var conditionID, question, outcomes, slug, category, group, tags sql.NullString
	var resolved int
	var winning sql.NullInt64
	var payout sql.NullFloat64
	var firstSeen, resolvedAt, nextCheck, lastCheck sql.NullString
	var failures int

	err := scanner.Scan(&m.TokenID, &conditionID, &question, &outcomes, &m.OutcomeIdx, &slug, &category,
		&group, &tags, &resolved, &winning, &payout, &firstSeen, &resolvedAt, &nextCheck, &lastCheck, &failures)
	if err != nil {
		return m, err
	}
	m.ConditionID = conditionID.String
	m.Question = question.String
	m.Slug = slug.String
	m.Category = category.String
	m.GroupItemTitle = group.String
	m.Resolved = resolved == 1
	m.WinningOutcome = int(winning.Int64)
	m.PayoutValue = payout.Float64
	m.FirstSeen = parseTime(firstSeen)
	m.ResolvedAt = parseTime(resolvedAt)
	m.NextResolutionCheck = parseTime(nextCheck)
	m.LastResolutionCheck = parseTime(lastCheck)
	m.ResolutionFailures = failures
	if outcomes.Valid && outcomes.String != "" {
		_ = json.Unmarshal([]byte(outcomes.String), &m.Outcomes)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &m.Tags)
	}
	return m, nil
}

// GetMarket returns the market row for a token, nil when unknown.
func (s *Store) GetMarket(ctx context.Context, tokenID string) (*models.Market, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE token_id = ?`, tokenID)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ListMarkets returns markets ordered by first seen, newest first.
func (s *Store) ListMarkets(ctx context.Context, limit int) ([]models.Market, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY datetime(first_seen) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

// MarketsNeedingMetadata returns markets still carrying the placeholder
// question, for the backfill worker.
func (s *Store) MarketsNeedingMetadata(ctx context.Context, limit int) ([]models.Market, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM markets
         WHERE question = '' OR question = ?
         ORDER BY datetime(first_seen) LIMIT ?`, models.PlaceholderQuestion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

// MarketsDueResolutionCheck returns unresolved markets whose next scheduled
// check is at or before now.
func (s *Store) MarketsDueResolutionCheck(ctx context.Context, now time.Time, limit int) ([]models.Market, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM markets
         WHERE resolved = 0 AND (next_resolution_check IS NULL OR next_resolution_check = '' OR datetime(next_resolution_check) <= datetime(?))
         ORDER BY datetime(next_resolution_check) LIMIT ?`, timeString(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

// ScheduleResolutionCheck records when the resolution poller should look at
// this market again and how many consecutive checks have failed.
func (s *Store) ScheduleResolutionCheck(ctx context.Context, tokenID string, next time.Time, failures int) error {
	return s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
        UPDATE markets SET next_resolution_check = ?, last_resolution_check = ?, resolution_failures = ?
        WHERE token_id = ?`,
			timeString(next), timeString(time.Now()), failures, tokenID)
		return err
	})
}

// MarkMarketResolved freezes a market's resolution outcome.
func (s *Store) MarkMarketResolved(ctx context.Context, tokenID string, winningOutcome int, payout float64, resolvedAt time.Time) error {
	return s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
        UPDATE markets SET resolved = 1, winning_outcome = ?, payout_value = ?, resolved_at = ?
        WHERE token_id = ?`,
			winningOutcome, payout, timeString(resolvedAt), tokenID)
		return err
	})
}

// MarketsByCondition returns every token row of a condition, for resolution
// fan-out (a market resolves all its outcome tokens at once).
func (s *Store) MarketsByCondition(ctx context.Context, conditionID string) ([]models.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE condition_id = ?`, conditionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

func collectMarkets(rows *sql.Rows) ([]models.Market, error) {
	var markets []models.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// ---- event pipeline ----

// HasTargetTrade reports whether a trade with this transaction hash and
// token was already recorded.
func (s *Store) HasTargetTrade(ctx context.Context, txHash, tokenID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM target_trades WHERE tx_hash = ? AND token_id = ? LIMIT 1`, txHash, tokenID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordEvent persists one processed trade event in a single transaction:
// target trade, order book audit snapshot, paper trade, and (for applied
// fills) the updated position. Conflicting keys no-op, which makes a crash
// replay idempotent. Returns the paper trade row id.
func (s *Store) RecordEvent(ctx context.Context, trade models.TargetTrade, snap *models.OrderBookSnapshot, paper models.PaperTrade, pos *models.Position) (int64, error) {
	var paperID int64
	err := s.withWriteRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
        INSERT INTO target_trades (wallet, token_id, tx_hash, block_number, side, size, price, cost_usd, onchain_at, detected_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(tx_hash, token_id) DO NOTHING`,
			trade.Wallet, trade.TokenID, trade.TxHash, trade.BlockNumber, string(trade.Side),
			trade.Size, trade.Price, trade.CostUSD,
			timeString(trade.OnchainAt), timeString(trade.DetectedAt), timeString(time.Now()))
		if err != nil {
			return fmt.Errorf("insert target trade: %w", err)
		}

		var targetID int64
		if n, _ := res.RowsAffected(); n > 0 {
			targetID, _ = res.LastInsertId()
		} else {
			// Replay of an already-recorded trade.
			err = tx.QueryRowContext(ctx,
				`SELECT id FROM target_trades WHERE tx_hash = ? AND token_id = ?`,
				trade.TxHash, trade.TokenID).Scan(&targetID)
			if err != nil {
				return fmt.Errorf("lookup target trade: %w", err)
			}
		}

		if snap != nil {
			bids, _ := json.Marshal(snap.Bids)
			asks, _ := json.Marshal(snap.Asks)
			bestBid, _ := snap.BestBid()
			bestAsk, _ := snap.BestAsk()
			_, err = tx.ExecContext(ctx, `
            INSERT INTO orderbook_snapshots (token_id, bids, asks, best_bid, best_ask, bid_liquidity_usd, ask_liquidity_usd, captured_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				snap.TokenID, string(bids), string(asks), bestBid, bestAsk,
				snap.BidLiquidityUSD(), snap.AskLiquidityUSD(), timeString(snap.CapturedAt))
			if err != nil {
				return fmt.Errorf("insert snapshot: %w", err)
			}
		}

		res, err = tx.ExecContext(ctx, `
        INSERT INTO paper_trades (fill_id, target_trade_id, run_id, token_id, side, size, avg_price, cost_usd,
            slippage, realized_delta, detection_delay_ms, execution_delay_ms, total_delay_ms, clock_skew,
            no_fill_reason, onchain_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(fill_id) DO NOTHING`,
			paper.FillID, targetID, paper.RunID, paper.TokenID, string(paper.Side),
			paper.Size, paper.AvgPrice, paper.CostUSD, paper.Slippage, paper.RealizedDelta,
			paper.Latency.DetectionDelayMs, paper.Latency.ExecutionDelayMs, paper.Latency.TotalDelayMs,
			boolInt(paper.Latency.ClockSkew), paper.NoFillReason,
			timeString(paper.Latency.OnchainAt), timeString(time.Now()))
		if err != nil {
			return fmt.Errorf("insert paper trade: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			paperID, _ = res.LastInsertId()
		} else {
			err = tx.QueryRowContext(ctx,
				`SELECT id FROM paper_trades WHERE fill_id = ?`, paper.FillID).Scan(&paperID)
			if err != nil {
				return fmt.Errorf("lookup paper trade: %w", err)
			}
		}

		if pos != nil {
			if err := upsertPositionTx(ctx, tx, *pos); err != nil {
				return fmt.Errorf("upsert position: %w", err)
			}
		}

		return tx.Commit()
	})
	return paperID, err
}

// ---- paper trades and snapshots ----

// ListTrades returns paper trades joined with their target trades and
// market metadata, newest first.
func (s *Store) ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT p.id, p.fill_id, p.run_id, p.token_id, p.side, p.size, p.avg_price, p.cost_usd,
            p.slippage, p.detection_delay_ms, p.execution_delay_ms, p.total_delay_ms, p.clock_skew,
            p.no_fill_reason, p.onchain_at, p.created_at,
            t.wallet, t.price, t.size,
            COALESCE(w.alias, ''), COALESCE(m.question, ''), COALESCE(m.category, '')
        FROM paper_trades p
        LEFT JOIN target_trades t ON t.id = p.target_trade_id
        LEFT JOIN wallets w ON w.address = t.wallet
        LEFT JOIN markets m ON m.token_id = p.token_id
        WHERE 1=1`
	args := []any{}
	if filter.Wallet != "" {
		query += ` AND t.wallet = ?`
		args = append(args, filter.Wallet)
	}
	if filter.TokenID != "" {
		query += ` AND p.token_id = ?`
		args = append(args, filter.TokenID)
	}
	if filter.FillsOnly {
		query += ` AND p.no_fill_reason = '' AND p.size > 0`
	}
	query += ` ORDER BY datetime(p.onchain_at) DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		var side string
		var clockSkew int
		var wallet sql.NullString
		var targetPrice, targetSize sql.NullFloat64
		var onchain, created sql.NullString
		if err := rows.Scan(&r.ID, &r.FillID, &r.RunID, &r.TokenID, &side, &r.Size, &r.AvgPrice, &r.CostUSD,
			&r.Slippage, &r.Latency.DetectionDelayMs, &r.Latency.ExecutionDelayMs, &r.Latency.TotalDelayMs,
			&clockSkew, &r.NoFillReason, &onchain, &created,
			&wallet, &targetPrice, &targetSize, &r.WalletAlias, &r.Question, &r.Category); err != nil {
			return nil, err
		}
		r.Side = models.Side(side)
		r.Latency.ClockSkew = clockSkew == 1
		r.Latency.OnchainAt = parseTime(onchain)
		r.CreatedAt = parseTime(created)
		r.Wallet = wallet.String
		r.TargetPrice = targetPrice.Float64
		r.TargetSize = targetSize.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recent stored order book for a token,
// nil when none was ever captured.
func (s *Store) LatestSnapshot(ctx context.Context, tokenID string) (*models.OrderBookSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT token_id, bids, asks, captured_at FROM orderbook_snapshots
        WHERE token_id = ? ORDER BY datetime(captured_at) DESC LIMIT 1`, tokenID)

	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &snap.OrderBookSnapshot, nil
}

// SnapshotsBefore returns audit snapshots older than the cutoff, oldest
// first, for the archiver.
func (s *Store) SnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, token_id, bids, asks, captured_at FROM orderbook_snapshots
        WHERE datetime(captured_at) < datetime(?)
        ORDER BY datetime(captured_at) LIMIT ?`, timeString(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var bids, asks sql.NullString
		var captured sql.NullString
		if err := rows.Scan(&r.ID, &r.TokenID, &bids, &asks, &captured); err != nil {
			return nil, err
		}
		if bids.Valid {
			_ = json.Unmarshal([]byte(bids.String), &r.Bids)
		}
		if asks.Valid {
			_ = json.Unmarshal([]byte(asks.String), &r.Asks)
		}
		r.CapturedAt = parseTime(captured)
		out = append(out, r)
	}
	return out, rows.Err()
}

type snapshotScanRow struct {
	OrderBookSnapshot models.OrderBookSnapshot
}

func scanSnapshot(row *sql.Row) (*snapshotScanRow, error) {
	var out snapshotScanRow
	var bids, asks, captured sql.NullString
	if err := row.Scan(&out.OrderBookSnapshot.TokenID, &bids, &asks, &captured); err != nil {
		return nil, err
	}
	if bids.Valid {
		_ = json.Unmarshal([]byte(bids.String), &out.OrderBookSnapshot.Bids)
	}
	if asks.Valid {
		_ = json.Unmarshal([]byte(asks.String), &out.OrderBookSnapshot.Asks)
	}
	out.OrderBookSnapshot.CapturedAt = parseTime(captured)
	return &out, nil
}

// AppliedFills returns fill ids of applied (non-no-fill) paper trades per
// token, in on-chain order, to re-arm the ledger's duplicate detection
// after a restart.
func (s *Store) AppliedFills(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT token_id, fill_id FROM paper_trades
        WHERE no_fill_reason = '' AND size > 0
        ORDER BY token_id, datetime(onchain_at)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var tokenID, fillID string
		if err := rows.Scan(&tokenID, &fillID); err != nil {
			return nil, err
		}
		out[tokenID] = append(out[tokenID], fillID)
	}
	return out, rows.Err()
}

// ---- positions ----

func upsertPositionTx(ctx context.Context, tx *sql.Tx, pos models.Position) error {
	_, err := tx.ExecContext(ctx, `
    INSERT INTO positions (token_id, size, cost_basis, realized_pnl, resolved, payout_value, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(token_id) DO UPDATE SET
        size = excluded.size,
        cost_basis = excluded.cost_basis,
        realized_pnl = excluded.realized_pnl,
        resolved = excluded.resolved,
        payout_value = excluded.payout_value,
        updated_at = excluded.updated_at`,
		pos.TokenID, pos.Size, pos.CostBasis, pos.RealizedPnL,
		boolInt(pos.Resolved), pos.PayoutValue, timeString(pos.UpdatedAt))
	return err
}

// UpsertPosition writes the ledger's state for one token.
func (s *Store) UpsertPosition(ctx context.Context, pos models.Position) error {
	return s.withWriteRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := upsertPositionTx(ctx, tx, pos); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetPosition returns the stored position for a token, nil when unknown.
func (s *Store) GetPosition(ctx context.Context, tokenID string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT token_id, size, cost_basis, realized_pnl, resolved, payout_value, updated_at
        FROM positions WHERE token_id = ?`, tokenID)

	var p models.Position
	var resolved int
	var payout sql.NullFloat64
	var updated sql.NullString
	if err := row.Scan(&p.TokenID, &p.Size, &p.CostBasis, &p.RealizedPnL, &resolved, &payout, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Resolved = resolved == 1
	p.PayoutValue = payout.Float64
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// ListPositions returns every stored position.
func (s *Store) ListPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT token_id, size, cost_basis, realized_pnl, resolved, payout_value, updated_at
        FROM positions ORDER BY datetime(updated_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		var resolved int
		var payout sql.NullFloat64
		var updated sql.NullString
		if err := rows.Scan(&p.TokenID, &p.Size, &p.CostBasis, &p.RealizedPnL, &resolved, &payout, &updated); err != nil {
			return nil, err
		}
		p.Resolved = resolved == 1
		p.PayoutValue = payout.Float64
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- aggregates ----

// Summary computes the headline dashboard numbers.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallets WHERE tracking_enabled = 1`).Scan(&sum.TrackedWallets)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM target_trades`).Scan(&sum.TargetTrades); err != nil {
		return nil, err
	}

	var avgSlip, avgDet, avgExec, totalCost sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
        SELECT COUNT(CASE WHEN no_fill_reason = '' AND size > 0 THEN 1 END),
               COUNT(CASE WHEN no_fill_reason != '' OR size <= 0 THEN 1 END),
               SUM(CASE WHEN no_fill_reason = '' AND size > 0 THEN cost_usd END),
               AVG(CASE WHEN no_fill_reason = '' AND size > 0 THEN slippage END),
               AVG(detection_delay_ms),
               AVG(execution_delay_ms)
        FROM paper_trades`).Scan(&sum.PaperFills, &sum.NoFills, &totalCost, &avgSlip, &avgDet, &avgExec)
	if err != nil {
		return nil, err
	}
	sum.TotalCostUSD = totalCost.Float64
	sum.AvgSlippage = avgSlip.Float64
	sum.AvgDetectionMs = avgDet.Float64
	sum.AvgExecutionMs = avgExec.Float64
	if total := sum.PaperFills + sum.NoFills; total > 0 {
		sum.FillRate = float64(sum.PaperFills) / float64(total)
	}

	var realized sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
        SELECT SUM(realized_pnl),
               COUNT(CASE WHEN resolved = 0 AND ABS(size) > 0.0001 THEN 1 END),
               COUNT(CASE WHEN resolved = 1 THEN 1 END)
        FROM positions`).Scan(&realized, &sum.OpenPositions, &sum.ResolvedMarkets)
	if err != nil {
		return nil, err
	}
	sum.RealizedPnL = realized.Float64

	return &sum, nil
}

// PnLOverTime returns daily realized PnL from fills, cumulative over the
// last N days. Resolution payouts land in position totals, not here.
func (s *Store) PnLOverTime(ctx context.Context, days int) ([]PnLPoint, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
        SELECT substr(onchain_at, 1, 10) AS day, SUM(realized_delta)
        FROM paper_trades
        WHERE datetime(onchain_at) >= datetime(?)
        GROUP BY day ORDER BY day`, timeString(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PnLPoint
	cumulative := 0.0
	for rows.Next() {
		var p PnLPoint
		if err := rows.Scan(&p.Day, &p.Realized); err != nil {
			return nil, err
		}
		cumulative += p.Realized
		p.Cumulative = cumulative
		out = append(out, p)
	}
	return out, rows.Err()
}

// PnLByCategory aggregates realized PnL (fills plus resolution payouts)
// per market category.
func (s *Store) PnLByCategory(ctx context.Context) ([]CategoryPnL, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT COALESCE(NULLIF(m.category, ''), 'uncategorized'), SUM(p.realized_pnl), COUNT(*)
        FROM positions p
        LEFT JOIN markets m ON m.token_id = p.token_id
        GROUP BY 1 ORDER BY 2 DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CategoryPnL
	for rows.Next() {
		var c CategoryPnL
		if err := rows.Scan(&c.Category, &c.Realized, &c.Positions); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatencySamples returns the most recent per-trade delay triples.
// Percentiles are computed by the caller.
func (s *Store) LatencySamples(ctx context.Context, limit int) ([]LatencySample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT detection_delay_ms, execution_delay_ms, total_delay_ms
        FROM paper_trades ORDER BY datetime(created_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LatencySample
	for rows.Next() {
		var l LatencySample
		if err := rows.Scan(&l.DetectionMs, &l.ExecutionMs, &l.TotalMs); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---- run state ----

// GetRunState returns the stored value for a key, empty when unset.
func (s *Store) GetRunState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM run_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetRunState upserts a run-state key.
func (s *Store) SetRunState(ctx context.Context, key, value string) error {
	return s.withWriteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
        INSERT INTO run_state (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// ---- helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeString(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s.String); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s.String); err == nil {
		return t
	}
	return time.Time{}
}
