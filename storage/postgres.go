package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"polymarket-papertrader/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Cache keys invalidated whenever the event pipeline writes.
const (
	cacheKeySummary   = "paper:summary"
	cacheKeyPositions = "paper:positions"

	defaultSummaryTTL = 10 * time.Second
)

// PostgresStore wraps PostgreSQL persistence with Redis caching for the
// dashboard aggregates. It implements the same DataStore contract as the
// SQLite store and is selected when POSTGRES_HOST is set.
type PostgresStore struct {
	pool       *pgxpool.Pool
	redis      *redis.Client
	summaryTTL time.Duration
}

// NewPostgres creates a PostgreSQL store with connection pooling and an
// optional Redis cache. Redis is optional: when REDIS_HOST is unset the
// store answers every aggregate straight from Postgres.
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "papertrader")
	password := os.Getenv("POSTGRES_PASSWORD")
	dbname := getEnv("POSTGRES_DB", "papertrader")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Bound query and lock waits so a stuck aggregate cannot stall the
	// trade pipeline.
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	store := &PostgresStore{pool: pool, summaryTTL: defaultSummaryTTL}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%s", redisHost, getEnv("REDIS_PORT", "6379")),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           0,
			PoolSize:     20,
			MinIdleConns: 2,
			MaxRetries:   3,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		store.redis = rdb
	}

	if err := store.runMigrations(context.Background()); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database and cache connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS wallets (
        address TEXT PRIMARY KEY,
        alias TEXT,
        source TEXT,
        leaderboard_pnl DOUBLE PRECISION,
        leaderboard_vol DOUBLE PRECISION,
        tracking_enabled BOOLEAN NOT NULL DEFAULT TRUE,
        added_at TIMESTAMPTZ,
        enabled_at TIMESTAMPTZ,
        disabled_at TIMESTAMPTZ
    );

    CREATE TABLE IF NOT EXISTS markets (
        token_id TEXT PRIMARY KEY,
        condition_id TEXT,
        question TEXT,
        outcomes JSONB,
        outcome_idx INTEGER,
        slug TEXT,
        category TEXT,
        group_item_title TEXT,
        tags JSONB,
        resolved BOOLEAN NOT NULL DEFAULT FALSE,
        winning_outcome INTEGER,
        payout_value DOUBLE PRECISION,
        first_seen TIMESTAMPTZ,
        resolved_at TIMESTAMPTZ,
        next_resolution_check TIMESTAMPTZ,
        last_resolution_check TIMESTAMPTZ,
        resolution_failures INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_markets_condition ON markets(condition_id);
    CREATE INDEX IF NOT EXISTS idx_markets_resolution ON markets(resolved, next_resolution_check);

    CREATE TABLE IF NOT EXISTS target_trades (
        id BIGSERIAL PRIMARY KEY,
        wallet TEXT NOT NULL,
        token_id TEXT NOT NULL,
        tx_hash TEXT NOT NULL,
        block_number BIGINT,
        side TEXT NOT NULL,
        size DOUBLE PRECISION,
        price DOUBLE PRECISION,
        cost_usd DOUBLE PRECISION,
        onchain_at TIMESTAMPTZ,
        detected_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ,
        UNIQUE(tx_hash, token_id)
    );
    CREATE INDEX IF NOT EXISTS idx_target_trades_wallet ON target_trades(wallet, onchain_at DESC);

    CREATE TABLE IF NOT EXISTS orderbook_snapshots (
        id BIGSERIAL PRIMARY KEY,
        token_id TEXT NOT NULL,
        bids JSONB,
        asks JSONB,
        best_bid DOUBLE PRECISION,
        best_ask DOUBLE PRECISION,
        bid_liquidity_usd DOUBLE PRECISION,
        ask_liquidity_usd DOUBLE PRECISION,
        captured_at TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_snapshots_token_time ON orderbook_snapshots(token_id, captured_at DESC);

    CREATE TABLE IF NOT EXISTS paper_trades (
        id BIGSERIAL PRIMARY KEY,
        fill_id TEXT NOT NULL UNIQUE,
        target_trade_id BIGINT REFERENCES target_trades(id),
        run_id TEXT,
        token_id TEXT NOT NULL,
        side TEXT,
        size DOUBLE PRECISION,
        avg_price DOUBLE PRECISION,
        cost_usd DOUBLE PRECISION,
        slippage DOUBLE PRECISION,
        realized_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
        detection_delay_ms DOUBLE PRECISION,
        execution_delay_ms DOUBLE PRECISION,
        total_delay_ms DOUBLE PRECISION,
        clock_skew BOOLEAN NOT NULL DEFAULT FALSE,
        no_fill_reason TEXT NOT NULL DEFAULT '',
        onchain_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_paper_trades_token ON paper_trades(token_id, onchain_at);

    CREATE TABLE IF NOT EXISTS positions (
        token_id TEXT PRIMARY KEY,
        size DOUBLE PRECISION NOT NULL DEFAULT 0,
        cost_basis DOUBLE PRECISION NOT NULL DEFAULT 0,
        realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
        resolved BOOLEAN NOT NULL DEFAULT FALSE,
        payout_value DOUBLE PRECISION,
        updated_at TIMESTAMPTZ
    );

    CREATE TABLE IF NOT EXISTS run_state (
        key TEXT PRIMARY KEY,
        value TEXT
    );
    `
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) invalidateAggregates(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, cacheKeySummary, cacheKeyPositions).Err(); err != nil {
		log.Printf("[PostgresStore] Cache invalidation failed: %v", err)
	}
}

// ---- wallets ----

func (s *PostgresStore) UpsertWallet(ctx context.Context, w models.Wallet) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO wallets (address, alias, source, leaderboard_pnl, leaderboard_vol, tracking_enabled, added_at, enabled_at, disabled_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    ON CONFLICT (address) DO UPDATE SET
        alias = EXCLUDED.alias,
        source = EXCLUDED.source,
        leaderboard_pnl = EXCLUDED.leaderboard_pnl,
        leaderboard_vol = EXCLUDED.leaderboard_vol,
        tracking_enabled = EXCLUDED.tracking_enabled`,
		w.Address, w.Alias, w.Source, w.LeaderboardPnL, w.LeaderboardVol,
		w.TrackingEnabled, nullTime(w.AddedAt), nullTime(w.EnabledAt), nullTime(w.DisabledAt))
	return err
}

func (s *PostgresStore) ListWallets(ctx context.Context, trackedOnly bool) ([]models.Wallet, error) {
	query := `
        SELECT address, COALESCE(alias, ''), COALESCE(source, ''),
            COALESCE(leaderboard_pnl, 0), COALESCE(leaderboard_vol, 0),
            tracking_enabled, added_at, enabled_at, disabled_at
        FROM wallets`
	if trackedOnly {
		query += ` WHERE tracking_enabled`
	}
	query += ` ORDER BY address`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		var w models.Wallet
		var added, enabled, disabled *time.Time
		if err := rows.Scan(&w.Address, &w.Alias, &w.Source, &w.LeaderboardPnL, &w.LeaderboardVol,
			&w.TrackingEnabled, &added, &enabled, &disabled); err != nil {
			return nil, err
		}
		w.AddedAt = derefTime(added)
		w.EnabledAt = derefTime(enabled)
		w.DisabledAt = derefTime(disabled)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *PostgresStore) TrackedWalletAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM wallets WHERE tracking_enabled`)
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

func (s *PostgresStore) SetWalletTracking(ctx context.Context, address string, enabled bool) error {
	col := "disabled_at"
	if enabled {
		col = "enabled_at"
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE wallets SET tracking_enabled = $1, %s = $2 WHERE address = $3`, col),
		enabled, time.Now().UTC(), address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet not found: %s", address)
	}
	return nil
}

// ---- markets ----

func (s *PostgresStore) UpsertMarket(ctx context.Context, m models.Market) error {
	outcomes, _ := json.Marshal(m.Outcomes)
	tags, _ := json.Marshal(m.Tags)
	firstSeen := m.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
    INSERT INTO markets (token_id, condition_id, question, outcomes, outcome_idx, slug, category,
        group_item_title, tags, resolved, winning_outcome, payout_value, first_seen,
        next_resolution_check, resolution_failures)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
    ON CONFLICT (token_id) DO UPDATE SET
        condition_id = CASE WHEN EXCLUDED.condition_id != '' THEN EXCLUDED.condition_id ELSE markets.condition_id END,
        question = CASE WHEN EXCLUDED.question != '' AND EXCLUDED.question != $16 THEN EXCLUDED.question ELSE markets.question END,
        outcomes = CASE WHEN EXCLUDED.outcomes != 'null'::jsonb THEN EXCLUDED.outcomes ELSE markets.outcomes END,
        outcome_idx = EXCLUDED.outcome_idx,
        slug = CASE WHEN EXCLUDED.slug != '' THEN EXCLUDED.slug ELSE markets.slug END,
        category = CASE WHEN EXCLUDED.category != '' THEN EXCLUDED.category ELSE markets.category END,
        group_item_title = CASE WHEN EXCLUDED.group_item_title != '' THEN EXCLUDED.group_item_title ELSE markets.group_item_title END,
        tags = CASE WHEN EXCLUDED.tags != 'null'::jsonb THEN EXCLUDED.tags ELSE markets.tags END`,
		m.TokenID, m.ConditionID, m.Question, outcomes, m.OutcomeIdx, m.Slug, m.Category,
		m.GroupItemTitle, tags, m.Resolved, m.WinningOutcome, m.PayoutValue,
		firstSeen, nullTime(m.NextResolutionCheck), m.ResolutionFailures,
		models.PlaceholderQuestion)
	return err
}

const pgMarketColumns = `token_id, COALESCE(condition_id, ''), COALESCE(question, ''), outcomes,
    COALESCE(outcome_idx, 0), COALESCE(slug, ''), COALESCE(category, ''),
    COALESCE(group_item_title, ''), tags, resolved, COALESCE(winning_outcome, 0),
    COALESCE(payout_value, 0), first_seen, resolved_at, next_resolution_check,
    last_resolution_check, resolution_failures`

func scanPgMarket(row pgx.Row) (models.Market, error) {
	var m models.Market
	var outcomes, tags []byte
	var firstSeen, resolvedAt, nextCheck, lastCheck *time.Time

	err := row.Scan(&m.TokenID, &m.ConditionID, &m.Question, &outcomes, &m.OutcomeIdx, &m.Slug,
		&m.Category, &m.GroupItemTitle, &tags, &m.Resolved, &m.WinningOutcome, &m.PayoutValue,
		&firstSeen, &resolvedAt, &nextCheck, &lastCheck, &m.ResolutionFailures)
	if err != nil {
		return m, err
	}
	m.FirstSeen = derefTime(firstSeen)
	m.ResolvedAt = derefTime(resolvedAt)
	m.NextResolutionCheck = derefTime(nextCheck)
	m.LastResolutionCheck = derefTime(lastCheck)
	if len(outcomes) > 0 {
		_ = json.Unmarshal(outcomes, &m.Outcomes)
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &m.Tags)
	}
	return m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, tokenID string) (*models.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgMarketColumns+` FROM markets WHERE token_id = $1`, tokenID)
	m, err := scanPgMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, limit int) ([]models.Market, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets ORDER BY first_seen DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgMarkets(rows)
}

func (s *PostgresStore) MarketsNeedingMetadata(ctx context.Context, limit int) ([]models.Market, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets
         WHERE question IS NULL OR question = '' OR question = $1
         ORDER BY first_seen LIMIT $2`, models.PlaceholderQuestion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgMarkets(rows)
}

func (s *PostgresStore) MarketsDueResolutionCheck(ctx context.Context, now time.Time, limit int) ([]models.Market, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets
         WHERE NOT resolved AND (next_resolution_check IS NULL OR next_resolution_check <= $1)
         ORDER BY next_resolution_check NULLS FIRST LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgMarkets(rows)
}

func (s *PostgresStore) ScheduleResolutionCheck(ctx context.Context, tokenID string, next time.Time, failures int) error {
	_, err := s.pool.Exec(ctx, `
    UPDATE markets SET next_resolution_check = $1, last_resolution_check = $2, resolution_failures = $3
    WHERE token_id = $4`, next, time.Now().UTC(), failures, tokenID)
	return err
}

func (s *PostgresStore) MarkMarketResolved(ctx context.Context, tokenID string, winningOutcome int, payout float64, resolvedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
    UPDATE markets SET resolved = TRUE, winning_outcome = $1, payout_value = $2, resolved_at = $3
    WHERE token_id = $4`, winningOutcome, payout, resolvedAt, tokenID)
	if err == nil {
		s.invalidateAggregates(ctx)
	}
	return err
}

func (s *PostgresStore) MarketsByCondition(ctx context.Context, conditionID string) ([]models.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets WHERE condition_id = $1`, conditionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgMarkets(rows)
}

func collectPgMarkets(rows pgx.Rows) ([]models.Market, error) {
	var markets []models.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// ---- event pipeline ----

func (s *PostgresStore) HasTargetTrade(ctx context.Context, txHash, tokenID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM target_trades WHERE tx_hash = $1 AND token_id = $2 LIMIT 1`, txHash, tokenID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, trade models.TargetTrade, snap *models.OrderBookSnapshot, paper models.PaperTrade, pos *models.Position) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var targetID int64
	err = tx.QueryRow(ctx, `
    INSERT INTO target_trades (wallet, token_id, tx_hash, block_number, side, size, price, cost_usd, onchain_at, detected_at, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    ON CONFLICT (tx_hash, token_id) DO UPDATE SET wallet = EXCLUDED.wallet
    RETURNING id`,
		trade.Wallet, trade.TokenID, trade.TxHash, trade.BlockNumber, string(trade.Side),
		trade.Size, trade.Price, trade.CostUSD,
		nullTime(trade.OnchainAt), nullTime(trade.DetectedAt), time.Now().UTC()).Scan(&targetID)
	if err != nil {
		return 0, fmt.Errorf("insert target trade: %w", err)
	}

	if snap != nil {
		bids, _ := json.Marshal(snap.Bids)
		asks, _ := json.Marshal(snap.Asks)
		bestBid, _ := snap.BestBid()
		bestAsk, _ := snap.BestAsk()
		_, err = tx.Exec(ctx, `
        INSERT INTO orderbook_snapshots (token_id, bids, asks, best_bid, best_ask, bid_liquidity_usd, ask_liquidity_usd, captured_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			snap.TokenID, bids, asks, bestBid, bestAsk,
			snap.BidLiquidityUSD(), snap.AskLiquidityUSD(), nullTime(snap.CapturedAt))
		if err != nil {
			return 0, fmt.Errorf("insert snapshot: %w", err)
		}
	}

	var paperID int64
	err = tx.QueryRow(ctx, `
    INSERT INTO paper_trades (fill_id, target_trade_id, run_id, token_id, side, size, avg_price, cost_usd,
        slippage, realized_delta, detection_delay_ms, execution_delay_ms, total_delay_ms, clock_skew,
        no_fill_reason, onchain_at, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
    ON CONFLICT (fill_id) DO UPDATE SET run_id = EXCLUDED.run_id
    RETURNING id`,
		paper.FillID, targetID, paper.RunID, paper.TokenID, string(paper.Side),
		paper.Size, paper.AvgPrice, paper.CostUSD, paper.Slippage, paper.RealizedDelta,
		paper.Latency.DetectionDelayMs, paper.Latency.ExecutionDelayMs, paper.Latency.TotalDelayMs,
		paper.Latency.ClockSkew, paper.NoFillReason,
		nullTime(paper.Latency.OnchainAt), time.Now().UTC()).Scan(&paperID)
	if err != nil {
		return 0, fmt.Errorf("insert paper trade: %w", err)
	}

	if pos != nil {
		_, err = tx.Exec(ctx, `
        INSERT INTO positions (token_id, size, cost_basis, realized_pnl, resolved, payout_value, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (token_id) DO UPDATE SET
            size = EXCLUDED.size,
            cost_basis = EXCLUDED.cost_basis,
            realized_pnl = EXCLUDED.realized_pnl,
            resolved = EXCLUDED.resolved,
            payout_value = EXCLUDED.payout_value,
            updated_at = EXCLUDED.updated_at`,
			pos.TokenID, pos.Size, pos.CostBasis, pos.RealizedPnL,
			pos.Resolved, pos.PayoutValue, nullTime(pos.UpdatedAt))
		if err != nil {
			return 0, fmt.Errorf("upsert position: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	s.invalidateAggregates(ctx)
	return paperID, nil
}

// ---- paper trades and snapshots ----

func (s *PostgresStore) ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT p.id, p.fill_id, COALESCE(p.run_id, ''), p.token_id, COALESCE(p.side, ''),
            COALESCE(p.size, 0), COALESCE(p.avg_price, 0), COALESCE(p.cost_usd, 0),
            COALESCE(p.slippage, 0), COALESCE(p.detection_delay_ms, 0),
            COALESCE(p.execution_delay_ms, 0), COALESCE(p.total_delay_ms, 0), p.clock_skew,
            p.no_fill_reason, p.onchain_at, p.created_at,
            COALESCE(t.wallet, ''), COALESCE(t.price, 0), COALESCE(t.size, 0),
            COALESCE(w.alias, ''), COALESCE(m.question, ''), COALESCE(m.category, '')
        FROM paper_trades p
        LEFT JOIN target_trades t ON t.id = p.target_trade_id
        LEFT JOIN wallets w ON w.address = t.wallet
        LEFT JOIN markets m ON m.token_id = p.token_id
        WHERE TRUE`
	args := []any{}
	if filter.Wallet != "" {
		args = append(args, filter.Wallet)
		query += fmt.Sprintf(` AND t.wallet = $%d`, len(args))
	}
	if filter.TokenID != "" {
		args = append(args, filter.TokenID)
		query += fmt.Sprintf(` AND p.token_id = $%d`, len(args))
	}
	if filter.FillsOnly {
		query += ` AND p.no_fill_reason = '' AND p.size > 0`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY p.onchain_at DESC NULLS LAST LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		var side string
		var onchain, created *time.Time
		if err := rows.Scan(&r.ID, &r.FillID, &r.RunID, &r.TokenID, &side, &r.Size, &r.AvgPrice,
			&r.CostUSD, &r.Slippage, &r.Latency.DetectionDelayMs, &r.Latency.ExecutionDelayMs,
			&r.Latency.TotalDelayMs, &r.Latency.ClockSkew, &r.NoFillReason, &onchain, &created,
			&r.Wallet, &r.TargetPrice, &r.TargetSize, &r.WalletAlias, &r.Question, &r.Category); err != nil {
			return nil, err
		}
		r.Side = models.Side(side)
		r.Latency.OnchainAt = derefTime(onchain)
		r.CreatedAt = derefTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, tokenID string) (*models.OrderBookSnapshot, error) {
	var snap models.OrderBookSnapshot
	var bids, asks []byte
	var captured *time.Time
	err := s.pool.QueryRow(ctx, `
    SELECT token_id, bids, asks, captured_at FROM orderbook_snapshots
    WHERE token_id = $1 ORDER BY captured_at DESC LIMIT 1`, tokenID).
		Scan(&snap.TokenID, &bids, &asks, &captured)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bids) > 0 {
		_ = json.Unmarshal(bids, &snap.Bids)
	}
	if len(asks) > 0 {
		_ = json.Unmarshal(asks, &snap.Asks)
	}
	snap.CapturedAt = derefTime(captured)
	return &snap, nil
}

func (s *PostgresStore) SnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
    SELECT id, token_id, bids, asks, captured_at FROM orderbook_snapshots
    WHERE captured_at < $1 ORDER BY captured_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var bids, asks []byte
		var captured *time.Time
		if err := rows.Scan(&r.ID, &r.TokenID, &bids, &asks, &captured); err != nil {
			return nil, err
		}
		if len(bids) > 0 {
			_ = json.Unmarshal(bids, &r.Bids)
		}
		if len(asks) > 0 {
			_ = json.Unmarshal(asks, &r.Asks)
		}
		r.CapturedAt = derefTime(captured)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppliedFills(ctx context.Context) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT token_id, fill_id FROM paper_trades
    WHERE no_fill_reason = '' AND size > 0
    ORDER BY token_id, onchain_at`)
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

func (s *PostgresStore) UpsertPosition(ctx context.Context, pos models.Position) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO positions (token_id, size, cost_basis, realized_pnl, resolved, payout_value, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (token_id) DO UPDATE SET
        size = EXCLUDED.size,
        cost_basis = EXCLUDED.cost_basis,
        realized_pnl = EXCLUDED.realized_pnl,
        resolved = EXCLUDED.resolved,
        payout_value = EXCLUDED.payout_value,
        updated_at = EXCLUDED.updated_at`,
		pos.TokenID, pos.Size, pos.CostBasis, pos.RealizedPnL,
		pos.Resolved, pos.PayoutValue, nullTime(pos.UpdatedAt))
	if err == nil {
		s.invalidateAggregates(ctx)
	}
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, tokenID string) (*models.Position, error) {
	var p models.Position
	var payout *float64
	var updated *time.Time
	err := s.pool.QueryRow(ctx, `
    SELECT token_id, size, cost_basis, realized_pnl, resolved, payout_value, updated_at
    FROM positions WHERE token_id = $1`, tokenID).
		Scan(&p.TokenID, &p.Size, &p.CostBasis, &p.RealizedPnL, &p.Resolved, &payout, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payout != nil {
		p.PayoutValue = *payout
	}
	p.UpdatedAt = derefTime(updated)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]models.Position, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKeyPositions).Bytes(); err == nil {
			var positions []models.Position
			if json.Unmarshal(cached, &positions) == nil {
				return positions, nil
			}
		}
	}

	rows, err := s.pool.Query(ctx, `
    SELECT token_id, size, cost_basis, realized_pnl, resolved, payout_value, updated_at
    FROM positions ORDER BY updated_at DESC NULLS LAST`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		var payout *float64
		var updated *time.Time
		if err := rows.Scan(&p.TokenID, &p.Size, &p.CostBasis, &p.RealizedPnL, &p.Resolved, &payout, &updated); err != nil {
			return nil, err
		}
		if payout != nil {
			p.PayoutValue = *payout
		}
		p.UpdatedAt = derefTime(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(out); err == nil {
			s.redis.Set(ctx, cacheKeyPositions, data, s.summaryTTL)
		}
	}
	return out, nil
}

// ---- aggregates ----

func (s *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKeySummary).Bytes(); err == nil {
			var sum Summary
			if json.Unmarshal(cached, &sum) == nil {
				return &sum, nil
			}
		}
	}

	var sum Summary
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM wallets WHERE tracking_enabled`).Scan(&sum.TrackedWallets)
	if err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM target_trades`).Scan(&sum.TargetTrades); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
    SELECT COUNT(*) FILTER (WHERE no_fill_reason = '' AND size > 0),
           COUNT(*) FILTER (WHERE no_fill_reason != '' OR size <= 0),
           COALESCE(SUM(cost_usd) FILTER (WHERE no_fill_reason = '' AND size > 0), 0),
           COALESCE(AVG(slippage) FILTER (WHERE no_fill_reason = '' AND size > 0), 0),
           COALESCE(AVG(detection_delay_ms), 0),
           COALESCE(AVG(execution_delay_ms), 0)
    FROM paper_trades`).Scan(&sum.PaperFills, &sum.NoFills, &sum.TotalCostUSD,
		&sum.AvgSlippage, &sum.AvgDetectionMs, &sum.AvgExecutionMs)
	if err != nil {
		return nil, err
	}
	if total := sum.PaperFills + sum.NoFills; total > 0 {
		sum.FillRate = float64(sum.PaperFills) / float64(total)
	}

	err = s.pool.QueryRow(ctx, `
    SELECT COALESCE(SUM(realized_pnl), 0),
           COUNT(*) FILTER (WHERE NOT resolved AND ABS(size) > 0.0001),
           COUNT(*) FILTER (WHERE resolved)
    FROM positions`).Scan(&sum.RealizedPnL, &sum.OpenPositions, &sum.ResolvedMarkets)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(sum); err == nil {
			s.redis.Set(ctx, cacheKeySummary, data, s.summaryTTL)
		}
	}
	return &sum, nil
}

func (s *PostgresStore) PnLOverTime(ctx context.Context, days int) ([]PnLPoint, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.pool.Query(ctx, `
    SELECT to_char(onchain_at, 'YYYY-MM-DD') AS day, SUM(realized_delta)
    FROM paper_trades
    WHERE onchain_at >= $1
    GROUP BY day ORDER BY day`, cutoff)
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

func (s *PostgresStore) PnLByCategory(ctx context.Context) ([]CategoryPnL, error) {
	rows, err := s.pool.Query(ctx, `
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

func (s *PostgresStore) LatencySamples(ctx context.Context, limit int) ([]LatencySample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
    SELECT COALESCE(detection_delay_ms, 0), COALESCE(execution_delay_ms, 0), COALESCE(total_delay_ms, 0)
    FROM paper_trades ORDER BY created_at DESC LIMIT $1`, limit)
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

func (s *PostgresStore) GetRunState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM run_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *PostgresStore) SetRunState(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO run_state (key, value) VALUES ($1, $2)
    ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// ---- helpers ----

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
