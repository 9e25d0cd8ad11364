// The report binary prints a terminal summary of the paper-trading run:
// headline numbers, open positions, recent fills, and realized PnL by
// category. It reads the SQLite database directly, so it works offline
// against a copied data file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"polymarket-papertrader/config"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/service"
	"polymarket-papertrader/storage"
)

func main() {
	var (
		cfgPath    = flag.String("config", os.Getenv("PAPERTRADER_CONFIG"), "config file path")
		dbPath     = flag.String("db", "", "override database path")
		tradeLimit = flag.Int("trades", 15, "recent paper trades to show")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	path := cfg.Data.DBPath
	if *dbPath != "" {
		path = *dbPath
	}

	store, err := storage.New(path)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", path, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := printSummary(ctx, store); err != nil {
		log.Fatalf("summary: %v", err)
	}
	if err := printPositions(ctx, store); err != nil {
		log.Fatalf("positions: %v", err)
	}
	if err := printCategoryPnL(ctx, store); err != nil {
		log.Fatalf("category pnl: %v", err)
	}
	if err := printLatency(ctx, store, cfg); err != nil {
		log.Fatalf("latency: %v", err)
	}
	if err := printRecentTrades(ctx, store, *tradeLimit); err != nil {
		log.Fatalf("trades: %v", err)
	}
}

func printLatency(ctx context.Context, store storage.DataStore, cfg *config.Config) error {
	svc := service.NewService(store, ledger.New(), nil, nil, cfg)
	stats, err := svc.LatencyStats(ctx)
	if err != nil {
		return err
	}
	if stats.Samples == 0 {
		return nil
	}

	fmt.Printf("\n=== Latency (%d samples) ===\n", stats.Samples)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Stage", "P50", "P90", "P99", "Avg", "Max")
	for _, row := range []struct {
		name string
		p    service.PercentileSet
	}{
		{"Detection", stats.Detection},
		{"Execution", stats.Execution},
		{"Total", stats.Total},
	} {
		table.Append(
			row.name,
			fmt.Sprintf("%.0f ms", row.p.P50),
			fmt.Sprintf("%.0f ms", row.p.P90),
			fmt.Sprintf("%.0f ms", row.p.P99),
			fmt.Sprintf("%.0f ms", row.p.Avg),
			fmt.Sprintf("%.0f ms", row.p.Max),
		)
	}
	return table.Render()
}

func printSummary(ctx context.Context, store storage.DataStore) error {
	s, err := store.Summary(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\n=== Run Summary ===")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	table.Append("Tracked wallets", fmt.Sprintf("%d", s.TrackedWallets))
	table.Append("Target trades", fmt.Sprintf("%d", s.TargetTrades))
	table.Append("Paper fills", fmt.Sprintf("%d", s.PaperFills))
	table.Append("No-fills", fmt.Sprintf("%d", s.NoFills))
	table.Append("Fill rate", fmt.Sprintf("%.1f%%", s.FillRate*100))
	table.Append("Total cost", fmt.Sprintf("$%.2f", s.TotalCostUSD))
	table.Append("Realized PnL", fmt.Sprintf("$%.2f", s.RealizedPnL))
	table.Append("Avg slippage", fmt.Sprintf("%.4f", s.AvgSlippage))
	table.Append("Avg detection", fmt.Sprintf("%.0f ms", s.AvgDetectionMs))
	table.Append("Avg execution", fmt.Sprintf("%.0f ms", s.AvgExecutionMs))
	table.Append("Open positions", fmt.Sprintf("%d", s.OpenPositions))
	table.Append("Resolved markets", fmt.Sprintf("%d", s.ResolvedMarkets))
	return table.Render()
}

func printPositions(ctx context.Context, store storage.DataStore) error {
	positions, err := store.ListPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Println("\nNo positions recorded.")
		return nil
	}

	fmt.Println("\n=== Positions ===")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Market", "Size", "Avg Entry", "Cost", "Realized", "Status")
	for _, pos := range positions {
		question := pos.TokenID
		if m, err := store.GetMarket(ctx, pos.TokenID); err == nil && m != nil {
			question = truncate(m.Question, 48)
		}
		status := "open"
		if pos.Resolved {
			status = fmt.Sprintf("resolved @ %.0f", pos.PayoutValue)
		} else if pos.Flat() {
			status = "flat"
		}
		table.Append(
			question,
			fmt.Sprintf("%.2f", pos.Size),
			fmt.Sprintf("%.4f", pos.AvgEntryPrice()),
			fmt.Sprintf("$%.2f", pos.CostBasis),
			fmt.Sprintf("$%.2f", pos.RealizedPnL),
			status,
		)
	}
	return table.Render()
}

func printCategoryPnL(ctx context.Context, store storage.DataStore) error {
	rows, err := store.PnLByCategory(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	fmt.Println("\n=== Realized PnL by Category ===")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Category", "Positions", "Realized PnL")
	for _, row := range rows {
		table.Append(row.Category, fmt.Sprintf("%d", row.Positions), fmt.Sprintf("$%.2f", row.Realized))
	}
	return table.Render()
}

func printRecentTrades(ctx context.Context, store storage.DataStore, limit int) error {
	trades, err := store.ListTrades(ctx, storage.TradeFilter{Limit: limit})
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Println("\nNo paper trades recorded.")
		return nil
	}

	fmt.Printf("\n=== Recent Paper Trades (last %d) ===\n", len(trades))
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Wallet", "Side", "Market", "Size", "Price", "Slippage", "Outcome")
	for _, tr := range trades {
		outcome := "FILL"
		if !tr.Filled() {
			outcome = "NO-FILL: " + truncate(tr.NoFillReason, 24)
		}
		wallet := tr.WalletAlias
		if wallet == "" {
			wallet = shortAddress(tr.Wallet)
		}
		table.Append(
			tr.CreatedAt.Format("01-02 15:04:05"),
			wallet,
			string(tr.Side),
			truncate(tr.Question, 36),
			fmt.Sprintf("%.2f", tr.Size),
			fmt.Sprintf("%.4f", tr.AvgPrice),
			fmt.Sprintf("%.4f", tr.Slippage),
			outcome,
		)
	}
	return table.Render()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
