// The inspect_db binary runs consistency checks against the paper-trading
// database: row counts per table, orphaned paper trades, negative position
// sizes, resolved markets still carrying open positions, and the run_state
// cursors. Read-only; intended for debugging a live data file.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"polymarket-papertrader/config"

	_ "modernc.org/sqlite"
)

func main() {
	var (
		cfgPath = flag.String("config", os.Getenv("PAPERTRADER_CONFIG"), "config file path")
		dbPath  = flag.String("db", "", "override database path")
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

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		log.Fatalf("failed to open %s: %v", path, err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping %s: %v", path, err)
	}
	fmt.Printf("Inspecting %s\n", path)

	printCounts(db)
	checkOrphanedPaperTrades(db)
	checkNegativePositions(db)
	checkResolvedWithOpenSize(db)
	checkNoFillConsistency(db)
	printRunState(db)
}

func printCounts(db *sql.DB) {
	fmt.Println("\n--- Row counts ---")
	tables := []string{
		"wallets", "markets", "target_trades", "orderbook_snapshots",
		"paper_trades", "positions", "run_state",
	}
	for _, table := range tables {
		var n int64
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			fmt.Printf("%-20s error: %v\n", table, err)
			continue
		}
		fmt.Printf("%-20s %d\n", table, n)
	}
}

// Paper trades should always reference the target trade that triggered them.
func checkOrphanedPaperTrades(db *sql.DB) {
	fmt.Println("\n--- Paper trades without a target trade ---")
	rows, err := db.Query(`
        SELECT p.fill_id, p.token_id, p.created_at
        FROM paper_trades p
        LEFT JOIN target_trades t ON t.id = p.target_trade_id
        WHERE t.id IS NULL
        LIMIT 10
    `)
	if err != nil {
		log.Printf("query failed: %v", err)
		return
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true
		var fillID, tokenID, createdAt string
		if err := rows.Scan(&fillID, &tokenID, &createdAt); err != nil {
			log.Printf("scan failed: %v", err)
			continue
		}
		fmt.Printf("fill %s token %s at %s\n", fillID, tokenID, createdAt)
	}
	if !found {
		fmt.Println("None.")
	}
}

// Long-only pipeline: position size must never go negative.
func checkNegativePositions(db *sql.DB) {
	fmt.Println("\n--- Negative position sizes ---")
	rows, err := db.Query(`
        SELECT token_id, size, cost_basis, realized_pnl
        FROM positions
        WHERE size < 0
        LIMIT 10
    `)
	if err != nil {
		log.Printf("query failed: %v", err)
		return
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true
		var tokenID string
		var size, cost, realized float64
		if err := rows.Scan(&tokenID, &size, &cost, &realized); err != nil {
			log.Printf("scan failed: %v", err)
			continue
		}
		fmt.Printf("token %s size %.4f cost %.4f realized %.4f\n", tokenID, size, cost, realized)
	}
	if !found {
		fmt.Println("None.")
	}
}

// Settlement zeroes the position size, so a resolved position holding size
// means a settlement write was lost.
func checkResolvedWithOpenSize(db *sql.DB) {
	fmt.Println("\n--- Resolved positions still holding size ---")
	rows, err := db.Query(`
        SELECT token_id, size, payout_value
        FROM positions
        WHERE resolved = 1 AND ABS(size) > 0.0001
        LIMIT 10
    `)
	if err != nil {
		log.Printf("query failed: %v", err)
		return
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true
		var tokenID string
		var size float64
		var payout sql.NullFloat64
		if err := rows.Scan(&tokenID, &size, &payout); err != nil {
			log.Printf("scan failed: %v", err)
			continue
		}
		fmt.Printf("token %s size %.4f payout %.2f\n", tokenID, size, payout.Float64)
	}
	if !found {
		fmt.Println("None.")
	}
}

// A no-fill record must carry zero size and a reason; a fill must carry
// neither.
func checkNoFillConsistency(db *sql.DB) {
	fmt.Println("\n--- Size/reason mismatches in paper trades ---")
	var n int64
	err := db.QueryRow(`
        SELECT COUNT(*)
        FROM paper_trades
        WHERE (no_fill_reason != '' AND size > 0)
           OR (no_fill_reason = '' AND size <= 0)
    `).Scan(&n)
	if err != nil {
		log.Printf("query failed: %v", err)
		return
	}
	if n == 0 {
		fmt.Println("None.")
	} else {
		fmt.Printf("%d inconsistent rows\n", n)
	}
}

func printRunState(db *sql.DB) {
	fmt.Println("\n--- Run state ---")
	rows, err := db.Query("SELECT key, value FROM run_state ORDER BY key")
	if err != nil {
		log.Printf("query failed: %v", err)
		return
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			log.Printf("scan failed: %v", err)
			continue
		}
		fmt.Printf("%-40s %s\n", key, value)
	}
	if !found {
		fmt.Println("Empty.")
	}
}
