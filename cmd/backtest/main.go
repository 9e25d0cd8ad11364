// The backtest binary replays stored order book snapshots offline and
// compares two execution models: a naive fixed-slippage assumption (best
// price plus a constant number of basis points) against the book-walk
// simulation the live pipeline uses. The gap between the two shows how much
// a flat slippage constant would misprice fills at the configured size.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"polymarket-papertrader/config"
	"polymarket-papertrader/models"
	"polymarket-papertrader/sim"
	"polymarket-papertrader/storage"
)

const maxReplaySnapshots = 50000

type tokenResult struct {
	tokenID    string
	snapshots  int
	fills      int
	partials   int
	walkAvg    float64 // size-weighted walk price
	naiveAvg   float64 // size-weighted fixed-slippage price
	totalSize  float64
	worstDelta float64 // largest per-snapshot price gap
}

func main() {
	var (
		cfgPath     = flag.String("config", os.Getenv("PAPERTRADER_CONFIG"), "config file path")
		dbPath      = flag.String("db", "", "override database path")
		notional    = flag.Float64("notional", 0, "USD per simulated fill (default: paper sizing config)")
		slippageBps = flag.Float64("slippage-bps", 50, "fixed slippage assumption in basis points")
		sideFlag    = flag.String("side", "BUY", "side to simulate (BUY or SELL)")
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
	usd := *notional
	if usd <= 0 {
		usd = cfg.Paper.NotionalUSD
	}
	side := models.Side(*sideFlag)
	if !side.Valid() {
		log.Fatalf("invalid side %q, want BUY or SELL", *sideFlag)
	}

	store, err := storage.New(path)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", path, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	snaps, err := store.SnapshotsBefore(ctx, time.Now().UTC(), maxReplaySnapshots)
	if err != nil {
		log.Fatalf("failed to load snapshots: %v", err)
	}
	if len(snaps) == 0 {
		log.Fatal("no order book snapshots recorded, nothing to replay")
	}

	results := replay(snaps, side, usd, *slippageBps)
	printResults(results, side, usd, *slippageBps, len(snaps))
}

// replay simulates one fill per snapshot under both models and aggregates
// size-weighted prices per token.
func replay(snaps []storage.SnapshotRow, side models.Side, usd, slippageBps float64) []tokenResult {
	byToken := make(map[string]*tokenResult)

	for _, row := range snaps {
		res := byToken[row.TokenID]
		if res == nil {
			res = &tokenResult{tokenID: row.TokenID}
			byToken[row.TokenID] = res
		}
		res.snapshots++

		book := row.OrderBookSnapshot
		naive, ok := naivePrice(&book, side, slippageBps)
		if !ok {
			continue
		}

		fill, err := sim.Simulate(side, &book, sim.Notional(usd))
		if err != nil || fill.Completeness == models.FillNone {
			continue
		}
		res.fills++
		if fill.Completeness == models.FillPartial {
			res.partials++
		}

		res.walkAvg += fill.AvgPrice * fill.Size
		res.naiveAvg += naive * fill.Size
		res.totalSize += fill.Size
		if delta := math.Abs(fill.AvgPrice - naive); delta > res.worstDelta {
			res.worstDelta = delta
		}
	}

	out := make([]tokenResult, 0, len(byToken))
	for _, res := range byToken {
		if res.totalSize > 0 {
			res.walkAvg /= res.totalSize
			res.naiveAvg /= res.totalSize
		}
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].walkAvg-out[i].naiveAvg) > math.Abs(out[j].walkAvg-out[j].naiveAvg)
	})
	return out
}

// naivePrice is the fixed-slippage model: the touch price moved against the
// taker by a constant number of basis points.
func naivePrice(book *models.OrderBookSnapshot, side models.Side, slippageBps float64) (float64, bool) {
	factor := 1 + slippageBps/10000
	if side == models.SideBuy {
		ask, ok := book.BestAsk()
		return ask * factor, ok
	}
	bid, ok := book.BestBid()
	return bid * (2 - factor), ok
}

func printResults(results []tokenResult, side models.Side, usd, slippageBps float64, replayed int) {
	fmt.Printf("\nReplayed %d snapshots: %s $%.2f per fill, fixed model = touch %+.0f bps\n\n",
		replayed, side, usd, slippageBps)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Token", "Snaps", "Fills", "Partial", "Walk Avg", "Fixed Avg", "Gap", "Worst Gap")

	var weightedGap, totalSize float64
	for _, res := range results {
		if res.fills == 0 {
			continue
		}
		gap := res.walkAvg - res.naiveAvg
		weightedGap += gap * res.totalSize
		totalSize += res.totalSize
		table.Append(
			shortToken(res.tokenID),
			fmt.Sprintf("%d", res.snapshots),
			fmt.Sprintf("%d", res.fills),
			fmt.Sprintf("%d", res.partials),
			fmt.Sprintf("%.4f", res.walkAvg),
			fmt.Sprintf("%.4f", res.naiveAvg),
			fmt.Sprintf("%+.4f", gap),
			fmt.Sprintf("%.4f", res.worstDelta),
		)
	}
	table.Render()

	if totalSize > 0 {
		fmt.Printf("\nSize-weighted gap (walk - fixed): %+.4f per share\n", weightedGap/totalSize)
		fmt.Println("Positive gap means the fixed model underestimates execution cost.")
	}
}

func shortToken(tokenID string) string {
	if len(tokenID) <= 14 {
		return tokenID
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}
