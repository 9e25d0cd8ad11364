// The worker binary runs the full paper-trading pipeline without the HTTP
// dashboard: detection, fill simulation, resolution settlement, metadata
// backfill, and the optional snapshot archive.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"polymarket-papertrader/api"
	s3blob "polymarket-papertrader/blob/s3"
	"polymarket-papertrader/config"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("PAPERTRADER_CONFIG"))
	if err != nil {
		log.Fatalf("[worker] failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[worker] failed to init storage: %v", err)
	}
	defer store.Close()

	clob := api.NewClobClient(cfg.API.CLOBBase, cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst)
	gamma := api.NewGammaClient(cfg.API.GammaBase, cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst)
	data := api.NewDataClient(cfg.API.DataAPIBase, cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst)

	runID := uuid.New().String()
	log.Printf("[worker] Run %s starting", runID)

	led := ledger.New()
	restoreLedger(store, led)

	seeder := syncer.NewWalletSeeder(data, store, cfg.Detection)
	if n, err := seeder.Seed(context.Background()); err != nil {
		log.Printf("[worker] Initial wallet seed failed: %v", err)
	} else {
		log.Printf("[worker] Seeded %d wallets", n)
	}

	trader := syncer.NewPaperTrader(clob, store, led, cfg.Paper, runID)
	detector := syncer.NewDetector(data, store, cfg.Detection, func(event models.TradeEvent) {
		trader.Submit(context.Background(), event)
	})
	polygon := api.NewPolygonClient()
	defer polygon.Close()
	detector.SetTxLookup(polygon)

	resolution := syncer.NewResolutionWorker(gamma, store, led, cfg.Resolution)
	marketWS := api.NewMarketWSClient(cfg.API.MarketWSURL, func(event api.MarketResolvedEvent) {
		resolution.HandleResolutionEvent(context.Background(), event)
	})
	if err := marketWS.Start(); err != nil {
		log.Printf("[worker] Market WebSocket unavailable, poll fallback only: %v", err)
	}

	metadata := syncer.NewMetadataBackfill(gamma, store, cfg.Metadata)
	metrics := syncer.NewMetricsStore(newRedisClient())
	archiver := buildArchiver(cfg, store)

	worker := syncer.NewWorker(cfg, resolution, metadata, seeder, archiver, trader, detector, metrics)
	worker.Start()

	if err := detector.Start(context.Background()); err != nil {
		log.Fatalf("[worker] failed to start detector: %v", err)
	}
	log.Println("[worker] Pipeline running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[worker] Shutting down")
	detector.Stop()
	marketWS.Stop()
	worker.Stop()
	trader.Wait()
	led.Close()
}

// openStore picks Postgres when POSTGRES_HOST is set, SQLite otherwise.
func openStore(cfg *config.Config) (storage.DataStore, error) {
	if os.Getenv("POSTGRES_HOST") != "" {
		log.Println("[worker] Using Postgres storage")
		return storage.NewPostgres()
	}
	log.Printf("[worker] Using SQLite storage at %s", cfg.Data.DBPath)
	return storage.New(cfg.Data.DBPath)
}

func restoreLedger(store storage.DataStore, led *ledger.Ledger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	positions, err := store.ListPositions(ctx)
	if err != nil {
		log.Printf("[worker] Warning: position restore failed: %v", err)
	}
	fills, err := store.AppliedFills(ctx)
	if err != nil {
		log.Printf("[worker] Warning: applied fill restore failed: %v", err)
	}
	led.Restore(positions, fills)
	log.Printf("[worker] Restored %d positions, %d tokens with applied fills", len(positions), len(fills))
}

func newRedisClient() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:     host + ":" + port,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
}

func buildArchiver(cfg *config.Config, store storage.DataStore) syncer.Job {
	if cfg.Archive.Bucket == "" {
		return nil
	}

	client, err := s3blob.NewClient(context.Background(), s3blob.ClientConfig{
		Endpoint:       cfg.Archive.Endpoint,
		Region:         cfg.Archive.Region,
		Bucket:         cfg.Archive.Bucket,
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		ForcePathStyle: cfg.Archive.Endpoint != "",
	})
	if err != nil {
		log.Printf("[worker] Archive disabled, S3 client init failed: %v", err)
		return nil
	}
	return s3blob.NewArchiver(s3blob.NewS3Uploader(client), store, cfg.Archive)
}
