package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"polymarket-papertrader/api"
	s3blob "polymarket-papertrader/blob/s3"
	"polymarket-papertrader/config"
	"polymarket-papertrader/handlers"
	"polymarket-papertrader/ledger"
	"polymarket-papertrader/middleware"
	"polymarket-papertrader/models"
	"polymarket-papertrader/service"
	"polymarket-papertrader/storage"
	"polymarket-papertrader/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("PAPERTRADER_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	// Polymarket clients
	clob := api.NewClobClient(cfg.API.CLOBBase, cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst)
	gamma := api.NewGammaClient(cfg.API.GammaBase, cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst)
	data := api.NewDataClient(cfg.API.DataAPIBase, cfg.API.RateLimitPerSec, cfg.API.RateLimitBurst)

	runID := uuid.New().String()
	log.Printf("[main] Run %s starting", runID)

	// Restore the ledger from persisted state so a restart cannot
	// double-count replayed fills.
	led := ledger.New()
	restoreLedger(store, led)

	// Pipeline
	seeder := syncer.NewWalletSeeder(data, store, cfg.Detection)
	if n, err := seeder.Seed(context.Background()); err != nil {
		log.Printf("[main] Initial wallet seed failed: %v", err)
	} else {
		log.Printf("[main] Seeded %d wallets", n)
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
		log.Printf("[main] Market WebSocket unavailable, poll fallback only: %v", err)
	}

	metadata := syncer.NewMetadataBackfill(gamma, store, cfg.Metadata)
	metrics := syncer.NewMetricsStore(newRedisClient())
	archiver := buildArchiver(cfg, store)

	worker := syncer.NewWorker(cfg, resolution, metadata, seeder, archiver, trader, detector, metrics)
	worker.Start()

	if err := detector.Start(context.Background()); err != nil {
		log.Fatalf("failed to start detector: %v", err)
	}

	// HTTP dashboard
	svc := service.NewService(store, led, clob, metrics, cfg)
	h := handlers.NewHandler(cfg, svc, store)

	r := gin.Default()
	r.GET("/healthz", h.Health)

	apiGroup := r.Group("/api", middleware.BasicAuth(), middleware.ValidateQueryParams())
	{
		apiGroup.GET("/summary", h.GetSummary)
		apiGroup.GET("/wallets", h.GetWallets)
		apiGroup.PUT("/wallets/:address/tracking", middleware.ValidateAddress(), h.SetWalletTracking)
		apiGroup.GET("/trades", h.GetTrades)
		apiGroup.GET("/positions", h.GetPositions)
		apiGroup.GET("/markets", h.GetMarkets)
		apiGroup.GET("/pnl_over_time", h.GetPnLOverTime)
		apiGroup.GET("/pnl_by_category", h.GetPnLByCategory)
		apiGroup.GET("/orderbook/:tokenID", middleware.ValidateTokenID(), h.GetOrderBook)
		apiGroup.GET("/latency_stats", h.GetLatencyStats)
		apiGroup.GET("/metrics", h.GetMetrics)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Printf("[main] Server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown: stop producing events, drain in-flight fills,
	// then close the ledger and the server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[main] Shutting down")

	detector.Stop()
	marketWS.Stop()
	worker.Stop()
	trader.Wait()
	led.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Server shutdown: %v", err)
	}
	log.Println("[main] Bye")
}

// openStore picks Postgres when POSTGRES_HOST is set, SQLite otherwise.
func openStore(cfg *config.Config) (storage.DataStore, error) {
	if os.Getenv("POSTGRES_HOST") != "" {
		log.Println("[main] Using Postgres storage")
		return storage.NewPostgres()
	}
	log.Printf("[main] Using SQLite storage at %s", cfg.Data.DBPath)
	return storage.New(cfg.Data.DBPath)
}

// restoreLedger replays persisted positions and applied fill ids.
func restoreLedger(store storage.DataStore, led *ledger.Ledger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	positions, err := store.ListPositions(ctx)
	if err != nil {
		log.Printf("[main] Warning: position restore failed: %v", err)
	}
	fills, err := store.AppliedFills(ctx)
	if err != nil {
		log.Printf("[main] Warning: applied fill restore failed: %v", err)
	}
	led.Restore(positions, fills)
	log.Printf("[main] Restored %d positions, %d tokens with applied fills", len(positions), len(fills))
}

// newRedisClient builds the optional metrics Redis client. Nil when
// REDIS_HOST is not set.
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

// buildArchiver wires the S3 snapshot archiver when a bucket is configured.
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
		log.Printf("[main] Archive disabled, S3 client init failed: %v", err)
		return nil
	}
	return s3blob.NewArchiver(s3blob.NewS3Uploader(client), store, cfg.Archive)
}
