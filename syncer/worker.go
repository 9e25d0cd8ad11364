package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"polymarket-papertrader/config"
)

// Job is a periodic background task hosted by the Worker.
type Job interface {
	RunOnce(ctx context.Context) error
}

// Worker runs the periodic halves of the pipeline: the resolution poll
// fallback, the metadata backfill, the wallet reseed, the metrics publish,
// and the optional snapshot archive. The event-driven halves (detector,
// trader, resolution push) run on their own goroutines.
type Worker struct {
	cfg *config.Config

	resolution *ResolutionWorker
	metadata   *MetadataBackfill
	seeder     *WalletSeeder
	archiver   Job

	trader   *PaperTrader
	detector *Detector
	metrics  *MetricsStore

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWorker builds the background job runner. archiver may be nil when
// archiving is disabled.
func NewWorker(cfg *config.Config, resolution *ResolutionWorker, metadata *MetadataBackfill, seeder *WalletSeeder, archiver Job, trader *PaperTrader, detector *Detector, metrics *MetricsStore) *Worker {
	return &Worker{
		cfg:        cfg,
		resolution: resolution,
		metadata:   metadata,
		seeder:     seeder,
		archiver:   archiver,
		trader:     trader,
		detector:   detector,
		metrics:    metrics,
		stop:       make(chan struct{}),
	}
}

// Start launches the background loops.
func (w *Worker) Start() {
	w.startLoop("resolution-poll",
		time.Duration(w.cfg.Resolution.PollIntervalMins)*time.Minute,
		w.resolution.PollOnce)
	w.startLoop("metadata-backfill",
		w.metadata.Interval(),
		w.metadata.RunOnce)
	w.startLoop("wallet-reseed",
		time.Duration(w.cfg.Detection.WalletRefreshMins)*time.Minute,
		func(ctx context.Context) error {
			_, err := w.seeder.Seed(ctx)
			return err
		})
	w.startLoop("metrics-publish", time.Minute, w.publishMetrics)

	if w.archiver != nil {
		w.startLoop("snapshot-archive",
			time.Duration(w.cfg.Archive.IntervalHours)*time.Hour,
			w.archiver.RunOnce)
	}
}

// Stop waits for all loops to exit.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) startLoop(name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run immediately at startup
		if err := fn(context.Background()); err != nil {
			log.Printf("[Worker] %s initial run failed: %v", name, err)
		}

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval/2)
				if err := fn(ctx); err != nil {
					log.Printf("[Worker] %s tick failed: %v", name, err)
				}
				cancel()
			}
		}
	}()
}

func (w *Worker) publishMetrics(ctx context.Context) error {
	if w.metrics == nil {
		return nil
	}
	if w.trader != nil {
		if err := w.metrics.SaveTraderMetrics(ctx, w.trader.Metrics()); err != nil {
			return err
		}
	}
	if w.detector != nil {
		if err := w.metrics.SaveDetectorMetrics(ctx, w.detector.Metrics()); err != nil {
			return err
		}
	}
	return nil
}
