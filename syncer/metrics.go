package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const metricsKey = "papertrader:metrics"

// SystemMetrics bundles the live pipeline counters for the dashboard.
type SystemMetrics struct {
	Trader    TraderMetrics   `json:"trader"`
	Detector  DetectorMetrics `json:"detector"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MetricsStore publishes pipeline metrics to Redis so the dashboard (and
// other processes) can read them. A nil Redis client turns every method
// into a no-op: Redis is optional in the single-process SQLite setup.
type MetricsStore struct {
	redis *redis.Client
}

// NewMetricsStore creates a metrics store. redisClient may be nil.
func NewMetricsStore(redisClient *redis.Client) *MetricsStore {
	return &MetricsStore{redis: redisClient}
}

// SaveTraderMetrics merges the trader counters into the stored snapshot.
func (m *MetricsStore) SaveTraderMetrics(ctx context.Context, metrics TraderMetrics) error {
	if m.redis == nil {
		return nil
	}
	system, _ := m.GetMetrics(ctx)
	if system == nil {
		system = &SystemMetrics{}
	}
	system.Trader = metrics
	system.UpdatedAt = time.Now()
	return m.save(ctx, system)
}

// SaveDetectorMetrics merges the detector counters into the stored snapshot.
func (m *MetricsStore) SaveDetectorMetrics(ctx context.Context, metrics DetectorMetrics) error {
	if m.redis == nil {
		return nil
	}
	system, _ := m.GetMetrics(ctx)
	if system == nil {
		system = &SystemMetrics{}
	}
	system.Detector = metrics
	system.UpdatedAt = time.Now()
	return m.save(ctx, system)
}

func (m *MetricsStore) save(ctx context.Context, system *SystemMetrics) error {
	data, err := json.Marshal(system)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, metricsKey, data, 24*time.Hour).Err()
}

// GetMetrics returns the stored snapshot, empty when nothing was published.
func (m *MetricsStore) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	if m.redis == nil {
		return &SystemMetrics{}, nil
	}
	data, err := m.redis.Get(ctx, metricsKey).Result()
	if err != nil {
		if err == redis.Nil {
			return &SystemMetrics{}, nil
		}
		return nil, err
	}

	var metrics SystemMetrics
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}
