package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Paper sizing policies. SizingFixedNotional spends PaperConfig.NotionalUSD
// per detected trade; SizingMatchTarget mirrors the target's share count.
const (
	SizingFixedNotional = "fixed_notional"
	SizingMatchTarget   = "match_target_size"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	DBPath string `yaml:"db_path"`
}

// PaperConfig controls how paper fills are sized and processed.
type PaperConfig struct {
	Sizing            string  `yaml:"sizing"` // fixed_notional | match_target_size
	NotionalUSD       float64 `yaml:"notional_usd"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
	SnapshotTimeoutMS int     `yaml:"snapshot_timeout_ms"`
	FetchRetries      int     `yaml:"fetch_retries"`
	RetryBackoffMS    int     `yaml:"retry_backoff_ms"`
}

// DetectionConfig controls the wallet activity poller and leaderboard
// seeding.
type DetectionConfig struct {
	Wallets           []string `yaml:"wallets"` // explicit targets; overrides seeding
	PollIntervalMS    int      `yaml:"poll_interval_ms"`
	ActivityLimit     int      `yaml:"activity_limit"`
	WalletRefreshMins int      `yaml:"wallet_refresh_minutes"`

	Categories  []string `yaml:"categories"`
	TimePeriod  string   `yaml:"time_period"` // DAY, WEEK, MONTH, ALL
	OrderBy     string   `yaml:"order_by"`    // PNL, VOL
	WalletLimit int      `yaml:"wallet_limit"`
}

// ResolutionConfig controls the resolution poll fallback cadence.
type ResolutionConfig struct {
	PollIntervalMins    int   `yaml:"poll_interval_minutes"`
	SuccessCooldownMins int   `yaml:"success_cooldown_minutes"`
	FailureBackoffMins  []int `yaml:"failure_backoff_minutes"`
	BatchSize           int   `yaml:"batch_size"`
}

// MetadataConfig controls the market metadata backfill.
type MetadataConfig struct {
	BackfillIntervalMins int `yaml:"backfill_interval_minutes"`
	BatchSize            int `yaml:"batch_size"`
}

// APIConfig contains the Polymarket endpoints and client-side rate limits.
type APIConfig struct {
	CLOBBase        string  `yaml:"clob_base"`
	GammaBase       string  `yaml:"gamma_base"`
	DataAPIBase     string  `yaml:"data_api_base"`
	MarketWSURL     string  `yaml:"market_ws_url"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

// CacheConfig defines TTLs for dashboard aggregates.
type CacheConfig struct {
	SummaryTTLSecs   int `yaml:"summary_ttl_seconds"`
	PositionsTTLSecs int `yaml:"positions_ttl_seconds"`
}

// ArchiveConfig controls the optional snapshot export to S3-compatible
// storage. Empty bucket means disabled.
type ArchiveConfig struct {
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	Endpoint      string `yaml:"endpoint"` // non-AWS endpoints, e.g. MinIO
	Region        string `yaml:"region"`
	RetentionDays int    `yaml:"retention_days"`
	IntervalHours int    `yaml:"interval_hours"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Paper      PaperConfig      `yaml:"paper"`
	Detection  DetectionConfig  `yaml:"detection"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	API        APIConfig        `yaml:"api"`
	Cache      CacheConfig      `yaml:"cache"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// Load reads configuration from disk, falling back to defaults. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = "papertrader.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", configPath, err)
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Data: DataConfig{
			DBPath: "paper_trades.db",
		},
		Paper: PaperConfig{
			Sizing:            SizingFixedNotional,
			NotionalUSD:       100.0,
			MaxConcurrent:     3,
			SnapshotTimeoutMS: 5000,
			FetchRetries:      3,
			RetryBackoffMS:    500,
		},
		Detection: DetectionConfig{
			PollIntervalMS:    1500,
			ActivityLimit:     25,
			WalletRefreshMins: 30,
			Categories: []string{
				"politics",
				"sports",
				"crypto",
				"finance",
				"culture",
				"mentions",
				"weather",
				"economics",
				"tech",
				"overall",
			},
			TimePeriod:  "MONTH",
			OrderBy:     "PNL",
			WalletLimit: 20,
		},
		Resolution: ResolutionConfig{
			PollIntervalMins:    30,
			SuccessCooldownMins: 240,
			FailureBackoffMins:  []int{15, 30, 60, 120, 240},
			BatchSize:           50,
		},
		Metadata: MetadataConfig{
			BackfillIntervalMins: 10,
			BatchSize:            25,
		},
		API: APIConfig{
			CLOBBase:        "https://clob.polymarket.com",
			GammaBase:       "https://gamma-api.polymarket.com",
			DataAPIBase:     "https://data-api.polymarket.com",
			MarketWSURL:     "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Cache: CacheConfig{
			SummaryTTLSecs:   30,
			PositionsTTLSecs: 15,
		},
		Archive: ArchiveConfig{
			Prefix:        "snapshots",
			Region:        "us-east-1",
			RetentionDays: 30,
			IntervalHours: 24,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Data.DBPath == "" {
		c.Data.DBPath = def.Data.DBPath
	}

	if c.Paper.Sizing == "" {
		c.Paper.Sizing = def.Paper.Sizing
	}
	if c.Paper.NotionalUSD == 0 {
		c.Paper.NotionalUSD = def.Paper.NotionalUSD
	}
	if c.Paper.MaxConcurrent == 0 {
		c.Paper.MaxConcurrent = def.Paper.MaxConcurrent
	}
	if c.Paper.SnapshotTimeoutMS == 0 {
		c.Paper.SnapshotTimeoutMS = def.Paper.SnapshotTimeoutMS
	}
	if c.Paper.FetchRetries == 0 {
		c.Paper.FetchRetries = def.Paper.FetchRetries
	}
	if c.Paper.RetryBackoffMS == 0 {
		c.Paper.RetryBackoffMS = def.Paper.RetryBackoffMS
	}

	if c.Detection.PollIntervalMS == 0 {
		c.Detection.PollIntervalMS = def.Detection.PollIntervalMS
	}
	if c.Detection.ActivityLimit == 0 {
		c.Detection.ActivityLimit = def.Detection.ActivityLimit
	}
	if c.Detection.WalletRefreshMins == 0 {
		c.Detection.WalletRefreshMins = def.Detection.WalletRefreshMins
	}
	if len(c.Detection.Categories) == 0 {
		c.Detection.Categories = def.Detection.Categories
	}
	if c.Detection.TimePeriod == "" {
		c.Detection.TimePeriod = def.Detection.TimePeriod
	}
	if c.Detection.OrderBy == "" {
		c.Detection.OrderBy = def.Detection.OrderBy
	}
	if c.Detection.WalletLimit == 0 {
		c.Detection.WalletLimit = def.Detection.WalletLimit
	}

	if c.Resolution.PollIntervalMins == 0 {
		c.Resolution.PollIntervalMins = def.Resolution.PollIntervalMins
	}
	if c.Resolution.SuccessCooldownMins == 0 {
		c.Resolution.SuccessCooldownMins = def.Resolution.SuccessCooldownMins
	}
	if len(c.Resolution.FailureBackoffMins) == 0 {
		c.Resolution.FailureBackoffMins = def.Resolution.FailureBackoffMins
	}
	if c.Resolution.BatchSize == 0 {
		c.Resolution.BatchSize = def.Resolution.BatchSize
	}

	if c.Metadata.BackfillIntervalMins == 0 {
		c.Metadata.BackfillIntervalMins = def.Metadata.BackfillIntervalMins
	}
	if c.Metadata.BatchSize == 0 {
		c.Metadata.BatchSize = def.Metadata.BatchSize
	}

	if c.API.CLOBBase == "" {
		c.API.CLOBBase = def.API.CLOBBase
	}
	if c.API.GammaBase == "" {
		c.API.GammaBase = def.API.GammaBase
	}
	if c.API.DataAPIBase == "" {
		c.API.DataAPIBase = def.API.DataAPIBase
	}
	if c.API.MarketWSURL == "" {
		c.API.MarketWSURL = def.API.MarketWSURL
	}
	if c.API.RateLimitPerSec == 0 {
		c.API.RateLimitPerSec = def.API.RateLimitPerSec
	}
	if c.API.RateLimitBurst == 0 {
		c.API.RateLimitBurst = def.API.RateLimitBurst
	}

	if c.Cache.SummaryTTLSecs == 0 {
		c.Cache.SummaryTTLSecs = def.Cache.SummaryTTLSecs
	}
	if c.Cache.PositionsTTLSecs == 0 {
		c.Cache.PositionsTTLSecs = def.Cache.PositionsTTLSecs
	}

	if c.Archive.Prefix == "" {
		c.Archive.Prefix = def.Archive.Prefix
	}
	if c.Archive.Region == "" {
		c.Archive.Region = def.Archive.Region
	}
	if c.Archive.RetentionDays == 0 {
		c.Archive.RetentionDays = def.Archive.RetentionDays
	}
	if c.Archive.IntervalHours == 0 {
		c.Archive.IntervalHours = def.Archive.IntervalHours
	}
}

func (c *Config) validate() error {
	switch c.Paper.Sizing {
	case SizingFixedNotional, SizingMatchTarget:
	default:
		return fmt.Errorf("unknown paper sizing %q (want %s or %s)",
			c.Paper.Sizing, SizingFixedNotional, SizingMatchTarget)
	}
	if c.Paper.NotionalUSD <= 0 {
		return fmt.Errorf("paper notional must be positive, got %v", c.Paper.NotionalUSD)
	}
	return nil
}
