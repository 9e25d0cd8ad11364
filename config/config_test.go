package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "papertrader.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Paper.Sizing != SizingFixedNotional {
		t.Errorf("Sizing = %q, want %q", cfg.Paper.Sizing, SizingFixedNotional)
	}
	if cfg.Paper.NotionalUSD != 100.0 {
		t.Errorf("NotionalUSD = %v, want 100", cfg.Paper.NotionalUSD)
	}
}

func TestLoadOverridesAndBackfillsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
paper:
  sizing: match_target_size
detection:
  poll_interval_ms: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Paper.Sizing != SizingMatchTarget {
		t.Errorf("Sizing = %q, want %q", cfg.Paper.Sizing, SizingMatchTarget)
	}
	if cfg.Detection.PollIntervalMS != 500 {
		t.Errorf("PollIntervalMS = %d, want 500", cfg.Detection.PollIntervalMS)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.ReadTimeoutMS != 10000 {
		t.Errorf("ReadTimeoutMS = %d, want default 10000", cfg.Server.ReadTimeoutMS)
	}
	if cfg.API.CLOBBase == "" {
		t.Error("CLOBBase default missing")
	}
	if len(cfg.Resolution.FailureBackoffMins) == 0 {
		t.Error("FailureBackoffMins default missing")
	}
}

func TestLoadRejectsBadSizing(t *testing.T) {
	path := writeConfig(t, `
paper:
  sizing: exact_shares
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown sizing policy")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
