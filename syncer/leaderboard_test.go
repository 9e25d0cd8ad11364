package syncer

import (
	"context"
	"errors"
	"testing"

	"polymarket-papertrader/api"
	"polymarket-papertrader/config"
	"polymarket-papertrader/storage"
)

const (
	seedWalletA = "0x00000000000000000000000000000000000000aa"
	seedWalletB = "0x00000000000000000000000000000000000000bb"
)

func TestSeedManualWalletsWin(t *testing.T) {
	client := api.NewMockDataClient()
	store := storage.NewMockStore()
	cfg := config.DetectionConfig{
		Wallets:    []string{seedWalletA, "not-an-address"},
		Categories: []string{"OVERALL"},
	}
	s := NewWalletSeeder(client, store, cfg)

	n, err := s.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Seed() = %d, want 1 (invalid address skipped)", n)
	}

	wallet, ok := store.Wallets[seedWalletA]
	if !ok {
		t.Fatal("configured wallet was not upserted")
	}
	if wallet.Source != "manual" {
		t.Errorf("Source = %q, want manual", wallet.Source)
	}
	if client.Calls["GetLeaderboard"] != 0 {
		t.Error("leaderboard consulted despite manual wallet list")
	}
}

func TestSeedFromLeaderboard(t *testing.T) {
	client := api.NewMockDataClient()
	client.Leaderboard = []api.LeaderboardEntry{
		{ProxyWallet: seedWalletA, UserName: " trader-one ", PnL: 1200, Vol: 50000},
		{Address: seedWalletB, UserName: "trader-two", PnL: 800, Vol: 30000},
	}
	store := storage.NewMockStore()
	cfg := config.DetectionConfig{
		Categories:  []string{"OVERALL", "POLITICS"},
		TimePeriod:  "30d",
		OrderBy:     "PNL",
		WalletLimit: 10,
	}
	s := NewWalletSeeder(client, store, cfg)

	n, err := s.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	// Both categories return the same two entries; dedupe keeps two wallets.
	if n != 2 {
		t.Errorf("Seed() = %d, want 2", n)
	}

	wallet := store.Wallets[seedWalletA]
	if wallet.Source != "leaderboard:OVERALL" {
		t.Errorf("Source = %q, want leaderboard:OVERALL (first category wins)", wallet.Source)
	}
	if wallet.Alias != "trader-one" {
		t.Errorf("Alias = %q, want trimmed user name", wallet.Alias)
	}
	if wallet.LeaderboardPnL != 1200 {
		t.Errorf("LeaderboardPnL = %v, want 1200", wallet.LeaderboardPnL)
	}
}

func TestSeedSurvivesCategoryFailure(t *testing.T) {
	client := api.NewMockDataClient()
	client.Leaderboard = []api.LeaderboardEntry{
		{ProxyWallet: seedWalletA, UserName: "trader-one"},
	}
	client.ErrorOnNext["GetLeaderboard"] = errors.New("service unavailable")
	store := storage.NewMockStore()
	cfg := config.DetectionConfig{
		Categories: []string{"OVERALL", "POLITICS"},
	}
	s := NewWalletSeeder(client, store, cfg)

	n, err := s.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	// First category fails, second succeeds.
	if n != 1 {
		t.Errorf("Seed() = %d, want 1", n)
	}
}
