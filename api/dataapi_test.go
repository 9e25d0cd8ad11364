package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polymarket-papertrader/models"
)

func TestNumericUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    float64
		wantErr bool
	}{
		{"number", `12.5`, 12.5, false},
		{"quoted number", `"12.5"`, 12.5, false},
		{"integer", `3`, 3, false},
		{"null", `null`, 0, false},
		{"empty string", `""`, 0, false},
		{"garbage", `"abc"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Numeric
			err := json.Unmarshal([]byte(tt.raw), &n)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n.Float64() != tt.want {
				t.Errorf("Numeric = %v, want %v", n.Float64(), tt.want)
			}
		})
	}
}

func TestDataTradeToTradeEvent(t *testing.T) {
	detectedAt := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)

	t.Run("uses usdcSize for cost", func(t *testing.T) {
		trade := DataTrade{
			ProxyWallet:     "0xABCDEF",
			Type:            "TRADE",
			Side:            "buy",
			Asset:           "tok1",
			Size:            200,
			UsdcSize:        101.5,
			Price:           0.5,
			Timestamp:       1748779200,
			TransactionHash: "0xDEADBEEF",
		}

		event := trade.ToTradeEvent(detectedAt)
		if event.Wallet != "0xabcdef" {
			t.Errorf("Wallet = %q, want lowercased 0xabcdef", event.Wallet)
		}
		if event.TxHash != "0xdeadbeef" {
			t.Errorf("TxHash = %q, want lowercased 0xdeadbeef", event.TxHash)
		}
		if event.Side != models.SideBuy {
			t.Errorf("Side = %q, want BUY", event.Side)
		}
		if event.CostUSD != 101.5 {
			t.Errorf("CostUSD = %v, want 101.5", event.CostUSD)
		}
		if !event.OnchainAt.Equal(time.Unix(1748779200, 0).UTC()) {
			t.Errorf("OnchainAt = %v", event.OnchainAt)
		}
		if !event.DetectedAt.Equal(detectedAt) {
			t.Errorf("DetectedAt = %v, want %v", event.DetectedAt, detectedAt)
		}
	})

	t.Run("falls back to size times price", func(t *testing.T) {
		trade := DataTrade{
			Side:  "SELL",
			Size:  200,
			Price: 0.25,
		}
		event := trade.ToTradeEvent(detectedAt)
		if event.CostUSD != 50 {
			t.Errorf("CostUSD = %v, want 50", event.CostUSD)
		}
		if event.Side != models.SideSell {
			t.Errorf("Side = %q, want SELL", event.Side)
		}
	})

	t.Run("fill id is stable", func(t *testing.T) {
		trade := DataTrade{Asset: "tok1", TransactionHash: "0xAAA"}
		event := trade.ToTradeEvent(detectedAt)
		if event.FillID() != "0xaaa:tok1" {
			t.Errorf("FillID = %q, want 0xaaa:tok1", event.FillID())
		}
	})
}

func TestDataTradeIsTrade(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{"TRADE", true},
		{"trade", true},
		{"REDEEM", false},
		{"SPLIT", false},
		{"MERGE", false},
		{"", false},
	}
	for _, tt := range tests {
		trade := DataTrade{Type: tt.typ}
		if got := trade.IsTrade(); got != tt.want {
			t.Errorf("IsTrade(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestLeaderboardWalletAddress(t *testing.T) {
	tests := []struct {
		name  string
		entry LeaderboardEntry
		want  string
	}{
		{
			name:  "proxyWallet preferred",
			entry: LeaderboardEntry{ProxyWallet: "0x1", Address: "0x2", Wallet: "0x3"},
			want:  "0x1",
		},
		{
			name:  "address second",
			entry: LeaderboardEntry{Address: "0x2", Wallet: "0x3"},
			want:  "0x2",
		},
		{
			name:  "wallet last",
			entry: LeaderboardEntry{Wallet: "0x3"},
			want:  "0x3",
		},
		{
			name:  "all empty",
			entry: LeaderboardEntry{},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.WalletAddress(); got != tt.want {
				t.Errorf("WalletAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetUserActivity(t *testing.T) {
	activityJSON := `[
		{"proxyWallet":"0xabc","type":"TRADE","side":"BUY","asset":"tok1","size":"100","usdcSize":"51.2","price":"0.512","timestamp":1748779200,"transactionHash":"0xtx1"},
		{"proxyWallet":"0xabc","type":"REDEEM","asset":"tok2","size":50,"timestamp":1748779100}
	]`

	var gotUser, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.URL.Query().Get("user")
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(activityJSON))
	}))
	defer server.Close()

	client := NewDataClient(server.URL, 1000, 10)
	trades, err := client.GetUserActivity(context.Background(), "0xABC", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotUser != "0xabc" {
		t.Errorf("user param = %q, want lowercased 0xabc", gotUser)
	}
	if gotLimit != "25" {
		t.Errorf("limit param = %q, want 25", gotLimit)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if !trades[0].IsTrade() {
		t.Error("first item should be a trade")
	}
	if trades[1].IsTrade() {
		t.Error("redeem should not count as a trade")
	}
	if trades[0].Size.Float64() != 100 {
		t.Errorf("Size = %v, want 100 (string-encoded)", trades[0].Size.Float64())
	}
	if trades[1].Size.Float64() != 50 {
		t.Errorf("Size = %v, want 50 (number-encoded)", trades[1].Size.Float64())
	}
}

func TestGetLeaderboard(t *testing.T) {
	leaderboardJSON := `[
		{"proxyWallet":"0xwhale1","userName":"whale1","pnl":"125000.5","vol":"2000000"},
		{"address":"0xwhale2","pnl":90000,"vol":1500000}
	]`

	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"category":   r.URL.Query().Get("category"),
			"timePeriod": r.URL.Query().Get("timePeriod"),
			"orderBy":    r.URL.Query().Get("orderBy"),
			"limit":      r.URL.Query().Get("limit"),
		}
		w.Write([]byte(leaderboardJSON))
	}))
	defer server.Close()

	client := NewDataClient(server.URL, 1000, 10)
	entries, err := client.GetLeaderboard(context.Background(), "OVERALL", "30d", "PNL", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotQuery["category"] != "OVERALL" || gotQuery["timePeriod"] != "30d" || gotQuery["orderBy"] != "PNL" || gotQuery["limit"] != "10" {
		t.Errorf("unexpected query params: %v", gotQuery)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].WalletAddress() != "0xwhale1" {
		t.Errorf("entry 0 wallet = %q", entries[0].WalletAddress())
	}
	if entries[1].WalletAddress() != "0xwhale2" {
		t.Errorf("entry 1 wallet = %q", entries[1].WalletAddress())
	}
	if entries[0].PnL.Float64() != 125000.5 {
		t.Errorf("PnL = %v, want 125000.5", entries[0].PnL.Float64())
	}
}
