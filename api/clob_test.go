package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOrderBookToSnapshot(t *testing.T) {
	capturedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("sorts bids descending and asks ascending", func(t *testing.T) {
		// The CLOB returns levels best-last; the snapshot contract is
		// best-first on both sides.
		book := &OrderBook{
			AssetID: "tok1",
			Bids: []OrderBookLevel{
				{Price: "0.40", Size: "10"},
				{Price: "0.48", Size: "20"},
				{Price: "0.45", Size: "30"},
			},
			Asks: []OrderBookLevel{
				{Price: "0.60", Size: "10"},
				{Price: "0.52", Size: "20"},
				{Price: "0.55", Size: "30"},
			},
		}

		snap, err := book.ToSnapshot("tok1", capturedAt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		wantBids := []float64{0.48, 0.45, 0.40}
		for i, want := range wantBids {
			if snap.Bids[i].Price != want {
				t.Errorf("bid[%d].Price = %v, want %v", i, snap.Bids[i].Price, want)
			}
		}
		wantAsks := []float64{0.52, 0.55, 0.60}
		for i, want := range wantAsks {
			if snap.Asks[i].Price != want {
				t.Errorf("ask[%d].Price = %v, want %v", i, snap.Asks[i].Price, want)
			}
		}

		if best, _ := snap.BestBid(); best != 0.48 {
			t.Errorf("BestBid = %v, want 0.48", best)
		}
		if best, _ := snap.BestAsk(); best != 0.52 {
			t.Errorf("BestAsk = %v, want 0.52", best)
		}
	})

	t.Run("empty sides are allowed", func(t *testing.T) {
		book := &OrderBook{AssetID: "tok1"}
		snap, err := book.ToSnapshot("tok1", capturedAt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
			t.Errorf("expected empty book, got %d bids %d asks", len(snap.Bids), len(snap.Asks))
		}
	})

	t.Run("zero size level is kept", func(t *testing.T) {
		book := &OrderBook{
			Asks: []OrderBookLevel{{Price: "0.50", Size: "0"}},
		}
		snap, err := book.ToSnapshot("tok1", capturedAt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(snap.Asks) != 1 || snap.Asks[0].Size != 0 {
			t.Errorf("zero-size level dropped: %+v", snap.Asks)
		}
	})

	t.Run("falls back to requested token id", func(t *testing.T) {
		book := &OrderBook{}
		snap, err := book.ToSnapshot("tok-requested", capturedAt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.TokenID != "tok-requested" {
			t.Errorf("TokenID = %q, want tok-requested", snap.TokenID)
		}
		if !snap.CapturedAt.Equal(capturedAt) {
			t.Errorf("CapturedAt = %v, want %v", snap.CapturedAt, capturedAt)
		}
	})

	invalid := []struct {
		name string
		book OrderBook
	}{
		{
			name: "zero price",
			book: OrderBook{Bids: []OrderBookLevel{{Price: "0", Size: "10"}}},
		},
		{
			name: "negative price",
			book: OrderBook{Asks: []OrderBookLevel{{Price: "-0.1", Size: "10"}}},
		},
		{
			name: "negative size",
			book: OrderBook{Bids: []OrderBookLevel{{Price: "0.5", Size: "-1"}}},
		},
		{
			name: "unparseable price",
			book: OrderBook{Asks: []OrderBookLevel{{Price: "abc", Size: "10"}}},
		},
		{
			name: "unparseable size",
			book: OrderBook{Bids: []OrderBookLevel{{Price: "0.5", Size: ""}}},
		},
	}
	for _, tt := range invalid {
		t.Run(tt.name+" rejected", func(t *testing.T) {
			if _, err := tt.book.ToSnapshot("tok1", capturedAt); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestFetchBookRetries(t *testing.T) {
	t.Run("retries 500 then succeeds", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				http.Error(w, "upstream blew up", http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"asset_id":"tok1","bids":[{"price":"0.49","size":"100"}],"asks":[{"price":"0.51","size":"100"}]}`))
		}))
		defer server.Close()

		client := NewClobClient(server.URL, 1000, 10)
		client.SetRetryPolicy(2, time.Millisecond)

		fetch, err := client.FetchBook(context.Background(), "tok1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fetch.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", fetch.Attempts)
		}
		if got := atomic.LoadInt32(&calls); got != 2 {
			t.Errorf("server calls = %d, want 2", got)
		}
		if fetch.Snapshot == nil || len(fetch.Snapshot.Asks) != 1 {
			t.Fatalf("bad snapshot: %+v", fetch.Snapshot)
		}
		if fetch.RespondedAt.Before(fetch.RequestedAt) {
			t.Error("RespondedAt before RequestedAt")
		}
	})

	t.Run("gives up after retries exhausted", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "still down", http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewClobClient(server.URL, 1000, 10)
		client.SetRetryPolicy(2, time.Millisecond)

		_, err := client.FetchBook(context.Background(), "tok1")
		if err == nil {
			t.Fatal("expected error")
		}
		if got := atomic.LoadInt32(&calls); got != 3 {
			t.Errorf("server calls = %d, want 3 (initial + 2 retries)", got)
		}
		if StatusCode(err) != http.StatusBadGateway {
			t.Errorf("StatusCode = %d, want 502", StatusCode(err))
		}
	})

	t.Run("does not retry 404", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "no such book", http.StatusNotFound)
		}))
		defer server.Close()

		client := NewClobClient(server.URL, 1000, 10)
		client.SetRetryPolicy(3, time.Millisecond)

		_, err := client.FetchBook(context.Background(), "tok1")
		if err == nil {
			t.Fatal("expected error")
		}
		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Errorf("server calls = %d, want 1", got)
		}
		if StatusCode(err) != http.StatusNotFound {
			t.Errorf("StatusCode = %d, want 404", StatusCode(err))
		}
	})

	t.Run("retries 429", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(`{"bids":[],"asks":[]}`))
		}))
		defer server.Close()

		client := NewClobClient(server.URL, 1000, 10)
		client.SetRetryPolicy(1, time.Millisecond)

		fetch, err := client.FetchBook(context.Background(), "tok1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fetch.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", fetch.Attempts)
		}
	})
}

func TestGetOrderBookQuery(t *testing.T) {
	var gotTokenID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTokenID = r.URL.Query().Get("token_id")
		w.Write([]byte(`{"market":"0xcond","asset_id":"tok1","bids":[{"price":"0.10","size":"5"}],"asks":[]}`))
	}))
	defer server.Close()

	client := NewClobClient(server.URL, 1000, 10)
	book, err := client.GetOrderBook(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTokenID != "tok1" {
		t.Errorf("token_id param = %q, want tok1", gotTokenID)
	}
	if book.Market != "0xcond" {
		t.Errorf("Market = %q, want 0xcond", book.Market)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != "0.10" {
		t.Errorf("unexpected bids: %+v", book.Bids)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil error", nil, 0},
		{"plain error", context.Canceled, 0},
		{"status error", &statusError{status: 429, body: "slow down"}, 429},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMockClobClient(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClobClient()

	t.Run("default book", func(t *testing.T) {
		fetch, err := mock.FetchBook(ctx, "tok1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(fetch.Snapshot.Asks) != 1 || fetch.Snapshot.Asks[0].Price != 0.50 {
			t.Errorf("unexpected default asks: %+v", fetch.Snapshot.Asks)
		}
	})

	t.Run("per-token override", func(t *testing.T) {
		mock.Books["tok2"] = &OrderBook{
			Asks: []OrderBookLevel{{Price: "0.90", Size: "50"}},
		}
		fetch, err := mock.FetchBook(ctx, "tok2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fetch.Snapshot.Asks[0].Price != 0.90 {
			t.Errorf("override not used: %+v", fetch.Snapshot.Asks)
		}
	})

	t.Run("error injection clears after one call", func(t *testing.T) {
		mock.ErrorOnNext["FetchBook"] = errTest
		if _, err := mock.FetchBook(ctx, "tok1"); err != errTest {
			t.Errorf("expected injected error, got %v", err)
		}
		if _, err := mock.FetchBook(ctx, "tok1"); err != nil {
			t.Errorf("second call should succeed, got %v", err)
		}
	})

	t.Run("call tracking", func(t *testing.T) {
		before := mock.Calls["FetchBook"]
		mock.FetchBook(ctx, "a")
		mock.FetchBook(ctx, "b")
		if mock.Calls["FetchBook"] != before+2 {
			t.Errorf("expected %d calls, got %d", before+2, mock.Calls["FetchBook"])
		}
	})
}

var errTest = &testError{"test error"}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
