package api

import (
	"reflect"
	"testing"
)

func collectResolutions(events *[]MarketResolvedEvent) ResolutionHandler {
	return func(event MarketResolvedEvent) {
		*events = append(*events, event)
	}
}

func TestHandleResolutionEvent(t *testing.T) {
	tests := []struct {
		name          string
		message       string
		wantCondition string
		wantTokens    []string
		wantPayouts   []float64
		wantSource    string
	}{
		{
			name: "flat payload with snake_case fields",
			message: `{
				"event_type": "market_resolved",
				"condition_id": "0xcond1",
				"clob_token_ids": ["tokYes","tokNo"],
				"resolver_raw_payouts": [1, 0]
			}`,
			wantCondition: "0xcond1",
			wantTokens:    []string{"tokYes", "tokNo"},
			wantPayouts:   []float64{1, 0},
			wantSource:    "resolver_raw_payouts",
		},
		{
			name: "camelCase fields nested under data",
			message: `{
				"type": "market_resolved",
				"data": {
					"conditionId": "0xcond2",
					"clobTokenIds": "[\"tokA\",\"tokB\"]",
					"outcomePrices": "[\"0\", \"1\"]"
				}
			}`,
			wantCondition: "0xcond2",
			wantTokens:    []string{"tokA", "tokB"},
			wantPayouts:   []float64{0, 1},
			wantSource:    "outcomePrices",
		},
		{
			name: "prefers resolver payouts over outcome prices",
			message: `{
				"event_type": "market_resolved",
				"condition_id": "0xcond3",
				"clob_token_ids": ["t1","t2"],
				"resolver_raw_payouts": ["1","0"],
				"outcomePrices": ["0.97","0.03"]
			}`,
			wantCondition: "0xcond3",
			wantTokens:    []string{"t1", "t2"},
			wantPayouts:   []float64{1, 0},
			wantSource:    "resolver_raw_payouts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []MarketResolvedEvent
			client := NewMarketWSClient("", collectResolutions(&events))

			client.handleMessage([]byte(tt.message))

			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			event := events[0]
			if event.ConditionID != tt.wantCondition {
				t.Errorf("ConditionID = %q, want %q", event.ConditionID, tt.wantCondition)
			}
			if !reflect.DeepEqual(event.TokenIDs, tt.wantTokens) {
				t.Errorf("TokenIDs = %v, want %v", event.TokenIDs, tt.wantTokens)
			}
			if !reflect.DeepEqual(event.Payouts, tt.wantPayouts) {
				t.Errorf("Payouts = %v, want %v", event.Payouts, tt.wantPayouts)
			}
			if event.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", event.Source, tt.wantSource)
			}
			if event.ReceivedAt.IsZero() {
				t.Error("ReceivedAt not set")
			}
		})
	}
}

func TestHandleResolutionEventSkips(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{
			name:    "other event type",
			message: `{"event_type":"price_change","condition_id":"0xc","clob_token_ids":["a","b"],"resolver_raw_payouts":[1,0]}`,
		},
		{
			name:    "missing condition id",
			message: `{"event_type":"market_resolved","clob_token_ids":["a","b"],"resolver_raw_payouts":[1,0]}`,
		},
		{
			name:    "missing token ids",
			message: `{"event_type":"market_resolved","condition_id":"0xc","resolver_raw_payouts":[1,0]}`,
		},
		{
			name:    "payout length mismatch",
			message: `{"event_type":"market_resolved","condition_id":"0xc","clob_token_ids":["a","b"],"resolver_raw_payouts":[1,0,0]}`,
		},
		{
			name:    "no payout fields",
			message: `{"event_type":"market_resolved","condition_id":"0xc","clob_token_ids":["a","b"]}`,
		},
		{
			name:    "not json",
			message: `ping`,
		},
		{
			name:    "empty",
			message: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []MarketResolvedEvent
			client := NewMarketWSClient("", collectResolutions(&events))

			client.handleMessage([]byte(tt.message))

			if len(events) != 0 {
				t.Errorf("got %d events, want 0", len(events))
			}
		})
	}
}

func TestHandleResolutionBatch(t *testing.T) {
	var events []MarketResolvedEvent
	client := NewMarketWSClient("", collectResolutions(&events))

	// Events can arrive batched in an array; non-resolution entries are
	// skipped without breaking the batch.
	message := `[
		{"event_type":"book","asset_id":"x"},
		{"event_type":"market_resolved","condition_id":"0xc1","clob_token_ids":["a","b"],"resolver_raw_payouts":[1,0]},
		{"event_type":"market_resolved","condition_id":"0xc2","clob_token_ids":["c","d"],"resolver_raw_payouts":[0,1]}
	]`
	client.handleMessage([]byte(message))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ConditionID != "0xc1" || events[1].ConditionID != "0xc2" {
		t.Errorf("conditions = %q, %q", events[0].ConditionID, events[1].ConditionID)
	}
}

func TestMockResolutionStream(t *testing.T) {
	var events []MarketResolvedEvent
	mock := NewMockResolutionStream(collectResolutions(&events))

	if err := mock.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mock.Connected {
		t.Error("expected Connected after Start")
	}

	mock.SimulateResolution(MarketResolvedEvent{
		ConditionID: "0xcond",
		TokenIDs:    []string{"a", "b"},
		Payouts:     []float64{1, 0},
	})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	mock.Stop()
	if mock.Connected {
		t.Error("expected disconnected after Stop")
	}
	if mock.Calls["Start"] != 1 || mock.Calls["Stop"] != 1 {
		t.Errorf("calls = %v", mock.Calls)
	}
}
