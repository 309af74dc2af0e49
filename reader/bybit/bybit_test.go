package bybit

import (
	"context"
	"testing"

	"bookflow/logger"
	"bookflow/reader"
)

func testAdapter() *Adapter {
	return &Adapter{
		name:  "Bybit",
		log:   logger.GetLogger(),
		books: reader.NewBooks(),
		polls: make(map[string]context.CancelFunc),
	}
}

func TestApplyBook(t *testing.T) {
	a := testAdapter()

	payload := []byte(`{
		"s": "BTCUSDT",
		"a": [["100.50", "0.10"], ["100.00", "0.02"]],
		"b": [["99.80", "1.5"], ["99.90", "0"]],
		"ts": 1672765737733,
		"u": 30704
	}`)
	if err := a.applyBook("BTC", payload); err != nil {
		t.Fatalf("applyBook failed: %v", err)
	}

	set, ok := a.CurrentLevels("BTC")
	if !ok {
		t.Fatal("expected book for BTC")
	}
	if len(set.Asks) != 2 || set.Asks[0].Price != 100.0 {
		t.Fatalf("unexpected asks: %+v", set.Asks)
	}
	if len(set.Bids) != 1 || set.Bids[0].Price != 99.8 {
		t.Fatalf("expected zero-size bid dropped, got %+v", set.Bids)
	}
}

func TestApplyBookMalformed(t *testing.T) {
	a := testAdapter()

	if err := a.applyBook("BTC", []byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, ok := a.CurrentLevels("BTC"); ok {
		t.Fatal("malformed payload must not populate the book")
	}
}

func TestRemoveTokenPurgesBook(t *testing.T) {
	a := testAdapter()

	if err := a.AddToken(context.Background(), "btc"); err != nil {
		t.Fatalf("AddToken failed: %v", err)
	}
	if err := a.applyBook("BTC", []byte(`{"s":"BTCUSDT","a":[["100.0","1.0"]],"b":[]}`)); err != nil {
		t.Fatalf("applyBook failed: %v", err)
	}

	if err := a.RemoveToken(context.Background(), "BTC"); err != nil {
		t.Fatalf("RemoveToken failed: %v", err)
	}
	if _, ok := a.CurrentLevels("BTC"); ok {
		t.Fatal("removed token must not keep a cached book")
	}
	if got := symbolFor("ETH"); got != "ETHUSDT" {
		t.Fatalf("unexpected symbol %q", got)
	}
}
