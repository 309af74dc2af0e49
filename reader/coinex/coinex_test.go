package coinex

import (
	"strings"
	"testing"

	"bookflow/logger"
	"bookflow/reader"
)

func testAdapter() *Adapter {
	return &Adapter{
		name:  "CoinEx",
		log:   logger.GetLogger(),
		books: reader.NewBooks(),
	}
}

func TestHandleDepthUpdate(t *testing.T) {
	a := testAdapter()
	log := a.log.WithComponent("coinex_feed")

	raw := []byte(`{"method":"depth.update","params":["BTCUSDT",{"asks":[["100.50","0.10"]],"bids":[["99.00","0.20"]]}],"id":null}`)
	a.handleMessage(raw, log)

	set, ok := a.CurrentLevels("BTC")
	if !ok {
		t.Fatal("no book cached after depth update")
	}
	if len(set.Asks) != 1 || set.Asks[0].Price != 100.50 {
		t.Fatalf("unexpected asks: %+v", set.Asks)
	}
}

func TestHandleDepthUpdateIgnoresPartialFrames(t *testing.T) {
	a := testAdapter()
	log := a.log.WithComponent("coinex_feed")

	a.handleMessage([]byte(`{"method":"depth.update","params":["BTCUSDT",{"asks":[["100.50","0.10"]],"bids":[]}]}`), log)
	if _, ok := a.CurrentLevels("BTC"); ok {
		t.Fatal("one sided frame must not replace the book")
	}

	a.handleMessage([]byte(`{"method":"depth.subscribe","params":[],"id":1}`), log)
	a.handleMessage([]byte(`garbage`), log)
}

func TestApplySnapshot(t *testing.T) {
	a := testAdapter()

	body := strings.NewReader(`{"code":0,"data":{"asks":[["101.00","0.30"]],"bids":[["100.00","0.40"]]}}`)
	if err := a.applySnapshot("BTC", body); err != nil {
		t.Fatalf("applySnapshot failed: %v", err)
	}

	set, ok := a.CurrentLevels("BTC")
	if !ok || len(set.Bids) != 1 || set.Bids[0].Price != 100.00 {
		t.Fatalf("unexpected book: %+v ok=%v", set, ok)
	}
}

func TestApplySnapshotRejected(t *testing.T) {
	a := testAdapter()

	body := strings.NewReader(`{"code":23,"message":"market not found"}`)
	if err := a.applySnapshot("BTC", body); err == nil {
		t.Fatal("expected error for non-zero code")
	}
	if _, ok := a.CurrentLevels("BTC"); ok {
		t.Fatal("rejected snapshot must not touch the cache")
	}
}
