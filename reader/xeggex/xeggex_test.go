package xeggex

import (
	"testing"

	"bookflow/logger"
	"bookflow/reader"
)

func testAdapter() *Adapter {
	return &Adapter{
		name:  "Xeggex",
		log:   logger.GetLogger(),
		books: reader.NewBooks(),
	}
}

func TestSnapshotThenUpdate(t *testing.T) {
	a := testAdapter()
	log := a.log.WithComponent("xeggex_feed")

	snapshot := []byte(`{"jsonrpc":"2.0","method":"snapshotOrderbook","params":{"symbol":"XMR/USDT","asks":[["150.10","0.50"],["150.20","1.00"]],"bids":[["149.90","0.80"]]}}`)
	a.handleMessage(snapshot, log)

	set, ok := a.CurrentLevels("XMR")
	if !ok || len(set.Asks) != 2 || len(set.Bids) != 1 {
		t.Fatalf("unexpected book after snapshot: %+v ok=%v", set, ok)
	}

	// An update with only asks must leave the bids untouched.
	update := []byte(`{"jsonrpc":"2.0","method":"orderbookUpdate","params":{"symbol":"XMR/USDT","asks":[{"price":"150.00","quantity":"0.25"}],"bids":[]}}`)
	a.handleMessage(update, log)

	set, _ = a.CurrentLevels("XMR")
	if len(set.Asks) != 1 || set.Asks[0].Price != 150.00 {
		t.Fatalf("asks not replaced: %+v", set.Asks)
	}
	if len(set.Bids) != 1 || set.Bids[0].Price != 149.90 {
		t.Fatalf("bids should be untouched: %+v", set.Bids)
	}
}

func TestUpdateForUnknownSymbolIgnored(t *testing.T) {
	a := testAdapter()
	log := a.log.WithComponent("xeggex_feed")

	update := []byte(`{"jsonrpc":"2.0","method":"orderbookUpdate","params":{"symbol":"SOL/USDT","asks":[["30.00","1.00"]],"bids":[["29.90","1.00"]]}}`)
	a.handleMessage(update, log)

	if _, ok := a.CurrentLevels("SOL"); ok {
		t.Fatal("update without snapshot must not create a book")
	}
}

func TestResultAndGarbageIgnored(t *testing.T) {
	a := testAdapter()
	log := a.log.WithComponent("xeggex_feed")

	a.handleMessage([]byte(`{"jsonrpc":"2.0","result":true,"id":1}`), log)
	a.handleMessage([]byte(`definitely not json`), log)

	if _, ok := a.CurrentLevels("XMR"); ok {
		t.Fatal("non-book frames must not create books")
	}
}

func TestSymbolMapping(t *testing.T) {
	if symbolFor("XMR") != "XMR/USDT" {
		t.Errorf("unexpected symbol: %s", symbolFor("XMR"))
	}
	if tokenFromSymbol("XMR/USDT") != "XMR" {
		t.Errorf("unexpected token: %s", tokenFromSymbol("XMR/USDT"))
	}
}
