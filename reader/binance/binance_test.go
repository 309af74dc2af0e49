package binance

import (
	"context"
	"testing"

	sdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/reader"
)

func testAdapter() *Adapter {
	return &Adapter{
		name:  "Binance",
		log:   logger.GetLogger(),
		books: reader.NewBooks(),
		polls: make(map[string]context.CancelFunc),
	}
}

func TestApplyDepth(t *testing.T) {
	a := testAdapter()

	a.applyDepth("BTC", &sdk.DepthResponse{
		LastUpdateID: 42,
		Asks: []common.PriceLevel{
			{Price: "100.50", Quantity: "0.10"},
			{Price: "100.00", Quantity: "0.02"},
		},
		Bids: []common.PriceLevel{
			{Price: "99.80", Quantity: "1.5"},
			{Price: "99.90", Quantity: "0"},
			{Price: "bogus", Quantity: "1.0"},
		},
	})

	set, ok := a.CurrentLevels("btc")
	if !ok {
		t.Fatal("expected book for BTC")
	}
	if len(set.Asks) != 2 || set.Asks[0].Price != 100.0 || set.Asks[1].Price != 100.5 {
		t.Fatalf("unexpected asks: %+v", set.Asks)
	}
	if len(set.Bids) != 1 || set.Bids[0].Price != 99.8 {
		t.Fatalf("expected zero-size and unparseable bids dropped, got %+v", set.Bids)
	}
}

func TestSymbolFor(t *testing.T) {
	if got := symbolFor("BTC"); got != "BTCUSDT" {
		t.Fatalf("unexpected symbol %q", got)
	}
}

func TestTokenBookkeeping(t *testing.T) {
	a := testAdapter()

	if err := a.AddToken(context.Background(), " btc "); err != nil {
		t.Fatalf("AddToken failed: %v", err)
	}
	if err := a.AddToken(context.Background(), "BTC"); err != nil {
		t.Fatalf("duplicate AddToken failed: %v", err)
	}
	if tokens := a.Tokens(); len(tokens) != 1 || tokens[0] != "BTC" {
		t.Fatalf("unexpected tokens %v", tokens)
	}

	a.applyDepth("BTC", &sdk.DepthResponse{
		Asks: []common.PriceLevel{{Price: "100.0", Quantity: "1.0"}},
	})
	if err := a.RemoveToken(context.Background(), "btc"); err != nil {
		t.Fatalf("RemoveToken failed: %v", err)
	}
	if _, ok := a.CurrentLevels("BTC"); ok {
		t.Fatal("removed token must not keep a cached book")
	}
	if len(a.Tokens()) != 0 {
		t.Fatalf("unexpected tokens %v", a.Tokens())
	}
}

func TestNewAppliesEndpointOverride(t *testing.T) {
	a := New(models.ExchangeDescriptor{
		Name: "Binance",
		URL:  "https://testnet.binance.vision",
		Kind: models.KindHTTP,
	})
	if a.client.BaseURL != "https://testnet.binance.vision" {
		t.Fatalf("unexpected base url %q", a.client.BaseURL)
	}
}
