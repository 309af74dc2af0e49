package reader

import (
	"testing"

	"bookflow/models"
)

func TestBuildEndpoint(t *testing.T) {
	got := BuildEndpoint("$URL/orders/$TOKEN-USDT", "https://tradeogre.com/api/v1", "XMR")
	want := "https://tradeogre.com/api/v1/orders/XMR-USDT"
	if got != want {
		t.Errorf("BuildEndpoint = %q, want %q", got, want)
	}
}

func TestBooks(t *testing.T) {
	b := NewBooks()

	set := models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 100.5, Size: 0.1}},
		[]models.PriceLevel{{Price: 99, Size: 0.2}},
	)
	b.Set("BTC", set)

	got, ok := b.Get("BTC")
	if !ok || len(got.Asks) != 1 || got.Asks[0].Price != 100.5 {
		t.Fatalf("unexpected book: %+v ok=%v", got, ok)
	}

	if _, ok := b.Get("ETH"); ok {
		t.Fatalf("unexpected book for unknown token")
	}

	b.Delete("BTC")
	if _, ok := b.Get("BTC"); ok {
		t.Fatalf("book survived deletion")
	}

	b.Set("BTC", set)
	b.Set("ETH", set)
	b.Clear()
	if _, ok := b.Get("BTC"); ok {
		t.Fatalf("book survived clear")
	}
}
