package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/models"
	"bookflow/reader"
	"bookflow/store"
)

type stubAdapter struct {
	mu     sync.Mutex
	name   string
	books  map[string]models.PriceLevelSet
	tokens []string
}

func newStubAdapter(name string) *stubAdapter {
	return &stubAdapter{name: name, books: make(map[string]models.PriceLevelSet)}
}

func (s *stubAdapter) Name() string               { return s.name }
func (s *stubAdapter) Kind() models.TransportKind { return models.KindHTTP }

func (s *stubAdapter) Connect(ctx context.Context) (<-chan error, error) {
	return make(chan error, 1), nil
}

func (s *stubAdapter) Disconnect() {}

func (s *stubAdapter) Ping(ctx context.Context) error { return nil }

func (s *stubAdapter) AddToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *stubAdapter) RemoveToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tokens {
		if t == token {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			break
		}
	}
	delete(s.books, token)
	return nil
}

func (s *stubAdapter) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *stubAdapter) CurrentLevels(token string) (models.PriceLevelSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.books[token]
	return set, ok
}

func (s *stubAdapter) setBook(token string, set models.PriceLevelSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[token] = set
}

func testRegistry(t *testing.T) (*Registry, *channel.Channels) {
	t.Helper()

	cfg := &appconfig.Config{}
	cfg.Aggregator.ThresholdUSDT = 5.0
	cfg.Aggregator.TickInterval = time.Second
	cfg.Aggregator.PairThrottle = time.Second

	ch := channel.NewChannels(16)
	r := NewRegistry(cfg, ch, store.NewMemory())
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	return r, ch
}

func (r *Registry) addStub(stub *stubAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supervisors[exchangeKey(stub.name)] = reader.NewSupervisor(stub, models.ExchangeOptions{})
}

func readUpdate(t *testing.T, ch *channel.Channels) (models.BookUpdate, bool) {
	t.Helper()
	select {
	case update := <-ch.Updates:
		return update, true
	default:
		return models.BookUpdate{}, false
	}
}

func TestRefreshPublishesOnlyChanges(t *testing.T) {
	r, ch := testRegistry(t)
	stub := newStubAdapter("MEXC")
	stub.setBook("BTC", models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 100.00, Size: 0.02}, {Price: 100.50, Size: 0.10}},
		[]models.PriceLevel{{Price: 99.00, Size: 1.0}},
	))
	r.addStub(stub)
	r.tokens = []string{"BTC"}

	t0 := time.Now()
	r.refreshQuotes(t0)

	update, ok := readUpdate(t, ch)
	if !ok {
		t.Fatal("expected an update on the first pass")
	}
	if update.Exchange != "MEXC" || update.Token != "BTC" {
		t.Fatalf("unexpected update %+v", update)
	}
	if update.BestSell != "100.500" {
		t.Fatalf("unexpected best sell %q", update.BestSell)
	}
	if update.BestBuy != "99.0000" {
		t.Fatalf("unexpected best buy %q", update.BestBuy)
	}

	// Same data, later pass: nothing to publish.
	r.refreshQuotes(t0.Add(2 * time.Second))
	if update, ok := readUpdate(t, ch); ok {
		t.Fatalf("unchanged quote must not republish, got %+v", update)
	}
	if r.quotesSkipped == 0 {
		t.Fatal("expected skip counter to advance")
	}

	stub.setBook("BTC", models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 101.00, Size: 1.0}},
		[]models.PriceLevel{{Price: 99.00, Size: 1.0}},
	))
	r.refreshQuotes(t0.Add(4 * time.Second))
	update, ok = readUpdate(t, ch)
	if !ok {
		t.Fatal("expected an update after the book changed")
	}
	if update.BestSell != "101.000" {
		t.Fatalf("unexpected best sell %q", update.BestSell)
	}
}

func TestRefreshSentinelRowsDoNotPublish(t *testing.T) {
	r, ch := testRegistry(t)
	stub := newStubAdapter("MEXC")
	r.addStub(stub)
	r.tokens = []string{"BTC"}

	// No book at all: the grid gets a sentinel row, subscribers get nothing.
	r.refreshQuotes(time.Now())
	if update, ok := readUpdate(t, ch); ok {
		t.Fatalf("sentinel row must not publish, got %+v", update)
	}
	cell, ok := r.Snapshot()["BTC"]["MEXC"]
	if !ok {
		t.Fatal("expected sentinel row in the snapshot")
	}
	if cell.BestSell != models.PriceUnavailable || cell.BestBuy != models.PriceUnavailable {
		t.Fatalf("unexpected cell %+v", cell)
	}
	if r.quotesFailed != 1 {
		t.Fatalf("expected 1 failed quote, got %d", r.quotesFailed)
	}

	// Once a usable book appears the pair publishes normally.
	stub.setBook("BTC", models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 100.0, Size: 1.0}},
		[]models.PriceLevel{{Price: 99.0, Size: 1.0}},
	))
	r.refreshQuotes(time.Now().Add(2 * time.Second))
	if _, ok := readUpdate(t, ch); !ok {
		t.Fatal("expected update once the book recovered")
	}
}

func TestRefreshThrottlesRapidChanges(t *testing.T) {
	r, ch := testRegistry(t)
	stub := newStubAdapter("MEXC")
	stub.setBook("BTC", models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 100.0, Size: 1.0}},
		[]models.PriceLevel{{Price: 99.0, Size: 1.0}},
	))
	r.addStub(stub)
	r.tokens = []string{"BTC"}

	t0 := time.Now()
	r.refreshQuotes(t0)
	if _, ok := readUpdate(t, ch); !ok {
		t.Fatal("expected initial update")
	}

	stub.setBook("BTC", models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 102.0, Size: 1.0}},
		[]models.PriceLevel{{Price: 99.0, Size: 1.0}},
	))
	r.refreshQuotes(t0.Add(100 * time.Millisecond))
	if update, ok := readUpdate(t, ch); ok {
		t.Fatalf("throttled pair must not publish, got %+v", update)
	}
	if r.quotesThrottled != 1 {
		t.Fatalf("expected 1 throttled quote, got %d", r.quotesThrottled)
	}

	// Past the throttle window the change goes out.
	r.refreshQuotes(t0.Add(2 * time.Second))
	update, ok := readUpdate(t, ch)
	if !ok {
		t.Fatal("expected update after throttle window")
	}
	if update.BestSell != "102.000" {
		t.Fatalf("unexpected best sell %q", update.BestSell)
	}
}

func TestRemoveTokenPurgesState(t *testing.T) {
	r, ch := testRegistry(t)
	stub := newStubAdapter("MEXC")
	stub.setBook("BTC", models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 100.0, Size: 1.0}},
		[]models.PriceLevel{{Price: 99.0, Size: 1.0}},
	))
	r.addStub(stub)
	r.tokens = []string{"BTC"}

	r.refreshQuotes(time.Now())
	if _, ok := readUpdate(t, ch); !ok {
		t.Fatal("expected initial update")
	}

	if err := r.RemoveToken(context.Background(), "btc"); err != nil {
		t.Fatalf("RemoveToken failed: %v", err)
	}

	if len(r.Tokens()) != 0 {
		t.Fatalf("unexpected tokens %v", r.Tokens())
	}
	if _, ok := r.Snapshot()["BTC"]; ok {
		t.Fatal("removed token must not remain in the snapshot")
	}
	if _, ok := stub.CurrentLevels("BTC"); ok {
		t.Fatal("removed token must not keep an adapter book")
	}
	if err := r.RemoveToken(context.Background(), "BTC"); err != ErrTokenNotFound {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestAddTokenSubscribesEverywhere(t *testing.T) {
	r, _ := testRegistry(t)
	mexc := newStubAdapter("MEXC")
	coinex := newStubAdapter("CoinEx")
	r.addStub(mexc)
	r.addStub(coinex)

	if err := r.AddToken(context.Background(), " doge "); err != nil {
		t.Fatalf("AddToken failed: %v", err)
	}
	if tokens := r.Tokens(); len(tokens) != 1 || tokens[0] != "DOGE" {
		t.Fatalf("unexpected tokens %v", tokens)
	}
	for _, stub := range []*stubAdapter{mexc, coinex} {
		if tokens := stub.Tokens(); len(tokens) != 1 || tokens[0] != "DOGE" {
			t.Fatalf("adapter %s missing token: %v", stub.Name(), tokens)
		}
	}

	if err := r.AddToken(context.Background(), "DOGE"); err != ErrTokenExists {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}
}

func TestRemoveExchangePurgesColumn(t *testing.T) {
	r, ch := testRegistry(t)
	mexc := newStubAdapter("MEXC")
	coinex := newStubAdapter("CoinEx")
	book := models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 100.0, Size: 1.0}},
		[]models.PriceLevel{{Price: 99.0, Size: 1.0}},
	)
	mexc.setBook("BTC", book)
	coinex.setBook("BTC", book)
	r.addStub(mexc)
	r.addStub(coinex)
	r.tokens = []string{"BTC"}

	r.refreshQuotes(time.Now())
	for i := 0; i < 2; i++ {
		if _, ok := readUpdate(t, ch); !ok {
			t.Fatalf("expected update %d", i)
		}
	}

	if err := r.RemoveExchange(context.Background(), "MEXC"); err != nil {
		t.Fatalf("RemoveExchange failed: %v", err)
	}
	if names := r.ExchangeNames(); len(names) != 1 || names[0] != "CoinEx" {
		t.Fatalf("unexpected exchanges %v", names)
	}
	if _, ok := r.Snapshot()["BTC"]["MEXC"]; ok {
		t.Fatal("removed exchange must not remain in the snapshot")
	}
	if err := r.RemoveExchange(context.Background(), "mexc"); err != ErrExchangeNotFound {
		t.Fatalf("expected ErrExchangeNotFound, got %v", err)
	}
}

func TestDepthLookups(t *testing.T) {
	r, _ := testRegistry(t)
	stub := newStubAdapter("MEXC")
	stub.setBook("BTC", models.NewPriceLevelSet(
		[]models.PriceLevel{{Price: 100.0, Size: 1.0}},
		nil,
	))
	r.addStub(stub)

	if _, err := r.Depth("BTC", "kraken"); err != ErrExchangeNotFound {
		t.Fatalf("expected ErrExchangeNotFound, got %v", err)
	}
	if _, err := r.Depth("ETH", "mexc"); err != ErrBookNotFound {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
	set, err := r.Depth("btc", "MEXC")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if len(set.Asks) != 1 || set.Asks[0].Price != 100.0 {
		t.Fatalf("unexpected depth %+v", set)
	}
}

func TestNewAdapterSelection(t *testing.T) {
	a, err := NewAdapter(models.ExchangeDescriptor{Name: "MEXC", URL: "wss://wbs.mexc.com/raw/ws"})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	if a.Name() != "MEXC" || a.Kind() != models.KindWebsocket {
		t.Fatalf("unexpected adapter %s/%s", a.Name(), a.Kind())
	}

	if _, err := NewAdapter(models.ExchangeDescriptor{Name: "kraken"}); err == nil {
		t.Fatal("expected error for unknown exchange")
	}
}
