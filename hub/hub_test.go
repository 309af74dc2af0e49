package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"bookflow/models"
	"bookflow/processor"
)

type stubRegistry struct {
	mu            sync.Mutex
	tokens        []string
	exchanges     []string
	addedTokens   []string
	removedTokens []string
	addedEx       []models.ExchangeDescriptor
	removedEx     []string
	refreshes     int
	clears        int
	depth         map[string]models.PriceLevelSet
	failWith      error
}

func (s *stubRegistry) key(token, exchange string) string {
	return fmt.Sprintf("%s|%s", token, exchange)
}

func (s *stubRegistry) Tokens() []string        { return s.tokens }
func (s *stubRegistry) ExchangeNames() []string { return s.exchanges }

func (s *stubRegistry) AddToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.addedTokens = append(s.addedTokens, token)
	return nil
}

func (s *stubRegistry) RemoveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.removedTokens = append(s.removedTokens, token)
	return nil
}

func (s *stubRegistry) AddExchange(_ context.Context, d models.ExchangeDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.addedEx = append(s.addedEx, d)
	return nil
}

func (s *stubRegistry) RemoveExchange(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.removedEx = append(s.removedEx, name)
	return nil
}

func (s *stubRegistry) Snapshot() map[string]map[string]models.Quote {
	return map[string]map[string]models.Quote{}
}

func (s *stubRegistry) BooksSnapshot() map[string]map[string]models.PriceLevelSet {
	return map[string]map[string]models.PriceLevelSet{}
}

func (s *stubRegistry) Depth(token, exchange string) (models.PriceLevelSet, error) {
	set, ok := s.depth[s.key(token, exchange)]
	if !ok {
		return models.PriceLevelSet{}, processor.ErrBookNotFound
	}
	return set, nil
}

func (s *stubRegistry) Refresh() {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
}

func (s *stubRegistry) Clear() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *stubRegistry) GetStats() map[string]interface{} {
	return map[string]interface{}{"running": true}
}

func testClient(h *Hub, reg Registry, id string) *Client {
	c := newClient(context.Background(), h, reg, nil, id)
	h.Register(c)
	return c
}

func nextFrame(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.send:
		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("frame is not valid JSON: %v", err)
		}
		return decoded
	default:
		t.Fatalf("expected a queued frame for client %s, got none", c.id)
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("expected no frame for client %s, got %s", c.id, data)
	default:
	}
}

func TestPublishUpdateRespectsFilters(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)

	all := testClient(h, reg, "all")
	btcOnly := testClient(h, reg, "btc")
	btcOnly.applySubscription([]string{"BTC"}, nil)
	mexcOnly := testClient(h, reg, "mexc")
	mexcOnly.applySubscription(nil, []string{"MEXC"})

	h.publishUpdate(models.BookUpdate{Exchange: "CoinEx", Token: "ETH", BestSell: "100.500", BestBuy: "99.0000"})

	frame := nextFrame(t, all)
	if frame["type"] != "orderbook_update" || frame["token"] != "ETH" || frame["exchange"] != "CoinEx" {
		t.Fatalf("unexpected update frame: %v", frame)
	}
	if frame["best_sell"] != "100.500" || frame["best_buy"] != "99.0000" {
		t.Fatalf("unexpected prices in frame: %v", frame)
	}
	assertNoFrame(t, btcOnly)
	assertNoFrame(t, mexcOnly)

	h.publishUpdate(models.BookUpdate{Exchange: "MEXC", Token: "BTC", BestSell: "1", BestBuy: "2"})
	for _, c := range []*Client{all, btcOnly, mexcOnly} {
		frame := nextFrame(t, c)
		if frame["token"] != "BTC" {
			t.Fatalf("client %s missed the BTC update: %v", c.id, frame)
		}
	}
}

func TestBroadcastIgnoresFilters(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)

	filtered := testClient(h, reg, "filtered")
	filtered.applySubscription([]string{"BTC"}, nil)

	h.Broadcast(tokenEvent{Type: "token_added", Token: "DOGE"})

	frame := nextFrame(t, filtered)
	if frame["type"] != "token_added" || frame["token"] != "DOGE" {
		t.Fatalf("administrative event did not reach filtered client: %v", frame)
	}
}

func TestDeliverDropsStuckClient(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)

	stuck := testClient(h, reg, "stuck")
	healthy := testClient(h, reg, "healthy")

	for i := 0; i < sendBufferSize; i++ {
		if !stuck.enqueue([]byte("{}")) {
			t.Fatalf("queue filled early at %d", i)
		}
	}

	h.publishUpdate(models.BookUpdate{Exchange: "MEXC", Token: "BTC", BestSell: "1", BestBuy: "2"})

	if got := h.ClientCount(); got != 1 {
		t.Fatalf("expected stuck client to be dropped, client count = %d", got)
	}
	if frame := nextFrame(t, healthy); frame["type"] != "orderbook_update" {
		t.Fatalf("healthy client missed the update: %v", frame)
	}

	stats := h.GetStats()
	if stats["clients_dropped"].(int64) != 1 {
		t.Fatalf("expected clients_dropped = 1, stats = %v", stats)
	}

	// Dropping the same client twice must be a no-op.
	h.Unregister("stuck")
	if stuck.enqueue([]byte("{}")) {
		t.Fatalf("enqueue after close should report failure")
	}
}

func TestApplySubscriptionPartialUpdate(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)
	c := testClient(h, reg, "c")

	if !c.Filter().Matches("ETH", "CoinEx") {
		t.Fatalf("new client should receive everything")
	}

	c.applySubscription([]string{"btc"}, nil)
	if c.Filter().Matches("ETH", "CoinEx") {
		t.Fatalf("token filter not applied")
	}
	if !c.Filter().Matches("BTC", "CoinEx") {
		t.Fatalf("token filter should match case-insensitively")
	}

	c.applySubscription(nil, []string{"mexc"})
	f := c.Filter()
	if len(f.Tokens) != 1 || f.Tokens[0] != "btc" {
		t.Fatalf("token axis should survive an exchange-only update, filter = %+v", f)
	}
	if f.Matches("BTC", "CoinEx") || !f.Matches("BTC", "MEXC") {
		t.Fatalf("exchange filter not applied, filter = %+v", f)
	}

	c.applySubscription(nil, nil)
	if !c.Filter().Matches("ETH", "CoinEx") {
		t.Fatalf("empty subscribe should reset to receive everything")
	}
}

func TestHandleMessageErrors(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)
	c := testClient(h, reg, "c")

	cases := []struct {
		raw     string
		message string
	}{
		{`{not json`, "Invalid JSON"},
		{`{"action":"warble"}`, "Unknown action: warble"},
		{`{"action":"add_token"}`, "No token provided"},
		{`{"action":"remove_token","token":"  "}`, "No token provided"},
		{`{"action":"add_exchange","exchange":"Kraken"}`, "Exchange or URL missing"},
		{`{"action":"remove_exchange"}`, "No exchange provided"},
		{`{"action":"get_orderbook","token":"BTC"}`, "Token or exchange missing"},
	}
	for _, tc := range cases {
		c.handleMessage([]byte(tc.raw))
		frame := nextFrame(t, c)
		if frame["type"] != "error" || frame["message"] != tc.message {
			t.Fatalf("for %s expected error %q, got %v", tc.raw, tc.message, frame)
		}
	}
}

func TestHandleMessageTokenLifecycle(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)
	actor := testClient(h, reg, "actor")
	watcher := testClient(h, reg, "watcher")

	actor.handleMessage([]byte(`{"action":"add_token","token":"doge"}`))
	if len(reg.addedTokens) != 1 || reg.addedTokens[0] != "doge" {
		t.Fatalf("registry did not receive the token, added = %v", reg.addedTokens)
	}
	for _, c := range []*Client{actor, watcher} {
		frame := nextFrame(t, c)
		if frame["type"] != "token_added" || frame["token"] != "DOGE" {
			t.Fatalf("expected token_added broadcast, got %v", frame)
		}
	}

	actor.handleMessage([]byte(`{"action":"remove_token","token":"DOGE"}`))
	if len(reg.removedTokens) != 1 {
		t.Fatalf("registry did not receive the removal")
	}
	if frame := nextFrame(t, watcher); frame["type"] != "token_removed" {
		t.Fatalf("expected token_removed broadcast, got %v", frame)
	}
}

func TestHandleMessageRegistryErrorIsForwarded(t *testing.T) {
	reg := &stubRegistry{failWith: processor.ErrTokenExists}
	h := NewHub(reg)
	c := testClient(h, reg, "c")

	c.handleMessage([]byte(`{"action":"add_token","token":"BTC"}`))
	frame := nextFrame(t, c)
	if frame["type"] != "error" || frame["message"] != processor.ErrTokenExists.Error() {
		t.Fatalf("expected registry error to reach the client, got %v", frame)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("a rejected command must not drop the client")
	}
}

func TestHandleMessageExchangeLifecycle(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)
	c := testClient(h, reg, "c")

	c.handleMessage([]byte(`{"action":"add_exchange","exchange":"Binance","url":"https://api.binance.com","type":"http"}`))
	if len(reg.addedEx) != 1 {
		t.Fatalf("registry did not receive the exchange")
	}
	if reg.addedEx[0].Kind != models.KindHTTP {
		t.Fatalf("transport type not honored, got %s", reg.addedEx[0].Kind)
	}
	frame := nextFrame(t, c)
	if frame["type"] != "exchange_added" {
		t.Fatalf("expected exchange_added broadcast, got %v", frame)
	}
	info, ok := frame["exchange"].(map[string]interface{})
	if !ok || info["name"] != "Binance" || info["url"] != "https://api.binance.com" || info["type"] != "http" {
		t.Fatalf("unexpected exchange payload: %v", frame)
	}

	c.handleMessage([]byte(`{"action":"remove_exchange","exchange":"Binance"}`))
	if len(reg.removedEx) != 1 || reg.removedEx[0] != "Binance" {
		t.Fatalf("registry did not receive the exchange removal")
	}
	if frame := nextFrame(t, c); frame["type"] != "exchange_removed" || frame["exchange"] != "Binance" {
		t.Fatalf("expected exchange_removed broadcast, got %v", frame)
	}
}

func TestHandleMessageRefreshAndClear(t *testing.T) {
	reg := &stubRegistry{}
	h := NewHub(reg)
	c := testClient(h, reg, "c")

	c.handleMessage([]byte(`{"action":"update_prices"}`))
	if reg.refreshes != 1 {
		t.Fatalf("update_prices should trigger a refresh, got %d", reg.refreshes)
	}
	assertNoFrame(t, c)

	c.handleMessage([]byte(`{"action":"clear"}`))
	if reg.clears != 1 {
		t.Fatalf("clear should reach the registry, got %d", reg.clears)
	}
	if frame := nextFrame(t, c); frame["type"] != "orderbooks_cleared" {
		t.Fatalf("expected orderbooks_cleared broadcast, got %v", frame)
	}
}

func TestHandleMessageGetOrderbook(t *testing.T) {
	reg := &stubRegistry{
		depth: map[string]models.PriceLevelSet{
			"BTC|MEXC": models.NewPriceLevelSet(
				[]models.PriceLevel{{Price: 100, Size: 1}},
				[]models.PriceLevel{{Price: 99, Size: 2}},
			),
		},
	}
	h := NewHub(reg)
	c := testClient(h, reg, "c")

	c.handleMessage([]byte(`{"action":"get_orderbook","token":"BTC","exchange":"MEXC"}`))
	frame := nextFrame(t, c)
	if frame["type"] != "orderbook_data" || frame["token"] != "BTC" || frame["exchange"] != "MEXC" {
		t.Fatalf("unexpected orderbook_data frame: %v", frame)
	}
	asks, ok := frame["asks"].([]interface{})
	if !ok || len(asks) != 1 {
		t.Fatalf("expected one ask level, got %v", frame["asks"])
	}

	c.handleMessage([]byte(`{"action":"get_orderbook","token":"XMR","exchange":"MEXC"}`))
	if frame := nextFrame(t, c); frame["type"] != "error" {
		t.Fatalf("missing book should produce an error frame, got %v", frame)
	}
}
