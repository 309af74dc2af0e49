package xeggex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/reader"
)

// Adapter consumes the Xeggex JSON-RPC orderbook stream. A snapshot
// notification replaces the cached book, later update notifications replace
// each side independently and only when that side is present. Updates for
// tokens that never received a snapshot are ignored.
type Adapter struct {
	name string
	url  string
	opts models.ExchangeOptions
	log  *logger.Log

	books *reader.Books

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	wg      sync.WaitGroup
	tokens  []string
	subID   int
	pingID  int
}

func New(d models.ExchangeDescriptor) *Adapter {
	return &Adapter{
		name:  d.Name,
		url:   d.URL,
		opts:  d.Options,
		log:   logger.GetLogger(),
		books: reader.NewBooks(),
	}
}

func (a *Adapter) Name() string               { return a.name }
func (a *Adapter) Kind() models.TransportKind { return models.KindWebsocket }

func (a *Adapter) Connect(ctx context.Context) (<-chan error, error) {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s is already connected", a.name)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to dial %s: %w", a.url, err)
	}
	a.conn = conn
	a.done = make(chan struct{})
	done := a.done
	tokens := append([]string(nil), a.tokens...)
	a.mu.Unlock()

	for _, token := range tokens {
		if err := a.subscribe(token); err != nil {
			a.Disconnect()
			return nil, fmt.Errorf("failed to subscribe %s: %w", token, err)
		}
	}

	fatal := make(chan error, 1)
	a.wg.Add(1)
	go a.readLoop(conn, done, fatal)

	a.log.WithComponent("xeggex_feed").WithFields(logger.Fields{
		"url":    a.url,
		"tokens": tokens,
	}).Info("connected to orderbook stream")
	return fatal, nil
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	conn := a.conn
	done := a.done
	a.conn = nil
	a.done = nil
	a.mu.Unlock()

	if conn == nil {
		return
	}
	close(done)
	conn.Close()
	a.wg.Wait()
	a.log.WithComponent("xeggex_feed").Info("disconnected from orderbook stream")
}

func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	a.pingID++
	id := a.pingID
	a.mu.Unlock()

	return a.writeJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "ping",
		"params":  map[string]interface{}{},
		"id":      id,
	})
}

func (a *Adapter) AddToken(ctx context.Context, token string) error {
	token = normalize(token)

	a.mu.Lock()
	for _, t := range a.tokens {
		if t == token {
			a.mu.Unlock()
			return nil
		}
	}
	a.tokens = append(a.tokens, token)
	connected := a.conn != nil
	a.mu.Unlock()

	if !connected {
		return nil
	}
	if err := a.subscribe(token); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", token, err)
	}
	return nil
}

func (a *Adapter) RemoveToken(ctx context.Context, token string) error {
	token = normalize(token)

	a.mu.Lock()
	found := false
	for i, t := range a.tokens {
		if t == token {
			a.tokens = append(a.tokens[:i], a.tokens[i+1:]...)
			found = true
			break
		}
	}
	connected := a.conn != nil
	a.mu.Unlock()

	a.books.Delete(token)
	if found && connected {
		if err := a.unsubscribe(token); err != nil {
			a.log.WithComponent("xeggex_feed").WithError(err).WithFields(logger.Fields{
				"token": token,
			}).Warn("failed to unsubscribe")
		}
	}
	return nil
}

func (a *Adapter) Tokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.tokens...)
}

func (a *Adapter) CurrentLevels(token string) (models.PriceLevelSet, bool) {
	return a.books.Get(normalize(token))
}

func (a *Adapter) nextID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subID++
	return a.subID
}

func (a *Adapter) subscribe(token string) error {
	return a.writeJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "subscribeOrderbook",
		"params":  map[string]string{"symbol": symbolFor(token)},
		"id":      a.nextID(),
	})
}

func (a *Adapter) unsubscribe(token string) error {
	return a.writeJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "unsubscribeOrderbook",
		"params":  map[string]string{"symbol": symbolFor(token)},
		"id":      a.nextID(),
	})
}

func (a *Adapter) writeJSON(v interface{}) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s is not connected", a.name)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (a *Adapter) readLoop(conn *websocket.Conn, done chan struct{}, fatal chan error) {
	defer a.wg.Done()
	log := a.log.WithComponent("xeggex_feed")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				fatal <- err
			}
			return
		}
		logger.IncrementFeedRead(len(msg))
		a.handleMessage(msg, log)
	}
}

func (a *Adapter) handleMessage(msg []byte, log *logger.Entry) {
	var n models.XeggexNotification
	if err := json.Unmarshal(msg, &n); err != nil {
		log.WithError(err).Warn("dropping malformed message")
		return
	}

	switch n.Method {
	case "snapshotOrderbook":
		token := tokenFromSymbol(n.Params.Symbol)
		if token == "" {
			log.Warn("snapshot without symbol")
			return
		}
		a.books.Set(token, models.NewPriceLevelSet(
			levelsFrom(n.Params.Asks),
			levelsFrom(n.Params.Bids),
		))
	case "orderbookUpdate":
		token := tokenFromSymbol(n.Params.Symbol)
		existing, ok := a.books.Get(token)
		if token == "" || !ok {
			log.WithFields(logger.Fields{"symbol": n.Params.Symbol}).Warn("update for unknown symbol")
			return
		}
		asks := existing.Asks
		bids := existing.Bids
		if len(n.Params.Asks) > 0 {
			asks = levelsFrom(n.Params.Asks)
		}
		if len(n.Params.Bids) > 0 {
			bids = levelsFrom(n.Params.Bids)
		}
		a.books.Set(token, models.NewPriceLevelSet(asks, bids))
	default:
		// ping results and subscription acks
	}
}

func levelsFrom(raw []models.XeggexLevel) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, models.PriceLevel{Price: l.Price, Size: l.Quantity})
	}
	return levels
}

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func symbolFor(token string) string {
	return token + "/USDT"
}

func tokenFromSymbol(symbol string) string {
	return strings.TrimSuffix(symbol, "/USDT")
}
