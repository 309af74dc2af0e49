package coinex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/reader"
)

const (
	depthURL = "https://api.coinex.com/v1/market/depth?market=%s&limit=%d&merge=0"

	// refreshInterval drives the periodic REST refresh. CoinEx stops pushing
	// depth updates on quiet markets, so the cache is re-seeded on a timer.
	refreshInterval = 30 * time.Second
)

// Adapter streams depth updates from the CoinEx websocket. Updates are
// applied only when both sides are present; a background REST refresh keeps
// the cache warm for thinly traded pairs.
type Adapter struct {
	name string
	url  string
	opts models.ExchangeOptions
	log  *logger.Log

	httpClient *http.Client
	books      *reader.Books

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	wg      sync.WaitGroup
	tokens  []string
	subID   int
}

func New(d models.ExchangeDescriptor) *Adapter {
	return &Adapter{
		name:       d.Name,
		url:        d.URL,
		opts:       d.Options,
		log:        logger.GetLogger(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		books:      reader.NewBooks(),
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
	a.wg.Add(2)
	go a.readLoop(conn, done, fatal)
	go a.refreshLoop(done)

	for _, token := range tokens {
		a.refreshBook(ctx, token)
	}

	a.log.WithComponent("coinex_feed").WithFields(logger.Fields{
		"url":    a.url,
		"tokens": tokens,
	}).Info("connected to depth stream")
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
	a.log.WithComponent("coinex_feed").Info("disconnected from depth stream")
}

// Ping sends a websocket control frame. CoinEx has no application level ping,
// the transport level one keeps intermediaries from closing the session.
func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s is not connected", a.name)
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
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
	a.refreshBook(ctx, token)
	return nil
}

func (a *Adapter) RemoveToken(ctx context.Context, token string) error {
	token = normalize(token)

	a.mu.Lock()
	for i, t := range a.tokens {
		if t == token {
			a.tokens = append(a.tokens[:i], a.tokens[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	a.books.Delete(token)
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
	limit := a.opts.DepthLimit
	if limit <= 0 {
		limit = models.DefaultDepthLimit
	}
	return a.writeJSON(map[string]interface{}{
		"method": "depth.subscribe",
		"params": []interface{}{symbolFor(token), limit, "0", true},
		"id":     a.nextID(),
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
	log := a.log.WithComponent("coinex_feed")

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

// handleMessage applies a depth.update notification. The book is replaced
// only when both sides are present, partial frames leave the cache alone.
func (a *Adapter) handleMessage(msg []byte, log *logger.Entry) {
	var resp models.CoinexDepthResp
	if err := json.Unmarshal(msg, &resp); err != nil {
		log.WithError(err).Warn("dropping malformed message")
		return
	}

	switch resp.Method {
	case "depth.update":
		if len(resp.Params) < 2 {
			log.Warn("depth update with missing params")
			return
		}
		var symbol string
		if err := json.Unmarshal(resp.Params[0], &symbol); err != nil {
			log.WithError(err).Warn("depth update with unreadable symbol")
			return
		}
		var book models.CoinexBook
		if err := json.Unmarshal(resp.Params[1], &book); err != nil {
			log.WithError(err).Warn("depth update with unreadable book")
			return
		}
		if len(book.Asks) == 0 || len(book.Bids) == 0 {
			return
		}
		a.books.Set(tokenFromSymbol(symbol), models.NewPriceLevelSet(
			models.ParseLevels(book.Asks),
			models.ParseLevels(book.Bids),
		))
	case "depth.subscribe":
		log.Info("depth subscription acknowledged")
	}
}

func (a *Adapter) refreshLoop(done chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, token := range a.Tokens() {
				a.refreshBook(context.Background(), token)
			}
		}
	}
}

func (a *Adapter) refreshBook(ctx context.Context, token string) {
	log := a.log.WithComponent("coinex_feed").WithFields(logger.Fields{"token": token})

	limit := a.opts.DepthLimit
	if limit <= 0 {
		limit = models.DefaultDepthLimit
	}
	url := fmt.Sprintf(depthURL, symbolFor(token), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.WithError(err).Warn("failed to build depth request")
		return
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth")
		return
	}
	defer resp.Body.Close()

	if err := a.applySnapshot(token, resp.Body); err != nil {
		log.WithError(err).Warn("failed to apply depth snapshot")
	}
}

func (a *Adapter) applySnapshot(token string, body io.Reader) error {
	var snap models.CoinexSnapshotResp
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode depth response: %w", err)
	}
	if snap.Code != 0 {
		return fmt.Errorf("depth request rejected: code=%d message=%s", snap.Code, snap.Message)
	}
	a.books.Set(token, models.NewPriceLevelSet(
		models.ParseLevels(snap.Data.Asks),
		models.ParseLevels(snap.Data.Bids),
	))
	return nil
}

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func symbolFor(token string) string {
	return token + "USDT"
}

func tokenFromSymbol(symbol string) string {
	return strings.TrimSuffix(symbol, "USDT")
}
