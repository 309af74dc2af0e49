package mexc

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
	// defaultTopicTemplate is the depth subscription topic. $TOKEN is
	// substituted with the token symbol before the frame is sent.
	defaultTopicTemplate = "spot@public.limit.depth.v3.api@$TOKEN_USDT@5"
	depthChannel         = "public.limit.depth.v3.api"
	depthSnapshotURL     = "https://api.mexc.com/api/v3/depth?symbol=%s&limit=100"
)

// Adapter streams limit depth snapshots from the MEXC spot websocket. Every
// push carries the full top of the book, so each message replaces the cached
// levels wholesale. A REST snapshot seeds the cache right after subscribing.
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
	go a.readLoop(conn, a.doneChan(), fatal)

	for _, token := range tokens {
		a.seedBook(ctx, token)
	}

	a.log.WithComponent("mexc_feed").WithFields(logger.Fields{
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
	a.log.WithComponent("mexc_feed").Info("disconnected from depth stream")
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.writeJSON(map[string]string{"method": "PING"})
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
	a.seedBook(ctx, token)
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
	if !found {
		return nil
	}
	if connected {
		if err := a.unsubscribe(token); err != nil {
			a.log.WithComponent("mexc_feed").WithError(err).WithFields(logger.Fields{
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

func (a *Adapter) doneChan() chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *Adapter) nextID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subID++
	return a.subID
}

func (a *Adapter) topic(token string) string {
	template := a.opts.EndpointTemplate
	if template == "" {
		template = defaultTopicTemplate
	}
	return strings.ReplaceAll(template, "$TOKEN", token)
}

func (a *Adapter) subscribe(token string) error {
	return a.writeJSON(map[string]interface{}{
		"method": "SUBSCRIPTION",
		"params": []string{a.topic(token)},
		"id":     a.nextID(),
	})
}

func (a *Adapter) unsubscribe(token string) error {
	return a.writeJSON(map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": []string{a.topic(token)},
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
	log := a.log.WithComponent("mexc_feed")

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

// handleMessage normalizes a depth push into the book cache. Subscription
// acks, pong replies and malformed frames are dropped without touching the
// cache or the loop.
func (a *Adapter) handleMessage(msg []byte, log *logger.Entry) {
	var resp models.MexcDepthResp
	if err := json.Unmarshal(msg, &resp); err != nil {
		log.WithError(err).Warn("dropping malformed message")
		return
	}
	if resp.Channel != depthChannel {
		return
	}
	if len(resp.Asks) == 0 && len(resp.Bids) == 0 {
		log.WithFields(logger.Fields{"symbol": resp.Symbol}).Warn("empty depth update")
		return
	}

	token := tokenFromSymbol(resp.Symbol)
	a.books.Set(token, models.NewPriceLevelSet(
		models.ParseLevels(resp.Asks),
		models.ParseLevels(resp.Bids),
	))
}

func (a *Adapter) seedBook(ctx context.Context, token string) {
	log := a.log.WithComponent("mexc_feed").WithFields(logger.Fields{"token": token})

	url := fmt.Sprintf(depthSnapshotURL, symbolFor(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.WithError(err).Warn("failed to build depth snapshot request")
		return
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth snapshot")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.WithFields(logger.Fields{"status": resp.StatusCode}).Warn("unexpected depth snapshot status")
		return
	}

	if err := a.applySeed(token, resp.Body); err != nil {
		log.WithError(err).Warn("failed to decode depth snapshot")
		return
	}
	log.Info("initial order book loaded")
}

func (a *Adapter) applySeed(token string, body io.Reader) error {
	var snap models.MexcDepthSnapshotResp
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return err
	}
	a.books.Set(token, models.NewPriceLevelSet(
		models.ParseLevels(snap.Asks),
		models.ParseLevels(snap.Bids),
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
	s := strings.TrimSuffix(symbol, "USDT")
	return strings.TrimSuffix(s, "_")
}
