package tradeogre

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/reader"
)

const (
	defaultEndpointTemplate = "$URL/orders/$TOKEN-USDT"

	// The venue rejects requests with default client agents.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

	// minRequestGap spaces requests across all token pollers so a large watch
	// list does not burst the venue when the tickers line up.
	minRequestGap = 200 * time.Millisecond
)

// Adapter polls the TradeOgre public orders endpoint. Each watched token gets
// its own poll loop, a shared limiter keeps the venue-wide request rate flat.
// A failed poll clears the cached book so stale prices never survive an
// outage.
type Adapter struct {
	name string
	url  string
	opts models.ExchangeOptions
	log  *logger.Log

	httpClient *http.Client
	limiter    *rate.Limiter
	books      *reader.Books

	mu        sync.Mutex
	wg        sync.WaitGroup
	tokens    []string
	polls     map[string]context.CancelFunc
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func New(d models.ExchangeDescriptor) *Adapter {
	return &Adapter{
		name:       d.Name,
		url:        d.URL,
		opts:       d.Options,
		log:        logger.GetLogger(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(minRequestGap), 1),
		books:      reader.NewBooks(),
		polls:      make(map[string]context.CancelFunc),
	}
}

func (a *Adapter) Name() string               { return a.name }
func (a *Adapter) Kind() models.TransportKind { return models.KindHTTP }

func (a *Adapter) Connect(ctx context.Context) (<-chan error, error) {
	a.mu.Lock()
	if a.runCtx != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s is already connected", a.name)
	}
	a.runCtx, a.cancelRun = context.WithCancel(ctx)
	for _, token := range a.tokens {
		a.startPollLocked(token)
	}
	tokens := append([]string(nil), a.tokens...)
	a.mu.Unlock()

	a.log.WithComponent("tradeogre_poll").WithFields(logger.Fields{
		"url":    a.url,
		"tokens": tokens,
	}).Info("polling started")
	return make(chan error, 1), nil
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.runCtx == nil {
		a.mu.Unlock()
		return
	}
	cancel := a.cancelRun
	a.runCtx = nil
	a.cancelRun = nil
	a.polls = make(map[string]context.CancelFunc)
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.log.WithComponent("tradeogre_poll").Info("polling stopped")
}

// Ping is a no-op, poll failures surface through the poll loops themselves.
func (a *Adapter) Ping(ctx context.Context) error {
	return nil
}

func (a *Adapter) AddToken(ctx context.Context, token string) error {
	token = normalize(token)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tokens {
		if t == token {
			return nil
		}
	}
	a.tokens = append(a.tokens, token)
	if a.runCtx != nil {
		a.startPollLocked(token)
	}
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
	cancel := a.polls[token]
	delete(a.polls, token)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
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

// startPollLocked spawns the poll loop for a token. Callers hold a.mu.
func (a *Adapter) startPollLocked(token string) {
	pollCtx, cancel := context.WithCancel(a.runCtx)
	a.polls[token] = cancel
	a.wg.Add(1)
	go a.pollLoop(pollCtx, token)
}

func (a *Adapter) pollLoop(ctx context.Context, token string) {
	defer a.wg.Done()

	log := a.log.WithComponent("tradeogre_poll").WithFields(logger.Fields{"token": token})
	log.Info("started polling")

	interval := a.opts.PollingInterval()
	if interval <= 0 {
		interval = models.DefaultPollingIntervalSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.poll(ctx, token, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("stopped polling")
			return
		case <-ticker.C:
			a.poll(ctx, token, log)
		}
	}
}

func (a *Adapter) poll(ctx context.Context, token string, log *logger.Entry) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	if err := a.fetchBook(ctx, token); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("poll failed, clearing book")
		a.books.Set(token, models.PriceLevelSet{})
	}
}

func (a *Adapter) fetchBook(ctx context.Context, token string) error {
	template := a.opts.EndpointTemplate
	if template == "" {
		template = defaultEndpointTemplate
	}
	endpoint := reader.BuildEndpoint(template, a.url, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := a.applyBook(token, body); err != nil {
		return err
	}
	logger.IncrementPollRead(len(body))
	return nil
}

func (a *Adapter) applyBook(token string, body []byte) error {
	var book models.TradeOgreBookResp
	if err := json.Unmarshal(body, &book); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !book.Success {
		msg := book.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("venue rejected request: %s", msg)
	}

	a.books.Set(token, models.NewPriceLevelSet(
		levelsFromMap(book.Sell),
		levelsFromMap(book.Buy),
	))
	return nil
}

func levelsFromMap(side map[string]string) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(side))
	for priceStr, sizeStr := range side {
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(sizeStr, 64)
		if err != nil {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: price, Size: size})
	}
	return levels
}

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
