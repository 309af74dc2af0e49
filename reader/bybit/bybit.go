package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/reader"
)

// Adapter polls Bybit spot order books through the unified trading API. One
// poll worker per watched token.
type Adapter struct {
	name string
	opts models.ExchangeOptions
	log  *logger.Log

	client *bybit.Client
	books  *reader.Books

	mu        sync.Mutex
	wg        sync.WaitGroup
	tokens    []string
	polls     map[string]context.CancelFunc
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func New(d models.ExchangeDescriptor) *Adapter {
	base := d.URL
	if base == "" {
		base = bybit.MAINNET
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}

	return &Adapter{
		name:   d.Name,
		opts:   d.Options,
		log:    logger.GetLogger(),
		client: client,
		books:  reader.NewBooks(),
		polls:  make(map[string]context.CancelFunc),
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

	a.log.WithComponent("bybit_poll").WithFields(logger.Fields{
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
	a.log.WithComponent("bybit_poll").Info("polling stopped")
}

// Ping is a no-op, there is no persistent transport to keep alive.
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

// startPollLocked spawns the poll worker for a token. Callers hold a.mu.
func (a *Adapter) startPollLocked(token string) {
	pollCtx, cancel := context.WithCancel(a.runCtx)
	a.polls[token] = cancel
	a.wg.Add(1)
	go a.pollWorker(pollCtx, token)
}

func (a *Adapter) pollWorker(ctx context.Context, token string) {
	defer a.wg.Done()

	log := a.log.WithComponent("bybit_poll").WithFields(logger.Fields{"token": token})
	log.Info("starting orderbook worker")

	interval := a.opts.PollingInterval()
	if interval <= 0 {
		interval = models.DefaultPollingIntervalSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.fetchBook(ctx, token, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-ticker.C:
			a.fetchBook(ctx, token, log)
		}
	}
}

func (a *Adapter) fetchBook(ctx context.Context, token string, log *logger.Entry) {
	depth := a.opts.DepthLimit
	if depth <= 0 {
		depth = models.DefaultDepthLimit
	}

	params := map[string]interface{}{
		"category": "spot",
		"symbol":   symbolFor(token),
		"limit":    depth,
	}
	start := time.Now()
	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("failed to fetch orderbook")
		return
	}
	logger.LogPerformanceEntry(log, "bybit_poll", "api_request", time.Since(start), logger.Fields{
		"symbol": symbolFor(token),
	})
	if resp.RetCode != 0 {
		log.WithFields(logger.Fields{
			"ret_code": resp.RetCode,
			"ret_msg":  resp.RetMsg,
		}).Warn("orderbook request rejected")
		return
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		log.WithError(err).Warn("failed to marshal orderbook")
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := a.applyBook(token, payload); err != nil {
		log.WithError(err).Warn("failed to decode orderbook")
		return
	}
	logger.LogDataFlowEntry(log, "bybit_api", "book_cache", len(payload), "orderbook_entries")
	logger.IncrementPollRead(len(payload))
}

func (a *Adapter) applyBook(token string, payload []byte) error {
	var book models.BybitBookResult
	if err := json.Unmarshal(payload, &book); err != nil {
		return err
	}
	a.books.Set(token, models.NewPriceLevelSet(
		models.ParseLevels(book.Asks),
		models.ParseLevels(book.Bids),
	))
	return nil
}

func symbolFor(token string) string {
	return token + "USDT"
}

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
