package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	sdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/reader"
)

// Adapter polls Binance spot depth snapshots through the exchange SDK. One
// worker per watched token, runs on a tick aligned to the wall clock so
// concurrent workers fetch in the same window.
type Adapter struct {
	name string
	opts models.ExchangeOptions
	log  *logger.Log

	client *sdk.Client
	books  *reader.Books

	mu        sync.Mutex
	wg        sync.WaitGroup
	tokens    []string
	polls     map[string]context.CancelFunc
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func New(d models.ExchangeDescriptor) *Adapter {
	client := sdk.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	if d.URL != "" {
		client.BaseURL = d.URL
	}

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

	a.log.WithComponent("binance_poll").WithFields(logger.Fields{
		"endpoint": a.client.BaseURL,
		"tokens":   tokens,
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
	a.log.WithComponent("binance_poll").Info("polling stopped")
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

	log := a.log.WithComponent("binance_poll").WithFields(logger.Fields{"token": token})
	log.Info("starting orderbook worker")

	interval := a.opts.PollingInterval()
	if interval <= 0 {
		interval = models.DefaultPollingIntervalSeconds * time.Second
	}

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	a.fetchBook(ctx, token, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-timer.C:
			start := time.Now()
			a.fetchBook(ctx, token, log)
			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

func (a *Adapter) fetchBook(ctx context.Context, token string, log *logger.Entry) {
	depth := a.opts.DepthLimit
	if depth <= 0 {
		depth = models.DefaultDepthLimit
	}

	start := time.Now()
	res, err := a.client.NewDepthService().
		Symbol(symbolFor(token)).
		Limit(depth).
		Do(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("failed to fetch orderbook")
		return
	}
	logger.LogPerformanceEntry(log, "binance_poll", "api_request", time.Since(start), logger.Fields{
		"symbol": symbolFor(token),
	})
	if ctx.Err() != nil {
		return
	}

	a.applyDepth(token, res)
	logger.LogDataFlowEntry(log, "binance_api", "book_cache", len(res.Asks)+len(res.Bids), "orderbook_entries")
	if payload, err := json.Marshal(res); err == nil {
		logger.IncrementPollRead(len(payload))
	}
}

func (a *Adapter) applyDepth(token string, res *sdk.DepthResponse) {
	a.books.Set(token, models.NewPriceLevelSet(levels(res.Asks), levels(res.Bids)))
}

func levels(side []common.PriceLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for _, l := range side {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Quantity, 64)
		if err != nil {
			continue
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out
}

func symbolFor(token string) string {
	return token + "USDT"
}

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
