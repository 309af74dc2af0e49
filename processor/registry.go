package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/reader"
	"bookflow/store"
)

var (
	ErrTokenExists      = errors.New("token is already watched")
	ErrTokenNotFound    = errors.New("token is not watched")
	ErrExchangeExists   = errors.New("exchange is already registered")
	ErrExchangeNotFound = errors.New("exchange is not registered")
	ErrBookNotFound     = errors.New("no orderbook data")
)

type pairKey struct {
	Token    string
	Exchange string
}

// Registry owns the watched token list and one supervised adapter per
// exchange. A reconciliation loop walks every token/exchange pair, derives
// the depth-weighted best prices from the adapter's cached book and publishes
// a cell only when its value changed. rows always holds the last published
// state, so a quote that did not change produces no traffic.
type Registry struct {
	config   *appconfig.Config
	channels *channel.Channels
	store    store.Store
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	supervisors map[string]*reader.Supervisor
	tokens      []string
	rows        map[string]map[string]models.Quote
	lastPublish map[pairKey]time.Time

	// Metrics
	ticksRun        int64
	quotesPublished int64
	quotesSkipped   int64
	quotesThrottled int64
	quotesFailed    int64
	lastError       string
}

func NewRegistry(cfg *appconfig.Config, ch *channel.Channels, st store.Store) *Registry {
	return &Registry{
		config:      cfg,
		channels:    ch,
		store:       st,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
		supervisors: make(map[string]*reader.Supervisor),
		rows:        make(map[string]map[string]models.Quote),
		lastPublish: make(map[pairKey]time.Time),
	}
}

// Start loads the watch universe from the store, launches one supervised
// adapter per exchange and begins the reconciliation loop.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("registry already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("registry").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting registry")

	tokens, err := r.store.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	exchanges, err := r.store.Exchanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to load exchanges: %w", err)
	}

	r.mu.Lock()
	for _, token := range tokens {
		token = normalizeToken(token)
		if token != "" && !containsToken(r.tokens, token) {
			r.tokens = append(r.tokens, token)
		}
	}
	r.mu.Unlock()

	for _, d := range exchanges {
		if err := r.launchExchange(d); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": d.Name}).Error("failed to launch exchange")
		}
	}

	r.mu.Lock()
	r.seedRowsLocked()
	r.mu.Unlock()

	r.wg.Add(1)
	go r.tickLoop()
	go r.metricsReporter(r.ctx)

	log.WithFields(logger.Fields{
		"tokens":    tokens,
		"exchanges": len(exchanges),
	}).Info("registry started successfully")
	return nil
}

// Stop shuts down the reconciliation loop and every supervised adapter.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	sups := make([]*reader.Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	r.log.WithComponent("registry").Info("stopping registry")
	cancel()
	for _, sup := range sups {
		sup.Stop()
	}
	r.wg.Wait()
	r.log.WithComponent("registry").Info("registry stopped")
}

// launchExchange builds the adapter, seeds it with the current watch list and
// hands it to a supervisor. Callers must not hold r.mu.
func (r *Registry) launchExchange(d models.ExchangeDescriptor) error {
	d = d.WithDefaults()

	adapter, err := NewAdapter(d)
	if err != nil {
		return err
	}

	r.mu.RLock()
	tokens := append([]string(nil), r.tokens...)
	runCtx := r.ctx
	r.mu.RUnlock()

	for _, token := range tokens {
		if err := adapter.AddToken(runCtx, token); err != nil {
			r.log.WithComponent("registry").WithError(err).WithFields(logger.Fields{
				"exchange": d.Name,
				"token":    token,
			}).Warn("failed to seed token on adapter")
		}
	}

	sup := reader.NewSupervisor(adapter, d.Options)
	if err := sup.Start(runCtx); err != nil {
		return err
	}

	r.mu.Lock()
	r.supervisors[exchangeKey(d.Name)] = sup
	r.seedRowsLocked()
	r.mu.Unlock()
	return nil
}

// seedRowsLocked fills missing grid cells with the unavailable placeholder so
// the snapshot always shows the full token/exchange universe. Callers hold
// r.mu.
func (r *Registry) seedRowsLocked() {
	for _, token := range r.tokens {
		row := r.rows[token]
		if row == nil {
			row = make(map[string]models.Quote)
			r.rows[token] = row
		}
		for _, sup := range r.supervisors {
			name := sup.Adapter().Name()
			if _, ok := row[name]; !ok {
				row[name] = models.UnavailableQuote()
			}
		}
	}
}

func (r *Registry) tickLoop() {
	defer r.wg.Done()

	interval := r.config.Aggregator.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := r.log.WithComponent("registry")
	log.WithFields(logger.Fields{"interval": interval}).Info("reconciliation loop started")

	for {
		select {
		case <-r.ctx.Done():
			log.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			r.refreshQuotes(time.Now())
		}
	}
}

// Refresh runs one reconciliation pass immediately. The per-pair throttle
// still applies.
func (r *Registry) Refresh() {
	r.refreshQuotes(time.Now())
}

func (r *Registry) refreshQuotes(now time.Time) {
	threshold := r.config.Aggregator.ThresholdUSDT
	throttle := r.config.Aggregator.PairThrottle

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ticksRun++
	for _, token := range r.tokens {
		row := r.rows[token]
		if row == nil {
			row = make(map[string]models.Quote)
			r.rows[token] = row
		}
		for _, sup := range r.supervisors {
			exchange := sup.Adapter().Name()
			quote := pairQuote(sup.Adapter(), token, threshold)
			quote.UpdatedAt = now

			prev, seen := row[exchange]
			if seen && quote.Same(prev) {
				r.quotesSkipped++
				continue
			}

			// A pair that lost its usable book keeps its sentinel row
			// visible in the grid but produces no hub event.
			if quote.BestSell == models.PriceUnavailable || quote.BestBuy == models.PriceUnavailable {
				row[exchange] = quote
				r.quotesFailed++
				r.lastError = fmt.Sprintf("no usable book for %s on %s", token, exchange)
				continue
			}

			key := pairKey{Token: token, Exchange: exchange}
			if last, ok := r.lastPublish[key]; ok && throttle > 0 && now.Sub(last) < throttle {
				r.quotesThrottled++
				continue
			}

			row[exchange] = quote
			r.lastPublish[key] = now
			update := models.BookUpdate{
				Exchange: exchange,
				Token:    token,
				BestSell: quote.BestSell,
				BestBuy:  quote.BestBuy,
				At:       now,
			}
			if r.channels.SendUpdate(r.ctx, update) {
				r.quotesPublished++
			}
		}
	}
}

// pairQuote derives the published cell for one token on one exchange. A
// missing or empty book yields the unavailable placeholder, bad data on one
// pair never affects the others.
func pairQuote(a reader.Adapter, token string, threshold float64) models.Quote {
	set, ok := a.CurrentLevels(token)
	if !ok {
		return models.UnavailableQuote()
	}
	sell, buy := set.BestPrices(threshold)
	return models.Quote{BestSell: sell, BestBuy: buy}
}

// AddToken adds a token to the watch list, persists it and subscribes it on
// every exchange. Publishing the new row is left to the next reconciliation
// pass.
func (r *Registry) AddToken(ctx context.Context, token string) error {
	token = normalizeToken(token)
	if token == "" {
		return fmt.Errorf("token is required")
	}

	r.mu.RLock()
	exists := containsToken(r.tokens, token)
	r.mu.RUnlock()
	if exists {
		return ErrTokenExists
	}

	if err := r.store.AddToken(ctx, token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}

	r.mu.Lock()
	if !containsToken(r.tokens, token) {
		r.tokens = append(r.tokens, token)
	}
	r.seedRowsLocked()
	sups := r.supervisorsLocked()
	r.mu.Unlock()

	for _, sup := range sups {
		if err := sup.Adapter().AddToken(ctx, token); err != nil {
			r.log.WithComponent("registry").WithError(err).WithFields(logger.Fields{
				"exchange": sup.Adapter().Name(),
				"token":    token,
			}).Warn("failed to subscribe token")
		}
	}

	r.log.WithComponent("registry").WithFields(logger.Fields{"token": token}).Info("token added")
	return nil
}

// RemoveToken drops a token everywhere: store, adapters, published rows and
// throttle state.
func (r *Registry) RemoveToken(ctx context.Context, token string) error {
	token = normalizeToken(token)

	r.mu.RLock()
	exists := containsToken(r.tokens, token)
	r.mu.RUnlock()
	if !exists {
		return ErrTokenNotFound
	}

	if err := r.store.RemoveToken(ctx, token); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to remove token: %w", err)
	}

	r.mu.Lock()
	for i, t := range r.tokens {
		if t == token {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			break
		}
	}
	delete(r.rows, token)
	for key := range r.lastPublish {
		if key.Token == token {
			delete(r.lastPublish, key)
		}
	}
	sups := r.supervisorsLocked()
	r.mu.Unlock()

	for _, sup := range sups {
		if err := sup.Adapter().RemoveToken(ctx, token); err != nil {
			r.log.WithComponent("registry").WithError(err).WithFields(logger.Fields{
				"exchange": sup.Adapter().Name(),
				"token":    token,
			}).Warn("failed to unsubscribe token")
		}
	}

	r.log.WithComponent("registry").WithFields(logger.Fields{"token": token}).Info("token removed")
	return nil
}

// AddExchange registers a new exchange at runtime and starts feeding it.
func (r *Registry) AddExchange(ctx context.Context, d models.ExchangeDescriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if !appconfig.IsValidExchangeName(d.Name) {
		return fmt.Errorf("invalid exchange name %q", d.Name)
	}
	d = d.WithDefaults()

	r.mu.RLock()
	running := r.running
	_, exists := r.supervisors[exchangeKey(d.Name)]
	r.mu.RUnlock()
	if !running {
		return fmt.Errorf("registry is not running")
	}
	if exists {
		return ErrExchangeExists
	}

	// Reject names with no adapter before touching the store, so a failed
	// add does not leave a venue behind that can never connect.
	if _, err := NewAdapter(d); err != nil {
		return err
	}

	if err := r.store.AddExchange(ctx, d); err != nil {
		return fmt.Errorf("failed to persist exchange: %w", err)
	}
	if err := r.launchExchange(d); err != nil {
		return err
	}

	r.log.WithComponent("registry").WithFields(logger.Fields{
		"exchange": d.Name,
		"kind":     string(d.Kind),
	}).Info("exchange added")
	return nil
}

// RemoveExchange stops an exchange's supervisor and purges its column from
// every row.
func (r *Registry) RemoveExchange(ctx context.Context, name string) error {
	key := exchangeKey(name)

	r.mu.Lock()
	sup, ok := r.supervisors[key]
	if !ok {
		r.mu.Unlock()
		return ErrExchangeNotFound
	}
	delete(r.supervisors, key)
	display := sup.Adapter().Name()
	for _, row := range r.rows {
		delete(row, display)
	}
	for pk := range r.lastPublish {
		if pk.Exchange == display {
			delete(r.lastPublish, pk)
		}
	}
	r.mu.Unlock()

	if err := r.store.RemoveExchange(ctx, display); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.WithComponent("registry").WithError(err).WithFields(logger.Fields{
			"exchange": display,
		}).Warn("failed to remove persisted exchange")
	}

	sup.Stop()
	r.log.WithComponent("registry").WithFields(logger.Fields{"exchange": display}).Info("exchange removed")
	return nil
}

// Depth returns the raw cached book for one pair, for inspection endpoints.
func (r *Registry) Depth(token, exchange string) (models.PriceLevelSet, error) {
	r.mu.RLock()
	sup, ok := r.supervisors[exchangeKey(exchange)]
	r.mu.RUnlock()
	if !ok {
		return models.PriceLevelSet{}, ErrExchangeNotFound
	}
	set, ok := sup.Adapter().CurrentLevels(normalizeToken(token))
	if !ok {
		return models.PriceLevelSet{}, ErrBookNotFound
	}
	return set, nil
}

// BooksSnapshot returns the raw cached book for every pair that has one,
// keyed like the quote grid.
func (r *Registry) BooksSnapshot() map[string]map[string]models.PriceLevelSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]models.PriceLevelSet, len(r.tokens))
	for _, token := range r.tokens {
		for _, sup := range r.supervisors {
			set, ok := sup.Adapter().CurrentLevels(token)
			if !ok {
				continue
			}
			row := out[token]
			if row == nil {
				row = make(map[string]models.PriceLevelSet)
				out[token] = row
			}
			row[sup.Adapter().Name()] = set
		}
	}
	return out
}

// Clear drops every published row. The next reconciliation pass republishes
// the full grid.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[string]map[string]models.Quote)
	r.lastPublish = make(map[pairKey]time.Time)
}

// Snapshot returns a copy of the last published quote grid.
func (r *Registry) Snapshot() map[string]map[string]models.Quote {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]models.Quote, len(r.rows))
	for token, row := range r.rows {
		cells := make(map[string]models.Quote, len(row))
		for exchange, quote := range row {
			cells[exchange] = quote
		}
		out[token] = cells
	}
	return out
}

// Tokens returns the ordered watch list.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tokens...)
}

// ExchangeNames returns the display name of every registered exchange.
func (r *Registry) ExchangeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		names = append(names, sup.Adapter().Name())
	}
	sort.Strings(names)
	return names
}

// GetStats returns reconciliation counters and per-exchange supervisor
// states.
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]string, len(r.supervisors))
	for _, sup := range r.supervisors {
		states[sup.Adapter().Name()] = string(sup.State())
	}
	return map[string]interface{}{
		"running":          r.running,
		"tokens":           len(r.tokens),
		"exchanges":        len(r.supervisors),
		"ticks_run":        r.ticksRun,
		"updates_total":    r.quotesPublished + r.quotesFailed,
		"quotes_published": r.quotesPublished,
		"quotes_skipped":   r.quotesSkipped,
		"quotes_throttled": r.quotesThrottled,
		"quotes_failed":    r.quotesFailed,
		"last_error":       r.lastError,
		"exchange_states":  states,
	}
}

func (r *Registry) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportMetrics()
		}
	}
}

func (r *Registry) reportMetrics() {
	r.mu.RLock()
	ticksRun := r.ticksRun
	published := r.quotesPublished
	skipped := r.quotesSkipped
	throttled := r.quotesThrottled
	failed := r.quotesFailed
	tokens := len(r.tokens)
	exchanges := len(r.supervisors)
	r.mu.RUnlock()

	r.log.LogMetric("registry", "ticks_run", ticksRun, "counter", logger.Fields{})
	r.log.LogMetric("registry", "quotes_published", published, "counter", logger.Fields{})
	r.log.LogMetric("registry", "quotes_skipped", skipped, "counter", logger.Fields{})
	r.log.LogMetric("registry", "quotes_throttled", throttled, "counter", logger.Fields{})
	r.log.LogMetric("registry", "quotes_failed", failed, "counter", logger.Fields{})

	r.log.WithComponent("registry").WithFields(logger.Fields{
		"ticks_run":        ticksRun,
		"quotes_published": published,
		"quotes_skipped":   skipped,
		"quotes_throttled": throttled,
		"quotes_failed":    failed,
		"tokens":           tokens,
		"exchanges":        exchanges,
	}).Info("registry metrics")
}

// supervisorsLocked snapshots the supervisor set. Callers hold r.mu.
func (r *Registry) supervisorsLocked() []*reader.Supervisor {
	sups := make([]*reader.Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	return sups
}

func exchangeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func containsToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}
