package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

// Registry is the slice of the aggregation registry the hub needs to serve
// client commands. *processor.Registry satisfies it.
type Registry interface {
	Tokens() []string
	ExchangeNames() []string
	AddToken(ctx context.Context, token string) error
	RemoveToken(ctx context.Context, token string) error
	AddExchange(ctx context.Context, d models.ExchangeDescriptor) error
	RemoveExchange(ctx context.Context, name string) error
	Snapshot() map[string]map[string]models.Quote
	BooksSnapshot() map[string]map[string]models.PriceLevelSet
	Depth(token, exchange string) (models.PriceLevelSet, error)
	Refresh()
	Clear()
	GetStats() map[string]interface{}
}

// Hub fans quote updates out to websocket subscribers. Each client carries its
// own subscription filter and its own buffered send queue, so one slow client
// never stalls delivery to the others. A client whose queue is full is dropped.
type Hub struct {
	registry Registry
	log      *logger.Log

	mu      sync.RWMutex
	clients map[string]*Client

	statsMu        sync.Mutex
	updatesFanned  int64
	broadcasts     int64
	clientsDropped int64
}

func NewHub(registry Registry) *Hub {
	return &Hub{
		registry: registry,
		log:      logger.GetLogger(),
		clients:  make(map[string]*Client),
	}
}

// Run consumes aggregated quote updates until the context is cancelled or the
// channel closes, forwarding each one to the clients whose filters match.
func (h *Hub) Run(ctx context.Context, updates <-chan models.BookUpdate) {
	h.log.WithComponent("hub").Info("broadcast hub started")

	metricsTicker := time.NewTicker(30 * time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.WithComponent("hub").Info("broadcast hub stopped")
			return
		case update, ok := <-updates:
			if !ok {
				h.log.WithComponent("hub").Info("update channel closed, broadcast hub stopped")
				return
			}
			h.publishUpdate(update)
		case <-metricsTicker.C:
			h.reportMetrics()
		}
	}
}

// Register adds a connected client to the fan-out set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.log.WithComponent("hub").WithFields(logger.Fields{
		"client_id":     c.id,
		"total_clients": total,
	}).Info("client connected")
}

// Unregister removes a client and closes its send queue. Safe to call more
// than once for the same client.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.closeSend()

	h.log.WithComponent("hub").WithFields(logger.Fields{
		"client_id":     c.id,
		"total_clients": total,
	}).Info("client disconnected")
}

// publishUpdate delivers one quote update to every client whose subscription
// matches the update's token and exchange.
func (h *Hub) publishUpdate(update models.BookUpdate) {
	msg := updateMessage{
		Type:     "orderbook_update",
		Exchange: update.Exchange,
		Token:    update.Token,
		BestSell: update.BestSell,
		BestBuy:  update.BestBuy,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithComponent("hub").WithFields(logger.Fields{
			"error": err.Error(),
		}).Error("failed to encode orderbook update")
		return
	}
	logger.RecordChannelMessage("hub_updates", len(data))

	h.deliver(data, func(c *Client) bool {
		return c.Filter().Matches(update.Token, update.Exchange)
	})
}

// Broadcast sends an administrative event to every connected client,
// regardless of subscription filters.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithComponent("hub").WithFields(logger.Fields{
			"error": err.Error(),
		}).Error("failed to encode broadcast message")
		return
	}
	logger.RecordChannelMessage("hub_broadcast", len(data))

	h.statsMu.Lock()
	h.broadcasts++
	h.statsMu.Unlock()

	h.deliver(data, nil)
}

// deliver enqueues data on every matching client. Clients that cannot accept
// the message (their queue is full, they stopped draining) are dropped from
// the hub; everyone else is unaffected.
func (h *Hub) deliver(data []byte, match func(*Client) bool) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if match == nil || match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var stuck []*Client
	sent := 0
	for _, c := range targets {
		if c.enqueue(data) {
			sent++
			logger.IncrementPublish(len(data))
		} else {
			stuck = append(stuck, c)
		}
	}

	if sent > 0 {
		h.statsMu.Lock()
		h.updatesFanned += int64(sent)
		h.statsMu.Unlock()
	}

	for _, c := range stuck {
		h.log.WithComponent("hub").WithFields(logger.Fields{
			"client_id": c.id,
		}).Warn("client send queue full, dropping client")
		h.statsMu.Lock()
		h.clientsDropped++
		h.statsMu.Unlock()
		h.Unregister(c.id)
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) GetStats() map[string]interface{} {
	h.statsMu.Lock()
	fanned := h.updatesFanned
	broadcasts := h.broadcasts
	dropped := h.clientsDropped
	h.statsMu.Unlock()

	return map[string]interface{}{
		"connected_clients": h.ClientCount(),
		"updates_fanned":    fanned,
		"broadcasts":        broadcasts,
		"clients_dropped":   dropped,
	}
}

func (h *Hub) reportMetrics() {
	h.statsMu.Lock()
	fanned := h.updatesFanned
	broadcasts := h.broadcasts
	dropped := h.clientsDropped
	h.statsMu.Unlock()
	clients := h.ClientCount()

	h.log.LogMetric("hub", "connected_clients", clients, "gauge", logger.Fields{})
	h.log.LogMetric("hub", "updates_fanned", fanned, "counter", logger.Fields{})
	h.log.LogMetric("hub", "broadcasts", broadcasts, "counter", logger.Fields{})
	h.log.LogMetric("hub", "clients_dropped", dropped, "counter", logger.Fields{})

	h.log.WithComponent("hub").WithFields(logger.Fields{
		"connected_clients": clients,
		"updates_fanned":    fanned,
		"broadcasts":        broadcasts,
		"clients_dropped":   dropped,
	}).Info("hub metrics")
}
