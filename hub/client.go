package hub

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
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// Outbound message shapes. Every frame carries a "type" discriminator so
// clients can dispatch without peeking at the rest of the payload.
type updateMessage struct {
	Type     string `json:"type"`
	Exchange string `json:"exchange"`
	Token    string `json:"token"`
	BestSell string `json:"best_sell"`
	BestBuy  string `json:"best_buy"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type tokenEvent struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type exchangeInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

type exchangeAddedEvent struct {
	Type     string       `json:"type"`
	Exchange exchangeInfo `json:"exchange"`
}

type exchangeRemovedEvent struct {
	Type     string `json:"type"`
	Exchange string `json:"exchange"`
}

type simpleEvent struct {
	Type string `json:"type"`
}

type orderbookData struct {
	Type     string              `json:"type"`
	Token    string              `json:"token"`
	Exchange string              `json:"exchange"`
	Asks     []models.PriceLevel `json:"asks"`
	Bids     []models.PriceLevel `json:"bids"`
}

type initialData struct {
	Type       string                             `json:"type"`
	Tokens     []string                           `json:"tokens"`
	Exchanges  []string                           `json:"exchanges"`
	Orderbooks map[string]map[string]models.Quote `json:"orderbooks"`
}

// clientRequest is the single inbound frame shape. Which fields matter
// depends on the action.
type clientRequest struct {
	Action    string   `json:"action"`
	Tokens    []string `json:"tokens"`
	Exchanges []string `json:"exchanges"`
	Token     string   `json:"token"`
	Exchange  string   `json:"exchange"`
	URL       string   `json:"url"`
	Type      string   `json:"type"`
}

// Client is one websocket subscriber. Reads and writes run on separate
// goroutines; the send queue decouples hub fan-out from the socket.
type Client struct {
	id       string
	hub      *Hub
	registry Registry
	conn     *websocket.Conn
	ctx      context.Context
	log      *logger.Log

	send   chan []byte
	sendMu sync.Mutex
	closed bool

	mu     sync.RWMutex
	filter models.SubscriptionFilter
}

func newClient(ctx context.Context, hub *Hub, registry Registry, conn *websocket.Conn, id string) *Client {
	return &Client{
		id:       id,
		hub:      hub,
		registry: registry,
		conn:     conn,
		ctx:      ctx,
		log:      logger.GetLogger(),
		send:     make(chan []byte, sendBufferSize),
	}
}

// Filter returns the client's current subscription filter.
func (c *Client) Filter() models.SubscriptionFilter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter
}

// applySubscription updates the filter. Both lists empty resets the client to
// receiving everything; otherwise only the axes that were provided change.
func (c *Client) applySubscription(tokens, exchanges []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tokens) == 0 && len(exchanges) == 0 {
		c.filter = models.SubscriptionFilter{}
		return
	}
	if len(tokens) > 0 {
		c.filter.Tokens = cleanList(tokens)
	}
	if len(exchanges) > 0 {
		c.filter.Exchanges = cleanList(exchanges)
	}
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// enqueue offers a frame to the client's send queue without blocking. It
// reports false when the queue is full or already closed.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WithComponent("hub").WithFields(logger.Fields{
			"client_id": c.id,
			"error":     err.Error(),
		}).Error("failed to encode client message")
		return
	}
	if !c.enqueue(data) {
		c.log.WithComponent("hub").WithFields(logger.Fields{
			"client_id": c.id,
		}).Warn("client send queue full, reply dropped")
	}
}

func (c *Client) sendError(msg string) {
	c.sendJSON(errorMessage{Type: "error", Message: msg})
}

// readPump consumes frames from the socket until it errors or closes, and
// unregisters the client on the way out.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithComponent("hub").WithFields(logger.Fields{
					"client_id": c.id,
					"error":     err.Error(),
				}).Warn("client read failed")
			}
			return
		}
		c.handleMessage(raw)
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound frame.
func (c *Client) handleMessage(raw []byte) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid JSON")
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "subscribe":
		c.applySubscription(req.Tokens, req.Exchanges)

	case "add_token":
		token := strings.TrimSpace(req.Token)
		if token == "" {
			c.sendError("No token provided")
			return
		}
		if err := c.registry.AddToken(c.ctx, token); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Broadcast(tokenEvent{Type: "token_added", Token: strings.ToUpper(token)})

	case "remove_token":
		token := strings.TrimSpace(req.Token)
		if token == "" {
			c.sendError("No token provided")
			return
		}
		if err := c.registry.RemoveToken(c.ctx, token); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Broadcast(tokenEvent{Type: "token_removed", Token: strings.ToUpper(token)})

	case "add_exchange":
		name := strings.TrimSpace(req.Exchange)
		url := strings.TrimSpace(req.URL)
		if name == "" || url == "" {
			c.sendError("Exchange or URL missing")
			return
		}
		descriptor := models.ExchangeDescriptor{Name: name, URL: url, Kind: transportKind(req.Type)}
		if err := c.registry.AddExchange(c.ctx, descriptor); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Broadcast(exchangeAddedEvent{
			Type: "exchange_added",
			Exchange: exchangeInfo{
				Name: name,
				URL:  url,
				Type: string(descriptor.Kind),
			},
		})

	case "remove_exchange":
		name := strings.TrimSpace(req.Exchange)
		if name == "" {
			c.sendError("No exchange provided")
			return
		}
		if err := c.registry.RemoveExchange(c.ctx, name); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Broadcast(exchangeRemovedEvent{Type: "exchange_removed", Exchange: name})

	case "update_prices", "refresh":
		c.registry.Refresh()

	case "clear":
		c.registry.Clear()
		c.hub.Broadcast(simpleEvent{Type: "orderbooks_cleared"})

	case "get_orderbook":
		token := strings.TrimSpace(req.Token)
		exchange := strings.TrimSpace(req.Exchange)
		if token == "" || exchange == "" {
			c.sendError("Token or exchange missing")
			return
		}
		set, err := c.registry.Depth(token, exchange)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendJSON(orderbookData{
			Type:     "orderbook_data",
			Token:    strings.ToUpper(token),
			Exchange: exchange,
			Asks:     nonNilLevels(set.Asks),
			Bids:     nonNilLevels(set.Bids),
		})

	default:
		c.sendError(fmt.Sprintf("Unknown action: %s", req.Action))
	}
}

func transportKind(v string) models.TransportKind {
	if strings.EqualFold(strings.TrimSpace(v), string(models.KindHTTP)) {
		return models.KindHTTP
	}
	return models.KindWebsocket
}

func nonNilLevels(levels []models.PriceLevel) []models.PriceLevel {
	if levels == nil {
		return []models.PriceLevel{}
	}
	return levels
}
