package models

import (
	"encoding/json"
	"fmt"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// MEXC //////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// MexcDepthResp mirrors MEXC's limit depth websocket event. Subscription
// acks arrive on the same socket without a channel field and decode into an
// empty struct.
type MexcDepthResp struct {
	Channel      string     `json:"channel"`
	Symbol       string     `json:"symbol"`
	Asks         [][]string `json:"asks"`
	Bids         [][]string `json:"bids"`
	LastUpdateID int64      `json:"lastUpdateId"`
}

// MexcDepthSnapshotResp mirrors the REST depth snapshot used to seed a book
// before the first websocket push arrives.
type MexcDepthSnapshotResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Asks         [][]string `json:"asks"`
	Bids         [][]string `json:"bids"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// COINEX ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CoinexDepthResp mirrors a CoinEx websocket notification. For depth.update
// the params array carries the market symbol first and the book second.
type CoinexDepthResp struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     *int64            `json:"id"`
}

// CoinexBook is the book payload inside a depth notification or REST reply.
type CoinexBook struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

// CoinexSnapshotResp wraps the REST depth snapshot endpoint reply.
type CoinexSnapshotResp struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    CoinexBook `json:"data"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// XEGGEX ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// XeggexNotification is a JSON-RPC 2.0 frame from the venue. Book pushes use
// the snapshotOrderbook and orderbookUpdate methods; request replies carry a
// result instead.
type XeggexNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  XeggexBook      `json:"params"`
	Result  json.RawMessage `json:"result"`
	ID      *int64          `json:"id"`
}

// XeggexBook carries one book payload keyed by the venue's slash symbol.
type XeggexBook struct {
	Symbol string        `json:"symbol"`
	Asks   []XeggexLevel `json:"asks"`
	Bids   []XeggexLevel `json:"bids"`
}

// XeggexLevel decodes a single level which the venue ships either as a
// ["price","quantity"] pair or as an object with price and quantity fields.
type XeggexLevel struct {
	Price    float64
	Quantity float64
}

func (l *XeggexLevel) UnmarshalJSON(data []byte) error {
	var pair []json.Number
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) < 2 {
			return fmt.Errorf("level pair has %d fields, want 2", len(pair))
		}
		return l.set(pair[0], pair[1])
	}

	var obj struct {
		Price    json.Number `json:"price"`
		Quantity json.Number `json:"quantity"`
		Amount   json.Number `json:"amount"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	qty := obj.Quantity
	if qty == "" {
		qty = obj.Amount
	}
	return l.set(obj.Price, qty)
}

func (l *XeggexLevel) set(price, qty json.Number) error {
	p, err := price.Float64()
	if err != nil {
		return fmt.Errorf("level price %q: %w", price, err)
	}
	q, err := qty.Float64()
	if err != nil {
		return fmt.Errorf("level quantity %q: %w", qty, err)
	}
	l.Price, l.Quantity = p, q
	return nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// TRADEOGRE /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// TradeOgreBookResp mirrors the public orders endpoint payload. Each side is
// a map keyed by price string with the size as the value.
type TradeOgreBookResp struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Buy     map[string]string `json:"buy"`
	Sell    map[string]string `json:"sell"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BYBIT /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BybitBookResult is the order book payload inside a V5 market response.
type BybitBookResult struct {
	Symbol   string     `json:"s"`
	Asks     [][]string `json:"a"`
	Bids     [][]string `json:"b"`
	Ts       int64      `json:"ts"`
	UpdateID int64      `json:"u"`
}
