package processor

import (
	"errors"
	"fmt"
	"strings"

	"bookflow/models"
	"bookflow/reader"
	"bookflow/reader/binance"
	"bookflow/reader/bybit"
	"bookflow/reader/coinex"
	"bookflow/reader/mexc"
	"bookflow/reader/tradeogre"
	"bookflow/reader/xeggex"
)

// ErrUnsupportedExchange is returned when no adapter exists for an exchange
// name.
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// NewAdapter picks the venue adapter for a descriptor. The exchange name
// selects the implementation, matching is case-insensitive.
func NewAdapter(d models.ExchangeDescriptor) (reader.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(d.Name)) {
	case "mexc":
		return mexc.New(d), nil
	case "coinex":
		return coinex.New(d), nil
	case "xeggex":
		return xeggex.New(d), nil
	case "tradeogre":
		return tradeogre.New(d), nil
	case "binance":
		return binance.New(d), nil
	case "bybit":
		return bybit.New(d), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedExchange, d.Name)
	}
}
