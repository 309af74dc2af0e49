package models

import (
	"strings"
	"time"
)

// Quote is one token/exchange cell of the aggregation table.
type Quote struct {
	BestSell  string    `json:"best_sell"`
	BestBuy   string    `json:"best_buy"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// UnavailableQuote is the placeholder cell shown before an exchange has
// produced a valid book for a token.
func UnavailableQuote() Quote {
	return Quote{BestSell: PriceUnavailable, BestBuy: PriceUnavailable}
}

// Same reports whether two quotes carry the same prices, ignoring the
// update timestamp.
func (q Quote) Same(other Quote) bool {
	return q.BestSell == other.BestSell && q.BestBuy == other.BestBuy
}

// BookUpdate is the per-pair quote published to subscribers after a
// reconciliation pass changes a cell.
type BookUpdate struct {
	Exchange string    `json:"exchange"`
	Token    string    `json:"token"`
	BestSell string    `json:"best_sell"`
	BestBuy  string    `json:"best_buy"`
	At       time.Time `json:"-"`
}

// SubscriptionFilter narrows which book updates a hub client receives.
// An empty axis matches everything.
type SubscriptionFilter struct {
	Tokens    []string `json:"tokens"`
	Exchanges []string `json:"exchanges"`
}

// Matches reports whether an update for the token and exchange passes the
// filter. Comparison is case-insensitive on both axes.
func (f SubscriptionFilter) Matches(token, exchange string) bool {
	if len(f.Tokens) > 0 && !containsFold(f.Tokens, token) {
		return false
	}
	if len(f.Exchanges) > 0 && !containsFold(f.Exchanges, exchange) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
