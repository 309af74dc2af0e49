// Package arbitrage derives cross-exchange trade opportunities from the
// aggregated quote grid. Both scan variants walk every exchange pair in both
// directions: buy at one venue's best sell price, sell into the other venue's
// best buy price.
package arbitrage

import (
	"sort"
	"strconv"

	"bookflow/models"
)

type Opportunity struct {
	Token         string  `json:"token"`
	BuyExchange   string  `json:"buy_exchange"`
	BuyPrice      float64 `json:"buy_price"`
	SellExchange  string  `json:"sell_exchange"`
	SellPrice     float64 `json:"sell_price"`
	MaxVolume     float64 `json:"max_volume,omitempty"`
	VolumeUSDT    float64 `json:"volume_usdt,omitempty"`
	ProfitPercent float64 `json:"profit_percent"`
	ProfitUSDT    float64 `json:"profit_usdt"`
}

// feeFactor is the fraction of notional kept after paying the fee on both
// legs of the trade.
func feeFactor(feePercent float64) float64 {
	f := 1 - feePercent/100
	return f * f
}

// FindOpportunities scans a published quote grid for spreads that clear
// minPercent after fees. Pairs with an unavailable price on either side are
// skipped. Results are sorted by profit percent, best first.
func FindOpportunities(grid map[string]map[string]models.Quote, minPercent, feePercent float64) []Opportunity {
	factor := feeFactor(feePercent)
	opportunities := []Opportunity{}

	for token, row := range grid {
		names := sortedNames(row)
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				sell1, buy1, ok1 := parseQuote(row[names[i]])
				sell2, buy2, ok2 := parseQuote(row[names[j]])
				if !ok1 || !ok2 {
					continue
				}

				// Buy at venue i, sell at venue j.
				if buy2 > sell1 {
					if p := (buy2/sell1*factor - 1) * 100; p >= minPercent {
						opportunities = append(opportunities, Opportunity{
							Token:         token,
							BuyExchange:   names[i],
							BuyPrice:      sell1,
							SellExchange:  names[j],
							SellPrice:     buy2,
							ProfitPercent: p,
							ProfitUSDT:    (buy2 - sell1) * factor,
						})
					}
				}
				// Buy at venue j, sell at venue i.
				if buy1 > sell2 {
					if p := (buy1/sell2*factor - 1) * 100; p >= minPercent {
						opportunities = append(opportunities, Opportunity{
							Token:         token,
							BuyExchange:   names[j],
							BuyPrice:      sell2,
							SellExchange:  names[i],
							SellPrice:     buy1,
							ProfitPercent: p,
							ProfitUSDT:    (buy1 - sell2) * factor,
						})
					}
				}
			}
		}
	}

	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].ProfitPercent > opportunities[j].ProfitPercent
	})
	return opportunities
}

// FindVolumeLimited scans raw books and sizes each opportunity by what the
// top level on both venues can actually absorb, capped at volumeUSDT of
// notional. Results are sorted by absolute profit, best first.
func FindVolumeLimited(books map[string]map[string]models.PriceLevelSet, volumeUSDT, feePercent float64) []Opportunity {
	factor := feeFactor(feePercent)
	opportunities := []Opportunity{}

	for token, row := range books {
		names := sortedNames(row)
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				book1 := row[names[i]]
				book2 := row[names[j]]
				if len(book1.Asks) == 0 || len(book1.Bids) == 0 ||
					len(book2.Asks) == 0 || len(book2.Bids) == 0 {
					continue
				}

				if opp, ok := volumeLimited(token, names[i], book1, names[j], book2, volumeUSDT, factor); ok {
					opportunities = append(opportunities, opp)
				}
				if opp, ok := volumeLimited(token, names[j], book2, names[i], book1, volumeUSDT, factor); ok {
					opportunities = append(opportunities, opp)
				}
			}
		}
	}

	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].ProfitUSDT > opportunities[j].ProfitUSDT
	})
	return opportunities
}

// volumeLimited prices buying the top ask on buyVenue and selling into the
// top bid on sellVenue.
func volumeLimited(token, buyVenue string, buyBook models.PriceLevelSet, sellVenue string, sellBook models.PriceLevelSet, volumeUSDT, factor float64) (Opportunity, bool) {
	ask := buyBook.Asks[0]
	bid := sellBook.Bids[0]
	if bid.Price <= ask.Price {
		return Opportunity{}, false
	}

	maxVolume := volumeUSDT / ask.Price
	if ask.Size < maxVolume {
		maxVolume = ask.Size
	}
	if bid.Size < maxVolume {
		maxVolume = bid.Size
	}

	profitPercent := (bid.Price/ask.Price*factor - 1) * 100
	if profitPercent <= 0 {
		return Opportunity{}, false
	}

	return Opportunity{
		Token:         token,
		BuyExchange:   buyVenue,
		BuyPrice:      ask.Price,
		SellExchange:  sellVenue,
		SellPrice:     bid.Price,
		MaxVolume:     maxVolume,
		VolumeUSDT:    maxVolume * ask.Price,
		ProfitPercent: profitPercent,
		ProfitUSDT:    (bid.Price - ask.Price) * maxVolume * factor,
	}, true
}

// parseQuote extracts both numeric prices from a published cell. A cell with
// either side unavailable or unparsable is unusable.
func parseQuote(q models.Quote) (sell, buy float64, ok bool) {
	if q.BestSell == models.PriceUnavailable || q.BestBuy == models.PriceUnavailable {
		return 0, 0, false
	}
	sell, err := strconv.ParseFloat(q.BestSell, 64)
	if err != nil {
		return 0, 0, false
	}
	buy, err = strconv.ParseFloat(q.BestBuy, 64)
	if err != nil {
		return 0, 0, false
	}
	return sell, buy, true
}

func sortedNames[V any](row map[string]V) []string {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
