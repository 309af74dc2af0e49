package models

import "strconv"

// DefaultNotionalThreshold is the cumulative depth, in quote currency, a
// price level must clear before it is quoted as the best price. Quoting the
// level that absorbs this much notional filters out dust orders at the top
// of the book.
const DefaultNotionalThreshold = 5.0

// PriceUnavailable marks a side with no quotable price.
const PriceUnavailable = "X X X"

// BestPrices walks each side of the book accumulating price*size until the
// running notional reaches threshold, then formats that level's price. A side
// that never accumulates enough depth yields PriceUnavailable. A crossed
// result, where the quoted sell does not exceed the quoted buy, invalidates
// both sides.
func (s PriceLevelSet) BestPrices(threshold float64) (bestSell, bestBuy string) {
	if threshold <= 0 {
		threshold = DefaultNotionalThreshold
	}
	sell, haveSell := depthPrice(s.Asks, threshold)
	buy, haveBuy := depthPrice(s.Bids, threshold)
	if haveSell && haveBuy && sell <= buy {
		return PriceUnavailable, PriceUnavailable
	}
	bestSell, bestBuy = PriceUnavailable, PriceUnavailable
	if haveSell {
		bestSell = FormatPrice(sell)
	}
	if haveBuy {
		bestBuy = FormatPrice(buy)
	}
	return bestSell, bestBuy
}

func depthPrice(levels []PriceLevel, threshold float64) (float64, bool) {
	cumulative := 0.0
	for _, l := range levels {
		cumulative += l.Price * l.Size
		if cumulative >= threshold {
			return l.Price, true
		}
	}
	return 0, false
}

// FormatPrice renders a price with precision scaled to its magnitude, so
// large prices stay compact while sub-cent prices keep enough decimals to
// stay meaningful.
func FormatPrice(price float64) string {
	var precision int
	switch {
	case price >= 1000:
		precision = 2
	case price >= 100:
		precision = 3
	case price >= 10:
		precision = 4
	case price >= 1:
		precision = 5
	case price >= 0.1:
		precision = 6
	case price >= 0.01:
		precision = 7
	default:
		precision = 8
	}
	return strconv.FormatFloat(price, 'f', precision, 64)
}
