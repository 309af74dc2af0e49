package models

import (
	"sort"
	"strconv"
)

// PriceLevel is a single order book entry: a price and the size resting at it.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// PriceLevelSet is one exchange's view of a token's book. Asks are sorted
// ascending, bids descending, and every level carries a positive size.
// Snapshots are replaced wholesale; a set is never mutated in place.
type PriceLevelSet struct {
	Asks []PriceLevel `json:"asks"`
	Bids []PriceLevel `json:"bids"`
}

// NewPriceLevelSet normalizes raw side data into a PriceLevelSet. Levels
// without a positive size are dropped, asks are sorted ascending and bids
// descending by price.
func NewPriceLevelSet(asks, bids []PriceLevel) PriceLevelSet {
	s := PriceLevelSet{
		Asks: dropEmptyLevels(asks),
		Bids: dropEmptyLevels(bids),
	}
	sort.Slice(s.Asks, func(i, j int) bool { return s.Asks[i].Price < s.Asks[j].Price })
	sort.Slice(s.Bids, func(i, j int) bool { return s.Bids[i].Price > s.Bids[j].Price })
	return s
}

func dropEmptyLevels(levels []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Size <= 0 {
			continue
		}
		out = append(out, l)
	}
	return out
}

// IsEmpty reports whether neither side holds any level.
func (s PriceLevelSet) IsEmpty() bool {
	return len(s.Asks) == 0 && len(s.Bids) == 0
}

// ParseLevels converts the [price, size] string pairs most exchanges ship
// into levels. Short or unparsable rows are skipped.
func ParseLevels(raw [][]string) []PriceLevel {
	out := make([]PriceLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			continue
		}
		out = append(out, PriceLevel{Price: price, Size: size})
	}
	return out
}
