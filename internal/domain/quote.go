package domain

import "time"

// Quote is a two-sided price snapshot for a symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	At     time.Time
}

// Valid reports whether both sides of the quote are usable.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0
}

// ExitPrice is the price an open position on side would close at:
// the bid for longs, the ask for shorts.
func (q Quote) ExitPrice(side OrderSide) float64 {
	if side == Sell {
		return q.Ask
	}
	return q.Bid
}

// EntryPrice is the price a new order on side would trade at:
// the ask for buys, the bid for sells.
func (q Quote) EntryPrice(side OrderSide) float64 {
	if side == Sell {
		return q.Bid
	}
	return q.Ask
}
