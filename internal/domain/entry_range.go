package domain

import (
	"math"
	"time"
)

// EntryLogic selects how an entry range is split into pending orders.
type EntryLogic string

const (
	EntryAverage EntryLogic = "AVERAGE"  // Equal lots spread evenly across the range
	EntryBest    EntryLogic = "BEST"     // One order at the most favorable bound
	EntrySecond  EntryLogic = "SECOND"   // One order 25% into the range from the best bound
	EntryScaleIn EntryLogic = "SCALE_IN" // Geometric lot weights across the range
)

// EntryOrderStatus tracks one planned entry order.
type EntryOrderStatus string

const (
	EntryOrderPlanned   EntryOrderStatus = "planned"
	EntryOrderPending   EntryOrderStatus = "pending"
	EntryOrderFilled    EntryOrderStatus = "filled"
	EntryOrderCancelled EntryOrderStatus = "cancelled"
	EntryOrderFailed    EntryOrderStatus = "failed"
)

// EntryOrder is one scaled pending order of an entry-range plan.
type EntryOrder struct {
	Index      int              `json:"index"`
	Price      float64          `json:"price"`
	Lots       float64          `json:"lots"`
	Type       OrderType        `json:"type"`
	Ticket     string           `json:"ticket,omitempty"`
	Status     EntryOrderStatus `json:"status"`
	FilledLots float64          `json:"filled_lots"`
}

// FillRecord is one (partial) fill of an entry order.
type FillRecord struct {
	Ticket      string    `json:"ticket"`
	Price       float64   `json:"price"`
	Lots        float64   `json:"lots"`
	FillQuality float64   `json:"fill_quality"`
	At          time.Time `json:"at"`
}

// EntryRangePlan describes entering a position across a price band.
type EntryRangePlan struct {
	ID           string        `json:"id"`
	PositionID   string        `json:"position_id"`
	Symbol       string        `json:"symbol"`
	Side         OrderSide     `json:"side"`
	Lower        float64       `json:"lower"`
	Upper        float64       `json:"upper"`
	Logic        EntryLogic    `json:"logic"`
	TotalLotSize float64       `json:"total_lot_size"`
	MaxEntries   int           `json:"max_entries"`
	ScaleFactor  float64       `json:"scale_factor"`
	Timeout      time.Duration `json:"timeout"` // Zero means no timeout
	CreatedAt    time.Time     `json:"created_at"`

	Orders       []EntryOrder `json:"orders,omitempty"`
	Fills        []FillRecord `json:"fills,omitempty"`
	FilledLots   float64      `json:"filled_lots"`
	AverageEntry float64      `json:"average_entry"`
	Placed       bool         `json:"placed"` // Placement has been attempted
	Completed    bool         `json:"completed"`
	Expired      bool         `json:"expired"`
}

// Active reports whether the plan can still receive fills.
func (p *EntryRangePlan) Active() bool {
	return !p.Completed && !p.Expired
}

// BestBound is the most favorable price of the range for the plan's side.
func (p *EntryRangePlan) BestBound() float64 {
	if p.Side == Sell {
		return p.Upper
	}
	return p.Lower
}

// WorstBound is the least favorable price of the range for the plan's side.
func (p *EntryRangePlan) WorstBound() float64 {
	if p.Side == Sell {
		return p.Lower
	}
	return p.Upper
}

// Width is the size of the price band.
func (p *EntryRangePlan) Width() float64 {
	return p.Upper - p.Lower
}

// FillQuality maps a fill price to [0,1]: 1.0 at the best bound, 0.0 at the worst.
func (p *EntryRangePlan) FillQuality(price float64) float64 {
	width := p.Width()
	if width <= 0 {
		return 1
	}
	q := 1 - math.Abs(price-p.BestBound())/width
	return math.Max(0, math.Min(1, q))
}

// PendingTickets returns tickets of orders still working at the broker.
func (p *EntryRangePlan) PendingTickets() []string {
	tickets := make([]string, 0, len(p.Orders))
	for _, o := range p.Orders {
		if o.Status == EntryOrderPending && o.Ticket != "" {
			tickets = append(tickets, o.Ticket)
		}
	}
	return tickets
}

// AverageFillQuality is the lot-weighted quality of all fills so far.
func (p *EntryRangePlan) AverageFillQuality() float64 {
	var lots, weighted float64
	for _, f := range p.Fills {
		lots += f.Lots
		weighted += f.FillQuality * f.Lots
	}
	if lots == 0 {
		return 0
	}
	return weighted / lots
}

// Clone returns a deep copy of the plan.
func (p *EntryRangePlan) Clone() *EntryRangePlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Orders = append([]EntryOrder(nil), p.Orders...)
	cp.Fills = append([]FillRecord(nil), p.Fills...)
	return &cp
}
