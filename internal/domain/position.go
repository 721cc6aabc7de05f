package domain

import "time"

// ManagedPosition is one broker position (or signal) whose risk lifecycle is
// managed by the engines until it is fully closed.
type ManagedPosition struct {
	ID               string         `json:"id"`                 // Broker ticket or synthetic signal id
	Symbol           string         `json:"symbol"`             // Trading symbol (e.g., "EURUSD")
	Side             OrderSide      `json:"side"`               // BUY or SELL
	EntryPrice       float64        `json:"entry_price"`        // Average entry price
	LotSize          float64        `json:"lot_size"`           // Current size, shrinks on partial closes
	OriginalLotSize  float64        `json:"original_lot_size"`  // Size the position was opened with
	StopLoss         float64        `json:"stop_loss"`          // Current stop loss (0 if none)
	OriginalStopLoss float64        `json:"original_stop_loss"` // Stop loss at registration, used for risk ratios
	TakeProfit       float64        `json:"take_profit"`        // Broker-side take profit (0 if none)
	Status           PositionStatus `json:"status"`             // pending_entry, open, closed
	CreatedAt        time.Time      `json:"created_at"`         // When the position was registered
	OpenedAt         time.Time      `json:"opened_at"`          // When the entry phase ended (equals CreatedAt without an entry range)
	ClosedAt         time.Time      `json:"closed_at"`          // Zero while not closed
	CloseReason      CloseReason    `json:"close_reason,omitempty"`

	EntryPlanID string `json:"entry_plan_id,omitempty"` // Entry-range plan id, empty if none
}

// HasExposure reports whether the position holds lots at the broker, including
// lots filled while its entry range is still working.
func (p *ManagedPosition) HasExposure() bool {
	return (p.Status == StatusOpen || p.Status == StatusPendingEntry) && !IsZeroLots(p.LotSize)
}

// IsTerminal reports whether the position must leave the registry.
func (p *ManagedPosition) IsTerminal() bool {
	if p.Status == StatusClosed {
		return true
	}
	return p.Status == StatusOpen && IsZeroLots(p.LotSize)
}

// PositionSnapshot is a point-in-time copy of a position and its plans.
// It never aliases live engine state.
type PositionSnapshot struct {
	Position  ManagedPosition `json:"position"`
	EntryPlan *EntryRangePlan `json:"entry_plan,omitempty"`
	BreakEven *BreakEvenPlan  `json:"break_even,omitempty"`
	Levels    []TPLevel       `json:"levels,omitempty"`
}
