package domain

import "time"

// ExecutionRecord is an immutable ledger entry for one triggered action.
type ExecutionRecord struct {
	Seq           int64      `json:"seq"`
	Ticket        string     `json:"ticket"`    // Position id
	Symbol        string     `json:"symbol"`    //
	Reference     string     `json:"reference"` // e.g. "tp:2", "breakeven", "entry:<plan>:<n>"
	Action        ActionKind `json:"action"`
	Price         float64    `json:"price"`
	Lots          float64    `json:"lots"`
	RemainingLots float64    `json:"remaining_lots"`
	Timestamp     time.Time  `json:"timestamp"`
	Success       bool       `json:"success"`
	Error         string     `json:"error,omitempty"`
}

// OrderAction is a broker request produced by the entry-range engine.
type OrderAction struct {
	Kind       ActionKind // ActionPlaceOrder or ActionCancelOrder
	PlanID     string
	PositionID string
	OrderIndex int
	Symbol     string
	Side       OrderSide
	Price      float64
	Lots       float64
	Type       OrderType
	Ticket     string // Set for cancellations
}
