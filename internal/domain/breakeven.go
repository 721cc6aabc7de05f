package domain

import "time"

// BreakEvenTrigger selects the rule that decides when to move the stop to entry.
type BreakEvenTrigger string

const (
	TriggerFixedPips  BreakEvenTrigger = "FIXED_PIPS"
	TriggerPercentage BreakEvenTrigger = "PERCENTAGE"
	TriggerTimeBased  BreakEvenTrigger = "TIME_BASED"
	TriggerRatioBased BreakEvenTrigger = "RATIO_BASED"
)

// BreakEvenPlan moves a position's stop loss to entry ± buffer exactly once.
type BreakEvenPlan struct {
	Trigger            BreakEvenTrigger `json:"trigger"`
	ThresholdValue     float64          `json:"threshold_value"` // pips, percent, minutes or reward/risk ratio
	BufferPips         float64          `json:"buffer_pips"`
	MinProfitPips      float64          `json:"min_profit_pips"`
	OnlyWhenProfitable bool             `json:"only_when_profitable"`
	BypassProfitGate   bool             `json:"bypass_profit_gate"` // TIME_BASED only

	Triggered   bool      `json:"triggered"`
	TriggeredAt time.Time `json:"triggered_at"`
	NewStopLoss float64   `json:"new_stop_loss"`
}
