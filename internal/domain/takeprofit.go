package domain

import "time"

// TPStatus is the state of one take-profit level.
type TPStatus string

const (
	TPPending   TPStatus = "PENDING"
	TPHit       TPStatus = "HIT"
	TPCancelled TPStatus = "CANCELLED"
)

// TPAction is what happens when a level is hit.
type TPAction string

const (
	TPPartialClose TPAction = "PARTIAL_CLOSE"
	TPMoveSL       TPAction = "MOVE_SL"
	TPCloseAll     TPAction = "CLOSE_ALL"
)

// TPLevel is one take-profit target. ClosePercentage is a fraction of the
// position's original lot size.
type TPLevel struct {
	Level           int       `json:"level"`
	Price           float64   `json:"price"`
	ClosePercentage float64   `json:"close_percentage"`
	Status          TPStatus  `json:"status"`
	Action          TPAction  `json:"action"`
	MoveSLTo        float64   `json:"move_sl_to,omitempty"`
	ExecutedLots    float64   `json:"executed_lots"`
	HitPrice        float64   `json:"hit_price,omitempty"`
	HitAt           time.Time `json:"hit_at,omitempty"`
}

// CloneLevels copies a slice of levels.
func CloneLevels(levels []TPLevel) []TPLevel {
	if levels == nil {
		return nil
	}
	return append([]TPLevel(nil), levels...)
}
