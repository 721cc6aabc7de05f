package domain

// OrderSide represents the direction of a position or order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Valid reports whether the side is one of the known values.
func (s OrderSide) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionStatus represents the lifecycle state of a managed position.
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "pending_entry" // Entry-range orders still working
	StatusOpen         PositionStatus = "open"
	StatusClosed       PositionStatus = "closed"
)

// CloseReason indicates why a position left the registry.
type CloseReason string

const (
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonForced      CloseReason = "FORCED"      // External rule, e.g. prop-firm violation
	CloseReasonEntryFailed CloseReason = "ENTRY_FAILED" // Entry phase ended without any fill
	CloseReasonUnknown     CloseReason = "Unknown"
)

// OrderType is the pending order type used for entry-range orders.
type OrderType string

const (
	OrderTypeLimit OrderType = "LIMIT"
	OrderTypeStop  OrderType = "STOP"
)

// ActionKind identifies what a ledger record or order action did.
type ActionKind string

const (
	ActionPlaceOrder   ActionKind = "PLACE_ORDER"
	ActionCancelOrder  ActionKind = "CANCEL_ORDER"
	ActionPartialClose ActionKind = "PARTIAL_CLOSE"
	ActionCloseAll     ActionKind = "CLOSE_ALL"
	ActionMoveSL       ActionKind = "MOVE_SL"
	ActionBreakEven    ActionKind = "BREAKEVEN"
	ActionLateFill     ActionKind = "LATE_FILL" // Fill that grew a position after its entry phase
)
