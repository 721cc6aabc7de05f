package ports

import (
	"context"

	"signalPilot/internal/domain"
)

// PositionRef identifies a live position at the broker.
type PositionRef struct {
	Ticket string
	Symbol string
	Side   domain.OrderSide
}

// PendingOrderRequest describes one pending entry order.
type PendingOrderRequest struct {
	Symbol string
	Side   domain.OrderSide
	Price  float64
	Lots   float64
	Type   domain.OrderType
}

// BrokerGateway is the opaque broker boundary used by the lifecycle engines.
// Implementations must honour ctx deadlines; every failure is reported as an error,
// nothing panics across this boundary.
type BrokerGateway interface {
	// GetPrice returns the current bid/ask for symbol.
	GetPrice(ctx context.Context, symbol string) (domain.Quote, error)

	// PlacePendingOrder places a limit or stop entry order and returns its ticket.
	PlacePendingOrder(ctx context.Context, req PendingOrderRequest) (string, error)

	// CancelOrder cancels a pending order by ticket.
	CancelOrder(ctx context.Context, symbol, ticket string) error

	// ModifyPosition changes the stop loss and/or take profit. Nil leaves a value untouched.
	ModifyPosition(ctx context.Context, pos PositionRef, newSL, newTP *float64) error

	// PartialClose closes lots of the position at (approximately) price.
	PartialClose(ctx context.Context, pos PositionRef, lots, price float64) error

	// CloseAll closes the remaining lots of the position.
	CloseAll(ctx context.Context, pos PositionRef, lots float64) error
}
