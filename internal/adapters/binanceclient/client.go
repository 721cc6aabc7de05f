package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.BrokerGateway on Binance USDT-M futures.
// Positions are one-way per symbol; stops and targets are kept as
// closePosition trigger orders next to the position.
type Client struct {
	futuresClient  *futures.Client
	logger         ports.Logger
	quantityPerLot decimal.Decimal
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey         string
	SecretKey      string
	UseTestnet     bool
	BaseURL        string  // Overrides the production/testnet URL when set
	QuantityPerLot float64 // Contract quantity for one lot, defaults to 1
	HTTPClient     *http.Client
	Logger         ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	if cfg.HTTPClient != nil {
		client.HTTPClient = cfg.HTTPClient
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL, "testnet": cfg.UseTestnet})

	perLot := cfg.QuantityPerLot
	if perLot <= 0 {
		perLot = 1
	}
	return &Client{
		futuresClient:  client,
		logger:         cfg.Logger,
		quantityPerLot: decimal.NewFromFloat(perLot),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2021, -2022: // Rejected, would trigger immediately, reduce-only rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format, IP or permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005: // Margin or balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014: // Quantity or price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4044, -2027: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	// Network, context cancellation and parsing errors
	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetPrice returns the best bid and ask from the book ticker.
func (c *Client) GetPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	op := "GetPrice"
	tickers, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.Quote{}, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return domain.Quote{}, c.handleError(ctx, fmt.Errorf("no book ticker returned for symbol %s", symbol), op)
	}

	bid, err := strconv.ParseFloat(tickers[0].BidPrice, 64)
	if err != nil {
		return domain.Quote{}, c.handleError(ctx, fmt.Errorf("could not parse bid '%s': %w", tickers[0].BidPrice, err), op)
	}
	ask, err := strconv.ParseFloat(tickers[0].AskPrice, 64)
	if err != nil {
		return domain.Quote{}, c.handleError(ctx, fmt.Errorf("could not parse ask '%s': %w", tickers[0].AskPrice, err), op)
	}
	return domain.Quote{Symbol: symbol, Bid: bid, Ask: ask, At: time.Now()}, nil
}

func (c *Client) quantity(lots float64) string {
	return decimal.NewFromFloat(lots).Mul(c.quantityPerLot).String()
}

func formatPrice(price float64) string {
	return decimal.NewFromFloat(price).String()
}

func closeSide(side domain.OrderSide) futures.SideType {
	return futures.SideType(side.Opposite())
}

// PlacePendingOrder places a GTC LIMIT or STOP entry order and returns the order id as ticket.
func (c *Client) PlacePendingOrder(ctx context.Context, req ports.PendingOrderRequest) (string, error) {
	op := "PlacePendingOrder"
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(c.quantity(req.Lots)).
		Price(formatPrice(req.Price)).
		TimeInForce(futures.TimeInForceTypeGTC)

	switch req.Type {
	case domain.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit)
	case domain.OrderTypeStop:
		svc = svc.Type(futures.OrderTypeStop).StopPrice(formatPrice(req.Price))
	default:
		return "", fmt.Errorf("%s failed: %w: unsupported order type %q", op, ports.ErrInvalidRequest, req.Type)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}
	ticket := strconv.FormatInt(order.OrderID, 10)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "type": req.Type, "price": req.Price, "lots": req.Lots, "orderID": ticket,
	})
	return ticket, nil
}

// CancelOrder cancels a pending order by ticket.
func (c *Client) CancelOrder(ctx context.Context, symbol, ticket string) error {
	op := "CancelOrder"
	orderID, err := strconv.ParseInt(ticket, 10, 64)
	if err != nil {
		return fmt.Errorf("%s failed: %w: ticket %q is not an order id", op, ports.ErrInvalidRequest, ticket)
	}
	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": res.Status})
	return nil
}

// ModifyPosition replaces the position's closePosition stop and/or target order.
func (c *Client) ModifyPosition(ctx context.Context, pos ports.PositionRef, newSL, newTP *float64) error {
	if newSL != nil {
		if err := c.replaceTrigger(ctx, pos, futures.OrderTypeStopMarket, *newSL); err != nil {
			return err
		}
	}
	if newTP != nil {
		if err := c.replaceTrigger(ctx, pos, futures.OrderTypeTakeProfitMarket, *newTP); err != nil {
			return err
		}
	}
	return nil
}

// replaceTrigger places the new trigger first and only then cancels the old
// ones, so the position is never left without a stop.
func (c *Client) replaceTrigger(ctx context.Context, pos ports.PositionRef, orderType futures.OrderType, price float64) error {
	op := "ModifyPosition"
	open, err := c.futuresClient.NewListOpenOrdersService().Symbol(pos.Symbol).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(closeSide(pos.Side)).
		Type(orderType).
		StopPrice(formatPrice(price)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	for _, o := range open {
		if o.Type != orderType || !o.ClosePosition || o.OrderID == order.OrderID {
			continue
		}
		if _, err := c.futuresClient.NewCancelOrderService().Symbol(pos.Symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			// The new trigger is already live; a stale one only fires later.
			c.logger.Warn(ctx, op+": Could not cancel replaced trigger order", map[string]interface{}{
				"symbol": pos.Symbol, "orderID": o.OrderID, "error": err.Error(),
			})
		}
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": pos.Symbol, "ticket": pos.Ticket, "type": orderType, "stopPrice": price, "orderID": order.OrderID,
	})
	return nil
}

func (c *Client) reduce(ctx context.Context, op string, pos ports.PositionRef, lots float64) error {
	if lots <= 0 {
		return fmt.Errorf("%s failed: %w: lots must be positive, got %v", op, ports.ErrInvalidRequest, lots)
	}
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(closeSide(pos.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(c.quantity(lots)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": pos.Symbol, "ticket": pos.Ticket, "lots": lots, "orderID": order.OrderID, "avgPrice": order.AvgPrice,
	})
	return nil
}

// PartialClose reduces the position with a reduce-only market order.
func (c *Client) PartialClose(ctx context.Context, pos ports.PositionRef, lots, price float64) error {
	return c.reduce(ctx, "PartialClose", pos, lots)
}

// CloseAll closes the remaining lots with a reduce-only market order.
func (c *Client) CloseAll(ctx context.Context, pos ports.PositionRef, lots float64) error {
	return c.reduce(ctx, "CloseAll", pos, lots)
}
