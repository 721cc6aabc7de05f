package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

// EntryRangeConfig holds the engine-wide settings for entry-range splitting.
type EntryRangeConfig struct {
	LotStep            float64 // Broker lot increment, order sizes are floored to it
	MaxAverageEntries  int     // Cap for AVERAGE plans
	MaxScaleEntries    int     // Cap for SCALE_IN plans
	DefaultScaleFactor float64 // Used when a SCALE_IN plan has no factor
	SecondEntryOffset  float64 // Fraction of the range width for SECOND plans
}

// DefaultEntryRangeConfig returns the standard entry-range settings.
func DefaultEntryRangeConfig() EntryRangeConfig {
	return EntryRangeConfig{
		LotStep:            0.01,
		MaxAverageEntries:  3,
		MaxScaleEntries:    5,
		DefaultScaleFactor: 1.5,
		SecondEntryOffset:  0.25,
	}
}

// FillResult describes the effect of one fill on its plan.
type FillResult struct {
	PlanID       string
	PositionID   string
	Lots         float64 // Lots applied, after clamping to the open order size
	FillQuality  float64
	FilledLots   float64
	AverageEntry float64
	Completed    bool                 // The fill finished the entry phase
	Late         bool                 // The plan had already finished before this fill
	Cancels      []domain.OrderAction // Stragglers to cancel after completion
}

// EntryRangeStats summarizes all plans the engine has seen.
type EntryRangeStats struct {
	ActivePlans        int
	CompletedPlans     int
	ExpiredPlans       int
	TotalFills         int
	AverageFillQuality float64
}

// EntryRangeEngine turns a price band into scaled pending orders and tracks their fills.
// Methods are safe for concurrent use; the monitor is the only writer per plan.
type EntryRangeEngine struct {
	config EntryRangeConfig
	logger ports.Logger

	mu      sync.Mutex
	plans   map[string]*domain.EntryRangePlan
	tickets map[string]string // Broker ticket -> plan id

	completed     int
	expired       int
	fillCount     int
	qualityWeight float64
	qualityLots   float64
}

// NewEntryRangeEngine creates an entry-range engine.
func NewEntryRangeEngine(config EntryRangeConfig, logger ports.Logger) (*EntryRangeEngine, error) {
	if !finitePositive(config.LotStep) {
		return nil, invalidf("lot step must be positive, got %v", config.LotStep)
	}
	if config.MaxAverageEntries < 1 || config.MaxScaleEntries < 1 {
		return nil, invalidf("entry caps must be at least 1")
	}
	if config.DefaultScaleFactor <= 0 {
		config.DefaultScaleFactor = 1.5
	}
	if config.SecondEntryOffset < 0 || config.SecondEntryOffset > 1 {
		return nil, invalidf("second entry offset must be within [0,1], got %v", config.SecondEntryOffset)
	}
	return &EntryRangeEngine{
		config:  config,
		logger:  logger,
		plans:   make(map[string]*domain.EntryRangePlan),
		tickets: make(map[string]string),
	}, nil
}

func (e *EntryRangeEngine) validatePlan(p *domain.EntryRangePlan) error {
	if p.Symbol == "" {
		return invalidf("entry range symbol is required")
	}
	if !p.Side.Valid() {
		return invalidf("entry range side %q is not BUY or SELL", p.Side)
	}
	if !finitePositive(p.Lower) || !finitePositive(p.Upper) {
		return invalidf("entry range bounds must be positive, got [%v, %v]", p.Lower, p.Upper)
	}
	if p.Upper <= p.Lower {
		return invalidf("entry range upper bound %v must exceed lower bound %v", p.Upper, p.Lower)
	}
	switch p.Logic {
	case domain.EntryAverage, domain.EntryBest, domain.EntrySecond, domain.EntryScaleIn:
	default:
		return invalidf("unknown entry logic %q", p.Logic)
	}
	if !finitePositive(p.TotalLotSize) {
		return invalidf("entry range lot size must be positive, got %v", p.TotalLotSize)
	}
	if domain.FloorLots(p.TotalLotSize, e.config.LotStep) <= 0 {
		return invalidf("entry range lot size %v is below the lot step %v", p.TotalLotSize, e.config.LotStep)
	}
	if p.MaxEntries < 0 {
		return invalidf("max entries must not be negative, got %d", p.MaxEntries)
	}
	if p.ScaleFactor < 0 || math.IsNaN(p.ScaleFactor) {
		return invalidf("scale factor must not be negative, got %v", p.ScaleFactor)
	}
	if p.Timeout < 0 {
		return invalidf("timeout must not be negative, got %v", p.Timeout)
	}
	return nil
}

// RegisterPlan validates a plan, computes its orders and starts tracking it.
// Orders are not sent until the first OnPrice call for the plan.
func (e *EntryRangeEngine) RegisterPlan(plan domain.EntryRangePlan) (string, error) {
	if err := e.validatePlan(&plan); err != nil {
		return "", err
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.MaxEntries == 0 {
		plan.MaxEntries = e.config.MaxAverageEntries
		if plan.Logic == domain.EntryScaleIn {
			plan.MaxEntries = e.config.MaxScaleEntries
		}
	}
	if plan.ScaleFactor == 0 {
		plan.ScaleFactor = e.config.DefaultScaleFactor
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	plan.Orders = e.buildOrders(&plan)
	plan.Fills = nil
	plan.FilledLots = 0
	plan.AverageEntry = 0
	plan.Placed, plan.Completed, plan.Expired = false, false, false

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.plans[plan.ID]; exists {
		return "", fmt.Errorf("%w: entry plan %s", ports.ErrAlreadyExists, plan.ID)
	}
	p := plan
	e.plans[p.ID] = &p
	return p.ID, nil
}

// Restore re-installs a plan captured in a snapshot without recomputing it.
func (e *EntryRangeEngine) Restore(plan *domain.EntryRangePlan) error {
	if plan == nil || plan.ID == "" {
		return invalidf("restored entry plan needs an id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := plan.Clone()
	e.plans[p.ID] = p
	for _, o := range p.Orders {
		if o.Ticket != "" {
			e.tickets[o.Ticket] = p.ID
		}
	}
	return nil
}

// buildOrders splits the plan into priced, sized orders per its entry logic.
func (e *EntryRangeEngine) buildOrders(p *domain.EntryRangePlan) []domain.EntryOrder {
	best, worst := p.BestBound(), p.WorstBound()
	var prices, weights []float64

	switch p.Logic {
	case domain.EntryBest:
		prices, weights = []float64{best}, []float64{1}
	case domain.EntrySecond:
		prices, weights = []float64{best + (worst-best)*e.config.SecondEntryOffset}, []float64{1}
	case domain.EntryAverage:
		n := minInt(p.MaxEntries, e.config.MaxAverageEntries)
		n = e.fitEntries(p.TotalLotSize, equalWeights(n))
		if n == 1 {
			prices = []float64{(p.Lower + p.Upper) / 2}
		} else {
			for i := 0; i < n; i++ {
				prices = append(prices, best+(worst-best)*float64(i)/float64(n-1))
			}
		}
		weights = equalWeights(n)
	case domain.EntryScaleIn:
		n := minInt(p.MaxEntries, e.config.MaxScaleEntries)
		n = e.fitEntries(p.TotalLotSize, scaleWeights(n, p.ScaleFactor))
		weights = scaleWeights(n, p.ScaleFactor)
		if n == 1 {
			prices = []float64{best}
		} else {
			// Worst bound first, so the heaviest weight sits at the best price.
			for i := 0; i < n; i++ {
				prices = append(prices, worst+(best-worst)*float64(i)/float64(n-1))
			}
		}
	}

	lots := e.splitLots(p.TotalLotSize, weights)
	orders := make([]domain.EntryOrder, len(prices))
	for i := range prices {
		orders[i] = domain.EntryOrder{
			Index:  i,
			Price:  domain.RoundPrice(p.Symbol, prices[i]),
			Lots:   lots[i],
			Status: domain.EntryOrderPlanned,
		}
	}
	return orders
}

// fitEntries drops orders until every order gets at least one lot step.
func (e *EntryRangeEngine) fitEntries(total float64, weights []float64) int {
	n := len(weights)
	for n > 1 {
		lots := e.splitLots(total, weights[:n])
		ok := true
		for _, l := range lots {
			if l < e.config.LotStep-1e-9 {
				ok = false
				break
			}
		}
		if ok {
			return n
		}
		n--
	}
	return 1
}

// splitLots distributes total by weight, floored to the lot step.
// The last order takes the remainder so the parts sum to total exactly.
func (e *EntryRangeEngine) splitLots(total float64, weights []float64) []float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	lots := make([]float64, len(weights))
	assigned := 0.0
	for i, w := range weights {
		if i == len(weights)-1 {
			lots[i] = domain.SubLots(total, assigned)
			break
		}
		lots[i] = domain.ShareOfLots(total, w, sum, e.config.LotStep)
		assigned = domain.AddLots(assigned, lots[i])
	}
	return lots
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

func scaleWeights(n int, factor float64) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = math.Pow(factor, float64(i))
	}
	return w
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// OnPrice returns the placement actions for a plan the first time it sees a price.
// Each order is a LIMIT when the market has to come to it and a STOP otherwise.
func (e *EntryRangeEngine) OnPrice(planID string, marketPrice float64) ([]domain.OrderAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: entry plan %s", ports.ErrNotFound, planID)
	}
	if p.Placed || !p.Active() {
		return nil, nil
	}
	if !finitePositive(marketPrice) {
		return nil, fmt.Errorf("%w: no market price for %s", ports.ErrStaleOrMissingPrice, p.Symbol)
	}

	actions := make([]domain.OrderAction, 0, len(p.Orders))
	for i := range p.Orders {
		o := &p.Orders[i]
		o.Type = orderTypeFor(p.Side, o.Price, marketPrice)
		actions = append(actions, domain.OrderAction{
			Kind:       domain.ActionPlaceOrder,
			PlanID:     p.ID,
			PositionID: p.PositionID,
			OrderIndex: o.Index,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Price:      o.Price,
			Lots:       o.Lots,
			Type:       o.Type,
		})
	}
	p.Placed = true
	return actions, nil
}

func orderTypeFor(side domain.OrderSide, orderPrice, market float64) domain.OrderType {
	if side == domain.Sell {
		if orderPrice >= market {
			return domain.OrderTypeLimit
		}
		return domain.OrderTypeStop
	}
	if orderPrice <= market {
		return domain.OrderTypeLimit
	}
	return domain.OrderTypeStop
}

// ConfirmOrder records the broker ticket of a placed order.
func (e *EntryRangeEngine) ConfirmOrder(planID string, index int, ticket string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, p, err := e.orderLocked(planID, index)
	if err != nil {
		return err
	}
	if ticket == "" {
		return fmt.Errorf("%w: empty ticket for entry order %d of %s", ports.ErrInvariantViolation, index, planID)
	}
	o.Ticket = ticket
	o.Status = domain.EntryOrderPending
	e.tickets[ticket] = p.ID
	return nil
}

// OrderFailed marks an order whose placement failed. It is not retried.
// The returned result reports whether the plan finished as a consequence.
func (e *EntryRangeEngine) OrderFailed(planID string, index int) (FillResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, p, err := e.orderLocked(planID, index)
	if err != nil {
		return FillResult{}, err
	}
	o.Status = domain.EntryOrderFailed
	return e.checkCompletionLocked(p), nil
}

func (e *EntryRangeEngine) orderLocked(planID string, index int) (*domain.EntryOrder, *domain.EntryRangePlan, error) {
	p, ok := e.plans[planID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: entry plan %s", ports.ErrNotFound, planID)
	}
	if index < 0 || index >= len(p.Orders) {
		return nil, nil, fmt.Errorf("%w: entry order %d of %s", ports.ErrNotFound, index, planID)
	}
	return &p.Orders[index], p, nil
}

// OnFill applies a (partial) fill of an entry order.
func (e *EntryRangeEngine) OnFill(ticket string, price, lots float64, at time.Time) (FillResult, error) {
	if !finitePositive(price) || !finitePositive(lots) {
		return FillResult{}, fmt.Errorf("%w: fill of %s needs positive price and lots", ports.ErrInvalidRequest, ticket)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	planID, ok := e.tickets[ticket]
	if !ok {
		return FillResult{}, fmt.Errorf("%w: no entry order with ticket %s", ports.ErrOrderNotFound, ticket)
	}
	p := e.plans[planID]
	var order *domain.EntryOrder
	for i := range p.Orders {
		if p.Orders[i].Ticket == ticket {
			order = &p.Orders[i]
			break
		}
	}
	if order == nil || order.Status == domain.EntryOrderFilled {
		return FillResult{}, fmt.Errorf("%w: entry order %s cannot take more fills", ports.ErrInvariantViolation, ticket)
	}

	open := domain.SubLots(order.Lots, order.FilledLots)
	if lots > open {
		e.logger.Warn(context.Background(), "EntryRange: fill exceeds order size, clamping", map[string]interface{}{
			"ticket": ticket, "fill_lots": lots, "open_lots": open,
		})
		lots = open
	}

	wasActive := p.Active()
	quality := p.FillQuality(price)
	newFilled := domain.AddLots(p.FilledLots, lots)
	p.AverageEntry = (p.AverageEntry*p.FilledLots + price*lots) / newFilled
	p.FilledLots = newFilled
	p.Fills = append(p.Fills, domain.FillRecord{
		Ticket:      ticket,
		Price:       price,
		Lots:        lots,
		FillQuality: quality,
		At:          at,
	})
	order.FilledLots = domain.AddLots(order.FilledLots, lots)
	if domain.LotsAtLeast(order.FilledLots, order.Lots) {
		order.Status = domain.EntryOrderFilled
	}

	e.fillCount++
	e.qualityWeight += quality * lots
	e.qualityLots += lots

	res := e.checkCompletionLocked(p)
	res.Lots = lots
	res.FillQuality = quality
	res.Late = !wasActive
	return res, nil
}

// checkCompletionLocked completes an active plan once it is fully filled or
// has no working orders left, returning cancel actions for any stragglers.
func (e *EntryRangeEngine) checkCompletionLocked(p *domain.EntryRangePlan) FillResult {
	res := FillResult{
		PlanID:       p.ID,
		PositionID:   p.PositionID,
		FilledLots:   p.FilledLots,
		AverageEntry: p.AverageEntry,
	}
	if !p.Active() || !p.Placed {
		return res
	}

	full := domain.LotsAtLeast(p.FilledLots, p.TotalLotSize)
	working := false
	for _, o := range p.Orders {
		if o.Status == domain.EntryOrderPending || o.Status == domain.EntryOrderPlanned {
			working = true
			break
		}
	}
	if !full && working {
		return res
	}

	p.Completed = true
	e.completed++
	res.Completed = true
	res.Cancels = e.cancelRemainingLocked(p)
	return res
}

// cancelRemainingLocked marks all working orders cancelled and returns the
// cancel actions for those with a broker ticket.
func (e *EntryRangeEngine) cancelRemainingLocked(p *domain.EntryRangePlan) []domain.OrderAction {
	var actions []domain.OrderAction
	for i := range p.Orders {
		o := &p.Orders[i]
		if o.Status != domain.EntryOrderPending && o.Status != domain.EntryOrderPlanned {
			continue
		}
		o.Status = domain.EntryOrderCancelled
		if o.Ticket == "" {
			continue
		}
		actions = append(actions, domain.OrderAction{
			Kind:       domain.ActionCancelOrder,
			PlanID:     p.ID,
			PositionID: p.PositionID,
			OrderIndex: o.Index,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Price:      o.Price,
			Lots:       domain.SubLots(o.Lots, o.FilledLots),
			Type:       o.Type,
			Ticket:     o.Ticket,
		})
	}
	return actions
}

// ExpiredPlan is a plan that timed out during a Tick sweep.
type ExpiredPlan struct {
	PlanID       string
	PositionID   string
	FilledLots   float64
	AverageEntry float64
	Cancels      []domain.OrderAction
}

// Tick expires every active plan older than its timeout and returns the
// orders to cancel. Filled lots are kept.
func (e *EntryRangeEngine) Tick(now time.Time) []ExpiredPlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.plans))
	for id := range e.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []ExpiredPlan
	for _, id := range ids {
		p := e.plans[id]
		if !p.Active() || p.Timeout <= 0 || now.Sub(p.CreatedAt) <= p.Timeout {
			continue
		}
		p.Expired = true
		e.expired++
		out = append(out, ExpiredPlan{
			PlanID:       p.ID,
			PositionID:   p.PositionID,
			FilledLots:   p.FilledLots,
			AverageEntry: p.AverageEntry,
			Cancels:      e.cancelRemainingLocked(p),
		})
	}
	return out
}

// Cancel stops an active plan on request and returns the orders to cancel.
func (e *EntryRangeEngine) Cancel(planID string) ([]domain.OrderAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: entry plan %s", ports.ErrNotFound, planID)
	}
	if !p.Active() {
		return nil, nil
	}
	p.Expired = true
	e.expired++
	return e.cancelRemainingLocked(p), nil
}

// Plan returns a copy of the plan.
func (e *EntryRangeEngine) Plan(planID string) (*domain.EntryRangePlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[planID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Remove forgets a plan and its tickets.
func (e *EntryRangeEngine) Remove(planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[planID]
	if !ok {
		return
	}
	for _, o := range p.Orders {
		if o.Ticket != "" {
			delete(e.tickets, o.Ticket)
		}
	}
	delete(e.plans, planID)
}

// Stats returns counters across all plans, including removed ones.
func (e *EntryRangeEngine) Stats() EntryRangeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := EntryRangeStats{
		CompletedPlans: e.completed,
		ExpiredPlans:   e.expired,
		TotalFills:     e.fillCount,
	}
	for _, p := range e.plans {
		if p.Active() {
			s.ActivePlans++
		}
	}
	if e.qualityLots > 0 {
		s.AverageFillQuality = e.qualityWeight / e.qualityLots
	}
	return s
}
