package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

// BreakEvenEngine decides when to move a position's stop loss to entry.
// A plan fires at most once.
type BreakEvenEngine struct {
	mu        sync.Mutex
	plans     map[string]*domain.BreakEvenPlan
	triggered int
}

// NewBreakEvenEngine creates a break-even engine.
func NewBreakEvenEngine() *BreakEvenEngine {
	return &BreakEvenEngine{
		plans: make(map[string]*domain.BreakEvenPlan),
	}
}

func validateBreakEven(plan domain.BreakEvenPlan) error {
	switch plan.Trigger {
	case domain.TriggerFixedPips, domain.TriggerPercentage, domain.TriggerRatioBased:
		if !finitePositive(plan.ThresholdValue) {
			return invalidf("%s break-even threshold must be positive, got %v", plan.Trigger, plan.ThresholdValue)
		}
	case domain.TriggerTimeBased:
		if !finiteNonNegative(plan.ThresholdValue) {
			return invalidf("TIME_BASED break-even minutes must not be negative, got %v", plan.ThresholdValue)
		}
	default:
		return invalidf("unknown break-even trigger %q", plan.Trigger)
	}
	if !finiteNonNegative(plan.BufferPips) {
		return invalidf("break-even buffer must not be negative, got %v", plan.BufferPips)
	}
	if !finiteNonNegative(plan.MinProfitPips) {
		return invalidf("break-even min profit must not be negative, got %v", plan.MinProfitPips)
	}
	if plan.BypassProfitGate && plan.Trigger != domain.TriggerTimeBased {
		return invalidf("only TIME_BASED break-even may bypass the profit gate")
	}
	return nil
}

// RegisterPlan validates and stores the plan for ticket.
func (e *BreakEvenEngine) RegisterPlan(ticket string, plan domain.BreakEvenPlan) error {
	if ticket == "" {
		return invalidf("break-even plan needs a ticket")
	}
	if err := validateBreakEven(plan); err != nil {
		return err
	}
	plan.Triggered = false
	plan.TriggeredAt = time.Time{}
	plan.NewStopLoss = 0

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.plans[ticket]; exists {
		return fmt.Errorf("%w: break-even plan for %s", ports.ErrAlreadyExists, ticket)
	}
	e.plans[ticket] = &plan
	return nil
}

// Restore re-installs a plan captured in a snapshot, keeping its trigger state.
func (e *BreakEvenEngine) Restore(ticket string, plan domain.BreakEvenPlan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := plan
	e.plans[ticket] = &p
	if p.Triggered {
		e.triggered++
	}
}

// Evaluate reports whether the position's stop should move to break-even now.
// The reason explains the decision either way.
func (e *BreakEvenEngine) Evaluate(pos domain.ManagedPosition, price float64, now time.Time) (bool, string) {
	e.mu.Lock()
	plan, ok := e.plans[pos.ID]
	var p domain.BreakEvenPlan
	if ok {
		p = *plan
	}
	e.mu.Unlock()

	if !ok {
		return false, "no break-even plan"
	}
	if p.Triggered {
		return false, "already triggered"
	}
	if !finitePositive(price) || !finitePositive(pos.EntryPrice) {
		return false, "no usable price"
	}

	pips := domain.PipsInFavor(pos.Symbol, pos.Side, pos.EntryPrice, price)
	gated := p.OnlyWhenProfitable && !(p.Trigger == domain.TriggerTimeBased && p.BypassProfitGate)
	if gated && pips < p.MinProfitPips {
		return false, fmt.Sprintf("profit %.1f pips below minimum %.1f", pips, p.MinProfitPips)
	}

	switch p.Trigger {
	case domain.TriggerFixedPips:
		if pips >= p.ThresholdValue {
			return true, fmt.Sprintf("%.1f pips in favor reached %.1f", pips, p.ThresholdValue)
		}
		return false, fmt.Sprintf("%.1f of %.1f pips", pips, p.ThresholdValue)

	case domain.TriggerPercentage:
		threshold := domain.PercentOfPriceInPips(pos.Symbol, p.ThresholdValue, pos.EntryPrice)
		if pips >= threshold {
			return true, fmt.Sprintf("%.1f pips in favor reached %.2f%% of entry (%.1f pips)", pips, p.ThresholdValue, threshold)
		}
		return false, fmt.Sprintf("%.1f of %.1f pips", pips, threshold)

	case domain.TriggerTimeBased:
		since := pos.OpenedAt
		if since.IsZero() {
			since = pos.CreatedAt
		}
		held := now.Sub(since)
		need := time.Duration(p.ThresholdValue * float64(time.Minute))
		if held >= need {
			return true, fmt.Sprintf("held %s, threshold %s", held.Truncate(time.Second), need)
		}
		return false, fmt.Sprintf("held %s of %s", held.Truncate(time.Second), need)

	case domain.TriggerRatioBased:
		if pos.OriginalStopLoss <= 0 {
			return false, "no original stop loss to measure risk"
		}
		risk := math.Abs(domain.PipsInFavor(pos.Symbol, domain.Buy, pos.OriginalStopLoss, pos.EntryPrice))
		if risk <= 0 {
			return false, "zero risk distance"
		}
		ratio := pips / risk
		if ratio >= p.ThresholdValue {
			return true, fmt.Sprintf("reward/risk %.2f reached %.2f", ratio, p.ThresholdValue)
		}
		return false, fmt.Sprintf("reward/risk %.2f of %.2f", ratio, p.ThresholdValue)
	}
	return false, "unknown trigger"
}

// ComputeNewSL returns entry moved by the plan's buffer in the profitable direction.
func (e *BreakEvenEngine) ComputeNewSL(pos domain.ManagedPosition) float64 {
	e.mu.Lock()
	var buffer float64
	if p, ok := e.plans[pos.ID]; ok {
		buffer = p.BufferPips
	}
	e.mu.Unlock()
	return domain.RoundPrice(pos.Symbol, domain.OffsetPips(pos.Symbol, pos.Side, pos.EntryPrice, buffer))
}

// MarkTriggered records that the stop was moved. Later calls are ignored.
func (e *BreakEvenEngine) MarkTriggered(ticket string, newSL float64, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[ticket]
	if !ok {
		return fmt.Errorf("%w: break-even plan for %s", ports.ErrNotFound, ticket)
	}
	if p.Triggered {
		return nil
	}
	p.Triggered = true
	p.TriggeredAt = at
	p.NewStopLoss = newSL
	e.triggered++
	return nil
}

// Plan returns a copy of the plan for ticket.
func (e *BreakEvenEngine) Plan(ticket string) (*domain.BreakEvenPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[ticket]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// HasPending reports whether ticket has a plan that has not fired yet.
func (e *BreakEvenEngine) HasPending(ticket string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[ticket]
	return ok && !p.Triggered
}

// Remove forgets the plan for ticket.
func (e *BreakEvenEngine) Remove(ticket string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.plans, ticket)
}

// TriggeredCount is the number of plans that have fired, including removed ones.
func (e *BreakEvenEngine) TriggeredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggered
}
