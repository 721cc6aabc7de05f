package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"signalPilot/internal/domain"
	"signalPilot/internal/ledger"
	"signalPilot/internal/ports"
	"signalPilot/internal/registry"
	"signalPilot/internal/risk"
)

// Deps are the collaborators shared by the monitor and the service.
type Deps struct {
	Logger     ports.Logger
	Broker     ports.BrokerGateway
	Store      ports.SnapshotStore // Optional
	Registry   *registry.PositionRegistry
	Ledger     *ledger.ExecutionLedger
	EntryRange *risk.EntryRangeEngine
	BreakEven  *risk.BreakEvenEngine
	TakeProfit *risk.TakeProfitEngine
	Now        func() time.Time // Defaults to time.Now
}

func (d *Deps) validate() error {
	if d.Logger == nil || d.Broker == nil || d.Registry == nil || d.Ledger == nil ||
		d.EntryRange == nil || d.BreakEven == nil || d.TakeProfit == nil {
		return fmt.Errorf("%w: missing required dependencies", ports.ErrConfigurationError)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}

// lifecycle drives one position through entry, break-even and take-profit.
// All per-position mutation goes through it, on the monitor's goroutines.
type lifecycle struct {
	Deps
	callTimeout time.Duration
	closed      atomic.Int64
}

func newLifecycle(deps Deps, callTimeout time.Duration) (*lifecycle, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if callTimeout <= 0 {
		callTimeout = DefaultBrokerCallTimeout
	}
	return &lifecycle{Deps: deps, callTimeout: callTimeout}, nil
}

func refOf(p domain.ManagedPosition) ports.PositionRef {
	return ports.PositionRef{Ticket: p.ID, Symbol: p.Symbol, Side: p.Side}
}

func (l *lifecycle) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return callBroker(ctx, l.callTimeout, op, fn)
}

// record appends one ledger entry for an action on pos.
func (l *lifecycle) record(pos domain.ManagedPosition, ref string, kind domain.ActionKind, price, lots, remaining float64, err error) domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		Ticket:        pos.ID,
		Symbol:        pos.Symbol,
		Reference:     ref,
		Action:        kind,
		Price:         price,
		Lots:          lots,
		RemainingLots: remaining,
		Timestamp:     l.Now(),
		Success:       err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return l.Ledger.Append(rec)
}

// processPosition runs one tick for one position in the fixed order
// entry range, break-even, take-profit. Break-even and take-profit apply to
// filled lots even while the entry range is still working.
func (l *lifecycle) processPosition(ctx context.Context, id string, quote domain.Quote, now time.Time) {
	pos, ok := l.Registry.Get(id)
	if !ok {
		return
	}

	if pos.Status == domain.StatusPendingEntry {
		l.processEntry(ctx, pos, quote, now)
		if pos, ok = l.Registry.Get(id); !ok {
			return
		}
		if pos.IsTerminal() {
			l.retire(ctx, pos)
			return
		}
	}

	if pos.HasExposure() && l.BreakEven.HasPending(id) {
		price := quote.ExitPrice(pos.Side)
		if trigger, reason := l.BreakEven.Evaluate(pos, price, now); trigger {
			l.applyBreakEven(ctx, pos, reason, now)
		}
	}

	if pos, ok = l.Registry.Get(id); ok && pos.HasExposure() && l.TakeProfit.HasPending(id) {
		l.applyTakeProfit(ctx, id, quote.ExitPrice(pos.Side), now)
	}

	if pos, ok = l.Registry.Get(id); ok && pos.IsTerminal() {
		l.retire(ctx, pos)
	}
}

// processEntry places the entry-range orders the first time the position sees a price.
func (l *lifecycle) processEntry(ctx context.Context, pos domain.ManagedPosition, quote domain.Quote, now time.Time) {
	op := "processEntry"
	actions, err := l.EntryRange.OnPrice(pos.EntryPlanID, quote.EntryPrice(pos.Side))
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			l.Logger.Error(ctx, err, op+": Entry plan missing, ending entry phase", map[string]interface{}{"position": pos.ID})
			l.finishEntry(ctx, pos.ID, pos.LotSize, pos.EntryPrice, now)
			return
		}
		l.Logger.Warn(ctx, op+": Entry range skipped", map[string]interface{}{"position": pos.ID, "error": err.Error()})
		return
	}

	for _, a := range actions {
		req := ports.PendingOrderRequest{Symbol: a.Symbol, Side: a.Side, Price: a.Price, Lots: a.Lots, Type: a.Type}
		var ticket string
		err := l.call(ctx, "PlacePendingOrder", func(ctx context.Context) error {
			var err error
			ticket, err = l.Broker.PlacePendingOrder(ctx, req)
			return err
		})
		if err == nil && ticket == "" {
			err = fmt.Errorf("%w: empty ticket", ports.ErrBrokerCallFailed)
		}
		ref := fmt.Sprintf("entry:%s:%d", a.PlanID, a.OrderIndex)
		l.record(pos, ref, domain.ActionPlaceOrder, a.Price, a.Lots, pos.LotSize, err)

		if err != nil {
			l.Logger.Error(ctx, err, op+": Entry order placement failed", map[string]interface{}{
				"position": pos.ID, "index": a.OrderIndex, "price": a.Price, "lots": a.Lots, "type": a.Type,
			})
			res, ferr := l.EntryRange.OrderFailed(a.PlanID, a.OrderIndex)
			if ferr != nil {
				l.Logger.Error(ctx, ferr, op+": Could not mark entry order failed")
				continue
			}
			if res.Completed {
				l.executeCancels(ctx, pos, res.Cancels)
				l.finishEntry(ctx, pos.ID, res.FilledLots, res.AverageEntry, now)
			}
			continue
		}

		if err := l.EntryRange.ConfirmOrder(a.PlanID, a.OrderIndex, ticket); err != nil {
			l.Logger.Error(ctx, err, op+": Could not record entry ticket", map[string]interface{}{"ticket": ticket})
			continue
		}
		l.Logger.Info(ctx, op+": Entry order placed", map[string]interface{}{
			"position": pos.ID, "ticket": ticket, "price": a.Price, "lots": a.Lots, "type": a.Type,
		})
	}
}

// applyFill folds one entry fill into the plan and the position.
func (l *lifecycle) applyFill(ctx context.Context, f Fill, now time.Time) {
	op := "applyFill"
	at := f.At
	if at.IsZero() {
		at = now
	}
	res, err := l.EntryRange.OnFill(f.Ticket, f.Price, f.Lots, at)
	if err != nil {
		l.Logger.Warn(ctx, op+": Fill rejected", map[string]interface{}{"ticket": f.Ticket, "error": err.Error()})
		return
	}
	l.Logger.Info(ctx, op+": Entry fill", map[string]interface{}{
		"position": res.PositionID, "ticket": f.Ticket, "price": f.Price, "lots": res.Lots,
		"quality": res.FillQuality, "avg_entry": res.AverageEntry,
	})

	pos, err := l.Registry.Update(res.PositionID, func(p *domain.ManagedPosition) error {
		// Incremental: take-profit may already have closed part of the fills.
		p.LotSize = domain.AddLots(p.LotSize, res.Lots)
		if res.Late {
			// Entry phase already over: the position grows.
			p.OriginalLotSize = domain.AddLots(p.OriginalLotSize, res.Lots)
		}
		p.EntryPrice = res.AverageEntry
		return nil
	})
	if err != nil {
		l.Logger.Error(ctx, err, op+": Could not apply fill to position", map[string]interface{}{"position": res.PositionID})
		return
	}
	l.TakeProfit.UpdateEntry(pos.ID, res.AverageEntry)
	if res.Late {
		l.record(pos, "entry:"+res.PlanID+":late", domain.ActionLateFill, f.Price, res.Lots, pos.LotSize, nil)
		l.Logger.Warn(ctx, op+": Late fill grew the position", map[string]interface{}{
			"position": pos.ID, "ticket": f.Ticket, "lots": res.Lots, "original_lots": pos.OriginalLotSize,
		})
	}

	if res.Completed {
		l.executeCancels(ctx, pos, res.Cancels)
		l.finishEntry(ctx, pos.ID, res.FilledLots, res.AverageEntry, now)
	}
}

// sweepEntries expires timed-out entry plans.
func (l *lifecycle) sweepEntries(ctx context.Context, now time.Time) {
	for _, exp := range l.EntryRange.Tick(now) {
		pos, ok := l.Registry.Get(exp.PositionID)
		if !ok {
			l.EntryRange.Remove(exp.PlanID)
			continue
		}
		l.Logger.Info(ctx, "sweepEntries: Entry range expired", map[string]interface{}{
			"position": pos.ID, "filled": exp.FilledLots, "cancels": len(exp.Cancels),
		})
		l.executeCancels(ctx, pos, exp.Cancels)
		l.finishEntry(ctx, pos.ID, exp.FilledLots, exp.AverageEntry, now)
		if p, ok := l.Registry.Get(pos.ID); ok && p.IsTerminal() {
			l.retire(ctx, p)
		}
	}
}

// executeCancels cancels straggler entry orders. Failures are logged and not retried.
func (l *lifecycle) executeCancels(ctx context.Context, pos domain.ManagedPosition, cancels []domain.OrderAction) {
	for _, c := range cancels {
		err := l.call(ctx, "CancelOrder", func(ctx context.Context) error {
			return l.Broker.CancelOrder(ctx, c.Symbol, c.Ticket)
		})
		l.record(pos, fmt.Sprintf("entry:%s:%d", c.PlanID, c.OrderIndex), domain.ActionCancelOrder, c.Price, c.Lots, pos.LotSize, err)
		if err != nil {
			l.Logger.Error(ctx, err, "executeCancels: Entry order cancel failed", map[string]interface{}{"position": pos.ID, "ticket": c.Ticket})
		}
	}
}

// finishEntry ends the entry phase: the position opens with what was filled,
// or closes when nothing was. LotSize already tracks fills net of any
// take-profit closes, so only the original size is reset here.
func (l *lifecycle) finishEntry(ctx context.Context, id string, filled, avg float64, now time.Time) {
	pos, err := l.Registry.Update(id, func(p *domain.ManagedPosition) error {
		if p.Status != domain.StatusPendingEntry {
			return nil
		}
		if domain.IsZeroLots(filled) {
			p.LotSize = 0
			p.Status = domain.StatusClosed
			p.CloseReason = domain.CloseReasonEntryFailed
			p.ClosedAt = now
			return nil
		}
		p.OriginalLotSize = filled
		if p.LotSize > filled {
			p.LotSize = filled
		}
		if avg > 0 {
			p.EntryPrice = avg
		}
		p.Status = domain.StatusOpen
		p.OpenedAt = now
		return nil
	})
	if err != nil {
		l.Logger.Error(ctx, err, "finishEntry: Could not end entry phase", map[string]interface{}{"position": id})
		return
	}
	if pos.Status == domain.StatusOpen {
		l.TakeProfit.UpdateEntry(id, pos.EntryPrice)
	}
	l.Logger.Info(ctx, "finishEntry: Entry phase ended", map[string]interface{}{
		"position": id, "status": pos.Status, "lots": pos.LotSize, "entry": pos.EntryPrice,
	})
}

// applyBreakEven moves the stop to entry ± buffer. Stops only ever tighten:
// if the current stop is already better the plan is consumed without a call.
func (l *lifecycle) applyBreakEven(ctx context.Context, pos domain.ManagedPosition, reason string, now time.Time) {
	op := "applyBreakEven"
	newSL := l.BreakEven.ComputeNewSL(pos)

	if !domain.IsBetterStop(pos.Side, pos.StopLoss, newSL) {
		_ = l.BreakEven.MarkTriggered(pos.ID, pos.StopLoss, now)
		l.Logger.Info(ctx, op+": Stop already at or beyond break-even", map[string]interface{}{
			"position": pos.ID, "stop": pos.StopLoss, "breakeven": newSL,
		})
		return
	}

	err := l.call(ctx, "ModifyPosition", func(ctx context.Context) error {
		return l.Broker.ModifyPosition(ctx, refOf(pos), &newSL, nil)
	})
	l.record(pos, "breakeven", domain.ActionBreakEven, newSL, 0, pos.LotSize, err)
	if err != nil {
		l.Logger.Error(ctx, err, op+": Break-even stop move failed, retrying next tick", map[string]interface{}{"position": pos.ID})
		return
	}

	if err := l.BreakEven.MarkTriggered(pos.ID, newSL, now); err != nil {
		l.Logger.Error(ctx, err, op+": Could not mark break-even triggered", map[string]interface{}{"position": pos.ID})
	}
	if _, err := l.Registry.Update(pos.ID, func(p *domain.ManagedPosition) error {
		p.StopLoss = newSL
		return nil
	}); err != nil {
		l.Logger.Error(ctx, err, op+": Could not store new stop", map[string]interface{}{"position": pos.ID})
	}
	l.Logger.Info(ctx, op+": Stop moved to break-even", map[string]interface{}{
		"position": pos.ID, "stop": newSL, "reason": reason,
	})
}

// applyTakeProfit executes every level crossed this tick, in level order.
// A failed broker call stops processing; the level stays PENDING and is
// retried next tick.
func (l *lifecycle) applyTakeProfit(ctx context.Context, id string, price float64, now time.Time) {
	op := "applyTakeProfit"
	levels, err := l.TakeProfit.OnPrice(id, price)
	if err != nil {
		l.Logger.Warn(ctx, op+": Take-profit skipped", map[string]interface{}{"position": id, "error": err.Error()})
		return
	}

	for _, level := range levels {
		pos, ok := l.Registry.Get(id)
		if !ok || !pos.HasExposure() {
			return
		}
		ref := fmt.Sprintf("tp:%d", level.Level)

		exec, err := l.TakeProfit.ComputeExecution(pos, level)
		if err != nil {
			// Sizing cannot improve on a later tick, so the level is dropped.
			l.Logger.Error(ctx, err, op+": Take-profit level cannot be executed, cancelling it", map[string]interface{}{
				"position": id, "level": level.Level,
			})
			l.record(pos, ref, domain.ActionKind(level.Action), price, 0, pos.LotSize, err)
			l.TakeProfit.CancelLevel(id, level.Level)
			continue
		}

		switch exec.Kind {
		case domain.ActionPartialClose:
			err = l.call(ctx, "PartialClose", func(ctx context.Context) error {
				return l.Broker.PartialClose(ctx, refOf(pos), exec.Lots, price)
			})
		case domain.ActionCloseAll:
			err = l.call(ctx, "CloseAll", func(ctx context.Context) error {
				return l.Broker.CloseAll(ctx, refOf(pos), exec.Lots)
			})
		case domain.ActionMoveSL:
			if domain.IsBetterStop(pos.Side, pos.StopLoss, exec.NewSL) {
				newSL := exec.NewSL
				err = l.call(ctx, "ModifyPosition", func(ctx context.Context) error {
					return l.Broker.ModifyPosition(ctx, refOf(pos), &newSL, nil)
				})
			} else {
				exec.NewSL = 0
			}
		}
		recPrice := price
		if exec.Kind == domain.ActionMoveSL {
			recPrice = pos.StopLoss
			if exec.NewSL > 0 {
				recPrice = exec.NewSL
			}
		}
		l.record(pos, ref, exec.Kind, recPrice, exec.Lots, exec.Remaining, err)
		if err != nil {
			l.Logger.Error(ctx, err, op+": Take-profit action failed, retrying next tick", map[string]interface{}{
				"position": id, "level": level.Level, "action": exec.Kind, "lots": exec.Lots,
			})
			return
		}

		if _, err := l.TakeProfit.MarkHit(id, level.Level, price, exec.Lots, now); err != nil {
			l.Logger.Error(ctx, err, op+": Could not mark level hit", map[string]interface{}{"position": id, "level": level.Level})
		}
		pos, err = l.Registry.Update(id, func(p *domain.ManagedPosition) error {
			switch exec.Kind {
			case domain.ActionPartialClose, domain.ActionCloseAll:
				p.LotSize = exec.Remaining
			case domain.ActionMoveSL:
				if exec.NewSL > 0 {
					p.StopLoss = exec.NewSL
				}
			}
			if domain.IsZeroLots(p.LotSize) {
				p.LotSize = 0
				p.Status = domain.StatusClosed
				p.CloseReason = domain.CloseReasonTakeProfit
				p.ClosedAt = now
			}
			return nil
		})
		if err != nil {
			l.Logger.Error(ctx, err, op+": Could not update position after take-profit", map[string]interface{}{"position": id})
			return
		}
		l.Logger.Info(ctx, op+": Take-profit level hit", map[string]interface{}{
			"position": id, "level": level.Level, "action": exec.Kind, "lots": exec.Lots, "remaining": pos.LotSize,
		})

		if pos.HasExposure() {
			l.cascadeStop(ctx, pos, level.Level)
		}
	}
}

// cascadeStop trails the stop to the previous level (entry for TP1) after a hit.
// A failure is logged only; the next hit trails further.
func (l *lifecycle) cascadeStop(ctx context.Context, pos domain.ManagedPosition, level int) {
	target, ok := l.TakeProfit.CascadeStop(pos.ID, level)
	if !ok || !domain.IsBetterStop(pos.Side, pos.StopLoss, target) {
		return
	}
	err := l.call(ctx, "ModifyPosition", func(ctx context.Context) error {
		return l.Broker.ModifyPosition(ctx, refOf(pos), &target, nil)
	})
	l.record(pos, fmt.Sprintf("tp:%d:cascade", level), domain.ActionMoveSL, target, 0, pos.LotSize, err)
	if err != nil {
		l.Logger.Error(ctx, err, "cascadeStop: Stop cascade failed", map[string]interface{}{"position": pos.ID, "level": level})
		return
	}
	if _, err := l.Registry.Update(pos.ID, func(p *domain.ManagedPosition) error {
		p.StopLoss = target
		return nil
	}); err != nil {
		l.Logger.Error(ctx, err, "cascadeStop: Could not store new stop", map[string]interface{}{"position": pos.ID})
	}
}

// retire removes a terminal position and drops its plans. Entry orders
// still working are cancelled first.
func (l *lifecycle) retire(ctx context.Context, pos domain.ManagedPosition) {
	if _, ok := l.Registry.Remove(pos.ID); !ok {
		return
	}
	l.TakeProfit.CancelRemaining(pos.ID)
	l.TakeProfit.Remove(pos.ID)
	l.BreakEven.Remove(pos.ID)
	if pos.EntryPlanID != "" {
		if cancels, err := l.EntryRange.Cancel(pos.EntryPlanID); err == nil {
			l.executeCancels(ctx, pos, cancels)
		}
		l.EntryRange.Remove(pos.EntryPlanID)
	}
	l.closed.Add(1)

	reason := pos.CloseReason
	if reason == "" {
		reason = domain.CloseReasonUnknown
	}
	l.Logger.Info(ctx, "retire: Position removed", map[string]interface{}{
		"position": pos.ID, "symbol": pos.Symbol, "reason": reason,
	})
}

// snapshots copies every position with its plan state.
func (l *lifecycle) snapshots() []domain.PositionSnapshot {
	positions := l.Registry.Snapshot()
	out := make([]domain.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		out = append(out, l.snapshotOf(p))
	}
	return out
}

func (l *lifecycle) snapshotOf(p domain.ManagedPosition) domain.PositionSnapshot {
	snap := domain.PositionSnapshot{Position: p}
	if p.EntryPlanID != "" {
		if plan, ok := l.EntryRange.Plan(p.EntryPlanID); ok {
			snap.EntryPlan = plan
		}
	}
	if be, ok := l.BreakEven.Plan(p.ID); ok {
		snap.BreakEven = be
	}
	snap.Levels = l.TakeProfit.Levels(p.ID)
	return snap
}
