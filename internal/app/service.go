package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
	"signalPilot/internal/signaltext"
)

// EntryRangeRequest describes an explicit entry band.
type EntryRangeRequest struct {
	Lower          float64           `json:"lower"`
	Upper          float64           `json:"upper"`
	Logic          domain.EntryLogic `json:"logic"`
	MaxEntries     int               `json:"max_entries"`
	ScaleFactor    float64           `json:"scale_factor"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// RegisterRequest is a fully gated signal that should become a managed position.
type RegisterRequest struct {
	ID         string           `json:"id"` // Broker ticket; generated when empty
	Symbol     string           `json:"symbol"`
	Side       domain.OrderSide `json:"side"`
	EntryPrice float64          `json:"entry_price"` // Optional with an entry range
	LotSize    float64          `json:"lot_size"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`

	TPText   string           `json:"tp_text"`   // Parsed when TPLevels is empty
	TPLevels []domain.TPLevel `json:"tp_levels"` //

	EntryRangeText string             `json:"entry_range_text"` // Parsed when EntryRange is nil
	EntryRange     *EntryRangeRequest `json:"entry_range"`

	BreakEven *domain.BreakEvenPlan `json:"break_even"`
}

// ServiceConfig configures the lifecycle service.
type ServiceConfig struct {
	Monitor        MonitorConfig
	LedgerRestore  int // Ledger records reloaded on Restore
	DefaultTimeout time.Duration // Entry-range timeout when a request sets none
}

// Statistics summarizes the engines for status reporting.
type Statistics struct {
	MonitorState       string      `json:"monitor_state"`
	Ticks              int64       `json:"ticks"`
	ActivePositions    int         `json:"active_positions"`
	PendingEntries     int         `json:"pending_entries"`
	ClosedPositions    int64       `json:"closed_positions"`
	CompletedPlans     int         `json:"completed_plans"`
	ExpiredPlans       int         `json:"expired_plans"`
	TotalFills         int         `json:"total_fills"`
	AverageFillQuality float64     `json:"average_fill_quality"`
	BreakEvenTriggers  int         `json:"break_even_triggers"`
	TPHitCounts        map[int]int `json:"tp_hit_counts"`
	Executions         int64       `json:"executions"`
	FailedExecutions   int64       `json:"failed_executions"`
}

// Service is the entry point used by upstream signal execution and by
// status reporting. It owns the monitor.
type Service struct {
	lc      *lifecycle
	monitor *Monitor
	cfg     ServiceConfig
}

// NewService wires the engines, the registry and the ledger into a service.
func NewService(deps Deps, cfg ServiceConfig) (*Service, error) {
	lc, err := newLifecycle(deps, cfg.Monitor.BrokerCallTimeout)
	if err != nil {
		return nil, err
	}
	m, err := newMonitor(lc, cfg.Monitor)
	if err != nil {
		return nil, err
	}
	if cfg.LedgerRestore <= 0 {
		cfg.LedgerRestore = 1000
	}
	return &Service{lc: lc, monitor: m, cfg: cfg}, nil
}

// Monitor returns the scheduler driving the engines.
func (s *Service) Monitor() *Monitor {
	return s.monitor
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ports.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

func (s *Service) buildEntryPlan(req RegisterRequest, id string, now time.Time) (*domain.EntryRangePlan, error) {
	er := req.EntryRange
	if er == nil && strings.TrimSpace(req.EntryRangeText) != "" {
		parsed, err := signaltext.ParseEntryRange(req.EntryRangeText)
		if err != nil {
			return nil, invalid("entry range text: %v", err)
		}
		er = &EntryRangeRequest{Lower: parsed.Lower, Upper: parsed.Upper, Logic: parsed.Logic}
	}
	if er == nil {
		return nil, nil
	}
	if er.TimeoutSeconds < 0 {
		return nil, invalid("entry range timeout must not be negative")
	}
	logic := er.Logic
	if logic == "" {
		logic = domain.EntryAverage
	}
	timeout := time.Duration(er.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	return &domain.EntryRangePlan{
		PositionID:   id,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Lower:        er.Lower,
		Upper:        er.Upper,
		Logic:        logic,
		TotalLotSize: req.LotSize,
		MaxEntries:   er.MaxEntries,
		ScaleFactor:  er.ScaleFactor,
		Timeout:      timeout,
		CreatedAt:    now,
	}, nil
}

// Register validates a request and starts managing the position. Nothing is
// tracked when any part of the request is invalid.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (domain.PositionSnapshot, error) {
	op := "Register"
	now := s.lc.Now()

	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = domain.OrderSide(strings.ToUpper(string(req.Side)))
	if req.Symbol == "" {
		return domain.PositionSnapshot{}, invalid("symbol is required")
	}
	if !req.Side.Valid() {
		return domain.PositionSnapshot{}, invalid("side %q is not BUY or SELL", req.Side)
	}
	if req.LotSize <= 0 {
		return domain.PositionSnapshot{}, invalid("lot size must be positive, got %v", req.LotSize)
	}
	if req.EntryPrice < 0 || req.StopLoss < 0 || req.TakeProfit < 0 {
		return domain.PositionSnapshot{}, invalid("prices must not be negative")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.lc.Registry.Get(id); exists {
		return domain.PositionSnapshot{}, fmt.Errorf("%w: position %s", ports.ErrAlreadyExists, id)
	}

	plan, err := s.buildEntryPlan(req, id, now)
	if err != nil {
		return domain.PositionSnapshot{}, err
	}
	entry := req.EntryPrice
	if entry == 0 && plan != nil {
		entry = domain.RoundPrice(req.Symbol, (plan.Lower+plan.Upper)/2)
	}
	if entry <= 0 {
		return domain.PositionSnapshot{}, invalid("entry price is required without an entry range")
	}
	if req.StopLoss > 0 && domain.PriceReached(req.Side, req.StopLoss, entry) {
		return domain.PositionSnapshot{}, invalid("stop loss %v is on the wrong side of entry %v", req.StopLoss, entry)
	}
	if req.BreakEven != nil && req.BreakEven.Trigger == domain.TriggerRatioBased && req.StopLoss <= 0 {
		return domain.PositionSnapshot{}, invalid("ratio-based break-even needs a stop loss to measure risk")
	}

	levels := req.TPLevels
	if len(levels) == 0 && strings.TrimSpace(req.TPText) != "" {
		levels = signaltext.ParseLevelsFromText(req.TPText, req.Symbol, req.Side, entry)
		if len(levels) == 0 {
			return domain.PositionSnapshot{}, invalid("no usable take-profit levels in %q", req.TPText)
		}
	}

	pos := domain.ManagedPosition{
		ID:               id,
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       entry,
		LotSize:          req.LotSize,
		OriginalLotSize:  req.LotSize,
		StopLoss:         req.StopLoss,
		OriginalStopLoss: req.StopLoss,
		TakeProfit:       req.TakeProfit,
		Status:           domain.StatusOpen,
		CreatedAt:        now,
		OpenedAt:         now,
	}

	// Engines first, registry last; undo on any failure.
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	if plan != nil {
		planID, err := s.lc.EntryRange.RegisterPlan(*plan)
		if err != nil {
			return domain.PositionSnapshot{}, err
		}
		undo = append(undo, func() { s.lc.EntryRange.Remove(planID) })
		pos.EntryPlanID = planID
		pos.Status = domain.StatusPendingEntry
		pos.LotSize = 0
		pos.OpenedAt = time.Time{}
	}
	if len(levels) > 0 {
		if err := s.lc.TakeProfit.RegisterLevels(id, req.Symbol, entry, req.Side, levels); err != nil {
			rollback()
			return domain.PositionSnapshot{}, err
		}
		undo = append(undo, func() { s.lc.TakeProfit.Remove(id) })
	}
	if req.BreakEven != nil {
		if err := s.lc.BreakEven.RegisterPlan(id, *req.BreakEven); err != nil {
			rollback()
			return domain.PositionSnapshot{}, err
		}
		undo = append(undo, func() { s.lc.BreakEven.Remove(id) })
	}
	if err := s.lc.Registry.Register(pos); err != nil {
		rollback()
		return domain.PositionSnapshot{}, err
	}

	s.lc.Logger.Info(ctx, op+": Position registered", map[string]interface{}{
		"position": id, "symbol": pos.Symbol, "side": pos.Side, "entry": pos.EntryPrice,
		"lots": req.LotSize, "levels": len(levels), "entry_range": plan != nil, "break_even": req.BreakEven != nil,
	})
	return s.lc.snapshotOf(pos), nil
}

// ReportFill queues an entry-order fill. It is applied at the start of the next tick.
func (s *Service) ReportFill(ctx context.Context, f Fill) error {
	if f.Ticket == "" || f.Price <= 0 || f.Lots <= 0 {
		return fmt.Errorf("%w: fill needs a ticket, a price and lots", ports.ErrInvalidRequest)
	}
	s.monitor.EnqueueFill(f)
	s.lc.Logger.Debug(ctx, "ReportFill: Fill queued", map[string]interface{}{"ticket": f.Ticket, "price": f.Price, "lots": f.Lots})
	return nil
}

// CancelPosition stops managing a position. Working entry orders are
// cancelled; open lots are left untouched at the broker.
func (s *Service) CancelPosition(ctx context.Context, id string) error {
	s.monitor.tickMu.Lock()
	defer s.monitor.tickMu.Unlock()

	pos, ok := s.lc.Registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: position %s", ports.ErrNotFound, id)
	}
	s.cancelEntryLocked(ctx, pos)

	if _, err := s.lc.Registry.Update(id, func(p *domain.ManagedPosition) error {
		p.Status = domain.StatusClosed
		p.CloseReason = domain.CloseReasonManual
		p.ClosedAt = s.lc.Now()
		return nil
	}); err != nil {
		return err
	}
	pos, _ = s.lc.Registry.Get(id)
	s.lc.retire(ctx, pos)
	return nil
}

// ForceClose closes the remaining lots of a position for an external rule
// (e.g. a prop-firm violation) and stops managing it. The position stays
// managed if the broker refuses the close.
func (s *Service) ForceClose(ctx context.Context, id string, reason domain.CloseReason) error {
	op := "ForceClose"
	if reason == "" {
		reason = domain.CloseReasonForced
	}

	s.monitor.tickMu.Lock()
	defer s.monitor.tickMu.Unlock()

	pos, ok := s.lc.Registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: position %s", ports.ErrNotFound, id)
	}
	s.cancelEntryLocked(ctx, pos)
	pos, _ = s.lc.Registry.Get(id)

	if !domain.IsZeroLots(pos.LotSize) {
		lots := pos.LotSize
		err := s.lc.call(ctx, "CloseAll", func(ctx context.Context) error {
			return s.lc.Broker.CloseAll(ctx, refOf(pos), lots)
		})
		s.lc.record(pos, "force:"+string(reason), domain.ActionCloseAll, 0, lots, 0, err)
		if err != nil {
			s.lc.Logger.Error(ctx, err, op+": Close failed, position stays managed", map[string]interface{}{"position": id})
			return err
		}
	}

	if _, err := s.lc.Registry.Update(id, func(p *domain.ManagedPosition) error {
		p.LotSize = 0
		p.Status = domain.StatusClosed
		p.CloseReason = reason
		p.ClosedAt = s.lc.Now()
		return nil
	}); err != nil {
		return err
	}
	pos, _ = s.lc.Registry.Get(id)
	s.lc.retire(ctx, pos)
	return nil
}

// cancelEntryLocked cancels a still-active entry plan of pos and folds any
// fills into the position. The caller holds the tick lock.
func (s *Service) cancelEntryLocked(ctx context.Context, pos domain.ManagedPosition) {
	if pos.EntryPlanID == "" || pos.Status != domain.StatusPendingEntry {
		return
	}
	cancels, err := s.lc.EntryRange.Cancel(pos.EntryPlanID)
	if err != nil {
		s.lc.Logger.Warn(ctx, "cancelEntry: Entry plan not found", map[string]interface{}{"position": pos.ID})
		return
	}
	s.lc.executeCancels(ctx, pos, cancels)
	if plan, ok := s.lc.EntryRange.Plan(pos.EntryPlanID); ok {
		s.lc.finishEntry(ctx, pos.ID, plan.FilledLots, plan.AverageEntry, s.lc.Now())
	}
}

// GetPositionStatus returns a point-in-time copy of a position and its plans.
func (s *Service) GetPositionStatus(id string) (domain.PositionSnapshot, error) {
	pos, ok := s.lc.Registry.Get(id)
	if !ok {
		return domain.PositionSnapshot{}, fmt.Errorf("%w: position %s", ports.ErrNotFound, id)
	}
	return s.lc.snapshotOf(pos), nil
}

// ListPositions returns copies of all managed positions with their plans.
func (s *Service) ListPositions() []domain.PositionSnapshot {
	return s.lc.snapshots()
}

// GetStatistics aggregates counters from every engine.
func (s *Service) GetStatistics() Statistics {
	er := s.lc.EntryRange.Stats()
	total, failed := s.lc.Ledger.Counts()
	stats := Statistics{
		MonitorState:       s.monitor.State().String(),
		Ticks:              s.monitor.Ticks(),
		ClosedPositions:    s.lc.closed.Load(),
		CompletedPlans:     er.CompletedPlans,
		ExpiredPlans:       er.ExpiredPlans,
		TotalFills:         er.TotalFills,
		AverageFillQuality: er.AverageFillQuality,
		BreakEvenTriggers:  s.lc.BreakEven.TriggeredCount(),
		TPHitCounts:        s.lc.TakeProfit.HitCounts(),
		Executions:         total,
		FailedExecutions:   failed,
	}
	for _, p := range s.lc.Registry.Snapshot() {
		switch p.Status {
		case domain.StatusOpen:
			stats.ActivePositions++
		case domain.StatusPendingEntry:
			stats.PendingEntries++
		}
	}
	return stats
}

// GetRecentExecutions returns up to limit ledger records, newest first.
func (s *Service) GetRecentExecutions(limit int) []domain.ExecutionRecord {
	return s.lc.Ledger.Recent(limit)
}

// Restore reloads positions, plans and the ledger tail from the snapshot store.
// It must run before the monitor starts.
func (s *Service) Restore(ctx context.Context) (int, error) {
	op := "Restore"
	store := s.lc.Store
	if store == nil {
		return 0, nil
	}
	if s.monitor.State() != StateIdle {
		return 0, fmt.Errorf("%s: monitor already %s", op, s.monitor.State())
	}

	records, err := store.RecentExecutions(ctx, s.cfg.LedgerRestore)
	if err != nil {
		return 0, fmt.Errorf("%s: load ledger: %w", op, err)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	s.lc.Ledger.Restore(records)
	if seq, err := store.LastExecutionSeq(ctx); err == nil {
		s.monitor.persistedSeq = seq
	}

	snaps, err := store.LoadPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: load positions: %w", op, err)
	}

	restored := 0
	for _, snap := range snaps {
		p := snap.Position
		if p.IsTerminal() {
			continue
		}
		if err := s.lc.Registry.Register(p); err != nil {
			if errors.Is(err, ports.ErrAlreadyExists) {
				continue
			}
			s.lc.Logger.Error(ctx, err, op+": Skipping position", map[string]interface{}{"position": p.ID})
			continue
		}
		if snap.EntryPlan != nil {
			if err := s.lc.EntryRange.Restore(snap.EntryPlan); err != nil {
				s.lc.Logger.Error(ctx, err, op+": Entry plan not restored", map[string]interface{}{"position": p.ID})
			}
		}
		if snap.BreakEven != nil {
			s.lc.BreakEven.Restore(p.ID, *snap.BreakEven)
		}
		if len(snap.Levels) > 0 {
			s.lc.TakeProfit.Restore(p.ID, p.Symbol, p.EntryPrice, p.Side, snap.Levels)
		}
		restored++
	}
	s.lc.Logger.Info(ctx, op+": State restored", map[string]interface{}{"positions": restored, "executions": len(records)})
	return restored, nil
}
