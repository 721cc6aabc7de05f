package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

// TakeProfitConfig holds the engine-wide take-profit settings.
type TakeProfitConfig struct {
	MinLotsRemaining float64 // A partial close leaving less than this closes everything
	LotStep          float64 // Close sizes are floored to this increment
	AutoSLCascade    bool    // Move SL to the previous level (entry for TP1) on each hit
}

// DefaultTakeProfitConfig returns the standard take-profit settings.
func DefaultTakeProfitConfig() TakeProfitConfig {
	return TakeProfitConfig{
		MinLotsRemaining: 0.01,
		LotStep:          0.01,
	}
}

// TPExecution is the broker work required for one hit level.
type TPExecution struct {
	Level     int
	Kind      domain.ActionKind // PARTIAL_CLOSE, CLOSE_ALL or MOVE_SL
	Lots      float64           // Lots to close, zero for MOVE_SL
	Remaining float64           // Lots left after the close
	NewSL     float64           // Target stop for MOVE_SL
}

type tpBook struct {
	symbol string
	side   domain.OrderSide
	entry  float64
	levels []domain.TPLevel
}

// TakeProfitEngine tracks ordered take-profit levels per position.
// A level moves from PENDING to HIT at most once.
type TakeProfitEngine struct {
	config TakeProfitConfig

	mu        sync.Mutex
	books     map[string]*tpBook
	hitCounts map[int]int
}

// NewTakeProfitEngine creates a take-profit engine.
func NewTakeProfitEngine(config TakeProfitConfig) (*TakeProfitEngine, error) {
	if !finiteNonNegative(config.MinLotsRemaining) {
		return nil, invalidf("min lots remaining must not be negative, got %v", config.MinLotsRemaining)
	}
	if !finitePositive(config.LotStep) {
		return nil, invalidf("lot step must be positive, got %v", config.LotStep)
	}
	return &TakeProfitEngine{
		config:    config,
		books:     make(map[string]*tpBook),
		hitCounts: make(map[int]int),
	}, nil
}

// prepareLevels normalizes and validates levels for a position.
func prepareLevels(side domain.OrderSide, entry float64, levels []domain.TPLevel) ([]domain.TPLevel, error) {
	if !side.Valid() {
		return nil, invalidf("take-profit side %q is not BUY or SELL", side)
	}
	if !finitePositive(entry) {
		return nil, invalidf("take-profit entry must be positive, got %v", entry)
	}
	if len(levels) == 0 {
		return nil, invalidf("at least one take-profit level is required")
	}

	out := domain.CloneLevels(levels)
	for i := range out {
		if out[i].Level == 0 {
			out[i].Level = i + 1
		}
		if out[i].Status == "" {
			out[i].Status = domain.TPPending
		}
		if out[i].Action == "" {
			out[i].Action = domain.TPPartialClose
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })

	var total float64
	for i, l := range out {
		if i > 0 && l.Level == out[i-1].Level {
			return nil, invalidf("duplicate take-profit level %d", l.Level)
		}
		if !finitePositive(l.Price) {
			return nil, invalidf("TP%d price must be positive, got %v", l.Level, l.Price)
		}
		if !domain.PriceReached(side, l.Price, entry) || l.Price == entry {
			return nil, invalidf("TP%d at %v is not beyond entry %v for %s", l.Level, l.Price, entry, side)
		}
		if i > 0 && !(domain.PriceReached(side, l.Price, out[i-1].Price) && l.Price != out[i-1].Price) {
			return nil, invalidf("TP%d at %v is not further from entry than TP%d at %v", l.Level, l.Price, out[i-1].Level, out[i-1].Price)
		}
		switch l.Action {
		case domain.TPPartialClose:
			if !finitePositive(l.ClosePercentage) || l.ClosePercentage > 1 {
				return nil, invalidf("TP%d close percentage must be within (0,1], got %v", l.Level, l.ClosePercentage)
			}
		case domain.TPCloseAll, domain.TPMoveSL:
			if !finiteNonNegative(l.ClosePercentage) || l.ClosePercentage > 1 {
				return nil, invalidf("TP%d close percentage must be within [0,1], got %v", l.Level, l.ClosePercentage)
			}
			if l.Action == domain.TPMoveSL && l.MoveSLTo < 0 {
				return nil, invalidf("TP%d move-SL target must not be negative", l.Level)
			}
		default:
			return nil, invalidf("TP%d has unknown action %q", l.Level, l.Action)
		}
		if l.Status != domain.TPCancelled {
			total += l.ClosePercentage
		}
	}
	if total > 1+1e-9 {
		return nil, invalidf("take-profit close percentages sum to %.4f, above 1.0", total)
	}
	return out, nil
}

// RegisterLevels validates and stores the levels for ticket.
func (e *TakeProfitEngine) RegisterLevels(ticket, symbol string, entry float64, side domain.OrderSide, levels []domain.TPLevel) error {
	if ticket == "" || symbol == "" {
		return invalidf("take-profit levels need a ticket and a symbol")
	}
	prepared, err := prepareLevels(side, entry, levels)
	if err != nil {
		return err
	}
	for i := range prepared {
		prepared[i].Status = domain.TPPending
		prepared[i].ExecutedLots = 0
		prepared[i].HitPrice = 0
		prepared[i].HitAt = time.Time{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.books[ticket]; exists {
		return fmt.Errorf("%w: take-profit levels for %s", ports.ErrAlreadyExists, ticket)
	}
	e.books[ticket] = &tpBook{symbol: symbol, side: side, entry: entry, levels: prepared}
	return nil
}

// Restore re-installs levels captured in a snapshot, keeping their state.
func (e *TakeProfitEngine) Restore(ticket, symbol string, entry float64, side domain.OrderSide, levels []domain.TPLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[ticket] = &tpBook{symbol: symbol, side: side, entry: entry, levels: domain.CloneLevels(levels)}
	for _, l := range levels {
		if l.Status == domain.TPHit {
			e.hitCounts[l.Level]++
		}
	}
}

// UpdateEntry moves the reference entry, used once an entry range has filled.
func (e *TakeProfitEngine) UpdateEntry(ticket string, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[ticket]; ok && entry > 0 {
		b.entry = entry
	}
}

// OnPrice returns the PENDING levels crossed by price, in ascending level order.
// Levels are not marked; callers mark them with MarkHit once executed.
func (e *TakeProfitEngine) OnPrice(ticket string, price float64) ([]domain.TPLevel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[ticket]
	if !ok {
		return nil, fmt.Errorf("%w: take-profit levels for %s", ports.ErrNotFound, ticket)
	}
	if !finitePositive(price) {
		return nil, fmt.Errorf("%w: no price for %s", ports.ErrStaleOrMissingPrice, b.symbol)
	}

	var crossed []domain.TPLevel
	for _, l := range b.levels {
		if l.Status != domain.TPPending {
			continue
		}
		if !domain.PriceReached(b.side, price, l.Price) {
			break
		}
		crossed = append(crossed, l)
	}
	return crossed, nil
}

// ComputeExecution sizes the broker work for a hit level against the position's
// current state. Close percentages are fractions of the original lot size.
func (e *TakeProfitEngine) ComputeExecution(pos domain.ManagedPosition, level domain.TPLevel) (TPExecution, error) {
	exec := TPExecution{Level: level.Level, Remaining: pos.LotSize}
	if pos.LotSize < 0 || pos.LotSize > pos.OriginalLotSize+1e-9 {
		return exec, fmt.Errorf("%w: %s has %v lots of %v original", ports.ErrInvariantViolation, pos.ID, pos.LotSize, pos.OriginalLotSize)
	}

	switch level.Action {
	case domain.TPMoveSL:
		exec.Kind = domain.ActionMoveSL
		exec.NewSL = level.MoveSLTo
		if exec.NewSL <= 0 {
			exec.NewSL = pos.EntryPrice
		}
		return exec, nil

	case domain.TPCloseAll:
		exec.Kind = domain.ActionCloseAll
		exec.Lots = pos.LotSize
		exec.Remaining = 0
		return exec, nil
	}

	raw := domain.MulLots(pos.OriginalLotSize, level.ClosePercentage)
	if raw > pos.LotSize {
		raw = pos.LotSize
	}
	if domain.SubLots(pos.LotSize, raw) < e.config.MinLotsRemaining-1e-9 {
		exec.Kind = domain.ActionCloseAll
		exec.Lots = pos.LotSize
		exec.Remaining = 0
		return exec, nil
	}

	lots := domain.FloorLots(raw, e.config.LotStep)
	if lots <= 0 {
		return exec, fmt.Errorf("%w: TP%d of %s sizes to %v lots", ports.ErrInvariantViolation, level.Level, pos.ID, lots)
	}
	exec.Kind = domain.ActionPartialClose
	exec.Lots = lots
	exec.Remaining = domain.SubLots(pos.LotSize, lots)
	return exec, nil
}

// CascadeStop returns the automatic stop for a hit level: entry for TP1 and
// the previous level's price after that. ok is false when the cascade is off.
func (e *TakeProfitEngine) CascadeStop(ticket string, level int) (float64, bool) {
	if !e.config.AutoSLCascade {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[ticket]
	if !ok {
		return 0, false
	}
	target := b.entry
	for _, l := range b.levels {
		if l.Level >= level {
			break
		}
		target = l.Price
	}
	return target, target > 0
}

// MarkHit moves a PENDING level to HIT. It returns false if the level was
// already hit or cancelled.
func (e *TakeProfitEngine) MarkHit(ticket string, level int, price, executedLots float64, at time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[ticket]
	if !ok {
		return false, fmt.Errorf("%w: take-profit levels for %s", ports.ErrNotFound, ticket)
	}
	for i := range b.levels {
		l := &b.levels[i]
		if l.Level != level {
			continue
		}
		if l.Status != domain.TPPending {
			return false, nil
		}
		l.Status = domain.TPHit
		l.HitPrice = price
		l.HitAt = at
		l.ExecutedLots = domain.AddLots(l.ExecutedLots, executedLots)
		e.hitCounts[level]++
		return true, nil
	}
	return false, fmt.Errorf("%w: TP%d for %s", ports.ErrNotFound, level, ticket)
}

// CancelLevel marks one PENDING level as CANCELLED.
func (e *TakeProfitEngine) CancelLevel(ticket string, level int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[ticket]; ok {
		for i := range b.levels {
			if b.levels[i].Level == level && b.levels[i].Status == domain.TPPending {
				b.levels[i].Status = domain.TPCancelled
			}
		}
	}
}

// CancelRemaining marks every PENDING level of ticket as CANCELLED.
func (e *TakeProfitEngine) CancelRemaining(ticket string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[ticket]; ok {
		for i := range b.levels {
			if b.levels[i].Status == domain.TPPending {
				b.levels[i].Status = domain.TPCancelled
			}
		}
	}
}

// Levels returns a copy of the levels for ticket.
func (e *TakeProfitEngine) Levels(ticket string) []domain.TPLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[ticket]; ok {
		return domain.CloneLevels(b.levels)
	}
	return nil
}

// HasPending reports whether ticket has a level that can still be hit.
func (e *TakeProfitEngine) HasPending(ticket string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[ticket]; ok {
		for _, l := range b.levels {
			if l.Status == domain.TPPending {
				return true
			}
		}
	}
	return false
}

// Remove forgets the levels for ticket.
func (e *TakeProfitEngine) Remove(ticket string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.books, ticket)
}

// HitCounts returns how many times each level number has been hit.
func (e *TakeProfitEngine) HitCounts() map[int]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]int, len(e.hitCounts))
	for k, v := range e.hitCounts {
		out[k] = v
	}
	return out
}
