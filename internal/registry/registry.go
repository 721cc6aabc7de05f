// Package registry holds the in-memory set of managed positions.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

// PositionRegistry maps position ids to managed positions. Reads always
// return copies; only the monitor mutates entries.
type PositionRegistry struct {
	mu        sync.RWMutex
	positions map[string]*domain.ManagedPosition
}

// New creates an empty registry.
func New() *PositionRegistry {
	return &PositionRegistry{positions: make(map[string]*domain.ManagedPosition)}
}

func checkLots(p *domain.ManagedPosition) error {
	if p.LotSize < 0 || p.LotSize > p.OriginalLotSize+1e-9 {
		return fmt.Errorf("%w: %s has %v lots of %v original", ports.ErrInvariantViolation, p.ID, p.LotSize, p.OriginalLotSize)
	}
	return nil
}

// Register adds a new position.
func (r *PositionRegistry) Register(pos domain.ManagedPosition) error {
	if pos.ID == "" {
		return fmt.Errorf("%w: position id is required", ports.ErrConfigurationInvalid)
	}
	if err := checkLots(&pos); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[pos.ID]; exists {
		return fmt.Errorf("%w: position %s", ports.ErrAlreadyExists, pos.ID)
	}
	p := pos
	r.positions[p.ID] = &p
	return nil
}

// Get returns a copy of the position.
func (r *PositionRegistry) Get(id string) (domain.ManagedPosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	if !ok {
		return domain.ManagedPosition{}, false
	}
	return *p, true
}

// Update applies fn to the stored position. The change is discarded if fn
// fails or leaves lots outside [0, original].
func (r *PositionRegistry) Update(id string, fn func(p *domain.ManagedPosition) error) (domain.ManagedPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.positions[id]
	if !ok {
		return domain.ManagedPosition{}, fmt.Errorf("%w: position %s", ports.ErrNotFound, id)
	}
	work := *p
	if err := fn(&work); err != nil {
		return *p, err
	}
	if err := checkLots(&work); err != nil {
		return *p, err
	}
	*p = work
	return work, nil
}

// Remove deletes the position and returns its last state.
func (r *PositionRegistry) Remove(id string) (domain.ManagedPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return domain.ManagedPosition{}, false
	}
	delete(r.positions, id)
	return *p, true
}

// Snapshot returns copies of all positions ordered by creation time.
func (r *PositionRegistry) Snapshot() []domain.ManagedPosition {
	r.mu.RLock()
	out := make([]domain.ManagedPosition, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sortPositions(out)
	return out
}

// BySymbol groups copies of all non-closed positions by symbol.
func (r *PositionRegistry) BySymbol() map[string][]domain.ManagedPosition {
	out := make(map[string][]domain.ManagedPosition)
	for _, p := range r.Snapshot() {
		if p.Status == domain.StatusClosed {
			continue
		}
		out[p.Symbol] = append(out[p.Symbol], p)
	}
	return out
}

// Len returns the number of tracked positions.
func (r *PositionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

func sortPositions(ps []domain.ManagedPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
