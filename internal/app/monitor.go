package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

// MonitorState is the scheduler lifecycle: Idle -> Running -> Stopped.
type MonitorState int32

const (
	StateIdle MonitorState = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s MonitorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MonitorConfig holds the scheduler settings.
type MonitorConfig struct {
	PollInterval      time.Duration
	PriceCacheTTL     time.Duration
	BrokerCallTimeout time.Duration
	SymbolWorkers     int           // Symbols evaluated in parallel per tick
	SnapshotInterval  time.Duration // Zero disables periodic snapshots
}

// DefaultMonitorConfig returns the standard scheduler settings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:      time.Second,
		PriceCacheTTL:     500 * time.Millisecond,
		BrokerCallTimeout: DefaultBrokerCallTimeout,
		SymbolWorkers:     4,
		SnapshotInterval:  10 * time.Second,
	}
}

// Fill is an entry-order fill reported by the broker.
type Fill struct {
	Ticket string    `json:"ticket"`
	Price  float64   `json:"price"`
	Lots   float64   `json:"lots"`
	At     time.Time `json:"at"`
}

// Monitor is the single cooperative loop that owns all position mutation.
// Every tick it applies queued fills, sweeps entry timeouts, then evaluates
// each symbol once with a shared quote.
type Monitor struct {
	lc     *lifecycle
	cfg    MonitorConfig
	prices *PriceCache

	state  atomic.Int32
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	tickMu sync.Mutex // Held for the whole tick and by service commands

	fillMu sync.Mutex
	fills  []Fill

	ticks        atomic.Int64
	lastSnapshot time.Time
	persistedSeq int64
}

func newMonitor(lc *lifecycle, cfg MonitorConfig) (*Monitor, error) {
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", ports.ErrConfigurationError)
	}
	if cfg.SymbolWorkers <= 0 {
		cfg.SymbolWorkers = 1
	}
	m := &Monitor{
		lc:     lc,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.prices = NewPriceCache(cfg.PriceCacheTTL, func(ctx context.Context, symbol string) (domain.Quote, error) {
		var q domain.Quote
		err := lc.call(ctx, "GetPrice", func(ctx context.Context) error {
			var err error
			q, err = lc.Broker.GetPrice(ctx, symbol)
			return err
		})
		return q, err
	})
	return m, nil
}

// State returns the current scheduler state.
func (m *Monitor) State() MonitorState {
	return MonitorState(m.state.Load())
}

// Ticks returns how many ticks have completed.
func (m *Monitor) Ticks() int64 {
	return m.ticks.Load()
}

// Start runs the loop in its own goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("monitor cannot start from state %s", m.State())
	}
	m.lc.Logger.Info(ctx, "Starting monitor loop", map[string]interface{}{
		"interval": m.cfg.PollInterval.String(), "workers": m.cfg.SymbolWorkers,
	})
	go m.run(ctx)
	return nil
}

// Stop ends the loop, waiting for an in-flight tick, and takes a final
// snapshot. It is safe to call from any goroutine and more than once.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		if m.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
			m.persist(context.Background())
			close(m.doneCh)
			return
		}
		close(m.stopCh)
	})
	<-m.doneCh
}

// Done is closed once the loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.state.Store(int32(StateStopped))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.lc.Logger.Info(ctx, "Monitor context cancelled, stopping")
			m.persist(ctx)
			return
		case <-m.stopCh:
			m.lc.Logger.Info(ctx, "Monitor stop requested")
			m.persist(ctx)
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// EnqueueFill queues a fill for the next tick.
func (m *Monitor) EnqueueFill(f Fill) {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	m.fills = append(m.fills, f)
}

func (m *Monitor) drainFills() []Fill {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	out := m.fills
	m.fills = nil
	return out
}

// Tick runs one evaluation pass. It is exported for deterministic tests and
// for callers that drive the loop themselves.
func (m *Monitor) Tick(ctx context.Context) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	now := m.lc.Now()

	// Fills and entry timeouts first, so this tick's evaluation sees them.
	for _, f := range m.drainFills() {
		m.lc.applyFill(ctx, f, now)
	}
	m.lc.sweepEntries(ctx, now)

	groups := m.lc.Registry.BySymbol()
	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var g errgroup.Group
	g.SetLimit(m.cfg.SymbolWorkers)
	for _, symbol := range symbols {
		symbol := symbol
		positions := groups[symbol]
		g.Go(func() error {
			m.processSymbol(ctx, symbol, positions, now)
			return nil
		})
	}
	_ = g.Wait()

	m.ticks.Add(1)

	if m.cfg.SnapshotInterval > 0 && now.Sub(m.lastSnapshot) >= m.cfg.SnapshotInterval {
		m.persistLocked(ctx, now)
	}
}

func (m *Monitor) processSymbol(ctx context.Context, symbol string, positions []domain.ManagedPosition, now time.Time) {
	quote, err := m.prices.Get(ctx, symbol, now)
	if err != nil {
		m.lc.Logger.Warn(ctx, "processSymbol: No usable price, skipping symbol this tick", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
		return
	}
	for _, p := range positions {
		m.lc.processPosition(ctx, p.ID, quote, now)
	}
}

// persist saves a snapshot outside of a tick.
func (m *Monitor) persist(ctx context.Context) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.persistLocked(ctx, m.lc.Now())
}

// persistLocked writes all positions and the new ledger tail to the store.
func (m *Monitor) persistLocked(ctx context.Context, now time.Time) {
	m.lastSnapshot = now
	store := m.lc.Store
	if store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := store.SavePositions(ctx, m.lc.snapshots()); err != nil {
		m.lc.Logger.Error(ctx, err, "persist: Failed to save position snapshot")
		return
	}
	records := m.lc.Ledger.Since(m.persistedSeq)
	if len(records) == 0 {
		return
	}
	if err := store.AppendExecutions(ctx, records); err != nil {
		m.lc.Logger.Error(ctx, err, "persist: Failed to append ledger records", map[string]interface{}{"count": len(records)})
		return
	}
	m.persistedSeq = records[len(records)-1].Seq
	m.lc.Logger.Debug(ctx, "persist: Snapshot saved", map[string]interface{}{"records": len(records)})
}
