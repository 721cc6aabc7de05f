package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signalPilot/internal/domain"
	"signalPilot/internal/ledger"
	"signalPilot/internal/ports"
	"signalPilot/internal/registry"
	"signalPilot/internal/risk"
)

type mockLogger struct {
	mu        sync.Mutex
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type brokerCall struct {
	Op     string
	Ticket string
	Symbol string
	Price  float64
	Lots   float64
	SL     *float64
	Type   domain.OrderType
}

// fakeBroker is an in-memory BrokerGateway with scriptable failures.
type fakeBroker struct {
	mu       sync.Mutex
	quotes   map[string]domain.Quote
	priceErr map[string]error
	failOps  map[string]int           // Remaining failures per operation
	delay    map[string]time.Duration // Per-operation latency
	calls    []brokerCall
	nextID   int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		quotes:   make(map[string]domain.Quote),
		priceErr: make(map[string]error),
		failOps:  make(map[string]int),
		delay:    make(map[string]time.Duration),
	}
}

func (b *fakeBroker) setBid(symbol string, bid float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = domain.Quote{Symbol: symbol, Bid: bid, Ask: bid + 0.0002}
}

func (b *fakeBroker) failNext(op string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOps[op] = n
}

func (b *fakeBroker) slow(op string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay[op] = d
}

func (b *fakeBroker) callsOf(op string) []brokerCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []brokerCall
	for _, c := range b.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// enter records the call and applies scripted latency and failures.
func (b *fakeBroker) enter(ctx context.Context, c brokerCall) error {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	d := b.delay[c.Op]
	fail := b.failOps[c.Op] > 0
	if fail {
		b.failOps[c.Op]--
	}
	b.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("%w: %s rejected", ports.ErrExchangeUnavailable, c.Op)
	}
	return nil
}

func (b *fakeBroker) GetPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	q, ok := b.quotes[symbol]
	perr := b.priceErr[symbol]
	b.mu.Unlock()
	if perr != nil {
		return domain.Quote{}, perr
	}
	if !ok {
		return domain.Quote{}, errors.New("no quote")
	}
	q.At = time.Now()
	return q, nil
}

func (b *fakeBroker) PlacePendingOrder(ctx context.Context, req ports.PendingOrderRequest) (string, error) {
	if err := b.enter(ctx, brokerCall{Op: "PlacePendingOrder", Symbol: req.Symbol, Price: req.Price, Lots: req.Lots, Type: req.Type}); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return fmt.Sprintf("T%d", b.nextID), nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, symbol, ticket string) error {
	return b.enter(ctx, brokerCall{Op: "CancelOrder", Symbol: symbol, Ticket: ticket})
}

func (b *fakeBroker) ModifyPosition(ctx context.Context, pos ports.PositionRef, newSL, newTP *float64) error {
	return b.enter(ctx, brokerCall{Op: "ModifyPosition", Ticket: pos.Ticket, Symbol: pos.Symbol, SL: newSL})
}

func (b *fakeBroker) PartialClose(ctx context.Context, pos ports.PositionRef, lots, price float64) error {
	return b.enter(ctx, brokerCall{Op: "PartialClose", Ticket: pos.Ticket, Symbol: pos.Symbol, Lots: lots, Price: price})
}

func (b *fakeBroker) CloseAll(ctx context.Context, pos ports.PositionRef, lots float64) error {
	return b.enter(ctx, brokerCall{Op: "CloseAll", Ticket: pos.Ticket, Symbol: pos.Symbol, Lots: lots})
}

// fakeStore keeps snapshots in memory.
type fakeStore struct {
	mu        sync.Mutex
	positions []domain.PositionSnapshot
	records   []domain.ExecutionRecord
	saves     int
}

func (s *fakeStore) SavePositions(ctx context.Context, snapshots []domain.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append([]domain.PositionSnapshot(nil), snapshots...)
	s.saves++
	return nil
}

func (s *fakeStore) LoadPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PositionSnapshot(nil), s.positions...), nil
}

func (s *fakeStore) AppendExecutions(ctx context.Context, records []domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	if n := len(s.records); n > 0 {
		last = s.records[n-1].Seq
	}
	for _, r := range records {
		if r.Seq > last {
			s.records = append(s.records, r)
			last = r.Seq
		}
	}
	return nil
}

func (s *fakeStore) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *fakeStore) LastExecutionSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return 0, nil
	}
	return s.records[len(s.records)-1].Seq, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc    *Service
	broker *fakeBroker
	store  *fakeStore
	clock  *fakeClock
	logger *mockLogger
}

type harnessOption func(*Deps, *ServiceConfig)

func withCascade() harnessOption {
	return func(d *Deps, _ *ServiceConfig) {
		cfg := risk.DefaultTakeProfitConfig()
		cfg.AutoSLCascade = true
		tp, _ := risk.NewTakeProfitEngine(cfg)
		d.TakeProfit = tp
	}
}

func withCallTimeout(timeout time.Duration) harnessOption {
	return func(_ *Deps, c *ServiceConfig) {
		c.Monitor.BrokerCallTimeout = timeout
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		broker: newFakeBroker(),
		store:  &fakeStore{},
		clock:  &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		logger: &mockLogger{},
	}

	er, err := risk.NewEntryRangeEngine(risk.DefaultEntryRangeConfig(), h.logger)
	require.NoError(t, err)
	tp, err := risk.NewTakeProfitEngine(risk.DefaultTakeProfitConfig())
	require.NoError(t, err)

	deps := Deps{
		Logger:     h.logger,
		Broker:     h.broker,
		Store:      h.store,
		Registry:   registry.New(),
		Ledger:     ledger.New(100),
		EntryRange: er,
		BreakEven:  risk.NewBreakEvenEngine(),
		TakeProfit: tp,
		Now:        h.clock.Now,
	}
	cfg := ServiceConfig{Monitor: DefaultMonitorConfig()}
	cfg.Monitor.PriceCacheTTL = 0
	cfg.Monitor.SnapshotInterval = 0
	cfg.Monitor.PollInterval = 5 * time.Millisecond
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	h.svc, err = NewService(deps, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) tickAt(bid float64) {
	h.broker.setBid("EURUSD", bid)
	h.svc.Monitor().Tick(context.Background())
}

func threeLevelRequest() RegisterRequest {
	return RegisterRequest{
		ID:         "1001",
		Symbol:     "EURUSD",
		Side:       domain.Buy,
		EntryPrice: 1.2000,
		LotSize:    1.0,
		StopLoss:   1.1950,
		TPLevels: []domain.TPLevel{
			{Level: 1, Price: 1.2050, ClosePercentage: 0.25, Action: domain.TPPartialClose},
			{Level: 2, Price: 1.2080, ClosePercentage: 0.25, Action: domain.TPPartialClose},
			{Level: 3, Price: 1.2120, ClosePercentage: 0.50, Action: domain.TPCloseAll},
		},
	}
}
