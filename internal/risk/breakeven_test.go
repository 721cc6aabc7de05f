package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

func bePosition(side domain.OrderSide) domain.ManagedPosition {
	now := time.Now()
	return domain.ManagedPosition{
		ID:              "1001",
		Symbol:          "EURUSD",
		Side:            side,
		EntryPrice:      1.2000,
		LotSize:         0.10,
		OriginalLotSize: 0.10,
		Status:          domain.StatusOpen,
		CreatedAt:       now,
		OpenedAt:        now,
	}
}

func TestBreakEvenEngine_FixedPips(t *testing.T) {
	e := NewBreakEvenEngine()
	pos := bePosition(domain.Buy)
	require.NoError(t, e.RegisterPlan(pos.ID, domain.BreakEvenPlan{
		Trigger:        domain.TriggerFixedPips,
		ThresholdValue: 10,
		BufferPips:     2,
	}))

	ok, _ := e.Evaluate(pos, 1.2005, time.Now())
	assert.False(t, ok)

	ok, reason := e.Evaluate(pos, 1.2010, time.Now())
	assert.True(t, ok)
	assert.NotEmpty(t, reason)
}

func TestBreakEvenEngine_ExactlyOnce(t *testing.T) {
	e := NewBreakEvenEngine()
	pos := bePosition(domain.Buy)
	require.NoError(t, e.RegisterPlan(pos.ID, domain.BreakEvenPlan{
		Trigger:        domain.TriggerFixedPips,
		ThresholdValue: 10,
		BufferPips:     2,
	}))

	ok, _ := e.Evaluate(pos, 1.2015, time.Now())
	require.True(t, ok)
	require.NoError(t, e.MarkTriggered(pos.ID, e.ComputeNewSL(pos), time.Now()))

	for _, price := range []float64{1.2020, 1.2050, 1.2100} {
		ok, reason := e.Evaluate(pos, price, time.Now())
		assert.False(t, ok)
		assert.Equal(t, "already triggered", reason)
	}

	require.NoError(t, e.MarkTriggered(pos.ID, 1.3, time.Now()))
	plan, _ := e.Plan(pos.ID)
	assert.InDelta(t, 1.2002, plan.NewStopLoss, 1e-9, "second mark does not overwrite")
	assert.Equal(t, 1, e.TriggeredCount())
	assert.False(t, e.HasPending(pos.ID))
}

func TestBreakEvenEngine_ComputeNewSL(t *testing.T) {
	tests := []struct {
		name   string
		side   domain.OrderSide
		buffer float64
		want   float64
	}{
		{"buy with buffer", domain.Buy, 2, 1.2002},
		{"sell with buffer", domain.Sell, 2, 1.1998},
		{"buy at entry", domain.Buy, 0, 1.2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewBreakEvenEngine()
			pos := bePosition(tt.side)
			require.NoError(t, e.RegisterPlan(pos.ID, domain.BreakEvenPlan{
				Trigger:        domain.TriggerFixedPips,
				ThresholdValue: 10,
				BufferPips:     tt.buffer,
			}))
			assert.InDelta(t, tt.want, e.ComputeNewSL(pos), 1e-9)
		})
	}

	t.Run("jpy pip size", func(t *testing.T) {
		e := NewBreakEvenEngine()
		pos := bePosition(domain.Buy)
		pos.Symbol = "USDJPY"
		pos.EntryPrice = 150.00
		require.NoError(t, e.RegisterPlan(pos.ID, domain.BreakEvenPlan{
			Trigger:        domain.TriggerFixedPips,
			ThresholdValue: 10,
			BufferPips:     3,
		}))
		assert.InDelta(t, 150.03, e.ComputeNewSL(pos), 1e-9)
	})
}

func TestBreakEvenEngine_Triggers(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		plan  domain.BreakEvenPlan
		pos   func() domain.ManagedPosition
		price float64
		now   time.Time
		want  bool
	}{
		{
			name:  "percentage below threshold",
			plan:  domain.BreakEvenPlan{Trigger: domain.TriggerPercentage, ThresholdValue: 0.1},
			pos:   func() domain.ManagedPosition { return bePosition(domain.Buy) },
			price: 1.2010,
			now:   now,
			want:  false,
		},
		{
			name:  "percentage reached",
			plan:  domain.BreakEvenPlan{Trigger: domain.TriggerPercentage, ThresholdValue: 0.1},
			pos:   func() domain.ManagedPosition { return bePosition(domain.Buy) },
			price: 1.2012,
			now:   now,
			want:  true,
		},
		{
			name:  "sell fixed pips reached",
			plan:  domain.BreakEvenPlan{Trigger: domain.TriggerFixedPips, ThresholdValue: 15},
			pos:   func() domain.ManagedPosition { return bePosition(domain.Sell) },
			price: 1.1985,
			now:   now,
			want:  true,
		},
		{
			name: "time based not yet",
			plan: domain.BreakEvenPlan{Trigger: domain.TriggerTimeBased, ThresholdValue: 30},
			pos: func() domain.ManagedPosition {
				p := bePosition(domain.Buy)
				p.OpenedAt = now.Add(-10 * time.Minute)
				return p
			},
			price: 1.2001,
			now:   now,
			want:  false,
		},
		{
			name: "time based elapsed",
			plan: domain.BreakEvenPlan{Trigger: domain.TriggerTimeBased, ThresholdValue: 30},
			pos: func() domain.ManagedPosition {
				p := bePosition(domain.Buy)
				p.OpenedAt = now.Add(-31 * time.Minute)
				return p
			},
			price: 1.2001,
			now:   now,
			want:  true,
		},
		{
			name: "time based blocked by profit gate",
			plan: domain.BreakEvenPlan{Trigger: domain.TriggerTimeBased, ThresholdValue: 30, OnlyWhenProfitable: true, MinProfitPips: 5},
			pos: func() domain.ManagedPosition {
				p := bePosition(domain.Buy)
				p.OpenedAt = now.Add(-time.Hour)
				return p
			},
			price: 1.1990,
			now:   now,
			want:  false,
		},
		{
			name: "time based bypasses profit gate",
			plan: domain.BreakEvenPlan{Trigger: domain.TriggerTimeBased, ThresholdValue: 30, OnlyWhenProfitable: true, MinProfitPips: 5, BypassProfitGate: true},
			pos: func() domain.ManagedPosition {
				p := bePosition(domain.Buy)
				p.OpenedAt = now.Add(-time.Hour)
				return p
			},
			price: 1.1990,
			now:   now,
			want:  true,
		},
		{
			name: "ratio reached",
			plan: domain.BreakEvenPlan{Trigger: domain.TriggerRatioBased, ThresholdValue: 1},
			pos: func() domain.ManagedPosition {
				p := bePosition(domain.Buy)
				p.OriginalStopLoss = 1.1980
				return p
			},
			price: 1.2020,
			now:   now,
			want:  true,
		},
		{
			name: "ratio not reached",
			plan: domain.BreakEvenPlan{Trigger: domain.TriggerRatioBased, ThresholdValue: 1},
			pos: func() domain.ManagedPosition {
				p := bePosition(domain.Buy)
				p.OriginalStopLoss = 1.1980
				return p
			},
			price: 1.2019,
			now:   now,
			want:  false,
		},
		{
			name:  "profit gate blocks fixed pips",
			plan:  domain.BreakEvenPlan{Trigger: domain.TriggerFixedPips, ThresholdValue: 5, OnlyWhenProfitable: true, MinProfitPips: 20},
			pos:   func() domain.ManagedPosition { return bePosition(domain.Buy) },
			price: 1.2010,
			now:   now,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewBreakEvenEngine()
			pos := tt.pos()
			require.NoError(t, e.RegisterPlan(pos.ID, tt.plan))
			got, reason := e.Evaluate(pos, tt.price, tt.now)
			assert.Equal(t, tt.want, got, reason)
		})
	}
}

func TestBreakEvenEngine_RegisterPlanValidation(t *testing.T) {
	tests := []struct {
		name string
		plan domain.BreakEvenPlan
	}{
		{"unknown trigger", domain.BreakEvenPlan{Trigger: "SOMETIMES", ThresholdValue: 1}},
		{"zero pips", domain.BreakEvenPlan{Trigger: domain.TriggerFixedPips}},
		{"negative buffer", domain.BreakEvenPlan{Trigger: domain.TriggerFixedPips, ThresholdValue: 10, BufferPips: -1}},
		{"negative minutes", domain.BreakEvenPlan{Trigger: domain.TriggerTimeBased, ThresholdValue: -5}},
		{"bypass on pips", domain.BreakEvenPlan{Trigger: domain.TriggerFixedPips, ThresholdValue: 10, BypassProfitGate: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewBreakEvenEngine()
			err := e.RegisterPlan("1001", tt.plan)
			assert.ErrorIs(t, err, ports.ErrConfigurationInvalid)
			_, ok := e.Plan("1001")
			assert.False(t, ok)
		})
	}

	e := NewBreakEvenEngine()
	plan := domain.BreakEvenPlan{Trigger: domain.TriggerFixedPips, ThresholdValue: 10}
	require.NoError(t, e.RegisterPlan("1001", plan))
	assert.ErrorIs(t, e.RegisterPlan("1001", plan), ports.ErrAlreadyExists)
	assert.ErrorIs(t, e.MarkTriggered("other", 1.2, time.Now()), ports.ErrNotFound)
}

func TestBreakEvenEngine_NoPlan(t *testing.T) {
	e := NewBreakEvenEngine()
	ok, reason := e.Evaluate(bePosition(domain.Buy), 1.3, time.Now())
	assert.False(t, ok)
	assert.Equal(t, "no break-even plan", reason)
}
