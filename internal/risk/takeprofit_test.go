package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

func newTPEngine(t *testing.T, cascade bool) *TakeProfitEngine {
	t.Helper()
	cfg := DefaultTakeProfitConfig()
	cfg.AutoSLCascade = cascade
	e, err := NewTakeProfitEngine(cfg)
	require.NoError(t, err)
	return e
}

func threeLevels() []domain.TPLevel {
	return []domain.TPLevel{
		{Level: 1, Price: 1.2050, ClosePercentage: 0.25, Action: domain.TPPartialClose},
		{Level: 2, Price: 1.2080, ClosePercentage: 0.25, Action: domain.TPPartialClose},
		{Level: 3, Price: 1.2120, ClosePercentage: 0.50, Action: domain.TPCloseAll},
	}
}

func openPosition(lots float64) domain.ManagedPosition {
	return domain.ManagedPosition{
		ID:              "2001",
		Symbol:          "EURUSD",
		Side:            domain.Buy,
		EntryPrice:      1.2000,
		LotSize:         lots,
		OriginalLotSize: lots,
		Status:          domain.StatusOpen,
	}
}

func TestTakeProfitEngine_RegisterLevelsValidation(t *testing.T) {
	tests := []struct {
		name   string
		side   domain.OrderSide
		levels []domain.TPLevel
	}{
		{
			name:   "wrong side of entry",
			side:   domain.Buy,
			levels: []domain.TPLevel{{Level: 1, Price: 1.1950, ClosePercentage: 0.5}},
		},
		{
			name: "not ordered by distance",
			side: domain.Buy,
			levels: []domain.TPLevel{
				{Level: 1, Price: 1.2080, ClosePercentage: 0.5},
				{Level: 2, Price: 1.2050, ClosePercentage: 0.5},
			},
		},
		{
			name: "sell not ordered by distance",
			side: domain.Sell,
			levels: []domain.TPLevel{
				{Level: 1, Price: 1.1950, ClosePercentage: 0.5},
				{Level: 2, Price: 1.1980, ClosePercentage: 0.5},
			},
		},
		{
			name: "percentages above one",
			side: domain.Buy,
			levels: []domain.TPLevel{
				{Level: 1, Price: 1.2050, ClosePercentage: 0.6},
				{Level: 2, Price: 1.2080, ClosePercentage: 0.6},
			},
		},
		{
			name: "duplicate level numbers",
			side: domain.Buy,
			levels: []domain.TPLevel{
				{Level: 1, Price: 1.2050, ClosePercentage: 0.2},
				{Level: 1, Price: 1.2080, ClosePercentage: 0.2},
			},
		},
		{
			name:   "zero percentage partial close",
			side:   domain.Buy,
			levels: []domain.TPLevel{{Level: 1, Price: 1.2050}},
		},
		{
			name:   "no levels",
			side:   domain.Buy,
			levels: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTPEngine(t, false)
			err := e.RegisterLevels("2001", "EURUSD", 1.2000, tt.side, tt.levels)
			assert.ErrorIs(t, err, ports.ErrConfigurationInvalid)
			assert.Nil(t, e.Levels("2001"))
		})
	}

	t.Run("cancelled levels do not count toward the sum", func(t *testing.T) {
		e := newTPEngine(t, false)
		levels := []domain.TPLevel{
			{Level: 1, Price: 1.2050, ClosePercentage: 0.6, Status: domain.TPCancelled},
			{Level: 2, Price: 1.2080, ClosePercentage: 0.6},
		}
		assert.NoError(t, e.RegisterLevels("2001", "EURUSD", 1.2000, domain.Buy, levels))
	})
}

func TestTakeProfitEngine_OnPriceReturnsCrossedLevelsInOrder(t *testing.T) {
	e := newTPEngine(t, false)
	require.NoError(t, e.RegisterLevels("2001", "EURUSD", 1.2000, domain.Buy, threeLevels()))

	hit, err := e.OnPrice("2001", 1.2030)
	require.NoError(t, err)
	assert.Empty(t, hit)

	hit, err = e.OnPrice("2001", 1.2090)
	require.NoError(t, err)
	require.Len(t, hit, 2)
	assert.Equal(t, 1, hit[0].Level)
	assert.Equal(t, 2, hit[1].Level)

	_, err = e.OnPrice("missing", 1.2)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestTakeProfitEngine_SellHitDetection(t *testing.T) {
	e := newTPEngine(t, false)
	levels := []domain.TPLevel{
		{Level: 1, Price: 1.1950, ClosePercentage: 0.5},
		{Level: 2, Price: 1.1900, ClosePercentage: 0.5, Action: domain.TPCloseAll},
	}
	require.NoError(t, e.RegisterLevels("3001", "EURUSD", 1.2000, domain.Sell, levels))

	hit, err := e.OnPrice("3001", 1.1960)
	require.NoError(t, err)
	assert.Empty(t, hit)

	hit, err = e.OnPrice("3001", 1.1950)
	require.NoError(t, err)
	require.Len(t, hit, 1)
	assert.Equal(t, 1, hit[0].Level)
}

func TestTakeProfitEngine_Idempotence(t *testing.T) {
	e := newTPEngine(t, false)
	require.NoError(t, e.RegisterLevels("2001", "EURUSD", 1.2000, domain.Buy, threeLevels()))
	pos := openPosition(1.0)

	for i := 0; i < 2; i++ {
		hit, err := e.OnPrice("2001", 1.2050)
		require.NoError(t, err)
		for _, l := range hit {
			exec, err := e.ComputeExecution(pos, l)
			require.NoError(t, err)
			marked, err := e.MarkHit("2001", l.Level, 1.2050, exec.Lots, time.Now())
			require.NoError(t, err)
			if marked {
				pos.LotSize = exec.Remaining
			}
		}
	}

	levels := e.Levels("2001")
	assert.Equal(t, domain.TPHit, levels[0].Status)
	assert.InDelta(t, 0.25, levels[0].ExecutedLots, 1e-9)
	assert.InDelta(t, 0.75, pos.LotSize, 1e-9)
	assert.Equal(t, 1, e.HitCounts()[1])

	marked, err := e.MarkHit("2001", 1, 1.2050, 0.25, time.Now())
	require.NoError(t, err)
	assert.False(t, marked)
	assert.InDelta(t, 0.25, e.Levels("2001")[0].ExecutedLots, 1e-9)
}

func TestTakeProfitEngine_ComputeExecution(t *testing.T) {
	e := newTPEngine(t, false)

	t.Run("percentage of original size", func(t *testing.T) {
		pos := openPosition(1.0)
		pos.LotSize = 0.75
		exec, err := e.ComputeExecution(pos, domain.TPLevel{Level: 2, ClosePercentage: 0.25, Action: domain.TPPartialClose})
		require.NoError(t, err)
		assert.Equal(t, domain.ActionPartialClose, exec.Kind)
		assert.InDelta(t, 0.25, exec.Lots, 1e-9)
		assert.InDelta(t, 0.50, exec.Remaining, 1e-9)
	})

	t.Run("dust remainder closes everything", func(t *testing.T) {
		pos := openPosition(0.10)
		exec, err := e.ComputeExecution(pos, domain.TPLevel{Level: 1, ClosePercentage: 0.95, Action: domain.TPPartialClose})
		require.NoError(t, err)
		assert.Equal(t, domain.ActionCloseAll, exec.Kind)
		assert.InDelta(t, 0.10, exec.Lots, 1e-9)
		assert.Zero(t, exec.Remaining)
	})

	t.Run("clamped to current size", func(t *testing.T) {
		pos := openPosition(1.0)
		pos.LotSize = 0.30
		exec, err := e.ComputeExecution(pos, domain.TPLevel{Level: 3, ClosePercentage: 0.5, Action: domain.TPPartialClose})
		require.NoError(t, err)
		assert.Equal(t, domain.ActionCloseAll, exec.Kind)
		assert.InDelta(t, 0.30, exec.Lots, 1e-9)
	})

	t.Run("close all", func(t *testing.T) {
		pos := openPosition(1.0)
		pos.LotSize = 0.5
		exec, err := e.ComputeExecution(pos, domain.TPLevel{Level: 3, ClosePercentage: 0.5, Action: domain.TPCloseAll})
		require.NoError(t, err)
		assert.Equal(t, domain.ActionCloseAll, exec.Kind)
		assert.InDelta(t, 0.5, exec.Lots, 1e-9)
	})

	t.Run("move sl defaults to entry", func(t *testing.T) {
		exec, err := e.ComputeExecution(openPosition(1.0), domain.TPLevel{Level: 1, Action: domain.TPMoveSL})
		require.NoError(t, err)
		assert.Equal(t, domain.ActionMoveSL, exec.Kind)
		assert.InDelta(t, 1.2000, exec.NewSL, 1e-9)
		assert.Zero(t, exec.Lots)

		exec, err = e.ComputeExecution(openPosition(1.0), domain.TPLevel{Level: 1, Action: domain.TPMoveSL, MoveSLTo: 1.2025})
		require.NoError(t, err)
		assert.InDelta(t, 1.2025, exec.NewSL, 1e-9)
	})

	t.Run("size below lot step is an invariant violation", func(t *testing.T) {
		pos := openPosition(0.10)
		_, err := e.ComputeExecution(pos, domain.TPLevel{Level: 1, ClosePercentage: 0.05, Action: domain.TPPartialClose})
		assert.ErrorIs(t, err, ports.ErrInvariantViolation)
	})

	t.Run("lots above original are an invariant violation", func(t *testing.T) {
		pos := openPosition(0.10)
		pos.LotSize = 0.2
		_, err := e.ComputeExecution(pos, domain.TPLevel{Level: 1, ClosePercentage: 0.5, Action: domain.TPPartialClose})
		assert.ErrorIs(t, err, ports.ErrInvariantViolation)
	})
}

func TestTakeProfitEngine_CascadeStop(t *testing.T) {
	off := newTPEngine(t, false)
	require.NoError(t, off.RegisterLevels("2001", "EURUSD", 1.2000, domain.Buy, threeLevels()))
	_, ok := off.CascadeStop("2001", 1)
	assert.False(t, ok)

	on := newTPEngine(t, true)
	require.NoError(t, on.RegisterLevels("2001", "EURUSD", 1.2000, domain.Buy, threeLevels()))

	sl, ok := on.CascadeStop("2001", 1)
	require.True(t, ok)
	assert.InDelta(t, 1.2000, sl, 1e-9)

	sl, ok = on.CascadeStop("2001", 2)
	require.True(t, ok)
	assert.InDelta(t, 1.2050, sl, 1e-9)

	sl, ok = on.CascadeStop("2001", 3)
	require.True(t, ok)
	assert.InDelta(t, 1.2080, sl, 1e-9)

	on.UpdateEntry("2001", 1.2004)
	sl, _ = on.CascadeStop("2001", 1)
	assert.InDelta(t, 1.2004, sl, 1e-9)
}

func TestTakeProfitEngine_CancelRemaining(t *testing.T) {
	e := newTPEngine(t, false)
	require.NoError(t, e.RegisterLevels("2001", "EURUSD", 1.2000, domain.Buy, threeLevels()))
	_, err := e.MarkHit("2001", 1, 1.2050, 0.25, time.Now())
	require.NoError(t, err)

	e.CancelRemaining("2001")
	levels := e.Levels("2001")
	assert.Equal(t, domain.TPHit, levels[0].Status)
	assert.Equal(t, domain.TPCancelled, levels[1].Status)
	assert.Equal(t, domain.TPCancelled, levels[2].Status)
	assert.False(t, e.HasPending("2001"))

	hit, err := e.OnPrice("2001", 1.3)
	require.NoError(t, err)
	assert.Empty(t, hit)
}
