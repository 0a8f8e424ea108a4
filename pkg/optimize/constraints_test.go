package optimize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// positionsWithHoldDays builds one closed position per entry, each held for
// the given number of whole days.
func positionsWithHoldDays(days ...float64) []*backtest.ClosedPosition {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	positions := make([]*backtest.ClosedPosition, len(days))
	for i, d := range days {
		entry := base.AddDate(0, 0, i*30)
		positions[i] = &backtest.ClosedPosition{
			Symbol:     "BTC/USDT",
			EntryTime:  entry,
			ExitTime:   entry.Add(time.Duration(d * 24 * float64(time.Hour))),
			EntryPrice: 100,
			ExitPrice:  110,
			Quantity:   1,
			RealizedPL: 10,
			ReturnPct:  10,
		}
	}
	return positions
}

func TestTradeDurations(t *testing.T) {
	t.Run("whole days floored", func(t *testing.T) {
		positions := positionsWithHoldDays(3, 5.9, 0.5)
		durations, err := TradeDurations(positions)
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 5, 0}, durations)
	})

	t.Run("missing timestamps rejected", func(t *testing.T) {
		positions := []*backtest.ClosedPosition{{Symbol: "BTC/USDT"}}
		_, err := TradeDurations(positions)
		require.Error(t, err)
		var valErr *backtest.ValidationError
		assert.ErrorAs(t, err, &valErr)
	})
}

func TestDurationStats(t *testing.T) {
	t.Run("zero trades yields zero stats", func(t *testing.T) {
		stats, err := DurationStats(nil, &[2]float64{2, 10})
		require.NoError(t, err)
		assert.Equal(t, TradeDurationStats{}, stats)
	})

	t.Run("statistics over known durations", func(t *testing.T) {
		positions := positionsWithHoldDays(2, 4, 6, 8)
		stats, err := DurationStats(positions, &[2]float64{3, 7})
		require.NoError(t, err)

		assert.Equal(t, 4, stats.TotalTrades)
		assert.InDelta(t, 5.0, stats.AverageHoldDays, 1e-9)
		assert.InDelta(t, 5.0, stats.MedianHoldDays, 1e-9)
		assert.Equal(t, 2.0, stats.MinHoldDays)
		assert.Equal(t, 8.0, stats.MaxHoldDays)
		assert.Equal(t, 2, stats.TradesWithinTarget)
		assert.InDelta(t, 50.0, stats.PercentageWithinTarget, 1e-9)
	})

	t.Run("target bounds are inclusive", func(t *testing.T) {
		positions := positionsWithHoldDays(2, 10)
		stats, err := DurationStats(positions, &[2]float64{2, 10})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.TradesWithinTarget)
	})
}

func TestEvaluateConstraints(t *testing.T) {
	t.Run("exactly at threshold satisfies", func(t *testing.T) {
		// 7 of 10 trades inside [2, 10] days: exactly the 70% threshold.
		positions := positionsWithHoldDays(2, 3, 4, 5, 6, 7, 10, 1, 12, 15)
		res := &backtest.AnalysisResult{ClosedPositions: positions}

		adherence, err := EvaluateConstraints(res, ConstraintConfig{
			TargetHoldPeriodDays: &[2]float64{2, 10},
		})
		require.NoError(t, err)

		assert.True(t, adherence.HoldPeriodSatisfied)
		assert.InDelta(t, 0.7, adherence.HoldPeriodScore, 1e-9)
		assert.InDelta(t, 0.7, adherence.TotalConstraintScore, 1e-9)
		assert.Empty(t, adherence.ViolationDetails)
	})

	t.Run("below threshold violates", func(t *testing.T) {
		positions := positionsWithHoldDays(3, 4, 12, 15, 20)
		res := &backtest.AnalysisResult{ClosedPositions: positions}

		adherence, err := EvaluateConstraints(res, ConstraintConfig{
			TargetHoldPeriodDays: &[2]float64{2, 10},
		})
		require.NoError(t, err)

		assert.False(t, adherence.HoldPeriodSatisfied)
		assert.InDelta(t, 0.4, adherence.HoldPeriodScore, 1e-9)
		require.Len(t, adherence.ViolationDetails, 1)
		assert.Contains(t, adherence.ViolationDetails[0], "hold period")
	})

	t.Run("min trades scored proportionally", func(t *testing.T) {
		positions := positionsWithHoldDays(3, 4, 5, 6, 7)
		res := &backtest.AnalysisResult{ClosedPositions: positions}

		adherence, err := EvaluateConstraints(res, ConstraintConfig{MinTrades: 10})
		require.NoError(t, err)

		assert.False(t, adherence.MinTradesSatisfied)
		assert.InDelta(t, 0.5, adherence.TotalConstraintScore, 1e-9)
		require.Len(t, adherence.ViolationDetails, 1)
		assert.Contains(t, adherence.ViolationDetails[0], "min trades")
	})

	t.Run("total score is mean of applicable sub-scores", func(t *testing.T) {
		// Hold score 1.0 (all within window), trade score 0.5.
		positions := positionsWithHoldDays(3, 4, 5, 6, 7)
		res := &backtest.AnalysisResult{ClosedPositions: positions}

		adherence, err := EvaluateConstraints(res, ConstraintConfig{
			TargetHoldPeriodDays: &[2]float64{2, 10},
			MinTrades:            10,
		})
		require.NoError(t, err)

		assert.True(t, adherence.HoldPeriodSatisfied)
		assert.False(t, adherence.MinTradesSatisfied)
		assert.InDelta(t, 0.75, adherence.TotalConstraintScore, 1e-9)
	})

	t.Run("no constraints vacuously satisfied", func(t *testing.T) {
		res := &backtest.AnalysisResult{ClosedPositions: positionsWithHoldDays(3)}
		adherence, err := EvaluateConstraints(res, ConstraintConfig{})
		require.NoError(t, err)

		assert.True(t, adherence.HoldPeriodSatisfied)
		assert.True(t, adherence.MinTradesSatisfied)
		assert.Equal(t, 1.0, adherence.TotalConstraintScore)
		assert.Empty(t, adherence.ViolationDetails)
	})
}
