package optimize

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// scoreByParams fabricates an analysis whose Sharpe ratio is a deterministic
// function of the merged parameters, so the optimum is known in advance.
func scoreByParams(cfg backtest.StrategyConfig) *backtest.AnalysisResult {
	fast, _ := numericValue(cfg.Params["fast_ma"])
	slow, _ := numericValue(cfg.Params["slow_ma"])
	return analysisWithSharpe(fast + slow/100)
}

func gridEngineConfig() EngineConfig {
	return EngineConfig{
		Direction: "maximize",
		Search:    SearchConfig{Algorithm: "grid"},
		Objective: "sharpe",
	}
}

func maSpace(t *testing.T) *ParameterSpace {
	t.Helper()
	space, err := NewParameterSpace(
		Range("fast_ma", 5, 15, 5),
		Choices("slow_ma", 20, 30),
	)
	require.NoError(t, err)
	return space
}

func TestNewEngineValidation(t *testing.T) {
	space := maSpace(t)
	base := backtest.StrategyConfig{Name: "buy_hold"}
	run := func(_ context.Context, cfg backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return scoreByParams(cfg), nil
	}

	cases := []struct {
		name    string
		mutate  func(*EngineConfig)
		space   *ParameterSpace
		run     BacktestFunc
		wantErr string
	}{
		{"nil space", func(*EngineConfig) {}, nil, run, "parameter space"},
		{"nil backtest func", func(*EngineConfig) {}, space, nil, "backtest function"},
		{"bad direction", func(c *EngineConfig) { c.Direction = "sideways" }, space, run, "direction"},
		{"unknown objective", func(c *EngineConfig) { c.Objective = "alpha" }, space, run, "objective"},
		{"unknown algorithm", func(c *EngineConfig) { c.Search.Algorithm = "bayesian" }, space, run, "algorithm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := gridEngineConfig()
			tc.mutate(&cfg)
			_, err := NewEngine(cfg, tc.space, base, tc.run)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	t.Run("valid config", func(t *testing.T) {
		engine, err := NewEngine(gridEngineConfig(), space, base, run)
		require.NoError(t, err)
		assert.Equal(t, StateIdle, engine.State())
	})
}

func TestEngineGridRun(t *testing.T) {
	run := func(_ context.Context, cfg backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return scoreByParams(cfg), nil
	}
	engine, err := NewEngine(gridEngineConfig(), maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	var snapshots []ProgressSnapshot
	result, err := engine.Run(context.Background(), nil, RunOptions{
		Progress: func(s ProgressSnapshot) { snapshots = append(snapshots, s) },
	})
	require.NoError(t, err)

	t.Run("visits the full grid", func(t *testing.T) {
		assert.Equal(t, 6, result.TotalTrials)
		assert.Equal(t, 6, result.SuccessfulTrials)
		assert.Zero(t, result.PrunedTrials)
		assert.Zero(t, result.Errors.TotalFailed)
	})

	t.Run("finds the known optimum", func(t *testing.T) {
		require.NotNil(t, result.BestScore)
		assert.InDelta(t, 15.3, *result.BestScore, 1e-9)
		assert.Equal(t, 15, result.BestParams["fast_ma"])
		assert.Equal(t, 30, result.BestParams["slow_ma"])
	})

	t.Run("carries full analysis for the winner", func(t *testing.T) {
		require.NotNil(t, result.BestAnalysis)
		assert.InDelta(t, 15.3, result.BestAnalysis.Metrics.SharpeRatio, 1e-9)
		require.NotNil(t, result.Constraints)
		assert.Equal(t, 1.0, result.Constraints.TotalConstraintScore)
	})

	t.Run("accounting invariant holds", func(t *testing.T) {
		assert.Equal(t, result.TotalTrials, result.SuccessfulTrials+result.Errors.TotalFailed)
	})

	t.Run("terminal bookkeeping", func(t *testing.T) {
		assert.Equal(t, StateCompleted, result.State)
		assert.Equal(t, StateCompleted, engine.State())
		assert.False(t, result.WasInterrupted)
		assert.NotEqual(t, uuid.Nil, result.RunID)
		assert.Equal(t, "grid", result.Algorithm)
		assert.Equal(t, "sharpe", result.Objective)
		assert.Positive(t, result.Timing.TotalElapsed)
	})

	t.Run("progress snapshots after every trial", func(t *testing.T) {
		require.Len(t, snapshots, 6)
		prevBest := -1.0
		for i, s := range snapshots {
			assert.Equal(t, i+1, s.CurrentTrial)
			require.NotNil(t, s.TotalTrials)
			assert.Equal(t, 6, *s.TotalTrials)
			require.NotNil(t, s.BestScore)
			assert.GreaterOrEqual(t, *s.BestScore, prevBest, "best score must never regress")
			prevBest = *s.BestScore
		}
	})
}

func TestEngineMinimizeDirection(t *testing.T) {
	cfg := gridEngineConfig()
	cfg.Direction = "minimize"
	run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return scoreByParams(sc), nil
	}
	engine, err := NewEngine(cfg, maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	require.NotNil(t, result.BestScore)
	assert.InDelta(t, 5.2, *result.BestScore, 1e-9)
	assert.Equal(t, 5, result.BestParams["fast_ma"])
	assert.Equal(t, 20, result.BestParams["slow_ma"])
}

func TestEngineTieKeepsEarliest(t *testing.T) {
	run := func(context.Context, backtest.StrategyConfig, map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return analysisWithSharpe(1.0), nil
	}
	engine, err := NewEngine(gridEngineConfig(), maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	// All scores equal: the first grid combination wins.
	assert.Equal(t, 5, result.BestParams["fast_ma"])
	assert.Equal(t, 20, result.BestParams["slow_ma"])
}

func TestEngineAllTrialsFail(t *testing.T) {
	run := func(context.Context, backtest.StrategyConfig, map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return nil, &backtest.DataError{Symbol: "BTC/USDT", Reason: "no candles in window"}
	}
	engine, err := NewEngine(gridEngineConfig(), maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 6, result.TotalTrials)
	assert.Zero(t, result.SuccessfulTrials)
	assert.Equal(t, 6, result.Errors.TotalFailed)
	assert.Equal(t, 6, result.Errors.CountsByKind[FailureData])
	assert.Nil(t, result.BestScore)
	assert.Nil(t, result.BestParams)
	assert.Nil(t, result.BestAnalysis)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, result.TotalTrials, result.SuccessfulTrials+result.Errors.TotalFailed)
}

func TestEngineConsecutiveFailureAbort(t *testing.T) {
	cfg := gridEngineConfig()
	cfg.MaxConsecutiveFailures = 3
	run := func(context.Context, backtest.StrategyConfig, map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return nil, &backtest.CalculationError{Reason: "empty equity curve"}
	}
	engine, err := NewEngine(cfg, maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StateFailureAborted, result.State)
	assert.Equal(t, 3, result.TotalTrials)
	assert.Equal(t, 3, result.Errors.CountsByKind[FailureCalculation])
}

func TestEngineTimeout(t *testing.T) {
	cfg := gridEngineConfig()
	cfg.TimeoutSeconds = 0.05
	run := func(_ context.Context, cfg backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		time.Sleep(80 * time.Millisecond)
		return scoreByParams(cfg), nil
	}
	engine, err := NewEngine(cfg, maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	var snapshots []ProgressSnapshot
	result, err := engine.Run(context.Background(), nil, RunOptions{
		Progress: func(s ProgressSnapshot) { snapshots = append(snapshots, s) },
	})
	require.NoError(t, err)

	// The deadline is enforced between trials, so the in-flight trial
	// finishes and only one of the six grid points is visited.
	assert.Equal(t, StateCompleted, result.State)
	assert.False(t, result.WasInterrupted)
	assert.Equal(t, 1, result.TotalTrials)
	assert.Equal(t, result.TotalTrials, result.SuccessfulTrials+result.Errors.TotalFailed)
	assert.Len(t, snapshots, 1)
	assert.GreaterOrEqual(t, result.Timing.TotalElapsed, 80*time.Millisecond)

	require.NotNil(t, result.BestScore)
	assert.InDelta(t, 5.2, *result.BestScore, 1e-9)
	assert.Equal(t, ParameterSet{"fast_ma": 5, "slow_ma": 20}, result.BestParams)
}

func TestEngineInterruption(t *testing.T) {
	t.Run("flag set mid-run stops between trials", func(t *testing.T) {
		cfg := gridEngineConfig()
		seed := int64(99)
		cfg.Search = SearchConfig{Algorithm: "random", MaxIterations: 10, RandomSeed: &seed}

		run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
			return scoreByParams(sc), nil
		}
		engine, err := NewEngine(cfg, maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
		require.NoError(t, err)

		var interrupt atomic.Bool
		result, err := engine.Run(context.Background(), nil, RunOptions{
			Interrupt: &interrupt,
			Progress: func(s ProgressSnapshot) {
				if s.CurrentTrial == 3 {
					interrupt.Store(true)
				}
			},
		})
		require.NoError(t, err)

		assert.Equal(t, 3, result.TotalTrials)
		assert.True(t, result.WasInterrupted)
		assert.Equal(t, StateInterrupted, result.State)
		// Completed trials are preserved, including the incumbent best.
		assert.NotNil(t, result.BestScore)
		assert.Equal(t, result.TotalTrials, result.SuccessfulTrials+result.Errors.TotalFailed)
	})

	t.Run("cancelled context stops before the first trial", func(t *testing.T) {
		run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
			return scoreByParams(sc), nil
		}
		engine, err := NewEngine(gridEngineConfig(), maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := engine.Run(ctx, nil, RunOptions{})
		require.NoError(t, err)

		assert.Zero(t, result.TotalTrials)
		assert.True(t, result.WasInterrupted)
		assert.Equal(t, StateInterrupted, result.State)
	})
}

func TestEnginePruning(t *testing.T) {
	space, err := NewParameterSpace(
		Range("fast_period", 5, 15, 5),
		Choices("slow_period", 10, 30),
	)
	require.NoError(t, err)

	executed := 0
	run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		executed++
		fast, _ := numericValue(sc.Params["fast_period"])
		return analysisWithSharpe(fast), nil
	}
	engine, err := NewEngine(gridEngineConfig(), space, backtest.StrategyConfig{Name: "ma_cross"}, run)
	require.NoError(t, err)

	snapshots := 0
	result, err := engine.Run(context.Background(), nil, RunOptions{
		Progress: func(ProgressSnapshot) { snapshots++ },
	})
	require.NoError(t, err)

	// Grid is 3x2 = 6; (10,10) and (15,10) violate fast < slow.
	assert.Equal(t, 2, result.PrunedTrials)
	assert.Equal(t, 4, result.TotalTrials)
	assert.Equal(t, 4, result.SuccessfulTrials)
	// Pruned assignments never reach the backtest, plus one re-execution of
	// the winner.
	assert.Equal(t, 5, executed)
	// Snapshots cover pruned assignments too.
	assert.Equal(t, 6, snapshots)
	assert.Equal(t, result.TotalTrials, result.SuccessfulTrials+result.Errors.TotalFailed)
}

func TestEngineMaxTrialsOverride(t *testing.T) {
	run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return scoreByParams(sc), nil
	}
	engine, err := NewEngine(gridEngineConfig(), maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	var totals []int
	result, err := engine.Run(context.Background(), nil, RunOptions{
		MaxTrials: 2,
		Progress: func(s ProgressSnapshot) {
			require.NotNil(t, s.TotalTrials)
			totals = append(totals, *s.TotalTrials)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalTrials)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, []int{2, 2}, totals)
}

func TestEngineSingleUse(t *testing.T) {
	run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		return scoreByParams(sc), nil
	}
	engine, err := NewEngine(gridEngineConfig(), maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), nil, RunOptions{})
	require.Error(t, err)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestEngineConstraintAdherence(t *testing.T) {
	cfg := gridEngineConfig()
	cfg.Constraints = ConstraintConfig{TargetHoldPeriodDays: &[2]float64{2, 10}, MinTrades: 5}

	run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		res := scoreByParams(sc)
		res.ClosedPositions = positionsWithHoldDays(2, 3, 4, 5, 6, 7, 10, 1, 12, 15)
		return res, nil
	}
	engine, err := NewEngine(cfg, maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	require.NotNil(t, result.Constraints)
	assert.True(t, result.Constraints.HoldPeriodSatisfied)
	assert.InDelta(t, 0.7, result.Constraints.HoldPeriodScore, 1e-9)
	assert.True(t, result.Constraints.MinTradesSatisfied)
	assert.InDelta(t, 0.85, result.Constraints.TotalConstraintScore, 1e-9)
	assert.Equal(t, 10, result.Constraints.TradeDurationStats.TotalTrades)
}

func TestEngineReExecutionFailureKeepsBest(t *testing.T) {
	calls := 0
	run := func(_ context.Context, sc backtest.StrategyConfig, _ map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error) {
		calls++
		if calls > 6 { // the re-execution of the winner
			return nil, &backtest.DataError{Symbol: "BTC/USDT", Reason: "feed gone"}
		}
		return scoreByParams(sc), nil
	}
	engine, err := NewEngine(gridEngineConfig(), maSpace(t), backtest.StrategyConfig{Name: "buy_hold"}, run)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)

	require.NotNil(t, result.BestScore)
	assert.InDelta(t, 15.3, *result.BestScore, 1e-9)
	assert.Equal(t, 15, result.BestParams["fast_ma"])
	assert.Nil(t, result.BestAnalysis)
	assert.Nil(t, result.Constraints)
	assert.Equal(t, StateCompleted, result.State)
}
