// Executor: the single-call evaluation boundary used by the optimizer
package backtest

import "context"

// AnalysisResult is the complete output of one backtest evaluation:
// performance metrics plus the trade-level detail needed for constraint
// analysis.
type AnalysisResult struct {
	Metrics         *Metrics          `json:"metrics"`
	ClosedPositions []*ClosedPosition `json:"closed_positions"`
	EquityCurve     []*EquityPoint    `json:"equity_curve"`
}

// Executor evaluates strategy configurations against a fixed simulation
// setup. Execute is a pure function of its arguments: a fresh engine is
// built per call and the shared candle data is never mutated.
type Executor struct {
	Config Config
}

// NewExecutor creates an executor with the given simulation settings.
func NewExecutor(cfg Config) *Executor {
	return &Executor{Config: cfg}
}

// Execute runs one strategy configuration over the shared market data.
// Errors are always one of *DataError, *ValidationError or
// *CalculationError, or a context error on cancellation.
func (x *Executor) Execute(ctx context.Context, strategyCfg StrategyConfig, data map[string][]*Candlestick) (*AnalysisResult, error) {
	if len(data) == 0 {
		return nil, &DataError{Reason: "no market data provided"}
	}

	strategy, err := NewStrategy(strategyCfg)
	if err != nil {
		return nil, err
	}

	engine := NewEngine(x.Config)
	for symbol, candles := range data {
		if err := engine.LoadHistoricalData(symbol, candles); err != nil {
			return nil, err
		}
	}

	if err := engine.Run(ctx, strategy); err != nil {
		return nil, err
	}

	metrics, err := CalculateMetrics(engine)
	if err != nil {
		return nil, err
	}

	return &AnalysisResult{
		Metrics:         metrics,
		ClosedPositions: engine.ClosedPositions,
		EquityCurve:     engine.EquityCurve,
	}, nil
}
