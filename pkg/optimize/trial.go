// Trial execution: one parameter assignment, end to end
package optimize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// ============================================================================
// TRIAL OUTCOME
// ============================================================================

// TrialStatus tags the outcome of one trial.
type TrialStatus string

const (
	TrialSuccess TrialStatus = "success"
	TrialFailed  TrialStatus = "failed"
	// TrialPruned marks an assignment skipped before execution by a
	// structural constraint; it counts toward neither total nor failed
	// trials.
	TrialPruned TrialStatus = "pruned"
)

// TrialOutcome is the complete record of one trial. The executor always
// returns an outcome; no error ever crosses its boundary.
type TrialOutcome struct {
	Params  ParameterSet
	Status  TrialStatus
	Score   float64
	Kind    FailureKind
	Err     error
	Elapsed time.Duration
}

// ============================================================================
// STRUCTURAL CONSTRAINTS
// ============================================================================

// StructuralConstraint inspects an assignment before execution; returning
// false prunes the trial without invoking the backtest executor.
type StructuralConstraint func(ParameterSet) bool

// StructuralFor returns the structural constraint for a strategy family,
// or nil when the family declares none.
func StructuralFor(strategyName string) StructuralConstraint {
	switch strategyName {
	case "ma_cross":
		return crossoverOrdering
	default:
		return nil
	}
}

// crossoverOrdering requires fast_period strictly less than slow_period.
// Assignments that omit either period pass; the executor validates the
// merged config anyway.
func crossoverOrdering(ps ParameterSet) bool {
	fast, okFast := numericValue(ps["fast_period"])
	slow, okSlow := numericValue(ps["slow_period"])
	if !okFast || !okSlow {
		return true
	}
	return fast < slow
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ============================================================================
// TRIAL EXECUTOR
// ============================================================================

// BacktestFunc is the executor collaborator boundary: a pure function of
// strategy config and market data.
type BacktestFunc func(ctx context.Context, cfg backtest.StrategyConfig, data map[string][]*backtest.Candlestick) (*backtest.AnalysisResult, error)

// TrialExecutor evaluates one parameter assignment at a time. It holds no
// mutable state between calls.
type TrialExecutor struct {
	Base            backtest.StrategyConfig
	Run             BacktestFunc
	Objective       Objective
	ObjectiveParams ObjectiveParams
	Structural      StructuralConstraint

	logger zerolog.Logger
}

// NewTrialExecutor wires a trial executor for the given strategy family.
func NewTrialExecutor(base backtest.StrategyConfig, run BacktestFunc, objective Objective, objParams ObjectiveParams) *TrialExecutor {
	return &TrialExecutor{
		Base:            base,
		Run:             run,
		Objective:       objective,
		ObjectiveParams: objParams,
		Structural:      StructuralFor(base.Name),
		logger:          log.With().Str("component", "trial_executor").Logger(),
	}
}

// Execute runs one assignment through the backtest executor and scores it.
// Every failure path is translated into outcome data; panics from the
// collaborator are recorded as unknown failures.
func (t *TrialExecutor) Execute(ctx context.Context, data map[string][]*backtest.Candlestick, params ParameterSet) (outcome TrialOutcome) {
	outcome = TrialOutcome{Params: params.Clone()}

	if t.Structural != nil && !t.Structural(params) {
		outcome.Status = TrialPruned
		t.logger.Debug().Interface("params", params).Msg("Assignment pruned by structural constraint")
		return outcome
	}

	start := time.Now()
	defer func() {
		outcome.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			outcome.Status = TrialFailed
			outcome.Kind = FailureUnknown
			outcome.Err = fmt.Errorf("backtest executor panic: %v", r)
			t.logger.Error().Interface("panic", r).Interface("params", params).Msg("Trial panicked")
		}
	}()

	cfg := t.Base.WithParams(params)
	analysis, err := t.Run(ctx, cfg, data)
	if err != nil {
		outcome.Status = TrialFailed
		outcome.Kind = ClassifyFailure(err)
		outcome.Err = err
		t.logger.Debug().
			Err(err).
			Str("kind", string(outcome.Kind)).
			Interface("params", params).
			Msg("Trial failed")
		return outcome
	}

	outcome.Status = TrialSuccess
	outcome.Score = t.Objective(analysis, t.ObjectiveParams)
	return outcome
}
