// Optimization engine: drives the search loop and compiles the result
package optimize

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// ============================================================================
// RUN STATE & PROGRESS
// ============================================================================

// RunState tracks the engine's lifecycle. There is no transition back to
// running once terminal: a new run requires a new engine.
type RunState string

const (
	StateIdle           RunState = "idle"
	StateRunning        RunState = "running"
	StateCompleted      RunState = "completed"
	StateFailureAborted RunState = "failure_aborted"
	StateInterrupted    RunState = "interrupted"
)

// ProgressSnapshot is an immutable view of the run emitted after every
// trial. The engine does not retain snapshots beyond delivery.
type ProgressSnapshot struct {
	CurrentTrial   int
	TotalTrials    *int
	BestScore      *float64
	ElapsedSeconds float64
	FailureCounts  map[FailureKind]int
	CurrentParams  ParameterSet
}

// ProgressFunc receives snapshots synchronously; a slow sink slows the run.
type ProgressFunc func(ProgressSnapshot)

// ErrorSummary aggregates trial failures by kind.
type ErrorSummary struct {
	TotalFailed  int                 `json:"total_failed"`
	CountsByKind map[FailureKind]int `json:"counts_by_kind"`
}

// TimingInfo records run duration statistics.
type TimingInfo struct {
	TotalElapsed time.Duration `json:"total_elapsed"`
	AvgPerTrial  time.Duration `json:"avg_per_trial"`
}

// Result is the complete outcome of one optimization run.
type Result struct {
	RunID            uuid.UUID                `json:"run_id"`
	Algorithm        string                   `json:"algorithm"`
	Objective        string                   `json:"objective"`
	Direction        string                   `json:"direction"`
	BestParams       ParameterSet             `json:"best_params,omitempty"`
	BestScore        *float64                 `json:"best_score,omitempty"`
	BestAnalysis     *backtest.AnalysisResult `json:"best_analysis,omitempty"`
	TotalTrials      int                      `json:"total_trials"`
	SuccessfulTrials int                      `json:"successful_trials"`
	PrunedTrials     int                      `json:"pruned_trials"`
	Errors           ErrorSummary             `json:"errors"`
	Timing           TimingInfo               `json:"timing"`
	WasInterrupted   bool                     `json:"was_interrupted"`
	State            RunState                 `json:"state"`
	Constraints      *ConstraintAdherence     `json:"constraints,omitempty"`
}

// ============================================================================
// ENGINE
// ============================================================================

// EngineConfig wires the search, objective, direction and stop conditions
// of one optimization run.
type EngineConfig struct {
	// Direction is "maximize" or "minimize".
	Direction string

	// Search selects and parameterizes the search strategy.
	Search SearchConfig

	// Objective names a registered objective function.
	Objective string

	// ObjectiveParams tunes hold-period-aware objectives.
	ObjectiveParams ObjectiveParams

	// Constraints are scored against the best trial's full analysis.
	Constraints ConstraintConfig

	// TimeoutSeconds bounds the run's wall clock; zero disables. The check
	// runs between trials, so an in-flight trial always completes.
	TimeoutSeconds float64

	// MaxConsecutiveFailures aborts the run when reached; zero disables.
	MaxConsecutiveFailures int
}

// RunOptions are the per-run knobs supplied by the caller.
type RunOptions struct {
	// Progress, when set, receives a snapshot after every trial.
	Progress ProgressFunc

	// Interrupt is the cooperative cancellation flag, checked between
	// trials; an in-flight trial is never preempted.
	Interrupt *atomic.Bool

	// MaxTrials overrides the algorithm's configured budget when positive.
	MaxTrials int
}

// Engine is the optimization façade. One engine drives exactly one run.
type Engine struct {
	cfg    EngineConfig
	space  *ParameterSpace
	search SearchStrategy
	trials *TrialExecutor
	state  RunState
	logger zerolog.Logger
}

// NewEngine validates the configuration and wires the search strategy,
// trial executor and objective. All configuration problems surface here,
// before any trial runs.
func NewEngine(cfg EngineConfig, space *ParameterSpace, base backtest.StrategyConfig, run BacktestFunc) (*Engine, error) {
	if space == nil {
		return nil, configErrorf("parameter space is required")
	}
	if run == nil {
		return nil, configErrorf("backtest function is required")
	}
	if cfg.Direction != "maximize" && cfg.Direction != "minimize" {
		return nil, configErrorf("unknown direction %q (available: maximize, minimize)", cfg.Direction)
	}

	objective, err := LookupObjective(cfg.Objective)
	if err != nil {
		return nil, err
	}

	search, err := NewSearchStrategy(cfg.Search)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:    cfg,
		space:  space,
		search: search,
		trials: NewTrialExecutor(base, run, objective, cfg.ObjectiveParams),
		state:  StateIdle,
		logger: log.With().Str("component", "optimizer").Logger(),
	}, nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() RunState { return e.state }

// better reports whether a new score strictly improves on the incumbent
// under the configured direction. Ties keep the earliest best.
func (e *Engine) better(score, best float64) bool {
	if e.cfg.Direction == "minimize" {
		return score < best
	}
	return score > best
}

// stopRequested checks the cooperative cancellation inputs.
func stopRequested(ctx context.Context, interrupt *atomic.Bool) bool {
	if ctx.Err() != nil {
		return true
	}
	return interrupt != nil && interrupt.Load()
}

// Run executes the optimization. Per-trial failures are recorded and the
// loop continues; only run-setup problems return an error. A run with zero
// successes still yields a well-formed result with nil best params.
func (e *Engine) Run(ctx context.Context, data map[string][]*backtest.Candlestick, opts RunOptions) (*Result, error) {
	if e.state != StateIdle {
		return nil, configErrorf("engine already used (state %s); create a new engine per run", e.state)
	}
	e.state = StateRunning

	budget := opts.MaxTrials
	total, totalKnown := e.search.TotalCount(e.space)
	if budget > 0 && (!totalKnown || budget < total) {
		total, totalKnown = budget, true
	}

	e.logger.Info().
		Str("algorithm", e.search.Name()).
		Str("objective", e.cfg.Objective).
		Str("direction", e.cfg.Direction).
		Int("grid_size", e.space.GridSize()).
		Msg("Starting optimization run")

	start := time.Now()
	iter := e.search.Generate(e.space)
	result := &Result{
		RunID:     uuid.New(),
		Algorithm: e.search.Name(),
		Objective: e.cfg.Objective,
		Direction: e.cfg.Direction,
		Errors:    ErrorSummary{CountsByKind: make(map[FailureKind]int)},
		State:     StateCompleted,
	}

	var (
		bestScore   float64
		haveBest    bool
		consecutive int
	)

	for {
		if stopRequested(ctx, opts.Interrupt) {
			result.WasInterrupted = true
			result.State = StateInterrupted
			e.logger.Warn().Int("trials", result.TotalTrials).Msg("Optimization interrupted")
			break
		}
		if e.cfg.TimeoutSeconds > 0 && time.Since(start).Seconds() >= e.cfg.TimeoutSeconds {
			e.logger.Warn().
				Float64("timeout_seconds", e.cfg.TimeoutSeconds).
				Int("trials", result.TotalTrials).
				Msg("Optimization timed out")
			break
		}
		if budget > 0 && result.TotalTrials >= budget {
			break
		}

		params, ok := iter.Next()
		if !ok {
			break
		}

		outcome := e.trials.Execute(ctx, data, params)

		switch outcome.Status {
		case TrialPruned:
			result.PrunedTrials++
		case TrialFailed:
			result.TotalTrials++
			result.Errors.TotalFailed++
			result.Errors.CountsByKind[outcome.Kind]++
			consecutive++
		case TrialSuccess:
			result.TotalTrials++
			result.SuccessfulTrials++
			consecutive = 0
			if !haveBest || e.better(outcome.Score, bestScore) {
				bestScore = outcome.Score
				haveBest = true
				result.BestParams = outcome.Params
				e.logger.Debug().
					Float64("score", bestScore).
					Interface("params", outcome.Params).
					Msg("New best score")
			}
		}

		e.emitProgress(opts.Progress, result, outcome, haveBest, bestScore, start, total, totalKnown)

		if outcome.Status == TrialFailed &&
			e.cfg.MaxConsecutiveFailures > 0 &&
			consecutive >= e.cfg.MaxConsecutiveFailures {
			result.State = StateFailureAborted
			e.logger.Error().
				Int("consecutive_failures", consecutive).
				Msg("Aborting run: consecutive failure limit reached")
			break
		}
	}

	result.Timing.TotalElapsed = time.Since(start)
	if result.TotalTrials > 0 {
		result.Timing.AvgPerTrial = result.Timing.TotalElapsed / time.Duration(result.TotalTrials)
	}
	if haveBest {
		score := bestScore
		result.BestScore = &score
		e.finalizeBest(ctx, data, result)
	}

	e.state = result.State
	e.logger.Info().
		Str("state", string(result.State)).
		Int("total_trials", result.TotalTrials).
		Int("successful", result.SuccessfulTrials).
		Int("failed", result.Errors.TotalFailed).
		Int("pruned", result.PrunedTrials).
		Dur("elapsed", result.Timing.TotalElapsed).
		Msg("Optimization run finished")

	return result, nil
}

// emitProgress delivers one snapshot to the sink, if attached.
func (e *Engine) emitProgress(sink ProgressFunc, result *Result, outcome TrialOutcome, haveBest bool, bestScore float64, start time.Time, total int, totalKnown bool) {
	if sink == nil {
		return
	}

	snapshot := ProgressSnapshot{
		CurrentTrial:   result.TotalTrials,
		ElapsedSeconds: time.Since(start).Seconds(),
		FailureCounts:  make(map[FailureKind]int, len(result.Errors.CountsByKind)),
		CurrentParams:  outcome.Params,
	}
	for kind, n := range result.Errors.CountsByKind {
		snapshot.FailureCounts[kind] = n
	}
	if totalKnown {
		t := total
		snapshot.TotalTrials = &t
	}
	if haveBest {
		s := bestScore
		snapshot.BestScore = &s
	}

	sink(snapshot)
}

// finalizeBest re-executes the backtest for the winning parameters so the
// result carries full trade-level detail, then scores constraint adherence.
// A re-execution failure is logged and leaves the analysis nil; it does not
// invalidate best params or score.
func (e *Engine) finalizeBest(ctx context.Context, data map[string][]*backtest.Candlestick, result *Result) {
	cfg := e.trials.Base.WithParams(result.BestParams)
	analysis, err := e.trials.Run(ctx, cfg, data)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Re-execution of best parameters failed; result carries score only")
		return
	}
	result.BestAnalysis = analysis

	adherence, err := EvaluateConstraints(analysis, e.cfg.Constraints)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Constraint evaluation failed for best analysis")
		return
	}
	result.Constraints = adherence
}
