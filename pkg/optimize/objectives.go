// Named objective functions scoring backtest results
package optimize

import (
	"math"
	"sort"
	"strings"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// ObjectiveParams carries the tunables objective functions may consult.
type ObjectiveParams struct {
	// TargetHoldPeriodDays is the [min, max] holding period window used by
	// hold-period-aware objectives. Nil means no window.
	TargetHoldPeriodDays *[2]float64
}

// Objective scores one backtest analysis. Objectives are pure: identical
// inputs always yield identical scores. Higher is better by convention;
// the engine's direction setting flips the comparison, not the function.
type Objective func(res *backtest.AnalysisResult, params ObjectiveParams) float64

// holdPenaltyFactor caps the hold-period penalty at half the raw score's
// magnitude under full non-compliance.
const holdPenaltyFactor = 0.5

var objectives = map[string]Objective{
	"sharpe": func(res *backtest.AnalysisResult, _ ObjectiveParams) float64 {
		return res.Metrics.SharpeRatio
	},
	"calmar": func(res *backtest.AnalysisResult, _ ObjectiveParams) float64 {
		return res.Metrics.CalmarRatio
	},
	"profit_factor": func(res *backtest.AnalysisResult, _ ObjectiveParams) float64 {
		return res.Metrics.ProfitFactor
	},
	"sharpe_hold_constraint": sharpeWithHoldConstraint,
}

// sharpeWithHoldConstraint linearly penalizes Sharpe by the share of trades
// outside the target hold window: full non-compliance costs half the raw
// magnitude.
func sharpeWithHoldConstraint(res *backtest.AnalysisResult, params ObjectiveParams) float64 {
	sharpe := res.Metrics.SharpeRatio
	if params.TargetHoldPeriodDays == nil {
		return sharpe
	}

	stats, err := DurationStats(res.ClosedPositions, params.TargetHoldPeriodDays)
	if err != nil {
		return sharpe
	}

	penalty := math.Abs(sharpe) * ((100 - stats.PercentageWithinTarget) / 100) * holdPenaltyFactor
	return sharpe - penalty
}

// LookupObjective resolves an objective by name. Unknown names yield a
// ConfigurationError listing the registered objectives.
func LookupObjective(name string) (Objective, error) {
	obj, ok := objectives[name]
	if !ok {
		return nil, configErrorf("unknown objective %q (available: %s)", name, strings.Join(ObjectiveNames(), ", "))
	}
	return obj, nil
}

// ObjectiveNames returns the registered objective names, sorted.
func ObjectiveNames() []string {
	names := make([]string, 0, len(objectives))
	for name := range objectives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
