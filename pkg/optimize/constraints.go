// Trade duration analysis and constraint adherence scoring
package optimize

import (
	"fmt"
	"math"
	"sort"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// holdPeriodThresholdPct is the hard compliance threshold: the hold-period
// constraint is satisfied when at least this share of trades falls inside
// the target window.
const holdPeriodThresholdPct = 70.0

// TradeDurationStats summarizes holding periods across closed trades.
type TradeDurationStats struct {
	AverageHoldDays        float64 `json:"average_hold_days"`
	MedianHoldDays         float64 `json:"median_hold_days"`
	MinHoldDays            float64 `json:"min_hold_days"`
	MaxHoldDays            float64 `json:"max_hold_days"`
	StdHoldDays            float64 `json:"std_hold_days"`
	TotalTrades            int     `json:"total_trades"`
	TradesWithinTarget     int     `json:"trades_within_target"`
	PercentageWithinTarget float64 `json:"percentage_within_target"`
}

// ConstraintConfig declares the trade-level constraints an optimization run
// should score the winning configuration against.
type ConstraintConfig struct {
	// TargetHoldPeriodDays is the [min, max] holding window in whole days.
	// Nil disables the hold-period constraint.
	TargetHoldPeriodDays *[2]float64

	// MinTrades is the minimum acceptable trade count; zero disables the
	// constraint.
	MinTrades int
}

// ConstraintAdherence reports how well a strategy's realized trades satisfy
// the declared constraints.
type ConstraintAdherence struct {
	HoldPeriodSatisfied  bool               `json:"hold_period_satisfied"`
	HoldPeriodScore      float64            `json:"hold_period_score"`
	MinTradesSatisfied   bool               `json:"min_trades_satisfied"`
	TotalConstraintScore float64            `json:"total_constraint_score"`
	TradeDurationStats   TradeDurationStats `json:"trade_duration_stats"`
	ViolationDetails     []string           `json:"violation_details"`
}

// TradeDurations returns each trade's holding period in whole days.
func TradeDurations(positions []*backtest.ClosedPosition) ([]float64, error) {
	durations := make([]float64, 0, len(positions))
	for i, pos := range positions {
		if pos.EntryTime.IsZero() || pos.ExitTime.IsZero() {
			return nil, &backtest.ValidationError{
				Reason: fmt.Sprintf("closed position %d is missing entry or exit time", i),
			}
		}
		days := math.Floor(pos.ExitTime.Sub(pos.EntryTime).Hours() / 24)
		durations = append(durations, days)
	}
	return durations, nil
}

// DurationStats computes holding-period statistics over closed trades.
// targetRange, when non-nil, is the inclusive [lo, hi] day window used for
// the within-target counts. With zero trades every statistic is zero.
func DurationStats(positions []*backtest.ClosedPosition, targetRange *[2]float64) (TradeDurationStats, error) {
	durations, err := TradeDurations(positions)
	if err != nil {
		return TradeDurationStats{}, err
	}

	stats := TradeDurationStats{TotalTrades: len(durations)}
	if len(durations) == 0 {
		return stats, nil
	}

	sorted := make([]float64, len(durations))
	copy(sorted, durations)
	sort.Float64s(sorted)

	var sum float64
	for _, d := range sorted {
		sum += d
	}
	mean := sum / float64(len(sorted))

	var sumSq float64
	for _, d := range sorted {
		diff := d - mean
		sumSq += diff * diff
	}

	stats.AverageHoldDays = mean
	stats.StdHoldDays = math.Sqrt(sumSq / float64(len(sorted)))
	stats.MinHoldDays = sorted[0]
	stats.MaxHoldDays = sorted[len(sorted)-1]

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		stats.MedianHoldDays = sorted[mid]
	} else {
		stats.MedianHoldDays = (sorted[mid-1] + sorted[mid]) / 2
	}

	if targetRange != nil {
		lo, hi := targetRange[0], targetRange[1]
		for _, d := range durations {
			if d >= lo && d <= hi {
				stats.TradesWithinTarget++
			}
		}
		stats.PercentageWithinTarget = float64(stats.TradesWithinTarget) / float64(stats.TotalTrades) * 100.0
	}

	return stats, nil
}

// EvaluateConstraints scores a backtest result against the configured
// constraints. The total score is the unweighted mean of the applicable
// sub-scores; with no applicable constraints it is 1.0 (vacuously
// satisfied).
func EvaluateConstraints(res *backtest.AnalysisResult, cfg ConstraintConfig) (*ConstraintAdherence, error) {
	stats, err := DurationStats(res.ClosedPositions, cfg.TargetHoldPeriodDays)
	if err != nil {
		return nil, err
	}

	adherence := &ConstraintAdherence{
		HoldPeriodSatisfied: true,
		MinTradesSatisfied:  true,
		TradeDurationStats:  stats,
	}

	var scores []float64

	if cfg.TargetHoldPeriodDays != nil {
		adherence.HoldPeriodScore = stats.PercentageWithinTarget / 100.0
		adherence.HoldPeriodSatisfied = stats.PercentageWithinTarget >= holdPeriodThresholdPct
		scores = append(scores, adherence.HoldPeriodScore)
		if !adherence.HoldPeriodSatisfied {
			adherence.ViolationDetails = append(adherence.ViolationDetails, fmt.Sprintf(
				"hold period: %.1f%% of trades within [%g, %g] days, need %.0f%%",
				stats.PercentageWithinTarget, cfg.TargetHoldPeriodDays[0], cfg.TargetHoldPeriodDays[1], holdPeriodThresholdPct,
			))
		}
	}

	if cfg.MinTrades > 0 {
		tradeScore := 1.0
		if stats.TotalTrades < cfg.MinTrades {
			tradeScore = float64(stats.TotalTrades) / float64(cfg.MinTrades)
			adherence.MinTradesSatisfied = false
			adherence.ViolationDetails = append(adherence.ViolationDetails, fmt.Sprintf(
				"min trades: %d executed, need at least %d", stats.TotalTrades, cfg.MinTrades,
			))
		}
		scores = append(scores, tradeScore)
	}

	if len(scores) == 0 {
		adherence.TotalConstraintScore = 1.0
		return adherence, nil
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	adherence.TotalConstraintScore = sum / float64(len(scores))

	return adherence, nil
}
