// Performance metrics calculation
package backtest

import (
	"math"
	"sort"
	"time"
)

// Metrics holds the performance summary of one backtest.
type Metrics struct {
	// Returns
	TotalReturn    float64 `json:"total_return"`
	TotalReturnPct float64 `json:"total_return_pct"`
	CAGR           float64 `json:"cagr"`

	// Risk
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Volatility     float64 `json:"volatility"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio"`

	// Trades
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	Expectancy    float64 `json:"expectancy"`

	// Holding times
	AverageHoldingTime time.Duration `json:"average_holding_time"`
	MedianHoldingTime  time.Duration `json:"median_holding_time"`
	MinHoldingTime     time.Duration `json:"min_holding_time"`
	MaxHoldingTime     time.Duration `json:"max_holding_time"`

	// Portfolio
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	PeakEquity     float64   `json:"peak_equity"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
}

const riskFreeRatePct = 3.0

// CalculateMetrics computes all performance metrics from a completed engine.
func CalculateMetrics(engine *Engine) (*Metrics, error) {
	if len(engine.EquityCurve) == 0 {
		return nil, &CalculationError{Reason: "no equity curve data"}
	}

	m := &Metrics{
		InitialCapital: engine.Config.InitialCapital,
		FinalEquity:    engine.CurrentEquity(),
		PeakEquity:     engine.PeakEquity,
		TotalTrades:    engine.TotalTrades,
		WinningTrades:  engine.WinningTrades,
		LosingTrades:   engine.LosingTrades,
		MaxDrawdown:    engine.MaxDrawdown,
		MaxDrawdownPct: engine.MaxDrawdownPct,
		StartDate:      engine.EquityCurve[0].Timestamp,
		EndDate:        engine.EquityCurve[len(engine.EquityCurve)-1].Timestamp,
	}

	m.TotalReturn = m.FinalEquity - m.InitialCapital
	m.TotalReturnPct = (m.TotalReturn / m.InitialCapital) * 100.0

	years := m.EndDate.Sub(m.StartDate).Hours() / 24.0 / 365.25
	if years > 0 && m.FinalEquity > 0 {
		m.CAGR = (math.Pow(m.FinalEquity/m.InitialCapital, 1.0/years) - 1.0) * 100.0
	}

	if len(engine.ClosedPositions) > 0 {
		calculateTradeStatistics(m, engine.ClosedPositions)
	}

	returns := equityReturns(engine.EquityCurve)
	calculateRiskRatios(m, returns)

	if m.MaxDrawdownPct > 0 {
		m.CalmarRatio = m.CAGR / m.MaxDrawdownPct
	}

	return m, nil
}

func calculateTradeStatistics(m *Metrics, positions []*ClosedPosition) {
	var totalWin, totalLoss float64
	holdingTimes := make([]time.Duration, 0, len(positions))

	for _, pos := range positions {
		holdingTimes = append(holdingTimes, pos.HoldingTime())
		if pos.RealizedPL > 0 {
			totalWin += pos.RealizedPL
		} else {
			totalLoss += pos.RealizedPL
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = (float64(m.WinningTrades) / float64(m.TotalTrades)) * 100.0
	}
	if m.WinningTrades > 0 {
		m.AverageWin = totalWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = totalLoss / float64(m.LosingTrades)
	}
	if totalLoss != 0 {
		m.ProfitFactor = totalWin / math.Abs(totalLoss)
	}
	if m.TotalTrades > 0 {
		winProb := float64(m.WinningTrades) / float64(m.TotalTrades)
		lossProb := float64(m.LosingTrades) / float64(m.TotalTrades)
		m.Expectancy = winProb*m.AverageWin + lossProb*m.AverageLoss
	}

	sort.Slice(holdingTimes, func(i, j int) bool { return holdingTimes[i] < holdingTimes[j] })
	var total time.Duration
	for _, t := range holdingTimes {
		total += t
	}
	m.AverageHoldingTime = total / time.Duration(len(holdingTimes))
	m.MinHoldingTime = holdingTimes[0]
	m.MaxHoldingTime = holdingTimes[len(holdingTimes)-1]
	mid := len(holdingTimes) / 2
	if len(holdingTimes)%2 == 1 {
		m.MedianHoldingTime = holdingTimes[mid]
	} else {
		m.MedianHoldingTime = (holdingTimes[mid-1] + holdingTimes[mid]) / 2
	}
}

// equityReturns computes per-step returns from the equity curve.
func equityReturns(curve []*EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	return returns
}

func calculateRiskRatios(m *Metrics, returns []float64) {
	if len(returns) == 0 {
		return
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	stdDev := math.Sqrt(sumSq / float64(len(returns)))

	// Annualized assuming daily candles, expressed in percent.
	m.Volatility = stdDev * math.Sqrt(252) * 100.0
	annualizedReturn := mean * 252 * 100.0
	if m.Volatility > 0 {
		m.SharpeRatio = (annualizedReturn - riskFreeRatePct) / m.Volatility
	}

	var sumSqNeg float64
	negatives := 0
	for _, r := range returns {
		if r < 0 {
			sumSqNeg += r * r
			negatives++
		}
	}
	if negatives > 0 {
		downside := math.Sqrt(sumSqNeg/float64(negatives)) * math.Sqrt(252) * 100.0
		if downside > 0 {
			m.SortinoRatio = (annualizedReturn - riskFreeRatePct) / downside
		}
	}
}
