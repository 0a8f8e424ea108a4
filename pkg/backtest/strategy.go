// Strategy construction from declarative configuration
package backtest

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/trend"
)

// Strategy is the interface trading strategies implement.
type Strategy interface {
	// Initialize is called once before the simulation starts.
	Initialize(engine *Engine) error

	// GenerateSignals produces signals for the current time step.
	GenerateSignals(engine *Engine) ([]*Signal, error)
}

// StrategyConfig is a declarative strategy description: a family name plus
// its parameter values. Optimization trials overlay parameter assignments on
// a base config via WithParams.
type StrategyConfig struct {
	Name   string         `json:"name" mapstructure:"name"`
	Params map[string]any `json:"params" mapstructure:"params"`
}

// WithParams returns a copy of the config with overlay values applied on top
// of the base parameters. The receiver is not modified.
func (c StrategyConfig) WithParams(overlay map[string]any) StrategyConfig {
	merged := make(map[string]any, len(c.Params)+len(overlay))
	for k, v := range c.Params {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return StrategyConfig{Name: c.Name, Params: merged}
}

// NewStrategy builds a concrete strategy from its configuration. Unknown
// family names and malformed parameters yield a ValidationError.
func NewStrategy(cfg StrategyConfig) (Strategy, error) {
	switch cfg.Name {
	case "ma_cross":
		return newMACrossStrategy(cfg.Params)
	case "buy_hold":
		return &BuyHoldStrategy{}, nil
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown strategy %q (available: ma_cross, buy_hold)", cfg.Name)}
	}
}

// ============================================================================
// PARAMETER COERCION
// ============================================================================

// Parameter values arrive as any: ints from fixed config, float64 from grid
// stepping, strings from choices.

func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, &ValidationError{Reason: "missing parameter " + key}
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, &ValidationError{Reason: fmt.Sprintf("parameter %s must be an integer, got %v", key, n)}
		}
		return int(n), nil
	default:
		return 0, &ValidationError{Reason: fmt.Sprintf("parameter %s has unsupported type %T", key, v)}
	}
}

func floatParam(params map[string]any, key string, fallback float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, &ValidationError{Reason: fmt.Sprintf("parameter %s has unsupported type %T", key, v)}
	}
}

func stringParam(params map[string]any, key, fallback string) (string, error) {
	v, ok := params[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("parameter %s must be a string, got %T", key, v)}
	}
	return s, nil
}

// ============================================================================
// MOVING AVERAGE CROSSOVER
// ============================================================================

// MACrossStrategy trades a fast/slow moving average crossover.
// Parameters: fast_period, slow_period, ma_type ("sma"|"ema"),
// threshold (crossover band, fraction).
type MACrossStrategy struct {
	fastPeriod int
	slowPeriod int
	maType     string
	threshold  float64
}

func newMACrossStrategy(params map[string]any) (*MACrossStrategy, error) {
	fast, err := intParam(params, "fast_period")
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, "slow_period")
	if err != nil {
		return nil, err
	}
	maType, err := stringParam(params, "ma_type", "sma")
	if err != nil {
		return nil, err
	}
	threshold, err := floatParam(params, "threshold", 0)
	if err != nil {
		return nil, err
	}

	if fast < 1 || slow < 1 {
		return nil, &ValidationError{Reason: "moving average periods must be positive"}
	}
	if fast >= slow {
		return nil, &ValidationError{Reason: fmt.Sprintf("fast_period (%d) must be strictly less than slow_period (%d)", fast, slow)}
	}
	if maType != "sma" && maType != "ema" {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown ma_type %q (available: sma, ema)", maType)}
	}
	if threshold < 0 {
		return nil, &ValidationError{Reason: "threshold must not be negative"}
	}

	return &MACrossStrategy{
		fastPeriod: fast,
		slowPeriod: slow,
		maType:     maType,
		threshold:  threshold,
	}, nil
}

func (s *MACrossStrategy) Initialize(*Engine) error { return nil }

func (s *MACrossStrategy) GenerateSignals(engine *Engine) ([]*Signal, error) {
	var signals []*Signal

	for symbol := range engine.Data {
		candle, err := engine.GetCurrentCandle(symbol)
		if err != nil {
			continue
		}

		history := engine.GetHistoricalCandles(symbol, s.slowPeriod)
		if len(history) < s.slowPeriod {
			continue
		}

		closes := make([]float64, len(history))
		for i, c := range history {
			closes[i] = c.Close
		}

		fastMA, err := s.movingAverage(closes, s.fastPeriod)
		if err != nil {
			return nil, err
		}
		slowMA, err := s.movingAverage(closes, s.slowPeriod)
		if err != nil {
			return nil, err
		}

		side := "HOLD"
		if fastMA > slowMA*(1+s.threshold) {
			side = "BUY"
		} else if fastMA < slowMA*(1-s.threshold) {
			side = "SELL"
		}

		signals = append(signals, &Signal{
			Timestamp: candle.Timestamp,
			Symbol:    symbol,
			Side:      side,
			Reason:    "ma crossover",
		})
	}

	return signals, nil
}

// movingAverage computes the latest MA value over the close series using the
// streaming indicator API.
func (s *MACrossStrategy) movingAverage(closes []float64, period int) (float64, error) {
	in := make(chan float64, len(closes))
	for _, c := range closes {
		in <- c
	}
	close(in)

	var out <-chan float64
	switch s.maType {
	case "ema":
		out = trend.NewEmaWithPeriod[float64](period).Compute(in)
	default:
		out = trend.NewSmaWithPeriod[float64](period).Compute(in)
	}

	last := math.NaN()
	for v := range out {
		last = v
	}
	if math.IsNaN(last) {
		return 0, &CalculationError{Reason: fmt.Sprintf("no %s values for period %d over %d closes", s.maType, period, len(closes))}
	}
	return last, nil
}

// ============================================================================
// BUY AND HOLD
// ============================================================================

// BuyHoldStrategy buys every symbol once and holds to the end. It takes no
// parameters and serves as a baseline.
type BuyHoldStrategy struct {
	bought map[string]bool
}

func (s *BuyHoldStrategy) Initialize(*Engine) error {
	s.bought = make(map[string]bool)
	return nil
}

func (s *BuyHoldStrategy) GenerateSignals(engine *Engine) ([]*Signal, error) {
	var signals []*Signal
	for symbol := range engine.Data {
		if s.bought[symbol] {
			continue
		}
		candle, err := engine.GetCurrentCandle(symbol)
		if err != nil {
			continue
		}
		signals = append(signals, &Signal{
			Timestamp: candle.Timestamp,
			Symbol:    symbol,
			Side:      "BUY",
			Reason:    "buy and hold",
		})
		s.bought[symbol] = true
	}
	return signals, nil
}
