// Package backtest simulates trading strategies over historical candlestick
// data and computes performance metrics. It is the evaluation backend for the
// parameter optimizer in pkg/optimize.
package backtest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// DATA STRUCTURES
// ============================================================================

// Candlestick represents OHLCV data for a time period.
type Candlestick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Signal is a trading instruction emitted by a strategy at one time step.
type Signal struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // "BUY", "SELL", "HOLD"
	Reason    string    `json:"reason,omitempty"`
}

// Trade represents an executed fill.
type Trade struct {
	ID         int       `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
}

// Position is an open long position.
type Position struct {
	Symbol       string    `json:"symbol"`
	EntryTime    time.Time `json:"entry_time"`
	EntryPrice   float64   `json:"entry_price"`
	Quantity     float64   `json:"quantity"`
	CurrentPrice float64   `json:"current_price"`
	Commission   float64   `json:"commission"`
}

// ClosedPosition is a completed round trip with realized P&L.
type ClosedPosition struct {
	Symbol     string    `json:"symbol"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	RealizedPL float64   `json:"realized_pl"`
	ReturnPct  float64   `json:"return_pct"`
	Commission float64   `json:"commission"`
}

// HoldingTime returns how long the position was held.
func (p *ClosedPosition) HoldingTime() time.Duration {
	return p.ExitTime.Sub(p.EntryTime)
}

// EquityPoint records portfolio equity at a point in time.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
}

// Config holds the simulation settings shared by every trial of an
// optimization run.
type Config struct {
	InitialCapital float64
	CommissionRate float64 // e.g. 0.001 for 0.1%
	PositionSizing string  // "fixed" or "percent"
	PositionSize   float64 // dollars for "fixed", fraction of equity for "percent"
	MaxPositions   int
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine runs a single strategy over loaded historical data. Engines are
// single-use: one instance per backtest.
type Engine struct {
	Config Config

	Cash            float64
	Positions       map[string]*Position
	Trades          []*Trade
	ClosedPositions []*ClosedPosition
	EquityCurve     []*EquityPoint

	// Data slices are shared read-only across trials; only the cursor
	// indexes belong to this engine.
	Data         map[string][]*Candlestick
	CurrentIndex map[string]int

	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	TotalProfit    float64
	TotalLoss      float64
	MaxDrawdown    float64
	MaxDrawdownPct float64
	PeakEquity     float64
}

// NewEngine creates a backtest engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		Config:       cfg,
		Cash:         cfg.InitialCapital,
		Positions:    make(map[string]*Position),
		Data:         make(map[string][]*Candlestick),
		CurrentIndex: make(map[string]int),
		PeakEquity:   cfg.InitialCapital,
	}
}

// ============================================================================
// DATA LOADING
// ============================================================================

// LoadHistoricalData attaches candlestick data for one symbol. The slice is
// not copied and must not be mutated; it is validated to be in ascending
// timestamp order instead of sorted in place.
func (e *Engine) LoadHistoricalData(symbol string, candles []*Candlestick) error {
	if len(candles) == 0 {
		return &DataError{Symbol: symbol, Reason: "no candlesticks provided"}
	}

	for i := 1; i < len(candles); i++ {
		if candles[i].Timestamp.Before(candles[i-1].Timestamp) {
			return &DataError{Symbol: symbol, Reason: "candlesticks not in ascending timestamp order"}
		}
	}

	e.Data[symbol] = candles
	e.CurrentIndex[symbol] = 0
	return nil
}

// GetCurrentCandle returns the candlestick at the cursor for a symbol.
func (e *Engine) GetCurrentCandle(symbol string) (*Candlestick, error) {
	candles, ok := e.Data[symbol]
	if !ok {
		return nil, &DataError{Symbol: symbol, Reason: "no data loaded"}
	}

	idx := e.CurrentIndex[symbol]
	if idx >= len(candles) {
		return nil, &DataError{Symbol: symbol, Reason: "no more data"}
	}
	return candles[idx], nil
}

// GetHistoricalCandles returns up to lookback candles before the cursor.
func (e *Engine) GetHistoricalCandles(symbol string, lookback int) []*Candlestick {
	candles, ok := e.Data[symbol]
	if !ok {
		return nil
	}

	cur := e.CurrentIndex[symbol]
	start := cur - lookback
	if start < 0 {
		start = 0
	}
	return candles[start:cur]
}

// ============================================================================
// TIME-STEP SIMULATION
// ============================================================================

// step advances the simulation by one time step across all symbols.
// Returns false when every series is exhausted.
func (e *Engine) step() bool {
	var currentTime time.Time
	hasMore := false
	for symbol, candles := range e.Data {
		idx := e.CurrentIndex[symbol]
		if idx < len(candles) {
			hasMore = true
			t := candles[idx].Timestamp
			if currentTime.IsZero() || t.Before(currentTime) {
				currentTime = t
			}
		}
	}
	if !hasMore {
		return false
	}

	// Mark positions to market before recording equity.
	for symbol, pos := range e.Positions {
		if candle, err := e.GetCurrentCandle(symbol); err == nil {
			pos.CurrentPrice = candle.Close
		}
	}
	e.recordEquityPoint(currentTime)

	for symbol, candles := range e.Data {
		idx := e.CurrentIndex[symbol]
		if idx < len(candles) && !candles[idx].Timestamp.After(currentTime) {
			e.CurrentIndex[symbol]++
		}
	}
	return true
}

// ============================================================================
// ORDER EXECUTION
// ============================================================================

// executeSignal applies one signal at the current candle's close price.
func (e *Engine) executeSignal(signal *Signal) error {
	candle, err := e.GetCurrentCandle(signal.Symbol)
	if err != nil {
		return err
	}

	switch signal.Side {
	case "BUY":
		e.executeBuy(signal.Symbol, candle.Close, candle.Timestamp)
		return nil
	case "SELL":
		e.executeSell(signal.Symbol, candle.Close, candle.Timestamp)
		return nil
	case "HOLD":
		return nil
	default:
		return &ValidationError{Reason: "unknown signal side " + signal.Side}
	}
}

func (e *Engine) executeBuy(symbol string, price float64, timestamp time.Time) {
	if _, exists := e.Positions[symbol]; exists {
		return
	}
	if len(e.Positions) >= e.Config.MaxPositions {
		return
	}

	quantity := e.positionQuantity(price)
	if quantity <= 0 {
		return
	}

	value := price * quantity
	commission := value * e.Config.CommissionRate
	totalCost := value + commission
	if e.Cash < totalCost {
		return
	}

	e.Cash -= totalCost
	e.Positions[symbol] = &Position{
		Symbol:       symbol,
		EntryTime:    timestamp,
		EntryPrice:   price,
		Quantity:     quantity,
		CurrentPrice: price,
		Commission:   commission,
	}
	e.Trades = append(e.Trades, &Trade{
		ID:         len(e.Trades) + 1,
		Timestamp:  timestamp,
		Symbol:     symbol,
		Side:       "BUY",
		Quantity:   quantity,
		Price:      price,
		Commission: commission,
	})
	e.TotalTrades++
}

func (e *Engine) executeSell(symbol string, price float64, timestamp time.Time) {
	position, exists := e.Positions[symbol]
	if !exists {
		return
	}

	quantity := position.Quantity
	value := price * quantity
	commission := value * e.Config.CommissionRate
	proceeds := value - commission

	entryValue := position.EntryPrice * quantity
	realizedPL := proceeds - entryValue - position.Commission
	returnPct := (realizedPL / entryValue) * 100.0

	closed := &ClosedPosition{
		Symbol:     symbol,
		EntryTime:  position.EntryTime,
		ExitTime:   timestamp,
		EntryPrice: position.EntryPrice,
		ExitPrice:  price,
		Quantity:   quantity,
		RealizedPL: realizedPL,
		ReturnPct:  returnPct,
		Commission: position.Commission + commission,
	}

	if realizedPL > 0 {
		e.WinningTrades++
		e.TotalProfit += realizedPL
	} else {
		e.LosingTrades++
		e.TotalLoss += realizedPL
	}

	e.Cash += proceeds
	delete(e.Positions, symbol)
	e.Trades = append(e.Trades, &Trade{
		ID:         len(e.Trades) + 1,
		Timestamp:  timestamp,
		Symbol:     symbol,
		Side:       "SELL",
		Quantity:   quantity,
		Price:      price,
		Commission: commission,
	})
	e.ClosedPositions = append(e.ClosedPositions, closed)
}

// positionQuantity sizes a new position at the given price.
func (e *Engine) positionQuantity(price float64) float64 {
	switch e.Config.PositionSizing {
	case "fixed":
		return e.Config.PositionSize / price
	case "percent":
		return e.CurrentEquity() * e.Config.PositionSize / price
	default:
		// Unknown sizing modes place no trades rather than guessing a size.
		return 0
	}
}

// ============================================================================
// EQUITY TRACKING
// ============================================================================

// CurrentEquity returns cash plus the market value of open positions.
func (e *Engine) CurrentEquity() float64 {
	equity := e.Cash
	for _, pos := range e.Positions {
		equity += pos.CurrentPrice * pos.Quantity
	}
	return equity
}

func (e *Engine) recordEquityPoint(timestamp time.Time) {
	equity := e.CurrentEquity()
	e.EquityCurve = append(e.EquityCurve, &EquityPoint{
		Timestamp: timestamp,
		Equity:    equity,
		Cash:      e.Cash,
	})

	if equity > e.PeakEquity {
		e.PeakEquity = equity
	}
	drawdown := e.PeakEquity - equity
	if drawdown > e.MaxDrawdown {
		e.MaxDrawdown = drawdown
		e.MaxDrawdownPct = (drawdown / e.PeakEquity) * 100.0
	}
}

// ============================================================================
// SIMULATION LOOP
// ============================================================================

// Run executes the complete backtest for one strategy.
func (e *Engine) Run(ctx context.Context, strategy Strategy) error {
	if err := strategy.Initialize(e); err != nil {
		return &ValidationError{Reason: "strategy initialization failed: " + err.Error()}
	}

	steps := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !e.step() {
			break
		}
		steps++

		signals, err := strategy.GenerateSignals(e)
		if err != nil {
			return &CalculationError{Reason: "signal generation failed: " + err.Error()}
		}
		for _, signal := range signals {
			if err := e.executeSignal(signal); err != nil {
				log.Debug().
					Err(err).
					Str("symbol", signal.Symbol).
					Str("side", signal.Side).
					Msg("Signal not executed")
			}
		}
	}

	e.closeAllPositions()

	log.Debug().
		Int("steps", steps).
		Int("trades", e.TotalTrades).
		Float64("final_equity", e.CurrentEquity()).
		Msg("Backtest complete")

	return nil
}

// closeAllPositions liquidates remaining positions at the last seen price.
func (e *Engine) closeAllPositions() {
	for symbol := range e.Positions {
		candles := e.Data[symbol]
		if len(candles) == 0 {
			continue
		}
		last := candles[len(candles)-1]
		e.executeSell(symbol, last.Close, last.Timestamp)
	}
}
