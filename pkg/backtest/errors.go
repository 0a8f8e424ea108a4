// Typed error categories surfaced by the backtest executor
package backtest

import "fmt"

// DataError indicates missing or unusable market data.
type DataError struct {
	Symbol string
	Reason string
}

func (e *DataError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("data error for %s: %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("data error: %s", e.Reason)
}

// ValidationError indicates a malformed strategy configuration or
// inconsistent trade records.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// CalculationError indicates a failure while computing simulation results
// or performance metrics.
type CalculationError struct {
	Reason string
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculation error: %s", e.Reason)
}
