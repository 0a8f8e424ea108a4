// Error taxonomy for the optimization engine
package optimize

import (
	"errors"
	"fmt"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// ConfigurationError is fatal to a run and is always surfaced before any
// trial executes: malformed parameter space, unknown objective, algorithm or
// direction, or engine misuse.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// FailureKind classifies a failed trial. Trial failures are recoverable:
// they are recorded and the run continues.
type FailureKind string

const (
	FailureData        FailureKind = "data_error"
	FailureCalculation FailureKind = "calculation_error"
	FailureValidation  FailureKind = "validation_error"
	FailureUnknown     FailureKind = "unknown_error"
)

// ClassifyFailure maps a backtest executor error onto a failure kind.
// Anything outside the executor's recognized taxonomy is FailureUnknown.
func ClassifyFailure(err error) FailureKind {
	var dataErr *backtest.DataError
	var calcErr *backtest.CalculationError
	var valErr *backtest.ValidationError

	switch {
	case errors.As(err, &dataErr):
		return FailureData
	case errors.As(err, &calcErr):
		return FailureCalculation
	case errors.As(err, &valErr):
		return FailureValidation
	default:
		return FailureUnknown
	}
}
