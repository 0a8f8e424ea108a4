// Package market loads historical candlestick data for backtesting, either
// from PostgreSQL/TimescaleDB or from local CSV files.
package market

import (
	"context"
	"time"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// Provider fetches historical candles for one symbol within a time window.
type Provider interface {
	Candles(ctx context.Context, symbol string, start, end time.Time) ([]*backtest.Candlestick, error)
}

// LoadAll fetches candles for every symbol into the shared dataset consumed
// by the optimizer. A symbol with no data in the window is a data error: a
// silent empty series would make every trial fail identically.
func LoadAll(ctx context.Context, p Provider, symbols []string, start, end time.Time) (map[string][]*backtest.Candlestick, error) {
	data := make(map[string][]*backtest.Candlestick, len(symbols))
	for _, symbol := range symbols {
		candles, err := p.Candles(ctx, symbol, start, end)
		if err != nil {
			return nil, err
		}
		if len(candles) == 0 {
			return nil, &backtest.DataError{Symbol: symbol, Reason: "no candles in requested window"}
		}
		data[symbol] = candles
	}
	return data, nil
}
