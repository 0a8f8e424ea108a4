package market

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// Querier is the subset of the pgx pool API the provider needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresProvider reads candles from the candles hypertable.
type PostgresProvider struct {
	db Querier
}

// NewPostgresProvider creates a provider over an existing connection pool.
func NewPostgresProvider(db Querier) *PostgresProvider {
	return &PostgresProvider{db: db}
}

const candlesQuery = `
	SELECT timestamp, open, high, low, close, volume
	FROM candles
	WHERE symbol = $1 AND timestamp >= $2 AND timestamp < $3
	ORDER BY timestamp ASC`

// Candles fetches one symbol's candles in ascending timestamp order.
func (p *PostgresProvider) Candles(ctx context.Context, symbol string, start, end time.Time) ([]*backtest.Candlestick, error) {
	rows, err := p.db.Query(ctx, candlesQuery, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles for %s: %w", symbol, err)
	}
	defer rows.Close()

	var candles []*backtest.Candlestick
	for rows.Next() {
		c := &backtest.Candlestick{Symbol: symbol}
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle for %s: %w", symbol, err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candles for %s: %w", symbol, err)
	}

	return candles, nil
}
