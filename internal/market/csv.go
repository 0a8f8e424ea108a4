package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/quantmill/quantmill/pkg/backtest"
)

// CSVProvider reads candles from per-symbol CSV files. Each file is named
// after the symbol with "/" replaced by "-" (BTC/USDT -> BTC-USDT.csv) and
// must carry a timestamp,open,high,low,close,volume header.
type CSVProvider struct {
	Dir string
}

// NewCSVProvider creates a provider rooted at the given directory.
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{Dir: dir}
}

func (p *CSVProvider) pathFor(symbol string) string {
	name := strings.ReplaceAll(symbol, "/", "-") + ".csv"
	return filepath.Join(p.Dir, name)
}

// Candles reads one symbol's file and filters to the [start, end) window.
func (p *CSVProvider) Candles(ctx context.Context, symbol string, start, end time.Time) ([]*backtest.Candlestick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := p.pathFor(symbol)
	f, err := os.Open(path) // #nosec G304 -- path derives from the configured data directory
	if err != nil {
		return nil, &backtest.DataError{Symbol: symbol, Reason: fmt.Sprintf("cannot open %s: %v", path, err)}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, &backtest.DataError{Symbol: symbol, Reason: fmt.Sprintf("malformed CSV %s: %v", path, err)}
	}
	if len(records) < 2 {
		return nil, &backtest.DataError{Symbol: symbol, Reason: fmt.Sprintf("%s has no data rows", path)}
	}

	var candles []*backtest.Candlestick
	for i, record := range records[1:] {
		candle, err := parseRecord(symbol, record)
		if err != nil {
			return nil, &backtest.DataError{Symbol: symbol, Reason: fmt.Sprintf("%s row %d: %v", path, i+2, err)}
		}
		if candle.Timestamp.Before(start) || !candle.Timestamp.Before(end) {
			continue
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

func parseRecord(symbol string, record []string) (*backtest.Candlestick, error) {
	if len(record) != 6 {
		return nil, fmt.Errorf("expected 6 columns, got %d", len(record))
	}

	ts, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", record[0], err)
	}

	fields := make([]float64, 5)
	for i, raw := range record[1:] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("bad numeric field %q: %w", raw, err)
		}
		fields[i] = v
	}

	return &backtest.Candlestick{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}
