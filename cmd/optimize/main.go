// Parameter Optimization CLI
// Searches a strategy's parameter space for the best-performing configuration
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/quantmill/quantmill/internal/config"
	"github.com/quantmill/quantmill/internal/db"
	"github.com/quantmill/quantmill/internal/market"
	"github.com/quantmill/quantmill/pkg/backtest"
	"github.com/quantmill/quantmill/pkg/optimize"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath = flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	symbols    = flag.String("symbols", "", "Comma-separated symbol override (e.g. BTC/USDT,ETH/USDT)")

	// Date range
	startDate = flag.String("start", "", "Start date (YYYY-MM-DD)")
	endDate   = flag.String("end", "", "End date (YYYY-MM-DD)")

	// Run control
	maxTrials  = flag.Int("trials", 0, "Trial budget override (0 = use config)")
	saveRun    = flag.Bool("save", false, "Persist the result to the database")
	runMigrate = flag.Bool("migrate", false, "Apply pending schema migrations before running")
	migrateDir = flag.String("migrations", "./migrations", "Directory containing migration files")

	// Output
	outputFile = flag.String("output", "", "Write best parameters as YAML (optional)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	// Bootstrap logger until the config is loaded.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if *startDate == "" || *endDate == "" {
		fmt.Fprintln(os.Stderr, "Error: -start and -end dates are required")
		flag.Usage()
		os.Exit(1)
	}

	start, err := time.Parse("2006-01-02", *startDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid start date format (use YYYY-MM-DD)")
	}
	end, err := time.Parse("2006-01-02", *endDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid end date format (use YYYY-MM-DD)")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *symbols != "" {
		cfg.Data.Symbols = parseSymbols(*symbols)
	}

	log.Info().
		Str("strategy", cfg.Strategy.Name).
		Str("algorithm", cfg.Optimization.Algorithm).
		Str("objective", cfg.Optimization.Objective).
		Strs("symbols", cfg.Data.Symbols).
		Str("start", start.Format("2006-01-02")).
		Str("end", end.Format("2006-01-02")).
		Msg("Starting optimization")

	ctx := context.Background()
	if err := runOptimization(ctx, cfg, start, end); err != nil {
		log.Fatal().Err(err).Msg("Optimization failed")
	}
}

func parseSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

// ============================================================================
// OPTIMIZATION EXECUTION
// ============================================================================

func runOptimization(ctx context.Context, cfg *config.Config, start, end time.Time) error {
	if *runMigrate {
		migrator, err := db.OpenMigrator(cfg.Database.GetDSN(), *migrateDir)
		if err != nil {
			return err
		}
		if err := migrator.Migrate(ctx); err != nil {
			migrator.Close()
			return fmt.Errorf("migration failed: %w", err)
		}
		migrator.Close()
	}

	provider, database, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	data, err := market.LoadAll(ctx, provider, cfg.Data.Symbols, start, end)
	if err != nil {
		return fmt.Errorf("failed to load market data: %w", err)
	}
	for symbol, candles := range data {
		log.Info().Str("symbol", symbol).Int("candles", len(candles)).Msg("Market data loaded")
	}

	space, err := cfg.ParameterSpace()
	if err != nil {
		return fmt.Errorf("invalid parameter space: %w", err)
	}

	executor := backtest.NewExecutor(cfg.Backtest.EngineConfig())
	engine, err := optimize.NewEngine(cfg.EngineConfig(), space, cfg.Strategy.Base(), executor.Execute)
	if err != nil {
		return fmt.Errorf("failed to build optimizer: %w", err)
	}

	// Ctrl-C requests a cooperative stop; the current trial finishes first.
	var interrupt atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Warn().Msg("Interrupt requested; finishing current trial")
		interrupt.Store(true)
	}()

	result, err := engine.Run(ctx, data, optimize.RunOptions{
		Interrupt: &interrupt,
		MaxTrials: *maxTrials,
		Progress:  logProgress,
	})
	if err != nil {
		return err
	}

	printSummary(result)

	if *outputFile != "" {
		if err := writeResultYAML(*outputFile, result); err != nil {
			return err
		}
		log.Info().Str("path", *outputFile).Msg("Result written")
	}

	if *saveRun {
		if database == nil {
			database, err = db.New(ctx, cfg.Database.GetDSN())
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()
		} else if err := database.Health(ctx); err != nil {
			// The pool was opened before a potentially long search.
			return fmt.Errorf("database connection lost: %w", err)
		}
		if err := db.NewRunStore(database.Pool()).SaveRun(ctx, result); err != nil {
			return err
		}
		log.Info().Str("run_id", result.RunID.String()).Msg("Run persisted")
	}

	return nil
}

// buildProvider wires the configured market data source. The database handle
// is returned so it can be reused for run persistence.
func buildProvider(ctx context.Context, cfg *config.Config) (market.Provider, *db.DB, error) {
	switch cfg.Data.Source {
	case "postgres":
		database, err := db.New(ctx, cfg.Database.GetDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return market.NewPostgresProvider(database.Pool()), database, nil
	default:
		return market.NewCSVProvider(cfg.Data.CSVDir), nil, nil
	}
}

func logProgress(s optimize.ProgressSnapshot) {
	evt := log.Info().
		Int("trial", s.CurrentTrial).
		Float64("elapsed_s", s.ElapsedSeconds)
	if s.TotalTrials != nil {
		evt = evt.Int("total", *s.TotalTrials)
	}
	if s.BestScore != nil {
		evt = evt.Float64("best_score", *s.BestScore)
	}
	if failed := totalFailures(s.FailureCounts); failed > 0 {
		evt = evt.Int("failed", failed)
	}
	evt.Msg("Trial complete")
}

func totalFailures(counts map[optimize.FailureKind]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

// ============================================================================
// RESULT OUTPUT
// ============================================================================

func printSummary(result *optimize.Result) {
	fmt.Println()
	fmt.Println("==================================================")
	fmt.Println("           OPTIMIZATION RESULTS")
	fmt.Println("==================================================")
	fmt.Printf("Run ID:            %s\n", result.RunID)
	fmt.Printf("State:             %s\n", result.State)
	fmt.Printf("Algorithm:         %s\n", result.Algorithm)
	fmt.Printf("Objective:         %s (%s)\n", result.Objective, result.Direction)
	fmt.Printf("Trials:            %d (%d ok, %d failed, %d pruned)\n",
		result.TotalTrials, result.SuccessfulTrials, result.Errors.TotalFailed, result.PrunedTrials)
	fmt.Printf("Elapsed:           %s (avg %s/trial)\n",
		result.Timing.TotalElapsed.Round(time.Millisecond),
		result.Timing.AvgPerTrial.Round(time.Millisecond))

	if result.BestScore == nil {
		fmt.Println("\nNo successful trials; no best configuration found.")
		return
	}

	fmt.Printf("\nBest score:        %.4f\n", *result.BestScore)
	fmt.Println("Best parameters:")
	for name, value := range result.BestParams {
		fmt.Printf("  %-18s %v\n", name+":", value)
	}

	if m := bestMetrics(result); m != nil {
		fmt.Println("\nBest configuration performance:")
		fmt.Printf("  Total return:    %.2f%%\n", m.TotalReturnPct)
		fmt.Printf("  Sharpe ratio:    %.2f\n", m.SharpeRatio)
		fmt.Printf("  Max drawdown:    %.2f%%\n", m.MaxDrawdownPct)
		fmt.Printf("  Trades:          %d (win rate %.1f%%)\n", m.TotalTrades, m.WinRate)
	}

	if c := result.Constraints; c != nil {
		fmt.Printf("\nConstraint score:  %.2f\n", c.TotalConstraintScore)
		for _, violation := range c.ViolationDetails {
			fmt.Printf("  violation: %s\n", violation)
		}
	}
}

func bestMetrics(result *optimize.Result) *backtest.Metrics {
	if result.BestAnalysis == nil {
		return nil
	}
	return result.BestAnalysis.Metrics
}

// resultYAML is the stable on-disk result shape.
type resultYAML struct {
	RunID            string                `yaml:"run_id"`
	State            string                `yaml:"state"`
	Algorithm        string                `yaml:"algorithm"`
	Objective        string                `yaml:"objective"`
	Direction        string                `yaml:"direction"`
	BestScore        *float64              `yaml:"best_score,omitempty"`
	BestParams       optimize.ParameterSet `yaml:"best_params,omitempty"`
	TotalTrials      int                   `yaml:"total_trials"`
	SuccessfulTrials int                   `yaml:"successful_trials"`
	FailedTrials     int                   `yaml:"failed_trials"`
	PrunedTrials     int                   `yaml:"pruned_trials"`
	WasInterrupted   bool                  `yaml:"was_interrupted"`
	ConstraintScore  *float64              `yaml:"constraint_score,omitempty"`
}

func writeResultYAML(path string, result *optimize.Result) error {
	out := resultYAML{
		RunID:            result.RunID.String(),
		State:            string(result.State),
		Algorithm:        result.Algorithm,
		Objective:        result.Objective,
		Direction:        result.Direction,
		BestScore:        result.BestScore,
		BestParams:       result.BestParams,
		TotalTrials:      result.TotalTrials,
		SuccessfulTrials: result.SuccessfulTrials,
		FailedTrials:     result.Errors.TotalFailed,
		PrunedTrials:     result.PrunedTrials,
		WasInterrupted:   result.WasInterrupted,
	}
	if result.Constraints != nil {
		score := result.Constraints.TotalConstraintScore
		out.ConstraintScore = &score
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
