// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/quantmill/quantmill/pkg/backtest"
	"github.com/quantmill/quantmill/pkg/optimize"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Data         DataConfig         `mapstructure:"data"`
	Backtest     BacktestConfig     `mapstructure:"backtest"`
	Strategy     StrategyConfig     `mapstructure:"strategy"`
	Parameters   []ParameterConfig  `mapstructure:"parameters"`
	Optimization OptimizationConfig `mapstructure:"optimization"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL/TimescaleDB settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// DataConfig selects the market data source
type DataConfig struct {
	Source  string   `mapstructure:"source"` // "postgres" or "csv"
	CSVDir  string   `mapstructure:"csv_dir"`
	Symbols []string `mapstructure:"symbols"`
}

// BacktestConfig contains simulation settings shared by every trial
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	CommissionRate float64 `mapstructure:"commission_rate"`
	PositionSizing string  `mapstructure:"position_sizing"` // "fixed" or "percent"
	PositionSize   float64 `mapstructure:"position_size"`
	MaxPositions   int     `mapstructure:"max_positions"`
}

// EngineConfig converts to the backtest engine's configuration.
func (c BacktestConfig) EngineConfig() backtest.Config {
	return backtest.Config{
		InitialCapital: c.InitialCapital,
		CommissionRate: c.CommissionRate,
		PositionSizing: c.PositionSizing,
		PositionSize:   c.PositionSize,
		MaxPositions:   c.MaxPositions,
	}
}

// StrategyConfig names the strategy family and its fixed parameters
type StrategyConfig struct {
	Name   string         `mapstructure:"name"`
	Params map[string]any `mapstructure:"params"`
}

// Base converts to the backtest strategy configuration.
func (c StrategyConfig) Base() backtest.StrategyConfig {
	return backtest.StrategyConfig{Name: c.Name, Params: c.Params}
}

// ParameterConfig declares one tunable parameter in the config file
type ParameterConfig struct {
	Name    string  `mapstructure:"name"`
	Type    string  `mapstructure:"type"` // "fixed", "range", "choices"
	Value   any     `mapstructure:"value"`
	Start   float64 `mapstructure:"start"`
	Stop    float64 `mapstructure:"stop"`
	Step    float64 `mapstructure:"step"`
	Choices []any   `mapstructure:"choices"`
}

// Definition converts to an optimizer parameter definition.
func (p ParameterConfig) Definition() (optimize.ParameterDefinition, error) {
	switch p.Type {
	case "fixed":
		return optimize.Fixed(p.Name, p.Value), nil
	case "range":
		return optimize.Range(p.Name, p.Start, p.Stop, p.Step), nil
	case "choices":
		return optimize.Choices(p.Name, p.Choices...), nil
	default:
		return optimize.ParameterDefinition{}, fmt.Errorf("parameter %s: unknown type %q (available: fixed, range, choices)", p.Name, p.Type)
	}
}

// OptimizationConfig contains the search and objective settings
type OptimizationConfig struct {
	Algorithm              string    `mapstructure:"algorithm"` // "grid" or "random"
	MaxIterations          int       `mapstructure:"max_iterations"`
	RandomSeed             *int64    `mapstructure:"random_seed"`
	Objective              string    `mapstructure:"objective"`
	Direction              string    `mapstructure:"direction"` // "maximize" or "minimize"
	TimeoutSeconds         float64   `mapstructure:"timeout_seconds"`
	MaxConsecutiveFailures int       `mapstructure:"max_consecutive_failures"`
	TargetHoldPeriodDays   []float64 `mapstructure:"target_hold_period_days"` // [min, max] or empty
	MinTrades              int       `mapstructure:"min_trades"`
}

// holdWindow converts the configured [min, max] slice to the optimizer's
// pointer form. Empty means no window.
func (c OptimizationConfig) holdWindow() *[2]float64 {
	if len(c.TargetHoldPeriodDays) != 2 {
		return nil
	}
	return &[2]float64{c.TargetHoldPeriodDays[0], c.TargetHoldPeriodDays[1]}
}

// ParameterSpace builds the optimizer's parameter space from the declared
// parameters.
func (c *Config) ParameterSpace() (*optimize.ParameterSpace, error) {
	defs := make([]optimize.ParameterDefinition, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		def, err := p.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return optimize.NewParameterSpace(defs...)
}

// EngineConfig builds the optimizer engine configuration.
func (c *Config) EngineConfig() optimize.EngineConfig {
	window := c.Optimization.holdWindow()
	return optimize.EngineConfig{
		Direction: c.Optimization.Direction,
		Search: optimize.SearchConfig{
			Algorithm:     c.Optimization.Algorithm,
			MaxIterations: c.Optimization.MaxIterations,
			RandomSeed:    c.Optimization.RandomSeed,
		},
		Objective:       c.Optimization.Objective,
		ObjectiveParams: optimize.ObjectiveParams{TargetHoldPeriodDays: window},
		Constraints: optimize.ConstraintConfig{
			TargetHoldPeriodDays: window,
			MinTrades:            c.Optimization.MinTrades,
		},
		TimeoutSeconds:         c.Optimization.TimeoutSeconds,
		MaxConsecutiveFailures: c.Optimization.MaxConsecutiveFailures,
	}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUANTMILL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "QuantMill")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "quantmill")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Data defaults
	v.SetDefault("data.source", "csv")
	v.SetDefault("data.csv_dir", "./data")
	v.SetDefault("data.symbols", []string{"BTC/USDT"})

	// Backtest defaults
	v.SetDefault("backtest.initial_capital", 10000.0)
	v.SetDefault("backtest.commission_rate", 0.001)
	v.SetDefault("backtest.position_sizing", "percent")
	v.SetDefault("backtest.position_size", 0.95)
	v.SetDefault("backtest.max_positions", 3)

	// Strategy defaults
	v.SetDefault("strategy.name", "ma_cross")

	// Optimization defaults
	v.SetDefault("optimization.algorithm", "grid")
	v.SetDefault("optimization.max_iterations", 100)
	v.SetDefault("optimization.objective", "sharpe")
	v.SetDefault("optimization.direction", "maximize")
	v.SetDefault("optimization.timeout_seconds", 0)
	v.SetDefault("optimization.max_consecutive_failures", 0)
	v.SetDefault("optimization.min_trades", 0)
}

// Validate checks the configuration for inconsistencies that would make an
// optimization run fail after it started.
func (c *Config) Validate() error {
	if c.Backtest.InitialCapital <= 0 {
		return fmt.Errorf("backtest.initial_capital must be positive, got %v", c.Backtest.InitialCapital)
	}
	if c.Backtest.CommissionRate < 0 {
		return fmt.Errorf("backtest.commission_rate must not be negative, got %v", c.Backtest.CommissionRate)
	}
	if c.Backtest.PositionSizing != "fixed" && c.Backtest.PositionSizing != "percent" {
		return fmt.Errorf("backtest.position_sizing must be \"fixed\" or \"percent\", got %q", c.Backtest.PositionSizing)
	}
	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	if c.Optimization.Algorithm != "grid" && c.Optimization.Algorithm != "random" {
		return fmt.Errorf("optimization.algorithm must be \"grid\" or \"random\", got %q", c.Optimization.Algorithm)
	}
	if c.Optimization.Direction != "maximize" && c.Optimization.Direction != "minimize" {
		return fmt.Errorf("optimization.direction must be \"maximize\" or \"minimize\", got %q", c.Optimization.Direction)
	}
	if c.Data.Source != "postgres" && c.Data.Source != "csv" {
		return fmt.Errorf("data.source must be \"postgres\" or \"csv\", got %q", c.Data.Source)
	}
	if n := len(c.Optimization.TargetHoldPeriodDays); n != 0 && n != 2 {
		return fmt.Errorf("optimization.target_hold_period_days must have exactly two entries, got %d", n)
	}
	if w := c.Optimization.holdWindow(); w != nil && w[0] > w[1] {
		return fmt.Errorf("optimization.target_hold_period_days: min (%g) exceeds max (%g)", w[0], w[1])
	}
	return nil
}
