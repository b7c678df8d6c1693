package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"optbot/internal/domain"
)

// DefaultPath is used when neither a flag nor OPTBOT_CONFIG names a file.
const DefaultPath = "config/optbot.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the optbot trader.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TickerSeed is a ticker declared in the config file. Seeds only populate
// the ticker table on first start; rows edited later are left alone.
type TickerSeed struct {
	Symbol          string  `yaml:"symbol"`
	Threshold       float64 `yaml:"threshold"`
	Enabled         *bool   `yaml:"enabled"`
	MaxPositions    int     `yaml:"max_positions"`
	CapitalPerTrade float64 `yaml:"capital_per_trade"`
}

// TradingConfig defines strategy, risk and execution parameters.
type TradingConfig struct {
	PaperMode             bool          `yaml:"paper_mode"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
	FillTimeout           time.Duration `yaml:"fill_timeout"`
	CapitalPerTrade       float64       `yaml:"capital_per_trade"`
	DefaultThreshold      float64       `yaml:"default_threshold"`
	MaxPositionsPerTicker int           `yaml:"max_positions_per_ticker"`
	MaxTotalPositions     int           `yaml:"max_total_positions"`
	MaxDailyLoss          float64       `yaml:"max_daily_loss"`
	MinDTE                int           `yaml:"min_dte"`
	MaxDTE                int           `yaml:"max_dte"`
	MaxConcurrency        int           `yaml:"max_concurrency"`
	StartPaused           bool          `yaml:"start_paused"`
	Timezone              string        `yaml:"timezone"`
	Holidays              []string      `yaml:"holidays"`
	SyncCalendar          bool          `yaml:"sync_calendar"`
	Tickers               []TickerSeed  `yaml:"tickers"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	// Paper mode unless the file says otherwise.
	cfg.Trading.PaperMode = true
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath returns flagPath when set, then OPTBOT_CONFIG, then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("OPTBOT_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("PAPER_TRADING"); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PAPER_TRADING: %w", err)
		}
		cfg.Trading.PaperMode = b
	}
	if v := os.Getenv("CAPITAL_PER_TRADE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CAPITAL_PER_TRADE: %w", err)
		}
		cfg.Trading.CapitalPerTrade = f
	}
	if v := os.Getenv("DEFAULT_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DEFAULT_THRESHOLD: %w", err)
		}
		cfg.Trading.DefaultThreshold = f
	}
	if v := os.Getenv("MAX_POSITIONS_PER_TICKER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_POSITIONS_PER_TICKER: %w", err)
		}
		cfg.Trading.MaxPositionsPerTicker = n
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/optbot.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 200
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	t := &cfg.Trading
	if t.PollInterval == 0 {
		t.PollInterval = 60 * time.Second
	}
	if t.CallTimeout == 0 {
		t.CallTimeout = 10 * time.Second
	}
	if t.FillTimeout == 0 {
		t.FillTimeout = 30 * time.Second
	}
	if t.CapitalPerTrade == 0 {
		t.CapitalPerTrade = 500
	}
	if t.DefaultThreshold == 0 {
		t.DefaultThreshold = 0.5
	}
	if t.MaxPositionsPerTicker == 0 {
		t.MaxPositionsPerTicker = 2
	}
	if t.MaxTotalPositions == 0 {
		t.MaxTotalPositions = 10
	}
	if t.MaxDailyLoss == 0 {
		t.MaxDailyLoss = 2000
	}
	if t.MaxDTE == 0 {
		t.MaxDTE = 7
	}
	if t.MaxConcurrency == 0 {
		t.MaxConcurrency = 8
	}
	if t.Timezone == "" {
		t.Timezone = "America/New_York"
	}
}

// Validate reports configuration values the trader cannot run with.
func (c *Config) Validate() error {
	t := c.Trading
	var errs []error
	if t.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("trading.poll_interval must be >= 1s, got %s", t.PollInterval))
	}
	if t.CapitalPerTrade <= 0 {
		errs = append(errs, fmt.Errorf("trading.capital_per_trade must be > 0"))
	}
	if t.DefaultThreshold <= 0 {
		errs = append(errs, fmt.Errorf("trading.default_threshold must be > 0"))
	}
	if t.MaxPositionsPerTicker < 1 || t.MaxTotalPositions < 1 {
		errs = append(errs, fmt.Errorf("trading position limits must be >= 1"))
	}
	if t.MaxDailyLoss < 0 {
		errs = append(errs, fmt.Errorf("trading.max_daily_loss must be >= 0"))
	}
	if t.MinDTE < 0 || t.MaxDTE < t.MinDTE {
		errs = append(errs, fmt.Errorf("trading DTE window [%d, %d] is invalid", t.MinDTE, t.MaxDTE))
	}
	for _, h := range t.Holidays {
		if _, err := time.Parse(domain.DateLayout, h); err != nil {
			errs = append(errs, fmt.Errorf("trading.holidays: %q is not YYYY-MM-DD", h))
		}
	}
	for _, seed := range t.Tickers {
		tc := c.TickerConfig(seed)
		if err := tc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("trading.tickers: %w", err))
		}
	}
	if !t.PaperMode && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		errs = append(errs, fmt.Errorf("alpaca credentials are required when paper_mode is false"))
	}
	return errors.Join(errs...)
}

// TickerConfig expands a seed into a full ticker configuration using the
// trading defaults for unset fields.
func (c *Config) TickerConfig(seed TickerSeed) domain.TickerConfig {
	tc := domain.TickerConfig{
		Symbol:          strings.ToUpper(strings.TrimSpace(seed.Symbol)),
		Threshold:       seed.Threshold,
		Enabled:         true,
		MaxPositions:    seed.MaxPositions,
		CapitalPerTrade: seed.CapitalPerTrade,
	}
	if seed.Enabled != nil {
		tc.Enabled = *seed.Enabled
	}
	if tc.Threshold == 0 {
		tc.Threshold = c.Trading.DefaultThreshold
	}
	if tc.MaxPositions == 0 {
		tc.MaxPositions = c.Trading.MaxPositionsPerTicker
	}
	return tc
}
