package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "optbot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "ALPACA_API_KEY", "ALPACA_API_SECRET",
		"ALPACA_BASE_URL", "ALPACA_DATA_URL", "LOG_LEVEL", "APCA_API_KEY_ID",
		"APCA_API_SECRET_KEY", "PAPER_TRADING", "CAPITAL_PER_TRADE",
		"DEFAULT_THRESHOLD", "MAX_POSITIONS_PER_TICKER",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/optbot/data"
  sqlite_path: "/tmp/optbot/optbot.db"
server:
  host: "127.0.0.1"
  port: 8081
  grpc_port: 9091
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
  data_url: "https://data.alpaca.markets"
logging:
  level: "debug"
  format: "text"
trading:
  paper_mode: false
  poll_interval: 30s
  call_timeout: 5s
  capital_per_trade: 1000
  default_threshold: 1.5
  max_positions_per_ticker: 3
  max_total_positions: 6
  max_daily_loss: 750
  min_dte: 1
  max_dte: 5
  holidays: ["2025-12-25"]
  tickers:
    - symbol: spy
    - symbol: QQQ
      threshold: 0.75
      enabled: false
      max_positions: 1
      capital_per_trade: 300
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/optbot/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/optbot/data")
	}
	if cfg.Server.Port != 8081 || cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server ports = %d/%d, want 8081/9091", cfg.Server.Port, cfg.Server.GRPCPort)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}

	tr := cfg.Trading
	if tr.PaperMode {
		t.Error("Trading.PaperMode = true, want false")
	}
	if tr.PollInterval != 30*time.Second {
		t.Errorf("Trading.PollInterval = %s, want 30s", tr.PollInterval)
	}
	if tr.CallTimeout != 5*time.Second {
		t.Errorf("Trading.CallTimeout = %s, want 5s", tr.CallTimeout)
	}
	if tr.MaxDailyLoss != 750 {
		t.Errorf("Trading.MaxDailyLoss = %v, want 750", tr.MaxDailyLoss)
	}
	if tr.MinDTE != 1 || tr.MaxDTE != 5 {
		t.Errorf("Trading DTE = [%d,%d], want [1,5]", tr.MinDTE, tr.MaxDTE)
	}
	if len(tr.Tickers) != 2 {
		t.Fatalf("len(Trading.Tickers) = %d, want 2", len(tr.Tickers))
	}

	spy := cfg.TickerConfig(tr.Tickers[0])
	if spy.Symbol != "SPY" || !spy.Enabled || spy.Threshold != 1.5 || spy.MaxPositions != 3 {
		t.Errorf("SPY seed = %+v, want defaults applied", spy)
	}
	qqq := cfg.TickerConfig(tr.Tickers[1])
	if qqq.Enabled || qqq.Threshold != 0.75 || qqq.MaxPositions != 1 || qqq.CapitalPerTrade != 300 {
		t.Errorf("QQQ seed = %+v", qqq)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	tr := cfg.Trading
	if !tr.PaperMode {
		t.Error("Trading.PaperMode = false, want true by default")
	}
	if tr.PollInterval != 60*time.Second {
		t.Errorf("Trading.PollInterval = %s, want 60s", tr.PollInterval)
	}
	if tr.CapitalPerTrade != 500 {
		t.Errorf("Trading.CapitalPerTrade = %v, want 500", tr.CapitalPerTrade)
	}
	if tr.DefaultThreshold != 0.5 {
		t.Errorf("Trading.DefaultThreshold = %v, want 0.5", tr.DefaultThreshold)
	}
	if tr.MaxPositionsPerTicker != 2 || tr.MaxTotalPositions != 10 {
		t.Errorf("position limits = %d/%d, want 2/10", tr.MaxPositionsPerTicker, tr.MaxTotalPositions)
	}
	if tr.MaxDailyLoss != 2000 {
		t.Errorf("Trading.MaxDailyLoss = %v, want 2000", tr.MaxDailyLoss)
	}
	if tr.MinDTE != 0 || tr.MaxDTE != 7 {
		t.Errorf("Trading DTE = [%d,%d], want [0,7]", tr.MinDTE, tr.MaxDTE)
	}
	if tr.Timezone != "America/New_York" {
		t.Errorf("Trading.Timezone = %q", tr.Timezone)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALPACA_API_KEY", "from-env")
	t.Setenv("APCA_API_KEY_ID", "canonical")
	t.Setenv("DATA_DIR", "/srv/optbot")
	t.Setenv("CAPITAL_PER_TRADE", "250")
	t.Setenv("PAPER_TRADING", "true")

	cfg, err := Load(writeConfig(t, "trading:\n  paper_mode: false\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "canonical" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "canonical")
	}
	if cfg.Storage.DataDir != "/srv/optbot" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Trading.CapitalPerTrade != 250 {
		t.Errorf("Trading.CapitalPerTrade = %v, want 250", cfg.Trading.CapitalPerTrade)
	}
	if !cfg.Trading.PaperMode {
		t.Error("PAPER_TRADING=true should win over the file")
	}

	t.Setenv("MAX_POSITIONS_PER_TICKER", "lots")
	if _, err := Load(writeConfig(t, "")); err == nil {
		t.Error("Load() should reject a non-numeric MAX_POSITIONS_PER_TICKER")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	bad := []string{
		"trading:\n  min_dte: 5\n  max_dte: 2\n",
		"trading:\n  holidays: [\"12/25/2025\"]\n",
		"trading:\n  paper_mode: false\n",
		"trading:\n  poll_interval: 10ms\n",
		"trading:\n  tickers:\n    - threshold: 1\n",
	}
	for i, content := range bad {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("case %d: Load() = nil error, want validation failure", i)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("OPTBOT_CONFIG", "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath(\"\") = %q, want %q", got, DefaultPath)
	}
	t.Setenv("OPTBOT_CONFIG", "/etc/optbot.yaml")
	if got := ResolvePath(""); got != "/etc/optbot.yaml" {
		t.Errorf("ResolvePath = %q, want env path", got)
	}
	if got := ResolvePath("x.yaml"); got != "x.yaml" {
		t.Errorf("ResolvePath(flag) = %q, want x.yaml", got)
	}
}
