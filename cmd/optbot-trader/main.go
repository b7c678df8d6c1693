package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"optbot/internal/api"
	"optbot/internal/broker"
	"optbot/internal/config"
	"optbot/internal/engine"
	"optbot/internal/ledger"
	"optbot/internal/resolver"
	"optbot/internal/store"
	"optbot/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "path to config file (default $OPTBOT_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(*cfgFlag))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("optbot-trader exited", "error", err)
		os.Exit(1)
	}
	logger.Info("optbot-trader stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	t := cfg.Trading

	clock, err := util.NewMarketClock(t.Timezone, t.Holidays)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	archive := store.NewParquetArchive(cfg.Storage.DataDir, clock.Location())

	if err := seedTickers(ctx, cfg, db, logger); err != nil {
		return err
	}

	quotes := broker.NewAlpacaQuotes(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.RateLimitPerMin, t.CallTimeout)

	var alpacaBroker *broker.AlpacaBroker
	if cfg.Alpaca.APIKey != "" {
		alpacaBroker = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, t.CallTimeout, t.FillTimeout)
	}
	var exec broker.Broker
	if t.PaperMode || alpacaBroker == nil {
		exec = broker.NewSimulatorBroker(quotes)
	} else {
		exec = alpacaBroker
	}

	if t.SyncCalendar && alpacaBroker != nil {
		syncHolidays(ctx, alpacaBroker, clock, t.Holidays, logger)
	}

	l := ledger.New(db, clock, logger)
	eng := engine.NewEngine(engine.Config{
		PollInterval:          t.PollInterval,
		CallTimeout:           t.CallTimeout,
		OrderTimeout:          t.FillTimeout + t.CallTimeout,
		CapitalPerTrade:       t.CapitalPerTrade,
		MaxPositionsPerTicker: t.MaxPositionsPerTicker,
		MaxTotalPositions:     t.MaxTotalPositions,
		MaxDailyLoss:          t.MaxDailyLoss,
		MinDTE:                t.MinDTE,
		MaxDTE:                t.MaxDTE,
		MaxConcurrency:        t.MaxConcurrency,
		StartPaused:           t.StartPaused,
	}, engine.Deps{
		Clock:    clock,
		Tickers:  db,
		Resolver: resolver.New(quotes, clock, t.CallTimeout),
		Quotes:   quotes,
		Broker:   exec,
		Ledger:   l,
		Archive:  archive,
		Log:      logger,
	})

	srv := api.NewServer(cfg.Server, l, db, eng, api.TickerDefaults{
		Threshold:    t.DefaultThreshold,
		MaxPositions: t.MaxPositionsPerTicker,
	}, logger)

	logger.Info("optbot-trader starting",
		"paper_mode", t.PaperMode, "paused", t.StartPaused, "broker", exec.Name(), "poll_interval", t.PollInterval,
		"next_open", clock.NextOpen(time.Now()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		if err := eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// seedTickers inserts the tickers declared in the config file that are not
// configured yet.
func seedTickers(ctx context.Context, cfg *config.Config, s store.TickerStore, logger *slog.Logger) error {
	for _, seed := range cfg.Trading.Tickers {
		tc := cfg.TickerConfig(seed)
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("seeding tickers: %w", err)
		}
		inserted, err := s.SeedTicker(ctx, &tc)
		if err != nil {
			return err
		}
		if inserted {
			logger.Info("ticker seeded", "ticker", tc.Symbol, "threshold", tc.Threshold, "max_positions", tc.MaxPositions)
		}
	}
	return nil
}

// syncHolidays adds exchange holidays for the coming year from the broker
// calendar. Failures keep the configured list.
func syncHolidays(ctx context.Context, src broker.HolidaySource, clock *util.MarketClock, configured []string, logger *slog.Logger) {
	now := time.Now().In(clock.Location())
	fetched, err := src.Holidays(ctx, now, now.AddDate(1, 0, 0))
	if err != nil {
		logger.Warn("calendar sync failed", "error", err)
		return
	}
	all := append(append([]string{}, configured...), fetched...)
	if err := clock.SetHolidays(all); err != nil {
		logger.Warn("calendar sync failed", "error", err)
		return
	}
	logger.Info("calendar synced", "holidays", len(fetched))
}
