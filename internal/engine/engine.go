// Package engine runs the open-breakout strategy: it records each ticker's
// ATM opening premiums at day start, evaluates breakouts every polling
// cycle, places orders subject to risk gates, and keeps open positions
// marked to market.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"optbot/internal/broker"
	"optbot/internal/domain"
	"optbot/internal/ledger"
	"optbot/internal/metrics"
	"optbot/internal/store"
	"optbot/internal/util"
)

// TickerState is the per-day lifecycle state of a ticker.
type TickerState string

const (
	StateIdle    TickerState = "IDLE"
	StateReady   TickerState = "READY"
	StateSkipped TickerState = "SKIPPED"
)

// Clock answers market-hours questions for explicit instants.
type Clock interface {
	IsMarketOpen(now time.Time) bool
	IsNewTradingDay(now time.Time, lastDate string) bool
	TradingDate(t time.Time) string
	SessionClose(date string) (time.Time, error)
}

// TickerSource lists the configured tickers.
type TickerSource interface {
	ListTickers(ctx context.Context) ([]domain.TickerConfig, error)
}

// ATMResolver discovers the day's ATM contracts for a ticker.
type ATMResolver interface {
	ResolveATM(ctx context.Context, ticker string, minDTE, maxDTE int, now time.Time) (domain.ATMQuote, error)
}

// Ledger is the subset of the position ledger the engine writes through.
type Ledger interface {
	OpenPosition(ctx context.Context, req ledger.OpenRequest) (*domain.Position, error)
	UpdatePrice(ctx context.Context, id string, price float64, at time.Time) (*domain.Position, error)
	Close(ctx context.Context, req ledger.CloseRequest) (*domain.Position, error)
	GetPosition(ctx context.Context, id string) (*domain.Position, error)
	ListPositions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)
	OpenCounts(ctx context.Context) (map[string]int, int, error)
	RealizedPnL(ctx context.Context, date string) (float64, error)
}

// Config holds the strategy and execution parameters of the engine.
type Config struct {
	PollInterval          time.Duration
	CallTimeout           time.Duration // per quote lookup
	OrderTimeout          time.Duration // per order submission, including the fill wait
	CapitalPerTrade       float64
	MaxPositionsPerTicker int
	MaxTotalPositions     int
	MaxDailyLoss          float64
	MinDTE                int
	MaxDTE                int
	MaxConcurrency        int
	StartPaused           bool
}

// Deps are the collaborators of an Engine. Archive is optional.
type Deps struct {
	Clock    Clock
	Tickers  TickerSource
	Resolver ATMResolver
	Quotes   broker.QuoteProvider
	Broker   broker.Broker
	Ledger   Ledger
	Archive  store.OptionArchive
	Log      *slog.Logger
}

// TickerStatus reports a ticker's state for the current trading day.
type TickerStatus struct {
	Symbol string                  `json:"symbol"`
	State  TickerState             `json:"state"`
	Reason string                  `json:"reason,omitempty"`
	Open   *domain.OpenPriceRecord `json:"open,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running     bool           `json:"running"`
	Paused      bool           `json:"paused"`
	Broker      string         `json:"broker"`
	MarketOpen  bool           `json:"market_open"`
	TradingDate string         `json:"trading_date"`
	LastCycle   time.Time      `json:"last_cycle,omitempty"`
	Cycles      int64          `json:"cycles"`
	Tickers     []TickerStatus `json:"tickers"`
}

type tickerEntry struct {
	state  TickerState
	reason string
}

// Engine orchestrates the trading lifecycle. Cycles never overlap; order
// placement is serialised across tickers so risk gates see every fill.
type Engine struct {
	cfg      Config
	clock    Clock
	tickers  TickerSource
	resolver ATMResolver
	quotes   broker.QuoteProvider
	broker   broker.Broker
	ledger   Ledger
	archive  store.OptionArchive
	cache    *OpenPriceCache
	risk     *RiskManager
	log      *slog.Logger

	cycleMu     sync.Mutex
	orderMu     sync.Mutex
	tickerLocks util.KeyedMutex
	paused      atomic.Bool

	mu        sync.RWMutex
	running   bool
	lastDate  string
	lastCycle time.Time
	cycles    int64
	states    map[string]tickerEntry
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(cfg Config, d Deps) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		clock:    d.Clock,
		tickers:  d.Tickers,
		resolver: d.Resolver,
		quotes:   d.Quotes,
		broker:   d.Broker,
		ledger:   d.Ledger,
		archive:  d.Archive,
		cache:    NewOpenPriceCache(),
		risk:     NewRiskManager(cfg.MaxTotalPositions, cfg.MaxDailyLoss),
		log:      log.With("component", "engine"),
		states:   make(map[string]tickerEntry),
	}
	e.paused.Store(cfg.StartPaused)
	metrics.EnginePaused.Set(boolGauge(cfg.StartPaused))
	return e
}

// Cache exposes the open-price cache.
func (e *Engine) Cache() *OpenPriceCache { return e.cache }

// Pause stops new entries from the next cycle on. Day start and position
// marking continue so open prices and P&L stay current.
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		e.log.Info("trading paused")
	}
	metrics.EnginePaused.Set(1)
}

// Resume re-enables breakout evaluation.
func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		e.log.Info("trading resumed")
	}
	metrics.EnginePaused.Set(0)
}

// Paused reports whether breakout evaluation is suspended.
func (e *Engine) Paused() bool { return e.paused.Load() }

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run executes a cycle immediately and then once per poll interval until
// ctx is cancelled or a cycle reports a fatal error.
func (e *Engine) Run(ctx context.Context) error {
	e.setRunning(true)
	defer e.setRunning(false)

	e.log.Info("engine started", "poll_interval", e.cfg.PollInterval, "broker", e.broker.Name())
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx, time.Now()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error("engine halted", "error", err)
			return err
		}
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one polling cycle as of now. It returns an error only
// for unrecoverable conditions such as an unreachable ledger; quote, order
// and resolution failures are logged and reflected in the report.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	date := e.clock.TradingDate(now)
	report := &CycleReport{At: now, Date: date}

	if !e.clock.IsMarketOpen(now) {
		report.MarketClosed = true
		metrics.CyclesTotal.WithLabelValues("closed").Inc()
		return report, nil
	}

	err := e.runOpenCycle(ctx, now, date, report)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("fatal").Inc()
		return report, err
	}
	metrics.CyclesTotal.WithLabelValues("ok").Inc()

	e.mu.Lock()
	e.lastCycle = now
	e.cycles++
	e.mu.Unlock()

	e.log.Debug("cycle complete",
		"date", date, "signals", report.Signals, "opened", len(report.Opened),
		"blocked", len(report.Blocked), "quote_failures", report.QuoteFailures,
		"refreshed", report.Refreshed, "elapsed", time.Since(start))
	return report, nil
}

func (e *Engine) runOpenCycle(ctx context.Context, now time.Time, date string, report *CycleReport) error {
	all, err := e.tickers.ListTickers(ctx)
	if err != nil {
		return fmt.Errorf("listing tickers: %w", err)
	}
	var enabled []domain.TickerConfig
	for _, tc := range all {
		if tc.Enabled {
			enabled = append(enabled, tc)
		}
	}

	e.mu.RLock()
	lastDate := e.lastDate
	e.mu.RUnlock()
	if e.clock.IsNewTradingDay(now, lastDate) {
		if err := e.startDay(ctx, now, date, enabled, report); err != nil {
			return err
		}
	}

	marks := newMarkBook()
	if e.paused.Load() {
		report.Paused = true
	} else if err := e.evaluate(ctx, now, date, enabled, marks, report); err != nil {
		return err
	}
	if err := e.refreshPositions(ctx, now, marks, report); err != nil {
		return err
	}

	if e.archive != nil {
		if err := e.archive.AppendQuotes(ctx, marks.samples(now)); err != nil {
			e.log.Warn("archiving quotes failed", "error", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Day start
// ---------------------------------------------------------------------------

// startDay expires stale positions, drops earlier open prices and resolves
// today's ATM contracts for every enabled ticker. Records archived earlier
// the same day are reused so a restart does not re-record opens at mid-day
// prices.
func (e *Engine) startDay(ctx context.Context, now time.Time, date string, tickers []domain.TickerConfig, report *CycleReport) error {
	report.DayStarted = true
	e.log.Info("trading day started", "date", date, "tickers", len(tickers))

	if err := e.expirePositions(ctx, now, date, report); err != nil {
		return err
	}
	if n := e.cache.ClearBefore(date); n > 0 {
		e.log.Debug("cleared stale open prices", "records", n)
	}

	archived := make(map[string]domain.OpenPriceRecord)
	if e.archive != nil {
		recs, err := e.archive.LoadOpens(ctx, date)
		if err != nil {
			e.log.Warn("loading archived open prices failed", "date", date, "error", err)
		}
		for _, r := range recs {
			archived[r.Ticker] = r
		}
	}

	states := make(map[string]tickerEntry, len(tickers))
	var (
		mu    sync.Mutex
		fresh []domain.OpenPriceRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, tc := range tickers {
		sym := tc.Symbol
		if rec, ok := archived[sym]; ok {
			e.cache.Record(rec)
			states[sym] = tickerEntry{state: StateReady, reason: "restored"}
			report.addResolved(sym)
			continue
		}
		g.Go(func() error {
			q, err := e.resolver.ResolveATM(gctx, sym, e.cfg.MinDTE, e.cfg.MaxDTE, now)
			if err != nil {
				reason := err.Error()
				var re *domain.ResolutionError
				if errors.As(err, &re) {
					reason = re.Reason
				}
				e.log.Warn("ticker skipped for the day", "ticker", sym, "date", date, "error", err)
				metrics.ResolutionFailuresTotal.WithLabelValues(sym, reason).Inc()
				mu.Lock()
				states[sym] = tickerEntry{state: StateSkipped, reason: reason}
				mu.Unlock()
				report.addSkipped(sym)
				return nil
			}

			rec := domain.NewOpenPriceRecord(sym, date, q, now)
			e.cache.Record(rec)
			e.log.Info("open prices recorded",
				"ticker", sym, "strike", q.Strike, "expiration", q.Expiration,
				"call_open", q.CallPrice, "put_open", q.PutPrice)
			mu.Lock()
			states[sym] = tickerEntry{state: StateReady}
			fresh = append(fresh, rec)
			mu.Unlock()
			report.addResolved(sym)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if e.archive != nil && len(fresh) > 0 {
		if err := e.archive.SaveOpens(ctx, date, fresh); err != nil {
			e.log.Warn("archiving open prices failed", "date", date, "error", err)
		}
	}

	e.mu.Lock()
	e.states = states
	e.lastDate = date
	e.mu.Unlock()
	return nil
}

// expirePositions closes OPEN positions whose contracts expired before date
// at their last marked premium. The close is booked at the expiration
// session close so the P&L lands on the day the contract expired.
func (e *Engine) expirePositions(ctx context.Context, now time.Time, date string, report *CycleReport) error {
	open, err := e.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.PositionOpen})
	if err != nil {
		return fmt.Errorf("listing open positions: %w", err)
	}
	for _, p := range open {
		if p.Contract.Expiration >= date {
			continue
		}
		at, err := e.clock.SessionClose(p.Contract.Expiration)
		if err != nil {
			e.log.Warn("unparseable expiration", "id", p.ID, "expiration", p.Contract.Expiration, "error", err)
			at = now
		}
		if at.Before(p.EntryTime) {
			at = p.EntryTime
		}
		_, err = e.ledger.Close(ctx, ledger.CloseRequest{
			PositionID: p.ID,
			ExitPrice:  p.CurrentPrice,
			Note:       "expired",
			At:         at,
		})
		if domain.IsInvalidState(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("expiring position %s: %w", p.ID, err)
		}
		report.Expired++
		e.log.Info("position expired", "id", p.ID, "contract", p.Contract.Symbol, "mark", p.CurrentPrice)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Breakout evaluation
// ---------------------------------------------------------------------------

// evaluate checks every READY ticker and option type in parallel. Only fatal
// ledger errors are returned.
func (e *Engine) evaluate(ctx context.Context, now time.Time, date string, tickers []domain.TickerConfig, marks *markBook, report *CycleReport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, tc := range tickers {
		if e.tickerState(tc.Symbol) != StateReady {
			continue
		}
		rec, ok := e.cache.Get(tc.Symbol, date)
		if !ok {
			continue
		}
		for _, typ := range domain.OptionTypes {
			g.Go(func() error {
				return e.evaluateSignal(gctx, now, date, tc, rec, typ, marks, report)
			})
		}
	}
	return g.Wait()
}

func (e *Engine) evaluateSignal(ctx context.Context, now time.Time, date string, tc domain.TickerConfig, rec domain.OpenPriceRecord, typ domain.OptionType, marks *markBook, report *CycleReport) error {
	c := rec.Contract(typ)
	premium, err := e.premium(ctx, c)
	if err != nil {
		e.log.Warn("premium unavailable", "ticker", tc.Symbol, "type", typ, "contract", c.Symbol, "error", err)
		metrics.QuoteFailuresTotal.WithLabelValues(tc.Symbol).Inc()
		report.addQuoteFailure()
		return nil
	}
	marks.put(c, premium)

	open := rec.Open(typ)
	if !domain.Breakout(open, premium, tc.Threshold) {
		return nil
	}

	pct := domain.PctChange(open, premium).Round(3).InexactFloat64()
	e.log.Info("breakout signal", "ticker", tc.Symbol, "type", typ, "open", open, "current", premium, "pct", pct, "threshold", tc.Threshold)
	metrics.SignalsTotal.WithLabelValues(tc.Symbol, string(typ)).Inc()
	report.addSignal()

	return e.enter(ctx, date, tc, c, open, premium, report)
}

// enter applies the risk gates and sizing, then submits and books the order.
func (e *Engine) enter(ctx context.Context, date string, tc domain.TickerConfig, c domain.Contract, open, premium float64, report *CycleReport) error {
	unlock := e.tickerLocks.Lock(tc.Symbol)
	defer unlock()
	// Held across the submit so concurrent signals see each other's fills.
	e.orderMu.Lock()
	defer e.orderMu.Unlock()

	counts, total, err := e.ledger.OpenCounts(ctx)
	if err != nil {
		return fmt.Errorf("reading open positions: %w", err)
	}
	realized, err := e.ledger.RealizedPnL(ctx, date)
	if err != nil {
		return fmt.Errorf("reading daily P&L: %w", err)
	}
	maxPos := tc.MaxPositions
	if maxPos <= 0 {
		maxPos = e.cfg.MaxPositionsPerTicker
	}
	if block := e.risk.Check(RiskState{
		TickerOpen:    counts[tc.Symbol],
		TickerMax:     maxPos,
		TotalOpen:     total,
		RealizedToday: realized,
	}); block != nil {
		e.log.Info("signal blocked", "ticker", tc.Symbol, "type", c.Type, "gate", block.Gate, "detail", block.Detail)
		metrics.RiskBlocksTotal.WithLabelValues(block.Gate).Inc()
		report.addBlocked(BlockedSignal{Ticker: tc.Symbol, Type: c.Type, Block: *block})
		return nil
	}

	capital := tc.CapitalPerTrade
	if capital <= 0 {
		capital = e.cfg.CapitalPerTrade
	}
	qty := domain.ContractsFor(capital, premium)
	if qty == 0 {
		e.log.Info("signal skipped: premium exceeds capital", "ticker", tc.Symbol, "type", c.Type, "premium", premium, "capital", capital)
		report.addSizedOut()
		return nil
	}

	octx, cancel := e.orderContext(ctx)
	fill, err := e.broker.SubmitOrder(octx, &domain.OrderRequest{
		Contract:  c,
		Action:    domain.ActionBuy,
		Quantity:  qty,
		MarkPrice: premium,
	})
	cancel()
	if err != nil {
		e.log.Error("order failed", "ticker", tc.Symbol, "contract", c.Symbol, "qty", qty, "error", err)
		metrics.OrdersTotal.WithLabelValues(tc.Symbol, string(domain.ActionBuy), "failed").Inc()
		report.addOrderFailure()
		return nil
	}
	metrics.OrdersTotal.WithLabelValues(tc.Symbol, string(domain.ActionBuy), "filled").Inc()

	pos, err := e.ledger.OpenPosition(ctx, ledger.OpenRequest{Contract: c, Fill: *fill, OpenPriceRef: open})
	if err != nil {
		return fmt.Errorf("booking filled order %s for %s: %w", fill.OrderID, c.Symbol, err)
	}
	report.addOpened(*pos)
	return nil
}

// ---------------------------------------------------------------------------
// Position refresh
// ---------------------------------------------------------------------------

// refreshPositions marks every OPEN position, reusing premiums fetched
// earlier in the cycle.
func (e *Engine) refreshPositions(ctx context.Context, now time.Time, marks *markBook, report *CycleReport) error {
	open, err := e.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.PositionOpen})
	if err != nil {
		return fmt.Errorf("listing open positions: %w", err)
	}
	metrics.OpenPositions.Set(float64(len(open)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, p := range open {
		g.Go(func() error {
			price, ok := marks.get(p.Contract.Symbol)
			if !ok {
				px, err := e.premium(gctx, p.Contract)
				if err != nil {
					e.log.Warn("position mark unavailable", "id", p.ID, "contract", p.Contract.Symbol, "error", err)
					metrics.QuoteFailuresTotal.WithLabelValues(p.Ticker).Inc()
					report.addQuoteFailure()
					return nil
				}
				price = px
				marks.put(p.Contract, px)
			}

			_, err := e.ledger.UpdatePrice(gctx, p.ID, price, now)
			switch {
			case err == nil:
				report.addRefreshed()
				return nil
			case domain.IsInvalidState(err), errors.Is(err, domain.ErrNotFound):
				// Closed since it was listed.
				return nil
			default:
				return fmt.Errorf("marking position %s: %w", p.ID, err)
			}
		})
	}
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Manual close and status
// ---------------------------------------------------------------------------

// ClosePosition sells an OPEN position at market and books the fill.
func (e *Engine) ClosePosition(ctx context.Context, id string) (*domain.Position, error) {
	pos, err := e.ledger.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := e.tickerLocks.Lock(pos.Ticker)
	defer unlock()

	// Re-read under the ticker lock; a concurrent close may have won.
	pos, err = e.ledger.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != domain.PositionOpen {
		return nil, &domain.InvalidStateError{PositionID: id, Status: pos.Status, Op: "close"}
	}

	octx, cancel := e.orderContext(ctx)
	fill, err := e.broker.SubmitOrder(octx, &domain.OrderRequest{
		Contract:  pos.Contract,
		Action:    domain.ActionSell,
		Quantity:  pos.Quantity,
		MarkPrice: pos.CurrentPrice,
	})
	cancel()
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(pos.Ticker, string(domain.ActionSell), "failed").Inc()
		return nil, fmt.Errorf("closing position %s: %w", id, err)
	}
	metrics.OrdersTotal.WithLabelValues(pos.Ticker, string(domain.ActionSell), "filled").Inc()

	return e.ledger.Close(ctx, ledger.CloseRequest{
		PositionID: id,
		ExitPrice:  fill.Price,
		OrderID:    fill.OrderID,
		Note:       "manual",
		At:         fill.FilledAt,
	})
}

// Status reports the engine state as of now.
func (e *Engine) Status(now time.Time) Status {
	e.mu.RLock()
	st := Status{
		Running:     e.running,
		Paused:      e.paused.Load(),
		Broker:      e.broker.Name(),
		MarketOpen:  e.clock.IsMarketOpen(now),
		TradingDate: e.lastDate,
		LastCycle:   e.lastCycle,
		Cycles:      e.cycles,
	}
	states := make(map[string]tickerEntry, len(e.states))
	for k, v := range e.states {
		states[k] = v
	}
	e.mu.RUnlock()

	for sym, s := range states {
		ts := TickerStatus{Symbol: sym, State: s.state, Reason: s.reason}
		if rec, ok := e.cache.Get(sym, st.TradingDate); ok {
			ts.Open = &rec
		}
		st.Tickers = append(st.Tickers, ts)
	}
	sort.Slice(st.Tickers, func(i, j int) bool { return st.Tickers[i].Symbol < st.Tickers[j].Symbol })
	return st
}

func (e *Engine) tickerState(sym string) TickerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.states[sym]; ok {
		return s.state
	}
	return StateIdle
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}

// premium fetches a contract mark bounded by the call timeout.
func (e *Engine) premium(ctx context.Context, c domain.Contract) (float64, error) {
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	return util.CallWithTimeout(ctx, 0, func() (float64, error) {
		return e.quotes.OptionPremium(ctx, c)
	})
}

func (e *Engine) orderContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.OrderTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.OrderTimeout)
	}
	return context.WithCancel(ctx)
}
