// Package ledger owns the lifecycle of positions and trades: opening from a
// fill, marking to market, closing with realized P&L, and aggregate stats.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"optbot/internal/domain"
	"optbot/internal/store"
	"optbot/internal/util"
)

// DefaultTradeLimit caps trade listings when the caller does not set a limit.
const DefaultTradeLimit = 100

// Event types broadcast to subscribers.
const (
	EventPositionOpened  = "position_opened"
	EventPositionUpdated = "position_updated"
	EventPositionClosed  = "position_closed"
)

// Event is pushed to subscribers whenever a position changes.
type Event struct {
	Type     string          `json:"type"`
	Position domain.Position `json:"position"`
	Trade    *domain.Trade   `json:"trade,omitempty"`
	At       time.Time       `json:"at"`
}

// TradingDater maps an instant to its exchange trading date.
type TradingDater interface {
	TradingDate(t time.Time) string
}

// OpenRequest describes a filled BUY that opens a position.
type OpenRequest struct {
	Contract     domain.Contract
	Fill         domain.Fill
	OpenPriceRef float64
}

// CloseRequest describes how a position is closed. A zero At uses the
// current time.
type CloseRequest struct {
	PositionID string
	ExitPrice  float64
	OrderID    string
	Note       string
	At         time.Time
}

// Ledger records positions and trades in a LedgerStore and serialises
// mutations per position.
type Ledger struct {
	store store.LedgerStore
	clock TradingDater
	log   *slog.Logger
	locks util.KeyedMutex

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// New creates a Ledger backed by s.
func New(s store.LedgerStore, clock TradingDater, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store: s,
		clock: clock,
		log:   log.With("component", "ledger"),
		subs:  make(map[int]chan Event),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// OpenPosition books a filled BUY as an OPEN position plus its opening trade.
// Both records are written atomically.
func (l *Ledger) OpenPosition(ctx context.Context, req OpenRequest) (*domain.Position, error) {
	if req.Fill.Quantity <= 0 {
		return nil, fmt.Errorf("opening position for %s: quantity must be > 0, got %d", req.Contract.Symbol, req.Fill.Quantity)
	}
	if req.Fill.Price <= 0 {
		return nil, fmt.Errorf("opening position for %s: entry price must be > 0, got %v", req.Contract.Symbol, req.Fill.Price)
	}
	at := req.Fill.FilledAt
	if at.IsZero() {
		at = time.Now()
	}

	pos := &domain.Position{
		ID:             util.NewID(),
		Ticker:         req.Contract.Underlying,
		Contract:       req.Contract,
		EntryPrice:     req.Fill.Price,
		CurrentPrice:   req.Fill.Price,
		Quantity:       req.Fill.Quantity,
		EntryTime:      at,
		Status:         domain.PositionOpen,
		OpenPriceRef:   req.OpenPriceRef,
		OrderID:        req.Fill.OrderID,
		LastMarkedTime: at,
	}
	trade := &domain.Trade{
		ID:         util.NewID(),
		PositionID: pos.ID,
		Ticker:     pos.Ticker,
		Contract:   pos.Contract,
		Action:     domain.ActionBuy,
		Price:      pos.EntryPrice,
		Quantity:   pos.Quantity,
		Timestamp:  at,
		Status:     domain.TradeOpen,
		OrderID:    pos.OrderID,
	}

	if err := l.store.OpenPosition(ctx, pos, trade); err != nil {
		return nil, fmt.Errorf("recording position for %s: %w", pos.Contract.Symbol, err)
	}

	l.log.Info("position opened",
		"id", pos.ID, "ticker", pos.Ticker, "contract", pos.Contract.Symbol,
		"qty", pos.Quantity, "entry", pos.EntryPrice)
	l.broadcast(Event{Type: EventPositionOpened, Position: *pos, Trade: trade, At: at})
	return pos, nil
}

// UpdatePrice marks an OPEN position at price. Entry price is never touched.
func (l *Ledger) UpdatePrice(ctx context.Context, id string, price float64, at time.Time) (*domain.Position, error) {
	if price < 0 {
		return nil, fmt.Errorf("updating position %s: negative price %v", id, price)
	}
	unlock := l.locks.Lock(id)
	defer unlock()

	pos, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != domain.PositionOpen {
		return nil, &domain.InvalidStateError{PositionID: id, Status: pos.Status, Op: "update"}
	}

	pos.CurrentPrice = price
	pos.LastMarkedTime = at
	if err := l.store.UpdatePositionPrice(ctx, pos); err != nil {
		return nil, fmt.Errorf("updating position %s: %w", id, err)
	}

	l.broadcast(Event{Type: EventPositionUpdated, Position: *pos, At: at})
	return pos, nil
}

// ClosePosition closes an OPEN position at exitPrice and returns the
// realized P&L. Closing a CLOSED position fails with *domain.InvalidStateError.
func (l *Ledger) ClosePosition(ctx context.Context, id string, exitPrice float64) (float64, error) {
	pos, err := l.Close(ctx, CloseRequest{PositionID: id, ExitPrice: exitPrice})
	if err != nil {
		return 0, err
	}
	return pos.RealizedPnL, nil
}

// Close closes a position as described by req, appending the closing SELL
// trade, and returns the closed position.
func (l *Ledger) Close(ctx context.Context, req CloseRequest) (*domain.Position, error) {
	if req.ExitPrice < 0 {
		return nil, fmt.Errorf("closing position %s: negative exit price %v", req.PositionID, req.ExitPrice)
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	unlock := l.locks.Lock(req.PositionID)
	defer unlock()

	pos, err := l.store.GetPosition(ctx, req.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Status != domain.PositionOpen {
		return nil, &domain.InvalidStateError{PositionID: pos.ID, Status: pos.Status, Op: "close"}
	}

	pnl := domain.PnL(pos.EntryPrice, req.ExitPrice, pos.Quantity)
	pos.Status = domain.PositionClosed
	pos.CurrentPrice = req.ExitPrice
	pos.ExitPrice = req.ExitPrice
	pos.ExitTime = at
	pos.RealizedPnL = pnl
	pos.LastMarkedTime = at

	trade := &domain.Trade{
		ID:          util.NewID(),
		PositionID:  pos.ID,
		Ticker:      pos.Ticker,
		Contract:    pos.Contract,
		Action:      domain.ActionSell,
		Price:       req.ExitPrice,
		Quantity:    pos.Quantity,
		Timestamp:   at,
		Status:      domain.TradeClosed,
		RealizedPnL: &pnl,
		OrderID:     req.OrderID,
		Note:        req.Note,
	}
	if err := l.store.ClosePosition(ctx, pos, trade); err != nil {
		return nil, fmt.Errorf("closing position %s: %w", pos.ID, err)
	}

	l.log.Info("position closed",
		"id", pos.ID, "ticker", pos.Ticker, "contract", pos.Contract.Symbol,
		"exit", req.ExitPrice, "pnl", pnl, "note", req.Note)
	l.broadcast(Event{Type: EventPositionClosed, Position: *pos, Trade: trade, At: at})
	return pos, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetPosition retrieves a position by ID.
func (l *Ledger) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	return l.store.GetPosition(ctx, id)
}

// ListPositions returns positions matching filter, newest first.
func (l *Ledger) ListPositions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	return l.store.ListPositions(ctx, filter)
}

// ListTrades returns trades matching filter, newest first. A zero limit is
// replaced by DefaultTradeLimit; a negative limit returns everything.
func (l *Ledger) ListTrades(ctx context.Context, filter domain.TradeFilter) ([]domain.Trade, error) {
	switch {
	case filter.Limit == 0:
		filter.Limit = DefaultTradeLimit
	case filter.Limit < 0:
		filter.Limit = 0
	}
	return l.store.ListTrades(ctx, filter)
}

// ParseTradeFilter maps the dashboard filter names all, open and closed to
// the status of the position a trade belongs to. The empty string means all.
func ParseTradeFilter(name string) (domain.PositionStatus, error) {
	switch strings.ToLower(name) {
	case "", "all":
		return "", nil
	case "open":
		return domain.PositionOpen, nil
	case "closed":
		return domain.PositionClosed, nil
	}
	return "", fmt.Errorf("unknown trade filter %q (want all, open or closed)", name)
}

// OpenCounts returns the number of OPEN positions per ticker and in total.
func (l *Ledger) OpenCounts(ctx context.Context) (map[string]int, int, error) {
	open, err := l.store.ListPositions(ctx, domain.PositionFilter{Status: domain.PositionOpen})
	if err != nil {
		return nil, 0, fmt.Errorf("counting open positions: %w", err)
	}
	counts := make(map[string]int)
	for _, p := range open {
		counts[p.Ticker]++
	}
	return counts, len(open), nil
}

// TickerPnL returns the all-time P&L per ticker: realized P&L of closed
// positions plus unrealized P&L of open ones, rounded to cents.
func (l *Ledger) TickerPnL(ctx context.Context) (map[string]float64, error) {
	all, err := l.store.ListPositions(ctx, domain.PositionFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading positions: %w", err)
	}
	vals := make(map[string][]float64)
	for i := range all {
		p := &all[i]
		switch p.Status {
		case domain.PositionOpen:
			vals[p.Ticker] = append(vals[p.Ticker], p.UnrealizedPnL())
		case domain.PositionClosed:
			vals[p.Ticker] = append(vals[p.Ticker], p.RealizedPnL)
		}
	}
	pnl := make(map[string]float64, len(vals))
	for ticker, v := range vals {
		pnl[ticker] = domain.Round(domain.Sum(v...), 2)
	}
	return pnl, nil
}

// RealizedPnL sums realized P&L of positions closed on the given trading date.
func (l *Ledger) RealizedPnL(ctx context.Context, date string) (float64, error) {
	closed, err := l.store.ListPositions(ctx, domain.PositionFilter{Status: domain.PositionClosed})
	if err != nil {
		return 0, fmt.Errorf("reading closed positions: %w", err)
	}
	var vals []float64
	for _, p := range closed {
		if l.clock.TradingDate(p.ExitTime) == date {
			vals = append(vals, p.RealizedPnL)
		}
	}
	return domain.Sum(vals...), nil
}

// Stats aggregates ledger performance as of now. P&L figures are rounded to
// cents and the win rate to one decimal.
func (l *Ledger) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	all, err := l.store.ListPositions(ctx, domain.PositionFilter{})
	if err != nil {
		return domain.Stats{}, fmt.Errorf("reading positions: %w", err)
	}
	today := l.clock.TradingDate(now)

	var (
		todayVals, totalVals []float64
		closed, wins, open   int
	)
	for i := range all {
		p := &all[i]
		switch p.Status {
		case domain.PositionOpen:
			open++
			u := p.UnrealizedPnL()
			todayVals = append(todayVals, u)
			totalVals = append(totalVals, u)
		case domain.PositionClosed:
			closed++
			// Break-even closes count as wins.
			if p.RealizedPnL >= 0 {
				wins++
			}
			totalVals = append(totalVals, p.RealizedPnL)
			if l.clock.TradingDate(p.ExitTime) == today {
				todayVals = append(todayVals, p.RealizedPnL)
			}
		}
	}

	st := domain.Stats{
		TodayPnL:      domain.Round(domain.Sum(todayVals...), 2),
		TotalPnL:      domain.Round(domain.Sum(totalVals...), 2),
		TotalTrades:   len(all),
		OpenPositions: open,
	}
	if closed > 0 {
		st.WinRate = domain.Round(float64(wins)/float64(closed)*100, 1)
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Pub/sub
// ---------------------------------------------------------------------------

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (l *Ledger) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	l.subsMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = ch
	l.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (l *Ledger) Unsubscribe(id int) {
	l.subsMu.Lock()
	if ch, ok := l.subs[id]; ok {
		delete(l.subs, id)
		close(ch)
	}
	l.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (l *Ledger) broadcast(e Event) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer, drop event.
		}
	}
}
