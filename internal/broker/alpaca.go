package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optbot/internal/domain"
	"optbot/internal/util"
)

// Compile-time interface checks.
var _ Broker = (*AlpacaBroker)(nil)
var _ HolidaySource = (*AlpacaBroker)(nil)
var _ QuoteProvider = (*AlpacaQuotes)(nil)

const (
	// chainTTL bounds how long an option chain snapshot is reused between
	// the Expirations and Strikes lookups of one resolution.
	chainTTL     = 30 * time.Second
	quoteBurst   = 10
	maxPollDelay = 2 * time.Second
)

// marketDataClient is the subset of *marketdata.Client used here.
type marketDataClient interface {
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
	GetOptionChain(underlyingSymbol string, req marketdata.GetOptionChainRequest) (map[string]marketdata.OptionSnapshot, error)
	GetOptionSnapshot(symbol string, req marketdata.GetOptionSnapshotRequest) (*marketdata.OptionSnapshot, error)
}

// tradingClient is the subset of *alpaca.Client used here.
type tradingClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

// AlpacaQuotes implements QuoteProvider with the Alpaca market data API.
// Every SDK call waits on the shared rate limiter and is bounded by the
// configured call timeout.
type AlpacaQuotes struct {
	client  marketDataClient
	limiter *util.RateLimiter
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	chains map[string]chainSnapshot
}

type chainSnapshot struct {
	fetched   time.Time
	contracts []chainEntry
}

type chainEntry struct {
	contract domain.Contract
	mark     float64
	ok       bool
}

// NewAlpacaQuotes creates an AlpacaQuotes using the given credentials. An
// empty dataURL uses the SDK default.
func NewAlpacaQuotes(apiKey, apiSecret, dataURL string, rateLimitPerMin int, timeout time.Duration) *AlpacaQuotes {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newAlpacaQuotes(marketdata.NewClient(opts), util.NewRateLimiter(rateLimitPerMin, quoteBurst), timeout)
}

func newAlpacaQuotes(c marketDataClient, limiter *util.RateLimiter, timeout time.Duration) *AlpacaQuotes {
	return &AlpacaQuotes{
		client:  c,
		limiter: limiter,
		timeout: timeout,
		log:     slog.Default().With("component", "alpaca-quotes"),
		chains:  make(map[string]chainSnapshot),
	}
}

// UnderlyingPrice returns the quote midpoint, falling back to the last trade.
func (q *AlpacaQuotes) UnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	var bid, ask float64
	quote, err := callAlpaca(ctx, q, func() (*marketdata.Quote, error) {
		return q.client.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	})
	if err != nil {
		q.log.Debug("latest quote failed", "symbol", symbol, "error", err)
	} else if quote != nil {
		bid, ask = quote.BidPrice, quote.AskPrice
	}
	if px, ok := Mark(bid, ask, 0); ok {
		return px, nil
	}

	trade, err := callAlpaca(ctx, q, func() (*marketdata.Trade, error) {
		return q.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", symbol, domain.ErrQuoteUnavailable, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, domain.ErrQuoteUnavailable)
	}
	return trade.Price, nil
}

// Expirations lists the distinct expirations in the option chain of symbol.
func (q *AlpacaQuotes) Expirations(ctx context.Context, symbol string) ([]string, error) {
	chain, err := q.chain(ctx, symbol)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range chain {
		if _, ok := seen[e.contract.Expiration]; ok {
			continue
		}
		seen[e.contract.Expiration] = struct{}{}
		out = append(out, e.contract.Expiration)
	}
	sort.Strings(out)
	return out, nil
}

// Strikes pairs calls and puts of one expiration by strike. A side with no
// usable quote has a zero price.
func (q *AlpacaQuotes) Strikes(ctx context.Context, symbol, expiration string) ([]domain.StrikeQuote, error) {
	chain, err := q.chain(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rows := make(map[float64]*domain.StrikeQuote)
	for _, e := range chain {
		c := e.contract
		if c.Expiration != expiration {
			continue
		}
		row, ok := rows[c.Strike]
		if !ok {
			row = &domain.StrikeQuote{Strike: c.Strike}
			rows[c.Strike] = row
		}
		price := 0.0
		if e.ok {
			price = e.mark
		}
		if c.Type == domain.OptionCall {
			row.CallSymbol, row.CallPrice = c.Symbol, price
		} else {
			row.PutSymbol, row.PutPrice = c.Symbol, price
		}
	}

	out := make([]domain.StrikeQuote, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out, nil
}

// OptionPremium returns the current mark of a contract from its snapshot.
func (q *AlpacaQuotes) OptionPremium(ctx context.Context, c domain.Contract) (float64, error) {
	snap, err := callAlpaca(ctx, q, func() (*marketdata.OptionSnapshot, error) {
		return q.client.GetOptionSnapshot(c.Symbol, marketdata.GetOptionSnapshotRequest{})
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", c.Symbol, domain.ErrQuoteUnavailable, err)
	}
	if snap == nil {
		return 0, fmt.Errorf("%s: %w", c.Symbol, domain.ErrQuoteUnavailable)
	}
	px, ok := snapshotMark(*snap)
	if !ok {
		return 0, fmt.Errorf("%s: %w", c.Symbol, domain.ErrQuoteUnavailable)
	}
	return px, nil
}

// chain returns the cached option chain of symbol, refreshing it after chainTTL.
func (q *AlpacaQuotes) chain(ctx context.Context, symbol string) ([]chainEntry, error) {
	q.mu.Lock()
	snap, ok := q.chains[symbol]
	q.mu.Unlock()
	if ok && time.Since(snap.fetched) < chainTTL {
		return snap.contracts, nil
	}

	raw, err := callAlpaca(ctx, q, func() (map[string]marketdata.OptionSnapshot, error) {
		return q.client.GetOptionChain(symbol, marketdata.GetOptionChainRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("option chain for %s: %w", symbol, err)
	}

	entries := make([]chainEntry, 0, len(raw))
	for occ, s := range raw {
		c, err := ParseOCC(occ)
		if err != nil {
			q.log.Debug("skipping chain symbol", "symbol", occ, "error", err)
			continue
		}
		mark, ok := snapshotMark(s)
		entries = append(entries, chainEntry{contract: c, mark: mark, ok: ok})
	}

	q.mu.Lock()
	q.chains[symbol] = chainSnapshot{fetched: time.Now(), contracts: entries}
	q.mu.Unlock()
	return entries, nil
}

func snapshotMark(s marketdata.OptionSnapshot) (float64, bool) {
	var bid, ask, last float64
	if s.LatestQuote != nil {
		bid, ask = s.LatestQuote.BidPrice, s.LatestQuote.AskPrice
	}
	if s.LatestTrade != nil {
		last = s.LatestTrade.Price
	}
	return Mark(bid, ask, last)
}

func callAlpaca[T any](ctx context.Context, q *AlpacaQuotes, fn func() (T, error)) (T, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return util.CallWithTimeout(ctx, q.timeout, fn)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Alpaca order statuses the fill poller reacts to.
const (
	orderFilled          = "filled"
	orderPartiallyFilled = "partially_filled"
)

var terminalOrderStatuses = map[string]bool{
	"canceled":     true,
	"expired":      true,
	"rejected":     true,
	"done_for_day": true,
	"suspended":    true,
	"stopped":      true,
}

var errOrderPending = errors.New("order not filled yet")

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
type AlpacaBroker struct {
	client      tradingClient
	timeout     time.Duration
	fillTimeout time.Duration
	pollDelay   time.Duration
	log         *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint. timeout bounds each REST call and
// fillTimeout bounds the wait for a complete fill.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, timeout, fillTimeout time.Duration) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(client, timeout, fillTimeout)
}

func newAlpacaBroker(c tradingClient, timeout, fillTimeout time.Duration) *AlpacaBroker {
	return &AlpacaBroker{
		client:      c,
		timeout:     timeout,
		fillTimeout: fillTimeout,
		pollDelay:   250 * time.Millisecond,
		log:         slog.Default().With("component", "alpaca-broker"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder places a market order for the contract and polls until it is
// completely filled. Rejections, terminal statuses and partial fills are
// reported as *domain.OrderRejectedError; a partially filled or still working
// order is cancelled before returning.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Fill, error) {
	sym := req.Contract.Symbol
	if req.Quantity <= 0 {
		return nil, &domain.OrderRejectedError{Symbol: sym, Action: req.Action, Reason: "quantity must be positive"}
	}
	side := alpaca.Buy
	if req.Action == domain.ActionSell {
		side = alpaca.Sell
	}
	qty := decimal.NewFromInt(int64(req.Quantity))

	placed, err := util.CallWithTimeout(ctx, b.timeout, func() (*alpaca.Order, error) {
		return b.client.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:        sym,
			Qty:           &qty,
			Side:          side,
			Type:          alpaca.Market,
			TimeInForce:   alpaca.Day,
			ClientOrderID: uuid.NewString(),
		})
	})
	if err != nil {
		return nil, &domain.OrderRejectedError{Symbol: sym, Action: req.Action, Reason: "place order failed", Err: err}
	}
	b.log.Info("order placed", "order_id", placed.ID, "symbol", sym, "side", side, "qty", req.Quantity)

	pollCtx, cancel := context.WithTimeout(ctx, b.fillTimeout)
	defer cancel()

	order := placed
	var terminal bool
	err = util.Retry(pollCtx, util.Backoff{Base: b.pollDelay, Max: maxPollDelay}, func() error {
		if order.Status == orderFilled {
			return nil
		}
		if terminalOrderStatuses[order.Status] {
			terminal = true
			return nil
		}
		o, err := util.CallWithTimeout(pollCtx, b.timeout, func() (*alpaca.Order, error) {
			return b.client.GetOrder(placed.ID)
		})
		if err != nil {
			return err
		}
		order = o
		if order.Status == orderFilled || terminalOrderStatuses[order.Status] {
			terminal = order.Status != orderFilled
			return nil
		}
		return errOrderPending
	})

	if err == nil && !terminal {
		return b.toFill(order, req)
	}

	reason := "order " + order.Status
	if err != nil {
		reason = "fill timeout in status " + order.Status
		b.cancel(ctx, placed.ID)
	}
	if order.Status == orderPartiallyFilled || order.FilledQty.IsPositive() {
		reason = "partial fill " + order.FilledQty.String() + "/" + qty.String()
	}
	b.log.Warn("order not filled", "order_id", placed.ID, "symbol", sym, "status", order.Status, "reason", reason)
	return nil, &domain.OrderRejectedError{Symbol: sym, Action: req.Action, Reason: reason, Err: err}
}

func (b *AlpacaBroker) toFill(o *alpaca.Order, req *domain.OrderRequest) (*domain.Fill, error) {
	filled := int(o.FilledQty.IntPart())
	if filled != req.Quantity || o.FilledAvgPrice == nil || !o.FilledAvgPrice.IsPositive() {
		return nil, &domain.OrderRejectedError{
			Symbol: req.Contract.Symbol,
			Action: req.Action,
			Reason: fmt.Sprintf("unexpected fill qty=%d of %d", filled, req.Quantity),
		}
	}
	at := time.Now()
	if o.FilledAt != nil {
		at = *o.FilledAt
	}
	return &domain.Fill{
		OrderID:  o.ID,
		Price:    o.FilledAvgPrice.InexactFloat64(),
		Quantity: filled,
		FilledAt: at,
	}, nil
}

// cancel makes a best-effort attempt to cancel a working order.
func (b *AlpacaBroker) cancel(ctx context.Context, orderID string) {
	_, err := util.CallWithTimeout(context.WithoutCancel(ctx), b.timeout, func() (struct{}, error) {
		return struct{}{}, b.client.CancelOrder(orderID)
	})
	if err != nil {
		b.log.Error("cancel order failed", "order_id", orderID, "error", err)
	}
}

// Holidays returns the weekdays in [start, end] that are missing from the
// Alpaca trading calendar.
func (b *AlpacaBroker) Holidays(ctx context.Context, start, end time.Time) ([]string, error) {
	days, err := util.CallWithTimeout(ctx, b.timeout, func() ([]alpaca.CalendarDay, error) {
		return b.client.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}

	var holidays []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if date := d.Format(domain.DateLayout); !open[date] {
			holidays = append(holidays, date)
		}
	}
	return holidays, nil
}
