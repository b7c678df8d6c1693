package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"optbot/internal/domain"
	"optbot/internal/engine"
	"optbot/internal/ledger"
	"optbot/internal/store"
)

// Ledger is the ledger surface the API reads and closes positions through.
type Ledger interface {
	GetPosition(ctx context.Context, id string) (*domain.Position, error)
	ListPositions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)
	ListTrades(ctx context.Context, filter domain.TradeFilter) ([]domain.Trade, error)
	Stats(ctx context.Context, now time.Time) (domain.Stats, error)
	OpenCounts(ctx context.Context) (map[string]int, int, error)
	TickerPnL(ctx context.Context) (map[string]float64, error)
	Close(ctx context.Context, req ledger.CloseRequest) (*domain.Position, error)
	Subscribe(bufSize int) (int, <-chan ledger.Event)
	Unsubscribe(id int)
}

// Trader is the engine surface used for broker-backed closes, status and
// pausing new entries.
type Trader interface {
	ClosePosition(ctx context.Context, id string) (*domain.Position, error)
	Status(now time.Time) engine.Status
	Pause()
	Resume()
}

// TickerDefaults fill fields omitted when a ticker is created.
type TickerDefaults struct {
	Threshold    float64
	MaxPositions int
}

// Handlers serves the REST API over the ledger, ticker store and engine.
type Handlers struct {
	ledger   Ledger
	tickers  store.TickerStore
	trader   Trader
	defaults TickerDefaults
	now      func() time.Time
	log      *slog.Logger
}

// NewHandlers creates the REST handlers. trader may be nil, in which case
// closes without an explicit price are refused.
func NewHandlers(l Ledger, tickers store.TickerStore, trader Trader, defaults TickerDefaults, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		ledger:   l,
		tickers:  tickers,
		trader:   trader,
		defaults: defaults,
		now:      time.Now,
		log:      log,
	}
}

// RegisterRoutes registers all REST routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/positions", h.handleListPositions)
	mux.HandleFunc("GET /api/positions/{id}", h.handleGetPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", h.handleClosePosition)
	mux.HandleFunc("GET /api/trades", h.handleListTrades)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/bot/status", h.handleBotStatus)
	mux.HandleFunc("POST /api/bot/start", h.handleBotStart)
	mux.HandleFunc("POST /api/bot/stop", h.handleBotStop)
	mux.HandleFunc("GET /api/tickers", h.handleListTickers)
	mux.HandleFunc("GET /api/tickers/{symbol}", h.handleGetTicker)
	mux.HandleFunc("POST /api/tickers", h.handleCreateTicker)
	mux.HandleFunc("PUT /api/tickers/{symbol}", h.handleUpdateTicker)
	mux.HandleFunc("DELETE /api/tickers/{symbol}", h.handleDeleteTicker)
	mux.HandleFunc("PATCH /api/tickers/{symbol}/toggle", h.handleToggleTicker)
}

// ---------------------------------------------------------------------------
// Positions and trades
// ---------------------------------------------------------------------------

// PositionView is a position with its derived P&L fields.
type PositionView struct {
	domain.Position
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PnLPercent    float64 `json:"pnl_percent"`
}

func newPositionView(p domain.Position) PositionView {
	return PositionView{
		Position:      p,
		UnrealizedPnL: domain.Round(p.UnrealizedPnL(), 2),
		PnLPercent:    p.PnLPercent(),
	}
}

// ClosePositionRequest is the optional body of a close request. A nil Price
// sells through the broker; a set Price books the close without an order.
type ClosePositionRequest struct {
	Price *float64 `json:"price,omitempty"`
}

func (h *Handlers) handleListPositions(w http.ResponseWriter, r *http.Request) {
	filter := domain.PositionFilter{Ticker: strings.ToUpper(r.URL.Query().Get("ticker"))}
	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "", "open":
		filter.Status = domain.PositionOpen
	case "closed":
		filter.Status = domain.PositionClosed
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "status must be open, closed or all")
		return
	}

	positions, err := h.ledger.ListPositions(r.Context(), filter)
	if err != nil {
		h.fail(w, "listing positions", err)
		return
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, newPositionView(p))
	}
	writeJSON(w, views)
}

func (h *Handlers) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.ledger.GetPosition(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "getting position", err)
		return
	}
	writeJSON(w, newPositionView(*pos))
}

func (h *Handlers) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pos, err := closePosition(r.Context(), h.ledger, h.trader, id, req.Price, h.now())
	if err != nil {
		h.fail(w, "closing position", err)
		return
	}
	writeJSON(w, newPositionView(*pos))
}

// closePosition is shared by the REST and gRPC surfaces.
func closePosition(ctx context.Context, l Ledger, trader Trader, id string, price *float64, now time.Time) (*domain.Position, error) {
	if price != nil {
		return l.Close(ctx, ledger.CloseRequest{PositionID: id, ExitPrice: *price, Note: "manual", At: now})
	}
	if trader == nil {
		return nil, errNoTrader
	}
	return trader.ClosePosition(ctx, id)
}

var errNoTrader = errors.New("engine not running; supply an exit price")

func (h *Handlers) handleListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := ledger.ParseTradeFilter(q.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := domain.TradeFilter{PositionStatus: status, Ticker: strings.ToUpper(q.Get("ticker"))}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = n
	}

	trades, err := h.ledger.ListTrades(r.Context(), filter)
	if err != nil {
		h.fail(w, "listing trades", err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, trades)
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context(), h.now())
	if err != nil {
		h.fail(w, "computing stats", err)
		return
	}
	writeJSON(w, stats)
}

func (h *Handlers) handleBotStatus(w http.ResponseWriter, _ *http.Request) {
	if h.trader == nil {
		writeError(w, http.StatusServiceUnavailable, errNoTrader.Error())
		return
	}
	writeJSON(w, h.trader.Status(h.now()))
}

func (h *Handlers) handleBotStart(w http.ResponseWriter, _ *http.Request) {
	h.setPaused(w, false)
}

func (h *Handlers) handleBotStop(w http.ResponseWriter, _ *http.Request) {
	h.setPaused(w, true)
}

func (h *Handlers) setPaused(w http.ResponseWriter, paused bool) {
	st, err := setPaused(h.trader, paused, h.now())
	if err != nil {
		h.fail(w, "changing bot state", err)
		return
	}
	writeJSON(w, st)
}

// setPaused is shared by the REST and gRPC surfaces.
func setPaused(trader Trader, paused bool, now time.Time) (engine.Status, error) {
	if trader == nil {
		return engine.Status{}, errNoTrader
	}
	if paused {
		trader.Pause()
	} else {
		trader.Resume()
	}
	return trader.Status(now), nil
}

// ---------------------------------------------------------------------------
// Tickers
// ---------------------------------------------------------------------------

// TickerRequest is the body of ticker create and update calls. Omitted
// fields keep their current value, or the configured default on create.
type TickerRequest struct {
	Symbol          string   `json:"symbol"`
	Threshold       *float64 `json:"threshold,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty"`
	MaxPositions    *int     `json:"max_positions,omitempty"`
	CapitalPerTrade *float64 `json:"capital_per_trade,omitempty"`
}

func (req *TickerRequest) apply(tc *domain.TickerConfig) {
	if req.Threshold != nil {
		tc.Threshold = *req.Threshold
	}
	if req.Enabled != nil {
		tc.Enabled = *req.Enabled
	}
	if req.MaxPositions != nil {
		tc.MaxPositions = *req.MaxPositions
	}
	if req.CapitalPerTrade != nil {
		tc.CapitalPerTrade = *req.CapitalPerTrade
	}
}

// TickerView is a ticker config with its open position count and all-time
// P&L.
type TickerView struct {
	domain.TickerConfig
	Positions int     `json:"positions"`
	PnL       float64 `json:"pnl"`
}

func listTickerViews(ctx context.Context, l Ledger, tickers store.TickerStore) ([]TickerView, error) {
	configs, err := tickers.ListTickers(ctx)
	if err != nil {
		return nil, err
	}
	counts, _, err := l.OpenCounts(ctx)
	if err != nil {
		return nil, err
	}
	pnl, err := l.TickerPnL(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]TickerView, 0, len(configs))
	for _, tc := range configs {
		views = append(views, TickerView{
			TickerConfig: tc,
			Positions:    counts[tc.Symbol],
			PnL:          pnl[tc.Symbol],
		})
	}
	return views, nil
}

func (h *Handlers) handleListTickers(w http.ResponseWriter, r *http.Request) {
	views, err := listTickerViews(r.Context(), h.ledger, h.tickers)
	if err != nil {
		h.fail(w, "listing tickers", err)
		return
	}
	writeJSON(w, views)
}

func (h *Handlers) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	tc, err := h.tickers.GetTicker(r.Context(), strings.ToUpper(r.PathValue("symbol")))
	if err != nil {
		h.fail(w, "getting ticker", err)
		return
	}
	writeJSON(w, tc)
}

func (h *Handlers) handleCreateTicker(w http.ResponseWriter, r *http.Request) {
	var req TickerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tc, err := createTicker(r.Context(), h.tickers, h.defaults, req)
	if err != nil {
		h.fail(w, "creating ticker", err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, tc)
}

func (h *Handlers) handleUpdateTicker(w http.ResponseWriter, r *http.Request) {
	var req TickerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Symbol = r.PathValue("symbol")
	tc, err := updateTicker(r.Context(), h.tickers, req)
	if err != nil {
		h.fail(w, "updating ticker", err)
		return
	}
	writeJSON(w, tc)
}

func (h *Handlers) handleDeleteTicker(w http.ResponseWriter, r *http.Request) {
	if err := h.tickers.DeleteTicker(r.Context(), strings.ToUpper(r.PathValue("symbol"))); err != nil {
		h.fail(w, "deleting ticker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleToggleTicker(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(r.PathValue("symbol"))
	tc, err := h.tickers.GetTicker(r.Context(), sym)
	if err != nil {
		h.fail(w, "toggling ticker", err)
		return
	}
	enabled := !tc.Enabled
	tc, err = updateTicker(r.Context(), h.tickers, TickerRequest{Symbol: sym, Enabled: &enabled})
	if err != nil {
		h.fail(w, "toggling ticker", err)
		return
	}
	writeJSON(w, tc)
}

// errInvalidTicker marks ticker validation failures.
var errInvalidTicker = errors.New("invalid ticker")

// errTickerExists is returned when creating a ticker that is already configured.
var errTickerExists = errors.New("ticker already exists")

func createTicker(ctx context.Context, s store.TickerStore, defaults TickerDefaults, req TickerRequest) (*domain.TickerConfig, error) {
	tc := &domain.TickerConfig{
		Symbol:       strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Threshold:    defaults.Threshold,
		Enabled:      true,
		MaxPositions: defaults.MaxPositions,
	}
	req.apply(tc)
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidTicker, err)
	}
	inserted, err := s.SeedTicker(ctx, tc)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%s: %w", tc.Symbol, errTickerExists)
	}
	return tc, nil
}

func updateTicker(ctx context.Context, s store.TickerStore, req TickerRequest) (*domain.TickerConfig, error) {
	tc, err := s.GetTicker(ctx, strings.ToUpper(req.Symbol))
	if err != nil {
		return nil, err
	}
	req.apply(tc)
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidTicker, err)
	}
	if err := s.UpsertTicker(ctx, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// httpStatus maps domain errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsInvalidState(err), errors.Is(err, errTickerExists):
		return http.StatusConflict
	case domain.IsOrderRejected(err):
		return http.StatusBadGateway
	case errors.Is(err, errInvalidTicker):
		return http.StatusBadRequest
	case errors.Is(err, errNoTrader):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, op string, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
