package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optbot/internal/config"
	"optbot/internal/domain"
	"optbot/internal/engine"
	"optbot/internal/ledger"
	"optbot/internal/store"
	"optbot/internal/util"
)

type fakeTrader struct {
	closeErr error
	closed   []string
	paused   bool
	ledger   *ledger.Ledger
}

func (f *fakeTrader) ClosePosition(ctx context.Context, id string) (*domain.Position, error) {
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	f.closed = append(f.closed, id)
	pos, err := f.ledger.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.ledger.Close(ctx, ledger.CloseRequest{PositionID: id, ExitPrice: pos.CurrentPrice, OrderID: "sell-1"})
}

func (f *fakeTrader) Status(time.Time) engine.Status {
	return engine.Status{Running: true, Paused: f.paused, Broker: "fake", TradingDate: "2025-10-15",
		Tickers: []engine.TickerStatus{{Symbol: "SPY", State: engine.StateReady}}}
}

func (f *fakeTrader) Pause()  { f.paused = true }
func (f *fakeTrader) Resume() { f.paused = false }

type apiFixture struct {
	server *Server
	ledger *ledger.Ledger
	store  *store.SQLiteStore
	trader *fakeTrader
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock, err := util.NewMarketClock(util.DefaultTimezone, nil)
	require.NoError(t, err)
	l := ledger.New(s, clock, nil)
	trader := &fakeTrader{ledger: l}
	srv := NewServer(config.Server{Host: "127.0.0.1"}, l, s, trader, TickerDefaults{Threshold: 0.5, MaxPositions: 2}, nil)
	return &apiFixture{server: srv, ledger: l, store: s, trader: trader}
}

func (f *apiFixture) open(t *testing.T, price float64) *domain.Position {
	t.Helper()
	pos, err := f.ledger.OpenPosition(context.Background(), ledger.OpenRequest{
		Contract: domain.Contract{Symbol: "SPY251017C00580000", Underlying: "SPY", Type: domain.OptionCall, Strike: 580, Expiration: "2025-10-17"},
		Fill:     domain.Fill{OrderID: "buy-1", Price: price, Quantity: 2, FilledAt: time.Now()},
	})
	require.NoError(t, err)
	return pos
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListPositions(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	pos := f.open(t, 2.15)
	_, err := f.ledger.UpdatePrice(context.Background(), pos.ID, 2.40, time.Now())
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/positions?status=open&ticker=spy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]PositionView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, pos.ID, views[0].ID)
	assert.InDelta(t, 50.0, views[0].UnrealizedPnL, 1e-9)
	assert.InDelta(t, 11.63, views[0].PnLPercent, 1e-9)

	rec = f.do(t, http.MethodGet, "/api/positions?status=closed", "")
	assert.Empty(t, decode[[]PositionView](t, rec))

	rec = f.do(t, http.MethodGet, "/api/positions?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPositionNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/positions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClosePositionWithPrice(t *testing.T) {
	f := newAPIFixture(t)
	pos := f.open(t, 2.00)

	rec := f.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close", `{"price": 2.50}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[PositionView](t, rec)
	assert.Equal(t, domain.PositionClosed, view.Status)
	assert.InDelta(t, 100.0, view.RealizedPnL, 1e-9)
	assert.Empty(t, f.trader.closed)

	rec = f.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close", `{"price": 2.50}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	stats := decode[domain.Stats](t, f.do(t, http.MethodGet, "/api/stats", ""))
	assert.Equal(t, 100.0, stats.TotalPnL)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.Equal(t, 100.0, stats.WinRate)
}

func TestClosePositionThroughTrader(t *testing.T) {
	f := newAPIFixture(t)
	pos := f.open(t, 2.00)

	rec := f.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{pos.ID}, f.trader.closed)

	other := f.open(t, 2.00)
	f.trader.closeErr = &domain.OrderRejectedError{Symbol: other.Contract.Symbol, Action: domain.ActionSell, Reason: "rejected"}
	rec = f.do(t, http.MethodPost, "/api/positions/"+other.ID+"/close", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/positions/"+other.ID+"/close", "{bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTrades(t *testing.T) {
	f := newAPIFixture(t)
	pos := f.open(t, 2.00)
	still := f.open(t, 2.10)
	_, err := f.ledger.Close(context.Background(), ledger.CloseRequest{PositionID: pos.ID, ExitPrice: 1.50})
	require.NoError(t, err)

	all := decode[[]domain.Trade](t, f.do(t, http.MethodGet, "/api/trades", ""))
	assert.Len(t, all, 3)

	closed := decode[[]domain.Trade](t, f.do(t, http.MethodGet, "/api/trades?filter=closed", ""))
	require.Len(t, closed, 2, "both legs of the closed position")
	assert.Equal(t, domain.ActionSell, closed[0].Action)
	require.NotNil(t, closed[0].RealizedPnL)
	assert.InDelta(t, -100.0, *closed[0].RealizedPnL, 1e-9)
	assert.Equal(t, domain.ActionBuy, closed[1].Action)
	assert.Equal(t, pos.ID, closed[1].PositionID)

	open := decode[[]domain.Trade](t, f.do(t, http.MethodGet, "/api/trades?filter=open", ""))
	require.Len(t, open, 1)
	assert.Equal(t, still.ID, open[0].PositionID)

	limited := decode[[]domain.Trade](t, f.do(t, http.MethodGet, "/api/trades?limit=1", ""))
	assert.Len(t, limited, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/trades?filter=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/trades?limit=x", "").Code)
}

func TestTickerCRUD(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tickers", `{"symbol":"spy"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tc := decode[domain.TickerConfig](t, rec)
	assert.Equal(t, "SPY", tc.Symbol)
	assert.Equal(t, 0.5, tc.Threshold)
	assert.Equal(t, 2, tc.MaxPositions)
	assert.True(t, tc.Enabled)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/tickers", `{"symbol":"SPY"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tickers", `{"symbol":"QQQ","threshold":-1}`).Code)

	rec = f.do(t, http.MethodPatch, "/api/tickers/spy/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.TickerConfig](t, rec).Enabled)

	rec = f.do(t, http.MethodPut, "/api/tickers/SPY", `{"threshold":1.25,"capital_per_trade":750}`)
	require.Equal(t, http.StatusOK, rec.Code)
	tc = decode[domain.TickerConfig](t, rec)
	assert.Equal(t, 1.25, tc.Threshold)
	assert.Equal(t, 750.0, tc.CapitalPerTrade)
	assert.False(t, tc.Enabled)

	list := decode[[]domain.TickerConfig](t, f.do(t, http.MethodGet, "/api/tickers", ""))
	require.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/tickers/SPY", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/tickers/SPY", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/tickers/SPY", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/tickers/SPY", `{}`).Code)
}

func TestListTickersReportsPositionsAndPnL(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for _, sym := range []string{"SPY", "QQQ"} {
		require.NoError(t, f.store.UpsertTicker(ctx, &domain.TickerConfig{Symbol: sym, Enabled: true, Threshold: 0.5, MaxPositions: 2}))
	}
	held := f.open(t, 2.0)
	_, err := f.ledger.UpdatePrice(ctx, held.ID, 2.5, time.Now())
	require.NoError(t, err)
	sold := f.open(t, 2.0)
	_, err = f.ledger.ClosePosition(ctx, sold.ID, 1.9)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/tickers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]TickerView](t, rec)
	require.Len(t, views, 2)

	bySymbol := make(map[string]TickerView)
	for _, v := range views {
		bySymbol[v.Symbol] = v
	}
	assert.Equal(t, 1, bySymbol["SPY"].Positions)
	assert.Equal(t, 80.0, bySymbol["SPY"].PnL)
	assert.True(t, bySymbol["SPY"].Enabled)
	assert.Equal(t, 0, bySymbol["QQQ"].Positions)
	assert.Equal(t, 0.0, bySymbol["QQQ"].PnL)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, raw[0], "positions")
	assert.Contains(t, raw[0], "pnl")
}

func TestBotStatusAndHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/bot/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[engine.Status](t, rec)
	assert.True(t, st.Running)
	require.Len(t, st.Tickers, 1)
	assert.Equal(t, engine.StateReady, st.Tickers[0].State)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodOptions, "/api/stats", "").Code)
}

func TestBotStartStop(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/bot/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[engine.Status](t, rec).Paused)
	assert.True(t, f.trader.paused)
	assert.True(t, decode[engine.Status](t, f.do(t, http.MethodGet, "/api/bot/status", "")).Paused)

	rec = f.do(t, http.MethodPost, "/api/bot/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[engine.Status](t, rec).Paused)
	assert.False(t, f.trader.paused)

	noEngine := NewHandlers(f.ledger, f.store, nil, TickerDefaults{}, nil)
	mux := http.NewServeMux()
	noEngine.RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/bot/stop", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebSocketReceivesLedgerEvents(t *testing.T) {
	f := newAPIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.hub.Run(ctx)
	go f.server.hub.Feed(ctx, f.ledger)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration and subscription are asynchronous; keep producing events
	// until one arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				f.ledger.OpenPosition(context.Background(), ledger.OpenRequest{
					Contract: domain.Contract{Symbol: "SPY251017C00580000", Underlying: "SPY", Type: domain.OptionCall},
					Fill:     domain.Fill{Price: 2, Quantity: 1},
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt ledger.Event
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, ledger.EventPositionOpened, evt.Type)
	assert.Equal(t, "SPY", evt.Position.Ticker)
}

func TestServeAndShutdown(t *testing.T) {
	f := newAPIFixture(t)
	httpLn, err := netListen()
	require.NoError(t, err)
	grpcLn, err := netListen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.server.Serve(ctx, httpLn, grpcLn) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpLn.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func netListen() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}
