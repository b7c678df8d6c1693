package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optbot/internal/domain"
	"optbot/internal/store"
	"optbot/internal/util"
)

type fixture struct {
	ledger *Ledger
	clock  *util.MarketClock
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock, err := util.NewMarketClock(util.DefaultTimezone, nil)
	require.NoError(t, err)

	now := time.Date(2025, 10, 15, 11, 0, 0, 0, clock.Location())
	return &fixture{ledger: New(s, clock, nil), clock: clock, now: now}
}

func spyCall() domain.Contract {
	return domain.Contract{Symbol: "SPY251017C00580000", Underlying: "SPY", Type: domain.OptionCall, Strike: 580, Expiration: "2025-10-17"}
}

func (f *fixture) open(t *testing.T, c domain.Contract, price float64, qty int, at time.Time) *domain.Position {
	t.Helper()
	pos, err := f.ledger.OpenPosition(context.Background(), OpenRequest{
		Contract:     c,
		Fill:         domain.Fill{OrderID: "ord", Price: price, Quantity: qty, FilledAt: at},
		OpenPriceRef: 2.0,
	})
	require.NoError(t, err)
	return pos
}

func TestOpenPositionRecordsTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos := f.open(t, spyCall(), 2.15, 2, f.now)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, "SPY", pos.Ticker)
	assert.Equal(t, 2.15, pos.CurrentPrice)

	trades, err := f.ledger.ListTrades(ctx, domain.TradeFilter{PositionID: pos.ID})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ActionBuy, trades[0].Action)
	assert.Equal(t, domain.TradeOpen, trades[0].Status)
	assert.Equal(t, 2, trades[0].Quantity)
}

func TestOpenPositionRejectsInvalidFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.OpenPosition(ctx, OpenRequest{Contract: spyCall(), Fill: domain.Fill{Price: 2, Quantity: 0}})
	assert.Error(t, err)
	_, err = f.ledger.OpenPosition(ctx, OpenRequest{Contract: spyCall(), Fill: domain.Fill{Price: 0, Quantity: 1}})
	assert.Error(t, err)

	_, total, err := f.ledger.OpenCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestUpdatePriceKeepsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open(t, spyCall(), 2.15, 2, f.now)

	updated, err := f.ledger.UpdatePrice(ctx, pos.ID, 2.50, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2.50, updated.CurrentPrice)
	assert.Equal(t, 2.15, updated.EntryPrice)
	assert.Equal(t, 70.0, updated.UnrealizedPnL())

	got, err := f.ledger.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.50, got.CurrentPrice)
	assert.Equal(t, 2.15, got.EntryPrice)

	_, err = f.ledger.UpdatePrice(ctx, "missing", 1, f.now)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestClosePositionOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open(t, spyCall(), 2.15, 2, f.now)

	pnl, err := f.ledger.ClosePosition(ctx, pos.ID, 2.50)
	require.NoError(t, err)
	assert.Equal(t, 70.0, pnl)

	before, err := f.ledger.Stats(ctx, f.now)
	require.NoError(t, err)

	_, err = f.ledger.ClosePosition(ctx, pos.ID, 3.00)
	var ise *domain.InvalidStateError
	require.True(t, errors.As(err, &ise), "got %v", err)
	assert.Equal(t, domain.PositionClosed, ise.Status)

	after, err := f.ledger.Stats(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a rejected close must not change stats")

	_, err = f.ledger.UpdatePrice(ctx, pos.ID, 1.0, f.now)
	assert.True(t, domain.IsInvalidState(err))

	trades, err := f.ledger.ListTrades(ctx, domain.TradeFilter{PositionStatus: domain.PositionClosed})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.ActionSell, trades[0].Action)
	require.NotNil(t, trades[0].RealizedPnL)
	assert.Equal(t, 70.0, *trades[0].RealizedPnL)
	assert.Equal(t, domain.ActionBuy, trades[1].Action)
}

func TestConcurrentCloseBooksOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.open(t, spyCall(), 2.00, 1, f.now)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.ClosePosition(ctx, pos.ID, 2.10); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	trades, err := f.ledger.ListTrades(ctx, domain.TradeFilter{PositionID: pos.ID})
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.ledger.Stats(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{}, st, "empty ledger")

	yesterday := f.now.AddDate(0, 0, -1)
	old := f.open(t, spyCall(), 2.00, 1, yesterday)
	_, err = f.ledger.Close(ctx, CloseRequest{PositionID: old.ID, ExitPrice: 1.50, At: yesterday.Add(time.Hour)})
	require.NoError(t, err) // -50 yesterday

	win := f.open(t, spyCall(), 2.00, 2, f.now)
	_, err = f.ledger.Close(ctx, CloseRequest{PositionID: win.ID, ExitPrice: 2.30, At: f.now.Add(time.Minute)})
	require.NoError(t, err) // +60 today

	flat := f.open(t, spyCall(), 1.00, 1, f.now)
	_, err = f.ledger.Close(ctx, CloseRequest{PositionID: flat.ID, ExitPrice: 1.00, At: f.now.Add(time.Minute)})
	require.NoError(t, err) // 0 today, counted as a win

	live := f.open(t, spyCall(), 2.00, 1, f.now)
	_, err = f.ledger.UpdatePrice(ctx, live.ID, 2.25, f.now.Add(2*time.Minute))
	require.NoError(t, err) // +25 unrealized

	st, err = f.ledger.Stats(ctx, f.now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 85.0, st.TodayPnL)
	assert.Equal(t, 35.0, st.TotalPnL)
	assert.Equal(t, 66.7, st.WinRate)
	assert.Equal(t, 4, st.TotalTrades)
	assert.Equal(t, 1, st.OpenPositions)

	realized, err := f.ledger.RealizedPnL(ctx, f.clock.TradingDate(yesterday))
	require.NoError(t, err)
	assert.Equal(t, -50.0, realized)
}

func TestWinRateAllNonNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, exit := range []float64{2.0, 2.5} {
		p := f.open(t, spyCall(), 2.0, 1, f.now)
		_, err := f.ledger.ClosePosition(ctx, p.ID, exit)
		require.NoError(t, err)
	}
	st, err := f.ledger.Stats(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 100.0, st.WinRate)
}

func TestOpenCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qqq := domain.Contract{Symbol: "QQQ251017P00500000", Underlying: "QQQ", Type: domain.OptionPut, Strike: 500, Expiration: "2025-10-17"}
	f.open(t, spyCall(), 2, 1, f.now)
	f.open(t, spyCall(), 2, 1, f.now)
	closed := f.open(t, qqq, 3, 1, f.now)
	_, err := f.ledger.ClosePosition(ctx, closed.ID, 3)
	require.NoError(t, err)
	f.open(t, qqq, 3, 1, f.now)

	counts, total, err := f.ledger.OpenCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, map[string]int{"SPY": 2, "QQQ": 1}, counts)
}

func TestTickerPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qqq := domain.Contract{Symbol: "QQQ251017P00500000", Underlying: "QQQ", Type: domain.OptionPut, Strike: 500, Expiration: "2025-10-17"}
	marked := f.open(t, spyCall(), 2.0, 1, f.now)
	_, err := f.ledger.UpdatePrice(ctx, marked.ID, 2.75, f.now)
	require.NoError(t, err)
	loser := f.open(t, spyCall(), 2.0, 1, f.now)
	_, err = f.ledger.ClosePosition(ctx, loser.ID, 1.5)
	require.NoError(t, err)
	winner := f.open(t, qqq, 3.0, 2, f.now)
	_, err = f.ledger.ClosePosition(ctx, winner.ID, 3.4)
	require.NoError(t, err)

	pnl, err := f.ledger.TickerPnL(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"SPY": 25, "QQQ": 80}, pnl)
}

func TestListTradesFilterAndLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.open(t, spyCall(), 2, 1, f.now.Add(time.Duration(i)*time.Second))
	}
	all, err := f.ledger.ListTrades(ctx, domain.TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.After(all[2].Timestamp), "newest first")

	two, err := f.ledger.ListTrades(ctx, domain.TradeFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, two, 2)

	status, err := ParseTradeFilter("closed")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, status)
	status, err = ParseTradeFilter("")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatus(""), status)
	_, err = ParseTradeFilter("pending")
	assert.Error(t, err)
}

func TestListTradesFollowsPositionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	closedPos := f.open(t, spyCall(), 2.15, 2, f.now)
	openPos := f.open(t, spyCall(), 2.20, 1, f.now.Add(time.Second))
	_, err := f.ledger.ClosePosition(ctx, closedPos.ID, 2.50)
	require.NoError(t, err)

	open, err := ParseTradeFilter("open")
	require.NoError(t, err)
	trades, err := f.ledger.ListTrades(ctx, domain.TradeFilter{PositionStatus: open})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, openPos.ID, trades[0].PositionID)

	_, err = f.ledger.ClosePosition(ctx, openPos.ID, 2.00)
	require.NoError(t, err)
	trades, err = f.ledger.ListTrades(ctx, domain.TradeFilter{PositionStatus: open})
	require.NoError(t, err)
	assert.Empty(t, trades, "no trades once every position is closed")

	closed, err := ParseTradeFilter("closed")
	require.NoError(t, err)
	trades, err = f.ledger.ListTrades(ctx, domain.TradeFilter{PositionStatus: closed})
	require.NoError(t, err)
	assert.Len(t, trades, 4)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, ch := f.ledger.Subscribe(8)
	pos := f.open(t, spyCall(), 2, 1, f.now)
	_, err := f.ledger.UpdatePrice(ctx, pos.ID, 2.1, f.now)
	require.NoError(t, err)
	_, err = f.ledger.ClosePosition(ctx, pos.ID, 2.2)
	require.NoError(t, err)

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{EventPositionOpened, EventPositionUpdated, EventPositionClosed}, types)

	f.ledger.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel closed after Unsubscribe")
}
