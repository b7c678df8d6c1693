package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optbot/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "optbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPosition(id string, entry time.Time) (*domain.Position, *domain.Trade) {
	c := domain.Contract{Symbol: "SPY251017C00580000", Underlying: "SPY", Type: domain.OptionCall, Strike: 580, Expiration: "2025-10-17"}
	p := &domain.Position{
		ID: id, Ticker: "SPY", Contract: c, EntryPrice: 2.15, CurrentPrice: 2.15,
		Quantity: 2, EntryTime: entry, Status: domain.PositionOpen, OpenPriceRef: 2.0, OrderID: "ord-" + id,
	}
	tr := &domain.Trade{
		ID: "t-open-" + id, PositionID: id, Ticker: "SPY", Contract: c, Action: domain.ActionBuy,
		Price: 2.15, Quantity: 2, Timestamp: entry, Status: domain.TradeOpen, OrderID: p.OrderID,
	}
	return p, tr
}

func TestSQLiteOpenAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	entry := time.UnixMilli(time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC).UnixMilli())

	p, tr := testPosition("p1", entry)
	require.NoError(t, s.OpenPosition(ctx, p, tr))

	got, err := s.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Contract, got.Contract)
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.Equal(t, 2, got.Quantity)
	assert.True(t, got.EntryTime.Equal(entry))
	assert.True(t, got.ExitTime.IsZero())

	trades, err := s.ListTrades(ctx, domain.TradeFilter{PositionID: "p1"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ActionBuy, trades[0].Action)
	assert.Nil(t, trades[0].RealizedPnL)

	_, err = s.GetPosition(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSQLiteOpenIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	p, tr := testPosition("p1", time.Now())
	require.NoError(t, s.OpenPosition(ctx, p, tr))

	// Same trade ID fails the second insert and must roll back the position.
	p2, _ := testPosition("p2", time.Now())
	assert.Error(t, s.OpenPosition(ctx, p2, tr))

	_, err := s.GetPosition(ctx, "p2")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSQLiteCloseOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	entry := time.Now().Add(-time.Hour)

	p, tr := testPosition("p1", entry)
	require.NoError(t, s.OpenPosition(ctx, p, tr))

	p.CurrentPrice = 2.50
	p.LastMarkedTime = time.Now()
	require.NoError(t, s.UpdatePositionPrice(ctx, p))

	pnl := 70.0
	p.Status = domain.PositionClosed
	p.ExitPrice, p.ExitTime, p.RealizedPnL = 2.50, time.Now(), pnl
	closing := &domain.Trade{
		ID: "t-close-p1", PositionID: "p1", Ticker: "SPY", Contract: p.Contract, Action: domain.ActionSell,
		Price: 2.50, Quantity: 2, Timestamp: p.ExitTime, Status: domain.TradeClosed, RealizedPnL: &pnl,
	}
	require.NoError(t, s.ClosePosition(ctx, p, closing))

	got, err := s.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.Status)
	assert.Equal(t, 70.0, got.RealizedPnL)
	assert.Equal(t, 2.50, got.ExitPrice)

	// Second close is rejected and appends nothing.
	closing.ID = "t-close-again"
	err = s.ClosePosition(ctx, p, closing)
	var ise *domain.InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, domain.PositionClosed, ise.Status)

	trades, err := s.ListTrades(ctx, domain.TradeFilter{PositionID: "p1"})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	// Price updates on a closed position are rejected too.
	assert.True(t, domain.IsInvalidState(s.UpdatePositionPrice(ctx, p)))

	p.ID = "nope"
	assert.True(t, errors.Is(s.ClosePosition(ctx, p, closing), domain.ErrNotFound))
}

func TestSQLiteListFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	base := time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		p, tr := testPosition(id, base.Add(time.Duration(i)*time.Minute))
		if id == "c" {
			p.Ticker, tr.Ticker = "QQQ", "QQQ"
		}
		require.NoError(t, s.OpenPosition(ctx, p, tr))
	}

	all, err := s.ListPositions(ctx, domain.PositionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	spy, err := s.ListPositions(ctx, domain.PositionFilter{Ticker: "SPY", Status: domain.PositionOpen})
	require.NoError(t, err)
	assert.Len(t, spy, 2)

	limited, err := s.ListTrades(ctx, domain.TradeFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "t-open-c", limited[0].ID)

	closed, err := s.ListTrades(ctx, domain.TradeFilter{PositionStatus: domain.PositionClosed})
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestSQLiteTickers(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	spy := &domain.TickerConfig{Symbol: "SPY", Threshold: 0.5, Enabled: true, MaxPositions: 2}
	inserted, err := s.SeedTicker(ctx, spy)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Seeding again never overwrites an existing row.
	inserted, err = s.SeedTicker(ctx, &domain.TickerConfig{Symbol: "SPY", Threshold: 9, MaxPositions: 1})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetTicker(ctx, "SPY")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Threshold)
	assert.True(t, got.Enabled)

	got.Enabled = false
	got.CapitalPerTrade = 300
	require.NoError(t, s.UpsertTicker(ctx, got))
	require.NoError(t, s.UpsertTicker(ctx, &domain.TickerConfig{Symbol: "AAPL", Threshold: 1, MaxPositions: 1, Enabled: true}))

	list, err := s.ListTickers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AAPL", list[0].Symbol)
	assert.False(t, list[1].Enabled)
	assert.Equal(t, 300.0, list[1].CapitalPerTrade)

	require.NoError(t, s.DeleteTicker(ctx, "AAPL"))
	assert.True(t, errors.Is(s.DeleteTicker(ctx, "AAPL"), domain.ErrNotFound))
	_, err = s.GetTicker(ctx, "AAPL")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
