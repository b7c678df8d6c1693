// Package store defines storage interfaces for persisting and retrieving
// ledger records, ticker configurations and archived option prices.
package store

import (
	"context"

	"optbot/internal/domain"
)

// LedgerStore persists positions and trades. Implementations must apply the
// paired writes of OpenPosition and ClosePosition atomically.
type LedgerStore interface {
	// OpenPosition inserts an OPEN position together with its opening trade.
	OpenPosition(ctx context.Context, pos *domain.Position, trade *domain.Trade) error

	// UpdatePositionPrice sets the current premium of an OPEN position.
	// It returns *domain.InvalidStateError when the position is closed.
	UpdatePositionPrice(ctx context.Context, pos *domain.Position) error

	// ClosePosition marks an OPEN position CLOSED and appends its closing
	// trade. It returns *domain.InvalidStateError when the position is
	// already closed and domain.ErrNotFound when it does not exist.
	ClosePosition(ctx context.Context, pos *domain.Position, trade *domain.Trade) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*domain.Position, error)

	// ListPositions returns positions matching filter, newest first.
	ListPositions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)

	// ListTrades returns trades matching filter, newest first.
	ListTrades(ctx context.Context, filter domain.TradeFilter) ([]domain.Trade, error)
}

// TickerStore persists per-symbol strategy configuration.
type TickerStore interface {
	// ListTickers returns every configured ticker ordered by symbol.
	ListTickers(ctx context.Context) ([]domain.TickerConfig, error)

	// GetTicker retrieves one ticker or domain.ErrNotFound.
	GetTicker(ctx context.Context, symbol string) (*domain.TickerConfig, error)

	// UpsertTicker creates or replaces a ticker configuration.
	UpsertTicker(ctx context.Context, tc *domain.TickerConfig) error

	// SeedTicker inserts tc only when no row exists for its symbol. It
	// reports whether a row was inserted.
	SeedTicker(ctx context.Context, tc *domain.TickerConfig) (bool, error)

	// DeleteTicker removes a ticker or returns domain.ErrNotFound.
	DeleteTicker(ctx context.Context, symbol string) error
}

// OptionArchive keeps a durable copy of option prices observed by the engine.
type OptionArchive interface {
	// SaveOpens writes the open-price records of one trading date,
	// replacing records for the same tickers.
	SaveOpens(ctx context.Context, date string, records []domain.OpenPriceRecord) error

	// LoadOpens returns the open-price records saved for date; none is not
	// an error.
	LoadOpens(ctx context.Context, date string) ([]domain.OpenPriceRecord, error)

	// AppendQuotes archives premium samples grouped by underlying and date.
	AppendQuotes(ctx context.Context, samples []domain.QuoteSample) error

	// ReadQuotes returns the samples archived for an underlying on date.
	ReadQuotes(ctx context.Context, underlying, date string) ([]domain.QuoteSample, error)
}
