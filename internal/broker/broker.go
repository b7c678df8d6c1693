// Package broker defines the market-data and order-execution interfaces the
// trading engine depends on, with an Alpaca implementation and an in-process
// simulator for paper trading.
package broker

import (
	"context"
	"time"

	"optbot/internal/domain"
)

// QuoteProvider looks up underlying prices and option chains. Implementations
// return an error wrapping domain.ErrQuoteUnavailable when no usable price
// exists, never a zero or stale price.
type QuoteProvider interface {
	// UnderlyingPrice returns the current price of an equity symbol.
	UnderlyingPrice(ctx context.Context, symbol string) (float64, error)

	// Expirations returns the listed expirations (YYYY-MM-DD) for symbol in
	// ascending order.
	Expirations(ctx context.Context, symbol string) ([]string, error)

	// Strikes returns the chain rows for one expiration, ascending by strike.
	Strikes(ctx context.Context, symbol, expiration string) ([]domain.StrikeQuote, error)

	// OptionPremium returns the current mark of a single contract.
	OptionPremium(ctx context.Context, c domain.Contract) (float64, error)
}

// Broker abstracts order execution.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends a market order and waits for it to fill completely.
	// Anything short of a full fill is reported as *domain.OrderRejectedError.
	SubmitOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Fill, error)
}

// HolidaySource lists exchange holidays between two dates.
type HolidaySource interface {
	Holidays(ctx context.Context, start, end time.Time) ([]string, error)
}

// Mark derives a premium from a quote and last trade: the bid/ask midpoint
// when both sides are positive, otherwise the last trade. ok is false when
// neither is usable.
func Mark(bid, ask, last float64) (float64, bool) {
	if bid > 0 && ask > 0 {
		return domain.Round((bid+ask)/2, 4), true
	}
	if last > 0 {
		return last, true
	}
	return 0, false
}
