// Package resolver finds the at-the-money option pair for a ticker: the
// nearest expiration inside a days-to-expiration window and the strike
// closest to the underlying price.
package resolver

import (
	"context"
	"fmt"
	"math"
	"time"

	"optbot/internal/broker"
	"optbot/internal/domain"
)

// Calendar converts between instants and exchange dates.
type Calendar interface {
	TradingDate(t time.Time) string
	DaysBetween(now time.Time, date string) (int, error)
}

// Resolver resolves ATM contracts using a QuoteProvider. Each provider call
// is bounded by the call timeout.
type Resolver struct {
	quotes  broker.QuoteProvider
	cal     Calendar
	timeout time.Duration
}

// New creates a Resolver. A non-positive timeout leaves calls bounded only
// by the caller's context.
func New(quotes broker.QuoteProvider, cal Calendar, timeout time.Duration) *Resolver {
	return &Resolver{quotes: quotes, cal: cal, timeout: timeout}
}

// ResolveATM returns the ATM strike, expiration and CALL/PUT premiums for
// ticker as of now. Every failure is a *domain.ResolutionError.
func (r *Resolver) ResolveATM(ctx context.Context, ticker string, minDTE, maxDTE int, now time.Time) (domain.ATMQuote, error) {
	date := r.cal.TradingDate(now)
	fail := func(reason string, err error) (domain.ATMQuote, error) {
		return domain.ATMQuote{}, &domain.ResolutionError{Ticker: ticker, Date: date, Reason: reason, Err: err}
	}

	var underlying float64
	err := r.call(ctx, func(ctx context.Context) (err error) {
		underlying, err = r.quotes.UnderlyingPrice(ctx, ticker)
		return err
	})
	if err != nil {
		return fail(domain.ReasonUnderlyingUnavailable, err)
	}
	if underlying <= 0 {
		return fail(domain.ReasonUnderlyingUnavailable, domain.ErrQuoteUnavailable)
	}

	var exps []string
	err = r.call(ctx, func(ctx context.Context) (err error) {
		exps, err = r.quotes.Expirations(ctx, ticker)
		return err
	})
	if err != nil {
		return fail(domain.ReasonNoExpiration, err)
	}
	expiration, dte, ok := r.nearestExpiration(exps, minDTE, maxDTE, now)
	if !ok {
		return fail(domain.ReasonNoExpiration, fmt.Errorf("window [%d, %d] days, %d listed", minDTE, maxDTE, len(exps)))
	}

	var strikes []domain.StrikeQuote
	err = r.call(ctx, func(ctx context.Context) (err error) {
		strikes, err = r.quotes.Strikes(ctx, ticker, expiration)
		return err
	})
	if err != nil {
		return fail(domain.ReasonNoStrikes, err)
	}
	row, ok := closestStrike(strikes, underlying)
	if !ok {
		return fail(domain.ReasonNoStrikes, fmt.Errorf("expiration %s", expiration))
	}
	if row.CallPrice <= 0 || row.PutPrice <= 0 || row.CallSymbol == "" || row.PutSymbol == "" {
		return fail(domain.ReasonInvalidPremium,
			fmt.Errorf("strike %v call=%v put=%v: %w", row.Strike, row.CallPrice, row.PutPrice, domain.ErrQuoteUnavailable))
	}

	return domain.ATMQuote{
		Underlying:      ticker,
		UnderlyingPrice: underlying,
		Strike:          row.Strike,
		Expiration:      expiration,
		DTE:             dte,
		CallSymbol:      row.CallSymbol,
		CallPrice:       row.CallPrice,
		PutSymbol:       row.PutSymbol,
		PutPrice:        row.PutPrice,
	}, nil
}

// nearestExpiration picks the expiration with the smallest DTE inside
// [minDTE, maxDTE]; equal DTE keeps the earliest date string.
func (r *Resolver) nearestExpiration(exps []string, minDTE, maxDTE int, now time.Time) (string, int, bool) {
	best, bestDTE := "", math.MaxInt
	for _, e := range exps {
		dte, err := r.cal.DaysBetween(now, e)
		if err != nil || dte < minDTE || dte > maxDTE {
			continue
		}
		if dte < bestDTE || (dte == bestDTE && e < best) {
			best, bestDTE = e, dte
		}
	}
	return best, bestDTE, best != ""
}

// closestStrike returns the row whose strike is nearest to price, taking the
// lower strike on a tie.
func closestStrike(rows []domain.StrikeQuote, price float64) (domain.StrikeQuote, bool) {
	var (
		best     domain.StrikeQuote
		bestDist = math.Inf(1)
		found    bool
	)
	for _, row := range rows {
		d := math.Abs(row.Strike - price)
		if d < bestDist || (d == bestDist && row.Strike < best.Strike) {
			best, bestDist, found = row, d, true
		}
	}
	return best, found
}

func (r *Resolver) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return fn(ctx)
}
