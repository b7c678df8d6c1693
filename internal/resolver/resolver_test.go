package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optbot/internal/domain"
	"optbot/internal/util"
)

type fakeQuotes struct {
	underlying    float64
	underlyingErr error
	expirations   []string
	strikes       map[string][]domain.StrikeQuote
	block         bool
}

func (f *fakeQuotes) UnderlyingPrice(ctx context.Context, _ string) (float64, error) {
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return f.underlying, f.underlyingErr
}

func (f *fakeQuotes) Expirations(context.Context, string) ([]string, error) {
	return f.expirations, nil
}

func (f *fakeQuotes) Strikes(_ context.Context, _ string, exp string) ([]domain.StrikeQuote, error) {
	return f.strikes[exp], nil
}

func (f *fakeQuotes) OptionPremium(context.Context, domain.Contract) (float64, error) {
	return 0, domain.ErrQuoteUnavailable
}

func row(strike, call, put float64) domain.StrikeQuote {
	return domain.StrikeQuote{Strike: strike, CallSymbol: "C", CallPrice: call, PutSymbol: "P", PutPrice: put}
}

func setup(t *testing.T, q *fakeQuotes) (*Resolver, time.Time) {
	t.Helper()
	clock, err := util.NewMarketClock(util.DefaultTimezone, nil)
	require.NoError(t, err)
	now := time.Date(2025, 10, 15, 9, 31, 0, 0, clock.Location())
	return New(q, clock, time.Second), now
}

func TestResolveATMPicksNearestExpirationAndStrike(t *testing.T) {
	q := &fakeQuotes{
		underlying:  580.4,
		expirations: []string{"2025-10-24", "2025-10-14", "2025-10-17", "2025-10-16"},
		strikes: map[string][]domain.StrikeQuote{
			"2025-10-16": {row(579, 2.5, 1.5), row(580, 2.0, 1.8), row(581, 1.6, 2.3)},
		},
	}
	r, now := setup(t, q)

	got, err := r.ResolveATM(context.Background(), "SPY", 1, 7, now)
	require.NoError(t, err)
	assert.Equal(t, "2025-10-16", got.Expiration)
	assert.Equal(t, 1, got.DTE)
	assert.Equal(t, 580.0, got.Strike)
	assert.Equal(t, 2.0, got.CallPrice)
	assert.Equal(t, 1.8, got.PutPrice)
	assert.Equal(t, 580.4, got.UnderlyingPrice)
}

func TestResolveATMZeroDTE(t *testing.T) {
	q := &fakeQuotes{
		underlying:  100,
		expirations: []string{"2025-10-15", "2025-10-16"},
		strikes:     map[string][]domain.StrikeQuote{"2025-10-15": {row(100, 1, 1)}},
	}
	r, now := setup(t, q)

	got, err := r.ResolveATM(context.Background(), "SPY", 0, 7, now)
	require.NoError(t, err)
	assert.Equal(t, "2025-10-15", got.Expiration)
	assert.Equal(t, 0, got.DTE)
}

func TestResolveATMStrikeTieTakesLower(t *testing.T) {
	q := &fakeQuotes{
		underlying:  580.5,
		expirations: []string{"2025-10-17"},
		strikes:     map[string][]domain.StrikeQuote{"2025-10-17": {row(581, 1.5, 2.0), row(580, 2.0, 1.5)}},
	}
	r, now := setup(t, q)

	got, err := r.ResolveATM(context.Background(), "SPY", 0, 7, now)
	require.NoError(t, err)
	assert.Equal(t, 580.0, got.Strike)
}

func TestResolveATMFailures(t *testing.T) {
	exp := []string{"2025-10-17"}
	cases := []struct {
		name   string
		q      *fakeQuotes
		reason string
	}{
		{"underlying unavailable", &fakeQuotes{underlyingErr: domain.ErrQuoteUnavailable}, domain.ReasonUnderlyingUnavailable},
		{"zero underlying", &fakeQuotes{underlying: 0}, domain.ReasonUnderlyingUnavailable},
		{"no expiration in window", &fakeQuotes{underlying: 580, expirations: []string{"2025-12-19"}}, domain.ReasonNoExpiration},
		{"no strikes", &fakeQuotes{underlying: 580, expirations: exp}, domain.ReasonNoStrikes},
		{"unquoted put", &fakeQuotes{
			underlying: 580, expirations: exp,
			strikes: map[string][]domain.StrikeQuote{"2025-10-17": {row(580, 2.0, 0)}},
		}, domain.ReasonInvalidPremium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, now := setup(t, tc.q)
			_, err := r.ResolveATM(context.Background(), "SPY", 0, 7, now)
			var re *domain.ResolutionError
			require.True(t, errors.As(err, &re), "got %v", err)
			assert.Equal(t, tc.reason, re.Reason)
			assert.Equal(t, "SPY", re.Ticker)
			assert.Equal(t, "2025-10-15", re.Date)
		})
	}
}

func TestResolveATMHonoursTimeout(t *testing.T) {
	clock, err := util.NewMarketClock(util.DefaultTimezone, nil)
	require.NoError(t, err)
	r := New(&fakeQuotes{block: true}, clock, 10*time.Millisecond)

	_, err = r.ResolveATM(context.Background(), "SPY", 0, 7, time.Now())
	assert.True(t, domain.IsResolution(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
