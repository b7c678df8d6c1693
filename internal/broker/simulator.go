package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"optbot/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading. Market
// orders fill immediately and completely at the caller's mark price, or at
// the provider's current premium when no mark was supplied. Orders are kept
// in memory only.
type SimulatorBroker struct {
	quotes QuoteProvider
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]domain.Fill
}

// NewSimulatorBroker creates a new SimulatorBroker. quotes may be nil when
// every request carries a mark price.
func NewSimulatorBroker(quotes QuoteProvider) *SimulatorBroker {
	return &SimulatorBroker{
		quotes: quotes,
		now:    time.Now,
		orders: make(map[string]domain.Fill),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder simulates an immediate full fill.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Fill, error) {
	sym := req.Contract.Symbol
	if req.Quantity <= 0 {
		return nil, &domain.OrderRejectedError{Symbol: sym, Action: req.Action, Reason: "quantity must be positive"}
	}

	price := req.MarkPrice
	if price <= 0 {
		if b.quotes == nil {
			return nil, &domain.OrderRejectedError{Symbol: sym, Action: req.Action, Reason: "no price to fill at"}
		}
		px, err := b.quotes.OptionPremium(ctx, req.Contract)
		if err != nil {
			return nil, &domain.OrderRejectedError{Symbol: sym, Action: req.Action, Reason: "no quote", Err: err}
		}
		price = px
	}

	fill := domain.Fill{
		OrderID:  "sim-" + uuid.NewString(),
		Price:    price,
		Quantity: req.Quantity,
		FilledAt: b.now(),
	}
	b.mu.Lock()
	b.orders[fill.OrderID] = fill
	b.mu.Unlock()
	return &fill, nil
}

// Order returns a previously simulated fill.
func (b *SimulatorBroker) Order(id string) (domain.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.orders[id]
	if !ok {
		return domain.Fill{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return f, nil
}
