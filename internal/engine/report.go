package engine

import (
	"sort"
	"sync"
	"time"

	"optbot/internal/domain"
)

// BlockedSignal is a breakout that a risk gate stopped.
type BlockedSignal struct {
	Ticker string            `json:"ticker"`
	Type   domain.OptionType `json:"type"`
	Block  RiskGateBlock     `json:"block"`
}

// CycleReport summarises one polling cycle. It is safe for concurrent use
// while the cycle runs and read-only afterwards.
type CycleReport struct {
	At            time.Time         `json:"at"`
	Date          string            `json:"date"`
	MarketClosed  bool              `json:"market_closed"`
	DayStarted    bool              `json:"day_started"`
	Paused        bool              `json:"paused"`
	Resolved      []string          `json:"resolved,omitempty"`
	Skipped       []string          `json:"skipped,omitempty"`
	Expired       int               `json:"expired"`
	Signals       int               `json:"signals"`
	Opened        []domain.Position `json:"opened,omitempty"`
	Blocked       []BlockedSignal   `json:"blocked,omitempty"`
	SizedOut      int               `json:"sized_out"`
	OrderFailures int               `json:"order_failures"`
	QuoteFailures int               `json:"quote_failures"`
	Refreshed     int               `json:"refreshed"`

	mu sync.Mutex
}

func (r *CycleReport) addResolved(sym string) {
	r.mu.Lock()
	r.Resolved = append(r.Resolved, sym)
	sort.Strings(r.Resolved)
	r.mu.Unlock()
}

func (r *CycleReport) addSkipped(sym string) {
	r.mu.Lock()
	r.Skipped = append(r.Skipped, sym)
	sort.Strings(r.Skipped)
	r.mu.Unlock()
}

func (r *CycleReport) addSignal() {
	r.mu.Lock()
	r.Signals++
	r.mu.Unlock()
}

func (r *CycleReport) addOpened(p domain.Position) {
	r.mu.Lock()
	r.Opened = append(r.Opened, p)
	r.mu.Unlock()
}

func (r *CycleReport) addBlocked(b BlockedSignal) {
	r.mu.Lock()
	r.Blocked = append(r.Blocked, b)
	r.mu.Unlock()
}

func (r *CycleReport) addSizedOut() {
	r.mu.Lock()
	r.SizedOut++
	r.mu.Unlock()
}

func (r *CycleReport) addOrderFailure() {
	r.mu.Lock()
	r.OrderFailures++
	r.mu.Unlock()
}

func (r *CycleReport) addQuoteFailure() {
	r.mu.Lock()
	r.QuoteFailures++
	r.mu.Unlock()
}

func (r *CycleReport) addRefreshed() {
	r.mu.Lock()
	r.Refreshed++
	r.mu.Unlock()
}

// markBook collects the premiums fetched during a cycle, keyed by contract
// symbol, so each contract is quoted at most once per cycle.
type markBook struct {
	mu        sync.Mutex
	contracts map[string]domain.Contract
	prices    map[string]float64
}

func newMarkBook() *markBook {
	return &markBook{
		contracts: make(map[string]domain.Contract),
		prices:    make(map[string]float64),
	}
}

func (m *markBook) put(c domain.Contract, price float64) {
	m.mu.Lock()
	m.contracts[c.Symbol] = c
	m.prices[c.Symbol] = price
	m.mu.Unlock()
}

func (m *markBook) get(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	return p, ok
}

func (m *markBook) samples(at time.Time) []domain.QuoteSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QuoteSample, 0, len(m.prices))
	for sym, p := range m.prices {
		out = append(out, domain.QuoteSample{Contract: m.contracts[sym], Premium: p, Timestamp: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.Symbol < out[j].Contract.Symbol })
	return out
}
