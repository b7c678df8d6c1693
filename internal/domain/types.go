// Package domain defines the core types shared across the optbot packages:
// ticker configuration, option contracts, open-price records, positions,
// trades and ledger statistics.
package domain

import (
	"fmt"
	"time"
)

// DateLayout is the layout used for trading dates and expirations.
const DateLayout = "2006-01-02"

// ContractMultiplier is the number of shares controlled by one option contract.
const ContractMultiplier = 100

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// OptionTypes lists every option type the engine evaluates each cycle.
var OptionTypes = []OptionType{OptionCall, OptionPut}

// Valid reports whether t is CALL or PUT.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// ParseOptionType accepts "call"/"put" in any case as well as the single
// letter OCC codes "C"/"P".
func ParseOptionType(s string) (OptionType, error) {
	switch s {
	case "CALL", "call", "Call", "C", "c":
		return OptionCall, nil
	case "PUT", "put", "Put", "P", "p":
		return OptionPut, nil
	}
	return "", fmt.Errorf("unknown option type %q", s)
}

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// TradeStatus is the resulting status recorded on a Trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TickerConfig is the per-symbol strategy configuration. It is owned by the
// configuration collaborator and read-only to the trading engine.
type TickerConfig struct {
	Symbol          string    `json:"symbol"`
	Threshold       float64   `json:"threshold"` // breakout percentage, > 0
	Enabled         bool      `json:"enabled"`
	MaxPositions    int       `json:"max_positions"`
	CapitalPerTrade float64   `json:"capital_per_trade"` // 0 uses the global default
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks the invariants of a ticker configuration.
func (c *TickerConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("ticker symbol is required")
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("ticker %s: threshold must be > 0, got %v", c.Symbol, c.Threshold)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("ticker %s: max positions must be >= 1, got %d", c.Symbol, c.MaxPositions)
	}
	if c.CapitalPerTrade < 0 {
		return fmt.Errorf("ticker %s: capital per trade must be >= 0, got %v", c.Symbol, c.CapitalPerTrade)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Option market data
// ---------------------------------------------------------------------------

// Contract identifies a single listed option.
type Contract struct {
	Symbol     string     `json:"symbol"` // OCC symbol, e.g. SPY251017C00580000
	Underlying string     `json:"underlying"`
	Type       OptionType `json:"type"`
	Strike     float64    `json:"strike"`
	Expiration string     `json:"expiration"` // YYYY-MM-DD
}

// StrikeQuote is one row of an option chain for a single expiration.
// Prices of zero mean the provider had no usable quote for that side.
type StrikeQuote struct {
	Strike     float64 `json:"strike"`
	CallSymbol string  `json:"call_symbol"`
	CallPrice  float64 `json:"call_price"`
	PutSymbol  string  `json:"put_symbol"`
	PutPrice   float64 `json:"put_price"`
}

// ATMQuote is the result of resolving the at-the-money strike for a ticker.
type ATMQuote struct {
	Underlying      string  `json:"underlying"`
	UnderlyingPrice float64 `json:"underlying_price"`
	Strike          float64 `json:"strike"`
	Expiration      string  `json:"expiration"`
	DTE             int     `json:"dte"`
	CallSymbol      string  `json:"call_symbol"`
	CallPrice       float64 `json:"call_price"`
	PutSymbol       string  `json:"put_symbol"`
	PutPrice        float64 `json:"put_price"`
}

// OpenPriceRecord holds the opening premiums recorded for a ticker on one
// trading day. One record exists per (ticker, date).
type OpenPriceRecord struct {
	Ticker     string    `json:"ticker"`
	Date       string    `json:"date"`
	Strike     float64   `json:"strike"`
	Expiration string    `json:"expiration"`
	CallSymbol string    `json:"call_symbol"`
	CallOpen   float64   `json:"call_open"`
	PutSymbol  string    `json:"put_symbol"`
	PutOpen    float64   `json:"put_open"`
	Underlying float64   `json:"underlying"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewOpenPriceRecord builds the record for ticker/date from a resolved ATM quote.
func NewOpenPriceRecord(ticker, date string, q ATMQuote, at time.Time) OpenPriceRecord {
	return OpenPriceRecord{
		Ticker:     ticker,
		Date:       date,
		Strike:     q.Strike,
		Expiration: q.Expiration,
		CallSymbol: q.CallSymbol,
		CallOpen:   q.CallPrice,
		PutSymbol:  q.PutSymbol,
		PutOpen:    q.PutPrice,
		Underlying: q.UnderlyingPrice,
		RecordedAt: at,
	}
}

// Open returns the recorded opening premium for the given option type.
func (r OpenPriceRecord) Open(t OptionType) float64 {
	if t == OptionPut {
		return r.PutOpen
	}
	return r.CallOpen
}

// Contract returns the contract the record tracks for the given option type.
func (r OpenPriceRecord) Contract(t OptionType) Contract {
	sym := r.CallSymbol
	if t == OptionPut {
		sym = r.PutSymbol
	}
	return Contract{
		Symbol:     sym,
		Underlying: r.Ticker,
		Type:       t,
		Strike:     r.Strike,
		Expiration: r.Expiration,
	}
}

// QuoteSample is a premium observed during a polling cycle.
type QuoteSample struct {
	Contract  Contract  `json:"contract"`
	Premium   float64   `json:"premium"`
	Timestamp time.Time `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderRequest is a market order for a single option contract. MarkPrice is
// the premium the caller observed when deciding to trade; execution venues
// may ignore it.
type OrderRequest struct {
	Contract  Contract `json:"contract"`
	Action    Action   `json:"action"`
	Quantity  int      `json:"quantity"`
	MarkPrice float64  `json:"mark_price,omitempty"`
}

// Fill is a fully filled order as reported by the execution service.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Price    float64   `json:"price"`
	Quantity int       `json:"quantity"`
	FilledAt time.Time `json:"filled_at"`
}

// ---------------------------------------------------------------------------
// Ledger entities
// ---------------------------------------------------------------------------

// Position is an option position opened by a breakout signal.
type Position struct {
	ID             string         `json:"id"`
	Ticker         string         `json:"ticker"`
	Contract       Contract       `json:"contract"`
	EntryPrice     float64        `json:"entry_price"`
	CurrentPrice   float64        `json:"current_price"`
	Quantity       int            `json:"quantity"`
	EntryTime      time.Time      `json:"entry_time"`
	Status         PositionStatus `json:"status"`
	OpenPriceRef   float64        `json:"open_price_ref"`
	OrderID        string         `json:"order_id,omitempty"`
	ExitPrice      float64        `json:"exit_price,omitempty"`
	ExitTime       time.Time      `json:"exit_time,omitempty"`
	RealizedPnL    float64        `json:"realized_pnl,omitempty"`
	LastMarkedTime time.Time      `json:"last_marked_time,omitempty"`
}

// UnrealizedPnL is the mark-to-market P&L of an open position; zero once closed.
func (p *Position) UnrealizedPnL() float64 {
	if p.Status != PositionOpen {
		return 0
	}
	return PnL(p.EntryPrice, p.CurrentPrice, p.Quantity)
}

// PnLPercent is the percentage move of the current premium from entry.
func (p *Position) PnLPercent() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return PctChange(p.EntryPrice, p.CurrentPrice).Round(2).InexactFloat64()
}

// Trade is an immutable record of an executed order leg.
type Trade struct {
	ID          string      `json:"id"`
	PositionID  string      `json:"position_id,omitempty"`
	Ticker      string      `json:"ticker"`
	Contract    Contract    `json:"contract"`
	Action      Action      `json:"action"`
	Price       float64     `json:"price"`
	Quantity    int         `json:"quantity"`
	Timestamp   time.Time   `json:"timestamp"`
	Status      TradeStatus `json:"status"`
	RealizedPnL *float64    `json:"realized_pnl,omitempty"` // closing leg only
	OrderID     string      `json:"order_id,omitempty"`
	Note        string      `json:"note,omitempty"`
}

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	Status PositionStatus
	Ticker string
}

// TradeFilter narrows ListTrades. Zero values match everything; Limit <= 0
// means no limit. PositionStatus selects trades by the current status of
// the position they belong to, so both legs of a closed position match
// PositionClosed.
type TradeFilter struct {
	PositionStatus PositionStatus
	Ticker         string
	PositionID     string
	Limit          int
}

// Stats aggregates ledger performance.
type Stats struct {
	TodayPnL      float64 `json:"today_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	WinRate       float64 `json:"win_rate"`
	TotalTrades   int     `json:"total_trades"`
	OpenPositions int     `json:"open_positions"`
}
