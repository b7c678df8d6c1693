package engine

import "fmt"

// Risk gate names, in evaluation order.
const (
	GateTickerPositions = "ticker_positions"
	GateTotalPositions  = "total_positions"
	GateDailyLoss       = "daily_loss"
)

// RiskGateBlock describes why a signal was not traded. It is an expected
// outcome rather than an error.
type RiskGateBlock struct {
	Gate   string `json:"gate"`
	Detail string `json:"detail"`
}

func (b *RiskGateBlock) String() string {
	return b.Gate + ": " + b.Detail
}

// RiskState is the ledger snapshot the gates are evaluated against.
type RiskState struct {
	TickerOpen    int     // open positions for the signal's ticker
	TickerMax     int     // max positions configured for that ticker
	TotalOpen     int     // open positions across all tickers
	RealizedToday float64 // realized P&L of the current trading day
}

// RiskManager enforces pre-trade limits on position counts and daily loss.
type RiskManager struct {
	maxTotalPositions int
	maxDailyLoss      float64
}

// NewRiskManager creates a RiskManager.
//
//   - maxTotalPositions: open positions allowed across all tickers.
//   - maxDailyLoss: positive dollar loss after which new entries stop for
//     the day; zero disables the gate.
func NewRiskManager(maxTotalPositions int, maxDailyLoss float64) *RiskManager {
	return &RiskManager{
		maxTotalPositions: maxTotalPositions,
		maxDailyLoss:      maxDailyLoss,
	}
}

// Check evaluates the gates in order and returns the first that blocks, or
// nil when the trade may proceed.
func (rm *RiskManager) Check(s RiskState) *RiskGateBlock {
	if s.TickerOpen >= s.TickerMax {
		return &RiskGateBlock{Gate: GateTickerPositions, Detail: fmt.Sprintf("%d/%d open", s.TickerOpen, s.TickerMax)}
	}
	if s.TotalOpen >= rm.maxTotalPositions {
		return &RiskGateBlock{Gate: GateTotalPositions, Detail: fmt.Sprintf("%d/%d open", s.TotalOpen, rm.maxTotalPositions)}
	}
	if rm.maxDailyLoss > 0 && s.RealizedToday <= -rm.maxDailyLoss {
		return &RiskGateBlock{Gate: GateDailyLoss, Detail: fmt.Sprintf("realized %.2f, limit -%.2f", s.RealizedToday, rm.maxDailyLoss)}
	}
	return nil
}
