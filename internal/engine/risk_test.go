package engine

import "testing"

func TestRiskManagerCheck(t *testing.T) {
	rm := NewRiskManager(10, 2000)

	tests := []struct {
		name  string
		state RiskState
		gate  string
	}{
		{"clear", RiskState{TickerOpen: 1, TickerMax: 2, TotalOpen: 5, RealizedToday: -100}, ""},
		{"ticker full", RiskState{TickerOpen: 2, TickerMax: 2, TotalOpen: 5}, GateTickerPositions},
		{"total full", RiskState{TickerOpen: 0, TickerMax: 2, TotalOpen: 10}, GateTotalPositions},
		{"loss at limit", RiskState{TickerOpen: 0, TickerMax: 2, RealizedToday: -2000}, GateDailyLoss},
		{"loss past limit", RiskState{TickerOpen: 0, TickerMax: 2, RealizedToday: -2500}, GateDailyLoss},
		{"loss under limit", RiskState{TickerOpen: 0, TickerMax: 2, RealizedToday: -1999.99}, ""},
		{"ticker gate first", RiskState{TickerOpen: 2, TickerMax: 2, TotalOpen: 10, RealizedToday: -5000}, GateTickerPositions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := rm.Check(tt.state)
			switch {
			case tt.gate == "" && block != nil:
				t.Errorf("unexpected block: %s", block)
			case tt.gate != "" && block == nil:
				t.Errorf("expected %s block, got none", tt.gate)
			case block != nil && block.Gate != tt.gate:
				t.Errorf("gate = %s, want %s", block.Gate, tt.gate)
			}
		})
	}
}

func TestRiskManagerDailyLossDisabled(t *testing.T) {
	rm := NewRiskManager(10, 0)
	if block := rm.Check(RiskState{TickerMax: 1, RealizedToday: -1e6}); block != nil {
		t.Errorf("zero daily loss limit should disable the gate, got %s", block)
	}
}
