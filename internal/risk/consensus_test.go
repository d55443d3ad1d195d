package risk

import (
	"strings"
	"testing"
)

func TestEvaluateConsensusDecisionTable(t *testing.T) {
	const minConf = 60.0

	tests := []struct {
		name            string
		buy, sell, hold int
		confidence      float64
		wantTrade       bool
		wantDirection   Direction
		wantMultiplier  float64
		wantPattern     string
		reasonContains  string
	}{
		{name: "unanimous buy", buy: 4, wantTrade: true, wantDirection: DirectionBuy, wantMultiplier: 1.00, wantPattern: "4-0-0"},
		{name: "unanimous sell", sell: 4, wantTrade: true, wantDirection: DirectionSell, wantMultiplier: 1.00, wantPattern: "0-4-0"},
		{name: "strong buy with one hold", buy: 3, hold: 1, wantTrade: true, wantDirection: DirectionBuy, wantMultiplier: 1.00, wantPattern: "3-0-1"},
		{name: "strong sell with one hold", sell: 3, hold: 1, wantTrade: true, wantDirection: DirectionSell, wantMultiplier: 1.00, wantPattern: "0-3-1"},
		{name: "moderate buy over opposition", buy: 3, sell: 1, wantTrade: true, wantDirection: DirectionBuy, wantMultiplier: 0.75, wantPattern: "3-1-0"},
		{name: "moderate sell over opposition", sell: 3, buy: 1, wantTrade: true, wantDirection: DirectionSell, wantMultiplier: 0.75, wantPattern: "1-3-0"},
		{name: "cautious buy with confidence", buy: 2, hold: 2, confidence: 70, wantTrade: true, wantDirection: DirectionBuy, wantMultiplier: 0.50, wantPattern: "2-0-2"},
		{name: "cautious sell with confidence", sell: 2, hold: 2, confidence: 70, wantTrade: true, wantDirection: DirectionSell, wantMultiplier: 0.50, wantPattern: "0-2-2"},
		{name: "cautious buy at exact floor", buy: 2, hold: 2, confidence: 60, wantTrade: true, wantDirection: DirectionBuy, wantMultiplier: 0.50, wantPattern: "2-0-2"},
		{name: "cautious buy below floor", buy: 2, hold: 2, confidence: 55, wantDirection: DirectionHold, wantPattern: "2-0-2", reasonContains: "60"},
		{name: "tie", buy: 2, sell: 2, confidence: 85, wantDirection: DirectionHold, wantPattern: "2-2-0", reasonContains: "tie"},
		{name: "opposition and uncertainty buy", buy: 2, sell: 1, hold: 1, wantDirection: DirectionHold, wantPattern: "2-1-1"},
		{name: "opposition and uncertainty sell", buy: 1, sell: 2, hold: 1, wantDirection: DirectionHold, wantPattern: "1-2-1"},
		{name: "split vote", buy: 1, sell: 1, hold: 2, wantDirection: DirectionHold, wantPattern: "1-1-2"},
		{name: "lone buy", buy: 1, hold: 3, wantDirection: DirectionHold, wantPattern: "1-0-3"},
		{name: "holds dominate", hold: 3, buy: 1, wantDirection: DirectionHold, reasonContains: "hold"},
		{name: "all hold", hold: 4, wantDirection: DirectionHold, wantPattern: "0-0-4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateConsensus(tt.buy, tt.sell, tt.hold, tt.confidence, minConf)

			if got.ShouldTrade != tt.wantTrade {
				t.Errorf("ShouldTrade = %v, want %v (reason %q)", got.ShouldTrade, tt.wantTrade, got.Reason)
			}
			if got.Direction != tt.wantDirection {
				t.Errorf("Direction = %v, want %v", got.Direction, tt.wantDirection)
			}
			if got.SizeMultiplier != tt.wantMultiplier {
				t.Errorf("SizeMultiplier = %v, want %v", got.SizeMultiplier, tt.wantMultiplier)
			}
			if tt.wantPattern != "" && got.Pattern != tt.wantPattern {
				t.Errorf("Pattern = %q, want %q", got.Pattern, tt.wantPattern)
			}
			if tt.reasonContains != "" && !strings.Contains(strings.ToLower(got.Reason), strings.ToLower(tt.reasonContains)) {
				t.Errorf("Reason %q does not mention %q", got.Reason, tt.reasonContains)
			}
			if !tt.wantTrade && got.Reason == "" {
				t.Error("rejection carries no reason")
			}
		})
	}
}

func TestEvaluateConsensusPure(t *testing.T) {
	a := EvaluateConsensus(3, 1, 0, 72, 60)
	b := EvaluateConsensus(3, 1, 0, 72, 60)
	if a != b {
		t.Errorf("same inputs produced %+v and %+v", a, b)
	}
}

func TestDirectionSide(t *testing.T) {
	if DirectionBuy.Side() != "buy" {
		t.Errorf("buy side = %q", DirectionBuy.Side())
	}
	if DirectionSell.Side() != "sell" {
		t.Errorf("sell side = %q", DirectionSell.Side())
	}
}
