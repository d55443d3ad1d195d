package store

import (
	"testing"
	"time"
)

func TestDateKeyUsesUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// 23:30 New York on Jan 1 is already Jan 2 in UTC. The daily stats
	// document must roll over on the UTC boundary, not the local one.
	local := time.Date(2025, 1, 1, 23, 30, 0, 0, loc)
	if got := DateKey(local); got != "2025-01-02" {
		t.Errorf("DateKey(%v) = %q, want 2025-01-02", local, got)
	}

	utc := time.Date(2025, 1, 1, 23, 30, 0, 0, time.UTC)
	if got := DateKey(utc); got != "2025-01-01" {
		t.Errorf("DateKey(%v) = %q, want 2025-01-01", utc, got)
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell {
		t.Errorf("buy.Opposite() = %q, want sell", SideBuy.Opposite())
	}
	if SideSell.Opposite() != SideBuy {
		t.Errorf("sell.Opposite() = %q, want buy", SideSell.Opposite())
	}
}

func TestSignalStatusTerminal(t *testing.T) {
	cases := []struct {
		status   SignalStatus
		terminal bool
	}{
		{SignalPending, false},
		{SignalFiltered, true},
		{SignalRejected, true},
		{SignalExecuted, true},
		{SignalFailed, true},
	}
	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}

func TestBrokerValid(t *testing.T) {
	for _, b := range []Broker{BrokerMT4, BrokerOKX, BrokerBinance} {
		if !b.Valid() {
			t.Errorf("%s should be valid", b)
		}
	}
	if Broker("KRAKEN").Valid() {
		t.Error("unknown broker should be invalid")
	}
}

func TestPositionIsOpen(t *testing.T) {
	p := &Position{Status: PositionOpen}
	if !p.IsOpen() {
		t.Error("open position should report IsOpen")
	}
	p.Status = PositionClosed
	if p.IsOpen() {
		t.Error("closed position should not report IsOpen")
	}
	p.Status = PositionAutoClosed
	if p.IsOpen() {
		t.Error("auto-closed position should not report IsOpen")
	}
}
