package position

import (
	"testing"
	"time"

	"scalping-engine/config"
	"scalping-engine/internal/store"
)

func testExitConfig() config.ExitConfig {
	return config.ExitConfig{
		EarlyExitLossPoints: 80,
		BreakevenPoints:     40,
		TrailStartPoints:    50,
		TrailDistancePoints: 30,
		MaxPositionMinutes:  45,

		TrailBreakevenPct:     0.50,
		TrailLockPct:          0.75,
		TrailLockAmount:       0.50,
		BreakevenBufferPoints: 5,

		OneToOneLockProfitPct: 0.50,

		TimeExitSlowMinutes:     15,
		TimeExitSlowMinProgress: 0.25,
		TimeExitMaxMinutes:      30,

		ReversalMinConfidence: 70,
	}
}

func openBuy() *store.Position {
	return &store.Position{
		Ticket:           9001,
		UserID:           "u1",
		AgentID:          "agent-1",
		Symbol:           "BTCUSD",
		Side:             store.SideBuy,
		LotSize:          0.10,
		EntryPrice:       100000,
		CurrentPrice:     100000,
		StopLoss:         99850,
		TakeProfit:       100225,
		OriginalStopLoss: 99850,
		Status:           store.PositionOpen,
		OpenedAt:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func openSell() *store.Position {
	p := openBuy()
	p.Side = store.SideSell
	p.StopLoss = 100150
	p.TakeProfit = 99775
	p.OriginalStopLoss = 100150
	return p
}

func TestExitLadderForBuy(t *testing.T) {
	cfg := testExitConfig()
	p := openBuy()

	// Flat price: nothing moves.
	act := evaluateExits(p, cfg, 1)
	if act.Close || act.StopMoved {
		t.Fatalf("flat position acted on: %+v", act)
	}

	// 50% of the way to TP: break-even plus buffer.
	p.CurrentPrice = 100113
	act = evaluateExits(p, cfg, 2)
	if act.Close {
		t.Fatalf("closed at 50%% progress: %s", act.Reason)
	}
	if !act.StopMoved || !act.BreakEven {
		t.Fatalf("break-even not activated: %+v", act)
	}
	if p.StopLoss != 100005 {
		t.Errorf("StopLoss = %v, want entry+buffer 100005", p.StopLoss)
	}
	if !p.BreakEvenActivated {
		t.Error("BreakEvenActivated flag not set")
	}

	// 75% of the way: lock half the TP distance.
	p.CurrentPrice = 100170
	act = evaluateExits(p, cfg, 3)
	if act.Close {
		t.Fatalf("closed at 75%% progress: %s", act.Reason)
	}
	if !act.StopMoved || !act.Locked75 {
		t.Fatalf("75%% lock not applied: %+v", act)
	}
	if p.StopLoss != 100112.5 {
		t.Errorf("StopLoss = %v, want entry+half TP distance 100112.5", p.StopLoss)
	}

	// Price falls back through the advanced stop: the backstop closes as
	// stop-loss, never take-profit, even though the stop sits above entry.
	p.CurrentPrice = 100100
	act = evaluateExits(p, cfg, 4)
	if !act.Close {
		t.Fatal("price through the advanced stop did not close")
	}
	if act.Reason != "stop-loss" {
		t.Errorf("Reason = %q, want stop-loss", act.Reason)
	}
}

func TestExitLadderForSellMirrors(t *testing.T) {
	cfg := testExitConfig()
	p := openSell()

	p.CurrentPrice = 99887 // just past 50% of the 225-point TP distance
	act := evaluateExits(p, cfg, 2)
	if !act.StopMoved || !act.BreakEven {
		t.Fatalf("sell break-even not activated: %+v", act)
	}
	if p.StopLoss != 99995 {
		t.Errorf("StopLoss = %v, want entry-buffer 99995", p.StopLoss)
	}

	p.CurrentPrice = 99830
	act = evaluateExits(p, cfg, 3)
	if !act.Locked75 {
		t.Fatalf("sell 75%% lock not applied: %+v", act)
	}
	if p.StopLoss != 99887.5 {
		t.Errorf("StopLoss = %v, want 99887.5", p.StopLoss)
	}
}

func TestStopLossIsMonotone(t *testing.T) {
	cfg := testExitConfig()
	p := openBuy()

	p.CurrentPrice = 100170
	evaluateExits(p, cfg, 2)
	advanced := p.StopLoss
	if advanced <= 99850 {
		t.Fatalf("stop did not advance, at %v", advanced)
	}

	// A pullback must never widen the stop.
	p.CurrentPrice = 100120
	act := evaluateExits(p, cfg, 3)
	if p.StopLoss < advanced {
		t.Errorf("stop widened from %v to %v on pullback", advanced, p.StopLoss)
	}
	if act.Close && act.Reason == "take-profit" {
		t.Error("pullback close labeled take-profit")
	}
}

func TestOneToOneProfitLock(t *testing.T) {
	cfg := testExitConfig()
	p := openBuy()
	p.TakeProfit = 0 // isolate the 1:1 rule from percentage trailing

	// Risk is 150 points; at +150 the rule locks half of it.
	p.CurrentPrice = 100150
	act := evaluateExits(p, cfg, 2)
	if !p.OneToOneLocked {
		t.Fatal("OneToOneLocked not set at 1:1")
	}
	if !act.StopMoved {
		t.Fatal("stop not moved at 1:1")
	}
	// The point-based trail also runs without a TP. The 1:1 lock puts the
	// stop at 100075; the trail at current-30 is tighter and wins.
	if p.StopLoss != 100120 {
		t.Errorf("StopLoss = %v, want tightest of lock and trail (100120)", p.StopLoss)
	}
}

func TestEarlyAdverseExit(t *testing.T) {
	cfg := testExitConfig()
	p := openBuy()
	p.StopLoss = 99850

	// 80 points under water, stop at 150 not yet reached.
	p.CurrentPrice = 99920
	act := evaluateExits(p, cfg, 2)
	if !act.Close {
		t.Fatal("early adverse exit did not fire at -80 points")
	}
	if act.Reason != "stop-loss" {
		t.Errorf("Reason = %q, want stop-loss", act.Reason)
	}
}

func TestTimeExits(t *testing.T) {
	cfg := testExitConfig()

	// Slow exit: open past 15 minutes with under 25% progress.
	p := openBuy()
	p.CurrentPrice = 100020 // ~9% progress
	act := evaluateExits(p, cfg, 16)
	if !act.Close || act.Reason != "time-exit-slow" {
		t.Errorf("slow time exit = %+v", act)
	}

	// A position making progress is left alone at 16 minutes.
	p = openBuy()
	p.CurrentPrice = 100080 // ~36% progress
	act = evaluateExits(p, cfg, 16)
	if act.Close {
		t.Errorf("progressing position closed: %s", act.Reason)
	}

	// Hard cap closes regardless of progress.
	p = openBuy()
	p.CurrentPrice = 100080
	act = evaluateExits(p, cfg, 31)
	if !act.Close || act.Reason != "time-exit-max" {
		t.Errorf("max time exit = %+v", act)
	}

	// A position past both cutoffs that is also stagnant reports the
	// slow reason, not the hard cap.
	p = openBuy()
	p.CurrentPrice = 100020
	act = evaluateExits(p, cfg, 31)
	if !act.Close || act.Reason != "time-exit-slow" {
		t.Errorf("stagnant past both cutoffs = %+v, want time-exit-slow", act)
	}
}

func TestAbsoluteAgeCeiling(t *testing.T) {
	cfg := testExitConfig()
	cfg.TimeExitMaxMinutes = 120

	// Progressing, so neither time rule fires; the 45-minute ceiling
	// still closes it.
	p := openBuy()
	p.CurrentPrice = 100080
	act := evaluateExits(p, cfg, 46)
	if !act.Close || act.Reason != "time-exit-max" {
		t.Errorf("position past absolute ceiling = %+v", act)
	}

	p = openBuy()
	p.CurrentPrice = 100080
	if act := evaluateExits(p, cfg, 44); act.Close {
		t.Errorf("position under absolute ceiling closed: %s", act.Reason)
	}
}

func TestBackstopChecksStopBeforeTarget(t *testing.T) {
	cfg := testExitConfig()
	p := openBuy()
	// Degenerate geometry where price satisfies both: stop wins.
	p.StopLoss = 100300
	p.TakeProfit = 100225
	p.BreakEvenActivated = true
	p.ProfitLocked75 = true
	p.OneToOneLocked = true
	p.CurrentPrice = 100250

	act := evaluateExits(p, cfg, 1)
	if !act.Close {
		t.Fatal("backstop did not fire")
	}
	if act.Reason != "stop-loss" {
		t.Errorf("Reason = %q, stop must be checked before target", act.Reason)
	}
}

func TestTakeProfitBackstop(t *testing.T) {
	cfg := testExitConfig()
	p := openSell()
	p.BreakEvenActivated = true
	p.ProfitLocked75 = true
	p.OneToOneLocked = true
	p.StopLoss = 99887.5
	p.CurrentPrice = 99770

	act := evaluateExits(p, cfg, 1)
	if !act.Close || act.Reason != "take-profit" {
		t.Errorf("sell through TP = %+v", act)
	}
}

func TestPointTrailingWithoutTakeProfit(t *testing.T) {
	cfg := testExitConfig()
	p := openBuy()
	p.TakeProfit = 0
	p.OneToOneLocked = true // isolate the point-based rules

	// +40 points: break even.
	p.CurrentPrice = 100040
	evaluateExits(p, cfg, 2)
	if !p.BreakEvenActivated || p.StopLoss != 100005 {
		t.Fatalf("point break-even: activated=%v sl=%v", p.BreakEvenActivated, p.StopLoss)
	}

	// +60 points: trail 30 behind.
	p.CurrentPrice = 100060
	evaluateExits(p, cfg, 3)
	if !p.TrailingStopActivated || p.StopLoss != 100030 {
		t.Fatalf("point trail: activated=%v sl=%v", p.TrailingStopActivated, p.StopLoss)
	}
}
