package signals

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"scalping-engine/config"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/logging"
	"scalping-engine/internal/store"
)

type fakePrices struct {
	price float64
	err   error
}

func (f *fakePrices) ReferencePrice(ctx context.Context, b store.Broker, symbol string) (float64, error) {
	return f.price, f.err
}

type fakeFilter struct {
	deny   bool
	reason string
}

func (f *fakeFilter) CanExecute(symbol string, b store.Broker, category string) (bool, string) {
	if f.deny {
		return false, f.reason
	}
	return true, ""
}

type fakeQueue struct {
	enqueued []*ValidatedSignal
	err      error
}

func (f *fakeQueue) Enqueue(ctx context.Context, v *ValidatedSignal) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, v)
	return nil
}

type fakeLatest struct {
	records []LatestSignal
}

func (f *fakeLatest) SetLatestSignal(ctx context.Context, s LatestSignal) error {
	f.records = append(f.records, s)
	return nil
}

func testValidatorConfig() config.ValidatorConfig {
	return config.ValidatorConfig{
		MaxStopLossPoints:     200,
		DefaultStopLossPoints: 150,
		RiskRewardRatio:       1.5,
		BasePositionSizeUSD:   100,
		SafeMultiplier:        1.0,
		ModerateMultiplier:    0.7,
		RiskyMultiplier:       0.4,
	}
}

func testAgent() *store.Agent {
	return &store.Agent{ID: "agent-1", UserID: "u1", Broker: store.BrokerMT4, IsActive: true}
}

func buyCandidate() Candidate {
	return Candidate{
		SignalID:       "sig-1",
		AgentID:        "agent-1",
		Symbol:         "BTCUSD",
		Recommendation: RecommendBuy,
		Category:       CategoryFibonacciScalping,
		Votes:          Votes{Buy: 3, Hold: 1, Confidence: 80},
	}
}

func newTestValidator(prices PriceSource, filter VenueFilter, q Enqueuer, latest LatestRecorder) *Validator {
	return NewValidator(testValidatorConfig(), prices, filter, q, latest,
		clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)), logging.Nop())
}

func TestValidateCapsStopLossDistance(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	c.EntryHint = 100000
	c.StopLossHint = 99400 // 600 points away, cap is 200

	out := v.Validate(context.Background(), c, testAgent())
	if !out.IsValid {
		t.Fatalf("invalid: %s", out.Reason)
	}
	if out.StopLossPrice != 99800 {
		t.Errorf("StopLossPrice = %v, want 99800", out.StopLossPrice)
	}
	if out.TakeProfitPrice != 100300 {
		t.Errorf("TakeProfitPrice = %v, want 100300 (capped risk times 1.5)", out.TakeProfitPrice)
	}
}

func TestValidateInstallsDefaultStop(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	c.EntryHint = 100000

	out := v.Validate(context.Background(), c, testAgent())
	if !out.IsValid {
		t.Fatalf("invalid: %s", out.Reason)
	}
	if out.StopLossPrice != 99850 {
		t.Errorf("StopLossPrice = %v, want default 150 points below entry", out.StopLossPrice)
	}
	if out.TakeProfitPrice != 100225 {
		t.Errorf("TakeProfitPrice = %v, want 100225", out.TakeProfitPrice)
	}
}

func TestValidateSellLevelsMirror(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	c.Recommendation = RecommendSell
	c.Votes = Votes{Sell: 3, Hold: 1, Confidence: 80}
	c.EntryHint = 100000

	out := v.Validate(context.Background(), c, testAgent())
	if !out.IsValid {
		t.Fatalf("invalid: %s", out.Reason)
	}
	if out.StopLossPrice != 100150 {
		t.Errorf("sell StopLossPrice = %v, want 100150", out.StopLossPrice)
	}
	if out.TakeProfitPrice != 99775 {
		t.Errorf("sell TakeProfitPrice = %v, want 99775", out.TakeProfitPrice)
	}
}

func TestValidateDiscardsTakeProfitHint(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	c.EntryHint = 100000
	c.TakeProfitHint = 150000

	out := v.Validate(context.Background(), c, testAgent())
	if !out.IsValid {
		t.Fatalf("invalid: %s", out.Reason)
	}
	if out.TakeProfitPrice != 100225 {
		t.Errorf("TakeProfitPrice = %v, hint should be discarded", out.TakeProfitPrice)
	}
}

func TestValidateHoldRejected(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	c.Recommendation = RecommendHold
	c.Votes = Votes{Hold: 4, Confidence: 90}

	out := v.Validate(context.Background(), c, testAgent())
	if out.IsValid {
		t.Fatal("HOLD validated as tradeable")
	}
	if !strings.Contains(out.Reason, "hold") {
		t.Errorf("Reason = %q", out.Reason)
	}
}

func TestValidateUsesReferencePriceWithoutHint(t *testing.T) {
	v := newTestValidator(&fakePrices{price: 64250}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	out := v.Validate(context.Background(), c, testAgent())
	if !out.IsValid {
		t.Fatalf("invalid: %s", out.Reason)
	}
	if out.RecommendedEntry != 64250 {
		t.Errorf("RecommendedEntry = %v, want venue price", out.RecommendedEntry)
	}
}

func TestValidatePriceUnavailable(t *testing.T) {
	v := newTestValidator(&fakePrices{err: errors.New("venue down")}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	out := v.Validate(context.Background(), buyCandidate(), testAgent())
	if out.IsValid {
		t.Fatal("validated without any price")
	}
	if !strings.Contains(out.Reason, "reference price") {
		t.Errorf("Reason = %q", out.Reason)
	}
}

func TestValidateFilterDeny(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{deny: true, reason: "symbol ETHUSD not tradeable on mt4"},
		&fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	c.EntryHint = 100000
	out := v.Validate(context.Background(), c, testAgent())
	if out.IsValid {
		t.Fatal("validated through a filter deny")
	}
	if !strings.Contains(out.Reason, "not tradeable") {
		t.Errorf("Reason = %q", out.Reason)
	}
	if !out.Filtered {
		t.Error("filter deny not marked Filtered")
	}
}

func TestValidateRejectionsAreNotFiltered(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	c := buyCandidate()
	c.Recommendation = RecommendHold
	c.Votes = Votes{Hold: 4, Confidence: 90}

	out := v.Validate(context.Background(), c, testAgent())
	if out.IsValid || out.Filtered {
		t.Errorf("hold rejection = (valid %v, filtered %v), want plain rejection",
			out.IsValid, out.Filtered)
	}
}

func TestClassifyRiskAndSizing(t *testing.T) {
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, &fakeQueue{}, &fakeLatest{})

	tests := []struct {
		name     string
		votes    Votes
		rec      Recommendation
		want     RiskClass
		wantSize float64
	}{
		{name: "strong consensus high confidence", votes: Votes{Buy: 4, Confidence: 85}, rec: RecommendBuy, want: RiskSafe, wantSize: 100},
		{name: "three votes at 75", votes: Votes{Buy: 3, Hold: 1, Confidence: 75}, rec: RecommendBuy, want: RiskSafe, wantSize: 100},
		{name: "three votes low confidence", votes: Votes{Sell: 3, Hold: 1, Confidence: 65}, rec: RecommendSell, want: RiskModerate, wantSize: 70},
		{name: "weak consensus at floor", votes: Votes{Buy: 2, Hold: 2, Confidence: 60}, rec: RecommendBuy, want: RiskModerate, wantSize: 70},
		{name: "low confidence", votes: Votes{Buy: 2, Sell: 1, Hold: 1, Confidence: 40}, rec: RecommendBuy, want: RiskRisky, wantSize: 40},
		{name: "no votes", votes: Votes{}, rec: RecommendBuy, want: RiskRisky, wantSize: 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyRisk(tt.votes); got != tt.want {
				t.Errorf("ClassifyRisk = %v, want %v", got, tt.want)
			}

			c := buyCandidate()
			c.Recommendation = tt.rec
			c.Votes = tt.votes
			c.EntryHint = 100000
			out := v.Validate(context.Background(), c, testAgent())
			if !out.IsValid {
				t.Fatalf("invalid: %s", out.Reason)
			}
			if out.PositionSizeUSD != tt.wantSize {
				t.Errorf("PositionSizeUSD = %v, want %v", out.PositionSizeUSD, tt.wantSize)
			}
		})
	}
}

func TestValidateAndEnqueueRecordsLatestEvenWhenInvalid(t *testing.T) {
	q := &fakeQueue{}
	latest := &fakeLatest{}
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, q, latest)

	c := buyCandidate()
	c.Recommendation = RecommendHold
	c.Votes = Votes{Hold: 4, Confidence: 88}

	out, err := v.ValidateAndEnqueue(context.Background(), c, testAgent())
	if err != nil {
		t.Fatal(err)
	}
	if out.IsValid {
		t.Fatal("HOLD came back valid")
	}
	if len(q.enqueued) != 0 {
		t.Error("invalid signal was enqueued")
	}
	if len(latest.records) != 1 {
		t.Fatalf("latest records = %d, want 1", len(latest.records))
	}
	if latest.records[0].Recommendation != RecommendHold || latest.records[0].Confidence != 88 {
		t.Errorf("latest record = %+v", latest.records[0])
	}
}

func TestValidateAndEnqueueQueuesValidSignals(t *testing.T) {
	q := &fakeQueue{}
	v := newTestValidator(&fakePrices{}, &fakeFilter{}, q, &fakeLatest{})

	c := buyCandidate()
	c.EntryHint = 100000
	out, err := v.ValidateAndEnqueue(context.Background(), c, testAgent())
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsValid {
		t.Fatalf("invalid: %s", out.Reason)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(q.enqueued))
	}
	if !q.enqueued[0].PriorityQueue() {
		t.Error("fibonacci-scalping signal did not route to the priority queue")
	}
}

func TestCheckShape(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Candidate)
		wantErr bool
	}{
		{name: "well formed", mutate: func(c *Candidate) {}},
		{name: "no votes is allowed", mutate: func(c *Candidate) { c.Votes = Votes{} }},
		{name: "missing agent", mutate: func(c *Candidate) { c.AgentID = "" }, wantErr: true},
		{name: "missing symbol", mutate: func(c *Candidate) { c.Symbol = "" }, wantErr: true},
		{name: "unknown recommendation", mutate: func(c *Candidate) { c.Recommendation = "LONG" }, wantErr: true},
		{name: "votes sum to three", mutate: func(c *Candidate) { c.Votes = Votes{Buy: 2, Hold: 1} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := buyCandidate()
			tt.mutate(&c)
			err := c.CheckShape()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckShape() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
