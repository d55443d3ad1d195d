package mt4

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/logging"
	"scalping-engine/internal/store"
)

// fakeBridge stands in for the MT4 REST bridge.
type fakeBridge struct {
	freeMargin float64
	orderCode  int
	orderMsg   string
	closeCode  int
	lastOrder  bridgeOrderRequest
}

func (f *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/price", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bridgeQuote{
			Symbol: r.URL.Query().Get("symbol"),
			Bid:    2499.5,
			Ask:    2500.5,
			Time:   1735689600,
		})
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bridgeAccount{
			Balance: 10000, Equity: 10000, FreeMargin: f.freeMargin, Currency: "USD",
		})
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.lastOrder)
		json.NewEncoder(w).Encode(bridgeOrderResponse{
			bridgeError: bridgeError{ErrorCode: f.orderCode, ErrorMessage: f.orderMsg},
			Ticket:      777001,
			OpenPrice:   2500.5,
			StopLoss:    f.lastOrder.StopLoss,
			TakeProfit:  f.lastOrder.TakeProfit,
			OpenTime:    1735689600,
		})
	})
	mux.HandleFunc("/close", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bridgeCloseResponse{
			bridgeError: bridgeError{ErrorCode: f.closeCode},
			Ticket:      777001,
			ClosePrice:  2510,
			Profit:      9.5,
			CloseTime:   1735693200,
		})
	})
	return mux
}

func newTestAdapter(t *testing.T, bridge *fakeBridge) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(bridge.handler())
	t.Cleanup(srv.Close)

	cfg := config.MT4Config{
		BridgeURL: srv.URL,
		Symbols: map[string]config.MT4SymbolSpec{
			"ETHUSD": {ContractSize: 1, Leverage: 100},
		},
	}
	return New(cfg, "", logging.Nop()), srv
}

func TestCreateMarketOrderSuccess(t *testing.T) {
	bridge := &fakeBridge{freeMargin: 5000}
	adapter, _ := newTestAdapter(t, bridge)

	result, err := adapter.CreateMarketOrder(context.Background(), broker.OrderRequest{
		Symbol: "ETHUSD", Side: store.SideBuy, Volume: 0.05, StopLoss: 2400, TakeProfit: 2650,
	})
	if err != nil {
		t.Fatalf("CreateMarketOrder: %v", err)
	}
	if result.Ticket != 777001 {
		t.Errorf("ticket = %d, want 777001", result.Ticket)
	}
	if result.OpenPrice != 2500.5 {
		t.Errorf("open price = %v, want 2500.5", result.OpenPrice)
	}
	if bridge.lastOrder.Cmd != "buy" {
		t.Errorf("bridge cmd = %q, want buy", bridge.lastOrder.Cmd)
	}
	if bridge.lastOrder.Lots != 0.05 {
		t.Errorf("bridge lots = %v, want 0.05", bridge.lastOrder.Lots)
	}
}

func TestCreateMarketOrderAutoTradingDisabled(t *testing.T) {
	bridge := &fakeBridge{freeMargin: 5000, orderCode: 4109, orderMsg: "trade is not allowed"}
	adapter, _ := newTestAdapter(t, bridge)

	_, err := adapter.CreateMarketOrder(context.Background(), broker.OrderRequest{
		Symbol: "ETHUSD", Side: store.SideBuy, Volume: 0.05,
	})
	if err == nil {
		t.Fatal("expected error for code 4109")
	}
	if !broker.IsAutoTradingDisabled(err) {
		t.Errorf("error not classified as autotrading disabled: %v", err)
	}
}

func TestCreateMarketOrderMarginPreCheck(t *testing.T) {
	// 1 lot at contract size 1 and price ~2500 with 100x leverage needs
	// ~25 margin; set free margin below that.
	bridge := &fakeBridge{freeMargin: 10}
	adapter, _ := newTestAdapter(t, bridge)

	_, err := adapter.CreateMarketOrder(context.Background(), broker.OrderRequest{
		Symbol: "ETHUSD", Side: store.SideBuy, Volume: 1.0,
	})
	if err == nil {
		t.Fatal("expected margin rejection")
	}
	if !broker.IsInsufficientMargin(err) {
		t.Errorf("error not classified as insufficient margin: %v", err)
	}
	if bridge.lastOrder.Symbol != "" {
		t.Error("order reached the bridge despite failing the margin pre-check")
	}
}

func TestClosePositionAlreadyClosedRecovered(t *testing.T) {
	bridge := &fakeBridge{freeMargin: 5000, closeCode: 4108}
	adapter, _ := newTestAdapter(t, bridge)

	result, err := adapter.ClosePosition(context.Background(), 777001, 0)
	if err != nil {
		t.Fatalf("already-closed should not be an error, got %v", err)
	}
	if !result.AlreadyClosed {
		t.Error("AlreadyClosed flag not set")
	}
}

func TestTransientOnBridgeDown(t *testing.T) {
	bridge := &fakeBridge{freeMargin: 5000}
	adapter, srv := newTestAdapter(t, bridge)
	srv.Close()

	_, err := adapter.GetPrice(context.Background(), "ETHUSD")
	if err == nil {
		t.Fatal("expected error with bridge down")
	}
	if !broker.IsTransient(err) {
		t.Errorf("unreachable bridge should classify transient: %v", err)
	}
}
