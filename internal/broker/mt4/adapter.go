// Package mt4 implements the broker adapter for an MT4 terminal reached
// through a REST bridge. The bridge wraps MQL trade calls; its error codes
// are MT4 terminal codes, which this package maps onto the uniform broker
// error classification.
package mt4

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/store"
)

// MT4 terminal error codes surfaced by the bridge.
const (
	errCodeAlreadyClosed       = 4108
	errCodeAutoTradingDisabled = 4109
	errCodeNotEnoughMoney      = 134
)

// Adapter talks to the MT4 bridge.
type Adapter struct {
	baseURL    string
	token      string
	symbols    map[string]config.MT4SymbolSpec
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ broker.Adapter = (*Adapter)(nil)

// New creates an MT4 bridge adapter.
func New(cfg config.MT4Config, token string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		baseURL:    cfg.BridgeURL,
		token:      token,
		symbols:    cfg.Symbols,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "mt4").Logger(),
	}
}

// Name identifies the venue.
func (a *Adapter) Name() store.Broker {
	return store.BrokerMT4
}

// ============================================================================
// BRIDGE WIRE TYPES
// ============================================================================

type bridgeError struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type bridgeQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"time"`
}

type bridgeAccount struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
}

type bridgeOrderRequest struct {
	Symbol     string  `json:"symbol"`
	Cmd        string  `json:"cmd"` // "buy" or "sell"
	Lots       float64 `json:"lots"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	Comment    string  `json:"comment,omitempty"`
	Magic      int     `json:"magic,omitempty"`
}

type bridgeOrderResponse struct {
	bridgeError
	Ticket     int64   `json:"ticket"`
	OpenPrice  float64 `json:"open_price"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	OpenTime   int64   `json:"open_time"`
}

type bridgeCloseRequest struct {
	Ticket int64   `json:"ticket"`
	Lots   float64 `json:"lots,omitempty"`
}

type bridgeCloseResponse struct {
	bridgeError
	Ticket     int64   `json:"ticket"`
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	CloseTime  int64   `json:"close_time"`
}

type bridgeModifyRequest struct {
	Ticket     int64   `json:"ticket"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
}

type bridgePosition struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Cmd          string  `json:"cmd"`
	Lots         float64 `json:"lots"`
	OpenPrice    float64 `json:"open_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	OpenTime     int64   `json:"open_time"`
}

// ============================================================================
// ADAPTER SURFACE
// ============================================================================

// GetPrice returns the bridge quote for a symbol.
func (a *Adapter) GetPrice(ctx context.Context, symbol string) (*broker.Price, error) {
	var quote bridgeQuote
	params := url.Values{"symbol": {symbol}}
	if err := a.get(ctx, "/price", params, &quote); err != nil {
		return nil, a.wrap("price", err)
	}
	return &broker.Price{
		Symbol: quote.Symbol,
		Bid:    quote.Bid,
		Ask:    quote.Ask,
		Last:   (quote.Bid + quote.Ask) / 2,
		At:     time.Unix(quote.Time, 0).UTC(),
	}, nil
}

// GetAccount returns the terminal account snapshot.
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	var acct bridgeAccount
	if err := a.get(ctx, "/account", nil, &acct); err != nil {
		return nil, a.wrap("account", err)
	}
	return &broker.Account{
		Balance:    acct.Balance,
		Equity:     acct.Equity,
		Margin:     acct.Margin,
		FreeMargin: acct.FreeMargin,
		Currency:   acct.Currency,
	}, nil
}

// CreateMarketOrder places a market order. Free margin is pre-checked
// against the contract-size requirement so a doomed order never reaches
// the terminal.
func (a *Adapter) CreateMarketOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	const op = "create_order"

	price, err := a.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	ref := price.Ask
	if req.Side == store.SideSell {
		ref = price.Bid
	}

	if err := a.checkMargin(ctx, req.Symbol, req.Volume, ref); err != nil {
		return nil, err
	}

	body := bridgeOrderRequest{
		Symbol:     req.Symbol,
		Cmd:        string(req.Side),
		Lots:       req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Comment:    req.Comment,
	}

	var resp bridgeOrderResponse
	if err := a.post(ctx, "/order", body, &resp); err != nil {
		return nil, a.wrap(op, err)
	}
	if resp.ErrorCode != 0 {
		return nil, a.mapBridgeError(op, resp.bridgeError)
	}

	return &broker.OrderResult{
		Ticket:     resp.Ticket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		OpenPrice:  resp.OpenPrice,
		StopLoss:   resp.StopLoss,
		TakeProfit: resp.TakeProfit,
		OpenedAt:   time.Unix(resp.OpenTime, 0).UTC(),
	}, nil
}

// ModifyStopLoss updates SL/TP on an open ticket.
func (a *Adapter) ModifyStopLoss(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	const op = "modify"
	body := bridgeModifyRequest{Ticket: ticket, StopLoss: stopLoss, TakeProfit: takeProfit}

	var resp bridgeOrderResponse
	if err := a.post(ctx, "/modify", body, &resp); err != nil {
		return a.wrap(op, err)
	}
	if resp.ErrorCode != 0 {
		return a.mapBridgeError(op, resp.bridgeError)
	}
	return nil
}

// ClosePosition closes a ticket at market. An "already closed" terminal
// response (4108) is recovered as a successful close.
func (a *Adapter) ClosePosition(ctx context.Context, ticket int64, volume float64) (*broker.CloseResult, error) {
	const op = "close"
	body := bridgeCloseRequest{Ticket: ticket, Lots: volume}

	var resp bridgeCloseResponse
	if err := a.post(ctx, "/close", body, &resp); err != nil {
		return nil, a.wrap(op, err)
	}
	if resp.ErrorCode == errCodeAlreadyClosed {
		a.logger.Warn().Int64("ticket", ticket).Msg("position already closed on terminal")
		return &broker.CloseResult{
			Ticket:        ticket,
			ClosedAt:      time.Now().UTC(),
			AlreadyClosed: true,
		}, nil
	}
	if resp.ErrorCode != 0 {
		return nil, a.mapBridgeError(op, resp.bridgeError)
	}

	return &broker.CloseResult{
		Ticket:     resp.Ticket,
		ClosePrice: resp.ClosePrice,
		Profit:     resp.Profit,
		ClosedAt:   time.Unix(resp.CloseTime, 0).UTC(),
	}, nil
}

// GetOpenPositions lists the terminal's live orders.
func (a *Adapter) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	var raw []bridgePosition
	if err := a.get(ctx, "/positions", nil, &raw); err != nil {
		return nil, a.wrap("positions", err)
	}

	positions := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		side := store.SideBuy
		if p.Cmd == "sell" {
			side = store.SideSell
		}
		positions = append(positions, broker.Position{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Side:         side,
			Volume:       p.Lots,
			OpenPrice:    p.OpenPrice,
			CurrentPrice: p.CurrentPrice,
			StopLoss:     p.StopLoss,
			TakeProfit:   p.TakeProfit,
			Profit:       p.Profit,
			OpenedAt:     time.Unix(p.OpenTime, 0).UTC(),
		})
	}
	return positions, nil
}

// CalculateOrderSize converts USD notional into lots using the configured
// contract size, rounded down to 0.01 lot.
func (a *Adapter) CalculateOrderSize(ctx context.Context, symbol string, sizeUSD float64) (float64, error) {
	spec, ok := a.symbols[symbol]
	if !ok || spec.ContractSize <= 0 {
		return 0, broker.NewError(broker.CodeUnknown, store.BrokerMT4, "order_size",
			fmt.Sprintf("no contract spec for symbol %s", symbol), nil)
	}
	price, err := a.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	lots := sizeUSD / (spec.ContractSize * price.Mid())
	lots = math.Floor(lots*100) / 100
	if lots < 0.01 {
		lots = 0.01
	}
	return lots, nil
}

// InstrumentInfo reports the configured contract parameters.
func (a *Adapter) InstrumentInfo(_ context.Context, symbol string) (*broker.InstrumentInfo, error) {
	spec, ok := a.symbols[symbol]
	if !ok {
		return nil, broker.NewError(broker.CodeUnknown, store.BrokerMT4, "instrument",
			fmt.Sprintf("no contract spec for symbol %s", symbol), nil)
	}
	return &broker.InstrumentInfo{
		Symbol:       symbol,
		MinSize:      0.01,
		LotSize:      0.01,
		ContractSize: spec.ContractSize,
	}, nil
}

// checkMargin rejects an order whose margin requirement exceeds the
// terminal's free margin.
func (a *Adapter) checkMargin(ctx context.Context, symbol string, lots, price float64) error {
	spec, ok := a.symbols[symbol]
	if !ok || spec.Leverage <= 0 {
		// No spec configured; let the terminal be the judge.
		return nil
	}

	acct, err := a.GetAccount(ctx)
	if err != nil {
		return err
	}

	required := (lots * spec.ContractSize * price) / spec.Leverage
	if required > acct.FreeMargin {
		msg := fmt.Sprintf("required margin %.2f exceeds free margin %.2f", required, acct.FreeMargin)
		return broker.NewError(broker.CodeInsufficientMargin, store.BrokerMT4, "create_order", msg, nil)
	}
	return nil
}

// ============================================================================
// HTTP PLUMBING
// ============================================================================

func (a *Adapter) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := a.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out interface{}) error {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return &transportError{err: fmt.Errorf("bridge error %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge error %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

// transportError marks dial failures, timeouts, and 5xx responses so wrap
// can classify them as transient.
type transportError struct {
	err error
}

func (t *transportError) Error() string { return t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

func (a *Adapter) wrap(op string, err error) error {
	var te *transportError
	if errors.As(err, &te) {
		return broker.NewError(broker.CodeTransient, store.BrokerMT4, op, "bridge unreachable", err)
	}
	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}
	return broker.NewError(broker.CodeUnknown, store.BrokerMT4, op, err.Error(), err)
}

func (a *Adapter) mapBridgeError(op string, be bridgeError) error {
	msg := be.ErrorMessage
	if msg == "" {
		msg = "terminal error " + strconv.Itoa(be.ErrorCode)
	}
	switch be.ErrorCode {
	case errCodeAutoTradingDisabled:
		return broker.NewError(broker.CodeAutoTradingDisabled, store.BrokerMT4, op, msg, nil)
	case errCodeAlreadyClosed:
		return broker.NewError(broker.CodeAlreadyClosed, store.BrokerMT4, op, msg, nil)
	case errCodeNotEnoughMoney:
		return broker.NewError(broker.CodeInsufficientMargin, store.BrokerMT4, op, msg, nil)
	default:
		return broker.NewError(broker.CodeUnknown, store.BrokerMT4, op, msg, nil)
	}
}
