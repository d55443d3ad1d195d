// Package okx implements the broker adapter for OKX v5 cross-margin
// trading. Tickets map to OKX position IDs, which are stable for the life
// of a net position. Protective levels are carried by a reduce-only OCO
// algo order keyed by the position ID.
package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/store"
	"scalping-engine/internal/vault"
)

const (
	marginMode = "cross"
	quoteCcy   = "USDT"

	scodeInsufficientBalance = "51008"
	scodePositionNotExist    = "51023"
)

// Adapter talks to the OKX v5 REST API.
type Adapter struct {
	baseURL        string
	signer         signer
	simulated      bool
	minNotionalUSD float64
	instruments    map[string]string // internal symbol -> instId
	httpClient     *http.Client
	logger         zerolog.Logger

	mu        sync.RWMutex
	instCache map[string]*broker.InstrumentInfo
}

var _ broker.Adapter = (*Adapter)(nil)

// New creates an OKX adapter from config and vault credentials.
func New(cfg config.OKXConfig, creds *vault.Credentials, logger zerolog.Logger) *Adapter {
	return &Adapter{
		baseURL: cfg.BaseURL,
		signer: signer{
			apiKey:     creds.APIKey,
			secret:     creds.APISecret,
			passphrase: creds.Passphrase,
		},
		simulated:      cfg.Simulated,
		minNotionalUSD: cfg.MinOrderValueUSD,
		instruments:    cfg.Instruments,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		logger:         logger.With().Str("component", "okx").Logger(),
		instCache:      make(map[string]*broker.InstrumentInfo),
	}
}

// Name identifies the venue.
func (a *Adapter) Name() store.Broker {
	return store.BrokerOKX
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type tickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
	Ts     string `json:"ts"`
}

type balanceData struct {
	TotalEq string `json:"totalEq"`
	AdjEq   string `json:"adjEq"`
}

type instrumentData struct {
	InstID string `json:"instId"`
	MinSz  string `json:"minSz"`
	LotSz  string `json:"lotSz"`
	TickSz string `json:"tickSz"`
}

type orderData struct {
	OrdID string `json:"ordId"`
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

type orderDetail struct {
	OrdID  string `json:"ordId"`
	State  string `json:"state"`
	AvgPx  string `json:"avgPx"`
	FillSz string `json:"accFillSz"`
	CTime  string `json:"cTime"`
}

type positionData struct {
	PosID  string `json:"posId"`
	InstID string `json:"instId"`
	Pos    string `json:"pos"`
	AvgPx  string `json:"avgPx"`
	Last   string `json:"last"`
	Upl    string `json:"upl"`
	CTime  string `json:"cTime"`
}

type algoResult struct {
	AlgoID string `json:"algoId"`
	SCode  string `json:"sCode"`
	SMsg   string `json:"sMsg"`
}

// ============================================================================
// ADAPTER SURFACE
// ============================================================================

// GetPrice returns the current quote for a symbol.
func (a *Adapter) GetPrice(ctx context.Context, symbol string) (*broker.Price, error) {
	instID, err := a.instID(symbol)
	if err != nil {
		return nil, err
	}

	var tickers []tickerData
	path := "/api/v5/market/ticker?instId=" + url.QueryEscape(instID)
	if err := a.request(ctx, http.MethodGet, path, nil, false, &tickers); err != nil {
		return nil, a.wrap("price", err)
	}
	if len(tickers) == 0 {
		return nil, broker.NewError(broker.CodeUnknown, store.BrokerOKX, "price",
			"empty ticker response for "+instID, nil)
	}

	t := tickers[0]
	tsMillis, _ := strconv.ParseInt(t.Ts, 10, 64)
	return &broker.Price{
		Symbol: symbol,
		Bid:    parseFloat(t.BidPx),
		Ask:    parseFloat(t.AskPx),
		Last:   parseFloat(t.Last),
		At:     time.UnixMilli(tsMillis).UTC(),
	}, nil
}

// GetAccount returns the unified account snapshot.
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	var balances []balanceData
	if err := a.request(ctx, http.MethodGet, "/api/v5/account/balance", nil, true, &balances); err != nil {
		return nil, a.wrap("account", err)
	}
	if len(balances) == 0 {
		return nil, broker.NewError(broker.CodeUnknown, store.BrokerOKX, "account", "empty balance response", nil)
	}

	b := balances[0]
	totalEq := parseFloat(b.TotalEq)
	return &broker.Account{
		Balance:    totalEq,
		Equity:     totalEq,
		FreeMargin: parseFloat(b.AdjEq),
		Currency:   "USD",
	}, nil
}

// CreateMarketOrder places a cross-margin market order, confirms the fill,
// resolves the resulting position ID as the ticket, and attaches a
// reduce-only OCO algo for the protective levels. A failed algo placement
// is logged but does not fail the trade.
func (a *Adapter) CreateMarketOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	const op = "create_order"

	instID, err := a.instID(req.Symbol)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"instId":  instID,
		"tdMode":  marginMode,
		"ccy":     quoteCcy,
		"side":    string(req.Side),
		"ordType": "market",
		"sz":      decimal.NewFromFloat(req.Volume).String(),
	}
	if req.ClientID != "" {
		body["clOrdId"] = sanitizeClientID(req.ClientID)
	}

	var orders []orderData
	if err := a.request(ctx, http.MethodPost, "/api/v5/trade/order", body, true, &orders); err != nil {
		return nil, a.wrap(op, err)
	}
	if len(orders) == 0 {
		return nil, broker.NewError(broker.CodeUnknown, store.BrokerOKX, op, "empty order response", nil)
	}
	if orders[0].SCode != "0" {
		return nil, a.mapSCode(op, orders[0].SCode, orders[0].SMsg)
	}
	ordID := orders[0].OrdID

	detail, err := a.fetchOrder(ctx, instID, ordID)
	if err != nil {
		return nil, a.wrap(op, err)
	}

	ticket, err := a.resolvePositionID(ctx, instID)
	if err != nil {
		// No live position after a confirmed fill is unexpected; fall back
		// to the ordId so the trade is still trackable.
		a.logger.Warn().Err(err).Str("ordId", ordID).Msg("could not resolve posId, using ordId as ticket")
		ticket, _ = strconv.ParseInt(ordID, 10, 64)
	}

	result := &broker.OrderResult{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     parseFloat(detail.FillSz),
		OpenPrice:  parseFloat(detail.AvgPx),
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   parseMillis(detail.CTime),
	}

	if req.StopLoss > 0 || req.TakeProfit > 0 {
		if err := a.placeProtectiveAlgo(ctx, instID, ticket, req.Side, result.Volume, req.StopLoss, req.TakeProfit); err != nil {
			a.logger.Warn().Err(err).Int64("ticket", ticket).
				Msg("protective algo placement failed, exits rely on app-level monitoring")
		}
	}

	return result, nil
}

// ModifyStopLoss replaces the protective algo with one carrying the new
// levels. Cancel and re-place keeps the call idempotent whether or not an
// algo currently exists.
func (a *Adapter) ModifyStopLoss(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	const op = "modify"

	pos, err := a.findPosition(ctx, ticket)
	if err != nil {
		return err
	}
	if pos == nil {
		return broker.NewError(broker.CodeAlreadyClosed, store.BrokerOKX, op,
			fmt.Sprintf("position %d not found", ticket), nil)
	}

	a.cancelProtectiveAlgo(ctx, pos.InstID, ticket)

	// The algo executes on the closing side: a long is protected by a sell.
	closeSide := store.SideSell
	if parseFloat(pos.Pos) < 0 {
		closeSide = store.SideBuy
	}
	volume := absFloat(parseFloat(pos.Pos))
	if err := a.placeProtectiveAlgo(ctx, pos.InstID, ticket, closeSide, volume, stopLoss, takeProfit); err != nil {
		return a.wrap(op, err)
	}
	return nil
}

// ClosePosition closes the net position behind a ticket at market. A
// position that no longer exists is recovered as AlreadyClosed.
func (a *Adapter) ClosePosition(ctx context.Context, ticket int64, volume float64) (*broker.CloseResult, error) {
	const op = "close"

	pos, err := a.findPosition(ctx, ticket)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return &broker.CloseResult{Ticket: ticket, ClosedAt: time.Now().UTC(), AlreadyClosed: true}, nil
	}

	a.cancelProtectiveAlgo(ctx, pos.InstID, ticket)

	body := map[string]interface{}{
		"instId":  pos.InstID,
		"mgnMode": marginMode,
		"ccy":     quoteCcy,
		"autoCxl": true,
	}
	var results []orderData
	if err := a.request(ctx, http.MethodPost, "/api/v5/trade/close-position", body, true, &results); err != nil {
		return nil, a.wrap(op, err)
	}
	if len(results) > 0 && results[0].SCode != "0" && results[0].SCode != "" {
		if results[0].SCode == scodePositionNotExist {
			return &broker.CloseResult{Ticket: ticket, ClosedAt: time.Now().UTC(), AlreadyClosed: true}, nil
		}
		return nil, a.mapSCode(op, results[0].SCode, results[0].SMsg)
	}

	// close-position returns no fill; report the last observed mark and
	// unrealized PnL from the pre-close snapshot.
	return &broker.CloseResult{
		Ticket:     ticket,
		ClosePrice: parseFloat(pos.Last),
		Profit:     parseFloat(pos.Upl),
		ClosedAt:   time.Now().UTC(),
	}, nil
}

// GetOpenPositions lists live cross-margin positions.
func (a *Adapter) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	raw, err := a.fetchPositions(ctx, "")
	if err != nil {
		return nil, a.wrap("positions", err)
	}

	positions := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		qty := parseFloat(p.Pos)
		if qty == 0 {
			continue
		}
		side := store.SideBuy
		if qty < 0 {
			side = store.SideSell
		}
		ticket, _ := strconv.ParseInt(p.PosID, 10, 64)
		avgPx := parseFloat(p.AvgPx)
		positions = append(positions, broker.Position{
			Ticket:       ticket,
			Symbol:       a.symbolFor(p.InstID),
			Side:         side,
			Volume:       absFloat(qty),
			OpenPrice:    avgPx,
			CurrentPrice: parseFloat(p.Last),
			Profit:       parseFloat(p.Upl),
			OpenedAt:     parseMillis(p.CTime),
		})
	}
	return positions, nil
}

// CalculateOrderSize converts USD notional into a base quantity honoring
// the instrument's minimum size, lot step, and the venue minimum order
// value.
func (a *Adapter) CalculateOrderSize(ctx context.Context, symbol string, sizeUSD float64) (float64, error) {
	info, err := a.InstrumentInfo(ctx, symbol)
	if err != nil {
		return 0, err
	}
	price, err := a.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	qty, err := normalizeQuantity(sizeUSD, price.Last, info.MinSize, info.LotSize, a.minNotionalUSD)
	if err != nil {
		return 0, broker.NewError(broker.CodeUnknown, store.BrokerOKX, "order_size", err.Error(), err)
	}
	return qty.InexactFloat64(), nil
}

// InstrumentInfo returns the venue constraints for a symbol, cached after
// the first fetch.
func (a *Adapter) InstrumentInfo(ctx context.Context, symbol string) (*broker.InstrumentInfo, error) {
	a.mu.RLock()
	if info, ok := a.instCache[symbol]; ok {
		a.mu.RUnlock()
		return info, nil
	}
	a.mu.RUnlock()

	instID, err := a.instID(symbol)
	if err != nil {
		return nil, err
	}

	var instruments []instrumentData
	path := "/api/v5/public/instruments?instType=MARGIN&instId=" + url.QueryEscape(instID)
	if err := a.request(ctx, http.MethodGet, path, nil, false, &instruments); err != nil {
		return nil, a.wrap("instrument", err)
	}
	if len(instruments) == 0 {
		return nil, broker.NewError(broker.CodeUnknown, store.BrokerOKX, "instrument",
			"instrument not found: "+instID, nil)
	}

	d := instruments[0]
	info := &broker.InstrumentInfo{
		Symbol:         symbol,
		MinSize:        parseFloat(d.MinSz),
		LotSize:        parseFloat(d.LotSz),
		TickSize:       parseFloat(d.TickSz),
		MinNotionalUSD: a.minNotionalUSD,
	}

	a.mu.Lock()
	a.instCache[symbol] = info
	a.mu.Unlock()
	return info, nil
}

// ============================================================================
// INTERNALS
// ============================================================================

func (a *Adapter) instID(symbol string) (string, error) {
	if id, ok := a.instruments[symbol]; ok {
		return id, nil
	}
	return "", broker.NewError(broker.CodeUnknown, store.BrokerOKX, "instrument",
		"no instrument mapping for symbol "+symbol, nil)
}

func (a *Adapter) symbolFor(instID string) string {
	for sym, id := range a.instruments {
		if id == instID {
			return sym
		}
	}
	return instID
}

func (a *Adapter) fetchOrder(ctx context.Context, instID, ordID string) (*orderDetail, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", url.QueryEscape(instID), url.QueryEscape(ordID))
	var details []orderDetail
	if err := a.request(ctx, http.MethodGet, path, nil, true, &details); err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, fmt.Errorf("order %s not found", ordID)
	}
	return &details[0], nil
}

func (a *Adapter) fetchPositions(ctx context.Context, instID string) ([]positionData, error) {
	path := "/api/v5/account/positions"
	if instID != "" {
		path += "?instId=" + url.QueryEscape(instID)
	}
	var positions []positionData
	if err := a.request(ctx, http.MethodGet, path, nil, true, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (a *Adapter) findPosition(ctx context.Context, ticket int64) (*positionData, error) {
	positions, err := a.fetchPositions(ctx, "")
	if err != nil {
		return nil, a.wrap("positions", err)
	}
	want := strconv.FormatInt(ticket, 10)
	for i := range positions {
		if positions[i].PosID == want && parseFloat(positions[i].Pos) != 0 {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (a *Adapter) resolvePositionID(ctx context.Context, instID string) (int64, error) {
	positions, err := a.fetchPositions(ctx, instID)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if parseFloat(p.Pos) != 0 {
			return strconv.ParseInt(p.PosID, 10, 64)
		}
	}
	return 0, fmt.Errorf("no live position for %s", instID)
}

// placeProtectiveAlgo attaches a reduce-only OCO (or single-leg) algo order
// carrying the SL/TP triggers, keyed so it can be found again by ticket.
func (a *Adapter) placeProtectiveAlgo(ctx context.Context, instID string, ticket int64, closeSide store.Side, volume, stopLoss, takeProfit float64) error {
	ordType := "conditional"
	if stopLoss > 0 && takeProfit > 0 {
		ordType = "oco"
	}

	body := map[string]interface{}{
		"instId":      instID,
		"tdMode":      marginMode,
		"ccy":         quoteCcy,
		"side":        string(closeSide),
		"ordType":     ordType,
		"sz":          decimal.NewFromFloat(volume).String(),
		"algoClOrdId": algoClientID(ticket),
		"reduceOnly":  true,
	}
	if stopLoss > 0 {
		body["slTriggerPx"] = decimal.NewFromFloat(stopLoss).String()
		body["slOrdPx"] = "-1" // market on trigger
	}
	if takeProfit > 0 {
		body["tpTriggerPx"] = decimal.NewFromFloat(takeProfit).String()
		body["tpOrdPx"] = "-1"
	}

	var results []algoResult
	if err := a.request(ctx, http.MethodPost, "/api/v5/trade/order-algo", body, true, &results); err != nil {
		return err
	}
	if len(results) > 0 && results[0].SCode != "0" {
		return fmt.Errorf("algo rejected: %s %s", results[0].SCode, results[0].SMsg)
	}
	return nil
}

// cancelProtectiveAlgo removes the algo for a ticket, ignoring "not found"
// outcomes so that cancel-then-replace sequences stay idempotent.
func (a *Adapter) cancelProtectiveAlgo(ctx context.Context, instID string, ticket int64) {
	body := []map[string]interface{}{{
		"instId":      instID,
		"algoClOrdId": algoClientID(ticket),
	}}
	var results []algoResult
	if err := a.request(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", body, true, &results); err != nil {
		a.logger.Debug().Err(err).Int64("ticket", ticket).Msg("cancel protective algo")
	}
}

func algoClientID(ticket int64) string {
	return fmt.Sprintf("tpsl%d", ticket)
}

// sanitizeClientID strips characters OKX rejects in clOrdId and trims the
// result to the 32-char limit.
func sanitizeClientID(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id) && len(out) < 32; i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, c)
		}
	}
	return string(out)
}

// ============================================================================
// HTTP PLUMBING
// ============================================================================

func (a *Adapter) request(ctx context.Context, method, path string, body interface{}, private bool, out interface{}) error {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	if private {
		for k, v := range a.signer.headers(method, path, string(payload), time.Now()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return &transportError{err: fmt.Errorf("okx error %d: %s", resp.StatusCode, string(raw))}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	if envelope.Code != "0" {
		// Per-item sCodes still arrive inside data; surface them to the
		// caller when present so failures keep their classification.
		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err == nil {
				return nil
			}
		}
		return fmt.Errorf("okx error %s: %s", envelope.Code, envelope.Msg)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("error parsing data: %w", err)
		}
	}
	return nil
}

type transportError struct {
	err error
}

func (t *transportError) Error() string { return t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

func (a *Adapter) wrap(op string, err error) error {
	var te *transportError
	if errors.As(err, &te) {
		return broker.NewError(broker.CodeTransient, store.BrokerOKX, op, "okx unreachable", err)
	}
	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}
	return broker.NewError(broker.CodeUnknown, store.BrokerOKX, op, err.Error(), err)
}

func (a *Adapter) mapSCode(op, sCode, sMsg string) error {
	msg := fmt.Sprintf("sCode %s: %s", sCode, sMsg)
	switch sCode {
	case scodeInsufficientBalance:
		return broker.NewError(broker.CodeInsufficientMargin, store.BrokerOKX, op, msg, nil)
	case scodePositionNotExist:
		return broker.NewError(broker.CodeAlreadyClosed, store.BrokerOKX, op, msg, nil)
	default:
		return broker.NewError(broker.CodeUnknown, store.BrokerOKX, op, msg, nil)
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseMillis(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms).UTC()
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
