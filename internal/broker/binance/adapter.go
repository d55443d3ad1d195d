// Package binance implements the broker adapter for Binance spot. Spot has
// no venue-side position concept, so the adapter keeps its own registry of
// open positions in the KV store (with an in-memory mirror for when Redis
// is down). Protective levels live in the registry and are enforced by the
// position monitor, not by venue orders.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/kvstore"
	"scalping-engine/internal/store"
	"scalping-engine/internal/vault"
)

const registryKey = "trades:active:binance"

// Binance error codes worth branching on.
const (
	errCodeInsufficientBalance = -2010
)

// Adapter talks to the Binance spot REST API.
type Adapter struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	kv         *kvstore.Store
	logger     zerolog.Logger

	mu        sync.RWMutex
	registry  map[int64]*registryEntry
	instCache map[string]*broker.InstrumentInfo
}

var _ broker.Adapter = (*Adapter)(nil)

// registryEntry is the persisted record of one open spot position.
type registryEntry struct {
	Ticket     int64      `json:"ticket"`
	Symbol     string     `json:"symbol"`
	Side       store.Side `json:"side"`
	Volume     float64    `json:"volume"`
	OpenPrice  float64    `json:"open_price"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	OpenedAt   time.Time  `json:"opened_at"`
}

// New creates a Binance spot adapter and restores the position registry
// from the KV store.
func New(cfg config.BinanceConfig, creds *vault.Credentials, kv *kvstore.Store, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		apiKey:     creds.APIKey,
		secretKey:  creds.APISecret,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		kv:         kv,
		logger:     logger.With().Str("component", "binance").Logger(),
		registry:   make(map[int64]*registryEntry),
		instCache:  make(map[string]*broker.InstrumentInfo),
	}
	a.restoreRegistry(context.Background())
	return a
}

// Name identifies the venue.
func (a *Adapter) Name() store.Broker {
	return store.BrokerBinance
}

// ============================================================================
// ADAPTER SURFACE
// ============================================================================

// GetPrice returns the top-of-book quote.
func (a *Adapter) GetPrice(ctx context.Context, symbol string) (*broker.Price, error) {
	var book struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	endpoint := fmt.Sprintf("%s/api/v3/ticker/bookTicker?symbol=%s", a.baseURL, url.QueryEscape(symbol))
	if err := a.getPublic(ctx, endpoint, &book); err != nil {
		return nil, a.wrap("price", err)
	}

	bid := parseFloat(book.BidPrice)
	ask := parseFloat(book.AskPrice)
	return &broker.Price{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		At:     time.Now().UTC(),
	}, nil
}

// GetAccount reports the USDT balance of the spot account.
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := a.signedRequest(ctx, http.MethodGet, "/api/v3/account", map[string]string{}, &acct); err != nil {
		return nil, a.wrap("account", err)
	}

	var free, locked float64
	for _, b := range acct.Balances {
		if b.Asset == "USDT" {
			free = parseFloat(b.Free)
			locked = parseFloat(b.Locked)
			break
		}
	}
	return &broker.Account{
		Balance:    free + locked,
		Equity:     free + locked,
		Margin:     locked,
		FreeMargin: free,
		Currency:   "USDT",
	}, nil
}

// CreateMarketOrder places a spot market order and registers the fill as a
// tracked position. The Binance orderId becomes the ticket.
func (a *Adapter) CreateMarketOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	const op = "create_order"

	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     strings.ToUpper(string(req.Side)),
		"type":     "MARKET",
		"quantity": decimal.NewFromFloat(req.Volume).String(),
	}
	if req.ClientID != "" {
		params["newClientOrderId"] = req.ClientID
	}

	var resp struct {
		OrderID             int64  `json:"orderId"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		TransactTime        int64  `json:"transactTime"`
		Status              string `json:"status"`
	}
	if err := a.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return nil, a.wrapOrderError(op, err)
	}

	qty := parseFloat(resp.ExecutedQty)
	avgPrice := 0.0
	if qty > 0 {
		avgPrice = parseFloat(resp.CummulativeQuoteQty) / qty
	}
	openedAt := time.UnixMilli(resp.TransactTime).UTC()

	entry := &registryEntry{
		Ticket:     resp.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     qty,
		OpenPrice:  avgPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   openedAt,
	}
	a.mu.Lock()
	a.registry[entry.Ticket] = entry
	a.mu.Unlock()
	a.persistRegistry(ctx)

	return &broker.OrderResult{
		Ticket:     resp.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     qty,
		OpenPrice:  avgPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   openedAt,
	}, nil
}

// ModifyStopLoss updates the protective levels in the registry. The monitor
// enforces them; no venue order is touched.
func (a *Adapter) ModifyStopLoss(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	a.mu.Lock()
	entry, ok := a.registry[ticket]
	if ok {
		entry.StopLoss = stopLoss
		if takeProfit > 0 {
			entry.TakeProfit = takeProfit
		}
	}
	a.mu.Unlock()

	if !ok {
		return broker.NewError(broker.CodeAlreadyClosed, store.BrokerBinance, "modify",
			fmt.Sprintf("position %d not tracked", ticket), nil)
	}
	a.persistRegistry(ctx)
	return nil
}

// ClosePosition unwinds a tracked position with an opposite market order.
// An insufficient-balance rejection on the close path means the asset has
// already left the account, which is recovered as AlreadyClosed.
func (a *Adapter) ClosePosition(ctx context.Context, ticket int64, volume float64) (*broker.CloseResult, error) {
	const op = "close"

	a.mu.RLock()
	entry, ok := a.registry[ticket]
	a.mu.RUnlock()
	if !ok {
		return &broker.CloseResult{Ticket: ticket, ClosedAt: time.Now().UTC(), AlreadyClosed: true}, nil
	}

	closeQty := entry.Volume
	if volume > 0 && volume < closeQty {
		closeQty = volume
	}

	params := map[string]string{
		"symbol":   entry.Symbol,
		"side":     strings.ToUpper(string(entry.Side.Opposite())),
		"type":     "MARKET",
		"quantity": decimal.NewFromFloat(closeQty).String(),
	}

	var resp struct {
		OrderID             int64  `json:"orderId"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		TransactTime        int64  `json:"transactTime"`
	}
	if err := a.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		if binanceCode(err) == errCodeInsufficientBalance {
			a.logger.Warn().Int64("ticket", ticket).Msg("close found no balance, treating position as already closed")
			a.dropFromRegistry(ctx, ticket)
			return &broker.CloseResult{Ticket: ticket, ClosedAt: time.Now().UTC(), AlreadyClosed: true}, nil
		}
		return nil, a.wrap(op, err)
	}

	qty := parseFloat(resp.ExecutedQty)
	closePrice := 0.0
	if qty > 0 {
		closePrice = parseFloat(resp.CummulativeQuoteQty) / qty
	}

	direction := 1.0
	if entry.Side == store.SideSell {
		direction = -1.0
	}
	profit := (closePrice - entry.OpenPrice) * qty * direction

	a.dropFromRegistry(ctx, ticket)

	return &broker.CloseResult{
		Ticket:     ticket,
		ClosePrice: closePrice,
		Profit:     profit,
		ClosedAt:   time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

// GetOpenPositions lists the tracked positions with refreshed quotes.
func (a *Adapter) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	a.mu.RLock()
	entries := make([]*registryEntry, 0, len(a.registry))
	for _, e := range a.registry {
		entries = append(entries, e)
	}
	a.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ticket < entries[j].Ticket })

	prices := make(map[string]float64, 2)
	positions := make([]broker.Position, 0, len(entries))
	for _, e := range entries {
		current, ok := prices[e.Symbol]
		if !ok {
			if p, err := a.GetPrice(ctx, e.Symbol); err == nil {
				current = p.Last
			} else {
				current = e.OpenPrice
			}
			prices[e.Symbol] = current
		}

		direction := 1.0
		if e.Side == store.SideSell {
			direction = -1.0
		}
		positions = append(positions, broker.Position{
			Ticket:       e.Ticket,
			Symbol:       e.Symbol,
			Side:         e.Side,
			Volume:       e.Volume,
			OpenPrice:    e.OpenPrice,
			CurrentPrice: current,
			StopLoss:     e.StopLoss,
			TakeProfit:   e.TakeProfit,
			Profit:       (current - e.OpenPrice) * e.Volume * direction,
			OpenedAt:     e.OpenedAt,
		})
	}
	return positions, nil
}

// CalculateOrderSize converts USD notional into base quantity under the
// symbol's LOT_SIZE and NOTIONAL filters.
func (a *Adapter) CalculateOrderSize(ctx context.Context, symbol string, sizeUSD float64) (float64, error) {
	info, err := a.InstrumentInfo(ctx, symbol)
	if err != nil {
		return 0, err
	}
	price, err := a.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if price.Last <= 0 {
		return 0, broker.NewError(broker.CodeUnknown, store.BrokerBinance, "order_size", "no price", nil)
	}

	qty := decimal.NewFromFloat(sizeUSD).Div(decimal.NewFromFloat(price.Last))
	step := decimal.NewFromFloat(info.LotSize)
	if !step.IsZero() {
		qty = qty.Div(step).Floor().Mul(step)
	}
	minQty := decimal.NewFromFloat(info.MinSize)
	if qty.LessThan(minQty) {
		qty = minQty
	}
	if info.MinNotionalUSD > 0 {
		notional := qty.Mul(decimal.NewFromFloat(price.Last))
		if notional.LessThan(decimal.NewFromFloat(info.MinNotionalUSD)) {
			return 0, broker.NewError(broker.CodeUnknown, store.BrokerBinance, "order_size",
				fmt.Sprintf("order value %s below NOTIONAL filter %.2f", notional.StringFixed(2), info.MinNotionalUSD), nil)
		}
	}
	return qty.InexactFloat64(), nil
}

// InstrumentInfo returns the symbol's exchange filters, cached after the
// first fetch.
func (a *Adapter) InstrumentInfo(ctx context.Context, symbol string) (*broker.InstrumentInfo, error) {
	a.mu.RLock()
	if info, ok := a.instCache[symbol]; ok {
		a.mu.RUnlock()
		return info, nil
	}
	a.mu.RUnlock()

	var exchangeInfo struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	endpoint := fmt.Sprintf("%s/api/v3/exchangeInfo?symbol=%s", a.baseURL, url.QueryEscape(symbol))
	if err := a.getPublic(ctx, endpoint, &exchangeInfo); err != nil {
		return nil, a.wrap("instrument", err)
	}
	if len(exchangeInfo.Symbols) == 0 {
		return nil, broker.NewError(broker.CodeUnknown, store.BrokerBinance, "instrument",
			"symbol not found: "+symbol, nil)
	}

	info := &broker.InstrumentInfo{Symbol: symbol}
	for _, f := range exchangeInfo.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			info.MinSize = parseFloat(f.MinQty)
			info.LotSize = parseFloat(f.StepSize)
		case "PRICE_FILTER":
			info.TickSize = parseFloat(f.TickSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			info.MinNotionalUSD = parseFloat(f.MinNotional)
		}
	}

	a.mu.Lock()
	a.instCache[symbol] = info
	a.mu.Unlock()
	return info, nil
}

// ============================================================================
// POSITION REGISTRY
// ============================================================================

func (a *Adapter) dropFromRegistry(ctx context.Context, ticket int64) {
	a.mu.Lock()
	delete(a.registry, ticket)
	a.mu.Unlock()
	a.persistRegistry(ctx)
}

func (a *Adapter) persistRegistry(ctx context.Context) {
	if a.kv == nil {
		return
	}
	a.mu.RLock()
	snapshot := make(map[string]*registryEntry, len(a.registry))
	for ticket, e := range a.registry {
		snapshot[strconv.FormatInt(ticket, 10)] = e
	}
	a.mu.RUnlock()

	if err := a.kv.SetJSON(ctx, registryKey, snapshot, 0); err != nil {
		a.logger.Warn().Err(err).Msg("persist position registry")
	}
}

func (a *Adapter) restoreRegistry(ctx context.Context) {
	if a.kv == nil {
		return
	}
	var snapshot map[string]*registryEntry
	if err := a.kv.GetJSON(ctx, registryKey, &snapshot); err != nil {
		if !kvstore.IsMiss(err) {
			a.logger.Warn().Err(err).Msg("restore position registry")
		}
		return
	}

	a.mu.Lock()
	for key, e := range snapshot {
		ticket, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		a.registry[ticket] = e
	}
	a.mu.Unlock()
	a.logger.Info().Int("positions", len(snapshot)).Msg("restored position registry")
}

// ============================================================================
// HTTP PLUMBING
// ============================================================================

func (a *Adapter) getPublic(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *Adapter) signedRequest(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["signature"] = a.sign(params)

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = values.Encode()
	req.Header.Set("X-MBX-APIKEY", a.apiKey)
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out interface{}) error {
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
		return &transportError{err: fmt.Errorf("binance error %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return &apiErr
		}
		return fmt.Errorf("binance error %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

// sign creates a signature for authenticated requests
func (a *Adapter) sign(params map[string]string) string {
	query := ""
	for k, v := range params {
		if k != "signature" {
			if query != "" {
				query += "&"
			}
			query += k + "=" + v
		}
	}

	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance code %d: %s", e.Code, e.Msg)
}

func binanceCode(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return 0
}

type transportError struct {
	err error
}

func (t *transportError) Error() string { return t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

func (a *Adapter) wrap(op string, err error) error {
	var te *transportError
	if errors.As(err, &te) {
		return broker.NewError(broker.CodeTransient, store.BrokerBinance, op, "binance unreachable", err)
	}
	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}
	return broker.NewError(broker.CodeUnknown, store.BrokerBinance, op, err.Error(), err)
}

func (a *Adapter) wrapOrderError(op string, err error) error {
	if binanceCode(err) == errCodeInsufficientBalance {
		return broker.NewError(broker.CodeInsufficientMargin, store.BrokerBinance, op, err.Error(), err)
	}
	return a.wrap(op, err)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
