package broker

import (
	"time"

	"scalping-engine/internal/store"
)

// Price is a venue quote snapshot.
type Price struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	At     time.Time `json:"at"`
}

// Mid returns the quote midpoint, falling back to Last when one side is
// missing.
func (p Price) Mid() float64 {
	if p.Bid > 0 && p.Ask > 0 {
		return (p.Bid + p.Ask) / 2
	}
	return p.Last
}

// Account is a venue account snapshot.
type Account struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
}

// OrderRequest describes a market order with protective levels. Volume is
// in broker units: lots for MT4, base-asset quantity for OKX and Binance.
type OrderRequest struct {
	Symbol     string     `json:"symbol"`
	Side       store.Side `json:"side"`
	Volume     float64    `json:"volume"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	// ClientID is an idempotency key for venues that support one. Used
	// during reconciliation after a timeout.
	ClientID string `json:"client_id,omitempty"`
}

// OrderResult is the venue's acknowledgement of a filled market order.
type OrderResult struct {
	Ticket     int64      `json:"ticket"`
	Symbol     string     `json:"symbol"`
	Side       store.Side `json:"side"`
	Volume     float64    `json:"volume"`
	OpenPrice  float64    `json:"open_price"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	OpenedAt   time.Time  `json:"opened_at"`
}

// CloseResult is the venue's acknowledgement of a position close.
type CloseResult struct {
	Ticket     int64     `json:"ticket"`
	ClosePrice float64   `json:"close_price"`
	Profit     float64   `json:"profit"`
	ClosedAt   time.Time `json:"closed_at"`
	// AlreadyClosed is set when the venue reported the ticket gone and the
	// adapter recovered it as a normal outcome.
	AlreadyClosed bool `json:"already_closed"`
}

// Position is a live venue position. It is the authoritative view for
// counting; the durable store may lag it by minutes.
type Position struct {
	Ticket       int64      `json:"ticket"`
	Symbol       string     `json:"symbol"`
	Side         store.Side `json:"side"`
	Volume       float64    `json:"volume"`
	OpenPrice    float64    `json:"open_price"`
	CurrentPrice float64    `json:"current_price"`
	StopLoss     float64    `json:"stop_loss"`
	TakeProfit   float64    `json:"take_profit"`
	Profit       float64    `json:"profit"`
	OpenedAt     time.Time  `json:"opened_at"`
}

// InstrumentInfo carries the venue's sizing constraints for one symbol.
type InstrumentInfo struct {
	Symbol string `json:"symbol"`
	// MinSize is the smallest allowed order volume in broker units.
	MinSize float64 `json:"min_size"`
	// LotSize is the volume increment orders must round to.
	LotSize float64 `json:"lot_size"`
	// TickSize is the price increment.
	TickSize float64 `json:"tick_size"`
	// ContractSize is units of the underlying per 1.0 lot (MT4).
	ContractSize float64 `json:"contract_size"`
	// MinNotionalUSD is the venue's minimum order value, 0 when none.
	MinNotionalUSD float64 `json:"min_notional_usd"`
}
