package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OMSID is the engine-assigned identity of an order. It is allocated once at
// submission, never reused, and stays stable across broker reconnects and
// broker-side id changes.
type OMSID = uuid.UUID

// ParseOMSID parses the textual form of an engine order id.
func ParseOMSID(s string) (OMSID, error) {
	return uuid.Parse(s)
}

// Constants for order types, sides, statuses, and time in force options
const (
	// Order types
	OrderTypeMarket    = "MARKET"
	OrderTypeLimit     = "LIMIT"
	OrderTypeStop      = "STOP"
	OrderTypeStopLimit = "STOP_LIMIT"

	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order statuses
	OrderStatusNew             = "NEW"
	OrderStatusPendingSubmit   = "PENDING_SUBMIT"
	OrderStatusWorking         = "WORKING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
	// OrderStatusStale is reached only through reconciliation, when the broker
	// no longer recognizes an order the engine believes is live.
	OrderStatusStale = "STALE"

	// Time in force
	TimeInForceDay = "DAY"
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// OrderSpec describes what the caller wants executed. Build specs through the
// constructors below; Validate rejects combinations the constructors cannot
// produce (a market order with a limit price, a stop order without a stop
// price, and so on).
type OrderSpec struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Type       string          `json:"type"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce string         `json:"time_in_force"`
}

// MarketSpec builds a market order spec.
func MarketSpec(symbol, side string, qty decimal.Decimal) OrderSpec {
	return OrderSpec{Symbol: symbol, Side: side, Quantity: qty, Type: OrderTypeMarket, TimeInForce: TimeInForceDay}
}

// LimitSpec builds a limit order spec.
func LimitSpec(symbol, side string, qty, limit decimal.Decimal, tif string) OrderSpec {
	return OrderSpec{Symbol: symbol, Side: side, Quantity: qty, Type: OrderTypeLimit, LimitPrice: limit, TimeInForce: tif}
}

// StopSpec builds a stop order spec.
func StopSpec(symbol, side string, qty, stop decimal.Decimal) OrderSpec {
	return OrderSpec{Symbol: symbol, Side: side, Quantity: qty, Type: OrderTypeStop, StopPrice: stop, TimeInForce: TimeInForceDay}
}

// StopLimitSpec builds a stop-limit order spec.
func StopLimitSpec(symbol, side string, qty, stop, limit decimal.Decimal, tif string) OrderSpec {
	return OrderSpec{Symbol: symbol, Side: side, Quantity: qty, Type: OrderTypeStopLimit, StopPrice: stop, LimitPrice: limit, TimeInForce: tif}
}

// Validate checks the spec for structurally invalid combinations.
func (s OrderSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("spec: symbol is required")
	}
	if s.Side != OrderSideBuy && s.Side != OrderSideSell {
		return fmt.Errorf("spec: invalid side %q", s.Side)
	}
	if s.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("spec: quantity must be positive")
	}
	switch s.Type {
	case OrderTypeMarket:
		if !s.LimitPrice.IsZero() || !s.StopPrice.IsZero() {
			return fmt.Errorf("spec: market order cannot carry limit or stop price")
		}
	case OrderTypeLimit:
		if s.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("spec: limit order requires positive limit price")
		}
		if !s.StopPrice.IsZero() {
			return fmt.Errorf("spec: limit order cannot carry stop price")
		}
	case OrderTypeStop:
		if s.StopPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("spec: stop order requires positive stop price")
		}
		if !s.LimitPrice.IsZero() {
			return fmt.Errorf("spec: stop order cannot carry limit price")
		}
	case OrderTypeStopLimit:
		if s.StopPrice.LessThanOrEqual(decimal.Zero) || s.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("spec: stop-limit order requires positive stop and limit prices")
		}
	default:
		return fmt.Errorf("spec: unknown order type %q", s.Type)
	}
	switch s.TimeInForce {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
	default:
		return fmt.Errorf("spec: unknown time in force %q", s.TimeInForce)
	}
	return nil
}

// Notional returns the order's notional value against a reference price.
// Limit orders price themselves; market and stop orders use refPrice, which
// may be zero when no reference is known.
func (s OrderSpec) Notional(refPrice decimal.Decimal) decimal.Decimal {
	px := s.LimitPrice
	if px.IsZero() {
		px = refPrice
	}
	return s.Quantity.Mul(px)
}

// Order is the engine's view of one order's lifecycle. It is owned
// exclusively by the reactor; broker adapters never mutate it, they only emit
// events the reactor folds in.
type Order struct {
	ID               OMSID           `json:"id"`
	AccountID        string          `json:"account_id"`
	Spec             OrderSpec       `json:"spec"`
	Status           string          `json:"status"`
	BrokerOrderID    string          `json:"broker_order_id,omitempty"`
	BrokerPermID     string          `json:"broker_perm_id,omitempty"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice     decimal.Decimal `json:"avg_fill_price"`
	LastFillPrice    decimal.Decimal `json:"last_fill_price"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	LastUpdate       time.Time       `json:"last_update"`
	PendingReconcile bool            `json:"pending_reconcile"`
}

// NewOrder creates an order in status NEW.
func NewOrder(id OMSID, accountID string, spec OrderSpec, now time.Time) *Order {
	return &Order{
		ID:             id,
		AccountID:      accountID,
		Spec:           spec,
		Status:         OrderStatusNew,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		CreatedAt:      now,
		LastUpdate:     now,
	}
}

// Terminal reports whether the order has reached a final status.
func (o *Order) Terminal() bool {
	return TerminalStatus(o.Status)
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Spec.Quantity.Sub(o.FilledQuantity)
}

// ApplyFill folds one execution into the order's fill accounting and moves
// the status to PARTIALLY_FILLED or FILLED. The caller is responsible for
// duplicate-execution detection; this only does the arithmetic.
func (o *Order) ApplyFill(qty, price decimal.Decimal, now time.Time) {
	filledBefore := o.FilledQuantity
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	// Volume-weighted average across all fills.
	notional := o.AvgFillPrice.Mul(filledBefore).Add(price.Mul(qty))
	if o.FilledQuantity.IsPositive() {
		o.AvgFillPrice = notional.Div(o.FilledQuantity)
	}
	o.LastFillPrice = price
	o.LastUpdate = now
	if o.FilledQuantity.GreaterThanOrEqual(o.Spec.Quantity) {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}

// Fill is one broker-reported execution against an order. ExecutionID is
// broker-unique; a fill carrying a previously seen ExecutionID is a duplicate
// delivery and must be a no-op.
type Fill struct {
	OrderID     OMSID           `json:"order_id"`
	ExecutionID string          `json:"execution_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Commission  decimal.Decimal `json:"commission"`
	FillTime    time.Time       `json:"fill_time"`
}

// Position is per-account, per-symbol exposure derived by folding fills.
// Flat when Quantity is zero; positions are never deleted, only driven flat.
type Position struct {
	AccountID        string          `json:"account_id"`
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	AvgPrice         decimal.Decimal `json:"avg_price"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	LastUpdate       time.Time       `json:"last_update"`
}

// Flat reports whether the position holds no exposure.
func (p *Position) Flat() bool {
	return p.Quantity.IsZero()
}

// ApplyFill folds a signed fill into the position. Buys carry positive
// signedQty, sells negative. Closing quantity realizes PnL against the
// average price; quantity crossing through zero re-opens at the fill price.
func (p *Position) ApplyFill(signedQty, price decimal.Decimal, now time.Time) {
	p.LastUpdate = now
	if p.Quantity.IsZero() || p.Quantity.Sign() == signedQty.Sign() {
		// Opening or adding: new weighted average.
		total := p.Quantity.Add(signedQty)
		if !total.IsZero() {
			p.AvgPrice = p.AvgPrice.Mul(p.Quantity).Add(price.Mul(signedQty)).Div(total)
		}
		p.Quantity = total
		return
	}

	closing := decimal.Min(p.Quantity.Abs(), signedQty.Abs())
	// Realized PnL per unit is (exit - entry) for longs, (entry - exit) for shorts.
	perUnit := price.Sub(p.AvgPrice)
	if p.Quantity.Sign() < 0 {
		perUnit = p.AvgPrice.Sub(price)
	}
	p.RealizedPnLToday = p.RealizedPnLToday.Add(perUnit.Mul(closing))

	remainder := p.Quantity.Add(signedQty)
	if remainder.IsZero() {
		p.Quantity = decimal.Zero
		p.AvgPrice = decimal.Zero
		return
	}
	if remainder.Sign() != p.Quantity.Sign() {
		// Crossed through flat; the residual opens at the fill price.
		p.AvgPrice = price
	}
	p.Quantity = remainder
}

// MarkPrice recomputes unrealized PnL against a reference price.
func (p *Position) MarkPrice(price decimal.Decimal) {
	if p.Quantity.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = price.Sub(p.AvgPrice).Mul(p.Quantity)
}

// AccountSnapshot is a point-in-time account valuation reported by the
// broker. Snapshots are refreshed by periodic broker queries and never
// interpolated.
type AccountSnapshot struct {
	AccountID        string          `json:"account_id"`
	NetLiquidation   decimal.Decimal `json:"net_liquidation"`
	Cash             decimal.Decimal `json:"cash"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	AsOf             time.Time       `json:"as_of"`
}

// OppositeSide returns the side that offsets the given side.
func OppositeSide(side string) string {
	if side == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}
