// Package events defines the command and event envelopes flowing through the
// reactor's queue. Commands come from callers (the signal layer, operators);
// events come from broker adapters. Both share the same base envelope so the
// event log can record them uniformly.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfabric/oms/internal/oms/model"
)

// Envelope carries the base fields shared by every command and event.
type Envelope struct {
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"created_at"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	Source        string    `json:"source"`
}

// NewEnvelope stamps a fresh envelope for the given source.
func NewEnvelope(source string) Envelope {
	return Envelope{
		CreatedAt:     time.Now().UTC(),
		CorrelationID: uuid.New(),
		Source:        source,
	}
}

// Command kinds.
const (
	CommandSubmitOrder  = "SUBMIT_ORDER"
	CommandCancelOrder  = "CANCEL_ORDER"
	CommandReplaceOrder = "REPLACE_ORDER"
	CommandFlattenAll   = "FLATTEN_ALL"
)

// Command is a caller-issued instruction with a discriminated payload.
// Exactly one payload pointer is set, matching Kind.
type Command struct {
	Envelope
	Kind    string        `json:"kind"`
	Submit  *SubmitOrder  `json:"submit,omitempty"`
	Cancel  *CancelOrder  `json:"cancel,omitempty"`
	Replace *ReplaceOrder `json:"replace,omitempty"`
	Flatten *FlattenAll   `json:"flatten,omitempty"`
}

// SubmitOrder asks the engine to place a new order. OrderID is allocated by
// the engine before the command enters the queue.
type SubmitOrder struct {
	OrderID   model.OMSID     `json:"order_id"`
	AccountID string          `json:"account_id"`
	Spec      model.OrderSpec `json:"spec"`
}

// CancelOrder asks the engine to cancel a non-terminal order.
type CancelOrder struct {
	OrderID model.OMSID `json:"order_id"`
	Reason  string      `json:"reason"`
}

// ReplaceOrder asks the engine to swap an order's spec while preserving its
// engine-assigned identity.
type ReplaceOrder struct {
	OrderID model.OMSID     `json:"order_id"`
	NewSpec model.OrderSpec `json:"new_spec"`
}

// FlattenAll asks the engine to offset every non-flat position of an account.
type FlattenAll struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// Event kinds.
const (
	EventOrderStatus    = "ORDER_STATUS"
	EventExecution      = "EXECUTION"
	EventCommission     = "COMMISSION"
	EventError          = "ERROR"
	EventConnectionUp   = "CONNECTION_UP"
	EventConnectionDown = "CONNECTION_DOWN"
	EventHeartbeat      = "HEARTBEAT"
	EventProbeOK        = "PROBE_OK"
	EventPosition       = "POSITION"
	EventAccount        = "ACCOUNT"
)

// Event is a broker-agnostic occurrence pushed by an adapter. Exactly one
// payload pointer is set, matching Kind. Adapters resolve their own broker
// ids back to the engine's OMSID before emitting.
type Event struct {
	Envelope
	Kind        string           `json:"kind"`
	OrderStatus *OrderStatusEvt  `json:"order_status,omitempty"`
	Execution   *ExecutionEvt    `json:"execution,omitempty"`
	Commission  *CommissionEvt   `json:"commission,omitempty"`
	Error       *ErrorEvt        `json:"error,omitempty"`
	ConnDown    *ConnectionDown  `json:"conn_down,omitempty"`
	Position    *PositionEvt     `json:"position,omitempty"`
	Account     *AccountSnapshot `json:"account,omitempty"`
}

// OrderStatusEvt reports a broker-side status change for an order.
type OrderStatusEvt struct {
	OrderID       model.OMSID `json:"order_id"`
	Status        string      `json:"status"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	BrokerPermID  string      `json:"broker_perm_id,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	// Reconciled marks statuses emitted in answer to an open-orders request
	// rather than a live change.
	Reconciled bool `json:"reconciled,omitempty"`
}

// ExecutionEvt reports one fill. ExecutionID is broker-unique and is the
// idempotency key for duplicate delivery.
type ExecutionEvt struct {
	OrderID     model.OMSID     `json:"order_id"`
	ExecutionID string          `json:"execution_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	FillTime    time.Time       `json:"fill_time"`
}

// CommissionEvt reports the commission charged for an execution, usually
// delivered after the execution itself.
type CommissionEvt struct {
	ExecutionID string          `json:"execution_id"`
	Commission  decimal.Decimal `json:"commission"`
}

// ErrorEvt reports a broker-side error. OrderID is nil for errors not tied
// to a specific order.
type ErrorEvt struct {
	OrderID *model.OMSID `json:"order_id,omitempty"`
	Code    int          `json:"code"`
	Message string       `json:"message"`
}

// ConnectionDown reports loss of the broker link.
type ConnectionDown struct {
	Reason string `json:"reason"`
}

// PositionEvt reports broker-side position state during reconciliation.
type PositionEvt struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

// AccountSnapshot reports a point-in-time account valuation.
type AccountSnapshot struct {
	AccountID        string          `json:"account_id"`
	NetLiquidation   decimal.Decimal `json:"net_liquidation"`
	Cash             decimal.Decimal `json:"cash"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
}

// Sink receives events pushed by a broker adapter. The reactor implements
// Sink by enqueueing onto its single ordered queue.
type Sink interface {
	Push(Event)
}

// StatusEvent builds an order-status event from an adapter.
func StatusEvent(source string, p OrderStatusEvt) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventOrderStatus, OrderStatus: &p}
}

// ExecutionEvent builds an execution event from an adapter.
func ExecutionEvent(source string, p ExecutionEvt) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventExecution, Execution: &p}
}

// CommissionEvent builds a commission event from an adapter.
func CommissionEvent(source string, p CommissionEvt) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventCommission, Commission: &p}
}

// ErrorEvent builds an error event from an adapter.
func ErrorEvent(source string, p ErrorEvt) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventError, Error: &p}
}

// ConnectionUpEvent builds a connection-up event.
func ConnectionUpEvent(source string) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventConnectionUp}
}

// ConnectionDownEvent builds a connection-down event.
func ConnectionDownEvent(source, reason string) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventConnectionDown, ConnDown: &ConnectionDown{Reason: reason}}
}

// HeartbeatEvent builds a heartbeat event.
func HeartbeatEvent(source string) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventHeartbeat}
}

// ProbeOKEvent builds the response to a connectivity probe.
func ProbeOKEvent(source string) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventProbeOK}
}

// PositionEvent builds a reconciliation position event.
func PositionEvent(source string, p PositionEvt) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventPosition, Position: &p}
}

// AccountEvent builds an account snapshot event.
func AccountEvent(source string, p AccountSnapshot) Event {
	return Event{Envelope: NewEnvelope(source), Kind: EventAccount, Account: &p}
}
