// Package broker defines the adapter boundary between the engine and a
// brokerage. One implementation exists per brokerage; adapters translate
// validated order intents to wire calls and broker callbacks back to the
// generic events the reactor consumes. Adapters apply no business rules;
// all risk and validation happened in the reactor before the call arrives.
package broker

import (
	"context"

	"github.com/quantfabric/oms/internal/oms/model"
)

// Adapter is the contract every brokerage integration satisfies. Start and
// Stop manage the connection lifecycle without blocking the caller; upstream
// calls are asynchronous and their outcomes arrive as events through the sink
// handed to the adapter at construction.
type Adapter interface {
	// Start brings up the broker link. It returns once the connection
	// attempt is underway; connection outcome arrives as a
	// ConnectionUp/ConnectionDown event.
	Start(ctx context.Context) error
	// Stop tears the link down and stops event emission.
	Stop(ctx context.Context) error

	// SubmitOrder places a validated order intent under the engine-assigned
	// id.
	SubmitOrder(ctx context.Context, id model.OMSID, accountID string, spec model.OrderSpec) error
	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, id model.OMSID) error
	// ReplaceOrder cancels the broker-side order and places the new spec
	// under the same engine id. The broker order id changes; the engine id
	// does not.
	ReplaceOrder(ctx context.Context, id model.OMSID, newSpec model.OrderSpec) error

	// RequestOpenOrders asks the broker to report every order it considers
	// live; answers arrive as reconciled order-status events.
	RequestOpenOrders(ctx context.Context) error
	// RequestOpenPositions asks the broker to report current positions.
	RequestOpenPositions(ctx context.Context) error
	// RequestAccountSnapshot asks the broker for a point-in-time valuation.
	RequestAccountSnapshot(ctx context.Context, accountID string) error

	// SendProbe issues a lightweight connectivity check (e.g. a time
	// request). The response surfaces through the pulse monitor.
	SendProbe(ctx context.Context) error
}
