// Package paper implements the reference broker adapter: an in-process
// simulator that acknowledges and fills orders without any external
// connection. It backs dry-run deployments and the engine's tests.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfabric/oms/internal/oms/broker"
	"github.com/quantfabric/oms/internal/oms/events"
	"github.com/quantfabric/oms/internal/oms/model"
)

const source = "paper"

// Config controls the simulator's fill behavior.
type Config struct {
	// AutoFill fills every accepted order immediately and completely at its
	// limit price, or at the configured mark price for market orders. When
	// false, orders rest until the caller drives them with Fill.
	AutoFill bool
	// HeartbeatInterval spaces the simulated heartbeats. Zero disables the
	// heartbeat loop (tests usually drive heartbeats explicitly).
	HeartbeatInterval time.Duration
	// RejectSymbols simulates broker-side rejections for these symbols.
	RejectSymbols map[string]struct{}
}

type simOrder struct {
	accountID string
	spec      model.OrderSpec
	brokerID  string
	filled    decimal.Decimal
}

// Adapter is the paper broker. It maintains its own id book and simulated
// open orders and positions, and pushes the same generic events a real
// brokerage integration would.
type Adapter struct {
	cfg    Config
	sink   events.Sink
	logger *zap.Logger
	book   *broker.IDBook

	mu        sync.Mutex
	orders    map[model.OMSID]*simOrder
	positions map[string]map[string]*model.Position // accountID -> symbol
	marks     map[string]decimal.Decimal
	running   bool
	stop      chan struct{}

	nextBrokerID atomic.Int64
	nextExecID   atomic.Int64
}

var _ broker.Adapter = (*Adapter)(nil)

// New creates a paper adapter pushing events into sink.
func New(cfg Config, sink events.Sink, logger *zap.Logger) *Adapter {
	return &Adapter{
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		book:      broker.NewIDBook(),
		orders:    make(map[model.OMSID]*simOrder),
		positions: make(map[string]map[string]*model.Position),
		marks:     make(map[string]decimal.Decimal),
	}
}

// SetMark sets the simulated market price used to fill market orders.
func (a *Adapter) SetMark(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	a.marks[symbol] = price
	a.mu.Unlock()
}

// Start brings the simulator "online": it emits ConnectionUp, an initial
// heartbeat, and begins the heartbeat loop if configured.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("paper adapter already started")
	}
	a.running = true
	a.stop = make(chan struct{})
	stop := a.stop
	a.mu.Unlock()

	a.sink.Push(events.ConnectionUpEvent(source))
	a.sink.Push(events.HeartbeatEvent(source))

	if a.cfg.HeartbeatInterval > 0 {
		go a.heartbeatLoop(stop)
	}
	return nil
}

// Stop takes the simulator offline.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.stop)
	a.mu.Unlock()

	a.sink.Push(events.ConnectionDownEvent(source, "adapter stopped"))
	return nil
}

func (a *Adapter) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.sink.Push(events.HeartbeatEvent(source))
		}
	}
}

// SubmitOrder accepts the intent, assigns a simulated broker id, reports
// WORKING, and fills per the configured policy.
func (a *Adapter) SubmitOrder(ctx context.Context, id model.OMSID, accountID string, spec model.OrderSpec) error {
	if _, reject := a.cfg.RejectSymbols[spec.Symbol]; reject {
		a.sink.Push(events.StatusEvent(source, events.OrderStatusEvt{
			OrderID: id,
			Status:  model.OrderStatusRejected,
			Reason:  "symbol rejected by paper broker",
		}))
		return nil
	}

	brokerID := "PB-" + strconv.FormatInt(a.nextBrokerID.Add(1), 10)
	a.book.Bind(id, brokerID)

	a.mu.Lock()
	a.orders[id] = &simOrder{accountID: accountID, spec: spec, brokerID: brokerID, filled: decimal.Zero}
	a.mu.Unlock()

	a.sink.Push(events.StatusEvent(source, events.OrderStatusEvt{
		OrderID:       id,
		Status:        model.OrderStatusWorking,
		BrokerOrderID: brokerID,
		BrokerPermID:  brokerID,
	}))

	if a.cfg.AutoFill {
		price := spec.LimitPrice
		if price.IsZero() {
			a.mu.Lock()
			price = a.marks[spec.Symbol]
			a.mu.Unlock()
		}
		if price.IsZero() {
			price = decimal.NewFromInt(100) // simulator default mark
		}
		a.Fill(id, spec.Quantity, price)
	}
	return nil
}

// Fill executes qty of a resting order at price, emitting an execution event
// with a fresh broker-unique execution id. Used by the auto-fill policy and
// directly by tests and dry-run tooling.
func (a *Adapter) Fill(id model.OMSID, qty, price decimal.Decimal) {
	a.mu.Lock()
	ord, ok := a.orders[id]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("paper fill for unknown order", zap.String("oms_id", id.String()))
		return
	}
	ord.filled = ord.filled.Add(qty)
	done := ord.filled.GreaterThanOrEqual(ord.spec.Quantity)
	if done {
		delete(a.orders, id)
	}
	signed := qty
	if ord.spec.Side == model.OrderSideSell {
		signed = qty.Neg()
	}
	a.applyPosition(ord.accountID, ord.spec.Symbol, signed, price)
	a.mu.Unlock()

	execID := "PX-" + strconv.FormatInt(a.nextExecID.Add(1), 10)
	a.sink.Push(events.ExecutionEvent(source, events.ExecutionEvt{
		OrderID:     id,
		ExecutionID: execID,
		Symbol:      ord.spec.Symbol,
		Quantity:    qty,
		Price:       price,
		FillTime:    time.Now().UTC(),
	}))
	a.sink.Push(events.CommissionEvent(source, events.CommissionEvt{
		ExecutionID: execID,
		Commission:  decimal.NewFromFloat(0.35),
	}))
	if done {
		a.book.Forget(id)
	}
}

// applyPosition folds a simulated fill into the broker-side position view.
// Callers hold the lock.
func (a *Adapter) applyPosition(accountID, symbol string, signedQty, price decimal.Decimal) {
	if a.positions[accountID] == nil {
		a.positions[accountID] = make(map[string]*model.Position)
	}
	pos, ok := a.positions[accountID][symbol]
	if !ok {
		pos = &model.Position{AccountID: accountID, Symbol: symbol}
		a.positions[accountID][symbol] = pos
	}
	pos.ApplyFill(signedQty, price, time.Now().UTC())
}

// CancelOrder cancels a resting simulated order. An order already fully
// filled simply no longer exists broker-side and the cancel is dropped, as a
// real brokerage would do.
func (a *Adapter) CancelOrder(ctx context.Context, id model.OMSID) error {
	a.mu.Lock()
	ord, ok := a.orders[id]
	if ok {
		delete(a.orders, id)
	}
	a.mu.Unlock()
	if !ok {
		a.logger.Info("paper cancel for unknown or done order", zap.String("oms_id", id.String()))
		return nil
	}
	a.sink.Push(events.StatusEvent(source, events.OrderStatusEvt{
		OrderID:       id,
		Status:        model.OrderStatusCanceled,
		BrokerOrderID: ord.brokerID,
	}))
	a.book.Forget(id)
	return nil
}

// ReplaceOrder is cancel+new under the same engine id: the simulated broker
// id changes, the OMSID does not.
func (a *Adapter) ReplaceOrder(ctx context.Context, id model.OMSID, newSpec model.OrderSpec) error {
	a.mu.Lock()
	ord, ok := a.orders[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("paper replace: order %s not working", id)
	}
	accountID := ord.accountID
	delete(a.orders, id)
	a.mu.Unlock()
	return a.SubmitOrder(ctx, id, accountID, newSpec)
}

// RequestOpenOrders reports every resting simulated order as a reconciled
// status event.
func (a *Adapter) RequestOpenOrders(ctx context.Context) error {
	a.mu.Lock()
	type open struct {
		id       model.OMSID
		brokerID string
	}
	opens := make([]open, 0, len(a.orders))
	for id, ord := range a.orders {
		opens = append(opens, open{id: id, brokerID: ord.brokerID})
	}
	a.mu.Unlock()

	for _, o := range opens {
		a.sink.Push(events.StatusEvent(source, events.OrderStatusEvt{
			OrderID:       o.id,
			Status:        model.OrderStatusWorking,
			BrokerOrderID: o.brokerID,
			Reconciled:    true,
		}))
	}
	return nil
}

// RequestOpenPositions reports the simulated broker-side positions.
func (a *Adapter) RequestOpenPositions(ctx context.Context) error {
	a.mu.Lock()
	var out []events.PositionEvt
	for accountID, bySymbol := range a.positions {
		for symbol, pos := range bySymbol {
			out = append(out, events.PositionEvt{
				AccountID: accountID,
				Symbol:    symbol,
				Quantity:  pos.Quantity,
				AvgPrice:  pos.AvgPrice,
			})
		}
	}
	a.mu.Unlock()

	for _, p := range out {
		a.sink.Push(events.PositionEvent(source, p))
	}
	return nil
}

// RequestAccountSnapshot reports a flat synthetic valuation.
func (a *Adapter) RequestAccountSnapshot(ctx context.Context, accountID string) error {
	a.sink.Push(events.AccountEvent(source, events.AccountSnapshot{
		AccountID:      accountID,
		NetLiquidation: decimal.NewFromInt(1_000_000),
		Cash:           decimal.NewFromInt(1_000_000),
		BuyingPower:    decimal.NewFromInt(4_000_000),
	}))
	return nil
}

// SendProbe answers immediately; the paper broker is always reachable.
func (a *Adapter) SendProbe(ctx context.Context) error {
	a.sink.Push(events.ProbeOKEvent(source))
	return nil
}
