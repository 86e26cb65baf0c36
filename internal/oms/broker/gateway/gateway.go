// Package gateway implements a broker adapter speaking a JSON frame protocol
// over a websocket to an order gateway. It owns the connection lifecycle:
// reconnection with exponential backoff and jitter, and a circuit breaker
// that suspends dialing after repeated failures. Failures surface to the
// engine only as connection events; the engine decides what to do with them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfabric/oms/internal/oms/broker"
	"github.com/quantfabric/oms/internal/oms/events"
	"github.com/quantfabric/oms/internal/oms/model"
)

// Config configures the gateway adapter.
type Config struct {
	// URL is the websocket endpoint of the order gateway.
	URL string
	// Token authenticates the session; sent in the hello frame.
	Token string
	// Source labels events emitted by this adapter.
	Source string
	// BackoffMin/BackoffMax bound the reconnect delay schedule.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// Breaker tunes the reconnect circuit breaker.
	Breaker BreakerConfig
	// OnBreakerOpen is invoked when the breaker opens, so the risk gate can
	// halt new submissions while the link is known-dead.
	OnBreakerOpen func(reason string)
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
}

// frame is the wire unit in both directions.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound frame types.
const (
	frameHello      = "hello"
	frameSubmit     = "submit"
	frameCancel     = "cancel"
	frameReplace    = "replace"
	frameOpenOrders = "open_orders"
	framePositions  = "positions"
	frameAccount    = "account"
	frameProbe      = "probe"
)

// Inbound frame types. Position and account report frames answer the
// positions/account request frames above.
const (
	frameAck            = "ack"
	frameStatus         = "status"
	frameExecution      = "execution"
	frameCommission     = "commission"
	frameError          = "error"
	frameHeartbeat      = "heartbeat"
	frameProbeOK        = "probe_ok"
	framePositionReport = "position"
	frameAccountReport  = "account_summary"
)

type submitPayload struct {
	ClientRef   string `json:"client_ref"`
	AccountID   string `json:"account_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    string `json:"qty"`
	OrderType   string `json:"order_type"`
	LimitPrice  string `json:"limit_price,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	TimeInForce string `json:"tif"`
}

type cancelPayload struct {
	BrokerOrderID string `json:"broker_order_id"`
}

type ackPayload struct {
	ClientRef     string `json:"client_ref"`
	BrokerOrderID string `json:"broker_order_id"`
	PermID        string `json:"perm_id,omitempty"`
}

type statusPayload struct {
	BrokerOrderID string `json:"broker_order_id"`
	PermID        string `json:"perm_id,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Reconciled    bool   `json:"reconciled,omitempty"`
}

type executionPayload struct {
	BrokerOrderID string `json:"broker_order_id"`
	ExecutionID   string `json:"execution_id"`
	Symbol        string `json:"symbol"`
	Quantity      string `json:"qty"`
	Price         string `json:"price"`
	FillTime      string `json:"fill_time"`
}

type commissionPayload struct {
	ExecutionID string `json:"execution_id"`
	Commission  string `json:"commission"`
}

type positionPayload struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Quantity  string `json:"qty"`
	AvgPrice  string `json:"avg_price"`
}

type accountPayload struct {
	AccountID      string `json:"account_id"`
	NetLiquidation string `json:"net_liquidation"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	RealizedPnL    string `json:"realized_pnl"`
	UnrealizedPnL  string `json:"unrealized_pnl"`
}

type errorPayload struct {
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	Code          int    `json:"code"`
	Message       string `json:"message"`
}

// Adapter is the websocket gateway broker adapter.
type Adapter struct {
	cfg     Config
	sink    events.Sink
	logger  *zap.Logger
	book    *broker.IDBook
	backoff *expBackoff
	breaker *circuitBreaker

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool

	// accounts remembers which account submitted each live order so a
	// replace can resubmit under the same account.
	acctMu   sync.Mutex
	accounts map[model.OMSID]string
}

var _ broker.Adapter = (*Adapter)(nil)

// New creates a gateway adapter pushing events into sink.
func New(cfg Config, sink events.Sink, logger *zap.Logger) *Adapter {
	if cfg.Source == "" {
		cfg.Source = "gateway"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	a := &Adapter{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		book:     broker.NewIDBook(),
		backoff:  newExpBackoff(cfg.BackoffMin, cfg.BackoffMax),
		accounts: make(map[model.OMSID]string),
	}
	a.breaker = newCircuitBreaker(cfg.Breaker, logger, cfg.OnBreakerOpen)
	return a
}

// Start launches the connect/read loop and returns immediately. Connection
// outcome arrives as ConnectionUp/ConnectionDown events.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("gateway adapter already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running = true
	go a.run(runCtx)
	return nil
}

// Stop tears down the connection and stops reconnecting.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// run is the reconnect loop: dial, read until failure, back off, repeat.
func (a *Adapter) run(ctx context.Context) {
	for ctx.Err() == nil {
		if !a.breaker.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		conn, err := a.dial(ctx)
		if err != nil {
			a.breaker.RecordFailure()
			a.sink.Push(events.ConnectionDownEvent(a.cfg.Source, "dial failed: "+err.Error()))
			a.logger.Warn("gateway dial failed", zap.String("url", a.cfg.URL), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.backoff.Next()):
			}
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		a.breaker.RecordSuccess()
		a.backoff.Reset()
		a.sink.Push(events.ConnectionUpEvent(a.cfg.Source))

		err = a.readLoop(ctx, conn)
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		a.sink.Push(events.ConnectionDownEvent(a.cfg.Source, reason))
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.backoff.Next()):
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	hello, _ := json.Marshal(map[string]string{"token": a.cfg.Token})
	if err := conn.WriteJSON(frame{Type: frameHello, Payload: hello}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello frame: %w", err)
	}
	return conn, nil
}

// readLoop translates inbound frames into engine events until the
// connection dies. A malformed frame is logged and skipped; a panic in
// translation is converted into an ErrorEvent so the loop survives broker
// misbehavior.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		a.dispatch(f)
	}
}

func (a *Adapter) dispatch(f frame) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic translating gateway frame", zap.Any("panic", r), zap.String("type", f.Type))
			a.sink.Push(events.ErrorEvent(a.cfg.Source, events.ErrorEvt{
				Message: fmt.Sprintf("adapter panic on %s frame: %v", f.Type, r),
			}))
		}
	}()

	switch f.Type {
	case frameAck:
		a.onAck(f.Payload)
	case frameStatus:
		a.onStatus(f.Payload)
	case frameExecution:
		a.onExecution(f.Payload)
	case frameCommission:
		a.onCommission(f.Payload)
	case frameError:
		a.onError(f.Payload)
	case framePositionReport:
		a.onPosition(f.Payload)
	case frameAccountReport:
		a.onAccount(f.Payload)
	case frameHeartbeat:
		a.sink.Push(events.HeartbeatEvent(a.cfg.Source))
	case frameProbeOK:
		a.sink.Push(events.ProbeOKEvent(a.cfg.Source))
	default:
		a.logger.Debug("ignoring unknown gateway frame", zap.String("type", f.Type))
	}
}

func (a *Adapter) onAck(raw json.RawMessage) {
	var p ackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.logger.Warn("bad ack frame", zap.Error(err))
		return
	}
	id, err := model.ParseOMSID(p.ClientRef)
	if err != nil {
		a.logger.Warn("ack with unparseable client ref", zap.String("client_ref", p.ClientRef))
		return
	}
	a.book.Bind(id, p.BrokerOrderID)
	if p.PermID != "" {
		a.book.BindPerm(id, p.PermID)
	}
	a.sink.Push(events.StatusEvent(a.cfg.Source, events.OrderStatusEvt{
		OrderID:       id,
		Status:        model.OrderStatusWorking,
		BrokerOrderID: p.BrokerOrderID,
		BrokerPermID:  p.PermID,
	}))
}

func (a *Adapter) onStatus(raw json.RawMessage) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.logger.Warn("bad status frame", zap.Error(err))
		return
	}
	id, ok := a.resolve(p.BrokerOrderID, p.PermID)
	if !ok {
		a.logger.Warn("status for unknown broker order", zap.String("broker_order_id", p.BrokerOrderID))
		return
	}
	if p.PermID != "" {
		a.book.BindPerm(id, p.PermID)
	}
	a.sink.Push(events.StatusEvent(a.cfg.Source, events.OrderStatusEvt{
		OrderID:       id,
		Status:        p.Status,
		BrokerOrderID: p.BrokerOrderID,
		BrokerPermID:  p.PermID,
		Reason:        p.Reason,
		Reconciled:    p.Reconciled,
	}))
	if model.TerminalStatus(p.Status) {
		a.book.Forget(id)
		a.acctMu.Lock()
		delete(a.accounts, id)
		a.acctMu.Unlock()
	}
}

func (a *Adapter) onExecution(raw json.RawMessage) {
	var p executionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.logger.Warn("bad execution frame", zap.Error(err))
		return
	}
	id, ok := a.resolve(p.BrokerOrderID, "")
	if !ok {
		a.logger.Warn("execution for unknown broker order", zap.String("broker_order_id", p.BrokerOrderID))
		return
	}
	qty, err := decimal.NewFromString(p.Quantity)
	if err != nil {
		a.logger.Warn("bad execution qty", zap.String("qty", p.Quantity))
		return
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		a.logger.Warn("bad execution price", zap.String("price", p.Price))
		return
	}
	fillTime := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339Nano, p.FillTime); err == nil {
		fillTime = t
	}
	a.sink.Push(events.ExecutionEvent(a.cfg.Source, events.ExecutionEvt{
		OrderID:     id,
		ExecutionID: p.ExecutionID,
		Symbol:      p.Symbol,
		Quantity:    qty,
		Price:       price,
		FillTime:    fillTime,
	}))
}

func (a *Adapter) onCommission(raw json.RawMessage) {
	var p commissionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.logger.Warn("bad commission frame", zap.Error(err))
		return
	}
	comm, err := decimal.NewFromString(p.Commission)
	if err != nil {
		a.logger.Warn("bad commission amount", zap.String("commission", p.Commission))
		return
	}
	a.sink.Push(events.CommissionEvent(a.cfg.Source, events.CommissionEvt{
		ExecutionID: p.ExecutionID,
		Commission:  comm,
	}))
}

func (a *Adapter) onError(raw json.RawMessage) {
	var p errorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.logger.Warn("bad error frame", zap.Error(err))
		return
	}
	evt := events.ErrorEvt{Code: p.Code, Message: p.Message}
	if p.BrokerOrderID != "" {
		if id, ok := a.resolve(p.BrokerOrderID, ""); ok {
			evt.OrderID = &id
		}
	}
	a.sink.Push(events.ErrorEvent(a.cfg.Source, evt))
}

func (a *Adapter) onPosition(raw json.RawMessage) {
	var p positionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.logger.Warn("bad position frame", zap.Error(err))
		return
	}
	qty, err := decimal.NewFromString(p.Quantity)
	if err != nil {
		a.logger.Warn("bad position qty", zap.String("qty", p.Quantity))
		return
	}
	avg := decimal.Zero
	if p.AvgPrice != "" {
		if avg, err = decimal.NewFromString(p.AvgPrice); err != nil {
			a.logger.Warn("bad position avg price", zap.String("avg_price", p.AvgPrice))
			return
		}
	}
	a.sink.Push(events.PositionEvent(a.cfg.Source, events.PositionEvt{
		AccountID: p.AccountID,
		Symbol:    p.Symbol,
		Quantity:  qty,
		AvgPrice:  avg,
	}))
}

func (a *Adapter) onAccount(raw json.RawMessage) {
	var p accountPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.logger.Warn("bad account frame", zap.Error(err))
		return
	}
	snap := events.AccountSnapshot{AccountID: p.AccountID}
	fields := []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{p.NetLiquidation, &snap.NetLiquidation, "net_liquidation"},
		{p.Cash, &snap.Cash, "cash"},
		{p.BuyingPower, &snap.BuyingPower, "buying_power"},
		{p.RealizedPnL, &snap.RealizedPnLToday, "realized_pnl"},
		{p.UnrealizedPnL, &snap.UnrealizedPnL, "unrealized_pnl"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			a.logger.Warn("bad account field", zap.String("field", f.name), zap.String("value", f.raw))
			return
		}
		*f.dst = v
	}
	a.sink.Push(events.AccountEvent(a.cfg.Source, snap))
}

func (a *Adapter) resolve(brokerOrderID, permID string) (model.OMSID, bool) {
	if brokerOrderID != "" {
		if id, ok := a.book.ResolveBroker(brokerOrderID); ok {
			return id, true
		}
	}
	if permID != "" {
		if id, ok := a.book.ResolvePerm(permID); ok {
			return id, true
		}
	}
	return model.OMSID{}, false
}

// SubmitOrder sends the intent under the engine id as client reference; the
// gateway's ack binds the broker order id.
func (a *Adapter) SubmitOrder(ctx context.Context, id model.OMSID, accountID string, spec model.OrderSpec) error {
	a.acctMu.Lock()
	a.accounts[id] = accountID
	a.acctMu.Unlock()
	p := submitPayload{
		ClientRef:   id.String(),
		AccountID:   accountID,
		Symbol:      spec.Symbol,
		Side:        spec.Side,
		Quantity:    spec.Quantity.String(),
		OrderType:   spec.Type,
		TimeInForce: spec.TimeInForce,
	}
	if !spec.LimitPrice.IsZero() {
		p.LimitPrice = spec.LimitPrice.String()
	}
	if !spec.StopPrice.IsZero() {
		p.StopPrice = spec.StopPrice.String()
	}
	return a.send(frameSubmit, p)
}

// CancelOrder sends a cancel for the bound broker order id.
func (a *Adapter) CancelOrder(ctx context.Context, id model.OMSID) error {
	brokerID, ok := a.book.BrokerOrderID(id)
	if !ok {
		return fmt.Errorf("gateway cancel: no broker order id bound for %s", id)
	}
	return a.send(frameCancel, cancelPayload{BrokerOrderID: brokerID})
}

// ReplaceOrder is cancel+new at the gateway under the same client reference:
// the broker order id changes, the engine id and account do not.
func (a *Adapter) ReplaceOrder(ctx context.Context, id model.OMSID, newSpec model.OrderSpec) error {
	a.acctMu.Lock()
	accountID := a.accounts[id]
	a.acctMu.Unlock()
	if brokerID, ok := a.book.BrokerOrderID(id); ok {
		if err := a.send(frameCancel, cancelPayload{BrokerOrderID: brokerID}); err != nil {
			return err
		}
	}
	return a.SubmitOrder(ctx, id, accountID, newSpec)
}

// RequestOpenOrders asks the gateway to replay its live orders.
func (a *Adapter) RequestOpenOrders(ctx context.Context) error {
	return a.send(frameOpenOrders, nil)
}

// RequestOpenPositions asks the gateway for current positions.
func (a *Adapter) RequestOpenPositions(ctx context.Context) error {
	return a.send(framePositions, nil)
}

// RequestAccountSnapshot asks the gateway for a valuation.
func (a *Adapter) RequestAccountSnapshot(ctx context.Context, accountID string) error {
	p, _ := json.Marshal(map[string]string{"account_id": accountID})
	return a.send(frameAccount, json.RawMessage(p))
}

// SendProbe issues a time-request over the link.
func (a *Adapter) SendProbe(ctx context.Context) error {
	return a.send(frameProbe, nil)
}

// send marshals and writes one frame under the connection lock.
func (a *Adapter) send(frameType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s frame: %w", frameType, err)
		}
		raw = b
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("gateway %s: not connected", frameType)
	}
	return a.conn.WriteJSON(frame{Type: frameType, Payload: raw})
}
