// Package reactor implements the single-writer execution engine. Every
// caller command and every broker event is serialized into one ordered queue
// consumed by one goroutine; that goroutine alone mutates order, position,
// and persisted state. Correctness follows from the total ordering of the
// queue, not from mutual exclusion.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfabric/oms/internal/oms/broker"
	"github.com/quantfabric/oms/internal/oms/events"
	"github.com/quantfabric/oms/internal/oms/metrics"
	"github.com/quantfabric/oms/internal/oms/model"
	"github.com/quantfabric/oms/internal/oms/pulse"
	"github.com/quantfabric/oms/internal/oms/repository"
	"github.com/quantfabric/oms/internal/oms/risk"
)

const source = "reactor"

// ErrBrokerUnhealthy is returned when a new submission arrives while the
// pulse monitor considers the broker link dead. In-flight orders are not
// touched; only new submissions are withheld.
var ErrBrokerUnhealthy = errors.New("reactor: broker link unhealthy, new submissions withheld")

// ErrUnknownOrder is returned for commands referencing an id the engine has
// never assigned.
var ErrUnknownOrder = errors.New("reactor: unknown order")

// ErrNotRunning is returned when a command arrives before Start or after
// Stop.
var ErrNotRunning = errors.New("reactor: not running")

// Config tunes the reactor.
type Config struct {
	// QueueSize bounds the command/event queue.
	QueueSize int
	// AckTimeout marks a submitted order pending_reconcile when no broker
	// acknowledgement arrived within the window. The order is surfaced for
	// reconciliation, never silently retried: retrying a possibly-placed
	// order risks duplicate execution.
	AckTimeout time.Duration
	// ReconcileTimeout moves an order to STALE when startup reconciliation
	// got no broker answer for it within the window.
	ReconcileTimeout time.Duration
	// SweepInterval spaces the ack/reconcile/probe sweeps.
	SweepInterval time.Duration
	// SnapshotInterval spaces periodic account snapshot refreshes. Zero
	// disables the refresh loop.
	SnapshotInterval time.Duration
	// Accounts lists the accounts whose positions and snapshots the engine
	// tracks across restarts.
	Accounts []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:        4096,
		AckTimeout:       30 * time.Second,
		ReconcileTimeout: 60 * time.Second,
		SweepInterval:    5 * time.Second,
		SnapshotInterval: 5 * time.Minute,
	}
}

// input is the queue element: exactly one field is set.
type input struct {
	cmd   *events.Command
	evt   *events.Event
	tick  string
	reply chan error
}

// Tick kinds.
const (
	tickSweep    = "sweep"
	tickSnapshot = "snapshot"
)

// Reactor is the execution engine. Construct with New, attach an adapter,
// then Start.
type Reactor struct {
	cfg      Config
	logger   *zap.Logger
	store    repository.Store
	gate     risk.Gate
	monitor  *pulse.Monitor
	metrics  *metrics.Metrics
	firehose events.Publisher
	adapter  broker.Adapter

	queue    chan input
	calls    chan func() // serialized adapter calls, off the consume loop
	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup

	// mu guards the read-model below. The consume loop is the only writer;
	// readers are the query methods.
	mu                sync.RWMutex
	orders            map[model.OMSID]*model.Order
	positions         map[string]map[string]*model.Position
	snapshots         map[string]*model.AccountSnapshot
	execToOrder       map[string]model.OMSID
	flattening        map[string]map[string]model.OMSID
	awaitingAck       map[model.OMSID]time.Time
	reconcileDeadline map[model.OMSID]time.Time

	running bool
	runMu   sync.Mutex
}

// Option adjusts the reactor at construction.
type Option func(*Reactor)

// WithPulseMonitor injects a pulse monitor (tests pass one with a fake
// clock).
func WithPulseMonitor(m *pulse.Monitor) Option {
	return func(r *Reactor) { r.monitor = m }
}

// WithMetrics injects the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reactor) { r.metrics = m }
}

// WithFirehose mirrors applied commands and events to an external publisher.
func WithFirehose(p events.Publisher) Option {
	return func(r *Reactor) { r.firehose = p }
}

// New creates a reactor. The broker adapter is attached separately because
// adapters need the reactor as their event sink.
func New(cfg Config, store repository.Store, gate risk.Gate, logger *zap.Logger, opts ...Option) *Reactor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	r := &Reactor{
		cfg:               cfg,
		logger:            logger,
		store:             store,
		gate:              gate,
		monitor:           pulse.NewMonitor(),
		metrics:           metrics.NewNop(),
		firehose:          events.NopPublisher{},
		queue:             make(chan input, cfg.QueueSize),
		calls:             make(chan func(), cfg.QueueSize),
		stop:              make(chan struct{}),
		orders:            make(map[model.OMSID]*model.Order),
		positions:         make(map[string]map[string]*model.Position),
		snapshots:         make(map[string]*model.AccountSnapshot),
		execToOrder:       make(map[string]model.OMSID),
		flattening:        make(map[string]map[string]model.OMSID),
		awaitingAck:       make(map[model.OMSID]time.Time),
		reconcileDeadline: make(map[model.OMSID]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AttachAdapter wires the broker adapter. Must happen before Start.
func (r *Reactor) AttachAdapter(a broker.Adapter) {
	r.adapter = a
}

// Push enqueues one broker event. Adapters call this from their I/O loops;
// it is the only way events enter the engine.
func (r *Reactor) Push(e events.Event) {
	select {
	case r.queue <- input{evt: &e}:
		r.metrics.QueueDepth.Set(float64(len(r.queue)))
	case <-r.stop:
	}
}

// Start loads durable state, begins consuming the queue, brings the broker
// link up, and issues the reconciliation requests. Broker-reported state is
// authoritative and is folded in exactly like live events.
func (r *Reactor) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return fmt.Errorf("reactor already started")
	}
	if r.adapter == nil {
		return fmt.Errorf("reactor: no broker adapter attached")
	}

	if err := r.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	r.running = true
	r.done.Add(3)
	go r.consumeLoop()
	go r.dispatchLoop()
	go r.tickLoop()

	if err := r.adapter.Start(ctx); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	r.requestReconciliation()
	return nil
}

// Stop drains nothing: it halts intake, stops the adapter, and waits for the
// in-flight queue entries to finish.
func (r *Reactor) Stop(ctx context.Context) error {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = false
	r.runMu.Unlock()

	if err := r.adapter.Stop(ctx); err != nil {
		r.logger.Warn("adapter stop failed", zap.Error(err))
	}
	r.stopOnce.Do(func() { close(r.stop) })
	r.done.Wait()
	if err := r.firehose.Close(); err != nil {
		r.logger.Warn("firehose close failed", zap.Error(err))
	}
	return nil
}

// recover loads all non-terminal orders and known positions from the store
// and marks the orders pending reconciliation.
func (r *Reactor) recover(ctx context.Context) error {
	open, err := r.store.LoadOpenOrders(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	r.mu.Lock()
	for _, o := range open {
		o.PendingReconcile = true
		r.orders[o.ID] = o
		r.reconcileDeadline[o.ID] = now.Add(r.cfg.ReconcileTimeout)
	}
	r.mu.Unlock()
	for _, o := range open {
		o.LastUpdate = now
		if err := r.store.UpdateOrder(ctx, o); err != nil {
			return err
		}
		r.logger.Info("order pending reconciliation after restart",
			zap.String("oms_id", o.ID.String()),
			zap.String("status", o.Status))
	}
	r.metrics.PendingReconcile.Set(float64(len(open)))

	for _, account := range r.cfg.Accounts {
		positions, err := r.store.LoadPositions(ctx, account)
		if err != nil {
			return err
		}
		r.mu.Lock()
		for _, p := range positions {
			r.setPositionLocked(p)
			if !p.Quantity.IsZero() {
				r.gate.RecordFill(p.AccountID, p.Symbol, p.Quantity, p.RealizedPnLToday)
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// requestReconciliation asks the broker for its authoritative view.
func (r *Reactor) requestReconciliation() {
	accounts := r.cfg.Accounts
	r.dispatch(func() {
		ctx := context.Background()
		if err := r.adapter.RequestOpenOrders(ctx); err != nil {
			r.logger.Warn("open orders request failed", zap.Error(err))
		}
		if err := r.adapter.RequestOpenPositions(ctx); err != nil {
			r.logger.Warn("open positions request failed", zap.Error(err))
		}
		for _, account := range accounts {
			if err := r.adapter.RequestAccountSnapshot(ctx, account); err != nil {
				r.logger.Warn("account snapshot request failed", zap.String("account", account), zap.Error(err))
			}
		}
	})
}

// dispatch hands an adapter call to the serial dispatcher so the consume
// loop never blocks on broker I/O. Call order is preserved.
func (r *Reactor) dispatch(fn func()) {
	select {
	case r.calls <- fn:
	case <-r.stop:
	}
}

func (r *Reactor) consumeLoop() {
	defer r.done.Done()
	for {
		select {
		case <-r.stop:
			return
		case in := <-r.queue:
			r.metrics.QueueDepth.Set(float64(len(r.queue)))
			r.consume(in)
		}
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.done.Done()
	for {
		select {
		case <-r.stop:
			return
		case fn := <-r.calls:
			fn()
		}
	}
}

func (r *Reactor) tickLoop() {
	defer r.done.Done()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()
	var snapshot <-chan time.Time
	if r.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(r.cfg.SnapshotInterval)
		defer t.Stop()
		snapshot = t.C
	}
	for {
		select {
		case <-r.stop:
			return
		case <-sweep.C:
			r.enqueueTick(tickSweep)
		case <-snapshot:
			r.enqueueTick(tickSnapshot)
		}
	}
}

func (r *Reactor) enqueueTick(kind string) {
	select {
	case r.queue <- input{tick: kind}:
	case <-r.stop:
	}
}

// consume applies one queue entry. Panics from event application are
// contained so the loop never dies on malformed broker input.
func (r *Reactor) consume(in input) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in reactor consume", zap.Any("panic", rec))
			if in.reply != nil {
				in.reply <- fmt.Errorf("reactor: internal error: %v", rec)
			}
		}
	}()
	switch {
	case in.cmd != nil:
		err := r.applyCommand(in.cmd)
		if in.reply != nil {
			in.reply <- err
		}
	case in.evt != nil:
		r.applyEvent(in.evt)
	case in.tick == tickSweep:
		r.sweep()
	case in.tick == tickSnapshot:
		r.refreshSnapshots()
	}
	r.metrics.LinkHealthy.Set(boolToGauge(r.monitor.IsHealthy()))
}

// execute sends a command through the queue and waits for the consume loop's
// verdict. The broker round-trip happens after the reply; only validation
// and persistence gate the caller.
func (r *Reactor) execute(ctx context.Context, cmd *events.Command) error {
	r.runMu.Lock()
	running := r.running
	r.runMu.Unlock()
	if !running {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case r.queue <- input{cmd: cmd, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return ErrNotRunning
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return ErrNotRunning
	}
}

// SubmitOrder validates and persists a new order intent and hands it to the
// broker adapter. It returns as soon as the intent is durable; fills and
// acknowledgements arrive asynchronously. A hard risk rejection leaves no
// state behind.
func (r *Reactor) SubmitOrder(ctx context.Context, accountID string, spec model.OrderSpec) (model.OMSID, error) {
	return r.SubmitOrderIdempotent(ctx, accountID, spec, uuid.New())
}

// SubmitOrderIdempotent is SubmitOrder with a caller-supplied correlation
// id, letting callers retry after a persistence failure without risking a
// double submission: a correlation id that was already accepted rejects as
// duplicate intent.
func (r *Reactor) SubmitOrderIdempotent(ctx context.Context, accountID string, spec model.OrderSpec, correlationID uuid.UUID) (model.OMSID, error) {
	if err := spec.Validate(); err != nil {
		return model.OMSID{}, err
	}
	id := uuid.New()
	cmd := &events.Command{
		Envelope: events.Envelope{CreatedAt: time.Now().UTC(), CorrelationID: correlationID, Source: "caller"},
		Kind:     events.CommandSubmitOrder,
		Submit:   &events.SubmitOrder{OrderID: id, AccountID: accountID, Spec: spec},
	}
	if err := r.execute(ctx, cmd); err != nil {
		return model.OMSID{}, err
	}
	return id, nil
}

// CancelOrder requests cancellation of a non-terminal order. A cancel that
// loses a race against a fill resolves as a logged no-op, never an error.
func (r *Reactor) CancelOrder(ctx context.Context, id model.OMSID, reason string) error {
	cmd := &events.Command{
		Envelope: events.NewEnvelope("caller"),
		Kind:     events.CommandCancelOrder,
		Cancel:   &events.CancelOrder{OrderID: id, Reason: reason},
	}
	return r.execute(ctx, cmd)
}

// ReplaceOrder swaps an order's spec while preserving its engine identity.
// At the broker this is cancel+new, so the broker order id changes; the
// OMSID presented to callers does not.
func (r *Reactor) ReplaceOrder(ctx context.Context, id model.OMSID, newSpec model.OrderSpec) error {
	if err := newSpec.Validate(); err != nil {
		return err
	}
	cmd := &events.Command{
		Envelope: events.NewEnvelope("caller"),
		Kind:     events.CommandReplaceOrder,
		Replace:  &events.ReplaceOrder{OrderID: id, NewSpec: newSpec},
	}
	return r.execute(ctx, cmd)
}

// FlattenAll submits offsetting orders for every non-flat position of the
// account through the normal submission path. Calling it again while a
// flatten is in progress does not double the offsets.
func (r *Reactor) FlattenAll(ctx context.Context, accountID, reason string) error {
	cmd := &events.Command{
		Envelope: events.NewEnvelope("caller"),
		Kind:     events.CommandFlattenAll,
		Flatten:  &events.FlattenAll{AccountID: accountID, Reason: reason},
	}
	return r.execute(ctx, cmd)
}

// GetOrderState returns a copy of the order's current state. Served from
// memory; never blocks on the broker.
func (r *Reactor) GetOrderState(id model.OMSID) (model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return model.Order{}, ErrUnknownOrder
	}
	return *o, nil
}

// GetPosition returns a copy of the account's position in a symbol. A
// symbol never traded reports as flat.
func (r *Reactor) GetPosition(accountID, symbol string) model.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bySymbol, ok := r.positions[accountID]; ok {
		if p, ok := bySymbol[symbol]; ok {
			return *p
		}
	}
	return model.Position{AccountID: accountID, Symbol: symbol}
}

// GetPositions returns copies of every tracked position of an account.
func (r *Reactor) GetPositions(accountID string) []model.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bySymbol := r.positions[accountID]
	out := make([]model.Position, 0, len(bySymbol))
	for _, p := range bySymbol {
		out = append(out, *p)
	}
	return out
}

// GetAccountSnapshot returns the last broker-reported valuation, if any.
func (r *Reactor) GetAccountSnapshot(accountID string) (model.AccountSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[accountID]
	if !ok {
		return model.AccountSnapshot{}, false
	}
	return *s, true
}

// Healthy reports the pulse monitor's current verdict on the broker link.
func (r *Reactor) Healthy() bool {
	return r.monitor.IsHealthy()
}

// setPositionLocked installs a position in the read model. Callers hold mu.
func (r *Reactor) setPositionLocked(p *model.Position) {
	if r.positions[p.AccountID] == nil {
		r.positions[p.AccountID] = make(map[string]*model.Position)
	}
	r.positions[p.AccountID][p.Symbol] = p
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
