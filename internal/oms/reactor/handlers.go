package reactor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfabric/oms/internal/oms/events"
	"github.com/quantfabric/oms/internal/oms/model"
	"github.com/quantfabric/oms/internal/oms/repository"
	"github.com/quantfabric/oms/internal/oms/risk"
)

// applyCommand runs on the consume loop. The returned error travels back to
// the waiting caller through the reply channel.
func (r *Reactor) applyCommand(cmd *events.Command) error {
	r.metrics.CommandsProcessed.WithLabelValues(cmd.Kind).Inc()
	switch cmd.Kind {
	case events.CommandSubmitOrder:
		return r.handleSubmit(cmd)
	case events.CommandCancelOrder:
		return r.handleCancel(cmd)
	case events.CommandReplaceOrder:
		return r.handleReplace(cmd)
	case events.CommandFlattenAll:
		return r.handleFlatten(cmd)
	default:
		return errors.New("reactor: unknown command kind " + cmd.Kind)
	}
}

func (r *Reactor) handleSubmit(cmd *events.Command) error {
	sub := cmd.Submit
	if !r.monitor.IsHealthy() {
		return ErrBrokerUnhealthy
	}
	if err := r.gate.ValidateNewOrder(sub.AccountID, sub.Spec, cmd.CorrelationID); err != nil {
		r.recordRejection(err)
		return err
	}
	return r.place(cmd, sub)
}

// place persists a new order intent and hands it to the adapter. Shared by
// caller submissions and internally generated flatten offsets; admission
// checks happened before the call.
func (r *Reactor) place(cmd *events.Command, sub *events.SubmitOrder) error {
	ctx := context.Background()
	now := time.Now().UTC()
	order := model.NewOrder(sub.OrderID, sub.AccountID, sub.Spec, now)

	err := r.store.RunInTransaction(ctx, func(tx repository.Store) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, cmd.Kind, cmd)
		return err
	})
	if err != nil {
		return err
	}

	order.Status = model.OrderStatusPendingSubmit
	order.LastUpdate = now
	if err := r.store.UpdateOrder(ctx, order); err != nil {
		r.logger.Error("pending_submit persist failed", zap.String("oms_id", order.ID.String()), zap.Error(err))
	}

	r.mu.Lock()
	r.orders[order.ID] = order
	r.mu.Unlock()
	r.awaitingAck[order.ID] = now

	id, accountID, spec := order.ID, order.AccountID, order.Spec
	r.dispatch(func() {
		if err := r.adapter.SubmitOrder(context.Background(), id, accountID, spec); err != nil {
			r.Push(events.ErrorEvent(source, events.ErrorEvt{OrderID: &id, Message: "submit failed: " + err.Error()}))
		}
	})

	r.metrics.OrdersSubmitted.Inc()
	r.publish(order.ID.String(), cmd)
	r.logger.Info("order submitted",
		zap.String("oms_id", order.ID.String()),
		zap.String("account", order.AccountID),
		zap.String("symbol", spec.Symbol),
		zap.String("side", spec.Side),
		zap.String("type", spec.Type),
		zap.String("quantity", spec.Quantity.String()))
	return nil
}

func (r *Reactor) handleCancel(cmd *events.Command) error {
	ctx := context.Background()
	o, ok := r.lookup(cmd.Cancel.OrderID)
	if !ok {
		return ErrUnknownOrder
	}
	if o.Terminal() {
		// Cancel lost the race against a fill or another terminal event.
		// The order is already finished; nothing to cancel and no error.
		r.logger.Info("cancel of terminal order ignored",
			zap.String("oms_id", o.ID.String()),
			zap.String("status", o.Status))
		return nil
	}

	next := *o
	if cmd.Cancel.Reason != "" {
		next.CancelReason = cmd.Cancel.Reason
	}
	next.LastUpdate = time.Now().UTC()
	err := r.store.RunInTransaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateOrder(ctx, &next); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, cmd.Kind, cmd)
		return err
	})
	if err != nil {
		return err
	}
	r.swapOrder(&next)

	id := next.ID
	r.dispatch(func() {
		if err := r.adapter.CancelOrder(context.Background(), id); err != nil {
			r.logger.Warn("cancel dispatch failed", zap.String("oms_id", id.String()), zap.Error(err))
		}
	})
	r.publish(id.String(), cmd)
	return nil
}

func (r *Reactor) handleReplace(cmd *events.Command) error {
	ctx := context.Background()
	rep := cmd.Replace
	o, ok := r.lookup(rep.OrderID)
	if !ok {
		return ErrUnknownOrder
	}
	if o.Terminal() {
		return errors.New("reactor: cannot replace terminal order " + o.ID.String())
	}
	if err := r.gate.ValidateReplaceOrder(o.AccountID, o, rep.NewSpec); err != nil {
		r.recordRejection(err)
		return err
	}

	next := *o
	next.Spec = rep.NewSpec
	next.LastUpdate = time.Now().UTC()
	err := r.store.RunInTransaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateOrder(ctx, &next); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, cmd.Kind, cmd)
		return err
	})
	if err != nil {
		return err
	}
	r.swapOrder(&next)
	// The replace is cancel+new at the broker, so a fresh ack is expected.
	r.awaitingAck[next.ID] = time.Now().UTC()

	id, spec := next.ID, next.Spec
	r.dispatch(func() {
		if err := r.adapter.ReplaceOrder(context.Background(), id, spec); err != nil {
			r.Push(events.ErrorEvent(source, events.ErrorEvt{OrderID: &id, Message: "replace failed: " + err.Error()}))
		}
	})
	r.publish(id.String(), cmd)
	r.logger.Info("order replace requested", zap.String("oms_id", id.String()))
	return nil
}

// handleFlatten submits one offsetting market order per non-flat position.
// A position that already has a live offset in flight is skipped, which makes
// repeated flatten calls idempotent. Flattens reduce exposure, so they bypass
// the new-order admission checks and work through halts and unhealthy links.
func (r *Reactor) handleFlatten(cmd *events.Command) error {
	ctx := context.Background()
	accountID := cmd.Flatten.AccountID
	if err := r.gate.ValidateFlattenAll(accountID); err != nil {
		r.recordRejection(err)
		return err
	}
	if _, err := r.store.AppendEvent(ctx, cmd.Kind, cmd); err != nil {
		return err
	}
	r.logger.Warn("flatten_all requested",
		zap.String("account", accountID),
		zap.String("reason", cmd.Flatten.Reason))

	r.mu.RLock()
	symbols := make([]model.Position, 0, len(r.positions[accountID]))
	for _, p := range r.positions[accountID] {
		if !p.Flat() {
			symbols = append(symbols, *p)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, pos := range symbols {
		if offsetID, ok := r.liveOffset(accountID, pos.Symbol); ok {
			r.logger.Info("flatten offset already in flight",
				zap.String("account", accountID),
				zap.String("symbol", pos.Symbol),
				zap.String("oms_id", offsetID.String()))
			continue
		}
		side := model.OrderSideSell
		if pos.Quantity.Sign() < 0 {
			side = model.OrderSideBuy
		}
		spec := model.MarketSpec(pos.Symbol, side, pos.Quantity.Abs())
		sub := &events.SubmitOrder{OrderID: uuid.New(), AccountID: accountID, Spec: spec}
		offsetCmd := &events.Command{
			Envelope: events.NewEnvelope(source),
			Kind:     events.CommandSubmitOrder,
			Submit:   sub,
		}
		if err := r.place(offsetCmd, sub); err != nil {
			r.logger.Error("flatten offset submit failed",
				zap.String("account", accountID),
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if r.flattening[accountID] == nil {
			r.flattening[accountID] = make(map[string]model.OMSID)
		}
		r.flattening[accountID][pos.Symbol] = sub.OrderID
	}
	return errors.Join(errs...)
}

// liveOffset reports whether a previously submitted offset order for the
// symbol is still non-terminal.
func (r *Reactor) liveOffset(accountID, symbol string) (model.OMSID, bool) {
	id, ok := r.flattening[accountID][symbol]
	if !ok {
		return model.OMSID{}, false
	}
	o, ok := r.lookup(id)
	if !ok || o.Terminal() {
		delete(r.flattening[accountID], symbol)
		return model.OMSID{}, false
	}
	return id, true
}

// applyEvent folds one broker event into engine state. Events never produce
// a caller-visible error; problems are logged and counted.
func (r *Reactor) applyEvent(evt *events.Event) {
	r.metrics.EventsApplied.WithLabelValues(evt.Kind).Inc()

	// Any traffic from the broker proves the link is alive.
	if evt.Kind == events.EventProbeOK {
		r.monitor.OnProbeOK()
	} else {
		r.monitor.OnHeartbeat()
	}

	switch evt.Kind {
	case events.EventOrderStatus:
		r.onOrderStatus(evt)
	case events.EventExecution:
		r.onExecution(evt)
	case events.EventCommission:
		r.onCommission(evt)
	case events.EventError:
		r.onError(evt)
	case events.EventConnectionUp:
		r.metrics.Reconnects.Inc()
		r.logger.Info("broker link up", zap.String("source", evt.Source))
		r.appendEvent(evt.Kind, evt)
		r.requestReconciliation()
	case events.EventConnectionDown:
		reason := ""
		if evt.ConnDown != nil {
			reason = evt.ConnDown.Reason
		}
		r.logger.Warn("broker link down", zap.String("source", evt.Source), zap.String("reason", reason))
		r.appendEvent(evt.Kind, evt)
	case events.EventHeartbeat, events.EventProbeOK:
		// Pulse bookkeeping above is all these carry.
	case events.EventPosition:
		r.onPositionReport(evt)
	case events.EventAccount:
		r.onAccountReport(evt)
	default:
		r.logger.Warn("unknown event kind dropped", zap.String("kind", evt.Kind))
	}
}

func (r *Reactor) onOrderStatus(evt *events.Event) {
	ctx := context.Background()
	p := evt.OrderStatus
	o, ok := r.lookup(p.OrderID)
	if !ok {
		r.logger.Warn("status for unknown order dropped",
			zap.String("oms_id", p.OrderID.String()),
			zap.String("status", p.Status),
			zap.Bool("reconciled", p.Reconciled))
		return
	}

	next := *o
	if p.BrokerOrderID != "" {
		next.BrokerOrderID = p.BrokerOrderID
	}
	if p.BrokerPermID != "" {
		next.BrokerPermID = p.BrokerPermID
	}
	// Any broker-sourced status proves the broker knows the order.
	next.PendingReconcile = false

	if p.Status != "" && p.Status != next.Status {
		switch {
		case model.CanTransition(next.Status, p.Status):
			next.Status = p.Status
		case p.Reconciled:
			// During reconciliation the broker's view wins even when the
			// local table would forbid the move.
			r.logger.Warn("reconciliation overrides local status",
				zap.String("oms_id", next.ID.String()),
				zap.String("local", next.Status),
				zap.String("broker", p.Status))
			next.Status = p.Status
		default:
			r.metrics.IllegalTransitions.Inc()
			r.logger.Error("illegal status transition dropped",
				zap.String("oms_id", next.ID.String()),
				zap.String("from", next.Status),
				zap.String("to", p.Status))
			return
		}
		if p.Reason != "" && model.TerminalStatus(p.Status) {
			next.CancelReason = p.Reason
		}
	}
	next.LastUpdate = time.Now().UTC()

	err := r.store.RunInTransaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateOrder(ctx, &next); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, evt.Kind, evt)
		return err
	})
	if err != nil {
		r.logger.Error("status persist failed", zap.String("oms_id", next.ID.String()), zap.Error(err))
		return
	}
	r.swapOrder(&next)
	// The broker acknowledged it knows the order.
	delete(r.awaitingAck, next.ID)
	delete(r.reconcileDeadline, next.ID)
	if next.Terminal() {
		r.onTerminal(&next)
	}
	r.publish(next.ID.String(), evt)
}

func (r *Reactor) onExecution(evt *events.Event) {
	ctx := context.Background()
	p := evt.Execution
	o, ok := r.lookup(p.OrderID)
	if !ok {
		stored, err := r.store.GetOrder(ctx, p.OrderID)
		if err != nil {
			r.logger.Error("execution for unknown order dropped",
				zap.String("oms_id", p.OrderID.String()),
				zap.String("execution_id", p.ExecutionID))
			return
		}
		r.swapOrder(stored)
		o = stored
	}

	symbol := p.Symbol
	if symbol == "" {
		symbol = o.Spec.Symbol
	}
	signedQty := p.Quantity
	if o.Spec.Side == model.OrderSideSell {
		signedQty = signedQty.Neg()
	}
	now := time.Now().UTC()
	fillTime := p.FillTime
	if fillTime.IsZero() {
		fillTime = now
	}
	fill := &model.Fill{
		OrderID:     p.OrderID,
		ExecutionID: p.ExecutionID,
		Symbol:      symbol,
		Quantity:    p.Quantity,
		Price:       p.Price,
		FillTime:    fillTime,
	}

	nextOrder := *o
	if nextOrder.Terminal() {
		// A fill on a finished order is a broker-side anomaly. It is logged
		// and dropped whole: neither the order nor the position moves, and
		// the next reconciliation pass squares the books against the broker.
		r.metrics.IllegalTransitions.Inc()
		r.logger.Error("execution after terminal status dropped",
			zap.String("oms_id", nextOrder.ID.String()),
			zap.String("status", nextOrder.Status),
			zap.String("execution_id", p.ExecutionID))
		return
	}
	nextOrder.ApplyFill(p.Quantity, p.Price, now)
	nextPos := r.GetPosition(o.AccountID, symbol)
	nextPos.ApplyFill(signedQty, p.Price, now)

	duplicate := false
	err := r.store.RunInTransaction(ctx, func(tx repository.Store) error {
		inserted, err := tx.InsertFill(ctx, fill)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}
		if err := tx.UpdateOrder(ctx, &nextOrder); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, &nextPos); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, evt.Kind, evt)
		return err
	})
	if err != nil {
		r.logger.Error("execution persist failed",
			zap.String("oms_id", p.OrderID.String()),
			zap.String("execution_id", p.ExecutionID),
			zap.Error(err))
		return
	}
	if duplicate {
		r.metrics.DuplicatesDropped.Inc()
		r.logger.Info("duplicate execution dropped",
			zap.String("oms_id", p.OrderID.String()),
			zap.String("execution_id", p.ExecutionID))
		return
	}

	r.mu.Lock()
	r.orders[nextOrder.ID] = &nextOrder
	r.setPositionLocked(&nextPos)
	r.mu.Unlock()
	r.execToOrder[p.ExecutionID] = nextOrder.ID

	r.gate.RecordFill(o.AccountID, symbol, signedQty, nextPos.RealizedPnLToday)
	r.metrics.FillsApplied.Inc()
	if nextOrder.Terminal() {
		r.onTerminal(&nextOrder)
	}
	r.publish(nextOrder.ID.String(), evt)
	r.logger.Info("execution applied",
		zap.String("oms_id", nextOrder.ID.String()),
		zap.String("execution_id", p.ExecutionID),
		zap.String("symbol", symbol),
		zap.String("quantity", p.Quantity.String()),
		zap.String("price", p.Price.String()),
		zap.String("order_status", nextOrder.Status))
}

// onCommission folds a commission report into the originating fill and the
// position's realized PnL.
func (r *Reactor) onCommission(evt *events.Event) {
	ctx := context.Background()
	p := evt.Commission
	orderID, ok := r.execToOrder[p.ExecutionID]
	if !ok {
		// The fill may predate this process; update the row if it exists.
		if err := r.store.UpdateFillCommission(ctx, p.ExecutionID, p.Commission.String()); err != nil {
			r.logger.Warn("commission for unknown execution",
				zap.String("execution_id", p.ExecutionID), zap.Error(err))
		}
		return
	}
	o, ok := r.lookup(orderID)
	if !ok {
		return
	}
	nextPos := r.GetPosition(o.AccountID, o.Spec.Symbol)
	nextPos.RealizedPnLToday = nextPos.RealizedPnLToday.Sub(p.Commission)
	nextPos.LastUpdate = time.Now().UTC()

	err := r.store.RunInTransaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateFillCommission(ctx, p.ExecutionID, p.Commission.String()); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, &nextPos); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, evt.Kind, evt)
		return err
	})
	if err != nil {
		r.logger.Error("commission persist failed", zap.String("execution_id", p.ExecutionID), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.setPositionLocked(&nextPos)
	r.mu.Unlock()
}

func (r *Reactor) onError(evt *events.Event) {
	p := evt.Error
	r.appendEvent(evt.Kind, evt)
	if p.OrderID == nil {
		r.logger.Error("broker error",
			zap.Int("code", p.Code),
			zap.String("message", p.Message))
		return
	}
	r.logger.Error("broker order error",
		zap.String("oms_id", p.OrderID.String()),
		zap.Int("code", p.Code),
		zap.String("message", p.Message))

	o, ok := r.lookup(*p.OrderID)
	if !ok {
		return
	}
	// Errors before the broker acknowledged the order reject it outright.
	if o.Status != model.OrderStatusNew && o.Status != model.OrderStatusPendingSubmit {
		return
	}
	next := *o
	next.Status = model.OrderStatusRejected
	next.CancelReason = p.Message
	next.LastUpdate = time.Now().UTC()
	if err := r.store.UpdateOrder(context.Background(), &next); err != nil {
		r.logger.Error("reject persist failed", zap.String("oms_id", next.ID.String()), zap.Error(err))
		return
	}
	r.swapOrder(&next)
	r.onTerminal(&next)
}

// onPositionReport applies a broker-reported position. The broker is
// authoritative: a divergent local view is overwritten and logged.
func (r *Reactor) onPositionReport(evt *events.Event) {
	p := evt.Position
	local := r.GetPosition(p.AccountID, p.Symbol)
	if local.Quantity.Equal(p.Quantity) {
		return
	}
	r.logger.Warn("position divergence, broker view adopted",
		zap.String("account", p.AccountID),
		zap.String("symbol", p.Symbol),
		zap.String("local_qty", local.Quantity.String()),
		zap.String("broker_qty", p.Quantity.String()))

	next := local
	next.Quantity = p.Quantity
	next.AvgPrice = p.AvgPrice
	next.LastUpdate = time.Now().UTC()
	if err := r.store.UpsertPosition(context.Background(), &next); err != nil {
		r.logger.Error("position persist failed", zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.setPositionLocked(&next)
	r.mu.Unlock()
	r.appendEvent(evt.Kind, evt)
}

func (r *Reactor) onAccountReport(evt *events.Event) {
	p := evt.Account
	snap := &model.AccountSnapshot{
		AccountID:        p.AccountID,
		NetLiquidation:   p.NetLiquidation,
		Cash:             p.Cash,
		BuyingPower:      p.BuyingPower,
		RealizedPnLToday: p.RealizedPnLToday,
		UnrealizedPnL:    p.UnrealizedPnL,
		AsOf:             time.Now().UTC(),
	}
	if err := r.store.UpsertAccountSnapshot(context.Background(), snap); err != nil {
		r.logger.Error("account snapshot persist failed", zap.String("account", p.AccountID), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.snapshots[p.AccountID] = snap
	r.mu.Unlock()
}

// sweep runs the periodic housekeeping on the consume loop: ack timeouts,
// reconciliation deadlines, and the connectivity probe.
func (r *Reactor) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	for id, since := range r.awaitingAck {
		if now.Sub(since) <= r.cfg.AckTimeout {
			continue
		}
		delete(r.awaitingAck, id)
		o, ok := r.lookup(id)
		if !ok || o.Terminal() {
			continue
		}
		// No acknowledgement inside the window. The order may or may not be
		// live at the broker; resubmitting could double it, so it is only
		// flagged for reconciliation.
		next := *o
		next.PendingReconcile = true
		next.LastUpdate = now
		if err := r.store.UpdateOrder(ctx, &next); err != nil {
			r.logger.Error("pending_reconcile persist failed", zap.String("oms_id", id.String()), zap.Error(err))
			continue
		}
		r.swapOrder(&next)
		r.reconcileDeadline[id] = now.Add(r.cfg.ReconcileTimeout)
		r.logger.Warn("no broker acknowledgement, order pending reconciliation",
			zap.String("oms_id", id.String()),
			zap.Duration("waited", now.Sub(since)))
		r.dispatch(func() {
			if err := r.adapter.RequestOpenOrders(context.Background()); err != nil {
				r.logger.Warn("open orders request failed", zap.Error(err))
			}
		})
	}

	for id, deadline := range r.reconcileDeadline {
		if now.Before(deadline) {
			continue
		}
		delete(r.reconcileDeadline, id)
		o, ok := r.lookup(id)
		if !ok || o.Terminal() || !o.PendingReconcile {
			continue
		}
		// The broker never answered for this order. It is dead as far as
		// the engine is concerned; a human reconciles from here.
		next := *o
		next.Status = model.OrderStatusStale
		next.PendingReconcile = false
		next.LastUpdate = now
		if err := r.store.UpdateOrder(ctx, &next); err != nil {
			r.logger.Error("stale persist failed", zap.String("oms_id", id.String()), zap.Error(err))
			continue
		}
		r.swapOrder(&next)
		r.onTerminal(&next)
		r.logger.Error("order went stale, broker never confirmed it",
			zap.String("oms_id", id.String()))
	}

	r.mu.RLock()
	pending := 0
	for _, o := range r.orders {
		if o.PendingReconcile {
			pending++
		}
	}
	r.mu.RUnlock()
	r.metrics.PendingReconcile.Set(float64(pending))

	if r.monitor.ShouldProbe() {
		r.monitor.OnProbeSent()
		r.dispatch(func() {
			if err := r.adapter.SendProbe(context.Background()); err != nil {
				r.logger.Warn("probe send failed", zap.Error(err))
			}
		})
	}
}

// refreshSnapshots re-requests account valuations from the broker.
func (r *Reactor) refreshSnapshots() {
	accounts := r.cfg.Accounts
	r.dispatch(func() {
		for _, account := range accounts {
			if err := r.adapter.RequestAccountSnapshot(context.Background(), account); err != nil {
				r.logger.Warn("account snapshot request failed", zap.String("account", account), zap.Error(err))
			}
		}
	})
}

// onTerminal clears bookkeeping for an order that reached a final status.
func (r *Reactor) onTerminal(o *model.Order) {
	delete(r.awaitingAck, o.ID)
	delete(r.reconcileDeadline, o.ID)
	if id, ok := r.flattening[o.AccountID][o.Spec.Symbol]; ok && id == o.ID {
		delete(r.flattening[o.AccountID], o.Spec.Symbol)
	}
}

// lookup returns the live order pointer from the read model. Only the
// consume loop mutates orders, so the pointer is safe to read on the loop.
func (r *Reactor) lookup(id model.OMSID) (*model.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return o, ok
}

func (r *Reactor) swapOrder(o *model.Order) {
	r.mu.Lock()
	r.orders[o.ID] = o
	r.mu.Unlock()
}

func (r *Reactor) recordRejection(err error) {
	var rej *risk.Rejection
	if errors.As(err, &rej) {
		r.metrics.RiskRejections.WithLabelValues(rej.Rule).Inc()
	}
}

// appendEvent writes one event-log row outside a transaction.
func (r *Reactor) appendEvent(kind string, payload interface{}) {
	if _, err := r.store.AppendEvent(context.Background(), kind, payload); err != nil {
		r.logger.Error("event log append failed", zap.String("kind", kind), zap.Error(err))
	}
}

// publish mirrors an applied command or event to the firehose, best effort.
func (r *Reactor) publish(key string, record interface{}) {
	if err := r.firehose.Publish(context.Background(), key, record); err != nil {
		r.logger.Warn("firehose publish failed", zap.String("key", key), zap.Error(err))
	}
}
