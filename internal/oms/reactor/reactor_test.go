package reactor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfabric/oms/internal/oms/broker/paper"
	"github.com/quantfabric/oms/internal/oms/events"
	"github.com/quantfabric/oms/internal/oms/model"
	"github.com/quantfabric/oms/internal/oms/repository"
	"github.com/quantfabric/oms/internal/oms/risk"
)

const testAccount = "ACC-1"

func testConfig() Config {
	return Config{
		QueueSize:        256,
		AckTimeout:       2 * time.Second,
		ReconcileTimeout: 500 * time.Millisecond,
		SweepInterval:    50 * time.Millisecond,
		Accounts:         []string{testAccount},
	}
}

func newTestEngine(t *testing.T, dbPath string, paperCfg paper.Config, limits risk.Limits) (*Reactor, *paper.Adapter, *repository.GormStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := repository.OpenSQLite(dbPath, logger)
	require.NoError(t, err)

	gate := risk.NewManager(limits, logger)
	r := New(testConfig(), store, gate, logger)
	adapter := paper.New(paperCfg, r, logger)
	r.AttachAdapter(adapter)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, r.Stop(context.Background()))
		_ = store.Close()
	})
	return r, adapter, store
}

func waitStatus(t *testing.T, r *Reactor, id model.OMSID, status string) model.Order {
	t.Helper()
	var last model.Order
	require.Eventually(t, func() bool {
		o, err := r.GetOrderState(id)
		if err != nil {
			return false
		}
		last = o
		return o.Status == status
	}, 3*time.Second, 10*time.Millisecond, "order never reached %s (last: %+v)", status, last)
	return last
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSubmitFillsToVWAP(t *testing.T) {
	r, adapter, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, risk.Limits{})

	id, err := r.SubmitOrder(context.Background(), testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceDay))
	require.NoError(t, err)

	waitStatus(t, r, id, model.OrderStatusWorking)

	adapter.Fill(id, dec("60"), dec("10.00"))
	waitStatus(t, r, id, model.OrderStatusPartiallyFilled)
	adapter.Fill(id, dec("40"), dec("10.50"))

	o := waitStatus(t, r, id, model.OrderStatusFilled)
	assert.True(t, o.FilledQuantity.Equal(dec("100")), "filled %s", o.FilledQuantity)
	assert.True(t, o.AvgFillPrice.Equal(dec("10.2")), "avg fill %s", o.AvgFillPrice)
	assert.True(t, o.Remaining().IsZero())

	require.Eventually(t, func() bool {
		return r.GetPosition(testAccount, "DLR").Quantity.Equal(dec("100"))
	}, 3*time.Second, 10*time.Millisecond)
	pos := r.GetPosition(testAccount, "DLR")
	assert.True(t, pos.AvgPrice.Equal(dec("10.2")), "position avg %s", pos.AvgPrice)
}

func TestDuplicateExecutionIsNoOp(t *testing.T) {
	r, _, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, risk.Limits{})

	id, err := r.SubmitOrder(context.Background(), testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceDay))
	require.NoError(t, err)
	waitStatus(t, r, id, model.OrderStatusWorking)

	exec := events.ExecutionEvt{
		OrderID:     id,
		ExecutionID: "X-1",
		Symbol:      "DLR",
		Quantity:    dec("60"),
		Price:       dec("10.00"),
		FillTime:    time.Now().UTC(),
	}
	r.Push(events.ExecutionEvent("test", exec))
	r.Push(events.ExecutionEvent("test", exec))

	waitStatus(t, r, id, model.OrderStatusPartiallyFilled)
	// Give the duplicate time to be consumed, then confirm nothing doubled.
	time.Sleep(100 * time.Millisecond)
	o, err := r.GetOrderState(id)
	require.NoError(t, err)
	assert.True(t, o.FilledQuantity.Equal(dec("60")), "filled %s", o.FilledQuantity)
	assert.True(t, r.GetPosition(testAccount, "DLR").Quantity.Equal(dec("60")))
}

func TestCancelAfterFillResolvesAsNoOp(t *testing.T) {
	cfg := paper.Config{AutoFill: true}
	r, adapter, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), cfg, risk.Limits{})
	adapter.SetMark("DLR", dec("10.00"))

	id, err := r.SubmitOrder(context.Background(), testAccount,
		model.MarketSpec("DLR", model.OrderSideBuy, dec("100")))
	require.NoError(t, err)
	waitStatus(t, r, id, model.OrderStatusFilled)

	// The cancel lost the race; it must not error and must not disturb the
	// terminal status.
	require.NoError(t, r.CancelOrder(context.Background(), id, "operator"))
	o, err := r.GetOrderState(id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, o.Status)
}

func TestCancelWorkingOrder(t *testing.T) {
	r, _, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, risk.Limits{})

	id, err := r.SubmitOrder(context.Background(), testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceGTC))
	require.NoError(t, err)
	waitStatus(t, r, id, model.OrderStatusWorking)

	require.NoError(t, r.CancelOrder(context.Background(), id, "strategy exit"))
	o := waitStatus(t, r, id, model.OrderStatusCanceled)
	assert.Equal(t, "strategy exit", o.CancelReason)
}

func TestFillAfterTerminalStatusIsDropped(t *testing.T) {
	r, _, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, risk.Limits{})

	id, err := r.SubmitOrder(context.Background(), testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceDay))
	require.NoError(t, err)
	waitStatus(t, r, id, model.OrderStatusWorking)
	require.NoError(t, r.CancelOrder(context.Background(), id, "strategy exit"))
	waitStatus(t, r, id, model.OrderStatusCanceled)

	// A fill racing the cancel arrives after the terminal status. It must be
	// dropped whole: no fill, no position movement, status untouched.
	r.Push(events.ExecutionEvent("test", events.ExecutionEvt{
		OrderID:     id,
		ExecutionID: "LATE-1",
		Symbol:      "DLR",
		Quantity:    dec("100"),
		Price:       dec("10.00"),
		FillTime:    time.Now().UTC(),
	}))
	time.Sleep(100 * time.Millisecond)

	o, err := r.GetOrderState(id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCanceled, o.Status)
	assert.True(t, o.FilledQuantity.IsZero(), "filled %s", o.FilledQuantity)
	assert.True(t, r.GetPosition(testAccount, "DLR").Quantity.IsZero())
}

func TestCancelUnknownOrder(t *testing.T) {
	r, _, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, risk.Limits{})
	err := r.CancelOrder(context.Background(), mustID(t), "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func mustID(t *testing.T) model.OMSID {
	t.Helper()
	id, err := model.ParseOMSID("68aa1cc3-7f6e-4a3c-9f0d-0a8e6c2d1b55")
	require.NoError(t, err)
	return id
}

func TestReplacePreservesEngineID(t *testing.T) {
	r, _, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, risk.Limits{})

	id, err := r.SubmitOrder(context.Background(), testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.00"), model.TimeInForceDay))
	require.NoError(t, err)
	first := waitStatus(t, r, id, model.OrderStatusWorking)
	require.NotEmpty(t, first.BrokerOrderID)

	require.NoError(t, r.ReplaceOrder(context.Background(), id,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.25"), model.TimeInForceDay)))

	require.Eventually(t, func() bool {
		o, err := r.GetOrderState(id)
		return err == nil && o.Status == model.OrderStatusWorking && o.BrokerOrderID != first.BrokerOrderID
	}, 3*time.Second, 10*time.Millisecond, "replace never re-acked under a new broker id")

	o, err := r.GetOrderState(id)
	require.NoError(t, err)
	assert.Equal(t, id, o.ID)
	assert.True(t, o.Spec.LimitPrice.Equal(dec("10.25")))
}

func TestFlattenAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, adapter, store := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, risk.Limits{})

	id, err := r.SubmitOrder(ctx, testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceDay))
	require.NoError(t, err)
	waitStatus(t, r, id, model.OrderStatusWorking)
	adapter.Fill(id, dec("100"), dec("10.00"))
	waitStatus(t, r, id, model.OrderStatusFilled)

	require.NoError(t, r.FlattenAll(ctx, testAccount, "risk stop"))
	require.NoError(t, r.FlattenAll(ctx, testAccount, "risk stop again"))

	// Exactly one offsetting sell may be live, no matter how often flatten
	// was invoked.
	open, err := store.LoadOpenOrders(ctx)
	require.NoError(t, err)
	var offsets []*model.Order
	for _, o := range open {
		if o.Spec.Side == model.OrderSideSell {
			offsets = append(offsets, o)
		}
	}
	require.Len(t, offsets, 1)
	offset := offsets[0]
	assert.Equal(t, model.OrderTypeMarket, offset.Spec.Type)
	assert.True(t, offset.Spec.Quantity.Equal(dec("100")))

	waitStatus(t, r, offset.ID, model.OrderStatusWorking)
	adapter.Fill(offset.ID, dec("100"), dec("10.40"))
	require.Eventually(t, func() bool {
		pos := r.GetPosition(testAccount, "DLR")
		return pos.Flat()
	}, 3*time.Second, 10*time.Millisecond)

	pos := r.GetPosition(testAccount, "DLR")
	assert.True(t, pos.RealizedPnLToday.GreaterThan(decimal.Zero), "realized %s", pos.RealizedPnLToday)
}

func TestBrokerRejection(t *testing.T) {
	cfg := paper.Config{RejectSymbols: map[string]struct{}{"BAD": {}}}
	r, _, _ := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), cfg, risk.Limits{})

	id, err := r.SubmitOrder(context.Background(), testAccount,
		model.MarketSpec("BAD", model.OrderSideBuy, dec("10")))
	require.NoError(t, err, "submission is accepted; the broker rejects asynchronously")
	waitStatus(t, r, id, model.OrderStatusRejected)
}

func TestRiskRejectionLeavesNoState(t *testing.T) {
	limits := risk.Limits{MaxOrderNotional: dec("1000")}
	r, _, store := newTestEngine(t, filepath.Join(t.TempDir(), "oms.db"), paper.Config{}, limits)

	_, err := r.SubmitOrder(context.Background(), testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("1000"), dec("10.00"), model.TimeInForceDay))
	var rej *risk.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.RuleNotionalLimit, rej.Rule)

	open, err := store.LoadOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRestartMarksOpenOrdersPendingReconcile(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "oms.db")
	logger := zaptest.NewLogger(t)

	store1, err := repository.OpenSQLite(dbPath, logger)
	require.NoError(t, err)
	r1 := New(testConfig(), store1, risk.NewManager(risk.Limits{}, logger), logger)
	a1 := paper.New(paper.Config{}, r1, logger)
	r1.AttachAdapter(a1)
	require.NoError(t, r1.Start(ctx))

	id, err := r1.SubmitOrder(ctx, testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceGTC))
	require.NoError(t, err)
	waitStatus(t, r1, id, model.OrderStatusWorking)
	require.NoError(t, r1.Stop(ctx))
	require.NoError(t, store1.Close())

	// A fresh process with a fresh broker session: the simulated broker has
	// forgotten the order, so reconciliation never confirms it.
	store2, err := repository.OpenSQLite(dbPath, logger)
	require.NoError(t, err)
	defer store2.Close()
	r2 := New(testConfig(), store2, risk.NewManager(risk.Limits{}, logger), logger)
	a2 := paper.New(paper.Config{}, r2, logger)
	r2.AttachAdapter(a2)
	require.NoError(t, r2.Start(ctx))
	defer r2.Stop(ctx)

	o, err := r2.GetOrderState(id)
	require.NoError(t, err)
	assert.True(t, o.PendingReconcile, "restart must flag open orders for reconciliation")

	waitStatus(t, r2, id, model.OrderStatusStale)
	o, err = r2.GetOrderState(id)
	require.NoError(t, err)
	assert.False(t, o.PendingReconcile)
}

func TestRestartReconciliationConfirmsLiveOrder(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "oms.db")
	logger := zaptest.NewLogger(t)

	store1, err := repository.OpenSQLite(dbPath, logger)
	require.NoError(t, err)
	r1 := New(testConfig(), store1, risk.NewManager(risk.Limits{}, logger), logger)
	a1 := paper.New(paper.Config{}, r1, logger)
	r1.AttachAdapter(a1)
	require.NoError(t, r1.Start(ctx))

	id, err := r1.SubmitOrder(ctx, testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceGTC))
	require.NoError(t, err)
	waitStatus(t, r1, id, model.OrderStatusWorking)
	require.NoError(t, r1.Stop(ctx))
	require.NoError(t, store1.Close())

	store2, err := repository.OpenSQLite(dbPath, logger)
	require.NoError(t, err)
	defer store2.Close()
	r2 := New(testConfig(), store2, risk.NewManager(risk.Limits{}, logger), logger)
	a2 := paper.New(paper.Config{}, r2, logger)
	r2.AttachAdapter(a2)
	require.NoError(t, r2.Start(ctx))
	defer r2.Stop(ctx)

	// The broker answers the open-orders request: it still works the order.
	r2.Push(events.StatusEvent("test", events.OrderStatusEvt{
		OrderID:       id,
		Status:        model.OrderStatusWorking,
		BrokerOrderID: "PB-1",
		Reconciled:    true,
	}))

	require.Eventually(t, func() bool {
		o, err := r2.GetOrderState(id)
		return err == nil && !o.PendingReconcile && o.Status == model.OrderStatusWorking
	}, 3*time.Second, 10*time.Millisecond, "reconciliation never confirmed the live order")

	// A confirmed order must not go stale once the reconcile window passes.
	time.Sleep(700 * time.Millisecond)
	o, err := r2.GetOrderState(id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusWorking, o.Status)
}

// parkingStore wraps a Store and parks the first transaction until released,
// so a test can hold the consume loop mid-command.
type parkingStore struct {
	repository.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *parkingStore) RunInTransaction(ctx context.Context, fn func(tx repository.Store) error) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Store.RunInTransaction(ctx, fn)
}

func TestStopUnblocksWaitingCallers(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	inner, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "oms.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })
	store := &parkingStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}

	r := New(testConfig(), store, risk.NewManager(risk.Limits{}, logger), logger)
	adapter := paper.New(paper.Config{}, r, logger)
	r.AttachAdapter(adapter)
	require.NoError(t, r.Start(ctx))

	submitErr := make(chan error, 1)
	go func() {
		_, err := r.SubmitOrder(ctx, testAccount,
			model.LimitSpec("DLR", model.OrderSideBuy, dec("100"), dec("10.50"), model.TimeInForceDay))
		submitErr <- err
	}()

	select {
	case <-store.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("submit never reached the store")
	}

	// The consume loop is parked inside the submit transaction; the caller is
	// waiting on its reply with a background context. Stop must release it.
	stopErr := make(chan error, 1)
	go func() { stopErr <- r.Stop(ctx) }()

	select {
	case err := <-submitErr:
		require.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(3 * time.Second):
		t.Fatal("submit caller still blocked after stop")
	}

	close(store.release)
	select {
	case err := <-stopErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop never completed")
	}
}

func TestHaltBlocksSubmissionsNotFlatten(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "oms.db"), logger)
	require.NoError(t, err)
	gate := risk.NewManager(risk.Limits{}, logger)
	r := New(testConfig(), store, gate, logger)
	adapter := paper.New(paper.Config{}, r, logger)
	r.AttachAdapter(adapter)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, r.Stop(ctx))
		_ = store.Close()
	})

	id, err := r.SubmitOrder(ctx, testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("50"), dec("10.00"), model.TimeInForceDay))
	require.NoError(t, err)
	waitStatus(t, r, id, model.OrderStatusWorking)
	adapter.Fill(id, dec("50"), dec("10.00"))
	waitStatus(t, r, id, model.OrderStatusFilled)

	gate.HaltTrading(testAccount, "manual")

	_, err = r.SubmitOrder(ctx, testAccount,
		model.LimitSpec("DLR", model.OrderSideBuy, dec("1"), dec("10.00"), model.TimeInForceDay))
	var rej *risk.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.RuleHalted, rej.Rule)

	// Flattening reduces exposure and must work through the halt.
	require.NoError(t, r.FlattenAll(ctx, testAccount, "halted, going flat"))
	open, err := store.LoadOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.OrderSideSell, open[0].Spec.Side)
}
